// Package profile caches player identity lookups against the identity
// directory with time-based expiry.
package profile

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/park285/mc-matrix-bridge/internal/obslog"
)

// DefaultTTL is how long a fetched profile is served without going upstream.
const DefaultTTL = 4 * time.Hour

// DefaultFetchTimeout bounds one shared directory fetch.
const DefaultFetchTimeout = 10 * time.Second

// Record is what the identity directory returns for a player.
type Record struct {
	ID   string
	Name string
}

// Directory is the upstream identity directory.
type Directory interface {
	ProfileByUUID(ctx context.Context, id string) (Record, error)
	ProfileByName(ctx context.Context, name string) (Record, error)
}

// Profile is an immutable snapshot of a player's identity. A newer fetch
// supersedes it; it is never mutated.
type Profile struct {
	ID          string // 32 lowercase hex digits, no dashes
	DisplayName string
	FetchedAt   time.Time
}

// DashedID returns the canonical 8-4-4-4-12 form of the player's UUID.
func (p Profile) DashedID() string {
	u, err := uuid.Parse(p.ID)
	if err != nil {
		return p.ID
	}
	return u.String()
}

// LookupError is returned when the directory fails or the player does not
// exist.
type LookupError struct {
	Key string
	Err error
}

func (e *LookupError) Error() string { return fmt.Sprintf("profile lookup %q: %v", e.Key, e.Err) }
func (e *LookupError) Unwrap() error { return e.Err }

// CanonicalID normalises a UUID in either dashed or undashed form to 32
// lowercase hex digits.
func CanonicalID(id string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", fmt.Errorf("invalid player uuid %q: %w", id, err)
	}
	return strings.ReplaceAll(u.String(), "-", ""), nil
}

type entry struct {
	profile Profile
	expires time.Time
}

// Cache serves profiles by id or by name. A fetch through either path
// populates both indices.
type Cache struct {
	dir          Directory
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	logger       *zap.Logger

	mu     sync.RWMutex
	byID   map[string]entry
	byName map[string]entry

	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithClock injects the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger; nil keeps the process logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCache builds a cache in front of dir.
func NewCache(dir Directory, opts ...Option) *Cache {
	c := &Cache{
		dir:          dir,
		ttl:          DefaultTTL,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		logger:       obslog.L(),
		byID:         make(map[string]entry),
		byName:       make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ByID returns the profile for a player UUID (dashed or not).
func (c *Cache) ByID(ctx context.Context, id string) (Profile, error) {
	key, err := CanonicalID(id)
	if err != nil {
		return Profile{}, &LookupError{Key: id, Err: err}
	}
	if p, ok := c.fresh(c.byID, key); ok {
		return p, nil
	}
	return c.fetch(ctx, "id:"+key, key, "", func(ctx context.Context) (Record, error) {
		return c.dir.ProfileByUUID(ctx, key)
	})
}

// ByName returns the profile for a player name. Names match case-insensitively.
func (c *Cache) ByName(ctx context.Context, name string) (Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Profile{}, &LookupError{Key: name, Err: fmt.Errorf("empty player name")}
	}
	key := strings.ToLower(name)
	if p, ok := c.fresh(c.byName, key); ok {
		return p, nil
	}
	return c.fetch(ctx, "name:"+key, name, key, func(ctx context.Context) (Record, error) {
		return c.dir.ProfileByName(ctx, name)
	})
}

// Len reports the number of id-indexed entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

func (c *Cache) fresh(index map[string]entry, key string) (Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := index[key]
	if !ok || !c.now().Before(e.expires) {
		return Profile{}, false
	}
	return e.profile, true
}

// fetch loads through the directory once per flight key and stores the result
// under both indices. nameKey, when set, is the lowercased name the caller
// asked for; it is indexed too in case the directory answers with a
// different spelling.
//
// The flight is shared, so it runs detached from the caller's cancellation
// under its own timeout; a caller whose ctx ends stops waiting without
// failing the others.
func (c *Cache) fetch(ctx context.Context, flightKey, key, nameKey string, load func(context.Context) (Record, error)) (Profile, error) {
	ch := c.group.DoChan(flightKey, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		rec, err := load(fctx)
		if err != nil {
			return nil, err
		}
		id, err := CanonicalID(rec.ID)
		if err != nil {
			return nil, err
		}
		now := c.now()
		p := Profile{ID: id, DisplayName: rec.Name, FetchedAt: now}
		e := entry{profile: p, expires: now.Add(c.ttl)}

		c.mu.Lock()
		c.byID[id] = e
		c.byName[strings.ToLower(rec.Name)] = e
		if nameKey != "" {
			c.byName[nameKey] = e
		}
		c.mu.Unlock()
		return p, nil
	})
	select {
	case <-ctx.Done():
		return Profile{}, &LookupError{Key: key, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			c.logger.Warn("profile_lookup_failed", zap.String("key", key), zap.Error(res.Err))
			return Profile{}, &LookupError{Key: key, Err: res.Err}
		}
		return res.Val.(Profile), nil
	}
}
