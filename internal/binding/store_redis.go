package binding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/mc-matrix-bridge/internal/mcserver"
)

const defaultRedisPrefix = "mcb:"

// RedisStore keeps each binding in a hash and maintains three set indices:
// servers per room, rooms per server and all bound rooms.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. An empty prefix uses "mcb:".
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// OpenRedisStore dials the redis URL and checks the connection.
func OpenRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(rdb, ""), nil
}

func (s *RedisStore) keyBinding(roomID string, server mcserver.Identity) string {
	return s.prefix + "binding:" + Key(roomID, server)
}
func (s *RedisStore) keyRoom(roomID string) string { return s.prefix + "room:" + roomID }
func (s *RedisStore) keyServer(server mcserver.Identity) string {
	return s.prefix + "server:" + server.FullName()
}
func (s *RedisStore) keyRooms() string { return s.prefix + "rooms" }

func (s *RedisStore) Link(ctx context.Context, roomID string, server mcserver.Identity, origin Origin) error {
	if err := validateLink(roomID, server, origin); err != nil {
		return err
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.keyBinding(roomID, server), map[string]any{
			"room":   roomID,
			"host":   server.Hostname,
			"port":   server.Port,
			"origin": string(origin),
		})
		p.SAdd(ctx, s.keyRoom(roomID), server.FullName())
		p.SAdd(ctx, s.keyServer(server), roomID)
		p.SAdd(ctx, s.keyRooms(), roomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis link %s: %w", Key(roomID, server), err)
	}
	return nil
}

func (s *RedisStore) Unlink(ctx context.Context, roomID string, server mcserver.Identity, origin Origin) error {
	if err := validateUnlink(roomID, server, origin); err != nil {
		return err
	}
	bkey := s.keyBinding(roomID, server)
	rkey := s.keyRoom(roomID)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, bkey, "origin").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if origin != "" && Origin(current) != origin {
			return nil
		}
		remaining, err := tx.SCard(ctx, rkey).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, bkey)
			p.SRem(ctx, rkey, server.FullName())
			p.SRem(ctx, s.keyServer(server), roomID)
			if remaining <= 1 {
				p.SRem(ctx, s.keyRooms(), roomID)
			}
			return nil
		})
		return err
	}, bkey, rkey)
	if err != nil {
		return fmt.Errorf("redis unlink %s: %w", Key(roomID, server), err)
	}
	return nil
}

func (s *RedisStore) Linked(ctx context.Context, roomID string) ([]mcserver.Identity, error) {
	names, err := s.rdb.SMembers(ctx, s.keyRoom(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis linked %s: %w", roomID, err)
	}
	out := make([]mcserver.Identity, 0, len(names))
	for _, n := range names {
		id, err := mcserver.ParseFullName(n)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out, nil
}

func (s *RedisStore) Bindings(ctx context.Context, roomID string) ([]Binding, error) {
	servers, err := s.Linked(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]Binding, 0, len(servers))
	for _, srv := range servers {
		fields, err := s.rdb.HGetAll(ctx, s.keyBinding(roomID, srv)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis binding %s: %w", Key(roomID, srv), err)
		}
		if len(fields) == 0 {
			continue
		}
		port, _ := strconv.Atoi(fields["port"])
		out = append(out, Binding{
			RoomID: fields["room"],
			Server: mcserver.New(fields["host"], port),
			Origin: Origin(fields["origin"]),
		})
	}
	sortBindings(out)
	return out, nil
}

func (s *RedisStore) RoomsFor(ctx context.Context, server mcserver.Identity) ([]string, error) {
	rooms, err := s.rdb.SMembers(ctx, s.keyServer(server)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis rooms for %s: %w", server.FullName(), err)
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (s *RedisStore) Rooms(ctx context.Context) ([]string, error) {
	rooms, err := s.rdb.SMembers(ctx, s.keyRooms()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis rooms: %w", err)
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
