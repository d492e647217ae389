// Package binding persists room ↔ game-server links.
package binding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/park285/mc-matrix-bridge/internal/mcserver"
)

// Origin records how a binding was created.
type Origin string

const (
	OriginProvision Origin = "provision"
	OriginAlias     Origin = "alias"
	OriginJoin      Origin = "join"
)

// Valid reports whether o is one of the known origins.
func (o Origin) Valid() bool {
	switch o {
	case OriginProvision, OriginAlias, OriginJoin:
		return true
	}
	return false
}

var (
	ErrInvalidOrigin = errors.New("binding: invalid origin")
	ErrInvalidRoom   = errors.New("binding: empty room id")
	ErrInvalidServer = errors.New("binding: empty server identity")
)

// Binding links one room to one server.
type Binding struct {
	RoomID string
	Server mcserver.Identity
	Origin Origin
}

// Key is the composite store key of the binding.
func (b Binding) Key() string { return Key(b.RoomID, b.Server) }

// Key builds the composite key room + host + port. Neither room ids nor
// hostnames contain spaces.
func Key(roomID string, server mcserver.Identity) string {
	return roomID + " " + server.Hostname + " " + strconv.Itoa(server.Port)
}

// Store persists bindings. Every method is safe for concurrent use and
// idempotent under retry.
type Store interface {
	// Link records the binding. Linking an existing (room, server) pair
	// replaces its origin.
	Link(ctx context.Context, roomID string, server mcserver.Identity, origin Origin) error
	// Unlink removes the binding. An empty origin matches any origin; a
	// non-empty one must match for the binding to be removed.
	Unlink(ctx context.Context, roomID string, server mcserver.Identity, origin Origin) error
	// Linked lists the servers bound to roomID ordered by full name.
	Linked(ctx context.Context, roomID string) ([]mcserver.Identity, error)
	// Bindings lists the bindings of roomID ordered by server full name.
	Bindings(ctx context.Context, roomID string) ([]Binding, error)
	// RoomsFor lists the rooms bound to server, sorted.
	RoomsFor(ctx context.Context, server mcserver.Identity) ([]string, error)
	// Rooms lists every room with at least one binding, sorted.
	Rooms(ctx context.Context) ([]string, error)
	Close() error
}

func validate(roomID string, server mcserver.Identity) error {
	if strings.TrimSpace(roomID) == "" || strings.ContainsRune(roomID, ' ') {
		return ErrInvalidRoom
	}
	if server.IsZero() {
		return ErrInvalidServer
	}
	return nil
}

func validateLink(roomID string, server mcserver.Identity, origin Origin) error {
	if err := validate(roomID, server); err != nil {
		return err
	}
	if !origin.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOrigin, origin)
	}
	return nil
}

func validateUnlink(roomID string, server mcserver.Identity, origin Origin) error {
	if err := validate(roomID, server); err != nil {
		return err
	}
	if origin != "" && !origin.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOrigin, origin)
	}
	return nil
}

func sortBindings(bs []Binding) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].Server.FullName() < bs[j].Server.FullName() })
}

func serversOf(bs []Binding) []mcserver.Identity {
	out := make([]mcserver.Identity, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Server)
	}
	return out
}
