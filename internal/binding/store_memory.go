package binding

import (
	"context"
	"sort"
	"sync"

	"github.com/park285/mc-matrix-bridge/internal/mcserver"
)

// MemoryStore keeps bindings in process memory. Used when no database is
// configured and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bindings: make(map[string]Binding)}
}

func (m *MemoryStore) Link(ctx context.Context, roomID string, server mcserver.Identity, origin Origin) error {
	if err := validateLink(roomID, server, origin); err != nil {
		return err
	}
	b := Binding{RoomID: roomID, Server: server, Origin: origin}
	m.mu.Lock()
	m.bindings[b.Key()] = b
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Unlink(ctx context.Context, roomID string, server mcserver.Identity, origin Origin) error {
	if err := validateUnlink(roomID, server, origin); err != nil {
		return err
	}
	key := Key(roomID, server)
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[key]
	if !ok {
		return nil
	}
	if origin != "" && b.Origin != origin {
		return nil
	}
	delete(m.bindings, key)
	return nil
}

func (m *MemoryStore) Linked(ctx context.Context, roomID string) ([]mcserver.Identity, error) {
	bs, err := m.Bindings(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return serversOf(bs), nil
}

func (m *MemoryStore) Bindings(ctx context.Context, roomID string) ([]Binding, error) {
	m.mu.RLock()
	out := make([]Binding, 0, 1)
	for _, b := range m.bindings {
		if b.RoomID == roomID {
			out = append(out, b)
		}
	}
	m.mu.RUnlock()
	sortBindings(out)
	return out, nil
}

func (m *MemoryStore) RoomsFor(ctx context.Context, server mcserver.Identity) ([]string, error) {
	m.mu.RLock()
	out := make([]string, 0, 1)
	for _, b := range m.bindings {
		if b.Server == server {
			out = append(out, b.RoomID)
		}
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Rooms(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	seen := make(map[string]struct{}, len(m.bindings))
	for _, b := range m.bindings {
		seen[b.RoomID] = struct{}{}
	}
	m.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
