package bridge

import (
	"crypto/sha256"
	"sync"

	"github.com/park285/mc-matrix-bridge/internal/mcping"
	"github.com/park285/mc-matrix-bridge/internal/mcserver"
)

// Snapshot is the decoration-relevant part of a server status.
type Snapshot struct {
	MOTD        string
	FaviconHash [sha256.Size]byte
	HasFavicon  bool
}

// SnapshotOf extracts the snapshot of st.
func SnapshotOf(st *mcping.Status) Snapshot {
	s := Snapshot{MOTD: st.MOTD}
	if len(st.Favicon) > 0 {
		s.FaviconHash = sha256.Sum256(st.Favicon)
		s.HasFavicon = true
	}
	return s
}

type snapshotEntry struct {
	snap      Snapshot
	decorated map[string]struct{} // rooms carrying snap
}

// SnapshotCache remembers the last seen server metadata and which rooms
// were decorated with it.
type SnapshotCache struct {
	mu      sync.Mutex
	entries map[mcserver.Identity]*snapshotEntry
}

func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{entries: make(map[mcserver.Identity]*snapshotEntry)}
}

// NeedsDecoration records snap for server and reports whether roomID has
// to be redecorated: the metadata changed or the room never got it.
func (c *SnapshotCache) NeedsDecoration(server mcserver.Identity, roomID string, snap Snapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[server]
	if !ok || e.snap != snap {
		e = &snapshotEntry{snap: snap, decorated: make(map[string]struct{})}
		c.entries[server] = e
	}
	_, done := e.decorated[roomID]
	return !done
}

// MarkDecorated records that roomID now carries snap.
func (c *SnapshotCache) MarkDecorated(server mcserver.Identity, roomID string, snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[server]; ok && e.snap == snap {
		e.decorated[roomID] = struct{}{}
	}
}

// Last returns the last recorded snapshot for server.
func (c *SnapshotCache) Last(server mcserver.Identity) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[server]
	if !ok {
		return Snapshot{}, false
	}
	return e.snap, true
}
