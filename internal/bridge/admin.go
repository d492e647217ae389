package bridge

import (
	"errors"
	"sync"
)

var ErrInvalidArgs = errors.New("invalid arguments")

// AdminRegistry maps a user to the private rooms that act as their control
// channel with the bot. Process-local; it is rebuilt lazily after restart.
type AdminRegistry struct {
	mu sync.RWMutex
	// userID -> rooms (append-only; first is oldest)
	byUser map[string][]string
	// roomID -> owner
	byRoom map[string]string
}

func NewAdminRegistry() *AdminRegistry {
	return &AdminRegistry{byUser: make(map[string][]string), byRoom: make(map[string]string)}
}

// Register designates roomID as a control room of userID. It reports
// whether the room was newly added.
func (r *AdminRegistry) Register(userID, roomID string) (bool, error) {
	if userID == "" || roomID == "" {
		return false, ErrInvalidArgs
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.byRoom[roomID]; ok {
		if owner == userID {
			return false, nil
		}
		r.removeLocked(roomID)
	}
	r.byRoom[roomID] = userID
	r.byUser[userID] = append(r.byUser[userID], roomID)
	return true, nil
}

// Owner returns the user a control room belongs to.
func (r *AdminRegistry) Owner(roomID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byRoom[roomID]
	return u, ok
}

// Rooms lists the control rooms of userID.
func (r *AdminRegistry) Rooms(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.byUser[userID]...)
}

// Remove forgets roomID.
func (r *AdminRegistry) Remove(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(roomID)
}

func (r *AdminRegistry) removeLocked(roomID string) {
	owner, ok := r.byRoom[roomID]
	if !ok {
		return
	}
	delete(r.byRoom, roomID)
	list := r.byUser[owner]
	for i, room := range list {
		if room == roomID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.byUser, owner)
	} else {
		r.byUser[owner] = list
	}
}
