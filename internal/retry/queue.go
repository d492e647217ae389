// Package retry implements the deduplicated reconciliation queue for rooms
// whose connection failed or dropped.
package retry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/mc-matrix-bridge/internal/obslog"
)

// DefaultInterval is the reconciliation tick.
const DefaultInterval = 60 * time.Second

// Queue is a FIFO set of room ids.
type Queue struct {
	mu      sync.Mutex
	pending map[string]struct{}
	order   []string
}

func NewQueue() *Queue {
	return &Queue{pending: make(map[string]struct{})}
}

// Enqueue adds roomID unless it is already pending. It reports whether the
// room was newly queued.
func (q *Queue) Enqueue(roomID string) bool {
	if roomID == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[roomID]; ok {
		return false
	}
	q.pending[roomID] = struct{}{}
	q.order = append(q.order, roomID)
	return true
}

// Drain atomically takes every pending room in insertion order and clears
// the queue. Rooms enqueued afterwards wait for the next drain.
func (q *Queue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.order
	q.order = nil
	q.pending = make(map[string]struct{}, len(out))
	return out
}

// Len reports the number of pending rooms.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Pending reports whether roomID is queued.
func (q *Queue) Pending(roomID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[roomID]
	return ok
}

// ReconcileFunc re-runs the binding routine for one room.
type ReconcileFunc func(ctx context.Context, roomID string)

// Tick drains the queue once and reconciles each room sequentially.
func (q *Queue) Tick(ctx context.Context, reconcile ReconcileFunc) int {
	rooms := q.Drain()
	if len(rooms) > 0 {
		obslog.L().Info("retry_drain", zap.Int("rooms", len(rooms)))
	}
	for _, room := range rooms {
		if ctx.Err() != nil {
			// hand the rest back so nothing is lost on shutdown
			q.Enqueue(room)
			continue
		}
		reconcile(ctx, room)
	}
	return len(rooms)
}

// Run ticks every interval until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, interval time.Duration, reconcile ReconcileFunc) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Tick(ctx, reconcile)
		}
	}
}
