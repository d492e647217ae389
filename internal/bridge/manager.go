package bridge

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/park285/mc-matrix-bridge/internal/gamechat"
	"github.com/park285/mc-matrix-bridge/internal/mcping"
	"github.com/park285/mc-matrix-bridge/internal/mcserver"
	"github.com/park285/mc-matrix-bridge/internal/obslog"
)

// ErrUnbridged is the cause of an attempt abandoned by Unbridge.
var ErrUnbridged = errors.New("bridge: unbridged while connecting")

// Prober is the game-server liveness probe.
type Prober interface {
	Probe(ctx context.Context, server mcserver.Identity) (*mcping.Status, error)
}

// RoomDecorator applies server metadata to a room.
type RoomDecorator interface {
	DecorateRoom(ctx context.Context, roomID string, server mcserver.Identity, st *mcping.Status) error
}

// LineHandler receives chat lines spoken on a server.
type LineHandler func(ctx context.Context, server mcserver.Identity, line gamechat.ChatLine)

// StateHook observes every connection state change.
type StateHook func(roomID string, server mcserver.Identity, from, to ConnState)

// ConnectionManager owns every live room ↔ server connection.
//
// Each server delivers its chat lines once: only the oldest connected
// session of a server (its leader) forwards lines, and the line handler
// fans them out to every bound room.
type ConnectionManager struct {
	dial      DialFunc
	prober    Prober
	decorator RoomDecorator
	snapshots *SnapshotCache
	onLine    LineHandler
	hook      StateHook
	logger    *zap.Logger

	mu       sync.Mutex
	byRoom   map[string]map[string]*Connection // room -> server full name -> conn
	byServer map[string][]*Connection          // connected, oldest first

	disconnects chan *DisconnectedError
	closed      chan struct{}
	closeOnce   sync.Once
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

type ManagerOption func(*ConnectionManager)

func WithProber(p Prober) ManagerOption { return func(m *ConnectionManager) { m.prober = p } }

func WithDecorator(d RoomDecorator) ManagerOption {
	return func(m *ConnectionManager) { m.decorator = d }
}

func WithLineHandler(h LineHandler) ManagerOption {
	return func(m *ConnectionManager) { m.onLine = h }
}

func WithStateHook(h StateHook) ManagerOption { return func(m *ConnectionManager) { m.hook = h } }

func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *ConnectionManager) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewConnectionManager(dial DialFunc, opts ...ManagerOption) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &ConnectionManager{
		dial:        dial,
		snapshots:   NewSnapshotCache(),
		logger:      obslog.L(),
		byRoom:      make(map[string]map[string]*Connection),
		byServer:    make(map[string][]*Connection),
		disconnects: make(chan *DisconnectedError, 64),
		closed:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Disconnects delivers one error per session that ended on its own.
func (m *ConnectionManager) Disconnects() <-chan *DisconnectedError { return m.disconnects }

// Snapshots exposes the server metadata cache.
func (m *ConnectionManager) Snapshots() *SnapshotCache { return m.snapshots }

// Bridge establishes the connection for (roomID, server), or returns the
// one already connecting or connected. On failure nothing stays
// registered and a *ConnectFailedError is returned.
func (m *ConnectionManager) Bridge(ctx context.Context, roomID string, server mcserver.Identity) (*Connection, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	key := server.FullName()

	m.mu.Lock()
	if c := m.byRoom[roomID][key]; c != nil {
		if st := c.State(); st == StateConnecting || st == StateConnected {
			m.mu.Unlock()
			return c, nil
		}
	}
	c := newConnection(roomID, server)
	if _, err := c.transition(StateConnecting); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if m.byRoom[roomID] == nil {
		m.byRoom[roomID] = make(map[string]*Connection)
	}
	m.byRoom[roomID][key] = c
	m.mu.Unlock()
	m.notify(c, StateUnbound, StateConnecting)

	sess, err := m.dial(ctx, server)
	if err == nil {
		m.mu.Lock()
		if m.byRoom[roomID][key] != c || m.isClosed() {
			err = ErrUnbridged
			m.mu.Unlock()
			_ = sess.Close(context.Background())
		} else {
			c.mu.Lock()
			c.session = sess
			c.mu.Unlock()
			m.byServer[key] = append(m.byServer[key], c)
			// Close marks closed before taking mu, so this Add precedes its Wait.
			m.wg.Add(2)
			m.mu.Unlock()
		}
	}
	if err != nil {
		m.mu.Lock()
		m.removeLocked(c)
		m.mu.Unlock()
		m.move(c, StateConnectFailed)
		cerr := &ConnectFailedError{RoomID: roomID, Server: server, Err: err}
		m.logger.Warn("connect_failed", zap.String("room_id", roomID), zap.String("server", key), zap.Error(err))
		return nil, cerr
	}

	m.move(c, StateConnected)
	m.logger.Info("connected", zap.String("room_id", roomID), zap.String("server", key))
	go m.watch(c, sess)
	go m.decorate(c)
	return c, nil
}

// Unbridge closes and forgets the connection for (roomID, server). It
// reports whether one existed.
func (m *ConnectionManager) Unbridge(ctx context.Context, roomID string, server mcserver.Identity) bool {
	m.mu.Lock()
	c := m.byRoom[roomID][server.FullName()]
	if c != nil {
		m.removeLocked(c)
	}
	m.mu.Unlock()
	if c == nil {
		return false
	}
	m.shutdown(ctx, c)
	return true
}

// UnbridgeRoom closes every connection of roomID.
func (m *ConnectionManager) UnbridgeRoom(ctx context.Context, roomID string) int {
	m.mu.Lock()
	var victims []*Connection
	for _, c := range m.byRoom[roomID] {
		victims = append(victims, c)
	}
	for _, c := range victims {
		m.removeLocked(c)
	}
	m.mu.Unlock()
	for _, c := range victims {
		m.shutdown(ctx, c)
	}
	return len(victims)
}

// Connections lists the Connected connections of roomID by server name.
func (m *ConnectionManager) Connections(roomID string) []*Connection {
	m.mu.Lock()
	out := make([]*Connection, 0, len(m.byRoom[roomID]))
	for _, c := range m.byRoom[roomID] {
		if c.State() == StateConnected {
			out = append(out, c)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Server.FullName() < out[j].Server.FullName() })
	return out
}

// Lookup returns the registered connection for (roomID, server).
func (m *ConnectionManager) Lookup(roomID string, server mcserver.Identity) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byRoom[roomID][server.FullName()]
	return c, ok
}

// Close ends every session and waits for the manager's goroutines.
func (m *ConnectionManager) Close(ctx context.Context) error {
	var victims []*Connection
	m.closeOnce.Do(func() {
		close(m.closed)
		m.mu.Lock()
		for _, conns := range m.byRoom {
			for _, c := range conns {
				victims = append(victims, c)
			}
		}
		m.byRoom = make(map[string]map[string]*Connection)
		m.byServer = make(map[string][]*Connection)
		m.mu.Unlock()
	})
	for _, c := range victims {
		m.shutdown(ctx, c)
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (m *ConnectionManager) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *ConnectionManager) shutdown(ctx context.Context, c *Connection) {
	c.mu.Lock()
	c.closing = true
	s := c.session
	c.mu.Unlock()
	if s != nil {
		_ = s.Close(ctx)
	}
}

// removeLocked drops c from both indices if it is still the registered one.
func (m *ConnectionManager) removeLocked(c *Connection) {
	key := c.Server.FullName()
	if conns := m.byRoom[c.RoomID]; conns[key] == c {
		delete(conns, key)
		if len(conns) == 0 {
			delete(m.byRoom, c.RoomID)
		}
	}
	list := m.byServer[key]
	for i, x := range list {
		if x == c {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.byServer, key)
	} else {
		m.byServer[key] = list
	}
}

func (m *ConnectionManager) isLeader(c *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.byServer[c.Server.FullName()]
	return len(list) > 0 && list[0] == c
}

func (m *ConnectionManager) move(c *Connection, to ConnState) {
	from, err := c.transition(to)
	if err != nil {
		m.logger.Error("connection_state", zap.String("room_id", c.RoomID), zap.String("server", c.Server.FullName()), zap.Error(err))
		return
	}
	m.notify(c, from, to)
}

func (m *ConnectionManager) notify(c *Connection, from, to ConnState) {
	if m.hook != nil {
		m.hook(c.RoomID, c.Server, from, to)
	}
}

func (m *ConnectionManager) watch(c *Connection, sess ChatSession) {
	defer m.wg.Done()
	lines := sess.Lines()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			m.forward(c, line)
		case <-sess.Done():
			m.drain(c, lines)
			m.mu.Lock()
			m.removeLocked(c)
			m.mu.Unlock()
			c.mu.RLock()
			closing := c.closing
			c.mu.RUnlock()
			m.move(c, StateDisconnected)
			if closing {
				return
			}
			derr := &DisconnectedError{RoomID: c.RoomID, Server: c.Server, Err: sess.Err()}
			m.logger.Warn("disconnected", zap.String("room_id", c.RoomID), zap.String("server", c.Server.FullName()), zap.Error(sess.Err()))
			select {
			case m.disconnects <- derr:
			case <-m.closed:
			}
			return
		}
	}
}

func (m *ConnectionManager) forward(c *Connection, line gamechat.ChatLine) {
	if m.onLine != nil && m.isLeader(c) {
		m.onLine(m.ctx, c.Server, line)
	}
}

// drain forwards the lines a finished session had already buffered. It
// stops at the first empty read so a session that never closes its line
// channel cannot stall the disconnect.
func (m *ConnectionManager) drain(c *Connection, lines <-chan gamechat.ChatLine) {
	if lines == nil {
		return
	}
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			m.forward(c, line)
		default:
			return
		}
	}
}

// decorate refreshes room topic and avatar when the server's metadata
// differs from what the room last got. Failures are logged only.
func (m *ConnectionManager) decorate(c *Connection) {
	defer m.wg.Done()
	if m.prober == nil || m.decorator == nil {
		return
	}
	st, err := m.prober.Probe(m.ctx, c.Server)
	if err != nil {
		m.logger.Warn("decorate_probe_failed", zap.String("room_id", c.RoomID), zap.String("server", c.Server.FullName()), zap.Error(err))
		return
	}
	snap := SnapshotOf(st)
	if !m.snapshots.NeedsDecoration(c.Server, c.RoomID, snap) {
		return
	}
	if err := m.decorator.DecorateRoom(m.ctx, c.RoomID, c.Server, st); err != nil {
		m.logger.Warn("decorate_failed", zap.String("room_id", c.RoomID), zap.String("server", c.Server.FullName()), zap.Error(err))
		return
	}
	m.snapshots.MarkDecorated(c.Server, c.RoomID, snap)
}
