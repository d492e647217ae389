package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/park285/mc-matrix-bridge/internal/gamechat"
	"github.com/park285/mc-matrix-bridge/internal/mcserver"
)

// ChatSession is a live game-server chat session.
type ChatSession interface {
	Lines() <-chan gamechat.ChatLine
	Done() <-chan struct{}
	Err() error
	Say(ctx context.Context, message string) error
	Close(ctx context.Context) error
}

// DialFunc opens a chat session with server.
type DialFunc func(ctx context.Context, server mcserver.Identity) (ChatSession, error)

// GameChatDialer adapts a gamechat.Dialer to DialFunc.
func GameChatDialer(d *gamechat.Dialer) DialFunc {
	return func(ctx context.Context, server mcserver.Identity) (ChatSession, error) {
		s, err := d.Dial(ctx, server)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Connection is one room ↔ server session attempt.
type Connection struct {
	RoomID string
	Server mcserver.Identity

	mu      sync.RWMutex
	state   ConnState
	session ChatSession
	closing bool
}

func newConnection(roomID string, server mcserver.Identity) *Connection {
	return &Connection{RoomID: roomID, Server: server, state: StateUnbound}
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Say relays message through the session; it fails unless Connected.
func (c *Connection) Say(ctx context.Context, message string) error {
	c.mu.RLock()
	s, st := c.session, c.state
	c.mu.RUnlock()
	if st != StateConnected || s == nil {
		return fmt.Errorf("connection %s is %s", c.Server.FullName(), st)
	}
	return s.Say(ctx, message)
}

func (c *Connection) transition(to ConnState) (ConnState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.state
	if !CanTransition(from, to) {
		return from, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	c.state = to
	return from, nil
}
