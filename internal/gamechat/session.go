// Package gamechat connects to the chat relay running on a game server.
// A session is one websocket; it never reconnects by itself.
package gamechat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/mc-matrix-bridge/internal/mcserver"
	"github.com/park285/mc-matrix-bridge/internal/obslog"
	"github.com/park285/mc-matrix-bridge/internal/util"
	"github.com/park285/mc-matrix-bridge/pkg/relayproto"
)

const (
	DefaultPort             = 8082
	DefaultPath             = "/bridge"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
)

var (
	ErrClosed      = errors.New("gamechat: session closed")
	ErrPingTimeout = errors.New("gamechat: relay stopped answering pings")
)

// ChatLine is one line spoken in game.
type ChatLine struct {
	Player  string
	Message string
}

// Dialer opens relay sessions.
type Dialer struct {
	Port             int
	Path             string
	Token            string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	// DryRun logs say frames instead of writing them.
	DryRun bool
	Logger *zap.Logger
	// HTTPHeader is sent with the websocket upgrade.
	HTTPHeader http.Header
}

// URL is the relay endpoint for server.
func (d *Dialer) URL(server mcserver.Identity) string {
	port := d.Port
	if port <= 0 {
		port = DefaultPort
	}
	path := d.Path
	if path == "" {
		path = DefaultPath
	}
	q := url.Values{}
	q.Set("server", server.FullName())
	if d.Token != "" {
		q.Set("auth", d.Token)
	}
	u := url.URL{
		Scheme:   "ws",
		Host:     server.Hostname + ":" + strconv.Itoa(port),
		Path:     path,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Dial connects and completes the hello handshake within HandshakeTimeout.
// A relay error frame is returned as relayproto.RejectedError.
func (d *Dialer) Dial(ctx context.Context, server mcserver.Identity) (*Session, error) {
	return d.dialURL(ctx, server, d.URL(server))
}

func (d *Dialer) dialURL(ctx context.Context, server mcserver.Identity, wsURL string) (*Session, error) {
	logger := d.Logger
	if logger == nil {
		logger = obslog.L()
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.Dial(hsCtx, wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      d.HTTPHeader,
	})
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", server.FullName(), err)
	}

	var hello relayproto.Frame
	if err := wsjson.Read(hsCtx, conn, &hello); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake")
		return nil, fmt.Errorf("relay handshake %s: %w", server.FullName(), err)
	}
	switch hello.Type {
	case relayproto.TypeHello:
	case relayproto.TypeError:
		_ = conn.Close(websocket.StatusNormalClosure, "rejected")
		return nil, relayproto.RejectedError{Reason: hello.Reason}
	default:
		_ = conn.Close(websocket.StatusProtocolError, "handshake")
		return nil, fmt.Errorf("relay handshake %s: unexpected %q frame", server.FullName(), hello.Type)
	}

	ping := d.PingInterval
	if ping <= 0 {
		ping = DefaultPingInterval
	}
	s := &Session{
		server:       server,
		username:     hello.Username,
		conn:         conn,
		lines:        make(chan ChatLine, 64),
		done:         make(chan struct{}),
		dryRun:       d.DryRun,
		pingInterval: ping,
		logger:       logger.With(zap.String("server", server.FullName())),
	}
	s.rootCtx, s.rootCancel = context.WithCancel(context.Background())
	s.wg.Add(2)
	go s.listen()
	go s.pingLoop()
	s.logger.Info("relay_connected", zap.String("username", s.username))
	return s, nil
}

// Session is one live relay websocket.
type Session struct {
	server   mcserver.Identity
	username string
	conn     *websocket.Conn

	lines chan ChatLine

	done     chan struct{}
	stopOnce sync.Once
	causeMu  sync.Mutex
	cause    error

	writeMu sync.Mutex
	dryRun  bool

	pingInterval time.Duration

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	logger *zap.Logger
}

// Server is the game server this session talks to.
func (s *Session) Server() mcserver.Identity { return s.server }

// Username is the in-game name the relay speaks as.
func (s *Session) Username() string { return s.username }

// Lines delivers chat lines until the session ends, then is closed.
func (s *Session) Lines() <-chan ChatLine { return s.lines }

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err is the reason the session ended; nil while it is live.
func (s *Session) Err() error {
	s.causeMu.Lock()
	defer s.causeMu.Unlock()
	return s.cause
}

// Say speaks message in game.
func (s *Session) Say(ctx context.Context, message string) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	message = util.TruncateRunes(strings.ReplaceAll(message, "\n", " "), util.MaxGameChatRunes)
	if s.dryRun {
		s.logger.Info("relay_say_dryrun", zap.String("message", message))
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsjson.Write(ctx, s.conn, relayproto.Say(message))
}

// Close ends the session and waits for its goroutines.
func (s *Session) Close(ctx context.Context) error {
	s.finish(ErrClosed, websocket.StatusNormalClosure, "close")
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *Session) finish(cause error, code websocket.StatusCode, reason string) {
	s.stopOnce.Do(func() {
		s.causeMu.Lock()
		s.cause = cause
		s.causeMu.Unlock()
		_ = s.conn.Close(code, reason)
		s.rootCancel()
		close(s.done)
		if !errors.Is(cause, ErrClosed) {
			s.logger.Warn("relay_disconnected", zap.Error(cause))
		}
	})
}

func (s *Session) listen() {
	defer s.wg.Done()
	defer close(s.lines)
	for {
		var f relayproto.Frame
		if err := wsjson.Read(s.rootCtx, s.conn, &f); err != nil {
			s.finish(fmt.Errorf("relay read: %w", err), websocket.StatusGoingAway, "read failure")
			return
		}
		switch f.Type {
		case relayproto.TypeChat:
			if f.Player == "" || strings.EqualFold(f.Player, s.username) {
				continue
			}
			select {
			case s.lines <- ChatLine{Player: f.Player, Message: f.Message}:
			case <-s.done:
				return
			}
		case relayproto.TypeError:
			s.finish(relayproto.RejectedError{Reason: f.Reason}, websocket.StatusNormalClosure, "rejected")
			return
		}
	}
}

func (s *Session) pingLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	consecutivePingFailures := 0
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(s.rootCtx, 3*time.Second)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				consecutivePingFailures++
				if consecutivePingFailures >= 2 {
					s.finish(ErrPingTimeout, websocket.StatusGoingAway, "ping failure")
					return
				}
				continue
			}
			consecutivePingFailures = 0
		}
	}
}
