package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"net"
	"strings"
	"sync"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/park285/mc-matrix-bridge/internal/bridge"
	"github.com/park285/mc-matrix-bridge/internal/obslog"
	"github.com/park285/mc-matrix-bridge/internal/util"
)

const (
	defaultWorkers = 8
	seenTxnLimit   = 512
	appPrefix      = "/_matrix/app/v1"
)

// Handler consumes decoded events; *bridge.Orchestrator implements it.
type Handler interface {
	Handle(ctx context.Context, ev bridge.Event) (bridge.Outcome, error)
}

// AppService is the HTTP endpoint the homeserver pushes to.
type AppService struct {
	hsToken string
	bot     id.UserID
	handler Handler
	logger  *zap.Logger
	workers int

	mu      sync.Mutex
	seen    map[string]struct{}
	seenLog []string
	queues  []chan bridge.Event
	ctx     context.Context
	wg      sync.WaitGroup
}

type AppServiceOption func(*AppService)

// WithWorkers sets the number of event workers. Events of one room always
// go to the same worker.
func WithWorkers(n int) AppServiceOption {
	return func(a *AppService) {
		if n > 0 {
			a.workers = n
		}
	}
}

func WithLogger(l *zap.Logger) AppServiceOption {
	return func(a *AppService) {
		if l != nil {
			a.logger = l
		}
	}
}

func NewAppService(hsToken, botUserID string, h Handler, opts ...AppServiceOption) *AppService {
	a := &AppService{
		hsToken: hsToken,
		bot:     id.UserID(botUserID),
		handler: h,
		logger:  obslog.L(),
		workers: defaultWorkers,
		seen:    make(map[string]struct{}),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Serve answers requests on ln until ctx is cancelled, then drains the
// event workers.
func (a *AppService) Serve(ctx context.Context, ln net.Listener) error {
	a.start(ctx)
	srv := &fasthttp.Server{
		Handler:               a.HandleRequest,
		Name:                  "mc-matrix-bridge",
		NoDefaultServerHeader: true,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	var err error
	select {
	case <-ctx.Done():
		err = srv.Shutdown()
	case err = <-errCh:
	}
	a.stop()
	return err
}

// ListenAndServe listens on addr and calls Serve.
func (a *AppService) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.logger.Info("appservice_listening", zap.String("addr", ln.Addr().String()))
	return a.Serve(ctx, ln)
}

func (a *AppService) start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ctx = ctx
	a.queues = make([]chan bridge.Event, a.workers)
	for i := range a.queues {
		q := make(chan bridge.Event, 64)
		a.queues[i] = q
		a.wg.Add(1)
		go a.work(q)
	}
}

func (a *AppService) stop() {
	a.mu.Lock()
	queues := a.queues
	a.queues = nil
	a.mu.Unlock()
	for _, q := range queues {
		close(q)
	}
	a.wg.Wait()
}

func (a *AppService) work(q <-chan bridge.Event) {
	defer a.wg.Done()
	for ev := range q {
		if _, err := a.handler.Handle(a.ctx, ev); err != nil {
			a.logger.Warn("event_failed", zap.String("event", eventName(ev)), zap.String("room_id", eventRoom(ev)), zap.Error(err))
		}
	}
}

// dispatch queues ev on its room's worker, or handles it inline when no
// workers are running.
func (a *AppService) dispatch(ev bridge.Event) {
	a.mu.Lock()
	if len(a.queues) == 0 {
		a.mu.Unlock()
		if _, err := a.handler.Handle(a.ctx, ev); err != nil {
			a.logger.Warn("event_failed", zap.String("event", eventName(ev)), zap.String("room_id", eventRoom(ev)), zap.Error(err))
		}
		return
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(eventRoom(ev)))
	q := a.queues[int(h.Sum32()%uint32(len(a.queues)))]
	a.mu.Unlock()
	q <- ev
}

// HandleRequest routes one homeserver request.
func (a *AppService) HandleRequest(ctx *fasthttp.RequestCtx) {
	if !a.authorized(ctx) {
		return
	}
	path := string(ctx.Path())
	path = strings.TrimPrefix(path, appPrefix)
	method := string(ctx.Method())

	switch {
	case method == fasthttp.MethodPut && strings.HasPrefix(path, "/transactions/"):
		a.handleTransaction(ctx, strings.TrimPrefix(path, "/transactions/"))
	case method == fasthttp.MethodGet && strings.HasPrefix(path, "/users/"):
		a.handleUserQuery(ctx, strings.TrimPrefix(path, "/users/"))
	case method == fasthttp.MethodGet && strings.HasPrefix(path, "/rooms/"):
		a.handleAliasQuery(ctx, strings.TrimPrefix(path, "/rooms/"))
	default:
		writeError(ctx, fasthttp.StatusNotFound, mautrix.MUnrecognized.ErrCode, "unknown endpoint")
	}
}

func (a *AppService) authorized(ctx *fasthttp.RequestCtx) bool {
	token := string(ctx.QueryArgs().Peek("access_token"))
	if auth := string(ctx.Request.Header.Peek("Authorization")); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	switch {
	case token == "":
		writeError(ctx, fasthttp.StatusUnauthorized, errUnauthorized, "missing token")
		return false
	case token != a.hsToken:
		writeError(ctx, fasthttp.StatusForbidden, mautrix.MForbidden.ErrCode, "bad token")
		return false
	}
	return true
}

func (a *AppService) handleTransaction(ctx *fasthttp.RequestCtx, txnID string) {
	if txnID == "" {
		writeError(ctx, fasthttp.StatusBadRequest, mautrix.MBadJSON.ErrCode, "missing transaction id")
		return
	}
	if a.markSeen(txnID) {
		writeJSON(ctx, fasthttp.StatusOK, struct{}{})
		return
	}
	var body transaction
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		a.forget(txnID)
		writeError(ctx, fasthttp.StatusBadRequest, mautrix.MBadJSON.ErrCode, err.Error())
		return
	}
	for _, evt := range body.Events {
		if evt == nil {
			continue
		}
		if ev, ok := a.decode(evt); ok {
			a.dispatch(ev)
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, struct{}{})
}

func (a *AppService) handleUserQuery(ctx *fasthttp.RequestCtx, userID string) {
	if _, _, err := id.UserID(userID).Parse(); err != nil {
		writeError(ctx, fasthttp.StatusNotFound, mautrix.MNotFound.ErrCode, "no such user")
		return
	}
	out, err := a.handler.Handle(a.ctx, bridge.UserQueryEvent{UserID: userID})
	if err != nil || out.UserID == "" {
		a.logger.Info("user_query_rejected", zap.String("user_id", userID), zap.Error(err))
		writeError(ctx, fasthttp.StatusNotFound, mautrix.MNotFound.ErrCode, "no such user")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, struct{}{})
}

func (a *AppService) handleAliasQuery(ctx *fasthttp.RequestCtx, alias string) {
	out, err := a.handler.Handle(a.ctx, bridge.AliasQueryEvent{Alias: alias})
	if err != nil || out.RoomID == "" {
		a.logger.Info("alias_query_rejected", zap.String("alias", alias), zap.Error(err))
		writeError(ctx, fasthttp.StatusNotFound, mautrix.MNotFound.ErrCode, "no such room")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, struct{}{})
	a.dispatch(bridge.AliasProvisionedEvent{Alias: alias, RoomID: out.RoomID})
}

// markSeen records txnID and reports whether it was already known. The
// record keeps the most recent seenTxnLimit ids.
func (a *AppService) markSeen(txnID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.seen[txnID]; ok {
		return true
	}
	a.seen[txnID] = struct{}{}
	a.seenLog = append(a.seenLog, txnID)
	if len(a.seenLog) > seenTxnLimit {
		delete(a.seen, a.seenLog[0])
		a.seenLog = a.seenLog[1:]
	}
	return false
}

func (a *AppService) forget(txnID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.seen, txnID)
}

// transaction is the body of a homeserver push.
type transaction struct {
	Events []*event.Event `json:"events"`
}

// decode projects a homeserver event onto the bridge event set.
func (a *AppService) decode(evt *event.Event) (bridge.Event, bool) {
	if evt.StateKey != nil {
		evt.Type.Class = event.StateEventType
	} else {
		evt.Type.Class = event.MessageEventType
	}
	switch evt.Type {
	case event.StateMember:
		if evt.Content.Parsed == nil && evt.Content.ParseRaw(evt.Type) != nil {
			return nil, false
		}
		member := evt.Content.AsMember()
		target := id.UserID(evt.GetStateKey())
		if member.Membership == event.MembershipInvite && target == a.bot {
			return bridge.InviteEvent{RoomID: evt.RoomID.String(), Sender: evt.Sender.String()}, true
		}
		return bridge.MembershipEvent{
			RoomID:     evt.RoomID.String(),
			UserID:     target.String(),
			Membership: string(member.Membership),
			Sender:     evt.Sender.String(),
		}, true
	case event.EventMessage:
		if evt.Content.Parsed == nil && evt.Content.ParseRaw(evt.Type) != nil {
			return nil, false
		}
		msg := evt.Content.AsMessage()
		switch msg.MsgType {
		case event.MsgText, event.MsgNotice, event.MsgEmote:
		default:
			return nil, false
		}
		text := stripReplyFallback(msg.Body)
		if msg.Format == event.FormatHTML && msg.FormattedBody != "" {
			text = util.HTMLToPlain(msg.FormattedBody)
		}
		return bridge.MessageEvent{
			RoomID: evt.RoomID.String(),
			Sender: evt.Sender.String(),
			Text:   text,
			Emote:  msg.MsgType == event.MsgEmote,
		}, true
	}
	return nil, false
}

// stripReplyFallback drops the quoted "> " lines a reply body starts with.
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	return strings.TrimLeft(strings.Join(lines[i:], "\n"), "\n")
}

func eventRoom(ev bridge.Event) string {
	switch e := ev.(type) {
	case bridge.InviteEvent:
		return e.RoomID
	case bridge.MembershipEvent:
		return e.RoomID
	case bridge.MessageEvent:
		return e.RoomID
	case bridge.AliasProvisionedEvent:
		return e.RoomID
	}
	return ""
}

func eventName(ev bridge.Event) string {
	switch ev.(type) {
	case bridge.InviteEvent:
		return "invite"
	case bridge.MembershipEvent:
		return "membership"
	case bridge.MessageEvent:
		return "message"
	case bridge.AliasProvisionedEvent:
		return "alias_provisioned"
	}
	return "unknown"
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		status, body = fasthttp.StatusInternalServerError, []byte(`{}`)
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// errUnauthorized is answered when the homeserver sends no token at all.
const errUnauthorized = "M_UNAUTHORIZED"

func writeError(ctx *fasthttp.RequestCtx, status int, code, msg string) {
	writeJSON(ctx, status, &mautrix.RespError{ErrCode: code, Err: msg})
}

var errNoHandler = errors.New("matrix: appservice has no handler")

// Validate reports configuration mistakes before serving.
func (a *AppService) Validate() error {
	if a.handler == nil {
		return errNoHandler
	}
	if a.hsToken == "" {
		return errors.New("matrix: empty hs_token")
	}
	return nil
}
