// Package bridge coordinates room bindings, live game-server sessions and
// the relay of chat in both directions.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/mc-matrix-bridge/internal/binding"
	"github.com/park285/mc-matrix-bridge/internal/gamechat"
	"github.com/park285/mc-matrix-bridge/internal/mcserver"
	"github.com/park285/mc-matrix-bridge/internal/msgcat"
	"github.com/park285/mc-matrix-bridge/internal/obslog"
	"github.com/park285/mc-matrix-bridge/internal/profile"
	"github.com/park285/mc-matrix-bridge/internal/retry"
	"github.com/park285/mc-matrix-bridge/internal/util"
)

// Deps are the collaborators of the orchestrator. Chat, Store, Profiles,
// Prober and Dial are required.
type Deps struct {
	Chat     ChatNetwork
	Store    binding.Store
	Profiles Profiles
	Prober   Prober
	Dial     DialFunc
	Resolver *mcserver.AliasResolver
	Retry    *retry.Queue
	Admins   *AdminRegistry
	Catalog  *msgcat.Catalog
	Logger   *zap.Logger
	// OnState observes connection state changes.
	OnState StateHook
}

// Options tune naming and timing.
type Options struct {
	Domain          string
	UserPrefix      string
	RetryInterval   time.Duration
	PlayerAvatarURL string // fmt template taking the player uuid
}

// Orchestrator is the central event handler of the bridge.
type Orchestrator struct {
	chat     ChatNetwork
	store    binding.Store
	profiles Profiles
	prober   Prober
	resolver *mcserver.AliasResolver
	retry    *retry.Queue
	admins   *AdminRegistry
	catalog  *msgcat.Catalog
	logger   *zap.Logger
	conns    *ConnectionManager
	namer    mcserver.UserNamer
	opts     Options

	mu       sync.Mutex
	profiled map[string]string   // virtual user id -> display name set
	present  map[string]struct{} // room + " " + virtual user id
}

func New(d Deps, opts Options) (*Orchestrator, error) {
	switch {
	case d.Chat == nil:
		return nil, errors.New("bridge: chat network is required")
	case d.Store == nil:
		return nil, errors.New("bridge: binding store is required")
	case d.Profiles == nil:
		return nil, errors.New("bridge: profile cache is required")
	case d.Prober == nil:
		return nil, errors.New("bridge: prober is required")
	case d.Dial == nil:
		return nil, errors.New("bridge: dial func is required")
	}
	if d.Resolver == nil {
		d.Resolver = mcserver.NewAliasResolver("")
	}
	if d.Retry == nil {
		d.Retry = retry.NewQueue()
	}
	if d.Admins == nil {
		d.Admins = NewAdminRegistry()
	}
	if d.Catalog == nil {
		d.Catalog = msgcat.MustDefault()
	}
	if d.Logger == nil {
		d.Logger = obslog.L()
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = retry.DefaultInterval
	}

	o := &Orchestrator{
		chat:     d.Chat,
		store:    d.Store,
		profiles: d.Profiles,
		prober:   d.Prober,
		resolver: d.Resolver,
		retry:    d.Retry,
		admins:   d.Admins,
		catalog:  d.Catalog,
		logger:   d.Logger,
		namer:    mcserver.NewUserNamer(opts.UserPrefix, opts.Domain),
		opts:     opts,
		profiled: make(map[string]string),
		present:  make(map[string]struct{}),
	}
	o.conns = NewConnectionManager(d.Dial,
		WithProber(d.Prober),
		WithDecorator(o),
		WithLineHandler(o.handleOutboundChat),
		WithManagerLogger(d.Logger),
		WithStateHook(d.OnState),
	)
	return o, nil
}

// Connections exposes the connection manager.
func (o *Orchestrator) Connections() *ConnectionManager { return o.conns }

// Retry exposes the reconciliation queue.
func (o *Orchestrator) Retry() *retry.Queue { return o.retry }

// Admins exposes the admin room registry.
func (o *Orchestrator) Admins() *AdminRegistry { return o.admins }

// Handle dispatches one inbound event.
func (o *Orchestrator) Handle(ctx context.Context, ev Event) (Outcome, error) {
	switch e := ev.(type) {
	case InviteEvent:
		return Outcome{RoomID: e.RoomID}, o.handleInvite(ctx, e)
	case MembershipEvent:
		return Outcome{RoomID: e.RoomID}, o.handleMembership(ctx, e)
	case MessageEvent:
		return Outcome{RoomID: e.RoomID}, o.handleInboundMessage(ctx, e)
	case AliasQueryEvent:
		roomID, err := o.provisionRoom(ctx, mcserver.LocalpartFromAlias(e.Alias))
		return Outcome{RoomID: roomID}, err
	case AliasProvisionedEvent:
		return Outcome{RoomID: e.RoomID}, o.bindProvisioned(ctx, mcserver.LocalpartFromAlias(e.Alias), e.RoomID)
	case UserQueryEvent:
		userID, err := o.handleUserQuery(ctx, e.UserID)
		return Outcome{UserID: userID}, err
	default:
		return Outcome{}, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
}

// ProvisionAlias creates, binds and bridges the room named by token.
func (o *Orchestrator) ProvisionAlias(ctx context.Context, token string) (string, error) {
	roomID, err := o.provisionRoom(ctx, token)
	if err != nil {
		return "", err
	}
	return roomID, o.bindProvisioned(ctx, token, roomID)
}

// provisionRoom resolves token and creates its room. Nothing is created
// for an unreachable server.
func (o *Orchestrator) provisionRoom(ctx context.Context, token string) (string, error) {
	server, err := o.resolver.Resolve(token)
	if err != nil {
		return "", err
	}
	st, err := o.prober.Probe(ctx, server)
	if err != nil {
		o.logger.Warn("provision_unreachable", zap.String("server", server.FullName()), zap.Error(err))
		return "", &ServerUnreachableError{Server: server, Err: err}
	}
	name, err := o.catalog.Render("room.name", map[string]any{"Server": server.FriendlyName()})
	if err != nil {
		return "", err
	}
	roomID, err := o.chat.CreateRoom(ctx, RoomSpec{
		AliasLocalpart: token,
		Name:           name,
		Topic:          o.topicFor(server, st.MOTD),
	})
	if err != nil {
		return "", fmt.Errorf("create room for %s: %w", server.FullName(), err)
	}
	o.logger.Info("room_provisioned", zap.String("room_id", roomID), zap.String("server", server.FullName()))
	return roomID, nil
}

func (o *Orchestrator) bindProvisioned(ctx context.Context, token, roomID string) error {
	server, err := o.resolver.Resolve(token)
	if err != nil {
		return err
	}
	if err := o.store.Link(ctx, roomID, server, binding.OriginAlias); err != nil {
		o.logger.Error("binding_link_failed", zap.String("room_id", roomID), zap.String("server", server.FullName()), zap.Error(err))
		return fmt.Errorf("link %s: %w", server.FullName(), err)
	}
	o.logger.Info("binding_link", zap.String("room_id", roomID), zap.String("server", server.FullName()), zap.String("origin", string(binding.OriginAlias)))
	o.bridge(ctx, roomID, server)
	return nil
}

// bridge connects (roomID, server) and queues the room on failure.
func (o *Orchestrator) bridge(ctx context.Context, roomID string, server mcserver.Identity) bool {
	if _, err := o.conns.Bridge(ctx, roomID, server); err != nil {
		var cf *ConnectFailedError
		if errors.As(err, &cf) {
			o.retry.Enqueue(roomID)
		}
		return false
	}
	return true
}

func (o *Orchestrator) handleInvite(ctx context.Context, ev InviteEvent) error {
	if err := o.chat.JoinRoom(ctx, ev.RoomID, ""); err != nil {
		return fmt.Errorf("join %s: %w", ev.RoomID, err)
	}
	o.linkFromCanonicalAlias(ctx, ev.RoomID)
	return o.processRoom(ctx, ev.RoomID)
}

// linkFromCanonicalAlias binds an unbound room whose canonical alias
// follows the naming convention.
func (o *Orchestrator) linkFromCanonicalAlias(ctx context.Context, roomID string) {
	linked, err := o.store.Linked(ctx, roomID)
	if err != nil || len(linked) > 0 {
		return
	}
	alias, err := o.chat.CanonicalAlias(ctx, roomID)
	if err != nil || alias == "" {
		return
	}
	server, err := o.resolver.Resolve(mcserver.LocalpartFromAlias(alias))
	if err != nil {
		return
	}
	if err := o.store.Link(ctx, roomID, server, binding.OriginJoin); err != nil {
		o.logger.Error("binding_link_failed", zap.String("room_id", roomID), zap.String("server", server.FullName()), zap.Error(err))
		return
	}
	o.logger.Info("binding_link", zap.String("room_id", roomID), zap.String("server", server.FullName()), zap.String("origin", string(binding.OriginJoin)))
}

func (o *Orchestrator) handleMembership(ctx context.Context, ev MembershipEvent) error {
	bot := o.chat.BotUserID()
	switch ev.Membership {
	case "leave", "ban":
		switch {
		case ev.UserID == bot:
			o.forgetRoom(ctx, ev.RoomID)
			return nil
		case o.namer.IsVirtual(ev.UserID):
			o.mu.Lock()
			delete(o.present, ev.RoomID+" "+ev.UserID)
			o.mu.Unlock()
			return nil
		}
		return o.processRoom(ctx, ev.RoomID)
	case "join":
		if ev.UserID == bot || o.namer.IsVirtual(ev.UserID) {
			return nil
		}
		return o.processRoom(ctx, ev.RoomID)
	}
	return nil
}

// processRoom is the binding routine: it reconciles one room with its
// occupancy and stored bindings.
func (o *Orchestrator) processRoom(ctx context.Context, roomID string) error {
	members, err := o.chat.JoinedMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("members of %s: %w", roomID, err)
	}
	bot := o.chat.BotUserID()
	var humans []string
	for _, m := range members {
		if m != bot && !o.namer.IsVirtual(m) {
			humans = append(humans, m)
		}
	}
	if len(humans) == 0 {
		o.logger.Info("room_abandoned", zap.String("room_id", roomID))
		if err := o.chat.LeaveRoom(ctx, roomID); err != nil {
			o.logger.Warn("leave_failed", zap.String("room_id", roomID), zap.Error(err))
		}
		o.forgetRoom(ctx, roomID)
		return nil
	}

	servers, err := o.store.Linked(ctx, roomID)
	if err != nil {
		o.logger.Error("binding_read_failed", zap.String("room_id", roomID), zap.Error(err))
		return fmt.Errorf("linked servers of %s: %w", roomID, err)
	}
	if len(servers) == 0 {
		if len(members) == 2 && len(humans) == 1 {
			o.registerAdmin(ctx, humans[0], roomID)
		}
		return nil
	}
	for _, s := range servers {
		o.bridge(ctx, roomID, s)
	}
	return nil
}

// reconcile adapts processRoom to the retry queue.
func (o *Orchestrator) reconcile(ctx context.Context, roomID string) {
	if err := o.processRoom(ctx, roomID); err != nil {
		o.logger.Warn("reconcile_failed", zap.String("room_id", roomID), zap.Error(err))
		o.retry.Enqueue(roomID)
	}
}

// forgetRoom drops every trace of roomID: sessions, bindings and admin
// registration.
func (o *Orchestrator) forgetRoom(ctx context.Context, roomID string) {
	o.conns.UnbridgeRoom(ctx, roomID)
	bindings, err := o.store.Bindings(ctx, roomID)
	if err != nil {
		o.logger.Error("binding_read_failed", zap.String("room_id", roomID), zap.Error(err))
	}
	for _, b := range bindings {
		if err := o.store.Unlink(ctx, roomID, b.Server, ""); err != nil {
			o.logger.Error("binding_unlink_failed", zap.String("room_id", roomID), zap.String("server", b.Server.FullName()), zap.Error(err))
			continue
		}
		o.logger.Info("binding_unlink", zap.String("room_id", roomID), zap.String("server", b.Server.FullName()))
	}
	o.admins.Remove(roomID)
	o.mu.Lock()
	for k := range o.present {
		if strings.HasPrefix(k, roomID+" ") {
			delete(o.present, k)
		}
	}
	o.mu.Unlock()
}

func (o *Orchestrator) handleInboundMessage(ctx context.Context, ev MessageEvent) error {
	if ev.Sender == o.chat.BotUserID() || o.namer.IsVirtual(ev.Sender) {
		return nil
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return nil
	}

	conns := o.conns.Connections(ev.RoomID)
	if strings.HasPrefix(text, "!") && !ev.Emote {
		if _, ok := o.admins.Owner(ev.RoomID); !ok && len(conns) == 0 {
			// registry is process-local; rebuild it on first use
			if err := o.processRoom(ctx, ev.RoomID); err != nil {
				return err
			}
		}
		if owner, ok := o.admins.Owner(ev.RoomID); ok && owner == ev.Sender {
			return o.runCommand(ctx, ev.RoomID, text)
		}
	}
	if len(conns) == 0 {
		return nil
	}

	name := o.senderName(ctx, ev.RoomID, ev.Sender)
	line := "* " + name + " " + text
	if !ev.Emote {
		var err error
		line, err = o.catalog.Render("relay.outbound", map[string]any{"Sender": name, "Text": text})
		if err != nil {
			return err
		}
	}
	for _, c := range conns {
		if err := c.Say(ctx, line); err != nil {
			o.logger.Warn("relay_to_game_failed", zap.String("room_id", ev.RoomID), zap.String("server", c.Server.FullName()), zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) senderName(ctx context.Context, roomID, userID string) string {
	name, err := o.chat.MemberDisplayName(ctx, roomID, userID)
	if err != nil || strings.TrimSpace(name) == "" {
		return userID
	}
	return name
}

// handleOutboundChat relays one game chat line into every room bound to
// server, posted by the speaker's virtual user. A failed player lookup
// drops the line.
func (o *Orchestrator) handleOutboundChat(ctx context.Context, server mcserver.Identity, line gamechat.ChatLine) {
	text := strings.TrimSpace(util.StripFormatting(line.Message))
	if text == "" {
		return
	}
	p, err := o.profiles.ByName(ctx, line.Player)
	if err != nil {
		o.logger.Warn("relay_lookup_failed", zap.String("server", server.FullName()), zap.String("player", line.Player), zap.Error(err))
		return
	}
	userID, err := o.ensureVirtualUser(ctx, p)
	if err != nil {
		o.logger.Warn("virtual_user_failed", zap.String("server", server.FullName()), zap.String("player", p.DisplayName), zap.Error(err))
		return
	}
	rooms, err := o.store.RoomsFor(ctx, server)
	if err != nil {
		o.logger.Error("binding_read_failed", zap.String("server", server.FullName()), zap.Error(err))
		return
	}
	for _, roomID := range rooms {
		if err := o.ensurePresent(ctx, roomID, userID); err != nil {
			o.logger.Warn("virtual_join_failed", zap.String("room_id", roomID), zap.String("server", server.FullName()), zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if err := o.chat.SendText(ctx, roomID, userID, text); err != nil {
			o.logger.Warn("relay_to_room_failed", zap.String("room_id", roomID), zap.String("server", server.FullName()), zap.Error(err))
		}
	}
}

func (o *Orchestrator) handleUserQuery(ctx context.Context, userID string) (string, error) {
	playerID, ok := o.namer.PlayerID(userID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotVirtual, userID)
	}
	p, err := o.profiles.ByID(ctx, playerID)
	if err != nil {
		return "", err
	}
	return o.ensureVirtualUser(ctx, p)
}

// ensureVirtualUser registers the player's account and keeps its display
// name and avatar current.
func (o *Orchestrator) ensureVirtualUser(ctx context.Context, p profile.Profile) (string, error) {
	userID, err := o.chat.EnsureVirtualUser(ctx, o.namer.Localpart(p.ID))
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	_, seen := o.profiled[userID]
	current := o.profiled[userID] == p.DisplayName
	o.mu.Unlock()
	if seen && current {
		return userID, nil
	}

	display, err := o.catalog.Render("user.display_name", map[string]any{"Name": p.DisplayName})
	if err != nil {
		return "", err
	}
	if err := o.chat.SetDisplayName(ctx, userID, display); err != nil {
		return "", fmt.Errorf("display name of %s: %w", userID, err)
	}
	if !seen && o.opts.PlayerAvatarURL != "" {
		o.setPlayerAvatar(ctx, userID, p)
	}
	o.mu.Lock()
	o.profiled[userID] = p.DisplayName
	o.mu.Unlock()
	return userID, nil
}

func (o *Orchestrator) setPlayerAvatar(ctx context.Context, userID string, p profile.Profile) {
	mxc, err := o.chat.UploadFromURL(ctx, fmt.Sprintf(o.opts.PlayerAvatarURL, p.ID))
	if err == nil {
		err = o.chat.SetAvatarURL(ctx, userID, mxc)
	}
	if err != nil {
		o.logger.Warn("player_avatar_failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// ensurePresent joins a virtual user to roomID once.
func (o *Orchestrator) ensurePresent(ctx context.Context, roomID, userID string) error {
	key := roomID + " " + userID
	o.mu.Lock()
	_, ok := o.present[key]
	o.mu.Unlock()
	if ok {
		return nil
	}
	if err := o.chat.InviteUser(ctx, roomID, userID); err != nil {
		o.logger.Debug("virtual_invite_failed", zap.String("room_id", roomID), zap.String("user_id", userID), zap.Error(err))
	}
	if err := o.chat.JoinRoom(ctx, roomID, userID); err != nil {
		return err
	}
	o.mu.Lock()
	o.present[key] = struct{}{}
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) registerAdmin(ctx context.Context, userID, roomID string) {
	added, err := o.admins.Register(userID, roomID)
	if err != nil || !added {
		return
	}
	o.logger.Info("admin_room_registered", zap.String("room_id", roomID), zap.String("user_id", userID))
	o.reply(ctx, roomID, "admin.welcome", nil)
}

// Run rebinds every stored room, then drives the retry queue and watches
// for dropped sessions until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.Rebind(ctx)
	go o.retry.Run(ctx, o.opts.RetryInterval, o.reconcile)
	o.watchDisconnects(ctx)
	return nil
}

// Rebind passes every room known to the store to the binding routine.
func (o *Orchestrator) Rebind(ctx context.Context) {
	rooms, err := o.store.Rooms(ctx)
	if err != nil {
		o.logger.Error("startup_rebind_failed", zap.Error(err))
		return
	}
	o.logger.Info("startup_rebind", zap.Int("rooms", len(rooms)))
	for _, roomID := range rooms {
		o.reconcile(ctx, roomID)
	}
}

func (o *Orchestrator) watchDisconnects(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-o.conns.Disconnects():
			o.retry.Enqueue(d.RoomID)
		}
	}
}

// Close tears down every live connection.
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.conns.Close(ctx)
}
