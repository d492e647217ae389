package bridge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/mc-matrix-bridge/internal/binding"
	"github.com/park285/mc-matrix-bridge/internal/gamechat"
	"github.com/park285/mc-matrix-bridge/internal/mcserver"
	"github.com/park285/mc-matrix-bridge/internal/profile"
)

const survivalToken = "_mc_mc_example_com_25566"

type harness struct {
	chat   *fakeChat
	prober *fakeProber
	dialer *fakeDialer
	dir    *fakeDirectory
	store  binding.Store
	states *transitionLog
	orch   *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		chat:   newFakeChat(),
		prober: newFakeProber(),
		dialer: newFakeDialer(),
		dir:    newFakeDirectory(),
		store:  binding.NewMemoryStore(),
		states: &transitionLog{},
	}
	o, err := New(Deps{
		Chat:     h.chat,
		Store:    h.store,
		Profiles: profile.NewCache(h.dir),
		Prober:   h.prober,
		Dial:     h.dialer.Dial,
		OnState:  h.states.hook,
	}, Options{
		Domain:          testDomain,
		RetryInterval:   time.Hour,
		PlayerAvatarURL: "https://crafatar.com/renders/head/%s",
	})
	require.NoError(t, err)
	h.orch = o
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = o.Close(ctx)
	})
	return h
}

func (h *harness) provision(t *testing.T) string {
	t.Helper()
	roomID, err := h.orch.ProvisionAlias(context.Background(), survivalToken)
	require.NoError(t, err)
	h.chat.setMembers(roomID, testBot, alice)
	return roomID
}

func count(steps []string, step string) int {
	n := 0
	for _, s := range steps {
		if s == step {
			n++
		}
	}
	return n
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}

func TestProvisionDisconnectRetryScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	roomID := h.provision(t)
	require.Len(t, h.chat.created, 1)
	assert.Equal(t, survivalToken, h.chat.created[0].AliasLocalpart)
	assert.Equal(t, "mc_example_com:25566 (Minecraft)", h.chat.created[0].Name)
	assert.Equal(t, "Welcome to survival", h.chat.created[0].Topic)

	bs, err := h.store.Bindings(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, []binding.Binding{{RoomID: roomID, Server: survival, Origin: binding.OriginAlias}}, bs)

	c, ok := h.orch.Connections().Lookup(roomID, survival)
	require.True(t, ok)
	assert.Equal(t, StateConnected, c.State())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.orch.watchDisconnects(runCtx)

	h.dialer.last().kill(errors.New("server stopped"))
	assert.Eventually(t, func() bool { return h.orch.Retry().Pending(roomID) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 1, count(h.states.get(), "unbound>connecting"))

	n := h.orch.Retry().Tick(ctx, h.orch.reconcile)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, h.dialer.attemptsFor(survival))
	assert.Equal(t, 2, count(h.states.get(), "unbound>connecting"))

	next, ok := h.orch.Connections().Lookup(roomID, survival)
	require.True(t, ok)
	assert.NotSame(t, c, next)
	assert.Equal(t, StateConnected, next.State())
}

func TestFailedBridgeIsQueuedAndRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dialer.setFail(survival, errors.New("relay rejected token"))

	roomID := h.provision(t)
	assert.True(t, h.orch.Retry().Pending(roomID))
	assert.Equal(t, 1, count(h.states.get(), "connecting>connect_failed"))

	// still failing: queued again for the next tick
	h.orch.Retry().Tick(ctx, h.orch.reconcile)
	assert.True(t, h.orch.Retry().Pending(roomID))

	h.dialer.setFail(survival, nil)
	h.orch.Retry().Tick(ctx, h.orch.reconcile)
	assert.False(t, h.orch.Retry().Pending(roomID))
	assert.Len(t, h.orch.Connections().Connections(roomID), 1)
	assert.Equal(t, 3, h.dialer.attemptsFor(survival))
}

func TestProvisionUnreachableCreatesNothing(t *testing.T) {
	h := newHarness(t)
	h.prober.setDown(survival, true)

	_, err := h.orch.ProvisionAlias(context.Background(), survivalToken)
	var unreachable *ServerUnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, survival, unreachable.Server)
	assert.Empty(t, h.chat.created)

	rooms, err := h.store.Rooms(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestProvisionInvalidAlias(t *testing.T) {
	h := newHarness(t)
	for _, token := range []string{"_mc_", "minecraft_server", "_mc_host_99999"} {
		_, err := h.orch.ProvisionAlias(context.Background(), token)
		var invalid *InvalidAliasError
		assert.ErrorAs(t, err, &invalid, token)
	}
	assert.Empty(t, h.chat.created)
	assert.Zero(t, h.prober.calls)
}

func TestAliasQueryThenProvisioned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alias := "#" + survivalToken + ":" + testDomain

	out, err := h.orch.Handle(ctx, AliasQueryEvent{Alias: alias})
	require.NoError(t, err)
	require.NotEmpty(t, out.RoomID)
	linked, err := h.store.Linked(ctx, out.RoomID)
	require.NoError(t, err)
	assert.Empty(t, linked)

	_, err = h.orch.Handle(ctx, AliasProvisionedEvent{Alias: alias, RoomID: out.RoomID})
	require.NoError(t, err)
	linked, err = h.store.Linked(ctx, out.RoomID)
	require.NoError(t, err)
	assert.Equal(t, []mcserver.Identity{survival}, linked)
	assert.Len(t, h.orch.Connections().Connections(out.RoomID), 1)
}

func TestInviteBindsFromCanonicalAlias(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := "!public:" + testDomain
	h.chat.setMembers(roomID, alice, "@bob:hs.test")
	h.chat.aliases[roomID] = "#_mc_creative.example.com:" + testDomain

	_, err := h.orch.Handle(ctx, InviteEvent{RoomID: roomID, Sender: alice})
	require.NoError(t, err)

	bs, err := h.store.Bindings(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, bs, 1)
	assert.Equal(t, binding.OriginJoin, bs[0].Origin)
	assert.Equal(t, creative, bs[0].Server)
	assert.Len(t, h.orch.Connections().Connections(roomID), 1)
}

func TestInviteToDirectRoomRegistersAdminRoom(t *testing.T) {
	h := newHarness(t)
	roomID := "!dm:" + testDomain
	h.chat.setMembers(roomID, alice)

	_, err := h.orch.Handle(context.Background(), InviteEvent{RoomID: roomID, Sender: alice})
	require.NoError(t, err)

	owner, ok := h.orch.Admins().Owner(roomID)
	require.True(t, ok)
	assert.Equal(t, alice, owner)
	notices := h.chat.sentNotices()
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0].Text, "control room")

	// a second reconciliation does not greet again
	require.NoError(t, h.orch.processRoom(context.Background(), roomID))
	assert.Len(t, h.chat.sentNotices(), 1)
}

func TestRoomWithOnlyTheBotIsLeft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.provision(t)
	virtual := mcserver.NewUserNamer("", testDomain).UserID(steveID)
	h.chat.setMembers(roomID, testBot, virtual)

	_, err := h.orch.Handle(ctx, MembershipEvent{RoomID: roomID, UserID: alice, Membership: "leave", Sender: alice})
	require.NoError(t, err)

	assert.Equal(t, []string{roomID}, h.chat.leftRooms())
	linked, err := h.store.Linked(ctx, roomID)
	require.NoError(t, err)
	assert.Empty(t, linked)
	assert.Empty(t, h.orch.Connections().Connections(roomID))
}

func TestProcessRoomCountsOnlyHumans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	namer := mcserver.NewUserNamer("", testDomain)
	steve := namer.UserID(steveID)
	other := namer.UserID("853c80ef3c3749fdaa49938b674adae6")

	kept := h.provision(t)
	h.chat.setMembers(kept, testBot, steve, other, alice)
	require.NoError(t, h.orch.processRoom(ctx, kept))
	assert.Empty(t, h.chat.leftRooms())
	linked, err := h.store.Linked(ctx, kept)
	require.NoError(t, err)
	assert.Len(t, linked, 1)

	// several virtual users do not keep the room alive
	h.chat.setMembers(kept, testBot, steve, other)
	require.NoError(t, h.orch.processRoom(ctx, kept))
	assert.Equal(t, []string{kept}, h.chat.leftRooms())
	linked, err = h.store.Linked(ctx, kept)
	require.NoError(t, err)
	assert.Empty(t, linked)

	// a bot and one virtual user is not a direct room either
	dm := "!pair:" + testDomain
	h.chat.setMembers(dm, testBot, steve)
	require.NoError(t, h.orch.processRoom(ctx, dm))
	_, ok := h.orch.Admins().Owner(dm)
	assert.False(t, ok)
	assert.Equal(t, []string{kept, dm}, h.chat.leftRooms())
}

func TestBotKickTearsDown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.provision(t)

	_, err := h.orch.Handle(ctx, MembershipEvent{RoomID: roomID, UserID: testBot, Membership: "leave", Sender: alice})
	require.NoError(t, err)
	linked, err := h.store.Linked(ctx, roomID)
	require.NoError(t, err)
	assert.Empty(t, linked)
	assert.Empty(t, h.chat.leftRooms())
}

func TestInboundMessageRelay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.provision(t)
	sess := h.dialer.last()
	h.chat.names[alice] = "Alice"

	_, err := h.orch.Handle(ctx, MessageEvent{RoomID: roomID, Sender: alice, Text: "hello there"})
	require.NoError(t, err)
	_, err = h.orch.Handle(ctx, MessageEvent{RoomID: roomID, Sender: "@carol:hs.test", Text: "hi", Emote: false})
	require.NoError(t, err)
	_, err = h.orch.Handle(ctx, MessageEvent{RoomID: roomID, Sender: alice, Text: "waves", Emote: true})
	require.NoError(t, err)

	// loop prevention
	virtual := mcserver.NewUserNamer("", testDomain).UserID(steveID)
	_, err = h.orch.Handle(ctx, MessageEvent{RoomID: roomID, Sender: virtual, Text: "echo"})
	require.NoError(t, err)
	_, err = h.orch.Handle(ctx, MessageEvent{RoomID: roomID, Sender: testBot, Text: "notice"})
	require.NoError(t, err)

	assert.Equal(t, []string{"<Alice> hello there", "<@carol:hs.test> hi", "* Alice waves"}, sess.messages())
}

func TestOutboundChatPostsAsVirtualUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.provision(t)
	other := "!other:" + testDomain
	require.NoError(t, h.store.Link(ctx, other, survival, binding.OriginProvision))

	h.dialer.last().lines <- gamechat.ChatLine{Player: "steve", Message: "§ahello §lworld"}

	steve := mcserver.NewUserNamer("", testDomain).UserID(steveID)
	assert.Eventually(t, func() bool { return len(h.chat.sentTexts()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []sent{
		{Room: roomID, User: steve, Text: "hello world"},
		{Room: other, User: steve, Text: "hello world"},
	}, h.chat.sentTexts())

	h.chat.mu.Lock()
	assert.Equal(t, "Steve (Minecraft)", h.chat.profiles[steve])
	assert.Equal(t, "mxc://hs.test/remote", h.chat.userAv[steve])
	assert.Contains(t, h.chat.joins, roomID+" "+steve)
	h.chat.mu.Unlock()
}

func TestOutboundChatDropsUnknownPlayer(t *testing.T) {
	h := newHarness(t)
	roomID := h.provision(t)
	h.dialer.last().lines <- gamechat.ChatLine{Player: "Herobrine", Message: "boo"}

	assert.Never(t, func() bool { return len(h.chat.sentTexts()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	// only the line is lost, the session stays up
	assert.Len(t, h.orch.Connections().Connections(roomID), 1)
}

func TestUserQuery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	namer := mcserver.NewUserNamer("", testDomain)

	out, err := h.orch.Handle(ctx, UserQueryEvent{UserID: namer.UserID(steveID)})
	require.NoError(t, err)
	assert.Equal(t, namer.UserID(steveID), out.UserID)
	h.chat.mu.Lock()
	assert.Equal(t, "Steve (Minecraft)", h.chat.profiles[out.UserID])
	assert.Contains(t, h.chat.uploads, "https://crafatar.com/renders/head/"+steveID)
	h.chat.mu.Unlock()

	_, err = h.orch.Handle(ctx, UserQueryEvent{UserID: alice})
	assert.ErrorIs(t, err, ErrNotVirtual)

	_, err = h.orch.Handle(ctx, UserQueryEvent{UserID: namer.UserID("00000000000000000000000000000001")})
	var lookup *LookupError
	assert.ErrorAs(t, err, &lookup)
}

func TestAdminCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dm := "!dm:" + testDomain
	target := "!target:" + testDomain
	h.chat.setMembers(dm, alice)
	h.chat.setMembers(target, alice, "@bob:hs.test")
	_, err := h.orch.Handle(ctx, InviteEvent{RoomID: dm, Sender: alice})
	require.NoError(t, err)

	say := func(sender, text string) string {
		t.Helper()
		before := len(h.chat.sentNotices())
		_, err := h.orch.Handle(ctx, MessageEvent{RoomID: dm, Sender: sender, Text: text})
		require.NoError(t, err)
		notices := h.chat.sentNotices()
		if len(notices) == before {
			return ""
		}
		return notices[len(notices)-1].Text
	}

	assert.Contains(t, say(alice, "!help"), "!bridge <room id>")
	assert.Equal(t, "Usage: !bridge <room id> <host> [port]", say(alice, "!bridge nope"))
	assert.Contains(t, say(alice, "!bridge "+target+" mc_example_com 70000"), "port must be between")
	assert.Equal(t, "Linked "+target+" to mc_example_com:25566.", say(alice, "!bridge "+target+" mc_example_com 25566"))

	bs, err := h.store.Bindings(ctx, target)
	require.NoError(t, err)
	require.Len(t, bs, 1)
	assert.Equal(t, binding.OriginProvision, bs[0].Origin)

	status := say(alice, "!status")
	assert.True(t, strings.HasPrefix(status, "1 linked room(s):"), status)
	assert.Contains(t, status, "mc_example_com:25566 (provision) connected")
	assert.Contains(t, status, "0 room(s) waiting for retry.")

	// only the owner commands the room
	assert.Empty(t, say("@mallory:hs.test", "!status"))

	assert.Equal(t, "Unknown command !frobnicate. Send !help for a list.", say(alice, "!frobnicate"))
	assert.Equal(t, "Unlinked "+target+" from mc_example_com:25566.", say(alice, "!unbridge "+target+" mc_example_com 25566"))
	assert.Empty(t, h.orch.Connections().Connections(target))
	assert.Equal(t, "No rooms are linked yet.", say(alice, "!status"))
}

func TestBridgeCommandReportsPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dm := "!dm:" + testDomain
	target := "!target:" + testDomain
	h.chat.setMembers(dm, alice)
	_, err := h.orch.Handle(ctx, InviteEvent{RoomID: dm, Sender: alice})
	require.NoError(t, err)
	h.dialer.setFail(creative, errors.New("refused"))

	_, err = h.orch.Handle(ctx, MessageEvent{RoomID: dm, Sender: alice, Text: "!bridge " + target + " creative.example.com"})
	require.NoError(t, err)
	notices := h.chat.sentNotices()
	assert.Contains(t, notices[len(notices)-1].Text, "I will keep trying")
	assert.True(t, h.orch.Retry().Pending(target))
}

func TestAdminRegistryRebuiltOnFirstCommand(t *testing.T) {
	h := newHarness(t)
	dm := "!dm:" + testDomain
	h.chat.setMembers(dm, testBot, alice)

	_, err := h.orch.Handle(context.Background(), MessageEvent{RoomID: dm, Sender: alice, Text: "!status"})
	require.NoError(t, err)
	notices := h.chat.sentNotices()
	require.Len(t, notices, 2)
	assert.Contains(t, notices[0].Text, "control room")
	assert.Equal(t, "No rooms are linked yet.", notices[1].Text)
}

func TestDecorateRoom(t *testing.T) {
	h := newHarness(t)
	roomID := h.provision(t)

	assert.Eventually(t, func() bool { return h.chat.avatar(roomID) != "" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Welcome to survival", h.chat.topic(roomID))
	assert.Equal(t, "mxc://hs.test/mc_example_com.png", h.chat.avatar(roomID))
}

func TestRebindReconcilesStoredRooms(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := "!stored:" + testDomain
	require.NoError(t, h.store.Link(ctx, roomID, survival, binding.OriginAlias))
	h.chat.setMembers(roomID, testBot, alice)

	h.orch.Rebind(ctx)
	assert.Len(t, h.orch.Connections().Connections(roomID), 1)
}

func TestHandleRejectsUnknownEvent(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Handle(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnknownEvent)
}
