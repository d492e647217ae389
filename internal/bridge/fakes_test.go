package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/park285/mc-matrix-bridge/internal/gamechat"
	"github.com/park285/mc-matrix-bridge/internal/mcping"
	"github.com/park285/mc-matrix-bridge/internal/mcserver"
	"github.com/park285/mc-matrix-bridge/internal/profile"
)

const (
	testDomain = "hs.test"
	testBot    = "@mcbot:hs.test"
	alice      = "@alice:hs.test"
	steveID    = "069a79f444e94726a5befca90e38aaf5"
)

var (
	survival = mcserver.New("mc_example_com", 25566)
	creative = mcserver.New("creative.example.com", 0)
)

type sent struct {
	Room, User, Text string
}

// fakeChat records every call made against the chat network.
type fakeChat struct {
	mu       sync.Mutex
	rooms    int
	created  []RoomSpec
	members  map[string][]string
	aliases  map[string]string
	names    map[string]string
	joins    []string
	invites  []string
	left     []string
	texts    []sent
	notices  []sent
	topics   map[string]string
	avatars  map[string]string
	uploads  []string
	profiles map[string]string // user -> display name
	userAv   map[string]string
	joinErr  map[string]error
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		members:  make(map[string][]string),
		aliases:  make(map[string]string),
		names:    make(map[string]string),
		topics:   make(map[string]string),
		avatars:  make(map[string]string),
		profiles: make(map[string]string),
		userAv:   make(map[string]string),
		joinErr:  make(map[string]error),
	}
}

func (f *fakeChat) BotUserID() string { return testBot }

func (f *fakeChat) CreateRoom(_ context.Context, spec RoomSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms++
	id := fmt.Sprintf("!room%d:%s", f.rooms, testDomain)
	f.created = append(f.created, spec)
	f.members[id] = []string{testBot}
	f.topics[id] = spec.Topic
	return id, nil
}

func (f *fakeChat) JoinRoom(_ context.Context, roomID, asUser string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if asUser == "" {
		asUser = testBot
	}
	if err := f.joinErr[roomID]; err != nil {
		return err
	}
	f.joins = append(f.joins, roomID+" "+asUser)
	for _, m := range f.members[roomID] {
		if m == asUser {
			return nil
		}
	}
	f.members[roomID] = append(f.members[roomID], asUser)
	return nil
}

func (f *fakeChat) InviteUser(_ context.Context, roomID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, roomID+" "+userID)
	return nil
}

func (f *fakeChat) LeaveRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, roomID)
	return nil
}

func (f *fakeChat) JoinedMembers(_ context.Context, roomID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.members[roomID]...), nil
}

func (f *fakeChat) MemberDisplayName(_ context.Context, _, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names[userID], nil
}

func (f *fakeChat) CanonicalAlias(_ context.Context, roomID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aliases[roomID], nil
}

func (f *fakeChat) SendText(_ context.Context, roomID, asUser, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, sent{roomID, asUser, text})
	return nil
}

func (f *fakeChat) SendNotice(_ context.Context, roomID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, sent{roomID, testBot, text})
	return nil
}

func (f *fakeChat) SetRoomTopic(_ context.Context, roomID, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics[roomID] = topic
	return nil
}

func (f *fakeChat) SetRoomAvatar(_ context.Context, roomID, mxc string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.avatars[roomID] = mxc
	return nil
}

func (f *fakeChat) UploadContent(_ context.Context, data []byte, contentType, filename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(data) == 0 || contentType != "image/png" {
		return "", errors.New("bad upload")
	}
	f.uploads = append(f.uploads, filename)
	return "mxc://" + testDomain + "/" + filename, nil
}

func (f *fakeChat) UploadFromURL(_ context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, url)
	return "mxc://" + testDomain + "/remote", nil
}

func (f *fakeChat) EnsureVirtualUser(_ context.Context, localpart string) (string, error) {
	return "@" + localpart + ":" + testDomain, nil
}

func (f *fakeChat) SetDisplayName(_ context.Context, userID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[userID] = name
	return nil
}

func (f *fakeChat) SetAvatarURL(_ context.Context, userID, mxc string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userAv[userID] = mxc
	return nil
}

func (f *fakeChat) setMembers(roomID string, members ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[roomID] = members
}

func (f *fakeChat) sentTexts() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.texts...)
}

func (f *fakeChat) sentNotices() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.notices...)
}

func (f *fakeChat) topic(roomID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topics[roomID]
}

func (f *fakeChat) avatar(roomID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.avatars[roomID]
}

func (f *fakeChat) leftRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.left...)
}

// fakeProber answers with a fixed status unless the server is marked down.
type fakeProber struct {
	mu     sync.Mutex
	down   map[string]bool
	status mcping.Status
	calls  int
}

func newFakeProber() *fakeProber {
	return &fakeProber{down: make(map[string]bool), status: mcping.Status{MOTD: "§aWelcome to survival", PlayersMax: 20}}
}

func (p *fakeProber) Probe(_ context.Context, server mcserver.Identity) (*mcping.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.down[server.FullName()] {
		return nil, errors.New("connection refused")
	}
	st := p.status
	return &st, nil
}

func (p *fakeProber) setDown(server mcserver.Identity, down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down[server.FullName()] = down
}

// fakeSession is a scripted game chat session.
type fakeSession struct {
	lines chan gamechat.ChatLine
	done  chan struct{}
	once  sync.Once
	cause atomic.Value

	mu   sync.Mutex
	said []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{lines: make(chan gamechat.ChatLine, 16), done: make(chan struct{})}
}

func (s *fakeSession) Lines() <-chan gamechat.ChatLine { return s.lines }
func (s *fakeSession) Done() <-chan struct{}           { return s.done }

func (s *fakeSession) Err() error {
	if err, ok := s.cause.Load().(error); ok {
		return err
	}
	return nil
}

func (s *fakeSession) Say(_ context.Context, message string) error {
	select {
	case <-s.done:
		return gamechat.ErrClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.said = append(s.said, message)
	return nil
}

func (s *fakeSession) Close(context.Context) error {
	s.kill(gamechat.ErrClosed)
	return nil
}

func (s *fakeSession) kill(cause error) {
	s.once.Do(func() {
		s.cause.Store(cause)
		close(s.done)
	})
}

func (s *fakeSession) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.said...)
}

// fakeDialer hands out fakeSessions and counts attempts per server.
type fakeDialer struct {
	mu       sync.Mutex
	fail     map[string]error
	attempts map[string]int
	sessions []*fakeSession
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{fail: make(map[string]error), attempts: make(map[string]int)}
}

func (d *fakeDialer) Dial(_ context.Context, server mcserver.Identity) (ChatSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts[server.FullName()]++
	if err := d.fail[server.FullName()]; err != nil {
		return nil, err
	}
	s := newFakeSession()
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) setFail(server mcserver.Identity, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[server.FullName()] = err
}

func (d *fakeDialer) attemptsFor(server mcserver.Identity) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[server.FullName()]
}

func (d *fakeDialer) last() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// fakeDirectory is an in-memory identity directory.
type fakeDirectory struct {
	mu      sync.Mutex
	players map[string]string // uuid32 -> name
	calls   int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{players: map[string]string{steveID: "Steve"}}
}

func (d *fakeDirectory) ProfileByUUID(_ context.Context, id string) (profile.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if name, ok := d.players[id]; ok {
		return profile.Record{ID: id, Name: name}, nil
	}
	return profile.Record{}, errors.New("not found")
}

func (d *fakeDirectory) ProfileByName(_ context.Context, name string) (profile.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	ids := make([]string, 0, len(d.players))
	for id := range d.players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if strings.EqualFold(d.players[id], name) {
			return profile.Record{ID: id, Name: d.players[id]}, nil
		}
	}
	return profile.Record{}, errors.New("not found")
}
