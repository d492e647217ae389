// Package matrix talks to the homeserver as an application service: a
// client-server API client for the bot and its virtual users, and the
// listener the homeserver pushes transactions to.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/park285/mc-matrix-bridge/internal/bridge"
	"github.com/park285/mc-matrix-bridge/internal/httpc"
	"github.com/park285/mc-matrix-bridge/internal/obslog"
)

// Client is the appservice's client-server API client. Requests made on
// behalf of a virtual user carry the appservice token and assert the user
// through user_id.
type Client struct {
	hsURL   string
	asToken string
	domain  string
	bot     id.UserID
	botCli  *mautrix.Client
	http    *http.Client
	fetch   *httpc.Client
	logger  *zap.Logger

	mu         sync.Mutex
	intents    map[id.UserID]*mautrix.Client
	registered map[id.UserID]struct{}
}

// NewClient authenticates every request with asToken. botLocalpart is the
// registration's sender_localpart.
func NewClient(homeserverURL, asToken, domain, botLocalpart string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = obslog.L()
	}
	bot := id.NewUserID(botLocalpart, domain)
	botCli, err := mautrix.NewClient(homeserverURL, bot, asToken)
	if err != nil {
		return nil, fmt.Errorf("homeserver client: %w", err)
	}
	hc := &http.Client{Timeout: timeout}
	botCli.Client = hc
	return &Client{
		hsURL:      homeserverURL,
		asToken:    asToken,
		domain:     domain,
		bot:        bot,
		botCli:     botCli,
		http:       hc,
		fetch:      httpc.NewClient("", httpc.WithTimeout(timeout)),
		logger:     logger,
		intents:    make(map[id.UserID]*mautrix.Client),
		registered: make(map[id.UserID]struct{}),
	}, nil
}

var _ bridge.ChatNetwork = (*Client)(nil)

func (c *Client) BotUserID() string { return c.bot.String() }

// as returns the client acting as userID; "" and the bot use the bot client.
func (c *Client) as(userID string) (*mautrix.Client, error) {
	uid := id.UserID(userID)
	if uid == "" || uid == c.bot {
		return c.botCli, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cli, ok := c.intents[uid]; ok {
		return cli, nil
	}
	cli, err := mautrix.NewClient(c.hsURL, uid, c.asToken)
	if err != nil {
		return nil, err
	}
	cli.Client = c.http
	cli.SetAppServiceUserID = true
	c.intents[uid] = cli
	return cli, nil
}

func (c *Client) CreateRoom(ctx context.Context, spec bridge.RoomSpec) (string, error) {
	resp, err := c.botCli.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility:    "public",
		Preset:        "public_chat",
		RoomAliasName: spec.AliasLocalpart,
		Name:          spec.Name,
		Topic:         spec.Topic,
	})
	if err != nil {
		return "", err
	}
	if resp.RoomID == "" {
		return "", errors.New("createRoom answered without room_id")
	}
	return resp.RoomID.String(), nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID, asUser string) error {
	cli, err := c.as(asUser)
	if err != nil {
		return err
	}
	_, err = cli.JoinRoomByID(ctx, id.RoomID(roomID))
	return err
}

func (c *Client) InviteUser(ctx context.Context, roomID, userID string) error {
	_, err := c.botCli.InviteUser(ctx, id.RoomID(roomID), &mautrix.ReqInviteUser{UserID: id.UserID(userID)})
	return err
}

func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	_, err := c.botCli.LeaveRoom(ctx, id.RoomID(roomID))
	return err
}

// JoinedMembers lists the joined user ids, sorted.
func (c *Client) JoinedMembers(ctx context.Context, roomID string) ([]string, error) {
	resp, err := c.botCli.JoinedMembers(ctx, id.RoomID(roomID))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Joined))
	for uid := range resp.Joined {
		out = append(out, uid.String())
	}
	sort.Strings(out)
	return out, nil
}

// MemberDisplayName returns "" when the member has no display name.
func (c *Client) MemberDisplayName(ctx context.Context, roomID, userID string) (string, error) {
	var member event.MemberEventContent
	err := c.botCli.StateEvent(ctx, id.RoomID(roomID), event.StateMember, userID, &member)
	if errors.Is(err, mautrix.MNotFound) {
		return "", nil
	}
	return member.Displayname, err
}

// CanonicalAlias returns "" for rooms without one.
func (c *Client) CanonicalAlias(ctx context.Context, roomID string) (string, error) {
	var alias event.CanonicalAliasEventContent
	err := c.botCli.StateEvent(ctx, id.RoomID(roomID), event.StateCanonicalAlias, "", &alias)
	if errors.Is(err, mautrix.MNotFound) {
		return "", nil
	}
	return alias.Alias.String(), err
}

func (c *Client) SendText(ctx context.Context, roomID, asUser, text string) error {
	cli, err := c.as(asUser)
	if err != nil {
		return err
	}
	_, err = cli.SendText(ctx, id.RoomID(roomID), text)
	return err
}

func (c *Client) SendNotice(ctx context.Context, roomID, text string) error {
	_, err := c.botCli.SendNotice(ctx, id.RoomID(roomID), text)
	return err
}

func (c *Client) SetRoomTopic(ctx context.Context, roomID, topic string) error {
	_, err := c.botCli.SendStateEvent(ctx, id.RoomID(roomID), event.StateTopic, "", &event.TopicEventContent{Topic: topic})
	return err
}

func (c *Client) SetRoomAvatar(ctx context.Context, roomID, mxcURL string) error {
	_, err := c.botCli.SendStateEvent(ctx, id.RoomID(roomID), event.StateRoomAvatar, "", map[string]string{"url": mxcURL})
	return err
}

// UploadContent stores data in the media repository and returns its mxc URI.
func (c *Client) UploadContent(ctx context.Context, data []byte, contentType, filename string) (string, error) {
	resp, err := c.botCli.UploadBytesWithName(ctx, data, contentType, filename)
	if err != nil {
		return "", err
	}
	if resp.ContentURI.IsEmpty() {
		return "", errors.New("upload answered without content_uri")
	}
	return resp.ContentURI.String(), nil
}

// UploadFromURL fetches an external resource without homeserver credentials
// and re-uploads it.
func (c *Client) UploadFromURL(ctx context.Context, rawURL string) (string, error) {
	resp, err := c.fetch.Do(ctx, fasthttp.MethodGet, rawURL, nil, "", true)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	ct := resp.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		name = u.Path[strings.LastIndexByte(u.Path, '/')+1:]
	}
	return c.UploadContent(ctx, resp.Body, ct, name)
}

// EnsureVirtualUser registers localpart in the appservice namespace. An
// already registered user is fine.
func (c *Client) EnsureVirtualUser(ctx context.Context, localpart string) (string, error) {
	userID := id.NewUserID(localpart, c.domain)
	c.mu.Lock()
	_, ok := c.registered[userID]
	c.mu.Unlock()
	if ok {
		return userID.String(), nil
	}
	_, _, err := c.botCli.Register(ctx, &mautrix.ReqRegister{
		Username:     localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if err != nil && !errors.Is(err, mautrix.MUserInUse) {
		return "", fmt.Errorf("register %s: %w", userID, err)
	}
	if err == nil {
		c.logger.Info("virtual_user_registered", zap.String("user_id", userID.String()))
	}
	c.mu.Lock()
	c.registered[userID] = struct{}{}
	c.mu.Unlock()
	return userID.String(), nil
}

func (c *Client) SetDisplayName(ctx context.Context, userID, name string) error {
	cli, err := c.as(userID)
	if err != nil {
		return err
	}
	return cli.SetDisplayName(ctx, name)
}

func (c *Client) SetAvatarURL(ctx context.Context, userID, mxcURL string) error {
	uri, err := id.ParseContentURI(mxcURL)
	if err != nil {
		return fmt.Errorf("avatar url %q: %w", mxcURL, err)
	}
	cli, err := c.as(userID)
	if err != nil {
		return err
	}
	return cli.SetAvatarURL(ctx, uri)
}
