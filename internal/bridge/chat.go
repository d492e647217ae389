package bridge

import (
	"context"

	"github.com/park285/mc-matrix-bridge/internal/binding"
	"github.com/park285/mc-matrix-bridge/internal/profile"
)

// RoomSpec describes a room to create.
type RoomSpec struct {
	AliasLocalpart string
	Name           string
	Topic          string
}

// ChatNetwork is the chat-room network as seen by the bridge. asUser ""
// acts as the bridge bot.
type ChatNetwork interface {
	BotUserID() string

	CreateRoom(ctx context.Context, spec RoomSpec) (string, error)
	JoinRoom(ctx context.Context, roomID, asUser string) error
	InviteUser(ctx context.Context, roomID, userID string) error
	LeaveRoom(ctx context.Context, roomID string) error
	JoinedMembers(ctx context.Context, roomID string) ([]string, error)
	MemberDisplayName(ctx context.Context, roomID, userID string) (string, error)
	CanonicalAlias(ctx context.Context, roomID string) (string, error)

	SendText(ctx context.Context, roomID, asUser, text string) error
	SendNotice(ctx context.Context, roomID, text string) error
	SetRoomTopic(ctx context.Context, roomID, topic string) error
	SetRoomAvatar(ctx context.Context, roomID, mxcURL string) error
	UploadContent(ctx context.Context, data []byte, contentType, filename string) (string, error)
	UploadFromURL(ctx context.Context, url string) (string, error)

	EnsureVirtualUser(ctx context.Context, localpart string) (string, error)
	SetDisplayName(ctx context.Context, userID, name string) error
	SetAvatarURL(ctx context.Context, userID, mxcURL string) error
}

// Profiles resolves players; *profile.Cache implements it.
type Profiles interface {
	ByID(ctx context.Context, id string) (profile.Profile, error)
	ByName(ctx context.Context, name string) (profile.Profile, error)
}

var (
	_ Profiles      = (*profile.Cache)(nil)
	_ binding.Store = (*binding.MemoryStore)(nil)
)
