package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/park285/mc-matrix-bridge/internal/avatar"
	"github.com/park285/mc-matrix-bridge/internal/mcping"
	"github.com/park285/mc-matrix-bridge/internal/mcserver"
	"github.com/park285/mc-matrix-bridge/internal/util"
)

// DecorateRoom sets the room topic from the MOTD and the room avatar from
// the favicon, or a placeholder when the server has none.
func (o *Orchestrator) DecorateRoom(ctx context.Context, roomID string, server mcserver.Identity, st *mcping.Status) error {
	if err := o.chat.SetRoomTopic(ctx, roomID, o.topicFor(server, st.MOTD)); err != nil {
		return fmt.Errorf("topic: %w", err)
	}

	var (
		img []byte
		err error
	)
	if len(st.Favicon) > 0 {
		img, err = avatar.Normalize(st.Favicon, avatar.Size)
	}
	if len(img) == 0 {
		img, err = avatar.Placeholder(server, avatar.Size)
	}
	if err != nil {
		return fmt.Errorf("avatar image: %w", err)
	}
	mxc, err := o.chat.UploadContent(ctx, img, "image/png", server.Hostname+".png")
	if err != nil {
		return fmt.Errorf("avatar upload: %w", err)
	}
	if err := o.chat.SetRoomAvatar(ctx, roomID, mxc); err != nil {
		return fmt.Errorf("avatar: %w", err)
	}
	return nil
}

func (o *Orchestrator) topicFor(server mcserver.Identity, motd string) string {
	topic := strings.TrimSpace(util.StripFormatting(motd))
	if topic != "" {
		return topic
	}
	fallback, err := o.catalog.Render("room.topic_fallback", map[string]any{"Server": server.FriendlyName()})
	if err != nil {
		return server.FriendlyName()
	}
	return fallback
}
