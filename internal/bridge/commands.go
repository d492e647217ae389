package bridge

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/mc-matrix-bridge/internal/binding"
	"github.com/park285/mc-matrix-bridge/internal/mcserver"
)

const (
	usageBridge   = "!bridge <room id> <host> [port]"
	usageUnbridge = "!unbridge <room id> <host> [port]"
)

type statusServer struct {
	Server string
	Origin string
	State  string
}

type statusRoom struct {
	Room    string
	Servers []statusServer
}

// runCommand executes one admin command sent in an admin room.
func (o *Orchestrator) runCommand(ctx context.Context, roomID, text string) error {
	fields := strings.Fields(text)
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "!help":
		return o.reply(ctx, roomID, "admin.help", nil)
	case "!bridge":
		return o.cmdBridge(ctx, roomID, args)
	case "!unbridge":
		return o.cmdUnbridge(ctx, roomID, args)
	case "!status":
		return o.cmdStatus(ctx, roomID)
	default:
		return o.reply(ctx, roomID, "admin.unknown", map[string]any{"Command": cmd})
	}
}

// parseTarget reads "<room id> <host> [port]". ok is false once a reply
// has been sent.
func (o *Orchestrator) parseTarget(ctx context.Context, adminRoom, usage string, args []string) (string, mcserver.Identity, bool) {
	if len(args) < 2 || len(args) > 3 || !strings.HasPrefix(args[0], "!") {
		_ = o.reply(ctx, adminRoom, "admin.usage", map[string]any{"Usage": usage})
		return "", mcserver.Identity{}, false
	}
	port := 0
	if len(args) == 3 {
		p, err := strconv.Atoi(args[2])
		if err != nil || p < 0 || p > 65535 {
			_ = o.reply(ctx, adminRoom, "admin.invalid_server", map[string]any{
				"Input": args[1] + " " + args[2], "Reason": "port must be between 0 and 65535",
			})
			return "", mcserver.Identity{}, false
		}
		port = p
	}
	host := args[1]
	if strings.ContainsAny(host, "/:@") {
		_ = o.reply(ctx, adminRoom, "admin.invalid_server", map[string]any{
			"Input": host, "Reason": "expected a bare hostname",
		})
		return "", mcserver.Identity{}, false
	}
	return args[0], mcserver.New(host, port), true
}

func (o *Orchestrator) cmdBridge(ctx context.Context, adminRoom string, args []string) error {
	target, server, ok := o.parseTarget(ctx, adminRoom, usageBridge, args)
	if !ok {
		return nil
	}
	if err := o.chat.JoinRoom(ctx, target, ""); err != nil {
		return o.reply(ctx, adminRoom, "admin.failed", map[string]any{"Error": err.Error()})
	}
	if err := o.store.Link(ctx, target, server, binding.OriginProvision); err != nil {
		o.logger.Error("binding_link_failed", zap.String("room_id", target), zap.String("server", server.FullName()), zap.Error(err))
		return o.reply(ctx, adminRoom, "admin.failed", map[string]any{"Error": err.Error()})
	}
	o.logger.Info("binding_link", zap.String("room_id", target), zap.String("server", server.FullName()), zap.String("origin", string(binding.OriginProvision)))

	data := map[string]any{"Room": target, "Server": server.FriendlyName()}
	if !o.bridge(ctx, target, server) {
		return o.reply(ctx, adminRoom, "admin.bridge_pending", data)
	}
	return o.reply(ctx, adminRoom, "admin.bridged", data)
}

func (o *Orchestrator) cmdUnbridge(ctx context.Context, adminRoom string, args []string) error {
	target, server, ok := o.parseTarget(ctx, adminRoom, usageUnbridge, args)
	if !ok {
		return nil
	}
	if err := o.store.Unlink(ctx, target, server, ""); err != nil {
		o.logger.Error("binding_unlink_failed", zap.String("room_id", target), zap.String("server", server.FullName()), zap.Error(err))
		return o.reply(ctx, adminRoom, "admin.failed", map[string]any{"Error": err.Error()})
	}
	o.conns.Unbridge(ctx, target, server)
	o.logger.Info("binding_unlink", zap.String("room_id", target), zap.String("server", server.FullName()))
	return o.reply(ctx, adminRoom, "admin.unbridged", map[string]any{"Room": target, "Server": server.FriendlyName()})
}

func (o *Orchestrator) cmdStatus(ctx context.Context, adminRoom string) error {
	rooms, err := o.store.Rooms(ctx)
	if err != nil {
		return o.reply(ctx, adminRoom, "admin.failed", map[string]any{"Error": err.Error()})
	}
	if len(rooms) == 0 {
		return o.reply(ctx, adminRoom, "admin.status_empty", nil)
	}
	view := make([]statusRoom, 0, len(rooms))
	for _, roomID := range rooms {
		bs, err := o.store.Bindings(ctx, roomID)
		if err != nil {
			return o.reply(ctx, adminRoom, "admin.failed", map[string]any{"Error": err.Error()})
		}
		r := statusRoom{Room: roomID}
		for _, b := range bs {
			state := StateUnbound
			if c, ok := o.conns.Lookup(roomID, b.Server); ok {
				state = c.State()
			}
			r.Servers = append(r.Servers, statusServer{
				Server: b.Server.FriendlyName(),
				Origin: string(b.Origin),
				State:  state.String(),
			})
		}
		view = append(view, r)
	}
	return o.reply(ctx, adminRoom, "admin.status", map[string]any{"Rooms": view, "Pending": o.retry.Len()})
}

func (o *Orchestrator) reply(ctx context.Context, roomID, key string, data any) error {
	text, err := o.catalog.Render(key, data)
	if err != nil {
		o.logger.Error("catalog_render_failed", zap.String("key", key), zap.Error(err))
		return err
	}
	if err := o.chat.SendNotice(ctx, roomID, text); err != nil {
		o.logger.Warn("notice_failed", zap.String("room_id", roomID), zap.Error(err))
		return err
	}
	return nil
}
