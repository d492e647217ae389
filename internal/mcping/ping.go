// Package mcping implements the game server's Server List Ping, used as
// the liveness probe that also returns the MOTD and favicon.
package mcping

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/Tnze/go-mc/bot"
	"github.com/Tnze/go-mc/chat"

	"github.com/park285/mc-matrix-bridge/internal/mcserver"
	"github.com/park285/mc-matrix-bridge/internal/util"
)

// DefaultTimeout bounds one probe.
const DefaultTimeout = 3 * time.Second

// protocolUnknown asks the server to answer with its own version.
const protocolUnknown = -1

const faviconPrefix = "data:image/png;base64,"

// Status is what a server reports about itself.
type Status struct {
	MOTD          string
	Favicon       []byte // PNG, nil when the server sets none
	Version       string
	Protocol      int
	PlayersOnline int
	PlayersMax    int
	Sample        []string
	Latency       time.Duration
}

type statusJSON struct {
	Version struct {
		Name     string `json:"name"`
		Protocol int    `json:"protocol"`
	} `json:"version"`
	Players struct {
		Max    int `json:"max"`
		Online int `json:"online"`
		Sample []struct {
			Name string `json:"name"`
			ID   string `json:"id"`
		} `json:"sample"`
	} `json:"players"`
	Description chat.Message `json:"description"`
	Favicon     string       `json:"favicon"`
}

// Prober probes servers over TCP.
type Prober struct {
	Timeout time.Duration
	Dialer  net.Dialer
}

// NewProber returns a prober with the given per-call timeout.
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{Timeout: timeout}
}

// Probe performs the status handshake against server. The address is
// dialed as given; SRV records are not consulted.
func (p *Prober) Probe(ctx context.Context, server mcserver.Identity) (*Status, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(server.Hostname, strconv.Itoa(server.Port))
	conn, err := p.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	raw, delay, err := bot.PingAndListConn(conn, protocolUnknown)
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", addr, err)
	}
	st, err := parseStatus(raw)
	if err != nil {
		return nil, err
	}
	st.Latency = delay
	return st, nil
}

func parseStatus(raw []byte) (*Status, error) {
	var sj statusJSON
	if err := json.Unmarshal(raw, &sj); err != nil {
		return nil, fmt.Errorf("decode status json: %w", err)
	}
	st := &Status{
		MOTD:          strings.TrimSpace(util.StripFormatting(sj.Description.ClearString())),
		Version:       util.StripFormatting(sj.Version.Name),
		Protocol:      sj.Version.Protocol,
		PlayersOnline: sj.Players.Online,
		PlayersMax:    sj.Players.Max,
	}
	for _, s := range sj.Players.Sample {
		st.Sample = append(st.Sample, s.Name)
	}
	if strings.HasPrefix(sj.Favicon, faviconPrefix) {
		enc := strings.NewReplacer("\n", "", "\r", "").Replace(sj.Favicon[len(faviconPrefix):])
		img, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("decode favicon: %w", err)
		}
		st.Favicon = img
	}
	return st, nil
}
