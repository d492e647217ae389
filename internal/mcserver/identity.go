// Package mcserver identifies Minecraft servers and decodes the room-naming
// convention used to address them from the chat network.
package mcserver

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultPort is the port a Minecraft server listens on when none is given.
const DefaultPort = 25565

// Identity is the canonical (hostname, port) key for a game server.
// The zero value is not valid; build identities with New.
type Identity struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

// New returns the canonical identity for hostname and port. The hostname is
// trimmed and lowercased; a port <= 0 selects DefaultPort.
func New(hostname string, port int) Identity {
	if port <= 0 {
		port = DefaultPort
	}
	return Identity{Hostname: strings.ToLower(strings.TrimSpace(hostname)), Port: port}
}

// FullName is "hostname:port".
func (id Identity) FullName() string {
	return id.Hostname + ":" + strconv.Itoa(id.Port)
}

// FriendlyName omits the port when it is the default one.
func (id Identity) FriendlyName() string {
	if id.Port == DefaultPort {
		return id.Hostname
	}
	return id.FullName()
}

func (id Identity) String() string { return id.FullName() }

// IsZero reports whether the identity carries no hostname.
func (id Identity) IsZero() bool { return id.Hostname == "" }

// ParseFullName reverses FullName. A missing port selects DefaultPort.
func ParseFullName(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Identity{}, fmt.Errorf("empty server name")
	}
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return New(s, DefaultPort), nil
	}
	port, err := strconv.Atoi(s[i+1:])
	if err != nil || port < 0 || port > 65535 {
		return Identity{}, fmt.Errorf("invalid port in %q", s)
	}
	if s[:i] == "" {
		return Identity{}, fmt.Errorf("empty hostname in %q", s)
	}
	return New(s[:i], port), nil
}
