package bridge

import (
	"errors"
	"fmt"

	"github.com/park285/mc-matrix-bridge/internal/mcserver"
	"github.com/park285/mc-matrix-bridge/internal/profile"
)

// InvalidAliasError is returned for room-naming tokens that do not parse.
type InvalidAliasError = mcserver.InvalidAliasError

// LookupError is returned when a player cannot be resolved.
type LookupError = profile.LookupError

var (
	ErrUnknownEvent = errors.New("bridge: unknown event type")
	ErrNotVirtual   = errors.New("bridge: user is outside the bridge namespace")
	ErrClosed       = errors.New("bridge: closed")
)

// ServerUnreachableError: the liveness probe failed during provisioning.
type ServerUnreachableError struct {
	Server mcserver.Identity
	Err    error
}

func (e *ServerUnreachableError) Error() string {
	return fmt.Sprintf("server %s unreachable: %v", e.Server.FullName(), e.Err)
}
func (e *ServerUnreachableError) Unwrap() error { return e.Err }

// ConnectFailedError: the game session could not be established.
type ConnectFailedError struct {
	RoomID string
	Server mcserver.Identity
	Err    error
}

func (e *ConnectFailedError) Error() string {
	return fmt.Sprintf("connect %s for room %s: %v", e.Server.FullName(), e.RoomID, e.Err)
}
func (e *ConnectFailedError) Unwrap() error { return e.Err }

// DisconnectedError: an established session ended.
type DisconnectedError struct {
	RoomID string
	Server mcserver.Identity
	Err    error
}

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("session %s for room %s ended: %v", e.Server.FullName(), e.RoomID, e.Err)
}
func (e *DisconnectedError) Unwrap() error { return e.Err }
