// Package relayproto defines the JSON frames exchanged with the server-side
// chat relay over its websocket.
package relayproto

import (
	"encoding/json"
	"fmt"
)

// Frame types.
const (
	TypeHello = "hello"
	TypeError = "error"
	TypeChat  = "chat"
	TypeSay   = "say"
)

// Frame is the envelope of every message. Only the fields of its Type are set.
type Frame struct {
	Type string `json:"type"`

	// hello
	Username string `json:"username,omitempty"`
	// error
	Reason string `json:"reason,omitempty"`
	// chat
	Player string `json:"player,omitempty"`
	// chat, say
	Message string `json:"message,omitempty"`
}

// Hello is sent by the relay once the bridge is authenticated.
func Hello(username string) Frame { return Frame{Type: TypeHello, Username: username} }

// Error is sent by the relay before it closes a rejected session.
func Error(reason string) Frame { return Frame{Type: TypeError, Reason: reason} }

// Chat carries one in-game chat line.
func Chat(player, message string) Frame {
	return Frame{Type: TypeChat, Player: player, Message: message}
}

// Say asks the relay to speak message in game.
func Say(message string) Frame { return Frame{Type: TypeSay, Message: message} }

// RejectedError is a relay error frame surfaced as a Go error.
type RejectedError struct {
	Reason string
}

func (e RejectedError) Error() string {
	if e.Reason != "" {
		return "relay rejected session: " + e.Reason
	}
	return "relay rejected session"
}

// Validate checks that the frame carries the fields its type needs.
func (f Frame) Validate() error {
	switch f.Type {
	case TypeHello:
		if f.Username == "" {
			return fmt.Errorf("hello frame without username")
		}
	case TypeError:
	case TypeChat:
		if f.Player == "" {
			return fmt.Errorf("chat frame without player")
		}
	case TypeSay:
		if f.Message == "" {
			return fmt.Errorf("say frame without message")
		}
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}

// Decode parses and validates one frame.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
