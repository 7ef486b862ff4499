// Package chat implements the broadcast coordinator: a per-connection session
// state machine that turns inbound client events into presence changes,
// persisted messages and outbound fanout.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Tyrowin/presencechat/internal/presence"
	"github.com/Tyrowin/presencechat/internal/store"
)

// Inbound event names.
const (
	EventJoin        = "join"
	EventChatMessage = "chat message"
	EventTyping      = "typing"
	EventStopTyping  = "stop typing"
)

// Outbound event names. EventChatMessage is shared by both directions.
const (
	EventWelcome        = "welcome"
	EventUserJoined     = "user joined"
	EventUserLeft       = "user left"
	EventUserTyping     = "user typing"
	EventUserStopTyping = "user stop typing"
)

// TimestampLayout formats the server clock for chat messages.
const TimestampLayout = "3:04:05 PM"

var (
	// ErrMalformedEnvelope is returned when a frame is not a JSON envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrUnknownEvent is returned for an envelope whose event name is not an
	// inbound event.
	ErrUnknownEvent = errors.New("unknown event")
)

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is a decoded client event. Only the fields relevant to Event are
// set.
type Inbound struct {
	Event    string
	Username string
	Text     string
}

type chatMessageIn struct {
	Message string `json:"message"`
}

// DecodeInbound parses one client frame. Payload fields that have the wrong
// shape decode to their zero value rather than failing; only a broken
// envelope or an unknown event name is an error.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	in := Inbound{Event: env.Event}
	switch env.Event {
	case EventJoin:
		var username string
		if len(env.Data) > 0 && json.Unmarshal(env.Data, &username) == nil {
			in.Username = username
		}
	case EventChatMessage:
		var payload chatMessageIn
		if len(env.Data) > 0 && json.Unmarshal(env.Data, &payload) == nil {
			in.Text = payload.Message
		}
	case EventTyping, EventStopTyping:
	default:
		return in, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return in, nil
}

// ChatMessage is a chat line as clients see it.
type ChatMessage struct {
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// WelcomePayload is sent to a connection once it has joined.
type WelcomePayload struct {
	Message string          `json:"message"`
	Users   []presence.User `json:"users"`
	History []ChatMessage   `json:"history"`
}

// PresencePayload accompanies user joined and user left.
type PresencePayload struct {
	Username string          `json:"username"`
	Users    []presence.User `json:"users"`
}

// WelcomeText is the greeting sent in a welcome payload.
func WelcomeText(username string) string {
	return fmt.Sprintf("Welcome to the chat, %s!", username)
}

// FromStored converts persisted messages to their wire form, formatting
// timestamps in local time.
func FromStored(messages []store.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, ChatMessage{
			Username:  m.Username,
			Message:   m.Text,
			Timestamp: m.CreatedAt.Local().Format(TimestampLayout),
		})
	}
	return out
}

// Encode frames an outbound event. A nil data produces an envelope without
// a data field.
func Encode(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}
