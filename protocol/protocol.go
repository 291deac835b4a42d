// Package protocol defines the realtime frame format: a JSON envelope
// {"event": <name>, "data": <object>} exchanged over the WebSocket.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	ErrInvalidFrame = errors.New("invalid frame format")
	ErrMissingEvent = errors.New("frame has no event name")
)

// Inbound events.
const (
	EventSendMessage = "send_message"
	EventTyping      = "typing"
	EventStopTyping  = "stop_typing"
)

// Outbound events.
const (
	EventUserOnline     = "user_online"
	EventUsersOnline    = "users_online"
	EventNewMessage     = "new_message"
	EventMessageSent    = "message_sent"
	EventMessageError   = "message_error"
	EventUserTyping     = "user_typing"
	EventUserStopTyping = "user_stop_typing"
	EventUserOffline    = "user_offline"
	EventError          = "error"
)

type Frame struct {
	Event string
	Data  gjson.Result
}

// ReceiverID returns data.receiver_id trimmed.
func (f *Frame) ReceiverID() string {
	return strings.TrimSpace(f.Data.Get("receiver_id").String())
}

func (f *Frame) Text() string {
	return f.Data.Get("text").String()
}

// Type returns data.type, or "" when absent.
func (f *Frame) Type() string {
	return strings.TrimSpace(f.Data.Get("type").String())
}

func ParseFrame(raw []byte) (*Frame, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrInvalidFrame
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, ErrInvalidFrame
	}

	event := root.Get("event")
	if event.Type != gjson.String || event.String() == "" {
		return nil, ErrMissingEvent
	}

	data := root.Get("data")
	if data.Exists() && !data.IsObject() {
		return nil, ErrInvalidFrame
	}
	return &Frame{Event: event.String(), Data: data}, nil
}

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Encode builds an outbound frame. data must be JSON-serializable.
func Encode(event string, data any) ([]byte, error) {
	return json.Marshal(envelope{Event: event, Data: data})
}

// MustEncode is Encode for payloads built from known-good types.
func MustEncode(event string, data any) []byte {
	b, err := Encode(event, data)
	if err != nil {
		panic(err)
	}
	return b
}

// Outbound payloads.

type UserOnline struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

type UsersOnline struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

type MessageSent struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Delivered bool   `json:"delivered"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// UserRef carries just the acting user; used by typing and offline events.
type UserRef struct {
	UserID string `json:"user_id"`
}
