// Package wire is the JSON codec of the conversation transport.
//
// Every frame is an envelope {"event": name, "data": {...}}. Event names and
// field names follow the protocol the browser client already speaks.
package wire

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/pairchat/pkg/chat"
)

const (
	EventJoinChat        = "joinChat"
	EventSendMessage     = "sendMessage"
	EventMessageReceived = "messageReceived"
	EventTyping          = "typing"
	EventStopTyping      = "stopTyping"
	EventError           = "error"
	EventPing            = "ping"
	EventPong            = "pong"
)

var ErrMalformedFrame = errors.New("malformed frame")

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinChat asks the server to add the connection to the pair's room.
type JoinChat struct {
	FirstName    string `json:"firstName"`
	UserID       string `json:"userId"`
	TargetUserID string `json:"targetUserId"`
}

type SendMessage struct {
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	UserID       string `json:"userId"`
	TargetUserID string `json:"targetUserId"`
	Text         string `json:"text"`
	// MessageID is an optional client idempotency key.
	MessageID string `json:"messageId,omitempty"`
}

// MessageReceived is fanned out to the room after the message was persisted.
type MessageReceived struct {
	FirstName  string    `json:"firstName"`
	LastName   string    `json:"lastName"`
	Text       string    `json:"text"`
	SenderID   string    `json:"senderId"`
	CreatedAt  time.Time `json:"createdAt"`
	DeliveryID string    `json:"deliveryId,omitempty"`
	RoomID     string    `json:"roomId"`
}

// Typing is used for both typing and stopTyping.
type Typing struct {
	UserID       string `json:"userId"`
	TargetUserID string `json:"targetUserId"`
}

type Error struct {
	Message string `json:"message"`
}

// Encode builds one frame.
func Encode(event string, data any) ([]byte, error) {
	if strings.TrimSpace(event) == "" {
		return nil, errors.New("wire: empty event name")
	}
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrapf(err, "wire: marshal %s", event)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode parses the envelope only; use Envelope.Into for the payload.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	if env.Event == "" {
		return Envelope{}, errors.Wrap(ErrMalformedFrame, "missing event")
	}
	return env, nil
}

func (e Envelope) Into(v any) error {
	if len(e.Data) == 0 {
		return errors.Wrapf(ErrMalformedFrame, "%s: missing data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.Wrapf(ErrMalformedFrame, "%s: %v", e.Event, err)
	}
	return nil
}

func (m MessageReceived) ToMessage() chat.Message {
	return chat.Message{
		SenderID:          m.SenderID,
		SenderDisplayName: m.FirstName,
		SenderLastName:    m.LastName,
		Text:              m.Text,
		CreatedAt:         m.CreatedAt,
		Origin:            chat.OriginLive,
		DeliveryID:        m.DeliveryID,
	}
}

// NewSendMessage fills the sender fields from the local identity.
func NewSendMessage(local chat.Identity, targetUserID, text, messageID string) SendMessage {
	return SendMessage{
		FirstName:    local.FirstName,
		LastName:     local.LastName,
		UserID:       local.UserID,
		TargetUserID: targetUserID,
		Text:         text,
		MessageID:    messageID,
	}
}
