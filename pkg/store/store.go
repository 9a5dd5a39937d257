// Package store persists the messages of each room for the history endpoint.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/pairchat/pkg/chat"
	"github.com/go-go-golems/pairchat/pkg/room"
)

// Record is one persisted message.
type Record struct {
	ID              string    `json:"id"`
	RoomID          room.ID   `json:"room_id"`
	SenderID        string    `json:"sender_id"`
	SenderFirstName string    `json:"sender_first_name"`
	SenderLastName  string    `json:"sender_last_name"`
	RecipientID     string    `json:"recipient_id"`
	Text            string    `json:"text"`
	CreatedAt       time.Time `json:"created_at"`
	// ClientMessageID is the sender's idempotency key. Appending a record
	// whose key already exists in the room returns the stored record.
	ClientMessageID string `json:"client_message_id,omitempty"`
}

func (r Record) Message() chat.Message {
	return chat.Message{
		SenderID:          r.SenderID,
		SenderDisplayName: r.SenderFirstName,
		SenderLastName:    r.SenderLastName,
		Text:              r.Text,
		CreatedAt:         r.CreatedAt,
		Origin:            chat.OriginHistory,
		DeliveryID:        r.ID,
	}
}

// Store is the history collaborator of the chat server.
type Store interface {
	// Append persists rec, assigning ID and CreatedAt when empty.
	Append(ctx context.Context, rec Record) (Record, error)
	// List returns the last limit records of the room, oldest first.
	// limit <= 0 returns everything.
	List(ctx context.Context, roomID room.ID, limit int) ([]Record, error)
	Close() error
}

var ErrInvalidRecord = errors.New("invalid message record")

func normalizeRecord(rec Record, now time.Time) (Record, error) {
	rec.RoomID = room.ID(strings.TrimSpace(rec.RoomID.String()))
	rec.SenderID = strings.TrimSpace(rec.SenderID)
	rec.ClientMessageID = strings.TrimSpace(rec.ClientMessageID)
	if rec.RoomID == "" {
		return Record{}, errors.Wrap(ErrInvalidRecord, "empty room id")
	}
	if rec.SenderID == "" {
		return Record{}, errors.Wrap(ErrInvalidRecord, "empty sender id")
	}
	if strings.TrimSpace(rec.Text) == "" {
		return Record{}, errors.Wrap(ErrInvalidRecord, "empty text")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	// Millisecond precision is what every backend and the wire keep.
	rec.CreatedAt = time.UnixMilli(rec.CreatedAt.UnixMilli()).UTC()
	return rec, nil
}
