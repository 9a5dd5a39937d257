package history

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/pairchat/pkg/chat"
)

// Response is the body of GET /chat/{counterpartId}.
type Response struct {
	Messages []MessageDoc `json:"messages"`
}

type MessageDoc struct {
	ID        string    `json:"_id"`
	Sender    Sender    `json:"senderId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Sender is either a populated user document or a bare user id.
type Sender struct {
	ID        string `json:"_id"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

func (s *Sender) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var id string
		if err := json.Unmarshal(b, &id); err != nil {
			return err
		}
		*s = Sender{ID: id}
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*s = Sender{}
		return nil
	}
	type plain Sender
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return errors.Wrap(err, "senderId")
	}
	*s = Sender(p)
	return nil
}

func (r Response) ToMessages() []chat.Message {
	out := make([]chat.Message, 0, len(r.Messages))
	for _, d := range r.Messages {
		out = append(out, chat.Message{
			SenderID:          d.Sender.ID,
			SenderDisplayName: d.Sender.FirstName,
			SenderLastName:    d.Sender.LastName,
			Text:              d.Text,
			CreatedAt:         d.CreatedAt,
			Origin:            chat.OriginHistory,
			DeliveryID:        d.ID,
		})
	}
	return out
}
