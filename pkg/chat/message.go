// Package chat holds the data model shared by the conversation client and the
// chat server: conversations, messages, connection states and the error
// taxonomy.
package chat

import (
	"strconv"
	"strings"
	"time"
)

// Origin tells where a message entered the client.
type Origin string

const (
	OriginHistory Origin = "history"
	OriginLive    Origin = "live"
)

// Message is one chat line in a conversation.
type Message struct {
	SenderID          string
	SenderDisplayName string
	SenderLastName    string
	Text              string
	CreatedAt         time.Time
	Origin            Origin
	// DeliveryID is assigned by the server when the message is persisted.
	// Messages from servers that do not assign one fall back to Fingerprint
	// for de-duplication.
	DeliveryID string
}

// Fingerprint is the best-effort identity of a message without DeliveryID.
func (m Message) Fingerprint() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(len(m.SenderID)))
	b.WriteByte(':')
	b.WriteString(m.SenderID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(m.CreatedAt.UnixMilli(), 10))
	b.WriteByte('|')
	b.WriteString(m.Text)
	return b.String()
}

// DedupKey prefers the server-assigned DeliveryID.
func (m Message) DedupKey() string {
	if m.DeliveryID != "" {
		return "id:" + m.DeliveryID
	}
	return "fp:" + m.Fingerprint()
}

// SenderName is the full display name of the sender.
func (m Message) SenderName() string {
	return strings.TrimSpace(m.SenderDisplayName + " " + m.SenderLastName)
}

// FormatTime renders a timestamp the way the chat view shows it, e.g. "3:04 PM".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("3:04 PM")
}
