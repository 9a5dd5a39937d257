package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/pairchat/pkg/room"
)

func TestConversationID_Unordered(t *testing.T) {
	a := NewConversationID("u1", "u2")
	b := NewConversationID("u2", "u1")
	require.Equal(t, a, b)
	require.Equal(t, room.IDFor("u1", "u2"), a.Room())
	require.True(t, a.Has("u1"))
	require.True(t, a.Has("u2"))
	require.False(t, a.Has("u3"))
	require.False(t, a.Has(""))
	require.Equal(t, "u2", a.Other("u1"))
	require.Equal(t, "u1", a.Other("u2"))
	require.False(t, a.IsZero())
	require.True(t, ConversationID{}.IsZero())
}

func TestMessage_DedupKeyPrefersDeliveryID(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	m := Message{SenderID: "u1", Text: "hi", CreatedAt: at}
	require.Equal(t, "fp:"+m.Fingerprint(), m.DedupKey())

	m.DeliveryID = "d1"
	require.Equal(t, "id:d1", m.DedupKey())

	other := Message{SenderID: "u1", Text: "hi", CreatedAt: at, Origin: OriginLive}
	require.Equal(t, m.Fingerprint(), other.Fingerprint())

	// Sender/text boundaries are length-prefixed.
	x := Message{SenderID: "u1|1", Text: "x", CreatedAt: at}
	y := Message{SenderID: "u1", Text: "1|x", CreatedAt: at}
	require.NotEqual(t, x.Fingerprint(), y.Fingerprint())
}

func TestIdentity_Validate(t *testing.T) {
	require.ErrorIs(t, Identity{FirstName: "A"}.Validate(), ErrMissingIdentity)
	require.NoError(t, Identity{UserID: "u1"}.Validate())
}

func TestConnectionState_Strings(t *testing.T) {
	require.Equal(t, "reconnecting", Reconnecting.String())
	require.Equal(t, "Reconnecting...", Reconnecting.Label())
	require.Equal(t, "Active now", Joined.Label())
	require.Equal(t, "unknown", ConnectionState(42).String())
}

func TestSenderNameAndFormatTime(t *testing.T) {
	m := Message{SenderDisplayName: "Ada", SenderLastName: ""}
	require.Equal(t, "Ada", m.SenderName())
	m.SenderLastName = "Lovelace"
	require.Equal(t, "Ada Lovelace", m.SenderName())

	require.Equal(t, "", FormatTime(time.Time{}))
	ts := time.Date(2024, 1, 2, 15, 4, 0, 0, time.Local)
	require.Equal(t, "3:04 PM", FormatTime(ts))
}

func TestSeen(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	withID := Message{SenderID: "a", Text: "hi", CreatedAt: at, DeliveryID: "d1"}
	sameFPOtherID := Message{SenderID: "a", Text: "hi", CreatedAt: at, DeliveryID: "d2"}
	anon := Message{SenderID: "a", Text: "hi", CreatedAt: at}

	s := NewSeen()
	require.True(t, s.Remember(withID))
	require.False(t, s.Remember(withID))
	require.True(t, s.Remember(sameFPOtherID))
	require.False(t, s.Remember(anon))

	s = NewSeen()
	require.True(t, s.Remember(anon))
	require.False(t, s.Remember(withID))
	require.False(t, s.Contains(Message{SenderID: "a", Text: "other", CreatedAt: at}))
}
