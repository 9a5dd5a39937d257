package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/pairchat/pkg/chat"
)

func TestEncodeDecode_MessageReceived(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	frame, err := Encode(EventMessageReceived, MessageReceived{
		FirstName:  "Ada",
		LastName:   "Lovelace",
		Text:       "hi",
		SenderID:   "u1",
		CreatedAt:  at,
		DeliveryID: "d1",
		RoomID:     "dm:abc",
	})
	require.NoError(t, err)
	require.Contains(t, string(frame), `"event":"messageReceived"`)

	env, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, EventMessageReceived, env.Event)

	var got MessageReceived
	require.NoError(t, env.Into(&got))
	m := got.ToMessage()
	require.Equal(t, "u1", m.SenderID)
	require.Equal(t, "Ada Lovelace", m.SenderName())
	require.True(t, at.Equal(m.CreatedAt))
	require.Equal(t, chat.OriginLive, m.Origin)
	require.Equal(t, "d1", m.DeliveryID)
}

func TestEncode_NoPayload(t *testing.T) {
	frame, err := Encode(EventPing, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"ping"}`, string(frame))

	env, err := Decode(frame)
	require.NoError(t, err)
	require.ErrorIs(t, env.Into(&Typing{}), ErrMalformedFrame)

	_, err = Encode(" ", nil)
	require.Error(t, err)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Decode([]byte(`{"data":{}}`))
	require.ErrorIs(t, err, ErrMalformedFrame)

	env, err := Decode([]byte(`{"event":"joinChat","data":"x"}`))
	require.NoError(t, err)
	require.ErrorIs(t, env.Into(&JoinChat{}), ErrMalformedFrame)
}

func TestNewSendMessage(t *testing.T) {
	m := NewSendMessage(chat.Identity{UserID: "u1", FirstName: "Ada", LastName: "L"}, "u2", "hello", "k1")
	require.Equal(t, SendMessage{FirstName: "Ada", LastName: "L", UserID: "u1", TargetUserID: "u2", Text: "hello", MessageID: "k1"}, m)
}
