package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/pairchat/pkg/chat"
	"github.com/go-go-golems/pairchat/pkg/viewmodel"
)

func TestPrinterRendersEachMessageOnce(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf, seen: map[string]bool{}}
	at := time.Date(2024, 5, 1, 15, 4, 0, 0, time.Local)
	snap := viewmodel.Snapshot{
		LocalUserID:     "alice",
		CounterpartID:   "bob",
		ConnectionState: chat.Joined,
		Messages: []chat.Message{
			{SenderID: "bob", SenderDisplayName: "Bob", Text: "hi", CreatedAt: at, DeliveryID: "1"},
			{SenderID: "alice", SenderDisplayName: "Alice", Text: "hey", CreatedAt: at, DeliveryID: "2"},
		},
	}
	p.render(snap)
	snap.TypingByUser = map[string]bool{"bob": true}
	p.render(snap)

	out := buf.String()
	require.Equal(t, 1, strings.Count(out, "Bob: hi"))
	require.Equal(t, 1, strings.Count(out, "you: hey"))
	require.Contains(t, out, "3:04 PM")
	require.Contains(t, out, "[Active now]")
	require.Contains(t, out, "[Typing...]")
}
