package viewmodel

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/pairchat/pkg/chat"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestAppend_KeepsTimestampOrderWithInsertionTies(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		v := New("u1", "u2")
		for i := 0; i < 40; i++ {
			v.Append(chat.Message{
				SenderID:   "u2",
				Text:       "m",
				CreatedAt:  t0.Add(time.Duration(rng.Intn(5)) * time.Second),
				DeliveryID: string(rune('a'+round%26)) + string(rune('0'+i/10)) + string(rune('0'+i%10)),
			})
		}
		msgs := v.Snapshot().Messages
		require.Len(t, msgs, 40)
		for i := 1; i < len(msgs); i++ {
			prev, cur := msgs[i-1], msgs[i]
			require.False(t, cur.CreatedAt.Before(prev.CreatedAt))
			if cur.CreatedAt.Equal(prev.CreatedAt) {
				require.Less(t, prev.DeliveryID, cur.DeliveryID, "ties keep insertion order")
			}
		}
	}
}

func TestAppend_IdempotentOnDeliveryID(t *testing.T) {
	v := New("u1", "u2")
	m := chat.Message{SenderID: "u2", Text: "hey", CreatedAt: t0, DeliveryID: "d1"}
	require.True(t, v.Append(m))
	require.False(t, v.Append(m))

	edited := m
	edited.Text = "hey (resent)"
	require.False(t, v.Append(edited))
	require.Len(t, v.Snapshot().Messages, 1)

	anon := chat.Message{SenderID: "u2", Text: "no id", CreatedAt: t0}
	require.True(t, v.Append(anon))
	require.False(t, v.Append(anon))
	require.Len(t, v.Snapshot().Messages, 2)
}

func TestSetTyping_ExpiresWithoutStopSignal(t *testing.T) {
	v := New("u1", "u2", WithTypingTimeout(30*time.Millisecond))
	v.SetTyping("u2", true)
	snap := v.Snapshot()
	require.True(t, snap.TypingByUser["u2"])
	require.Equal(t, "Typing...", snap.StatusLine())

	require.Eventually(t, func() bool {
		return !v.Snapshot().TypingByUser["u2"]
	}, time.Second, 5*time.Millisecond)
}

func TestSetTyping_RenewalExtendsTimeout(t *testing.T) {
	v := New("u1", "u2", WithTypingTimeout(150*time.Millisecond))
	v.SetTyping("u2", true)
	time.Sleep(100 * time.Millisecond)
	v.SetTyping("u2", true)
	time.Sleep(100 * time.Millisecond)
	require.True(t, v.Snapshot().TypingByUser["u2"])

	v.SetTyping("u2", false)
	require.False(t, v.Snapshot().TypingByUser["u2"])
}

func TestSetTyping_ExpiryRunsThroughScheduler(t *testing.T) {
	var mu sync.Mutex
	var queued []func()
	v := New("u1", "u2",
		WithTypingTimeout(10*time.Millisecond),
		WithScheduler(func(fn func()) {
			mu.Lock()
			queued = append(queued, fn)
			mu.Unlock()
		}),
	)
	v.SetTyping("u2", true)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(queued) == 1
	}, time.Second, 5*time.Millisecond)
	require.True(t, v.Snapshot().TypingByUser["u2"])

	mu.Lock()
	fn := queued[0]
	mu.Unlock()
	fn()
	require.False(t, v.Snapshot().TypingByUser["u2"])
}

func TestDestroy_StopsAllMutations(t *testing.T) {
	v := New("u1", "u2", WithTypingTimeout(10*time.Millisecond))
	calls := 0
	unsubscribe := v.Subscribe(func(Snapshot) { calls++ })
	defer unsubscribe()

	require.True(t, v.Append(chat.Message{SenderID: "u2", Text: "before", CreatedAt: t0}))
	require.Equal(t, 1, calls)
	v.SetTyping("u2", true)
	require.Equal(t, 2, calls)

	v.Destroy()
	v.Destroy()
	require.True(t, v.Destroyed())

	require.False(t, v.Append(chat.Message{SenderID: "u2", Text: "after", CreatedAt: t0}))
	v.Replace(nil)
	v.SetConnectionState(chat.Joined)
	v.SetEmpty(true)
	v.SetTyping("u2", true)
	time.Sleep(30 * time.Millisecond)

	snap := v.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.Equal(t, chat.Disconnected, snap.ConnectionState)
	require.False(t, snap.EmptyState)
	require.Equal(t, 2, calls)
}

func TestSnapshot_StatusAndOwnership(t *testing.T) {
	v := New("u1", "u2")
	v.SetConnectionState(chat.Reconnecting)
	snap := v.Snapshot()
	require.Equal(t, "Reconnecting...", snap.StatusLine())
	require.True(t, snap.IsOwn(chat.Message{SenderID: "u1"}))
	require.False(t, snap.IsOwn(chat.Message{SenderID: "u2"}))
	require.False(t, snap.IsOwn(chat.Message{}))

	v.SetConnectionState(chat.Joined)
	require.Equal(t, "Active now", v.Snapshot().StatusLine())
}

func TestReplace_SortsAndDeduplicates(t *testing.T) {
	v := New("u1", "u2")
	v.Replace([]chat.Message{
		{SenderID: "u2", Text: "b", CreatedAt: t0.Add(time.Second), DeliveryID: "2"},
		{SenderID: "u1", Text: "a", CreatedAt: t0, DeliveryID: "1"},
		{SenderID: "u2", Text: "b", CreatedAt: t0.Add(time.Second), DeliveryID: "2"},
	})
	msgs := v.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "a", msgs[0].Text)
	require.False(t, v.Append(chat.Message{DeliveryID: "1"}))
}
