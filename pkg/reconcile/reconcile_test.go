package reconcile

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/pairchat/pkg/chat"
	"github.com/go-go-golems/pairchat/pkg/viewmodel"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func texts(msgs []chat.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func TestReconciler_LiveDuringFetchIsKept(t *testing.T) {
	v := viewmodel.New("u1", "u2")
	r := New(v)

	gen := r.Begin()
	r.Live(chat.Message{SenderID: "u2", Text: "hey", CreatedAt: at(1)})
	require.Empty(t, v.Snapshot().Messages)
	require.Equal(t, 1, r.Buffered())

	require.True(t, r.Complete(gen, []chat.Message{{SenderID: "u1", Text: "hi", CreatedAt: at(0)}}, nil))

	snap := v.Snapshot()
	require.Equal(t, []string{"hi", "hey"}, texts(snap.Messages))
	require.Equal(t, chat.OriginHistory, snap.Messages[0].Origin)
	require.Equal(t, chat.OriginLive, snap.Messages[1].Origin)
	require.False(t, snap.EmptyState)
	require.NoError(t, snap.Notice)
}

func TestReconciler_DuplicateAtMergeBoundaryAppearsOnce(t *testing.T) {
	v := viewmodel.New("u1", "u2")
	r := New(v)

	gen := r.Begin()
	r.Live(chat.Message{SenderID: "u2", Text: "hey", CreatedAt: at(1), DeliveryID: "d1"})
	r.Complete(gen, []chat.Message{
		{SenderID: "u1", Text: "hi", CreatedAt: at(0), DeliveryID: "d0"},
		{SenderID: "u2", Text: "hey", CreatedAt: at(1), DeliveryID: "d1"},
	}, nil)

	r.Live(chat.Message{SenderID: "u2", Text: "hey", CreatedAt: at(1), DeliveryID: "d1"})
	require.Equal(t, []string{"hi", "hey"}, texts(v.Snapshot().Messages))
}

func TestReconciler_AfterMergeLiveAppendsInTimestampOrder(t *testing.T) {
	v := viewmodel.New("u1", "u2")
	r := New(v)
	gen := r.Begin()
	r.Complete(gen, []chat.Message{{SenderID: "u1", Text: "a", CreatedAt: at(0)}}, nil)

	r.Live(chat.Message{SenderID: "u2", Text: "c", CreatedAt: at(5)})
	r.Live(chat.Message{SenderID: "u2", Text: "b", CreatedAt: at(3)})
	require.Equal(t, []string{"a", "b", "c"}, texts(v.Snapshot().Messages))
}

func TestReconciler_EmptyHistory(t *testing.T) {
	v := viewmodel.New("u1", "u2")
	r := New(v)
	gen := r.Begin()
	require.True(t, r.Complete(gen, nil, nil))
	require.True(t, v.Snapshot().EmptyState)

	r.Live(chat.Message{SenderID: "u2", Text: "first", CreatedAt: at(0)})
	require.False(t, v.Snapshot().EmptyState)
}

func TestReconciler_FetchFailureDegradesButKeepsLive(t *testing.T) {
	v := viewmodel.New("u1", "u2")
	r := New(v)
	gen := r.Begin()
	r.Live(chat.Message{SenderID: "u2", Text: "still here", CreatedAt: at(0)})
	require.True(t, r.Complete(gen, nil, errors.New("connection refused")))

	snap := v.Snapshot()
	require.ErrorIs(t, snap.Notice, chat.ErrHistoryFetchFailed)
	require.Equal(t, []string{"still here"}, texts(snap.Messages))

	r.Live(chat.Message{SenderID: "u2", Text: "more", CreatedAt: at(1)})
	require.Equal(t, []string{"still here", "more"}, texts(v.Snapshot().Messages))

	// A later successful fetch clears the notice.
	gen = r.Begin()
	r.Complete(gen, []chat.Message{{SenderID: "u1", Text: "old", CreatedAt: at(-10)}}, nil)
	snap = v.Snapshot()
	require.NoError(t, snap.Notice)
	require.Equal(t, []string{"old", "still here", "more"}, texts(snap.Messages))
}

func TestReconciler_StaleResultsAreDiscarded(t *testing.T) {
	v := viewmodel.New("u1", "u2")
	r := New(v)

	first := r.Begin()
	second := r.Begin()
	require.False(t, r.Complete(first, []chat.Message{{Text: "stale"}}, nil))
	require.True(t, r.Pending())
	require.True(t, r.Complete(second, []chat.Message{{SenderID: "u1", Text: "fresh", CreatedAt: at(0)}}, nil))
	require.False(t, r.Complete(second, []chat.Message{{Text: "again"}}, nil))
	require.Equal(t, []string{"fresh"}, texts(v.Snapshot().Messages))

	gen := r.Begin()
	r.Cancel()
	require.False(t, r.Complete(gen, []chat.Message{{Text: "late"}}, nil))
	require.Equal(t, []string{"fresh"}, texts(v.Snapshot().Messages))
}

func TestMerge_FingerprintFallbackAndStableTies(t *testing.T) {
	history := []chat.Message{
		{SenderID: "u1", Text: "x", CreatedAt: at(2), DeliveryID: "m1"},
		{SenderID: "u1", Text: "same-time-1", CreatedAt: at(1)},
	}
	live := []chat.Message{
		{SenderID: "u1", Text: "x", CreatedAt: at(2)},
		{SenderID: "u2", Text: "same-time-2", CreatedAt: at(1)},
		{SenderID: "u1", Text: "x", CreatedAt: at(2), DeliveryID: "m2"},
	}
	got := Merge(history, live)
	require.Equal(t, []string{"same-time-1", "same-time-2", "x", "x"}, texts(got))
	require.Equal(t, "m1", got[2].DeliveryID)
	require.Equal(t, "m2", got[3].DeliveryID)
}

func TestReconciler_FailedRefetchKeepsShownHistory(t *testing.T) {
	v := viewmodel.New("u1", "u2")
	r := New(v)
	gen := r.Begin()
	require.True(t, r.Complete(gen, []chat.Message{{SenderID: "u2", Text: "old", CreatedAt: at(0), DeliveryID: "a"}}, nil))

	gen = r.Begin()
	r.Live(chat.Message{SenderID: "u2", Text: "during", CreatedAt: at(2), DeliveryID: "b"})
	require.True(t, r.Complete(gen, nil, errors.New("503")))

	snap := v.Snapshot()
	require.Equal(t, []string{"old", "during"}, texts(snap.Messages))
	require.Equal(t, chat.OriginHistory, snap.Messages[0].Origin)
	require.False(t, snap.EmptyState)
	require.True(t, errors.Is(snap.Notice, chat.ErrHistoryFetchFailed))
}
