// Package viewmodel holds the externally observable state of one mounted
// conversation: ordered messages, connection status and typing flags.
package viewmodel

import (
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/pairchat/pkg/chat"
)

const DefaultTypingTimeout = 5 * time.Second

// Snapshot is a render-ready copy of the view state.
type Snapshot struct {
	LocalUserID     string
	CounterpartID   string
	Messages        []chat.Message
	ConnectionState chat.ConnectionState
	TypingByUser    map[string]bool
	// EmptyState is set when the merged history of the viewed pair has no
	// messages.
	EmptyState bool
	// Notice carries a non-blocking problem, e.g. chat.ErrHistoryFetchFailed.
	Notice error
}

func (s Snapshot) IsOwn(m chat.Message) bool {
	return m.SenderID != "" && m.SenderID == s.LocalUserID
}

// StatusLine is the header text under the counterpart's name.
func (s Snapshot) StatusLine() string {
	if s.TypingByUser[s.CounterpartID] {
		return "Typing..."
	}
	return s.ConnectionState.Label()
}

// Scheduler runs a function on the owner's thread of control.
type Scheduler func(func())

type Option func(*View)

func WithTypingTimeout(d time.Duration) Option {
	return func(v *View) {
		if d > 0 {
			v.typingTimeout = d
		}
	}
}

// WithScheduler makes typing expiry run through s instead of the timer
// goroutine.
func WithScheduler(s Scheduler) Option {
	return func(v *View) { v.schedule = s }
}

type typingFlag struct {
	timer *time.Timer
	seq   uint64
}

// View is safe for concurrent use; every mutation is a no-op after Destroy.
type View struct {
	local         string
	counterpart   string
	typingTimeout time.Duration
	schedule      Scheduler

	mu        sync.Mutex
	destroyed bool
	messages  []chat.Message
	seen      *chat.Seen
	state     chat.ConnectionState
	typing    map[string]*typingFlag
	typingSeq uint64
	empty     bool
	notice    error
	observers map[uint64]func(Snapshot)
	nextObs   uint64
}

func New(localUserID, counterpartID string, opts ...Option) *View {
	v := &View{
		local:         localUserID,
		counterpart:   counterpartID,
		typingTimeout: DefaultTypingTimeout,
		seen:          chat.NewSeen(),
		state:         chat.Disconnected,
		typing:        map[string]*typingFlag{},
		observers:     map[uint64]func(Snapshot){},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *View) CounterpartID() string { return v.counterpart }

// Append inserts m after every message with CreatedAt <= m.CreatedAt, so
// equal timestamps keep insertion order. It reports false for duplicates.
func (v *View) Append(m chat.Message) bool {
	v.mu.Lock()
	if v.destroyed || !v.seen.Remember(m) {
		v.mu.Unlock()
		return false
	}
	i := sort.Search(len(v.messages), func(i int) bool {
		return v.messages[i].CreatedAt.After(m.CreatedAt)
	})
	v.messages = append(v.messages, chat.Message{})
	copy(v.messages[i+1:], v.messages[i:])
	v.messages[i] = m
	v.empty = false
	v.notifyLocked()
	return true
}

// Replace swaps the whole sequence, e.g. after a history merge.
func (v *View) Replace(msgs []chat.Message) {
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		return
	}
	seen := chat.NewSeen()
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if seen.Remember(m) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	v.messages = out
	v.seen = seen
	v.notifyLocked()
}

func (v *View) SetEmpty(empty bool) {
	v.mu.Lock()
	if v.destroyed || v.empty == empty {
		v.mu.Unlock()
		return
	}
	v.empty = empty
	v.notifyLocked()
}

func (v *View) SetNotice(err error) {
	v.mu.Lock()
	if v.destroyed || (v.notice == nil && err == nil) {
		v.mu.Unlock()
		return
	}
	v.notice = err
	v.notifyLocked()
}

// SetConnectionState records the state observed on the transport handle.
func (v *View) SetConnectionState(s chat.ConnectionState) {
	v.mu.Lock()
	if v.destroyed || v.state == s {
		v.mu.Unlock()
		return
	}
	v.state = s
	v.notifyLocked()
}

// SetTyping raises or clears the typing flag of userID. A raised flag clears
// itself after the typing timeout unless renewed.
func (v *View) SetTyping(userID string, typing bool) {
	v.mu.Lock()
	if v.destroyed || userID == "" {
		v.mu.Unlock()
		return
	}
	prev, had := v.typing[userID]
	if had {
		prev.timer.Stop()
	}
	if !typing {
		delete(v.typing, userID)
		if !had {
			v.mu.Unlock()
			return
		}
		v.notifyLocked()
		return
	}
	v.typingSeq++
	seq := v.typingSeq
	flag := &typingFlag{seq: seq}
	flag.timer = time.AfterFunc(v.typingTimeout, func() { v.expire(userID, seq) })
	v.typing[userID] = flag
	if had {
		v.mu.Unlock()
		return
	}
	v.notifyLocked()
}

func (v *View) expire(userID string, seq uint64) {
	drop := func() {
		v.mu.Lock()
		flag, ok := v.typing[userID]
		if v.destroyed || !ok || flag.seq != seq {
			v.mu.Unlock()
			return
		}
		delete(v.typing, userID)
		v.notifyLocked()
	}
	if v.schedule != nil {
		v.schedule(drop)
		return
	}
	drop()
}

// Messages returns a copy of the ordered sequence.
func (v *View) Messages() []chat.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]chat.Message(nil), v.messages...)
}

func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

// Subscribe registers fn for every change. Observers run synchronously
// after the mutation, outside the view's lock.
func (v *View) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed || fn == nil {
		return func() {}
	}
	v.nextObs++
	id := v.nextObs
	v.observers[id] = fn
	return func() {
		v.mu.Lock()
		delete(v.observers, id)
		v.mu.Unlock()
	}
}

// Destroy stops typing timers and drops observers. Later mutations are
// ignored.
func (v *View) Destroy() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return
	}
	v.destroyed = true
	for _, f := range v.typing {
		f.timer.Stop()
	}
	v.typing = map[string]*typingFlag{}
	v.observers = map[uint64]func(Snapshot){}
}

func (v *View) Destroyed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.destroyed
}

func (v *View) snapshotLocked() Snapshot {
	typing := make(map[string]bool, len(v.typing))
	for id := range v.typing {
		typing[id] = true
	}
	return Snapshot{
		LocalUserID:     v.local,
		CounterpartID:   v.counterpart,
		Messages:        append([]chat.Message(nil), v.messages...),
		ConnectionState: v.state,
		TypingByUser:    typing,
		EmptyState:      v.empty,
		Notice:          v.notice,
	}
}

// notifyLocked releases v.mu before calling observers.
func (v *View) notifyLocked() {
	snap := v.snapshotLocked()
	obs := make([]func(Snapshot), 0, len(v.observers))
	for _, id := range slices.Sorted(maps.Keys(v.observers)) {
		obs = append(obs, v.observers[id])
	}
	v.mu.Unlock()
	for _, fn := range obs {
		fn(snap)
	}
}
