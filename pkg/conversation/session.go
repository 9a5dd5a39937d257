// Package conversation binds one mounted conversation view: it enters a
// conversation by fetching history while opening and joining the transport,
// reconciles both into a view model, and tears everything down on leave.
//
// Every event of a mounted conversation (fetch completion, live message,
// typing signal, state change, typing expiry) runs on that conversation's
// single event loop, never concurrently with another.
package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pairchat/pkg/chat"
	"github.com/go-go-golems/pairchat/pkg/history"
	"github.com/go-go-golems/pairchat/pkg/reconcile"
	"github.com/go-go-golems/pairchat/pkg/room"
	"github.com/go-go-golems/pairchat/pkg/transport"
	"github.com/go-go-golems/pairchat/pkg/viewmodel"
	"github.com/go-go-golems/pairchat/pkg/wire"
)

// Context is the explicit session context passed at construction.
type Context struct {
	Identity      chat.Identity
	Transport     *transport.Manager
	History       history.Fetcher
	TypingTimeout time.Duration

	// HistoryTimeout bounds each history fetch so that buffered live
	// messages are released even when the history service stalls.
	// Zero means DefaultHistoryTimeout.
	HistoryTimeout time.Duration
}

const DefaultHistoryTimeout = 15 * time.Second

func (c Context) historyTimeout() time.Duration {
	if c.HistoryTimeout > 0 {
		return c.HistoryTimeout
	}
	return DefaultHistoryTimeout
}

func (c Context) Validate() error {
	if err := c.Identity.Validate(); err != nil {
		return err
	}
	if c.Transport == nil {
		return errors.New("conversation: transport manager is nil")
	}
	if c.History == nil {
		return errors.New("conversation: history fetcher is nil")
	}
	return nil
}

var ErrLeft = errors.New("conversation left while entering")

// Session holds at most one mounted conversation at a time.
type Session struct {
	c Context

	mu  sync.Mutex
	cur *mount
}

func NewSession(c Context) (*Session, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &Session{c: c}, nil
}

// Enter mounts the conversation with counterpartID. Entering the conversation
// that is already mounted returns its view; entering another one leaves the
// current conversation first.
//
// Enter returns once the transport is joined. The history fetch completes
// asynchronously into the returned view.
func (s *Session) Enter(ctx context.Context, counterpartID string) (*viewmodel.View, error) {
	counterpartID = strings.TrimSpace(counterpartID)
	if err := room.Validate(counterpartID); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.cur != nil && s.cur.counterpart == counterpartID {
		v := s.cur.view
		s.mu.Unlock()
		return v, nil
	}
	prev := s.cur
	m := s.newMount(counterpartID)
	s.cur = m
	s.mu.Unlock()

	if prev != nil {
		prev.close(true)
	}

	gen := m.rec.Begin()
	go m.fetch(gen)

	if err := m.connect(ctx); err != nil {
		s.detach(m)
		return nil, err
	}
	return m.view, nil
}

// Switch leaves the current conversation and enters the one with
// counterpartID.
func (s *Session) Switch(ctx context.Context, counterpartID string) (*viewmodel.View, error) {
	return s.Enter(ctx, counterpartID)
}

// Leave tears down the mounted conversation: the pending fetch is cancelled
// and its late result discarded, subscriptions are dropped, the handle is
// closed and the view destroyed. Leave is idempotent.
//
// Leave must not be called from a view observer; observers run on the event
// loop that Leave waits for.
func (s *Session) Leave() {
	s.mu.Lock()
	m := s.cur
	s.cur = nil
	s.mu.Unlock()
	if m != nil {
		m.close(true)
	}
}

// View returns the mounted view, or nil.
func (s *Session) View() *viewmodel.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.view
}

// Send transmits text to the counterpart of the mounted conversation.
func (s *Session) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return chat.ErrEmptyMessage
	}
	m, h, err := s.joinedHandle()
	if err != nil {
		return err
	}
	return h.Send(ctx, wire.NewSendMessage(s.c.Identity, m.counterpart, text, uuid.NewString()))
}

// NotifyTyping emits a typing-start or typing-stop signal.
func (s *Session) NotifyTyping(ctx context.Context, typing bool) error {
	_, h, err := s.joinedHandle()
	if err != nil {
		return err
	}
	return h.SendTyping(ctx, typing)
}

func (s *Session) joinedHandle() (*mount, *transport.Handle, error) {
	s.mu.Lock()
	m := s.cur
	s.mu.Unlock()
	if m == nil {
		return nil, nil, errors.Wrap(chat.ErrNotConnected, "no conversation entered")
	}
	h := m.currentHandle()
	if h == nil {
		return nil, nil, errors.Wrap(chat.ErrNotConnected, "conversation is still connecting")
	}
	return m, h, nil
}

func (s *Session) detach(m *mount) {
	s.mu.Lock()
	if s.cur == m {
		s.cur = nil
	}
	s.mu.Unlock()
}

type mount struct {
	sess        *Session
	counterpart string
	id          chat.ConversationID
	view        *viewmodel.View
	rec         *reconcile.Reconciler
	log         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	closed bool
	handle *transport.Handle
	subs   []*transport.Subscription

	// lastState is only touched on the event loop.
	lastState chat.ConnectionState
}

func (s *Session) newMount(counterpartID string) *mount {
	ctx, cancel := context.WithCancel(context.Background())
	m := &mount{
		sess:        s,
		counterpart: counterpartID,
		id:          chat.NewConversationID(s.c.Identity.UserID, counterpartID),
		log: log.With().
			Str("component", "conversation").
			Str("counterpart_id", counterpartID).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan func(), 64),
		done:   make(chan struct{}),
	}
	m.view = viewmodel.New(s.c.Identity.UserID, counterpartID,
		viewmodel.WithTypingTimeout(s.c.TypingTimeout),
		viewmodel.WithScheduler(m.post),
	)
	m.rec = reconcile.New(m.view)
	go m.run()
	return m
}

func (m *mount) run() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return
		case fn := <-m.events:
			if m.ctx.Err() != nil {
				return
			}
			fn()
		}
	}
}

// post queues fn on the event loop. After leave it is dropped.
func (m *mount) post(fn func()) {
	select {
	case <-m.ctx.Done():
	case m.events <- fn:
	}
}

func (m *mount) fetch(gen reconcile.Generation) {
	ctx, cancel := context.WithTimeout(m.ctx, m.sess.c.historyTimeout())
	defer cancel()
	msgs, err := m.sess.c.History.Fetch(ctx, m.counterpart)
	if err != nil && m.ctx.Err() == nil {
		m.log.Warn().Err(err).Msg("history fetch failed, continuing live-only")
	}
	m.post(func() { m.rec.Complete(gen, msgs, err) })
}

func (m *mount) connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	m.post(func() { m.view.SetConnectionState(chat.Connecting) })
	h, err := m.sess.c.Transport.Open(ctx, m.id)
	if err != nil {
		m.close(false)
		if m.ctx.Err() != nil {
			return ErrLeft
		}
		return err
	}

	subs := []*transport.Subscription{
		h.OnStateChange(func(st chat.ConnectionState) {
			m.post(func() { m.onState(st) })
		}),
		h.OnMessage(func(msg chat.Message) {
			m.post(func() { m.rec.Live(msg) })
		}),
		h.OnTyping(func(userID string, typing bool) {
			m.post(func() { m.view.SetTyping(userID, typing) })
		}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		_ = h.Close()
		return ErrLeft
	}
	m.handle = h
	m.subs = subs
	m.mu.Unlock()

	if err := h.Join(ctx, m.sess.c.Identity, m.counterpart); err != nil {
		// An already joined handle belongs to another view of this pair.
		m.close(!errors.Is(err, chat.ErrAlreadyJoined))
		return err
	}
	st := h.State()
	m.post(func() { m.onState(st) })
	m.log.Debug().Str("room_id", h.Room().String()).Msg("entered conversation")
	return nil
}

func (m *mount) onState(st chat.ConnectionState) {
	prev := m.lastState
	m.lastState = st
	m.view.SetConnectionState(st)
	if prev == chat.Reconnecting && st == chat.Joined {
		// Room membership and ordering do not survive the gap; close it
		// with a full history reconciliation.
		gen := m.rec.Begin()
		go m.fetch(gen)
	}
}

func (m *mount) currentHandle() *transport.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	return m.handle
}

func (m *mount) close(closeHandle bool) {
	m.once.Do(func() {
		m.cancel()
		<-m.done

		m.mu.Lock()
		m.closed = true
		h := m.handle
		subs := m.subs
		m.handle = nil
		m.subs = nil
		m.mu.Unlock()

		for _, sub := range subs {
			sub.Unsubscribe()
		}
		if h != nil && closeHandle {
			if err := h.Close(); err != nil {
				m.log.Warn().Err(err).Msg("close handle failed")
			}
		}
		m.rec.Cancel()
		m.view.Destroy()
		m.log.Debug().Msg("left conversation")
	})
}
