// Package transport owns the live connection of a mounted conversation view.
//
// A Manager hands out at most one Handle per conversation. A Handle walks the
// state machine
//
//	Disconnected -> Connecting -> Joined -> {Reconnecting -> Joined | Closed}
//
// and re-issues its join directive after every reconnect, before any queued
// send is flushed.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pairchat/pkg/chat"
)

const (
	DefaultQueueSize          = 32
	DefaultReconnectMin       = 250 * time.Millisecond
	DefaultReconnectMax       = 10 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultInitialDialTimeout = 30 * time.Second
)

type Options struct {
	// QueueSize bounds the sends accepted while Reconnecting. Beyond it
	// Send fails fast with chat.ErrUnavailable.
	QueueSize    int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	WriteTimeout time.Duration
	// InitialDialTimeout bounds the retries of the first dial inside Open.
	// Zero retries until the caller's context is done.
	InitialDialTimeout time.Duration
}

type Option func(*Options)

func WithQueueSize(n int) Option { return func(o *Options) { o.QueueSize = n } }

func WithReconnectInterval(minInterval, maxInterval time.Duration) Option {
	return func(o *Options) {
		o.ReconnectMin = minInterval
		o.ReconnectMax = maxInterval
	}
}

func WithWriteTimeout(d time.Duration) Option { return func(o *Options) { o.WriteTimeout = d } }

func WithInitialDialTimeout(d time.Duration) Option {
	return func(o *Options) { o.InitialDialTimeout = d }
}

func defaultOptions() Options {
	return Options{
		QueueSize:          DefaultQueueSize,
		ReconnectMin:       DefaultReconnectMin,
		ReconnectMax:       DefaultReconnectMax,
		WriteTimeout:       DefaultWriteTimeout,
		InitialDialTimeout: DefaultInitialDialTimeout,
	}
}

// Manager enforces the single-handle-per-conversation rule.
type Manager struct {
	dialer Dialer
	opts   Options

	mu      sync.Mutex
	handles map[chat.ConversationID]*Handle
}

func NewManager(dialer Dialer, opts ...Option) (*Manager, error) {
	if dialer == nil {
		return nil, errors.New("transport manager: dialer is nil")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.QueueSize < 0 {
		o.QueueSize = 0
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = DefaultReconnectMin
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = o.ReconnectMin
	}
	return &Manager{
		dialer:  dialer,
		opts:    o,
		handles: map[chat.ConversationID]*Handle{},
	}, nil
}

// Open returns the handle of the conversation, dialing it if none is open.
// While a handle is open, further calls return that same handle once its
// first dial has finished; they never create a second connection.
func (m *Manager) Open(ctx context.Context, id chat.ConversationID) (*Handle, error) {
	if m == nil {
		return nil, errors.New("transport manager is nil")
	}
	if id.IsZero() {
		return nil, errors.New("transport manager: empty conversation id")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	h, ok := m.handles[id]
	if !ok {
		h = newHandle(m, id)
		m.handles[id] = h
	}
	m.mu.Unlock()

	if !ok {
		h.dialInitial(ctx)
	}

	select {
	case <-h.ready:
	case <-ctx.Done():
		return nil, errors.Wrap(chat.ErrConnectFailed, ctx.Err().Error())
	}
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	return h, nil
}

// Lookup returns the open handle of a conversation, if any.
func (m *Manager) Lookup(id chat.ConversationID) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	return h, ok
}

// Count is the number of open handles.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// CloseAll closes every open handle.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	hs := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		if err := h.Close(); err != nil {
			log.Warn().Err(err).Str("component", "transport").Str("conversation", h.id.String()).Msg("close handle failed")
		}
	}
}

func (m *Manager) forget(h *Handle) {
	m.mu.Lock()
	if cur, ok := m.handles[h.id]; ok && cur == h {
		delete(m.handles, h.id)
	}
	m.mu.Unlock()
}

func (m *Manager) newBackOff(ctx context.Context, maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.ReconnectMin
	b.MaxInterval = m.opts.ReconnectMax
	b.MaxElapsedTime = maxElapsed
	b.Reset()
	return backoff.WithContext(b, ctx)
}
