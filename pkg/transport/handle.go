package transport

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pairchat/pkg/chat"
	"github.com/go-go-golems/pairchat/pkg/room"
	"github.com/go-go-golems/pairchat/pkg/wire"
)

// TypingEvent is a typing-start or typing-stop signal of the counterpart.
type TypingEvent struct {
	UserID string
	Typing bool
}

// Handle is the live connection of one conversation view.
type Handle struct {
	m    *Manager
	id   chat.ConversationID
	room room.ID
	log  zerolog.Logger

	// ctx lives until Close and stops every pending retry.
	ctx    context.Context
	cancel context.CancelFunc

	ready   chan struct{}
	dialErr error

	// writeMu serialises writers; always taken after mu, never before.
	writeMu sync.Mutex

	mu       sync.Mutex
	state    chat.ConnectionState
	conn     Conn
	join     *wire.JoinChat
	queue    [][]byte
	closed   bool
	messages listeners[chat.Message]
	typing   listeners[TypingEvent]
	states   listeners[chat.ConnectionState]
}

func newHandle(m *Manager, id chat.ConversationID) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	roomID := id.Room()
	return &Handle{
		m:    m,
		id:   id,
		room: roomID,
		log: log.With().
			Str("component", "transport").
			Str("conversation", id.String()).
			Str("room_id", roomID.String()).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
		state:  chat.Disconnected,
	}
}

func (h *Handle) ID() chat.ConversationID { return h.id }

func (h *Handle) Room() room.ID { return h.room }

func (h *Handle) State() chat.ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Pending is the number of sends queued while reconnecting.
func (h *Handle) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

func (h *Handle) dialInitial(ctx context.Context) {
	defer close(h.ready)
	h.setState(chat.Connecting)

	if timeout := h.m.opts.InitialDialTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := h.dialWithRetry(ctx)
	if err != nil {
		h.dialErr = errors.Wrap(chat.ErrConnectFailed, err.Error())
		_ = h.Close()
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		h.dialErr = errors.Wrap(chat.ErrConnectFailed, "handle closed while dialing")
		return
	}
	h.conn = conn
	h.mu.Unlock()

	h.log.Debug().Msg("connected")
	go h.readLoop(conn)
}

// dialWithRetry retries with backoff until ctx is done or the handle closes.
func (h *Handle) dialWithRetry(ctx context.Context) (Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	var conn Conn
	op := func() error {
		c, err := h.m.dialer.Dial(ctx, h.id)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.RetryNotify(op, h.m.newBackOff(ctx, 0), h.logRetry("dial")); err != nil {
		return nil, err
	}
	return conn, nil
}

func (h *Handle) logRetry(what string) backoff.Notify {
	return func(err error, next time.Duration) {
		h.log.Warn().Err(err).Dur("retry_in", next).Msgf("%s failed, retrying", what)
	}
}

// Join sends the join directive. It is valid once per handle, after Open.
// The directive is remembered and re-sent after every reconnect.
func (h *Handle) Join(ctx context.Context, local chat.Identity, remoteUserID string) error {
	if err := local.Validate(); err != nil {
		return err
	}
	if !h.id.Has(local.UserID) || !h.id.Has(remoteUserID) || h.id.Other(local.UserID) != remoteUserID {
		return errors.Wrapf(chat.ErrRoomMismatch, "join %s/%s on handle for %s", local.UserID, remoteUserID, h.id)
	}
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	join := wire.JoinChat{FirstName: local.FirstName, UserID: local.UserID, TargetUserID: remoteUserID}
	frame, err := wire.Encode(wire.EventJoinChat, join)
	if err != nil {
		return err
	}

	h.mu.Lock()
	switch {
	case h.closed:
		h.mu.Unlock()
		return chat.ErrClosed
	case h.join != nil:
		h.mu.Unlock()
		return chat.ErrAlreadyJoined
	case h.state == chat.Reconnecting:
		// Issued by the reconnect path before the handle turns Joined.
		h.join = &join
		h.mu.Unlock()
		return nil
	case h.conn == nil:
		h.mu.Unlock()
		return chat.ErrNotConnected
	}
	h.join = &join
	conn := h.conn
	if err := h.write(conn, frame); err != nil {
		h.mu.Unlock()
		h.log.Warn().Err(err).Msg("join write failed, will rejoin after reconnect")
		h.dropConn(conn, err)
		return nil
	}
	h.state = chat.Joined
	fns := h.states.snapshot()
	h.mu.Unlock()

	h.log.Info().Str("user_id", local.UserID).Msg("joined room")
	notify(fns, chat.Joined)
	return nil
}

// Send transmits a message. While Joined it is written immediately. While
// Reconnecting it is queued, up to the configured bound, and flushed right
// after the re-join; a full queue fails with chat.ErrUnavailable. In every
// other state it fails with chat.ErrNotConnected.
func (h *Handle) Send(ctx context.Context, msg wire.SendMessage) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	frame, err := wire.Encode(wire.EventSendMessage, msg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return chat.ErrClosed
	}
	switch h.state {
	case chat.Joined:
		conn := h.conn
		h.mu.Unlock()
		if err := h.write(conn, frame); err != nil {
			h.dropConn(conn, err)
			return errors.Wrapf(chat.ErrUnavailable, "send: %v", err)
		}
		return nil
	case chat.Reconnecting:
		if h.join == nil {
			h.mu.Unlock()
			return errors.Wrap(chat.ErrNotConnected, "send before join")
		}
		if len(h.queue) >= h.m.opts.QueueSize {
			n := len(h.queue)
			h.mu.Unlock()
			return errors.Wrapf(chat.ErrUnavailable, "reconnecting, send queue full (%d)", n)
		}
		h.queue = append(h.queue, frame)
		h.mu.Unlock()
		return nil
	default:
		state := h.state
		h.mu.Unlock()
		return errors.Wrapf(chat.ErrNotConnected, "state %s", state)
	}
}

// SendTyping emits typing or stopTyping. Typing signals are never queued.
func (h *Handle) SendTyping(ctx context.Context, typing bool) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return chat.ErrClosed
	}
	if h.state != chat.Joined || h.join == nil {
		state := h.state
		h.mu.Unlock()
		return errors.Wrapf(chat.ErrNotConnected, "state %s", state)
	}
	conn := h.conn
	sig := wire.Typing{UserID: h.join.UserID, TargetUserID: h.join.TargetUserID}
	h.mu.Unlock()

	event := wire.EventStopTyping
	if typing {
		event = wire.EventTyping
	}
	frame, err := wire.Encode(event, sig)
	if err != nil {
		return err
	}
	if err := h.write(conn, frame); err != nil {
		h.dropConn(conn, err)
		return errors.Wrapf(chat.ErrUnavailable, "typing: %v", err)
	}
	return nil
}

// OnMessage registers a consumer of live messages of the joined room.
func (h *Handle) OnMessage(fn func(chat.Message)) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || fn == nil {
		return &Subscription{}
	}
	id := h.messages.add(fn)
	return &Subscription{cancel: func() {
		h.mu.Lock()
		h.messages.remove(id)
		h.mu.Unlock()
	}}
}

func (h *Handle) OnTyping(fn func(userID string, typing bool)) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || fn == nil {
		return &Subscription{}
	}
	id := h.typing.add(func(ev TypingEvent) { fn(ev.UserID, ev.Typing) })
	return &Subscription{cancel: func() {
		h.mu.Lock()
		h.typing.remove(id)
		h.mu.Unlock()
	}}
}

func (h *Handle) OnStateChange(fn func(chat.ConnectionState)) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || fn == nil {
		return &Subscription{}
	}
	id := h.states.add(fn)
	return &Subscription{cancel: func() {
		h.mu.Lock()
		h.states.remove(id)
		h.mu.Unlock()
	}}
}

// Close releases the connection and cancels any pending retry. It is
// idempotent. Sends still queued are discarded and logged.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conn := h.conn
	h.conn = nil
	pending := len(h.queue)
	h.queue = nil
	h.state = chat.Closed
	fns := h.states.snapshot()
	h.messages.clear()
	h.typing.clear()
	h.states.clear()
	h.mu.Unlock()

	h.cancel()
	h.m.forget(h)
	if pending > 0 {
		h.log.Warn().Int("pending", pending).Msg("handle closed with queued messages, discarding")
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	notify(fns, chat.Closed)
	h.log.Debug().Msg("handle closed")
	return err
}

func (h *Handle) setState(s chat.ConnectionState) {
	h.mu.Lock()
	if h.closed || h.state == s {
		h.mu.Unlock()
		return
	}
	h.state = s
	fns := h.states.snapshot()
	h.mu.Unlock()
	notify(fns, s)
}

func (h *Handle) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.dropConn(conn, err)
			return
		}
		h.dispatch(data)
	}
}

func (h *Handle) dispatch(frame []byte) {
	env, err := wire.Decode(frame)
	if err != nil {
		h.log.Warn().Err(err).Msg("ignoring undecodable frame")
		return
	}
	switch env.Event {
	case wire.EventMessageReceived:
		var mr wire.MessageReceived
		if err := env.Into(&mr); err != nil {
			h.log.Warn().Err(err).Msg("ignoring message frame")
			return
		}
		if err := h.checkRoom(mr); err != nil {
			h.log.Warn().Err(err).Str("sender_id", mr.SenderID).Msg("dropping message")
			return
		}
		m := mr.ToMessage()
		h.mu.Lock()
		fns := h.messages.snapshot()
		h.mu.Unlock()
		for _, fn := range fns {
			fn(m)
		}
	case wire.EventTyping, wire.EventStopTyping:
		var sig wire.Typing
		if err := env.Into(&sig); err != nil {
			h.log.Warn().Err(err).Msg("ignoring typing frame")
			return
		}
		h.mu.Lock()
		local := ""
		if h.join != nil {
			local = h.join.UserID
		}
		fns := h.typing.snapshot()
		h.mu.Unlock()
		if room.IDFor(sig.UserID, sig.TargetUserID) != h.room || !h.id.Has(sig.UserID) {
			h.log.Warn().Err(chat.ErrRoomMismatch).Str("user_id", sig.UserID).Msg("dropping typing signal")
			return
		}
		if sig.UserID == local {
			return
		}
		ev := TypingEvent{UserID: sig.UserID, Typing: env.Event == wire.EventTyping}
		for _, fn := range fns {
			fn(ev)
		}
	case wire.EventError:
		var e wire.Error
		_ = env.Into(&e)
		h.log.Warn().Str("server_error", e.Message).Msg("server reported an error")
	case wire.EventPong:
	default:
		h.log.Debug().Str("event", env.Event).Msg("ignoring unknown event")
	}
}

func (h *Handle) checkRoom(mr wire.MessageReceived) error {
	if mr.RoomID != h.room.String() {
		return errors.Wrapf(chat.ErrRoomMismatch, "frame for room %q", mr.RoomID)
	}
	if mr.SenderID != "" && !h.id.Has(mr.SenderID) {
		return errors.Wrapf(chat.ErrRoomMismatch, "sender %q is not a participant", mr.SenderID)
	}
	return nil
}

// dropConn moves the handle to Reconnecting if conn is still its current
// connection, and starts the reconnect loop.
func (h *Handle) dropConn(conn Conn, cause error) {
	h.mu.Lock()
	if h.closed || conn == nil || h.conn != conn {
		h.mu.Unlock()
		return
	}
	h.conn = nil
	h.state = chat.Reconnecting
	fns := h.states.snapshot()
	h.mu.Unlock()

	_ = conn.Close()
	h.log.Warn().Err(cause).Msg("connection lost, reconnecting")
	notify(fns, chat.Reconnecting)
	go h.reconnect()
}

func (h *Handle) reconnect() {
	op := func() error {
		conn, err := h.m.dialer.Dial(h.ctx, h.id)
		if err != nil {
			return err
		}
		if err := h.resume(conn); err != nil {
			_ = conn.Close()
			if errors.Is(err, chat.ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	if err := backoff.RetryNotify(op, h.m.newBackOff(h.ctx, 0), h.logRetry("reconnect")); err != nil {
		h.log.Debug().Err(err).Msg("reconnect abandoned")
	}
}

// resume re-issues the join directive on a fresh connection, flushes queued
// sends in order and only then publishes the connection.
func (h *Handle) resume(conn Conn) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return chat.ErrClosed
	}
	next := chat.Connecting
	if h.join != nil {
		frame, err := wire.Encode(wire.EventJoinChat, *h.join)
		if err != nil {
			h.mu.Unlock()
			return err
		}
		if err := h.write(conn, frame); err != nil {
			h.mu.Unlock()
			return errors.Wrap(err, "rejoin")
		}
		next = chat.Joined
	}
	for len(h.queue) > 0 {
		if err := h.write(conn, h.queue[0]); err != nil {
			h.mu.Unlock()
			return errors.Wrap(err, "flush queued send")
		}
		h.queue = h.queue[1:]
	}
	h.conn = conn
	h.state = next
	fns := h.states.snapshot()
	h.mu.Unlock()

	h.log.Info().Str("state", next.String()).Msg("reconnected")
	notify(fns, next)
	go h.readLoop(conn)
	return nil
}

// write may be called with or without h.mu held.
func (h *Handle) write(conn Conn, frame []byte) error {
	if conn == nil {
		return chat.ErrNotConnected
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if d := h.m.opts.WriteTimeout; d > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(d))
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func notify[T any](fns []func(T), v T) {
	for _, fn := range fns {
		fn(v)
	}
}
