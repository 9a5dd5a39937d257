// Package chatserver is the server half of the pair chat: it owns room
// membership for the connections of this node, persists messages before
// fanning them out, and serves the history endpoint.
package chatserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/pairchat/pkg/fanout"
	"github.com/go-go-golems/pairchat/pkg/history"
	"github.com/go-go-golems/pairchat/pkg/room"
	"github.com/go-go-golems/pairchat/pkg/store"
	"github.com/go-go-golems/pairchat/pkg/wire"
)

const (
	DefaultHistoryLimit = 500
	DefaultWriteTimeout = 10 * time.Second
	DefaultIdleTimeout  = time.Minute
	DefaultReadLimit    = 64 << 10
	shutdownTimeout     = 30 * time.Second
)

// Identify resolves the authenticated user of a request.
type Identify func(r *http.Request) (userID string, ok bool)

// IdentifyNobody rejects every request. It is the default until an identity
// provider is configured with WithIdentify.
func IdentifyNobody(*http.Request) (string, bool) { return "", false }

// IdentifyInsecureDev trusts the X-User-Id header, then the token cookie, as
// the user id. Any client can claim any user with it; use it only for
// development.
func IdentifyInsecureDev(r *http.Request) (string, bool) {
	if id := strings.TrimSpace(r.Header.Get("X-User-Id")); id != "" {
		return id, true
	}
	if c, err := r.Cookie("token"); err == nil {
		if id := strings.TrimSpace(c.Value); id != "" {
			return id, true
		}
	}
	return "", false
}

type Option func(*Server)

func WithIdentify(fn Identify) Option {
	return func(s *Server) {
		if fn != nil {
			s.identify = fn
		}
	}
}

func WithHistoryLimit(n int) Option { return func(s *Server) { s.historyLimit = n } }

func WithWriteTimeout(d time.Duration) Option { return func(s *Server) { s.writeTimeout = d } }

// WithIdleTimeout sets how long an empty room is kept before eviction.
func WithIdleTimeout(d time.Duration) Option { return func(s *Server) { s.idleTimeout = d } }

func WithReadLimit(n int64) Option { return func(s *Server) { s.readLimit = n } }

type Server struct {
	store    store.Store
	bus      *fanout.Bus
	rooms    *RoomManager
	upgrader websocket.Upgrader
	identify Identify

	historyLimit int
	writeTimeout time.Duration
	idleTimeout  time.Duration
	readLimit    int64

	log zerolog.Logger
}

// NewServer builds a server on st. With a nil bus frames are delivered to
// local members only.
func NewServer(st store.Store, bus *fanout.Bus, opts ...Option) (*Server, error) {
	if st == nil {
		return nil, errors.New("chatserver: store is required")
	}
	s := &Server{
		store:        st,
		bus:          bus,
		identify:     IdentifyNobody,
		historyLimit: DefaultHistoryLimit,
		writeTimeout: DefaultWriteTimeout,
		idleTimeout:  DefaultIdleTimeout,
		readLimit:    DefaultReadLimit,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.With().Str("component", "chatserver").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	s.rooms = NewRoomManager(s.idleTimeout)
	return s, nil
}

func (s *Server) Rooms() *RoomManager { return s.rooms }

// Handler serves /ws and /chat/{counterpartId}.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /chat/{counterpartId}", s.handleHistory)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	return mux
}

// Start begins consuming the fan-out bus into local rooms.
func (s *Server) Start(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Start(ctx, func(roomID room.ID, frame []byte) {
		s.rooms.Broadcast(roomID, frame)
	})
}

// Close drops every member connection. The store and the bus belong to the
// caller.
func (s *Server) Close() {
	s.rooms.CloseAll()
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		s.log.Info().Str("addr", addr).Msg("starting chat server")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("server listen error")
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		s.log.Info().Msg("shutting down chat server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		s.Close()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		s.log.Info().Msg("server shutdown complete")
		return nil
	})
	return eg.Wait()
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identify(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	counterpart := strings.TrimSpace(r.PathValue("counterpartId"))
	roomID, err := room.For(userID, counterpart)
	if err != nil {
		http.Error(w, "missing counterpart id", http.StatusBadRequest)
		return
	}
	recs, err := s.store.List(r.Context(), roomID, s.historyLimit)
	if err != nil {
		s.log.Error().Err(err).Str("room_id", roomID.String()).Msg("history list failed")
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	resp := history.Response{Messages: make([]history.MessageDoc, 0, len(recs))}
	for _, rec := range recs {
		resp.Messages = append(resp.Messages, history.MessageDoc{
			ID: rec.ID,
			Sender: history.Sender{
				ID:        rec.SenderID,
				FirstName: rec.SenderFirstName,
				LastName:  rec.SenderLastName,
			},
			Text:      rec.Text,
			CreatedAt: rec.CreatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn().Err(err).Msg("history encode failed")
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identify(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(s.readLimit)
	m := NewMember(conn, userID, s.writeTimeout)
	s.log.Debug().Str("member_id", m.ID).Str("user_id", userID).Msg("ws connected")
	defer func() {
		s.rooms.Leave(m)
		_ = conn.Close()
		s.log.Debug().Str("member_id", m.ID).Msg("ws disconnected")
	}()

	ctx := r.Context()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Str("member_id", m.ID).Msg("ws read ended")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.HandleFrame(ctx, m, data)
	}
}

// HandleFrame applies one client frame on behalf of m.
func (s *Server) HandleFrame(ctx context.Context, m *Member, frame []byte) {
	env, err := wire.Decode(frame)
	if err != nil {
		s.replyError(m, "malformed frame")
		return
	}
	switch env.Event {
	case wire.EventJoinChat:
		var join wire.JoinChat
		if err := env.Into(&join); err != nil {
			s.replyError(m, "malformed joinChat")
			return
		}
		s.join(m, join)
	case wire.EventSendMessage:
		var msg wire.SendMessage
		if err := env.Into(&msg); err != nil {
			s.replyError(m, "malformed sendMessage")
			return
		}
		s.send(ctx, m, msg)
	case wire.EventTyping, wire.EventStopTyping:
		var sig wire.Typing
		if err := env.Into(&sig); err != nil {
			s.replyError(m, "malformed "+env.Event)
			return
		}
		roomID, ok := s.memberRoom(m, sig.UserID, sig.TargetUserID)
		if !ok {
			return
		}
		out, err := wire.Encode(env.Event, sig)
		if err != nil {
			return
		}
		s.fanout(ctx, roomID, out)
	case wire.EventPing:
		if out, err := wire.Encode(wire.EventPong, nil); err == nil {
			_ = m.Send(out)
		}
	default:
		s.log.Debug().Str("event", env.Event).Str("member_id", m.ID).Msg("ignoring unknown event")
	}
}

func (s *Server) join(m *Member, join wire.JoinChat) {
	roomID, err := room.For(join.UserID, join.TargetUserID)
	if err != nil {
		s.replyError(m, "joinChat needs userId and targetUserId")
		return
	}
	// A member speaks only for the user its connection authenticated as.
	if current := m.UserID(); current == "" || current != strings.TrimSpace(join.UserID) {
		s.log.Warn().Str("member_id", m.ID).Str("user_id", current).Str("claimed", join.UserID).Msg("join rejected: identity mismatch")
		s.replyError(m, "identity mismatch")
		return
	}
	s.rooms.Join(m, roomID)
}

func (s *Server) send(ctx context.Context, m *Member, msg wire.SendMessage) {
	roomID, ok := s.memberRoom(m, msg.UserID, msg.TargetUserID)
	if !ok {
		s.replyError(m, "not joined to this conversation")
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		s.replyError(m, "empty message")
		return
	}
	rec, err := s.store.Append(ctx, store.Record{
		RoomID:          roomID,
		SenderID:        strings.TrimSpace(msg.UserID),
		SenderFirstName: msg.FirstName,
		SenderLastName:  msg.LastName,
		RecipientID:     strings.TrimSpace(msg.TargetUserID),
		Text:            msg.Text,
		ClientMessageID: msg.MessageID,
	})
	if err != nil {
		s.log.Error().Err(err).Str("room_id", roomID.String()).Msg("persisting message failed")
		s.replyError(m, "message could not be saved")
		return
	}
	out, err := wire.Encode(wire.EventMessageReceived, wire.MessageReceived{
		FirstName:  rec.SenderFirstName,
		LastName:   rec.SenderLastName,
		Text:       rec.Text,
		SenderID:   rec.SenderID,
		CreatedAt:  rec.CreatedAt,
		DeliveryID: rec.ID,
		RoomID:     roomID.String(),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("encoding messageReceived failed")
		return
	}
	s.fanout(ctx, roomID, out)
}

// memberRoom checks that m speaks for userID and sits in the room of the pair.
func (s *Server) memberRoom(m *Member, userID, targetUserID string) (room.ID, bool) {
	roomID, err := room.For(userID, targetUserID)
	if err != nil {
		return "", false
	}
	current, ok := s.rooms.RoomOf(m)
	if !ok || current != roomID || m.UserID() != strings.TrimSpace(userID) {
		s.log.Warn().Str("member_id", m.ID).Str("room_id", roomID.String()).Msg("frame for a room the member has not joined")
		return "", false
	}
	return roomID, true
}

func (s *Server) fanout(ctx context.Context, roomID room.ID, frame []byte) {
	if s.bus != nil && s.bus.Running() {
		err := s.bus.Publish(ctx, roomID, frame)
		if err == nil {
			return
		}
		s.log.Warn().Err(err).Str("room_id", roomID.String()).Msg("fan-out publish failed, delivering locally")
	}
	s.rooms.Broadcast(roomID, frame)
}

func (s *Server) replyError(m *Member, msg string) {
	out, err := wire.Encode(wire.EventError, wire.Error{Message: msg})
	if err != nil {
		return
	}
	if err := m.Send(out); err != nil {
		s.log.Debug().Err(err).Str("member_id", m.ID).Msg("error reply failed")
	}
}
