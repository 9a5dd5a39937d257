package chatserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/pairchat/pkg/fanout"
	"github.com/go-go-golems/pairchat/pkg/history"
	"github.com/go-go-golems/pairchat/pkg/room"
	"github.com/go-go-golems/pairchat/pkg/store"
	"github.com/go-go-golems/pairchat/pkg/wire"
)

type failingStore struct{ store.Store }

func (failingStore) Append(context.Context, store.Record) (store.Record, error) {
	return store.Record{}, store.ErrInvalidRecord
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	b, err := wire.Encode(event, data)
	require.NoError(t, err)
	return b
}

func decodeAll(t *testing.T, frames [][]byte) []wire.Envelope {
	t.Helper()
	out := make([]wire.Envelope, 0, len(frames))
	for _, f := range frames {
		env, err := wire.Decode(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func newTestServer(t *testing.T, st store.Store, opts ...Option) *Server {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore(0)
	}
	s, err := NewServer(st, nil, append([]Option{WithIdentify(IdentifyInsecureDev)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSendMessagePersistsThenFansOutToRoom(t *testing.T) {
	st := store.NewMemoryStore(0)
	s := newTestServer(t, st)
	ctx := context.Background()

	alice, aliceConn := newStubMember("alice")
	bob, bobConn := newStubMember("bob")
	carol, carolConn := newStubMember("carol")
	s.HandleFrame(ctx, alice, frame(t, wire.EventJoinChat, wire.JoinChat{UserID: "alice", TargetUserID: "bob"}))
	s.HandleFrame(ctx, bob, frame(t, wire.EventJoinChat, wire.JoinChat{UserID: "bob", TargetUserID: "alice"}))
	s.HandleFrame(ctx, carol, frame(t, wire.EventJoinChat, wire.JoinChat{UserID: "carol", TargetUserID: "dave"}))

	s.HandleFrame(ctx, alice, frame(t, wire.EventSendMessage, wire.SendMessage{
		FirstName: "Alice", UserID: "alice", TargetUserID: "bob", Text: "hi", MessageID: "m-1",
	}))

	recs, err := st.List(ctx, room.IDFor("alice", "bob"), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	for _, c := range []*stubConn{aliceConn, bobConn} {
		envs := decodeAll(t, c.Frames())
		require.Len(t, envs, 1)
		require.Equal(t, wire.EventMessageReceived, envs[0].Event)
		var mr wire.MessageReceived
		require.NoError(t, envs[0].Into(&mr))
		require.Equal(t, "hi", mr.Text)
		require.Equal(t, "Alice", mr.FirstName)
		require.Equal(t, recs[0].ID, mr.DeliveryID)
		require.Equal(t, room.IDFor("alice", "bob").String(), mr.RoomID)
	}
	require.Empty(t, carolConn.Frames())
}

func TestSendMessageRequiresJoinedRoom(t *testing.T) {
	st := store.NewMemoryStore(0)
	s := newTestServer(t, st)
	ctx := context.Background()

	m, conn := newStubMember("alice")
	s.HandleFrame(ctx, m, frame(t, wire.EventJoinChat, wire.JoinChat{UserID: "alice", TargetUserID: "bob"}))
	s.HandleFrame(ctx, m, frame(t, wire.EventSendMessage, wire.SendMessage{UserID: "alice", TargetUserID: "carol", Text: "hi"}))

	envs := decodeAll(t, conn.Frames())
	require.Len(t, envs, 1)
	require.Equal(t, wire.EventError, envs[0].Event)
	recs, err := st.List(ctx, room.IDFor("alice", "carol"), 0)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestSendMessageStoreFailureRepliesErrorWithoutFanOut(t *testing.T) {
	s := newTestServer(t, failingStore{store.NewMemoryStore(0)})
	ctx := context.Background()

	alice, aliceConn := newStubMember("alice")
	bob, bobConn := newStubMember("bob")
	s.HandleFrame(ctx, alice, frame(t, wire.EventJoinChat, wire.JoinChat{UserID: "alice", TargetUserID: "bob"}))
	s.HandleFrame(ctx, bob, frame(t, wire.EventJoinChat, wire.JoinChat{UserID: "bob", TargetUserID: "alice"}))
	s.HandleFrame(ctx, alice, frame(t, wire.EventSendMessage, wire.SendMessage{UserID: "alice", TargetUserID: "bob", Text: "hi"}))

	envs := decodeAll(t, aliceConn.Frames())
	require.Len(t, envs, 1)
	require.Equal(t, wire.EventError, envs[0].Event)
	require.Empty(t, bobConn.Frames())
}

func TestJoinRejectsOtherIdentity(t *testing.T) {
	s := newTestServer(t, nil)
	m, conn := newStubMember("alice")
	s.HandleFrame(context.Background(), m, frame(t, wire.EventJoinChat, wire.JoinChat{UserID: "mallory", TargetUserID: "bob"}))

	_, ok := s.Rooms().RoomOf(m)
	require.False(t, ok)
	envs := decodeAll(t, conn.Frames())
	require.Len(t, envs, 1)
	require.Equal(t, wire.EventError, envs[0].Event)
}

func TestDefaultServerRejectsUnidentifiedClients(t *testing.T) {
	s, err := NewServer(store.NewMemoryStore(0), nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	req := httptest.NewRequest(http.MethodGet, "/chat/bob", nil)
	req.Header.Set("X-User-Id", "alice")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	header := http.Header{}
	header.Set("X-User-Id", "alice")
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestJoinRequiresAuthenticatedMember(t *testing.T) {
	s := newTestServer(t, nil)
	m, conn := newStubMember("")
	s.HandleFrame(context.Background(), m, frame(t, wire.EventJoinChat, wire.JoinChat{UserID: "alice", TargetUserID: "bob"}))

	_, ok := s.Rooms().RoomOf(m)
	require.False(t, ok)
	envs := decodeAll(t, conn.Frames())
	require.Len(t, envs, 1)
	require.Equal(t, wire.EventError, envs[0].Event)
}

func TestTypingFanOutAndPing(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	alice, _ := newStubMember("alice")
	bob, bobConn := newStubMember("bob")
	s.HandleFrame(ctx, alice, frame(t, wire.EventJoinChat, wire.JoinChat{UserID: "alice", TargetUserID: "bob"}))
	s.HandleFrame(ctx, bob, frame(t, wire.EventJoinChat, wire.JoinChat{UserID: "bob", TargetUserID: "alice"}))

	s.HandleFrame(ctx, alice, frame(t, wire.EventTyping, wire.Typing{UserID: "alice", TargetUserID: "bob"}))
	s.HandleFrame(ctx, bob, frame(t, wire.EventPing, nil))

	envs := decodeAll(t, bobConn.Frames())
	require.Len(t, envs, 2)
	require.Equal(t, wire.EventTyping, envs[0].Event)
	require.Equal(t, wire.EventPong, envs[1].Event)
}

func TestMalformedFrameRepliesError(t *testing.T) {
	s := newTestServer(t, nil)
	m, conn := newStubMember("alice")
	s.HandleFrame(context.Background(), m, []byte("{nope"))
	envs := decodeAll(t, conn.Frames())
	require.Len(t, envs, 1)
	require.Equal(t, wire.EventError, envs[0].Event)
}

func TestHistoryHandler(t *testing.T) {
	st := store.NewMemoryStore(0)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range []string{"one", "two"} {
		_, err := st.Append(ctx, store.Record{
			RoomID:          room.IDFor("alice", "bob"),
			SenderID:        "bob",
			SenderFirstName: "Bob",
			Text:            text,
			CreatedAt:       base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	s := newTestServer(t, st)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/chat/bob", nil)
	req.Header.Set("X-User-Id", "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp history.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	require.Equal(t, "one", resp.Messages[0].Text)
	require.Equal(t, "bob", resp.Messages[0].Sender.ID)
	require.Equal(t, "Bob", resp.Messages[0].Sender.FirstName)
	require.NotEmpty(t, resp.Messages[0].ID)

	req = httptest.NewRequest(http.MethodGet, "/chat/bob", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/chat/carol", nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: "alice"})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Empty(t, resp.Messages)
}

func dialWS(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("X-User-Id", userID)
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wire.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := wire.Decode(data)
	require.NoError(t, err)
	return env
}

func TestWebSocketRoundTripThroughBus(t *testing.T) {
	bus := fanout.NewInMemory()
	t.Cleanup(func() { _ = bus.Close() })
	s, err := NewServer(store.NewMemoryStore(0), bus, WithIdentify(IdentifyInsecureDev))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, s.Start(ctx))

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(s.Close)

	alice := dialWS(t, srv, "alice")
	bob := dialWS(t, srv, "bob")
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, frame(t, wire.EventJoinChat, wire.JoinChat{UserID: "alice", TargetUserID: "bob"})))
	require.NoError(t, bob.WriteMessage(websocket.TextMessage, frame(t, wire.EventJoinChat, wire.JoinChat{UserID: "bob", TargetUserID: "alice"})))
	ab := room.IDFor("alice", "bob")
	require.Eventually(t, func() bool { return s.Rooms().Count(ab) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, frame(t, wire.EventSendMessage, wire.SendMessage{
		FirstName: "Alice", UserID: "alice", TargetUserID: "bob", Text: "over the wire",
	})))

	for _, c := range []*websocket.Conn{bob, alice} {
		env := readEnvelope(t, c)
		require.Equal(t, wire.EventMessageReceived, env.Event)
		var mr wire.MessageReceived
		require.NoError(t, env.Into(&mr))
		require.Equal(t, "over the wire", mr.Text)
		require.Equal(t, ab.String(), mr.RoomID)
	}

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool { return s.Rooms().Count(ab) == 1 }, 2*time.Second, 10*time.Millisecond)
}
