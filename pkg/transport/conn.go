package transport

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/go-go-golems/pairchat/pkg/chat"
)

// Conn is the subset of *websocket.Conn the handle needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens one transport connection for a conversation.
type Dialer interface {
	Dial(ctx context.Context, id chat.ConversationID) (Conn, error)
}

type DialerFunc func(ctx context.Context, id chat.ConversationID) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, id chat.ConversationID) (Conn, error) {
	return f(ctx, id)
}

// WebSocketDialer dials the chat server's /ws endpoint and attaches the
// ambient session credential.
type WebSocketDialer struct {
	URL          string
	SessionToken string
	Header       http.Header
	Dialer       *websocket.Dialer
}

var _ Dialer = &WebSocketDialer{}

func (d *WebSocketDialer) Dial(ctx context.Context, _ chat.ConversationID) (Conn, error) {
	if d == nil || strings.TrimSpace(d.URL) == "" {
		return nil, errors.New("websocket dialer: empty url")
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, errors.Wrap(err, "websocket dialer: parse url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	header := http.Header{}
	for k, vs := range d.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if d.SessionToken != "" {
		header.Add("Cookie", (&http.Cookie{Name: "token", Value: d.SessionToken}).String())
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}
