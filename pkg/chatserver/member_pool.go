package chatserver

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pairchat/pkg/room"
)

type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Member is one client connection, authenticated as userID.
type Member struct {
	ID           string
	userID       string
	conn         wsConn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func NewMember(conn wsConn, userID string, writeTimeout time.Duration) *Member {
	return &Member{ID: uuid.NewString(), userID: userID, conn: conn, writeTimeout: writeTimeout}
}

func (m *Member) UserID() string { return m.userID }

// Send writes one text frame. Writes on a member are serialised.
func (m *Member) Send(frame []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.writeTimeout > 0 {
		_ = m.conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	}
	return m.conn.WriteMessage(websocket.TextMessage, frame)
}

func (m *Member) Close() error { return m.conn.Close() }

// MemberPool is the broadcast group of one room on this node.
type MemberPool struct {
	roomID      room.ID
	mu          sync.Mutex
	members     map[*Member]struct{}
	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func()
}

func NewMemberPool(roomID room.ID, idleTimeout time.Duration, onIdle func()) *MemberPool {
	return &MemberPool{
		roomID:      roomID,
		members:     map[*Member]struct{}{},
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
}

func (p *MemberPool) Add(m *Member) {
	if p == nil || m == nil {
		return
	}
	p.mu.Lock()
	p.members[m] = struct{}{}
	p.stopIdleTimerLocked()
	p.mu.Unlock()
}

// Remove drops m from the room without closing its connection.
func (p *MemberPool) Remove(m *Member) {
	if p == nil || m == nil {
		return
	}
	p.mu.Lock()
	delete(p.members, m)
	p.scheduleIdleTimerLocked()
	p.mu.Unlock()
}

// Broadcast writes frame to every member. Members whose write fails are
// dropped and closed; their read loop then ends.
func (p *MemberPool) Broadcast(frame []byte) int {
	if p == nil || len(frame) == 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sent := 0
	for m := range p.members {
		if err := m.Send(frame); err != nil {
			log.Warn().Err(err).Str("component", "chatserver").Str("room_id", p.roomID.String()).Str("member_id", m.ID).Msg("ws broadcast failed, dropping member")
			delete(p.members, m)
			_ = m.Close()
			continue
		}
		sent++
	}
	p.scheduleIdleTimerLocked()
	return sent
}

func (p *MemberPool) Count() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

func (p *MemberPool) IsEmpty() bool { return p.Count() == 0 }

func (p *MemberPool) CloseAll() {
	if p == nil {
		return
	}
	p.mu.Lock()
	for m := range p.members {
		_ = m.Close()
		delete(p.members, m)
	}
	p.stopIdleTimerLocked()
	p.mu.Unlock()
}

func (p *MemberPool) stopIdleTimerLocked() {
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

func (p *MemberPool) scheduleIdleTimerLocked() {
	if len(p.members) != 0 || p.idleTimeout <= 0 || p.onIdle == nil {
		p.stopIdleTimerLocked()
		return
	}
	if p.idleTimer != nil {
		return
	}
	p.idleTimer = time.AfterFunc(p.idleTimeout, p.triggerIdle)
}

func (p *MemberPool) triggerIdle() {
	var callback func()
	p.mu.Lock()
	if len(p.members) == 0 {
		callback = p.onIdle
	}
	p.idleTimer = nil
	p.mu.Unlock()
	if callback != nil {
		callback()
	}
}
