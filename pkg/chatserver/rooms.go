package chatserver

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pairchat/pkg/room"
)

// RoomManager tracks room membership on this node. Membership changes only
// through Join and Leave.
type RoomManager struct {
	idleTimeout time.Duration

	mu      sync.Mutex
	rooms   map[room.ID]*MemberPool
	members map[*Member]room.ID
}

func NewRoomManager(idleTimeout time.Duration) *RoomManager {
	return &RoomManager{
		idleTimeout: idleTimeout,
		rooms:       map[room.ID]*MemberPool{},
		members:     map[*Member]room.ID{},
	}
}

// Join adds m to roomID, leaving the room m was in before. Pool changes
// happen under rm.mu so an idle eviction cannot orphan a joining member.
func (rm *RoomManager) Join(m *Member, roomID room.ID) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	prev, had := rm.members[m]
	if had && prev == roomID {
		return
	}
	if had {
		rm.rooms[prev].Remove(m)
	}
	pool, ok := rm.rooms[roomID]
	if !ok {
		pool = NewMemberPool(roomID, rm.idleTimeout, func() { rm.evictIfEmpty(roomID) })
		rm.rooms[roomID] = pool
	}
	rm.members[m] = roomID
	pool.Add(m)
	log.Debug().Str("component", "chatserver").Str("room_id", roomID.String()).Str("member_id", m.ID).Msg("member joined room")
}

// Leave removes m from its room, if any.
func (rm *RoomManager) Leave(m *Member) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	roomID, ok := rm.members[m]
	if !ok {
		return
	}
	delete(rm.members, m)
	rm.rooms[roomID].Remove(m)
}

func (rm *RoomManager) RoomOf(m *Member) (room.ID, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	id, ok := rm.members[m]
	return id, ok
}

// Broadcast delivers frame to the local members of roomID and returns how
// many received it.
func (rm *RoomManager) Broadcast(roomID room.ID, frame []byte) int {
	rm.mu.Lock()
	pool := rm.rooms[roomID]
	rm.mu.Unlock()
	return pool.Broadcast(frame)
}

func (rm *RoomManager) Count(roomID room.ID) int {
	rm.mu.Lock()
	pool := rm.rooms[roomID]
	rm.mu.Unlock()
	return pool.Count()
}

func (rm *RoomManager) Rooms() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.rooms)
}

func (rm *RoomManager) CloseAll() {
	rm.mu.Lock()
	pools := make([]*MemberPool, 0, len(rm.rooms))
	for _, p := range rm.rooms {
		pools = append(pools, p)
	}
	rm.rooms = map[room.ID]*MemberPool{}
	rm.members = map[*Member]room.ID{}
	rm.mu.Unlock()
	for _, p := range pools {
		p.CloseAll()
	}
}

func (rm *RoomManager) evictIfEmpty(roomID room.ID) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	pool, ok := rm.rooms[roomID]
	if !ok || !pool.IsEmpty() {
		return
	}
	delete(rm.rooms, roomID)
	log.Debug().Str("component", "chatserver").Str("room_id", roomID.String()).Msg("evicted idle room")
}
