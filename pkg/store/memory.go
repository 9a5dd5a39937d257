package store

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/pairchat/pkg/room"
)

const DefaultMaxPerRoom = 5000

// MemoryStore keeps the newest records of each room in memory.
type MemoryStore struct {
	mu         sync.Mutex
	maxPerRoom int
	rooms      map[room.ID][]Record
	byClientID map[string]Record
}

var _ Store = &MemoryStore{}

func NewMemoryStore(maxPerRoom int) *MemoryStore {
	if maxPerRoom <= 0 {
		maxPerRoom = DefaultMaxPerRoom
	}
	return &MemoryStore{
		maxPerRoom: maxPerRoom,
		rooms:      map[room.ID][]Record{},
		byClientID: map[string]Record{},
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Append(_ context.Context, rec Record) (Record, error) {
	if s == nil {
		return Record{}, errors.New("memory store: nil store")
	}
	rec, err := normalizeRecord(rec, time.Now())
	if err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := ""
	if rec.ClientMessageID != "" {
		key = rec.RoomID.String() + "\x00" + rec.ClientMessageID
		if existing, ok := s.byClientID[key]; ok {
			return existing, nil
		}
	}
	msgs := append(s.rooms[rec.RoomID], rec)
	if over := len(msgs) - s.maxPerRoom; over > 0 {
		for _, dropped := range msgs[:over] {
			if dropped.ClientMessageID != "" {
				delete(s.byClientID, dropped.RoomID.String()+"\x00"+dropped.ClientMessageID)
			}
		}
		msgs = append([]Record(nil), msgs[over:]...)
	}
	s.rooms[rec.RoomID] = msgs
	if key != "" {
		s.byClientID[key] = rec
	}
	return rec, nil
}

func (s *MemoryStore) List(_ context.Context, roomID room.ID, limit int) ([]Record, error) {
	if s == nil {
		return nil, errors.New("memory store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.rooms[roomID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Record(nil), msgs...), nil
}
