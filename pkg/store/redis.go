package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-go-golems/pairchat/pkg/room"
)

const clientIDTTL = 24 * time.Hour

// RedisStore keeps each room as a capped list of JSON records.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	maxPerRoom int
}

var _ Store = &RedisStore{}

func NewRedisStore(client redis.UniversalClient, prefix string, maxPerRoom int) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis store: client is nil")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "pairchat"
	}
	if maxPerRoom <= 0 {
		maxPerRoom = DefaultMaxPerRoom
	}
	return &RedisStore{client: client, prefix: prefix, maxPerRoom: maxPerRoom}, nil
}

// Close leaves the client open; it is owned by the caller.
func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) roomKey(id room.ID) string { return s.prefix + ":room:" + id.String() }

func (s *RedisStore) clientKey(id room.ID, clientID string) string {
	return s.prefix + ":client:" + id.String() + ":" + clientID
}

func (s *RedisStore) Append(ctx context.Context, rec Record) (Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rec, err := normalizeRecord(rec, time.Now())
	if err != nil {
		return Record{}, err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Record{}, errors.Wrap(err, "redis store: marshal record")
	}

	if rec.ClientMessageID != "" {
		ok, err := s.client.SetNX(ctx, s.clientKey(rec.RoomID, rec.ClientMessageID), raw, clientIDTTL).Result()
		if err != nil {
			return Record{}, errors.Wrap(err, "redis store: claim client message id")
		}
		if !ok {
			prev, err := s.client.Get(ctx, s.clientKey(rec.RoomID, rec.ClientMessageID)).Bytes()
			if err != nil {
				return Record{}, errors.Wrap(err, "redis store: load existing message")
			}
			var existing Record
			if err := json.Unmarshal(prev, &existing); err != nil {
				return Record{}, errors.Wrap(err, "redis store: decode existing message")
			}
			return existing, nil
		}
	}

	key := s.roomKey(rec.RoomID)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, raw)
		p.LTrim(ctx, key, int64(-s.maxPerRoom), -1)
		return nil
	})
	if err != nil {
		return Record{}, errors.Wrap(err, "redis store: append message")
	}
	return rec, nil
}

func (s *RedisStore) List(ctx context.Context, roomID room.ID, limit int) ([]Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raws, err := s.client.LRange(ctx, s.roomKey(roomID), start, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis store: list messages")
	}
	out := make([]Record, 0, len(raws))
	for _, raw := range raws {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, errors.Wrap(err, "redis store: decode message")
		}
		out = append(out, rec)
	}
	return out, nil
}
