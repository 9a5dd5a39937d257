package fanout

import (
	"context"
	"strings"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pairchat/pkg/logging"
)

// RedisSettings configures the Redis Streams bus. Every node consumes with
// its own consumer group so that all nodes see every frame.
type RedisSettings struct {
	Addr   string `yaml:"addr"`
	Stream string `yaml:"stream"`
	NodeID string `yaml:"node_id"`
}

// NewRedis builds a bus on Redis Streams. The consumer group is created at
// the stream tail so a new node does not replay old frames.
func NewRedis(ctx context.Context, s RedisSettings) (*Bus, error) {
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("fanout redis: empty addr")
	}
	if strings.TrimSpace(s.NodeID) == "" {
		return nil, errors.New("fanout redis: empty node id")
	}
	stream := strings.TrimSpace(s.Stream)
	if stream == "" {
		stream = DefaultTopic
	}
	group := "pairchat-" + s.NodeID

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	if err := EnsureGroupAtTail(ctx, client, stream, group); err != nil {
		_ = client.Close()
		return nil, err
	}

	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := logging.NewWatermill(log.Logger)
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "fanout redis: publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: group,
		Consumer:      s.NodeID,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "fanout redis: subscriber")
	}

	b, err := New(message.Publisher(pub), message.Subscriber(sub), stream)
	if err != nil {
		return nil, err
	}
	// The publisher may already have closed the shared client.
	b.onClose = append(b.onClose, func() error {
		if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			return err
		}
		return nil
	})
	return b, nil
}

// EnsureGroupAtTail creates the consumer group at "$" unless it exists.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "fanout redis: create consumer group")
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
