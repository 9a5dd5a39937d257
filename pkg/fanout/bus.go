// Package fanout carries room frames between chat server nodes. Each node
// publishes the frames of the rooms its members write to, and delivers every
// frame it consumes to its own local members of that room.
package fanout

import (
	"context"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pairchat/pkg/logging"
	"github.com/go-go-golems/pairchat/pkg/room"
)

const (
	DefaultTopic = "pairchat.rooms"
	metaRoomID   = "room_id"
)

// Deliver hands one frame to the local members of a room.
type Deliver func(roomID room.ID, frame []byte)

type Bus struct {
	pub   message.Publisher
	sub   message.Subscriber
	topic string

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
	onClose []func() error
}

func New(pub message.Publisher, sub message.Subscriber, topic string) (*Bus, error) {
	if pub == nil || sub == nil {
		return nil, errors.New("fanout bus: publisher and subscriber are required")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = DefaultTopic
	}
	return &Bus{pub: pub, sub: sub, topic: topic}, nil
}

// NewInMemory is a single-node bus on a watermill go channel.
func NewInMemory() *Bus {
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logging.NewWatermill(log.Logger))
	b, _ := New(ch, ch, DefaultTopic)
	return b
}

func (b *Bus) Topic() string { return b.topic }

// Publish sends frame to every node. It does not wait for delivery.
func (b *Bus) Publish(ctx context.Context, roomID room.ID, frame []byte) error {
	if len(frame) == 0 {
		return errors.New("fanout bus: empty frame")
	}
	msg := message.NewMessage(uuid.NewString(), frame)
	msg.Metadata.Set(metaRoomID, roomID.String())
	if ctx != nil {
		msg.SetContext(ctx)
	}
	if err := b.pub.Publish(b.topic, msg); err != nil {
		return errors.Wrap(err, "fanout bus: publish")
	}
	return nil
}

// Start subscribes and consumes in the background until ctx is done or the
// bus is closed. The subscription exists when Start returns.
func (b *Bus) Start(ctx context.Context, deliver Deliver) error {
	if deliver == nil {
		return errors.New("fanout bus: deliver is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := b.sub.Subscribe(runCtx, b.topic)
	if err != nil {
		b.mu.Unlock()
		cancel()
		return errors.Wrap(err, "fanout bus: subscribe")
	}
	b.cancel = cancel
	b.running = true
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	go b.consume(ch, deliver, done)
	return nil
}

func (b *Bus) consume(ch <-chan *message.Message, deliver Deliver, done chan struct{}) {
	defer close(done)
	log.Info().Str("component", "fanout").Str("topic", b.topic).Msg("fanout bus: started")
	for msg := range ch {
		roomID := msg.Metadata.Get(metaRoomID)
		if !room.IsRoomID(roomID) {
			log.Warn().Str("component", "fanout").Str("room_id", roomID).Msg("fanout bus: dropping frame without room")
			msg.Ack()
			continue
		}
		deliver(room.ID(roomID), msg.Payload)
		msg.Ack()
	}
	log.Info().Str("component", "fanout").Str("topic", b.topic).Msg("fanout bus: stopped")
	b.mu.Lock()
	b.running = false
	b.cancel = nil
	b.mu.Unlock()
}

func (b *Bus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Close stops consumption and closes the publisher, subscriber and any
// resources registered by the constructor.
func (b *Bus) Close() error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(b.pub.Close())
	if any(b.sub) != any(b.pub) {
		keep(b.sub.Close())
	}
	for _, fn := range b.onClose {
		keep(fn())
	}
	return firstErr
}
