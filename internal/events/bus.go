package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topic carries every engine event.
const Topic = "flowpipe.events"

// DefaultBusBuffer is the per-subscriber output buffer of the in-process bus.
const DefaultBusBuffer = 1000

// Bus publishes events on a watermill pub/sub so monitors can subscribe.
// The default transport is the in-process gochannel; any watermill Publisher/Subscriber pair works.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
}

// NewBus wraps an existing watermill publisher and subscriber.
func NewBus(pub message.Publisher, sub message.Subscriber) *Bus {
	return &Bus{publisher: pub, subscriber: sub}
}

// NewChannelBus creates a Bus over an in-memory gochannel pub/sub.
func NewChannelBus(logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            DefaultBusBuffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		logger,
	)
	return NewBus(pubSub, pubSub)
}

func (b *Bus) Publish(_ context.Context, e Event) {
	stamp(&e)
	payload, err := json.Marshal(e)
	if err != nil {
		slog.Warn("Bus.Publish: marshal failed", "type", e.Type, "error", err)
		return
	}
	msg := message.NewMessage(e.ID, payload)
	if err := b.publisher.Publish(Topic, msg); err != nil {
		slog.Warn("Bus.Publish: publish failed", "type", e.Type, "error", err)
	}
}

// Subscribe streams events until ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	messages, err := b.subscriber.Subscribe(ctx, Topic)
	if err != nil {
		return nil, err
	}
	out := make(chan Event)
	go func() {
		defer close(out)
		for msg := range messages {
			var e Event
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				msg.Nack()
				continue
			}
			msg.Ack()
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close shuts down the publisher and subscriber.
func (b *Bus) Close() error {
	if err := b.publisher.Close(); err != nil {
		return err
	}
	if b.subscriber != nil && any(b.subscriber) != any(b.publisher) {
		return b.subscriber.Close()
	}
	return nil
}
