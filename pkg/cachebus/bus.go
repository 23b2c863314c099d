package cachebus

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Bus publishes control messages for the cache worker.
type Bus struct {
	publisher message.Publisher
	now       func() time.Time
}

func NewBus(publisher message.Publisher) *Bus {
	return &Bus{publisher: publisher, now: time.Now}
}

// NewInProcessPubSub returns an in-memory pub/sub usable as both ends of the
// bus. Publish returns once the worker has acked the message, so a short-lived
// process does not exit with control messages still in flight.
func NewInProcessPubSub(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
}

func (b *Bus) Publish(_ context.Context, m ControlMessage) error {
	if b == nil || b.publisher == nil {
		return errors.New("cache bus: no publisher")
	}
	if m.AtMs == 0 {
		m.AtMs = b.now().UnixMilli()
	}
	msg, err := encode(m)
	if err != nil {
		return err
	}
	if err := b.publisher.Publish(Topic, msg); err != nil {
		return errors.Wrap(err, "cache bus: publish")
	}
	log.Debug().Str("component", "cachebus").Str("kind", string(m.Kind)).Str("key", m.Key).Msg("published control message")
	return nil
}

func (b *Bus) PublishWrite(ctx context.Context, key string, payload []byte) error {
	return b.Publish(ctx, ControlMessage{Kind: KindCacheWrite, Key: key, Payload: payload})
}

func (b *Bus) PublishClear(ctx context.Context) error {
	return b.Publish(ctx, ControlMessage{Kind: KindCacheClear})
}

func (b *Bus) PublishNetworkStatus(ctx context.Context, online bool) error {
	return b.Publish(ctx, ControlMessage{Kind: KindNetworkStatus, Online: online})
}

func (b *Bus) Close() error {
	if b == nil || b.publisher == nil {
		return nil
	}
	return b.publisher.Close()
}
