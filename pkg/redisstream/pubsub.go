package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/go-go-golems/geppetto/pkg/helpers"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/murmur/pkg/cachebus"
)

// Transport bundles both ends of the cache control bus.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	client     redis.UniversalClient
}

func (t *Transport) Close() error {
	if t == nil {
		return nil
	}
	var firstErr error
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.client != nil {
		if err := t.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Logger adapts the global zerolog logger for watermill.
func Logger() watermill.LoggerAdapter {
	return helpers.NewWatermill(log.Logger)
}

// BuildTransport returns a Redis Streams backed transport when enabled and an
// in-process channel transport otherwise.
func BuildTransport(ctx context.Context, s Settings) (*Transport, error) {
	logger := Logger()
	if !s.Enabled {
		ps := cachebus.NewInProcessPubSub(logger)
		return &Transport{Publisher: ps, Subscriber: ps}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	if err := EnsureGroupAtTail(ctx, client, cachebus.Topic, s.Group); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ensure redis consumer group")
	}
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis subscriber")
	}

	log.Info().Str("addr", s.Addr).Str("group", s.Group).Str("consumer", s.Consumer).Msg("cache control bus using redis streams")
	return &Transport{Publisher: pub, Subscriber: sub, client: client}, nil
}

// EnsureGroupAtTail creates the consumer group for stream at the tail ($) if
// it doesn't exist, so a fresh worker does not replay stale control messages.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP means the group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
