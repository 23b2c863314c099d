package cachebus

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/murmur/pkg/persistence/modelcache"
)

type appliedEvent struct {
	msg     ControlMessage
	applied bool
	err     error
}

func startWorker(t *testing.T) (*Bus, *modelcache.Cache, chan appliedEvent) {
	t.Helper()
	ps := NewInProcessPubSub(watermill.NopLogger{})
	cache := modelcache.NewCache(modelcache.NewInMemoryStore())
	events := make(chan appliedEvent, 16)
	w := NewWorker(cache, ps, func(m ControlMessage, applied bool, err error) {
		events <- appliedEvent{msg: m, applied: applied, err: err}
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	require.True(t, w.IsRunning())
	t.Cleanup(func() {
		cancel()
		w.Close()
	})
	return NewBus(ps), cache, events
}

func waitApplied(t *testing.T, events chan appliedEvent) appliedEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for cache worker")
		return appliedEvent{}
	}
}

func TestWorker_AppliesWrite(t *testing.T) {
	bus, cache, events := startWorker(t)
	ctx := context.Background()

	require.NoError(t, bus.PublishWrite(ctx, modelcache.RosterKey, []byte(`[{"name":"a"}]`)))
	ev := waitApplied(t, events)
	require.NoError(t, ev.err)
	require.True(t, ev.applied)

	payload, ok, err := cache.Lookup(ctx, modelcache.RosterKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `[{"name":"a"}]`, string(payload))
}

func TestWorker_ClearBeforeStaleWrite(t *testing.T) {
	bus, cache, events := startWorker(t)
	ctx := context.Background()

	// the clear was issued after the write but arrives first
	require.NoError(t, bus.Publish(ctx, ControlMessage{Kind: KindCacheClear, AtMs: 200}))
	require.True(t, waitApplied(t, events).applied)
	require.NoError(t, bus.Publish(ctx, ControlMessage{Kind: KindCacheWrite, Key: "k", Payload: []byte("v"), AtMs: 150}))
	ev := waitApplied(t, events)
	require.NoError(t, ev.err)
	require.False(t, ev.applied)

	_, ok, err := cache.Lookup(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	// replaying the same clear is harmless
	require.NoError(t, bus.Publish(ctx, ControlMessage{Kind: KindCacheClear, AtMs: 200}))
	require.NoError(t, waitApplied(t, events).err)
}

func TestWorker_NetworkStatusGatesWrites(t *testing.T) {
	bus, cache, events := startWorker(t)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, ControlMessage{Kind: KindNetworkStatus, Online: false, AtMs: 100}))
	require.True(t, waitApplied(t, events).applied)
	require.False(t, cache.Online())

	// produced before the offline observation
	require.NoError(t, bus.Publish(ctx, ControlMessage{Kind: KindCacheWrite, Key: "k", Payload: []byte("v"), AtMs: 90}))
	require.False(t, waitApplied(t, events).applied)

	// a stale online notification loses against the newer offline one
	require.NoError(t, bus.Publish(ctx, ControlMessage{Kind: KindNetworkStatus, Online: true, AtMs: 90}))
	require.False(t, waitApplied(t, events).applied)
	require.False(t, cache.Online())
}

func TestWorker_WriteAndStatusConvergeInEitherOrder(t *testing.T) {
	write := ControlMessage{Kind: KindCacheWrite, Key: "k", Payload: []byte("v"), AtMs: 200}
	online := ControlMessage{Kind: KindNetworkStatus, Online: true, AtMs: 200}
	orders := map[string][]ControlMessage{
		"status then write": {online, write},
		"write then status": {write, online},
	}
	for name, msgs := range orders {
		t.Run(name, func(t *testing.T) {
			bus, cache, events := startWorker(t)
			ctx := context.Background()

			require.NoError(t, bus.Publish(ctx, ControlMessage{Kind: KindNetworkStatus, Online: false, AtMs: 100}))
			require.True(t, waitApplied(t, events).applied)

			for _, m := range msgs {
				require.NoError(t, bus.Publish(ctx, m))
				require.NoError(t, waitApplied(t, events).err)
			}

			payload, ok, err := cache.Lookup(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "v", string(payload))
			require.True(t, cache.Online())
		})
	}
}

type stubSubscriber struct {
	ch chan *message.Message
}

func (s *stubSubscriber) Subscribe(_ context.Context, _ string) (<-chan *message.Message, error) {
	return s.ch, nil
}

func (s *stubSubscriber) Close() error {
	return nil
}

func TestWorker_DropsMalformedMessages(t *testing.T) {
	ch := make(chan *message.Message, 2)
	cache := modelcache.NewCache(modelcache.NewInMemoryStore())
	events := make(chan appliedEvent, 2)
	w := NewWorker(cache, &stubSubscriber{ch: ch}, func(m ControlMessage, applied bool, err error) {
		events <- appliedEvent{msg: m, applied: applied, err: err}
	})
	require.NoError(t, w.Start(context.Background()))

	bad := message.NewMessage("1", []byte(`{"kind":"explode","at_ms":1}`))
	good := message.NewMessage("2", []byte(`{"kind":"cache-write","key":"k","payload":"dg==","at_ms":5}`))
	ch <- bad
	ch <- good
	close(ch)

	ev := waitApplied(t, events)
	require.Equal(t, "k", ev.msg.Key)
	require.True(t, ev.applied)
	w.Wait()
	require.False(t, w.IsRunning())

	payload, ok, err := cache.Lookup(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(payload))
}

func TestBus_RejectsInvalidMessages(t *testing.T) {
	bus := NewBus(NewInProcessPubSub(nil))
	require.Error(t, bus.Publish(context.Background(), ControlMessage{Kind: KindCacheWrite}))
	require.Error(t, bus.Publish(context.Background(), ControlMessage{Kind: "other"}))
	require.Error(t, (*Bus)(nil).PublishClear(context.Background()))
}
