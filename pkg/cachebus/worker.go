package cachebus

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/murmur/pkg/persistence/modelcache"
)

// AppliedFunc observes every handled control message. applied is false when
// the message was valid but superseded (stale, offline, already cleared).
type AppliedFunc func(m ControlMessage, applied bool, err error)

// Worker owns the subscriber feeding cache control messages and applies them
// to the cache on its own goroutine. Handlers are idempotent and rely only on
// message timestamps, never on arrival order.
type Worker struct {
	cache      *modelcache.Cache
	subscriber message.Subscriber
	onApplied  AppliedFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

func NewWorker(cache *modelcache.Cache, subscriber message.Subscriber, onApplied AppliedFunc) *Worker {
	return &Worker{
		cache:      cache,
		subscriber: subscriber,
		onApplied:  onApplied,
	}
}

// Start subscribes synchronously, so messages published after Start returns
// reach the worker, then consumes in the background.
func (w *Worker) Start(ctx context.Context) error {
	if w == nil || w.subscriber == nil || w.cache == nil {
		return errors.New("cache worker: not initialized")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := w.subscriber.Subscribe(runCtx, Topic)
	if err != nil {
		cancel()
		return errors.Wrap(err, "cache worker: subscribe")
	}
	w.cancel = cancel
	w.running = true
	w.done = make(chan struct{})
	go w.consume(ch, w.done)
	return nil
}

func (w *Worker) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.cancel = nil
	w.mu.Unlock()
}

// Wait blocks until the consume loop has exited.
func (w *Worker) Wait() {
	if w == nil {
		return
	}
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (w *Worker) Close() {
	if w == nil {
		return
	}
	w.Stop()
	if w.subscriber != nil {
		if err := w.subscriber.Close(); err != nil {
			log.Warn().Err(err).Str("component", "cachebus").Msg("cache worker: subscriber close failed")
		}
	}
}

func (w *Worker) IsRunning() bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) consume(ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	log.Debug().Str("component", "cachebus").Msg("cache worker: started")
	for msg := range ch {
		m, err := decode(msg)
		if err != nil {
			log.Warn().Err(err).Str("component", "cachebus").Str("message_id", msg.UUID).Msg("cache worker: dropping control message")
			msg.Ack()
			continue
		}
		applied, err := w.apply(msg.Context(), m)
		if err != nil {
			log.Warn().Err(err).Str("component", "cachebus").Str("kind", string(m.Kind)).Msg("cache worker: apply failed")
		}
		if w.onApplied != nil {
			w.onApplied(m, applied, err)
		}
		msg.Ack()
	}
	log.Debug().Str("component", "cachebus").Msg("cache worker: stopped")
	w.mu.Lock()
	w.running = false
	w.cancel = nil
	w.mu.Unlock()
}

func (w *Worker) apply(ctx context.Context, m ControlMessage) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch m.Kind {
	case KindCacheWrite:
		return w.cache.Write(ctx, modelcache.Entry{Key: m.Key, Payload: m.Payload, InsertedAtMs: m.AtMs})
	case KindCacheClear:
		if err := w.cache.Clear(ctx, m.AtMs); err != nil {
			return false, err
		}
		return true, nil
	case KindNetworkStatus:
		return w.cache.SetOnline(m.Online, m.AtMs), nil
	default:
		return false, errors.Errorf("unknown control message kind %q", m.Kind)
	}
}
