package cmds

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/murmur/pkg/backend"
	"github.com/go-go-golems/murmur/pkg/cachebus"
	"github.com/go-go-golems/murmur/pkg/fallback"
	"github.com/go-go-golems/murmur/pkg/persistence/modelcache"
	"github.com/go-go-golems/murmur/pkg/persistence/transcripts"
	"github.com/go-go-golems/murmur/pkg/redisstream"
)

// runtime wires the backend client, the lazily opened model cache, the
// cache control bus and its worker.
type runtime struct {
	settings *Settings
	client   *backend.Client

	transport *redisstream.Transport
	bus       *cachebus.Bus
	worker    *cachebus.Worker

	cacheOnce sync.Once
	cache     *modelcache.Cache
	cacheErr  error

	// outcome of pending cache clears, keyed by their timestamp
	clearsMu sync.Mutex
	clears   map[int64]chan error
}

// clearConfirmTimeout bounds how long clearCache waits for the local worker.
// With Redis another consumer of the group may take the message.
const clearConfirmTimeout = 10 * time.Second

func newRuntime(ctx context.Context, s *Settings) (*runtime, error) {
	tr, err := redisstream.BuildTransport(ctx, s.Redis)
	if err != nil {
		return nil, errors.Wrap(err, "build cache control transport")
	}
	return &runtime{
		settings:  s,
		client:    backend.NewClient(s.Backend.BackendURL),
		transport: tr,
		bus:       cachebus.NewBus(tr.Publisher),
	}, nil
}

// openCache opens the SQLite model cache on first use.
func (r *runtime) openCache(context.Context) (*modelcache.Cache, error) {
	r.cacheOnce.Do(func() {
		path, err := expandPath(r.settings.Cache.CacheDB)
		if err != nil {
			r.cacheErr = err
			return
		}
		dsn, err := modelcache.SQLiteDSNForFile(path)
		if err != nil {
			r.cacheErr = err
			return
		}
		store, err := modelcache.NewSQLiteStore(dsn)
		if err != nil {
			r.cacheErr = errors.Wrapf(err, "open model cache %s", path)
			return
		}
		r.cache = modelcache.NewCache(store)
	})
	return r.cache, r.cacheErr
}

func (r *runtime) cacheOpener() fallback.CacheOpener {
	return func(ctx context.Context) (fallback.CacheLookup, error) {
		c, err := r.openCache(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// startWorker opens the cache and starts consuming control messages. With a
// non-nil eg the group waits for the consume loop to exit.
func (r *runtime) startWorker(ctx context.Context, eg *errgroup.Group) error {
	c, err := r.openCache(ctx)
	if err != nil {
		return err
	}
	r.worker = cachebus.NewWorker(c, r.transport.Subscriber, func(m cachebus.ControlMessage, applied bool, err error) {
		if m.Kind == cachebus.KindCacheClear {
			r.clearDone(m.AtMs, err)
		}
		if err != nil {
			log.Warn().Err(err).Str("kind", string(m.Kind)).Msg("cache control message failed")
			return
		}
		log.Debug().Str("kind", string(m.Kind)).Str("key", m.Key).Bool("applied", applied).Msg("cache control message handled")
	})
	if err := r.worker.Start(ctx); err != nil {
		return errors.Wrap(err, "start cache worker")
	}
	if eg != nil {
		eg.Go(func() error {
			r.worker.Wait()
			return nil
		})
	}
	return nil
}

// clearCache publishes a cache clear and returns the outcome the worker
// reported for it. startWorker must have been called.
func (r *runtime) clearCache(ctx context.Context) error {
	if r.worker == nil {
		return errors.New("cache worker not started")
	}
	atMs := time.Now().UnixMilli()
	done := make(chan error, 1)
	r.clearsMu.Lock()
	if r.clears == nil {
		r.clears = map[int64]chan error{}
	}
	for r.clears[atMs] != nil {
		atMs++
	}
	r.clears[atMs] = done
	r.clearsMu.Unlock()
	defer func() {
		r.clearsMu.Lock()
		delete(r.clears, atMs)
		r.clearsMu.Unlock()
	}()

	if err := r.bus.Publish(ctx, cachebus.ControlMessage{Kind: cachebus.KindCacheClear, AtMs: atMs}); err != nil {
		return errors.Wrap(err, "publish cache clear")
	}
	timer := time.NewTimer(clearConfirmTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return errors.Wrap(err, "clear model cache")
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("cache clear published but no worker confirmed it")
	}
}

func (r *runtime) clearDone(atMs int64, err error) {
	r.clearsMu.Lock()
	done := r.clears[atMs]
	r.clearsMu.Unlock()
	if done == nil {
		return
	}
	select {
	case done <- err:
	default:
	}
}

func (r *runtime) resolver(selection fallback.SelectionSource) *fallback.Resolver {
	return fallback.NewResolver(r.client,
		fallback.WithCache(r.cacheOpener()),
		fallback.WithSelection(selection),
		fallback.WithPublisher(r.bus),
	)
}

func (r *runtime) openTranscripts() (*transcripts.SQLiteStore, error) {
	path, err := expandPath(r.settings.Cache.TranscriptsDB)
	if err != nil {
		return nil, err
	}
	dsn, err := transcripts.SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	return transcripts.NewSQLiteStore(dsn)
}

func (r *runtime) Close() error {
	if r.worker != nil {
		r.worker.Close()
	}
	var firstErr error
	if err := r.transport.Close(); err != nil {
		firstErr = err
	}
	if r.cache != nil {
		if err := r.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
