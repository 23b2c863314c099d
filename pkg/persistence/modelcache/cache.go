package modelcache

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Cache is the model cache as seen by the rest of the system: a Store that
// only accepts writes while the host is online. Reads work regardless of
// connectivity.
type Cache struct {
	store Store

	mu         sync.Mutex
	online     bool
	statusAtMs int64
}

func NewCache(store Store) *Cache {
	return &Cache{store: store, online: true}
}

func (c *Cache) Store() Store {
	return c.store
}

// Lookup returns the payload stored under key.
func (c *Cache) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	if c == nil || c.store == nil {
		return nil, false, errors.New("model cache: not initialized")
	}
	e, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	return e.Payload, true, nil
}

// Write stores e unless the host was known to be offline when e was produced.
// A timestamped write is dropped only when the latest status is offline and
// was observed at or after e.InsertedAtMs, so the outcome does not depend on
// whether the write or a newer status arrives first. An unstamped write is
// stamped now and follows the current status. It reports whether the entry
// was applied.
func (c *Cache) Write(ctx context.Context, e Entry) (bool, error) {
	if c == nil || c.store == nil {
		return false, errors.New("model cache: not initialized")
	}
	c.mu.Lock()
	online, statusAtMs := c.online, c.statusAtMs
	c.mu.Unlock()

	offline := !online
	if e.InsertedAtMs == 0 {
		e.InsertedAtMs = time.Now().UnixMilli()
	} else {
		offline = offline && statusAtMs >= e.InsertedAtMs
	}
	if offline {
		log.Debug().Str("component", "modelcache").Str("key", e.Key).Msg("offline, dropping cache write")
		return false, nil
	}
	return c.store.Put(ctx, e)
}

// Clear removes every entry inserted at or before atMs.
func (c *Cache) Clear(ctx context.Context, atMs int64) error {
	if c == nil || c.store == nil {
		return errors.New("model cache: not initialized")
	}
	if atMs == 0 {
		atMs = time.Now().UnixMilli()
	}
	return c.store.Clear(ctx, atMs)
}

// SetOnline records a connectivity change observed at atMs. Older observations
// than the last applied one are ignored, so out-of-order delivery converges.
func (c *Cache) SetOnline(online bool, atMs int64) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if atMs <= c.statusAtMs {
		return false
	}
	c.statusAtMs = atMs
	if c.online != online {
		log.Info().Str("component", "modelcache").Bool("online", online).Msg("network status changed")
	}
	c.online = online
	return true
}

func (c *Cache) Online() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Cache) Close() error {
	if c == nil || c.store == nil {
		return nil
	}
	return c.store.Close()
}
