package modelcache

import (
	"context"
	"strings"
)

// RosterKey is the well-known key under which the last fetched model roster is cached.
const RosterKey = "roster"

// Entry is one cached payload.
type Entry struct {
	Key          string `json:"key"`
	Payload      []byte `json:"payload"`
	InsertedAtMs int64  `json:"inserted_at_ms"`
}

// Store is the persistent key-value store behind the model cache.
//
// Writes and clears carry their own timestamps so they can be applied in any
// order: Put only replaces an entry with a strictly newer one and ignores
// entries inserted at or before the last clear; Clear removes every entry
// inserted at or before atMs and only ever raises the clear watermark.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) (bool, error)
	Clear(ctx context.Context, atMs int64) error
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

func normalizeKey(key string) string {
	return strings.TrimSpace(key)
}
