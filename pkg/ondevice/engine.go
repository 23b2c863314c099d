package ondevice

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/murmur/pkg/persistence/modelcache"
)

var (
	ErrModelNotLoaded = errors.New("on-device model not loaded")
	ErrInputWidth     = errors.New("input width mismatch")
	ErrLoadFailed     = errors.New("on-device model load failed")
)

// KeyPrefix namespaces model blobs inside the model cache store.
const KeyPrefix = "ondevice:"

func StoreKey(name string) string {
	return KeyPrefix + strings.TrimSpace(name)
}

// Engine loads a model once and runs forward passes over it.
type Engine struct {
	name   string
	url    string
	store  modelcache.Store
	client *http.Client

	mu    sync.RWMutex
	model *Model
}

type EngineOption func(*Engine)

func WithHTTPClient(c *http.Client) EngineOption {
	return func(e *Engine) {
		if c != nil {
			e.client = c
		}
	}
}

// NewEngine creates an engine for the model called name. url is where the
// model document is fetched from when the store has no copy.
func NewEngine(name, url string, store modelcache.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		name:   strings.TrimSpace(name),
		url:    strings.TrimSpace(url),
		store:  store,
		client: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LoadError reports why a model could not be loaded. It matches ErrLoadFailed
// with errors.Is and unwraps to the underlying cause.
type LoadError struct {
	Model string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load on-device model %q: %v", e.Model, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func (e *LoadError) Is(target error) bool {
	return target == ErrLoadFailed
}

// LoadModel resolves the model from the store, falling back to the network.
// Fetched bytes are persisted only once they parse into a valid model, and a
// stored copy that no longer parses is treated as a miss. Overlapping calls
// must be serialized by the caller.
func (e *Engine) LoadModel(ctx context.Context) error {
	if e.name == "" {
		return &LoadError{Err: errors.New("no model name configured")}
	}
	source := "store"
	m, ok := e.fromStore(ctx)
	if !ok {
		var err error
		if m, err = e.fromNetwork(ctx); err != nil {
			return &LoadError{Model: e.name, Err: err}
		}
		source = "network"
	}
	e.mu.Lock()
	e.model = m
	e.mu.Unlock()
	log.Info().Str("component", "ondevice").Str("model", e.name).Str("source", source).
		Int("input_width", m.InputWidth).Int("output_width", m.OutputWidth()).Msg("on-device model loaded")
	return nil
}

func (e *Engine) fromStore(ctx context.Context) (*Model, bool) {
	if e.store == nil {
		return nil, false
	}
	key := StoreKey(e.name)
	entry, ok, err := e.store.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("component", "ondevice").Str("key", key).Msg("model store lookup failed, fetching")
		return nil, false
	}
	if !ok || len(entry.Payload) == 0 {
		return nil, false
	}
	m, err := ParseModel(entry.Payload)
	if err != nil {
		log.Warn().Err(err).Str("component", "ondevice").Str("key", key).Msg("stored model is invalid, fetching")
		return nil, false
	}
	return m, true
}

func (e *Engine) fromNetwork(ctx context.Context) (*Model, error) {
	data, err := e.fetch(ctx)
	if err != nil {
		return nil, err
	}
	m, err := ParseModel(data)
	if err != nil {
		return nil, err
	}
	if e.store != nil {
		key := StoreKey(e.name)
		if _, err := e.store.Put(ctx, modelcache.Entry{Key: key, Payload: data, InsertedAtMs: time.Now().UnixMilli()}); err != nil {
			return nil, errors.Wrapf(err, "persist %s", key)
		}
	}
	return m, nil
}

func (e *Engine) fetch(ctx context.Context) ([]byte, error) {
	if e.url == "" {
		return nil, errors.New("model not in store and no url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch model")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("fetch model: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read model body")
	}
	return data, nil
}

// Infer executes one forward pass.
func (e *Engine) Infer(input []float64) ([]float64, error) {
	e.mu.RLock()
	m := e.model
	e.mu.RUnlock()
	if m == nil {
		return nil, ErrModelNotLoaded
	}
	if len(input) != m.InputWidth {
		return nil, errors.Wrapf(ErrInputWidth, "got %d values, model %q expects %d", len(input), m.Name, m.InputWidth)
	}
	return m.Forward(input), nil
}

func (e *Engine) Loaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.model != nil
}

func (e *Engine) InputWidth() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.model == nil {
		return 0
	}
	return e.model.InputWidth
}

func (e *Engine) OutputWidth() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.model == nil {
		return 0
	}
	return e.model.OutputWidth()
}
