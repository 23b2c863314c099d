package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/murmur/pkg/backend"
	"github.com/go-go-golems/murmur/pkg/persistence/modelcache"
)

// ErrNoModelsAvailable is the terminal result when no tier produced a roster.
var ErrNoModelsAvailable = errors.New("no models available")

type Source string

const (
	SourceNetwork   Source = "network"
	SourceCache     Source = "cache"
	SourceSelection Source = "selection"
)

type Resolution struct {
	Models []backend.ModelDescriptor
	Source Source
}

// Names returns the model names of the roster in order.
func (r Resolution) Names() []string {
	out := make([]string, 0, len(r.Models))
	for _, m := range r.Models {
		out = append(out, m.Name)
	}
	return out
}

// Contains reports whether name is part of the roster. A name without a tag
// matches the ":latest" tag the backend reports.
func (r Resolution) Contains(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	for _, m := range r.Models {
		if m.Name == name || m.Model == name {
			return true
		}
		if !strings.Contains(name, ":") && (m.Name == name+":latest" || m.Model == name+":latest") {
			return true
		}
	}
	return false
}

type RosterFetcher interface {
	ListModels(ctx context.Context) ([]backend.ModelDescriptor, error)
}

type CacheLookup interface {
	Lookup(ctx context.Context, key string) ([]byte, bool, error)
}

// CacheOpener opens the cache lazily so that an open failure only skips the cache tier.
type CacheOpener func(ctx context.Context) (CacheLookup, error)

type SelectionSource interface {
	SelectedModel() string
}

// SelectionFunc adapts a function to a SelectionSource.
type SelectionFunc func() string

func (f SelectionFunc) SelectedModel() string {
	return f()
}

// CachePublisher receives the roster and connectivity outcome of the network tier.
type CachePublisher interface {
	PublishWrite(ctx context.Context, key string, payload []byte) error
	PublishNetworkStatus(ctx context.Context, online bool) error
}

// Resolver resolves the model roster through network, cache, and the current
// selection, in that order. Failures inside a tier never escape it.
type Resolver struct {
	fetcher   RosterFetcher
	openCache CacheOpener
	selection SelectionSource
	publisher CachePublisher

	mu         sync.Mutex
	lastOnline *bool
}

type Option func(*Resolver)

func WithCache(open CacheOpener) Option {
	return func(r *Resolver) { r.openCache = open }
}

func WithSelection(s SelectionSource) Option {
	return func(r *Resolver) { r.selection = s }
}

func WithPublisher(p CachePublisher) Option {
	return func(r *Resolver) { r.publisher = p }
}

func NewResolver(fetcher RosterFetcher, opts ...Option) *Resolver {
	r := &Resolver{fetcher: fetcher}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StaticCache adapts an already opened cache to a CacheOpener.
func StaticCache(c CacheLookup) CacheOpener {
	return func(context.Context) (CacheLookup, error) {
		if c == nil {
			return nil, errors.New("no cache configured")
		}
		return c, nil
	}
}

// ResolveModelList returns the first non-empty roster, or ErrNoModelsAvailable.
func (r *Resolver) ResolveModelList(ctx context.Context) (Resolution, error) {
	tiers := []struct {
		source Source
		run    func(context.Context) ([]backend.ModelDescriptor, error)
	}{
		{SourceNetwork, r.fromNetwork},
		{SourceCache, r.fromCache},
		{SourceSelection, r.fromSelection},
	}
	for _, tier := range tiers {
		models, err := runTier(ctx, tier.source, tier.run)
		if err != nil {
			log.Debug().Err(err).Str("component", "fallback").Str("tier", string(tier.source)).Msg("tier produced nothing")
			continue
		}
		if len(models) == 0 {
			continue
		}
		return Resolution{Models: models, Source: tier.source}, nil
	}
	return Resolution{}, ErrNoModelsAvailable
}

func runTier(ctx context.Context, source Source, run func(context.Context) ([]backend.ModelDescriptor, error)) (models []backend.ModelDescriptor, err error) {
	defer func() {
		if p := recover(); p != nil {
			models = nil
			err = errors.Errorf("%s tier panicked: %v", source, p)
		}
	}()
	return run(ctx)
}

func (r *Resolver) fromNetwork(ctx context.Context) ([]backend.ModelDescriptor, error) {
	if r.fetcher == nil {
		return nil, errors.New("no roster fetcher")
	}
	models, err := r.fetcher.ListModels(ctx)
	if err != nil {
		// an aborted request says nothing about connectivity
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, err
		}
		// a status error means the backend answered, so connectivity is fine
		var se *backend.StatusError
		r.observeNetwork(ctx, errors.As(err, &se))
		return nil, err
	}
	r.observeNetwork(ctx, true)
	if len(models) > 0 {
		r.writeCache(ctx, models)
	}
	return models, nil
}

func (r *Resolver) fromCache(ctx context.Context) ([]backend.ModelDescriptor, error) {
	if r.openCache == nil {
		return nil, errors.New("no cache configured")
	}
	c, err := r.openCache(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "open cache")
	}
	if c == nil {
		return nil, errors.New("cache opener returned nil")
	}
	payload, ok, err := c.Lookup(ctx, modelcache.RosterKey)
	if err != nil {
		return nil, errors.Wrap(err, "cache lookup")
	}
	if !ok {
		return nil, nil
	}
	var models []backend.ModelDescriptor
	if err := json.Unmarshal(payload, &models); err != nil {
		return nil, errors.Wrap(err, "decode cached roster")
	}
	return models, nil
}

func (r *Resolver) fromSelection(context.Context) ([]backend.ModelDescriptor, error) {
	if r.selection == nil {
		return nil, nil
	}
	name := strings.TrimSpace(r.selection.SelectedModel())
	if name == "" {
		return nil, nil
	}
	return []backend.ModelDescriptor{{Name: name, Model: name}}, nil
}

func (r *Resolver) writeCache(ctx context.Context, models []backend.ModelDescriptor) {
	if r.publisher == nil {
		return
	}
	payload, err := json.Marshal(models)
	if err != nil {
		log.Warn().Err(err).Str("component", "fallback").Msg("could not encode roster for cache")
		return
	}
	if err := r.publisher.PublishWrite(ctx, modelcache.RosterKey, payload); err != nil {
		log.Warn().Err(err).Str("component", "fallback").Msg("could not publish roster cache write")
	}
}

// observeNetwork publishes connectivity transitions only, not every observation.
func (r *Resolver) observeNetwork(ctx context.Context, online bool) {
	if r.publisher == nil {
		return
	}
	r.mu.Lock()
	changed := r.lastOnline == nil || *r.lastOnline != online
	r.lastOnline = &online
	r.mu.Unlock()
	if !changed {
		return
	}
	if err := r.publisher.PublishNetworkStatus(ctx, online); err != nil {
		log.Warn().Err(err).Str("component", "fallback").Bool("online", online).Msg("could not publish network status")
	}
}

func (s Source) String() string {
	return string(s)
}

func (r Resolution) String() string {
	return fmt.Sprintf("%d models from %s", len(r.Models), r.Source)
}
