// Package resolver translates client-side item specifications into the
// fully-qualified specifications the server publishes under.
package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"tickgofer/internal/clock"
	"tickgofer/internal/livedata"
	"tickgofer/internal/metrics"
)

const (
	DefaultCacheSize = 10000
	DefaultCacheTTL  = 10 * time.Minute
)

// Resolver maps requested specifications to canonical ones, keyed by the
// requested specification's Key. Specifications that cannot be resolved are
// absent from the result.
type Resolver interface {
	Resolve(ctx context.Context, specs []livedata.ItemSpecification) (map[string]livedata.ItemSpecification, error)
}

// Identity resolves every specification to itself
type Identity struct{}

// Resolve implements Resolver
func (Identity) Resolve(_ context.Context, specs []livedata.ItemSpecification) (map[string]livedata.ItemSpecification, error) {
	out := make(map[string]livedata.ItemSpecification, len(specs))
	for _, s := range specs {
		out[s.Key()] = s
	}
	return out, nil
}

// Caching wraps a Resolver with an LRU cache. Misses are resolved in one call.
type Caching struct {
	inner   Resolver
	cache   *specCache
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewCaching creates a caching resolver; size and ttl <= 0 select the defaults
func NewCaching(inner Resolver, size int, ttl time.Duration, clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger) (*Caching, error) {
	if inner == nil {
		return nil, errors.New("resolver: inner resolver is required")
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	cache, err := newSpecCache(size, ttl, clk)
	if err != nil {
		return nil, err
	}
	return &Caching{
		inner:   inner,
		cache:   cache,
		metrics: m,
		logger:  logger.With().Str("component", "resolver-cache").Logger(),
	}, nil
}

// Resolve implements Resolver
func (c *Caching) Resolve(ctx context.Context, specs []livedata.ItemSpecification) (map[string]livedata.ItemSpecification, error) {
	out := make(map[string]livedata.ItemSpecification, len(specs))
	var misses []livedata.ItemSpecification
	seen := make(map[string]struct{}, len(specs))

	for _, s := range specs {
		key := s.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if resolved, ok := c.cache.get(key); ok {
			out[key] = resolved
			continue
		}
		misses = append(misses, s)
	}

	hits := len(out)
	c.metrics.ResolverLookups(metrics.OutcomeHit, hits)
	c.metrics.ResolverLookups(metrics.OutcomeMiss, len(misses))

	if len(misses) == 0 {
		return out, nil
	}

	resolved, err := c.inner.Resolve(ctx, misses)
	if err != nil {
		return nil, err
	}
	for _, s := range misses {
		key := s.Key()
		r, ok := resolved[key]
		if !ok {
			continue
		}
		c.cache.set(key, r)
		out[key] = r
	}

	c.logger.Debug().Int("hits", hits).Int("misses", len(misses)).Msg("resolved specifications")
	return out, nil
}

// Len returns the number of cached entries
func (c *Caching) Len() int {
	return c.cache.len()
}

// Close stops the cache cleanup goroutine
func (c *Caching) Close() {
	c.cache.close()
}
