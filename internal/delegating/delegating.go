// Package delegating routes live data calls to one of several clients by the
// scheme of each specification's first identifier.
package delegating

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"tickgofer/internal/livedata"
)

var (
	ErrNoRoute     = errors.New("no client for specification")
	ErrNilListener = errors.New("listener is required")
)

var _ livedata.Client = (*Client)(nil)

// Client is a livedata.Client that delegates each specification to the
// client registered for its first identifier's scheme, or to the default.
type Client struct {
	routes map[string]livedata.Client
	def    livedata.Client
	logger zerolog.Logger
}

// New creates a delegating client; def may be nil
func New(routes map[string]livedata.Client, def livedata.Client, logger zerolog.Logger) *Client {
	r := make(map[string]livedata.Client, len(routes))
	for scheme, c := range routes {
		r[scheme] = c
	}
	return &Client{
		routes: r,
		def:    def,
		logger: logger.With().Str("component", "delegating-client").Logger(),
	}
}

// Route returns the client serving spec
func (d *Client) Route(spec livedata.ItemSpecification) (livedata.Client, error) {
	if scheme, ok := spec.FirstScheme(); ok {
		if c, ok := d.routes[scheme]; ok {
			return c, nil
		}
	}
	if d.def != nil {
		return d.def, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoRoute, spec.Key())
}

type partition struct {
	order      []livedata.Client
	groups     map[livedata.Client][]livedata.ItemSpecification
	unroutable []livedata.ItemSpecification
}

func (d *Client) partition(specs []livedata.ItemSpecification) partition {
	p := partition{groups: make(map[livedata.Client][]livedata.ItemSpecification)}
	for _, s := range specs {
		c, err := d.Route(s)
		if err != nil {
			p.unroutable = append(p.unroutable, s)
			continue
		}
		if _, ok := p.groups[c]; !ok {
			p.order = append(p.order, c)
		}
		p.groups[c] = append(p.groups[c], s)
	}
	return p
}

// clients returns every distinct underlying client
func (d *Client) clients() []livedata.Client {
	seen := make(map[livedata.Client]struct{})
	var out []livedata.Client
	add := func(c livedata.Client) {
		if c == nil {
			return
		}
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	for _, c := range d.routes {
		add(c)
	}
	add(d.def)
	return out
}

// Start starts every underlying client
func (d *Client) Start(ctx context.Context) error {
	p := pool.New().WithErrors().WithContext(ctx)
	for _, c := range d.clients() {
		p.Go(func(ctx context.Context) error {
			return c.Start(ctx)
		})
	}
	return p.Wait()
}

// Close closes every underlying client
func (d *Client) Close(ctx context.Context) error {
	p := pool.New().WithErrors()
	for _, c := range d.clients() {
		p.Go(func() error {
			return c.Close(ctx)
		})
	}
	return p.Wait()
}

// Subscribe delegates each specification; unroutable ones get ResultNotPresent
func (d *Client) Subscribe(user *livedata.UserPrincipal, specs []livedata.ItemSpecification, listener livedata.Listener) error {
	if listener == nil {
		return ErrNilListener
	}
	part := d.partition(specs)

	p := pool.New().WithErrors()
	for _, c := range part.order {
		group := part.groups[c]
		p.Go(func() error {
			return c.Subscribe(user, group, listener)
		})
	}
	err := p.Wait()

	if len(part.unroutable) > 0 {
		d.logger.Warn().Int("specs", len(part.unroutable)).Msg("no client for specifications")
		results := make([]livedata.SubscriptionResult, len(part.unroutable))
		for i, s := range part.unroutable {
			results[i] = livedata.FailedResult(s, livedata.ResultNotPresent, "no client for specification")
		}
		listener.SubscriptionResults(results)
	}
	return err
}

// Unsubscribe delegates each specification; unroutable ones are ignored
func (d *Client) Unsubscribe(user *livedata.UserPrincipal, specs []livedata.ItemSpecification, listener livedata.Listener) error {
	if listener == nil {
		return ErrNilListener
	}
	part := d.partition(specs)

	p := pool.New().WithErrors()
	for _, c := range part.order {
		group := part.groups[c]
		p.Go(func() error {
			return c.Unsubscribe(user, group, listener)
		})
	}
	return p.Wait()
}

// Snapshot fans out per client and returns results in request order.
// Specifications of a client that failed outright get ResultInternalError.
func (d *Client) Snapshot(ctx context.Context, user *livedata.UserPrincipal, specs []livedata.ItemSpecification, timeout time.Duration) ([]livedata.SubscriptionResult, error) {
	part := d.partition(specs)
	c := newCollector(specs, part.unroutable)

	p := pool.New().WithErrors().WithContext(ctx)
	for _, cl := range part.order {
		group := part.groups[cl]
		p.Go(func(ctx context.Context) error {
			results, err := cl.Snapshot(ctx, user, group, timeout)
			c.add(group, results, err)
			return err
		})
	}
	err := p.Wait()
	return c.results(), err
}

// SnapshotAsync fans out per client and calls callback once with every result
func (d *Client) SnapshotAsync(user *livedata.UserPrincipal, specs []livedata.ItemSpecification, timeout time.Duration, callback func([]livedata.SubscriptionResult)) error {
	part := d.partition(specs)
	c := newCollector(specs, part.unroutable)

	var (
		mu        sync.Mutex
		remaining = len(part.order)
	)
	groupDone := func() {
		mu.Lock()
		remaining--
		last := remaining == 0
		mu.Unlock()
		if last {
			callback(c.results())
		}
	}
	if remaining == 0 {
		callback(c.results())
		return nil
	}

	for _, cl := range part.order {
		group := part.groups[cl]
		err := cl.SnapshotAsync(user, group, timeout, func(results []livedata.SubscriptionResult) {
			c.add(group, results, nil)
			groupDone()
		})
		if err != nil {
			c.add(group, nil, err)
			groupDone()
		}
	}
	return nil
}

// AreEntitled merges the answers of every client; unroutable specifications are denied
func (d *Client) AreEntitled(ctx context.Context, user *livedata.UserPrincipal, specs []livedata.ItemSpecification) (map[string]bool, error) {
	part := d.partition(specs)

	var mu sync.Mutex
	out := make(map[string]bool, len(specs))
	for _, s := range part.unroutable {
		out[s.Key()] = false
	}

	p := pool.New().WithErrors().WithContext(ctx)
	for _, c := range part.order {
		group := part.groups[c]
		p.Go(func(ctx context.Context) error {
			res, err := c.AreEntitled(ctx, user, group)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, s := range group {
				out[s.Key()] = res[s.Key()]
			}
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// collector recombines per-client snapshot results in request order
type collector struct {
	specs []livedata.ItemSpecification

	mu    sync.Mutex
	byKey map[string]livedata.SubscriptionResult
}

func newCollector(specs []livedata.ItemSpecification, unroutable []livedata.ItemSpecification) *collector {
	c := &collector{specs: specs, byKey: make(map[string]livedata.SubscriptionResult, len(specs))}
	for _, s := range unroutable {
		c.byKey[s.Key()] = livedata.FailedResult(s, livedata.ResultNotPresent, "no client for specification")
	}
	return c
}

func (c *collector) add(group []livedata.ItemSpecification, results []livedata.SubscriptionResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range results {
		c.byKey[r.RequestedSpec.Key()] = r
	}
	if err == nil && len(results) > 0 {
		return
	}
	msg := "no result"
	if err != nil {
		msg = err.Error()
	}
	for _, s := range group {
		if _, ok := c.byKey[s.Key()]; !ok {
			c.byKey[s.Key()] = livedata.FailedResult(s, livedata.ResultInternalError, msg)
		}
	}
}

func (c *collector) results() []livedata.SubscriptionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]livedata.SubscriptionResult, len(c.specs))
	for i, s := range c.specs {
		r, ok := c.byKey[s.Key()]
		if !ok {
			r = livedata.FailedResult(s, livedata.ResultInternalError, "no result")
		}
		out[i] = r
	}
	return out
}
