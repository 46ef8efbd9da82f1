// Package client implements the subscription lifecycle shared by every
// transport binding: batching requests, the two-phase handoff that buffers
// ticks until a snapshot arrives, snapshot timeouts, unsubscribe, heartbeats
// and entitlement checks.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tickgofer/internal/clock"
	"tickgofer/internal/distributor"
	"tickgofer/internal/entitlement"
	"tickgofer/internal/heartbeat"
	"tickgofer/internal/livedata"
	"tickgofer/internal/metrics"
	"tickgofer/internal/resolver"
)

const (
	DefaultSnapshotTimeout = 30 * time.Second
	DefaultRequestTimeout  = 60 * time.Second
)

var (
	// ErrClosed is returned by calls made after Close
	ErrClosed = errors.New("client closed")
	// ErrSnapshotTimeout is returned with partial results when a snapshot times out
	ErrSnapshotTimeout = errors.New("snapshot timed out")
	// ErrNilListener is returned when subscribing without a listener
	ErrNilListener = errors.New("listener is required")
)

// Config holds the client's timing parameters. Zero values select defaults.
type Config struct {
	HeartbeatInterval  time.Duration
	SnapshotTimeout    time.Duration
	RequestTimeout     time.Duration
	EntitlementTimeout time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithClock sets the clock used for timeouts and heartbeats
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithEntitlementChecker overrides the checker found on the transport
func WithEntitlementChecker(checker entitlement.Checker) Option {
	return func(c *Client) { c.checker = checker }
}

// WithResolver overrides the resolver found on the transport
func WithResolver(r resolver.Resolver) Option {
	return func(c *Client) { c.resolver = r }
}

// WithHeartbeatSender overrides the heartbeat sender found on the transport
func WithHeartbeatSender(s heartbeat.Sender) Option {
	return func(c *Client) { c.hbSender = s }
}

// Client drives subscriptions over a Transport and fans ticks out to listeners
type Client struct {
	cfg         Config
	transport   Transport
	dist        *distributor.Distributor
	clock       clock.Clock
	metrics     *metrics.Metrics
	checker     entitlement.Checker
	resolver    resolver.Resolver
	hbSender    heartbeat.Sender
	heartbeater *heartbeat.Heartbeater
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	nextID atomic.Uint64

	// pendingMu guards handle state, the pending index, outstanding handles and aliases.
	// Listener callbacks are never invoked while it is held.
	pendingMu   sync.RWMutex
	pending     map[string][]*handle
	outstanding map[uint64]*handle
	aliases     map[string]map[livedata.Listener]livedata.ItemSpecification

	batchMu sync.Mutex
	batches map[*batch]struct{}
}

var _ livedata.Client = (*Client)(nil)

// New creates a Client over transport. Capabilities the transport implements
// (heartbeat.Sender, entitlement.Requester, resolver.Resolver) are wired
// unless overridden by options.
func New(cfg Config, transport Transport, logger zerolog.Logger, opts ...Option) *Client {
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = DefaultSnapshotTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:         cfg,
		transport:   transport,
		dist:        distributor.New(logger),
		clock:       clock.New(),
		logger:      logger.With().Str("component", "live-data-client").Logger(),
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[string][]*handle),
		outstanding: make(map[uint64]*handle),
		aliases:     make(map[string]map[livedata.Listener]livedata.ItemSpecification),
		batches:     make(map[*batch]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.checker == nil {
		if req, ok := transport.(entitlement.Requester); ok {
			c.checker = entitlement.NewRemote(req, cfg.EntitlementTimeout, c.metrics, logger, entitlement.WithClock(c.clock))
		} else {
			c.checker = entitlement.Permissive{}
		}
	}
	if c.resolver == nil {
		if r, ok := transport.(resolver.Resolver); ok {
			c.resolver = r
		} else {
			c.resolver = resolver.Identity{}
		}
	}
	if c.hbSender == nil {
		if s, ok := transport.(heartbeat.Sender); ok {
			c.hbSender = s
		}
	}
	if c.hbSender != nil {
		c.heartbeater = heartbeat.New(c.dist, c.hbSender, cfg.HeartbeatInterval, c.clock, logger,
			heartbeat.WithUnrecognizedHandler(c.resubscribe),
			heartbeat.WithMetrics(c.metrics))
	}
	return c
}

// Start connects the transport and starts heartbeating
func (c *Client) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.transport.Start(ctx, c); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if c.heartbeater != nil {
		c.heartbeater.Start()
	}
	c.logger.Info().Bool("heartbeat", c.heartbeater != nil).Msg("live data client started")
	return nil
}

// Close rejects new calls, fails every outstanding request with
// ResultInternalError, stops heartbeating and closes the transport
func (c *Client) Close(ctx context.Context) error {
	c.batchMu.Lock()
	if !c.closed.CompareAndSwap(false, true) {
		c.batchMu.Unlock()
		return nil
	}
	inflight := make([]*batch, 0, len(c.batches))
	for b := range c.batches {
		inflight = append(inflight, b)
	}
	c.batchMu.Unlock()

	for _, b := range inflight {
		b.settleRemaining(livedata.ResultInternalError, ErrClosed.Error(), false)
	}

	if c.heartbeater != nil {
		c.heartbeater.Stop()
	}
	c.cancel()

	if closer, ok := c.resolver.(interface{ Close() }); ok {
		closer.Close()
	}

	err := c.transport.Close(ctx)
	c.logger.Info().Int("failedRequests", len(inflight)).Msg("live data client closed")
	return err
}

func (c *Client) trackBatch(b *batch) error {
	c.batchMu.Lock()
	defer c.batchMu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	c.batches[b] = struct{}{}
	return nil
}

func (c *Client) forgetBatch(b *batch) {
	c.batchMu.Lock()
	delete(c.batches, b)
	c.batchMu.Unlock()
}

func (c *Client) newHandles(user *livedata.UserPrincipal, kind livedata.SubscriptionKind, specs []livedata.ItemSpecification, listener livedata.Listener, track bool) []*handle {
	handles := make([]*handle, len(specs))
	for i, s := range specs {
		handles[i] = &handle{
			id:       c.nextID.Add(1),
			user:     user,
			kind:     kind,
			spec:     s,
			listener: listener,
		}
	}
	if track {
		c.pendingMu.Lock()
		for _, h := range handles {
			c.outstanding[h.id] = h
		}
		c.pendingMu.Unlock()
	}
	return handles
}

func (c *Client) forgetHandles(handles []*handle) {
	c.pendingMu.Lock()
	for _, h := range handles {
		delete(c.outstanding, h.id)
	}
	c.pendingMu.Unlock()
}

func requestedSpec(h *handle) livedata.ItemSpecification { return h.spec }
func qualifiedSpec(h *handle) livedata.ItemSpecification { return h.fqSpec }

// Subscribe requests non-persistent streaming subscriptions. Results are
// reported only through listener.
func (c *Client) Subscribe(user *livedata.UserPrincipal, specs []livedata.ItemSpecification, listener livedata.Listener) error {
	return c.SubscribeWithKind(user, specs, livedata.KindStreamingNonPersistent, listener)
}

// SubscribeOne requests a single non-persistent streaming subscription
func (c *Client) SubscribeOne(user *livedata.UserPrincipal, spec livedata.ItemSpecification, listener livedata.Listener) error {
	return c.Subscribe(user, []livedata.ItemSpecification{spec}, listener)
}

// SubscribeWithKind requests streaming subscriptions of the given kind as one batch
func (c *Client) SubscribeWithKind(user *livedata.UserPrincipal, specs []livedata.ItemSpecification, kind livedata.SubscriptionKind, listener livedata.Listener) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if listener == nil {
		return ErrNilListener
	}
	if !kind.IsStreaming() {
		return fmt.Errorf("subscribe: kind %s is not a streaming kind", kind)
	}
	if len(specs) == 0 {
		return nil
	}

	handles := c.newHandles(user, kind, specs, listener, true)
	b := newBatch(c, handles, requestedSpec, c.onSubscribed, nil)
	b.late = c.releaseLate
	if err := c.trackBatch(b); err != nil {
		c.forgetHandles(handles)
		return err
	}
	b.expireAfter(c.clock, c.cfg.RequestTimeout, "no subscription response")

	c.metrics.Request(kind)
	c.logger.Debug().Str("user", user.String()).Str("kind", string(kind)).Int("specs", len(specs)).Msg("subscribing")

	req := Request{User: user, Kind: kind, Specs: b.specs()}
	if err := c.transport.SendRequest(c.ctx, req, b); err != nil {
		b.Fail(err)
	}
	return nil
}

// onSubscribed handles phase-1 results: successes become provisional and
// get a snapshot request, failures are reported immediately
func (c *Client) onSubscribed(settled []resolution) {
	var (
		provisional []*handle
		cancels     []livedata.ItemSpecification
		failures    = make(map[livedata.Listener][]livedata.SubscriptionResult)
	)

	c.pendingMu.Lock()
	for _, s := range settled {
		h := s.h
		if h.terminal() {
			if s.result.Success() && c.unusedLocked(s.result.Spec()) {
				cancels = append(cancels, s.result.Spec())
			}
			continue
		}
		if !s.result.Success() {
			c.failLocked(h)
			if !h.cancelled {
				r := s.result
				r.RequestedSpec = h.spec
				failures[h.listener] = append(failures[h.listener], r)
			}
			continue
		}

		h.phase1 = s.result
		h.fqSpec = s.result.Spec()
		if h.cancelled {
			c.failLocked(h)
			if c.unusedLocked(h.fqSpec) {
				cancels = append(cancels, h.fqSpec)
			}
			continue
		}

		h.state = stateProvisional
		key := h.fqSpec.Key()
		c.pending[key] = append(c.pending[key], h)
		c.metrics.PendingHandles(1)
		provisional = append(provisional, h)
	}
	c.pendingMu.Unlock()

	c.cancelPublications(cancels)
	for l, results := range failures {
		c.deliverResults(l, results)
	}
	if len(provisional) > 0 {
		c.requestSnapshots(provisional)
	}
}

// releaseLate cancels streams opened by phase-1 successes that arrived after
// their request had already timed out
func (c *Client) releaseLate(results []livedata.SubscriptionResult) {
	var cancels []livedata.ItemSpecification
	c.pendingMu.RLock()
	for _, r := range results {
		if r.Success() && c.unusedLocked(r.Spec()) {
			cancels = append(cancels, r.Spec())
		}
	}
	c.pendingMu.RUnlock()
	c.cancelPublications(cancels)
}

// abandon lets the transport forget a request whose batch timed out
func (c *Client) abandon(b *batch) {
	if a, ok := c.transport.(Abandoner); ok {
		a.Abandon(b)
	}
}

func (c *Client) requestSnapshots(handles []*handle) {
	b := newBatch(c, handles, qualifiedSpec, c.onSnapshotted, nil)
	if err := c.trackBatch(b); err != nil {
		b.Fail(err)
		return
	}
	b.expireAfter(c.clock, c.cfg.SnapshotTimeout, "no snapshot received")

	c.metrics.Request(livedata.KindSnapshot)
	req := Request{User: handles[0].user, Kind: livedata.KindSnapshot, Specs: b.specs()}
	if err := c.transport.SendRequest(c.ctx, req, b); err != nil {
		b.Fail(err)
	}
}

type promotion struct {
	h        *handle
	reg      *distributor.Registration
	added    bool
	result   livedata.SubscriptionResult
	buffered []livedata.ValueUpdate
}

// onSnapshotted handles phase-2 results: promotion on success, failure and
// stream cancel otherwise
func (c *Client) onSnapshotted(settled []resolution) {
	var (
		promotions []promotion
		failures   []resolution
		cancels    []livedata.ItemSpecification
	)

	c.pendingMu.Lock()
	for _, s := range settled {
		h := s.h
		if h.state != stateProvisional {
			continue
		}
		c.removePendingLocked(h)
		buffered := h.drainBuffer()

		if !s.result.Success() || h.cancelled {
			h.state = stateFailed
			c.metrics.Ticks(metrics.TickDiscarded, len(buffered))
			if c.unusedLocked(h.fqSpec) {
				cancels = append(cancels, h.fqSpec)
			}
			if !h.cancelled {
				r := s.result
				r.RequestedSpec = h.spec
				r.FullyQualifiedSpec = h.fqSpec
				failures = append(failures, resolution{h: h, result: r})
			}
			continue
		}

		h.state = stateActive
		reg, added := c.dist.AddReplaying(h.fqSpec, h.listener)
		c.setAliasLocked(h)

		result := h.phase1
		result.RequestedSpec = h.spec
		result.FullyQualifiedSpec = h.fqSpec
		result.Snapshot = s.result.Snapshot
		result.SequenceNumber = s.result.SequenceNumber
		if s.result.UserMessage != "" {
			result.UserMessage = s.result.UserMessage
		}
		promotions = append(promotions, promotion{h: h, reg: reg, added: added, result: result, buffered: buffered})
	}
	c.pendingMu.Unlock()

	c.cancelPublications(cancels)
	for _, f := range failures {
		c.deliverResult(f.h.listener, f.result)
	}
	for _, p := range promotions {
		c.deliverResult(p.h.listener, p.result)
		if !p.added {
			// already registered, so these ticks were delivered live
			c.metrics.Ticks(metrics.TickDiscarded, len(p.buffered))
			continue
		}
		keep, dropped := staleTicks(p.buffered, p.result.SequenceNumber)
		c.metrics.Ticks(metrics.TickDiscarded, dropped)
		c.metrics.Ticks(metrics.TickDelivered, len(keep))
		p.reg.FinishReplay(keep)
	}
}

// failLocked marks h failed and forgets it; pendingMu must be held
func (c *Client) failLocked(h *handle) {
	h.state = stateFailed
	delete(c.outstanding, h.id)
}

func (c *Client) removePendingLocked(h *handle) {
	delete(c.outstanding, h.id)
	key := h.fqSpec.Key()
	hs := c.pending[key]
	for i, p := range hs {
		if p == h {
			hs = append(hs[:i], hs[i+1:]...)
			c.metrics.PendingHandles(-1)
			break
		}
	}
	if len(hs) == 0 {
		delete(c.pending, key)
	} else {
		c.pending[key] = hs
	}
}

// unusedLocked reports whether nothing holds or awaits spec's stream
func (c *Client) unusedLocked(spec livedata.ItemSpecification) bool {
	return c.dist.ListenerCount(spec) == 0 && len(c.pending[spec.Key()]) == 0
}

func (c *Client) setAliasLocked(h *handle) {
	key := h.spec.Key()
	m, ok := c.aliases[key]
	if !ok {
		m = make(map[livedata.Listener]livedata.ItemSpecification)
		c.aliases[key] = m
	}
	m[h.listener] = h.fqSpec
}

// takeAliasLocked returns the fully-qualified specification listener
// receives for spec, which may be either the requested or the qualified form
func (c *Client) takeAliasLocked(spec livedata.ItemSpecification, listener livedata.Listener) livedata.ItemSpecification {
	key := spec.Key()
	if m, ok := c.aliases[key]; ok {
		if fq, ok := m[listener]; ok {
			c.deleteAliasLocked(key, listener)
			return fq
		}
	}
	for reqKey, m := range c.aliases {
		if fq, ok := m[listener]; ok && fq.Key() == key {
			c.deleteAliasLocked(reqKey, listener)
			return fq
		}
	}
	return spec
}

func (c *Client) deleteAliasLocked(reqKey string, listener livedata.Listener) {
	m := c.aliases[reqKey]
	delete(m, listener)
	if len(m) == 0 {
		delete(c.aliases, reqKey)
	}
}

func (c *Client) dropAliasesLocked(fqKey string) {
	for reqKey, m := range c.aliases {
		for l, fq := range m {
			if fq.Key() == fqKey {
				delete(m, l)
			}
		}
		if len(m) == 0 {
			delete(c.aliases, reqKey)
		}
	}
}

// ValueUpdate implements UpdateSink. Ticks for provisional handles are
// buffered; the listener set is read under the same lock so that a
// concurrent promotion sees each tick exactly once.
func (c *Client) ValueUpdate(update livedata.ValueUpdate) {
	key := update.Spec.Key()

	c.pendingMu.RLock()
	hs := c.pending[key]
	for _, h := range hs {
		h.bufferUpdate(update)
	}
	regs := c.dist.Registrations(update.Spec)
	c.pendingMu.RUnlock()

	c.metrics.Ticks(metrics.TickBuffered, len(hs))
	c.metrics.Ticks(metrics.TickDelivered, len(regs))
	distributor.Deliver(regs, update)
}

// SubscriptionLost implements UpdateSink: every listener of spec is stopped
func (c *Client) SubscriptionLost(spec livedata.ItemSpecification, result livedata.SubscriptionResult) {
	if c.closed.Load() {
		return
	}
	c.dropSpecification(spec, result)
}

// Unsubscribe removes listener from each specification, cancels the stream
// when it was the last consumer and reports SubscriptionStopped
func (c *Client) Unsubscribe(user *livedata.UserPrincipal, specs []livedata.ItemSpecification, listener livedata.Listener) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if listener == nil {
		return ErrNilListener
	}

	for _, spec := range specs {
		key := spec.Key()

		c.pendingMu.Lock()
		inflight := 0
		for _, h := range c.outstanding {
			if h.matches(key, listener) {
				h.cancelled = true
				inflight++
			}
		}
		fq := c.takeAliasLocked(spec, listener)
		removed, remaining := c.dist.RemoveListener(fq, listener)
		cancel := removed && !remaining && len(c.pending[fq.Key()]) == 0
		c.pendingMu.Unlock()

		c.logger.Debug().
			Str("user", user.String()).
			Str("spec", fq.Key()).
			Bool("removed", removed).
			Int("inflight", inflight).
			Msg("unsubscribed")

		if cancel {
			c.cancelPublication(fq)
		}
		c.notifyStopped(listener, spec)
	}
	return nil
}

func (c *Client) cancelPublications(specs []livedata.ItemSpecification) {
	seen := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		if _, dup := seen[s.Key()]; dup {
			continue
		}
		seen[s.Key()] = struct{}{}
		c.cancelPublication(s)
	}
}

func (c *Client) cancelPublication(spec livedata.ItemSpecification) {
	c.metrics.Cancel()
	if err := c.transport.CancelPublication(spec); err != nil {
		c.logger.Warn().Err(err).Str("spec", spec.Key()).Msg("failed to cancel publication")
	}
}

// SnapshotAsync requests one-off snapshots. callback is called exactly once,
// with ResultTimeout for specifications unanswered after timeout.
func (c *Client) SnapshotAsync(user *livedata.UserPrincipal, specs []livedata.ItemSpecification, timeout time.Duration, callback func([]livedata.SubscriptionResult)) error {
	return c.snapshotAsync(user, specs, timeout, func(results []livedata.SubscriptionResult, _ bool) {
		callback(results)
	})
}

func (c *Client) snapshotAsync(user *livedata.UserPrincipal, specs []livedata.ItemSpecification, timeout time.Duration, done func([]livedata.SubscriptionResult, bool)) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if timeout <= 0 {
		timeout = c.cfg.SnapshotTimeout
	}
	if len(specs) == 0 {
		done(nil, false)
		return nil
	}

	handles := c.newHandles(user, livedata.KindSnapshot, specs, nil, false)
	index := make(map[uint64]int, len(handles))
	for i, h := range handles {
		index[h.id] = i
	}

	var mu sync.Mutex
	results := make([]livedata.SubscriptionResult, len(handles))
	collect := func(settled []resolution) {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range settled {
			r := s.result
			r.RequestedSpec = s.h.spec
			results[index[s.h.id]] = r
		}
	}
	finish := func(timedOut bool) {
		mu.Lock()
		out := make([]livedata.SubscriptionResult, len(results))
		copy(out, results)
		mu.Unlock()

		for _, r := range out {
			c.metrics.Result(r.Code)
		}
		defer func() {
			if rec := recover(); rec != nil {
				c.logger.Error().Interface("panic", rec).Msg("snapshot callback panic")
			}
		}()
		done(out, timedOut)
	}

	b := newBatch(c, handles, requestedSpec, collect, finish)
	if err := c.trackBatch(b); err != nil {
		return err
	}
	b.expireAfter(c.clock, timeout, "snapshot timed out")

	c.metrics.Request(livedata.KindSnapshot)
	req := Request{User: user, Kind: livedata.KindSnapshot, Specs: b.specs()}
	if err := c.transport.SendRequest(c.ctx, req, b); err != nil {
		b.Fail(err)
	}
	return nil
}

// Snapshot requests one-off snapshots and waits for them. On timeout the
// results are returned, unanswered ones with ResultTimeout, along with
// ErrSnapshotTimeout.
func (c *Client) Snapshot(ctx context.Context, user *livedata.UserPrincipal, specs []livedata.ItemSpecification, timeout time.Duration) ([]livedata.SubscriptionResult, error) {
	type outcome struct {
		results  []livedata.SubscriptionResult
		timedOut bool
	}
	ch := make(chan outcome, 1)
	err := c.snapshotAsync(user, specs, timeout, func(results []livedata.SubscriptionResult, timedOut bool) {
		ch <- outcome{results: results, timedOut: timedOut}
	})
	if err != nil {
		return nil, err
	}

	select {
	case o := <-ch:
		if o.timedOut {
			return o.results, ErrSnapshotTimeout
		}
		return o.results, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resubscribe re-issues streaming requests for specifications the server no
// longer recognizes; listeners of those that fail are stopped
func (c *Client) resubscribe(_ context.Context, specs []livedata.ItemSpecification) {
	if c.closed.Load() || len(specs) == 0 {
		return
	}
	handles := c.newHandles(nil, livedata.KindStreamingNonPersistent, specs, nil, false)
	b := newBatch(c, handles, requestedSpec, func(settled []resolution) {
		for _, s := range settled {
			switch s.result.Code {
			case livedata.ResultSuccess:
				c.logger.Info().Str("spec", s.h.spec.Key()).Msg("resubscribed unrecognized specification")
			case livedata.ResultTimeout:
				c.logger.Warn().Str("spec", s.h.spec.Key()).Msg("resubscribe timed out, will retry on next heartbeat")
			default:
				c.dropSpecification(s.h.spec, s.result)
			}
		}
	}, nil)
	b.late = c.releaseLate
	if err := c.trackBatch(b); err != nil {
		return
	}
	b.expireAfter(c.clock, c.cfg.RequestTimeout, "no subscription response")

	c.metrics.Request(livedata.KindStreamingNonPersistent)
	req := Request{Kind: livedata.KindStreamingNonPersistent, Specs: b.specs()}
	if err := c.transport.SendRequest(c.ctx, req, b); err != nil {
		b.Fail(err)
	}
}

// dropSpecification removes every listener of spec and reports SubscriptionStopped
func (c *Client) dropSpecification(spec livedata.ItemSpecification, result livedata.SubscriptionResult) {
	c.pendingMu.Lock()
	listeners := c.dist.Listeners(spec)
	for _, l := range listeners {
		c.dist.RemoveListener(spec, l)
	}
	c.dropAliasesLocked(spec.Key())
	c.pendingMu.Unlock()

	c.logger.Warn().
		Str("spec", spec.Key()).
		Str("code", string(result.Code)).
		Str("message", result.UserMessage).
		Int("listeners", len(listeners)).
		Msg("subscription lost")

	for _, l := range listeners {
		c.notifyStopped(l, spec)
	}
}

// IsEntitled reports whether user may see spec
func (c *Client) IsEntitled(ctx context.Context, user *livedata.UserPrincipal, spec livedata.ItemSpecification) (bool, error) {
	res, err := c.AreEntitled(ctx, user, []livedata.ItemSpecification{spec})
	if err != nil {
		return false, err
	}
	return res[spec.Key()], nil
}

// AreEntitled reports, per specification Key, whether user may see it
func (c *Client) AreEntitled(ctx context.Context, user *livedata.UserPrincipal, specs []livedata.ItemSpecification) (map[string]bool, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.checker.IsEntitled(ctx, user, specs)
}

// Resolve maps specifications to their fully-qualified form
func (c *Client) Resolve(ctx context.Context, specs []livedata.ItemSpecification) (map[string]livedata.ItemSpecification, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.resolver.Resolve(ctx, specs)
}

// ActiveSpecifications returns the specifications that currently have listeners
func (c *Client) ActiveSpecifications() []livedata.ItemSpecification {
	return c.dist.ActiveSpecifications()
}

// PendingCount returns the number of handles waiting for their snapshot
func (c *Client) PendingCount() int {
	c.pendingMu.RLock()
	defer c.pendingMu.RUnlock()
	n := 0
	for _, hs := range c.pending {
		n += len(hs)
	}
	return n
}

func (c *Client) deliverResult(l livedata.Listener, r livedata.SubscriptionResult) {
	defer c.recoverListener("result")
	c.metrics.Result(r.Code)
	l.SubscriptionResult(r)
}

func (c *Client) deliverResults(l livedata.Listener, rs []livedata.SubscriptionResult) {
	if len(rs) == 1 {
		c.deliverResult(l, rs[0])
		return
	}
	defer c.recoverListener("results")
	for _, r := range rs {
		c.metrics.Result(r.Code)
	}
	l.SubscriptionResults(rs)
}

func (c *Client) notifyStopped(l livedata.Listener, spec livedata.ItemSpecification) {
	defer c.recoverListener("stopped")
	l.SubscriptionStopped(spec)
}

func (c *Client) recoverListener(callback string) {
	if rec := recover(); rec != nil {
		c.logger.Error().Interface("panic", rec).Str("callback", callback).Msg("listener panic")
	}
}
