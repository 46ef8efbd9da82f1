// Package heartbeat periodically tells the server which specifications are
// still being consumed so that it does not time out their publication.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tickgofer/internal/clock"
	"tickgofer/internal/livedata"
	"tickgofer/internal/metrics"
)

// DefaultInterval is the period between heartbeats
const DefaultInterval = 5 * time.Minute

// defaultSendTimeout bounds a single heartbeat send
const defaultSendTimeout = 30 * time.Second

// Sender delivers a heartbeat for the given specifications.
// It returns the specifications the server no longer recognizes.
type Sender interface {
	SendHeartbeat(ctx context.Context, specs []livedata.ItemSpecification) ([]livedata.ItemSpecification, error)
}

// Source provides the specifications to heartbeat
type Source interface {
	ActiveSpecifications() []livedata.ItemSpecification
}

// UnrecognizedHandler is called with specifications the server reported as unknown
type UnrecognizedHandler func(ctx context.Context, specs []livedata.ItemSpecification)

// Option configures a Heartbeater
type Option func(*Heartbeater)

// WithUnrecognizedHandler sets the handler for unknown specifications
func WithUnrecognizedHandler(h UnrecognizedHandler) Option {
	return func(hb *Heartbeater) { hb.onUnrecognized = h }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(hb *Heartbeater) { hb.metrics = m }
}

// WithSendTimeout bounds each send
func WithSendTimeout(d time.Duration) Option {
	return func(hb *Heartbeater) { hb.sendTimeout = d }
}

// Heartbeater runs the periodic heartbeat task
type Heartbeater struct {
	source         Source
	sender         Sender
	interval       time.Duration
	sendTimeout    time.Duration
	clock          clock.Clock
	onUnrecognized UnrecognizedHandler
	metrics        *metrics.Metrics
	logger         zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Heartbeater; interval <= 0 selects DefaultInterval
func New(source Source, sender Sender, interval time.Duration, clk clock.Clock, logger zerolog.Logger, opts ...Option) *Heartbeater {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	hb := &Heartbeater{
		source:      source,
		sender:      sender,
		interval:    interval,
		sendTimeout: defaultSendTimeout,
		clock:       clk,
		logger:      logger.With().Str("component", "heartbeater").Logger(),
	}
	for _, opt := range opts {
		opt(hb)
	}
	return hb
}

// Start begins the periodic task. Calling Start twice has no effect.
func (hb *Heartbeater) Start() {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	if hb.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	hb.cancel = cancel
	hb.running = true

	ticker := hb.clock.NewTicker(hb.interval)
	hb.wg.Add(1)
	go hb.loop(ctx, ticker)

	hb.logger.Info().Dur("interval", hb.interval).Msg("heartbeater started")
}

// Stop halts the task and waits for an in-progress run to finish
func (hb *Heartbeater) Stop() {
	hb.mu.Lock()
	if !hb.running {
		hb.mu.Unlock()
		return
	}
	hb.running = false
	cancel := hb.cancel
	hb.mu.Unlock()

	cancel()
	hb.wg.Wait()
	hb.logger.Info().Msg("heartbeater stopped")
}

func (hb *Heartbeater) loop(ctx context.Context, ticker clock.Ticker) {
	defer hb.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := hb.RunOnce(ctx); err != nil {
				hb.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// RunOnce sends one heartbeat for the currently active specifications.
// Nothing is sent when there are none.
func (hb *Heartbeater) RunOnce(ctx context.Context) error {
	specs := hb.source.ActiveSpecifications()
	if len(specs) == 0 {
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, hb.sendTimeout)
	defer cancel()

	unrecognized, err := hb.sender.SendHeartbeat(sendCtx, specs)
	hb.metrics.Heartbeat(err)
	if err != nil {
		return err
	}

	hb.logger.Debug().Int("specs", len(specs)).Int("unrecognized", len(unrecognized)).Msg("heartbeat sent")

	if len(unrecognized) > 0 {
		hb.logger.Warn().Strs("specs", livedata.Keys(unrecognized)).Msg("server does not recognize heartbeated specifications")
		if hb.onUnrecognized != nil {
			hb.onUnrecognized(ctx, unrecognized)
		}
	}
	return nil
}
