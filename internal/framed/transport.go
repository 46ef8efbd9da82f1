package framed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"tickgofer/internal/client"
	"tickgofer/internal/clock"
	"tickgofer/internal/livedata"
)

const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultReconnectInterval    = time.Second
	DefaultMaxReconnectInterval = 30 * time.Second

	connectAttempts = 3
)

var (
	ErrNotAuthorized = errors.New("connection not authorized")
	ErrNotConnected  = errors.New("framed transport not connected")
	ErrClosed        = errors.New("framed transport closed")

	_ client.Transport = (*Transport)(nil)
	_ client.Abandoner = (*Transport)(nil)
)

// Config configures a Transport
type Config struct {
	URL                  string
	UserName             string
	ConnectTimeout       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	// Clock schedules reconnect waits; nil selects the wall clock
	Clock clock.Clock
}

// DialFunc opens a FrameConn
type DialFunc func(ctx context.Context) (FrameConn, error)

type pendingEntry struct {
	spec livedata.ItemSpecification
	kind MessageKind
	// sink is nil for resubscriptions sent after a reconnect
	sink client.ResponseSink
}

// Transport is the client binding for the framed socket protocol. It owns a
// single connection with one reader goroutine; requests are matched to
// responses by correlation id.
type Transport struct {
	cfg    Config
	dial   DialFunc
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	conn    FrameConn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	nextID    atomic.Int64
	pending   map[int64]pendingEntry
	pendingMu sync.Mutex

	// active streams by fully-qualified spec key, resubscribed after reconnect
	active   map[string]livedata.ItemSpecification
	activeMu sync.Mutex

	// inbound messages in arrival order, handled off the reader goroutine
	inbox      []*Message
	inboxMu    sync.Mutex
	inboxReady chan struct{}

	updates client.UpdateSink
	started atomic.Bool
	closed  atomic.Bool
}

// New creates a framed transport dialing cfg.URL
func New(cfg Config, logger zerolog.Logger) *Transport {
	t := NewWithDialer(cfg, nil, logger)
	t.dial = func(ctx context.Context) (FrameConn, error) {
		return Dial(ctx, t.cfg.URL, t.cfg.ConnectTimeout)
	}
	return t
}

// NewWithDialer creates a framed transport using dial to open connections
func NewWithDialer(cfg Config, dial DialFunc, logger zerolog.Logger) *Transport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.MaxReconnectInterval < cfg.ReconnectInterval {
		cfg.MaxReconnectInterval = DefaultMaxReconnectInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:     cfg,
		dial:    dial,
		logger:  logger.With().Str("component", "framed-transport").Str("url", cfg.URL).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		pending:    make(map[int64]pendingEntry),
		active:     make(map[string]livedata.ItemSpecification),
		inboxReady: make(chan struct{}, 1),
	}
}

// Start implements client.Transport: it connects, performs the handshake and
// starts the reader. NOT_AUTHORIZED is not retried.
func (t *Transport) Start(ctx context.Context, updates client.UpdateSink) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if t.started.Load() {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.ReconnectInterval
	b.MaxInterval = t.cfg.MaxReconnectInterval

	conn, err := backoff.Retry(ctx, func() (FrameConn, error) {
		conn, err := t.connect(ctx)
		if errors.Is(err, ErrNotAuthorized) {
			return nil, backoff.Permanent(err)
		}
		if err != nil {
			t.logger.Warn().Err(err).Msg("connect failed")
		}
		return conn, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(connectAttempts))
	if err != nil {
		return err
	}

	t.connMu.Lock()
	t.conn = conn
	t.updates = updates
	t.connMu.Unlock()
	t.started.Store(true)

	t.wg.Add(2)
	go t.readLoop(conn)
	go t.dispatchLoop()
	return nil
}

// connect dials and performs the handshake
func (t *Transport) connect(ctx context.Context) (FrameConn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}

	req := &Message{Kind: KindConnectionRequest, UserName: t.cfg.UserName}
	if err := conn.WriteFrame(req.Marshal()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send connection request: %w", err)
	}

	type frame struct {
		data []byte
		err  error
	}
	read := make(chan frame, 1)
	go func() {
		data, err := conn.ReadFrame()
		read <- frame{data: data, err: err}
	}()

	var f frame
	select {
	case f = <-read:
	case <-ctx.Done():
		conn.Close()
		return nil, fmt.Errorf("connection handshake: %w", ctx.Err())
	}
	if f.err != nil {
		conn.Close()
		return nil, fmt.Errorf("connection handshake: %w", f.err)
	}

	resp, err := Unmarshal(f.data)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("connection handshake: %w", err)
	}
	if resp.Kind != KindConnectionResponse {
		conn.Close()
		return nil, fmt.Errorf("connection handshake: unexpected %s", resp.Kind)
	}

	switch resp.ConnectionResult {
	case NewConnectionSuccess, ExistingConnectionRestart:
		t.logger.Info().Str("result", string(resp.ConnectionResult)).Str("user", t.cfg.UserName).Msg("connected")
		return conn, nil
	case NotAuthorized:
		conn.Close()
		return nil, fmt.Errorf("%w: user %s", ErrNotAuthorized, t.cfg.UserName)
	default:
		conn.Close()
		return nil, fmt.Errorf("connection handshake: unknown result %q", resp.ConnectionResult)
	}
}

// SendRequest implements client.Transport. Each specification travels as its
// own message with its own correlation id.
func (t *Transport) SendRequest(_ context.Context, req client.Request, sink client.ResponseSink) error {
	if t.closed.Load() {
		return ErrClosed
	}
	kind := KindSubscriptionRequest
	if req.Kind == livedata.KindSnapshot {
		kind = KindSnapshotRequest
	}

	for i, spec := range req.Specs {
		err := t.send(kind, spec, sink)
		if err == nil {
			continue
		}
		if i == 0 {
			return err
		}
		// Part of the batch is on the wire; the rest fails here
		failed := make([]livedata.SubscriptionResult, 0, len(req.Specs)-i)
		for _, s := range req.Specs[i:] {
			failed = append(failed, livedata.FailedResult(s, livedata.ResultInternalError, err.Error()))
		}
		sink.Deliver(failed)
		return nil
	}
	return nil
}

func (t *Transport) send(kind MessageKind, spec livedata.ItemSpecification, sink client.ResponseSink) error {
	id := t.nextID.Add(1)
	t.pendingMu.Lock()
	t.pending[id] = pendingEntry{spec: spec, kind: kind, sink: sink}
	t.pendingMu.Unlock()

	msg := &Message{
		Kind:                kind,
		CorrelationID:       id,
		NormalizationScheme: spec.NormalizationScheme,
		SubscriptionID:      subscriptionID(spec),
	}
	if err := t.write(msg); err != nil {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
		return err
	}
	return nil
}

func (t *Transport) write(msg *Message) error {
	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteFrame(msg.Marshal()); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Kind, err)
	}
	return nil
}

// CancelPublication implements client.Transport
func (t *Transport) CancelPublication(spec livedata.ItemSpecification) error {
	t.activeMu.Lock()
	_, ok := t.active[spec.Key()]
	delete(t.active, spec.Key())
	t.activeMu.Unlock()
	if !ok {
		return nil
	}

	err := t.write(&Message{
		Kind:                KindUnsubscribe,
		CorrelationID:       t.nextID.Add(1),
		NormalizationScheme: spec.NormalizationScheme,
		SubscriptionID:      subscriptionID(spec),
	})
	if errors.Is(err, ErrNotConnected) {
		// Not resubscribed after reconnect, so nothing to cancel
		return nil
	}
	return err
}

// Abandon implements client.Abandoner. Correlation ids of the request are
// forgotten, and a stream the server may still open for it is unsubscribed.
// The server handles messages in order, so the Unsubscribe follows the request.
func (t *Transport) Abandon(sink client.ResponseSink) {
	var orphaned []livedata.ItemSpecification
	t.pendingMu.Lock()
	for id, e := range t.pending {
		if e.sink != sink {
			continue
		}
		delete(t.pending, id)
		if e.kind == KindSubscriptionRequest {
			orphaned = append(orphaned, e.spec)
		}
	}
	// Another request still waiting on the same stream keeps it
	awaited := make(map[string]bool)
	for _, e := range t.pending {
		if e.kind == KindSubscriptionRequest {
			awaited[e.spec.Key()] = true
		}
	}
	t.pendingMu.Unlock()

	for _, spec := range orphaned {
		t.activeMu.Lock()
		_, active := t.active[spec.Key()]
		t.activeMu.Unlock()
		if active || awaited[spec.Key()] {
			continue
		}
		err := t.write(&Message{
			Kind:                KindUnsubscribe,
			CorrelationID:       t.nextID.Add(1),
			NormalizationScheme: spec.NormalizationScheme,
			SubscriptionID:      subscriptionID(spec),
		})
		if err != nil && !errors.Is(err, ErrNotConnected) {
			t.logger.Warn().Err(err).Str("spec", spec.Key()).Msg("failed to unsubscribe abandoned request")
		}
	}
}

// PendingCount returns the number of requests awaiting a response
func (t *Transport) PendingCount() int {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pending)
}

// ActiveCount returns the number of streams resubscribed on reconnect
func (t *Transport) ActiveCount() int {
	t.activeMu.Lock()
	defer t.activeMu.Unlock()
	return len(t.active)
}

func (t *Transport) readLoop(conn FrameConn) {
	defer t.wg.Done()

	for {
		data, err := conn.ReadFrame()
		if err == nil {
			var msg *Message
			msg, err = Unmarshal(data)
			if err == nil {
				t.enqueue(msg)
				continue
			}
			t.logger.Warn().Err(err).Int("len", len(data)).Msg("malformed frame")
		}

		if t.ctx.Err() != nil {
			return
		}
		t.logger.Warn().Err(err).Msg("connection lost, reconnecting")
		var ok bool
		if conn, ok = t.reconnect(conn, err); !ok {
			return
		}
	}
}

// enqueue never blocks, so a sink that writes from Deliver cannot stall reads
func (t *Transport) enqueue(msg *Message) {
	t.inboxMu.Lock()
	t.inbox = append(t.inbox, msg)
	t.inboxMu.Unlock()
	select {
	case t.inboxReady <- struct{}{}:
	default:
	}
}

func (t *Transport) dispatchLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.inboxReady:
		}

		t.inboxMu.Lock()
		batch := t.inbox
		t.inbox = nil
		t.inboxMu.Unlock()

		for _, msg := range batch {
			if t.ctx.Err() != nil {
				return
			}
			t.dispatch(msg)
		}
	}
}

func (t *Transport) dispatch(msg *Message) {
	switch msg.Kind {
	case KindSubscriptionResponse, KindSnapshotResponse:
		t.handleResponse(msg)
	case KindLiveDataUpdate:
		t.handleUpdate(msg)
	default:
		t.logger.Warn().Str("kind", msg.Kind.String()).Msg("unexpected message")
	}
}

func (t *Transport) handleResponse(msg *Message) {
	t.pendingMu.Lock()
	entry, ok := t.pending[msg.CorrelationID]
	delete(t.pending, msg.CorrelationID)
	t.pendingMu.Unlock()
	if !ok {
		t.logger.Warn().
			Int64("correlationId", msg.CorrelationID).
			Str("kind", msg.Kind.String()).
			Msg("response for unknown correlation id")
		return
	}

	result := livedata.SubscriptionResult{
		RequestedSpec:  entry.spec,
		Code:           msg.Result,
		UserMessage:    msg.UserMessage,
		Snapshot:       msg.Values,
		SequenceNumber: msg.SequenceNumber,
	}
	if fq, err := msg.Spec(); err == nil && fq.IDs.Len() > 0 {
		result.FullyQualifiedSpec = fq
	} else {
		result.FullyQualifiedSpec = entry.spec
	}

	if entry.kind == KindSubscriptionRequest && result.Success() {
		t.activeMu.Lock()
		t.active[result.FullyQualifiedSpec.Key()] = result.FullyQualifiedSpec
		t.activeMu.Unlock()
	}

	if entry.sink == nil {
		if !result.Success() {
			t.logger.Warn().
				Str("spec", entry.spec.Key()).
				Str("code", string(result.Code)).
				Msg("resubscription failed")
			t.activeMu.Lock()
			delete(t.active, entry.spec.Key())
			t.activeMu.Unlock()

			t.connMu.RLock()
			updates := t.updates
			t.connMu.RUnlock()
			updates.SubscriptionLost(entry.spec, result)
		}
		return
	}
	entry.sink.Deliver([]livedata.SubscriptionResult{result})
}

func (t *Transport) handleUpdate(msg *Message) {
	spec, err := msg.Spec()
	if err != nil {
		t.logger.Warn().Err(err).Msg("dropping update")
		return
	}
	t.activeMu.Lock()
	fq, ok := t.active[spec.Key()]
	t.activeMu.Unlock()
	if !ok {
		t.logger.Debug().Str("spec", spec.Key()).Msg("update for inactive subscription")
		return
	}

	t.connMu.RLock()
	updates := t.updates
	t.connMu.RUnlock()
	updates.ValueUpdate(livedata.ValueUpdate{
		Spec:           fq,
		Fields:         msg.Values,
		SequenceNumber: msg.SequenceNumber,
	})
}

// reconnect fails every pending request on the lost connection, then redials
// with backoff and resubscribes the active streams
func (t *Transport) reconnect(lost FrameConn, cause error) (FrameConn, bool) {
	t.connMu.Lock()
	t.conn = nil
	t.connMu.Unlock()
	lost.Close()

	t.failPending(func(sink client.ResponseSink, specs []livedata.ItemSpecification) {
		msg := "connection lost"
		if cause != nil {
			msg += ": " + cause.Error()
		}
		results := make([]livedata.SubscriptionResult, len(specs))
		for i, s := range specs {
			results[i] = livedata.FailedResult(s, livedata.ResultInternalError, msg)
		}
		sink.Deliver(results)
	})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.ReconnectInterval
	b.MaxInterval = t.cfg.MaxReconnectInterval

	for {
		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			sleep = t.cfg.MaxReconnectInterval
		}
		wait := make(chan struct{})
		timer := t.cfg.Clock.AfterFunc(sleep, func() { close(wait) })
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return nil, false
		case <-wait:
		}

		conn, err := t.connect(t.ctx)
		if err != nil {
			t.logger.Warn().Err(err).Dur("lastWait", sleep).Msg("reconnection failed, will retry")
			continue
		}

		t.connMu.Lock()
		if t.closed.Load() {
			t.connMu.Unlock()
			conn.Close()
			return nil, false
		}
		t.conn = conn
		t.connMu.Unlock()

		t.resubscribe()
		return conn, true
	}
}

func (t *Transport) resubscribe() {
	t.activeMu.Lock()
	specs := make([]livedata.ItemSpecification, 0, len(t.active))
	for _, s := range t.active {
		specs = append(specs, s)
	}
	t.activeMu.Unlock()

	var failed int
	for _, s := range specs {
		if err := t.send(KindSubscriptionRequest, s, nil); err != nil {
			failed++
			t.logger.Warn().Err(err).Str("spec", s.Key()).Msg("failed to resubscribe")
		}
	}
	t.logger.Info().Int("total", len(specs)).Int("failed", failed).Msg("reconnect resubscribe done")
}

// failPending removes every pending entry and reports them per sink
func (t *Transport) failPending(report func(sink client.ResponseSink, specs []livedata.ItemSpecification)) {
	t.pendingMu.Lock()
	pending := t.pending
	t.pending = make(map[int64]pendingEntry)
	t.pendingMu.Unlock()

	bySink := make(map[client.ResponseSink][]livedata.ItemSpecification)
	for _, e := range pending {
		if e.sink == nil {
			continue
		}
		bySink[e.sink] = append(bySink[e.sink], e.spec)
	}
	for sink, specs := range bySink {
		report(sink, specs)
	}
}

// Close implements client.Transport. Pending requests fail with ErrClosed.
func (t *Transport) Close(context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()

	t.connMu.Lock()
	conn := t.conn
	t.conn = nil
	t.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}

	t.failPending(func(sink client.ResponseSink, _ []livedata.ItemSpecification) {
		sink.Fail(ErrClosed)
	})
	t.wg.Wait()
	t.logger.Info().Msg("framed transport closed")
	return nil
}
