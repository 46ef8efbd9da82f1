package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"tickgofer/internal/client"
	"tickgofer/internal/entitlement"
	"tickgofer/internal/heartbeat"
	"tickgofer/internal/livedata"
	"tickgofer/internal/resolver"
)

const (
	DefaultSessions       = 10
	DefaultRequestTimeout = 60 * time.Second
)

var (
	ErrNotStarted = errors.New("bus transport not started")

	_ client.Transport      = (*Transport)(nil)
	_ client.Abandoner      = (*Transport)(nil)
	_ heartbeat.Sender      = (*Transport)(nil)
	_ entitlement.Requester = (*Transport)(nil)
	_ resolver.Resolver     = (*Transport)(nil)
)

// Config configures a Transport
type Config struct {
	SubjectPrefix  string
	Sessions       int
	RequestTimeout time.Duration
}

// Transport is the client binding for a topic-based bus. Requests travel on
// request/reply subjects; each successful streaming response names a
// distribution topic that the transport consumes on one of its sessions.
type Transport struct {
	cfg      Config
	subjects Subjects
	dial     Dialer
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu          sync.Mutex
	conn        Conn
	started     bool
	closed      bool
	inflight    map[string]client.ResponseSink
	sessions    []*session
	nextSession int
	topics      map[string]*topicConsumer
	specTopics  map[string]string
}

// New creates a bus transport that connects through dial on Start
func New(cfg Config, dial Dialer, logger zerolog.Logger) *Transport {
	if cfg.Sessions <= 0 {
		cfg.Sessions = DefaultSessions
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "livedata"
	}
	return &Transport{
		cfg:        cfg,
		subjects:   NewSubjects(cfg.SubjectPrefix),
		dial:       dial,
		logger:     logger.With().Str("component", "bus-transport").Logger(),
		inflight:   make(map[string]client.ResponseSink),
		topics:     make(map[string]*topicConsumer),
		specTopics: make(map[string]string),
	}
}

// NewWithConn creates a bus transport over an already open connection
func NewWithConn(cfg Config, conn Conn, logger zerolog.Logger) *Transport {
	return New(cfg, func(context.Context) (Conn, error) { return conn, nil }, logger)
}

// Start implements client.Transport
func (t *Transport) Start(ctx context.Context, updates client.UpdateSink) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect bus: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = conn.Close(ctx)
		return ErrClosed
	}
	t.conn = conn
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.sessions = make([]*session, t.cfg.Sessions)
	for i := range t.sessions {
		s := newSession(i, updates, t.logger)
		t.sessions[i] = s
		t.wg.Go(s.run)
	}
	t.started = true

	t.logger.Info().
		Str("prefix", t.cfg.SubjectPrefix).
		Int("sessions", t.cfg.Sessions).
		Msg("bus transport started")
	return nil
}

// SendRequest implements client.Transport. The round trip runs in the
// background; sink receives the outcome.
func (t *Transport) SendRequest(ctx context.Context, req client.Request, sink client.ResponseSink) error {
	id := uuid.NewString()
	data, err := encode(SubscriptionRequestMsg{
		ID:    id,
		User:  req.User,
		Kind:  req.Kind,
		Specs: req.Specs,
	})
	if err != nil {
		return fmt.Errorf("failed to encode subscription request: %w", err)
	}

	t.mu.Lock()
	if err := t.usableLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	t.inflight[id] = sink
	conn := t.conn
	baseCtx := t.ctx
	// Spawned under the lock so Close cannot be waiting already
	t.wg.Go(func() {
		reqCtx, cancel := context.WithTimeout(baseCtx, t.cfg.RequestTimeout)
		defer cancel()
		reply, err := conn.Request(reqCtx, t.subjects.Subscribe, data)
		t.complete(id, req.Kind, reply, err)
	})
	t.mu.Unlock()

	t.logger.Debug().
		Str("id", id).
		Str("kind", string(req.Kind)).
		Int("specs", len(req.Specs)).
		Msg("sent subscription request")
	return nil
}

// complete hands the reply to the sink registered under id, unless Close got there first
func (t *Transport) complete(id string, kind livedata.SubscriptionKind, reply []byte, err error) {
	t.mu.Lock()
	sink, ok := t.inflight[id]
	delete(t.inflight, id)
	t.mu.Unlock()
	if !ok {
		return
	}

	if err != nil {
		t.logger.Warn().Err(err).Str("id", id).Msg("subscription request failed")
		sink.Fail(err)
		return
	}

	var msg SubscriptionResponseMsg
	if err := decode(reply, &msg); err != nil {
		sink.Fail(fmt.Errorf("failed to decode subscription response: %w", err))
		return
	}
	if msg.ID != "" && msg.ID != id {
		t.logger.Warn().Str("id", id).Str("replyId", msg.ID).Msg("subscription response id mismatch")
	}

	results := make([]livedata.SubscriptionResult, 0, len(msg.Responses))
	for _, r := range msg.Responses {
		result := r.SubscriptionResult
		if kind.IsStreaming() && result.Success() {
			// Consume before the result is delivered so no tick published
			// after the response is missed.
			if err := t.consume(result.Spec(), r.DistributionTopic); err != nil {
				t.logger.Error().Err(err).
					Str("topic", r.DistributionTopic).
					Str("spec", result.Spec().Key()).
					Msg("failed to consume distribution topic")
				result = livedata.FailedResult(result.RequestedSpec, livedata.ResultInternalError,
					"failed to consume distribution topic: "+err.Error())
			}
		}
		results = append(results, result)
	}
	sink.Deliver(results)
}

// Abandon implements client.Abandoner. A reply arriving for an abandoned
// request opens no topic consumer.
func (t *Transport) Abandon(sink client.ResponseSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range t.inflight {
		if s == sink {
			delete(t.inflight, id)
			t.logger.Debug().Str("id", id).Msg("abandoned subscription request")
		}
	}
}

// consume binds spec to topic, opening the topic consumer on first use
func (t *Transport) consume(spec livedata.ItemSpecification, topic string) error {
	if topic == "" {
		return errors.New("response has no distribution topic")
	}
	key := spec.Key()

	t.mu.Lock()
	if err := t.usableLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	if current, ok := t.specTopics[key]; ok {
		if current == topic {
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		if err := t.CancelPublication(spec); err != nil {
			return err
		}
		t.mu.Lock()
		if err := t.usableLocked(); err != nil {
			t.mu.Unlock()
			return err
		}
	}
	defer t.mu.Unlock()

	tc, ok := t.topics[topic]
	if !ok {
		sess := t.sessions[t.nextSession%len(t.sessions)]
		t.nextSession++
		tc = &topicConsumer{
			topic:   topic,
			session: sess,
			specs:   make(map[string]livedata.ItemSpecification),
		}
		sub, err := t.conn.Subscribe(topic, func(_ string, data []byte) {
			sess.enqueue(tc, data)
		})
		if err != nil {
			return err
		}
		tc.sub = sub
		t.topics[topic] = tc
		t.logger.Debug().Str("topic", topic).Int("session", sess.id).Msg("consuming distribution topic")
	}

	tc.mu.Lock()
	tc.specs[key] = spec
	tc.mu.Unlock()
	t.specTopics[key] = topic
	return nil
}

// CancelPublication implements client.Transport. The topic consumer closes
// once no specification uses it.
func (t *Transport) CancelPublication(spec livedata.ItemSpecification) error {
	key := spec.Key()

	t.mu.Lock()
	topic, ok := t.specTopics[key]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.specTopics, key)
	tc := t.topics[topic]
	tc.mu.Lock()
	delete(tc.specs, key)
	empty := len(tc.specs) == 0
	tc.mu.Unlock()
	if empty {
		delete(t.topics, topic)
		tc.closed.Store(true)
	}
	t.mu.Unlock()

	if !empty {
		return nil
	}
	t.logger.Debug().Str("topic", topic).Msg("closing distribution topic consumer")
	if err := tc.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to close consumer for %s: %w", topic, err)
	}
	return nil
}

// SendHeartbeat implements heartbeat.Sender
func (t *Transport) SendHeartbeat(ctx context.Context, specs []livedata.ItemSpecification) ([]livedata.ItemSpecification, error) {
	var reply HeartbeatReplyMsg
	if err := t.call(ctx, t.subjects.Heartbeat, HeartbeatMsg{Specs: specs}, &reply); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return reply.Unrecognized, nil
}

// RequestEntitlement implements entitlement.Requester
func (t *Transport) RequestEntitlement(req entitlement.Request, reply func(entitlement.Response, error)) error {
	t.mu.Lock()
	if err := t.usableLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	baseCtx := t.ctx
	t.wg.Go(func() {
		ctx, cancel := context.WithTimeout(baseCtx, t.cfg.RequestTimeout)
		defer cancel()
		var msg EntitlementReplyMsg
		if err := t.call(ctx, t.subjects.Entitlement, EntitlementRequestMsg{Request: req}, &msg); err != nil {
			reply(entitlement.Response{}, fmt.Errorf("entitlement: %w", err))
			return
		}
		reply(msg.Response, nil)
	})
	t.mu.Unlock()
	return nil
}

// Resolve implements resolver.Resolver
func (t *Transport) Resolve(ctx context.Context, specs []livedata.ItemSpecification) (map[string]livedata.ItemSpecification, error) {
	out := make(map[string]livedata.ItemSpecification, len(specs))
	if len(specs) == 0 {
		return out, nil
	}
	var reply ResolveReplyMsg
	if err := t.call(ctx, t.subjects.Resolve, ResolveRequestMsg{Specs: specs}, &reply); err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	for _, r := range reply.Resolutions {
		if r.Resolved.IsZero() {
			continue
		}
		out[r.Requested.Key()] = r.Resolved
	}
	return out, nil
}

// call performs a synchronous request/reply round trip
func (t *Transport) call(ctx context.Context, subject string, req, reply any) error {
	t.mu.Lock()
	if err := t.usableLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	conn := t.conn
	t.mu.Unlock()

	data, err := encode(req)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.RequestTimeout)
		defer cancel()
	}
	resp, err := conn.Request(ctx, subject, data)
	if err != nil {
		return err
	}
	return decode(resp, reply)
}

// TopicCount returns the number of open distribution topic consumers
func (t *Transport) TopicCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.topics)
}

// InflightCount returns the number of requests awaiting a reply
func (t *Transport) InflightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// Close implements client.Transport. Outstanding requests fail with ErrClosed.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started := t.started
	inflight := t.inflight
	t.inflight = make(map[string]client.ResponseSink)
	topics := t.topics
	t.topics = make(map[string]*topicConsumer)
	t.specTopics = make(map[string]string)
	conn := t.conn
	t.mu.Unlock()

	if !started {
		return nil
	}

	for _, sink := range inflight {
		sink.Fail(ErrClosed)
	}
	for topic, tc := range topics {
		tc.closed.Store(true)
		if err := tc.sub.Unsubscribe(); err != nil {
			t.logger.Warn().Err(err).Str("topic", topic).Msg("failed to close topic consumer")
		}
	}

	t.cancel()
	for _, s := range t.sessions {
		s.stop()
	}
	t.wg.Wait()

	err := conn.Close(ctx)
	t.logger.Info().Msg("bus transport closed")
	return err
}

func (t *Transport) usableLocked() error {
	if t.closed {
		return ErrClosed
	}
	if !t.started {
		return ErrNotStarted
	}
	return nil
}
