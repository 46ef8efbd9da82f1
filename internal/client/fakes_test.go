package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"tickgofer/internal/clock"
	"tickgofer/internal/entitlement"
	"tickgofer/internal/livedata"
)

type sentRequest struct {
	req  Request
	sink ResponseSink
}

// mockTransport records requests; tests answer them through the recorded sinks
type mockTransport struct {
	mu                 sync.Mutex
	requests           []sentRequest
	cancels            []string
	abandoned          []ResponseSink
	updates            UpdateSink
	sendErr            error
	closed             bool
	entitlementCalls   int
	heartbeats         int
	heartbeatUnknown   []livedata.ItemSpecification
	entitlementGranted bool
}

func (m *mockTransport) Start(_ context.Context, updates UpdateSink) error {
	m.mu.Lock()
	m.updates = updates
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) SendRequest(_ context.Context, req Request, sink ResponseSink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.requests = append(m.requests, sentRequest{req: req, sink: sink})
	return nil
}

func (m *mockTransport) CancelPublication(spec livedata.ItemSpecification) error {
	m.mu.Lock()
	m.cancels = append(m.cancels, spec.Key())
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) Abandon(sink ResponseSink) {
	m.mu.Lock()
	m.abandoned = append(m.abandoned, sink)
	m.mu.Unlock()
}

func (m *mockTransport) abandonedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.abandoned)
}

func (m *mockTransport) Close(context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) RequestEntitlement(req entitlement.Request, reply func(entitlement.Response, error)) error {
	m.mu.Lock()
	m.entitlementCalls++
	granted := m.entitlementGranted
	m.mu.Unlock()

	entries := make([]entitlement.Entry, len(req.Specs))
	for i, s := range req.Specs {
		entries[i] = entitlement.Entry{Spec: s, Granted: granted}
	}
	go reply(entitlement.Response{Entries: entries}, nil)
	return nil
}

func (m *mockTransport) SendHeartbeat(_ context.Context, _ []livedata.ItemSpecification) ([]livedata.ItemSpecification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats++
	return m.heartbeatUnknown, nil
}

func (m *mockTransport) request(t *testing.T, i int) sentRequest {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Greater(t, len(m.requests), i, "request %d not sent", i)
	return m.requests[i]
}

func (m *mockTransport) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockTransport) cancelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancels)
}

// recorder is a listener that records every callback as a string event
type recorder struct {
	mu      sync.Mutex
	events  []string
	results []livedata.SubscriptionResult
}

func (r *recorder) SubscriptionResult(res livedata.SubscriptionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "result:"+string(res.Code))
	r.results = append(r.results, res)
}

func (r *recorder) SubscriptionResults(rs []livedata.SubscriptionResult) {
	for _, res := range rs {
		r.SubscriptionResult(res)
	}
}

func (r *recorder) SubscriptionStopped(livedata.ItemSpecification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "stopped")
}

func (r *recorder) ValueUpdate(u livedata.ValueUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("tick:%d", u.SequenceNumber))
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) lastResult() livedata.SubscriptionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[len(r.results)-1]
}

func spec(id string) livedata.ItemSpecification {
	return livedata.NewItemSpecification("OpenGamma", livedata.NewExternalID("TICKER", id))
}

func success(s livedata.ItemSpecification) livedata.SubscriptionResult {
	return livedata.SubscriptionResult{RequestedSpec: s, FullyQualifiedSpec: s, Code: livedata.ResultSuccess}
}

func snapshotOf(s livedata.ItemSpecification, seq int64) livedata.SubscriptionResult {
	r := success(s)
	r.Snapshot = livedata.NewPayload().With("LAST", livedata.FloatValue(101.5))
	r.SequenceNumber = seq
	return r
}

func tick(s livedata.ItemSpecification, seq int64) livedata.ValueUpdate {
	return livedata.ValueUpdate{Spec: s, Fields: livedata.NewPayload().With("LAST", livedata.IntValue(seq)), SequenceNumber: seq}
}

func newTestClient(t *testing.T) (*Client, *mockTransport, *clock.Fake) {
	t.Helper()
	tr := &mockTransport{}
	clk := clock.NewFake(time.Time{})
	c := New(Config{SnapshotTimeout: 10 * time.Second}, tr, zerolog.Nop(), WithClock(clk))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, tr, clk
}
