package framed

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickgofer/internal/client"
	"tickgofer/internal/clock"
	"tickgofer/internal/livedata"
)

// testServer speaks the server side of the framed protocol
type testServer struct {
	mu              sync.Mutex
	writeMu         sync.Mutex
	denied          bool
	answerSnapshots bool
	holdSubscribes  bool
	rejectSubscribe bool
	handshakes      int
	received        []*Message
	conns           []FrameConn
}

func newTestServer() *testServer {
	return &testServer{answerSnapshots: true}
}

func (s *testServer) listenTCP(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		ln.Close()
		s.dropConnections()
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(NewTCPFrameConn(c))
		}
	}()
	return "tcp://" + ln.Addr().String()
}

func (s *testServer) listenWS(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.serve(NewWSFrameConn(c))
	}))
	t.Cleanup(func() {
		s.dropConnections()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (s *testServer) serve(fc FrameConn) {
	defer fc.Close()

	data, err := fc.ReadFrame()
	if err != nil {
		return
	}
	hello, err := Unmarshal(data)
	if err != nil || hello.Kind != KindConnectionRequest {
		return
	}

	s.mu.Lock()
	s.handshakes++
	denied := s.denied
	if !denied {
		s.conns = append(s.conns, fc)
	}
	s.mu.Unlock()

	result := NewConnectionSuccess
	if denied {
		result = NotAuthorized
	}
	if err := s.send(fc, &Message{Kind: KindConnectionResponse, ConnectionResult: result}); err != nil || denied {
		return
	}

	for {
		data, err := fc.ReadFrame()
		if err != nil {
			return
		}
		msg, err := Unmarshal(data)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		answerSnapshots := s.answerSnapshots
		holdSubscribes, rejectSubscribe := s.holdSubscribes, s.rejectSubscribe
		s.mu.Unlock()

		reply := &Message{
			CorrelationID:       msg.CorrelationID,
			NormalizationScheme: msg.NormalizationScheme,
			SubscriptionID:      msg.SubscriptionID,
			Result:              livedata.ResultSuccess,
		}
		if msg.NormalizationScheme == "NOPE" {
			reply.Result = livedata.ResultNotPresent
			reply.UserMessage = "unknown scheme"
		}
		switch msg.Kind {
		case KindSubscriptionRequest:
			if holdSubscribes {
				continue
			}
			reply.Kind = KindSubscriptionResponse
			if rejectSubscribe {
				reply.Result = livedata.ResultNotAuthorized
				reply.UserMessage = "entitlement revoked"
			}
		case KindSnapshotRequest:
			if !answerSnapshots {
				continue
			}
			reply.Kind = KindSnapshotResponse
			reply.Values = livedata.NewPayload().With("LAST", livedata.FloatValue(100))
			reply.SequenceNumber = 5
		default:
			continue
		}
		if err := s.send(fc, reply); err != nil {
			return
		}
	}
}

func (s *testServer) send(fc FrameConn, msg *Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return fc.WriteFrame(msg.Marshal())
}

// push writes msg on the most recent connection
func (s *testServer) push(t *testing.T, msg *Message) {
	t.Helper()
	s.mu.Lock()
	require.NotEmpty(t, s.conns)
	fc := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	require.NoError(t, s.send(fc, msg))
}

func (s *testServer) update(t *testing.T, spec livedata.ItemSpecification, seq int64) {
	t.Helper()
	s.push(t, &Message{
		Kind:                KindLiveDataUpdate,
		NormalizationScheme: spec.NormalizationScheme,
		SubscriptionID:      subscriptionID(spec),
		Values:              livedata.NewPayload().With("LAST", livedata.IntValue(seq)),
		SequenceNumber:      seq,
	})
}

func (s *testServer) dropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, fc := range conns {
		fc.Close()
	}
}

func (s *testServer) count(kind MessageKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.received {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func (s *testServer) handshakeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

type updateRecorder struct {
	mu      sync.Mutex
	updates []livedata.ValueUpdate
	lost    []livedata.SubscriptionResult
}

func (r *updateRecorder) ValueUpdate(u livedata.ValueUpdate) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *updateRecorder) SubscriptionLost(_ livedata.ItemSpecification, result livedata.SubscriptionResult) {
	r.mu.Lock()
	r.lost = append(r.lost, result)
	r.mu.Unlock()
}

func (r *updateRecorder) lostResults() []livedata.SubscriptionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]livedata.SubscriptionResult(nil), r.lost...)
}

func (r *updateRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

type sinkRecorder struct {
	mu      sync.Mutex
	results []livedata.SubscriptionResult
	err     error
}

func (s *sinkRecorder) Deliver(rs []livedata.SubscriptionResult) {
	s.mu.Lock()
	s.results = append(s.results, rs...)
	s.mu.Unlock()
}

func (s *sinkRecorder) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *sinkRecorder) waitFor(t *testing.T, n int) []livedata.SubscriptionResult {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.results) >= n
	}, 2*time.Second, 5*time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]livedata.SubscriptionResult(nil), s.results...)
}

func ticker(id string) livedata.ItemSpecification {
	return livedata.NewItemSpecification("OpenGamma", livedata.NewExternalID("TICKER", id))
}

func testConfig(url string) Config {
	return Config{
		URL:                  url,
		UserName:             "svc",
		ConnectTimeout:       time.Second,
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectInterval: 50 * time.Millisecond,
	}
}

func startTransport(t *testing.T, url string, updates client.UpdateSink) *Transport {
	t.Helper()
	tr := New(testConfig(url), zerolog.Nop())
	require.NoError(t, tr.Start(context.Background(), updates))
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func TestTransport_NotAuthorized(t *testing.T) {
	srv := newTestServer()
	srv.denied = true
	url := srv.listenTCP(t)

	tr := New(testConfig(url), zerolog.Nop())
	err := tr.Start(context.Background(), &updateRecorder{})
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.Equal(t, 1, srv.handshakeCount())
	assert.NoError(t, tr.Close(context.Background()))
}

func TestTransport_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	url := "tcp://" + ln.Addr().String()
	ln.Close()

	tr := New(testConfig(url), zerolog.Nop())
	assert.Error(t, tr.Start(context.Background(), &updateRecorder{}))
}

func TestTransport_SubscribeAndUpdates(t *testing.T) {
	srv := newTestServer()
	updates := &updateRecorder{}
	tr := startTransport(t, srv.listenTCP(t), updates)

	aapl := ticker("AAPL")
	gone := livedata.NewItemSpecification("NOPE", livedata.NewExternalID("TICKER", "X"))
	sink := &sinkRecorder{}
	require.NoError(t, tr.SendRequest(context.Background(), client.Request{
		Kind:  livedata.KindStreamingNonPersistent,
		Specs: []livedata.ItemSpecification{aapl, gone},
	}, sink))

	results := sink.waitFor(t, 2)
	byKey := map[string]livedata.SubscriptionResult{}
	for _, r := range results {
		byKey[r.RequestedSpec.Key()] = r
	}
	assert.Equal(t, livedata.ResultSuccess, byKey[aapl.Key()].Code)
	assert.True(t, byKey[aapl.Key()].FullyQualifiedSpec.Equal(aapl))
	assert.Equal(t, livedata.ResultNotPresent, byKey[gone.Key()].Code)
	assert.Equal(t, "unknown scheme", byKey[gone.Key()].UserMessage)
	assert.Equal(t, 1, tr.ActiveCount())

	srv.update(t, aapl, 1)
	srv.update(t, ticker("OTHER"), 2)
	srv.update(t, aapl, 3)
	require.Eventually(t, func() bool { return updates.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	updates.mu.Lock()
	assert.Equal(t, int64(1), updates.updates[0].SequenceNumber)
	assert.Equal(t, int64(3), updates.updates[1].SequenceNumber)
	updates.mu.Unlock()
}

func TestTransport_UnknownCorrelationIDIsDropped(t *testing.T) {
	srv := newTestServer()
	tr := startTransport(t, srv.listenTCP(t), &updateRecorder{})
	require.Eventually(t, func() bool { return srv.handshakeCount() == 1 }, time.Second, 5*time.Millisecond)

	srv.push(t, &Message{Kind: KindSubscriptionResponse, CorrelationID: 9999, Result: livedata.ResultSuccess})

	sink := &sinkRecorder{}
	require.NoError(t, tr.SendRequest(context.Background(), client.Request{
		Kind:  livedata.KindSnapshot,
		Specs: []livedata.ItemSpecification{ticker("AAPL")},
	}, sink))
	results := sink.waitFor(t, 1)
	assert.Equal(t, livedata.ResultSuccess, results[0].Code)
	assert.Equal(t, int64(5), results[0].SequenceNumber)
	assert.Equal(t, 0, tr.ActiveCount())
}

func TestTransport_CancelPublicationUnsubscribes(t *testing.T) {
	srv := newTestServer()
	updates := &updateRecorder{}
	tr := startTransport(t, srv.listenTCP(t), updates)

	aapl := ticker("AAPL")
	sink := &sinkRecorder{}
	require.NoError(t, tr.SendRequest(context.Background(), client.Request{
		Kind:  livedata.KindStreamingPersistent,
		Specs: []livedata.ItemSpecification{aapl},
	}, sink))
	sink.waitFor(t, 1)

	require.NoError(t, tr.CancelPublication(aapl))
	require.Eventually(t, func() bool { return srv.count(KindUnsubscribe) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tr.ActiveCount())

	// A second cancel sends nothing
	require.NoError(t, tr.CancelPublication(aapl))

	srv.update(t, aapl, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, updates.count())
	assert.Equal(t, 1, srv.count(KindUnsubscribe))
}

func TestTransport_ReconnectFailsPendingAndResubscribes(t *testing.T) {
	srv := newTestServer()
	updates := &updateRecorder{}
	tr := startTransport(t, srv.listenTCP(t), updates)

	aapl := ticker("AAPL")
	streaming := &sinkRecorder{}
	require.NoError(t, tr.SendRequest(context.Background(), client.Request{
		Kind:  livedata.KindStreamingNonPersistent,
		Specs: []livedata.ItemSpecification{aapl},
	}, streaming))
	streaming.waitFor(t, 1)

	srv.mu.Lock()
	srv.answerSnapshots = false
	srv.mu.Unlock()
	snapshot := &sinkRecorder{}
	require.NoError(t, tr.SendRequest(context.Background(), client.Request{
		Kind:  livedata.KindSnapshot,
		Specs: []livedata.ItemSpecification{aapl},
	}, snapshot))
	require.Eventually(t, func() bool { return srv.count(KindSnapshotRequest) == 1 }, time.Second, 5*time.Millisecond)

	srv.dropConnections()

	results := snapshot.waitFor(t, 1)
	assert.Equal(t, livedata.ResultInternalError, results[0].Code)
	assert.Contains(t, results[0].UserMessage, "connection lost")

	require.Eventually(t, func() bool {
		return srv.handshakeCount() == 2 && srv.count(KindSubscriptionRequest) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, tr.ActiveCount())

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		n := len(srv.conns)
		srv.mu.Unlock()
		return n == 1
	}, time.Second, 5*time.Millisecond)
	srv.update(t, aapl, 7)
	require.Eventually(t, func() bool { return updates.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestTransport_CloseFailsPending(t *testing.T) {
	srv := newTestServer()
	srv.answerSnapshots = false
	url := srv.listenTCP(t)
	tr := New(testConfig(url), zerolog.Nop())
	require.NoError(t, tr.Start(context.Background(), &updateRecorder{}))

	sink := &sinkRecorder{}
	require.NoError(t, tr.SendRequest(context.Background(), client.Request{
		Kind:  livedata.KindSnapshot,
		Specs: []livedata.ItemSpecification{ticker("AAPL")},
	}, sink))
	require.NoError(t, tr.Close(context.Background()))

	sink.mu.Lock()
	assert.ErrorIs(t, sink.err, ErrClosed)
	sink.mu.Unlock()

	err := tr.SendRequest(context.Background(), client.Request{Kind: livedata.KindSnapshot, Specs: []livedata.ItemSpecification{ticker("A")}}, sink)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTransport_WebSocketWithClient(t *testing.T) {
	srv := newTestServer()
	tr := New(testConfig(srv.listenWS(t)), zerolog.Nop())
	c := client.New(client.Config{SnapshotTimeout: time.Second}, tr, zerolog.Nop())
	require.NoError(t, c.Start(context.Background()))
	defer c.Close(context.Background())

	aapl := ticker("AAPL")
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	seen := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), events...)
	}
	listener := &livedata.ListenerFuncs{
		OnResult: func(r livedata.SubscriptionResult) { record("result:" + string(r.Code)) },
		OnUpdate: func(livedata.ValueUpdate) { record("tick") },
	}

	require.NoError(t, c.SubscribeOne(nil, aapl, listener))
	require.Eventually(t, func() bool { return len(seen()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"result:SUCCESS"}, seen())

	srv.update(t, aapl, 6)
	require.Eventually(t, func() bool { return len(seen()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"result:SUCCESS", "tick"}, seen())

	results, err := c.Snapshot(context.Background(), nil, []livedata.ItemSpecification{ticker("MSFT")}, time.Second)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, livedata.ResultSuccess, results[0].Code)
}

func TestTransport_RejectedResubscribeReportsLost(t *testing.T) {
	srv := newTestServer()
	updates := &updateRecorder{}
	tr := startTransport(t, srv.listenTCP(t), updates)

	aapl := ticker("AAPL")
	sink := &sinkRecorder{}
	require.NoError(t, tr.SendRequest(context.Background(), client.Request{
		Kind:  livedata.KindStreamingPersistent,
		Specs: []livedata.ItemSpecification{aapl},
	}, sink))
	sink.waitFor(t, 1)
	require.Equal(t, 1, tr.ActiveCount())

	srv.mu.Lock()
	srv.rejectSubscribe = true
	srv.mu.Unlock()
	srv.dropConnections()

	require.Eventually(t, func() bool { return len(updates.lostResults()) == 1 }, 2*time.Second, 5*time.Millisecond)
	lost := updates.lostResults()[0]
	assert.Equal(t, livedata.ResultNotAuthorized, lost.Code)
	assert.Equal(t, "entitlement revoked", lost.UserMessage)
	assert.True(t, lost.RequestedSpec.Equal(aapl))
	assert.Equal(t, 0, tr.ActiveCount())
	assert.Equal(t, 0, tr.PendingCount())
}

func TestTransport_RejectedResubscribeStopsClientListeners(t *testing.T) {
	srv := newTestServer()
	tr := New(testConfig(srv.listenTCP(t)), zerolog.Nop())
	c := client.New(client.Config{SnapshotTimeout: time.Second}, tr, zerolog.Nop())
	require.NoError(t, c.Start(context.Background()))
	defer c.Close(context.Background())

	var (
		mu     sync.Mutex
		events []string
	)
	listener := &livedata.ListenerFuncs{
		OnResult: func(r livedata.SubscriptionResult) {
			mu.Lock()
			events = append(events, "result:"+string(r.Code))
			mu.Unlock()
		},
		OnStopped: func(livedata.ItemSpecification) {
			mu.Lock()
			events = append(events, "stopped")
			mu.Unlock()
		},
	}
	seen := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), events...)
	}

	aapl := ticker("AAPL")
	require.NoError(t, c.SubscribeOne(nil, aapl, listener))
	require.Eventually(t, func() bool { return len(seen()) == 1 }, 2*time.Second, 5*time.Millisecond)

	srv.mu.Lock()
	srv.rejectSubscribe = true
	srv.mu.Unlock()
	srv.dropConnections()

	require.Eventually(t, func() bool { return len(seen()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"result:SUCCESS", "stopped"}, seen())
	assert.Empty(t, c.ActiveSpecifications())
}

func TestTransport_AbandonUnsubscribesUnansweredStream(t *testing.T) {
	srv := newTestServer()
	srv.holdSubscribes = true
	tr := startTransport(t, srv.listenTCP(t), &updateRecorder{})

	aapl := ticker("AAPL")
	sink := &sinkRecorder{}
	require.NoError(t, tr.SendRequest(context.Background(), client.Request{
		Kind:  livedata.KindStreamingNonPersistent,
		Specs: []livedata.ItemSpecification{aapl},
	}, sink))
	require.Eventually(t, func() bool { return srv.count(KindSubscriptionRequest) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, tr.PendingCount())

	tr.Abandon(sink)
	assert.Equal(t, 0, tr.PendingCount())
	require.Eventually(t, func() bool { return srv.count(KindUnsubscribe) == 1 }, time.Second, 5*time.Millisecond)

	// Late success for the forgotten correlation id opens nothing
	srv.push(t, &Message{
		Kind:                KindSubscriptionResponse,
		CorrelationID:       1,
		NormalizationScheme: aapl.NormalizationScheme,
		SubscriptionID:      subscriptionID(aapl),
		Result:              livedata.ResultSuccess,
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, tr.ActiveCount())
	sink.mu.Lock()
	assert.Empty(t, sink.results)
	sink.mu.Unlock()
}

func TestTransport_AbandonKeepsStreamAwaitedElsewhere(t *testing.T) {
	srv := newTestServer()
	srv.holdSubscribes = true
	tr := startTransport(t, srv.listenTCP(t), &updateRecorder{})

	aapl := ticker("AAPL")
	first, second := &sinkRecorder{}, &sinkRecorder{}
	for _, sink := range []*sinkRecorder{first, second} {
		require.NoError(t, tr.SendRequest(context.Background(), client.Request{
			Kind:  livedata.KindStreamingNonPersistent,
			Specs: []livedata.ItemSpecification{aapl},
		}, sink))
	}
	require.Eventually(t, func() bool { return srv.count(KindSubscriptionRequest) == 2 }, time.Second, 5*time.Millisecond)

	tr.Abandon(first)
	assert.Equal(t, 1, tr.PendingCount())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, srv.count(KindUnsubscribe))
}

// pipeConn is a FrameConn fed by the test
type pipeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *pipeConn) ReadFrame() ([]byte, error) {
	select {
	case f := <-p.frames:
		return f, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

func (p *pipeConn) WriteFrame([]byte) error { return nil }

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	sinkRecorder
}

func (b *blockingSink) Deliver(rs []livedata.SubscriptionResult) {
	close(b.entered)
	<-b.release
	b.sinkRecorder.Deliver(rs)
}

func TestTransport_SlowSinkDoesNotStallReads(t *testing.T) {
	conn := newPipeConn()
	conn.frames <- (&Message{Kind: KindConnectionResponse, ConnectionResult: NewConnectionSuccess}).Marshal()
	tr := NewWithDialer(testConfig("tcp://pipe"), func(context.Context) (FrameConn, error) { return conn, nil }, zerolog.Nop())
	updates := &updateRecorder{}
	require.NoError(t, tr.Start(context.Background(), updates))

	aapl := ticker("AAPL")
	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	require.NoError(t, tr.SendRequest(context.Background(), client.Request{
		Kind:  livedata.KindStreamingNonPersistent,
		Specs: []livedata.ItemSpecification{aapl},
	}, sink))

	conn.frames <- (&Message{
		Kind:                KindSubscriptionResponse,
		CorrelationID:       1,
		NormalizationScheme: aapl.NormalizationScheme,
		SubscriptionID:      subscriptionID(aapl),
		Result:              livedata.ResultSuccess,
	}).Marshal()
	<-sink.entered

	for seq := int64(1); seq <= 3; seq++ {
		conn.frames <- (&Message{
			Kind:                KindLiveDataUpdate,
			NormalizationScheme: aapl.NormalizationScheme,
			SubscriptionID:      subscriptionID(aapl),
			Values:              livedata.NewPayload().With("LAST", livedata.IntValue(seq)),
			SequenceNumber:      seq,
		}).Marshal()
	}
	require.Eventually(t, func() bool { return len(conn.frames) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, updates.count())

	close(sink.release)
	require.Eventually(t, func() bool { return updates.count() == 3 }, time.Second, 5*time.Millisecond)
	updates.mu.Lock()
	for i, u := range updates.updates {
		assert.Equal(t, int64(i+1), u.SequenceNumber)
	}
	updates.mu.Unlock()
	sink.sinkRecorder.mu.Lock()
	assert.Len(t, sink.sinkRecorder.results, 1)
	sink.sinkRecorder.mu.Unlock()

	require.NoError(t, tr.Close(context.Background()))
}

func TestTransport_ReconnectWaitFollowsClock(t *testing.T) {
	srv := newTestServer()
	clk := clock.NewFake(time.Time{})
	cfg := testConfig(srv.listenTCP(t))
	cfg.Clock = clk
	tr := New(cfg, zerolog.Nop())
	require.NoError(t, tr.Start(context.Background(), &updateRecorder{}))
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	require.Equal(t, 1, srv.handshakeCount())

	srv.dropConnections()
	require.Eventually(t, func() bool { return clk.PendingTimers() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.handshakeCount())

	clk.Advance(cfg.MaxReconnectInterval)
	require.Eventually(t, func() bool { return srv.handshakeCount() == 2 }, time.Second, 5*time.Millisecond)
}
