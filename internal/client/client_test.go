package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickgofer/internal/livedata"
)

var alice = livedata.NewUserPrincipal("alice", "10.0.0.1")

// subscribeAndAck subscribes l to s and answers phase 1 with success
func subscribeAndAck(t *testing.T, c *Client, tr *mockTransport, s livedata.ItemSpecification, l livedata.Listener) sentRequest {
	t.Helper()
	n := tr.requestCount()
	require.NoError(t, c.SubscribeOne(alice, s, l))
	tr.request(t, n).sink.Deliver([]livedata.SubscriptionResult{success(s)})
	snap := tr.request(t, n+1)
	require.Equal(t, livedata.KindSnapshot, snap.req.Kind)
	return snap
}

func TestClient_BuffersTicksUntilSnapshot(t *testing.T) {
	c, tr, _ := newTestClient(t)
	x := spec("X")
	l := &recorder{}

	snap := subscribeAndAck(t, c, tr, x, l)
	assert.Equal(t, 1, c.PendingCount())

	c.ValueUpdate(tick(x, 1))
	c.ValueUpdate(tick(x, 2))
	assert.Empty(t, l.seen(), "ticks must not reach the listener before promotion")

	snap.sink.Deliver([]livedata.SubscriptionResult{snapshotOf(x, 0)})

	assert.Equal(t, []string{"result:SUCCESS", "tick:1", "tick:2"}, l.seen())
	assert.Equal(t, 0, c.PendingCount())
	assert.NotNil(t, l.lastResult().Snapshot)

	c.ValueUpdate(tick(x, 3))
	assert.Equal(t, []string{"result:SUCCESS", "tick:1", "tick:2", "tick:3"}, l.seen())
	assert.Len(t, c.ActiveSpecifications(), 1)
}

func TestClient_DiscardsTicksCoveredBySnapshot(t *testing.T) {
	c, tr, _ := newTestClient(t)
	x := spec("X")
	l := &recorder{}

	snap := subscribeAndAck(t, c, tr, x, l)
	c.ValueUpdate(tick(x, 10))
	c.ValueUpdate(tick(x, 11))
	c.ValueUpdate(tick(x, 12))

	snap.sink.Deliver([]livedata.SubscriptionResult{snapshotOf(x, 11)})
	assert.Equal(t, []string{"result:SUCCESS", "tick:12"}, l.seen())
	assert.Equal(t, int64(11), l.lastResult().SequenceNumber)
}

func TestClient_UnsubscribeCancelsOnlyForLastListener(t *testing.T) {
	c, tr, _ := newTestClient(t)
	x := spec("X")
	first, second := &recorder{}, &recorder{}

	subscribeAndAck(t, c, tr, x, first).sink.Deliver([]livedata.SubscriptionResult{snapshotOf(x, 0)})
	subscribeAndAck(t, c, tr, x, second).sink.Deliver([]livedata.SubscriptionResult{snapshotOf(x, 0)})

	require.NoError(t, c.Unsubscribe(alice, []livedata.ItemSpecification{x}, first))
	assert.Equal(t, 0, tr.cancelCount())
	assert.Equal(t, "stopped", first.seen()[len(first.seen())-1])

	c.ValueUpdate(tick(x, 1))
	assert.NotContains(t, first.seen(), "tick:1")
	assert.Contains(t, second.seen(), "tick:1")

	require.NoError(t, c.Unsubscribe(alice, []livedata.ItemSpecification{x}, second))
	assert.Equal(t, 1, tr.cancelCount())
	assert.Empty(t, c.ActiveSpecifications())
}

func TestClient_PromotionAfterUnsubscribe(t *testing.T) {
	c, tr, _ := newTestClient(t)
	x := spec("X")
	l := &recorder{}

	snap := subscribeAndAck(t, c, tr, x, l)
	c.ValueUpdate(tick(x, 1))

	require.NoError(t, c.Unsubscribe(alice, []livedata.ItemSpecification{x}, l))
	assert.Equal(t, 0, tr.cancelCount(), "cancel waits for the in-flight handle")

	snap.sink.Deliver([]livedata.SubscriptionResult{snapshotOf(x, 0)})
	c.ValueUpdate(tick(x, 2))

	assert.Equal(t, 1, tr.cancelCount())
	assert.Equal(t, []string{"stopped"}, l.seen())
	assert.Empty(t, c.ActiveSpecifications())
	assert.Equal(t, 0, c.PendingCount())
}

func TestClient_UnsubscribeBeforePhaseOne(t *testing.T) {
	c, tr, _ := newTestClient(t)
	x := spec("X")
	l := &recorder{}

	require.NoError(t, c.SubscribeOne(alice, x, l))
	require.NoError(t, c.Unsubscribe(alice, []livedata.ItemSpecification{x}, l))
	tr.request(t, 0).sink.Deliver([]livedata.SubscriptionResult{success(x)})

	assert.Equal(t, 1, tr.requestCount(), "no snapshot for a cancelled handle")
	assert.Equal(t, 1, tr.cancelCount())
	assert.Equal(t, []string{"stopped"}, l.seen())
}

func TestClient_PhaseOneFailureSkipsSnapshot(t *testing.T) {
	c, tr, _ := newTestClient(t)
	x, y := spec("X"), spec("Y")
	l := &recorder{}

	require.NoError(t, c.Subscribe(alice, []livedata.ItemSpecification{x, y}, l))
	req := tr.request(t, 0)
	assert.Equal(t, livedata.KindStreamingNonPersistent, req.req.Kind)
	assert.Len(t, req.req.Specs, 2)

	req.sink.Deliver([]livedata.SubscriptionResult{
		livedata.FailedResult(x, livedata.ResultNotAuthorized, "denied"),
		success(y),
	})

	assert.Equal(t, []string{"result:NOT_AUTHORIZED"}, l.seen())
	snap := tr.request(t, 1)
	require.Len(t, snap.req.Specs, 1)
	assert.True(t, snap.req.Specs[0].Equal(y))
}

func TestClient_PhaseTwoFailureCancelsStream(t *testing.T) {
	c, tr, _ := newTestClient(t)
	x := spec("X")
	l := &recorder{}

	snap := subscribeAndAck(t, c, tr, x, l)
	c.ValueUpdate(tick(x, 1))
	snap.sink.Deliver([]livedata.SubscriptionResult{livedata.FailedResult(x, livedata.ResultNotPresent, "no such item")})

	assert.Equal(t, []string{"result:NOT_PRESENT"}, l.seen())
	assert.Equal(t, 1, tr.cancelCount())
	assert.Empty(t, c.ActiveSpecifications())
}

func TestClient_PhaseTwoTimeoutFailsHandle(t *testing.T) {
	c, tr, clk := newTestClient(t)
	x := spec("X")
	l := &recorder{}

	subscribeAndAck(t, c, tr, x, l)
	clk.Advance(11 * time.Second)

	assert.Equal(t, []string{"result:TIMEOUT"}, l.seen())
	assert.Equal(t, 1, tr.cancelCount())
	assert.Equal(t, 0, c.PendingCount())
}

func TestClient_LateStreamingSuccessIsCancelled(t *testing.T) {
	c, tr, clk := newTestClient(t)
	x := spec("X")
	l := &recorder{}

	require.NoError(t, c.SubscribeOne(alice, x, l))
	clk.Advance(DefaultRequestTimeout)
	assert.Equal(t, []string{"result:TIMEOUT"}, l.seen())
	assert.Equal(t, 1, tr.abandonedCount())

	tr.request(t, 0).sink.Deliver([]livedata.SubscriptionResult{success(x)})

	assert.Equal(t, 1, tr.cancelCount())
	assert.Equal(t, 1, tr.requestCount(), "no snapshot for a timed out request")
	assert.Equal(t, []string{"result:TIMEOUT"}, l.seen())
	assert.Equal(t, 0, c.PendingCount())
	assert.Empty(t, c.ActiveSpecifications())
}

func TestClient_LateSuccessKeepsStreamInUse(t *testing.T) {
	c, tr, clk := newTestClient(t)
	x := spec("X")
	first, second := &recorder{}, &recorder{}

	require.NoError(t, c.SubscribeOne(alice, x, first))
	clk.Advance(DefaultRequestTimeout / 2)
	subscribeAndAck(t, c, tr, x, second).sink.Deliver([]livedata.SubscriptionResult{snapshotOf(x, 0)})
	clk.Advance(DefaultRequestTimeout / 2)
	assert.Equal(t, []string{"result:TIMEOUT"}, first.seen())

	tr.request(t, 0).sink.Deliver([]livedata.SubscriptionResult{success(x)})

	assert.Equal(t, 0, tr.cancelCount())
	assert.Len(t, c.ActiveSpecifications(), 1)
}

func TestClient_AlreadyRegisteredListenerGetsNoReplay(t *testing.T) {
	c, tr, _ := newTestClient(t)
	x := spec("X")
	l := &recorder{}

	subscribeAndAck(t, c, tr, x, l).sink.Deliver([]livedata.SubscriptionResult{snapshotOf(x, 0)})
	snap := subscribeAndAck(t, c, tr, x, l)

	c.ValueUpdate(tick(x, 1))
	snap.sink.Deliver([]livedata.SubscriptionResult{snapshotOf(x, 0)})

	assert.Equal(t, []string{"result:SUCCESS", "tick:1", "result:SUCCESS"}, l.seen())
}

func TestClient_SendFailureReportsInternalError(t *testing.T) {
	c, tr, _ := newTestClient(t)
	tr.sendErr = errors.New("not connected")
	l := &recorder{}

	require.NoError(t, c.SubscribeOne(alice, spec("X"), l))
	assert.Equal(t, []string{"result:INTERNAL_ERROR"}, l.seen())
	assert.Contains(t, l.lastResult().UserMessage, "not connected")
}

func TestClient_SnapshotTimesOut(t *testing.T) {
	tr := &mockTransport{}
	c := New(Config{}, tr, zerolog.Nop())
	require.NoError(t, c.Start(context.Background()))
	defer c.Close(context.Background())

	timeout := 50 * time.Millisecond
	start := time.Now()
	results, err := c.Snapshot(context.Background(), alice, []livedata.ItemSpecification{spec("X"), spec("Y")}, timeout)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrSnapshotTimeout)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, livedata.ResultTimeout, r.Code)
	}
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, time.Second)
}

func TestClient_SnapshotAsyncFiresOnce(t *testing.T) {
	c, tr, clk := newTestClient(t)
	x, y := spec("X"), spec("Y")

	var calls atomic.Int32
	var got []livedata.SubscriptionResult
	require.NoError(t, c.SnapshotAsync(alice, []livedata.ItemSpecification{x, y}, time.Second, func(rs []livedata.SubscriptionResult) {
		calls.Add(1)
		got = rs
	}))

	req := tr.request(t, 0)
	assert.Equal(t, livedata.KindSnapshot, req.req.Kind)
	req.sink.Deliver([]livedata.SubscriptionResult{snapshotOf(y, 3)})
	assert.Equal(t, int32(0), calls.Load())

	clk.Advance(time.Second)
	require.Equal(t, int32(1), calls.Load())
	require.Len(t, got, 2)
	assert.Equal(t, livedata.ResultTimeout, got[0].Code)
	assert.True(t, got[0].RequestedSpec.Equal(x))
	assert.Equal(t, livedata.ResultSuccess, got[1].Code)

	req.sink.Deliver([]livedata.SubscriptionResult{snapshotOf(x, 4)})
	clk.Advance(time.Minute)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_SnapshotReturnsResultsInRequestOrder(t *testing.T) {
	c, tr, _ := newTestClient(t)
	x, y := spec("X"), spec("Y")

	done := make(chan []livedata.SubscriptionResult, 1)
	go func() {
		rs, err := c.Snapshot(context.Background(), alice, []livedata.ItemSpecification{x, y}, time.Minute)
		assert.NoError(t, err)
		done <- rs
	}()

	require.Eventually(t, func() bool { return tr.requestCount() == 1 }, time.Second, time.Millisecond)
	tr.request(t, 0).sink.Deliver([]livedata.SubscriptionResult{snapshotOf(y, 1), snapshotOf(x, 2)})

	select {
	case rs := <-done:
		require.Len(t, rs, 2)
		assert.True(t, rs[0].RequestedSpec.Equal(x))
		assert.Equal(t, int64(2), rs[0].SequenceNumber)
	case <-time.After(time.Second):
		t.Fatal("snapshot did not return")
	}
}

func TestClient_CloseFailsOutstanding(t *testing.T) {
	c, tr, _ := newTestClient(t)
	x, y := spec("X"), spec("Y")
	l := &recorder{}

	subscribeAndAck(t, c, tr, x, l)
	require.NoError(t, c.SubscribeOne(alice, y, l))

	require.NoError(t, c.Close(context.Background()))

	assert.ElementsMatch(t, []string{"result:INTERNAL_ERROR", "result:INTERNAL_ERROR"}, l.seen())
	assert.Equal(t, ErrClosed.Error(), l.lastResult().UserMessage)
	assert.True(t, tr.closed)
	assert.ErrorIs(t, c.SubscribeOne(alice, x, l), ErrClosed)
	_, err := c.Snapshot(context.Background(), alice, []livedata.ItemSpecification{x}, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClient_EntitlementShortCircuits(t *testing.T) {
	c, tr, _ := newTestClient(t)
	ctx := context.Background()

	got, err := c.AreEntitled(ctx, nil, []livedata.ItemSpecification{spec("X"), spec("Y")})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{spec("X").Key(): true, spec("Y").Key(): true}, got)

	got, err = c.AreEntitled(ctx, alice, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, tr.entitlementCalls)

	ok, err := c.IsEntitled(ctx, alice, spec("X"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, tr.entitlementCalls)
}

func TestClient_UnrecognizedSpecificationIsResubscribedOrStopped(t *testing.T) {
	c, tr, _ := newTestClient(t)
	x, y := spec("X"), spec("Y")
	lx, ly := &recorder{}, &recorder{}

	subscribeAndAck(t, c, tr, x, lx).sink.Deliver([]livedata.SubscriptionResult{snapshotOf(x, 0)})
	subscribeAndAck(t, c, tr, y, ly).sink.Deliver([]livedata.SubscriptionResult{snapshotOf(y, 0)})
	n := tr.requestCount()

	c.resubscribe(context.Background(), []livedata.ItemSpecification{x, y})
	req := tr.request(t, n)
	assert.Equal(t, livedata.KindStreamingNonPersistent, req.req.Kind)
	assert.Nil(t, req.req.User)

	req.sink.Deliver([]livedata.SubscriptionResult{
		success(x),
		livedata.FailedResult(y, livedata.ResultNotPresent, "gone"),
	})

	assert.Equal(t, []string{"result:SUCCESS"}, lx.seen())
	assert.Equal(t, []string{"result:SUCCESS", "stopped"}, ly.seen())
	require.Len(t, c.ActiveSpecifications(), 1)
	assert.True(t, c.ActiveSpecifications()[0].Equal(x))
}

func TestClient_RejectsNonStreamingKind(t *testing.T) {
	c, _, _ := newTestClient(t)
	err := c.SubscribeWithKind(alice, []livedata.ItemSpecification{spec("X")}, livedata.KindSnapshot, &recorder{})
	assert.Error(t, err)
	assert.ErrorIs(t, c.SubscribeOne(alice, spec("X"), nil), ErrNilListener)
}
