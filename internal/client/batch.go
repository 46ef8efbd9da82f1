package client

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tickgofer/internal/clock"
	"tickgofer/internal/livedata"
)

// resolution pairs a handle with the result that settled it
type resolution struct {
	h      *handle
	result livedata.SubscriptionResult
}

// batch is the ResponseSink for one wire request. It matches results to
// handles by wire specification, settles each handle exactly once and
// synthesizes results for handles left over on failure or timeout.
type batch struct {
	client *Client
	logger *zerolog.Logger

	// resolve is called outside the batch lock with every handle settled by one delivery
	resolve func([]resolution)
	// done is called once after the last handle settled; timedOut reports expiry by timer
	done func(timedOut bool)
	// late receives results delivered after the batch finished, if set
	late func([]livedata.SubscriptionResult)

	mu       sync.Mutex
	byKey    map[string][]*handle
	wireSpec map[string]livedata.ItemSpecification
	order    []string
	timer    clock.Timer
	finished bool
	timedOut bool
}

// newBatch groups handles by the key of the specification sent on the wire
func newBatch(c *Client, handles []*handle, wireSpec func(*handle) livedata.ItemSpecification, resolve func([]resolution), done func(bool)) *batch {
	b := &batch{
		client:   c,
		logger:   &c.logger,
		resolve:  resolve,
		done:     done,
		byKey:    make(map[string][]*handle, len(handles)),
		wireSpec: make(map[string]livedata.ItemSpecification, len(handles)),
	}
	for _, h := range handles {
		spec := wireSpec(h)
		key := spec.Key()
		if _, seen := b.wireSpec[key]; !seen {
			b.order = append(b.order, key)
			b.wireSpec[key] = spec
		}
		b.byKey[key] = append(b.byKey[key], h)
	}
	return b
}

// specs returns the de-duplicated wire specifications in request order
func (b *batch) specs() []livedata.ItemSpecification {
	out := make([]livedata.ItemSpecification, len(b.order))
	for i, key := range b.order {
		out[i] = b.wireSpec[key]
	}
	return out
}

// expireAfter arms a timer that settles leftovers with ResultTimeout
func (b *batch) expireAfter(clk clock.Clock, d time.Duration, msg string) {
	t := clk.AfterFunc(d, func() {
		b.settleRemaining(livedata.ResultTimeout, msg, true)
	})
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		t.Stop()
		return
	}
	b.timer = t
	b.mu.Unlock()
}

// Deliver implements ResponseSink
func (b *batch) Deliver(results []livedata.SubscriptionResult) {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		b.logger.Warn().Int("results", len(results)).Msg("results for finished request dropped")
		if b.late != nil {
			b.late(results)
		}
		return
	}
	var settled []resolution
	for _, r := range results {
		key := r.RequestedSpec.Key()
		hs, ok := b.byKey[key]
		if !ok {
			b.logger.Warn().Str("spec", key).Msg("unexpected or duplicate result dropped")
			continue
		}
		delete(b.byKey, key)
		for _, h := range hs {
			settled = append(settled, resolution{h: h, result: r})
		}
	}
	last := b.finishIfEmptyLocked()
	b.mu.Unlock()

	b.complete(settled, last, false)
}

// Fail implements ResponseSink
func (b *batch) Fail(err error) {
	b.logger.Warn().Err(err).Msg("request failed")
	b.settleRemaining(livedata.ResultInternalError, err.Error(), false)
}

func (b *batch) settleRemaining(code livedata.ResultCode, msg string, byTimer bool) {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		return
	}
	var settled []resolution
	for key, hs := range b.byKey {
		r := livedata.FailedResult(b.wireSpec[key], code, msg)
		for _, h := range hs {
			settled = append(settled, resolution{h: h, result: r})
		}
	}
	b.byKey = map[string][]*handle{}
	b.finishIfEmptyLocked()
	if byTimer {
		b.timedOut = true
	}
	b.mu.Unlock()

	b.complete(settled, true, byTimer)
	if byTimer {
		b.client.abandon(b)
	}
}

func (b *batch) finishIfEmptyLocked() bool {
	if len(b.byKey) > 0 || b.finished {
		return false
	}
	b.finished = true
	if b.timer != nil {
		b.timer.Stop()
	}
	return true
}

func (b *batch) complete(settled []resolution, last bool, timedOut bool) {
	if len(settled) > 0 {
		b.resolve(settled)
	}
	if last {
		b.client.forgetBatch(b)
		if b.done != nil {
			b.done(timedOut)
		}
	}
}
