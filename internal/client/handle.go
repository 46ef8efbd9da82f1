package client

import (
	"sync"

	"tickgofer/internal/livedata"
)

type handleState int

const (
	stateRequested handleState = iota
	// stateProvisional: phase 1 succeeded, ticks are buffered until the snapshot arrives
	stateProvisional
	stateActive
	stateFailed
)

func (s handleState) String() string {
	switch s {
	case stateRequested:
		return "requested"
	case stateProvisional:
		return "provisional"
	case stateActive:
		return "active"
	default:
		return "failed"
	}
}

// handle tracks one requested specification for one listener through its lifecycle.
// state, fqSpec, phase1 and cancelled are guarded by Client.pendingMu.
type handle struct {
	id       uint64
	user     *livedata.UserPrincipal
	kind     livedata.SubscriptionKind
	spec     livedata.ItemSpecification
	listener livedata.Listener

	state     handleState
	fqSpec    livedata.ItemSpecification
	phase1    livedata.SubscriptionResult
	cancelled bool

	// buffer is appended to under the pending read lock, so it has its own mutex
	bufMu  sync.Mutex
	buffer []livedata.ValueUpdate
}

func (h *handle) terminal() bool {
	return h.state == stateActive || h.state == stateFailed
}

func (h *handle) bufferUpdate(u livedata.ValueUpdate) {
	h.bufMu.Lock()
	h.buffer = append(h.buffer, u)
	h.bufMu.Unlock()
}

func (h *handle) drainBuffer() []livedata.ValueUpdate {
	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	out := h.buffer
	h.buffer = nil
	return out
}

// matches reports whether an unsubscribe of spec by listener covers this handle
func (h *handle) matches(key string, listener livedata.Listener) bool {
	if h.listener != listener {
		return false
	}
	if h.spec.Key() == key {
		return true
	}
	return h.state == stateProvisional && h.fqSpec.Key() == key
}

// staleTicks splits buffered ticks into those to replay and those already
// reflected in a snapshot with sequence number seq. Unsequenced ticks are kept.
func staleTicks(buffered []livedata.ValueUpdate, seq int64) (keep []livedata.ValueUpdate, dropped int) {
	if seq == 0 {
		return buffered, 0
	}
	keep = buffered[:0:0]
	for _, u := range buffered {
		if u.SequenceNumber != 0 && u.SequenceNumber <= seq {
			dropped++
			continue
		}
		keep = append(keep, u)
	}
	return keep, dropped
}
