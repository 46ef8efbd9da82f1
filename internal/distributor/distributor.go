// Package distributor keeps the fan-out registry from fully-qualified item
// specifications to the listeners receiving their ticks.
package distributor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tickgofer/internal/livedata"
)

// slowDeliveryThreshold is how long a listener callback may take before it is logged
const slowDeliveryThreshold = time.Second

// Registration is one listener's membership in one specification's set.
// A registration created in replay mode queues live ticks until FinishReplay
// so that ticks buffered before promotion are delivered first.
type Registration struct {
	spec     livedata.ItemSpecification
	listener livedata.Listener
	logger   *zerolog.Logger

	mu        sync.Mutex
	replaying bool
	backlog   []livedata.ValueUpdate
}

// Listener returns the registered listener
func (r *Registration) Listener() livedata.Listener {
	return r.listener
}

// Deliver hands one live tick to the listener, or queues it while replaying
func (r *Registration) Deliver(update livedata.ValueUpdate) {
	r.mu.Lock()
	if r.replaying {
		r.backlog = append(r.backlog, update)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.invoke(update)
}

// FinishReplay delivers buffered ticks, then every tick queued meanwhile, and
// switches the registration to live delivery
func (r *Registration) FinishReplay(buffered []livedata.ValueUpdate) {
	for _, u := range buffered {
		r.invoke(u)
	}
	for {
		r.mu.Lock()
		if len(r.backlog) == 0 {
			r.replaying = false
			r.mu.Unlock()
			return
		}
		queued := r.backlog
		r.backlog = nil
		r.mu.Unlock()

		for _, u := range queued {
			r.invoke(u)
		}
	}
}

func (r *Registration) invoke(update livedata.ValueUpdate) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("spec", r.spec.Key()).Msg("listener panic on value update")
		}
	}()
	start := time.Now()
	r.listener.ValueUpdate(update)
	if d := time.Since(start); d > slowDeliveryThreshold {
		r.logger.Warn().Str("spec", r.spec.Key()).Dur("duration", d).Msg("listener delivery slow")
	}
}

// listenerSet holds the registrations of one specification.
// A retired set has been removed from the map and must not gain members.
type listenerSet struct {
	spec    livedata.ItemSpecification
	mu      sync.RWMutex
	members map[livedata.Listener]*Registration
	retired bool
}

// Distributor maps fully-qualified specifications to listener sets
type Distributor struct {
	mu     sync.RWMutex
	sets   map[string]*listenerSet
	logger zerolog.Logger
}

// New creates an empty Distributor
func New(logger zerolog.Logger) *Distributor {
	return &Distributor{
		sets:   make(map[string]*listenerSet),
		logger: logger.With().Str("component", "value-distributor").Logger(),
	}
}

func (d *Distributor) lookup(key string) *listenerSet {
	d.mu.RLock()
	set := d.sets[key]
	d.mu.RUnlock()
	return set
}

func (d *Distributor) lookupOrCreate(spec livedata.ItemSpecification) *listenerSet {
	key := spec.Key()
	if set := d.lookup(key); set != nil {
		return set
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.sets[key]
	if !ok {
		set = &listenerSet{spec: spec, members: make(map[livedata.Listener]*Registration)}
		d.sets[key] = set
	}
	return set
}

func (d *Distributor) add(spec livedata.ItemSpecification, listener livedata.Listener, replaying bool) (*Registration, bool) {
	for {
		set := d.lookupOrCreate(spec)
		set.mu.Lock()
		if set.retired {
			// Lost a race with the removal that emptied this set; the map entry is gone or replaced.
			set.mu.Unlock()
			continue
		}
		if existing, ok := set.members[listener]; ok {
			set.mu.Unlock()
			return existing, false
		}
		reg := &Registration{
			spec:      set.spec,
			listener:  listener,
			logger:    &d.logger,
			replaying: replaying,
		}
		set.members[listener] = reg
		count := len(set.members)
		set.mu.Unlock()

		d.logger.Debug().Str("spec", spec.Key()).Int("listeners", count).Msg("listener added")
		return reg, true
	}
}

// AddListener adds a live listener for spec. Returns false if it was already present.
func (d *Distributor) AddListener(spec livedata.ItemSpecification, listener livedata.Listener) bool {
	_, added := d.add(spec, listener, false)
	return added
}

// AddReplaying adds a listener whose live ticks are queued until FinishReplay.
// If the listener is already registered the existing registration is returned with false.
func (d *Distributor) AddReplaying(spec livedata.ItemSpecification, listener livedata.Listener) (*Registration, bool) {
	return d.add(spec, listener, true)
}

// RemoveListener removes listener from spec. removed reports whether it was a
// member; remaining reports whether other listeners are still registered.
// The removal that empties a set is the only one that returns removed && !remaining.
func (d *Distributor) RemoveListener(spec livedata.ItemSpecification, listener livedata.Listener) (removed bool, remaining bool) {
	key := spec.Key()
	set := d.lookup(key)
	if set == nil {
		return false, false
	}

	set.mu.Lock()
	if set.retired {
		set.mu.Unlock()
		return false, false
	}
	if _, ok := set.members[listener]; !ok {
		left := len(set.members) > 0
		set.mu.Unlock()
		return false, left
	}
	delete(set.members, listener)
	left := len(set.members)
	if left == 0 {
		set.retired = true
	}
	set.mu.Unlock()

	if left > 0 {
		d.logger.Debug().Str("spec", key).Int("remaining", left).Msg("listener removed")
		return true, true
	}

	d.mu.Lock()
	if d.sets[key] == set {
		delete(d.sets, key)
	}
	d.mu.Unlock()

	d.logger.Debug().Str("spec", key).Msg("last listener removed")
	return true, false
}

// HasListener reports whether listener is registered for spec
func (d *Distributor) HasListener(spec livedata.ItemSpecification, listener livedata.Listener) bool {
	set := d.lookup(spec.Key())
	if set == nil {
		return false
	}
	set.mu.RLock()
	defer set.mu.RUnlock()
	_, ok := set.members[listener]
	return ok
}

// ListenerCount returns the number of listeners registered for spec
func (d *Distributor) ListenerCount(spec livedata.ItemSpecification) int {
	set := d.lookup(spec.Key())
	if set == nil {
		return 0
	}
	set.mu.RLock()
	defer set.mu.RUnlock()
	return len(set.members)
}

// Listeners returns the listeners registered for spec
func (d *Distributor) Listeners(spec livedata.ItemSpecification) []livedata.Listener {
	regs := d.Registrations(spec)
	out := make([]livedata.Listener, len(regs))
	for i, r := range regs {
		out[i] = r.listener
	}
	return out
}

// Registrations returns a point-in-time copy of the registrations for spec
func (d *Distributor) Registrations(spec livedata.ItemSpecification) []*Registration {
	set := d.lookup(spec.Key())
	if set == nil {
		return nil
	}
	set.mu.RLock()
	defer set.mu.RUnlock()
	regs := make([]*Registration, 0, len(set.members))
	for _, r := range set.members {
		regs = append(regs, r)
	}
	return regs
}

// NotifyListeners delivers update to every listener of its specification
func (d *Distributor) NotifyListeners(update livedata.ValueUpdate) int {
	regs := d.Registrations(update.Spec)
	Deliver(regs, update)
	return len(regs)
}

// Deliver hands update to each registration in turn
func Deliver(regs []*Registration, update livedata.ValueUpdate) {
	for _, r := range regs {
		r.Deliver(update)
	}
}

// ActiveSpecifications returns a copy of every specification with listeners
func (d *Distributor) ActiveSpecifications() []livedata.ItemSpecification {
	d.mu.RLock()
	defer d.mu.RUnlock()
	specs := make([]livedata.ItemSpecification, 0, len(d.sets))
	for _, set := range d.sets {
		specs = append(specs, set.spec)
	}
	return specs
}

// Len returns the number of specifications with listeners
func (d *Distributor) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sets)
}
