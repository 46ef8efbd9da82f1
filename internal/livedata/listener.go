package livedata

import (
	"context"
	"time"
)

// Listener receives subscription outcomes and ticks.
// Implementations must be comparable (typically a pointer) since listeners
// are tracked in sets.
type Listener interface {
	// SubscriptionResult is called with the outcome of a single request
	SubscriptionResult(result SubscriptionResult)
	// SubscriptionResults is called with the outcomes of a batch
	SubscriptionResults(results []SubscriptionResult)
	// SubscriptionStopped is called after the listener was unsubscribed from spec
	SubscriptionStopped(spec ItemSpecification)
	// ValueUpdate is called for every tick on an active subscription
	ValueUpdate(update ValueUpdate)
}

// ListenerFuncs adapts plain functions to Listener. Use it through a pointer.
// SubscriptionResults falls back to calling OnResult per element.
type ListenerFuncs struct {
	OnResult  func(SubscriptionResult)
	OnResults func([]SubscriptionResult)
	OnStopped func(ItemSpecification)
	OnUpdate  func(ValueUpdate)
}

// SubscriptionResult implements Listener
func (l *ListenerFuncs) SubscriptionResult(result SubscriptionResult) {
	if l.OnResult != nil {
		l.OnResult(result)
	}
}

// SubscriptionResults implements Listener
func (l *ListenerFuncs) SubscriptionResults(results []SubscriptionResult) {
	if l.OnResults != nil {
		l.OnResults(results)
		return
	}
	for _, r := range results {
		l.SubscriptionResult(r)
	}
}

// SubscriptionStopped implements Listener
func (l *ListenerFuncs) SubscriptionStopped(spec ItemSpecification) {
	if l.OnStopped != nil {
		l.OnStopped(spec)
	}
}

// ValueUpdate implements Listener
func (l *ListenerFuncs) ValueUpdate(update ValueUpdate) {
	if l.OnUpdate != nil {
		l.OnUpdate(update)
	}
}

// Client is the application-facing contract shared by every client implementation
type Client interface {
	Start(ctx context.Context) error
	Close(ctx context.Context) error

	Subscribe(user *UserPrincipal, specs []ItemSpecification, listener Listener) error
	Unsubscribe(user *UserPrincipal, specs []ItemSpecification, listener Listener) error
	Snapshot(ctx context.Context, user *UserPrincipal, specs []ItemSpecification, timeout time.Duration) ([]SubscriptionResult, error)
	SnapshotAsync(user *UserPrincipal, specs []ItemSpecification, timeout time.Duration, callback func([]SubscriptionResult)) error
	AreEntitled(ctx context.Context, user *UserPrincipal, specs []ItemSpecification) (map[string]bool, error)
}
