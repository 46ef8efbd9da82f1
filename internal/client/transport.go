package client

import (
	"context"

	"tickgofer/internal/livedata"
)

// Request is one batched wire request for a single user and kind
type Request struct {
	User  *livedata.UserPrincipal
	Kind  livedata.SubscriptionKind
	Specs []livedata.ItemSpecification
}

// ResponseSink receives the outcome of a Request. Deliver may be called
// several times with subsets of the results; each result is matched to the
// request by its RequestedSpec. Fail ends the request: every specification
// without a result fails.
type ResponseSink interface {
	Deliver(results []livedata.SubscriptionResult)
	Fail(err error)
}

// Abandoner is implemented by bindings that can release a request the client
// stopped waiting for. Abandon is called once per timed-out request; the
// binding forgets its correlation and releases any stream a late response
// would open. Results delivered to sink afterwards are still handled.
type Abandoner interface {
	Abandon(sink ResponseSink)
}

// UpdateSink receives ticks from the transport's dispatch path
type UpdateSink interface {
	ValueUpdate(update livedata.ValueUpdate)
	// SubscriptionLost reports a stream the binding could not keep, such as
	// a resubscription the server rejected after a reconnect
	SubscriptionLost(spec livedata.ItemSpecification, result livedata.SubscriptionResult)
}

// Transport is what a binding provides to the client. A binding may also
// implement heartbeat.Sender, entitlement.Requester and resolver.Resolver;
// the client wires whichever it finds.
type Transport interface {
	// Start connects and begins dispatching ticks to updates
	Start(ctx context.Context, updates UpdateSink) error
	// SendRequest sends req; the outcome arrives on sink, possibly before SendRequest returns.
	// A returned error means nothing was sent.
	SendRequest(ctx context.Context, req Request, sink ResponseSink) error
	// CancelPublication stops receiving ticks for a fully-qualified specification
	CancelPublication(spec livedata.ItemSpecification) error
	// Close releases sessions and the connection
	Close(ctx context.Context) error
}
