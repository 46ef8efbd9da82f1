// Package entitlement asks the server whether a user may see given specifications.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tickgofer/internal/clock"
	"tickgofer/internal/livedata"
	"tickgofer/internal/metrics"
)

// DefaultTimeout bounds a single entitlement round trip
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned when no reply arrives in time
var ErrTimeout = errors.New("entitlement check timed out")

// Request asks about specs on behalf of User
type Request struct {
	User  *livedata.UserPrincipal      `json:"user"`
	Specs []livedata.ItemSpecification `json:"specifications"`
}

// Entry is the answer for one specification
type Entry struct {
	Spec    livedata.ItemSpecification `json:"specification"`
	Granted bool                       `json:"granted"`
	Message string                     `json:"message,omitempty"`
}

// Response answers a Request
type Response struct {
	Entries []Entry `json:"entries"`
}

// Requester sends an entitlement request and calls reply once with the outcome
type Requester interface {
	RequestEntitlement(req Request, reply func(Response, error)) error
}

// Checker answers entitlement queries keyed by ItemSpecification.Key
type Checker interface {
	IsEntitled(ctx context.Context, user *livedata.UserPrincipal, specs []livedata.ItemSpecification) (map[string]bool, error)
}

// Permissive grants everything
type Permissive struct{}

// IsEntitled implements Checker
func (Permissive) IsEntitled(_ context.Context, _ *livedata.UserPrincipal, specs []livedata.ItemSpecification) (map[string]bool, error) {
	return grantAll(specs), nil
}

// Remote performs the check over a Requester
type Remote struct {
	requester Requester
	timeout   time.Duration
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// RemoteOption configures a Remote checker
type RemoteOption func(*Remote)

// WithClock sets the clock that times out checks
func WithClock(clk clock.Clock) RemoteOption {
	return func(r *Remote) { r.clock = clk }
}

// NewRemote creates a Remote checker; timeout <= 0 selects DefaultTimeout
func NewRemote(requester Requester, timeout time.Duration, m *metrics.Metrics, logger zerolog.Logger, opts ...RemoteOption) *Remote {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Remote{
		requester: requester,
		timeout:   timeout,
		clock:     clock.New(),
		metrics:   m,
		logger:    logger.With().Str("component", "entitlement-checker").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type reply struct {
	resp Response
	err  error
}

// IsEntitled implements Checker. Specifications missing from the reply are denied.
func (r *Remote) IsEntitled(ctx context.Context, user *livedata.UserPrincipal, specs []livedata.ItemSpecification) (map[string]bool, error) {
	if len(specs) == 0 {
		return map[string]bool{}, nil
	}
	if user == nil {
		return grantAll(specs), nil
	}

	done := make(chan reply, 1)
	req := Request{User: user, Specs: specs}
	err := r.requester.RequestEntitlement(req, func(resp Response, err error) {
		select {
		case done <- reply{resp: resp, err: err}:
		default:
		}
	})
	if err != nil {
		r.metrics.Entitlement(err)
		return nil, fmt.Errorf("send entitlement request: %w", err)
	}

	expired := make(chan struct{})
	timer := r.clock.AfterFunc(r.timeout, func() { close(expired) })
	defer timer.Stop()

	var rep reply
	select {
	case rep = <-done:
	case <-expired:
		r.metrics.Entitlement(ErrTimeout)
		r.logger.Warn().Str("user", user.String()).Int("specs", len(specs)).Dur("timeout", r.timeout).Msg("entitlement check timed out")
		return nil, ErrTimeout
	case <-ctx.Done():
		r.metrics.Entitlement(ctx.Err())
		return nil, ctx.Err()
	}

	r.metrics.Entitlement(rep.err)
	if rep.err != nil {
		return nil, fmt.Errorf("entitlement check: %w", rep.err)
	}

	result := make(map[string]bool, len(specs))
	for _, s := range specs {
		result[s.Key()] = false
	}
	for _, e := range rep.resp.Entries {
		key := e.Spec.Key()
		if _, asked := result[key]; !asked {
			r.logger.Debug().Str("spec", key).Msg("entitlement reply for unrequested specification")
			continue
		}
		result[key] = e.Granted
	}
	return result, nil
}

func grantAll(specs []livedata.ItemSpecification) map[string]bool {
	result := make(map[string]bool, len(specs))
	for _, s := range specs {
		result[s.Key()] = true
	}
	return result
}
