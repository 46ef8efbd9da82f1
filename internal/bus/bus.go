// Package bus binds the live data client to a topic-based message bus:
// batched requests on a request/reply subject, one broadcast topic per item.
package bus

import (
	"context"
	"errors"
)

var (
	ErrNotConnected = errors.New("bus: not connected")
	ErrClosed       = errors.New("bus: closed")
	ErrNoResponder  = errors.New("bus: no responder for subject")
)

// Handler processes one message delivered on a subject
type Handler func(subject string, data []byte)

// Subscription is an active subject subscription
type Subscription interface {
	Unsubscribe() error
}

// Conn is the bus surface the transport needs
type Conn interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Subscribe(subject string, handler Handler) (Subscription, error)
	Publish(ctx context.Context, subject string, data []byte) error
	Close(ctx context.Context) error
}

// Dialer opens a Conn
type Dialer func(ctx context.Context) (Conn, error)

// Subjects are the request subjects under one prefix
type Subjects struct {
	Subscribe   string
	Heartbeat   string
	Entitlement string
	Resolve     string
}

// NewSubjects derives the request subjects from prefix
func NewSubjects(prefix string) Subjects {
	return Subjects{
		Subscribe:   prefix + ".subscribe",
		Heartbeat:   prefix + ".heartbeat",
		Entitlement: prefix + ".entitlement",
		Resolve:     prefix + ".resolve",
	}
}
