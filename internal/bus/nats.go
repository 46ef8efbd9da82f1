package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	defaultDrainTimeout   = 5 * time.Second
	defaultReconnectWait  = 2 * time.Second
	maxConnectRetryPeriod = 10 * time.Second
)

// NATSConn is a Conn over a NATS connection
type NATSConn struct {
	nc     *nats.Conn
	logger zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NATSOptions configures DialNATS
type NATSOptions struct {
	URL      string
	Name     string
	Attempts int
}

// NATSDialer returns a Dialer for opts
func NATSDialer(opts NATSOptions, logger zerolog.Logger) Dialer {
	return func(ctx context.Context) (Conn, error) {
		return DialNATS(ctx, opts, logger)
	}
}

// DialNATS connects to NATS, retrying with exponential backoff up to opts.Attempts times
func DialNATS(ctx context.Context, opts NATSOptions, logger zerolog.Logger) (*NATSConn, error) {
	c := &NATSConn{
		logger: logger.With().Str("component", "nats-conn").Str("url", opts.URL).Logger(),
	}

	natsOpts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(defaultReconnectWait),
		nats.DrainTimeout(defaultDrainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ErrorHandler(c.handleError),
	}
	if opts.Name != "" {
		natsOpts = append(natsOpts, nats.Name(opts.Name))
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxConnectRetryPeriod

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		nc, err := nats.Connect(opts.URL, natsOpts...)
		if err == nil {
			c.nc = nc
			c.logger.Info().Int("attempt", attempt).Msg("connected to nats")
			return c, nil
		}
		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("nats connect failed")

		if attempt == attempts {
			break
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxConnectRetryPeriod
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, fmt.Errorf("connect to nats at %s: %w", opts.URL, lastErr)
}

// Request implements Conn
func (c *NATSConn) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if err == nats.ErrNoResponders {
			return nil, fmt.Errorf("%w: %s", ErrNoResponder, subject)
		}
		return nil, err
	}
	return msg.Data, nil
}

type natsSubscription struct {
	conn *NATSConn
	sub  *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	s.conn.forget(s.sub)
	return s.sub.Unsubscribe()
}

// Subscribe implements Conn
func (c *NATSConn) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return &natsSubscription{conn: c, sub: sub}, nil
}

func (c *NATSConn) forget(sub *nats.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// Publish implements Conn
func (c *NATSConn) Publish(_ context.Context, subject string, data []byte) error {
	if !c.nc.IsConnected() {
		return ErrNotConnected
	}
	return c.nc.Publish(subject, data)
}

// Close drains the connection, bounded by ctx
func (c *NATSConn) Close(ctx context.Context) error {
	c.mu.Lock()
	c.subs = nil
	c.mu.Unlock()

	drainDone := make(chan error, 1)
	go func() {
		drainDone <- c.nc.Drain()
	}()

	var err error
	select {
	case err = <-drainDone:
	case <-time.After(defaultDrainTimeout):
		err = fmt.Errorf("drain timeout after %v", defaultDrainTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.nc.Close()
	if err != nil {
		c.logger.Warn().Err(err).Msg("nats drain failed")
	}
	return err
}

func (c *NATSConn) handleDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		c.logger.Warn().Err(err).Msg("nats disconnected")
	}
}

func (c *NATSConn) handleReconnect(nc *nats.Conn) {
	c.logger.Info().Str("server", nc.ConnectedUrl()).Msg("nats reconnected")
}

func (c *NATSConn) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	ev := c.logger.Warn().Err(err)
	if sub != nil {
		ev = ev.Str("subject", sub.Subject)
	}
	ev.Msg("nats async error")
}
