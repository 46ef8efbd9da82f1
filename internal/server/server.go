package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tickgofer/internal/bus"
	"tickgofer/internal/client"
	"tickgofer/internal/clock"
	"tickgofer/internal/config"
	"tickgofer/internal/delegating"
	"tickgofer/internal/framed"
	"tickgofer/internal/livedata"
	"tickgofer/internal/metrics"
	"tickgofer/internal/resolver"
)

// Server assembles the configured transports into one routed live data client
// and serves metrics
type Server struct {
	cfg           *config.Config
	clients       map[string]*client.Client
	live          *delegating.Client
	registry      *prometheus.Registry
	metrics       *metrics.Metrics
	metricsServer *http.Server
	logger        zerolog.Logger
}

// New builds a client per transport and the delegating client routing between them
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		clients: make(map[string]*client.Client, len(cfg.Transports)),
		logger:  logger,
	}

	if cfg.IsMetricsEnabled() {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(collectors.NewGoCollector())
		m, err := metrics.New(s.registry)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		s.metrics = m
		logger.Info().Str("listen", cfg.Metrics.Listen).Msg("metrics enabled")
	}

	for _, tc := range cfg.Transports {
		c, err := s.newClient(tc)
		if err != nil {
			return nil, fmt.Errorf("transport '%s': %w", tc.Name, err)
		}
		s.clients[tc.Name] = c
	}

	routes := make(map[string]livedata.Client, len(cfg.Routes))
	for scheme, name := range cfg.Routes {
		routes[scheme] = s.clients[name]
	}
	var def livedata.Client
	if cfg.DefaultRoute != "" {
		def = s.clients[cfg.DefaultRoute]
	}
	s.live = delegating.New(routes, def, logger)

	logger.Info().
		Int("transports", len(s.clients)).
		Int("routes", len(routes)).
		Str("defaultRoute", cfg.DefaultRoute).
		Msg("live data client assembled")
	return s, nil
}

func (s *Server) newClient(tc config.TransportConfig) (*client.Client, error) {
	logger := s.logger.With().Str("transport", tc.Name).Logger()

	var transport client.Transport
	switch tc.Type {
	case config.TransportBus:
		dial := bus.NATSDialer(bus.NATSOptions{
			URL:      tc.Bus.URL,
			Name:     "tickgofer-" + tc.Name,
			Attempts: tc.Bus.ConnectAttempts,
		}, logger)
		transport = bus.New(bus.Config{
			SubjectPrefix:  tc.Bus.SubjectPrefix,
			Sessions:       tc.Bus.Sessions,
			RequestTimeout: tc.Bus.GetRequestTimeoutDuration(),
		}, dial, logger)
	case config.TransportFramed:
		transport = framed.New(framed.Config{
			URL:                  tc.Framed.URL,
			UserName:             tc.Framed.UserName,
			ConnectTimeout:       tc.Framed.GetConnectTimeoutDuration(),
			ReconnectInterval:    tc.Framed.GetReconnectIntervalDuration(),
			MaxReconnectInterval: tc.Framed.GetMaxReconnectIntervalDuration(),
		}, logger)
	default:
		return nil, fmt.Errorf("unknown transport type '%s'", tc.Type)
	}

	opts := []client.Option{client.WithMetrics(s.metrics)}
	if s.cfg.IsResolverCacheEnabled() {
		var inner resolver.Resolver = resolver.Identity{}
		if r, ok := transport.(resolver.Resolver); ok {
			inner = r
		}
		caching, err := resolver.NewCaching(inner, s.cfg.ResolverCache.Size, s.cfg.ResolverCache.GetTTLDuration(),
			clock.New(), s.metrics, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create resolver cache: %w", err)
		}
		opts = append(opts, client.WithResolver(caching))
	}

	return client.New(client.Config{
		HeartbeatInterval:  s.cfg.GetHeartbeatIntervalDuration(),
		SnapshotTimeout:    s.cfg.GetSnapshotTimeoutDuration(),
		RequestTimeout:     s.cfg.GetRequestTimeoutDuration(),
		EntitlementTimeout: s.cfg.GetEntitlementTimeoutDuration(),
	}, transport, logger, opts...), nil
}

// Live returns the routed client
func (s *Server) Live() livedata.Client {
	return s.live
}

// Client returns the client of the named transport
func (s *Server) Client(name string) (*client.Client, bool) {
	c, ok := s.clients[name]
	return c, ok
}

// Resolve resolves each specification through the client it routes to
func (s *Server) Resolve(ctx context.Context, specs []livedata.ItemSpecification) (map[string]livedata.ItemSpecification, error) {
	groups := make(map[*client.Client][]livedata.ItemSpecification)
	for _, spec := range specs {
		routed, err := s.live.Route(spec)
		if err != nil {
			return nil, err
		}
		c, ok := routed.(*client.Client)
		if !ok {
			return nil, fmt.Errorf("client for %s cannot resolve", spec.Key())
		}
		groups[c] = append(groups[c], spec)
	}

	out := make(map[string]livedata.ItemSpecification, len(specs))
	for c, group := range groups {
		res, err := c.Resolve(ctx, group)
		if err != nil {
			return nil, err
		}
		for k, v := range res {
			out[k] = v
		}
	}
	return out, nil
}

// MetricsHandler returns the metrics HTTP handler, or nil when metrics are disabled
func (s *Server) MetricsHandler() http.Handler {
	if s.registry == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// Start serves metrics and starts every client
func (s *Server) Start(ctx context.Context) error {
	if handler := s.MetricsHandler(); handler != nil {
		s.metricsServer = &http.Server{
			Addr:         s.cfg.Metrics.Listen,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			s.logger.Info().Str("addr", s.cfg.Metrics.Listen).Msg("starting metrics server")
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	if err := s.live.Start(ctx); err != nil {
		return fmt.Errorf("failed to start clients: %w", err)
	}
	return nil
}

// Stop closes every client, then the metrics server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down...")

	clientErr := s.live.Close(ctx)

	var metricsErr error
	if s.metricsServer != nil {
		metricsErr = s.metricsServer.Shutdown(ctx)
	}

	if clientErr != nil {
		return fmt.Errorf("client shutdown error: %w", clientErr)
	}
	if metricsErr != nil {
		return fmt.Errorf("metrics server shutdown error: %w", metricsErr)
	}

	s.logger.Info().Msg("stopped")
	return nil
}
