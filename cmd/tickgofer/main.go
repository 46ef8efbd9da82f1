package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"tickgofer/internal/config"
	"tickgofer/internal/livedata"
	"tickgofer/internal/server"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "config.yaml", "path to config file")
	snapshot := flag.Bool("snapshot", false, "take one snapshot of each item and exit")
	resolve := flag.Bool("resolve", false, "resolve each item and exit")
	userName := flag.String("user", "", "user to request data as")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] SCHEME~ID[,SCHEME~ID...] ...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Basic logger for startup errors
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel)

	specs, err := parseSpecs(cfg.NormalizationScheme, flag.Args())
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid item")
	}
	if len(specs) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var user *livedata.UserPrincipal
	if *userName != "" {
		user = livedata.NewUserPrincipal(*userName, "")
	}

	logger.Info().
		Str("config", *configPath).
		Int("transports", len(cfg.Transports)).
		Int("items", len(specs)).
		Msg("starting TickGofer")

	// Create server
	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create server")
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	err = srv.Start(startCtx)
	cancelStart()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	switch {
	case *resolve:
		runResolve(srv, specs, logger)
	case *snapshot:
		runSnapshot(srv, user, specs, cfg.GetSnapshotTimeoutDuration(), logger)
	default:
		runSubscribe(srv, user, specs, logger)
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}

func parseSpecs(scheme string, args []string) ([]livedata.ItemSpecification, error) {
	specs := make([]livedata.ItemSpecification, 0, len(args))
	for _, arg := range args {
		ids, err := livedata.ParseBundle(arg)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", arg, err)
		}
		if ids.Len() == 0 {
			return nil, fmt.Errorf("%q: no identifiers", arg)
		}
		specs = append(specs, livedata.ItemSpecification{NormalizationScheme: scheme, IDs: ids})
	}
	return specs, nil
}

func runResolve(srv *server.Server, specs []livedata.ItemSpecification, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := srv.Resolve(ctx, specs)
	if err != nil {
		logger.Error().Err(err).Msg("resolve failed")
		return
	}
	for _, s := range specs {
		logger.Info().Str("requested", s.Key()).Str("resolved", resolved[s.Key()].Key()).Msg("resolved")
	}
}

func runSnapshot(srv *server.Server, user *livedata.UserPrincipal, specs []livedata.ItemSpecification, timeout time.Duration, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
	defer cancel()

	results, err := srv.Live().Snapshot(ctx, user, specs, timeout)
	if err != nil {
		logger.Error().Err(err).Msg("snapshot failed")
	}
	for _, r := range results {
		logResult(logger, r)
	}
}

func runSubscribe(srv *server.Server, user *livedata.UserPrincipal, specs []livedata.ItemSpecification, logger zerolog.Logger) {
	listener := &livedata.ListenerFuncs{
		OnResult: func(r livedata.SubscriptionResult) { logResult(logger, r) },
		OnStopped: func(spec livedata.ItemSpecification) {
			logger.Info().Str("spec", spec.Key()).Msg("subscription stopped")
		},
		OnUpdate: func(u livedata.ValueUpdate) {
			logger.Info().
				Str("spec", u.Spec.Key()).
				Int64("seq", u.SequenceNumber).
				Interface("fields", u.Fields).
				Msg("tick")
		},
	}
	if err := srv.Live().Subscribe(user, specs, listener); err != nil {
		logger.Error().Err(err).Msg("subscribe failed")
		return
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	if err := srv.Live().Unsubscribe(user, specs, listener); err != nil {
		logger.Warn().Err(err).Msg("unsubscribe failed")
	}
}

func logResult(logger zerolog.Logger, r livedata.SubscriptionResult) {
	ev := logger.Info()
	if !r.Success() {
		ev = logger.Warn()
	}
	ev = ev.
		Str("requested", r.RequestedSpec.Key()).
		Str("code", string(r.Code))
	if !r.FullyQualifiedSpec.IsZero() {
		ev = ev.Str("fullyQualified", r.FullyQualifiedSpec.Key())
	}
	if r.UserMessage != "" {
		ev = ev.Str("message", r.UserMessage)
	}
	if r.Snapshot != nil {
		ev = ev.Int64("seq", r.SequenceNumber).Interface("snapshot", r.Snapshot)
	}
	ev.Msg("subscription result")
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	// Set log level
	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	// Configure output
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
