package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Load reads and parses the configuration file. Files ending in .yaml or
// .yml are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, strings.ToLower(filepath.Ext(path)))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a configuration; ext selects the format
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.NormalizationScheme == "" {
		cfg.NormalizationScheme = DefaultNormalizationScheme
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.SnapshotTimeout == 0 {
		cfg.SnapshotTimeout = DefaultSnapshotTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.EntitlementTimeout == 0 {
		cfg.EntitlementTimeout = DefaultEntitlementTimeout
	}
	if cfg.ResolverCache != nil {
		if cfg.ResolverCache.Size == 0 {
			cfg.ResolverCache.Size = DefaultResolverCacheSize
		}
		if cfg.ResolverCache.TTL == 0 {
			cfg.ResolverCache.TTL = DefaultResolverCacheTTL
		}
	}
	if cfg.Metrics != nil && cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = DefaultMetricsListen
	}

	for i := range cfg.Transports {
		t := &cfg.Transports[i]
		switch t.Type {
		case TransportBus:
			if t.Bus == nil {
				t.Bus = &BusConfig{}
			}
			if t.Bus.URL == "" {
				t.Bus.URL = DefaultBusURL
			}
			if t.Bus.SubjectPrefix == "" {
				t.Bus.SubjectPrefix = DefaultSubjectPrefix
			}
			if t.Bus.Sessions == 0 {
				t.Bus.Sessions = DefaultSessions
			}
			if t.Bus.RequestTimeout == 0 {
				t.Bus.RequestTimeout = DefaultBusRequestTimeout
			}
			if t.Bus.ConnectAttempts == 0 {
				t.Bus.ConnectAttempts = DefaultConnectAttempts
			}
		case TransportFramed:
			if t.Framed == nil {
				t.Framed = &FramedConfig{}
			}
			if t.Framed.ConnectTimeout == 0 {
				t.Framed.ConnectTimeout = DefaultConnectTimeout
			}
			if t.Framed.ReconnectInterval == 0 {
				t.Framed.ReconnectInterval = DefaultReconnectInterval
			}
			if t.Framed.MaxReconnectInterval == 0 {
				t.Framed.MaxReconnectInterval = DefaultMaxReconnectInterval
			}
		}
	}

	// A single transport is the default route unless one is named
	if cfg.DefaultRoute == "" && len(cfg.Transports) == 1 {
		cfg.DefaultRoute = cfg.Transports[0].Name
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if len(cfg.Transports) == 0 {
		return errors.New("at least one transport is required")
	}

	names := make(map[string]bool)
	for i, t := range cfg.Transports {
		if t.Name == "" {
			return fmt.Errorf("transport[%d]: name is required", i)
		}
		if names[t.Name] {
			return fmt.Errorf("transport[%d]: duplicate transport name '%s'", i, t.Name)
		}
		names[t.Name] = true

		switch t.Type {
		case TransportBus:
			if err := validateBus(t.Name, t.Bus); err != nil {
				return err
			}
		case TransportFramed:
			if err := validateFramed(t.Name, t.Framed); err != nil {
				return err
			}
		default:
			return fmt.Errorf("transport '%s': type must be 'bus' or 'framed'", t.Name)
		}
	}

	for scheme, name := range cfg.Routes {
		if scheme == "" {
			return errors.New("routes: scheme must not be empty")
		}
		if !names[name] {
			return fmt.Errorf("routes: scheme '%s' routes to unknown transport '%s'", scheme, name)
		}
	}
	if cfg.DefaultRoute != "" && !names[cfg.DefaultRoute] {
		return fmt.Errorf("defaultRoute: unknown transport '%s'", cfg.DefaultRoute)
	}
	if len(cfg.Routes) == 0 && cfg.DefaultRoute == "" {
		return errors.New("routes or defaultRoute are required with more than one transport")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.HeartbeatInterval < 0 {
		return fmt.Errorf("heartbeatInterval must be non-negative")
	}
	if cfg.SnapshotTimeout < 0 {
		return fmt.Errorf("snapshotTimeout must be non-negative")
	}
	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must be non-negative")
	}
	if cfg.EntitlementTimeout < 0 {
		return fmt.Errorf("entitlementTimeout must be non-negative")
	}

	if cfg.IsResolverCacheEnabled() {
		if cfg.ResolverCache.TTL <= 0 {
			return fmt.Errorf("resolverCache.ttl must be positive when cache is enabled")
		}
		if cfg.ResolverCache.Size <= 0 {
			return fmt.Errorf("resolverCache.size must be positive when cache is enabled")
		}
	}

	return nil
}

func validateBus(name string, b *BusConfig) error {
	u, err := url.Parse(b.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("transport '%s': invalid bus url '%s'", name, b.URL)
	}
	if b.Sessions < 0 {
		return fmt.Errorf("transport '%s': sessions must be non-negative", name)
	}
	if b.RequestTimeout < 0 {
		return fmt.Errorf("transport '%s': requestTimeout must be non-negative", name)
	}
	if b.ConnectAttempts < 0 {
		return fmt.Errorf("transport '%s': connectAttempts must be non-negative", name)
	}
	return nil
}

func validateFramed(name string, f *FramedConfig) error {
	if f.URL == "" {
		return fmt.Errorf("transport '%s': framed url is required", name)
	}
	u, err := url.Parse(f.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("transport '%s': invalid framed url '%s'", name, f.URL)
	}
	switch u.Scheme {
	case "tcp", "ws", "wss":
	default:
		return fmt.Errorf("transport '%s': framed url scheme must be tcp, ws or wss", name)
	}
	if f.UserName == "" {
		return fmt.Errorf("transport '%s': framed userName is required", name)
	}
	if f.ReconnectInterval < 0 || f.MaxReconnectInterval < 0 || f.ConnectTimeout < 0 {
		return fmt.Errorf("transport '%s': framed timeouts must be non-negative", name)
	}
	return nil
}
