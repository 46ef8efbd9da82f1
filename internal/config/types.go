package config

import "time"

// TransportType selects a transport binding
type TransportType string

const (
	TransportBus    TransportType = "bus"
	TransportFramed TransportType = "framed"
)

// Config represents the main configuration structure
type Config struct {
	LogLevel            string               `json:"logLevel" yaml:"logLevel"`
	NormalizationScheme string               `json:"normalizationScheme" yaml:"normalizationScheme"`
	HeartbeatInterval   int                  `json:"heartbeatInterval" yaml:"heartbeatInterval"`   // ms
	SnapshotTimeout     int                  `json:"snapshotTimeout" yaml:"snapshotTimeout"`       // ms - phase-2 and default snapshot timeout
	RequestTimeout      int                  `json:"requestTimeout" yaml:"requestTimeout"`         // ms - phase-1 response timeout
	EntitlementTimeout  int                  `json:"entitlementTimeout" yaml:"entitlementTimeout"` // ms
	ResolverCache       *ResolverCacheConfig `json:"resolverCache,omitempty" yaml:"resolverCache,omitempty"`
	Metrics             *MetricsConfig       `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Transports          []TransportConfig    `json:"transports" yaml:"transports"`
	Routes              map[string]string    `json:"routes,omitempty" yaml:"routes,omitempty"` // identifier scheme -> transport name
	DefaultRoute        string               `json:"defaultRoute,omitempty" yaml:"defaultRoute,omitempty"`
}

// ResolverCacheConfig represents the specification resolver cache
type ResolverCacheConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Size    int  `json:"size" yaml:"size"` // number of entries
	TTL     int  `json:"ttl" yaml:"ttl"`   // seconds
}

// MetricsConfig represents the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

// TransportConfig represents one named connection to a live data server
type TransportConfig struct {
	Name   string        `json:"name" yaml:"name"`
	Type   TransportType `json:"type" yaml:"type"`
	Bus    *BusConfig    `json:"bus,omitempty" yaml:"bus,omitempty"`
	Framed *FramedConfig `json:"framed,omitempty" yaml:"framed,omitempty"`
}

// BusConfig represents a topic-bus connection
type BusConfig struct {
	URL             string `json:"url" yaml:"url"`
	SubjectPrefix   string `json:"subjectPrefix" yaml:"subjectPrefix"`
	Sessions        int    `json:"sessions" yaml:"sessions"`
	RequestTimeout  int    `json:"requestTimeout" yaml:"requestTimeout"` // ms
	ConnectAttempts int    `json:"connectAttempts" yaml:"connectAttempts"`
}

// FramedConfig represents a framed-socket connection
type FramedConfig struct {
	URL                  string `json:"url" yaml:"url"` // tcp://, ws:// or wss://
	UserName             string `json:"userName" yaml:"userName"`
	ConnectTimeout       int    `json:"connectTimeout" yaml:"connectTimeout"`             // ms
	ReconnectInterval    int    `json:"reconnectInterval" yaml:"reconnectInterval"`       // ms - initial backoff
	MaxReconnectInterval int    `json:"maxReconnectInterval" yaml:"maxReconnectInterval"` // ms
}

// Default values
const (
	DefaultLogLevel             = "info"
	DefaultNormalizationScheme  = "OpenGamma"
	DefaultHeartbeatInterval    = 300000 // ms - 5 minutes
	DefaultSnapshotTimeout      = 30000  // ms
	DefaultRequestTimeout       = 60000  // ms
	DefaultEntitlementTimeout   = 30000  // ms
	DefaultResolverCacheSize    = 10000
	DefaultResolverCacheTTL     = 600 // seconds
	DefaultMetricsListen        = ":9102"
	DefaultBusURL               = "nats://127.0.0.1:4222"
	DefaultSubjectPrefix        = "livedata"
	DefaultSessions             = 10
	DefaultBusRequestTimeout    = 30000 // ms
	DefaultConnectAttempts      = 5
	DefaultConnectTimeout       = 10000 // ms
	DefaultReconnectInterval    = 1000  // ms
	DefaultMaxReconnectInterval = 30000 // ms
)

// GetHeartbeatIntervalDuration returns heartbeat interval as time.Duration
func (c *Config) GetHeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Millisecond
}

// GetSnapshotTimeoutDuration returns snapshot timeout as time.Duration
func (c *Config) GetSnapshotTimeoutDuration() time.Duration {
	return time.Duration(c.SnapshotTimeout) * time.Millisecond
}

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// GetEntitlementTimeoutDuration returns entitlement timeout as time.Duration
func (c *Config) GetEntitlementTimeoutDuration() time.Duration {
	return time.Duration(c.EntitlementTimeout) * time.Millisecond
}

// IsResolverCacheEnabled returns true if the resolver cache is configured and enabled
func (c *Config) IsResolverCacheEnabled() bool {
	return c.ResolverCache != nil && c.ResolverCache.Enabled
}

// IsMetricsEnabled returns true if the metrics endpoint is configured and enabled
func (c *Config) IsMetricsEnabled() bool {
	return c.Metrics != nil && c.Metrics.Enabled
}

// Transport returns the named transport
func (c *Config) Transport(name string) (TransportConfig, bool) {
	for _, t := range c.Transports {
		if t.Name == name {
			return t, true
		}
	}
	return TransportConfig{}, false
}

// GetTTLDuration returns cache TTL as time.Duration
func (c *ResolverCacheConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// GetRequestTimeoutDuration returns bus request timeout as time.Duration
func (c *BusConfig) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// GetConnectTimeoutDuration returns connect timeout as time.Duration
func (c *FramedConfig) GetConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Millisecond
}

// GetReconnectIntervalDuration returns the initial reconnect backoff as time.Duration
func (c *FramedConfig) GetReconnectIntervalDuration() time.Duration {
	return time.Duration(c.ReconnectInterval) * time.Millisecond
}

// GetMaxReconnectIntervalDuration returns the reconnect backoff cap as time.Duration
func (c *FramedConfig) GetMaxReconnectIntervalDuration() time.Duration {
	return time.Duration(c.MaxReconnectInterval) * time.Millisecond
}
