// Package config handles node configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/meshwire-ai/meshwire/internal/auth"
)

// Config is the top-level node configuration.
type Config struct {
	Node        NodeConfig        `json:"node"`
	Transport   TransportConfig   `json:"transport"`
	Session     SessionConfig     `json:"session"`
	Heartbeat   HeartbeatConfig   `json:"heartbeat"`
	Pipeline    PipelineConfig    `json:"pipeline"`
	Auth        AuthConfig        `json:"auth"`
	RateLimit   RateLimitConfig   `json:"rate_limit"`
	Compression CompressionConfig `json:"compression"`
	Audit       AuditConfig       `json:"audit"`
	Balancer    BalancerConfig    `json:"balancer"`
	Peers       []PeerConfig      `json:"peers,omitempty"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	ID       string `json:"id"`
	Secret   string `json:"secret"`
	LogLevel string `json:"log_level,omitempty"`
}

// TransportConfig selects and configures the wire transport.
type TransportConfig struct {
	Kind        string `json:"kind"`        // websocket | tcp | redis
	ListenAddr  string `json:"listen_addr"` // websocket/tcp
	RedisURL    string `json:"redis_url,omitempty"`
	RedisPrefix string `json:"redis_prefix,omitempty"`
}

// SessionConfig tunes session lifetimes.
type SessionConfig struct {
	TTL      Duration `json:"ttl,omitempty"`
	TokenTTL Duration `json:"token_ttl,omitempty"`
}

// HeartbeatConfig tunes the liveness loops.
type HeartbeatConfig struct {
	Interval          Duration `json:"interval,omitempty"`
	SuperviseInterval Duration `json:"supervise_interval,omitempty"`
	Timeout           Duration `json:"timeout,omitempty"`
	MaxRetries        int      `json:"max_retries,omitempty"`
}

// PipelineConfig tunes the message path.
type PipelineConfig struct {
	QueueCapacity  int      `json:"queue_capacity,omitempty"`
	ProcessBatch   int      `json:"process_batch,omitempty"`
	RequestTimeout Duration `json:"request_timeout,omitempty"`
}

// AuthConfig configures the authentication middleware.
type AuthConfig struct {
	Enabled       bool                `json:"enabled"`
	JWTSecret     string              `json:"jwt_secret,omitempty"`
	TrustedAgents []string            `json:"trusted_agents,omitempty"`
	BlockedAgents []string            `json:"blocked_agents,omitempty"`
	Grants        map[string][]string `json:"grants,omitempty"`
	Rules         []auth.RuleConfig   `json:"rules,omitempty"`
}

// RateLimitConfig configures the node-wide rate limiter.
type RateLimitConfig struct {
	Enabled       bool     `json:"enabled"`
	PerAgentLimit int      `json:"per_agent_limit,omitempty"`
	GlobalLimit   int      `json:"global_limit,omitempty"`
	Window        Duration `json:"window,omitempty"`
	Burst         int      `json:"burst,omitempty"`
	Adaptive      bool     `json:"adaptive,omitempty"`
}

// CompressionConfig tunes payload compression.
type CompressionConfig struct {
	CacheEntries int `json:"cache_entries,omitempty"`
	Workers      int `json:"workers,omitempty"`
}

// AuditConfig selects the audit persistence backend.
type AuditConfig struct {
	Backend string `json:"backend,omitempty"` // memory | sqlite | postgres
	DSN     string `json:"dsn,omitempty"`
}

// BalancerConfig selects the backend selection strategy.
type BalancerConfig struct {
	Strategy string `json:"strategy,omitempty"`
}

// PeerConfig is a statically known peer agent.
type PeerConfig struct {
	AgentID string `json:"agent_id"`
	Address string `json:"address"`
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.Secret == "" {
		return fmt.Errorf("node.secret is required")
	}
	switch c.Transport.Kind {
	case "", "websocket", "tcp":
		if c.Transport.ListenAddr == "" {
			return fmt.Errorf("transport.listen_addr is required")
		}
	case "redis":
		if c.Transport.RedisURL == "" {
			return fmt.Errorf("transport.redis_url is required for the redis transport")
		}
	default:
		return fmt.Errorf("transport.kind must be websocket, tcp, or redis")
	}
	switch c.Audit.Backend {
	case "", "memory":
	case "sqlite", "postgres":
		if c.Audit.DSN == "" {
			return fmt.Errorf("audit.dsn is required for the %s backend", c.Audit.Backend)
		}
	default:
		return fmt.Errorf("audit.backend must be memory, sqlite, or postgres")
	}
	switch c.Balancer.Strategy {
	case "", "round_robin", "random", "least_connections", "weighted_random", "health_based":
	default:
		return fmt.Errorf("balancer.strategy %q is not recognized", c.Balancer.Strategy)
	}
	seen := make(map[string]bool)
	for i, peer := range c.Peers {
		if peer.AgentID == "" || peer.Address == "" {
			return fmt.Errorf("peers[%d] needs agent_id and address", i)
		}
		if seen[peer.AgentID] {
			return fmt.Errorf("duplicate peer agent id: %s", peer.AgentID)
		}
		seen[peer.AgentID] = true
	}
	for i, rule := range c.Auth.Rules {
		if _, err := auth.CompileRule(rule); err != nil {
			return fmt.Errorf("auth.rules[%d]: %w", i, err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Node.LogLevel == "" {
		c.Node.LogLevel = "info"
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = "websocket"
	}
	if c.Transport.RedisPrefix == "" {
		c.Transport.RedisPrefix = "meshwire"
	}
	if c.Session.TTL.Duration == 0 {
		c.Session.TTL.Duration = 1 * time.Hour
	}
	if c.Session.TokenTTL.Duration == 0 {
		c.Session.TokenTTL.Duration = 1 * time.Hour
	}
	if c.Heartbeat.Interval.Duration == 0 {
		c.Heartbeat.Interval.Duration = 30 * time.Second
	}
	if c.Heartbeat.SuperviseInterval.Duration == 0 {
		c.Heartbeat.SuperviseInterval.Duration = 10 * time.Second
	}
	if c.Heartbeat.Timeout.Duration == 0 {
		c.Heartbeat.Timeout.Duration = 60 * time.Second
	}
	if c.Heartbeat.MaxRetries == 0 {
		c.Heartbeat.MaxRetries = 3
	}
	if c.Pipeline.QueueCapacity == 0 {
		c.Pipeline.QueueCapacity = 10_000
	}
	if c.Pipeline.ProcessBatch == 0 {
		c.Pipeline.ProcessBatch = 64
	}
	if c.Pipeline.RequestTimeout.Duration == 0 {
		c.Pipeline.RequestTimeout.Duration = 30 * time.Second
	}
	if c.RateLimit.PerAgentLimit == 0 {
		c.RateLimit.PerAgentLimit = 100
	}
	if c.RateLimit.Window.Duration == 0 {
		c.RateLimit.Window.Duration = 60 * time.Second
	}
	if c.Audit.Backend == "" {
		c.Audit.Backend = "memory"
	}
	if c.Balancer.Strategy == "" {
		c.Balancer.Strategy = "round_robin"
	}
}
