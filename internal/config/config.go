package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where commands look for the config file.
const DefaultPath = "springboard.yml"

// Storage backends.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendHTTP   = "http"
)

// SpringboardConfig represents the top-level springboard.yml configuration
type SpringboardConfig struct {
	Version      string         `yaml:"version"`
	InstanceName string         `yaml:"instance_name,omitempty"`
	Maestro      bool           `yaml:"maestro"`
	Server       *ServerConfig  `yaml:"server,omitempty"`
	Peer         *PeerConfig    `yaml:"peer,omitempty"`
	Storage      *StorageConfig `yaml:"storage,omitempty"`
	Redis        *RedisConfig   `yaml:"redis,omitempty"`
	Logging      *LoggingConfig `yaml:"logging,omitempty"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr            string        `yaml:"addr,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// PeerConfig points a follower at the hub of its authority.
type PeerConfig struct {
	URL         string        `yaml:"url"`                    // ws:// or wss:// address of the authority's /ws endpoint
	CallTimeout time.Duration `yaml:"call_timeout,omitempty"` // default 10s
}

// StorageConfig selects a backend per kv scope.
type StorageConfig struct {
	UserAgent *BackendConfig `yaml:"user_agent,omitempty"`
	Remote    *BackendConfig `yaml:"remote,omitempty"`
	Shared    *BackendConfig `yaml:"shared,omitempty"`
}

// BackendConfig configures one store.
type BackendConfig struct {
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path,omitempty"`      // bolt and sqlite
	URL      string `yaml:"url,omitempty"`       // http
	ReadOnly bool   `yaml:"read_only,omitempty"` // reject writes, e.g. on edge adapters
}

// RedisConfig is shared by every redis backend.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// maxInstanceNameLength keeps names DNS-compatible.
const maxInstanceNameLength = 63

// instanceNamePattern: lowercase alphanumeric, hyphens allowed (but not at start/end)
var instanceNamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// Validate performs strict validation and applies defaults
func (c *SpringboardConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}
	if c.InstanceName == "" {
		c.InstanceName = "default"
	}
	if len(c.InstanceName) > maxInstanceNameLength {
		return fmt.Errorf("instance name too long: %d characters (max: %d)", len(c.InstanceName), maxInstanceNameLength)
	}
	if !instanceNamePattern.MatchString(c.InstanceName) {
		return fmt.Errorf("invalid instance name '%s': must be lowercase alphanumeric with hyphens (not at start/end)", c.InstanceName)
	}

	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":1337"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive, got %s", c.Server.ShutdownTimeout)
	}

	if c.Peer != nil {
		if err := c.Peer.validate(); err != nil {
			return err
		}
	}

	if c.Storage == nil {
		c.Storage = &StorageConfig{}
	}
	if c.Storage.UserAgent == nil {
		c.Storage.UserAgent = &BackendConfig{Backend: BackendBolt, Path: ".springboard/device.db"}
	}
	if c.Storage.Remote == nil {
		c.Storage.Remote = &BackendConfig{Backend: BackendSQLite, Path: ".springboard/remote.db"}
	}
	backends := map[string]*BackendConfig{
		"user_agent": c.Storage.UserAgent,
		"remote":     c.Storage.Remote,
		"shared":     c.Storage.Shared,
	}
	for scope, b := range backends {
		if b == nil {
			continue
		}
		if err := b.validate(scope); err != nil {
			return err
		}
		if b.Backend == BackendRedis && (c.Redis == nil || c.Redis.URL == "") {
			return fmt.Errorf("storage.%s: redis backend requires redis.url", scope)
		}
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Format {
	case "":
		c.Logging.Format = "json"
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'text', got '%s'", c.Logging.Format)
	}

	return nil
}

func (p *PeerConfig) validate() error {
	if p.URL == "" {
		return fmt.Errorf("peer.url is required when peer is set")
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return fmt.Errorf("peer.url is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("peer.url must use ws:// or wss://, got '%s'", p.URL)
	}
	if p.CallTimeout == 0 {
		p.CallTimeout = 10 * time.Second
	}
	if p.CallTimeout < 0 {
		return fmt.Errorf("peer.call_timeout must be positive, got %s", p.CallTimeout)
	}
	return nil
}

func (b *BackendConfig) validate(scope string) error {
	switch b.Backend {
	case BackendMemory, BackendRedis:
	case BackendBolt, BackendSQLite:
		if b.Path == "" {
			return fmt.Errorf("storage.%s: %s backend requires path", scope, b.Backend)
		}
	case BackendHTTP:
		if b.URL == "" {
			return fmt.Errorf("storage.%s: http backend requires url", scope)
		}
	case "":
		return fmt.Errorf("storage.%s: backend is required", scope)
	default:
		return fmt.Errorf("storage.%s: unknown backend '%s' (valid: memory, bolt, sqlite, redis, http)", scope, b.Backend)
	}
	return nil
}

// ApplyEnv overrides file settings from the environment:
// SPRINGBOARD_INSTANCE_NAME, SPRINGBOARD_ADDR, SPRINGBOARD_MAESTRO,
// SPRINGBOARD_PEER_URL and REDIS_URL.
func (c *SpringboardConfig) ApplyEnv(getenv func(string) string) error {
	if v := getenv("SPRINGBOARD_INSTANCE_NAME"); v != "" {
		c.InstanceName = v
	}
	if v := getenv("SPRINGBOARD_ADDR"); v != "" {
		if c.Server == nil {
			c.Server = &ServerConfig{}
		}
		c.Server.Addr = v
	}
	if v := getenv("SPRINGBOARD_MAESTRO"); v != "" {
		maestro, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SPRINGBOARD_MAESTRO must be a boolean, got '%s'", v)
		}
		c.Maestro = maestro
	}
	if v := getenv("SPRINGBOARD_PEER_URL"); v != "" {
		if c.Peer == nil {
			c.Peer = &PeerConfig{}
		}
		c.Peer.URL = v
	}
	if v := getenv("REDIS_URL"); v != "" {
		if c.Redis == nil {
			c.Redis = &RedisConfig{}
		}
		c.Redis.URL = v
	}
	return nil
}

// Load reads springboard.yml from path, applies environment overrides and
// validates the result.
func Load(path string) (*SpringboardConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config SpringboardConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.ApplyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
