// Package config provides Viper-based configuration loading for the lobby server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the WebSocket listener settings.
type ServerConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// Path is the HTTP path that upgrades to WebSocket.
	Path string `mapstructure:"path"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RateLimitConfig bounds the inbound message rate of a single connection.
type RateLimitConfig struct {
	// Burst is the number of messages accepted back to back.
	Burst int `mapstructure:"burst"`
	// PerSecond is the sustained refill rate. Zero, the default, disables limiting.
	PerSecond float64 `mapstructure:"per_second"`
}

// TransportConfig holds per-connection WebSocket settings.
type TransportConfig struct {
	WriteTimeout   time.Duration   `mapstructure:"write_timeout"`
	MaxMessageSize int64           `mapstructure:"max_message_size"`
	SendBuffer     int             `mapstructure:"send_buffer"`
	AllowedOrigins []string        `mapstructure:"allowed_origins"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

// LobbyConfig holds the relay engine's timers, quotas and display defaults.
type LobbyConfig struct {
	// KeyDeadline is how long a new connection has to present its connection key.
	KeyDeadline time.Duration `mapstructure:"key_deadline"`
	// CloseDelay is the pause between a denial notice and closing the connection.
	CloseDelay time.Duration `mapstructure:"close_delay"`
	// HeartbeatInterval is the period of the liveness probe.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// MaxEvents caps the number of live scheduled events.
	MaxEvents int `mapstructure:"max_events"`
	// ServerSlots is the number of unowned dedicated-host slots provisioned at startup.
	ServerSlots     int    `mapstructure:"server_slots"`
	DefaultNickname string `mapstructure:"default_nickname"`
	DefaultAvatar   string `mapstructure:"default_avatar"`
	GuestPrefix     string `mapstructure:"guest_prefix"`
	MaxNickname     int    `mapstructure:"max_nickname"`
	MaxAvatar       int    `mapstructure:"max_avatar"`
}

// AccountsConfig selects and configures the account store backend.
type AccountsConfig struct {
	// Backend is "file" or "postgres".
	Backend string `mapstructure:"backend"`
	// Path is the JSON document used by the file backend.
	Path string `mapstructure:"path"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// PolicyConfig lists ban entries. Entries from File are merged with the inline lists.
type PolicyConfig struct {
	File            string   `mapstructure:"file"`
	BannedKeys      []string `mapstructure:"banned_keys"`
	BannedAddresses []string `mapstructure:"banned_addresses"`
	BannedWords     []string `mapstructure:"banned_words"`
}

// HealthConfig holds the gRPC health endpoint settings. A GRPCPort of zero
// disables the endpoint.
type HealthConfig struct {
	GRPCHost      string        `mapstructure:"grpc_host"`
	GRPCPort      int           `mapstructure:"grpc_port"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	CheckTimeout  time.Duration `mapstructure:"check_timeout"`
}

// Enabled reports whether the health endpoint should be started.
func (h HealthConfig) Enabled() bool {
	return h.GRPCPort > 0
}

// Addr returns the "host:port" gRPC address.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.GRPCHost, h.GRPCPort)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// Outputs are zap sink URLs or file paths; empty means stderr.
	Outputs []string `mapstructure:"outputs"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	Lobby     LobbyConfig     `mapstructure:"lobby"`
	Accounts  AccountsConfig  `mapstructure:"accounts"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Health    HealthConfig    `mapstructure:"health"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateServer(c.Server),
		validateTransport(c.Transport),
		validateLobby(c.Lobby),
		validateAccounts(c.Accounts),
		validateHealth(c.Health),
		validateLogging(c.Logging),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Accounts.Backend == "postgres" {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 0 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 0-65535, got %d", s.Port))
	}
	if !strings.HasPrefix(s.Path, "/") {
		errs = append(errs, fmt.Sprintf("server.path must start with /, got %q", s.Path))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateTransport(t TransportConfig) error {
	var errs []string
	if t.WriteTimeout < 0 {
		errs = append(errs, "transport.write_timeout must not be negative")
	}
	if t.MaxMessageSize < 1 {
		errs = append(errs, fmt.Sprintf("transport.max_message_size must be >= 1, got %d", t.MaxMessageSize))
	}
	if t.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("transport.send_buffer must be >= 1, got %d", t.SendBuffer))
	}
	if t.RateLimit.PerSecond < 0 {
		errs = append(errs, "transport.rate_limit.per_second must not be negative")
	}
	if t.RateLimit.PerSecond > 0 && t.RateLimit.Burst < 1 {
		errs = append(errs, fmt.Sprintf("transport.rate_limit.burst must be >= 1, got %d", t.RateLimit.Burst))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateLobby(l LobbyConfig) error {
	var errs []string
	if l.KeyDeadline <= 0 {
		errs = append(errs, "lobby.key_deadline must be positive")
	}
	if l.CloseDelay < 0 {
		errs = append(errs, "lobby.close_delay must not be negative")
	}
	if l.HeartbeatInterval <= 0 {
		errs = append(errs, "lobby.heartbeat_interval must be positive")
	}
	if l.MaxEvents < 1 {
		errs = append(errs, fmt.Sprintf("lobby.max_events must be >= 1, got %d", l.MaxEvents))
	}
	if l.ServerSlots < 0 {
		errs = append(errs, fmt.Sprintf("lobby.server_slots must be >= 0, got %d", l.ServerSlots))
	}
	if l.MaxNickname < 1 {
		errs = append(errs, fmt.Sprintf("lobby.max_nickname must be >= 1, got %d", l.MaxNickname))
	}
	if l.MaxAvatar < 1 {
		errs = append(errs, fmt.Sprintf("lobby.max_avatar must be >= 1, got %d", l.MaxAvatar))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateAccounts(a AccountsConfig) error {
	switch a.Backend {
	case "file":
		if a.Path == "" {
			return errors.New("accounts.path must not be empty for the file backend")
		}
		return nil
	case "postgres":
		return nil
	default:
		return fmt.Errorf("accounts.backend must be one of [file, postgres], got %q", a.Backend)
	}
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 || d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must be between 0 and database.max_conns")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateHealth(h HealthConfig) error {
	if h.GRPCPort < 0 || h.GRPCPort > 65535 {
		return fmt.Errorf("health.grpc_port must be 0-65535, got %d", h.GRPCPort)
	}
	if !h.Enabled() {
		return nil
	}
	if h.GRPCHost == "" {
		return errors.New("health.grpc_host must not be empty when the endpoint is enabled")
	}
	if h.CheckInterval <= 0 || h.CheckTimeout <= 0 {
		return errors.New("health.check_interval and health.check_timeout must be positive")
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with LOBBY_ prefix
	v.SetEnvPrefix("LOBBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration produced by the defaults alone.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("unmarshalling default config: %v", err))
	}
	return cfg
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.path", "/")

	v.SetDefault("transport.write_timeout", "10s")
	v.SetDefault("transport.max_message_size", 1<<20)
	v.SetDefault("transport.send_buffer", 256)
	v.SetDefault("transport.allowed_origins", []string{})
	v.SetDefault("transport.rate_limit.burst", 60)
	v.SetDefault("transport.rate_limit.per_second", 0)

	v.SetDefault("lobby.key_deadline", "2s")
	v.SetDefault("lobby.close_delay", "500ms")
	v.SetDefault("lobby.heartbeat_interval", "60s")
	v.SetDefault("lobby.max_events", 20)
	v.SetDefault("lobby.server_slots", 0)
	v.SetDefault("lobby.default_nickname", "无名玩家")
	v.SetDefault("lobby.default_avatar", "caocao")
	v.SetDefault("lobby.guest_prefix", "游客")
	v.SetDefault("lobby.max_nickname", 12)
	v.SetDefault("lobby.max_avatar", 2048)

	v.SetDefault("accounts.backend", "file")
	v.SetDefault("accounts.path", "accounts.json")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "lobby")
	v.SetDefault("database.password", "lobby")
	v.SetDefault("database.name", "lobby")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("policy.file", "")
	v.SetDefault("policy.banned_keys", []string{})
	v.SetDefault("policy.banned_addresses", []string{})
	v.SetDefault("policy.banned_words", []string{})

	v.SetDefault("health.grpc_host", "127.0.0.1")
	v.SetDefault("health.grpc_port", 0)
	v.SetDefault("health.check_interval", "30s")
	v.SetDefault("health.check_timeout", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
