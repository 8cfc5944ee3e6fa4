// Package config provides Viper-based configuration loading for the game
// server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the identity and capacity of this server.
type ServerConfig struct {
	// Name is the human-readable server name used in logs.
	Name string `mapstructure:"name"`
	// ID distinguishes this server among shards; it is sent in the handshake.
	ID int `mapstructure:"id"`
	// Version is the build version clients must match during the handshake.
	Version string `mapstructure:"version"`
	// MaxPlayers caps the number of joined players.
	MaxPlayers int `mapstructure:"max_players"`
	// AllowConnections opens the world to new players.
	AllowConnections bool `mapstructure:"allow_connections"`
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
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// BanKey is the set holding banned addresses.
	BanKey string `mapstructure:"ban_key"`
}

// NetworkConfig holds WebSocket listener and flow-control settings.
type NetworkConfig struct {
	// Host is the bind address for the WebSocket listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the WebSocket listener.
	Port int `mapstructure:"port"`
	// Path is the HTTP path clients upgrade on.
	Path string `mapstructure:"path"`
	// UpdateInterval is the outbound flush cadence.
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	// IdleTimeout closes connections that stay silent this long.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// MessageRateLimit is the number of messages a connection may send per second.
	MessageRateLimit int `mapstructure:"message_rate_limit"`
	// ConnectInterval is the minimum time between connections from one address.
	ConnectInterval time.Duration `mapstructure:"connect_interval"`
	// MaxConnectionsPerAddress caps concurrent connections from one address.
	MaxConnectionsPerAddress int `mapstructure:"max_connections_per_address"`
	// DedupWindow is how long an identical frame is treated as a duplicate.
	DedupWindow time.Duration `mapstructure:"dedup_window"`
	// HeartbeatInterval is how often connections check for improper closes.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxMessageBytes bounds inbound frame size; zero means unlimited.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
	// IDStrategy selects connection ids: "counter" or "uuid".
	IDStrategy string `mapstructure:"id_strategy"`
	// Debug disables rate and admission throttles.
	Debug bool `mapstructure:"debug"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (n NetworkConfig) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// WorldConfig holds the tick cadences and grid dimensions.
type WorldConfig struct {
	// SaveInterval is the persistence hook cadence.
	SaveInterval time.Duration `mapstructure:"save_interval"`
	// MapWidth and MapHeight are the grid size in tiles.
	MapWidth  int `mapstructure:"map_width"`
	MapHeight int `mapstructure:"map_height"`
	// RegionSize is the edge length of a region in tiles.
	RegionSize int `mapstructure:"region_size"`
	// RecordPopulation writes a population sample to PostgreSQL on every save.
	RecordPopulation bool `mapstructure:"record_population"`
}

// BansConfig selects where banned addresses are looked up.
type BansConfig struct {
	// Source is one of "none", "file", "postgres", "redis".
	Source string `mapstructure:"source"`
	// File is the YAML ban list read when Source is "file".
	File string `mapstructure:"file"`
	// Timeout bounds a single ban lookup.
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// HealthConfig holds the gRPC health service settings.
type HealthConfig struct {
	// GRPCHost is the bind address for the health service.
	GRPCHost string `mapstructure:"grpc_host"`
	// GRPCPort is the TCP port for the health service; zero disables it.
	GRPCPort int `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.GRPCHost, h.GRPCPort)
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Network  NetworkConfig  `mapstructure:"network"`
	World    WorldConfig    `mapstructure:"world"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Bans     BansConfig     `mapstructure:"bans"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Health   HealthConfig   `mapstructure:"health"`
}

// NeedsDatabase reports whether any enabled component uses PostgreSQL.
func (c Config) NeedsDatabase() bool {
	return c.Bans.Source == "postgres" || c.World.RecordPopulation
}

// NeedsRedis reports whether any enabled component uses Redis.
func (c Config) NeedsRedis() bool {
	return c.Bans.Source == "redis"
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateNetwork(c.Network); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateWorld(c.World); err != nil {
		errs = append(errs, err.Error())
	}
	if c.NeedsDatabase() {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.NeedsRedis() {
		if err := validateRedis(c.Redis); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateBans(c.Bans); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateHealth(c.Health); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.ID < 0 {
		errs = append(errs, fmt.Sprintf("server.id must be >= 0, got %d", s.ID))
	}
	if s.Version == "" {
		errs = append(errs, "server.version must not be empty")
	}
	if s.MaxPlayers < 1 {
		errs = append(errs, fmt.Sprintf("server.max_players must be >= 1, got %d", s.MaxPlayers))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateNetwork(n NetworkConfig) error {
	var errs []string
	if n.Port < 0 || n.Port > 65535 {
		errs = append(errs, fmt.Sprintf("network.port must be 0-65535, got %d", n.Port))
	}
	if !strings.HasPrefix(n.Path, "/") {
		errs = append(errs, fmt.Sprintf("network.path must start with /, got %q", n.Path))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"network.update_interval", n.UpdateInterval},
		{"network.idle_timeout", n.IdleTimeout},
		{"network.dedup_window", n.DedupWindow},
		{"network.heartbeat_interval", n.HeartbeatInterval},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be > 0, got %s", d.key, d.val))
		}
	}
	if n.ConnectInterval < 0 {
		errs = append(errs, "network.connect_interval must not be negative")
	}
	if n.WriteTimeout < 0 {
		errs = append(errs, "network.write_timeout must not be negative")
	}
	if n.MessageRateLimit < 1 {
		errs = append(errs, fmt.Sprintf("network.message_rate_limit must be >= 1, got %d", n.MessageRateLimit))
	}
	if n.MaxConnectionsPerAddress < 1 {
		errs = append(errs, fmt.Sprintf("network.max_connections_per_address must be >= 1, got %d", n.MaxConnectionsPerAddress))
	}
	if n.MaxMessageBytes < 0 {
		errs = append(errs, "network.max_message_bytes must not be negative")
	}
	validIDs := map[string]bool{"counter": true, "uuid": true}
	if !validIDs[n.IDStrategy] {
		errs = append(errs, fmt.Sprintf("network.id_strategy must be one of [counter, uuid], got %q", n.IDStrategy))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateWorld(w WorldConfig) error {
	var errs []string
	if w.SaveInterval <= 0 {
		errs = append(errs, fmt.Sprintf("world.save_interval must be > 0, got %s", w.SaveInterval))
	}
	if w.MapWidth < 1 || w.MapHeight < 1 {
		errs = append(errs, fmt.Sprintf("world.map_width and world.map_height must be >= 1, got %dx%d", w.MapWidth, w.MapHeight))
	}
	if w.RegionSize < 1 {
		errs = append(errs, fmt.Sprintf("world.region_size must be >= 1, got %d", w.RegionSize))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
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
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRedis(r RedisConfig) error {
	var errs []string
	if r.Addr == "" {
		errs = append(errs, "redis.addr must not be empty")
	}
	if r.DB < 0 {
		errs = append(errs, fmt.Sprintf("redis.db must be >= 0, got %d", r.DB))
	}
	if r.BanKey == "" {
		errs = append(errs, "redis.ban_key must not be empty")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateBans(b BansConfig) error {
	validSources := map[string]bool{"none": true, "file": true, "postgres": true, "redis": true}
	if !validSources[b.Source] {
		return fmt.Errorf("bans.source must be one of [none, file, postgres, redis], got %q", b.Source)
	}
	if b.Source == "file" && b.File == "" {
		return errors.New("bans.file must not be empty when bans.source is file")
	}
	if b.Timeout < 0 {
		return errors.New("bans.timeout must not be negative")
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

func validateHealth(h HealthConfig) error {
	if h.GRPCPort < 0 || h.GRPCPort > 65535 {
		return fmt.Errorf("health.grpc_port must be 0-65535, got %d", h.GRPCPort)
	}
	if h.GRPCPort > 0 && h.GRPCHost == "" {
		return errors.New("health.grpc_host must not be empty when health.grpc_port is set")
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

	// Environment variable overrides with REALMGATE_ prefix
	v.SetEnvPrefix("REALMGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

// Defaults returns a Viper instance holding only the default values.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "Realmgate")
	v.SetDefault("server.id", 1)
	v.SetDefault("server.version", "0.0.1-alpha")
	v.SetDefault("server.max_players", 200)
	v.SetDefault("server.allow_connections", true)

	v.SetDefault("network.host", "0.0.0.0")
	v.SetDefault("network.port", 9001)
	v.SetDefault("network.path", "/ws")
	v.SetDefault("network.update_interval", "300ms")
	v.SetDefault("network.idle_timeout", "600s")
	v.SetDefault("network.message_rate_limit", 50)
	v.SetDefault("network.connect_interval", "5000ms")
	v.SetDefault("network.max_connections_per_address", 16)
	v.SetDefault("network.dedup_window", "100ms")
	v.SetDefault("network.heartbeat_interval", "30s")
	v.SetDefault("network.write_timeout", "10s")
	v.SetDefault("network.max_message_bytes", 64*1024)
	v.SetDefault("network.id_strategy", "counter")
	v.SetDefault("network.debug", false)

	v.SetDefault("world.save_interval", "60000ms")
	v.SetDefault("world.map_width", 1024)
	v.SetDefault("world.map_height", 1024)
	v.SetDefault("world.region_size", 48)
	v.SetDefault("world.record_population", false)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "realmgate")
	v.SetDefault("database.password", "realmgate")
	v.SetDefault("database.name", "realmgate")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ban_key", "realmgate:bans")

	v.SetDefault("bans.source", "none")
	v.SetDefault("bans.timeout", "2s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("health.grpc_host", "127.0.0.1")
	v.SetDefault("health.grpc_port", 0)
}
