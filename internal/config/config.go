// Package config provides configuration management for dashlink using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultSignalingPort   = 6665
	defaultVideoPort       = 6664
	defaultHTTPPort        = 8080
	defaultSignalingIdle   = 120 * time.Second
	defaultVideoIdle       = 10 * time.Minute
	defaultShutdownTimeout = 10 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxIdleTime = 30 * time.Minute
	defaultHeartbeatStale  = 5 * time.Minute
	defaultSweepSchedule   = "@every 1m"
	defaultRedisAddr       = "127.0.0.1:6379"
	defaultFPS             = 25
)

// Config holds all configuration for the application.
type Config struct {
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
}

// IngestConfig holds the device-facing TCP listener configuration.
type IngestConfig struct {
	// Host is the bind address for both device listeners.
	Host string `mapstructure:"host"`
	// SignalingPort is the JT808 listen port.
	SignalingPort int `mapstructure:"signaling_port"`
	// VideoPort is the JT1078 listen port.
	VideoPort int `mapstructure:"video_port"`
	// PublicIP is the address placed inside AV-request bodies so devices
	// know where to dial back with video.
	PublicIP string `mapstructure:"public_ip"`
	// SignalingIdleTimeout closes a JT808 connection after this much
	// read inactivity. Devices heartbeat every 30-60s.
	SignalingIdleTimeout time.Duration `mapstructure:"signaling_idle_timeout"`
	// VideoIdleTimeout closes a JT1078 connection after read inactivity.
	// Video may legitimately go quiet between stream sessions.
	VideoIdleTimeout time.Duration `mapstructure:"video_idle_timeout"`
	// WriteTimeout bounds writes to device sockets.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// StreamFPS is the assumed frame rate when the stream does not say.
	StreamFPS int `mapstructure:"stream_fps"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// RedisConfig holds the fan-out bus connection configuration.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// SweeperConfig holds the stale-connection sweeper configuration.
type SweeperConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Schedule is a robfig/cron spec, e.g. "@every 1m".
	Schedule string `mapstructure:"schedule"`
	// HeartbeatStale is how long a connection may go without a heartbeat
	// before its persisted row is flipped to disconnected.
	HeartbeatStale time.Duration `mapstructure:"heartbeat_stale"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and use
// the DASHLINK_ prefix with underscores for nesting, e.g.
// DASHLINK_INGEST_SIGNALING_PORT=6665. The bare JT808_PORT, JT1078_PORT
// and PUBLIC_IP variables are also honoured; they are the operational
// contract fleet devices are provisioned against.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/dashlink")
		v.AddConfigPath("$HOME/.dashlink")
	}

	v.SetEnvPrefix("DASHLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindLegacyEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Ingest defaults
	v.SetDefault("ingest.host", "0.0.0.0")
	v.SetDefault("ingest.signaling_port", defaultSignalingPort)
	v.SetDefault("ingest.video_port", defaultVideoPort)
	v.SetDefault("ingest.public_ip", "127.0.0.1")
	v.SetDefault("ingest.signaling_idle_timeout", defaultSignalingIdle)
	v.SetDefault("ingest.video_idle_timeout", defaultVideoIdle)
	v.SetDefault("ingest.write_timeout", defaultWriteTimeout)
	v.SetDefault("ingest.stream_fps", defaultFPS)

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultHTTPPort)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "dashlink.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Redis defaults
	v.SetDefault("redis.addr", defaultRedisAddr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Sweeper defaults
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.schedule", defaultSweepSchedule)
	v.SetDefault("sweeper.heartbeat_stale", defaultHeartbeatStale)
}

// BindLegacyEnv maps the un-prefixed environment variables that existing
// fleet provisioning scripts export onto their config keys.
func BindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("ingest.signaling_port", "DASHLINK_INGEST_SIGNALING_PORT", "JT808_PORT")
	_ = v.BindEnv("ingest.video_port", "DASHLINK_INGEST_VIDEO_PORT", "JT1078_PORT")
	_ = v.BindEnv("ingest.public_ip", "DASHLINK_INGEST_PUBLIC_IP", "PUBLIC_IP")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	for name, port := range map[string]int{
		"ingest.signaling_port": c.Ingest.SignalingPort,
		"ingest.video_port":     c.Ingest.VideoPort,
		"server.port":           c.Server.Port,
	} {
		if port < 1 || port > maxPort {
			return fmt.Errorf("%s must be between 1 and %d", name, maxPort)
		}
	}
	if c.Ingest.SignalingPort == c.Ingest.VideoPort {
		return fmt.Errorf("ingest.signaling_port and ingest.video_port must differ")
	}
	if c.Ingest.PublicIP == "" {
		return fmt.Errorf("ingest.public_ip is required")
	}
	if c.Ingest.StreamFPS < 1 || c.Ingest.StreamFPS > 120 {
		return fmt.Errorf("ingest.stream_fps must be between 1 and 120")
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Sweeper.Enabled && c.Sweeper.HeartbeatStale < time.Minute {
		return fmt.Errorf("sweeper.heartbeat_stale must be at least 1m")
	}

	return nil
}

// SignalingAddress returns the JT808 listen address in host:port form.
func (c *IngestConfig) SignalingAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.SignalingPort)
}

// VideoAddress returns the JT1078 listen address in host:port form.
func (c *IngestConfig) VideoAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.VideoPort)
}

// Address returns the HTTP server address in host:port form.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
