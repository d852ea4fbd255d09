package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"avl-relay/internal/codec"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Decoder DecoderConfig `yaml:"decoder"`
	Forward ForwardConfig `yaml:"forward"`
	Health  HealthConfig  `yaml:"health"`
	Redis   RedisConfig   `yaml:"redis"`
	Link    LinkConfig    `yaml:"link"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	MaxConnections    int    `yaml:"max_connections"`
	IdleTimeoutMs     int    `yaml:"idle_timeout_ms"`
	ConnectTimeoutMs  int    `yaml:"connect_timeout_ms"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"`
	RawLogDir         string `yaml:"raw_log_dir"`
}

type DecoderConfig struct {
	MaxPacketSize  int    `yaml:"max_packet_size"`
	StrictChecksum bool   `yaml:"strict_checksum"`
	StrictLength   bool   `yaml:"strict_length"`
	Checksum       string `yaml:"checksum"`
}

type ForwardConfig struct {
	URL       string `yaml:"url"`
	GRPCAddr  string `yaml:"grpc_addr"`
	TimeoutMs int    `yaml:"timeout_ms"`
	ServerID  string `yaml:"server_id"`
}

type HealthConfig struct {
	Port int `yaml:"port"`
}

type RedisConfig struct {
	Addr             string `yaml:"addr"`
	DB               int    `yaml:"db"`
	DeviceTTLSeconds int    `yaml:"device_ttl_seconds"`
}

type LinkConfig struct {
	ProxyAddr string `yaml:"proxy_addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults mirrors the values the relay has always shipped with.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              5001,
			MaxConnections:    100,
			IdleTimeoutMs:     30000,
			ShutdownTimeoutMs: 10000,
		},
		Decoder: DecoderConfig{
			MaxPacketSize: 65536,
			Checksum:      string(codec.ChecksumCCITT),
		},
		Forward: ForwardConfig{
			URL:       "http://localhost:3000/api/gps/teltonika",
			TimeoutMs: 10000,
			ServerID:  "tcp-server-1",
		},
		Health:  HealthConfig{Port: 8080},
		Redis:   RedisConfig{DeviceTTLSeconds: 600},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order. A .env file in the working directory is loaded
// into the environment first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	e := &envReader{}

	c.Server.Host = e.getString("TCP_HOST", c.Server.Host)
	c.Server.Port = e.getInt("TCP_PORT", c.Server.Port)
	c.Server.MaxConnections = e.getInt("MAX_CONNECTIONS", c.Server.MaxConnections)
	c.Server.IdleTimeoutMs = e.getInt("CONNECTION_TIMEOUT", c.Server.IdleTimeoutMs)
	c.Server.ConnectTimeoutMs = e.getInt("CONNECT_TIMEOUT", c.Server.ConnectTimeoutMs)
	c.Server.ShutdownTimeoutMs = e.getInt("SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeoutMs)
	c.Server.RawLogDir = e.getString("RAW_LOG_DIR", c.Server.RawLogDir)

	c.Decoder.MaxPacketSize = e.getInt("MAX_PACKET_SIZE", c.Decoder.MaxPacketSize)
	c.Decoder.StrictChecksum = e.getBool("STRICT_CHECKSUM", c.Decoder.StrictChecksum)
	c.Decoder.StrictLength = e.getBool("STRICT_LENGTH", c.Decoder.StrictLength)
	c.Decoder.Checksum = e.getString("CHECKSUM_ALGORITHM", c.Decoder.Checksum)

	c.Forward.URL = e.getString("WEB_APP_API_URL", c.Forward.URL)
	c.Forward.GRPCAddr = e.getString("FORWARD_GRPC_ADDR", c.Forward.GRPCAddr)
	c.Forward.TimeoutMs = e.getInt("API_TIMEOUT", c.Forward.TimeoutMs)
	c.Forward.ServerID = e.getString("SERVER_ID", c.Forward.ServerID)

	c.Health.Port = e.getInt("HEALTH_PORT", c.Health.Port)

	c.Redis.Addr = e.getString("REDIS_ADDR", c.Redis.Addr)
	c.Redis.DB = e.getInt("REDIS_DB", c.Redis.DB)
	c.Redis.DeviceTTLSeconds = e.getInt("DEVICE_TTL", c.Redis.DeviceTTLSeconds)

	c.Link.ProxyAddr = e.getString("PROXY_ADDR", c.Link.ProxyAddr)

	c.Logging.Level = strings.ToLower(e.getString("LOG_LEVEL", c.Logging.Level))
	c.Logging.Format = strings.ToLower(e.getString("LOG_FORMAT", c.Logging.Format))
	if e.getBool("ENABLE_DEBUG_LOGGING", false) {
		c.Logging.Level = "debug"
	}

	return errors.Join(e.errs...)
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Decoder.Validate(); err != nil {
		return fmt.Errorf("decoder config: %w", err)
	}
	if err := c.Forward.Validate(); err != nil {
		return fmt.Errorf("forward config: %w", err)
	}
	if c.Health.Port < 0 || c.Health.Port > 65535 {
		return fmt.Errorf("health config: port must be between 0 and 65535, got %d", c.Health.Port)
	}
	if c.Redis.Addr != "" && c.Redis.DeviceTTLSeconds < 1 {
		return fmt.Errorf("redis config: device_ttl_seconds must be at least 1, got %d", c.Redis.DeviceTTLSeconds)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", s.MaxConnections)
	}
	if s.IdleTimeoutMs < 1 {
		return fmt.Errorf("idle_timeout_ms must be positive, got %d", s.IdleTimeoutMs)
	}
	if s.ConnectTimeoutMs < 0 {
		return fmt.Errorf("connect_timeout_ms cannot be negative, got %d", s.ConnectTimeoutMs)
	}
	if s.ShutdownTimeoutMs < 1 {
		return fmt.Errorf("shutdown_timeout_ms must be positive, got %d", s.ShutdownTimeoutMs)
	}
	return nil
}

func (d *DecoderConfig) Validate() error {
	if d.MaxPacketSize < 0 {
		return fmt.Errorf("max_packet_size cannot be negative, got %d", d.MaxPacketSize)
	}
	if _, err := codec.ParseChecksumAlgorithm(d.Checksum); err != nil {
		return err
	}
	return nil
}

func (f *ForwardConfig) Validate() error {
	if f.GRPCAddr == "" && f.URL == "" {
		return fmt.Errorf("url cannot be empty when no grpc_addr is set")
	}
	if f.TimeoutMs < 1 {
		return fmt.Errorf("timeout_ms must be positive, got %d", f.TimeoutMs)
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}
	switch l.Format {
	case "json", "text":
	default:
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}
	return nil
}

func (s *ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

// ConnectTimeout bounds the wait for the first frame; it falls back to the idle timeout.
func (s *ServerConfig) ConnectTimeout() time.Duration {
	if s.ConnectTimeoutMs == 0 {
		return s.IdleTimeout()
	}
	return time.Duration(s.ConnectTimeoutMs) * time.Millisecond
}

func (s *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMs) * time.Millisecond
}

func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (f *ForwardConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutMs) * time.Millisecond
}

func (r *RedisConfig) DeviceTTL() time.Duration {
	return time.Duration(r.DeviceTTLSeconds) * time.Second
}

// DecoderOptions translates the section into codec options.
func (d *DecoderConfig) DecoderOptions() codec.Options {
	alg, _ := codec.ParseChecksumAlgorithm(d.Checksum)
	return codec.Options{
		StrictChecksum: d.StrictChecksum,
		StrictLength:   d.StrictLength,
		MaxPacketSize:  d.MaxPacketSize,
		Checksum:       alg,
	}
}

type envReader struct {
	errs []error
}

func (e *envReader) getString(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func (e *envReader) getInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (e *envReader) getBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}
