// Package config handles Bifrost client configuration via YAML files and
// environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--address, --username, etc.)
//  2. Environment variables (BIFROST_*)
//  3. Config file (config.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
//	fmt.Printf("Server: %s\n", cfg.Connection.Address)
//
// Environment Variables (all use BIFROST_ prefix):
//
// Connection:
//   - BIFROST_ADDRESS="localhost:7687"
//   - BIFROST_AUTH="user:password" or "none"
//   - BIFROST_USERNAME / BIFROST_PASSWORD
//   - BIFROST_DATABASE="neo4j"
//   - BIFROST_CONNECT_TIMEOUT=10s
//
// Pool:
//   - BIFROST_POOL_MAX_SIZE=10
//   - BIFROST_POOL_ACQUIRE_TIMEOUT=60s
//
// Logging:
//   - BIFROST_LOG_LEVEL="info"
//   - BIFROST_LOG_FORMAT="console" or "json"
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/bifrost/pkg/bifrost"
)

// Config holds all client configuration.
//
// Configuration is organized into logical sections:
//   - Connection: server address and credentials
//   - Pool: connection pool sizing
//   - Logging: logging configuration
type Config struct {
	Connection ConnectionConfig
	Pool       PoolConfig
	Logging    LoggingConfig
}

// ConnectionConfig holds server address and credentials.
type ConnectionConfig struct {
	// Address is the host:port of the Bolt listener
	Address string
	// Username and Password for basic authentication; both empty means none
	Username string
	Password string
	// Database selects a named database; empty means the server default
	Database string
	// UserAgent announced at authentication
	UserAgent string
	// ConnectTimeout bounds dialing plus the handshake
	ConnectTimeout time.Duration
}

// PoolConfig holds connection pool sizing.
type PoolConfig struct {
	// MaxSize is the maximum number of concurrently open connections
	MaxSize int
	// AcquireTimeout bounds waiting for a free connection
	AcquireTimeout time.Duration
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error
	Level string
	// Format is "console" or "json"
	Format string
}

// LoadDefaults returns the built-in configuration: a local unauthenticated
// server and conservative pool sizing.
func LoadDefaults() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Address:        "localhost:7687",
			ConnectTimeout: 10 * time.Second,
		},
		Pool: PoolConfig{
			MaxSize:        10,
			AcquireTimeout: 60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// ApplyEnvVars overrides config fields from BIFROST_* environment variables.
func ApplyEnvVars(cfg *Config) {
	cfg.Connection.Address = NormalizeAddress(getEnv("BIFROST_ADDRESS", cfg.Connection.Address))

	// BIFROST_AUTH format: "username:password" or "none"
	if auth := os.Getenv("BIFROST_AUTH"); auth != "" {
		username, password := parseAuth(auth)
		cfg.Connection.Username = username
		cfg.Connection.Password = password
	}
	cfg.Connection.Username = getEnv("BIFROST_USERNAME", cfg.Connection.Username)
	cfg.Connection.Password = getEnv("BIFROST_PASSWORD", cfg.Connection.Password)
	cfg.Connection.Database = getEnv("BIFROST_DATABASE", cfg.Connection.Database)
	cfg.Connection.UserAgent = getEnv("BIFROST_USER_AGENT", cfg.Connection.UserAgent)
	cfg.Connection.ConnectTimeout = getEnvDuration("BIFROST_CONNECT_TIMEOUT", cfg.Connection.ConnectTimeout)

	cfg.Pool.MaxSize = getEnvInt("BIFROST_POOL_MAX_SIZE", cfg.Pool.MaxSize)
	cfg.Pool.AcquireTimeout = getEnvDuration("BIFROST_POOL_ACQUIRE_TIMEOUT", cfg.Pool.AcquireTimeout)

	cfg.Logging.Level = getEnv("BIFROST_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("BIFROST_LOG_FORMAT", cfg.Logging.Format)
}

// YAMLConfig represents the YAML configuration file structure. All fields
// mirror the environment variable configuration options.
type YAMLConfig struct {
	Connection struct {
		Address        string `yaml:"address"`
		URI            string `yaml:"uri"`  // alias for address, scheme allowed
		Auth           string `yaml:"auth"` // Format: "username:password" or "none"
		Username       string `yaml:"username"`
		Password       string `yaml:"password"`
		Database       string `yaml:"database"`
		UserAgent      string `yaml:"user_agent"`
		ConnectTimeout string `yaml:"connect_timeout"`
	} `yaml:"connection"`

	Pool struct {
		MaxSize        int    `yaml:"max_size"`
		AcquireTimeout string `yaml:"acquire_timeout"`
	} `yaml:"pool"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// LoadFromFile loads configuration with proper precedence:
//  1. Built-in defaults (lowest priority)
//  2. YAML config file
//  3. Environment variables (highest priority before CLI flags)
//
// Command-line flags are applied by the caller after this. A missing file
// is not an error; defaults plus environment apply.
//
// Example YAML:
//
//	connection:
//	  address: "localhost:7687"
//	  auth: "user:password"  # or "none"
//	pool:
//	  max_size: 10
func LoadFromFile(configPath string) (*Config, error) {
	cfg := LoadDefaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvVars(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var yamlCfg YAMLConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// === Connection Settings ===
	if yamlCfg.Connection.Address != "" {
		cfg.Connection.Address = NormalizeAddress(yamlCfg.Connection.Address)
	}
	if yamlCfg.Connection.URI != "" {
		cfg.Connection.Address = NormalizeAddress(yamlCfg.Connection.URI)
	}
	if yamlCfg.Connection.Auth != "" {
		username, password := parseAuth(yamlCfg.Connection.Auth)
		cfg.Connection.Username = username
		cfg.Connection.Password = password
	}
	if yamlCfg.Connection.Username != "" {
		cfg.Connection.Username = yamlCfg.Connection.Username
	}
	if yamlCfg.Connection.Password != "" {
		cfg.Connection.Password = yamlCfg.Connection.Password
	}
	if yamlCfg.Connection.Database != "" {
		cfg.Connection.Database = yamlCfg.Connection.Database
	}
	if yamlCfg.Connection.UserAgent != "" {
		cfg.Connection.UserAgent = yamlCfg.Connection.UserAgent
	}
	if yamlCfg.Connection.ConnectTimeout != "" {
		if d, err := time.ParseDuration(yamlCfg.Connection.ConnectTimeout); err == nil {
			cfg.Connection.ConnectTimeout = d
		}
	}

	// === Pool Settings ===
	if yamlCfg.Pool.MaxSize > 0 {
		cfg.Pool.MaxSize = yamlCfg.Pool.MaxSize
	}
	if yamlCfg.Pool.AcquireTimeout != "" {
		if d, err := time.ParseDuration(yamlCfg.Pool.AcquireTimeout); err == nil {
			cfg.Pool.AcquireTimeout = d
		}
	}

	// === Logging Settings ===
	if yamlCfg.Logging.Level != "" {
		cfg.Logging.Level = yamlCfg.Logging.Level
	}
	if yamlCfg.Logging.Format != "" {
		cfg.Logging.Format = yamlCfg.Logging.Format
	}

	ApplyEnvVars(cfg)
	return cfg, nil
}

// FindConfigFile locates the config file, checking in priority order the
// user's home directory, the binary's directory, the working directory and
// the XDG config path. Returns "" when none exists.
func FindConfigFile() string {
	var candidates []string

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".bifrost", "config.yaml"))
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(exeDir, "config.yaml"),
			filepath.Join(exeDir, "bifrost.yaml"),
		)
	}

	candidates = append(candidates,
		"config.yaml",
		"bifrost.yaml",
	)

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "bifrost", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Connection.Address == "" {
		return fmt.Errorf("no server address configured")
	}
	if c.Connection.Password != "" && c.Connection.Username == "" {
		return fmt.Errorf("password set but no username provided")
	}
	if c.Pool.MaxSize <= 0 {
		return fmt.Errorf("invalid pool size: %d", c.Pool.MaxSize)
	}
	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("invalid acquire timeout: %s", c.Pool.AcquireTimeout)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	return nil
}

// String returns a safe string representation of the Config.
//
// Sensitive values like passwords are NOT included in the output, making
// this safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Address: %s, Database: %s, Auth: %v, Pool: %d}",
		c.Connection.Address,
		c.Connection.Database,
		c.Connection.Username != "",
		c.Pool.MaxSize,
	)
}

// DriverConfig translates the loaded configuration into driver options.
func (c *Config) DriverConfig() bifrost.Config {
	return bifrost.Config{
		Address:        c.Connection.Address,
		Username:       c.Connection.Username,
		Password:       c.Connection.Password,
		Database:       c.Connection.Database,
		UserAgent:      c.Connection.UserAgent,
		MaxPoolSize:    c.Pool.MaxSize,
		AcquireTimeout: c.Pool.AcquireTimeout,
		ConnectTimeout: c.Connection.ConnectTimeout,
		Logger:         c.BuildLogger(),
	}
}

// BuildLogger constructs the logger described by the logging section:
// console output is human-readable, json is machine-readable; an unknown
// level falls back to info.
func (c *Config) BuildLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stderr
	if c.Logging.Format != "json" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// parseAuth splits "username:password" ("username/password" also accepted);
// "none" disables authentication.
func parseAuth(auth string) (username, password string) {
	if auth == "none" {
		return "", ""
	}
	parts := strings.SplitN(auth, ":", 2)
	if len(parts) != 2 {
		parts = strings.SplitN(auth, "/", 2)
	}
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return auth, ""
}

// NormalizeAddress strips a bolt:// or neo4j:// scheme and defaults the
// port when missing.
func NormalizeAddress(address string) string {
	for _, scheme := range []string{"bolt://", "neo4j://"} {
		if strings.HasPrefix(address, scheme) {
			address = strings.TrimPrefix(address, scheme)
			break
		}
	}
	if address != "" && !strings.Contains(address, ":") {
		address += ":7687"
	}
	return address
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
