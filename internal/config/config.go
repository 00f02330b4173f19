package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix = "INGEST_CLIENT_"

	// DefaultIngestServer is used when neither the environment nor the
	// config file names a server.
	DefaultIngestServer = "localhost:4000"

	// configFilePerm keeps the persisted token private to the user.
	configFilePerm = fs.FileMode(0o600)
)

// Config holds all configuration for the ingest client. Values come from
// INGEST_CLIENT_* environment variables first and fall back to the
// persisted config file for the identity and credential fields.
type Config struct {
	// ConfigFile is the YAML file holding the persisted identity and token.
	ConfigFile string `env:"CONFIG_FILE" envDefault:".ingest_client_config.yml"`

	// Persisted fields. Environment values win over the file.
	HardwareID     string    `env:"HARDWARE_ID"`
	IngestServer   string    `env:"INGEST_SERVER"`
	Token          string    `env:"TOKEN"`
	TokenExpiresAt time.Time `env:"TOKEN_EXPIRES_AT"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// StateDir holds state.db and the per-upload databases. Defaults to
	// ~/.ingest-client.
	StateDir string `env:"STATE_DIR"`

	// WebAddr is the listen address of the local callback webserver.
	WebAddr string `env:"WEB_ADDR" envDefault:"127.0.0.1:8097"`

	// Session timing.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"500ms"`
	MissedHeartbeats  int           `env:"MISSED_HEARTBEATS" envDefault:"10"`
	JoinTimeout       time.Duration `env:"JOIN_TIMEOUT" envDefault:"10s"`

	// Reconnect policy.
	ReconnectMin        time.Duration `env:"RECONNECT_MIN" envDefault:"1s"`
	ReconnectMax        time.Duration `env:"RECONNECT_MAX" envDefault:"5m"`
	ReconnectMultiplier float64       `env:"RECONNECT_MULTIPLIER" envDefault:"2"`
	ReconnectJitter     float64       `env:"RECONNECT_JITTER" envDefault:"0.5"`
	ReconnectMaxRetries int           `env:"RECONNECT_MAX_RETRIES" envDefault:"10"`

	// Optional directory watched for new files to upload.
	WatchDir    string        `env:"WATCH_DIR"`
	WatchSettle time.Duration `env:"WATCH_SETTLE" envDefault:"2s"`
}

// fileConfig is the on-disk shape of the config file.
type fileConfig struct {
	HardwareID     string     `yaml:"hardware_id"`
	IngestServer   string     `yaml:"ingest_server,omitempty"`
	Token          string     `yaml:"token,omitempty"`
	TokenExpiresAt *time.Time `yaml:"token_expires_at,omitempty"`
}

// warnInsecureFile checks whether a file holding credentials has group or
// world permissions.
func warnInsecureFile(path string) {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: %s has insecure permissions %04o; recommended 0600", path, mode)
	}
}

// Load reads configuration from the environment (after an optional .env
// file) and merges in the persisted config file. A hardware id is
// generated and written back to the file if none exists. A missing token
// is not an error here; the connection supervisor reports it per attempt.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureFile(".env")

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	absFile, err := filepath.Abs(cfg.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("resolving config file path: %w", err)
	}

	cfg.ConfigFile = absFile

	warnInsecureFile(cfg.ConfigFile)

	fc, err := readFile(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}

	cfg.merge(fc)

	if cfg.HardwareID == "" {
		cfg.HardwareID = uuid.NewString()
		fc.HardwareID = cfg.HardwareID

		if err := writeFile(cfg.ConfigFile, fc); err != nil {
			return nil, fmt.Errorf("persisting hardware id: %w", err)
		}
	}

	if cfg.IngestServer == "" {
		cfg.IngestServer = DefaultIngestServer
	}

	if cfg.StateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return nil, err
		}

		cfg.StateDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// merge fills fields not set in the environment from the config file.
func (c *Config) merge(fc fileConfig) {
	if c.HardwareID == "" {
		c.HardwareID = fc.HardwareID
	}

	if c.IngestServer == "" {
		c.IngestServer = fc.IngestServer
	}

	if c.Token == "" {
		c.Token = fc.Token
		if fc.TokenExpiresAt != nil {
			c.TokenExpiresAt = *fc.TokenExpiresAt
		}
	}
}

func (c *Config) validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("INGEST_CLIENT_HEARTBEAT_INTERVAL must be positive")
	}

	if c.MissedHeartbeats < 0 {
		return fmt.Errorf("INGEST_CLIENT_MISSED_HEARTBEATS must not be negative")
	}

	if c.JoinTimeout < 0 {
		return fmt.Errorf("INGEST_CLIENT_JOIN_TIMEOUT must not be negative")
	}

	if c.ReconnectMin <= 0 {
		return fmt.Errorf("INGEST_CLIENT_RECONNECT_MIN must be positive")
	}

	if c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("INGEST_CLIENT_RECONNECT_MAX must be >= INGEST_CLIENT_RECONNECT_MIN")
	}

	if c.ReconnectMultiplier < 1 {
		return fmt.Errorf("INGEST_CLIENT_RECONNECT_MULTIPLIER must be >= 1")
	}

	if c.ReconnectJitter < 0 || c.ReconnectJitter > 1 {
		return fmt.Errorf("INGEST_CLIENT_RECONNECT_JITTER must be within [0, 1]")
	}

	if c.ReconnectMaxRetries < 0 {
		return fmt.Errorf("INGEST_CLIENT_RECONNECT_MAX_RETRIES must not be negative")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// HasToken reports whether a usable token is configured at now. A token
// whose expiry has passed counts as absent.
func (c *Config) HasToken(now time.Time) bool {
	if c.Token == "" {
		return false
	}

	return c.TokenExpiresAt.IsZero() || now.Before(c.TokenExpiresAt)
}

// DefaultStateDir returns ~/.ingest-client.
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".ingest-client"), nil
}

func readFile(path string) (fileConfig, error) {
	var fc fileConfig

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fc, nil
	}

	if err != nil {
		return fc, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return fc, nil
}

// writeFile replaces the config file atomically.
func writeFile(path string, fc fileConfig) error {
	data, err := yaml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encoding config file: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, configFilePerm); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing config file: %w", err)
	}

	return nil
}

// Store guards the live configuration. The webserver writes a new token
// through it while the supervisor reads a fresh copy for every connection
// attempt.
type Store struct {
	mu  sync.RWMutex
	cfg Config
}

// NewStore wraps a loaded config.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: *cfg}
}

// Current returns a copy of the configuration.
func (s *Store) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cfg
}

// SaveToken records a newly obtained token in memory and in the config
// file. Other persisted fields in the file are preserved.
func (s *Store) SaveToken(token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fc, err := readFile(s.cfg.ConfigFile)
	if err != nil {
		return err
	}

	if fc.HardwareID == "" {
		fc.HardwareID = s.cfg.HardwareID
	}

	fc.Token = token
	fc.TokenExpiresAt = nil

	if !expiresAt.IsZero() {
		exp := expiresAt.UTC()
		fc.TokenExpiresAt = &exp
	}

	if err := writeFile(s.cfg.ConfigFile, fc); err != nil {
		return err
	}

	s.cfg.Token = token
	s.cfg.TokenExpiresAt = expiresAt

	return nil
}
