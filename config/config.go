// Package config loads the ChatBridge client configuration from its JSON
// file, applies CHATBRIDGE_* environment overrides and validates it.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/cyberinferno/go-chatbridge/session"
)

// DefaultFile is the configuration file name used when none is given.
const DefaultFile = "ChatBridge_client.json"

var (
	// ErrMissing is returned by Load when the file did not exist. A default
	// file has been written in its place for the operator to edit.
	ErrMissing = errors.New("config file missing")
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("invalid config")
)

// Config is the client configuration. Durations are whole seconds, as in
// the JSON file.
type Config struct {
	Name           string `json:"name" env:"CHATBRIDGE_NAME"`
	Password       string `json:"password" env:"CHATBRIDGE_PASSWORD"`
	AESKey         string `json:"aes_key" env:"CHATBRIDGE_AES_KEY"`
	ServerHostname string `json:"server_hostname" env:"CHATBRIDGE_SERVER_HOSTNAME"`
	ServerPort     int    `json:"server_port" env:"CHATBRIDGE_SERVER_PORT"`

	ConnectTimeout  int    `json:"connect_timeout" env:"CHATBRIDGE_CONNECT_TIMEOUT"`
	LoginTimeout    int    `json:"login_timeout" env:"CHATBRIDGE_LOGIN_TIMEOUT"`
	WriteTimeout    int    `json:"write_timeout" env:"CHATBRIDGE_WRITE_TIMEOUT"`
	LogDir          string `json:"log_dir" env:"CHATBRIDGE_LOG_DIR"`
	LogLevel        string `json:"log_level" env:"CHATBRIDGE_LOG_LEVEL"`
	CommandCacheTTL int    `json:"command_cache_ttl" env:"CHATBRIDGE_COMMAND_CACHE_TTL"`
	RedisAddr       string `json:"redis_addr,omitempty" env:"CHATBRIDGE_REDIS_ADDR"`
	WatchConfig     bool   `json:"watch_config" env:"CHATBRIDGE_WATCH_CONFIG"`
	AutoStartOnChat bool   `json:"auto_start_on_chat" env:"CHATBRIDGE_AUTO_START_ON_CHAT"`
}

// Default returns the configuration shipped in a fresh config file.
func Default() Config {
	return Config{
		Name:            "MyClient1",
		Password:        "MyPassword1",
		AESKey:          "ThisIsTheSecret",
		ServerHostname:  "127.0.0.1",
		ServerPort:      30001,
		ConnectTimeout:  5,
		LoginTimeout:    5,
		WriteTimeout:    10,
		LogDir:          "logs",
		LogLevel:        "info",
		CommandCacheTTL: 2,
	}
}

// Load reads path over Default, applies environment overrides and validates.
// A missing file is replaced by a default one and reported as ErrMissing.
//
// Parameters:
//   - path: Location of the JSON file
//
// Returns:
//   - The configuration
//   - ErrMissing, ErrInvalid or a read/parse error
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if werr := WriteDefault(path); werr != nil {
			return Config{}, fmt.Errorf("%w: %s (writing default failed: %v)", ErrMissing, path, werr)
		}

		return Config{}, fmt.Errorf("%w: default written to %s", ErrMissing, path)
	}

	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// WriteDefault writes Default as indented JSON to path, creating parent
// directories.
func WriteDefault(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(Default(), "", "    ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// Validate checks credentials, address and timeouts.
func (c Config) Validate() error {
	if err := c.Identity().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if c.AESKey == "" {
		return fmt.Errorf("%w: empty aes_key", ErrInvalid)
	}

	if err := c.Address().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if c.ConnectTimeout <= 0 || c.LoginTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalid)
	}

	if c.CommandCacheTTL < 0 {
		return fmt.Errorf("%w: negative command_cache_ttl", ErrInvalid)
	}

	return nil
}

// Identity returns the login credentials.
func (c Config) Identity() session.Identity {
	return session.Identity{Name: c.Name, Password: c.Password, AESKey: c.AESKey}
}

// Address returns the hub address.
func (c Config) Address() session.Address {
	return session.Address{Host: c.ServerHostname, Port: c.ServerPort}
}

// ConnectTimeoutDuration is ConnectTimeout as a time.Duration.
func (c Config) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// LoginTimeoutDuration is LoginTimeout as a time.Duration.
func (c Config) LoginTimeoutDuration() time.Duration {
	return time.Duration(c.LoginTimeout) * time.Second
}

// WriteTimeoutDuration is WriteTimeout as a time.Duration.
func (c Config) WriteTimeoutDuration() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}

// CommandCacheTTLDuration is CommandCacheTTL as a time.Duration.
func (c Config) CommandCacheTTLDuration() time.Duration {
	return time.Duration(c.CommandCacheTTL) * time.Second
}
