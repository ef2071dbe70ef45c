// Package config loads aptrack settings from a TOML file, the environment
// and command-line overrides.
//
// Precedence, highest first: values set with Loader.Set (flags), APTRACK_*
// environment variables (optionally seeded from a .env file), the config
// file, built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jones/aptracker/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "~/.config/aptrack/config.toml"
	defaultStorePath  = "~/.local/share/aptrack/cache.db"
	defaultBaseURL    = "http://127.0.0.1:5000"
	defaultDriver     = "sqlite3"
	envPrefix         = "APTRACK"
)

// Config is the resolved configuration.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Store     StoreConfig     `mapstructure:"store"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Log       LogConfig       `mapstructure:"log"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// APIConfig locates the tracker service.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StoreConfig locates the local cache.
type StoreConfig struct {
	Path   string `mapstructure:"path"`
	Driver string `mapstructure:"driver"` // "sqlite3" (ncruces) or "sqlite" (modernc)
}

// SyncConfig tunes the background daemon.
type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Debounce    time.Duration `mapstructure:"debounce"`
	RoomHistory bool          `mapstructure:"room_history"`
}

// LogConfig controls log output. An empty File logs to stderr.
type LogConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// DashboardConfig controls the websocket dashboard.
type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		API:       APIConfig{BaseURL: defaultBaseURL, Timeout: 10 * time.Second},
		Store:     StoreConfig{Path: defaultStorePath, Driver: defaultDriver},
		Sync:      SyncConfig{Interval: 30 * time.Second, Debounce: 250 * time.Millisecond, RoomHistory: true},
		Log:       LogConfig{Level: "info"},
		Dashboard: DashboardConfig{Port: 8080},
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("api.base_url must be an http(s) URL (got %q)", c.API.BaseURL)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive (got %s)", c.API.Timeout)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	switch c.Store.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("store.driver must be sqlite3 or sqlite (got %q)", c.Store.Driver)
	}
	if c.Sync.Interval <= 0 || c.Sync.Debounce <= 0 {
		return fmt.Errorf("sync.interval and sync.debounce must be positive")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range (got %d)", c.Dashboard.Port)
	}
	return nil
}

// Loader reads configuration with viper. It is safe for concurrent use.
type Loader struct {
	mu      sync.Mutex
	v       *viper.Viper
	path    string
	envFile string
}

// NewLoader creates a loader for the config file at path; empty uses
// ~/.config/aptrack/config.toml. envFile names a dotenv file to seed the
// environment from; empty means ".env" in the working directory.
func NewLoader(path, envFile string) (*Loader, error) {
	if strings.TrimSpace(path) == "" {
		path = defaultConfigPath
	}
	resolved, err := expandPath(path)
	if err != nil {
		return nil, err
	}
	if envFile == "" {
		envFile = ".env"
	}

	v := viper.New()
	v.SetConfigFile(resolved)
	v.SetConfigType("toml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Defaults()
	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.timeout", d.API.Timeout)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.debounce", d.Sync.Debounce)
	v.SetDefault("sync.room_history", d.Sync.RoomHistory)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("dashboard.port", d.Dashboard.Port)

	return &Loader{v: v, path: resolved, envFile: envFile}, nil
}

// Path returns the resolved config file path.
func (l *Loader) Path() string {
	return l.path
}

// Set overrides key for every later Load.
func (l *Loader) Set(key string, value any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.v.Set(key, value)
}

// Load reads the dotenv file and the config file (both optional) and returns
// the validated configuration.
func (l *Loader) Load() (Config, error) {
	if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", l.envFile, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config %s: %w", l.path, err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.API.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.API.BaseURL), "/")
	cfg.Store.Path = mustExpand(cfg.Store.Path)
	if cfg.Log.File != "" {
		cfg.Log.File = mustExpand(cfg.Log.File)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch calls fn with the reloaded configuration whenever the config file is
// written. Invalid edits are passed to fn as errors and the previous
// configuration stays in effect for the caller.
func (l *Loader) Watch(fn func(Config, error)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()
		fn(cfg, err)
	})
	l.v.WatchConfig()
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
