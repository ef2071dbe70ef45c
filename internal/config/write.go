package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// fileConfig is the on-disk layout. Durations are written as strings
// ("30s") so the file stays hand-editable.
type fileConfig struct {
	API struct {
		BaseURL string `toml:"base_url"`
		Timeout string `toml:"timeout"`
	} `toml:"api"`
	Store struct {
		Path   string `toml:"path"`
		Driver string `toml:"driver"`
	} `toml:"store"`
	Sync struct {
		Interval    string `toml:"interval"`
		Debounce    string `toml:"debounce"`
		RoomHistory bool   `toml:"room_history"`
	} `toml:"sync"`
	Log struct {
		File  string `toml:"file"`
		Level string `toml:"level"`
	} `toml:"log"`
	Dashboard struct {
		Port int `toml:"port"`
	} `toml:"dashboard"`
}

func toFile(c Config) fileConfig {
	var f fileConfig
	f.API.BaseURL = c.API.BaseURL
	f.API.Timeout = c.API.Timeout.String()
	f.Store.Path = c.Store.Path
	f.Store.Driver = c.Store.Driver
	f.Sync.Interval = c.Sync.Interval.String()
	f.Sync.Debounce = c.Sync.Debounce.String()
	f.Sync.RoomHistory = c.Sync.RoomHistory
	f.Log.File = c.Log.File
	f.Log.Level = c.Log.Level
	f.Dashboard.Port = c.Dashboard.Port
	return f
}

// Encode renders c as TOML.
func Encode(c Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# aptrack configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(toFile(c)); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile writes c to path. An existing file is only replaced when force
// is set.
func WriteFile(path string, c Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	data, err := Encode(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
