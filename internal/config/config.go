package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/five82/tether/internal/validate"
)

// Config captures everything the tether contexts need at startup.
type Config struct {
	Discovery Discovery
	Store     Store
	Bus       Bus
	Log       Log
}

// Discovery configures the daemon port search.
type Discovery struct {
	PortStart          int
	PortEnd            int
	BatchSize          int
	ProbeTimeout       time.Duration
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	RevalidateInterval time.Duration
	HealthPath         string
	AppMarker          string
	MinVersion         string
}

// Store selects the key-value backend shared by every context.
type Store struct {
	Backend string
	Path    string
}

// Bus configures the cross-context websocket hub.
type Bus struct {
	Bind string
}

// Log configures the structured logger.
type Log struct {
	Level  string
	Format string
	File   string
}

// Store backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

const (
	defaultConfigPath         = "~/.config/tether/config.toml"
	defaultStatePath          = "~/.local/share/tether/state.json"
	defaultSQLitePath         = "~/.local/share/tether/state.db"
	defaultLogFile            = "~/.local/share/tether/tether.log"
	defaultBusBind            = "127.0.0.1:7488"
	defaultPortStart          = 9090
	defaultPortEnd            = 9099
	defaultBatchSize          = 5
	defaultProbeTimeout       = 500 * time.Millisecond
	defaultBackoffBase        = time.Second
	defaultBackoffMax         = 60 * time.Second
	defaultRevalidateInterval = 30 * time.Second
	defaultHealthPath         = "/health"
	defaultAppMarker          = "downloader"
)

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Discovery: Discovery{
			PortStart:          defaultPortStart,
			PortEnd:            defaultPortEnd,
			BatchSize:          defaultBatchSize,
			ProbeTimeout:       defaultProbeTimeout,
			BackoffBase:        defaultBackoffBase,
			BackoffMax:         defaultBackoffMax,
			RevalidateInterval: defaultRevalidateInterval,
			HealthPath:         defaultHealthPath,
			AppMarker:          defaultAppMarker,
		},
		Store: Store{Backend: BackendFile, Path: mustExpand(defaultStatePath)},
		Bus:   Bus{Bind: defaultBusBind},
		Log:   Log{Level: "info", Format: "text", File: mustExpand(defaultLogFile)},
	}
}

type rawConfig struct {
	Discovery struct {
		PortStart            int    `toml:"port_start"`
		PortEnd              int    `toml:"port_end"`
		BatchSize            int    `toml:"batch_size"`
		ProbeTimeoutMS       int    `toml:"probe_timeout_ms"`
		BackoffBaseMS        int    `toml:"backoff_base_ms"`
		BackoffMaxMS         int    `toml:"backoff_max_ms"`
		RevalidateIntervalMS int    `toml:"revalidate_interval_ms"`
		HealthPath           string `toml:"health_path"`
		AppMarker            string `toml:"app_marker"`
		MinVersion           string `toml:"min_version"`
	} `toml:"discovery"`
	Store struct {
		Backend string `toml:"backend"`
		Path    string `toml:"path"`
	} `toml:"store"`
	Bus struct {
		Bind string `toml:"bind"`
	} `toml:"bus"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
		File   string `toml:"file"`
	} `toml:"log"`
}

// Load locates and parses the tether config, falling back to defaults when missing.
func Load(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(bytes, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	d := &cfg.Discovery
	setInt(&d.PortStart, raw.Discovery.PortStart)
	setInt(&d.PortEnd, raw.Discovery.PortEnd)
	setInt(&d.BatchSize, raw.Discovery.BatchSize)
	setMillis(&d.ProbeTimeout, raw.Discovery.ProbeTimeoutMS)
	setMillis(&d.BackoffBase, raw.Discovery.BackoffBaseMS)
	setMillis(&d.BackoffMax, raw.Discovery.BackoffMaxMS)
	setMillis(&d.RevalidateInterval, raw.Discovery.RevalidateIntervalMS)
	setString(&d.HealthPath, raw.Discovery.HealthPath)
	setString(&d.AppMarker, raw.Discovery.AppMarker)
	setString(&d.MinVersion, raw.Discovery.MinVersion)
	if !strings.HasPrefix(d.HealthPath, "/") {
		d.HealthPath = "/" + d.HealthPath
	}

	backend := strings.ToLower(strings.TrimSpace(raw.Store.Backend))
	if backend != "" {
		cfg.Store.Backend = backend
		if backend == BackendSQLite {
			cfg.Store.Path = mustExpand(defaultSQLitePath)
		}
	}
	if p := strings.TrimSpace(raw.Store.Path); p != "" {
		cfg.Store.Path = mustExpand(p)
	}

	setString(&cfg.Bus.Bind, raw.Bus.Bind)
	setString(&cfg.Log.Level, raw.Log.Level)
	setString(&cfg.Log.Format, raw.Log.Format)
	if f := strings.TrimSpace(raw.Log.File); f != "" {
		cfg.Log.File = mustExpand(f)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings discovery cannot run with.
func (c Config) Validate() error {
	d := c.Discovery
	if _, res := validate.Port(strconv.Itoa(d.PortStart)); !res.Valid {
		return fmt.Errorf("discovery.port_start: %s", res.Error)
	}
	if _, res := validate.Port(strconv.Itoa(d.PortEnd)); !res.Valid {
		return fmt.Errorf("discovery.port_end: %s", res.Error)
	}
	if d.PortEnd < d.PortStart {
		return fmt.Errorf("discovery.port_end %d is below port_start %d", d.PortEnd, d.PortStart)
	}
	if d.BatchSize < 1 {
		return fmt.Errorf("discovery.batch_size must be at least 1")
	}
	if d.BackoffMax < d.BackoffBase {
		return fmt.Errorf("discovery.backoff_max_ms must not be below backoff_base_ms")
	}
	switch c.Store.Backend {
	case BackendFile, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("store.backend %q is not one of file, sqlite, memory", c.Store.Backend)
	}
	return nil
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setMillis(dst *time.Duration, ms int) {
	if ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}

func setString(dst *string, v string) {
	if trimmed := strings.TrimSpace(v); trimmed != "" {
		*dst = trimmed
	}
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
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
