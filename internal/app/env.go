package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/five82/tether/internal/config"
	"github.com/five82/tether/internal/discovery"
	"github.com/five82/tether/internal/kvstore"
	"github.com/five82/tether/internal/logging"
	"github.com/five82/tether/internal/probe"
	"github.com/five82/tether/internal/state"
)

// Options configure every tether context.
type Options struct {
	ConfigPath string
	Verbose    bool
	// LogStderr mirrors log output to stderr in addition to the log file.
	LogStderr bool
	// Context names the execution context (worker, popup, ...) in every log record.
	Context string
}

// Env is the shared wiring of one context: configuration, logger, KV store
// and health prober. Close releases the store and the log file.
type Env struct {
	Config config.Config
	Logger *slog.Logger
	KV     kvstore.Backend
	Prober *probe.Client
	Range  discovery.Range

	closeLog func() error
}

// Setup loads configuration and opens the shared resources. Configuration
// errors are fatal; everything after startup degrades and logs.
func Setup(opts Options) (*Env, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	level := cfg.Log.Level
	if opts.Verbose {
		level = "debug"
	}
	logger, closeLog, err := logging.New(logging.Options{
		Level:   level,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
		Stderr:  opts.LogStderr,
		Context: opts.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	env, err := newEnv(cfg, logger)
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	env.closeLog = closeLog
	return env, nil
}

func newEnv(cfg config.Config, logger *slog.Logger) (*Env, error) {
	rng, err := discovery.NewRange(cfg.Discovery.PortStart, cfg.Discovery.PortEnd)
	if err != nil {
		return nil, fmt.Errorf("port range: %w", err)
	}
	prober, err := probe.NewClient(probe.Options{
		HealthPath: cfg.Discovery.HealthPath,
		AppMarker:  cfg.Discovery.AppMarker,
		MinVersion: cfg.Discovery.MinVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("init health probe: %w", err)
	}
	kv, err := kvstore.Open(cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	return &Env{
		Config: cfg,
		Logger: logger,
		KV:     kv,
		Prober: prober,
		Range:  rng,
	}, nil
}

// NewStore returns an empty state store using the configured backoff base.
func (e *Env) NewStore() *state.Store {
	return state.New(e.Logger, state.WithBaseBackoff(e.Config.Discovery.BackoffBase))
}

// DiscoveryOptions maps configuration to discovery options.
func (e *Env) DiscoveryOptions() discovery.Options {
	opts := discovery.DefaultOptions()
	opts.BatchSize = e.Config.Discovery.BatchSize
	opts.Timeout = e.Config.Discovery.ProbeTimeout
	opts.MaxBackoff = e.Config.Discovery.BackoffMax
	return opts
}

// Backoff returns the configured scan backoff policy.
func (e *Env) Backoff() discovery.Backoff {
	return discovery.Backoff{Base: e.Config.Discovery.BackoffBase, Max: e.Config.Discovery.BackoffMax}
}

// Close releases the KV store and the log file.
func (e *Env) Close() error {
	var errs []error
	if e.KV != nil {
		errs = append(errs, e.KV.Close())
	}
	if e.closeLog != nil {
		errs = append(errs, e.closeLog())
	}
	return errors.Join(errs...)
}
