package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/five82/tether/internal/bus"
	"github.com/five82/tether/internal/discovery"
	"github.com/five82/tether/internal/kvstore"
	"github.com/five82/tether/internal/persist"
	"github.com/five82/tether/internal/probe"
	"github.com/five82/tether/internal/state"
	"github.com/five82/tether/internal/validate"
)

// Keys each context writes back to the KV store.
var (
	workerKeys = []string{persist.KeyServerPort, persist.KeyServerConfig, persist.KeyDownloadHistory}
	uiKeys     = []string{persist.KeyTheme, persist.KeyButtonState}
)

// RunWorker runs the background context: the bus hub and the discovery
// supervisor, until ctx is cancelled or the hub cannot bind.
func RunWorker(ctx context.Context, env *Env) error {
	store := env.NewStore()
	bridge := persist.New(store, env.KV, env.Logger, persist.WithOwnedKeys(workerKeys...))
	hub := bus.NewHub(env.Logger)
	defer hub.Close()

	sup := NewSupervisor(SupervisorConfig{
		Store:      store,
		Bridge:     bridge,
		Bus:        hub,
		Prober:     env.Prober,
		Range:      env.Range,
		Options:    env.DiscoveryOptions(),
		Backoff:    env.Backoff(),
		Revalidate: env.Config.Discovery.RevalidateInterval,
		Logger:     env.Logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.ListenAndServe(gctx, env.Config.Bus.Bind)
	})
	g.Go(func() error {
		return sup.Run(gctx)
	})
	return g.Wait()
}

// Follow starts a follower for a UI context connected to the worker's hub.
// The returned stop function disconnects and flushes pending saves.
func Follow(ctx context.Context, env *Env, source string) (*Follower, func()) {
	store := env.NewStore()
	bridge := persist.New(store, env.KV, env.Logger, persist.WithOwnedKeys(uiKeys...))
	client := bus.NewClient(bus.URL(env.Config.Bus.Bind), env.Logger).WithBackoff(env.Backoff())

	var watcher kvstore.Watcher
	if w, ok := env.KV.(kvstore.Watcher); ok {
		watcher = w
	}

	f := NewFollower(FollowerConfig{
		Source:  source,
		Store:   store,
		Bridge:  bridge,
		Bus:     client,
		Watcher: watcher,
		Logger:  env.Logger,
	})

	ctx, cancel := context.WithCancel(ctx)
	client.OnConnect(func() { f.Resync(ctx) })
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()
	stopFollow := f.Start(ctx)

	return f, func() {
		stopFollow()
		cancel()
		<-done
	}
}

// Discover runs one discovery outside the worker and persists the outcome.
func Discover(ctx context.Context, env *Env, force bool, progress func(current, total int)) (discovery.Result, error) {
	store := env.NewStore()
	bridge := persist.New(store, env.KV, env.Logger, persist.WithOwnedKeys(workerKeys...))
	bridge.LoadFromStore(ctx)

	if progress != nil {
		unsub := store.Subscribe(state.ScanProgressChanged, func(ev state.Event) {
			if job := ev.State.Server.Scan; job != nil && job.Progress.Total > 0 {
				progress(job.Progress.Current, job.Progress.Total)
			}
		})
		defer unsub()
	}

	sup := NewSupervisor(SupervisorConfig{
		Store:   store,
		Bridge:  bridge,
		Prober:  env.Prober,
		Range:   env.Range,
		Options: env.DiscoveryOptions(),
		Backoff: env.Backoff(),
		Logger:  env.Logger,
	})
	res, err := sup.Attempt(ctx, force)
	if err == nil {
		bridge.SaveToStore(ctx)
	}
	return res, err
}

// StatusReport is what `tether status` prints.
type StatusReport struct {
	CachedPort *int
	Theme      state.Theme
	Health     *probe.Health
	HealthErr  error
	BusUp      bool
	CheckedAt  time.Time
}

// Status hydrates a throwaway store and checks the cached port live.
func Status(ctx context.Context, env *Env) StatusReport {
	store := env.NewStore()
	persist.New(store, env.KV, env.Logger).LoadFromStore(ctx)
	snap := store.Snapshot()

	report := StatusReport{
		CachedPort: snap.Cache.Port,
		Theme:      snap.UI.Theme,
		CheckedAt:  time.Now(),
	}
	if port, ok := snap.Server.PortValue(); ok {
		h, err := env.Prober.Check(ctx, port, env.Config.Discovery.ProbeTimeout)
		if err != nil {
			report.HealthErr = err
		} else {
			report.Health = &h
		}
	} else {
		report.HealthErr = errors.New("no cached port")
	}

	hub, err := probe.NewClient(probe.Options{AppMarker: "tether"})
	if err == nil {
		if port, perr := busPort(env.Config.Bus.Bind); perr == nil {
			report.BusUp = hub.Probe(ctx, port, env.Config.Discovery.ProbeTimeout)
		}
	}
	return report
}

// Reset deletes the persisted projection. Running contexts fall back to
// defaults on their next hydration.
func Reset(ctx context.Context, env *Env) {
	persist.New(env.NewStore(), env.KV, env.Logger).Clear(ctx)
}

func busPort(bind string) (int, error) {
	_, raw, err := net.SplitHostPort(bind)
	if err != nil {
		return 0, fmt.Errorf("bus bind %q: %w", bind, err)
	}
	port, res := validate.Port(raw)
	if !res.Valid {
		return 0, fmt.Errorf("bus bind %q: %s", bind, res.Error)
	}
	return port, nil
}
