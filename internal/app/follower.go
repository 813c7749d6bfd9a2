package app

import (
	"context"
	"log/slog"
	"sync"

	"github.com/five82/tether/internal/bus"
	"github.com/five82/tether/internal/kvstore"
	"github.com/five82/tether/internal/logging"
	"github.com/five82/tether/internal/persist"
	"github.com/five82/tether/internal/state"
	"github.com/five82/tether/internal/validate"
)

// FieldPort is the manual port entry of the popup form.
const FieldPort = "port"

// FollowerConfig holds the collaborators of a Follower.
type FollowerConfig struct {
	Source string
	Store  *state.Store
	Bridge *persist.Bridge
	Bus    bus.Broadcaster
	// Watcher, when set, triggers rehydration after other processes write
	// the KV store.
	Watcher kvstore.Watcher
	Logger  *slog.Logger
}

// Follower keeps a UI context's store current without running discovery:
// it hydrates from the KV store, applies bus messages and forwards user
// requests to the worker.
type Follower struct {
	source    string
	store     *state.Store
	bridge    *persist.Bridge
	bus       bus.Broadcaster
	watcher   kvstore.Watcher
	validator *validate.Service
	logger    *slog.Logger
}

// NewFollower wires a Follower and registers the popup form fields.
func NewFollower(cfg FollowerConfig) *Follower {
	logger := logging.OrDefault(cfg.Logger)
	if cfg.Bus == nil {
		cfg.Bus = bus.NewLocal(logger)
	}
	v := validate.New()
	v.RegisterField(validate.Field{
		Name:     FieldPort,
		Kind:     validate.KindPort,
		Label:    "Port",
		Required: true,
	})
	return &Follower{
		source:    cfg.Source,
		store:     cfg.Store,
		bridge:    cfg.Bridge,
		bus:       cfg.Bus,
		watcher:   cfg.Watcher,
		validator: v,
		logger:    logger,
	}
}

// Store returns the follower's state store.
func (f *Follower) Store() *state.Store {
	return f.store
}

// Start hydrates the store and begins following. stop detaches everything
// and flushes pending saves.
func (f *Follower) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	stopSave := func() {}
	if f.bridge != nil {
		f.bridge.LoadFromStore(ctx)
		stopSave = f.bridge.AutoSave(ctx)
	}
	unsubBus := f.bus.Subscribe(f.apply)

	if f.watcher != nil && f.bridge != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.watcher.Watch(ctx, func() { f.bridge.Refresh(ctx) }); err != nil {
				f.logger.Warn("kv watch stopped", slog.String("error", err.Error()))
			}
		}()
	}

	f.Resync(ctx)

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubBus()
			cancel()
			wg.Wait()
			stopSave()
		})
	}
}

// Resync reloads the keys other contexts write and asks the worker for its
// current status. It runs on start and after every bus reconnect.
func (f *Follower) Resync(ctx context.Context) {
	if f.bridge != nil {
		f.bridge.Refresh(ctx)
	}
	f.publish(ctx, bus.SyncRequested, nil)
}

// RequestRescan asks the worker to run discovery.
func (f *Follower) RequestRescan(ctx context.Context, force bool) error {
	return bus.Publish(ctx, f.bus, bus.RescanRequested, f.source, bus.RescanPayload{Force: force})
}

// OverridePort validates raw, records the outcome in the form state and, when
// valid, asks the worker to try the port first.
func (f *Follower) OverridePort(ctx context.Context, raw string) validate.Result {
	res := f.validator.ValidateField(FieldPort, raw)
	errs := f.store.Snapshot().Form.Errors
	if errs == nil {
		errs = map[string]string{}
	}
	if res.Valid {
		delete(errs, FieldPort)
	} else {
		errs[FieldPort] = res.Error
	}
	f.store.Patch(state.Patch{Form: &state.FormPatch{Errors: &errs}})
	if !res.Valid {
		return res
	}

	port, _ := validate.Port(raw)
	if err := bus.Publish(ctx, f.bus, bus.PortOverride, f.source, bus.PortOverridePayload{Port: port}); err != nil {
		f.logger.Warn("port override not delivered", slog.String("error", err.Error()))
	}
	return res
}

// ToggleTheme flips between light and dark. The change is persisted by the
// bridge and picked up by other contexts on their next hydration.
func (f *Follower) ToggleTheme() state.Theme {
	next := state.ThemeDark
	if f.store.Snapshot().UI.Theme == state.ThemeDark {
		next = state.ThemeLight
	}
	f.store.Patch(state.Patch{UI: &state.UIPatch{Theme: &next}})
	return next
}

// ToggleButton shows or hides the download button.
func (f *Follower) ToggleButton() bool {
	visible := !f.store.Snapshot().UI.ButtonVisible
	f.store.Patch(state.Patch{UI: &state.UIPatch{ButtonVisible: &visible}})
	return visible
}

// MoveButton stores a new button position.
func (f *Follower) MoveButton(pos state.Position) {
	f.store.Patch(state.Patch{UI: &state.UIPatch{ButtonPosition: &pos}})
}

// apply folds a worker message into the local store.
func (f *Follower) apply(env bus.Envelope) {
	if env.Source == f.source {
		return
	}
	switch env.Type {
	case bus.ServerStatusUpdate:
		var p bus.StatusPayload
		if err := env.Decode(&p); err != nil {
			f.logger.Warn("bad status update", slog.String("error", err.Error()))
			return
		}
		sp := &state.ServerPatch{Status: state.Ptr(parseStatus(p.Status))}
		if p.Port != nil {
			sp.Port = p.Port
		} else {
			sp.ClearPort = true
		}
		f.store.Patch(state.Patch{Server: sp})

	case bus.ServerDiscovered:
		var p bus.DiscoveredPayload
		if err := env.Decode(&p); err != nil {
			f.logger.Warn("bad discovery message", slog.String("error", err.Error()))
			return
		}
		f.store.Patch(state.Patch{
			Server: &state.ServerPatch{Port: &p.Port, Status: state.Ptr(state.StatusConnected)},
			Cache:  &state.CachePatch{Port: &p.Port},
		})

	case bus.DownloadQueueChanged:
		var p bus.QueuePayload
		if err := env.Decode(&p); err != nil {
			f.logger.Warn("bad queue message", slog.String("error", err.Error()))
			return
		}
		if p.Queue == nil {
			p.Queue = []string{}
		}
		if p.Active == nil {
			p.Active = map[string]string{}
		}
		f.store.Patch(state.Patch{Downloads: &state.DownloadPatch{Queue: &p.Queue, Active: &p.Active}})

	case bus.HistoryUpdated:
		if f.bridge != nil {
			f.bridge.Refresh(context.Background())
		}
	}
}

func (f *Follower) publish(ctx context.Context, t bus.EventType, payload any) {
	if err := bus.Publish(ctx, f.bus, t, f.source, payload); err != nil {
		f.logger.Debug("bus publish failed", slog.String("type", string(t)), slog.String("error", err.Error()))
	}
}

func parseStatus(s string) state.ServerStatus {
	switch state.ServerStatus(s) {
	case state.StatusConnected, state.StatusChecking:
		return state.ServerStatus(s)
	default:
		return state.StatusDisconnected
	}
}
