package persist

import (
	"bytes"
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/five82/tether/internal/kvstore"
	"github.com/five82/tether/internal/logging"
	"github.com/five82/tether/internal/state"
)

// Keys of the persisted projection.
const (
	KeyServerPort      = "serverPort"
	KeyServerConfig    = "serverConfig"
	KeyTheme           = "theme"
	KeyButtonState     = "buttonState"
	KeyDownloadHistory = "downloadHistory"
)

// Keys lists every persisted key.
var Keys = []string{KeyServerPort, KeyServerConfig, KeyTheme, KeyButtonState, KeyDownloadHistory}

// persistedKinds are the events that change the projection.
var persistedKinds = []state.EventKind{
	state.ServerStatusChanged,
	state.DiscoveryCacheChanged,
	state.UIThemeChanged,
	state.ButtonPositionChanged,
	state.UIVisibilityChanged,
	state.DownloadHistoryChanged,
}

const saveTimeout = 5 * time.Second

type buttonState struct {
	Position state.Position `json:"position"`
	Visible  bool           `json:"visible"`
}

// Bridge copies a projection of a state.Store to and from a KV store.
// Store errors are logged and never returned.
type Bridge struct {
	store  *state.Store
	kv     kvstore.KVStore
	logger *slog.Logger

	// saveMu serializes saves so an older snapshot never lands after a newer one.
	saveMu sync.Mutex

	histMu     sync.Mutex
	loadedHist []state.HistoryEntry

	owned map[string]bool
	// lastSaved is the projection most recently written by this bridge.
	lastSaved map[string][]byte
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithOwnedKeys restricts SaveToStore to keys. Every context loads all keys
// but writes only the ones it owns, so the worker never clobbers a theme
// chosen in the popup and the popup never rewrites the discovered port.
func WithOwnedKeys(keys ...string) Option {
	return func(b *Bridge) {
		b.owned = make(map[string]bool, len(keys))
		for _, k := range keys {
			b.owned[k] = true
		}
	}
}

// New returns a Bridge between store and kv. By default it owns every key.
func New(store *state.Store, kv kvstore.KVStore, logger *slog.Logger, opts ...Option) *Bridge {
	b := &Bridge{store: store, kv: kv, logger: logging.OrDefault(logger)}
	WithOwnedKeys(Keys...)(b)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// LoadFromStore patches the store with every key present in the KV store.
// Absent or unreadable keys leave the in-memory value untouched.
func (b *Bridge) LoadFromStore(ctx context.Context) {
	b.load(ctx, func(string) bool { return true })
}

// Refresh reloads only the keys other contexts write. Keys this bridge owns
// are authoritative in memory once hydrated, so a refresh triggered by our
// own save never reverts a change made after it.
func (b *Bridge) Refresh(ctx context.Context) {
	b.load(ctx, func(key string) bool { return !b.owned[key] })
}

func (b *Bridge) load(ctx context.Context, want func(key string) bool) {
	var (
		p      state.Patch
		server state.ServerPatch
		cache  state.CachePatch
		ui     state.UIPatch
	)
	read := func(key string, dst any) bool {
		return want(key) && b.read(ctx, key, dst)
	}

	var port int
	if read(KeyServerPort, &port) {
		server.Port = &port
		cache.Port = &port
	}
	var cfg map[string]any
	if read(KeyServerConfig, &cfg) && cfg != nil {
		server.Config = cfg
	}
	var theme state.Theme
	if read(KeyTheme, &theme) {
		switch theme {
		case state.ThemeLight, state.ThemeDark:
			ui.Theme = &theme
		default:
			b.logger.Warn("ignoring unknown persisted theme", slog.String("theme", string(theme)))
		}
	}
	var button buttonState
	if read(KeyButtonState, &button) {
		ui.ButtonPosition = &button.Position
		ui.ButtonVisible = &button.Visible
	}
	var history []state.HistoryEntry
	if read(KeyDownloadHistory, &history) {
		if history == nil {
			history = []state.HistoryEntry{}
		}
		p.Downloads = &state.DownloadPatch{History: &history}
		b.histMu.Lock()
		b.loadedHist = slices.Clone(history)
		b.histMu.Unlock()
	}

	if server.Port != nil || server.Config != nil {
		p.Server = &server
	}
	if cache.Port != nil {
		p.Cache = &cache
	}
	if ui != (state.UIPatch{}) {
		p.UI = &ui
	}
	b.store.Patch(p)
}

// SaveToStore writes the projection of the latest snapshot as one unit when
// the backend supports batch writes. downloadHistory is only written when it
// changed since it was loaded.
func (b *Bridge) SaveToStore(ctx context.Context) {
	b.saveMu.Lock()
	defer b.saveMu.Unlock()

	snap := b.store.Snapshot()
	values, err := b.project(snap)
	if err != nil {
		b.logger.Error("encode persisted state", slog.String("error", err.Error()))
		return
	}
	if len(values) == 0 || b.unchanged(values) {
		return
	}

	if batch, ok := b.kv.(kvstore.BatchSetter); ok {
		if err := batch.SetMany(ctx, values); err != nil {
			b.logger.Warn("save state failed", slog.String("error", err.Error()))
			return
		}
	} else {
		for _, key := range Keys {
			v, ok := values[key]
			if !ok {
				continue
			}
			if err := b.kv.Set(ctx, key, v); err != nil {
				b.logger.Warn("save state failed", slog.String("key", key), slog.String("error", err.Error()))
				return
			}
		}
	}

	b.lastSaved = values
	if _, ok := values[KeyDownloadHistory]; ok {
		b.histMu.Lock()
		b.loadedHist = slices.Clone(snap.Downloads.History)
		b.histMu.Unlock()
	}
}

// Clear deletes every persisted key when the backend supports it.
func (b *Bridge) Clear(ctx context.Context) {
	del, ok := b.kv.(kvstore.Deleter)
	if !ok {
		b.logger.Warn("kv store cannot delete keys; nothing cleared")
		return
	}
	b.saveMu.Lock()
	defer b.saveMu.Unlock()
	if err := del.Delete(ctx, Keys...); err != nil {
		b.logger.Warn("clear persisted state failed", slog.String("error", err.Error()))
		return
	}
	b.lastSaved = nil
}

// AutoSave saves after every change to a persisted sub-tree. Bursts of
// changes are coalesced into one save. stop unsubscribes, performs a final
// save if one is pending and waits for the saver to exit.
func (b *Bridge) AutoSave(ctx context.Context) (stop func()) {
	pending := make(chan struct{}, 1)
	wake := func(state.Event) {
		select {
		case pending <- struct{}{}:
		default:
		}
	}

	unsubs := make([]func(), 0, len(persistedKinds))
	for _, kind := range persistedKinds {
		unsubs = append(unsubs, b.store.Subscribe(kind, wake))
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				select {
				case <-pending:
					b.saveWithTimeout()
				default:
				}
				return
			case <-pending:
				b.saveWithTimeout()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, unsub := range unsubs {
				unsub()
			}
			cancel()
			<-done
		})
	}
}

func (b *Bridge) saveWithTimeout() {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	b.SaveToStore(ctx)
}

func (b *Bridge) project(snap state.State) (map[string][]byte, error) {
	values := make(map[string][]byte, len(Keys))
	put := func(key string, v any) error {
		if !b.owned[key] {
			return nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		values[key] = data
		return nil
	}

	port := snap.Cache.Port
	if port == nil {
		port = snap.Server.Port
	}
	if port != nil {
		if err := put(KeyServerPort, *port); err != nil {
			return nil, err
		}
	}
	cfg := snap.Server.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := put(KeyServerConfig, cfg); err != nil {
		return nil, err
	}
	if err := put(KeyTheme, snap.UI.Theme); err != nil {
		return nil, err
	}
	if err := put(KeyButtonState, buttonState{Position: snap.UI.ButtonPosition, Visible: snap.UI.ButtonVisible}); err != nil {
		return nil, err
	}

	b.histMu.Lock()
	changed := !slices.EqualFunc(b.loadedHist, snap.Downloads.History, historyEqual)
	b.histMu.Unlock()
	if changed {
		if err := put(KeyDownloadHistory, snap.Downloads.History); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// read decodes key into dst. It reports whether a value was present and valid.
func (b *Bridge) read(ctx context.Context, key string, dst any) bool {
	raw, ok, err := b.kv.Get(ctx, key)
	if err != nil {
		b.logger.Warn("load state key failed", slog.String("key", key), slog.String("error", err.Error()))
		return false
	}
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		b.logger.Warn("ignoring malformed persisted value", slog.String("key", key), slog.String("error", err.Error()))
		return false
	}
	return true
}

// unchanged reports whether values equal the last projection written.
func (b *Bridge) unchanged(values map[string][]byte) bool {
	return maps.EqualFunc(b.lastSaved, values, bytes.Equal)
}

func historyEqual(a, b state.HistoryEntry) bool {
	return a.ID == b.ID && a.URL == b.URL && a.Title == b.Title &&
		a.Status == b.Status && a.CompletedAt.Equal(b.CompletedAt)
}
