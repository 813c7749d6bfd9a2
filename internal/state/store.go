package state

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/five82/tether/internal/logging"
)

// EventKind names the sub-tree a change event is about.
type EventKind string

const (
	ServerStatusChanged    EventKind = "serverStatusChanged"
	ScanProgressChanged    EventKind = "scanProgressChanged"
	DiscoveryCacheChanged  EventKind = "discoveryCacheChanged"
	UIThemeChanged         EventKind = "uiThemeChanged"
	ButtonPositionChanged  EventKind = "buttonPositionChanged"
	UIVisibilityChanged    EventKind = "uiVisibilityChanged"
	UIDraggingChanged      EventKind = "uiDraggingChanged"
	DownloadQueueChanged   EventKind = "downloadQueueChanged"
	DownloadActiveChanged  EventKind = "downloadActiveChanged"
	DownloadHistoryChanged EventKind = "downloadHistoryChanged"
	FormValidationChanged  EventKind = "formValidationChanged"

	// AnyChange subscribes to every kind.
	AnyChange EventKind = "*"
)

// AllKinds lists every concrete event kind in firing order.
var AllKinds = []EventKind{
	ServerStatusChanged,
	ScanProgressChanged,
	DiscoveryCacheChanged,
	UIThemeChanged,
	ButtonPositionChanged,
	UIVisibilityChanged,
	UIDraggingChanged,
	DownloadQueueChanged,
	DownloadActiveChanged,
	DownloadHistoryChanged,
	FormValidationChanged,
}

// Event is delivered to listeners after a mutation. State is a private copy.
type Event struct {
	Kind  EventKind
	State State
}

// Listener receives change events.
type Listener func(Event)

type subscription struct {
	id   uint64
	kind EventKind
	fn   Listener
}

// Store is the single authoritative state of one execution context.
type Store struct {
	mu     sync.RWMutex
	state  State
	subs   []subscription
	nextID uint64
	logger *slog.Logger
	base   time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithBaseBackoff sets the backoff interval restored by Reset.
func WithBaseBackoff(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.base = d
		}
	}
}

// New returns a Store holding the defaults.
func New(logger *slog.Logger, opts ...Option) *Store {
	s := &Store{logger: logging.OrDefault(logger), base: DefaultBackoff}
	for _, opt := range opts {
		opt(s)
	}
	s.state = s.defaults()
	return s
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Patch merges p into the state and notifies listeners of every sub-tree
// that changed. Listener failures never reach the caller.
func (s *Store) Patch(p Patch) {
	s.mutate(func(st *State) { st.apply(p) }, nil)
}

// Reset restores the defaults and fires every event kind.
func (s *Store) Reset() {
	s.mutate(func(st *State) { *st = s.defaults() }, AllKinds)
}

// BeginScan marks job as the active scan. It returns false without changing
// anything when a scan is already in progress.
func (s *Store) BeginScan(job ScanJob) bool {
	started := false
	s.mutate(func(st *State) {
		if st.Server.ScanInProgress {
			return
		}
		started = true
		st.Server.ScanInProgress = true
		st.Server.Status = StatusChecking
		job.Candidates = slices.Clone(job.Candidates)
		st.Server.Scan = &job
	}, nil)
	return started
}

// UpdateScanProgress records batch progress of the active scan.
func (s *Store) UpdateScanProgress(current, total int) {
	s.mutate(func(st *State) {
		if st.Server.Scan != nil {
			st.Server.Scan.Progress = Progress{Current: current, Total: total}
		}
	}, nil)
}

// EndScan clears the active scan and applies the outcome atomically.
func (s *Store) EndScan(outcome Patch) {
	s.mutate(func(st *State) {
		st.Server.ScanInProgress = false
		st.Server.Scan = nil
		st.apply(outcome)
	}, nil)
}

// Subscribe registers fn for kind (or AnyChange) and returns a function that
// removes it. Calling the returned function more than once is harmless.
func (s *Store) Subscribe(kind EventKind, fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscription{id: id, kind: kind, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.subs = slices.DeleteFunc(s.subs, func(sub subscription) bool { return sub.id == id })
		})
	}
}

// mutate applies fn under the write lock, then notifies listeners outside it
// so they may read or patch the store themselves. forced kinds fire even
// without a visible change.
func (s *Store) mutate(fn func(*State), forced []EventKind) {
	s.mu.Lock()
	prev := s.state.Clone()
	fn(&s.state)
	if s.state.enforce() {
		s.logger.Warn("connected status without a port, marking disconnected")
	}
	kinds := forced
	if kinds == nil {
		kinds = changedKinds(prev, s.state)
	}
	if len(kinds) == 0 {
		s.mu.Unlock()
		return
	}
	next := s.state.Clone()
	subs := slices.Clone(s.subs)
	s.mu.Unlock()

	for _, kind := range kinds {
		for _, sub := range subs {
			if sub.kind != kind && sub.kind != AnyChange {
				continue
			}
			s.notify(sub, Event{Kind: kind, State: next.Clone()})
		}
	}
}

func (s *Store) notify(sub subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("state listener failed",
				slog.String("event", string(ev.Kind)),
				slog.Uint64("listener", sub.id),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	sub.fn(ev)
}

func (s *Store) defaults() State {
	st := Default()
	st.Server.Backoff = s.base
	return st
}
