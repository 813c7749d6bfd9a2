package state

import (
	"maps"
	"slices"
	"time"
)

// ServerStatus is the daemon connectivity as seen by one context.
type ServerStatus string

const (
	StatusConnected    ServerStatus = "connected"
	StatusDisconnected ServerStatus = "disconnected"
	StatusChecking     ServerStatus = "checking"
)

// Theme is the UI colour scheme.
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// DefaultBackoff is the backoff interval before any failure has been seen.
const DefaultBackoff = time.Second

// Progress is a (current, total) pair for the scan badge.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Percent returns progress in [0, 100].
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Current) / float64(p.Total) * 100
}

// ScanJob describes the discovery attempt currently running in a context.
type ScanJob struct {
	ID         string
	Candidates []int
	BatchSize  int
	Timeout    time.Duration
	StartedAt  time.Time
	Progress   Progress
	Forced     bool
}

// ServerState is the daemon connectivity sub-tree.
type ServerState struct {
	Port                *int
	Status              ServerStatus
	ScanInProgress      bool
	Backoff             time.Duration
	ConsecutiveFailures int
	Config              map[string]any
	LastError           string
	LastChecked         time.Time
	Scan                *ScanJob
}

// PortValue returns the port and whether one is set.
func (s ServerState) PortValue() (int, bool) {
	if s.Port == nil {
		return 0, false
	}
	return *s.Port, true
}

// DiscoveryCache is the last known-good port.
type DiscoveryCache struct {
	Port            *int
	LastValidatedAt time.Time
}

// Position is the on-page location of the download button.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// UIState mirrors display preferences. It never decides connectivity.
type UIState struct {
	ButtonPosition Position
	ButtonVisible  bool
	Theme          Theme
	IsDragging     bool
}

// HistoryEntry is one finished download.
type HistoryEntry struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title,omitempty"`
	Status      string    `json:"status"`
	CompletedAt time.Time `json:"completedAt"`
}

// DownloadState mirrors the daemon's queue. It is only synchronized here.
type DownloadState struct {
	Queue   []string
	Active  map[string]string
	History []HistoryEntry
}

// FormState holds validation messages local to one context.
type FormState struct {
	Errors map[string]string
}

// State is everything one execution context knows.
type State struct {
	Server    ServerState
	Cache     DiscoveryCache
	UI        UIState
	Downloads DownloadState
	Form      FormState
}

// Connected reports whether the daemon is reachable at a known port.
func (s State) Connected() bool {
	return s.Server.Status == StatusConnected && s.Server.Port != nil
}

// Default returns the documented defaults for every sub-tree.
func Default() State {
	return State{
		Server: ServerState{
			Status:  StatusDisconnected,
			Backoff: DefaultBackoff,
			Config:  map[string]any{},
		},
		UI: UIState{
			ButtonVisible: true,
			Theme:         ThemeDark,
		},
		Downloads: DownloadState{
			Queue:   []string{},
			Active:  map[string]string{},
			History: []HistoryEntry{},
		},
		Form: FormState{Errors: map[string]string{}},
	}
}

// Clone returns a deep copy sharing no mutable memory with s.
func (s State) Clone() State {
	out := s
	out.Server.Port = clonePtr(s.Server.Port)
	out.Server.Config = maps.Clone(s.Server.Config)
	if s.Server.Scan != nil {
		job := *s.Server.Scan
		job.Candidates = slices.Clone(s.Server.Scan.Candidates)
		out.Server.Scan = &job
	}
	out.Cache.Port = clonePtr(s.Cache.Port)
	out.Downloads.Queue = slices.Clone(s.Downloads.Queue)
	out.Downloads.Active = maps.Clone(s.Downloads.Active)
	out.Downloads.History = slices.Clone(s.Downloads.History)
	out.Form.Errors = maps.Clone(s.Form.Errors)
	return out
}

// Ptr returns a pointer to v. It keeps patch literals short.
func Ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
