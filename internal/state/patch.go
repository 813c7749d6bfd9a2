package state

import (
	"maps"
	"reflect"
	"slices"
	"time"
)

// Patch is a partial update. Nil sub-patches and nil fields leave the
// current value untouched; set fields replace it (shallow merge).
type Patch struct {
	Server    *ServerPatch
	Cache     *CachePatch
	UI        *UIPatch
	Downloads *DownloadPatch
	Form      *FormPatch
}

// ServerPatch updates ServerState. ClearPort removes the port.
type ServerPatch struct {
	Port                *int
	ClearPort           bool
	Status              *ServerStatus
	Backoff             *time.Duration
	ConsecutiveFailures *int
	Config              map[string]any
	LastError           *string
	LastChecked         *time.Time
}

// CachePatch updates DiscoveryCache. Clear invalidates the cached port.
type CachePatch struct {
	Port            *int
	Clear           bool
	LastValidatedAt *time.Time
}

// UIPatch updates UIState.
type UIPatch struct {
	ButtonPosition *Position
	ButtonVisible  *bool
	Theme          *Theme
	IsDragging     *bool
}

// DownloadPatch updates DownloadState.
type DownloadPatch struct {
	Queue   *[]string
	Active  *map[string]string
	History *[]HistoryEntry
}

// FormPatch updates FormState.
type FormPatch struct {
	Errors *map[string]string
}

func (s *State) apply(p Patch) {
	if sp := p.Server; sp != nil {
		if sp.ClearPort {
			s.Server.Port = nil
		}
		if sp.Port != nil {
			s.Server.Port = clonePtr(sp.Port)
		}
		if sp.Status != nil {
			s.Server.Status = *sp.Status
		}
		if sp.Backoff != nil {
			s.Server.Backoff = *sp.Backoff
		}
		if sp.ConsecutiveFailures != nil {
			s.Server.ConsecutiveFailures = *sp.ConsecutiveFailures
		}
		if sp.Config != nil {
			s.Server.Config = maps.Clone(sp.Config)
		}
		if sp.LastError != nil {
			s.Server.LastError = *sp.LastError
		}
		if sp.LastChecked != nil {
			s.Server.LastChecked = *sp.LastChecked
		}
	}
	if cp := p.Cache; cp != nil {
		if cp.Clear {
			s.Cache.Port = nil
			s.Cache.LastValidatedAt = time.Time{}
		}
		if cp.Port != nil {
			s.Cache.Port = clonePtr(cp.Port)
		}
		if cp.LastValidatedAt != nil {
			s.Cache.LastValidatedAt = *cp.LastValidatedAt
		}
	}
	if up := p.UI; up != nil {
		if up.ButtonPosition != nil {
			s.UI.ButtonPosition = *up.ButtonPosition
		}
		if up.ButtonVisible != nil {
			s.UI.ButtonVisible = *up.ButtonVisible
		}
		if up.Theme != nil {
			s.UI.Theme = *up.Theme
		}
		if up.IsDragging != nil {
			s.UI.IsDragging = *up.IsDragging
		}
	}
	if dp := p.Downloads; dp != nil {
		if dp.Queue != nil {
			s.Downloads.Queue = slices.Clone(*dp.Queue)
		}
		if dp.Active != nil {
			s.Downloads.Active = maps.Clone(*dp.Active)
		}
		if dp.History != nil {
			s.Downloads.History = slices.Clone(*dp.History)
		}
	}
	if fp := p.Form; fp != nil && fp.Errors != nil {
		s.Form.Errors = maps.Clone(*fp.Errors)
	}
}

// enforce restores the connected-implies-port invariant.
func (s *State) enforce() bool {
	if s.Server.Status == StatusConnected && s.Server.Port == nil {
		s.Server.Status = StatusDisconnected
		return true
	}
	return false
}

// changedKinds lists the events whose sub-tree differs between prev and next.
func changedKinds(prev, next State) []EventKind {
	var kinds []EventKind

	ps, ns := prev.Server, next.Server
	ps.Scan, ns.Scan = nil, nil
	if !reflect.DeepEqual(ps, ns) {
		kinds = append(kinds, ServerStatusChanged)
	}
	if !reflect.DeepEqual(prev.Server.Scan, next.Server.Scan) {
		kinds = append(kinds, ScanProgressChanged)
	}
	if !reflect.DeepEqual(prev.Cache, next.Cache) {
		kinds = append(kinds, DiscoveryCacheChanged)
	}
	if prev.UI.Theme != next.UI.Theme {
		kinds = append(kinds, UIThemeChanged)
	}
	if prev.UI.ButtonPosition != next.UI.ButtonPosition {
		kinds = append(kinds, ButtonPositionChanged)
	}
	if prev.UI.ButtonVisible != next.UI.ButtonVisible {
		kinds = append(kinds, UIVisibilityChanged)
	}
	if prev.UI.IsDragging != next.UI.IsDragging {
		kinds = append(kinds, UIDraggingChanged)
	}
	if !slices.Equal(prev.Downloads.Queue, next.Downloads.Queue) {
		kinds = append(kinds, DownloadQueueChanged)
	}
	if !maps.Equal(prev.Downloads.Active, next.Downloads.Active) {
		kinds = append(kinds, DownloadActiveChanged)
	}
	if !slices.EqualFunc(prev.Downloads.History, next.Downloads.History, historyEqual) {
		kinds = append(kinds, DownloadHistoryChanged)
	}
	if !maps.Equal(prev.Form.Errors, next.Form.Errors) {
		kinds = append(kinds, FormValidationChanged)
	}
	return kinds
}

func historyEqual(a, b HistoryEntry) bool {
	return a.ID == b.ID && a.URL == b.URL && a.Title == b.Title &&
		a.Status == b.Status && a.CompletedAt.Equal(b.CompletedAt)
}
