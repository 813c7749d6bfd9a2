// Package state provides the authoritative, thread-safe state store of one
// tether execution context.
//
// # Overview
//
// Each context (worker, popup, watcher) owns exactly one Store, constructed
// at startup with New and passed down explicitly. The Store holds five
// sub-trees:
//
//   - Server: daemon port, connectivity status, active scan, backoff
//   - Cache: last known-good port and when it was validated
//   - UI: theme and download-button placement (display only)
//   - Downloads: queue/active/history mirror (synchronized, never mutated here)
//   - Form: validation messages local to the context (never persisted)
//
// # Reads
//
// Snapshot returns a deep copy. Callers can keep or mutate it freely; the only
// way to change the store is Patch (or the scan helpers).
//
// # Writes
//
// Patch shallow-merges a partial update. After the write lock is released,
// listeners are notified once per sub-tree whose value actually changed:
//
//	store.Patch(state.Patch{UI: &state.UIPatch{Theme: state.Ptr(state.ThemeLight)}})
//	→ uiThemeChanged (only)
//
// Reset restores the defaults and fires every event kind.
//
// # Events
//
// Subscribe narrowly (ServerStatusChanged, UIThemeChanged,
// ButtonPositionChanged, DownloadQueueChanged, DownloadActiveChanged,
// FormValidationChanged, ...) or to AnyChange. Each listener receives its own
// copy of the post-change state. A panicking listener is recovered and logged;
// the remaining listeners still run and Patch returns normally.
//
// Listeners run on the goroutine that called Patch, outside the lock, so they
// may call Snapshot or Patch again. Two concurrent Patch calls may deliver
// their events interleaved.
//
// # Scans
//
// BeginScan/UpdateScanProgress/EndScan keep the "at most one scan per
// context" rule inside the store instead of in free variables. BeginScan
// returns false while a scan is active.
//
// # Invariants
//
// Status connected always has a port: a patch that would leave a connected
// status without one is downgraded to disconnected and logged.
package state
