// Package ui implements `tether popup`, a small Bubble Tea view of one
// context's state store.
//
// The popup never discovers anything itself. It polls a Controller's store
// for snapshots and renders server status, the cached port, backoff after
// failures and the progress of a running scan. Keys forward user intent
// back through the Controller:
//
//	r / R   ask the worker to rescan (R skips the cached port)
//	p       enter a port manually; invalid input shows the form error
//	t       toggle light/dark theme (persisted)
//	b       show or hide the download button (persisted)
//	?       toggle the full key help
//	q       quit
//
// The theme follows the store, so a toggle made in another context is
// picked up on that context's next hydration.
package ui
