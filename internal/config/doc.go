// Package config handles loading and parsing the tether configuration file.
//
// # Overview
//
// Every tether context (worker, popup, watch, one-shot commands) reads the same
// TOML file so they agree on the port search space, the shared key-value store
// and the message bus address.
//
// # Configuration Discovery
//
// The Load function follows this resolution order:
//
//  1. If a path is explicitly provided, use it
//  2. Otherwise, use ~/.config/tether/config.toml (default)
//  3. If the config file doesn't exist, fall back to Default()
//  4. If the file exists but fields are missing/empty, keep the defaults
//
// # Default Values
//
//   - Port range: 9090-9099, probed five at a time with a 500ms timeout
//   - Backoff: 1s base, doubling to a 60s cap
//   - Health endpoint: /health, identity marker "downloader"
//   - Store: JSON file at ~/.local/share/tether/state.json
//   - Bus hub: 127.0.0.1:7488
//   - Log file: ~/.local/share/tether/tether.log
//
// # TOML Format
//
//	[discovery]
//	port_start = 9090
//	port_end = 9099
//	batch_size = 5
//	probe_timeout_ms = 500
//	backoff_base_ms = 1000
//	backoff_max_ms = 60000
//	revalidate_interval_ms = 30000
//	health_path = "/health"
//	app_marker = "downloader"
//	min_version = ""
//
//	[store]
//	backend = "file"   # file | sqlite | memory
//	path = "~/.local/share/tether/state.json"
//
//	[bus]
//	bind = "127.0.0.1:7488"
//
//	[log]
//	level = "info"
//	format = "text"
//	file = "~/.local/share/tether/tether.log"
//
// Selecting the sqlite backend without a path moves the default store file to
// ~/.local/share/tether/state.db.
//
// # Error Handling
//
// Load returns errors for unreadable files, TOML parse failures and settings
// that fail Validate (ports outside 1-65535, inverted ranges, batch sizes below
// one, unknown store backends). A missing file is not an error.
package config
