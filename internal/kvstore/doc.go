// Package kvstore is the durable key-value map shared by every tether
// context. Values are JSON documents addressed by fixed keys.
//
// Three backends are available:
//
//   - Memory: in-process, used by tests and `backend = "memory"`.
//   - File: one JSON document replaced atomically on every write; Watch uses
//     fsnotify on the parent directory with a polling fallback.
//   - SQLite: a single kv table (modernc.org/sqlite, WAL mode).
//
// Open picks the backend from the [store] config section.
package kvstore
