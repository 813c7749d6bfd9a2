// Package app is the composition root of tether.
//
// Every execution context starts with Setup, which loads configuration,
// opens the log file and the shared KV store, and builds the health prober.
// From there a context takes one of two roles:
//
//   - The worker (RunWorker) owns discovery. Its Supervisor hydrates the
//     store, runs one scan at a time, backs off exponentially after failures,
//     re-validates a connected port periodically, and broadcasts status
//     changes to the bus hub it serves.
//   - UI contexts (Follow) never scan. A Follower hydrates from the KV store,
//     applies worker messages, and forwards rescan and port-override requests
//     over the bus.
//
// Each context persists only the keys it owns: the worker writes the
// discovered port, server config and download history; UI contexts write
// theme and button state. Keys owned elsewhere are refreshed when the KV
// store changes on disk or the bus reconnects.
//
// Discover, Status and Reset are one-shot helpers behind the CLI
// subcommands of the same names.
package app
