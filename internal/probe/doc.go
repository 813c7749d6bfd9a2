// Package probe performs health checks against the download daemon.
//
// # Overview
//
// A probe is exactly one bounded GET request to
// http://127.0.0.1:<port><health_path>. The daemon is considered reachable
// only when it answers 2xx with a JSON body whose "app" field matches the
// configured identity marker:
//
//	{"app": "downloader", "version": "1.4.0", "status": "ok"}
//
// # API
//
//   - Probe: returns true or false and never panics; used by discovery
//   - Check: returns the decoded Health or a wrapped error; used by
//     `tether status` to explain why a port is considered unreachable
//
// # Version Gate
//
// When Options.MinVersion is set, a daemon reporting an older (or
// unparseable) semantic version is treated as unreachable. This keeps the
// extension from latching onto an incompatible daemon that happens to share
// the port range.
//
// # Request Handling
//
// All requests:
//   - Are bounded by the per-probe timeout via context
//   - Bypass HTTP proxies (loopback only)
//   - Set Accept: application/json and User-Agent: tether/0.1
//   - Read at most 64 KiB of response body
package probe
