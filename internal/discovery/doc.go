// Package discovery finds the TCP port the download daemon is bound to.
//
// # Algorithm
//
//  1. If a cached port is known and ForceRescan is false, probe it once.
//     Success returns immediately (a cache hit).
//  2. Otherwise split the range into consecutive batches of BatchSize ports.
//     Every port in a batch is probed concurrently and the batch is joined
//     before the next one starts, so at most BatchSize probes are in flight.
//  3. The lowest reachable port of the first batch with any success wins,
//     independent of which probe finished first.
//  4. Progress(probedSoFar, total) fires after every batch.
//  5. Exhausting the range returns ErrNotFound.
//
// # Side Effects
//
// Service has none. Updating the discovery cache, the backoff interval,
// persistence and broadcasting all happen in the caller once Discover
// returns (see internal/app).
//
// # Cancellation
//
// Cancelling ctx stops new batches from starting. Probes already in flight are
// not interrupted early but their results are discarded and Discover returns
// ErrCancelled, which callers treat as a no-op.
//
// # Backoff
//
// Backoff.Next(n) returns min(Base*2^(n-1), Max) for n consecutive failures;
// Reset returns Base. The worker waits that long before its next automatic
// attempt. User-initiated rescans ignore the backoff.
package discovery
