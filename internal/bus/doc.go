// Package bus carries small JSON messages between tether contexts.
//
// The worker runs a Hub (websocket endpoint at /bus, plus /health) and every
// UI context runs a Client that reconnects with exponential backoff. Local is
// the in-process transport used inside a single context and in tests.
//
// Delivery is at-most-once. Slow subscribers lose messages instead of
// blocking publishers, and nothing is queued across reconnects; a context
// that was not listening catches up by hydrating from the KV store.
package bus
