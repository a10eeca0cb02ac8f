// Package conversation provides the ordered append log and event fanout.
//
// Log is the single serialization point for message ordering: Append
// takes a per-conversation mutex, commits through the store (which
// assigns the sequence number transactionally), and publishes the
// committed message to the Broadcaster before releasing the lock. Two
// messages in the same conversation are therefore never interleaved,
// and every subscriber observes them in commit order.
//
// Broadcaster is best-effort in-memory pub/sub keyed by conversation id.
// Each subscriber has a small bounded buffer; a subscriber that
// overflows it is dropped (its channel is closed) rather than queued
// unboundedly. Durable history lives in the store and can always be
// re-fetched via Read.
package conversation
