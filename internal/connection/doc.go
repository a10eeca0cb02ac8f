// ABOUTME: Package doc for connection
// ABOUTME: Realtime socket transport, registry, and frame dispatch

// Package connection manages authenticated realtime connections. Each
// connection carries a closed set of JSON frames; joins subscribe the
// connection to a conversation's event stream and the join ack carries
// the current head sequence so the client can fetch anything it missed
// over the read API. Outbound delivery never blocks: a connection that
// cannot keep up is dropped and the client reconnects and catches up
// from the store.
package connection
