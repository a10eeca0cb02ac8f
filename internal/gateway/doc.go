// ABOUTME: Package doc for gateway
// ABOUTME: Top-level assembly and the HTTP surface

// Package gateway assembles the conversation engine and serves it over
// HTTP: the realtime socket for live events, the REST surface for
// conversation management and catch-up reads, and health endpoints for
// deployment probes.
package gateway
