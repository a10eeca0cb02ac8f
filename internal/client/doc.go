// ABOUTME: Package doc for client
// ABOUTME: Reconnecting realtime client for the gateway socket

// Package client implements a gateway client with automatic reconnect.
// The dial loop is a thin shell around an explicit state machine;
// joined conversations are re-subscribed after every reconnect and the
// joined acks tell the consumer where to catch up from.
package client
