// ABOUTME: Reconnect state machine for gateway clients
// ABOUTME: Pure transitions with attempt counting and capped backoff

package client

import (
	"sync"
	"time"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Backoff computes the delay before a reconnect attempt: exponential
// from Base, capped at Cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before the given attempt (1-based). Attempt 1
// waits Base; each further attempt doubles until Cap.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.Cap {
			return b.Cap
		}
	}
	if delay > b.Cap {
		return b.Cap
	}
	return delay
}

// FSM tracks the reconnect lifecycle. Transitions are explicit so the
// dial loop stays a thin shell around them and the behavior is testable
// without a network.
type FSM struct {
	mu      sync.Mutex
	state   State
	attempt int
	backoff Backoff
}

// NewFSM starts in the disconnected state.
func NewFSM(backoff Backoff) *FSM {
	return &FSM{state: StateDisconnected, backoff: backoff}
}

// State returns the current state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Attempt returns the current connect attempt count. Zero when
// connected or before the first attempt.
func (f *FSM) Attempt() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempt
}

// Connecting records the start of a dial attempt and returns the
// attempt number.
func (f *FSM) Connecting() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateConnecting
	f.attempt++
	return f.attempt
}

// Connected records a successful dial and resets the attempt count.
func (f *FSM) Connected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateConnected
	f.attempt = 0
}

// Failed records a failed dial and returns the delay before the next
// attempt.
func (f *FSM) Failed() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateDisconnected
	return f.backoff.Delay(f.attempt)
}

// Lost records a dropped established connection. The next attempt is
// the first of a fresh backoff run.
func (f *FSM) Lost() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateDisconnected
	f.attempt = 0
}
