// ABOUTME: Package doc for presence
// ABOUTME: Ephemeral availability and typing state

// Package presence tracks per-(participant, conversation) availability:
// online, typing, idle, offline. Typing decays through a debounce timer
// when the client stops refreshing it, so a crashed client can never
// leave a stuck typing indicator. Nothing here is persisted; state is
// rebuilt from live connections after a restart.
package presence
