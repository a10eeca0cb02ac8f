// ABOUTME: Package doc for auth
// ABOUTME: JWT verification and request context helpers

// Package auth verifies participant bearer tokens. Tokens are HS256
// JWTs whose sub claim is the participant ID; the same secret signs
// tokens minted by the token subcommand.
package auth
