// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Conversation: binds a user to a persona and owns the monotonic
//     next_sequence counter for its message log
//   - Message: one committed entry in a conversation's ordered log,
//     immutable once written, with optional generation metadata
//     (tokens, model, latency, attempt count) on assistant messages
//   - Persona: static AI character configuration (system prompt,
//     display name, behavior tags)
//
// # Sequence Assignment
//
// AppendMessage is the durable half of the ordering invariant. It reads
// the conversation's counter, inserts the message, and bumps the counter
// inside a single transaction, so sequence numbers are strictly
// increasing with no reader-visible gaps. The UNIQUE(conversation_id,
// sequence) index is the backstop: a collision surfaces as
// ErrOrderingConflict, which indicates the single-writer boundary in
// the conversation package was violated.
//
// # SQLite Configuration
//
// The store uses SQLite (modernc.org/sqlite, no CGO) with WAL mode for
// concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Tests point NewSQLiteStore at a throwaway file under t.TempDir().
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrOrderingConflict: duplicate sequence number (internal bug signal)
//
// All methods accept context.Context for cancellation support.
package store
