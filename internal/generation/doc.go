// ABOUTME: Package doc for generation
// ABOUTME: Orchestrates assistant responses against an external service

// Package generation turns committed user messages into assistant
// responses. The orchestrator queues one job per triggering message,
// runs jobs strictly FIFO with at most one in flight per conversation,
// and retries transient failures with capped exponential backoff. A job
// that fails for good appends a single system message so the outcome is
// visible in the conversation itself.
//
// Prompts are assembled deterministically: the persona's system prompt
// followed by a bounded window of the most recent history in sequence
// order. Token usage and model identity from the service are recorded
// on the assistant message.
package generation
