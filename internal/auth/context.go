// ABOUTME: Context helpers for carrying the authenticated participant
// ABOUTME: Set by HTTP middleware, read by handlers

package auth

import "context"

type contextKey string

const participantKey contextKey = "participant_id"

// WithParticipant returns a context carrying the authenticated
// participant ID.
func WithParticipant(ctx context.Context, participantID string) context.Context {
	return context.WithValue(ctx, participantKey, participantID)
}

// ParticipantFromContext returns the authenticated participant ID, or
// "" when the request was not authenticated.
func ParticipantFromContext(ctx context.Context) string {
	id, _ := ctx.Value(participantKey).(string)
	return id
}
