// ABOUTME: Deterministic prompt assembly from persona and history
// ABOUTME: Bounded window of most-recent messages, oldest first

package generation

import (
	"context"
	"fmt"

	"github.com/hearthchat/hearth-gateway/internal/store"
)

// historyReader is the slice of the conversation log the prompt builder
// needs.
type historyReader interface {
	Read(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]*store.Message, error)
	Head(ctx context.Context, conversationID string) (uint64, error)
}

// BuildPrompt assembles the turn list for a generation call: one system
// turn from the persona followed by the most recent window of the
// conversation history in sequence order. The same log state always
// produces the same turns.
func BuildPrompt(ctx context.Context, log historyReader, persona *store.Persona, conversationID string, window int) ([]Turn, error) {
	head, err := log.Head(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("reading conversation head: %w", err)
	}

	var after uint64
	if window > 0 && head > uint64(window) {
		after = head - uint64(window)
	}

	history, err := log.Read(ctx, conversationID, after, window)
	if err != nil {
		return nil, fmt.Errorf("reading conversation history: %w", err)
	}

	turns := make([]Turn, 0, len(history)+1)
	turns = append(turns, Turn{Role: store.RoleSystem, Content: persona.SystemPrompt})
	for _, msg := range history {
		turns = append(turns, Turn{Role: msg.Role, Content: msg.Content})
	}
	return turns, nil
}
