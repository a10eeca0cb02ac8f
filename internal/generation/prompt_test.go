// ABOUTME: Tests for deterministic prompt assembly
// ABOUTME: Covers the history window bound and turn ordering

package generation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthchat/hearth-gateway/internal/store"
)

func TestBuildPrompt_SystemTurnThenHistory(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.log.Append(t.Context(), env.convID, store.RoleUser, "Hello", nil)
	require.NoError(t, err)
	_, err = env.log.Append(t.Context(), env.convID, store.RoleAssistant, "Hi there!", nil)
	require.NoError(t, err)

	persona, err := env.store.GetPersona(t.Context(), "persona-1")
	require.NoError(t, err)

	turns, err := BuildPrompt(t.Context(), env.log, persona, env.convID, 20)
	require.NoError(t, err)

	require.Len(t, turns, 3)
	assert.Equal(t, store.RoleSystem, turns[0].Role)
	assert.Equal(t, persona.SystemPrompt, turns[0].Content)
	assert.Equal(t, "Hello", turns[1].Content)
	assert.Equal(t, "Hi there!", turns[2].Content)
}

func TestBuildPrompt_WindowKeepsMostRecent(t *testing.T) {
	env := newTestEnv(t)

	for i := 1; i <= 10; i++ {
		_, err := env.log.Append(t.Context(), env.convID, store.RoleUser, fmt.Sprintf("message %d", i), nil)
		require.NoError(t, err)
	}

	persona, err := env.store.GetPersona(t.Context(), "persona-1")
	require.NoError(t, err)

	turns, err := BuildPrompt(t.Context(), env.log, persona, env.convID, 3)
	require.NoError(t, err)

	// System turn plus the 3 most recent messages, oldest first.
	require.Len(t, turns, 4)
	assert.Equal(t, "message 8", turns[1].Content)
	assert.Equal(t, "message 9", turns[2].Content)
	assert.Equal(t, "message 10", turns[3].Content)
}

func TestBuildPrompt_Deterministic(t *testing.T) {
	env := newTestEnv(t)

	for i := 1; i <= 5; i++ {
		_, err := env.log.Append(t.Context(), env.convID, store.RoleUser, fmt.Sprintf("message %d", i), nil)
		require.NoError(t, err)
	}

	persona, err := env.store.GetPersona(t.Context(), "persona-1")
	require.NoError(t, err)

	first, err := BuildPrompt(t.Context(), env.log, persona, env.convID, 20)
	require.NoError(t, err)
	second, err := BuildPrompt(t.Context(), env.log, persona, env.convID, 20)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestBuildPrompt_EmptyConversation(t *testing.T) {
	env := newTestEnv(t)

	persona, err := env.store.GetPersona(t.Context(), "persona-1")
	require.NoError(t, err)

	turns, err := BuildPrompt(t.Context(), env.log, persona, env.convID, 20)
	require.NoError(t, err)

	require.Len(t, turns, 1)
	assert.Equal(t, store.RoleSystem, turns[0].Role)
}
