// ABOUTME: Tests for the generation orchestrator
// ABOUTME: Covers retry/backoff, failure notices, FIFO queuing, cancellation

package generation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthchat/hearth-gateway/internal/conversation"
	"github.com/hearthchat/hearth-gateway/internal/store"
)

type testEnv struct {
	store       *store.SQLiteStore
	broadcaster *conversation.Broadcaster
	log         *conversation.Log
	convID      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	persona := &store.Persona{
		ID:           "persona-1",
		DisplayName:  "Ember",
		SystemPrompt: "You are Ember, a warm and curious companion.",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.CreatePersona(t.Context(), persona))

	conv := &store.Conversation{
		ID:        "conv-1",
		PersonaID: persona.ID,
		UserID:    "user-1",
		Title:     "First chat",
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateConversation(t.Context(), conv))

	b := conversation.NewBroadcaster(nil)
	t.Cleanup(b.Close)

	return &testEnv{
		store:       s,
		broadcaster: b,
		log:         conversation.NewLog(s, b, nil),
		convID:      conv.ID,
	}
}

func testOptions() Options {
	return Options{
		Model:             "hearth-medium-1",
		MaxAttempts:       3,
		HistoryWindow:     20,
		BackoffBase:       time.Millisecond,
		BackoffCap:        5 * time.Millisecond,
		RequestTimeout:    time.Second,
		MessagesPerMinute: 60,
		MessageBurst:      5,
	}
}

// scriptedGenerator returns the scripted outcomes in order, then keeps
// returning the last one.
type scriptedGenerator struct {
	mu      sync.Mutex
	script  []error
	calls   int
	content string
}

func (g *scriptedGenerator) Generate(ctx context.Context, turns []Turn, params ModelParams) (*Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := g.calls
	g.calls++
	if idx < len(g.script) && g.script[idx] != nil {
		return nil, g.script[idx]
	}
	content := g.content
	if content == "" {
		content = "Hi there!"
	}
	return &Result{Content: content, TokensUsed: 42, ModelID: params.Model}, nil
}

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func waitDone(t *testing.T, job *Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish", job.ID)
	}
}

func TestOrchestrator_SuccessAppendsAssistantMessage(t *testing.T) {
	env := newTestEnv(t)
	gen := &scriptedGenerator{}

	o := NewOrchestrator(env.log, env.store, gen, testOptions(), nil)
	t.Cleanup(o.Close)

	events, _ := env.broadcaster.Subscribe(t.Context(), env.convID)

	userMsg, err := env.log.Append(t.Context(), env.convID, store.RoleUser, "Hello", nil)
	require.NoError(t, err)

	job := o.Submit(env.convID, userMsg.ID)
	waitDone(t, job)

	assert.Equal(t, JobStateSucceeded, job.State())
	assert.Equal(t, 1, job.Attempts())

	msgs, err := env.log.Read(t.Context(), env.convID, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, uint64(1), msgs[0].Sequence)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, uint64(2), msgs[1].Sequence)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi there!", msgs[1].Content)

	require.NotNil(t, msgs[1].Meta)
	assert.Equal(t, int64(42), msgs[1].Meta.TokensUsed)
	assert.Equal(t, "hearth-medium-1", msgs[1].Meta.ModelID)
	assert.Equal(t, 1, msgs[1].Meta.Attempts)

	// Subscribers see the user message then the assistant message, in
	// sequence order.
	first := <-events
	second := <-events
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
}

func TestOrchestrator_RetriesThenSucceeds(t *testing.T) {
	env := newTestEnv(t)
	gen := &scriptedGenerator{script: []error{
		&RetryableError{Err: assert.AnError},
		&RetryableError{Err: assert.AnError},
		nil,
	}}

	o := NewOrchestrator(env.log, env.store, gen, testOptions(), nil)
	t.Cleanup(o.Close)

	userMsg, err := env.log.Append(t.Context(), env.convID, store.RoleUser, "Hello", nil)
	require.NoError(t, err)

	job := o.Submit(env.convID, userMsg.ID)
	waitDone(t, job)

	assert.Equal(t, JobStateSucceeded, job.State())
	assert.Equal(t, 3, job.Attempts())
	assert.Equal(t, 3, gen.callCount())

	msgs, err := env.log.Read(t.Context(), env.convID, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, 3, msgs[1].Meta.Attempts)
}

// flakyLog fails a number of history reads before delegating, the way
// a briefly contended database would.
type flakyLog struct {
	ConversationLog
	mu       sync.Mutex
	failures int
}

func (f *flakyLog) Head(ctx context.Context, conversationID string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return 0, assert.AnError
	}
	return f.ConversationLog.Head(ctx, conversationID)
}

func TestOrchestrator_TransientHistoryReadFailureRetries(t *testing.T) {
	env := newTestEnv(t)
	gen := &scriptedGenerator{}
	flaky := &flakyLog{ConversationLog: env.log, failures: 1}

	o := NewOrchestrator(flaky, env.store, gen, testOptions(), nil)
	t.Cleanup(o.Close)

	userMsg, err := env.log.Append(t.Context(), env.convID, store.RoleUser, "Hello", nil)
	require.NoError(t, err)

	job := o.Submit(env.convID, userMsg.ID)
	waitDone(t, job)

	// The failed prompt build consumes an attempt but does not end the
	// job: it retries and succeeds.
	assert.Equal(t, JobStateSucceeded, job.State())
	assert.Equal(t, 2, job.Attempts())
	assert.Equal(t, 1, gen.callCount())

	msgs, err := env.log.Read(t.Context(), env.convID, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
}

func TestOrchestrator_PermanentFailureSurfacesSystemMessage(t *testing.T) {
	env := newTestEnv(t)
	gen := &scriptedGenerator{script: []error{
		&PermanentError{Err: assert.AnError},
	}}

	o := NewOrchestrator(env.log, env.store, gen, testOptions(), nil)
	t.Cleanup(o.Close)

	userMsg, err := env.log.Append(t.Context(), env.convID, store.RoleUser, "Hello", nil)
	require.NoError(t, err)

	job := o.Submit(env.convID, userMsg.ID)
	waitDone(t, job)

	assert.Equal(t, JobStateFailed, job.State())
	assert.Error(t, job.Err())
	// A permanent failure stops immediately: no retries.
	assert.Equal(t, 1, gen.callCount())

	msgs, err := env.log.Read(t.Context(), env.convID, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleSystem, msgs[1].Role)
	assert.Equal(t, failureNotice, msgs[1].Content)
}

func TestOrchestrator_RetryBudgetExhausted(t *testing.T) {
	env := newTestEnv(t)
	gen := &scriptedGenerator{script: []error{
		&RetryableError{Err: assert.AnError},
		&RetryableError{Err: assert.AnError},
		&RetryableError{Err: assert.AnError},
	}}

	o := NewOrchestrator(env.log, env.store, gen, testOptions(), nil)
	t.Cleanup(o.Close)

	userMsg, err := env.log.Append(t.Context(), env.convID, store.RoleUser, "Hello", nil)
	require.NoError(t, err)

	job := o.Submit(env.convID, userMsg.ID)
	waitDone(t, job)

	assert.Equal(t, JobStateFailed, job.State())
	assert.Equal(t, 3, job.Attempts())

	msgs, err := env.log.Read(t.Context(), env.convID, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// Exactly one system message, no assistant message.
	assert.Equal(t, store.RoleSystem, msgs[1].Role)
}

// gatedGenerator blocks each call until released, recording how many
// calls are in flight at once.
type gatedGenerator struct {
	mu       sync.Mutex
	inflight int
	peak     int
	release  chan struct{}
	started  chan struct{}
}

func newGatedGenerator() *gatedGenerator {
	return &gatedGenerator{
		release: make(chan struct{}),
		started: make(chan struct{}, 16),
	}
}

func (g *gatedGenerator) Generate(ctx context.Context, turns []Turn, params ModelParams) (*Result, error) {
	g.mu.Lock()
	g.inflight++
	if g.inflight > g.peak {
		g.peak = g.inflight
	}
	g.mu.Unlock()
	g.started <- struct{}{}

	defer func() {
		g.mu.Lock()
		g.inflight--
		g.mu.Unlock()
	}()

	select {
	case <-g.release:
		return &Result{Content: "ok", TokensUsed: 1, ModelID: params.Model}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestOrchestrator_AtMostOneInFlightPerConversation(t *testing.T) {
	env := newTestEnv(t)
	gen := newGatedGenerator()

	o := NewOrchestrator(env.log, env.store, gen, testOptions(), nil)
	t.Cleanup(o.Close)

	msg1, err := env.log.Append(t.Context(), env.convID, store.RoleUser, "first", nil)
	require.NoError(t, err)
	msg2, err := env.log.Append(t.Context(), env.convID, store.RoleUser, "second", nil)
	require.NoError(t, err)

	job1 := o.Submit(env.convID, msg1.ID)
	job2 := o.Submit(env.convID, msg2.ID)

	// The first job starts; the second stays queued behind it.
	<-gen.started
	assert.Equal(t, JobStateInFlight, job1.State())
	assert.Equal(t, JobStatePending, job2.State())

	close(gen.release)
	waitDone(t, job1)
	waitDone(t, job2)

	assert.Equal(t, JobStateSucceeded, job1.State())
	assert.Equal(t, JobStateSucceeded, job2.State())

	gen.mu.Lock()
	defer gen.mu.Unlock()
	assert.Equal(t, 1, gen.peak)
}

func TestOrchestrator_CancelConversationDropsQueueAndInFlight(t *testing.T) {
	env := newTestEnv(t)
	gen := newGatedGenerator()

	o := NewOrchestrator(env.log, env.store, gen, testOptions(), nil)
	t.Cleanup(o.Close)

	msg1, err := env.log.Append(t.Context(), env.convID, store.RoleUser, "first", nil)
	require.NoError(t, err)
	msg2, err := env.log.Append(t.Context(), env.convID, store.RoleUser, "second", nil)
	require.NoError(t, err)

	job1 := o.Submit(env.convID, msg1.ID)
	job2 := o.Submit(env.convID, msg2.ID)
	<-gen.started

	o.CancelConversation(env.convID)
	waitDone(t, job1)
	waitDone(t, job2)

	assert.Equal(t, JobStateCancelled, job1.State())
	assert.Equal(t, JobStateCancelled, job2.State())

	// No assistant or system messages after cancellation.
	msgs, err := env.log.Read(t.Context(), env.convID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestOrchestrator_AdmitEnforcesMessageBudget(t *testing.T) {
	env := newTestEnv(t)

	opts := testOptions()
	opts.MessagesPerMinute = 1
	opts.MessageBurst = 2

	o := NewOrchestrator(env.log, env.store, &scriptedGenerator{}, opts, nil)
	t.Cleanup(o.Close)

	require.NoError(t, o.Admit(env.convID))
	require.NoError(t, o.Admit(env.convID))
	assert.ErrorIs(t, o.Admit(env.convID), ErrRateLimited, "burst exhausted")

	// Budgets are per conversation.
	assert.NoError(t, o.Admit("conv-other"))
}

func TestOrchestrator_MissingConversationFailsJob(t *testing.T) {
	env := newTestEnv(t)

	o := NewOrchestrator(env.log, env.store, &scriptedGenerator{}, testOptions(), nil)
	t.Cleanup(o.Close)

	job := o.Submit("conv-missing", "msg-missing")
	waitDone(t, job)

	assert.Equal(t, JobStateFailed, job.State())
	assert.ErrorIs(t, job.Err(), store.ErrNotFound)
}
