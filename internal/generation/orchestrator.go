// ABOUTME: Generation job orchestrator with per-conversation FIFO queues
// ABOUTME: At most one in-flight job per conversation, retry with capped backoff

package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hearthchat/hearth-gateway/internal/store"
)

// failureNotice is appended as a system message when a job fails for
// good, so participants see the outcome in the conversation itself.
const failureNotice = "The assistant was unable to respond. Please try sending your message again."

// JobState tracks a generation job through its lifecycle.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateInFlight  JobState = "in-flight"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Job is one queued generation request, triggered by a user message.
type Job struct {
	ID               string
	ConversationID   string
	TriggerMessageID string

	mu       sync.Mutex
	state    JobState
	attempts int
	err      error
	cancel   context.CancelFunc
	done     chan struct{}
}

// State returns the job's current lifecycle state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Attempts returns how many generation calls the job has made.
func (j *Job) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

// Err returns the terminal error for a failed job, nil otherwise.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) setState(s JobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

func (j *Job) finish(s JobState, err error) {
	j.mu.Lock()
	j.state = s
	j.err = err
	j.mu.Unlock()
	close(j.done)
}

// ConversationLog is the slice of the conversation log the orchestrator
// appends to and reads from.
type ConversationLog interface {
	Append(ctx context.Context, conversationID, role, content string, meta *store.GenerationMeta) (*store.Message, error)
	Read(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]*store.Message, error)
	Head(ctx context.Context, conversationID string) (uint64, error)
}

// MetadataStore resolves conversations to their personas.
type MetadataStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetPersona(ctx context.Context, id string) (*store.Persona, error)
}

// Options tune retry, windowing, and rate limiting behavior.
type Options struct {
	Model             string
	MaxAttempts       int
	HistoryWindow     int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	RequestTimeout    time.Duration
	MessagesPerMinute float64
	MessageBurst      int
}

type convQueue struct {
	jobs     []*Job
	inflight *Job
	running  bool
}

// Orchestrator owns the generation pipeline: it admits user messages
// against a per-conversation rate budget, queues one job per triggering
// message, and runs jobs strictly FIFO with at most one in flight per
// conversation. Queues for different conversations proceed
// independently.
type Orchestrator struct {
	log       ConversationLog
	meta      MetadataStore
	generator Generator
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	queues   map[string]*convQueue
	limiters map[string]*rate.Limiter
	personas map[string]*store.Persona

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. Jobs run until Close.
func NewOrchestrator(log ConversationLog, meta MetadataStore, generator Generator, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		log:        log,
		meta:       meta,
		generator:  generator,
		opts:       opts,
		logger:     logger.With("component", "orchestrator"),
		queues:     make(map[string]*convQueue),
		limiters:   make(map[string]*rate.Limiter),
		personas:   make(map[string]*store.Persona),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Admit checks a conversation's budget for another user message and
// returns ErrRateLimited when it is exhausted. Callers must admit
// before appending the message; a rejected message is never logged and
// never spawns a job.
func (o *Orchestrator) Admit(conversationID string) error {
	if !o.Allow(conversationID) {
		return ErrRateLimited
	}
	return nil
}

// Allow reports whether a conversation has budget for another user
// message.
func (o *Orchestrator) Allow(conversationID string) bool {
	o.mu.Lock()
	lim, ok := o.limiters[conversationID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(o.opts.MessagesPerMinute/60.0), o.opts.MessageBurst)
		o.limiters[conversationID] = lim
	}
	o.mu.Unlock()

	return lim.Allow()
}

// Submit queues a generation job for the user message that triggered
// it. Jobs for the same conversation run in submission order.
func (o *Orchestrator) Submit(conversationID, triggerMessageID string) *Job {
	job := &Job{
		ID:               uuid.New().String(),
		ConversationID:   conversationID,
		TriggerMessageID: triggerMessageID,
		state:            JobStatePending,
		done:             make(chan struct{}),
	}

	o.mu.Lock()
	q, ok := o.queues[conversationID]
	if !ok {
		q = &convQueue{}
		o.queues[conversationID] = q
	}
	q.jobs = append(q.jobs, job)
	start := !q.running
	if start {
		q.running = true
		o.wg.Add(1)
	}
	o.mu.Unlock()

	o.logger.Debug("job submitted",
		"job_id", job.ID,
		"conversation_id", conversationID,
		"trigger_message_id", triggerMessageID)

	if start {
		go o.drainQueue(conversationID)
	}
	return job
}

// CancelConversation aborts the in-flight job and discards every queued
// job for a conversation. Called when the conversation is deleted.
func (o *Orchestrator) CancelConversation(conversationID string) {
	o.mu.Lock()
	q, ok := o.queues[conversationID]
	if !ok {
		o.mu.Unlock()
		return
	}
	pending := q.jobs
	q.jobs = nil
	inflight := q.inflight
	o.mu.Unlock()

	for _, job := range pending {
		job.finish(JobStateCancelled, context.Canceled)
	}
	if inflight != nil {
		inflight.mu.Lock()
		cancel := inflight.cancel
		inflight.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}

	o.logger.Info("conversation jobs cancelled",
		"conversation_id", conversationID,
		"discarded", len(pending))
}

// Close cancels all in-flight jobs and waits for queue goroutines to
// drain.
func (o *Orchestrator) Close() {
	o.baseCancel()
	o.wg.Wait()
}

func (o *Orchestrator) drainQueue(conversationID string) {
	defer o.wg.Done()

	for {
		o.mu.Lock()
		q := o.queues[conversationID]
		if len(q.jobs) == 0 {
			q.running = false
			q.inflight = nil
			o.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.inflight = job
		o.mu.Unlock()

		o.runJob(job)

		o.mu.Lock()
		q.inflight = nil
		o.mu.Unlock()
	}
}

func (o *Orchestrator) runJob(job *Job) {
	jobCtx, cancel := context.WithCancel(o.baseCtx)
	defer cancel()

	job.mu.Lock()
	job.state = JobStateInFlight
	job.cancel = cancel
	job.mu.Unlock()

	logger := o.logger.With("job_id", job.ID, "conversation_id", job.ConversationID)

	persona, err := o.personaFor(jobCtx, job.ConversationID)
	if err != nil {
		logger.Error("resolving persona failed", "error", err)
		o.failJob(job, fmt.Errorf("resolving persona: %w", err))
		return
	}

	var lastErr error
	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		job.mu.Lock()
		job.attempts = attempt
		job.mu.Unlock()

		result, latency, err := o.attempt(jobCtx, job, persona)
		if err == nil {
			meta := &store.GenerationMeta{
				TokensUsed: result.TokensUsed,
				ModelID:    result.ModelID,
				Latency:    latency,
				Attempts:   attempt,
			}
			if _, err := o.log.Append(jobCtx, job.ConversationID, store.RoleAssistant, result.Content, meta); err != nil {
				logger.Error("appending assistant message failed", "error", err)
				o.failJob(job, fmt.Errorf("appending response: %w", err))
				return
			}
			logger.Info("job succeeded",
				"attempts", attempt,
				"tokens_used", result.TokensUsed,
				"latency", latency)
			job.finish(JobStateSucceeded, nil)
			return
		}

		if jobCtx.Err() != nil {
			logger.Info("job cancelled", "attempt", attempt)
			job.finish(JobStateCancelled, context.Canceled)
			return
		}

		lastErr = err
		if !IsRetryable(err) {
			logger.Warn("permanent generation failure", "attempt", attempt, "error", err)
			break
		}
		if attempt == o.opts.MaxAttempts {
			logger.Warn("retry budget exhausted", "attempts", attempt, "error", err)
			break
		}

		delay := o.backoff(attempt)
		logger.Debug("retrying after backoff", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-jobCtx.Done():
			job.finish(JobStateCancelled, context.Canceled)
			return
		}
	}

	o.failJob(job, lastErr)
}

// attempt makes one generation call under the per-attempt timeout.
func (o *Orchestrator) attempt(ctx context.Context, job *Job, persona *store.Persona) (*Result, time.Duration, error) {
	turns, err := BuildPrompt(ctx, o.log, persona, job.ConversationID, o.opts.HistoryWindow)
	if err != nil {
		// Only a vanished conversation is beyond retry; a failed history
		// read may succeed on the next attempt.
		if errors.Is(err, store.ErrNotFound) {
			return nil, 0, &PermanentError{Err: err}
		}
		return nil, 0, &RetryableError{Err: err}
	}

	attemptCtx := ctx
	if o.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, o.opts.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := o.generator.Generate(attemptCtx, turns, ModelParams{Model: o.opts.Model})
	if err != nil {
		return nil, 0, err
	}
	return result, time.Since(start), nil
}

// failJob records the terminal failure and surfaces exactly one system
// message in the conversation.
func (o *Orchestrator) failJob(job *Job, cause error) {
	// The job context may already be cancelled; the notice still
	// belongs in the log unless the whole conversation is gone.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := o.log.Append(ctx, job.ConversationID, store.RoleSystem, failureNotice, nil); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.logger.Error("appending failure notice failed",
				"conversation_id", job.ConversationID,
				"error", err)
		}
	}
	job.finish(JobStateFailed, cause)
}

// backoff returns the delay before the next attempt: exponential from
// the base, capped, with jitter so concurrent conversations don't
// retry in lockstep.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	delay := o.opts.BackoffBase << (attempt - 1)
	if delay > o.opts.BackoffCap {
		delay = o.opts.BackoffCap
	}
	if delay <= 0 {
		return 0
	}
	return delay/2 + rand.N(delay/2+1)
}

// personaFor resolves a conversation's persona through a read-through
// cache. Personas are immutable once created, so entries never expire.
func (o *Orchestrator) personaFor(ctx context.Context, conversationID string) (*store.Persona, error) {
	conv, err := o.meta.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	persona, ok := o.personas[conv.PersonaID]
	o.mu.Unlock()
	if ok {
		return persona, nil
	}

	persona, err = o.meta.GetPersona(ctx, conv.PersonaID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.personas[conv.PersonaID] = persona
	o.mu.Unlock()
	return persona, nil
}
