// ABOUTME: External generation service client over HTTP
// ABOUTME: Classifies transport and status failures into retryable/permanent

package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Turn is one role-tagged entry of a prompt window.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelParams selects the model for a generation call.
type ModelParams struct {
	Model string
}

// Result is a successful generation response.
type Result struct {
	Content    string
	TokensUsed int64
	ModelID    string
}

// Generator is the external generation service contract. Implementations
// must honor ctx cancellation: the orchestrator aborts in-flight calls
// when a conversation is deleted.
type Generator interface {
	Generate(ctx context.Context, turns []Turn, params ModelParams) (*Result, error)
}

// HTTPGenerator calls a chat-completion style HTTP endpoint.
type HTTPGenerator struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPGenerator creates a client for the generation service. The
// http.Client timeout is left to the caller's per-attempt context.
func NewHTTPGenerator(endpoint, apiKey string, logger *slog.Logger) *HTTPGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPGenerator{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{},
		logger:   logger.With("component", "generator"),
	}
}

type generateRequest struct {
	Model    string `json:"model"`
	Messages []Turn `json:"messages"`
}

type generateResponse struct {
	Content    string `json:"content"`
	TokensUsed int64  `json:"tokens_used"`
	Model      string `json:"model"`
}

// Generate posts the prompt window to the service and maps the outcome
// onto the retryable/permanent taxonomy: transport errors and timeouts
// are retryable, 429 and 5xx are retryable, any other non-2xx is
// permanent, and an undecodable body is permanent.
func (g *HTTPGenerator) Generate(ctx context.Context, turns []Turn, params ModelParams) (*Result, error) {
	body, err := json.Marshal(generateRequest{
		Model:    params.Model,
		Messages: turns,
	})
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("encoding request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &RetryableError{Err: fmt.Errorf("calling generation service: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, &RetryableError{Err: fmt.Errorf("generation service returned %d", resp.StatusCode)}
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, &PermanentError{Err: fmt.Errorf("generation service returned %d", resp.StatusCode)}
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("decoding response: %w", err)}
	}

	g.logger.Debug("generation call succeeded",
		"model", decoded.Model,
		"tokens_used", decoded.TokensUsed,
		"latency", time.Since(start))

	return &Result{
		Content:    decoded.Content,
		TokensUsed: decoded.TokensUsed,
		ModelID:    decoded.Model,
	}, nil
}

var _ Generator = (*HTTPGenerator)(nil)
