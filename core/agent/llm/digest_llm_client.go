// Package llm is the language-model adapter: structured-output calls with
// schema validation, bounded retry, deadlines, breaker protection, and cost
// accounting. Message text reaches this package only after pkg/hygiene.
package llm

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"digest_server/core/domain"
	"digest_server/core/port/out"
	"digest_server/pkg/apperr"
	"digest_server/pkg/logger"
	"digest_server/pkg/metrics"
	"digest_server/pkg/resilience"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
)

// Config holds adapter configuration.
type Config struct {
	APIKey        string
	Model         string
	MaxTokens     int
	Temperature   float64
	CallTimeout   time.Duration
	MaxRetries    int
	PromptVersion string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:        apiKey,
		Model:         "gpt-4o-mini",
		MaxTokens:     1024,
		Temperature:   0.1,
		CallTimeout:   30 * time.Second,
		MaxRetries:    3,
		PromptVersion: "v1",
	}
}

// CostSink receives one cost event per completed provider call.
type CostSink interface {
	Record(ctx context.Context, ev *domain.CostEvent)
	// OverDailyCap reports whether the rolling daily spend breached the cap.
	OverDailyCap(ctx context.Context) bool
}

// Client implements out.LLMClient against the OpenAI chat API. Two breakers
// guard it: gobreaker trips on provider failure rate, and the cost breaker
// (pkg/resilience) is tripped manually when the daily cap is breached.
type Client struct {
	api         *openai.Client
	cfg         Config
	breaker     *gobreaker.CircuitBreaker
	costBreaker *resilience.CircuitBreaker
	costs       CostSink
	counters    *metrics.Counters
	log         *logger.Logger
}

var _ out.LLMClient = (*Client)(nil)

// New creates the adapter. costs and counters may be nil in tests.
func New(cfg Config, costBreaker *resilience.CircuitBreaker, costs CostSink, counters *metrics.Counters) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if counters == nil {
		counters = metrics.NewCounters()
	}
	if costBreaker == nil {
		costBreaker = resilience.New(resilience.DefaultConfig("llm-cost"))
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		api:         openai.NewClient(cfg.APIKey),
		cfg:         cfg,
		breaker:     cb,
		costBreaker: costBreaker,
		costs:       costs,
		counters:    counters,
		log:         logger.Default().WithField("component", "llm"),
	}
}

// Healthy reports whether calls would currently be admitted.
func (c *Client) Healthy() bool {
	if c.cfg.APIKey == "" {
		return false
	}
	if c.breaker.State() == gobreaker.StateOpen {
		return false
	}
	return c.costBreaker.Allow() == nil
}

// complete performs one structured-output chat call with retries. The caller
// parses and validates the returned JSON; a validation failure is fed back in
// as retryable exactly once via the repair path.
func (c *Client) complete(ctx context.Context, userID, caller, systemPrompt, userPrompt string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", apperr.LLMRefused(errors.New("no credentials"))
	}
	if err := c.costBreaker.Allow(); err != nil {
		return "", apperr.CircuitOpen(c.costBreaker.Reason())
	}
	if c.costs != nil && c.costs.OverDailyCap(ctx) {
		c.costBreaker.Trip("daily cost cap breached")
		return "", apperr.CircuitOpen("daily cost cap breached")
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return "", apperr.LLMTimeout(err)
			}
		}

		content, err := c.doCall(ctx, userID, caller, systemPrompt, userPrompt)
		if err == nil {
			return content, nil
		}
		lastErr = err

		if !retryable(err) {
			break
		}
	}

	return "", classifyErr(lastErr)
}

// doCall is one breaker-protected provider round trip with a hard deadline.
func (c *Client) doCall(ctx context.Context, userID, caller, systemPrompt, userPrompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	c.counters.Inc(metrics.CounterLLMCalls)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.api.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model:       c.cfg.Model,
			MaxTokens:   c.cfg.MaxTokens,
			Temperature: float32(c.cfg.Temperature),
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: userPrompt},
			},
		})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", apperr.CircuitOpen("llm failure rate")
		}
		return "", err
	}

	resp := result.(openai.ChatCompletionResponse)
	if len(resp.Choices) == 0 {
		return "", apperr.LLMSchemaInvalid(errors.New("empty choices"))
	}

	if c.costs != nil {
		c.costs.Record(ctx, &domain.CostEvent{
			UserID:        userID,
			Caller:        caller,
			ModelVersion:  c.cfg.Model,
			PromptVersion: c.cfg.PromptVersion,
			InputTokens:   resp.Usage.PromptTokens,
			OutputTokens:  resp.Usage.CompletionTokens,
			CostUSD:       estimateCost(c.cfg.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
			DurationMS:    time.Since(start).Milliseconds(),
		})
	}

	c.log.WithDuration(time.Since(start)).
		WithFields(map[string]any{
			"caller":         caller,
			"model_version":  c.cfg.Model,
			"prompt_version": c.cfg.PromptVersion,
			"input_tokens":   resp.Usage.PromptTokens,
			"output_tokens":  resp.Usage.CompletionTokens,
		}).Debug("llm call complete")

	return stripFences(resp.Choices[0].Message.Content), nil
}

// retryable: transient network/5xx and 429; never other 4xx.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 {
			return true
		}
		return apiErr.HTTPStatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		// Breaker-open and schema errors are not retried at this layer.
		return false
	}
	// Unknown transport errors count as transient.
	return !errors.Is(err, context.Canceled)
}

// classifyErr maps the final failure onto the tagged kinds.
func classifyErr(err error) error {
	if err == nil {
		return apperr.LLMTransient(errors.New("unknown failure"))
	}
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.LLMTimeout(err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return apperr.LLMTransient(err)
		case apiErr.HTTPStatusCode == 400 && strings.Contains(strings.ToLower(apiErr.Message), "content"):
			return apperr.LLMRefused(err)
		case apiErr.HTTPStatusCode >= 500:
			return apperr.LLMTransient(err)
		default:
			return apperr.LLMRefused(err)
		}
	}
	return apperr.LLMTransient(err)
}

// sleepBackoff waits 2^(attempt-1) seconds plus up to 50% jitter, honoring
// cancellation.
func sleepBackoff(ctx context.Context, attempt int) error {
	base := time.Second * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(base + jitter):
		return nil
	}
}

// stripFences removes markdown code fences some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
