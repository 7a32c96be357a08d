package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"golang.org/x/sync/semaphore"

	"github.com/bull/litmine/internal/ranking"
	"github.com/bull/litmine/internal/schema"
)

var (
	// ErrCredential means the model credential was rejected; every call in
	// the process short-circuits once this is established.
	ErrCredential = errors.New("extraction credential invalid")
	// ErrMalformedOutput means the model returned text that is not a valid
	// instance of the output schema. Never retried.
	ErrMalformedOutput = errors.New("extraction output malformed")
	// ErrUnavailable means transport-level retries were exhausted.
	ErrUnavailable = errors.New("extraction service unavailable")
)

const (
	maxAttempts   = 5
	retryInterval = 300 * time.Millisecond
	retryJitter   = 2.0 / 3.0

	defaultMaxConcurrent = 5
)

// Result is one successful extraction: a schema-valid output payload and the
// dollar cost of the call that produced it.
type Result struct {
	Outputs map[string]any
	Cost    float64
}

// Extractor turns ranked sections plus a research question into structured
// outputs. Concurrent calls are bounded by a semaphore; the credential is
// validated once per process.
type Extractor struct {
	invoker  Invoker
	registry *schema.Registry
	prompt   *PromptBuilder
	pricing  Pricing
	model    string
	sem      *semaphore.Weighted
	logger   *slog.Logger

	validateOnce  sync.Once
	credentialErr error
}

func New(invoker Invoker, registry *schema.Registry, prompt *PromptBuilder, pricing Pricing, model string, maxConcurrent int64, logger *slog.Logger) *Extractor {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		invoker:  invoker,
		registry: registry,
		prompt:   prompt,
		pricing:  pricing,
		model:    model,
		sem:      semaphore.NewWeighted(maxConcurrent),
		logger:   logger,
	}
}

// Extract runs one model call for the document. Transport failures are
// retried with jittered waits up to the attempt cap; a response that parses
// but does not satisfy the output schema fails immediately without retry.
func (e *Extractor) Extract(ctx context.Context, docID, question string, sections []ranking.Section) (*Result, error) {
	e.validateOnce.Do(func() {
		if err := e.invoker.Validate(ctx); err != nil && errors.Is(err, ErrCredential) {
			e.credentialErr = err
		}
	})
	if e.credentialErr != nil {
		return nil, e.credentialErr
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	promptText := e.prompt.Build(question, sections)

	var content string
	var usage Usage
	err := withRetry(ctx, func() error {
		var err error
		content, usage, err = e.invoker.Complete(ctx, promptText)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, docID, err)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		e.logger.Warn("model output is not json", "id", docID, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedOutput, docID, err)
	}
	if err := e.registry.Validate(payload); err != nil {
		e.logger.Warn("model output fails schema", "id", docID, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedOutput, docID, err)
	}

	cost := e.pricing.Cost(e.model, usage)
	e.logger.Debug("extracted", "id", docID,
		"input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens, "cost", cost)
	return &Result{Outputs: payload, Cost: cost}, nil
}

// transient classifies a completion error as retryable. Rate-limit and
// server-side API statuses are transient, as are timeouts and connection
// failures underneath the HTTP client.
func transient(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

func withRetry(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInterval
	policy.RandomizationFactor = retryJitter
	policy.Multiplier = 1
	policy.MaxElapsedTime = 0

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(policy, maxAttempts-1), ctx))
}
