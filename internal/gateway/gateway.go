// Package gateway is the single checkpoint between the pipeline and the
// completion model. Every AI call flows through it: it enforces the cost
// ceiling, adapts concurrency to rate limits, retries transient failures
// with deterministic jittered backoff, and classifies terminal failures
// into the pipeline error taxonomy.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lprior-repo/manifest/internal/model"
)

// Purpose names what a completion is for. It drives prompt selection at the
// call site and shows up in logs and cost accounting.
type Purpose string

const (
	PurposeParse     Purpose = "parse"
	PurposeAnalyze   Purpose = "analyze"
	PurposeSpec      Purpose = "spec"
	PurposeImplement Purpose = "implement"
	PurposeScore     Purpose = "score"
)

// Request is one completion call.
type Request struct {
	Purpose Purpose
	Prompt  string
	// Seed distinguishes retry schedules between otherwise identical
	// requests (attempt ID, intent ID). Optional.
	Seed string
}

// Response is the raw model output plus what it cost.
type Response struct {
	Text    string
	CostUSD float64
}

// Backend performs a single completion call. Implementations return errors
// built with this package's constructors (or ErrorFromHTTPStatus) so the
// client can classify them.
type Backend interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Options tune the client. Zero values fall back to safe defaults.
type Options struct {
	CostCeilingUSD float64
	CallTimeout    time.Duration
	Concurrency    int
	RetryBudget    int
	Cooldown       time.Duration
	Backoff        BackoffConfig
}

// Client wraps a Backend with budget, concurrency and retry policy.
type Client struct {
	backend  Backend
	opts     Options
	ledger   *CostLedger
	governor *Governor
	logger   *zap.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(backend Backend, opts Options, logger *zap.Logger) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 2 * time.Minute
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.RetryBudget < 0 {
		opts.RetryBudget = 0
	}
	if opts.Backoff == (BackoffConfig{}) {
		opts.Backoff = defaultBackoffConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		backend:  backend,
		opts:     opts,
		ledger:   NewCostLedger(opts.CostCeilingUSD),
		governor: NewGovernor(opts.Concurrency, opts.Cooldown),
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Complete runs one completion with the full policy stack: cost reservation,
// concurrency gate, per-call timeout, retry with backoff. Terminal errors
// come back as *model.PipelineError.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	res, err := c.ledger.Reserve()
	if err != nil {
		c.logger.Warn("completion refused", zap.String("purpose", string(req.Purpose)), zap.Error(err))
		return Response{}, err
	}
	settled := 0.0
	defer func() { res.Settle(settled) }()

	if err := c.governor.Acquire(ctx); err != nil {
		return Response{}, &model.PipelineError{Kind: model.ErrAITransient,
			Message: "canceled while waiting for a call slot", Err: err}
	}
	defer c.governor.Release()

	var lastErr error
	for attempt := 0; attempt <= c.opts.RetryBudget; attempt++ {
		if attempt > 0 {
			seed := fmt.Sprintf("%s:%s:%d", req.Purpose, req.Seed, attempt)
			delay := DelayForAttempt(attempt, c.opts.Backoff, seed)
			if ra := retryAfterOf(lastErr); ra != nil && *ra > delay {
				delay = *ra
			}
			c.logger.Debug("retrying completion",
				zap.String("purpose", string(req.Purpose)),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			if err := c.sleep(ctx, delay); err != nil {
				return Response{}, &model.PipelineError{Kind: model.ErrAITransient,
					Message: "canceled during retry backoff", Err: err}
			}
		}

		resp, err := c.callOnce(ctx, req)
		if err == nil {
			settled = resp.CostUSD
			return resp, nil
		}
		lastErr = err
		if IsRateLimit(err) {
			c.governor.OnRateLimit()
			c.logger.Warn("rate limited, reducing concurrency",
				zap.String("purpose", string(req.Purpose)),
				zap.Int("limit", c.governor.Limit()))
		}
		if !isRetryable(err) {
			break
		}
	}
	return Response{}, classifyFinal(req.Purpose, lastErr)
}

func (c *Client) callOnce(ctx context.Context, req Request) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	resp, err := c.backend.Complete(callCtx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// Per-call timeout, not caller cancellation: worth retrying.
		return Response{}, NewTransientError("completion timed out")
	}
	return resp, err
}

// TotalCostUSD reports cumulative settled spend.
func (c *Client) TotalCostUSD() float64 { return c.ledger.TotalUSD() }

func classifyFinal(purpose Purpose, err error) error {
	var pe *model.PipelineError
	if errors.As(err, &pe) {
		return err
	}
	if isRetryable(err) {
		return &model.PipelineError{Kind: model.ErrAITransient,
			Message: fmt.Sprintf("%s call failed after retries", purpose), Err: err}
	}
	return &model.PipelineError{Kind: model.ErrAIUnavailable,
		Message: fmt.Sprintf("%s call failed", purpose), Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
