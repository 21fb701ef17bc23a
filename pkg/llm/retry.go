package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/gradeos/gradeos/pkg/models"
)

// RetryPolicy bounds the retry loop around one LLM call.
type RetryPolicy struct {
	MaxRetries   int           // additional attempts after the first
	InitialDelay time.Duration // first backoff delay
	MaxDelay     time.Duration // backoff cap
	Multiplier   float64       // delay growth factor
	CallTimeout  time.Duration // per-attempt timeout, 0 = inherit ctx
}

// DefaultRetryPolicy matches the grading defaults: 2 retries, 1s/2s/4s
// backoff capped at 15s, 60s per call.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   2,
		InitialDelay: time.Second,
		MaxDelay:     15 * time.Second,
		Multiplier:   2.0,
		CallTimeout:  60 * time.Second,
	}
}

// CallWithRetry issues req against client, retrying transient, rate-limited,
// and invalid-response failures with exponential backoff and jitter.
// Rate-limit errors additionally honor the provider cool-down hint when it
// exceeds the computed backoff. Context cancellation aborts immediately.
//
// When LLM_INVALID_RESPONSE retries are exhausted, the error is demoted to
// PARSE_FAILURE so callers fall through to their fallback path.
func CallWithRetry(ctx context.Context, client Client, req *Request, policy RetryPolicy) (*Response, error) {
	var lastErr error
	delay := policy.InitialDelay

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		resp, err := attemptCall(ctx, client, req, policy.CallTimeout)
		if err == nil {
			if attempt > 0 {
				slog.Debug("LLM retry succeeded", "attempt", attempt+1)
			}
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, NewError(models.ErrKindCancelled, "call cancelled", ctx.Err())
		}

		kind := KindOf(err)
		if !kind.Retryable() || attempt >= policy.MaxRetries {
			break
		}

		wait := jitter(delay)
		if cooldown := RetryAfterOf(err); cooldown > wait {
			wait = cooldown
		}
		slog.Warn("LLM call failed, retrying",
			"attempt", attempt+1,
			"max_retries", policy.MaxRetries,
			"kind", kind,
			"delay", wait,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, NewError(models.ErrKindCancelled, "cancelled during backoff", ctx.Err())
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	// Exhausted invalid-response retries demote to a parse failure.
	var le *Error
	if errors.As(lastErr, &le) && le.Kind == models.ErrKindLLMInvalidResponse {
		return nil, NewError(models.ErrKindParseFailure,
			fmt.Sprintf("invalid response after %d attempts", policy.MaxRetries+1), lastErr)
	}
	return nil, lastErr
}

func attemptCall(ctx context.Context, client Client, req *Request, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		return client.Complete(ctx, req)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client.Complete(callCtx, req)
}

// jitter spreads a delay uniformly over [d/2, d) to avoid thundering herds
// across parallel batch workers.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int64N(int64(half)))
}
