package llm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradeos/gradeos/pkg/llm"
	"github.com/gradeos/gradeos/pkg/llm/llmtest"
	"github.com/gradeos/gradeos/pkg/models"
)

func fastPolicy() llm.RetryPolicy {
	return llm.RetryPolicy{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		CallTimeout:  time.Second,
	}
}

func TestCallWithRetryRecoversFromTransient(t *testing.T) {
	client := llmtest.NewScriptedClient()
	client.AddSequential(llmtest.ScriptEntry{
		Err: llm.NewError(models.ErrKindLLMTransient, "connection reset", nil),
	})
	client.AddText(`{"ok": true}`)

	resp, err := llm.CallWithRetry(context.Background(), client, &llm.Request{Prompt: "grade"}, fastPolicy())
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, resp.Text)
	assert.Equal(t, 2, client.CallCount())
}

func TestCallWithRetryStopsOnNonRetryable(t *testing.T) {
	client := llmtest.NewScriptedClient()
	client.AddSequential(llmtest.ScriptEntry{
		Err: llm.NewError(models.ErrKindSchemaViolation, "bad rubric shape", nil),
	})

	_, err := llm.CallWithRetry(context.Background(), client, &llm.Request{Prompt: "grade"}, fastPolicy())
	require.Error(t, err)
	assert.Equal(t, models.ErrKindSchemaViolation, llm.KindOf(err))
	assert.Equal(t, 1, client.CallCount())
}

func TestCallWithRetryExhaustsAndKeepsLastError(t *testing.T) {
	client := llmtest.NewScriptedClient()
	for i := 0; i < 3; i++ {
		client.AddSequential(llmtest.ScriptEntry{
			Err: llm.NewError(models.ErrKindLLMRateLimited, "429", nil),
		})
	}

	_, err := llm.CallWithRetry(context.Background(), client, &llm.Request{Prompt: "grade"}, fastPolicy())
	require.Error(t, err)
	assert.Equal(t, models.ErrKindLLMRateLimited, llm.KindOf(err))
	assert.Equal(t, 3, client.CallCount())
}

func TestCallWithRetryDemotesInvalidResponseToParseFailure(t *testing.T) {
	client := llmtest.NewScriptedClient()
	for i := 0; i < 3; i++ {
		client.AddSequential(llmtest.ScriptEntry{
			Err: llm.NewError(models.ErrKindLLMInvalidResponse, "not JSON", nil),
		})
	}

	_, err := llm.CallWithRetry(context.Background(), client, &llm.Request{Prompt: "grade"}, fastPolicy())
	require.Error(t, err)
	assert.Equal(t, models.ErrKindParseFailure, llm.KindOf(err))

	// The demoted error still unwraps to the original classification.
	var outer *llm.Error
	require.ErrorAs(t, err, &outer)
	var inner *llm.Error
	require.ErrorAs(t, outer.Unwrap(), &inner)
	assert.Equal(t, models.ErrKindLLMInvalidResponse, inner.Kind)
}

func TestCallWithRetryHonorsRateLimitCooldown(t *testing.T) {
	client := llmtest.NewScriptedClient()
	rateLimited := llm.NewError(models.ErrKindLLMRateLimited, "429", nil)
	rateLimited.RetryAfter = 50 * time.Millisecond
	client.AddSequential(llmtest.ScriptEntry{Err: rateLimited})
	client.AddText("ok")

	start := time.Now()
	resp, err := llm.CallWithRetry(context.Background(), client, &llm.Request{Prompt: "grade"}, fastPolicy())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestCallWithRetryCancelledContext(t *testing.T) {
	client := llmtest.NewScriptedClient()
	blocked := make(chan struct{}, 1)
	client.AddSequential(llmtest.ScriptEntry{BlockUntilCancelled: true, OnBlock: blocked})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-blocked
		cancel()
	}()

	_, err := llm.CallWithRetry(ctx, client, &llm.Request{Prompt: "grade"}, fastPolicy())
	require.Error(t, err)
	assert.Equal(t, models.ErrKindCancelled, llm.KindOf(err))
	assert.Equal(t, 1, client.CallCount())
}

func TestCallWithRetrySurvivesSubNanosecondBackoff(t *testing.T) {
	client := llmtest.NewScriptedClient()
	client.AddSequential(llmtest.ScriptEntry{
		Err: llm.NewError(models.ErrKindLLMTransient, "blip", nil),
	})
	client.AddText("ok")

	policy := fastPolicy()
	policy.InitialDelay = 1 // one nanosecond halves to zero

	resp, err := llm.CallWithRetry(context.Background(), client, &llm.Request{Prompt: "grade"}, policy)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
}

func TestKindOfClassifiesBareErrors(t *testing.T) {
	assert.Equal(t, models.ErrKindCancelled, llm.KindOf(context.Canceled))
	assert.Equal(t, models.ErrKindLLMTransient, llm.KindOf(context.DeadlineExceeded))
	assert.Equal(t, models.ErrKindLLMTransient, llm.KindOf(errors.New("dial tcp: refused")))
	assert.Equal(t, models.ErrorKind(""), llm.KindOf(nil))
}
