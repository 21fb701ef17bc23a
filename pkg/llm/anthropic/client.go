// Package anthropic implements the llm.Client boundary on the Anthropic
// Messages API. Vision requests carry exam pages as base64 image blocks.
package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/gradeos/gradeos/pkg/llm"
	"github.com/gradeos/gradeos/pkg/models"
)

// Defaults for the grading workload.
const (
	DefaultModel     = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens = 4096
)

// Config configures the client. APIKey falls back to ANTHROPIC_API_KEY.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// Client calls the Anthropic Messages API. Safe for concurrent use; the
// underlying SDK client pools HTTP connections.
type Client struct {
	sdk       sdk.Client
	model     string
	maxTokens int
}

// NewClient creates a client. SDK-internal retries are disabled — the
// engine's retry layer owns backoff policy and rate-limit cool-downs.
func NewClient(cfg Config) *Client {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Client{
		sdk:       sdk.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(req.Images)+1)
	for _, img := range req.Images {
		mediaType := img.MIME
		if mediaType == "" {
			mediaType = "image/jpeg"
		}
		blocks = append(blocks, sdk.NewImageBlockBase64(
			mediaType, base64.StdEncoding.EncodeToString(img.Data)))
	}
	if req.Prompt != "" {
		blocks = append(blocks, sdk.NewTextBlock(req.Prompt))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(blocks...)},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	var text string
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(sdk.TextBlock); ok {
			text += tb.Text
		}
	}
	if text == "" {
		return nil, llm.NewError(models.ErrKindLLMInvalidResponse,
			"response contained no text block", nil)
	}

	slog.Debug("anthropic completion",
		"model", c.model,
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens)

	return &llm.Response{
		Text:  text,
		Model: string(msg.Model),
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// Close implements llm.Client. The SDK client holds no resources that
// outlive its HTTP transport.
func (c *Client) Close() error { return nil }

// classify maps SDK errors onto the engine's error kinds.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return llm.NewError(models.ErrKindLLMTransient, "request timed out", err)
	}

	var apierr *sdk.Error
	if !errors.As(err, &apierr) {
		return llm.NewError(models.ErrKindLLMTransient, "network failure", err)
	}

	switch {
	case apierr.StatusCode == http.StatusTooManyRequests:
		e := llm.NewError(models.ErrKindLLMRateLimited,
			fmt.Sprintf("rate limited (status %d)", apierr.StatusCode), err)
		e.RetryAfter = retryAfterHint(apierr.Response)
		return e
	case apierr.StatusCode >= 500:
		return llm.NewError(models.ErrKindLLMTransient,
			fmt.Sprintf("provider error (status %d)", apierr.StatusCode), err)
	case apierr.StatusCode == http.StatusRequestTimeout:
		return llm.NewError(models.ErrKindLLMTransient, "request timeout", err)
	default:
		return llm.NewError(models.ErrKindParseFailure,
			fmt.Sprintf("request rejected (status %d)", apierr.StatusCode), err)
	}
}

// retryAfterHint reads the provider cool-down from the retry-after header.
func retryAfterHint(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	raw := resp.Header.Get("retry-after")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
