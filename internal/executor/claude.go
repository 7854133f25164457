package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ShayCichocki/taskweave/internal/orchestrator"
	"github.com/ShayCichocki/taskweave/internal/retry"
)

const defaultSystemPrompt = "You are one step in an automated workflow. " +
	"Complete the task described by the user using the dependency results it includes. " +
	"Reply with the result only."

// messageCreator is the part of the SDK the executor calls.
type messageCreator interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Claude sends each task's prompt to a Claude model and returns the text
// of the reply.
type Claude struct {
	messages  messageCreator
	model     anthropic.Model
	maxTokens int64
	system    string
	tracker   *TokenTracker
}

// ClaudeOption configures a Claude executor.
type ClaudeOption func(*Claude)

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) ClaudeOption {
	return func(c *Claude) {
		if n > 0 {
			c.maxTokens = int64(n)
		}
	}
}

// WithSystemPrompt replaces the default system prompt.
func WithSystemPrompt(s string) ClaudeOption {
	return func(c *Claude) { c.system = s }
}

// NewClaude creates a Claude executor over the API or Bedrock.
func NewClaude(ctx context.Context, cfg ClientConfig, opts ...ClaudeOption) (*Claude, error) {
	client, model, err := newSDKClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newClaude(&client.Messages, model, opts...), nil
}

func newClaude(m messageCreator, model anthropic.Model, opts ...ClaudeOption) *Claude {
	c := &Claude{
		messages:  m,
		model:     model,
		maxTokens: 4096,
		system:    defaultSystemPrompt,
		tracker:   &TokenTracker{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the resolved model name.
func (c *Claude) Model() anthropic.Model { return c.model }

// Tracker returns the token usage of every call so far.
func (c *Claude) Tracker() *TokenTracker { return c.tracker }

// Execute implements orchestrator.Executor.
func (c *Claude) Execute(ctx context.Context, in orchestrator.TaskInput) (orchestrator.TaskResult, error) {
	resp, err := c.messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: c.system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(in.Prompt)),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return orchestrator.TaskResult{}, ctx.Err()
		}
		return orchestrator.TaskResult{}, classifyAPIError(err)
	}
	c.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return orchestrator.TaskResult{}, fmt.Errorf("empty reply (stop reason %s)", resp.StopReason)
	}
	return orchestrator.TaskResult{Output: text.String()}, nil
}

// classifyAPIError marks client errors that a retry cannot fix as permanent.
func classifyAPIError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("claude request: %w", err)
	}
	switch code := apiErr.StatusCode; {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code == http.StatusConflict:
		return fmt.Errorf("claude request: %w", err)
	case code >= 400 && code < 500:
		return retry.Permanent(fmt.Errorf("claude request rejected (%d): %w", code, err))
	default:
		return fmt.Errorf("claude request: %w", err)
	}
}

var _ orchestrator.Executor = (*Claude)(nil)
