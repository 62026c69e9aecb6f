// Package anthropic is a narrow view of the Claude Messages API: one system
// prompt and one user turn in, text and token usage out.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client completes a single prompt.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// Request is one single-turn completion.
type Request struct {
	Model     string
	MaxTokens int64
	System    string
	// CacheTTL puts an ephemeral cache breakpoint on the system prompt
	// ("5m" or "1h"). Empty means no breakpoint.
	CacheTTL    string
	Prompt      string
	Temperature *float64
}

// Completion is the model's reply.
type Completion struct {
	ID         string
	Model      string
	Text       string
	StopReason string
	Usage      Usage
}

// Truncated reports whether the reply stopped at MaxTokens.
func (c *Completion) Truncated() bool {
	return c != nil && c.StopReason == "max_tokens"
}

// Usage counts the tokens billed for one call.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
}

// Option configures NewClient.
type Option func(*apiClient)

// WithRateLimit caps calls at rps with the given burst. rps <= 0 leaves
// calls unlimited.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *apiClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
		}
	}
}

// WithBaseURL sends requests to another host.
func WithBaseURL(url string) Option {
	return func(c *apiClient) {
		c.opts = append(c.opts, option.WithBaseURL(url))
	}
}

type apiClient struct {
	api     sdk.Client
	opts    []option.RequestOption
	limiter *rate.Limiter
}

// NewClient returns a Client backed by anthropic-sdk-go. SDK retries are
// off; callers apply their own policy.
func NewClient(apiKey string, opts ...Option) Client {
	c := &apiClient{opts: []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}}
	for _, o := range opts {
		o(c)
	}
	c.api = sdk.NewClient(c.opts...)
	return c
}

func (c *apiClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "anthropic: wait for rate limiter")
		}
	}
	msg, err := c.api.Messages.New(ctx, newParams(req))
	if err != nil {
		return nil, eris.Wrapf(err, "anthropic: complete with %s", req.Model)
	}
	return toCompletion(msg), nil
}

func newParams(req Request) sdk.MessageNewParams {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		block := sdk.TextBlockParam{Text: req.System}
		if req.CacheTTL != "" {
			block.CacheControl = sdk.NewCacheControlEphemeralParam()
			block.CacheControl.TTL = sdk.CacheControlEphemeralTTL(req.CacheTTL)
		}
		params.System = []sdk.TextBlockParam{block}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	return params
}

func toCompletion(msg *sdk.Message) *Completion {
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Completion{
		ID:         msg.ID,
		Model:      string(msg.Model),
		Text:       text.String(),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:      msg.Usage.InputTokens,
			OutputTokens:     msg.Usage.OutputTokens,
			CacheWriteTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadTokens:  msg.Usage.CacheReadInputTokens,
		},
	}
}

// StatusCode returns the HTTP status of an API error in err's chain, or 0.
func StatusCode(err error) int {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
