// Package openrouter implements the tertiary scoring provider against any
// OpenAI-compatible chat completion endpoint (OpenRouter by default).
package openrouter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/spigell/jobscore/internal/ai"
	"github.com/spigell/jobscore/internal/logger"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "meta-llama/llama-3.3-70b-instruct"

	defaultTimeout = 60 * time.Second
)

// ErrAPIKeyNotSet is returned when the client is built without a key.
var ErrAPIKeyNotSet = errors.New("openrouter api key not set")

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// headerTransport attaches per-request identity headers carried in the context.
type headerTransport struct {
	base http.RoundTripper
}

type headersKey struct{}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	headers, _ := req.Context().Value(headersKey{}).(http.Header)
	if len(headers) == 0 {
		return t.base.RoundTrip(req)
	}

	req = req.Clone(req.Context())
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	return t.base.RoundTrip(req)
}

func New(cfg Config, log *zap.Logger) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = DefaultBaseURL
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{
		Timeout:   timeout,
		Transport: headerTransport{base: http.DefaultTransport},
	}

	return &Client{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		timeout: timeout,
		logger:  logger.WithCommonFields(log, string(ai.ProviderOpenRouter), model),
	}, nil
}

func (c *Client) Provider() ai.Provider { return ai.ProviderOpenRouter }

func (c *Client) Model() string { return c.model }

func (c *Client) Score(ctx context.Context, call ai.Call) (*ai.Response, error) {
	prompt := ai.BuildPrompt(call.Job)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if headers := call.Identity.Header(); headers != nil {
		ctx = context.WithValue(ctx, headersKey{}, headers)
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.2,
	})
	if err != nil {
		if isRateLimitError(err) {
			return nil, fmt.Errorf("openrouter: %w: %v", ai.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openrouter chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openrouter: %w", ai.ErrEmptyResponse)
	}

	raw := resp.Choices[0].Message.Content
	c.logger.Debug("openrouter chat completion response",
		zap.String(logger.FieldJob, call.Job.ID),
		zap.Int("response_length", len(raw)),
	)

	assessment, err := ai.ParseAssessment(raw)
	if err != nil {
		return nil, fmt.Errorf("parse openrouter response: %w", err)
	}

	model := resp.Model
	if model == "" {
		model = c.model
	}

	return &ai.Response{
		Assessment: *assessment,
		Model:      model,
		TokensUsed: ai.UsageOrEstimate(resp.Usage.TotalTokens, prompt, raw),
	}, nil
}

func isRateLimitError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}

	return false
}

var _ ai.Client = (*Client)(nil)
