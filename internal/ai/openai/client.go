// Package openai implements the secondary scoring provider with the official
// OpenAI Go SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"go.uber.org/zap"

	"github.com/spigell/jobscore/internal/ai"
	"github.com/spigell/jobscore/internal/logger"
	"github.com/spigell/jobscore/internal/utils"
)

const (
	// DefaultModel is used when the configuration leaves the model empty.
	DefaultModel = "gpt-4o-mini"

	defaultTimeout = 60 * time.Second
)

// ErrAPIKeyNotSet is returned when the client is built without a key.
var ErrAPIKeyNotSet = errors.New("openai api key not set")

// Config configures the OpenAI client.
type Config struct {
	APIKey       string
	Model        string
	BaseURL      string
	Timeout      time.Duration
	MaxLogLength int
}

// Client owns a single key and performs one chat completion per Score call.
type Client struct {
	client    openai.Client
	model     string
	timeout   time.Duration
	maxLogLen int
	logger    *zap.Logger
}

// New creates an OpenAI client. SDK-level retries are disabled because the
// dispatcher decides what happens after a rejection.
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

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(timeout),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &Client{
		client:    openai.NewClient(opts...),
		model:     model,
		timeout:   timeout,
		maxLogLen: cfg.MaxLogLength,
		logger:    logger.WithCommonFields(log, string(ai.ProviderOpenAI), model),
	}, nil
}

func (c *Client) Provider() ai.Provider { return ai.ProviderOpenAI }

func (c *Client) Model() string { return c.model }

// Score sends the scoring prompt as a JSON-mode chat completion.
func (c *Client) Score(ctx context.Context, call ai.Call) (*ai.Response, error) {
	prompt := ai.BuildPrompt(call.Job)
	log := c.logger.With(zap.String(logger.FieldJob, call.Job.ID))

	log.Debug("openai chat completion request",
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", utils.Preview(prompt, c.maxLogLen)),
	)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(0.2),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
		},
	}

	var opts []option.RequestOption
	for key, values := range call.Identity.Header() {
		for _, value := range values {
			opts = append(opts, option.WithHeaderAdd(key, value))
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		if isRateLimitError(err) {
			return nil, fmt.Errorf("openai: %w: %v", ai.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}

	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai: %w", ai.ErrEmptyResponse)
	}

	raw := completion.Choices[0].Message.Content

	log.Debug("openai chat completion response",
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", utils.Preview(raw, c.maxLogLen)),
	)

	assessment, err := ai.ParseAssessment(raw)
	if err != nil {
		return nil, fmt.Errorf("parse openai response: %w", err)
	}

	model := string(completion.Model)
	if model == "" {
		model = c.model
	}

	return &ai.Response{
		Assessment: *assessment,
		Model:      model,
		TokensUsed: ai.UsageOrEstimate(int(completion.Usage.TotalTokens), prompt, raw),
	}, nil
}

func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

var _ ai.Client = (*Client)(nil)
