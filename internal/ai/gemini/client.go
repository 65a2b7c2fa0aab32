// Package gemini implements the primary, multi-credential scoring provider on
// top of the Google GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/spigell/jobscore/internal/ai"
	"github.com/spigell/jobscore/internal/logger"
	"github.com/spigell/jobscore/internal/utils"
)

const (
	defaultModel   = "gemini-2.5-flash"
	defaultTimeout = 60 * time.Second

	statusResourceExhausted = "RESOURCE_EXHAUSTED"
)

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// generatorFactory builds the SDK handle for one credential. The identity
// profile headers are fixed per handle, so a credential always presents the same profile.
type generatorFactory func(ctx context.Context, cred ai.Credential, identity ai.IdentityProfile, timeout time.Duration) (generator, error)

// Config configures the Gemini client.
type Config struct {
	Model        string
	Timeout      time.Duration
	MaxLogLength int
}

// Client scores jobs with Gemini using whichever pooled credential the caller hands in.
type Client struct {
	model     string
	timeout   time.Duration
	maxLogLen int
	logger    *zap.Logger
	factory   generatorFactory

	mu         sync.Mutex
	generators map[int]generator
}

// New creates a Gemini client. Credentials are supplied per call.
func New(cfg Config, log *zap.Logger) *Client {
	return newClient(cfg, log, newSDKGenerator)
}

func newClient(cfg Config, log *zap.Logger, factory generatorFactory) *Client {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		model:      model,
		timeout:    timeout,
		maxLogLen:  cfg.MaxLogLength,
		logger:     logger.WithCommonFields(log, string(ai.ProviderGemini), model),
		factory:    factory,
		generators: make(map[int]generator),
	}
}

func newSDKGenerator(ctx context.Context, cred ai.Credential, identity ai.IdentityProfile, timeout time.Duration) (generator, error) {
	cfg := &genai.ClientConfig{
		APIKey:     cred.Secret,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
		HTTPOptions: genai.HTTPOptions{
			Headers: identity.Header(),
		},
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client for %s: %w", cred, err)
	}

	return client.Models, nil
}

func (c *Client) Provider() ai.Provider { return ai.ProviderGemini }

func (c *Client) Model() string { return c.model }

// Score performs one GenerateContent call with the credential in call.
func (c *Client) Score(ctx context.Context, call ai.Call) (*ai.Response, error) {
	if call.Credential == nil || strings.TrimSpace(call.Credential.Secret) == "" {
		return nil, ai.ErrMissingCredential
	}

	gen, err := c.generatorFor(ctx, *call.Credential, call.Identity)
	if err != nil {
		return nil, err
	}

	prompt := ai.BuildPrompt(call.Job)
	log := c.logger.With(zap.String(logger.FieldJob, call.Job.ID), zap.Int(logger.FieldCredential, call.Credential.Index))

	log.Debug("gemini generate content request",
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", utils.Preview(prompt, c.maxLogLen)),
	)

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := gen.GenerateContent(callCtx, c.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.2),
	})
	if err != nil {
		return nil, classifyError(err)
	}

	raw, err := responseText(resp)
	if err != nil {
		return nil, err
	}

	log.Debug("gemini generate content response",
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", utils.Preview(raw, c.maxLogLen)),
	)

	assessment, err := ai.ParseAssessment(raw)
	if err != nil {
		return nil, fmt.Errorf("parse gemini response: %w", err)
	}

	reported := 0
	if resp.UsageMetadata != nil {
		reported = int(resp.UsageMetadata.TotalTokenCount)
	}

	return &ai.Response{
		Assessment: *assessment,
		Model:      c.model,
		TokensUsed: ai.UsageOrEstimate(reported, prompt, raw),
	}, nil
}

func (c *Client) generatorFor(ctx context.Context, cred ai.Credential, identity ai.IdentityProfile) (generator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen, ok := c.generators[cred.Index]; ok {
		return gen, nil
	}

	gen, err := c.factory(ctx, cred, identity, c.timeout)
	if err != nil {
		return nil, err
	}
	c.generators[cred.Index] = gen

	return gen, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("gemini: %w", ai.ErrEmptyResponse)
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	output := strings.TrimSpace(builder.String())
	if output == "" {
		return "", fmt.Errorf("gemini: %w", ai.ErrEmptyResponse)
	}

	return output, nil
}

func classifyError(err error) error {
	if isRateLimited(err) {
		return fmt.Errorf("gemini: %w: %v", ai.ErrRateLimited, err)
	}
	return fmt.Errorf("gemini generate content: %w", err)
}

func isRateLimited(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Status == statusResourceExhausted
	}

	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code == http.StatusTooManyRequests || apiErrPtr.Status == statusResourceExhausted
	}

	return false
}
