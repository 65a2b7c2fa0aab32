// Package ai defines the provider-neutral scoring vocabulary shared by the
// dispatcher and the concrete provider adapters.
package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Provider identifies one external inference service.
type Provider string

const (
	// ProviderAuto requests the primary pool with failover to the fallback chain.
	ProviderAuto       Provider = "auto"
	ProviderGemini     Provider = "gemini"
	ProviderOpenAI     Provider = "openai"
	ProviderOpenRouter Provider = "openrouter"
)

// Providers lists every concrete provider in declaration order.
var Providers = []Provider{ProviderGemini, ProviderOpenAI, ProviderOpenRouter}

// ParseProvider normalizes a provider name. An empty name means ProviderAuto.
func ParseProvider(name string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(name)))
	switch p {
	case "", ProviderAuto:
		return ProviderAuto, nil
	case ProviderGemini, ProviderOpenAI, ProviderOpenRouter:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported ai provider: %q", name)
	}
}

func (p Provider) String() string { return string(p) }

// ScoreJob is one candidate/job pair awaiting a score.
type ScoreJob struct {
	ID          string    `json:"id" yaml:"id"`
	Title       string    `json:"title" yaml:"title"`
	Company     string    `json:"company,omitempty" yaml:"company,omitempty"`
	Description string    `json:"description" yaml:"description"`
	Resume      string    `json:"-" yaml:"-"`
	PostedAt    time.Time `json:"postedAt,omitempty" yaml:"posted_at,omitempty"`
}

// ScoreResult is the outcome of scoring one job. It is built once by the
// dispatcher and never mutated afterwards.
type ScoreResult struct {
	JobID         string    `json:"jobId"`
	Score         float64   `json:"score"`
	Justification string    `json:"justification"`
	MatchedSkills []string  `json:"matchedSkills"`
	MissingSkills []string  `json:"missingSkills"`
	Provider      Provider  `json:"provider"`
	Model         string    `json:"model,omitempty"`
	Credential    *int      `json:"credentialIndex,omitempty"`
	TokensUsed    int       `json:"tokensUsed"`
	ElapsedMS     int64     `json:"elapsedMs"`
	FailoverFrom  Provider  `json:"failoverFrom,omitempty"`
	ScoredAt      time.Time `json:"scoredAt"`
}

// Elapsed reports the wall time spent producing the result.
func (r *ScoreResult) Elapsed() time.Duration {
	return time.Duration(r.ElapsedMS) * time.Millisecond
}

// Credential is one API key of a provider. Index is stable for the process
// lifetime and is the only part that may be logged.
type Credential struct {
	Index  int
	Secret string
}

// String never reveals the secret.
func (c Credential) String() string {
	return fmt.Sprintf("credential#%d", c.Index)
}

// IdentityProfile is a fixed set of outbound header values attached to every
// request made with one credential.
type IdentityProfile struct {
	Name    string            `mapstructure:"name"`
	Headers map[string]string `mapstructure:"headers"`
}

// Header returns the profile as an http.Header. It is nil for an empty profile.
func (p IdentityProfile) Header() http.Header {
	if len(p.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(p.Headers))
	for key, value := range p.Headers {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		h.Set(key, strings.TrimSpace(value))
	}
	return h
}

// Call is a single scoring request handed to a Client.
type Call struct {
	Job ScoreJob
	// Credential is set for pooled providers and nil for providers that own
	// their single key.
	Credential *Credential
	Identity   IdentityProfile
}

// Response is a successful provider answer.
type Response struct {
	Assessment
	Model      string
	TokensUsed int
}

// Client performs exactly one scoring request/response cycle against one
// provider. Rate-limit rejections wrap ErrRateLimited; every other failure is fatal.
type Client interface {
	Provider() Provider
	Model() string
	Score(ctx context.Context, call Call) (*Response, error)
}
