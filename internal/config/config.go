// Package config holds the typed jobscore configuration, its defaults and
// its one-time validation.
package config

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/spigell/jobscore/internal/ai"
	"github.com/spigell/jobscore/internal/dispatch"
	"github.com/spigell/jobscore/internal/secrets"
)

const (
	AppName   = "jobscore"
	EnvPrefix = "JOBSCORE"
)

type Config struct {
	Resume      string               `mapstructure:"resume"`
	ResumeFile  string               `mapstructure:"resume-file"`
	JobsFile    string               `mapstructure:"jobs-file"`
	ResultsFile string               `mapstructure:"results-file"`
	ExcludeFile string               `mapstructure:"exclude-file"`
	Exclude     ExcludeConfig        `mapstructure:"exclude"`
	Dispatch    DispatchConfig       `mapstructure:"dispatch"`
	Providers   ProvidersConfig      `mapstructure:"providers"`
	Identities  []ai.IdentityProfile `mapstructure:"identities"`
	Server      ServerConfig         `mapstructure:"server"`
}

// ExcludeConfig lists jobs that never reach a provider.
type ExcludeConfig struct {
	Companies []string `mapstructure:"companies"`
}

type DispatchConfig struct {
	Provider       string        `mapstructure:"provider"`
	Sort           string        `mapstructure:"sort"`
	MaxBatch       int           `mapstructure:"max-batch"`
	MinCallSpacing time.Duration `mapstructure:"min-call-spacing"`
	Jitter         time.Duration `mapstructure:"jitter"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
	MaxCeilingWait time.Duration `mapstructure:"max-ceiling-wait"`
	RequestTimeout time.Duration `mapstructure:"request-timeout"`
	FailoverOrder  []string      `mapstructure:"failover-order"`
}

type ProvidersConfig struct {
	Gemini     GeminiConfig   `mapstructure:"gemini"`
	OpenAI     ProviderConfig `mapstructure:"openai"`
	OpenRouter ProviderConfig `mapstructure:"openrouter"`
}

// GeminiConfig configures the pooled primary provider.
type GeminiConfig struct {
	Model           string          `mapstructure:"model"`
	APIKeys         []string        `mapstructure:"api-keys"`
	APIKeysFile     string          `mapstructure:"api-keys-file"`
	MaxLogLength    int             `mapstructure:"max-log-length"`
	// Limits apply to each key, AggregateLimits to all keys together.
	Limits          dispatch.Limits `mapstructure:"limits"`
	AggregateLimits dispatch.Limits `mapstructure:"aggregate-limits"`
}

// ProviderConfig configures a single-key fallback provider. A provider
// without a key is left out of the failover chain.
type ProviderConfig struct {
	Model      string          `mapstructure:"model"`
	APIKey     string          `mapstructure:"api-key"`
	APIKeyFile string          `mapstructure:"api-key-file"`
	BaseURL    string          `mapstructure:"base-url"`
	Limits     dispatch.Limits `mapstructure:"limits"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// SetDefaults registers every documented default. Keys known to viper are
// also resolvable from JOBSCORE_* environment variables.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("resume", "")
	v.SetDefault("resume-file", "")
	v.SetDefault("jobs-file", "jobs.yaml")
	v.SetDefault("results-file", "results.jsonl")
	v.SetDefault("exclude-file", "")
	v.SetDefault("exclude.companies", []string{})

	v.SetDefault("dispatch.provider", string(ai.ProviderAuto))
	v.SetDefault("dispatch.sort", string(dispatch.SortAsGiven))
	v.SetDefault("dispatch.max-batch", 0)
	v.SetDefault("dispatch.min-call-spacing", 4500*time.Millisecond)
	v.SetDefault("dispatch.jitter", 400*time.Millisecond)
	v.SetDefault("dispatch.cooldown", 90*time.Second)
	v.SetDefault("dispatch.max-ceiling-wait", 90*time.Second)
	v.SetDefault("dispatch.request-timeout", 60*time.Second)
	v.SetDefault("dispatch.failover-order", []string{string(ai.ProviderOpenAI), string(ai.ProviderOpenRouter)})

	v.SetDefault("providers.gemini.model", "gemini-2.5-flash")
	v.SetDefault("providers.gemini.api-keys", []string{})
	v.SetDefault("providers.gemini.api-keys-file", "")
	v.SetDefault("providers.gemini.max-log-length", 200)
	v.SetDefault("providers.gemini.limits.per-minute", 15)
	v.SetDefault("providers.gemini.limits.per-hour", 0)
	v.SetDefault("providers.gemini.limits.per-day", 1500)
	v.SetDefault("providers.gemini.aggregate-limits.per-minute", 0)
	v.SetDefault("providers.gemini.aggregate-limits.per-hour", 0)
	v.SetDefault("providers.gemini.aggregate-limits.per-day", 0)

	for _, name := range []string{"openai", "openrouter"} {
		v.SetDefault("providers."+name+".model", "")
		v.SetDefault("providers."+name+".api-key", "")
		v.SetDefault("providers."+name+".api-key-file", "")
		v.SetDefault("providers."+name+".base-url", "")
	}

	v.SetDefault("server.listen", "127.0.0.1:8080")
}

// BindEnv wires the JOBSCORE_ prefix plus the conventional provider key variables.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	bindings := map[string][]string{
		"providers.gemini.api-keys":    {EnvPrefix + "_PROVIDERS_GEMINI_API_KEYS", "GEMINI_API_KEYS"},
		"providers.openai.api-key":     {EnvPrefix + "_PROVIDERS_OPENAI_API_KEY", "OPENAI_API_KEY"},
		"providers.openrouter.api-key": {EnvPrefix + "_PROVIDERS_OPENROUTER_API_KEY", "OPENROUTER_API_KEY"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("binding %s environment variables: %w", key, err)
		}
	}

	return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		trimStringsHook(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// trimStringsHook drops surrounding whitespace from every decoded string.
func trimStringsHook() mapstructure.DecodeHookFuncKind {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from == reflect.String && to == reflect.String {
			return strings.TrimSpace(data.(string)), nil
		}
		return data, nil
	}
}

// Validate checks the configuration once at startup.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ai.ParseProvider(c.Dispatch.Provider); err != nil {
		errs = append(errs, fmt.Errorf("dispatch.provider: %w", err))
	}
	if _, err := dispatch.ParseSortOrder(c.Dispatch.Sort); err != nil {
		errs = append(errs, fmt.Errorf("dispatch.sort: %w", err))
	}
	if c.Dispatch.MaxBatch < 0 {
		errs = append(errs, errors.New("dispatch.max-batch must not be negative"))
	}

	durations := map[string]time.Duration{
		"dispatch.min-call-spacing": c.Dispatch.MinCallSpacing,
		"dispatch.jitter":           c.Dispatch.Jitter,
		"dispatch.cooldown":         c.Dispatch.Cooldown,
		"dispatch.max-ceiling-wait": c.Dispatch.MaxCeilingWait,
		"dispatch.request-timeout":  c.Dispatch.RequestTimeout,
	}
	for _, key := range slices.Sorted(maps.Keys(durations)) {
		if durations[key] < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", key))
		}
	}
	if c.Dispatch.Cooldown == 0 {
		errs = append(errs, errors.New("dispatch.cooldown must be positive"))
	}

	if _, err := c.FailoverOrder(); err != nil {
		errs = append(errs, err)
	}

	for name, limits := range map[string]dispatch.Limits{
		"gemini.limits":           c.Providers.Gemini.Limits,
		"gemini.aggregate-limits": c.Providers.Gemini.AggregateLimits,
		"openai.limits":           c.Providers.OpenAI.Limits,
		"openrouter.limits":       c.Providers.OpenRouter.Limits,
	} {
		if limits.PerMinute < 0 || limits.PerHour < 0 || limits.PerDay < 0 {
			errs = append(errs, fmt.Errorf("providers.%s must not be negative", name))
		}
	}

	errs = append(errs, validateIdentities(c.Identities)...)

	return errors.Join(errs...)
}

// FailoverOrder returns the fallback providers in the order they are tried.
func (c *Config) FailoverOrder() ([]ai.Provider, error) {
	order := make([]ai.Provider, 0, len(c.Dispatch.FailoverOrder))
	for _, name := range c.Dispatch.FailoverOrder {
		p, err := ai.ParseProvider(name)
		if err != nil {
			return nil, fmt.Errorf("dispatch.failover-order: %w", err)
		}
		switch p {
		case ai.ProviderAuto, ai.ProviderGemini:
			return nil, fmt.Errorf("dispatch.failover-order: %s cannot be a fallback", p)
		case ai.ProviderOpenAI, ai.ProviderOpenRouter:
		}
		if slices.Contains(order, p) {
			return nil, fmt.Errorf("dispatch.failover-order: %s listed twice", p)
		}
		order = append(order, p)
	}
	return order, nil
}

// Limits returns the ceilings per provider.
func (c *Config) Limits() map[ai.Provider]dispatch.Limits {
	return map[ai.Provider]dispatch.Limits{
		ai.ProviderGemini:     c.Providers.Gemini.Limits,
		ai.ProviderOpenAI:     c.Providers.OpenAI.Limits,
		ai.ProviderOpenRouter: c.Providers.OpenRouter.Limits,
	}
}

// AggregateLimits returns the ceilings shared by all keys of a provider.
func (c *Config) AggregateLimits() map[ai.Provider]dispatch.Limits {
	return map[ai.Provider]dispatch.Limits{
		ai.ProviderGemini: c.Providers.Gemini.AggregateLimits,
	}
}

// Provider returns the parsed default provider.
func (c *Config) Provider() ai.Provider {
	p, _ := ai.ParseProvider(c.Dispatch.Provider)
	return p
}

// SortOrder returns the parsed default sort order.
func (c *Config) SortOrder() dispatch.SortOrder {
	s, _ := dispatch.ParseSortOrder(c.Dispatch.Sort)
	return s
}

// GeminiKeys resolves the ordered primary credential pool.
func (c *Config) GeminiKeys() ([]string, error) {
	return secrets.LoadList(secrets.ListSource{
		Name:   "gemini api keys",
		Values: c.Providers.Gemini.APIKeys,
		File:   c.Providers.Gemini.APIKeysFile,
	})
}

// FallbackKey resolves the key of a single-key provider. An empty key means
// the provider is not configured.
func (c *Config) FallbackKey(p ai.Provider) (string, error) {
	pc, ok := c.fallback(p)
	if !ok {
		return "", fmt.Errorf("%s is not a fallback provider", p)
	}
	return secrets.LoadOptional(secrets.Source{
		Name:  string(p) + " api key",
		Value: pc.APIKey,
		File:  pc.APIKeyFile,
	})
}

// Fallback returns the settings of a single-key provider.
func (c *Config) Fallback(p ai.Provider) (ProviderConfig, bool) {
	return c.fallback(p)
}

func (c *Config) fallback(p ai.Provider) (ProviderConfig, bool) {
	switch p {
	case ai.ProviderOpenAI:
		return c.Providers.OpenAI, true
	case ai.ProviderOpenRouter:
		return c.Providers.OpenRouter, true
	default:
		return ProviderConfig{}, false
	}
}

// LoadResume returns the resume text, preferring resume-file over the inline value.
func (c *Config) LoadResume() (string, error) {
	return secrets.Load(secrets.Source{Name: "resume", Value: c.Resume, File: c.ResumeFile})
}

func validateIdentities(profiles []ai.IdentityProfile) []error {
	var errs []error

	names := map[string]int{}
	headerSets := map[string]int{}
	for i, p := range profiles {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("identities[%d]: name is required", i))
			continue
		}
		if prev, ok := names[name]; ok {
			errs = append(errs, fmt.Errorf("identities[%d]: name %q already used by identities[%d]", i, name, prev))
		}
		names[name] = i

		key := headerKey(p)
		if prev, ok := headerSets[key]; ok {
			errs = append(errs, fmt.Errorf("identities[%d]: headers identical to identities[%d]", i, prev))
		}
		headerSets[key] = i
	}

	return errs
}

func headerKey(p ai.IdentityProfile) string {
	h := p.Header()
	keys := slices.Sorted(maps.Keys(h))
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.Join(h[k], ","))
		b.WriteByte('\n')
	}
	return b.String()
}
