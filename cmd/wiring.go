package cmd

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/jobscore/internal/ai"
	"github.com/spigell/jobscore/internal/ai/gemini"
	"github.com/spigell/jobscore/internal/ai/openai"
	"github.com/spigell/jobscore/internal/ai/openrouter"
	"github.com/spigell/jobscore/internal/config"
	"github.com/spigell/jobscore/internal/dispatch"
	"github.com/spigell/jobscore/internal/filtering"
	"github.com/spigell/jobscore/internal/jobs"
	"github.com/spigell/jobscore/internal/logger"
)

// runtime bundles what every command that scores needs.
type runtime struct {
	config     *config.Config
	logger     *zap.Logger
	resume     string
	store      *filtering.Source
	dispatcher *dispatch.Dispatcher
}

func newLogger() *zap.Logger {
	l, err := logger.New(logger.Options{
		JSON:  viper.GetBool("json"),
		Debug: viper.GetBool("debug"),
		File:  viper.GetString("log-file"),
	})
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	return l
}

func setup() *runtime {
	l := newLogger()

	cfg, err := getConfig()
	if err != nil {
		l.Fatal("getting a config", zap.Error(err))
	}

	l.Info("starting the jobscore", zap.String("version", version))

	if l.Core().Enabled(zap.DebugLevel) {
		// Secrets are redacted before printing.
		redacted := *cfg
		redacted.Providers.Gemini.APIKeys = nil
		redacted.Providers.OpenAI.APIKey = ""
		redacted.Providers.OpenRouter.APIKey = ""
		redacted.Resume = ""
		pretty, _ := json.MarshalIndent(redacted, "", "  ")
		l.Debug(fmt.Sprintf("starting with config: \n %s", pretty))
	}

	resume, err := cfg.LoadResume()
	if err != nil {
		l.Fatal("loading the resume", zap.Error(err), zap.String("hint", "set resume or resume-file in the configuration file"))
	}

	d, err := newDispatcher(cfg, l)
	if err != nil {
		l.Fatal("building the dispatcher", zap.Error(err))
	}

	return &runtime{
		config:     cfg,
		logger:     l,
		resume:     resume,
		store:      newSource(cfg, l),
		dispatcher: d,
	}
}

func newSource(cfg *config.Config, l *zap.Logger) *filtering.Source {
	steps := []filtering.Filter{
		filtering.NewEmptyDescription(),
		filtering.NewScored(viper.GetBool("rescore")),
		filtering.NewCompanies(cfg.Exclude.Companies),
		filtering.NewExcludeFile(cfg.ExcludeFile),
	}

	for _, st := range filtering.Describe(steps) {
		l.Debug("filter configured",
			zap.String("name", st.Name),
			zap.Bool("enabled", st.Enabled),
			zap.String("reason", st.Reason),
			zap.Any("details", st.Details),
		)
	}

	store := jobs.NewFileStore(cfg.JobsFile, cfg.ResultsFile, l.Named("jobs"))
	return filtering.NewSource(store, steps, l.Named("filtering"))
}

func newDispatcher(cfg *config.Config, l *zap.Logger) (*dispatch.Dispatcher, error) {
	keys, err := cfg.GeminiKeys()
	if err != nil {
		return nil, fmt.Errorf("%w (set providers.gemini.api-keys, providers.gemini.api-keys-file or GEMINI_API_KEYS)", err)
	}

	primary := gemini.New(gemini.Config{
		Model:        cfg.Providers.Gemini.Model,
		Timeout:      cfg.Dispatch.RequestTimeout,
		MaxLogLength: cfg.Providers.Gemini.MaxLogLength,
	}, l)

	fallbacks, err := newFallbacks(cfg, l)
	if err != nil {
		return nil, err
	}

	l.Info("providers configured",
		zap.Int("gemini_keys", len(keys)),
		zap.Int("fallbacks", len(fallbacks)),
		zap.Int("identities", len(cfg.Identities)),
	)

	return dispatch.New(dispatch.Config{
		Credentials:     keys,
		MinCallSpacing:  cfg.Dispatch.MinCallSpacing,
		MaxJitter:       cfg.Dispatch.Jitter,
		Cooldown:        cfg.Dispatch.Cooldown,
		MaxCeilingWait:  cfg.Dispatch.MaxCeilingWait,
		Limits:          cfg.Limits(),
		AggregateLimits: cfg.AggregateLimits(),
		Identities:      cfg.Identities,
	}, dispatch.Clients{Primary: primary, Fallbacks: fallbacks}, l)
}

func newFallbacks(cfg *config.Config, l *zap.Logger) ([]ai.Client, error) {
	order, err := cfg.FailoverOrder()
	if err != nil {
		return nil, err
	}

	var clients []ai.Client
	for _, p := range order {
		key, err := cfg.FallbackKey(p)
		if err != nil {
			return nil, err
		}
		if key == "" {
			l.Info("fallback provider has no api key, skipping", zap.String(logger.FieldProvider, p.String()))
			continue
		}

		pc, _ := cfg.Fallback(p)

		var client ai.Client
		switch p {
		case ai.ProviderOpenAI:
			client, err = openai.New(openai.Config{
				APIKey:  key,
				Model:   pc.Model,
				BaseURL: pc.BaseURL,
				Timeout: cfg.Dispatch.RequestTimeout,
			}, l)
		case ai.ProviderOpenRouter:
			client, err = openrouter.New(openrouter.Config{
				APIKey:  key,
				Model:   pc.Model,
				BaseURL: pc.BaseURL,
				Timeout: cfg.Dispatch.RequestTimeout,
			}, l)
		case ai.ProviderAuto, ai.ProviderGemini:
			err = fmt.Errorf("%s cannot be a fallback", p)
		}
		if err != nil {
			return nil, fmt.Errorf("creating %s client: %w", p, err)
		}

		clients = append(clients, client)
	}

	return clients, nil
}
