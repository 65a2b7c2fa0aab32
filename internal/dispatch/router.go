package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spigell/jobscore/internal/ai"
	"github.com/spigell/jobscore/internal/logger"
)

const (
	defaultCooldown = 90 * time.Second

	ceilingLogInterval = 30 * time.Second
)

var (
	// ErrProviderNotConfigured is returned when a provider is requested explicitly
	// but no client was registered for it.
	ErrProviderNotConfigured = errors.New("provider is not configured")
	// ErrCeilingReached is returned when a provider ceiling keeps a credential
	// unavailable for longer than the router is willing to wait.
	ErrCeilingReached = errors.New("provider request ceiling reached")
)

// Attempt is one failed provider call recorded during failover.
type Attempt struct {
	Provider   ai.Provider
	Credential int
	Err        error
}

func (a Attempt) String() string {
	if a.Credential >= 0 {
		return fmt.Sprintf("%s#%d: %v", a.Provider, a.Credential, a.Err)
	}
	return fmt.Sprintf("%s: %v", a.Provider, a.Err)
}

// FailoverError reports that every provider in the chain failed for one job.
type FailoverError struct {
	Attempts []Attempt
}

func (e *FailoverError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.String()
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

func (e *FailoverError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// RouterConfig configures a Router.
type RouterConfig struct {
	// Cooldown is applied to a pooled credential after a rate-limit rejection.
	Cooldown time.Duration
	// MaxCeilingWait bounds how long a call may wait for a provider ceiling.
	// Longer waits put the credential on cooldown instead. Defaults to Cooldown.
	MaxCeilingWait time.Duration
}

// RouterDeps are the collaborators of a Router.
type RouterDeps struct {
	Primary    ai.Client
	Fallbacks  []ai.Client
	Pool       *CredentialPool
	Governor   *RateGovernor
	Identities *IdentityAssigner
	Clock      Clock
	Wait       waitFunc
	Logger     *zap.Logger
}

// Router sends a scoring request to a provider, rotating the primary pool on
// rate limits and failing over to the fallback chain in order.
type Router struct {
	primary    ai.Client
	fallbacks  []ai.Client
	pool       *CredentialPool
	governor   *RateGovernor
	identities *IdentityAssigner
	clock      Clock
	wait       waitFunc
	logger     *zap.Logger

	cooldown       time.Duration
	maxCeilingWait time.Duration

	ceilingLog rate.Sometimes
}

func NewRouter(cfg RouterConfig, deps RouterDeps) (*Router, error) {
	if deps.Primary == nil {
		return nil, errors.New("primary provider client is required")
	}
	if deps.Pool == nil || deps.Governor == nil {
		return nil, errors.New("credential pool and rate governor are required")
	}
	if deps.Identities == nil {
		deps.Identities = NewIdentityAssigner(nil)
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Wait == nil {
		deps.Wait = defaultWait
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.MaxCeilingWait <= 0 {
		cfg.MaxCeilingWait = cfg.Cooldown
	}

	seen := map[ai.Provider]bool{deps.Primary.Provider(): true}
	for _, fb := range deps.Fallbacks {
		if fb == nil {
			return nil, errors.New("fallback provider client is nil")
		}
		if seen[fb.Provider()] {
			return nil, fmt.Errorf("provider %s registered twice", fb.Provider())
		}
		seen[fb.Provider()] = true
	}

	return &Router{
		primary:        deps.Primary,
		fallbacks:      deps.Fallbacks,
		pool:           deps.Pool,
		governor:       deps.Governor,
		identities:     deps.Identities,
		clock:          deps.Clock,
		wait:           deps.Wait,
		logger:         deps.Logger,
		cooldown:       cfg.Cooldown,
		maxCeilingWait: cfg.MaxCeilingWait,
		ceilingLog:     rate.Sometimes{First: 1, Interval: ceilingLogInterval},
	}, nil
}

// Supports reports whether the router can serve the requested provider.
func (r *Router) Supports(provider ai.Provider) error {
	if provider == ai.ProviderAuto {
		return nil
	}
	if r.clientFor(provider) == nil {
		return fmt.Errorf("%w: %s", ErrProviderNotConfigured, provider)
	}
	return nil
}

// Providers lists the configured providers in failover order.
func (r *Router) Providers() []ai.Provider {
	providers := []ai.Provider{r.primary.Provider()}
	for _, fb := range r.fallbacks {
		providers = append(providers, fb.Provider())
	}
	return providers
}

// Score produces a result for one job. ProviderAuto rotates the primary pool
// and then fails over; any other provider gets exactly one call and its
// failure, rate limits included, is returned as is.
func (r *Router) Score(ctx context.Context, job ai.ScoreJob, provider ai.Provider) (*ai.ScoreResult, error) {
	started := r.clock.Now()

	if provider == ai.ProviderAuto {
		return r.scoreAuto(ctx, job, started)
	}

	client := r.clientFor(provider)
	if client == nil {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, provider)
	}

	if client == r.primary {
		cred, err := r.pool.SelectNext()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", provider, err)
		}
		return r.callPooled(ctx, job, cred, started, false)
	}

	return r.callSingle(ctx, client, job, started)
}

func (r *Router) scoreAuto(ctx context.Context, job ai.ScoreJob, started time.Time) (*ai.ScoreResult, error) {
	log := r.logger.With(zap.String(logger.FieldJob, job.ID))

	var attempts []Attempt
	primary := r.primary.Provider()

	tries := max(1, r.pool.Len())
pool:
	for i := 0; i < tries; i++ {
		cred, err := r.pool.SelectNext()
		if err != nil {
			attempts = append(attempts, Attempt{Provider: primary, Credential: -1, Err: err})
			break
		}

		result, err := r.callPooled(ctx, job, cred, started, true)
		switch ai.Classify(err) {
		case ai.OutcomeSuccess:
			return result, nil
		case ai.OutcomeRateLimited:
			r.pool.Cooldown(cred.Index, r.cooldown)
			log.Warn("credential rate limited, rotating",
				append(logger.Credential(cred.Index), zap.Duration("cooldown", r.cooldown), zap.Error(err))...)
			attempts = append(attempts, Attempt{Provider: primary, Credential: cred.Index, Err: err})
		case ai.OutcomeFatal:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			log.Warn("primary provider failed", append(logger.Credential(cred.Index), zap.Error(err))...)
			attempts = append(attempts, Attempt{Provider: primary, Credential: cred.Index, Err: err})
			break pool
		}
	}

	for _, fb := range r.fallbacks {
		log.Info("failing over", zap.String("from", primary.String()), zap.String("to", fb.Provider().String()))

		result, err := r.callSingle(ctx, fb, job, started)
		if err == nil {
			result.FailoverFrom = primary
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		log.Warn("fallback provider failed", zap.String(logger.FieldProvider, fb.Provider().String()), zap.Error(err))
		attempts = append(attempts, Attempt{Provider: fb.Provider(), Credential: -1, Err: err})
	}

	return nil, &FailoverError{Attempts: attempts}
}

// callPooled makes one primary call with a pooled credential after honoring
// spacing and ceilings. It never applies cooldowns for provider rejections;
// in auto mode a credential held back by a ceiling is cooled down for the wait.
func (r *Router) callPooled(ctx context.Context, job ai.ScoreJob, cred ai.Credential, started time.Time, auto bool) (*ai.ScoreResult, error) {
	spacing := r.governor.WaitTimeFor(cred.Index)
	slot := r.governor.Reserve(r.primary.Provider(), cred.Index, spacing)
	if slot.Delay > r.maxCeilingWait {
		slot.Release()
		if auto {
			r.pool.Cooldown(cred.Index, slot.Delay)
		}
		return nil, fmt.Errorf("%s %s: %w: %w", r.primary.Provider(), cred, ErrCeilingReached, ai.ErrRateLimited)
	}
	if slot.Delay > spacing {
		r.logCeilingWait(r.primary.Provider(), cred.Index, slot.Delay)
	}

	if err := r.wait(ctx, slot.Delay); err != nil {
		slot.Release()
		return nil, err
	}

	if err := r.pool.RecordCall(cred.Index); err != nil {
		slot.Release()
		return nil, fmt.Errorf("%s %s: %w: %w", r.primary.Provider(), cred, err, ai.ErrRateLimited)
	}

	credential := cred
	resp, err := r.primary.Score(ctx, ai.Call{
		Job:        job,
		Credential: &credential,
		Identity:   r.identities.Assign(cred.Index),
	})
	if err != nil {
		return nil, err
	}

	index := cred.Index
	result := r.buildResult(job, r.primary, resp, started)
	result.Credential = &index
	return result, nil
}

func (r *Router) callSingle(ctx context.Context, client ai.Client, job ai.ScoreJob, started time.Time) (*ai.ScoreResult, error) {
	slot := r.governor.Reserve(client.Provider(), -1, 0)
	if slot.Delay > r.maxCeilingWait {
		slot.Release()
		return nil, fmt.Errorf("%s: %w: %w", client.Provider(), ErrCeilingReached, ai.ErrRateLimited)
	}
	if slot.Delay > 0 {
		r.logCeilingWait(client.Provider(), -1, slot.Delay)
	}
	if err := r.wait(ctx, slot.Delay); err != nil {
		slot.Release()
		return nil, err
	}

	resp, err := client.Score(ctx, ai.Call{Job: job})
	if err != nil {
		return nil, err
	}

	return r.buildResult(job, client, resp, started), nil
}

func (r *Router) logCeilingWait(provider ai.Provider, index int, delay time.Duration) {
	r.ceilingLog.Do(func() {
		r.logger.Info("waiting for provider ceiling",
			append(logger.Credential(index),
				zap.String(logger.FieldProvider, provider.String()),
				zap.Duration("wait", delay),
			)...)
	})
}

func (r *Router) buildResult(job ai.ScoreJob, client ai.Client, resp *ai.Response, started time.Time) *ai.ScoreResult {
	now := r.clock.Now()

	model := resp.Model
	if model == "" {
		model = client.Model()
	}

	return &ai.ScoreResult{
		JobID:         job.ID,
		Score:         resp.Score,
		Justification: resp.Justification,
		MatchedSkills: resp.MatchedSkills,
		MissingSkills: resp.MissingSkills,
		Provider:      client.Provider(),
		Model:         model,
		TokensUsed:    resp.TokensUsed,
		ElapsedMS:     now.Sub(started).Milliseconds(),
		ScoredAt:      now,
	}
}

func (r *Router) clientFor(provider ai.Provider) ai.Client {
	if r.primary.Provider() == provider {
		return r.primary
	}
	for _, fb := range r.fallbacks {
		if fb.Provider() == provider {
			return fb
		}
	}
	return nil
}
