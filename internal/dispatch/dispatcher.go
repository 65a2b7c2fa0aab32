// Package dispatch turns a list of jobs into scored results while keeping a
// pool of primary credentials inside provider rate limits, failing over to
// secondary providers and reporting progress as a stream of events.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/jobscore/internal/ai"
)

// Config holds the pacing and identity settings of a Dispatcher.
type Config struct {
	// Credentials are the primary provider secrets, in stable index order.
	Credentials     []string
	MinCallSpacing  time.Duration
	MaxJitter       time.Duration
	Cooldown        time.Duration
	MaxCeilingWait  time.Duration
	Limits          map[ai.Provider]Limits
	// AggregateLimits cap all credentials of a provider together.
	AggregateLimits map[ai.Provider]Limits
	Identities      []ai.IdentityProfile
}

// Clients are the provider adapters, primary first and fallbacks in failover order.
type Clients struct {
	Primary   ai.Client
	Fallbacks []ai.Client
}

// Option customizes a Dispatcher.
type Option func(*options)

type options struct {
	clock  Clock
	wait   waitFunc
	jitter jitterFunc
}

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithWait replaces the function used to pause before a provider call.
func WithWait(wait func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.wait = wait }
}

// WithJitter replaces the random jitter source.
func WithJitter(jitter func(limit time.Duration) time.Duration) Option {
	return func(o *options) { o.jitter = jitter }
}

// Dispatcher is the entry point used by the CLI and the HTTP server. Batch
// runs and single scores share one credential pool and one rate governor.
type Dispatcher struct {
	pool         *CredentialPool
	router       *Router
	orchestrator *Orchestrator
	logger       *zap.Logger
}

func New(cfg Config, clients Clients, log *zap.Logger, opts ...Option) (*Dispatcher, error) {
	o := options{clock: systemClock{}, wait: defaultWait, jitter: defaultJitter}
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = zap.NewNop()
	}

	pool := NewCredentialPool(cfg.Credentials, o.clock)
	governor := NewRateGovernor(GovernorConfig{
		MinCallSpacing: cfg.MinCallSpacing,
		MaxJitter:      cfg.MaxJitter,
		Limits:         cfg.Limits,
		Aggregate:      cfg.AggregateLimits,
	}, pool, o.clock, o.jitter)

	identities := NewIdentityAssigner(cfg.Identities)
	if n := identities.Len(); n > 0 && n < pool.Len() {
		log.Warn("fewer identity profiles than credentials, profiles will be shared",
			zap.Int("profiles", n), zap.Int("credentials", pool.Len()))
	}

	router, err := NewRouter(RouterConfig{
		Cooldown:       cfg.Cooldown,
		MaxCeilingWait: cfg.MaxCeilingWait,
	}, RouterDeps{
		Primary:    clients.Primary,
		Fallbacks:  clients.Fallbacks,
		Pool:       pool,
		Governor:   governor,
		Identities: identities,
		Clock:      o.clock,
		Wait:       o.wait,
		Logger:     log.Named("router"),
	})
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		pool:         pool,
		router:       router,
		orchestrator: NewOrchestrator(router, o.clock, log.Named("batch")),
		logger:       log,
	}, nil
}

// Start begins a batch. See Orchestrator.Start.
func (d *Dispatcher) Start(ctx context.Context, req BatchRequest) (<-chan Event, error) {
	return d.orchestrator.Start(ctx, req)
}

// Stop cancels the running batch, if any.
func (d *Dispatcher) Stop() bool {
	return d.orchestrator.Stop()
}

// Score scores one job outside the batch state machine.
func (d *Dispatcher) Score(ctx context.Context, job ai.ScoreJob, provider ai.Provider) (*ai.ScoreResult, error) {
	if provider == "" {
		provider = ai.ProviderAuto
	}
	return d.router.Score(ctx, job, provider)
}

// Status reports the batch state together with the credential pool.
func (d *Dispatcher) Status() Status {
	st := d.orchestrator.Status()
	st.Credentials = d.pool.Snapshot()
	return st
}

// Providers lists the configured providers in failover order.
func (d *Dispatcher) Providers() []ai.Provider {
	return d.router.Providers()
}
