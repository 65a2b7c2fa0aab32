package dispatch

import (
	"slices"
	"sync"
	"time"

	"github.com/spigell/jobscore/internal/ai"
)

// Limits are request ceilings in calls per window. Zero disables a window.
type Limits struct {
	PerMinute int `mapstructure:"per-minute"`
	PerHour   int `mapstructure:"per-hour"`
	PerDay    int `mapstructure:"per-day"`
}

func (l Limits) windows() []*window {
	var out []*window
	for _, w := range []struct {
		size  time.Duration
		limit int
	}{
		{time.Minute, l.PerMinute},
		{time.Hour, l.PerHour},
		{24 * time.Hour, l.PerDay},
	} {
		if w.limit > 0 {
			out = append(out, &window{size: w.size, limit: w.limit})
		}
	}
	return out
}

// GovernorConfig holds the pacing knobs of a RateGovernor.
type GovernorConfig struct {
	MinCallSpacing time.Duration
	MaxJitter      time.Duration
	// Limits apply to every credential of a provider on its own.
	Limits map[ai.Provider]Limits
	// Aggregate limits apply to all credentials of a provider together.
	Aggregate map[ai.Provider]Limits
}

// RateGovernor computes how long a caller must wait before using a
// credential. It never sleeps itself.
type RateGovernor struct {
	pool      *CredentialPool
	clock     Clock
	jitter    jitterFunc
	minDelay  time.Duration
	maxJitter time.Duration
	limits    map[ai.Provider]Limits
	aggregate map[ai.Provider]Limits

	mu       sync.Mutex
	ceilings map[ceilingKey][]*window
}

type ceilingKey struct {
	provider  ai.Provider
	index     int
	aggregate bool
}

// NewRateGovernor builds a governor over the pool's last-call bookkeeping.
func NewRateGovernor(cfg GovernorConfig, pool *CredentialPool, clock Clock, jitter jitterFunc) *RateGovernor {
	if clock == nil {
		clock = systemClock{}
	}
	if jitter == nil {
		jitter = defaultJitter
	}

	return &RateGovernor{
		pool:      pool,
		clock:     clock,
		jitter:    jitter,
		minDelay:  cfg.MinCallSpacing,
		maxJitter: cfg.MaxJitter,
		limits:    cfg.Limits,
		aggregate: cfg.Aggregate,
		ceilings:  make(map[ceilingKey][]*window),
	}
}

// WaitTimeFor returns the remaining spacing for a pooled credential plus a
// random jitter. A credential that may be used right away gets zero, jitter included.
func (g *RateGovernor) WaitTimeFor(index int) time.Duration {
	last := g.pool.LastCallAt(index)
	if last.IsZero() {
		return 0
	}

	wait := g.minDelay - g.clock.Now().Sub(last)
	if wait <= 0 {
		return 0
	}

	return wait + g.jitter(g.maxJitter)
}

// Slot is a claimed position under the provider ceilings.
type Slot struct {
	Delay time.Duration

	gov     *RateGovernor
	at      time.Time
	windows []*window
}

// Release gives the slot back when the call it was claimed for is not made.
func (s Slot) Release() {
	if s.gov == nil {
		return
	}
	s.gov.mu.Lock()
	defer s.gov.mu.Unlock()
	for _, w := range s.windows {
		w.remove(s.at)
	}
}

// Reserve claims one call under every ceiling of provider for the given
// credential index (-1 for single-key providers) plus the provider aggregate.
// The call is placed no earlier than after from now; Delay reports how long
// the caller has to wait for it.
func (g *RateGovernor) Reserve(provider ai.Provider, index int, after time.Duration) Slot {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	windows := slices.Concat(
		g.windowsFor(ceilingKey{provider: provider, index: index}),
		g.windowsFor(ceilingKey{provider: provider, index: -1, aggregate: true}),
	)

	at := now.Add(max(0, after))
	for _, w := range windows {
		if open := w.earliest(now); open.After(at) {
			at = open
		}
	}
	for _, w := range windows {
		w.add(at, now)
	}

	return Slot{Delay: at.Sub(now), gov: g, at: at, windows: windows}
}

func (g *RateGovernor) windowsFor(key ceilingKey) []*window {
	if windows, ok := g.ceilings[key]; ok {
		return windows
	}

	limits := g.limits[key.provider]
	if key.aggregate {
		limits = g.aggregate[key.provider]
	}
	windows := limits.windows()
	g.ceilings[key] = windows

	return windows
}

// window is a sliding log of admitted call times, ascending. It admits at
// most limit calls in any size-long interval.
type window struct {
	size  time.Duration
	limit int
	calls []time.Time
}

// earliest is the first instant not before any admitted call at which one
// more call keeps the window within its limit.
func (w *window) earliest(now time.Time) time.Time {
	at := now
	n := len(w.calls)
	if n == 0 {
		return at
	}
	if last := w.calls[n-1]; last.After(at) {
		at = last
	}
	if n >= w.limit {
		if open := w.calls[n-w.limit].Add(w.size); open.After(at) {
			at = open
		}
	}
	return at
}

// add records a call at at. Calls a full window older than now can no longer
// hold anything back and are dropped.
func (w *window) add(at, now time.Time) {
	cut := 0
	for cut < len(w.calls) && !w.calls[cut].After(now.Add(-w.size)) {
		cut++
	}
	w.calls = append(w.calls[cut:], at)
}

func (w *window) remove(at time.Time) {
	for i := len(w.calls) - 1; i >= 0; i-- {
		if w.calls[i].Equal(at) {
			w.calls = append(w.calls[:i], w.calls[i+1:]...)
			return
		}
	}
}
