package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spigell/jobscore/internal/ai"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingWait advances the fake clock instead of sleeping.
type recordingWait struct {
	clock *fakeClock
	mu    sync.Mutex
	waits []time.Duration
}

func (w *recordingWait) Wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.waits = append(w.waits, d)
	w.mu.Unlock()
	if d > 0 {
		w.clock.Advance(d)
	}
	return ctx.Err()
}

func (w *recordingWait) Waits() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.waits...)
}

type stubClient struct {
	provider ai.Provider
	respond  func(call ai.Call) (*ai.Response, error)

	mu    sync.Mutex
	calls []ai.Call
}

func (c *stubClient) Provider() ai.Provider { return c.provider }
func (c *stubClient) Model() string         { return string(c.provider) + "-model" }

func (c *stubClient) Score(_ context.Context, call ai.Call) (*ai.Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
	return c.respond(call)
}

func (c *stubClient) Calls() []ai.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ai.Call(nil), c.calls...)
}

func succeeding(provider ai.Provider, score float64) *stubClient {
	return &stubClient{provider: provider, respond: func(ai.Call) (*ai.Response, error) {
		return &ai.Response{
			Assessment: ai.Assessment{Score: score, Justification: "fits", MatchedSkills: []string{"go"}},
			TokensUsed: 100,
		}, nil
	}}
}

func rateLimited(provider ai.Provider) *stubClient {
	return &stubClient{provider: provider, respond: func(ai.Call) (*ai.Response, error) {
		return nil, fmt.Errorf("%s: %w", provider, ai.ErrRateLimited)
	}}
}

func failing(provider ai.Provider, msg string) *stubClient {
	return &stubClient{provider: provider, respond: func(ai.Call) (*ai.Response, error) {
		return nil, fmt.Errorf("%s: %s", provider, msg)
	}}
}

func jobs(n int) []ai.ScoreJob {
	out := make([]ai.ScoreJob, n)
	for i := range out {
		out[i] = ai.ScoreJob{
			ID:          fmt.Sprintf("job-%d", i+1),
			Title:       fmt.Sprintf("Engineer %d", i+1),
			Description: "Build things",
		}
	}
	return out
}

func drain(events <-chan Event) []Event {
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}
