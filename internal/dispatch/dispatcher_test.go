package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/jobscore/internal/ai"
)

func newTestDispatcher(t *testing.T, cfg Config, clients Clients) (*Dispatcher, *fakeClock, *observer.ObservedLogs) {
	t.Helper()

	clock := newFakeClock()
	wait := &recordingWait{clock: clock}
	core, logs := observer.New(zap.DebugLevel)

	d, err := New(cfg, clients, zap.New(core),
		WithClock(clock),
		WithWait(wait.Wait),
		WithJitter(func(time.Duration) time.Duration { return 0 }),
	)
	require.NoError(t, err)

	return d, clock, logs
}

func TestDispatcherBatchFailsOverEndToEnd(t *testing.T) {
	primary := rateLimited(ai.ProviderGemini)
	fallback := succeeding(ai.ProviderOpenAI, 66)
	d, _, logs := newTestDispatcher(t, Config{
		Credentials:    []string{"k0", "k1", "k2"},
		MinCallSpacing: 4500 * time.Millisecond,
		Cooldown:       90 * time.Second,
	}, Clients{Primary: primary, Fallbacks: []ai.Client{fallback}})

	events, err := d.Start(context.Background(), BatchRequest{Jobs: jobs(1), Resume: "Go"})
	require.NoError(t, err)

	var scored *Event
	for ev := range events {
		if ev.Type == EventScored {
			ev := ev
			scored = &ev
		}
	}

	require.NotNil(t, scored)
	assert.Equal(t, ai.ProviderOpenAI, scored.Provider)
	assert.Equal(t, ai.ProviderGemini, scored.FailoverFrom)
	assert.Len(t, primary.Calls(), 3)

	st := d.Status()
	assert.Equal(t, StateComplete, st.State)
	require.Len(t, st.Credentials, 3)
	for _, c := range st.Credentials {
		assert.True(t, c.CoolingDown)
	}

	assert.Equal(t, 3, logs.FilterMessage("credential rate limited, rotating").Len())
	for _, entry := range logs.All() {
		for _, field := range entry.Context {
			assert.NotContains(t, field.String, "k0")
		}
	}
}

func TestDispatcherSingleScoreSharesPool(t *testing.T) {
	primary := succeeding(ai.ProviderGemini, 72)
	d, clock, _ := newTestDispatcher(t, Config{
		Credentials:    []string{"k0"},
		MinCallSpacing: 4500 * time.Millisecond,
	}, Clients{Primary: primary})

	start := clock.Now()
	result, err := d.Score(context.Background(), testJob, "")
	require.NoError(t, err)
	assert.Equal(t, ai.ProviderGemini, result.Provider)
	require.NotNil(t, result.Credential)
	assert.Equal(t, 0, *result.Credential)

	events, err := d.Start(context.Background(), BatchRequest{Jobs: jobs(1), Resume: "Go"})
	require.NoError(t, err)
	drain(events)

	assert.Equal(t, start.Add(4500*time.Millisecond), d.Status().Credentials[0].LastCallAt)
	assert.Equal(t, []ai.Provider{ai.ProviderGemini}, d.Providers())
}

func TestDispatcherStopWithoutBatch(t *testing.T) {
	d, _, _ := newTestDispatcher(t, Config{Credentials: []string{"k0"}}, Clients{Primary: succeeding(ai.ProviderGemini, 1)})

	assert.False(t, d.Stop())
	assert.Equal(t, StateIdle, d.Status().State)
}

func TestDispatcherWarnsAboutSharedProfiles(t *testing.T) {
	_, _, logs := newTestDispatcher(t, Config{
		Credentials: []string{"k0", "k1", "k2"},
		Identities:  profiles("p0"),
	}, Clients{Primary: succeeding(ai.ProviderGemini, 1)})

	assert.Equal(t, 1, logs.FilterMessage("fewer identity profiles than credentials, profiles will be shared").Len())
}

func TestNewRequiresPrimary(t *testing.T) {
	_, err := New(Config{}, Clients{}, nil)
	require.Error(t, err)
}
