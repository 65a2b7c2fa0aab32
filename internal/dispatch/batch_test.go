package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/jobscore/internal/ai"
)

type scorerFunc func(ctx context.Context, job ai.ScoreJob, provider ai.Provider) (*ai.ScoreResult, error)

func (f scorerFunc) Score(ctx context.Context, job ai.ScoreJob, provider ai.Provider) (*ai.ScoreResult, error) {
	return f(ctx, job, provider)
}

func (f scorerFunc) Supports(provider ai.Provider) error {
	if provider == ai.ProviderOpenRouter {
		return ErrProviderNotConfigured
	}
	return nil
}

func scoreAll(_ context.Context, job ai.ScoreJob, provider ai.Provider) (*ai.ScoreResult, error) {
	return &ai.ScoreResult{JobID: job.ID, Score: 70, Provider: ai.ProviderGemini, TokensUsed: 10}, nil
}

func newTestOrchestrator(scorer Scorer) *Orchestrator {
	o := NewOrchestrator(scorer, newFakeClock(), nil)
	o.newID = func() string { return "run-1" }
	return o
}

func TestBatchReportsFailuresAndCompletes(t *testing.T) {
	o := newTestOrchestrator(scorerFunc(func(ctx context.Context, job ai.ScoreJob, p ai.Provider) (*ai.ScoreResult, error) {
		if job.ID == "job-3" {
			return nil, errors.New("all providers failed")
		}
		return scoreAll(ctx, job, p)
	}))

	events, err := o.Start(context.Background(), BatchRequest{Jobs: jobs(5), Resume: "Go developer"})
	require.NoError(t, err)

	got := drain(events)

	counts := map[EventType]int{}
	for _, ev := range got {
		counts[ev.Type]++
		assert.Equal(t, "run-1", ev.RunID)
	}
	assert.Equal(t, 1, counts[EventStart])
	assert.Equal(t, 5, counts[EventScoring])
	assert.Equal(t, 4, counts[EventScored])
	assert.Equal(t, 1, counts[EventError])

	assert.Equal(t, EventStart, got[0].Type)
	assert.Equal(t, 5, got[0].Total)

	last := got[len(got)-1]
	require.Equal(t, EventComplete, last.Type)
	require.NotNil(t, last.Counts)
	assert.Equal(t, Counts{Scored: 4, Errors: 1, TotalTokens: 40}, *last.Counts)

	for _, ev := range got {
		if ev.Type == EventError {
			assert.Equal(t, "job-3", ev.JobID)
			assert.Equal(t, 3, ev.Progress)
			assert.Equal(t, "all providers failed", ev.Message)
		}
	}

	st := o.Status()
	assert.Equal(t, StateComplete, st.State)
	assert.Equal(t, 5, st.Processed)
	assert.Equal(t, "all providers failed", st.LastError)
}

func TestBatchEventOrderPerJob(t *testing.T) {
	o := newTestOrchestrator(scorerFunc(scoreAll))

	events, err := o.Start(context.Background(), BatchRequest{Jobs: jobs(2), Resume: "Go"})
	require.NoError(t, err)

	assert.Equal(t, []EventType{
		EventStart,
		EventScoring, EventScored,
		EventScoring, EventScored,
		EventComplete,
	}, types(drain(events)))
}

func TestStopLetsInFlightJobFinish(t *testing.T) {
	var o *Orchestrator
	processed := 0
	o = newTestOrchestrator(scorerFunc(func(ctx context.Context, job ai.ScoreJob, p ai.Provider) (*ai.ScoreResult, error) {
		processed++
		if job.ID == "job-2" {
			assert.True(t, o.Stop())
			assert.True(t, o.Stop(), "stop is idempotent while running")
		}
		return scoreAll(ctx, job, p)
	}))

	events, err := o.Start(context.Background(), BatchRequest{Jobs: jobs(5), Resume: "Go"})
	require.NoError(t, err)

	got := drain(events)
	assert.Equal(t, []EventType{
		EventStart,
		EventScoring, EventScored,
		EventScoring, EventScored,
		EventCancelled,
	}, types(got))

	last := got[len(got)-1]
	require.NotNil(t, last.Counts)
	assert.Equal(t, processed, last.Scored+last.Errors)
	assert.Equal(t, 2, processed)

	assert.Equal(t, StateCancelled, o.Status().State)
	assert.False(t, o.Stop())
}

func TestStartRejectsConcurrentBatch(t *testing.T) {
	gate := make(chan struct{})
	o := newTestOrchestrator(scorerFunc(func(ctx context.Context, job ai.ScoreJob, p ai.Provider) (*ai.ScoreResult, error) {
		<-gate
		return scoreAll(ctx, job, p)
	}))

	events, err := o.Start(context.Background(), BatchRequest{Jobs: jobs(1), Resume: "Go"})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, o.Status().State)

	_, err = o.Start(context.Background(), BatchRequest{Jobs: jobs(1), Resume: "Go"})
	require.ErrorIs(t, err, ErrBatchRunning)

	close(gate)
	drain(events)

	events, err = o.Start(context.Background(), BatchRequest{Jobs: jobs(1), Resume: "Go"})
	require.NoError(t, err)
	drain(events)
}

func TestDepartedListenerStopsBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	o := newTestOrchestrator(scorerFunc(func(callCtx context.Context, job ai.ScoreJob, p ai.Provider) (*ai.ScoreResult, error) {
		calls++
		cancel()
		assert.NoError(t, callCtx.Err(), "provider calls do not observe listener cancellation")
		return scoreAll(callCtx, job, p)
	}))

	events, err := o.Start(ctx, BatchRequest{Jobs: jobs(3), Resume: "Go"})
	require.NoError(t, err)
	drain(events)

	assert.Equal(t, 1, calls)
	st := o.Status()
	assert.Equal(t, StateCancelled, st.State)
	assert.Equal(t, 1, st.Scored)
}

func TestStalledListenerStillReceivesEveryEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := newTestOrchestrator(scorerFunc(func(callCtx context.Context, job ai.ScoreJob, p ai.Provider) (*ai.ScoreResult, error) {
		cancel()
		return scoreAll(callCtx, job, p)
	}))
	o.buffer = 1

	events, err := o.Start(ctx, BatchRequest{Jobs: jobs(3), Resume: "Go"})
	require.NoError(t, err)

	// Nothing is read until the batch has ended.
	require.Eventually(t, func() bool { return o.Status().State != StateRunning }, time.Second, time.Millisecond)

	got := drain(events)
	assert.Equal(t, []EventType{EventStart, EventScoring, EventScored, EventCancelled}, types(got))
	require.NotNil(t, got[2].ScoreResult)
	assert.Equal(t, "job-1", got[2].ScoreResult.JobID)
	assert.Equal(t, 1, o.Status().Scored)
}

func TestEmptyBatchReportsZeroTotal(t *testing.T) {
	o := newTestOrchestrator(scorerFunc(scoreAll))

	events, err := o.Start(context.Background(), BatchRequest{Resume: "Go"})
	require.NoError(t, err)

	got := drain(events)
	require.Equal(t, []EventType{EventStart, EventComplete}, types(got))

	raw, err := json.Marshal(got[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"start","runId":"run-1","total":0}`, string(raw))
}

func TestStartValidation(t *testing.T) {
	o := newTestOrchestrator(scorerFunc(scoreAll))

	_, err := o.Start(context.Background(), BatchRequest{Jobs: jobs(1)})
	require.Error(t, err)
	assert.Equal(t, StateError, o.Status().State)
	assert.Equal(t, "resume is required", o.Status().LastError)

	_, err = o.Start(context.Background(), BatchRequest{Jobs: jobs(1), Resume: "Go", Provider: ai.ProviderOpenRouter})
	require.ErrorIs(t, err, ErrProviderNotConfigured)

	_, err = o.Start(context.Background(), BatchRequest{Jobs: []ai.ScoreJob{{Title: "no id"}}, Resume: "Go"})
	require.Error(t, err)

	events, err := o.Start(context.Background(), BatchRequest{Resume: "Go"})
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventStart, EventComplete}, types(drain(events)))
}

func TestStartSortsAndTruncates(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	list := []ai.ScoreJob{
		{ID: "old", Title: "Beta", PostedAt: base},
		{ID: "new", Title: "alpha", PostedAt: base.Add(48 * time.Hour)},
		{ID: "mid", Title: "Gamma", PostedAt: base.Add(24 * time.Hour)},
	}

	cases := []struct {
		sort SortOrder
		max  int
		want []string
	}{
		{sort: SortAsGiven, want: []string{"old", "new", "mid"}},
		{sort: SortNewest, want: []string{"new", "mid", "old"}},
		{sort: SortOldest, max: 2, want: []string{"old", "mid"}},
		{sort: SortTitle, max: 1, want: []string{"new"}},
	}

	for _, tc := range cases {
		t.Run(string(tc.sort), func(t *testing.T) {
			var seen []string
			o := newTestOrchestrator(scorerFunc(func(ctx context.Context, job ai.ScoreJob, p ai.Provider) (*ai.ScoreResult, error) {
				seen = append(seen, job.ID)
				assert.Equal(t, "resume text", job.Resume)
				return scoreAll(ctx, job, p)
			}))

			events, err := o.Start(context.Background(), BatchRequest{Jobs: list, Resume: "resume text", Sort: tc.sort, MaxBatch: tc.max})
			require.NoError(t, err)
			drain(events)

			assert.Equal(t, tc.want, seen)
		})
	}
}

func TestParseSortOrder(t *testing.T) {
	order, err := ParseSortOrder("")
	require.NoError(t, err)
	assert.Equal(t, SortAsGiven, order)

	order, err = ParseSortOrder(" Newest ")
	require.NoError(t, err)
	assert.Equal(t, SortNewest, order)

	_, err = ParseSortOrder("random")
	require.Error(t, err)
}

func TestEventJSONShape(t *testing.T) {
	index := 1
	scored := Event{
		Type:     EventScored,
		RunID:    "run-1",
		JobID:    "job-1",
		Progress: 1,
		Total:    2,
		ScoreResult: &ai.ScoreResult{
			JobID:        "job-1",
			Score:        81.5,
			Provider:     ai.ProviderOpenAI,
			Credential:   &index,
			FailoverFrom: ai.ProviderGemini,
		},
	}

	raw, err := json.Marshal(scored)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "scored", decoded["type"])
	assert.Equal(t, "job-1", decoded["jobId"])
	assert.Equal(t, 81.5, decoded["score"])
	assert.Equal(t, "openai", decoded["provider"])
	assert.Equal(t, "gemini", decoded["failoverFrom"])
	assert.NotContains(t, decoded, "scored")

	raw, err = json.Marshal(Event{Type: EventComplete, RunID: "run-1", Total: 2, Counts: &Counts{Scored: 0, Errors: 2, TotalTokens: 5}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"complete","runId":"run-1","total":2,"scored":0,"errors":2,"totalTokens":5}`, string(raw))
}
