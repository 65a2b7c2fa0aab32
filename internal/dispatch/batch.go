package dispatch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/jobscore/internal/ai"
	"github.com/spigell/jobscore/internal/logger"
)

// ErrBatchRunning is returned when a batch is started while another is in flight.
var ErrBatchRunning = errors.New("a batch is already running")

// State is the lifecycle state of the orchestrator.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateComplete  State = "complete"
	StateCancelled State = "cancelled"
	StateError     State = "error"
)

// SortOrder controls the order in which a batch visits its jobs.
type SortOrder string

const (
	SortAsGiven SortOrder = "as-given"
	SortNewest  SortOrder = "newest"
	SortOldest  SortOrder = "oldest"
	SortTitle   SortOrder = "title"
)

// ParseSortOrder normalizes a sort order name. An empty name keeps input order.
func ParseSortOrder(name string) (SortOrder, error) {
	s := SortOrder(strings.ToLower(strings.TrimSpace(name)))
	switch s {
	case "", SortAsGiven:
		return SortAsGiven, nil
	case SortNewest, SortOldest, SortTitle:
		return s, nil
	default:
		return "", fmt.Errorf("unsupported sort order: %q", name)
	}
}

// EventType names a progress event.
type EventType string

const (
	EventStart     EventType = "start"
	EventScoring   EventType = "scoring"
	EventScored    EventType = "scored"
	EventError     EventType = "error"
	EventCancelled EventType = "cancelled"
	EventComplete  EventType = "complete"
)

// Counts are the totals carried by terminal events.
type Counts struct {
	Scored      int `json:"scored"`
	Errors      int `json:"errors"`
	TotalTokens int `json:"totalTokens"`
}

// Event is one progress notification of a batch. The embedded result is set
// on scored events and the embedded counts on terminal events.
type Event struct {
	Type     EventType `json:"type"`
	RunID    string    `json:"runId"`
	JobID    string    `json:"jobId,omitempty"`
	Title    string    `json:"title,omitempty"`
	Progress int       `json:"progress,omitempty"`
	Total    int       `json:"total"`
	Message  string    `json:"message,omitempty"`

	*ai.ScoreResult
	*Counts
}

// BatchRequest describes one batch run.
type BatchRequest struct {
	Jobs     []ai.ScoreJob
	Resume   string
	Provider ai.Provider
	// MaxBatch limits the number of jobs visited after sorting. Zero means no limit.
	MaxBatch int
	Sort     SortOrder
}

// Status is a snapshot of the current or last batch.
type Status struct {
	State       State              `json:"state"`
	RunID       string             `json:"runId,omitempty"`
	Provider    ai.Provider        `json:"provider,omitempty"`
	Total       int                `json:"total"`
	Processed   int                `json:"processed"`
	Scored      int                `json:"scored"`
	Errors      int                `json:"errors"`
	TotalTokens int                `json:"totalTokens"`
	StartedAt   time.Time          `json:"startedAt,omitempty"`
	FinishedAt  time.Time          `json:"finishedAt,omitempty"`
	LastError   string             `json:"lastError,omitempty"`
	Credentials []CredentialStatus `json:"credentials,omitempty"`
}

// Scorer scores single jobs on behalf of the orchestrator.
type Scorer interface {
	Score(ctx context.Context, job ai.ScoreJob, provider ai.Provider) (*ai.ScoreResult, error)
	Supports(provider ai.Provider) error
}

type batchRun struct {
	id        string
	provider  ai.Provider
	total     int
	cancelled atomic.Bool

	processed int
	scored    int
	errors    int
	tokens    int
	startedAt time.Time
	endedAt   time.Time
	lastErr   string
}

// Orchestrator runs one batch at a time, sequentially, and reports progress
// as an ordered stream of events.
type Orchestrator struct {
	scorer Scorer
	clock  Clock
	logger *zap.Logger
	newID  func() string
	buffer int

	mu    sync.Mutex
	state State
	run   *batchRun
}

const defaultEventBuffer = 16

func NewOrchestrator(scorer Scorer, clock Clock, log *zap.Logger) *Orchestrator {
	if clock == nil {
		clock = systemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Orchestrator{
		scorer: scorer,
		clock:  clock,
		logger: log,
		newID:  uuid.NewString,
		buffer: defaultEventBuffer,
		state:  StateIdle,
	}
}

// Start claims the orchestrator and processes the batch in the background.
// The returned channel is closed after the terminal event. Cancelling ctx
// stops the batch like Stop does, but an in-flight provider call always completes.
func (o *Orchestrator) Start(ctx context.Context, req BatchRequest) (<-chan Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateRunning {
		return nil, ErrBatchRunning
	}

	provider := req.Provider
	if provider == "" {
		provider = ai.ProviderAuto
	}

	jobs, err := o.prepare(req, provider)
	if err != nil {
		o.state = StateError
		o.run = &batchRun{provider: provider, startedAt: o.clock.Now(), endedAt: o.clock.Now(), lastErr: err.Error()}
		return nil, err
	}

	run := &batchRun{
		id:        o.newID(),
		provider:  provider,
		total:     len(jobs),
		startedAt: o.clock.Now(),
	}
	o.run = run
	o.state = StateRunning

	in := make(chan Event)
	events := make(chan Event, o.buffer)
	go relay(in, events)
	go o.loop(ctx, run, jobs, in)

	return events, nil
}

// Stop requests cancellation of the running batch. It reports whether a
// batch was running; calling it again is harmless.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateRunning || o.run == nil {
		return false
	}
	o.run.cancelled.Store(true)
	return true
}

// Status reports the orchestrator state and the counters of the current or last batch.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{State: o.state}
	if run := o.run; run != nil {
		st.RunID = run.id
		st.Provider = run.provider
		st.Total = run.total
		st.Processed = run.processed
		st.Scored = run.scored
		st.Errors = run.errors
		st.TotalTokens = run.tokens
		st.StartedAt = run.startedAt
		st.FinishedAt = run.endedAt
		st.LastError = run.lastErr
	}
	return st
}

func (o *Orchestrator) prepare(req BatchRequest, provider ai.Provider) ([]ai.ScoreJob, error) {
	if strings.TrimSpace(req.Resume) == "" {
		return nil, errors.New("resume is required")
	}
	if req.MaxBatch < 0 {
		return nil, fmt.Errorf("max batch must not be negative, got %d", req.MaxBatch)
	}
	if err := o.scorer.Supports(provider); err != nil {
		return nil, err
	}

	order := req.Sort
	if order == "" {
		order = SortAsGiven
	}

	jobs := make([]ai.ScoreJob, 0, len(req.Jobs))
	for _, job := range req.Jobs {
		if strings.TrimSpace(job.ID) == "" {
			return nil, errors.New("every job needs an id")
		}
		job.Resume = req.Resume
		jobs = append(jobs, job)
	}

	switch order {
	case SortAsGiven:
	case SortNewest:
		slices.SortStableFunc(jobs, func(a, b ai.ScoreJob) int { return b.PostedAt.Compare(a.PostedAt) })
	case SortOldest:
		slices.SortStableFunc(jobs, func(a, b ai.ScoreJob) int { return a.PostedAt.Compare(b.PostedAt) })
	case SortTitle:
		slices.SortStableFunc(jobs, func(a, b ai.ScoreJob) int {
			return cmp.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
		})
	default:
		return nil, fmt.Errorf("unsupported sort order: %q", order)
	}

	if req.MaxBatch > 0 && len(jobs) > req.MaxBatch {
		jobs = jobs[:req.MaxBatch]
	}

	return jobs, nil
}

func (o *Orchestrator) loop(ctx context.Context, run *batchRun, jobs []ai.ScoreJob, events chan<- Event) {
	defer close(events)

	log := o.logger.With(zap.String(logger.FieldRun, run.id), zap.String(logger.FieldProvider, run.provider.String()))
	log.Info("batch started", zap.Int("jobs", run.total))

	// Provider calls outlive a departed listener; only job boundaries observe cancellation.
	callCtx := context.WithoutCancel(ctx)

	emit := func(ev Event) {
		ev.RunID = run.id
		events <- ev
	}

	emit(Event{Type: EventStart, Total: run.total})

	for i, job := range jobs {
		if ctx.Err() != nil {
			run.cancelled.Store(true)
		}
		if run.cancelled.Load() {
			counts := o.finish(run, StateCancelled)
			log.Info("batch cancelled", zap.Int("scored", counts.Scored), zap.Int("errors", counts.Errors))
			emit(Event{Type: EventCancelled, Total: run.total, Counts: &counts})
			return
		}

		progress := i + 1
		emit(Event{Type: EventScoring, JobID: job.ID, Title: job.Title, Progress: progress, Total: run.total})

		result, err := o.scorer.Score(callCtx, job, run.provider)
		o.record(run, result, err)
		if err != nil {
			log.Warn("job failed", zap.String(logger.FieldJob, job.ID), zap.Error(err))
			emit(Event{Type: EventError, JobID: job.ID, Title: job.Title, Message: err.Error(), Progress: progress, Total: run.total})
			continue
		}

		log.Info("job scored",
			append(logger.CommonFields(result.Provider.String(), result.Model),
				zap.String(logger.FieldJob, job.ID),
				zap.Float64("score", result.Score),
				zap.Int("tokens", result.TokensUsed))...)
		emit(Event{Type: EventScored, JobID: job.ID, Title: job.Title, Progress: progress, Total: run.total, ScoreResult: result})
	}

	counts := o.finish(run, StateComplete)
	log.Info("batch complete",
		zap.Int("scored", counts.Scored), zap.Int("errors", counts.Errors), zap.Int("tokens", counts.TotalTokens))
	emit(Event{Type: EventComplete, Total: run.total, Counts: &counts})
}

// relay hands events from in to out in order. It queues whatever out cannot
// take yet, so the sender never waits on a slow or departed listener, and
// closes out once in is closed and the queue is delivered.
func relay(in <-chan Event, out chan<- Event) {
	defer close(out)

	var queue []Event
	for in != nil || len(queue) > 0 {
		var send chan<- Event
		var next Event
		if len(queue) > 0 {
			send = out
			next = queue[0]
		}

		select {
		case ev, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, ev)
		case send <- next:
			queue = queue[1:]
		}
	}
}

func (o *Orchestrator) record(run *batchRun, result *ai.ScoreResult, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	run.processed++
	if err != nil {
		run.errors++
		run.lastErr = err.Error()
		return
	}
	run.scored++
	run.tokens += result.TokensUsed
}

func (o *Orchestrator) finish(run *batchRun, state State) Counts {
	o.mu.Lock()
	defer o.mu.Unlock()

	run.endedAt = o.clock.Now()
	if o.run == run {
		o.state = state
	}
	return Counts{Scored: run.scored, Errors: run.errors, TotalTokens: run.tokens}
}
