// Package filtering narrows the job list down to the jobs worth sending to a
// provider. Steps run sequentially and each reports what it dropped.
package filtering

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/jobscore/internal/ai"
)

// Filter represents a single filtering step applied to jobs.
type Filter interface {
	Name() string
	Disable(reason string)
	IsEnabled() bool

	Apply(ctx context.Context, deps Deps, jobs []ai.ScoreJob) ([]ai.ScoreJob, Step, error)
}

// ResultSource exposes already stored results.
type ResultSource interface {
	Results() (map[string]ai.ScoreResult, error)
}

// Deps aggregates dependencies shared across all filtering steps.
type Deps struct {
	Results ResultSource
	Logger  *zap.Logger
}

// Step describes the result of executing a filtering step.
type Step struct {
	Initial int
	Dropped int
	Left    int
}

// Status represents runtime information about a filter.
type Status struct {
	Name    string
	Enabled bool
	Reason  string
	Details map[string]string
}

// statusProvider is implemented by filters that can supply detailed status information.
type statusProvider interface {
	Status() Status
}

// DisableByName marks a filter with the provided name as disabled while keeping it in the list.
func DisableByName(steps []Filter, name, reason string) {
	for _, step := range steps {
		if step.Name() == name {
			step.Disable(reason)
		}
	}
}

// Run executes the supplied filters sequentially and returns the jobs left.
func Run(ctx context.Context, deps Deps, steps []Filter, jobs []ai.ScoreJob) ([]ai.ScoreJob, error) {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	for _, step := range steps {
		if !step.IsEnabled() {
			log.Info("filter disabled", zap.String("name", step.Name()))
			continue
		}

		next, info, err := step.Apply(ctx, deps, jobs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", step.Name(), err)
		}

		log.Info("filter step",
			zap.String("name", step.Name()),
			zap.Int("initial", info.Initial),
			zap.Int("dropped", info.Dropped),
			zap.Int("left", info.Left),
		)

		jobs = next
	}

	return jobs, nil
}

// Describe returns status entries for the provided filters.
func Describe(steps []Filter) []Status {
	statuses := make([]Status, 0, len(steps))
	for _, step := range steps {
		if reporter, ok := step.(statusProvider); ok {
			statuses = append(statuses, reporter.Status())
			continue
		}

		statuses = append(statuses, Status{
			Name:    step.Name(),
			Enabled: step.IsEnabled(),
		})
	}
	return statuses
}

// exclude keeps the jobs for which drop returns false, preserving order.
func exclude(jobs []ai.ScoreJob, drop func(ai.ScoreJob) bool) ([]ai.ScoreJob, []string) {
	kept := make([]ai.ScoreJob, 0, len(jobs))
	var dropped []string
	for _, job := range jobs {
		if drop(job) {
			dropped = append(dropped, job.ID)
			continue
		}
		kept = append(kept, job)
	}
	return kept, dropped
}
