package filtering

import (
	"context"

	"go.uber.org/zap"

	"github.com/spigell/jobscore/internal/ai"
)

// Store is the job file collaborator a Source filters.
type Store interface {
	ResultSource
	Jobs() ([]ai.ScoreJob, error)
	Find(id string) (ai.ScoreJob, error)
	SaveResult(res *ai.ScoreResult) error
}

// Source serves the filtered pending-job view of a Store.
type Source struct {
	store  Store
	steps  []Filter
	logger *zap.Logger
}

func NewSource(store Store, steps []Filter, log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{store: store, steps: steps, logger: log}
}

// Pending returns the jobs that survive every filter, in file order.
func (s *Source) Pending(ctx context.Context) ([]ai.ScoreJob, error) {
	all, err := s.store.Jobs()
	if err != nil {
		return nil, err
	}
	return Run(ctx, Deps{Results: s.store, Logger: s.logger}, s.steps, all)
}

func (s *Source) Find(id string) (ai.ScoreJob, error) {
	return s.store.Find(id)
}

func (s *Source) SaveResult(res *ai.ScoreResult) error {
	return s.store.SaveResult(res)
}

func (s *Source) Results() (map[string]ai.ScoreResult, error) {
	return s.store.Results()
}

// Filters describes the configured steps.
func (s *Source) Filters() []Status {
	return Describe(s.steps)
}
