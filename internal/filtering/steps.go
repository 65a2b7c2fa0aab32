package filtering

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/jobscore/internal/ai"
	"github.com/spigell/jobscore/internal/jobs"
)

const forceFlagSetMsg = "rescore requested"

type scoredFilter struct {
	ignore bool
}

// NewScored creates a filter that removes jobs already present in the results.
// With ignore set every job is kept and scored again.
func NewScored(ignore bool) Filter {
	return &scoredFilter{ignore: ignore}
}

func (f *scoredFilter) Name() string { return "already_scored" }

func (f *scoredFilter) Disable(string) { f.ignore = true }

func (f *scoredFilter) IsEnabled() bool { return true }

func (f *scoredFilter) Apply(_ context.Context, deps Deps, list []ai.ScoreJob) ([]ai.ScoreJob, Step, error) {
	initial := len(list)
	if f.ignore {
		if deps.Logger != nil {
			deps.Logger.Info("keeping already scored jobs", zap.String("reason", forceFlagSetMsg))
		}
		return list, Step{Initial: initial, Left: initial}, nil
	}

	if deps.Results == nil {
		return nil, Step{}, errors.New("result source is required")
	}

	results, err := deps.Results.Results()
	if err != nil {
		return nil, Step{}, fmt.Errorf("reading stored results: %w", err)
	}

	kept, dropped := exclude(list, func(job ai.ScoreJob) bool {
		_, ok := results[job.ID]
		return ok
	})
	if deps.Logger != nil && len(dropped) > 0 {
		deps.Logger.Debug("excluding already scored jobs", zap.Strings("excluded_jobs", dropped))
	}

	return kept, Step{Initial: initial, Dropped: len(dropped), Left: len(kept)}, nil
}

func (f *scoredFilter) Status() Status {
	reason := ""
	if f.ignore {
		reason = forceFlagSetMsg
	}
	return Status{
		Name:    f.Name(),
		Enabled: true,
		Reason:  reason,
		Details: map[string]string{"exclude_scored": strconv.FormatBool(!f.ignore)},
	}
}

type companiesFilter struct {
	companies []string
}

// NewCompanies creates a filter that removes jobs of the listed companies.
// Matching is case-insensitive.
func NewCompanies(companies []string) Filter {
	f := &companiesFilter{}
	for _, c := range companies {
		if c = strings.TrimSpace(c); c != "" {
			f.companies = append(f.companies, c)
		}
	}
	return f
}

func (f *companiesFilter) Name() string { return "companies" }

func (f *companiesFilter) Disable(string) { f.companies = nil }

func (f *companiesFilter) IsEnabled() bool { return true }

func (f *companiesFilter) Apply(_ context.Context, deps Deps, list []ai.ScoreJob) ([]ai.ScoreJob, Step, error) {
	initial := len(list)
	if len(f.companies) == 0 {
		return list, Step{Initial: initial, Left: initial}, nil
	}

	kept, dropped := exclude(list, func(job ai.ScoreJob) bool {
		for _, c := range f.companies {
			if strings.EqualFold(strings.TrimSpace(job.Company), c) {
				return true
			}
		}
		return false
	})
	if deps.Logger != nil && len(dropped) > 0 {
		deps.Logger.Info("excluding jobs by companies",
			zap.Strings("excluded_companies", f.companies),
			zap.Strings("excluded_jobs", dropped),
			zap.Int("jobs_left", len(kept)),
		)
	}

	return kept, Step{Initial: initial, Dropped: len(dropped), Left: len(kept)}, nil
}

func (f *companiesFilter) Status() Status {
	details := map[string]string{}
	if len(f.companies) > 0 {
		details["companies"] = strings.Join(f.companies, ",")
	}
	return Status{Name: f.Name(), Enabled: true, Details: details}
}

type excludeFileFilter struct {
	path string
}

// NewExcludeFile creates a filter that removes jobs listed in an exclude file.
func NewExcludeFile(path string) Filter {
	return &excludeFileFilter{path: strings.TrimSpace(path)}
}

func (f *excludeFileFilter) Name() string { return "exclude_file" }

func (f *excludeFileFilter) Disable(string) { f.path = "" }

func (f *excludeFileFilter) IsEnabled() bool { return true }

func (f *excludeFileFilter) Apply(_ context.Context, deps Deps, list []ai.ScoreJob) ([]ai.ScoreJob, Step, error) {
	initial := len(list)
	if f.path == "" {
		return list, Step{Initial: initial, Left: initial}, nil
	}

	excluded, err := jobs.LoadExcluded(f.path)
	if err != nil {
		return nil, Step{}, fmt.Errorf("getting excluded jobs from file: %w", err)
	}

	ids := make(map[string]struct{}, len(excluded.Items))
	for _, id := range excluded.IDs() {
		ids[id] = struct{}{}
	}

	kept, dropped := exclude(list, func(job ai.ScoreJob) bool {
		_, ok := ids[job.ID]
		return ok
	})
	if deps.Logger != nil && len(dropped) > 0 {
		deps.Logger.Info("excluding jobs based on exclude file",
			zap.String("path", f.path),
			zap.Strings("excluded_jobs", dropped),
			zap.Int("jobs_left", len(kept)),
		)
	}

	return kept, Step{Initial: initial, Dropped: len(dropped), Left: len(kept)}, nil
}

func (f *excludeFileFilter) Status() Status {
	details := map[string]string{}
	if f.path != "" {
		details["path"] = f.path
	}
	return Status{Name: f.Name(), Enabled: true, Details: details}
}

type emptyDescriptionFilter struct{}

// NewEmptyDescription creates a filter that removes jobs with nothing to score.
func NewEmptyDescription() Filter {
	return &emptyDescriptionFilter{}
}

func (f *emptyDescriptionFilter) Name() string { return "empty_description" }

func (f *emptyDescriptionFilter) Disable(string) {}

func (f *emptyDescriptionFilter) IsEnabled() bool { return true }

func (f *emptyDescriptionFilter) Apply(_ context.Context, deps Deps, list []ai.ScoreJob) ([]ai.ScoreJob, Step, error) {
	initial := len(list)
	kept, dropped := exclude(list, func(job ai.ScoreJob) bool {
		return strings.TrimSpace(job.Description) == ""
	})
	if deps.Logger != nil && len(dropped) > 0 {
		deps.Logger.Info("excluding jobs without description. They cannot be scored",
			zap.Strings("excluded_jobs", dropped),
			zap.Int("jobs_left", len(kept)),
		)
	}

	return kept, Step{Initial: initial, Dropped: len(dropped), Left: len(kept)}, nil
}
