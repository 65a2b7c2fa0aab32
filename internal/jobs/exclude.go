package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spigell/jobscore/internal/ai"
)

// Excluded is the content of an exclude file: jobs the operator never wants scored.
type Excluded struct {
	Items []ExcludedJob `json:"items"`
}

type ExcludedJob struct {
	ID         string    `json:"id"`
	Title      string    `json:"title,omitempty"`
	Company    string    `json:"company,omitempty"`
	ExcludedAt time.Time `json:"excludedAt"`
}

// LoadExcluded reads an exclude file. A missing or empty file is an empty list.
func LoadExcluded(path string) (*Excluded, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Excluded{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading exclude file %q: %w", path, err)
	}
	if len(data) == 0 {
		return &Excluded{}, nil
	}

	var excluded Excluded
	if err := json.Unmarshal(data, &excluded); err != nil {
		return nil, fmt.Errorf("parsing exclude file %q: %w", path, err)
	}
	return &excluded, nil
}

// ToExcluded turns jobs into exclude entries stamped with now.
func ToExcluded(list []ai.ScoreJob, now time.Time) *Excluded {
	excluded := &Excluded{Items: make([]ExcludedJob, 0, len(list))}
	for _, job := range list {
		excluded.Items = append(excluded.Items, ExcludedJob{
			ID:         job.ID,
			Title:      job.Title,
			Company:    job.Company,
			ExcludedAt: now.UTC(),
		})
	}
	return excluded
}

// Append adds entries whose id is not yet listed.
func (e *Excluded) Append(other *Excluded) {
	seen := make(map[string]struct{}, len(e.Items))
	for _, item := range e.Items {
		seen[item.ID] = struct{}{}
	}
	for _, item := range other.Items {
		if _, ok := seen[item.ID]; ok {
			continue
		}
		seen[item.ID] = struct{}{}
		e.Items = append(e.Items, item)
	}
}

func (e *Excluded) IDs() []string {
	ids := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		ids = append(ids, item.ID)
	}
	return ids
}

// ToFile replaces the exclude file with the current list.
func (e *Excluded) ToFile(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(e)
}
