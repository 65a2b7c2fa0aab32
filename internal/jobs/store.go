// Package jobs is the file-backed job source and result sink used by the CLI
// and the HTTP host.
package jobs

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/spigell/jobscore/internal/ai"
)

// ErrJobNotFound is returned by Find for an unknown job id.
var ErrJobNotFound = errors.New("job not found")

type jobsFile struct {
	Jobs []ai.ScoreJob `yaml:"jobs"`
}

// FileStore reads jobs from a YAML file and appends results to a JSON lines file.
type FileStore struct {
	jobsPath    string
	resultsPath string
	logger      *zap.Logger

	mu sync.Mutex
}

func NewFileStore(jobsPath, resultsPath string, log *zap.Logger) *FileStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileStore{jobsPath: jobsPath, resultsPath: resultsPath, logger: log}
}

// Jobs returns every job of the jobs file in file order.
func (s *FileStore) Jobs() ([]ai.ScoreJob, error) {
	data, err := os.ReadFile(s.jobsPath)
	if err != nil {
		return nil, fmt.Errorf("reading jobs file %q: %w", s.jobsPath, err)
	}

	var file jobsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing jobs file %q: %w", s.jobsPath, err)
	}

	seen := make(map[string]struct{}, len(file.Jobs))
	for i, job := range file.Jobs {
		id := strings.TrimSpace(job.ID)
		if id == "" {
			return nil, fmt.Errorf("jobs file %q: job #%d has no id", s.jobsPath, i+1)
		}
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("jobs file %q: duplicate job id %q", s.jobsPath, id)
		}
		seen[id] = struct{}{}
		file.Jobs[i].ID = id
	}

	return file.Jobs, nil
}

// Find returns one job by id.
func (s *FileStore) Find(id string) (ai.ScoreJob, error) {
	all, err := s.Jobs()
	if err != nil {
		return ai.ScoreJob{}, err
	}
	for _, job := range all {
		if job.ID == id {
			return job, nil
		}
	}
	return ai.ScoreJob{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

// Results returns the latest stored result per job id. A missing results
// file means nothing was scored yet.
func (s *FileStore) Results() (map[string]ai.ScoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.resultsPath)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]ai.ScoreResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening results file %q: %w", s.resultsPath, err)
	}
	defer f.Close()

	return s.readResults(f)
}

func (s *FileStore) readResults(r io.Reader) (map[string]ai.ScoreResult, error) {
	results := map[string]ai.ScoreResult{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var res ai.ScoreResult
		if err := json.Unmarshal([]byte(text), &res); err != nil {
			s.logger.Warn("skipping unreadable result line", zap.String("file", s.resultsPath), zap.Int("line", line), zap.Error(err))
			continue
		}
		if res.JobID == "" {
			continue
		}
		results[res.JobID] = res
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading results file %q: %w", s.resultsPath, err)
	}

	return results, nil
}

// SaveResult appends one result to the results file.
func (s *FileStore) SaveResult(res *ai.ScoreResult) error {
	if res == nil {
		return errors.New("result is nil")
	}

	line, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding result for job %s: %w", res.JobID, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.resultsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening results file %q: %w", s.resultsPath, err)
	}

	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("writing result for job %s: %w", res.JobID, err)
	}

	return f.Close()
}
