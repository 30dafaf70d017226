package service

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	defaultMaxCumulativeRows = 10000
	defaultMinResultAge      = 10 * time.Minute
)

// ResultStore keeps finished script results for later retrieval. Once the
// stored rows exceed the budget the oldest results are evicted, but never one
// younger than minAge.
type ResultStore struct {
	mu                sync.RWMutex
	results           map[string]*ScriptResult
	maxCumulativeRows int
	minAge            time.Duration
	now               func() time.Time
}

func NewResultStore() *ResultStore {
	return &ResultStore{
		results:           make(map[string]*ScriptResult),
		maxCumulativeRows: defaultMaxCumulativeRows,
		minAge:            defaultMinResultAge,
		now:               time.Now,
	}
}

// Add stores a result and runs cleanup if needed
func (s *ResultStore) Add(result *ScriptResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results[result.JobID] = result

	slog.Info("script result stored",
		slog.String("jobId", result.JobID),
		slog.String("session", result.SessionName),
		slog.String("status", string(result.Status)),
		slog.Int("rowCount", result.RowCount))

	s.cleanup()
}

func (s *ResultStore) Get(jobID string) (*ScriptResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result, ok := s.results[jobID]
	return result, ok
}

func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

func (s *ResultStore) cleanup() {
	totalRows := 0
	for _, result := range s.results {
		totalRows += result.RowCount
	}
	if totalRows <= s.maxCumulativeRows {
		return
	}

	sorted := make([]*ScriptResult, 0, len(s.results))
	for _, result := range s.results {
		sorted = append(sorted, result)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FinishedAt.Before(sorted[j].FinishedAt) })

	now := s.now()
	for _, result := range sorted {
		if totalRows <= s.maxCumulativeRows {
			break
		}
		if now.Sub(result.FinishedAt) < s.minAge {
			continue
		}

		delete(s.results, result.JobID)
		totalRows -= result.RowCount

		slog.Info("script result evicted",
			slog.String("jobId", result.JobID),
			slog.String("session", result.SessionName),
			slog.Int("rowCount", result.RowCount),
			slog.Duration("age", now.Sub(result.FinishedAt)))
	}
}
