package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"astir/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	losses      map[string][]float64
	assignments map[string]model.Assignments
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.losses = make(map[string][]float64)
	s.assignments = make(map[string]model.Assignments)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return model.RunRecord{}, false, nil
	}
	return copyRun(run), true, nil
}

// ListRuns returns every run, newest first.
func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, copyRun(run))
	}
	sortRuns(runs)
	return runs, nil
}

func (s *MemoryStore) SaveLossHistory(_ context.Context, runID string, losses []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.losses[runID] = append([]float64(nil), losses...)
	return nil
}

func (s *MemoryStore) GetLossHistory(_ context.Context, runID string) ([]float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	losses, ok := s.losses[runID]
	if !ok {
		return nil, false, nil
	}
	return append([]float64(nil), losses...), true, nil
}

func (s *MemoryStore) SaveAssignments(_ context.Context, runID string, assignments model.Assignments) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.assignments[runID] = assignments.Clone()
	return nil
}

func (s *MemoryStore) GetAssignments(_ context.Context, runID string) (model.Assignments, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assignments, ok := s.assignments[runID]
	if !ok {
		return model.Assignments{}, false, nil
	}
	return assignments.Clone(), true, nil
}

var errNotInitialized = errors.New("store is not initialized")

func copyRun(run model.RunRecord) model.RunRecord {
	run.MarkerGenes = append([]string(nil), run.MarkerGenes...)
	run.CellTypes = append([]string(nil), run.CellTypes...)
	run.CellStates = append([]string(nil), run.CellStates...)
	return run
}

func sortRuns(runs []model.RunRecord) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC == runs[j].CreatedAtUTC {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAtUTC > runs[j].CreatedAtUTC
	})
}
