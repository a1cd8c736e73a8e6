package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"marlsignal/internal/model"
)

var errNotInitialized = errors.New("store is not initialized")

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	models      map[string]model.ModelRecord
	predictions map[string]model.Prediction
	runs        map[string]model.TrainingRunSummary
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.models = make(map[string]model.ModelRecord)
	s.predictions = make(map[string]model.Prediction)
	s.runs = make(map[string]model.TrainingRunSummary)
	return nil
}

func (s *MemoryStore) SaveModel(_ context.Context, rec model.ModelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.models[rec.ID] = rec
	return nil
}

func (s *MemoryStore) GetModel(_ context.Context, id string) (model.ModelRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.models[id]
	return rec, ok, nil
}

func (s *MemoryStore) LatestModel(_ context.Context, symbol string) (model.ModelRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest model.ModelRecord
		found  bool
	)
	for _, rec := range s.models {
		if !strings.EqualFold(rec.Symbol, symbol) {
			continue
		}
		if !found || rec.CreatedAt.After(latest.CreatedAt) || (rec.CreatedAt.Equal(latest.CreatedAt) && rec.ID > latest.ID) {
			latest, found = rec, true
		}
	}
	return latest, found, nil
}

func (s *MemoryStore) SavePrediction(_ context.Context, key PredictionKey, p model.Prediction) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.predictions[key.String()] = p
	return nil
}

func (s *MemoryStore) GetPrediction(_ context.Context, key PredictionKey) (model.Prediction, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.predictions[key.String()]
	return p, ok, nil
}

func (s *MemoryStore) SaveTrainingRun(_ context.Context, summary model.TrainingRunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.runs[summary.RunID] = summary
	return nil
}

func (s *MemoryStore) GetTrainingRun(_ context.Context, runID string) (model.TrainingRunSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.runs[runID]
	return summary, ok, nil
}

func (s *MemoryStore) ListTrainingRuns(_ context.Context, symbol string) ([]model.TrainingRunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.TrainingRunSummary, 0, len(s.runs))
	for _, summary := range s.runs {
		if symbol == "" || strings.EqualFold(summary.Symbol, symbol) {
			out = append(out, summary)
		}
	}
	sortRuns(out)
	return out, nil
}

func sortRuns(runs []model.TrainingRunSummary) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.Before(runs[j].StartedAt)
		}
		return runs[i].RunID < runs[j].RunID
	})
}
