package registry

import (
	"context"
	"sync"

	"mcpgov/pkg/models"
)

type MemoryStore struct {
	mu     sync.RWMutex
	order  []string
	models map[string]models.RegisteredModel
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{models: map[string]models.RegisteredModel{}}
}

func (s *MemoryStore) Put(ctx context.Context, m models.RegisteredModel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[m.ModelID]; !ok {
		s.order = append(s.order, m.ModelID)
	}
	s.models[m.ModelID] = m
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]models.RegisteredModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.RegisteredModel, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.models[id])
	}
	return out, nil
}
