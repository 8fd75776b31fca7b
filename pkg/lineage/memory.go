package lineage

import (
	"context"
	"sort"
	"sync"
	"time"

	"mcpgov/pkg/models"
)

type MemoryStore struct {
	mu      sync.RWMutex
	records []models.LineageRecord
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: func() time.Time { return time.Now().UTC() }}
}

func (m *MemoryStore) Register(ctx context.Context, in models.ModelRegistration) (models.LineageRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.LineageRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := models.LineageRecord{
		ID:        int64(len(m.records) + 1),
		ModelID:   in.ModelID,
		Version:   in.Version,
		Artifacts: append([]string{}, in.Artifacts...),
		CreatedBy: in.CreatedBy,
		Metadata:  in.Metadata,
		CreatedAt: m.now(),
	}
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *MemoryStore) History(ctx context.Context, modelID string) ([]models.LineageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.LineageRecord{}
	for _, r := range m.records {
		if r.ModelID == modelID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}
