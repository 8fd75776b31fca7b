package ledger

import (
	"context"
	"sync"
	"time"

	"mcpgov/pkg/models"
)

// MemoryStore keeps the chain in process. A mutex serializes appends.
type MemoryStore struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: func() time.Time { return time.Now().UTC() }}
}

func (m *MemoryStore) Append(ctx context.Context, in AppendInput) (models.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return models.AuditEntry{}, err
	}
	payload, err := Payload(in)
	if err != nil {
		return models.AuditEntry{}, err
	}
	details := in.Details
	if details == nil {
		details = map[string]any{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prev := models.GenesisHash
	if n := len(m.entries); n > 0 {
		prev = m.entries[n-1].EntryHash
	}
	entry := models.AuditEntry{
		ID:        int64(len(m.entries) + 1),
		EventType: in.EventType,
		Subject:   in.Subject,
		Decision:  in.Decision,
		Details:   details,
		PrevHash:  prev,
		EntryHash: ComputeHash(prev, payload),
		CreatedAt: m.now(),
	}
	m.entries = append(m.entries, entry)
	return entry, nil
}

func (m *MemoryStore) List(ctx context.Context, limit, offset int) ([]models.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.AuditEntry{}
	for i := len(m.entries) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *MemoryStore) All(ctx context.Context) ([]models.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditEntry(nil), m.entries...), nil
}
