// Package lineage records model versions and the artifacts they were built
// from. Records are insert-only.
package lineage

import (
	"context"
	"fmt"
	"unicode/utf8"

	"mcpgov/pkg/apierr"
	"mcpgov/pkg/models"
)

type Store interface {
	Register(ctx context.Context, in models.ModelRegistration) (models.LineageRecord, error)
	// History returns a model's records, newest first.
	History(ctx context.Context, modelID string) ([]models.LineageRecord, error)
}

// Validate checks field bounds and fills empty collections.
func Validate(in models.ModelRegistration) (models.ModelRegistration, error) {
	if err := bounded("model_id", in.ModelID, 200); err != nil {
		return in, err
	}
	if err := bounded("version", in.Version, 100); err != nil {
		return in, err
	}
	if err := bounded("created_by", in.CreatedBy, 200); err != nil {
		return in, err
	}
	if in.Artifacts == nil {
		in.Artifacts = []string{}
	}
	if in.Metadata == nil {
		in.Metadata = map[string]any{}
	}
	return in, nil
}

func bounded(field, v string, max int) error {
	if n := utf8.RuneCountInString(v); n < 1 || n > max {
		return apierr.Validation("invalid_"+field, fmt.Sprintf("%s must be 1..%d characters", field, max))
	}
	return nil
}

type Service struct {
	Store Store
}

func New(store Store) *Service {
	return &Service{Store: store}
}

// Register validates and stores in. The returned record echoes the request's
// aibom, which is not persisted.
func (s *Service) Register(ctx context.Context, in models.ModelRegistration) (models.LineageRecord, error) {
	in, err := Validate(in)
	if err != nil {
		return models.LineageRecord{}, err
	}
	rec, err := s.Store.Register(ctx, in)
	if err != nil {
		return models.LineageRecord{}, apierr.Persistence("registration_failed", err)
	}
	rec.AIBOM = in.AIBOM
	return rec, nil
}

func (s *Service) History(ctx context.Context, modelID string) ([]models.LineageRecord, error) {
	out, err := s.Store.History(ctx, modelID)
	if err != nil {
		return nil, apierr.Persistence("query_failed", err)
	}
	return out, nil
}
