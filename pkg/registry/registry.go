// Package registry holds the models announced to the policy service. The
// store is injected so isolated instances never share state.
package registry

import (
	"context"

	"mcpgov/pkg/apierr"
	"mcpgov/pkg/models"
)

type Store interface {
	// Put inserts or replaces a model. A replaced model keeps its original
	// position in List.
	Put(ctx context.Context, m models.RegisteredModel) error
	// List returns models in first-registration order.
	List(ctx context.Context) ([]models.RegisteredModel, error)
}

// Normalize rejects an empty model_id and fills empty collections.
func Normalize(m models.RegisteredModel) (models.RegisteredModel, error) {
	if m.ModelID == "" {
		return m, apierr.Validation("invalid_model_id", "model_id is required")
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	return m, nil
}
