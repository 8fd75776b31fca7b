package lineage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"mcpgov/pkg/models"
)

const (
	insertSQL = `
		INSERT INTO model_lineage (model_id, version, artifacts, created_by, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, model_id, version, artifacts, created_by, metadata, created_at`
	historySQL = `
		SELECT id, model_id, version, artifacts, created_by, metadata, created_at
		FROM model_lineage
		WHERE model_id = $1
		ORDER BY created_at DESC, id DESC`
)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PostgresStore struct {
	DB querier
}

func NewPostgresStore(db querier) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) Register(ctx context.Context, in models.ModelRegistration) (models.LineageRecord, error) {
	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return models.LineageRecord{}, fmt.Errorf("encode metadata: %w", err)
	}
	artifacts := in.Artifacts
	if artifacts == nil {
		artifacts = []string{}
	}
	rec, err := scanRecord(s.DB.QueryRow(ctx, insertSQL, in.ModelID, in.Version, artifacts, in.CreatedBy, json.RawMessage(raw)))
	if err != nil {
		return models.LineageRecord{}, fmt.Errorf("insert model_lineage: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) History(ctx context.Context, modelID string) ([]models.LineageRecord, error) {
	rows, err := s.DB.Query(ctx, historySQL, modelID)
	if err != nil {
		return nil, fmt.Errorf("query model_lineage: %w", err)
	}
	defer rows.Close()
	out := []models.LineageRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model_lineage: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model_lineage: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (models.LineageRecord, error) {
	var (
		rec      models.LineageRecord
		metadata []byte
	)
	if err := row.Scan(&rec.ID, &rec.ModelID, &rec.Version, &rec.Artifacts, &rec.CreatedBy, &metadata, &rec.CreatedAt); err != nil {
		return models.LineageRecord{}, err
	}
	if rec.Artifacts == nil {
		rec.Artifacts = []string{}
	}
	rec.Metadata = map[string]any{}
	if len(metadata) > 0 {
		v, err := models.DecodeJSON(metadata)
		if err != nil {
			return models.LineageRecord{}, err
		}
		if m, ok := v.(map[string]any); ok {
			rec.Metadata = m
		}
	}
	return rec, nil
}
