package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mcpgov/pkg/models"
)

const (
	lockSQL     = `SELECT pg_advisory_xact_lock($1)`
	lastHashSQL = `SELECT entry_hash FROM audit_log ORDER BY id DESC LIMIT 1`
	insertSQL   = `
		INSERT INTO audit_log (event_type, subject, decision, details, details_canonical, prev_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`
	listSQL = `
		SELECT id, event_type, subject, decision, COALESCE(details_canonical, details::text), prev_hash, entry_hash, created_at
		FROM audit_log ORDER BY id DESC LIMIT $1 OFFSET $2`
	allSQL = `
		SELECT id, event_type, subject, decision, COALESCE(details_canonical, details::text), prev_hash, entry_hash, created_at
		FROM audit_log ORDER BY id ASC`
)

// ledgerTx is the part of pgx.Tx an append uses.
type ledgerTx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// PostgresStore appends inside one transaction holding a transaction-scoped
// advisory lock, so concurrent appenders of the same ledger queue on the lock
// instead of reading the same tail hash.
//
// details is written twice: as JSONB for queries and verbatim in
// details_canonical. JSONB rewrites number text (1e2 becomes 100), so reads
// always decode the verbatim column to reproduce the hashed bytes.
type PostgresStore struct {
	LockKey int64

	begin func(ctx context.Context) (ledgerTx, error)
	query func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func NewPostgresStore(pool *pgxpool.Pool, lockKey int64) *PostgresStore {
	return &PostgresStore{
		LockKey: lockKey,
		begin: func(ctx context.Context) (ledgerTx, error) {
			return pool.Begin(ctx)
		},
		query: pool.Query,
	}
}

func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (entry models.AuditEntry, err error) {
	payload, err := Payload(in)
	if err != nil {
		return models.AuditEntry{}, err
	}
	details := in.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := models.Canonical(details)
	if err != nil {
		return models.AuditEntry{}, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if _, err = tx.Exec(ctx, lockSQL, s.LockKey); err != nil {
		return models.AuditEntry{}, fmt.Errorf("ledger lock: %w", err)
	}
	prev := models.GenesisHash
	if err = tx.QueryRow(ctx, lastHashSQL).Scan(&prev); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.AuditEntry{}, fmt.Errorf("read last hash: %w", err)
		}
		prev = models.GenesisHash
		err = nil
	}

	entry = models.AuditEntry{
		EventType: in.EventType,
		Subject:   in.Subject,
		Decision:  in.Decision,
		Details:   details,
		PrevHash:  prev,
		EntryHash: ComputeHash(prev, payload),
	}
	if err = tx.QueryRow(ctx, insertSQL,
		entry.EventType, entry.Subject, entry.Decision, json.RawMessage(detailsJSON), string(detailsJSON), entry.PrevHash, entry.EntryHash,
	).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return models.AuditEntry{}, fmt.Errorf("insert entry: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return models.AuditEntry{}, fmt.Errorf("commit: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]models.AuditEntry, error) {
	return s.collect(ctx, listSQL, limit, offset)
}

func (s *PostgresStore) All(ctx context.Context) ([]models.AuditEntry, error) {
	return s.collect(ctx, allSQL)
}

func (s *PostgresStore) collect(ctx context.Context, sql string, args ...any) ([]models.AuditEntry, error) {
	rows, err := s.query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	defer rows.Close()
	out := []models.AuditEntry{}
	for rows.Next() {
		var (
			e       models.AuditEntry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.Subject, &e.Decision, &details, &e.PrevHash, &e.EntryHash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit_log: %w", err)
		}
		if e.Details, err = decodeDetails(details); err != nil {
			return nil, fmt.Errorf("entry %d details: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit_log: %w", err)
	}
	return out, nil
}

func decodeDetails(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	v, err := models.DecodeJSON(raw)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("details is %T, want object", v)
	}
	return m, nil
}
