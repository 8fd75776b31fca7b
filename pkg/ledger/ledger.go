// Package ledger is the append-only, hash-chained audit log. Every entry's
// hash covers its predecessor's hash and the canonical JSON of its payload,
// so rewriting any row breaks every later link.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"mcpgov/pkg/apierr"
	"mcpgov/pkg/models"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000

	maxEventTypeLen = 200
	maxSubjectLen   = 500
)

// AppendInput is a validated ledger event.
type AppendInput struct {
	EventType string
	Subject   string
	Decision  bool
	Details   map[string]any
}

// Store persists entries. Append must serialize the read of the last hash
// with the insert so two writers never link to the same predecessor.
type Store interface {
	Append(ctx context.Context, in AppendInput) (models.AuditEntry, error)
	// List returns entries by id descending.
	List(ctx context.Context, limit, offset int) ([]models.AuditEntry, error)
	// All returns the full chain by id ascending.
	All(ctx context.Context) ([]models.AuditEntry, error)
}

// Payload returns the canonical bytes an entry hash covers.
func Payload(in AppendInput) ([]byte, error) {
	details := in.Details
	if details == nil {
		details = map[string]any{}
	}
	return models.Canonical(map[string]any{
		"event_type": in.EventType,
		"subject":    in.Subject,
		"decision":   in.Decision,
		"details":    details,
	})
}

// ComputeHash is hex(SHA-256(prev + "|" + payload)).
func ComputeHash(prev string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte{'|'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Validate checks a /log body and converts it to an AppendInput.
func Validate(in models.AuditInput) (AppendInput, error) {
	if n := utf8.RuneCountInString(in.EventType); n < 1 || n > maxEventTypeLen {
		return AppendInput{}, apierr.Validation("invalid_event_type", fmt.Sprintf("event_type must be 1..%d characters", maxEventTypeLen))
	}
	if n := utf8.RuneCountInString(in.Subject); n < 1 || n > maxSubjectLen {
		return AppendInput{}, apierr.Validation("invalid_subject", fmt.Sprintf("subject must be 1..%d characters", maxSubjectLen))
	}
	if in.Decision == nil {
		return AppendInput{}, apierr.Validation("invalid_decision", "decision is required")
	}
	details := in.Details
	if details == nil {
		details = map[string]any{}
	}
	return AppendInput{EventType: in.EventType, Subject: in.Subject, Decision: *in.Decision, Details: details}, nil
}

// ParsePage reads limit and offset query values. Empty values take the
// defaults; limit must be 1..1000 and offset non-negative.
func ParsePage(limitRaw, offsetRaw string) (int, int, error) {
	limit, offset := DefaultLimit, 0
	if s := strings.TrimSpace(limitRaw); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 || v > MaxLimit {
			return 0, 0, apierr.Validation("invalid_limit", fmt.Sprintf("limit must be an integer in 1..%d", MaxLimit))
		}
		limit = v
	}
	if s := strings.TrimSpace(offsetRaw); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return 0, 0, apierr.Validation("invalid_offset", "offset must be a non-negative integer")
		}
		offset = v
	}
	return limit, offset, nil
}

// Ledger maps store failures onto the error taxonomy.
type Ledger struct {
	Store Store
}

func New(store Store) *Ledger {
	return &Ledger{Store: store}
}

func (l *Ledger) Append(ctx context.Context, in AppendInput) (models.AuditEntry, error) {
	entry, err := l.Store.Append(ctx, in)
	if err != nil {
		return models.AuditEntry{}, apierr.Persistence("audit_failed", err)
	}
	return entry, nil
}

func (l *Ledger) List(ctx context.Context, limit, offset int) ([]models.AuditEntry, error) {
	if limit < 1 || limit > MaxLimit {
		return nil, apierr.Validation("invalid_limit", fmt.Sprintf("limit must be an integer in 1..%d", MaxLimit))
	}
	if offset < 0 {
		return nil, apierr.Validation("invalid_offset", "offset must be a non-negative integer")
	}
	entries, err := l.Store.List(ctx, limit, offset)
	if err != nil {
		return nil, apierr.Persistence("list_failed", err)
	}
	return entries, nil
}

// Verify walks the full chain. A broken link is reported as a *TamperError.
func (l *Ledger) Verify(ctx context.Context) (int, error) {
	entries, err := l.Store.All(ctx)
	if err != nil {
		return 0, apierr.Persistence("verify_failed", err)
	}
	if err := Verify(entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}
