package models

import "time"

// GenesisHash is the prev_hash of the first ledger entry.
const GenesisHash = "GENESIS"

// GateResult is the outcome of one policy evaluation.
type GateResult struct {
	Allowed   bool     `json:"allowed"`
	Reasons   []string `json:"reasons"`
	RiskScore float64  `json:"risk_score"`
	WithinSLA bool     `json:"within_sla"`
	ElapsedMS int64    `json:"elapsed_ms"`
	AIBOMOK   bool     `json:"aibom_ok"`
}

// ValidateRequest is the body accepted by the policy service.
type ValidateRequest struct {
	Payload map[string]any `json:"payload"`
}

// AuditInput is the body accepted by the audit service's /log endpoint.
type AuditInput struct {
	EventType string         `json:"event_type"`
	Subject   string         `json:"subject"`
	Decision  *bool          `json:"decision"`
	Details   map[string]any `json:"details"`
}

// AuditEntry is one hash-linked ledger row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	EventType string         `json:"event_type"`
	Subject   string         `json:"subject"`
	Decision  bool           `json:"decision"`
	Details   map[string]any `json:"details"`
	PrevHash  string         `json:"prev_hash"`
	EntryHash string         `json:"entry_hash"`
	CreatedAt time.Time      `json:"created_at"`
}

// ModelRegistration is both the gateway's registration request and the
// lineage service's input.
type ModelRegistration struct {
	ModelID   string         `json:"model_id"`
	Version   string         `json:"version"`
	CreatedBy string         `json:"created_by"`
	Artifacts []string       `json:"artifacts"`
	Metadata  map[string]any `json:"metadata"`
	AIBOM     map[string]any `json:"aibom"`
}

// LineageRecord is a stored model_lineage row.
type LineageRecord struct {
	ID        int64          `json:"id"`
	ModelID   string         `json:"model_id"`
	Version   string         `json:"version"`
	Artifacts []string       `json:"artifacts"`
	CreatedBy string         `json:"created_by"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	AIBOM     map[string]any `json:"aibom"`
}

type InferenceRequest struct {
	ModelID    string         `json:"model_id"`
	UserID     string         `json:"user_id"`
	Prompt     string         `json:"prompt"`
	Parameters map[string]any `json:"parameters"`
	Risk       map[string]any `json:"risk,omitempty"`
}

// RegisteredModel is an entry of the policy service's model registry.
type RegisteredModel struct {
	ModelID  string         `json:"model_id"`
	Name     *string        `json:"name"`
	Tags     []string       `json:"tags"`
	Metadata map[string]any `json:"metadata"`
}
