// Package orchestrator runs the gateway's two multi-service flows: model
// registration (lineage, then audit) and policy-gated inference (policy,
// then audit). Steps are ordered and never compensated; there are no retries.
package orchestrator

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"mcpgov/pkg/apierr"
	"mcpgov/pkg/httpx"
	"mcpgov/pkg/lineage"
	"mcpgov/pkg/models"
	"mcpgov/pkg/proxy"
)

const (
	ServiceLineage = "mcp-lineage"
	ServicePolicy  = "mcp-policy"
	ServiceAudit   = "mcp-audit"

	echoPrefix    = "[simulated] echo:"
	echoMaxRunes  = 64
	maxIdentifier = 200
)

type Orchestrator struct {
	Directory proxy.Directory
	Client    *http.Client
	Logger    *slog.Logger

	now func() time.Time
}

func New(dir proxy.Directory, client *http.Client, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{Directory: dir, Client: client, Logger: logger, now: time.Now}
}

type RegisterResult struct {
	Status    string         `json:"status"`
	ModelID   string         `json:"model_id"`
	Lineage   map[string]any `json:"lineage"`
	Audit     map[string]any `json:"audit"`
	Timestamp string         `json:"timestamp"`
}

type InferResult struct {
	ModelID   string            `json:"model_id"`
	Response  string            `json:"response"`
	Policy    models.GateResult `json:"policy"`
	Timestamp string            `json:"timestamp"`
}

// RegisterModel records lineage and then audits it. When the audit call fails
// the lineage row stays committed and audit_log_failed is returned.
func (o *Orchestrator) RegisterModel(ctx context.Context, reg models.ModelRegistration) (RegisterResult, error) {
	reg, err := lineage.Validate(reg)
	if err != nil {
		return RegisterResult{}, err
	}
	lineageBase, err := o.resolve(ServiceLineage)
	if err != nil {
		return RegisterResult{}, err
	}
	auditBase, err := o.resolve(ServiceAudit)
	if err != nil {
		return RegisterResult{}, err
	}

	var record map[string]any
	if err := httpx.PostJSON(ctx, o.Client, lineageBase+"/register", reg, &record); err != nil {
		return RegisterResult{}, apierr.Upstream("lineage_register_failed", err)
	}

	var audit map[string]any
	entry := models.AuditInput{
		EventType: "model_registration",
		Subject:   reg.ModelID,
		Decision:  boolPtr(true),
		Details:   map[string]any{"lineage": record},
	}
	if err := httpx.PostJSON(ctx, o.Client, auditBase+"/log", entry, &audit); err != nil {
		o.Logger.ErrorContext(ctx, "registration audit failed after lineage commit",
			"model_id", reg.ModelID, "error", err)
		return RegisterResult{}, apierr.Upstream("audit_log_failed", err)
	}

	return RegisterResult{
		Status:    "ok",
		ModelID:   reg.ModelID,
		Lineage:   record,
		Audit:     audit,
		Timestamp: o.timestamp(),
	}, nil
}

// Infer asks the policy service for a decision and always attempts to audit
// it. Audit failures here are logged and swallowed. A denial is returned as
// *apierr.PolicyDeniedError carrying the gate result.
func (o *Orchestrator) Infer(ctx context.Context, req models.InferenceRequest) (InferResult, error) {
	if err := validateInference(req); err != nil {
		return InferResult{}, err
	}
	policyBase, err := o.resolve(ServicePolicy)
	if err != nil {
		return InferResult{}, err
	}
	auditBase, err := o.resolve(ServiceAudit)
	if err != nil {
		return InferResult{}, err
	}

	promptLen := utf8.RuneCountInString(req.Prompt)
	payload := PolicyPayload(req)

	var gate models.GateResult
	if err := httpx.PostJSON(ctx, o.Client, policyBase+"/validate", models.ValidateRequest{Payload: payload}, &gate); err != nil {
		return InferResult{}, apierr.Upstream("policy_validate_failed", err)
	}
	if gate.Reasons == nil {
		gate.Reasons = []string{}
	}

	entry := models.AuditInput{
		EventType: "model_inference",
		Subject:   req.ModelID,
		Decision:  boolPtr(gate.Allowed),
		Details: map[string]any{
			"user_id":    req.UserID,
			"policy":     gate,
			"prompt_len": promptLen,
		},
	}
	if err := httpx.PostJSON(ctx, o.Client, auditBase+"/log", entry, nil); err != nil {
		o.Logger.WarnContext(ctx, "inference audit failed, continuing",
			"model_id", req.ModelID, "allowed", gate.Allowed, "error", err)
	}

	if !gate.Allowed {
		return InferResult{}, &apierr.PolicyDeniedError{Gate: gate}
	}
	return InferResult{
		ModelID:   req.ModelID,
		Response:  echoPrefix + truncateRunes(req.Prompt, echoMaxRunes),
		Policy:    gate,
		Timestamp: o.timestamp(),
	}, nil
}

// PolicyPayload derives what the policy service sees from an inference
// request. The prompt itself is never included, only its length.
func PolicyPayload(req models.InferenceRequest) map[string]any {
	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	payload := map[string]any{
		"model_id":   req.ModelID,
		"user_id":    req.UserID,
		"prompt_len": utf8.RuneCountInString(req.Prompt),
		"parameters": params,
	}
	if len(req.Risk) > 0 {
		payload["risk"] = req.Risk
	}
	return payload
}

func validateInference(req models.InferenceRequest) error {
	if n := utf8.RuneCountInString(req.ModelID); n < 1 || n > maxIdentifier {
		return apierr.Validation("invalid_model_id", "model_id must be 1..200 characters")
	}
	if n := utf8.RuneCountInString(req.UserID); n < 1 || n > maxIdentifier {
		return apierr.Validation("invalid_user_id", "user_id must be 1..200 characters")
	}
	if req.Prompt == "" {
		return apierr.Validation("invalid_prompt", "prompt is required")
	}
	return nil
}

func (o *Orchestrator) resolve(service string) (string, error) {
	base, ok := o.Directory.Lookup(service)
	if !ok {
		return "", apierr.Unavailable("dependent_service_unavailable:" + service)
	}
	return strings.TrimRight(base, "/"), nil
}

func (o *Orchestrator) timestamp() string {
	now := time.Now
	if o.now != nil {
		now = o.now
	}
	return now().UTC().Format(time.RFC3339Nano)
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func boolPtr(b bool) *bool { return &b }
