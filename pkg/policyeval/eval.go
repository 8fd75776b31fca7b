// Package policyeval decides whether a model invocation is admitted. The
// engine verifies AIBOM provenance, scores risk and applies deny and required
// rules in a fixed order.
package policyeval

import (
	"crypto"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"mcpgov/pkg/models"
	"mcpgov/pkg/policyload"
)

const DefaultSLA = 1500 * time.Millisecond

// ErrKeyNotFound is returned by a KeySource when no public key is configured
// at its location.
var ErrKeyNotFound = errors.New("aibom public key not found")

// KeySource yields the public key AIBOM signatures are verified against.
type KeySource interface {
	PublicKey() (crypto.PublicKey, error)
}

// FileKeySource reads a PEM-encoded public key on every call so key rotation
// needs no restart.
type FileKeySource struct {
	Path string
}

func (s FileKeySource) PublicKey() (crypto.PublicKey, error) {
	// #nosec G304 -- path is operator-configured.
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, s.Path)
		}
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM data found in public key file")
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}

// StaticKey serves a fixed key.
type StaticKey struct {
	Key crypto.PublicKey
}

func (s StaticKey) PublicKey() (crypto.PublicKey, error) {
	if s.Key == nil {
		return nil, ErrKeyNotFound
	}
	return s.Key, nil
}

type Engine struct {
	Keys KeySource
	// Required denies payloads without a verifiable AIBOM.
	Required bool
	SLA      time.Duration

	now func() time.Time
}

func New(keys KeySource, required bool, sla time.Duration) *Engine {
	if sla <= 0 {
		sla = DefaultSLA
	}
	return &Engine{Keys: keys, Required: required, SLA: sla, now: time.Now}
}

// Evaluate runs provenance, risk, deny, required and budget checks in that
// order. A deny or missing-field hit returns immediately. Timing fields are
// filled on every path and never influence Allowed.
func (e *Engine) Evaluate(payload map[string]any, policy policyload.PolicySet, risk policyload.RiskMatrix) models.GateResult {
	start := e.clock()()

	aibomOK, aibomReason := e.VerifyAIBOM(payload)
	reasons := []string{aibomReason}

	score, riskReasons := Score(payload, risk)
	reasons = append(reasons, riskReasons...)

	result := models.GateResult{RiskScore: score, AIBOMOK: aibomOK}
	finish := func(allowed bool) models.GateResult {
		result.Allowed = allowed
		result.Reasons = reasons
		result.ElapsedMS = e.clock()().Sub(start).Milliseconds()
		result.WithinSLA = result.ElapsedMS <= e.sla().Milliseconds()
		return result
	}

	for _, rule := range policy.Deny {
		if rule.Field == "" || rule.Equals == nil {
			continue
		}
		if Text(payload[rule.Field]) == Text(rule.Equals) {
			reasons = append(reasons, fmt.Sprintf("deny:%s=%s", rule.Field, Text(rule.Equals)))
			return finish(false)
		}
	}

	var missing []string
	for _, field := range policy.Required {
		if v, ok := payload[field]; !ok || v == nil || v == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		reasons = append(reasons, "missing:"+strings.Join(missing, ","))
		return finish(false)
	}

	if score > policy.MaxRisk {
		reasons = append(reasons, fmt.Sprintf("risk_exceeds:%s>%s", formatNumber(score), formatNumber(policy.MaxRisk)))
	}
	return finish(aibomOK && score <= policy.MaxRisk)
}

// VerifyAIBOM checks payload["aibom"] = {data, signature} against the
// configured key. It never panics; every outcome is a verdict and a reason.
func (e *Engine) VerifyAIBOM(payload map[string]any) (bool, string) {
	raw := payload["aibom"]
	if !truthy(raw) {
		if e.Required {
			return false, "aibom_missing_denied"
		}
		return true, "aibom_missing_allowed"
	}
	if e.Keys == nil {
		return !e.Required, "aibom_pubkey_not_found"
	}
	key, err := e.Keys.PublicKey()
	if errors.Is(err, ErrKeyNotFound) {
		return !e.Required, "aibom_pubkey_not_found"
	}
	if err != nil {
		return false, "aibom_error:" + err.Error()
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return false, "aibom_public_key_not_ed25519"
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Sprintf("aibom_error:bad public key length %d", len(pub))
	}

	doc, ok := raw.(map[string]any)
	if !ok {
		return false, fmt.Sprintf("aibom_error:aibom must be an object, got %T", raw)
	}
	data, err := models.Canonical(doc["data"])
	if err != nil {
		return false, "aibom_error:" + err.Error()
	}
	sigHex, ok := doc["signature"].(string)
	if !ok {
		return false, "aibom_signature_missing"
	}
	sig, err := hex.DecodeString(strings.Join(strings.Fields(sigHex), ""))
	if err != nil {
		return false, "aibom_signature_not_hex"
	}
	if !ed25519.Verify(pub, data, sig) {
		return false, "aibom_signature_invalid"
	}
	return true, "aibom_verified"
}

// Score runs exactly one risk scheme. The weighted scheme multiplies
// payload["risk"] factors by their weights, skipping non-numeric factors. The
// legacy scheme adds class, use case and region base values; categories
// missing from the tables contribute nothing.
func Score(payload map[string]any, m policyload.RiskMatrix) (float64, []string) {
	var (
		score   float64
		reasons []string
	)
	if m.Scheme == policyload.SchemeWeighted {
		factors, _ := payload["risk"].(map[string]any)
		for _, w := range m.Weights {
			raw, ok := factors[w.Key]
			if !ok {
				continue
			}
			v, ok := policyload.Number(raw)
			if !ok {
				continue
			}
			contribution := w.Value * v
			score += contribution
			if contribution != 0 {
				reasons = append(reasons, fmt.Sprintf("risk:%s*%s=%s", w.Key, formatNumber(w.Value), formatNumber(contribution)))
			}
		}
		return score, reasons
	}

	class := "unknown"
	if v := payload["model_class"]; truthy(v) {
		class = Text(v)
	} else if v := payload["model_type"]; truthy(v) {
		class = Text(v)
	}
	useCase := lookupDefault(payload, "use_case", "unknown")
	region := lookupDefault(payload, "region", "global")

	if v, ok := m.ClassBase[class]; ok {
		score += v
		reasons = append(reasons, "class:"+class)
	}
	if v, ok := m.UseCaseBase[useCase]; ok {
		score += v
		reasons = append(reasons, "use_case:"+useCase)
	}
	if v, ok := m.RegionModifiers[region]; ok {
		score += v
		reasons = append(reasons, "region:"+region)
	}
	return score, reasons
}

func lookupDefault(payload map[string]any, key, def string) string {
	v, ok := payload[key]
	if !ok {
		return def
	}
	return Text(v)
}

// Text renders a decoded value the way deny rules compare it: null as None,
// booleans as True and False, floats in repr form.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case string:
		return t
	case bool:
		if t {
			return "True"
		}
		return "False"
	case json.Number:
		s := t.String()
		if strings.ContainsAny(s, ".eE") {
			if f, err := t.Float64(); err == nil {
				return models.ReprFloat(f)
			}
		}
		return s
	case float64:
		return models.ReprFloat(t)
	case float32:
		return models.ReprFloat(float64(t))
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	default:
		return fmt.Sprint(t)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (e *Engine) clock() func() time.Time {
	if e.now == nil {
		return time.Now
	}
	return e.now
}

func (e *Engine) sla() time.Duration {
	if e.SLA <= 0 {
		return DefaultSLA
	}
	return e.SLA
}
