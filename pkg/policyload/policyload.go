// Package policyload reads the model policy and risk matrix definitions from
// a policies directory. The risk matrix variant is resolved here, once, so
// the evaluator never re-detects it.
package policyload

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	PolicyFile     = "model-policy.yml"
	RiskMatrixFile = "risk-matrix.yml"

	DefaultMaxRisk = 5.0
)

// RiskScheme selects how a risk score is computed.
type RiskScheme int

const (
	SchemeLegacy RiskScheme = iota
	SchemeWeighted
)

func (s RiskScheme) String() string {
	if s == SchemeWeighted {
		return "weighted"
	}
	return "legacy"
}

// DenyRule matches when the payload's field renders to the same text as Equals.
type DenyRule struct {
	Field  string
	Equals any
}

type PolicySet struct {
	Required []string
	Deny     []DenyRule
	MaxRisk  float64
}

// Weight is one factor of the weighted scheme.
type Weight struct {
	Key   string
	Value float64
}

type RiskMatrix struct {
	Scheme RiskScheme
	// Weights is sorted by key.
	Weights         []Weight
	ClassBase       map[string]float64
	UseCaseBase     map[string]float64
	RegionModifiers map[string]float64
}

// Bundle is everything the policy engine needs from disk.
type Bundle struct {
	Policy PolicySet
	Risk   RiskMatrix
}

// LoadDir reads model-policy.yml and risk-matrix.yml from dir. Both files must
// exist; empty files load as zero values with defaults applied.
func LoadDir(dir string) (Bundle, error) {
	policyRaw, err := readFile(filepath.Join(dir, PolicyFile))
	if err != nil {
		return Bundle{}, err
	}
	riskRaw, err := readFile(filepath.Join(dir, RiskMatrixFile))
	if err != nil {
		return Bundle{}, err
	}
	policy, err := ParsePolicy(policyRaw)
	if err != nil {
		return Bundle{}, fmt.Errorf("%s: %w", PolicyFile, err)
	}
	risk, err := ParseRiskMatrix(riskRaw)
	if err != nil {
		return Bundle{}, fmt.Errorf("%s: %w", RiskMatrixFile, err)
	}
	return Bundle{Policy: policy, Risk: risk}, nil
}

func readFile(path string) ([]byte, error) {
	// #nosec G304 -- path comes from the operator-configured policies directory.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return raw, nil
}

type policyDoc struct {
	Required []string `yaml:"required"`
	Deny     []struct {
		Field  string `yaml:"field"`
		Equals any    `yaml:"equals"`
	} `yaml:"deny"`
	MaxRisk any `yaml:"max_risk"`
}

// ParsePolicy decodes a model policy document. Deny rules without a field or
// without an equals value never match and are dropped.
func ParsePolicy(raw []byte) (PolicySet, error) {
	var doc policyDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return PolicySet{}, err
	}
	out := PolicySet{Required: doc.Required, MaxRisk: DefaultMaxRisk}
	if doc.MaxRisk != nil {
		v, ok := Number(doc.MaxRisk)
		if !ok {
			return PolicySet{}, fmt.Errorf("max_risk must be numeric, got %v", doc.MaxRisk)
		}
		out.MaxRisk = v
	}
	for _, rule := range doc.Deny {
		if rule.Field == "" || rule.Equals == nil {
			continue
		}
		out.Deny = append(out.Deny, DenyRule{Field: rule.Field, Equals: rule.Equals})
	}
	return out, nil
}

type riskDoc struct {
	Weights         any            `yaml:"weights"`
	ClassBase       map[string]any `yaml:"class_base"`
	UseCaseBase     map[string]any `yaml:"use_case_base"`
	RegionModifiers map[string]any `yaml:"region_modifiers"`
}

// ParseRiskMatrix decodes a risk matrix. A weights mapping selects the
// weighted scheme; otherwise the legacy base tables are used. Non-numeric
// entries are dropped.
func ParseRiskMatrix(raw []byte) (RiskMatrix, error) {
	var doc riskDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return RiskMatrix{}, err
	}
	if weights, ok := doc.Weights.(map[string]any); ok {
		out := RiskMatrix{Scheme: SchemeWeighted, Weights: make([]Weight, 0, len(weights))}
		for k, v := range weights {
			if f, ok := Number(v); ok {
				out.Weights = append(out.Weights, Weight{Key: k, Value: f})
			}
		}
		sort.Slice(out.Weights, func(i, j int) bool { return out.Weights[i].Key < out.Weights[j].Key })
		return out, nil
	}
	return RiskMatrix{
		Scheme:          SchemeLegacy,
		ClassBase:       numericTable(doc.ClassBase),
		UseCaseBase:     numericTable(doc.UseCaseBase),
		RegionModifiers: numericTable(doc.RegionModifiers),
	}, nil
}

func numericTable(in map[string]any) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		if f, ok := Number(v); ok {
			out[k] = f
		}
	}
	return out
}

// Number converts decoded YAML or JSON scalars to float64. Booleans count as
// 1 and 0 and numeric strings are parsed.
func Number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
