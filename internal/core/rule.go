package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// RuleKind discriminates the three rule variants.
type RuleKind string

const (
	RuleForce      RuleKind = "force"
	RuleRollout    RuleKind = "rollout"
	RuleExperiment RuleKind = "experiment"
)

// DefaultHashAttribute is hashed when a rule names no hash attribute.
const DefaultHashAttribute = "id"

const weightTolerance = 1e-6

// Rule is one entry of a feature's ordered rule list.
//
// Force rules use Value. Rollout rules use Value and Coverage. Experiment
// rules use Variations, Weights, Coverage and Key. Rules built in Go must set
// Coverage explicitly; decoded rules default it to 1.
type Rule struct {
	ID            string
	Kind          RuleKind
	Condition     Condition
	Namespace     *Namespace
	HashAttribute string
	HashVersion   HashVersion
	Seed          string

	Value    Value
	Coverage float64

	Variations []Value
	Weights    []float64
	Key        string

	// Err holds a decoding problem. A rule with Err set is kept in place
	// so that rule indexes stay stable, and is skipped during evaluation.
	Err error

	raw json.RawMessage
}

func (r Rule) hashAttribute() string {
	if r.HashAttribute == "" {
		return DefaultHashAttribute
	}
	return r.HashAttribute
}

func (r Rule) hashVersion() HashVersion {
	if r.HashVersion == 0 {
		return DefaultHashVersion
	}
	return r.HashVersion
}

// seed returns the bucketing seed. Experiments fall back to their key and
// then to the feature key; other rules fall back to the feature key.
func (r Rule) seed(featureKey string) string {
	if r.Seed != "" {
		return r.Seed
	}
	if r.Kind == RuleExperiment && r.Key != "" {
		return r.Key
	}
	return featureKey
}

func (r Rule) experimentKey(featureKey string) string {
	if r.Key != "" {
		return r.Key
	}
	return featureKey
}

// Validate checks the rule for configuration errors.
func (r Rule) Validate() error {
	if r.Err != nil {
		return r.Err
	}

	if !r.hashVersion().Valid() {
		return configErrorf("unknown hash version %d", r.HashVersion)
	}

	if r.Namespace != nil {
		if err := r.Namespace.validate(); err != nil {
			return err
		}
	}

	switch r.Kind {
	case RuleForce:
		return nil
	case RuleRollout:
		return validateCoverage(r.Coverage)
	case RuleExperiment:
		if len(r.Variations) == 0 {
			return configErrorf("experiment has no variations")
		}
		if len(r.Weights) != len(r.Variations) {
			return configErrorf("experiment has %d weights for %d variations", len(r.Weights), len(r.Variations))
		}
		total := 0.0
		for idx, weight := range r.Weights {
			if math.IsNaN(weight) || math.IsInf(weight, 0) || weight < 0 {
				return configErrorf("weight %d is invalid: %v", idx, weight)
			}
			total += weight
		}
		if total > 1+weightTolerance {
			return configErrorf("weights sum to %v, above 1", total)
		}
		return validateCoverage(r.Coverage)
	default:
		return configErrorf("unknown rule kind %q", r.Kind)
	}
}

func validateCoverage(coverage float64) error {
	if math.IsNaN(coverage) || coverage < 0 || coverage > 1 {
		return configErrorf("coverage %v is outside [0, 1]", coverage)
	}
	return nil
}

type wireRule struct {
	ID            string            `json:"id,omitempty"`
	Condition     json.RawMessage   `json:"condition,omitempty"`
	Force         json.RawMessage   `json:"force,omitempty"`
	Coverage      *float64          `json:"coverage,omitempty"`
	Variations    []json.RawMessage `json:"variations,omitempty"`
	Weights       []float64         `json:"weights,omitempty"`
	Key           string            `json:"key,omitempty"`
	Seed          string            `json:"seed,omitempty"`
	HashAttribute string            `json:"hashAttribute,omitempty"`
	HashVersion   int               `json:"hashVersion,omitempty"`
	Namespace     *Namespace        `json:"namespace,omitempty"`
}

// decodeRule never fails: problems are recorded in Rule.Err.
func decodeRule(raw []byte) Rule {
	var wire wireRule
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Rule{Err: configErrorf("decode rule: %v", err), raw: compactJSON(raw)}
	}

	rule := Rule{
		ID:            wire.ID,
		Namespace:     wire.Namespace,
		HashAttribute: wire.HashAttribute,
		HashVersion:   HashVersion(wire.HashVersion),
		Seed:          wire.Seed,
		Key:           wire.Key,
		Weights:       wire.Weights,
		Coverage:      1,
	}
	if wire.Coverage != nil {
		rule.Coverage = *wire.Coverage
	}

	condition, err := ParseCondition(wire.Condition)
	if err != nil {
		rule.Err = err
		rule.raw = compactJSON(raw)
		return rule
	}
	rule.Condition = condition

	switch {
	case len(wire.Variations) > 0:
		rule.Kind = RuleExperiment
		rule.Variations = make([]Value, 0, len(wire.Variations))
		for idx, rawVariation := range wire.Variations {
			variation, err := JSON(rawVariation)
			if err != nil {
				rule.Err = configErrorf("variation %d: %v", idx, err)
				rule.raw = compactJSON(raw)
				return rule
			}
			rule.Variations = append(rule.Variations, variation)
		}
		if rule.Weights == nil {
			rule.Weights = EqualWeights(len(rule.Variations))
		}
	case len(wire.Force) > 0:
		value, err := JSON(wire.Force)
		if err != nil {
			rule.Err = configErrorf("force value: %v", err)
			rule.raw = compactJSON(raw)
			return rule
		}
		rule.Value = value
		rule.Kind = RuleForce
		if wire.Coverage != nil {
			rule.Kind = RuleRollout
		}
	default:
		rule.Err = configErrorf("rule has neither force nor variations")
		rule.raw = compactJSON(raw)
	}

	return rule
}

func compactJSON(raw []byte) json.RawMessage {
	var out bytes.Buffer
	if err := json.Compact(&out, raw); err != nil {
		return nil
	}
	return out.Bytes()
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	*r = decodeRule(data)
	return r.Err
}

// MarshalJSON encodes the rule in wire form. Rules that failed to decode
// are written back as they were read.
func (r Rule) MarshalJSON() ([]byte, error) {
	if r.Err != nil && len(r.raw) > 0 {
		return r.raw, nil
	}

	wire := wireRule{
		ID:            r.ID,
		Key:           r.Key,
		Seed:          r.Seed,
		HashAttribute: r.HashAttribute,
		HashVersion:   int(r.HashVersion),
		Namespace:     r.Namespace,
	}

	if r.Condition != nil {
		condition, err := MarshalCondition(r.Condition)
		if err != nil {
			return nil, err
		}
		wire.Condition = condition
	}

	switch r.Kind {
	case RuleForce:
		wire.Force = r.Value.RawJSON()
	case RuleRollout:
		wire.Force = r.Value.RawJSON()
		wire.Coverage = &r.Coverage
	case RuleExperiment:
		wire.Variations = make([]json.RawMessage, 0, len(r.Variations))
		for _, variation := range r.Variations {
			wire.Variations = append(wire.Variations, variation.RawJSON())
		}
		wire.Weights = r.Weights
		wire.Coverage = &r.Coverage
	default:
		return nil, fmt.Errorf("marshal rule: unknown kind %q", r.Kind)
	}

	return json.Marshal(wire)
}

// MarshalJSON encodes the namespace in its compact [id, start, end] form.
func (n Namespace) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{n.ID, n.Start, n.End})
}

// UnmarshalJSON accepts [id, start, end], {"namespaceId", "range": [start, end]}
// and {"namespaceId", "rangeStart", "rangeEnd"}.
func (n *Namespace) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var tuple []json.RawMessage
		if err := json.Unmarshal(trimmed, &tuple); err != nil {
			return fmt.Errorf("decode namespace: %w", err)
		}
		if len(tuple) != 3 {
			return fmt.Errorf("decode namespace: expected [id, start, end], got %d elements", len(tuple))
		}
		if err := json.Unmarshal(tuple[0], &n.ID); err != nil {
			return fmt.Errorf("decode namespace id: %w", err)
		}
		if err := json.Unmarshal(tuple[1], &n.Start); err != nil {
			return fmt.Errorf("decode namespace start: %w", err)
		}
		if err := json.Unmarshal(tuple[2], &n.End); err != nil {
			return fmt.Errorf("decode namespace end: %w", err)
		}
		return nil
	}

	var object struct {
		ID         string    `json:"namespaceId"`
		Range      []float64 `json:"range"`
		RangeStart *float64  `json:"rangeStart"`
		RangeEnd   *float64  `json:"rangeEnd"`
	}
	if err := json.Unmarshal(trimmed, &object); err != nil {
		return fmt.Errorf("decode namespace: %w", err)
	}

	n.ID = object.ID
	switch {
	case object.Range != nil:
		if len(object.Range) != 2 {
			return fmt.Errorf("decode namespace: range must have two bounds")
		}
		n.Start, n.End = object.Range[0], object.Range[1]
	case object.RangeStart != nil && object.RangeEnd != nil:
		n.Start, n.End = *object.RangeStart, *object.RangeEnd
	default:
		return fmt.Errorf("decode namespace: missing range")
	}

	return nil
}

// Definition is the authored form of a feature: a default value and an
// ordered list of rules.
type Definition struct {
	DefaultValue Value  `json:"defaultValue"`
	Rules        []Rule `json:"rules,omitempty"`
}

// UnmarshalJSON decodes a definition. Malformed rules do not fail decoding;
// they are kept with Rule.Err set so the rest of the feature still serves.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var wire struct {
		DefaultValue json.RawMessage   `json:"defaultValue"`
		Rules        []json.RawMessage `json:"rules"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode definition: %w", err)
	}

	out := Definition{DefaultValue: Null()}
	if len(wire.DefaultValue) > 0 {
		value, err := JSON(wire.DefaultValue)
		if err != nil {
			return fmt.Errorf("decode definition default value: %w", err)
		}
		out.DefaultValue = value
	}

	if len(wire.Rules) > 0 {
		out.Rules = make([]Rule, 0, len(wire.Rules))
		for _, raw := range wire.Rules {
			out.Rules = append(out.Rules, decodeRule(raw))
		}
	}

	*d = out
	return nil
}
