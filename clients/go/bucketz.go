// Package bucketz provides client interfaces and result types for a remote
// bucketz assignment server.
//
// Use the sub-packages to create transport-specific clients:
//
//	import bucketzhttp "github.com/matt-riley/bucketz/clients/go/http"
//	import bucketzgrpc "github.com/matt-riley/bucketz/clients/go/grpc"
package bucketz

import (
	"context"
	"encoding/json"
)

// Evaluator resolves features for one set of attributes.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluateRequest) (Result, error)
	EvaluateAll(ctx context.Context, req EvaluateAllRequest) (map[string]Result, error)
}

type EvaluateRequest struct {
	Environment string         `json:"environment"`
	Feature     string         `json:"feature"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Draft       bool           `json:"draft,omitempty"`
	Trace       bool           `json:"trace,omitempty"`
}

type EvaluateAllRequest struct {
	Environment string         `json:"environment"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Draft       bool           `json:"draft,omitempty"`
	Trace       bool           `json:"trace,omitempty"`
}

type ExperimentRequest struct {
	Experiment string         `json:"experiment"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Trace      bool           `json:"trace,omitempty"`
}

// Result mirrors the server's evaluation result. Value is kept as raw JSON;
// use Decode or On to read it.
type Result struct {
	Value      json.RawMessage `json:"value"`
	Source     string          `json:"source"`
	RuleIndex  *int            `json:"ruleIndex,omitempty"`
	RuleID     string          `json:"ruleId,omitempty"`
	Experiment *ExperimentMeta `json:"experimentMeta,omitempty"`
	Trace      []TraceStep     `json:"trace,omitempty"`
}

type ExperimentMeta struct {
	Key            string  `json:"key"`
	VariationIndex int     `json:"variationIndex"`
	InExperiment   bool    `json:"inExperiment"`
	HashUsed       float64 `json:"hashUsed"`
	HashAttribute  string  `json:"hashAttribute"`
	HashValue      string  `json:"hashValue"`
}

type TraceStep struct {
	RuleIndex int    `json:"ruleIndex"`
	RuleID    string `json:"ruleId,omitempty"`
	Reason    string `json:"reason"`
	Error     string `json:"error,omitempty"`
}

// Decode unmarshals the assigned value into dst.
func (r Result) Decode(dst any) error {
	if len(r.Value) == 0 {
		return json.Unmarshal([]byte("null"), dst)
	}
	return json.Unmarshal(r.Value, dst)
}

// On reports whether the value is truthy: not null, false, 0 or "".
func (r Result) On() bool {
	var v any
	if err := r.Decode(&v); err != nil {
		return false
	}
	switch value := v.(type) {
	case nil:
		return false
	case bool:
		return value
	case float64:
		return value != 0
	case string:
		return value != ""
	default:
		return true
	}
}

// UnknownFeature reports whether the server did not know the feature.
func (r Result) UnknownFeature() bool {
	return r.Source == "unknownFeature"
}
