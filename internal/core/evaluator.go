package core

// Source tells which step of the pipeline produced a value.
type Source string

const (
	SourceDefaultValue   Source = "defaultValue"
	SourceForce          Source = "force"
	SourceRollout        Source = "rollout"
	SourceExperiment     Source = "experiment"
	SourceUnknownFeature Source = "unknownFeature"
)

// SkipReason explains why a rule did not assign a value.
type SkipReason string

const (
	SkipInvalidRule   SkipReason = "invalidRule"
	SkipCondition     SkipReason = "conditionNotMet"
	SkipHashAttribute SkipReason = "hashAttributeUnusable"
	SkipNamespace     SkipReason = "outsideNamespace"
	SkipNotIncluded   SkipReason = "notIncluded"
)

// Result is the outcome of evaluating one feature for one attribute set.
type Result struct {
	Value      Value           `json:"value"`
	Source     Source          `json:"source"`
	RuleIndex  *int            `json:"ruleIndex,omitempty"`
	RuleID     string          `json:"ruleId,omitempty"`
	Experiment *ExperimentMeta `json:"experimentMeta,omitempty"`
	Trace      []TraceStep     `json:"trace,omitempty"`
}

// On reports whether the assigned value is truthy in the usual feature
// flag sense: not null, false, 0 or the empty string.
func (r Result) On() bool {
	switch r.Value.Kind() {
	case KindNull:
		return false
	case KindBool:
		return r.Value.BoolValue()
	case KindNumber:
		n, _ := r.Value.NumberValue()
		return n != 0
	case KindString:
		s, _ := r.Value.StringValue()
		return s != ""
	default:
		return true
	}
}

// ExperimentMeta records the exposure produced by an experiment rule.
type ExperimentMeta struct {
	Key            string  `json:"key"`
	VariationIndex int     `json:"variationIndex"`
	InExperiment   bool    `json:"inExperiment"`
	HashUsed       float64 `json:"hashUsed"`
	HashAttribute  string  `json:"hashAttribute"`
	HashValue      string  `json:"hashValue"`
}

// TraceStep records one skipped rule.
type TraceStep struct {
	RuleIndex int        `json:"ruleIndex"`
	RuleID    string     `json:"ruleId,omitempty"`
	Reason    SkipReason `json:"reason"`
	Error     string     `json:"error,omitempty"`
}

type evalConfig struct {
	trace bool
}

// EvalOption tunes a single evaluation.
type EvalOption func(*evalConfig)

// WithTrace attaches the list of skipped rules to the result.
func WithTrace() EvalOption {
	return func(c *evalConfig) {
		c.trace = true
	}
}

// EvaluateFeature runs the rule pipeline. The first rule that assigns a
// value wins; otherwise the default value is used. It never fails: invalid
// rules are skipped. A nil feature yields SourceUnknownFeature.
func EvaluateFeature(feature *Feature, attributes Attributes, opts ...EvalOption) Result {
	var cfg evalConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if feature == nil {
		return Result{Value: Null(), Source: SourceUnknownFeature}
	}

	var trace []TraceStep
	skip := func(idx int, rule Rule, reason SkipReason, err error) {
		if !cfg.trace {
			return
		}
		step := TraceStep{RuleIndex: idx, RuleID: rule.ID, Reason: reason}
		if err != nil {
			step.Error = err.Error()
		}
		trace = append(trace, step)
	}

	for idx, rule := range feature.definition.Rules {
		if err := feature.ruleErrs[idx]; err != nil {
			skip(idx, rule, SkipInvalidRule, err)
			continue
		}

		if !Evaluate(rule.Condition, attributes) {
			skip(idx, rule, SkipCondition, nil)
			continue
		}

		var hashValue string
		if rule.Kind != RuleForce || rule.Namespace != nil {
			raw, _ := attributes.Lookup(rule.hashAttribute())
			value, ok := HashString(raw)
			if !ok {
				skip(idx, rule, SkipHashAttribute, nil)
				continue
			}
			hashValue = value
		}

		version := rule.hashVersion()
		if rule.Namespace != nil {
			namespaceHash, _ := Hash(rule.Namespace.ID, hashValue, version)
			if !InNamespace(*rule.Namespace, namespaceHash) {
				skip(idx, rule, SkipNamespace, nil)
				continue
			}
		}

		switch rule.Kind {
		case RuleForce:
			return matched(idx, rule, rule.Value, SourceForce, nil, trace)
		case RuleRollout:
			userHash, _ := Hash(rule.seed(feature.key), hashValue, version)
			if _, ok := SelectVariation(rolloutWeights, rule.Coverage, userHash); !ok {
				skip(idx, rule, SkipNotIncluded, nil)
				continue
			}
			return matched(idx, rule, rule.Value, SourceRollout, nil, trace)
		case RuleExperiment:
			userHash, _ := Hash(rule.seed(feature.key), hashValue, version)
			variation, ok := SelectVariation(rule.Weights, rule.Coverage, userHash)
			if !ok {
				skip(idx, rule, SkipNotIncluded, nil)
				continue
			}
			meta := &ExperimentMeta{
				Key:            rule.experimentKey(feature.key),
				VariationIndex: variation,
				InExperiment:   true,
				HashUsed:       userHash,
				HashAttribute:  rule.hashAttribute(),
				HashValue:      hashValue,
			}
			return matched(idx, rule, rule.Variations[variation], SourceExperiment, meta, trace)
		}
	}

	return Result{Value: feature.definition.DefaultValue, Source: SourceDefaultValue, Trace: trace}
}

// A rollout is a single arm covering all included users.
var rolloutWeights = []float64{1}

func matched(idx int, rule Rule, value Value, source Source, meta *ExperimentMeta, trace []TraceStep) Result {
	ruleIndex := idx
	return Result{
		Value:      value,
		Source:     source,
		RuleIndex:  &ruleIndex,
		RuleID:     rule.ID,
		Experiment: meta,
		Trace:      trace,
	}
}

// EvaluateDefinition compiles and evaluates def in one call. Prefer
// [Compile] plus [EvaluateFeature] when the definition is reused.
func EvaluateDefinition(key string, def Definition, attributes Attributes, opts ...EvalOption) Result {
	return EvaluateFeature(Compile(key, def), attributes, opts...)
}

// EvaluateAll evaluates every feature against the same attributes.
func EvaluateAll(features map[string]*Feature, attributes Attributes, opts ...EvalOption) map[string]Result {
	results := make(map[string]Result, len(features))

	for key, feature := range features {
		results[key] = EvaluateFeature(feature, attributes, opts...)
	}

	return results
}
