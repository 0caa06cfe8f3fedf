package core

// Feature is a validated, evaluation-ready definition. Compile it once per
// snapshot and share it between goroutines; it is never mutated.
type Feature struct {
	key          string
	definition   Definition
	ruleErrs     []error
	diagnostics  []*RuleError
	invalidRules int
}

// Compile validates every rule of def. Invalid rules stay in place and are
// skipped at evaluation time; their problems are reported by Diagnostics.
func Compile(key string, def Definition) *Feature {
	f := &Feature{
		key:        key,
		definition: def,
		ruleErrs:   make([]error, len(def.Rules)),
	}

	for idx, rule := range def.Rules {
		if err := rule.Validate(); err != nil {
			f.ruleErrs[idx] = err
			f.invalidRules++
			f.diagnostics = append(f.diagnostics, &RuleError{
				Feature:   key,
				RuleIndex: idx,
				RuleID:    rule.ID,
				Fatal:     true,
				Err:       err,
			})
			continue
		}

		for _, err := range ConditionErrors(rule.Condition) {
			f.diagnostics = append(f.diagnostics, &RuleError{
				Feature:   key,
				RuleIndex: idx,
				RuleID:    rule.ID,
				Err:       configErrorf("%v", err),
			})
		}
	}

	return f
}

func (f *Feature) Key() string { return f.key }

func (f *Feature) DefaultValue() Value { return f.definition.DefaultValue }

// Definition returns the definition the feature was compiled from.
func (f *Feature) Definition() Definition { return f.definition }

// Diagnostics lists the configuration problems found at compile time.
func (f *Feature) Diagnostics() []*RuleError { return f.diagnostics }

// InvalidRules counts the rules that evaluation will skip.
func (f *Feature) InvalidRules() int { return f.invalidRules }
