package core

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks malformed rules, conditions, weights or ranges.
// Evaluation never returns it; it surfaces through [Feature.Diagnostics]
// and evaluation traces.
var ErrConfiguration = errors.New("invalid configuration")

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// RuleError describes a problem found in one rule of a feature. Fatal rule
// errors make the pipeline skip the rule; non-fatal ones (an invalid regex
// inside an otherwise valid condition) only disable that comparison.
type RuleError struct {
	Feature   string
	RuleIndex int
	RuleID    string
	Fatal     bool
	Err       error
}

func (e *RuleError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("feature %q rule %d (%s): %v", e.Feature, e.RuleIndex, e.RuleID, e.Err)
	}
	return fmt.Sprintf("feature %q rule %d: %v", e.Feature, e.RuleIndex, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}
