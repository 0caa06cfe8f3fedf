package payload

import (
	"errors"
	"fmt"

	"github.com/matt-riley/bucketz/internal/core"
)

// ErrNoPhase is returned when an experiment has no phase to convert.
var ErrNoPhase = errors.New("experiment has no phases")

// Experiment is a standalone experiment document.
type Experiment struct {
	ID            string                `json:"id"`
	Name          string                `json:"name,omitempty"`
	Project       string                `json:"project,omitempty"`
	Archived      bool                  `json:"archived,omitempty"`
	Status        string                `json:"status,omitempty"`
	HashAttribute string                `json:"hashAttribute,omitempty"`
	Variations    []ExperimentVariation `json:"variations"`
	Phases        []ExperimentPhase     `json:"phases"`
}

type ExperimentVariation struct {
	VariationID string `json:"variationId"`
	Key         string `json:"key,omitempty"`
	Name        string `json:"name,omitempty"`
}

// ExperimentPhase is one period of an experiment. A missing coverage means
// the whole eligible population.
type ExperimentPhase struct {
	Name               string          `json:"name,omitempty"`
	DateStarted        string          `json:"dateStarted,omitempty"`
	DateEnded          string          `json:"dateEnded,omitempty"`
	Seed               string          `json:"seed,omitempty"`
	Coverage           *float64        `json:"coverage,omitempty"`
	TrafficSplit       []TrafficSplit  `json:"trafficSplit"`
	Namespace          *PhaseNamespace `json:"namespace,omitempty"`
	TargetingCondition string          `json:"targetingCondition,omitempty"`
}

type TrafficSplit struct {
	VariationID string  `json:"variationId"`
	Weight      float64 `json:"weight"`
}

type PhaseNamespace struct {
	NamespaceID string     `json:"namespaceId"`
	Range       [2]float64 `json:"range"`
}

// Running reports whether the experiment should be served.
func (e Experiment) Running() bool {
	return !e.Archived && (e.Status == "" || e.Status == "running")
}

// Rule converts a phase into an experiment rule. A negative phase selects the
// last one. Variation values are the variation keys (falling back to their
// ids), weights follow the order of Variations, and variations missing from
// the traffic split get no traffic.
func (e Experiment) Rule(phase int) (core.Rule, error) {
	if len(e.Phases) == 0 {
		return core.Rule{}, fmt.Errorf("convert experiment %q: %w", e.ID, ErrNoPhase)
	}
	if phase < 0 {
		phase = len(e.Phases) - 1
	}
	if phase >= len(e.Phases) {
		return core.Rule{}, fmt.Errorf("convert experiment %q: phase %d out of range", e.ID, phase)
	}
	p := e.Phases[phase]

	split := make(map[string]float64, len(p.TrafficSplit))
	for _, entry := range p.TrafficSplit {
		split[entry.VariationID] = entry.Weight
	}

	rule := core.Rule{
		ID:            fmt.Sprintf("%s/phase-%d", e.ID, phase),
		Kind:          core.RuleExperiment,
		Key:           e.ID,
		Seed:          p.Seed,
		HashAttribute: e.HashAttribute,
		Coverage:      1,
		Variations:    make([]core.Value, 0, len(e.Variations)),
		Weights:       make([]float64, 0, len(e.Variations)),
	}
	if rule.Seed == "" {
		rule.Seed = e.ID
	}
	if p.Coverage != nil {
		rule.Coverage = *p.Coverage
	}

	for _, variation := range e.Variations {
		value := variation.Key
		if value == "" {
			value = variation.VariationID
		}
		rule.Variations = append(rule.Variations, core.String(value))
		rule.Weights = append(rule.Weights, split[variation.VariationID])
	}

	if p.Namespace != nil && p.Namespace.NamespaceID != "" {
		rule.Namespace = &core.Namespace{
			ID:    p.Namespace.NamespaceID,
			Start: p.Namespace.Range[0],
			End:   p.Namespace.Range[1],
		}
	}

	condition, err := core.ParseConditionString(p.TargetingCondition)
	if err != nil {
		return core.Rule{}, fmt.Errorf("convert experiment %q targeting condition: %w", e.ID, err)
	}
	rule.Condition = condition

	if err := rule.Validate(); err != nil {
		return core.Rule{}, fmt.Errorf("convert experiment %q: %w", e.ID, err)
	}

	return rule, nil
}

// Definition wraps the active phase rule in a definition whose default is
// null, so users outside the experiment evaluate to null.
func (e Experiment) Definition() (core.Definition, error) {
	rule, err := e.Rule(-1)
	if err != nil {
		return core.Definition{}, err
	}
	return core.Definition{DefaultValue: core.Null(), Rules: []core.Rule{rule}}, nil
}
