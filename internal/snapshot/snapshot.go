// Package snapshot compiles delivered bundles into immutable, evaluation-ready
// snapshots and publishes them through an atomically swapped pointer.
package snapshot

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/matt-riley/bucketz/internal/core"
	"github.com/matt-riley/bucketz/internal/payload"
)

// State selects between the published and draft definitions of a feature.
type State string

const (
	StatePublished State = "published"
	StateDraft     State = "draft"
	// StateExperiment tags diagnostics raised by standalone experiments.
	StateExperiment State = "experiment"
)

// Environment holds the compiled features of one environment. Draft is a
// full copy: features without a draft of their own carry their published
// definition.
type Environment struct {
	Published map[string]*core.Feature
	Draft     map[string]*core.Feature
}

func (e *Environment) features(state State) map[string]*core.Feature {
	if state == StateDraft {
		return e.Draft
	}
	return e.Published
}

// Diagnostic is a configuration problem found while compiling a snapshot.
type Diagnostic struct {
	Environment string `json:"environment,omitempty"`
	State       State  `json:"state"`
	Feature     string `json:"feature"`
	RuleIndex   int    `json:"ruleIndex"`
	RuleID      string `json:"ruleId,omitempty"`
	Fatal       bool   `json:"fatal"`
	Message     string `json:"message"`
}

// Snapshot is never mutated after Build returns.
type Snapshot struct {
	Revision     string
	LoadedAt     time.Time
	Bundle       payload.Bundle
	Environments map[string]*Environment
	Experiments  map[string]*core.Feature
	Diagnostics  []Diagnostic
}

// Empty is served until the first successful load.
func Empty() *Snapshot {
	return &Snapshot{
		Environments: map[string]*Environment{},
		Experiments:  map[string]*core.Feature{},
	}
}

// Build compiles every feature for every environment it names, plus every
// running experiment. Rule problems never fail the build; they are recorded
// as diagnostics.
func Build(bundle payload.Bundle, revision string) *Snapshot {
	s := &Snapshot{
		Revision:     revision,
		LoadedAt:     time.Now().UTC(),
		Bundle:       bundle,
		Environments: make(map[string]*Environment),
		Experiments:  make(map[string]*core.Feature),
	}

	for _, env := range bundle.Environments() {
		environment := &Environment{
			Published: make(map[string]*core.Feature),
			Draft:     make(map[string]*core.Feature),
		}

		for _, doc := range bundle.Features {
			if def, ok := doc.Definition(env, false); ok {
				feature := core.Compile(doc.ID, def)
				environment.Published[doc.ID] = feature
				s.record(env, StatePublished, feature)
			}
			if def, ok := doc.Definition(env, true); ok {
				feature := core.Compile(doc.ID, def)
				environment.Draft[doc.ID] = feature
				s.record(env, StateDraft, feature)
			}
		}

		s.Environments[env] = environment
	}

	for _, experiment := range bundle.Experiments {
		if !experiment.Running() {
			continue
		}

		def, err := experiment.Definition()
		if err != nil {
			s.Diagnostics = append(s.Diagnostics, Diagnostic{
				State:     StateExperiment,
				Feature:   experiment.ID,
				RuleIndex: -1,
				Fatal:     true,
				Message:   err.Error(),
			})
			continue
		}

		feature := core.Compile(experiment.ID, def)
		s.Experiments[experiment.ID] = feature
		s.record("", StateExperiment, feature)
	}

	return s
}

func (s *Snapshot) record(env string, state State, feature *core.Feature) {
	for _, ruleErr := range feature.Diagnostics() {
		s.Diagnostics = append(s.Diagnostics, Diagnostic{
			Environment: env,
			State:       state,
			Feature:     ruleErr.Feature,
			RuleIndex:   ruleErr.RuleIndex,
			RuleID:      ruleErr.RuleID,
			Fatal:       ruleErr.Fatal,
			Message:     ruleErr.Err.Error(),
		})
	}
}

// Features returns the compiled features of env in the given state. ok is
// false for an unknown environment.
func (s *Snapshot) Features(env string, state State) (map[string]*core.Feature, bool) {
	environment, ok := s.Environments[env]
	if !ok {
		return nil, false
	}
	return environment.features(state), true
}

// Feature looks up one feature. The result is nil when the feature is not
// served in env; ok is false for an unknown environment.
func (s *Snapshot) Feature(env string, key string, state State) (*core.Feature, bool) {
	features, ok := s.Features(env, state)
	if !ok {
		return nil, false
	}
	return features[key], true
}

// EnvironmentNames lists the environments of the snapshot, sorted.
func (s *Snapshot) EnvironmentNames() []string {
	names := make([]string, 0, len(s.Environments))
	for name := range s.Environments {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Store publishes the current snapshot. Readers never block writers.
type Store struct {
	current atomic.Pointer[Snapshot]
}

func NewStore() *Store {
	store := &Store{}
	store.current.Store(Empty())
	return store
}

// Load returns the current snapshot. Callers keep using the value they got
// even if a newer snapshot is swapped in meanwhile.
func (s *Store) Load() *Snapshot {
	return s.current.Load()
}

// Swap installs next and returns the snapshot it replaced. A nil next
// installs an empty snapshot.
func (s *Store) Swap(next *Snapshot) *Snapshot {
	if next == nil {
		next = Empty()
	}
	return s.current.Swap(next)
}
