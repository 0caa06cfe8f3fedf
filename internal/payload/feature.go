// Package payload holds the delivered document shapes (features and
// experiments) and the bundle format the definition sources exchange.
package payload

import (
	"encoding/json"

	"github.com/matt-riley/bucketz/internal/core"
)

// ValueType is the authored type of a feature's values.
type ValueType string

const (
	ValueTypeBoolean ValueType = "boolean"
	ValueTypeNumber  ValueType = "number"
	ValueTypeString  ValueType = "string"
	ValueTypeJSON    ValueType = "json"
)

// Feature is one feature document with its per-environment definitions.
type Feature struct {
	ID           string                        `json:"id"`
	Archived     bool                          `json:"archived,omitempty"`
	Description  string                        `json:"description,omitempty"`
	Owner        string                        `json:"owner,omitempty"`
	Project      string                        `json:"project,omitempty"`
	DateCreated  string                        `json:"dateCreated,omitempty"`
	DateUpdated  string                        `json:"dateUpdated,omitempty"`
	ValueType    ValueType                     `json:"valueType,omitempty"`
	DefaultValue string                        `json:"defaultValue,omitempty"`
	Tags         []string                      `json:"tags,omitempty"`
	Environments map[string]FeatureEnvironment `json:"environments"`
	Revision     *Revision                     `json:"revision,omitempty"`
}

type Revision struct {
	Version     int    `json:"version"`
	Comment     string `json:"comment,omitempty"`
	Date        string `json:"date,omitempty"`
	PublishedBy string `json:"publishedBy,omitempty"`
}

// FeatureEnvironment carries the published state of a feature in one
// environment and, optionally, a pending draft. Rules are the authoring
// form and are kept only for round trips; Definition is what gets evaluated.
type FeatureEnvironment struct {
	Enabled      bool              `json:"enabled"`
	DefaultValue string            `json:"defaultValue,omitempty"`
	Rules        []json.RawMessage `json:"rules,omitempty"`
	Definition   *core.Definition  `json:"definition"`
	Draft        *DraftEnvironment `json:"draft,omitempty"`
}

type DraftEnvironment struct {
	Enabled      bool              `json:"enabled"`
	DefaultValue string            `json:"defaultValue,omitempty"`
	Rules        []json.RawMessage `json:"rules,omitempty"`
	Definition   *core.Definition  `json:"definition"`
}

// Definition selects the evaluation-ready definition of the feature in env.
// With draft set, a draft that carries its own definition wins and a draft
// without one falls back to the published definition. ok is false when the
// feature is archived, disabled or has no definition in env.
func (f Feature) Definition(env string, draft bool) (core.Definition, bool) {
	if f.Archived {
		return core.Definition{}, false
	}

	environment, ok := f.Environments[env]
	if !ok {
		return core.Definition{}, false
	}

	if draft && environment.Draft != nil {
		if !environment.Draft.Enabled {
			return core.Definition{}, false
		}
		if environment.Draft.Definition != nil {
			return *environment.Draft.Definition, true
		}
	} else if !environment.Enabled {
		return core.Definition{}, false
	}

	if environment.Definition == nil {
		return core.Definition{}, false
	}

	return *environment.Definition, true
}
