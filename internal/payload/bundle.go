package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is the encoding of a bundle on disk or on the wire.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format from a file extension, defaulting to JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Bundle is the unit the definition sources deliver: every feature and
// experiment document of a deployment.
type Bundle struct {
	Features    []Feature    `json:"features"`
	Experiments []Experiment `json:"experiments,omitempty"`
}

// Decode parses a bundle. YAML input is converted to JSON first so both
// formats share the same decoding rules.
func Decode(data []byte, format Format) (Bundle, error) {
	if format == FormatYAML {
		converted, err := yamlToJSON(data)
		if err != nil {
			return Bundle{}, fmt.Errorf("decode bundle yaml: %w", err)
		}
		data = converted
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return Bundle{}, fmt.Errorf("decode bundle: %w", err)
	}

	if err := bundle.Validate(); err != nil {
		return Bundle{}, err
	}

	return bundle, nil
}

// Encode renders the bundle as indented JSON.
func Encode(bundle Bundle) ([]byte, error) {
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return data, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var document any
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, err
	}

	normalized, err := normalizeYAML(document)
	if err != nil {
		return nil, err
	}

	return json.Marshal(normalized)
}

// normalizeYAML rewrites map[any]any nodes, which encoding/json rejects.
func normalizeYAML(node any) (any, error) {
	switch typed := node.(type) {
	case map[string]any:
		for key, value := range typed {
			normalized, err := normalizeYAML(value)
			if err != nil {
				return nil, err
			}
			typed[key] = normalized
		}
		return typed, nil
	case map[any]any:
		out := make(map[string]any, len(typed))
		for key, value := range typed {
			name, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("mapping key %v is not a string", key)
			}
			normalized, err := normalizeYAML(value)
			if err != nil {
				return nil, err
			}
			out[name] = normalized
		}
		return out, nil
	case []any:
		for idx, value := range typed {
			normalized, err := normalizeYAML(value)
			if err != nil {
				return nil, err
			}
			typed[idx] = normalized
		}
		return typed, nil
	default:
		return node, nil
	}
}

// Validate reports missing and duplicate ids.
func (b Bundle) Validate() error {
	var errs []error

	features := make(map[string]struct{}, len(b.Features))
	for idx, feature := range b.Features {
		if feature.ID == "" {
			errs = append(errs, fmt.Errorf("feature %d: id is required", idx))
			continue
		}
		if _, ok := features[feature.ID]; ok {
			errs = append(errs, fmt.Errorf("feature %q: duplicate id", feature.ID))
		}
		features[feature.ID] = struct{}{}
	}

	experiments := make(map[string]struct{}, len(b.Experiments))
	for idx, experiment := range b.Experiments {
		if experiment.ID == "" {
			errs = append(errs, fmt.Errorf("experiment %d: id is required", idx))
			continue
		}
		if _, ok := experiments[experiment.ID]; ok {
			errs = append(errs, fmt.Errorf("experiment %q: duplicate id", experiment.ID))
		}
		experiments[experiment.ID] = struct{}{}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validate bundle: %w", errors.Join(errs...))
	}
	return nil
}

// Environments lists every environment named by any feature, sorted.
func (b Bundle) Environments() []string {
	seen := make(map[string]struct{})
	for _, feature := range b.Features {
		for env := range feature.Environments {
			seen[env] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for env := range seen {
		out = append(out, env)
	}
	slices.Sort(out)
	return out
}

// Digest identifies bundle content so unchanged reloads can be skipped.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
