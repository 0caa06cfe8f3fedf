package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

var wireOperators = map[string]Operator{
	"$eq":    OperatorEq,
	"$ne":    OperatorNe,
	"$lt":    OperatorLt,
	"$lte":   OperatorLte,
	"$gt":    OperatorGt,
	"$gte":   OperatorGte,
	"$in":    OperatorIn,
	"$nin":   OperatorNotIn,
	"$regex": OperatorRegex,
	"$type":  OperatorType,
	"$veq":   OperatorVersionEq,
	"$vne":   OperatorVersionNe,
	"$vlt":   OperatorVersionLt,
	"$vlte":  OperatorVersionLte,
	"$vgt":   OperatorVersionGt,
	"$vgte":  OperatorVersionGte,
}

// ParseCondition decodes a Mongo-style condition document such as
// {"country": {"$in": ["US", "CA"]}, "$or": [{"beta": true}, {"age": {"$gte": 18}}]}.
// Empty input, null and {} decode to a nil condition, which always matches.
func ParseCondition(raw []byte) (Condition, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}

	decoded, err := decodeJSONValue(trimmed)
	if err != nil {
		return nil, configErrorf("decode condition: %v", err)
	}

	object, ok := decoded.(map[string]any)
	if !ok {
		return nil, configErrorf("condition must be an object")
	}

	return parseConditionObject(object)
}

// ParseConditionString is [ParseCondition] for conditions stored as text.
func ParseConditionString(raw string) (Condition, error) {
	return ParseCondition([]byte(raw))
}

func parseConditionObject(object map[string]any) (Condition, error) {
	nodes := make([]Condition, 0, len(object))
	for _, key := range sortedKeys(object) {
		value := object[key]

		var (
			node Condition
			err  error
		)
		switch key {
		case "$and":
			node, err = parseConditionList(key, value, func(children []Condition) Condition { return And(children) })
		case "$or":
			node, err = parseConditionList(key, value, func(children []Condition) Condition { return Or(children) })
		case "$nor":
			node, err = parseConditionList(key, value, func(children []Condition) Condition { return Not{Child: Or(children)} })
		case "$not":
			child, ok := value.(map[string]any)
			if !ok {
				return nil, configErrorf("$not must be an object")
			}
			var inner Condition
			inner, err = parseConditionObject(child)
			node = Not{Child: inner}
		default:
			if strings.HasPrefix(key, "$") {
				return nil, configErrorf("unknown logical operator %q", key)
			}
			node, err = parseAttributeCondition(key, value)
		}
		if err != nil {
			return nil, err
		}

		nodes = append(nodes, node)
	}

	switch len(nodes) {
	case 0:
		return nil, nil
	case 1:
		return nodes[0], nil
	default:
		return And(nodes), nil
	}
}

func parseConditionList(key string, value any, build func([]Condition) Condition) (Condition, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, configErrorf("%s must be an array", key)
	}

	children := make([]Condition, 0, len(items))
	for idx, item := range items {
		object, ok := item.(map[string]any)
		if !ok {
			return nil, configErrorf("%s[%d] must be an object", key, idx)
		}
		child, err := parseConditionObject(object)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	return build(children), nil
}

func parseAttributeCondition(path string, value any) (Condition, error) {
	operators, ok := value.(map[string]any)
	if !ok || !isOperatorObject(operators) {
		return NewCompare(path, OperatorEq, value), nil
	}

	nodes := make([]Condition, 0, len(operators))
	for _, key := range sortedKeys(operators) {
		literal := operators[key]

		switch key {
		case "$exists":
			exists, ok := literal.(bool)
			if !ok {
				return nil, configErrorf("$exists on %q must be a boolean", path)
			}
			if exists {
				nodes = append(nodes, NewCompare(path, OperatorExists, nil))
			} else {
				nodes = append(nodes, NewCompare(path, OperatorNotExists, nil))
			}
		case "$not":
			inner, err := parseAttributeCondition(path, literal)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, Not{Child: inner})
		default:
			operator, ok := wireOperators[key]
			if !ok {
				return nil, configErrorf("unknown operator %q on %q", key, path)
			}
			nodes = append(nodes, NewCompare(path, operator, literal))
		}
	}

	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return And(nodes), nil
}

func isOperatorObject(object map[string]any) bool {
	if len(object) == 0 {
		return false
	}
	for key := range object {
		if !strings.HasPrefix(key, "$") {
			return false
		}
	}
	return true
}

// MarshalCondition encodes a condition tree back into its document form.
func MarshalCondition(condition Condition) (json.RawMessage, error) {
	document, err := conditionDocument(condition)
	if err != nil {
		return nil, err
	}
	return json.Marshal(document)
}

func conditionDocument(condition Condition) (map[string]any, error) {
	switch node := condition.(type) {
	case nil:
		return map[string]any{}, nil
	case *Compare:
		return map[string]any{node.Path: compareDocument(node)}, nil
	case And:
		children, err := conditionDocuments(node)
		if err != nil {
			return nil, err
		}
		return map[string]any{"$and": children}, nil
	case Or:
		children, err := conditionDocuments(node)
		if err != nil {
			return nil, err
		}
		return map[string]any{"$or": children}, nil
	case Not:
		child, err := conditionDocument(node.Child)
		if err != nil {
			return nil, err
		}
		return map[string]any{"$not": child}, nil
	default:
		return nil, fmt.Errorf("marshal condition: unsupported node %T", condition)
	}
}

func conditionDocuments(children []Condition) ([]any, error) {
	out := make([]any, 0, len(children))
	for _, child := range children {
		document, err := conditionDocument(child)
		if err != nil {
			return nil, err
		}
		out = append(out, document)
	}
	return out, nil
}

func compareDocument(c *Compare) map[string]any {
	switch c.Operator {
	case OperatorExists:
		return map[string]any{"$exists": true}
	case OperatorNotExists:
		return map[string]any{"$exists": false}
	}

	for wire, operator := range wireOperators {
		if operator == c.Operator {
			return map[string]any{wire: c.Literal}
		}
	}

	return map[string]any{"$" + string(c.Operator): c.Literal}
}

// decodeJSONValue decodes JSON keeping integers exact: whole numbers that
// fit become int64, everything else float64.
func decodeJSONValue(raw []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var out any
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	if decoder.More() {
		return nil, fmt.Errorf("unexpected trailing data")
	}

	return normalizeNumbers(out)
}

func normalizeNumbers(value any) (any, error) {
	switch typed := value.(type) {
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			return i, nil
		}
		f, err := typed.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %s out of range", typed.String())
		}
		return f, nil
	case []any:
		for i := range typed {
			normalized, err := normalizeNumbers(typed[i])
			if err != nil {
				return nil, err
			}
			typed[i] = normalized
		}
		return typed, nil
	case map[string]any:
		for key, item := range typed {
			normalized, err := normalizeNumbers(item)
			if err != nil {
				return nil, err
			}
			typed[key] = normalized
		}
		return typed, nil
	default:
		return value, nil
	}
}

func sortedKeys(object map[string]any) []string {
	keys := make([]string, 0, len(object))
	for key := range object {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
