package core

import (
	"errors"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Attributes describes the user or request being evaluated. Values are the
// shapes produced by encoding/json (plus native Go numbers): bool, numbers,
// string, []any, map[string]any, or nil.
type Attributes map[string]any

// Lookup resolves a dotted attribute path. A nil value counts as absent.
func (a Attributes) Lookup(path string) (any, bool) {
	if a == nil {
		return nil, false
	}

	if value, ok := a[path]; ok || !strings.Contains(path, ".") {
		return value, ok && value != nil
	}

	var current any = map[string]any(a)
	for segment := range strings.SplitSeq(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case Attributes:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		default:
			return nil, false
		}
	}

	return current, current != nil
}

// UnmarshalJSON decodes an attribute object keeping integers exact.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	decoded, err := decodeJSONValue(data)
	if err != nil {
		return err
	}

	switch typed := decoded.(type) {
	case nil:
		*a = nil
		return nil
	case map[string]any:
		*a = Attributes(typed)
		return nil
	default:
		return errors.New("attributes must be a JSON object")
	}
}

// HashString returns the canonical string used to hash an attribute value.
// Arrays, objects, null and the empty string are not hashable.
func HashString(value any) (string, bool) {
	switch typed := value.(type) {
	case string:
		return typed, typed != ""
	case bool:
		return strconv.FormatBool(typed), true
	}

	if i, ok := asInt64(value); ok {
		return strconv.FormatInt(i, 10), true
	}
	if u, ok := asUint64(value); ok {
		return strconv.FormatUint(u, 10), true
	}
	if f, ok := asFloat64(value); ok {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", false
		}
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}

	return "", false
}

// typeName reports the JSON type name of an attribute value.
func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any, Attributes:
		return "object"
	}
	if _, ok := toFloat64(value); ok {
		return "number"
	}

	kind := reflect.ValueOf(value).Kind()
	switch kind {
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return "unknown"
	}
}

// asList returns the elements of an array-like value.
func asList(value any) ([]any, bool) {
	if list, ok := value.([]any); ok {
		return list, true
	}

	values := reflect.ValueOf(value)
	if !values.IsValid() {
		return nil, false
	}
	if values.Kind() != reflect.Slice && values.Kind() != reflect.Array {
		return nil, false
	}

	out := make([]any, values.Len())
	for i := range out {
		out[i] = values.Index(i).Interface()
	}

	return out, true
}

// valuesEqual compares two scalars. Numbers compare across Go numeric types
// without losing precision for large integers; other types must match.
func valuesEqual(left any, right any) bool {
	if leftInt, ok := asInt64(left); ok {
		if rightInt, ok := asInt64(right); ok {
			return leftInt == rightInt
		}

		if rightUint, ok := asUint64(right); ok {
			if leftInt < 0 {
				return false
			}
			return uint64(leftInt) == rightUint
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsInt64(rightFloat, leftInt)
		}
	}

	if leftUint, ok := asUint64(left); ok {
		if rightUint, ok := asUint64(right); ok {
			return leftUint == rightUint
		}

		if rightInt, ok := asInt64(right); ok {
			if rightInt < 0 {
				return false
			}
			return leftUint == uint64(rightInt)
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsUint64(rightFloat, leftUint)
		}
	}

	if leftFloat, ok := asFloat64(left); ok {
		if rightFloat, ok := asFloat64(right); ok {
			return leftFloat == rightFloat
		}

		if rightInt, ok := asInt64(right); ok {
			return floatEqualsInt64(leftFloat, rightInt)
		}

		if rightUint, ok := asUint64(right); ok {
			return floatEqualsUint64(leftFloat, rightUint)
		}
	}

	if typeName(left) != typeName(right) {
		return false
	}

	return reflect.DeepEqual(left, right)
}

// compareOrdered returns -1, 0 or 1 for two numbers or two strings. The
// second result is false when the operands are not comparable.
func compareOrdered(left any, right any) (int, bool) {
	if leftString, ok := left.(string); ok {
		rightString, ok := right.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(leftString, rightString), true
	}

	leftFloat, ok := toFloat64(left)
	if !ok {
		return 0, false
	}
	rightFloat, ok := toFloat64(right)
	if !ok {
		return 0, false
	}

	if math.IsNaN(leftFloat) || math.IsNaN(rightFloat) {
		return 0, false
	}

	switch {
	case leftFloat < rightFloat:
		return -1, true
	case leftFloat > rightFloat:
		return 1, true
	default:
		return 0, true
	}
}

func toFloat64(value any) (float64, bool) {
	if f, ok := asFloat64(value); ok {
		return f, true
	}
	if i, ok := asInt64(value); ok {
		return float64(i), true
	}
	if u, ok := asUint64(value); ok {
		return float64(u), true
	}
	return 0, false
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func floatEqualsInt64(left float64, right int64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < float64(math.MinInt64) || left > float64(math.MaxInt64) {
		return false
	}

	converted := int64(left)
	return float64(converted) == left && converted == right
}

func floatEqualsUint64(left float64, right uint64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < 0 || left > float64(math.MaxUint64) {
		return false
	}

	converted := uint64(left)
	return float64(converted) == left && converted == right
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}
