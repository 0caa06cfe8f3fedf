package core

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Operator is a comparison applied by a [Compare] node.
type Operator string

const (
	OperatorEq        Operator = "eq"
	OperatorNe        Operator = "ne"
	OperatorLt        Operator = "lt"
	OperatorLte       Operator = "lte"
	OperatorGt        Operator = "gt"
	OperatorGte       Operator = "gte"
	OperatorIn        Operator = "in"
	OperatorNotIn     Operator = "notIn"
	OperatorRegex     Operator = "regex"
	OperatorExists    Operator = "exists"
	OperatorNotExists Operator = "notExists"
	OperatorType      Operator = "type"

	// Version operators compare dotted version strings segment by segment.
	OperatorVersionEq  Operator = "veq"
	OperatorVersionNe  Operator = "vne"
	OperatorVersionLt  Operator = "vlt"
	OperatorVersionLte Operator = "vlte"
	OperatorVersionGt  Operator = "vgt"
	OperatorVersionGte Operator = "vgte"
)

// knownTypeNames omits "null": a null attribute is absent, so $type can never
// see one. Use $exists: false instead.
var knownTypeNames = map[string]bool{
	"string": true, "number": true, "boolean": true, "array": true, "object": true,
}

// Condition is a node of a targeting condition tree. The concrete node
// types are [*Compare], [And], [Or] and [Not]; nodes are immutable once
// built and safe for concurrent use.
type Condition interface {
	matches(attributes Attributes) bool
	collectErrors(errs []error) []error
}

// Evaluate reports whether attributes satisfy condition. A nil condition
// always matches.
func Evaluate(condition Condition, attributes Attributes) bool {
	if condition == nil {
		return true
	}
	return condition.matches(attributes)
}

// ConditionErrors returns the construction problems found anywhere in the
// tree (invalid regex patterns, unknown operators, malformed literals).
// Nodes with problems evaluate to false.
func ConditionErrors(condition Condition) []error {
	if condition == nil {
		return nil
	}
	return condition.collectErrors(nil)
}

// Compare tests a single attribute against a literal.
type Compare struct {
	Path     string
	Operator Operator
	Literal  any

	list    []any
	pattern *regexp.Regexp
	version string
	err     error
}

// NewCompare builds a comparison node, compiling regex patterns and
// normalizing list and version literals up front.
func NewCompare(path string, operator Operator, literal any) *Compare {
	c := &Compare{Path: path, Operator: operator, Literal: literal}

	switch operator {
	case OperatorEq, OperatorNe, OperatorExists, OperatorNotExists:
	case OperatorLt, OperatorLte, OperatorGt, OperatorGte:
		if _, ok := literal.(string); !ok {
			if _, ok := toFloat64(literal); !ok {
				c.err = fmt.Errorf("%s %q: literal must be a number or string", operator, path)
			}
		}
	case OperatorIn, OperatorNotIn:
		list, ok := asList(literal)
		if !ok {
			c.err = fmt.Errorf("%s %q: literal must be an array", operator, path)
		}
		c.list = list
	case OperatorRegex:
		pattern, ok := literal.(string)
		if !ok {
			c.err = fmt.Errorf("regex %q: pattern must be a string", path)
			break
		}
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			c.err = fmt.Errorf("regex %q: %w", path, err)
			break
		}
		c.pattern = compiled
	case OperatorType:
		name, ok := literal.(string)
		if !ok || !knownTypeNames[name] {
			c.err = fmt.Errorf("type %q: unknown type name %v", path, literal)
		}
	case OperatorVersionEq, OperatorVersionNe, OperatorVersionLt, OperatorVersionLte, OperatorVersionGt, OperatorVersionGte:
		raw, ok := literal.(string)
		if !ok {
			c.err = fmt.Errorf("%s %q: literal must be a version string", operator, path)
			break
		}
		c.version = paddedVersion(raw)
	default:
		c.err = fmt.Errorf("unknown operator %q", operator)
	}

	return c
}

// Err returns the construction error of the node, if any.
func (c *Compare) Err() error {
	return c.err
}

func (c *Compare) collectErrors(errs []error) []error {
	if c.err != nil {
		errs = append(errs, c.err)
	}
	return errs
}

func (c *Compare) matches(attributes Attributes) bool {
	if c.err != nil {
		return false
	}

	value, present := attributes.Lookup(c.Path)
	switch c.Operator {
	case OperatorExists:
		return present
	case OperatorNotExists:
		return !present
	}
	if !present {
		return false
	}

	switch c.Operator {
	case OperatorEq:
		return valuesEqual(value, c.Literal)
	case OperatorNe:
		if typeName(value) != typeName(c.Literal) {
			return false
		}
		return !valuesEqual(value, c.Literal)
	case OperatorLt, OperatorLte, OperatorGt, OperatorGte:
		order, ok := compareOrdered(value, c.Literal)
		if !ok {
			return false
		}
		return orderSatisfies(c.Operator, order)
	case OperatorIn:
		return c.anyListed(value)
	case OperatorNotIn:
		return !c.anyListed(value)
	case OperatorRegex:
		s, ok := value.(string)
		return ok && c.pattern.MatchString(s)
	case OperatorType:
		return typeName(value) == c.Literal
	default:
		s, ok := value.(string)
		if !ok {
			return false
		}
		return versionSatisfies(c.Operator, strings.Compare(paddedVersion(s), c.version))
	}
}

func (c *Compare) anyListed(value any) bool {
	candidates, ok := asList(value)
	if !ok {
		candidates = []any{value}
	}

	for _, candidate := range candidates {
		for _, listed := range c.list {
			if valuesEqual(candidate, listed) {
				return true
			}
		}
	}

	return false
}

func orderSatisfies(operator Operator, order int) bool {
	switch operator {
	case OperatorLt:
		return order < 0
	case OperatorLte:
		return order <= 0
	case OperatorGt:
		return order > 0
	case OperatorGte:
		return order >= 0
	default:
		return false
	}
}

func versionSatisfies(operator Operator, order int) bool {
	switch operator {
	case OperatorVersionEq:
		return order == 0
	case OperatorVersionNe:
		return order != 0
	case OperatorVersionLt:
		return order < 0
	case OperatorVersionLte:
		return order <= 0
	case OperatorVersionGt:
		return order > 0
	case OperatorVersionGte:
		return order >= 0
	default:
		return false
	}
}

// And matches when every child matches. An empty And matches.
type And []Condition

func (a And) matches(attributes Attributes) bool {
	for _, child := range a {
		if !Evaluate(child, attributes) {
			return false
		}
	}
	return true
}

func (a And) collectErrors(errs []error) []error {
	for _, child := range a {
		if child != nil {
			errs = child.collectErrors(errs)
		}
	}
	return errs
}

// Or matches when any child matches. An empty Or matches, so that an
// authored "$or": [] does not silently disable a rule.
type Or []Condition

func (o Or) matches(attributes Attributes) bool {
	if len(o) == 0 {
		return true
	}
	for _, child := range o {
		if Evaluate(child, attributes) {
			return true
		}
	}
	return false
}

func (o Or) collectErrors(errs []error) []error {
	for _, child := range o {
		if child != nil {
			errs = child.collectErrors(errs)
		}
	}
	return errs
}

// Not inverts its child.
type Not struct {
	Child Condition
}

// A child with construction errors makes the whole Not false: inverting the
// false of a broken comparison would match everyone.
func (n Not) matches(attributes Attributes) bool {
	if broken(n.Child) {
		return false
	}
	return !Evaluate(n.Child, attributes)
}

func (n Not) collectErrors(errs []error) []error {
	if n.Child == nil {
		return errs
	}
	return n.Child.collectErrors(errs)
}

// broken reports whether any comparison under condition failed to build.
func broken(condition Condition) bool {
	switch node := condition.(type) {
	case *Compare:
		return node.err != nil
	case And:
		return slices.ContainsFunc(node, broken)
	case Or:
		return slices.ContainsFunc(node, broken)
	case Not:
		return broken(node.Child)
	default:
		return false
	}
}

// paddedVersion rewrites a version string so that plain string comparison
// orders versions correctly: numeric segments are left-padded and a release
// sorts after its pre-releases.
func paddedVersion(input string) string {
	version := strings.TrimPrefix(strings.TrimSpace(input), "v")
	if idx := strings.IndexByte(version, '+'); idx >= 0 {
		version = version[:idx]
	}

	parts := strings.FieldsFunc(version, func(r rune) bool { return r == '.' || r == '-' })
	if len(parts) == 3 {
		parts = append(parts, "~")
	}

	for i, part := range parts {
		if isDigits(part) {
			parts[i] = strings.Repeat(" ", max(0, 5-len(part))) + part
		}
	}

	return strings.Join(parts, "-")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
