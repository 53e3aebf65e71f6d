package flow

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrInvalidExpression is returned for predicates that are not "variable OP literal".
	ErrInvalidExpression = errors.New("invalid condition expression")
	// ErrVariableNotSet is returned when the predicate's variable has no value.
	ErrVariableNotSet = errors.New("condition variable not set")
)

var conditionRe = regexp.MustCompile(`^\s*([A-Za-z_][\w.]*)\s*(==|!=|>=|<=|>|<)\s*(.+?)\s*$`)

// IsUnconditional reports whether a rule expression always matches.
func IsUnconditional(expr string) bool {
	switch strings.ToLower(strings.TrimSpace(expr)) {
	case "", "else", "default", "true":
		return true
	}
	return false
}

// EvaluateCondition evaluates "variable OP literal" against vars. Both sides are compared as
// numbers when both parse as numbers; otherwise == and != compare strings ignoring case and the
// ordering operators compare strings lexically.
func EvaluateCondition(expr string, vars map[string]any) (bool, error) {
	if IsUnconditional(expr) {
		return true, nil
	}
	m := conditionRe.FindStringSubmatch(expr)
	if m == nil {
		return false, fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
	}
	name, op, literal := m[1], m[2], unquote(m[3])

	v, ok := lookup(vars, name)
	if !ok || v == nil {
		return false, fmt.Errorf("%w: %s", ErrVariableNotSet, name)
	}

	if left, lok := toFloat(v); lok {
		if right, err := strconv.ParseFloat(literal, 64); err == nil {
			return compareFloat(left, op, right), nil
		}
	}
	return compareString(stringify(v), op, literal), nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func compareFloat(a float64, op string, b float64) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	}
	return false
}

func compareString(a, op, b string) bool {
	switch op {
	case "==":
		return strings.EqualFold(a, b)
	case "!=":
		return !strings.EqualFold(a, b)
	}
	c := strings.Compare(strings.ToLower(a), strings.ToLower(b))
	switch op {
	case ">":
		return c > 0
	case "<":
		return c < 0
	case ">=":
		return c >= 0
	case "<=":
		return c <= 0
	}
	return false
}
