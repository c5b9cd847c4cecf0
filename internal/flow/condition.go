package flow

import (
	"strconv"
	"strings"

	"github.com/chatfuse/botflow/internal/models"
)

// EvaluateConditions computes the AND of a CONDITION node's comparison list
// against the session variables and contact. An empty list evaluates to false,
// and any condition whose left-hand variable does not resolve short-circuits
// the whole node to false.
func EvaluateConditions(conditions []models.Condition, contact *models.Contact, vars map[string]string) bool {
	if len(conditions) == 0 {
		return false
	}
	for _, c := range conditions {
		if !evaluateCondition(c, contact, vars) {
			return false
		}
	}
	return true
}

// evaluateCondition evaluates a single comparison. Operands are nullable: a
// missing session variable yields a nil operand. Evaluation never errors; any
// malformed input resolves to false.
func evaluateCondition(c models.Condition, contact *models.Contact, vars map[string]string) bool {
	if c.Variable == "" {
		return false
	}
	left, leftOK := lookupVar(vars, c.Variable)

	// Emptiness operators test the left operand only and tolerate a missing
	// variable.
	switch c.Operator {
	case models.OperatorIsEmpty:
		return !leftOK || left == ""
	case models.OperatorIsNotEmpty:
		return leftOK && left != ""
	}

	if !leftOK {
		return false
	}

	var right string
	if c.ValueVariable != "" {
		r, ok := lookupVar(vars, c.ValueVariable)
		if !ok {
			return false
		}
		right = r
	} else {
		right = Interpolate(c.Value, contact, vars)
	}

	switch c.Operator {
	case models.OperatorEqual:
		return left == right
	case models.OperatorNotEqual:
		return left != right
	case models.OperatorContains:
		return strings.Contains(left, right)
	case models.OperatorLessThan:
		return compareNumeric(left, right, func(a, b float64) bool { return a < b })
	case models.OperatorLessThanOrEqual:
		return compareNumeric(left, right, func(a, b float64) bool { return a <= b })
	case models.OperatorGreaterThan:
		return compareNumeric(left, right, func(a, b float64) bool { return a > b })
	case models.OperatorGreaterThanOrEqual:
		return compareNumeric(left, right, func(a, b float64) bool { return a >= b })
	default:
		return false
	}
}

func lookupVar(vars map[string]string, name string) (string, bool) {
	v, ok := vars[name]
	return v, ok
}

// compareNumeric applies cmp to both operands parsed as numbers. Any
// non-numeric operand makes the comparison false rather than an error.
func compareNumeric(left, right string, cmp func(a, b float64) bool) bool {
	a, err := strconv.ParseFloat(strings.TrimSpace(left), 64)
	if err != nil {
		return false
	}
	b, err := strconv.ParseFloat(strings.TrimSpace(right), 64)
	if err != nil {
		return false
	}
	return cmp(a, b)
}
