package rules

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/sunshow/crmflow/internal/db"
)

// Operators understood by the evaluator. Short aliases are accepted as well.
const (
	OpEquals             = "EQUALS"
	OpNotEquals          = "NOTEQUALS"
	OpGreaterThan        = "GREATERTHAN"
	OpLessThan           = "LESSTHAN"
	OpGreaterThanOrEqual = "GREATERTHANOREQUAL"
	OpLessThanOrEqual    = "LESSTHANOREQUAL"
	OpContains           = "CONTAINS"
	OpIn                 = "IN"
	OpBetween            = "BETWEEN"
)

var operatorAliases = map[string]string{
	"EQ":  OpEquals,
	"NEQ": OpNotEquals,
	"GT":  OpGreaterThan,
	"LT":  OpLessThan,
	"GTE": OpGreaterThanOrEqual,
	"LTE": OpLessThanOrEqual,
}

var errUnordered = errors.New("field type does not support ordering")

// Condition is one typed comparison between an entity field and literal values
type Condition struct {
	Field    string  `json:"field" yaml:"field"`
	Operator string  `json:"operator" yaml:"operator"`
	Value    string  `json:"value" yaml:"value"`
	Value2   *string `json:"value2,omitempty" yaml:"value2,omitempty"`
}

// FromRuleCondition converts a stored rule condition
func FromRuleCondition(c db.WorkflowRuleCondition) Condition {
	return Condition{Field: c.FieldName, Operator: c.Operator, Value: c.Value, Value2: c.Value2}
}

// Evaluator evaluates conditions against entities. Evaluation never fails:
// anything that cannot be compared is a non-match and is logged.
type Evaluator struct {
	logger *zap.SugaredLogger
}

// NewEvaluator creates an evaluator
func NewEvaluator(logger *zap.SugaredLogger) *Evaluator {
	return &Evaluator{logger: logger}
}

// Evaluate reports whether entity satisfies c
func (e *Evaluator) Evaluate(entity Entity, c Condition) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warnw("Condition evaluation panicked", "field", c.Field, "operator", c.Operator, "panic", r)
			matched = false
		}
	}()

	field, ok := entity.FieldValue(c.Field)
	if !ok {
		e.logger.Warnw("Condition field not found on entity", "field", c.Field)
		return false
	}

	matched, err := evaluate(field, c)
	if err != nil {
		e.logger.Warnw("Condition evaluation failed", "field", c.Field, "operator", c.Operator, "error", err)
		return false
	}
	return matched
}

// EvaluateAll combines conditions with logic: "AND" requires all, anything else any.
// An empty condition list matches.
func (e *Evaluator) EvaluateAll(entity Entity, logic string, conditions []Condition) bool {
	if len(conditions) == 0 {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(logic), "AND") {
		for _, c := range conditions {
			if !e.Evaluate(entity, c) {
				return false
			}
		}
		return true
	}
	for _, c := range conditions {
		if e.Evaluate(entity, c) {
			return true
		}
	}
	return false
}

// NormalizeOperator upper-cases op, strips separators and resolves aliases
func NormalizeOperator(op string) string {
	op = strings.ToUpper(strings.TrimSpace(op))
	op = strings.NewReplacer("_", "", " ", "").Replace(op)
	if full, ok := operatorAliases[op]; ok {
		return full
	}
	return op
}

func evaluate(field any, c Condition) (bool, error) {
	op := NormalizeOperator(c.Operator)

	if field == nil {
		isNull := c.Value == "" || strings.EqualFold(c.Value, "null")
		switch op {
		case OpEquals:
			return isNull, nil
		case OpNotEquals:
			return !isNull, nil
		}
		return false, nil
	}

	switch op {
	case OpEquals, OpNotEquals:
		res, _, err := compare(field, c.Value)
		if err != nil {
			return false, err
		}
		return (res == 0) == (op == OpEquals), nil

	case OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual:
		res, err := compareOrdered(field, c.Value)
		if err != nil {
			return false, err
		}
		switch op {
		case OpGreaterThan:
			return res > 0, nil
		case OpLessThan:
			return res < 0, nil
		case OpGreaterThanOrEqual:
			return res >= 0, nil
		default:
			return res <= 0, nil
		}

	case OpContains:
		s, err := cast.ToStringE(field)
		if err != nil {
			return false, err
		}
		return strings.Contains(s, c.Value), nil

	case OpIn:
		s, err := cast.ToStringE(field)
		if err != nil {
			return false, err
		}
		s = strings.TrimSpace(s)
		for _, item := range strings.Split(c.Value, ",") {
			if strings.TrimSpace(item) == s {
				return true, nil
			}
		}
		return false, nil

	case OpBetween:
		if c.Value2 == nil {
			return false, fmt.Errorf("BETWEEN requires a second value")
		}
		low, err := compareOrdered(field, c.Value)
		if err != nil {
			return false, err
		}
		high, err := compareOrdered(field, *c.Value2)
		if err != nil {
			return false, err
		}
		return low >= 0 && high <= 0, nil
	}

	return false, nil
}

func compareOrdered(field any, literal string) (int, error) {
	res, ordered, err := compare(field, literal)
	if err != nil {
		return 0, err
	}
	if !ordered {
		return 0, fmt.Errorf("%T: %w", field, errUnordered)
	}
	return res, nil
}

// compare coerces literal to the runtime type of field and compares them.
// ordered is false for types without a natural order.
func compare(field any, literal string) (res int, ordered bool, err error) {
	switch f := field.(type) {
	case string:
		return strings.Compare(f, literal), true, nil

	case bool:
		l, err := cast.ToBoolE(literal)
		if err != nil {
			return 0, false, fmt.Errorf("coerce %q to bool: %w", literal, err)
		}
		if f == l {
			return 0, false, nil
		}
		return 1, false, nil

	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		fv, err := cast.ToInt64E(f)
		if err != nil {
			return 0, false, err
		}
		if lv, err := cast.ToInt64E(literal); err == nil {
			return cmp.Compare(fv, lv), true, nil
		}
		lf, err := cast.ToFloat64E(literal)
		if err != nil {
			return 0, false, fmt.Errorf("coerce %q to number: %w", literal, err)
		}
		return cmp.Compare(float64(fv), lf), true, nil

	case float32, float64, json.Number:
		fv, err := cast.ToFloat64E(f)
		if err != nil {
			return 0, false, err
		}
		lv, err := cast.ToFloat64E(literal)
		if err != nil {
			return 0, false, fmt.Errorf("coerce %q to number: %w", literal, err)
		}
		return cmp.Compare(fv, lv), true, nil

	case time.Time:
		lv, err := cast.ToTimeE(literal)
		if err != nil {
			return 0, false, fmt.Errorf("coerce %q to time: %w", literal, err)
		}
		return f.Compare(lv), true, nil
	}

	s, err := cast.ToStringE(field)
	if err != nil {
		s = fmt.Sprint(field)
	}
	if s == literal {
		return 0, false, nil
	}
	return 1, false, nil
}
