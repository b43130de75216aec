package guard

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpGreaterThan    Operator = "greater_than"
	OpLessThan       Operator = "less_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessOrEqual    Operator = "less_or_equal"
	OpIn             Operator = "in"
	OpNotIn          Operator = "not_in"
	OpIsNull         Operator = "is_null"
	OpIsNotNull      Operator = "is_not_null"
)

// Expression is a guard condition tree: either a single leaf predicate
// (Field/Operator/Operand) or a group combining child expressions via AllOf
// (AND) or AnyOf (OR). Trees nest arbitrarily and are stored as JSONB:
// conditions are data, never executed source code.
//
// Evaluation is pure and total: an unknown or null field makes every
// comparison false rather than erroring, except is_null which is true for
// unknown fields. An empty expression evaluates to true.
type Expression struct {
	AllOf []Expression `json:"all_of,omitempty"`
	AnyOf []Expression `json:"any_of,omitempty"`

	Field    string      `json:"field,omitempty"`
	Operator Operator    `json:"operator,omitempty"`
	Operand  interface{} `json:"value,omitempty"`
}

// Predicate describes one leaf condition that did not hold, for user-facing
// error messages.
type Predicate struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
}

func (p Predicate) String() string {
	if p.Operator == OpIsNull || p.Operator == OpIsNotNull {
		return fmt.Sprintf("%s %s", p.Field, p.Operator)
	}
	return fmt.Sprintf("%s %s %v", p.Field, p.Operator, p.Value)
}

func (e *Expression) isLeaf() bool {
	return e.Operator != ""
}

func (e *Expression) isEmpty() bool {
	return e == nil || (!e.isLeaf() && len(e.AllOf) == 0 && len(e.AnyOf) == 0)
}

// Evaluate checks the expression against a flat field snapshot. It returns
// the overall verdict plus every failing leaf predicate that contributed to
// a false result.
func Evaluate(e *Expression, snapshot map[string]interface{}) (bool, []Predicate) {
	if e.isEmpty() {
		return true, nil
	}

	if e.isLeaf() {
		if evalLeaf(e, snapshot) {
			return true, nil
		}
		return false, []Predicate{{Field: e.Field, Operator: e.Operator, Value: e.Operand}}
	}

	if len(e.AllOf) > 0 {
		var failed []Predicate
		pass := true
		for i := range e.AllOf {
			ok, f := Evaluate(&e.AllOf[i], snapshot)
			if !ok {
				pass = false
				failed = append(failed, f...)
			}
		}
		return pass, failed
	}

	var failed []Predicate
	for i := range e.AnyOf {
		ok, f := Evaluate(&e.AnyOf[i], snapshot)
		if ok {
			return true, nil
		}
		failed = append(failed, f...)
	}
	return false, failed
}

func evalLeaf(e *Expression, snapshot map[string]interface{}) bool {
	value, present := snapshot[e.Field]
	if value == nil {
		present = false
	}

	switch e.Operator {
	case OpIsNull:
		return !present
	case OpIsNotNull:
		return present
	}

	// Every other operator is a comparison: false when the field is missing.
	if !present {
		return false
	}

	switch e.Operator {
	case OpEquals:
		return looseEqual(value, e.Operand)
	case OpNotEquals:
		return !looseEqual(value, e.Operand)
	case OpGreaterThan:
		cmp, ok := compare(value, e.Operand)
		return ok && cmp > 0
	case OpLessThan:
		cmp, ok := compare(value, e.Operand)
		return ok && cmp < 0
	case OpGreaterOrEqual:
		cmp, ok := compare(value, e.Operand)
		return ok && cmp >= 0
	case OpLessOrEqual:
		cmp, ok := compare(value, e.Operand)
		return ok && cmp <= 0
	case OpIn:
		return contains(e.Operand, value)
	case OpNotIn:
		return !contains(e.Operand, value)
	default:
		return false
	}
}

func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// compare orders two values when both are numeric or both are strings.
// Returns ok=false for incomparable pairs, which makes the predicate false.
func compare(a, b interface{}) (int, bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af > bf:
			return 1, true
		case af < bf:
			return -1, true
		default:
			return 0, true
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

func contains(list, value interface{}) bool {
	items, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(value, item) {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Validate rejects malformed trees at definition-write time: a node must be
// either a leaf with a known operator or a group, never both.
func (e *Expression) Validate() error {
	if e.isEmpty() {
		return nil
	}
	if e.isLeaf() {
		if len(e.AllOf) > 0 || len(e.AnyOf) > 0 {
			return fmt.Errorf("guard node mixes a predicate with a group")
		}
		if e.Field == "" {
			return fmt.Errorf("guard predicate is missing a field")
		}
		switch e.Operator {
		case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan,
			OpGreaterOrEqual, OpLessOrEqual, OpIn, OpNotIn, OpIsNull, OpIsNotNull:
		default:
			return fmt.Errorf("unknown guard operator %q", e.Operator)
		}
		return nil
	}
	if len(e.AllOf) > 0 && len(e.AnyOf) > 0 {
		return fmt.Errorf("guard group mixes all_of and any_of")
	}
	for i := range e.AllOf {
		if err := e.AllOf[i].Validate(); err != nil {
			return err
		}
	}
	for i := range e.AnyOf {
		if err := e.AnyOf[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Value and Scan map the expression to a JSONB column.

func (e *Expression) Value() (driver.Value, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}

func (e *Expression) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan guard expression: %v", value)
	}
	return json.Unmarshal(bytes, e)
}

func (e *Expression) GormDataType() string {
	return "jsonb"
}
