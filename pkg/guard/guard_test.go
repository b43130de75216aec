package guard

import (
	"encoding/json"
	"testing"
)

func leaf(field string, op Operator, value interface{}) Expression {
	return Expression{Field: field, Operator: op, Operand: value}
}

func TestEvaluateLeafOperators(t *testing.T) {
	snapshot := map[string]interface{}{
		"status":   "draft",
		"amount":   float64(150),
		"category": "hardware",
		"owner":    nil,
	}

	tests := []struct {
		name string
		expr Expression
		want bool
	}{
		{"equals match", leaf("status", OpEquals, "draft"), true},
		{"equals mismatch", leaf("status", OpEquals, "review"), false},
		{"not_equals", leaf("status", OpNotEquals, "review"), true},
		{"greater_than", leaf("amount", OpGreaterThan, float64(100)), true},
		{"greater_than false", leaf("amount", OpGreaterThan, float64(200)), false},
		{"less_than", leaf("amount", OpLessThan, float64(200)), true},
		{"greater_or_equal boundary", leaf("amount", OpGreaterOrEqual, float64(150)), true},
		{"less_or_equal boundary", leaf("amount", OpLessOrEqual, float64(150)), true},
		{"numeric equals with int operand", leaf("amount", OpEquals, 150), true},
		{"string ordering", leaf("status", OpGreaterThan, "apple"), true},
		{"in", leaf("category", OpIn, []interface{}{"hardware", "software"}), true},
		{"in miss", leaf("category", OpIn, []interface{}{"software"}), false},
		{"not_in", leaf("category", OpNotIn, []interface{}{"software"}), true},
		{"is_null on nil field", leaf("owner", OpIsNull, nil), true},
		{"is_not_null on nil field", leaf("owner", OpIsNotNull, nil), false},
		{"is_not_null on present field", leaf("status", OpIsNotNull, nil), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := Evaluate(&tc.expr, snapshot)
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

// Unknown fields never error: comparisons are false, is_null is true. This
// asymmetry means restructuring an expression into its negation does not flip
// the verdict for missing fields.
func TestEvaluateUnknownFieldTotality(t *testing.T) {
	snapshot := map[string]interface{}{"present": 1}

	tests := []struct {
		name string
		expr Expression
		want bool
	}{
		{"equals unknown", leaf("missing", OpEquals, "x"), false},
		{"not_equals unknown", leaf("missing", OpNotEquals, "x"), false},
		{"greater_than unknown", leaf("missing", OpGreaterThan, 1), false},
		{"in unknown", leaf("missing", OpIn, []interface{}{"x"}), false},
		{"not_in unknown", leaf("missing", OpNotIn, []interface{}{"x"}), false},
		{"is_null unknown", leaf("missing", OpIsNull, nil), true},
		{"is_not_null unknown", leaf("missing", OpIsNotNull, nil), false},
		{"incomparable types", leaf("present", OpGreaterThan, "banana"), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := Evaluate(&tc.expr, snapshot)
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestEvaluateNestedGroups(t *testing.T) {
	expr := Expression{
		AllOf: []Expression{
			leaf("status", OpEquals, "draft"),
			{
				AnyOf: []Expression{
					leaf("amount", OpLessThan, float64(100)),
					leaf("category", OpEquals, "hardware"),
				},
			},
		},
	}

	pass, failed := Evaluate(&expr, map[string]interface{}{
		"status":   "draft",
		"amount":   float64(500),
		"category": "hardware",
	})
	if !pass {
		t.Fatalf("expected pass, failed predicates: %v", failed)
	}

	pass, failed = Evaluate(&expr, map[string]interface{}{
		"status":   "draft",
		"amount":   float64(500),
		"category": "software",
	})
	if pass {
		t.Fatal("expected failure")
	}
	if len(failed) != 2 {
		t.Fatalf("expected both any_of branches reported, got %v", failed)
	}
}

func TestEvaluateReportsFailingPredicates(t *testing.T) {
	expr := Expression{
		AllOf: []Expression{
			leaf("status", OpEquals, "draft"),
			leaf("amount", OpGreaterThan, float64(1000)),
		},
	}

	pass, failed := Evaluate(&expr, map[string]interface{}{
		"status": "review",
		"amount": float64(10),
	})
	if pass {
		t.Fatal("expected failure")
	}
	if len(failed) != 2 {
		t.Fatalf("expected 2 failing predicates, got %d", len(failed))
	}
	if failed[0].Field != "status" || failed[1].Field != "amount" {
		t.Fatalf("unexpected failing predicates: %v", failed)
	}
	if failed[1].String() != "amount greater_than 1000" {
		t.Fatalf("unexpected predicate rendering: %q", failed[1].String())
	}
}

func TestEvaluateEmptyExpression(t *testing.T) {
	pass, failed := Evaluate(nil, map[string]interface{}{"anything": 1})
	if !pass || failed != nil {
		t.Fatal("nil expression must pass")
	}

	empty := &Expression{}
	pass, _ = Evaluate(empty, nil)
	if !pass {
		t.Fatal("empty expression must pass")
	}
}

func TestExpressionJSONRoundTrip(t *testing.T) {
	payload := []byte(`{
		"all_of": [
			{"field": "status", "operator": "equals", "value": "draft"},
			{"any_of": [
				{"field": "amount", "operator": "less_than", "value": 100},
				{"field": "owner", "operator": "is_not_null"}
			]}
		]
	}`)

	var expr Expression
	if err := json.Unmarshal(payload, &expr); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if err := expr.Validate(); err != nil {
		t.Fatalf("validate error: %v", err)
	}

	pass, _ := Evaluate(&expr, map[string]interface{}{
		"status": "draft",
		"amount": float64(50),
	})
	if !pass {
		t.Fatal("expected deserialized expression to pass")
	}
}

func TestExpressionScanAndValue(t *testing.T) {
	original := &Expression{AllOf: []Expression{leaf("status", OpEquals, "draft")}}

	value, err := original.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	var scanned Expression
	if err := scanned.Scan(value); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(scanned.AllOf) != 1 || scanned.AllOf[0].Field != "status" {
		t.Fatalf("unexpected scanned expression: %+v", scanned)
	}
}

func TestValidateRejectsMalformedTrees(t *testing.T) {
	tests := []struct {
		name string
		expr Expression
	}{
		{"unknown operator", leaf("status", Operator("matches"), "x")},
		{"missing field", Expression{Operator: OpEquals, Operand: "x"}},
		{"mixed groups", Expression{
			AllOf: []Expression{leaf("a", OpEquals, 1)},
			AnyOf: []Expression{leaf("b", OpEquals, 2)},
		}},
		{"leaf with children", Expression{
			Field: "a", Operator: OpEquals, Operand: 1,
			AllOf: []Expression{leaf("b", OpEquals, 2)},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.expr.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
