package condition

import (
	"strings"
	"testing"
	"time"

	"github.com/steeldragon666/omniflow/engine/value"
)

func testVars() map[string]value.Value {
	return map[string]value.Value{
		"name":   value.String("Order-42"),
		"status": value.String("active"),
		"count":  value.Number(7),
		"price":  value.Number(19.5),
		"ready":  value.Bool(true),
		"closed": value.Bool(false),
		"tags":   value.List(value.String("new"), value.String("urgent")),
		"user": value.Map(map[string]value.Value{
			"email": value.String("ops@example.com"),
			"age":   value.Number(31),
		}),
		"empty_list": value.List(),
		"nothing":    value.Null(),
	}
}

func TestEvaluateOperators(t *testing.T) {
	caseInsensitive := false

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq string", Condition{Field: "status", Operator: OpEq, Value: value.String("active")}, true},
		{"eq mismatch", Condition{Field: "status", Operator: OpEq, Value: value.String("paused")}, false},
		{"eq case insensitive", Condition{Field: "status", Operator: OpEq, Value: value.String("ACTIVE"), CaseSensitive: &caseInsensitive}, true},
		{"neq", Condition{Field: "status", Operator: OpNeq, Value: value.String("paused")}, true},
		{"gt", Condition{Field: "count", Operator: OpGt, Value: value.Number(5)}, true},
		{"gte boundary", Condition{Field: "count", Operator: OpGte, Value: value.Number(7)}, true},
		{"lt", Condition{Field: "price", Operator: OpLt, Value: value.Number(20)}, true},
		{"lte fails", Condition{Field: "count", Operator: OpLte, Value: value.Number(6)}, false},
		{"contains string", Condition{Field: "name", Operator: OpContains, Value: value.String("der-4")}, true},
		{"contains list member", Condition{Field: "tags", Operator: OpContains, Value: value.String("urgent")}, true},
		{"startsWith", Condition{Field: "name", Operator: OpStartsWith, Value: value.String("Order")}, true},
		{"endsWith", Condition{Field: "name", Operator: OpEndsWith, Value: value.String("42")}, true},
		{"regex", Condition{Field: "name", Operator: OpRegex, Value: value.String(`^Order-\d+$`)}, true},
		{"regex case insensitive", Condition{Field: "name", Operator: OpRegex, Value: value.String(`^order-`), CaseSensitive: &caseInsensitive}, true},
		{"exists", Condition{Field: "user.email", Operator: OpExists}, true},
		{"exists missing", Condition{Field: "user.phone", Operator: OpExists}, false},
		{"empty on empty list", Condition{Field: "empty_list", Operator: OpEmpty}, true},
		{"empty on populated", Condition{Field: "tags", Operator: OpEmpty}, false},
		{"empty on missing field", Condition{Field: "missing", Operator: OpEmpty}, true},
		{"in", Condition{Field: "status", Operator: OpIn, Value: value.List(value.String("active"), value.String("paused"))}, true},
		{"notIn", Condition{Field: "status", Operator: OpNotIn, Value: value.List(value.String("archived"))}, true},
		{"between inside", Condition{Field: "count", Operator: OpBetween, Value: value.List(value.Number(1), value.Number(10))}, true},
		{"between outside", Condition{Field: "count", Operator: OpBetween, Value: value.List(value.Number(8), value.Number(10))}, false},
		{"isNull on null", Condition{Field: "nothing", Operator: OpIsNull}, true},
		{"isNull on missing", Condition{Field: "ghost", Operator: OpIsNull}, true},
		{"isNull on value", Condition{Field: "count", Operator: OpIsNull}, false},
		{"isTrue", Condition{Field: "ready", Operator: OpIsTrue}, true},
		{"isFalse", Condition{Field: "closed", Operator: OpIsFalse}, true},
		{"isTrue on non-bool", Condition{Field: "count", Operator: OpIsTrue}, false},
		{"hasLength string", Condition{Field: "status", Operator: OpHasLength, Value: value.Number(6)}, true},
		{"hasLength list", Condition{Field: "tags", Operator: OpHasLength, Value: value.Number(2)}, true},
		{"hasKey", Condition{Field: "user", Operator: OpHasKey, Value: value.String("email")}, true},
		{"hasKey missing", Condition{Field: "user", Operator: OpHasKey, Value: value.String("phone")}, false},
		{"dot path number", Condition{Field: "user.age", Operator: OpGt, Value: value.Number(30)}, true},
		{"list index", Condition{Field: "tags.0", Operator: OpEq, Value: value.String("new")}, true},
		{"undefined field fails eq", Condition{Field: "missing.deep", Operator: OpEq, Value: value.String("x")}, false},
	}

	e := New()
	vars := testVars()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Evaluate(tt.cond, vars)
			if !res.Success {
				t.Fatalf("Success = false, details: %+v", res.Details)
			}
			if res.Result != tt.want {
				t.Errorf("Result = %v, want %v", res.Result, tt.want)
			}
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	e := New()
	vars := testVars()

	tests := []struct {
		name string
		cond Condition
	}{
		{"unknown operator", Condition{Field: "count", Operator: "almost"}},
		{"bad regex", Condition{Field: "name", Operator: OpRegex, Value: value.String("([")}},
		{"in without list", Condition{Field: "status", Operator: OpIn, Value: value.String("active")}},
		{"between without pair", Condition{Field: "count", Operator: OpBetween, Value: value.List(value.Number(1))}},
		{"order type mismatch", Condition{Field: "ready", Operator: OpGt, Value: value.Number(1)}},
		{"unknown custom predicate", Condition{Field: "count", Operator: OpCustom, Value: value.String("nope")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Evaluate(tt.cond, vars)
			if res.Success {
				t.Fatal("Success = true, want evaluation error")
			}
			if res.Result {
				t.Error("Result = true on error, want false")
			}
			if len(res.Details) != 1 || res.Details[0].Error == "" {
				t.Errorf("details = %+v, want one detail with error", res.Details)
			}
		})
	}
}

func TestEvaluateGroupLogic(t *testing.T) {
	e := New()
	vars := testVars()

	activeCond := Condition{Field: "status", Operator: OpEq, Value: value.String("active")}
	archivedCond := Condition{Field: "status", Operator: OpEq, Value: value.String("archived")}
	bigCond := Condition{Field: "count", Operator: OpGt, Value: value.Number(100)}

	t.Run("and all pass", func(t *testing.T) {
		res := e.EvaluateGroup(Group{Logic: LogicAnd, Conditions: []Condition{
			activeCond,
			{Field: "count", Operator: OpGt, Value: value.Number(1)},
		}}, vars)
		if !res.Result {
			t.Errorf("Result = false, want true; details %+v", res.Details)
		}
		if len(res.Details) != 2 {
			t.Errorf("details = %d, want 2", len(res.Details))
		}
	})

	t.Run("and short-circuits", func(t *testing.T) {
		res := e.EvaluateGroup(Group{Logic: LogicAnd, Conditions: []Condition{archivedCond, activeCond}}, vars)
		if res.Result {
			t.Error("Result = true, want false")
		}
		if len(res.Details) != 1 {
			t.Errorf("details = %d, want 1 (short circuit after first false)", len(res.Details))
		}
	})

	t.Run("or short-circuits", func(t *testing.T) {
		res := e.EvaluateGroup(Group{Logic: LogicOr, Conditions: []Condition{activeCond, bigCond}}, vars)
		if !res.Result {
			t.Error("Result = false, want true")
		}
		if len(res.Details) != 1 {
			t.Errorf("details = %d, want 1 (short circuit after first true)", len(res.Details))
		}
	})

	t.Run("negate", func(t *testing.T) {
		res := e.EvaluateGroup(Group{Logic: LogicAnd, Conditions: []Condition{archivedCond}, Negate: true}, vars)
		if !res.Result {
			t.Error("negated false group should be true")
		}
	})

	t.Run("nested groups", func(t *testing.T) {
		g := Group{
			Logic:      LogicAnd,
			Conditions: []Condition{activeCond},
			Groups: []Group{
				{Logic: LogicOr, Conditions: []Condition{bigCond, {Field: "ready", Operator: OpIsTrue}}},
			},
		}
		res := e.EvaluateGroup(g, vars)
		if !res.Result {
			t.Errorf("Result = false, want true; details %+v", res.Details)
		}
	})

	t.Run("empty group vacuous truth", func(t *testing.T) {
		if res := e.EvaluateGroup(Group{Logic: LogicAnd}, vars); !res.Result {
			t.Error("empty AND group should be true")
		}
		if res := e.EvaluateGroup(Group{Logic: LogicOr}, vars); res.Result {
			t.Error("empty OR group should be false")
		}
	})

	t.Run("execution time recorded", func(t *testing.T) {
		res := e.EvaluateGroup(Group{Conditions: []Condition{activeCond}}, vars)
		if res.ExecutionTime < 0 {
			t.Errorf("ExecutionTime = %v, want >= 0", res.ExecutionTime)
		}
	})
}

func TestResolveVariableReference(t *testing.T) {
	e := New()
	vars := testVars()
	vars["threshold"] = value.Number(5)

	res := e.Evaluate(Condition{Field: "count", Operator: OpGt, Value: value.String("$threshold")}, vars)
	if !res.Result {
		t.Errorf("count > $threshold = false, want true; details %+v", res.Details)
	}

	// Dotted reference into a map.
	res = e.Evaluate(Condition{Field: "user.email", Operator: OpEq, Value: value.String("$user.email")}, vars)
	if !res.Result {
		t.Error("self-comparison via $user.email should pass")
	}

	// Unknown reference resolves to null, so eq against a value fails.
	res = e.Evaluate(Condition{Field: "count", Operator: OpEq, Value: value.String("$missing")}, vars)
	if res.Result {
		t.Error("comparison against unresolved $missing should fail")
	}
}

func TestResolveFunctions(t *testing.T) {
	e := New()
	fixed := time.Date(2025, 3, 15, 10, 30, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }

	vars := map[string]value.Value{
		"today_str": value.String("2025-03-15"),
		"name":      value.String("  Padded  "),
		"values":    value.List(value.Number(2), value.Number(4), value.Number(6)),
	}

	t.Run("today", func(t *testing.T) {
		res := e.Evaluate(Condition{Field: "today_str", Operator: OpEq, Value: value.String("@today")}, vars)
		if !res.Result {
			t.Errorf("@today mismatch: %+v", res.Details)
		}
	})

	t.Run("daysAgo", func(t *testing.T) {
		out, err := e.Resolve(value.String("@daysAgo(2)"), vars)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if got := out.Str(); got != "2025-03-13" {
			t.Errorf("daysAgo(2) = %q, want 2025-03-13", got)
		}
	})

	t.Run("daysFromNow", func(t *testing.T) {
		out, err := e.Resolve(value.String("@daysFromNow(10)"), vars)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if got := out.Str(); got != "2025-03-25" {
			t.Errorf("daysFromNow(10) = %q, want 2025-03-25", got)
		}
	})

	t.Run("string helpers", func(t *testing.T) {
		out, err := e.Resolve(value.String("@trim($name)"), vars)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if out.Str() != "Padded" {
			t.Errorf("@trim = %q, want Padded", out.Str())
		}
		out, _ = e.Resolve(value.String("@toUpperCase('go')"), vars)
		if out.Str() != "GO" {
			t.Errorf("@toUpperCase = %q, want GO", out.Str())
		}
	})

	t.Run("aggregates", func(t *testing.T) {
		sum, err := e.Resolve(value.String("@sum($values)"), vars)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if sum.Num() != 12 {
			t.Errorf("@sum = %v, want 12", sum.Num())
		}
		avg, _ := e.Resolve(value.String("@average($values)"), vars)
		if avg.Num() != 4 {
			t.Errorf("@average = %v, want 4", avg.Num())
		}
		cnt, _ := e.Resolve(value.String("@count($values)"), vars)
		if cnt.Num() != 3 {
			t.Errorf("@count = %v, want 3", cnt.Num())
		}
	})

	t.Run("unknown function", func(t *testing.T) {
		if _, err := e.Resolve(value.String("@mystery()"), vars); err == nil {
			t.Error("unknown function should error")
		}
	})

	t.Run("malformed call", func(t *testing.T) {
		if _, err := e.Resolve(value.String("@sum(1, 2"), vars); err == nil {
			t.Error("unbalanced parens should error")
		}
	})
}

func TestMatchOperatorExpressions(t *testing.T) {
	e := New()
	vars := testVars()

	t.Run("expression over variables", func(t *testing.T) {
		res := e.Evaluate(Condition{
			Field:    "count",
			Operator: OpMatch,
			Value:    value.String("value > 5 && status == 'active'"),
		}, vars)
		if !res.Success {
			t.Fatalf("evaluation error: %+v", res.Details)
		}
		if !res.Result {
			t.Error("expression should evaluate true")
		}
	})

	t.Run("expression referencing value", func(t *testing.T) {
		res := e.Evaluate(Condition{
			Field:    "user.age",
			Operator: OpMatch,
			Value:    value.String("value >= 18 && value < 65"),
		}, vars)
		if !res.Result {
			t.Errorf("age gate failed: %+v", res.Details)
		}
	})

	t.Run("compile error surfaces", func(t *testing.T) {
		res := e.Evaluate(Condition{Field: "count", Operator: OpMatch, Value: value.String("&&&")}, vars)
		if res.Success {
			t.Error("invalid expression should clear Success")
		}
	})

	t.Run("programs are cached", func(t *testing.T) {
		src := "value == 7"
		cond := Condition{Field: "count", Operator: OpMatch, Value: value.String(src)}
		e.Evaluate(cond, vars)
		e.Evaluate(cond, vars)
		e.exprs.mu.RLock()
		_, cached := e.exprs.programs[src]
		e.exprs.mu.RUnlock()
		if !cached {
			t.Error("compiled program should be cached by source")
		}
	})
}

func TestCustomPredicate(t *testing.T) {
	e := New()
	e.RegisterPredicate("even", func(actual value.Value, _ Condition) (bool, error) {
		n, ok := actual.AsNumber()
		return ok && int(n)%2 == 0, nil
	})

	vars := map[string]value.Value{"n": value.Number(8)}
	res := e.Evaluate(Condition{Field: "n", Operator: OpCustom, Value: value.String("even")}, vars)
	if !res.Result {
		t.Error("even(8) should be true")
	}

	vars["n"] = value.Number(9)
	res = e.Evaluate(Condition{Field: "n", Operator: OpCustom, Value: value.String("even")}, vars)
	if res.Result {
		t.Error("even(9) should be false")
	}
}

func TestDetailsCarryExpectedAndActual(t *testing.T) {
	e := New()
	vars := testVars()

	res := e.Evaluate(Condition{ID: "c1", Field: "count", Operator: OpGt, Value: value.Number(5)}, vars)
	d := res.Details[0]
	if d.ConditionID != "c1" || d.Field != "count" || d.Operator != OpGt {
		t.Errorf("detail identity = %+v", d)
	}
	if d.Expected.Num() != 5 {
		t.Errorf("Expected = %v, want 5", d.Expected)
	}
	if d.Actual.Num() != 7 {
		t.Errorf("Actual = %v, want 7", d.Actual)
	}
	if !d.Result {
		t.Error("Result = false, want true")
	}
}

func TestEvaluateAllRequiresEveryCondition(t *testing.T) {
	e := New()
	vars := testVars()

	conds := []Condition{
		{Field: "status", Operator: OpEq, Value: value.String("active")},
		{Field: "count", Operator: OpGte, Value: value.Number(7)},
	}
	if res := e.EvaluateAll(conds, vars); !res.Result {
		t.Errorf("all-pass list reported false: %+v", res.Details)
	}

	conds = append(conds, Condition{Field: "ready", Operator: OpIsFalse})
	if res := e.EvaluateAll(conds, vars); res.Result {
		t.Error("list with one failing condition reported true")
	}
}

func TestEvaluatorIsReadOnly(t *testing.T) {
	e := New()
	vars := testVars()
	before := len(vars)

	e.EvaluateGroup(Group{
		Logic: LogicAnd,
		Conditions: []Condition{
			{Field: "status", Operator: OpEq, Value: value.String("$status")},
			{Field: "count", Operator: OpMatch, Value: value.String("value + 1 > 7")},
		},
	}, vars)

	if len(vars) != before {
		t.Errorf("variable map size changed: %d -> %d", before, len(vars))
	}
	if got := vars["status"].Str(); got != "active" {
		t.Errorf("status mutated to %q", got)
	}
	if !strings.HasPrefix(vars["name"].Str(), "Order") {
		t.Errorf("name mutated to %q", vars["name"].Str())
	}
}
