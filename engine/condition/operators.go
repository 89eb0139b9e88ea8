package condition

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/steeldragon666/omniflow/engine/value"
)

// regexCache keeps compiled patterns; condition sets are small and stable so
// the cache is never evicted.
var regexCache sync.Map // pattern string -> *regexp.Regexp

func compiledRegex(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// apply runs one operator. found reports whether the field path resolved;
// operators short-circuit on undefined fields per their own semantics.
func (e *Evaluator) apply(c Condition, expected, actual value.Value, found bool, vars map[string]value.Value) (bool, error) {
	switch c.Operator {
	case OpExists:
		return found, nil
	case OpEmpty:
		return !found || !actual.Truthy(), nil
	case OpIsNull:
		return !found || actual.IsNull(), nil
	}

	if !found {
		// Undefined fields fail every remaining operator without error.
		return false, nil
	}

	cs := c.caseSensitive()

	switch c.Operator {
	case OpEq:
		return equal(expected, actual, cs), nil

	case OpNeq:
		return !equal(expected, actual, cs), nil

	case OpGt, OpGte, OpLt, OpLte:
		cmp, err := compare(actual, expected, cs)
		if err != nil {
			return false, err
		}
		switch c.Operator {
		case OpGt:
			return cmp > 0, nil
		case OpGte:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}

	case OpContains:
		if list, ok := actual.AsList(); ok {
			for _, item := range list {
				if equal(item, expected, cs) {
					return true, nil
				}
			}
			return false, nil
		}
		a, b := actual.String(), expected.String()
		if !cs {
			a, b = strings.ToLower(a), strings.ToLower(b)
		}
		return strings.Contains(a, b), nil

	case OpStartsWith:
		a, b := actual.String(), expected.String()
		if !cs {
			a, b = strings.ToLower(a), strings.ToLower(b)
		}
		return strings.HasPrefix(a, b), nil

	case OpEndsWith:
		a, b := actual.String(), expected.String()
		if !cs {
			a, b = strings.ToLower(a), strings.ToLower(b)
		}
		return strings.HasSuffix(a, b), nil

	case OpRegex:
		pattern := expected.String()
		if !cs && !strings.HasPrefix(pattern, "(?i)") {
			pattern = "(?i)" + pattern
		}
		re, err := compiledRegex(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid pattern: %w", err)
		}
		return re.MatchString(actual.String()), nil

	case OpIn, OpNotIn:
		list, ok := expected.AsList()
		if !ok {
			return false, fmt.Errorf("%s requires a list value", c.Operator)
		}
		member := false
		for _, item := range list {
			if equal(item, actual, cs) {
				member = true
				break
			}
		}
		if c.Operator == OpIn {
			return member, nil
		}
		return !member, nil

	case OpBetween:
		bounds, ok := expected.AsList()
		if !ok || len(bounds) != 2 {
			return false, fmt.Errorf("between requires a [low, high] pair")
		}
		n, ok := actual.AsNumber()
		if !ok {
			return false, nil
		}
		lo, okLo := bounds[0].AsNumber()
		hi, okHi := bounds[1].AsNumber()
		if !okLo || !okHi {
			return false, fmt.Errorf("between bounds must be numbers")
		}
		return n >= lo && n <= hi, nil

	case OpIsTrue:
		b, ok := actual.AsBool()
		return ok && b, nil

	case OpIsFalse:
		b, ok := actual.AsBool()
		return ok && !b, nil

	case OpHasLength:
		want, ok := expected.AsNumber()
		if !ok {
			return false, fmt.Errorf("hasLength requires a numeric value")
		}
		length, ok := lengthOf(actual)
		return ok && float64(length) == want, nil

	case OpHasKey:
		m, ok := actual.AsMap()
		if !ok {
			return false, nil
		}
		_, has := m[expected.String()]
		return has, nil

	case OpMatch:
		out, err := e.exprs.run(expected.String(), exprEnv(vars, actual))
		if err != nil {
			return false, fmt.Errorf("match expression: %w", err)
		}
		return value.From(out).Truthy(), nil

	case OpCustom:
		name := expected.String()
		e.mu.RLock()
		pred, ok := e.predicates[name]
		e.mu.RUnlock()
		if !ok {
			return false, fmt.Errorf("unknown custom predicate %q", name)
		}
		return pred(actual, c)

	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

func equal(a, b value.Value, caseSensitive bool) bool {
	if !caseSensitive {
		as, aok := a.AsString()
		bs, bok := b.AsString()
		if aok && bok {
			return strings.EqualFold(as, bs)
		}
	}
	return a.Equal(b)
}

// compare orders two values: numerically when both are numbers,
// lexicographically when both are strings. Anything else is a type mismatch.
func compare(a, b value.Value, caseSensitive bool) (int, error) {
	if an, ok := a.AsNumber(); ok {
		if bn, ok := b.AsNumber(); ok {
			switch {
			case an < bn:
				return -1, nil
			case an > bn:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	as, aok := a.AsString()
	bs, bok := b.AsString()
	if aok && bok {
		if !caseSensitive {
			as, bs = strings.ToLower(as), strings.ToLower(bs)
		}
		return strings.Compare(as, bs), nil
	}
	return 0, fmt.Errorf("cannot order %s against %s", a.Kind(), b.Kind())
}

func lengthOf(v value.Value) (int, bool) {
	switch v.Kind() {
	case value.KindString:
		return len(v.Str()), true
	case value.KindList:
		list, _ := v.AsList()
		return len(list), true
	case value.KindMap:
		m, _ := v.AsMap()
		return len(m), true
	default:
		return 0, false
	}
}
