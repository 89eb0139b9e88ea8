package condition

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/steeldragon666/omniflow/engine/value"
)

// Resolve turns a condition value into its concrete form: strings beginning
// with $ read a context variable (dot paths allowed), strings beginning with
// @ call a registered function, everything else is literal. Non-string
// values are always literal.
func (e *Evaluator) Resolve(v value.Value, vars map[string]value.Value) (value.Value, error) {
	s, ok := v.AsString()
	if !ok {
		return v, nil
	}
	switch {
	case strings.HasPrefix(s, "$"):
		resolved, found := value.Lookup(vars, s[1:])
		if !found {
			return value.Null(), nil
		}
		return resolved, nil
	case strings.HasPrefix(s, "@"):
		return e.call(s[1:], vars)
	default:
		return v, nil
	}
}

// call parses and invokes "name(arg, ...)". Bare "name" is treated as a
// zero-argument call.
func (e *Evaluator) call(src string, vars map[string]value.Value) (value.Value, error) {
	name := src
	var rawArgs string
	if open := strings.IndexByte(src, '('); open >= 0 {
		if !strings.HasSuffix(src, ")") {
			return value.Null(), fmt.Errorf("malformed function call @%s", src)
		}
		name = src[:open]
		rawArgs = src[open+1 : len(src)-1]
	}

	e.mu.RLock()
	fn, ok := e.functions[name]
	e.mu.RUnlock()
	if !ok {
		return value.Null(), fmt.Errorf("unknown function @%s", name)
	}

	args, err := e.parseArgs(rawArgs, vars)
	if err != nil {
		return value.Null(), err
	}
	return fn(args)
}

func (e *Evaluator) parseArgs(raw string, vars map[string]value.Value) ([]value.Value, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := splitArgs(raw)
	args := make([]value.Value, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "'") && strings.HasSuffix(part, "'") && len(part) >= 2:
			args = append(args, value.String(part[1:len(part)-1]))
		case strings.HasPrefix(part, `"`) && strings.HasSuffix(part, `"`) && len(part) >= 2:
			args = append(args, value.String(part[1:len(part)-1]))
		case strings.HasPrefix(part, "$"):
			resolved, _ := value.Lookup(vars, part[1:])
			args = append(args, resolved)
		case part == "true":
			args = append(args, value.Bool(true))
		case part == "false":
			args = append(args, value.Bool(false))
		case part == "null":
			args = append(args, value.Null())
		default:
			if n, err := strconv.ParseFloat(part, 64); err == nil {
				args = append(args, value.Number(n))
			} else {
				args = append(args, value.String(part))
			}
		}
	}
	return args, nil
}

// splitArgs splits on commas outside quotes. Nested calls are not supported.
func splitArgs(raw string) []string {
	var parts []string
	var quote byte
	start := 0
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == ',':
			parts = append(parts, raw[start:i])
			start = i + 1
		}
	}
	return append(parts, raw[start:])
}

func registerBuiltins(e *Evaluator) {
	const dateLayout = "2006-01-02"

	argNumber := func(args []value.Value, i int, fn string) (float64, error) {
		if i >= len(args) {
			return 0, fmt.Errorf("@%s: missing argument %d", fn, i+1)
		}
		n, ok := args[i].AsNumber()
		if !ok {
			return 0, fmt.Errorf("@%s: argument %d must be a number", fn, i+1)
		}
		return n, nil
	}
	argList := func(args []value.Value, fn string) ([]value.Value, error) {
		if len(args) == 1 {
			if list, ok := args[0].AsList(); ok {
				return list, nil
			}
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("@%s: missing list argument", fn)
		}
		return args, nil
	}

	// Date helpers.
	e.RegisterFunction("now", func([]value.Value) (value.Value, error) {
		return value.String(e.now().UTC().Format(time.RFC3339)), nil
	})
	e.RegisterFunction("today", func([]value.Value) (value.Value, error) {
		return value.String(e.now().UTC().Format(dateLayout)), nil
	})
	e.RegisterFunction("tomorrow", func([]value.Value) (value.Value, error) {
		return value.String(e.now().UTC().AddDate(0, 0, 1).Format(dateLayout)), nil
	})
	e.RegisterFunction("daysAgo", func(args []value.Value) (value.Value, error) {
		n, err := argNumber(args, 0, "daysAgo")
		if err != nil {
			return value.Null(), err
		}
		return value.String(e.now().UTC().AddDate(0, 0, -int(n)).Format(dateLayout)), nil
	})
	e.RegisterFunction("daysFromNow", func(args []value.Value) (value.Value, error) {
		n, err := argNumber(args, 0, "daysFromNow")
		if err != nil {
			return value.Null(), err
		}
		return value.String(e.now().UTC().AddDate(0, 0, int(n)).Format(dateLayout)), nil
	})

	// String helpers.
	e.RegisterFunction("toLowerCase", func(args []value.Value) (value.Value, error) {
		if len(args) == 0 {
			return value.Null(), fmt.Errorf("@toLowerCase: missing argument")
		}
		return value.String(strings.ToLower(args[0].String())), nil
	})
	e.RegisterFunction("toUpperCase", func(args []value.Value) (value.Value, error) {
		if len(args) == 0 {
			return value.Null(), fmt.Errorf("@toUpperCase: missing argument")
		}
		return value.String(strings.ToUpper(args[0].String())), nil
	})
	e.RegisterFunction("trim", func(args []value.Value) (value.Value, error) {
		if len(args) == 0 {
			return value.Null(), fmt.Errorf("@trim: missing argument")
		}
		return value.String(strings.TrimSpace(args[0].String())), nil
	})
	e.RegisterFunction("length", func(args []value.Value) (value.Value, error) {
		if len(args) == 0 {
			return value.Null(), fmt.Errorf("@length: missing argument")
		}
		if n, ok := lengthOf(args[0]); ok {
			return value.Int(n), nil
		}
		return value.Null(), fmt.Errorf("@length: unsupported kind %s", args[0].Kind())
	})

	// Math helpers.
	e.RegisterFunction("abs", func(args []value.Value) (value.Value, error) {
		n, err := argNumber(args, 0, "abs")
		if err != nil {
			return value.Null(), err
		}
		return value.Number(math.Abs(n)), nil
	})
	e.RegisterFunction("round", func(args []value.Value) (value.Value, error) {
		n, err := argNumber(args, 0, "round")
		if err != nil {
			return value.Null(), err
		}
		return value.Number(math.Round(n)), nil
	})
	e.RegisterFunction("floor", func(args []value.Value) (value.Value, error) {
		n, err := argNumber(args, 0, "floor")
		if err != nil {
			return value.Null(), err
		}
		return value.Number(math.Floor(n)), nil
	})
	e.RegisterFunction("ceil", func(args []value.Value) (value.Value, error) {
		n, err := argNumber(args, 0, "ceil")
		if err != nil {
			return value.Null(), err
		}
		return value.Number(math.Ceil(n)), nil
	})

	// Array aggregates.
	e.RegisterFunction("count", func(args []value.Value) (value.Value, error) {
		list, err := argList(args, "count")
		if err != nil {
			return value.Null(), err
		}
		return value.Int(len(list)), nil
	})
	e.RegisterFunction("sum", func(args []value.Value) (value.Value, error) {
		list, err := argList(args, "sum")
		if err != nil {
			return value.Null(), err
		}
		total := 0.0
		for _, item := range list {
			n, ok := item.AsNumber()
			if !ok {
				return value.Null(), fmt.Errorf("@sum: non-numeric element")
			}
			total += n
		}
		return value.Number(total), nil
	})
	e.RegisterFunction("average", func(args []value.Value) (value.Value, error) {
		list, err := argList(args, "average")
		if err != nil {
			return value.Null(), err
		}
		if len(list) == 0 {
			return value.Number(0), nil
		}
		total := 0.0
		for _, item := range list {
			n, ok := item.AsNumber()
			if !ok {
				return value.Null(), fmt.Errorf("@average: non-numeric element")
			}
			total += n
		}
		return value.Number(total / float64(len(list))), nil
	})
	e.RegisterFunction("min", func(args []value.Value) (value.Value, error) {
		list, err := argList(args, "min")
		if err != nil {
			return value.Null(), err
		}
		if len(list) == 0 {
			return value.Null(), fmt.Errorf("@min: empty list")
		}
		best := math.Inf(1)
		for _, item := range list {
			n, ok := item.AsNumber()
			if !ok {
				return value.Null(), fmt.Errorf("@min: non-numeric element")
			}
			best = math.Min(best, n)
		}
		return value.Number(best), nil
	})
	e.RegisterFunction("max", func(args []value.Value) (value.Value, error) {
		list, err := argList(args, "max")
		if err != nil {
			return value.Null(), err
		}
		if len(list) == 0 {
			return value.Null(), fmt.Errorf("@max: empty list")
		}
		best := math.Inf(-1)
		for _, item := range list {
			n, ok := item.AsNumber()
			if !ok {
				return value.Null(), fmt.Errorf("@max: non-numeric element")
			}
			best = math.Max(best, n)
		}
		return value.Number(best), nil
	})
}
