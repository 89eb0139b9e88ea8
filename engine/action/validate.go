package action

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/steeldragon666/omniflow/engine/value"
)

// FieldType names the accepted input field types.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"

	// TypeFile accepts a path string or an object carrying "name"/"path"
	// plus optional "content".
	TypeFile FieldType = "file"
)

// Field declares one input field and its constraints.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`

	// Pattern constrains string fields to a regular expression.
	Pattern string `json:"pattern,omitempty"`

	// Min/Max bound number values, or the length of strings and arrays.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	// Enum restricts string fields to an allowed set.
	Enum []string `json:"enum,omitempty"`
}

// Schema validates action input at submission.
type Schema struct {
	Fields []Field `json:"fields"`
}

// ValidationError aggregates every constraint violation found in one input.
type ValidationError struct {
	ActionID string
	Issues   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("action %s input validation failed: %s", e.ActionID, strings.Join(e.Issues, "; "))
}

// Validate checks input against the schema, collecting all violations.
func (s *Schema) Validate(actionID string, input map[string]value.Value) error {
	if s == nil {
		return nil
	}
	var issues []string
	for _, f := range s.Fields {
		v, ok := input[f.Name]
		if !ok || v.Kind() == value.KindNull {
			if f.Required {
				issues = append(issues, fmt.Sprintf("%s: required field missing", f.Name))
			}
			continue
		}
		issues = append(issues, f.check(v)...)
	}
	if len(issues) > 0 {
		return &ValidationError{ActionID: actionID, Issues: issues}
	}
	return nil
}

func (f Field) check(v value.Value) []string {
	var issues []string

	switch f.Type {
	case TypeString:
		if v.Kind() != value.KindString {
			return []string{fmt.Sprintf("%s: expected string, got %s", f.Name, v.Kind())}
		}
	case TypeNumber:
		if v.Kind() != value.KindNumber {
			return []string{fmt.Sprintf("%s: expected number, got %s", f.Name, v.Kind())}
		}
	case TypeBoolean:
		if v.Kind() != value.KindBool {
			return []string{fmt.Sprintf("%s: expected boolean, got %s", f.Name, v.Kind())}
		}
	case TypeArray:
		if v.Kind() != value.KindList {
			return []string{fmt.Sprintf("%s: expected array, got %s", f.Name, v.Kind())}
		}
	case TypeObject:
		if v.Kind() != value.KindMap {
			return []string{fmt.Sprintf("%s: expected object, got %s", f.Name, v.Kind())}
		}
	case TypeFile:
		if !validFile(v) {
			return []string{fmt.Sprintf("%s: expected file path or file object", f.Name)}
		}
	case "":
		// Untyped field: constraints still apply below.
	default:
		return []string{fmt.Sprintf("%s: unknown field type %q", f.Name, f.Type)}
	}

	if f.Pattern != "" && v.Kind() == value.KindString {
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s: invalid pattern %q", f.Name, f.Pattern))
		} else if !re.MatchString(v.Str()) {
			issues = append(issues, fmt.Sprintf("%s: value does not match pattern %q", f.Name, f.Pattern))
		}
	}

	if f.Min != nil || f.Max != nil {
		var n float64
		var measured bool
		switch v.Kind() {
		case value.KindNumber:
			n, measured = v.Num(), true
		case value.KindString:
			n, measured = float64(len(v.Str())), true
		case value.KindList:
			if list, ok := v.AsList(); ok {
				n, measured = float64(len(list)), true
			}
		}
		if measured {
			if f.Min != nil && n < *f.Min {
				issues = append(issues, fmt.Sprintf("%s: %v below minimum %v", f.Name, n, *f.Min))
			}
			if f.Max != nil && n > *f.Max {
				issues = append(issues, fmt.Sprintf("%s: %v above maximum %v", f.Name, n, *f.Max))
			}
		}
	}

	if len(f.Enum) > 0 && v.Kind() == value.KindString {
		found := false
		for _, allowed := range f.Enum {
			if v.Str() == allowed {
				found = true
				break
			}
		}
		if !found {
			issues = append(issues, fmt.Sprintf("%s: %q not in enum %v", f.Name, v.Str(), f.Enum))
		}
	}

	return issues
}

func validFile(v value.Value) bool {
	switch v.Kind() {
	case value.KindString:
		return v.Str() != ""
	case value.KindMap:
		m, _ := v.AsMap()
		_, hasName := m["name"]
		_, hasPath := m["path"]
		return hasName || hasPath
	default:
		return false
	}
}
