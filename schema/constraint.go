package schema

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"
)

// Constraint is a predicate over the new value of a property.
type Constraint struct {
	// Name identifies the constraint in violations (e.g. "length").
	Name string

	// Check reports whether the value is acceptable. It is never called with
	// a nil value; required-ness is expressed by Property.Required.
	Check func(v any) bool

	// Message is the machine-oriented description of the failure.
	Message string

	// DisplayMessage is shown to end users. Defaults to Message.
	DisplayMessage string
}

// Display returns the display message, falling back to Message.
func (c Constraint) Display() string {
	if c.DisplayMessage != "" {
		return c.DisplayMessage
	}
	return c.Message
}

// NotBlank rejects strings that are empty after trimming spaces.
func NotBlank() Constraint {
	return Constraint{
		Name: "not_blank",
		Check: func(v any) bool {
			s, ok := v.(string)
			return ok && strings.TrimSpace(s) != ""
		},
		Message:        "value must not be blank",
		DisplayMessage: "must not be blank",
	}
}

// Length bounds the rune length of a string. A negative max means unbounded.
func Length(min, max int) Constraint {
	msg := fmt.Sprintf("length must be between %d and %d", min, max)
	if max < 0 {
		msg = fmt.Sprintf("length must be at least %d", min)
	}
	return Constraint{
		Name: "length",
		Check: func(v any) bool {
			s, ok := v.(string)
			if !ok {
				return false
			}
			n := utf8.RuneCountInString(s)
			return n >= min && (max < 0 || n <= max)
		},
		Message: msg,
	}
}

// Range bounds a numeric value inclusively.
func Range(min, max float64) Constraint {
	return Constraint{
		Name: "range",
		Check: func(v any) bool {
			switch n := v.(type) {
			case int64:
				return float64(n) >= min && float64(n) <= max
			case float64:
				return n >= min && n <= max
			}
			return false
		},
		Message: fmt.Sprintf("value must be between %g and %g", min, max),
	}
}

// Matches requires a string to match the regular expression.
func Matches(pattern string) Constraint {
	re := regexp.MustCompile(pattern)
	return Constraint{
		Name: "matches",
		Check: func(v any) bool {
			s, ok := v.(string)
			return ok && re.MatchString(s)
		},
		Message: fmt.Sprintf("value must match %q", pattern),
	}
}

// OneOf restricts a string to a fixed set of values.
func OneOf(values ...string) Constraint {
	allowed := slices.Clone(values)
	return Constraint{
		Name: "one_of",
		Check: func(v any) bool {
			s, ok := v.(string)
			return ok && slices.Contains(allowed, s)
		},
		Message: fmt.Sprintf("value must be one of %s", strings.Join(allowed, ", ")),
	}
}
