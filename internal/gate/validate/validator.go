package validate

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

// Validator applies per-tool rules and a global deny-list to tool
// parameters. Register all rules during startup; after that the validator is
// read-only and safe for unlimited concurrent use.
type Validator struct {
	enabled bool
	global  []*regexp.Regexp
	rules   map[string][]Rule
}

// New builds an enabled validator. The global patterns are applied to every
// string value of every tool's parameters, including strings nested in array
// and object parameters, after the tool's own rules.
func New(global []*regexp.Regexp) *Validator {
	return &Validator{
		enabled: true,
		global:  global,
		rules:   make(map[string][]Rule),
	}
}

// NewDisabled returns a validator that accepts everything.
func NewDisabled() *Validator {
	return &Validator{rules: make(map[string][]Rule)}
}

// Register installs the rule list for a tool, replacing any previous list.
// Declaration order in rules is the evaluation order. Not safe to call
// concurrently with Validate; wire everything before serving.
func (v *Validator) Register(tool string, rules []Rule) {
	v.rules[tool] = rules
}

// Validate checks params against the tool's rules, then the global
// deny-list. The first failing rule short-circuits and is returned as an
// *Error; nil means valid.
func (v *Validator) Validate(tool string, params map[string]any) error {
	if !v.enabled {
		return nil
	}

	for _, r := range v.rules[tool] {
		val, ok := params[r.Field]
		if !ok {
			if r.Required {
				return &Error{Field: r.Field, Reason: "missing"}
			}
			continue
		}
		if reason := check(r, val); reason != "" {
			return &Error{Field: r.Field, Reason: reason}
		}
	}

	if len(v.global) > 0 {
		// Deterministic order over the map: sort the keys.
		fields := make([]string, 0, len(params))
		for f := range params {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			if v.denied(params[f]) {
				return &Error{Field: f, Reason: "contains a disallowed character sequence"}
			}
		}
	}
	return nil
}

// denied reports whether any string reachable inside val matches a global
// pattern. Arrays and objects are walked so string elements cannot smuggle a
// payload past the top-level sweep.
func (v *Validator) denied(val any) bool {
	switch x := val.(type) {
	case string:
		for _, p := range v.global {
			if p.MatchString(x) {
				return true
			}
		}
	case []any:
		for _, el := range x {
			if v.denied(el) {
				return true
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if v.denied(x[k]) {
				return true
			}
		}
	}
	return false
}

// check evaluates one rule against a present value and returns the failure
// reason, or "" when the value passes.
func check(r Rule, val any) string {
	switch r.Kind {
	case KindType:
		if reason := checkType(r.Type, val); reason != "" {
			return reason
		}
	case KindLength:
		s, ok := val.(string)
		if !ok {
			return "expected string"
		}
		if len(s) < r.MinLen || len(s) > r.MaxLen {
			return fmt.Sprintf("length %d outside [%d, %d]", len(s), r.MinLen, r.MaxLen)
		}
	case KindDeny:
		s, ok := val.(string)
		if !ok {
			return ""
		}
		for _, p := range r.Patterns {
			if p.MatchString(s) {
				return "contains a disallowed character sequence"
			}
		}
	case KindEnum:
		s, ok := val.(string)
		if !ok {
			return "expected string"
		}
		if r.Members != nil {
			if !r.Members.TestString(s) && !r.Members.TestString(strings.ToUpper(s)) {
				return fmt.Sprintf("unknown value %q", s)
			}
			return ""
		}
		for _, e := range r.Enum {
			if s == e {
				return ""
			}
		}
		return fmt.Sprintf("must be one of %s", strings.Join(r.Enum, ", "))
	}
	return ""
}

// checkType matches a decoded JSON value against the declared type. Numbers
// arrive as float64 from the transport decoder.
func checkType(typ string, val any) string {
	switch typ {
	case "string":
		if _, ok := val.(string); !ok {
			return "expected string"
		}
	case "number":
		if _, ok := val.(float64); !ok {
			return "expected number"
		}
	case "integer":
		f, ok := val.(float64)
		if !ok || f != math.Trunc(f) {
			return "expected integer"
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return "expected boolean"
		}
	case "array":
		if _, ok := val.([]any); !ok {
			return "expected array"
		}
	case "object":
		if _, ok := val.(map[string]any); !ok {
			return "expected object"
		}
	}
	return ""
}
