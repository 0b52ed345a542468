// Package validate implements the stateless parameter checker for the
// request gate: per-tool rule lists plus a global deny-list over string
// parameters, evaluated in declaration order with first-failure
// short-circuit.
package validate

import (
	"fmt"
	"regexp"

	"github.com/bits-and-blooms/bloom/v3"
)

// Kind enumerates the supported rule kinds.
type Kind uint8

const (
	// KindType checks the parameter's JSON type.
	KindType Kind = iota
	// KindLength bounds the byte length of a string parameter.
	KindLength
	// KindDeny rejects string values matching any of a set of patterns.
	KindDeny
	// KindEnum requires membership in a fixed value set.
	KindEnum
)

// Rule governs a single parameter. Rules are built at startup and immutable
// during request handling. The zero payload fields for other kinds are
// ignored.
type Rule struct {
	Field    string
	Kind     Kind
	Required bool

	Type           string             // KindType: string, number, integer, boolean, array, object
	MinLen, MaxLen int                // KindLength
	Patterns       []*regexp.Regexp   // KindDeny
	Enum           []string           // KindEnum
	Members        *bloom.BloomFilter // KindEnum over a large universe; rejects only definite non-members
}

// Require marks the rule's field as mandatory: a request without it fails
// with reason "missing".
func (r Rule) Require() Rule {
	r.Required = true
	return r
}

// Str declares a type-check rule expecting a string.
func Str(field string) Rule { return Rule{Field: field, Kind: KindType, Type: "string"} }

// Num declares a type-check rule expecting a number.
func Num(field string) Rule { return Rule{Field: field, Kind: KindType, Type: "number"} }

// Int declares a type-check rule expecting an integer-valued number.
func Int(field string) Rule { return Rule{Field: field, Kind: KindType, Type: "integer"} }

// Bool declares a type-check rule expecting a boolean.
func Bool(field string) Rule { return Rule{Field: field, Kind: KindType, Type: "boolean"} }

// Length declares a byte-length bound over a string parameter.
func Length(field string, minLen, maxLen int) Rule {
	return Rule{Field: field, Kind: KindLength, MinLen: minLen, MaxLen: maxLen}
}

// Deny declares a pattern-deny-list rule over a string parameter.
func Deny(field string, patterns ...*regexp.Regexp) Rule {
	return Rule{Field: field, Kind: KindDeny, Patterns: patterns}
}

// Enum declares a fixed-set membership rule.
func Enum(field string, values ...string) Rule {
	return Rule{Field: field, Kind: KindEnum, Enum: values}
}

// Known declares a membership rule over a large universe backed by a bloom
// filter (typically the symbol set produced by pairsync). Absence from the
// filter is definite and rejects; presence may be a false positive and
// admits, so this is a deny-only check, not an allow-list guarantee.
func Known(field string, members *bloom.BloomFilter) Rule {
	return Rule{Field: field, Kind: KindEnum, Members: members}
}

// Error reports the first rule failure for a request. Field names which
// parameter failed; Reason is reproducible for identical input because rule
// evaluation order is deterministic.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("parameter %q: %s", e.Field, e.Reason)
}

// DenyPatterns matches common injection markers in string parameters:
// quote-then-separator breakouts, SQL statement splicing, comment markers,
// script tags, template/shell expansion, path traversal, and control bytes.
// This is defense in depth over structured parameters, not a parser.
var DenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`['"]\s*[;)]`),
	regexp.MustCompile(`;\s*(?i:drop|delete|insert|update|alter|create|truncate|exec)\b`),
	regexp.MustCompile(`(?i:union\s+select)`),
	regexp.MustCompile(`--\s|/\*|\*/`),
	regexp.MustCompile(`(?i:<\s*/?\s*script)`),
	regexp.MustCompile(`\{\{|\}\}|\$\{`),
	regexp.MustCompile("`|\\$\\("),
	regexp.MustCompile(`\.\./|\.\.\\`),
	regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`),
}
