// Package tools defines the server's callable surface: every tool with
// its input schema, parameter rules, and handler. The registry is the
// executor the request gate dispatches into once a call has cleared
// authentication, admission, and validation.
package tools

import (
	"context"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/pandalabs/panda-mcp/internal/domain/market"
	"github.com/pandalabs/panda-mcp/internal/export"
	"github.com/pandalabs/panda-mcp/internal/gate"
	"github.com/pandalabs/panda-mcp/internal/gate/validate"
	"github.com/pandalabs/panda-mcp/internal/metrics"
)

// UnknownToolError indicates a call to a name the registry does not serve.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// Tool is one callable entry. InputSchema is the JSON Schema advertised
// over MCP; Rules is the equivalent enforced server-side by the gate.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Rules       []validate.Rule

	run func(ctx context.Context, p Params) (any, error)
}

// Params wraps decoded tool arguments with typed accessors. JSON numbers
// arrive as float64 from the transport decoder.
type Params map[string]any

// Has reports whether the argument was supplied at all.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Str returns the string argument, or "" when absent or mistyped.
func (p Params) Str(key string) string {
	v, _ := p[key].(string)
	return v
}

// StrOr returns the string argument, or def when absent or empty.
func (p Params) StrOr(key, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Int returns the integer argument, or 0 when absent.
func (p Params) Int(key string) int64 {
	return p.IntOr(key, 0)
}

// IntOr returns the integer argument, or def when absent.
func (p Params) IntOr(key string, def int64) int64 {
	switch v := p[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return def
}

// BoolOr returns the boolean argument, or def when absent.
func (p Params) BoolOr(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// Strings returns a string array argument.
func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Registry holds every registered tool in declaration order.
type Registry struct {
	svc      *market.Service
	metrics  *metrics.Client  // nil when the backend is not configured
	exporter *export.Exporter // nil when exports are disabled
	tools    map[string]*Tool
	order    []string
}

var _ gate.Executor = (*Registry)(nil)

// New builds the full tool surface. The metrics client and exporter may
// be nil; their tools then fail at call time with a clear message while
// staying listed.
func New(svc *market.Service, mc *metrics.Client, exp *export.Exporter) *Registry {
	r := &Registry{
		svc:      svc,
		metrics:  mc,
		exporter: exp,
		tools:    make(map[string]*Tool),
	}
	r.registerMarketTools()
	r.registerExportTools()
	r.registerIndicatorTools()
	r.registerMetricTools()
	return r
}

func (r *Registry) add(t Tool) {
	if _, dup := r.tools[t.Name]; dup {
		panic("duplicate tool " + t.Name)
	}
	r.tools[t.Name] = &t
	r.order = append(r.order, t.Name)
}

// Execute dispatches one validated call. Implements gate.Executor.
func (r *Registry) Execute(ctx context.Context, tool string, params map[string]any, identity string) (any, error) {
	t, ok := r.tools[tool]
	if !ok {
		return nil, &UnknownToolError{Name: tool}
	}
	return t.run(ctx, Params(params))
}

// Get looks up one tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns every tool in registration order.
func (r *Registry) List() []*Tool {
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// InstallRules registers every tool's parameter rules on the validator.
func (r *Registry) InstallRules(v *validate.Validator) {
	for _, name := range r.order {
		v.Register(name, r.tools[name].Rules)
	}
}

// InstallSymbolFilter re-registers every symbol-taking tool with a
// bloom-backed membership rule appended, so symbols no venue lists are
// rejected before any venue call. Call after InstallRules.
func (r *Registry) InstallSymbolFilter(v *validate.Validator, members *bloom.BloomFilter) {
	for _, name := range r.order {
		t := r.tools[name]
		for _, rule := range t.Rules {
			if rule.Field != "symbol" {
				continue
			}
			rules := make([]validate.Rule, 0, len(t.Rules)+1)
			rules = append(rules, t.Rules...)
			rules = append(rules, validate.Known("symbol", members))
			v.Register(name, rules)
			break
		}
	}
}

// exchangeNames lists the registered venues for enum rules and schemas.
func (r *Registry) exchangeNames() []string {
	infos := r.svc.Exchanges()
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names
}

func schema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func enumProp(desc string, values ...string) map[string]any {
	return map[string]any{"type": "string", "description": desc, "enum": values}
}

func arrayProp(desc string) map[string]any {
	return map[string]any{
		"type":        "array",
		"description": desc,
		"items":       map[string]any{"type": "string"},
	}
}

func marketOf(p Params) market.Market {
	return market.Market(p.StrOr("market", "spot"))
}
