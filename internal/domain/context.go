package domain

import (
	"net/url"
	"strings"
)

// Vars is a case-insensitive, copy-on-write variable bag.
type Vars struct {
	values map[string]any
}

// NewVars copies src into a new bag. Later keys win when two names differ
// only by case.
func NewVars(src map[string]any) Vars {
	values := make(map[string]any, len(src))
	for k, v := range src {
		values[strings.ToLower(k)] = v
	}
	return Vars{values: values}
}

// Lookup returns the value bound to name, ignoring case.
func (v Vars) Lookup(name string) (any, bool) {
	val, ok := v.values[strings.ToLower(name)]
	return val, ok
}

func (v Vars) Get(name string) any {
	val, _ := v.Lookup(name)
	return val
}

func (v Vars) Len() int {
	return len(v.values)
}

// Merge returns a new bag with over applied on top of v.
func (v Vars) Merge(over map[string]any) Vars {
	values := make(map[string]any, len(v.values)+len(over))
	for k, val := range v.values {
		values[k] = val
	}
	for k, val := range over {
		values[strings.ToLower(k)] = val
	}
	return Vars{values: values}
}

// Map returns a copy of the bag keyed by lower-cased names.
func (v Vars) Map() map[string]any {
	out := make(map[string]any, len(v.values))
	for k, val := range v.values {
		out[k] = val
	}
	return out
}

// RuntimeContext is the per-invocation, immutable context used to resolve a
// plan into a concrete request.
type RuntimeContext struct {
	correlationID   string
	idempotencySeed string
	defaultBaseURI  *url.URL
	vars            Vars
	payload         any
}

// NewRuntimeContext assembles a context. payload is the triggering request's
// decoded body, or nil.
func NewRuntimeContext(correlationID, idempotencySeed string, defaultBaseURI *url.URL, vars Vars, payload any) RuntimeContext {
	rc := RuntimeContext{
		correlationID:   correlationID,
		idempotencySeed: idempotencySeed,
		vars:            vars,
		payload:         payload,
	}
	if defaultBaseURI != nil {
		u := *defaultBaseURI
		rc.defaultBaseURI = &u
	}
	return rc
}

func (rc RuntimeContext) CorrelationID() string   { return rc.correlationID }
func (rc RuntimeContext) IdempotencySeed() string { return rc.idempotencySeed }
func (rc RuntimeContext) Vars() Vars              { return rc.vars }
func (rc RuntimeContext) Payload() any            { return rc.payload }

// DefaultBaseURI returns a copy of the base URI used for relative templates.
func (rc RuntimeContext) DefaultBaseURI() *url.URL {
	if rc.defaultBaseURI == nil {
		return nil
	}
	u := *rc.defaultBaseURI
	return &u
}

// WithVars returns a copy of the context carrying vars.
func (rc RuntimeContext) WithVars(vars Vars) RuntimeContext {
	rc.vars = vars
	return rc
}
