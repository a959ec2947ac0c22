// Package invocation builds the runtime context of one triggering request.
package invocation

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/felipemaragno/callbacks/internal/domain"
	"github.com/felipemaragno/callbacks/internal/urlresolve"
)

// Inbound is what the request pipeline resolved for the triggering request.
//
// Parameters holds every resolved parameter by name, including the one named
// by BodyParameter. URLTemplate is optional and only selects which path
// tokens seed the idempotency key.
type Inbound struct {
	CorrelationID string
	Parameters    map[string]any
	BodyParameter string
	URLTemplate   string
}

// Option customizes NewContext.
type Option func(*options)

type options struct {
	baseURI *url.URL
	newID   func() string
}

// WithDefaultBaseURI sets the base used for relative URL templates.
func WithDefaultBaseURI(u *url.URL) Option {
	return func(o *options) {
		o.baseURI = u
	}
}

// WithIDGenerator replaces the correlation id generator used when the
// inbound request carries none.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		o.newID = fn
	}
}

// NewContext builds the immutable runtime context for in.
func NewContext(in Inbound, opts ...Option) domain.RuntimeContext {
	o := options{newID: uuid.NewString}
	for _, opt := range opts {
		opt(&o)
	}

	correlationID := strings.TrimSpace(in.CorrelationID)
	if correlationID == "" {
		correlationID = o.newID()
	}

	vars := domain.NewVars(in.Parameters)

	var payload any
	if in.BodyParameter != "" {
		payload = vars.Get(in.BodyParameter)
	}

	seed := IdempotencySeed(in.URLTemplate, vars)
	if seed == "" {
		seed = correlationID
	}

	return domain.NewRuntimeContext(correlationID, seed, o.baseURI, vars, payload)
}

// IdempotencySeed renders the resolved path tokens of template as
// token=value pairs joined by '&', in template order. A leading runtime
// expression is skipped. It returns "" when nothing resolves.
func IdempotencySeed(template string, vars domain.Vars) string {
	if template == "" {
		return ""
	}
	_, rest, _ := urlresolve.SplitRuntimeExpression(template)

	var pairs []string
	seen := make(map[string]bool)
	for _, token := range urlresolve.Placeholders(rest) {
		// chi route tokens may carry a pattern: {id:[0-9]+}
		if i := strings.IndexByte(token, ':'); i >= 0 {
			token = token[:i]
		}
		key := strings.ToLower(token)
		if token == "" || strings.HasPrefix(token, "$") || seen[key] {
			continue
		}
		value, ok := vars.Lookup(token)
		if !ok || value == nil {
			continue
		}
		seen[key] = true
		pairs = append(pairs, token+"="+url.QueryEscape(fmt.Sprint(value)))
	}
	return strings.Join(pairs, "&")
}
