// Package urlresolve turns callback URL templates into absolute URLs.
package urlresolve

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/felipemaragno/callbacks/internal/domain"
)

// Resolver resolves templates such as
// "{$request.body#/callbackUrls/status}/v1/payments/{paymentId}/status".
// It holds no state and is safe for concurrent use.
type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

func (r *Resolver) Resolve(template string, rc domain.RuntimeContext) (*url.URL, error) {
	fail := func(reason, subject string, err error) (*url.URL, error) {
		return nil, &domain.ResolutionError{Reason: reason, Subject: subject, Template: template, Err: err}
	}

	var b strings.Builder
	rest := template

	if expr, remainder, ok := SplitRuntimeExpression(template); ok {
		prefix, err := resolveExpression(expr, rc.Payload())
		if err != nil {
			var re *domain.ResolutionError
			if errors.As(err, &re) {
				re.Template = template
				return nil, re
			}
			return nil, err
		}
		b.WriteString(prefix)
		rest = remainder
	} else if strings.HasPrefix(template, "{$") {
		return fail(domain.ReasonMalformedTemplate, "", nil)
	}

	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return fail(domain.ReasonMalformedTemplate, "", nil)
		}
		token := rest[start+1 : start+end]
		if strings.HasPrefix(token, "$") {
			return fail(domain.ReasonUnsupportedExpr, token, nil)
		}
		value, ok := rc.Vars().Lookup(token)
		if !ok || value == nil {
			return fail(domain.ReasonMissingToken, token, nil)
		}
		b.WriteString(rest[:start])
		b.WriteString(url.PathEscape(formatScalar(value)))
		rest = rest[start+end+1:]
	}

	u, err := url.Parse(b.String())
	if err != nil {
		return fail(domain.ReasonInvalidURL, b.String(), err)
	}
	if u.IsAbs() && u.Host != "" {
		return u, nil
	}
	if u.IsAbs() {
		return fail(domain.ReasonInvalidURL, b.String(), nil)
	}

	base := rc.DefaultBaseURI()
	if base == nil {
		return fail(domain.ReasonDefaultBaseURINull, b.String(), nil)
	}
	return base.ResolveReference(u), nil
}

func resolveExpression(expr string, payload any) (string, error) {
	source, pointer, _ := strings.Cut(expr, "#")
	if source != BodyExpressionPrefix {
		return "", &domain.ResolutionError{Reason: domain.ReasonUnsupportedExpr, Subject: expr}
	}
	if payload == nil {
		return "", &domain.ResolutionError{Reason: domain.ReasonRequestBodyNull, Subject: expr}
	}

	tree, err := toTree(payload)
	if err != nil {
		return "", &domain.ResolutionError{Reason: domain.ReasonPointerNotFound, Subject: pointer, Err: err}
	}
	value, err := Pointer(tree, pointer)
	if err != nil {
		return "", &domain.ResolutionError{Reason: domain.ReasonPointerNotFound, Subject: pointer, Err: err}
	}
	if value == nil {
		return "", &domain.ResolutionError{Reason: domain.ReasonPointerNotFound, Subject: pointer}
	}
	switch value.(type) {
	case map[string]any, []any:
		return "", &domain.ResolutionError{Reason: domain.ReasonPointerNotFound, Subject: pointer,
			Err: fmt.Errorf("pointer addresses a %T, not a scalar", value)}
	}
	return formatScalar(value), nil
}

// toTree normalizes typed payloads (structs, typed maps, raw JSON) into the
// generic tree the pointer walker understands.
func toTree(payload any) (any, error) {
	switch p := payload.(type) {
	case map[string]any, []any, map[string]string, []string, string:
		return p, nil
	case json.RawMessage:
		return decodeTree(p)
	case []byte:
		return decodeTree(p)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return decodeTree(data)
}

func decodeTree(data []byte) (any, error) {
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func formatScalar(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}
