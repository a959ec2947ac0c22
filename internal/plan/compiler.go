// Package plan compiles declarative callback descriptions into immutable
// delivery plans.
package plan

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/felipemaragno/callbacks/internal/domain"
)

// Callback maps a URL template expression to the operations reachable under it.
type Callback map[string]PathItem

// PathItem maps an HTTP method to its operation.
type PathItem map[string]*Operation

// Operation is one callback operation as authored.
type Operation struct {
	OperationID string       `json:"operationId,omitempty" mapstructure:"operation_id"`
	Parameters  []Parameter  `json:"parameters,omitempty" mapstructure:"parameters"`
	RequestBody *RequestBody `json:"requestBody,omitempty" mapstructure:"request_body"`
}

// Parameter is a declared operation parameter. In is the location
// ("path", "query", "header" or "cookie").
type Parameter struct {
	Name string `json:"name" mapstructure:"name"`
	In   string `json:"in" mapstructure:"in"`
}

// RequestBody lists the accepted media types in declaration order.
type RequestBody struct {
	Content []string `json:"content" mapstructure:"content"`
}

const preferredMediaType = "application/json"

var knownMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPut:     true,
	http.MethodPost:    true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
	http.MethodHead:    true,
	http.MethodPatch:   true,
	http.MethodTrace:   true,
}

// Locations that are accepted in a description but do not take part in URL
// substitution.
var ignoredLocations = map[string]bool{
	"query":  true,
	"header": true,
	"cookie": true,
}

// Compile emits one plan per (template, method) pair. Plans are ordered by
// template, then method, so the result is stable for identical input.
func Compile(callbackID string, cb Callback) ([]domain.Plan, error) {
	if strings.TrimSpace(callbackID) == "" {
		return nil, fmt.Errorf("%w: callback id is empty", domain.ErrInvalidDescription)
	}
	if len(cb) == 0 {
		return nil, fmt.Errorf("%w: callback %q declares no expressions", domain.ErrInvalidDescription, callbackID)
	}

	templates := make([]string, 0, len(cb))
	for expr := range cb {
		templates = append(templates, expr)
	}
	sort.Strings(templates)

	var plans []domain.Plan
	for _, template := range templates {
		if strings.TrimSpace(template) == "" {
			return nil, fmt.Errorf("%w: callback %q has an empty url expression", domain.ErrInvalidDescription, callbackID)
		}

		item := cb[template]
		methods := make([]string, 0, len(item))
		for m := range item {
			methods = append(methods, m)
		}
		sort.Strings(methods)

		for _, method := range methods {
			p, err := compileOperation(callbackID, template, method, item[method])
			if err != nil {
				return nil, err
			}
			plans = append(plans, p)
		}
	}
	return plans, nil
}

func compileOperation(callbackID, template, method string, op *Operation) (domain.Plan, error) {
	upper := strings.ToUpper(strings.TrimSpace(method))
	if !knownMethods[upper] {
		return domain.Plan{}, fmt.Errorf("%w: callback %q uses unknown method %q under %q",
			domain.ErrInvalidDescription, callbackID, method, template)
	}
	if op == nil {
		return domain.Plan{}, fmt.Errorf("%w: callback %q has no operation for %s %q",
			domain.ErrInvalidDescription, callbackID, upper, template)
	}

	var pathParams []domain.Param
	for _, param := range op.Parameters {
		in := strings.ToLower(strings.TrimSpace(param.In))
		switch {
		case in == domain.LocationPath:
			if param.Name == "" {
				return domain.Plan{}, fmt.Errorf("%w: callback %q has an unnamed path parameter",
					domain.ErrInvalidDescription, callbackID)
			}
			pathParams = append(pathParams, domain.Param{Name: param.Name, Location: domain.LocationPath})
		case ignoredLocations[in]:
		default:
			return domain.Plan{}, fmt.Errorf("%w: callback %q parameter %q has unsupported location %q",
				domain.ErrInvalidDescription, callbackID, param.Name, param.In)
		}
	}

	operationID := op.OperationID
	if strings.TrimSpace(operationID) == "" {
		operationID = FallbackOperationID(callbackID, upper)
	}

	return domain.NewPlan(callbackID, template, upper, operationID, pathParams, selectBody(op.RequestBody)), nil
}

// FallbackOperationID is used for operations that declare no id.
func FallbackOperationID(callbackID, method string) string {
	return callbackID + "__" + strings.ToLower(method)
}

func selectBody(rb *RequestBody) *domain.BodySpec {
	if rb == nil {
		return nil
	}
	if len(rb.Content) == 0 {
		return &domain.BodySpec{MediaType: preferredMediaType}
	}
	for _, mt := range rb.Content {
		if strings.EqualFold(strings.TrimSpace(mt), preferredMediaType) {
			return &domain.BodySpec{MediaType: preferredMediaType}
		}
	}
	return &domain.BodySpec{MediaType: strings.TrimSpace(rb.Content[0])}
}
