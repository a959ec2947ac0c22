package domain

import "strings"

// LocationPath is the only parameter location that participates in URL
// substitution.
const LocationPath = "path"

// Param is a compiled callback parameter.
type Param struct {
	Name     string
	Location string
}

// BodySpec describes the request body a callback operation expects.
type BodySpec struct {
	MediaType string
}

// Plan is a compiled, immutable description of one deliverable callback.
// Fields are unexported so the URL template and path parameters cannot change
// after compilation; accessors hand out copies.
type Plan struct {
	callbackID  string
	urlTemplate string
	method      string
	operationID string
	pathParams  []Param
	body        *BodySpec
}

// NewPlan builds a plan. The method is normalized to upper case.
func NewPlan(callbackID, urlTemplate, method, operationID string, pathParams []Param, body *BodySpec) Plan {
	p := Plan{
		callbackID:  callbackID,
		urlTemplate: urlTemplate,
		method:      strings.ToUpper(method),
		operationID: operationID,
		pathParams:  append([]Param(nil), pathParams...),
	}
	if body != nil {
		b := *body
		p.body = &b
	}
	return p
}

func (p Plan) CallbackID() string  { return p.callbackID }
func (p Plan) URLTemplate() string { return p.urlTemplate }
func (p Plan) Method() string      { return p.method }
func (p Plan) OperationID() string { return p.operationID }

// PathParams returns a copy of the ordered path parameters.
func (p Plan) PathParams() []Param {
	return append([]Param(nil), p.pathParams...)
}

// Body returns the expected body, or nil when the operation declares none.
func (p Plan) Body() *BodySpec {
	if p.body == nil {
		return nil
	}
	b := *p.body
	return &b
}

// ExecutionPlan pairs a compiled plan with the data of one invocation.
//
// BodyParameter names the runtime variable holding the body; empty means no
// body is attached. Parameters carries the path-token values and the
// body-source value bound for this invocation.
type ExecutionPlan struct {
	Plan          Plan
	BodyParameter string
	Parameters    map[string]any
}

// HasBody reports whether the invocation attaches a request body.
func (e ExecutionPlan) HasBody() bool {
	return e.BodyParameter != ""
}
