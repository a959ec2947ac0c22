package plan

import (
	"errors"
	"sync"
	"testing"

	"github.com/felipemaragno/callbacks/internal/domain"
)

const statusTemplate = "{$request.body#/callbackUrls/status}/v1/payments/{paymentId}/status"

func paymentCallback() Callback {
	return Callback{
		statusTemplate: PathItem{
			"post": {
				OperationID: "paymentStatus",
				Parameters: []Parameter{
					{Name: "paymentId", In: "path"},
					{Name: "verbose", In: "query"},
					{Name: "X-Trace", In: "header"},
				},
				RequestBody: &RequestBody{Content: []string{"application/xml", "application/json"}},
			},
			"get": {},
		},
	}
}

func TestCompile_FallbackOperationID(t *testing.T) {
	plans, err := Compile("cbid", Callback{"/status": PathItem{"GET": {}}})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if len(plans) != 1 {
		t.Fatalf("len(plans) = %d, want 1", len(plans))
	}
	if got := plans[0].OperationID(); got != "cbid__get" {
		t.Errorf("OperationID() = %q, want %q", got, "cbid__get")
	}
}

func TestCompile_OnePlanPerOperation(t *testing.T) {
	plans, err := Compile("payment", paymentCallback())
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("len(plans) = %d, want 2", len(plans))
	}

	get, post := plans[0], plans[1]
	if get.Method() != "GET" || post.Method() != "POST" {
		t.Fatalf("methods = %s,%s, want GET,POST", get.Method(), post.Method())
	}

	if post.OperationID() != "paymentStatus" {
		t.Errorf("OperationID() = %q, want declared id", post.OperationID())
	}
	if post.URLTemplate() != statusTemplate {
		t.Errorf("URLTemplate() = %q", post.URLTemplate())
	}

	params := post.PathParams()
	if len(params) != 1 || params[0].Name != "paymentId" || params[0].Location != domain.LocationPath {
		t.Errorf("PathParams() = %+v, want only paymentId", params)
	}

	if body := post.Body(); body == nil || body.MediaType != "application/json" {
		t.Errorf("Body() = %+v, want application/json preferred", body)
	}
	if get.Body() != nil {
		t.Errorf("GET Body() = %+v, want nil", get.Body())
	}
}

func TestCompile_FirstMediaTypeWithoutJSON(t *testing.T) {
	cb := Callback{"/x": PathItem{"PUT": {RequestBody: &RequestBody{Content: []string{"text/plain", "application/xml"}}}}}

	plans, err := Compile("cb", cb)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if got := plans[0].Body().MediaType; got != "text/plain" {
		t.Errorf("MediaType = %q, want text/plain", got)
	}
}

func TestCompile_PlansAreImmutable(t *testing.T) {
	plans, err := Compile("payment", paymentCallback())
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	params := plans[1].PathParams()
	params[0].Name = "mutated"
	plans[1].Body().MediaType = "mutated"

	if plans[1].PathParams()[0].Name != "paymentId" {
		t.Error("PathParams changed through a returned copy")
	}
	if plans[1].Body().MediaType != "application/json" {
		t.Error("Body changed through a returned copy")
	}
}

func TestCompile_Deterministic(t *testing.T) {
	cb := Callback{
		"/b": PathItem{"POST": {}, "DELETE": {}},
		"/a": PathItem{"PATCH": {}},
	}

	first, err := Compile("cb", cb)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		again, _ := Compile("cb", cb)
		for j := range first {
			if first[j].URLTemplate() != again[j].URLTemplate() || first[j].Method() != again[j].Method() {
				t.Fatalf("plan %d differs between runs", j)
			}
		}
	}
	if first[0].URLTemplate() != "/a" || first[1].Method() != "DELETE" || first[2].Method() != "POST" {
		t.Errorf("unexpected order: %s %s, %s, %s", first[0].URLTemplate(), first[0].Method(), first[1].Method(), first[2].Method())
	}
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name       string
		callbackID string
		cb         Callback
	}{
		{"empty id", "", Callback{"/x": PathItem{"GET": {}}}},
		{"no expressions", "cb", Callback{}},
		{"empty template", "cb", Callback{"": PathItem{"GET": {}}}},
		{"nil operation", "cb", Callback{"/x": PathItem{"GET": nil}}},
		{"unknown method", "cb", Callback{"/x": PathItem{"FETCH": {}}}},
		{"unsupported location", "cb", Callback{"/x": PathItem{"GET": {Parameters: []Parameter{{Name: "a", In: "body"}}}}}},
		{"unnamed path parameter", "cb", Callback{"/x": PathItem{"GET": {Parameters: []Parameter{{In: "path"}}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.callbackID, tt.cb)
			if !errors.Is(err, domain.ErrInvalidDescription) {
				t.Errorf("Compile() error = %v, want ErrInvalidDescription", err)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Plans("payment"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Plans() before register error = %v, want ErrNotFound", err)
	}

	if _, err := r.Register("payment", paymentCallback()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := r.Register("payment", paymentCallback()); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("second Register() error = %v, want ErrAlreadyExists", err)
	}
	if _, err := r.Register("broken", Callback{"/x": PathItem{"GET": nil}}); !errors.Is(err, domain.ErrInvalidDescription) {
		t.Errorf("Register(broken) error = %v, want ErrInvalidDescription", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			plans, err := r.Plans("payment")
			if err != nil || len(plans) != 2 {
				t.Errorf("Plans() = %d plans, err %v", len(plans), err)
			}
		}()
	}
	wg.Wait()

	if ids := r.IDs(); len(ids) != 1 || ids[0] != "payment" {
		t.Errorf("IDs() = %v, want [payment]", ids)
	}
}
