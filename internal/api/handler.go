package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/felipemaragno/callbacks/internal/dispatch"
	"github.com/felipemaragno/callbacks/internal/domain"
	"github.com/felipemaragno/callbacks/internal/invocation"
	"github.com/felipemaragno/callbacks/internal/observability"
	"github.com/felipemaragno/callbacks/internal/store"
)

// DefaultBodyParameter is the variable name bound to a trigger's JSON body.
const DefaultBodyParameter = "body"

const maxTriggerBody = 1 << 20

// Trigger binds an inbound route to the callbacks it fires. Path is a chi
// pattern; its {tokens} become runtime variables and seed the idempotency
// key.
type Trigger struct {
	Method        string   `mapstructure:"method"`
	Path          string   `mapstructure:"path"`
	Callbacks     []string `mapstructure:"callbacks"`
	BodyParameter string   `mapstructure:"body_parameter"`
}

// PlanSource looks up compiled plans. plan.Registry implements it.
type PlanSource interface {
	Plans(callbackID string) ([]domain.Plan, error)
}

// Dispatcher resolves and enqueues execution plans.
type Dispatcher interface {
	DispatchAll(ctx context.Context, eps []domain.ExecutionPlan, rc domain.RuntimeContext) ([]*domain.CallbackRequest, error)
}

type Handler struct {
	plans      PlanSource
	dispatcher Dispatcher
	reader     store.Reader
	baseURI    *url.URL
	logger     *slog.Logger
}

func NewHandler(plans PlanSource, dispatcher Dispatcher, reader store.Reader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Handler{
		plans:      plans,
		dispatcher: dispatcher,
		reader:     reader,
		logger:     logger,
	}
}

// WithDefaultBaseURI sets the base for relative callback URL templates.
func (h *Handler) WithDefaultBaseURI(u *url.URL) *Handler {
	h.baseURI = u
	return h
}

type DispatchedRequest struct {
	ID          string `json:"id"`
	CallbackID  string `json:"callback_id"`
	OperationID string `json:"operation_id"`
	TargetURL   string `json:"target_url"`
}

type TriggerResponse struct {
	CorrelationID string              `json:"correlation_id"`
	Requests      []DispatchedRequest `json:"requests"`
}

// Trigger returns the handler for t. Every request collects the route
// parameters, the query string and the JSON body, then dispatches one
// execution plan per compiled plan of every callback in t.
func (h *Handler) Trigger(t Trigger) http.HandlerFunc {
	bodyParam := t.BodyParameter
	if bodyParam == "" {
		bodyParam = DefaultBodyParameter
	}

	return func(w http.ResponseWriter, r *http.Request) {
		logger := observability.LoggerFromContext(r.Context())

		params, err := collectParameters(w, r, bodyParam)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, errBodyTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			h.respondError(w, status, err.Error())
			return
		}

		in := invocation.Inbound{
			CorrelationID: observability.CorrelationIDFromContext(r.Context()),
			Parameters:    params,
			URLTemplate:   t.Path,
		}
		if _, ok := params[bodyParam]; ok {
			in.BodyParameter = bodyParam
		}

		var opts []invocation.Option
		if h.baseURI != nil {
			opts = append(opts, invocation.WithDefaultBaseURI(h.baseURI))
		}
		rc := invocation.NewContext(in, opts...)

		var eps []domain.ExecutionPlan
		for _, callbackID := range t.Callbacks {
			plans, err := h.plans.Plans(callbackID)
			if err != nil {
				logger.Error("callback not registered", "callback_id", callbackID, "error", err)
				h.respondError(w, http.StatusInternalServerError, "callback not registered")
				return
			}
			for _, p := range plans {
				ep := domain.ExecutionPlan{Plan: p}
				if p.Body() != nil {
					ep.BodyParameter = bodyParam
				}
				eps = append(eps, ep)
			}
		}

		reqs, err := h.dispatcher.DispatchAll(r.Context(), eps, rc)
		if err != nil {
			if dispatch.IsResolutionError(err) {
				h.respondError(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
			logger.Error("failed to dispatch callbacks", "error", err, "dispatched", len(reqs))
			h.respondError(w, http.StatusServiceUnavailable, "failed to dispatch callbacks")
			return
		}

		resp := TriggerResponse{
			CorrelationID: rc.CorrelationID(),
			Requests:      make([]DispatchedRequest, 0, len(reqs)),
		}
		for _, req := range reqs {
			resp.Requests = append(resp.Requests, DispatchedRequest{
				ID:          req.ID,
				CallbackID:  req.CallbackID,
				OperationID: req.OperationID,
				TargetURL:   req.TargetURL,
			})
		}
		h.respondJSON(w, http.StatusAccepted, resp)
	}
}

var errBodyTooLarge = errors.New("request body too large")

func collectParameters(w http.ResponseWriter, r *http.Request, bodyParam string) (map[string]any, error) {
	params := make(map[string]any)

	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	// Route parameters win over the query string.
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, key := range rctx.URLParams.Keys {
			if key == "*" || i >= len(rctx.URLParams.Values) {
				continue
			}
			params[key] = rctx.URLParams.Values[i]
		}
	}

	if r.Body == nil {
		return params, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTriggerBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errBodyTooLarge
		}
		return nil, errors.New("failed to read request body")
	}
	if len(data) == 0 {
		return params, nil
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errors.New("invalid request body")
	}
	params[bodyParam] = payload
	return params, nil
}

type RecordResponse struct {
	Request    *domain.CallbackRequest `json:"request"`
	Status     domain.Status           `json:"status"`
	LastResult *domain.Result          `json:"last_result,omitempty"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

func (h *Handler) GetCallback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "callback request id is required")
		return
	}

	rec, err := h.reader.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "callback request not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get callback request", "error", err, "request_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to get callback request")
		return
	}

	h.respondJSON(w, http.StatusOK, RecordResponse{
		Request:    rec.Request,
		Status:     rec.Status,
		LastResult: rec.LastResult,
		UpdatedAt:  rec.UpdatedAt,
	})
}

func (h *Handler) GetCallbackAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "callback request id is required")
		return
	}

	attempts, err := h.reader.Attempts(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "callback request not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get attempts", "error", err, "request_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to get attempts")
		return
	}
	if attempts == nil {
		attempts = []domain.Result{}
	}

	h.respondJSON(w, http.StatusOK, attempts)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: message})
}
