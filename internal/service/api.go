package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	gojson "github.com/goccy/go-json"

	"github.com/roach88/chronicle/internal/correlation"
	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/integrity"
	"github.com/roach88/chronicle/internal/projection"
	"github.com/roach88/chronicle/internal/query"
	"github.com/roach88/chronicle/internal/store"
)

// maxBodyBytes caps append request bodies.
const maxBodyBytes = 1 << 20

// API serves the HTTP interface over an App.
type API struct {
	app         *App
	maxPageSize int
}

// NewAPI creates the API.
func NewAPI(app *App) *API {
	limit := app.Config.Server.MaxPageSize
	if limit <= 0 {
		limit = 1000
	}
	return &API{app: app, maxPageSize: limit}
}

// Router returns the chi router with every route mounted.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(a.traceRequests)

	r.Get("/healthz", a.health)
	r.Handle("/metrics", a.app.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/aggregates/{aggregateID}", func(r chi.Router) {
			r.Get("/events", a.readAggregate)
			r.Post("/events", a.appendEvent)
			r.Get("/verify", a.verifyAggregate)
		})
		r.Get("/events", a.queryEvents)
		r.Route("/events/{eventID}", func(r chi.Router) {
			r.Get("/", a.getEvent)
			r.Get("/chain", a.causalChain)
			r.Get("/effects", a.effects)
		})
		r.Get("/projections", a.listProjections)
		r.Route("/projections/{name}", func(r chi.Router) {
			r.Get("/", a.listSnapshots)
			r.Get("/{aggregateID}", a.getSnapshot)
			r.Post("/{aggregateID}/rebuild", a.rebuild)
		})
		r.Get("/cycles", a.cycleCheck)
	})
	return r
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) readAggregate(w http.ResponseWriter, r *http.Request) {
	from, err := intParam(r, "from", 1)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	to, err := intParam(r, "to", 0)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	envs, err := a.app.Store.Read(r.Context(), chi.URLParam(r, "aggregateID"), from, to)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: envs})
}

// AppendRequest is the body of POST /v1/aggregates/{id}/events.
type AppendRequest struct {
	EventID         string            `json:"event_id,omitempty"`
	EventType       string            `json:"event_type"`
	SchemaVersion   int               `json:"schema_version,omitempty"`
	Payload         json.RawMessage   `json:"payload"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CausationID     string            `json:"causation_id,omitempty"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	OccurredAt      time.Time         `json:"occurred_at"`
	ExpectedVersion *int64            `json:"expected_version"`
}

func (a *API) appendEvent(w http.ResponseWriter, r *http.Request) {
	aggregateID := chi.URLParam(r, "aggregateID")

	var req AppendRequest
	dec := gojson.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		a.writeError(w, r, event.NewValidationError(aggregateID, "", "request body is not valid JSON", err))
		return
	}
	if req.ExpectedVersion == nil {
		a.writeError(w, r, event.NewValidationError(aggregateID, req.EventType, "expected_version is required", nil))
		return
	}

	ctx := event.WithRequestContext(r.Context(), event.RequestContext{
		ActorID:   r.Header.Get("X-Actor-ID"),
		IPAddress: r.RemoteAddr,
		SessionID: r.Header.Get("X-Session-ID"),
		RequestID: chimiddleware.GetReqID(r.Context()),
	})
	env, err := a.app.Draft(ctx, event.Draft{
		EventID:       req.EventID,
		AggregateID:   aggregateID,
		Type:          req.EventType,
		SchemaVersion: req.SchemaVersion,
		Payload:       req.Payload,
		Metadata:      req.Metadata,
		CausationID:   req.CausationID,
		CorrelationID: req.CorrelationID,
		OccurredAt:    req.OccurredAt,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	sealed, err := a.app.Store.Append(ctx, env, *req.ExpectedVersion)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sealed)
}

func (a *API) verifyAggregate(w http.ResponseWriter, r *http.Request) {
	reports, err := a.app.Store.Verify(r.Context(), a.app.Config.Store.PageSize, chi.URLParam(r, "aggregateID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse(reports))
}

func (a *API) queryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := query.Filter{
		AggregateID:   q.Get("aggregate_id"),
		EventType:     q.Get("type"),
		CorrelationID: q.Get("correlation_id"),
	}
	var err error
	if f.TimeRange.Since, err = timeParam(r, "since"); err != nil {
		a.writeError(w, r, err)
		return
	}
	if f.TimeRange.Until, err = timeParam(r, "until"); err != nil {
		a.writeError(w, r, err)
		return
	}
	if tr := f.TimeRange; !tr.Since.IsZero() && !tr.Until.IsZero() && tr.Until.Before(tr.Since) {
		a.writeError(w, r, fmt.Errorf("%w: until is before since", errBadParam))
		return
	}
	limit, err := intParam(r, "limit", int64(a.maxPageSize))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	f.Limit = int(min(limit, int64(a.maxPageSize)))

	envs, err := a.app.Query.Collect(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: envs})
}

func (a *API) getEvent(w http.ResponseWriter, r *http.Request) {
	env, err := a.app.Store.Get(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

type chainResponse struct {
	Events        []event.Envelope `json:"events"`
	DanglingCause string           `json:"dangling_cause,omitempty"`
}

func (a *API) causalChain(w http.ResponseWriter, r *http.Request) {
	chain, err := a.app.Tracker.CausalChain(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chainResponse{Events: chain.Events, DanglingCause: chain.DanglingCause})
}

func (a *API) effects(w http.ResponseWriter, r *http.Request) {
	envs, err := a.app.Tracker.Effects(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: envs})
}

func (a *API) listProjections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"projections": a.app.Projections.Names()})
}

func (a *API) listSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := a.app.Projections.List(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]projection.Snapshot{"snapshots": snaps})
}

func (a *API) getSnapshot(w http.ResponseWriter, r *http.Request) {
	name, aggregateID := chi.URLParam(r, "name"), chi.URLParam(r, "aggregateID")
	snap, ok, err := a.app.Projections.Get(r.Context(), name, aggregateID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !ok {
		a.writeError(w, r, fmt.Errorf("projection %s has no snapshot for %s: %w", name, aggregateID, store.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) rebuild(w http.ResponseWriter, r *http.Request) {
	snap, err := a.app.Projections.Rebuild(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "aggregateID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) cycleCheck(w http.ResponseWriter, r *http.Request) {
	report, err := a.app.Tracker.CycleCheck(r.Context())
	if err != nil && !event.IsCorruption(err) {
		a.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusConflict
	}
	writeJSON(w, status, cycleResponse{OK: report.OK(), CycleReport: report})
}

type eventsResponse struct {
	Events []event.Envelope `json:"events"`
}

type cycleResponse struct {
	OK bool `json:"ok"`
	correlation.CycleReport
}

type verifyResult struct {
	OK      bool               `json:"ok"`
	Reports []integrity.Report `json:"reports"`
}

func verifyResponse(reports []integrity.Report) verifyResult {
	ok := true
	for _, rep := range reports {
		ok = ok && rep.OK()
	}
	return verifyResult{OK: ok, Reports: reports}
}

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	EventID     string            `json:"event_id,omitempty"`
	AggregateID string            `json:"aggregate_id,omitempty"`
	Version     int64             `json:"version,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		a.app.Logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, ErrorBody) {
	if e, ok := event.AsError(err); ok {
		body := ErrorBody{
			Code:        string(e.Code),
			Message:     e.Message,
			EventID:     e.EventID,
			AggregateID: e.AggregateID,
			Version:     e.Version,
			Details:     e.Details,
		}
		switch e.Code {
		case event.CodeValidation, event.CodeUnknownEventType:
			return http.StatusUnprocessableEntity, body
		case event.CodeConcurrencyConflict:
			return http.StatusConflict, body
		default:
			return http.StatusInternalServerError, body
		}
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, ErrorBody{Code: "NOT_FOUND", Message: err.Error()}
	case errors.Is(err, projection.ErrUnknownProjection):
		return http.StatusNotFound, ErrorBody{Code: "UNKNOWN_PROJECTION", Message: err.Error()}
	case errors.Is(err, ErrNoRegistry):
		return http.StatusServiceUnavailable, ErrorBody{Code: "NO_REGISTRY", Message: err.Error()}
	case errors.Is(err, errBadParam):
		return http.StatusBadRequest, ErrorBody{Code: "BAD_REQUEST", Message: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorBody{Code: "INTERNAL", Message: "internal error"}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := gojson.Marshal(v)
	if err != nil {
		http.Error(w, `{"code":"INTERNAL","message":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

var errBadParam = errors.New("bad query parameter")

func intParam(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s=%q", errBadParam, name, raw)
	}
	return n, nil
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s=%q", errBadParam, name, raw)
	}
	return t, nil
}
