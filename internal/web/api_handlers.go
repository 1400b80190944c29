package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/evcraddock/visit-tracker/internal/dedupe"
	"github.com/evcraddock/visit-tracker/internal/health"
	"github.com/evcraddock/visit-tracker/internal/logging"
	"github.com/evcraddock/visit-tracker/internal/sanitize"
	"github.com/evcraddock/visit-tracker/internal/visit"
)

// retryAfterSeconds is sent with 409 responses for lock contention.
const retryAfterSeconds = "1"

// apiError writes a JSON error response.
func apiError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := map[string]string{"error": msg}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}

// apiJSON writes a JSON response with the given status code.
func apiJSON(w http.ResponseWriter, data interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}

// apiVisitError maps a domain error to a status code. The error kind is
// returned in the body so clients can decide whether to retry.
func apiVisitError(w http.ResponseWriter, r *http.Request, err error) {
	kind := visit.ErrorKind(err)
	code := http.StatusInternalServerError

	switch {
	case errors.Is(err, visit.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, visit.ErrLockContention):
		w.Header().Set("Retry-After", retryAfterSeconds)
		code = http.StatusConflict
	case errors.Is(err, visit.ErrCorruptRange):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, visit.ErrNotFound):
		code = http.StatusNotFound
	}

	msg := err.Error()
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "request_id", logging.RequestID(r.Context()), "kind", kind, "err", err)
		if !errors.Is(err, visit.ErrInvariantViolation) {
			msg = "internal error"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := map[string]string{"error": msg, "kind": kind}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}

// apiRecordEvent handles POST /api/events.
func (s *Server) apiRecordEvent(w http.ResponseWriter, r *http.Request) {
	var ev visit.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		apiError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.upsert.Record(r.Context(), ev)
	if err != nil {
		apiVisitError(w, r, err)
		return
	}

	code := http.StatusOK
	if res.Action == visit.Created {
		code = http.StatusCreated
	}
	apiJSON(w, res, code)
}

// apiListVisits handles GET /api/visits?user_id=...&place_id=...
func (s *Server) apiListVisits(w http.ResponseWriter, r *http.Request) {
	pair := visit.Pair{
		UserID:  strings.TrimSpace(r.URL.Query().Get("user_id")),
		PlaceID: strings.TrimSpace(r.URL.Query().Get("place_id")),
	}
	if pair.UserID == "" || pair.PlaceID == "" {
		apiError(w, "user_id and place_id are required", http.StatusBadRequest)
		return
	}

	visits, err := s.store.List(r.Context(), pair)
	if err != nil {
		apiVisitError(w, r, err)
		return
	}
	if visits == nil {
		visits = []*visit.Visit{}
	}
	apiJSON(w, visits, http.StatusOK)
}

// apiGetVisit handles GET /api/visits/{id}.
func (s *Server) apiGetVisit(w http.ResponseWriter, r *http.Request) {
	v, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		apiVisitError(w, r, err)
		return
	}
	apiJSON(w, v, http.StatusOK)
}

// annotateRequest is the body of PATCH /api/visits/{id}.
type annotateRequest struct {
	Notes  *string  `json:"notes"`
	People []string `json:"people"`
}

// apiAnnotateVisit handles PATCH /api/visits/{id}.
func (s *Server) apiAnnotateVisit(w http.ResponseWriter, r *http.Request) {
	var req annotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Notes == nil && len(req.People) == 0 {
		apiError(w, "notes or people is required", http.StatusBadRequest)
		return
	}

	v, err := s.upsert.Annotate(r.Context(), r.PathValue("id"), req.Notes, req.People)
	if err != nil {
		apiVisitError(w, r, err)
		return
	}
	apiJSON(w, v, http.StatusOK)
}

// apiSanitize handles POST /api/admin/sanitize.
func (s *Server) apiSanitize(w http.ResponseWriter, r *http.Request) {
	report, err := sanitize.Run(r.Context(), s.store)
	if err != nil {
		apiVisitError(w, r, err)
		return
	}
	apiJSON(w, report, http.StatusOK)
}

// apiDedupe handles POST /api/admin/dedupe[?dry_run=true].
func (s *Server) apiDedupe(w http.ResponseWriter, r *http.Request) {
	opts := s.dedupeOpts
	if v := r.URL.Query().Get("dry_run"); v != "" {
		dry, err := strconv.ParseBool(v)
		if err != nil {
			apiError(w, "dry_run must be a boolean", http.StatusBadRequest)
			return
		}
		opts.DryRun = dry
	}

	summary, err := dedupe.NewService(s.store, s.locks, opts).Run(r.Context())
	if err != nil {
		apiVisitError(w, r, err)
		return
	}
	apiJSON(w, summary, http.StatusOK)
}

// apiGuardStatus handles GET /api/admin/guard.
func (s *Server) apiGuardStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.Status(r.Context())
	if err != nil {
		apiVisitError(w, r, err)
		return
	}
	apiJSON(w, status, http.StatusOK)
}

// apiInstallGuard handles POST /api/admin/guard. Unmet preconditions are a
// conflict with the current data, not a server fault.
func (s *Server) apiInstallGuard(w http.ResponseWriter, r *http.Request) {
	if err := s.store.InstallGuard(r.Context()); err != nil {
		if errors.Is(err, visit.ErrCorruptRange) || errors.Is(err, visit.ErrInvariantViolation) {
			apiError(w, err.Error(), http.StatusConflict)
			return
		}
		apiVisitError(w, r, err)
		return
	}

	s.apiGuardStatus(w, r)
}

// apiHealthCheck handles GET /api/admin/health[?threshold=N&since=RFC3339].
func (s *Server) apiHealthCheck(w http.ResponseWriter, r *http.Request) {
	opts := health.Options{
		Threshold: s.healthMax,
		Location:  s.dedupeOpts.Location,
	}

	q := r.URL.Query()
	if v := q.Get("threshold"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			apiError(w, "threshold must be a positive integer", http.StatusBadRequest)
			return
		}
		opts.Threshold = n
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			apiError(w, "since must be an RFC 3339 time", http.StatusBadRequest)
			return
		}
		opts.Since = since
	}

	flagged, err := health.Check(r.Context(), s.store, opts)
	if err != nil {
		apiVisitError(w, r, err)
		return
	}
	if flagged == nil {
		flagged = []health.FlaggedDay{}
	}
	apiJSON(w, flagged, http.StatusOK)
}

// apiCloseAbandoned handles POST /api/admin/close-abandoned.
func (s *Server) apiCloseAbandoned(w http.ResponseWriter, r *http.Request) {
	report, err := s.upsert.CloseAbandoned(r.Context())
	if err != nil {
		apiVisitError(w, r, err)
		return
	}
	apiJSON(w, report, http.StatusOK)
}
