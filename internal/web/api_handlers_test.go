package web

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/evcraddock/visit-tracker/internal/dedupe"
	"github.com/evcraddock/visit-tracker/internal/health"
	"github.com/evcraddock/visit-tracker/internal/db"
	"github.com/evcraddock/visit-tracker/internal/sanitize"
	"github.com/evcraddock/visit-tracker/internal/upsert"
	"github.com/evcraddock/visit-tracker/internal/visit"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return time.Date(2025, 6, 1, hour, minute, 0, 0, time.UTC)
}

// testAPIServerWithDB creates a test server and returns the server, db, and a valid bearer token.
func testAPIServerWithDB(t *testing.T) (*Server, *sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := db.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if cerr := d.Close(); cerr != nil {
			t.Errorf("close db: %v", cerr)
		}
	})

	srv := NewServer(d, Options{
		Upsert:          upsert.DefaultOptions(),
		Dedupe:          dedupe.DefaultOptions(),
		HealthThreshold: health.DefaultThreshold,
		Clock:           func() time.Time { return testNow },
	})

	rawKey, _, err := srv.APIKeys().Create(context.Background(), "test", "geofence")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}

	return srv, d, rawKey
}

func apiRequest(t *testing.T, srv *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	r := httptest.NewRequest(method, path, reqBody)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func event(entry bool, t time.Time, session string) visit.Event {
	return visit.Event{UserID: "u1", PlaceID: "home", SessionID: session, EventTime: t, IsEntry: entry}
}

func seedVisits(t *testing.T, srv *Server, visits ...*visit.Visit) {
	t.Helper()
	err := srv.store.WithTx(context.Background(), func(tx *visit.Tx) error {
		for _, v := range visits {
			if err := tx.Insert(context.Background(), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed visits: %v", err)
	}
}

func closed(id string, entry, exit time.Time) *visit.Visit {
	return &visit.Visit{ID: id, UserID: "u1", PlaceID: "home", EntryTime: entry, ExitTime: &exit}
}

func TestAPIRecordEvent(t *testing.T) {
	srv, _, token := testAPIServerWithDB(t)

	w := apiRequest(t, srv, "POST", "/api/events", token, event(true, at(10, 0), "s1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	var first upsert.Result
	decode(t, w, &first)
	if first.Action != visit.Created || first.VisitID == "" {
		t.Fatalf("result = %+v, want created with id", first)
	}

	w = apiRequest(t, srv, "POST", "/api/events", token, event(false, at(10, 5), "s1"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var second upsert.Result
	decode(t, w, &second)
	if second.Action != visit.Merged || second.VisitID != first.VisitID {
		t.Errorf("result = %+v, want merged into %s", second, first.VisitID)
	}
	if second.MergeReason != visit.ReasonOpenVisit {
		t.Errorf("reason = %q, want %q", second.MergeReason, visit.ReasonOpenVisit)
	}
}

func TestAPIRecordEventErrors(t *testing.T) {
	srv, _, token := testAPIServerWithDB(t)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"missing user", visit.Event{PlaceID: "home", EventTime: at(10, 0), IsEntry: true}, http.StatusBadRequest},
		{"missing time", visit.Event{UserID: "u1", PlaceID: "home"}, http.StatusBadRequest},
		{"future time", event(true, testNow.Add(time.Hour), ""), http.StatusBadRequest},
		{"not json", "nope", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := apiRequest(t, srv, "POST", "/api/events", token, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAPIRecordEventLockContention(t *testing.T) {
	srv, _, token := testAPIServerWithDB(t)

	key := visit.Pair{UserID: "u1", PlaceID: "home"}.Key()
	if !srv.locks.TryLock(key) {
		t.Fatal("expected to take the pair lock")
	}
	defer srv.locks.Unlock(key)

	w := apiRequest(t, srv, "POST", "/api/events", token, event(true, at(10, 0), ""))
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if got := w.Header().Get("Retry-After"); got == "" {
		t.Error("expected Retry-After header")
	}
	var body map[string]string
	decode(t, w, &body)
	if body["kind"] != "lock_contention" {
		t.Errorf("kind = %q, want lock_contention", body["kind"])
	}
}

func TestAPIRecordEventCorruptVisit(t *testing.T) {
	srv, _, token := testAPIServerWithDB(t)
	seedVisits(t, srv, closed("bad", at(11, 0), at(9, 0)))

	w := apiRequest(t, srv, "POST", "/api/events", token, event(true, at(10, 0), ""))
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d: %s", w.Code, http.StatusUnprocessableEntity, w.Body.String())
	}
}

func TestAPIRecordEventRequiresAuth(t *testing.T) {
	srv, _, _ := testAPIServerWithDB(t)

	w := apiRequest(t, srv, "POST", "/api/events", "", event(true, at(10, 0), ""))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAPIListVisits(t *testing.T) {
	srv, _, token := testAPIServerWithDB(t)
	seedVisits(t, srv,
		closed("a", at(8, 0), at(8, 30)),
		closed("b", at(10, 0), at(10, 30)),
	)

	w := apiRequest(t, srv, "GET", "/api/visits?user_id=u1&place_id=home", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var visits []*visit.Visit
	decode(t, w, &visits)
	if len(visits) != 2 {
		t.Fatalf("got %d visits, want 2", len(visits))
	}
	if visits[0].ID != "b" {
		t.Errorf("first visit = %s, want newest first", visits[0].ID)
	}
}

func TestAPIListVisitsEmpty(t *testing.T) {
	srv, _, token := testAPIServerWithDB(t)

	w := apiRequest(t, srv, "GET", "/api/visits?user_id=u1&place_id=home", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := bytes.TrimSpace(w.Body.Bytes()); string(got) != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestAPIListVisitsRequiresPair(t *testing.T) {
	srv, _, token := testAPIServerWithDB(t)

	w := apiRequest(t, srv, "GET", "/api/visits?user_id=u1", token, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPIGetVisit(t *testing.T) {
	srv, _, token := testAPIServerWithDB(t)
	seedVisits(t, srv, closed("a", at(8, 0), at(8, 30)))

	w := apiRequest(t, srv, "GET", "/api/visits/a", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var v visit.Visit
	decode(t, w, &v)
	if !v.EntryTime.Equal(at(8, 0)) {
		t.Errorf("entry = %v, want %v", v.EntryTime, at(8, 0))
	}
}

func TestAPIGetVisitNotFound(t *testing.T) {
	srv, _, token := testAPIServerWithDB(t)

	w := apiRequest(t, srv, "GET", "/api/visits/missing", token, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIAnnotateVisit(t *testing.T) {
	srv, _, token := testAPIServerWithDB(t)
	seedVisits(t, srv, closed("a", at(8, 0), at(8, 30)))

	notes := "picked up keys"
	w := apiRequest(t, srv, "PATCH", "/api/visits/a", token, map[string]interface{}{
		"notes":  notes,
		"people": []string{"p2", "p1"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var v visit.Visit
	decode(t, w, &v)
	if v.Notes != notes {
		t.Errorf("notes = %q, want %q", v.Notes, notes)
	}
	if len(v.People) != 2 {
		t.Errorf("people = %v, want 2 entries", v.People)
	}
	if v.ExitTime == nil || !v.ExitTime.Equal(at(8, 30)) {
		t.Errorf("exit = %v, annotations must not change the range", v.ExitTime)
	}
}

func TestAPIAnnotateVisitErrors(t *testing.T) {
	srv, _, token := testAPIServerWithDB(t)
	seedVisits(t, srv, closed("a", at(8, 0), at(8, 30)))

	w := apiRequest(t, srv, "PATCH", "/api/visits/a", token, map[string]interface{}{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty body: status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = apiRequest(t, srv, "PATCH", "/api/visits/missing", token, map[string]interface{}{"notes": "x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("missing visit: status = %d, want %d", w.Code, http.StatusNotFound)
	}

	key := visit.Pair{UserID: "u1", PlaceID: "home"}.Key()
	if !srv.locks.TryLock(key) {
		t.Fatal("lock pair")
	}
	w = apiRequest(t, srv, "PATCH", "/api/visits/a", token, map[string]interface{}{"notes": "x"})
	srv.locks.Unlock(key)
	if w.Code != http.StatusConflict {
		t.Fatalf("locked pair: status = %d, want %d", w.Code, http.StatusConflict)
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["kind"] != "lock_contention" {
		t.Errorf("kind = %q, want lock_contention", resp["kind"])
	}
}

func TestAPIRepairFlow(t *testing.T) {
	srv, _, token := testAPIServerWithDB(t)
	seedVisits(t, srv,
		closed("inverted", at(7, 0), at(6, 0)),
		closed("a", at(9, 0), at(10, 0)),
		closed("b", at(9, 5), at(10, 0)),
	)

	w := apiRequest(t, srv, "POST", "/api/admin/guard", token, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("guard before repair: status = %d, want %d", w.Code, http.StatusConflict)
	}

	w = apiRequest(t, srv, "POST", "/api/admin/sanitize", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sanitize: status = %d, want %d", w.Code, http.StatusOK)
	}
	var report sanitize.Report
	decode(t, w, &report)
	if report.Swapped != 1 {
		t.Errorf("swapped = %d, want 1", report.Swapped)
	}

	w = apiRequest(t, srv, "POST", "/api/admin/dedupe?dry_run=true", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dedupe dry run: status = %d, want %d", w.Code, http.StatusOK)
	}
	var dry dedupe.Summary
	decode(t, w, &dry)
	if !dry.DryRun || dry.GroupsMerged != 1 {
		t.Errorf("dry run summary = %+v, want one group", dry)
	}

	w = apiRequest(t, srv, "POST", "/api/admin/dedupe", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dedupe: status = %d, want %d", w.Code, http.StatusOK)
	}
	var summary dedupe.Summary
	decode(t, w, &summary)
	if summary.VisitsDeleted != 1 {
		t.Errorf("deleted = %d, want 1", summary.VisitsDeleted)
	}

	w = apiRequest(t, srv, "POST", "/api/admin/guard", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("guard after repair: status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var status visit.GuardStatus
	decode(t, w, &status)
	if !status.Installed {
		t.Error("expected guard installed")
	}
}

func TestAPIDedupeBadDryRun(t *testing.T) {
	srv, _, token := testAPIServerWithDB(t)

	w := apiRequest(t, srv, "POST", "/api/admin/dedupe?dry_run=maybe", token, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPIHealthCheck(t *testing.T) {
	srv, _, token := testAPIServerWithDB(t)
	seedVisits(t, srv,
		closed("a", at(6, 0), at(6, 10)),
		closed("b", at(7, 0), at(7, 10)),
		closed("c", at(8, 0), at(8, 10)),
		closed("d", at(9, 0), at(9, 10)),
	)

	w := apiRequest(t, srv, "GET", "/api/admin/health", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var flagged []health.FlaggedDay
	decode(t, w, &flagged)
	if len(flagged) != 1 || flagged[0].Count != 4 {
		t.Fatalf("flagged = %+v, want one day with 4 visits", flagged)
	}

	w = apiRequest(t, srv, "GET", "/api/admin/health?threshold=4", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	flagged = nil
	decode(t, w, &flagged)
	if len(flagged) != 0 {
		t.Errorf("flagged = %+v, want none above 4", flagged)
	}

	w = apiRequest(t, srv, "GET", "/api/admin/health?threshold=zero", token, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPICloseAbandoned(t *testing.T) {
	srv, _, token := testAPIServerWithDB(t)
	seedVisits(t, srv, &visit.Visit{
		ID: "stale", UserID: "u1", PlaceID: "home",
		EntryTime: testNow.Add(-20 * time.Hour), LastEventAt: testNow.Add(-19 * time.Hour),
	})

	w := apiRequest(t, srv, "POST", "/api/admin/close-abandoned", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var report upsert.SweepReport
	decode(t, w, &report)
	if len(report.Closed) != 1 || report.Closed[0] != "stale" {
		t.Errorf("closed = %v, want [stale]", report.Closed)
	}
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	srv, _, _ := testAPIServerWithDB(t)

	for _, path := range []string{"/health", "/metrics"} {
		w := apiRequest(t, srv, "GET", path, "", nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want %d", path, w.Code, http.StatusOK)
		}
	}
}

func TestAPIMethodNotAllowed(t *testing.T) {
	srv, _, token := testAPIServerWithDB(t)

	w := apiRequest(t, srv, "DELETE", "/api/events", token, nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}
