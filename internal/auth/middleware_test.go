package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Owner", Owner(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAPIKeySkipsNonAPIPaths(t *testing.T) {
	store := testAPIKeyStore(t)
	handler := RequireAPIKey(store, NewFailureLimiter(), okHandler())

	for _, path := range []string{"/health", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			r := httptest.NewRequest("GET", path, nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want %d for %s", w.Code, http.StatusOK, path)
			}
		})
	}
}

func TestRequireAPIKey(t *testing.T) {
	store := testAPIKeyStore(t)
	rawKey, _, err := store.Create(context.Background(), "geofence", "ingest")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	handler := RequireAPIKey(store, NewFailureLimiter(), okHandler())

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"invalid key", "Bearer vt_nope", http.StatusUnauthorized},
		{"valid key", "Bearer " + rawKey, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/visits", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusOK && w.Header().Get("X-Owner") != "ingest" {
				t.Errorf("owner = %q, want %q", w.Header().Get("X-Owner"), "ingest")
			}
		})
	}
}

func TestRequireAPIKeyRateLimitsFailures(t *testing.T) {
	store := testAPIKeyStore(t)
	rawKey, _, err := store.Create(context.Background(), "geofence", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	handler := RequireAPIKey(store, NewFailureLimiter(), okHandler())

	send := func(key, remote string) int {
		r := httptest.NewRequest("GET", "/api/visits", nil)
		r.RemoteAddr = remote
		r.Header.Set("Authorization", "Bearer "+key)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Code
	}

	for i := 0; i < rateLimitMaxFail; i++ {
		if code := send("vt_wrong", "10.0.0.1:1234"); code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d, want 401", i, code)
		}
	}

	if code := send(rawKey, "10.0.0.1:5678"); code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 once the failure budget is spent", code)
	}
	if code := send(rawKey, "10.0.0.2:1234"); code != http.StatusOK {
		t.Errorf("status = %d, want 200 for another client", code)
	}
}

func TestFailureLimiterForgetsRefilledIPs(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fl := NewFailureLimiter()
	fl.now = func() time.Time { return now }

	if fl.Blocked("10.0.0.1") {
		t.Fatal("unknown IP must not be blocked")
	}
	if len(fl.limiters) != 0 {
		t.Fatalf("tracked = %d, want 0: checking an IP must not track it", len(fl.limiters))
	}

	for i := 0; i < rateLimitMaxFail; i++ {
		fl.RecordFailure("10.0.0.1")
	}
	if !fl.Blocked("10.0.0.1") {
		t.Fatal("expected 10.0.0.1 blocked after spending its budget")
	}

	now = now.Add(pruneInterval)
	fl.RecordFailure("10.0.0.2")

	if len(fl.limiters) != 1 {
		t.Fatalf("tracked = %d, want 1 after pruning the refilled IP", len(fl.limiters))
	}
	if _, ok := fl.limiters["10.0.0.2"]; !ok {
		t.Error("expected the failing IP to stay tracked")
	}
	if fl.Blocked("10.0.0.1") {
		t.Error("pruned IP must start with a full budget")
	}
}

func TestFailureLimiterKeepsBlockedIPs(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fl := NewFailureLimiter()
	fl.now = func() time.Time { return now }

	fl.RecordFailure("10.0.0.9")
	for i := 0; i < rateLimitMaxFail; i++ {
		fl.RecordFailure("10.0.0.1")
	}

	now = now.Add(pruneInterval)
	for i := 0; i < rateLimitMaxFail; i++ {
		fl.RecordFailure("10.0.0.1")
	}

	if !fl.Blocked("10.0.0.1") {
		t.Error("an IP still failing must stay blocked across a prune")
	}
	if _, ok := fl.limiters["10.0.0.9"]; ok {
		t.Error("expected the idle IP to be pruned")
	}
}
