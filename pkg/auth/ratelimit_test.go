package auth_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flockmesh/flockmesh/pkg/auth"
)

func limited(t *testing.T, limiter *auth.RateLimiter, actorID, remoteAddr string) *httptest.ResponseRecorder {
	t.Helper()
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest("GET", "/v0/runs", nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	if actorID != "" {
		req = req.WithContext(auth.WithActor(req.Context(), actorID))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	limiter := auth.NewRateLimiter(1, 2)
	for i := 0; i < 2; i++ {
		if rec := limited(t, limiter, "usr_load_probe", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}
}

func TestRateLimiterRejectsOverBurst(t *testing.T) {
	limiter := auth.NewRateLimiter(1, 1)
	if rec := limited(t, limiter, "usr_load_probe", ""); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec := limited(t, limiter, "usr_load_probe", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	ms, ok := body["retry_after_ms"].(float64)
	if !ok || ms < 1 {
		t.Fatalf("retry_after_ms = %v", body["retry_after_ms"])
	}
}

func TestRateLimiterKeysByActor(t *testing.T) {
	limiter := auth.NewRateLimiter(1, 1)
	if rec := limited(t, limiter, "usr_tenant_a", ""); rec.Code != http.StatusOK {
		t.Fatalf("actor a status = %d", rec.Code)
	}
	if rec := limited(t, limiter, "usr_tenant_b", ""); rec.Code != http.StatusOK {
		t.Fatalf("actor b blocked by actor a's bucket: %d", rec.Code)
	}
	if rec := limited(t, limiter, "usr_tenant_a", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("actor a second request status = %d, want 429", rec.Code)
	}
}

func TestRateLimiterFallsBackToIP(t *testing.T) {
	limiter := auth.NewRateLimiter(1, 1)
	// Same IP, different source ports: one bucket.
	if rec := limited(t, limiter, "", "203.0.113.7:40001"); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	if rec := limited(t, limiter, "", "203.0.113.7:40002"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
}
