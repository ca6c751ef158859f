package auth_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flockmesh/flockmesh/pkg/auth"
)

func okHandler(captured *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actorID, err := auth.GetActor(r.Context()); err == nil {
			*captured = actorID
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestIdentityInjectsActor(t *testing.T) {
	var captured string
	handler := auth.Identity(&auth.Gate{})(okHandler(&captured))

	req := httptest.NewRequest("POST", "/v0/runs", nil)
	req.Header.Set(auth.HeaderActorID, "usr_ops_lead")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if captured != "usr_ops_lead" {
		t.Fatalf("actor in context = %q, want usr_ops_lead", captured)
	}
}

func TestIdentityRejectsMissingHeader(t *testing.T) {
	var captured string
	handler := auth.Identity(&auth.Gate{})(okHandler(&captured))

	req := httptest.NewRequest("POST", "/v0/runs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !strings.Contains(body["message"], auth.HeaderActorID) {
		t.Fatalf("message %q does not name the header", body["message"])
	}
	if captured != "" {
		t.Fatal("handler ran for unauthenticated request")
	}
}

func TestIdentityRejectsMalformedActor(t *testing.T) {
	handler := auth.Identity(&auth.Gate{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler ran for malformed actor")
	}))

	req := httptest.NewRequest("POST", "/v0/runs", nil)
	req.Header.Set(auth.HeaderActorID, "not-an-actor")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestIdentityTrustedDefault(t *testing.T) {
	var captured string
	gate := &auth.Gate{TrustedDefaultActorID: "svc_internal_cron"}
	handler := auth.Identity(gate)(okHandler(&captured))

	req := httptest.NewRequest("GET", "/v0/runs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if captured != "svc_internal_cron" {
		t.Fatalf("actor = %q, want trusted default", captured)
	}
}

func TestIdentitySkipsHealth(t *testing.T) {
	var captured string
	handler := auth.Identity(&auth.Gate{})(okHandler(&captured))

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if captured != "" {
		t.Fatal("health check carried an actor")
	}
}

func TestRequestID(t *testing.T) {
	var fromContext string
	handler := auth.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromContext = auth.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/v0/runs", nil)
	req.Header.Set("X-Request-ID", "req-supplied-by-client")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req-supplied-by-client" {
		t.Fatalf("echoed request id = %q", got)
	}
	if fromContext != "req-supplied-by-client" {
		t.Fatalf("context request id = %q", fromContext)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v0/runs", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("no generated request id")
	}
}
