package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, rec.Body.String())
	}
	return body
}

func TestWriteErrorMergesExtras(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusConflict, "revision mismatch", map[string]any{
		"expected_revision": int64(3),
		"current_revision":  int64(5),
	})

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content type = %q", got)
	}
	body := decodeEnvelope(t, rec)
	if body["message"] != "revision mismatch" {
		t.Fatalf("message = %v", body["message"])
	}
	if body["expected_revision"] != float64(3) || body["current_revision"] != float64(5) {
		t.Fatalf("extras not merged: %v", body)
	}
}

func TestWriteErrorExtrasCannotShadowMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusBadRequest, "real message", map[string]any{"message": "impostor"})

	if body := decodeEnvelope(t, rec); body["message"] != "real message" {
		t.Fatalf("message = %v", body["message"])
	}
}

func TestWriteForbiddenDefaultMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteForbidden(rec, "", nil)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeEnvelope(t, rec); body["message"] != "not authorized" {
		t.Fatalf("message = %v", body["message"])
	}
}

func TestWriteTooManyRequestsHeaderRoundsUp(t *testing.T) {
	cases := []struct {
		ms     int64
		header string
		bodyMs float64
	}{
		{ms: 1500, header: "2", bodyMs: 1500},
		{ms: 60000, header: "60", bodyMs: 60000},
		{ms: 0, header: "1", bodyMs: 1},
		{ms: -7, header: "1", bodyMs: 1},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		WriteTooManyRequests(rec, tc.ms, nil)

		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("ms=%d: status = %d", tc.ms, rec.Code)
		}
		if got := rec.Header().Get("Retry-After"); got != tc.header {
			t.Fatalf("ms=%d: Retry-After = %q, want %q", tc.ms, got, tc.header)
		}
		body := decodeEnvelope(t, rec)
		if body["retry_after_ms"] != tc.bodyMs {
			t.Fatalf("ms=%d: retry_after_ms = %v, want %v", tc.ms, body["retry_after_ms"], tc.bodyMs)
		}
		if body["message"] != "rate limit exceeded" {
			t.Fatalf("ms=%d: message = %v", tc.ms, body["message"])
		}
	}
}

func TestWriteTooManyRequestsKeepsExtras(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteTooManyRequests(rec, 250, map[string]any{"action_intent_id": "act_01h"})

	body := decodeEnvelope(t, rec)
	if body["action_intent_id"] != "act_01h" {
		t.Fatalf("extras dropped: %v", body)
	}
}

func TestWriteInternalHidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteInternal(rec, errors.New("pg: connection refused on 10.3.2.1"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeEnvelope(t, rec)
	if body["message"] != "an unexpected error occurred" {
		t.Fatalf("message = %v", body["message"])
	}
	if rec.Body.String() == "" || len(rec.Body.String()) > 200 {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}
