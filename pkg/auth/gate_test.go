package auth_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/flockmesh/flockmesh/pkg/auth"
)

func TestGateFromRequest(t *testing.T) {
	cases := []struct {
		name           string
		header         string
		trustedDefault string
		wantActor      string
		wantErr        error
	}{
		{name: "user header", header: "usr_ops_lead", wantActor: "usr_ops_lead"},
		{name: "service header", header: "svc_scheduler_01", wantActor: "svc_scheduler_01"},
		{name: "agent header", header: "agt_ops_assistant", wantActor: "agt_ops_assistant"},
		{name: "system header", header: "sys_flockmesh_core", wantActor: "sys_flockmesh_core"},
		{name: "missing without default", wantErr: auth.ErrMissingActor},
		{name: "missing with default", trustedDefault: "svc_internal_cron", wantActor: "svc_internal_cron"},
		{name: "header beats default", header: "usr_ops_lead", trustedDefault: "svc_internal_cron", wantActor: "usr_ops_lead"},
		{name: "bad prefix", header: "bot_ops_lead", wantErr: auth.ErrInvalidActor},
		{name: "suffix too short", header: "usr_ab", wantErr: auth.ErrInvalidActor},
		{name: "illegal characters", header: "usr_ops lead", wantErr: auth.ErrInvalidActor},
		{name: "malformed default", trustedDefault: "nobody", wantErr: auth.ErrInvalidActor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gate := &auth.Gate{TrustedDefaultActorID: tc.trustedDefault}
			req := httptest.NewRequest("GET", "/v0/runs", nil)
			if tc.header != "" {
				req.Header.Set(auth.HeaderActorID, tc.header)
			}

			actorID, err := gate.FromRequest(req)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("FromRequest error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("FromRequest: %v", err)
			}
			if actorID != tc.wantActor {
				t.Fatalf("FromRequest = %q, want %q", actorID, tc.wantActor)
			}
		})
	}
}

func TestRequireClaim(t *testing.T) {
	ctx := auth.WithActor(context.Background(), "usr_ops_lead")

	if err := auth.RequireClaim(ctx, "usr_ops_lead"); err != nil {
		t.Fatalf("matching claim rejected: %v", err)
	}
	if err := auth.RequireClaim(ctx, ""); err != nil {
		t.Fatalf("empty claim rejected: %v", err)
	}
	if err := auth.RequireClaim(ctx, "usr_somebody_else"); !errors.Is(err, auth.ErrActorClaimMismatch) {
		t.Fatalf("mismatched claim error = %v, want ErrActorClaimMismatch", err)
	}
	if err := auth.RequireClaim(context.Background(), "usr_ops_lead"); err == nil {
		t.Fatal("claim against empty context passed")
	}
}

func TestGetActor(t *testing.T) {
	if _, err := auth.GetActor(context.Background()); err == nil {
		t.Fatal("expected error on empty context")
	}
	actorID, err := auth.GetActor(auth.WithActor(context.Background(), "usr_ops_lead"))
	if err != nil {
		t.Fatalf("GetActor: %v", err)
	}
	if actorID != "usr_ops_lead" {
		t.Fatalf("GetActor = %q", actorID)
	}
}
