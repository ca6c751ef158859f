package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/flockmesh/flockmesh/pkg/auth"
	"github.com/flockmesh/flockmesh/pkg/connector"
	"github.com/flockmesh/flockmesh/pkg/executor"
	"github.com/flockmesh/flockmesh/pkg/integrity"
	"github.com/flockmesh/flockmesh/pkg/ledger"
	"github.com/flockmesh/flockmesh/pkg/policy"
	"github.com/flockmesh/flockmesh/pkg/policypatch"
	"github.com/flockmesh/flockmesh/pkg/store"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// defaultPageLimit is the ledger page size when the caller does not set one.
const defaultPageLimit = 100

// Config wires a Server. Store, Ledger, Executor, Policy and Integrity are
// required; Guard, Catalog, Patches and History gate their endpoints with
// 501 when absent.
//
//nolint:govet // fieldalignment: config structs favor wiring order
type Config struct {
	Store          store.Store
	Ledger         ledger.Ledger
	Executor       *executor.Engine
	Policy         *policy.Engine
	Guard          *connector.Guard
	Catalog        *connector.Catalog
	Integrity      *integrity.Service
	Patches        *policypatch.Pipeline
	History        *policypatch.History
	Gate           *auth.Gate
	Limiter        *auth.RateLimiter
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server owns the route table and translates engine results and errors into
// wire responses. It holds no state of its own; every mutation round-trips
// the engines.
type Server struct {
	store     store.Store
	ledger    ledger.Ledger
	executor  *executor.Engine
	policy    *policy.Engine
	guard     *connector.Guard
	catalog   *connector.Catalog
	integrity *integrity.Service
	patches   *policypatch.Pipeline
	history   *policypatch.History
	gate      *auth.Gate
	limiter   *auth.RateLimiter
	origins   []string
	logger    *slog.Logger
	clock     func() time.Time
}

// NewServer builds the boundary over its collaborators.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gate := cfg.Gate
	if gate == nil {
		gate = &auth.Gate{}
	}
	return &Server{
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		executor:  cfg.Executor,
		policy:    cfg.Policy,
		guard:     cfg.Guard,
		catalog:   cfg.Catalog,
		integrity: cfg.Integrity,
		patches:   cfg.Patches,
		history:   cfg.History,
		gate:      gate,
		limiter:   cfg.Limiter,
		origins:   cfg.AllowedOrigins,
		logger:    logger.With("component", "api"),
		clock:     time.Now,
	}
}

// WithClock overrides time acquisition for deterministic tests.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

// Handler returns the full request pipeline: CORS, request id, identity
// gate, per-actor rate limit, then the route table. /health stays public.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.routes()
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = auth.Identity(s.gate)(h)
	h = auth.RequestID(h)
	h = auth.CORS(s.origins)(h)
	return h
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/v0/agents", s.handleAgents)

	mux.HandleFunc("/v0/connectors", s.handleConnectorCatalog)
	mux.HandleFunc("/v0/connectors/bindings", s.handleBindings)
	mux.HandleFunc("/v0/connectors/adapters/{cid}/simulate", s.handleAdapterSimulate)
	mux.HandleFunc("/v0/connectors/adapters/{cid}/invoke", s.handleAdapterInvoke)

	mux.HandleFunc("/v0/runs", s.handleCreateRun)
	mux.HandleFunc("/v0/runs/{id}", s.handleGetRun)
	mux.HandleFunc("/v0/runs/{id}/approvals", s.handleApprovals)
	mux.HandleFunc("/v0/runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("/v0/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("/v0/runs/{id}/audit", s.handleRunAudit)
	mux.HandleFunc("/v0/runs/{id}/timeline-diff", s.handleTimelineDiff)
	mux.HandleFunc("/v0/runs/{id}/replay-integrity", s.handleReplayIntegrity)
	mux.HandleFunc("/v0/runs/{id}/replay-export", s.handleReplayExport)
	mux.HandleFunc("/v0/runs/{id}/incident-export", s.handleIncidentExport)
	mux.HandleFunc("/v0/monitoring/replay-drift", s.handleReplayDrift)

	mux.HandleFunc("/v0/policy/evaluate", s.handlePolicyEvaluate)
	mux.HandleFunc("/v0/policy/simulate", s.handlePolicySimulate)
	mux.HandleFunc("/v0/policy/profiles", s.handlePolicyProfiles)
	mux.HandleFunc("/v0/policy/profiles/{name}/version", s.handleProfileVersion)
	mux.HandleFunc("/v0/policy/patch", s.handlePolicyPatch)
	mux.HandleFunc("/v0/policy/rollback", s.handlePolicyRollback)
	mux.HandleFunc("/v0/policy/patches", s.handlePatchHistory)
	mux.HandleFunc("/v0/policy/patches/export", s.handlePatchExport)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes v as the JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode bounds and parses the request body. A false return means the 400
// is already written.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, "invalid request body")
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return n, nil
}

func queryBool(r *http.Request, key string) bool {
	return r.URL.Query().Get(key) == "true"
}

// requireClaim checks a body actor claim against the authenticated caller
// and writes the 403 itself on mismatch.
func (s *Server) requireClaim(w http.ResponseWriter, r *http.Request, claimed string) bool {
	if err := auth.RequireClaim(r.Context(), claimed); err != nil {
		WriteForbidden(w, err.Error(), map[string]any{
			"reason_codes": []string{"auth.actor_claim_mismatch"},
		})
		return false
	}
	return true
}

// actor returns the authenticated actor id. Identity middleware guarantees
// it on every non-public path.
func (s *Server) actor(r *http.Request) string {
	id, err := auth.GetActor(r.Context())
	if err != nil {
		return ""
	}
	return id
}

// writeDomainError maps engine errors onto the boundary's error taxonomy.
// Handlers call it after exhausting their endpoint-specific mappings.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	if v, ok := executor.AsValidation(err); ok {
		WriteBadRequest(w, v.Error())
		return
	}
	if v, ok := policypatch.AsValidation(err); ok {
		WriteBadRequest(w, v.Error())
		return
	}
	if errors.Is(err, policypatch.ErrInvalidPage) {
		WriteBadRequest(w, err.Error())
		return
	}
	if errors.Is(err, auth.ErrActorClaimMismatch) {
		WriteForbidden(w, err.Error(), map[string]any{
			"reason_codes": []string{"auth.actor_claim_mismatch"},
		})
		return
	}
	if n, ok := policypatch.AsNotAuthorized(err); ok {
		WriteForbidden(w, n.Error(), map[string]any{
			"reason_codes": []string{"policy.admin.not_authorized"},
		})
		return
	}
	if errors.Is(err, executor.ErrAgentNotFound) ||
		errors.Is(err, executor.ErrRunNotFound) ||
		errors.Is(err, executor.ErrApprovalNotFound) ||
		errors.Is(err, integrity.ErrRunNotFound) ||
		errors.Is(err, integrity.ErrNoComparableBase) ||
		errors.Is(err, policypatch.ErrProfileNotFound) ||
		errors.Is(err, policypatch.ErrPatchNotFound) ||
		errors.Is(err, policypatch.ErrNoRollbackTarget) ||
		errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, err.Error())
		return
	}
	if rc, ok := store.AsRevisionConflict(err); ok {
		WriteConflict(w, rc.Error(), map[string]any{
			"expected_revision": rc.Expected,
			"current_revision":  rc.Current,
		})
		return
	}
	if hm, ok := policypatch.AsHashMismatch(err); ok {
		WriteConflict(w, hm.Error(), map[string]any{
			"expected_profile_hash": hm.Expected,
			"current_profile_hash":  hm.Current,
		})
		return
	}
	if bm, ok := integrity.AsBaseMismatch(err); ok {
		WriteConflict(w, bm.Error(), nil)
		return
	}
	var scope *executor.ScopeMismatchError
	if errors.As(err, &scope) {
		WriteConflict(w, scope.Error(), nil)
		return
	}
	var dup *executor.DuplicateApproverError
	if errors.As(err, &dup) {
		WriteConflict(w, dup.Error(), nil)
		return
	}
	if errors.Is(err, executor.ErrRunTerminal) ||
		errors.Is(err, executor.ErrRunNotWaiting) ||
		errors.Is(err, executor.ErrAgentDisabled) {
		WriteConflict(w, err.Error(), nil)
		return
	}
	if errors.Is(err, integrity.ErrNoPatchHistory) {
		WriteNotImplemented(w, "patch history is not configured")
		return
	}
	WriteInternal(w, err)
}
