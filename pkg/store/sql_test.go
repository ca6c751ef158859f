package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/flockmesh/flockmesh/pkg/contracts"
)

func TestRebind(t *testing.T) {
	query := `SELECT payload FROM runs WHERE id = ? AND revision = ?`
	if got := DialectSQLite.rebind(query); got != query {
		t.Fatalf("sqlite rebind changed the query: %q", got)
	}
	want := `SELECT payload FROM runs WHERE id = $1 AND revision = $2`
	if got := DialectPostgres.rebind(query); got != want {
		t.Fatalf("postgres rebind = %q, want %q", got, want)
	}
}

func testRun(id string) *contracts.RunRecord {
	return &contracts.RunRecord{
		ID:          id,
		WorkspaceID: "wsp_mindverse_cn",
		AgentID:     "agt_ops_assistant",
		PlaybookID:  "pbk_weekly_ops_sync",
		Status:      contracts.RunAccepted,
		StartedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestSQLiteRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "flockmesh.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer func() { _ = st.Close() }()

	run := testRun("run_sqlite_roundtrip")
	if err := st.SaveRun(ctx, run, 0); err != nil {
		t.Fatalf("initial SaveRun: %v", err)
	}
	if run.Revision != 1 {
		t.Fatalf("initial revision = %d, want 1", run.Revision)
	}

	run.Status = contracts.RunCompleted
	if err := st.SaveRun(ctx, run, 1); err != nil {
		t.Fatalf("update SaveRun: %v", err)
	}
	if run.Revision != 2 {
		t.Fatalf("updated revision = %d, want 2", run.Revision)
	}

	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != contracts.RunCompleted || got.Revision != 2 {
		t.Fatalf("persisted run = %s rev %d", got.Status, got.Revision)
	}
}

func TestSQLiteRunRevisionConflicts(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "flockmesh.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer func() { _ = st.Close() }()

	run := testRun("run_cas_conflict")
	if err := st.SaveRun(ctx, run, 0); err != nil {
		t.Fatalf("initial SaveRun: %v", err)
	}

	// Stale expected revision.
	stale := run.Clone()
	stale.Status = contracts.RunCancelled
	err = st.SaveRun(ctx, stale, 7)
	rc, ok := AsRevisionConflict(err)
	if !ok {
		t.Fatalf("stale write err = %v, want RevisionConflictError", err)
	}
	if rc.Expected != 7 || rc.Current != 1 {
		t.Fatalf("conflict revisions = expected %d current %d", rc.Expected, rc.Current)
	}

	// Expecting an existing row where none is.
	ghost := testRun("run_never_written")
	err = st.SaveRun(ctx, ghost, 3)
	if rc, ok = AsRevisionConflict(err); !ok || rc.Current != 0 {
		t.Fatalf("ghost write err = %v", err)
	}

	// The conflicting write must not have landed.
	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != contracts.RunAccepted || got.Revision != 1 {
		t.Fatalf("run mutated by conflicting write: %s rev %d", got.Status, got.Revision)
	}
}

func TestSQLiteAgentsAndBindings(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "flockmesh.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer func() { _ = st.Close() }()

	agent := &contracts.AgentProfile{
		ID:          "agt_ops_assistant",
		WorkspaceID: "wsp_mindverse_cn",
		Role:        "ops",
		Name:        "ops assistant",
		Status:      contracts.StatusActive,
	}
	if err := st.SaveAgent(ctx, agent); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	got, err := st.GetAgent(ctx, agent.ID)
	if err != nil || got.WorkspaceID != agent.WorkspaceID {
		t.Fatalf("GetAgent: %v %+v", err, got)
	}
	if _, err := st.GetAgent(ctx, "agt_absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("absent agent err = %v", err)
	}

	listed, err := st.ListAgents(ctx, "wsp_mindverse_cn")
	if err != nil || len(listed) != 1 {
		t.Fatalf("ListAgents: %v n=%d", err, len(listed))
	}
	other, err := st.ListAgents(ctx, "wsp_other")
	if err != nil || len(other) != 0 {
		t.Fatalf("foreign workspace leak: %v n=%d", err, len(other))
	}

	binding := &contracts.ConnectorBinding{
		ID:          "cnb_feishu_main",
		WorkspaceID: "wsp_mindverse_cn",
		ConnectorID: "con_feishu_official",
		Scopes:      []string{"message.send"},
		Status:      contracts.StatusActive,
	}
	if err := st.SaveBinding(ctx, binding); err != nil {
		t.Fatalf("SaveBinding: %v", err)
	}
	gb, err := st.GetBinding(ctx, binding.ID)
	if err != nil || gb.ConnectorID != binding.ConnectorID {
		t.Fatalf("GetBinding: %v %+v", err, gb)
	}
}

func TestSQLiteIdempotencyFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "flockmesh.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer func() { _ = st.Close() }()

	first, err := st.PutIdempotencyResult(ctx, &contracts.IdempotencyResult{
		Key:     "idem_send_weekly",
		RunID:   "run_a",
		Payload: map[string]any{"message_id": "m-1"},
	})
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	second, err := st.PutIdempotencyResult(ctx, &contracts.IdempotencyResult{
		Key:     "idem_send_weekly",
		RunID:   "run_b",
		Payload: map[string]any{"message_id": "m-2"},
	})
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if second.RunID != first.RunID || second.Payload["message_id"] != "m-1" {
		t.Fatalf("second writer observed %+v, want the first payload", second)
	}
}

func TestSQLiteListRunsOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "flockmesh.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer func() { _ = st.Close() }()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"run_one", "run_two", "run_three"} {
		run := testRun(id)
		run.StartedAt = base.Add(time.Duration(i) * time.Hour)
		if err := st.SaveRun(ctx, run, 0); err != nil {
			t.Fatalf("SaveRun %s: %v", id, err)
		}
	}

	runs, err := st.ListRuns(ctx, ListRunsQuery{WorkspaceID: "wsp_mindverse_cn", Limit: 2})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run_three" || runs[1].ID != "run_two" {
		ids := make([]string, len(runs))
		for i, r := range runs {
			ids[i] = r.ID
		}
		t.Fatalf("ListRuns order = %v", ids)
	}

	none, err := st.ListRuns(ctx, ListRunsQuery{PlaybookID: "pbk_monthly_ops_review"})
	if err != nil || len(none) != 0 {
		t.Fatalf("playbook filter: %v n=%d", err, len(none))
	}
}

// mockStore builds an SQLStore over sqlmock without running migrations, for
// failure paths a real database will not produce on demand.
func mockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	s := &SQLStore{db: db, dialect: DialectSQLite, clock: time.Now}
	t.Cleanup(func() { _ = db.Close() })
	return s, mock
}

func TestSaveRunStorePropagatesErrors(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT revision FROM runs`).
		WithArgs("run_broken").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := s.SaveRun(context.Background(), testRun("run_broken"), 0)
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want storage failure", err)
	}
	if _, ok := AsRevisionConflict(err); ok {
		t.Fatalf("storage failure misclassified as revision conflict: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveRunLostRaceReturnsConflict(t *testing.T) {
	s, mock := mockStore(t)

	// The read sees revision 1, but the guarded UPDATE affects no rows
	// because a racing writer bumped the revision in between.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT revision FROM runs`).
		WithArgs("run_raced").
		WillReturnRows(sqlmock.NewRows([]string{"revision"}).AddRow(1))
	mock.ExpectExec(`UPDATE runs`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.SaveRun(context.Background(), testRun("run_raced"), 1)
	rc, ok := AsRevisionConflict(err)
	if !ok {
		t.Fatalf("err = %v, want RevisionConflictError", err)
	}
	if rc.Expected != 1 || rc.Current != 1 {
		t.Fatalf("conflict revisions = %+v", rc)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetRunDecodeFailure(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectQuery(`SELECT payload FROM runs`).
		WithArgs("run_garbled").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow("{not json"))

	if _, err := s.GetRun(context.Background(), "run_garbled"); err == nil {
		t.Fatal("garbled payload decoded without error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
