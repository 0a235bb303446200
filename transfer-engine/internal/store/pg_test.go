package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGTryLock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO execution_locks").
		WithArgs("p1", "run-1", int64(60000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO execution_locks").
		WithArgs("p1", "run-2", int64(60000)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.TryLock(context.Background(), "p1", "run-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock acquired, got %v %v", ok, err)
	}
	ok, err = s.TryLock(context.Background(), "p1", "run-2", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected lock held, got %v %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGCommitAllocations(t *testing.T) {
	s, mock := newMockStore(t)
	runID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE outlet_stock SET quantity = quantity -").
		WithArgs(5, "warehouse", "sku-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outlet_stock").
		WithArgs("o1", "sku-1", 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO stock_movements").
		WithArgs(sqlmock.AnyArg(), runID, "sku-1", "warehouse", "o1", 5).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now().UTC()))
	mock.ExpectCommit()

	movements, err := s.CommitAllocations(context.Background(), CommitInput{
		RunID:     runID,
		Transfers: []Transfer{{ProductID: "sku-1", FromOutletID: "warehouse", ToOutletID: "o1", Units: 5}},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(movements) != 1 || movements[0].Units != 5 {
		t.Fatalf("unexpected movements %+v", movements)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGCommitAllocationsRollsBackOnShortStock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE outlet_stock SET quantity = quantity -").
		WithArgs(50, "warehouse", "sku-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.CommitAllocations(context.Background(), CommitInput{
		RunID:     uuid.New(),
		Transfers: []Transfer{{ProductID: "sku-1", FromOutletID: "warehouse", ToOutletID: "o1", Units: 50}},
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGSaveExecutionTerminal(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO executions").WillReturnResult(sqlmock.NewResult(0, 0))

	rec := models.ExecutionRecord{RunID: uuid.New(), PolicyID: "p1", Status: models.StatusFailed, CreatedAt: time.Now()}
	if err := s.SaveExecution(context.Background(), rec); !errors.Is(err, ErrTerminalRecord) {
		t.Fatalf("expected ErrTerminalRecord, got %v", err)
	}
}

func TestPGSaveExecutionUnknownPolicy(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO executions").WillReturnError(&pq.Error{Code: "23503"})

	rec := models.ExecutionRecord{RunID: uuid.New(), PolicyID: "nope", Status: models.StatusPending, CreatedAt: time.Now()}
	if err := s.SaveExecution(context.Background(), rec); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGGetPolicyNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM policies WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.GetPolicy(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGKillSwitchDefaultsInactive(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT active, reason, updated_by, updated_at FROM safety_flags").
		WithArgs("kill_switch").
		WillReturnRows(sqlmock.NewRows([]string{"active", "reason", "updated_by", "updated_at"}))

	st, err := s.GetKillSwitch(context.Background())
	if err != nil {
		t.Fatalf("get kill switch: %v", err)
	}
	if st.Active {
		t.Fatalf("expected inactive kill switch")
	}
}

func TestPGFetchPendingExecutionsEmpty(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("SET stream_status = 'failed'").
		WithArgs(StreamClaimTimeout.Seconds(), MaxStreamAttempts).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(10, StreamClaimTimeout.Seconds()).
		WillReturnRows(sqlmock.NewRows([]string{"run_id"}))
	mock.ExpectCommit()

	recs, err := s.FetchPendingExecutions(context.Background(), 10)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records, got %d", len(recs))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGFetchPendingExecutionsHonoursBackoffAndStaleClaims(t *testing.T) {
	s, mock := newMockStore(t)
	runID := uuid.New()
	done := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	cols := []string{"run_id", "policy_id", "status", "simulation_mode", "products_processed", "outlets_updated",
		"units_requested", "units_allocated", "units_unallocated", "execution_duration_seconds", "error_kind", "error_message",
		"gate_decision", "review_required", "warnings", "allocations", "requested_by", "created_at", "completed_at"}

	mock.ExpectBegin()
	mock.ExpectExec("stream_status = 'in_progress'\\s+AND stream_claimed_at < now\\(\\) - make_interval").
		WithArgs(sqlmock.AnyArg(), MaxStreamAttempts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("stream_next_attempt_at IS NULL OR stream_next_attempt_at <= now\\(\\)(.|\\s)+stream_status = 'in_progress'\\s+AND stream_claimed_at < now\\(\\)").
		WithArgs(5, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			runID.String(), "balanced", "completed", false, 1, 3, 100, 100, 0, 0.2, "", nil,
			[]byte("{}"), false, "{}", []byte("[]"), "ops", done.Add(-time.Second), done,
		))
	mock.ExpectExec("SET stream_status = 'in_progress', stream_attempts = stream_attempts \\+ 1, stream_claimed_at = now\\(\\)").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	recs, err := s.FetchPendingExecutions(context.Background(), 5)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(recs) != 1 || recs[0].RunID != runID {
		t.Fatalf("unexpected claim %+v", recs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGMarkStreamResult(t *testing.T) {
	s, mock := newMockStore(t)
	runID := uuid.New()

	mock.ExpectExec("UPDATE\\s+executions\\s+SET stream_status = 'done'").
		WithArgs(sqlmock.AnyArg(), runID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE\\s+executions\\s+SET stream_status = CASE(.|\\s)+stream_next_attempt_at = now\\(\\) \\+ make_interval").
		WithArgs(sqlmock.AnyArg(), runID, StreamRetryBackoff.Seconds()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	key := sql.NullString{String: "executions/2026/03/04/x.json", Valid: true}
	if err := s.MarkStreamResult(context.Background(), runID, key, true, sql.NullString{}); err != nil {
		t.Fatalf("mark success: %v", err)
	}
	errMsg := sql.NullString{String: "kafka down", Valid: true}
	if err := s.MarkStreamResult(context.Background(), runID, sql.NullString{}, false, errMsg); err != nil {
		t.Fatalf("mark failure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
