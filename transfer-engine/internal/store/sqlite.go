package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLiteStore is the single-node store used when no Postgres is available.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens the database file at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; transactions serialise on this connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}

func scanSQLitePolicy(row rowScanner) (models.Policy, error) {
	var p models.Policy
	var method, rounding int
	var createdAt, updatedAt int64
	err := row.Scan(&p.ID, &p.Name, &p.Description, &method, &p.PowerFactor, &p.MinAllocationPct, &p.MaxAllocationPct,
		&rounding, &p.SafetyChecksEnabled, &p.LoggingEnabled, &p.IsActive, &p.IsPreset,
		&p.CreatedBy, &createdAt, &p.UpdatedBy, &updatedAt)
	if err != nil {
		return models.Policy{}, err
	}
	p.Method = models.AllocationMethod(method)
	p.RoundingMethod = models.RoundingMethod(rounding)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return p, nil
}

func (s *SQLiteStore) CreatePolicy(ctx context.Context, p models.Policy) (models.Policy, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policies (id, name, description, method, power_factor, min_allocation_pct, max_allocation_pct,
			rounding_method, safety_checks_enabled, logging_enabled, is_active, is_preset, created_by, created_at,
			updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, int(p.Method), p.PowerFactor, p.MinAllocationPct, p.MaxAllocationPct,
		int(p.RoundingMethod), p.SafetyChecksEnabled, p.LoggingEnabled, p.IsActive, p.IsPreset, p.CreatedBy,
		toMillis(now), p.CreatedBy, toMillis(now))
	if err != nil {
		if isUniqueViolation(err) {
			return models.Policy{}, ErrConflict
		}
		return models.Policy{}, fmt.Errorf("insert policy: %w", err)
	}
	return s.GetPolicy(ctx, p.ID)
}

func (s *SQLiteStore) UpdatePolicy(ctx context.Context, p models.Policy) (models.Policy, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE policies SET name = ?, description = ?, method = ?, power_factor = ?, min_allocation_pct = ?,
			max_allocation_pct = ?, rounding_method = ?, safety_checks_enabled = ?, logging_enabled = ?,
			is_active = ?, updated_by = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.Description, int(p.Method), p.PowerFactor, p.MinAllocationPct, p.MaxAllocationPct,
		int(p.RoundingMethod), p.SafetyChecksEnabled, p.LoggingEnabled, p.IsActive, p.UpdatedBy,
		toMillis(s.now()), p.ID)
	if err != nil {
		return models.Policy{}, fmt.Errorf("update policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Policy{}, ErrNotFound
	}
	return s.GetPolicy(ctx, p.ID)
}

func (s *SQLiteStore) UpsertPresetPolicy(ctx context.Context, p models.Policy) error {
	now := toMillis(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policies (id, name, description, method, power_factor, min_allocation_pct, max_allocation_pct,
			rounding_method, safety_checks_enabled, logging_enabled, is_active, is_preset, created_by, created_at,
			updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, description = excluded.description,
			method = excluded.method, power_factor = excluded.power_factor,
			min_allocation_pct = excluded.min_allocation_pct, max_allocation_pct = excluded.max_allocation_pct,
			rounding_method = excluded.rounding_method, updated_by = excluded.updated_by,
			updated_at = excluded.updated_at
		WHERE policies.is_preset = 1`,
		p.ID, p.Name, p.Description, int(p.Method), p.PowerFactor, p.MinAllocationPct, p.MaxAllocationPct,
		int(p.RoundingMethod), p.SafetyChecksEnabled, p.LoggingEnabled, p.IsActive, p.CreatedBy, now,
		p.CreatedBy, now)
	if err != nil {
		return fmt.Errorf("upsert preset policy: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPolicy(ctx context.Context, id string) (models.Policy, error) {
	p, err := scanSQLitePolicy(s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Policy{}, ErrNotFound
		}
		return models.Policy{}, fmt.Errorf("get policy: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListPolicies(ctx context.Context) ([]models.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY is_preset DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()
	var out []models.Policy
	for rows.Next() {
		p, err := scanSQLitePolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanSQLiteExecution(row rowScanner) (models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	var runID, status, errorKind, gateDecision, warnings, allocations string
	var errMsg sql.NullString
	var createdAt int64
	var completedAt sql.NullInt64
	err := row.Scan(&runID, &rec.PolicyID, &status, &rec.SimulationMode, &rec.ProductsProcessed, &rec.OutletsUpdated,
		&rec.UnitsRequested, &rec.UnitsAllocated, &rec.UnitsUnallocated, &rec.ExecutionDurationSeconds, &errorKind, &errMsg,
		&gateDecision, &rec.ReviewRequired, &warnings, &allocations, &rec.RequestedBy, &createdAt, &completedAt)
	if err != nil {
		return models.ExecutionRecord{}, err
	}
	if rec.RunID, err = uuid.Parse(runID); err != nil {
		return models.ExecutionRecord{}, fmt.Errorf("parse run id: %w", err)
	}
	rec.Status = models.ExecutionStatus(status)
	rec.ErrorKind = models.ErrorKind(errorKind)
	if errMsg.Valid {
		msg := errMsg.String
		rec.ErrorMessage = &msg
	}
	rec.CreatedAt = fromMillis(createdAt)
	if completedAt.Valid {
		ts := fromMillis(completedAt.Int64)
		rec.CompletedAt = &ts
	}
	if gateDecision != "" && gateDecision != "{}" {
		rec.GateDecision = json.RawMessage(gateDecision)
	}
	if err := json.Unmarshal([]byte(warnings), &rec.Warnings); err != nil {
		return models.ExecutionRecord{}, fmt.Errorf("decode warnings: %w", err)
	}
	if len(rec.Warnings) == 0 {
		rec.Warnings = nil
	}
	if err := json.Unmarshal([]byte(allocations), &rec.Allocations); err != nil {
		return models.ExecutionRecord{}, fmt.Errorf("decode allocations: %w", err)
	}
	if len(rec.Allocations) == 0 {
		rec.Allocations = nil
	}
	return rec, nil
}

func (s *SQLiteStore) SaveExecution(ctx context.Context, rec models.ExecutionRecord) error {
	allocations, err := marshalAllocations(rec.Allocations)
	if err != nil {
		return fmt.Errorf("encode allocations: %w", err)
	}
	warnings := rec.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}
	var completedAt sql.NullInt64
	if rec.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: toMillis(*rec.CompletedAt), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (run_id, policy_id, status, simulation_mode, products_processed, outlets_updated,
			units_requested, units_allocated, units_unallocated, execution_duration_seconds, error_kind, error_message,
			gate_decision, review_required, warnings, allocations, requested_by, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET status = excluded.status,
			products_processed = excluded.products_processed, outlets_updated = excluded.outlets_updated,
			units_requested = excluded.units_requested, units_allocated = excluded.units_allocated,
			units_unallocated = excluded.units_unallocated,
			execution_duration_seconds = excluded.execution_duration_seconds, error_kind = excluded.error_kind,
			error_message = excluded.error_message, gate_decision = excluded.gate_decision,
			review_required = excluded.review_required, warnings = excluded.warnings,
			allocations = excluded.allocations, completed_at = excluded.completed_at
		WHERE executions.status NOT IN ('completed', 'failed')`,
		rec.RunID.String(), rec.PolicyID, string(rec.Status), rec.SimulationMode, rec.ProductsProcessed,
		rec.OutletsUpdated, rec.UnitsRequested, rec.UnitsAllocated, rec.UnitsUnallocated,
		rec.ExecutionDurationSeconds, string(rec.ErrorKind), rec.ErrorMessage, string(ensureJSON(rec.GateDecision)),
		rec.ReviewRequired, string(warningsJSON), string(allocations), rec.RequestedBy, toMillis(rec.CreatedAt),
		completedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("save execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTerminalRecord
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, runID uuid.UUID) (models.ExecutionRecord, error) {
	rec, err := scanSQLiteExecution(s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE run_id = ?`, runID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ExecutionRecord{}, ErrNotFound
		}
		return models.ExecutionRecord{}, fmt.Errorf("get execution: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) RecentExecutions(ctx context.Context, limit int) ([]models.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions ORDER BY created_at DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("recent executions: %w", err)
	}
	defer rows.Close()
	var out []models.ExecutionRecord
	for rows.Next() {
		rec, err := scanSQLiteExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TryLock(ctx context.Context, policyID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_locks (policy_id, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (policy_id) DO UPDATE SET owner = excluded.owner,
			acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
		WHERE execution_locks.expires_at < ?`,
		policyID, owner, toMillis(now), toMillis(now.Add(ttl)), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) Unlock(ctx context.Context, policyID, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM execution_locks WHERE policy_id = ? AND owner = ?`, policyID, owner); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetStock(ctx context.Context, outletID, productID string) (models.StockLevel, error) {
	level := models.StockLevel{OutletID: outletID, ProductID: productID}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT quantity, updated_at FROM outlet_stock WHERE outlet_id = ? AND product_id = ?`,
		outletID, productID).Scan(&level.Quantity, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.StockLevel{}, ErrNotFound
		}
		return models.StockLevel{}, fmt.Errorf("get stock: %w", err)
	}
	level.UpdatedAt = fromMillis(updatedAt)
	return level, nil
}

func (s *SQLiteStore) SetStock(ctx context.Context, level models.StockLevel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outlet_stock (outlet_id, product_id, quantity, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (outlet_id, product_id) DO UPDATE SET quantity = excluded.quantity, updated_at = excluded.updated_at`,
		level.OutletID, level.ProductID, level.Quantity, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("set stock: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CommitAllocations(ctx context.Context, in CommitInput) ([]models.StockMovement, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	movements := make([]models.StockMovement, 0, len(in.Transfers))
	for _, t := range in.Transfers {
		if t.Units <= 0 {
			continue
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE outlet_stock SET quantity = quantity - ?, updated_at = ?
			WHERE outlet_id = ? AND product_id = ? AND quantity >= ?`,
			t.Units, toMillis(now), t.FromOutletID, t.ProductID, t.Units)
		if err != nil {
			return nil, fmt.Errorf("decrement %s/%s: %w", t.FromOutletID, t.ProductID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("%w: %d units of %s at %s", ErrInsufficientStock, t.Units, t.ProductID, t.FromOutletID)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outlet_stock (outlet_id, product_id, quantity, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (outlet_id, product_id) DO UPDATE SET quantity = outlet_stock.quantity + excluded.quantity,
				updated_at = excluded.updated_at`,
			t.ToOutletID, t.ProductID, t.Units, toMillis(now)); err != nil {
			return nil, fmt.Errorf("increment %s/%s: %w", t.ToOutletID, t.ProductID, err)
		}
		m := models.StockMovement{
			ID:           uuid.New(),
			RunID:        in.RunID,
			ProductID:    t.ProductID,
			FromOutletID: t.FromOutletID,
			ToOutletID:   t.ToOutletID,
			Units:        t.Units,
			CreatedAt:    fromMillis(toMillis(now)),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stock_movements (id, run_id, product_id, from_outlet_id, to_outlet_id, units, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID.String(), m.RunID.String(), m.ProductID, m.FromOutletID, m.ToOutletID, m.Units, toMillis(now)); err != nil {
			return nil, fmt.Errorf("insert movement: %w", err)
		}
		movements = append(movements, m)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit allocations: %w", err)
	}
	return movements, nil
}

func (s *SQLiteStore) ListMovements(ctx context.Context, runID uuid.UUID) ([]models.StockMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, product_id, from_outlet_id, to_outlet_id, units, created_at
		FROM stock_movements WHERE run_id = ? ORDER BY product_id, to_outlet_id`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	defer rows.Close()
	var out []models.StockMovement
	for rows.Next() {
		var m models.StockMovement
		var id, run string
		var createdAt int64
		if err := rows.Scan(&id, &run, &m.ProductID, &m.FromOutletID, &m.ToOutletID, &m.Units, &createdAt); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse movement id: %w", err)
		}
		if m.RunID, err = uuid.Parse(run); err != nil {
			return nil, fmt.Errorf("parse movement run id: %w", err)
		}
		m.CreatedAt = fromMillis(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetKillSwitch(ctx context.Context) (models.KillSwitchState, error) {
	var st models.KillSwitchState
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT active, reason, updated_by, updated_at FROM safety_flags WHERE name = ?`, killSwitchFlag).
		Scan(&st.Active, &st.Reason, &st.UpdatedBy, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.KillSwitchState{}, nil
		}
		return models.KillSwitchState{}, fmt.Errorf("get kill switch: %w", err)
	}
	st.UpdatedAt = fromMillis(updatedAt)
	return st, nil
}

func (s *SQLiteStore) SetKillSwitch(ctx context.Context, st models.KillSwitchState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO safety_flags (name, active, reason, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET active = excluded.active, reason = excluded.reason,
			updated_by = excluded.updated_by, updated_at = excluded.updated_at`,
		killSwitchFlag, st.Active, st.Reason, st.UpdatedBy, toMillis(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("set kill switch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
