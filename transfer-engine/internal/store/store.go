package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("already exists")
	ErrInsufficientStock = errors.New("insufficient stock at source")
	ErrTerminalRecord    = errors.New("execution record already finalized")
)

const killSwitchFlag = "kill_switch"

// Locker guards a policy against concurrent runs. TryLock never blocks.
type Locker interface {
	TryLock(ctx context.Context, policyID, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, policyID, owner string) error
}

type Store interface {
	Locker

	CreatePolicy(ctx context.Context, p models.Policy) (models.Policy, error)
	UpdatePolicy(ctx context.Context, p models.Policy) (models.Policy, error)
	UpsertPresetPolicy(ctx context.Context, p models.Policy) error
	GetPolicy(ctx context.Context, id string) (models.Policy, error)
	ListPolicies(ctx context.Context) ([]models.Policy, error)

	// SaveExecution inserts the record or updates it in place. Finalized
	// records are immutable and return ErrTerminalRecord.
	SaveExecution(ctx context.Context, rec models.ExecutionRecord) error
	GetExecution(ctx context.Context, runID uuid.UUID) (models.ExecutionRecord, error)
	RecentExecutions(ctx context.Context, limit int) ([]models.ExecutionRecord, error)

	GetStock(ctx context.Context, outletID, productID string) (models.StockLevel, error)
	SetStock(ctx context.Context, level models.StockLevel) error
	// CommitAllocations applies every transfer in one transaction or none.
	CommitAllocations(ctx context.Context, in CommitInput) ([]models.StockMovement, error)
	ListMovements(ctx context.Context, runID uuid.UUID) ([]models.StockMovement, error)

	GetKillSwitch(ctx context.Context) (models.KillSwitchState, error)
	SetKillSwitch(ctx context.Context, state models.KillSwitchState) error

	Ping(ctx context.Context) error
}

type Transfer struct {
	ProductID    string
	FromOutletID string
	ToOutletID   string
	Units        int
}

type CommitInput struct {
	RunID     uuid.UUID
	Transfers []Transfer
}

const DefaultRecentLimit = 20

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func marshalAllocations(results []models.AllocationResult) ([]byte, error) {
	if results == nil {
		results = []models.AllocationResult{}
	}
	return json.Marshal(results)
}

func ensureJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func streamStatusFor(status models.ExecutionStatus) string {
	if status.Terminal() {
		return "pending"
	}
	return "none"
}

//go:embed schema_pg.sql
var pgSchema string

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const policyColumns = `id, name, description, method, power_factor, min_allocation_pct, max_allocation_pct,
	rounding_method, safety_checks_enabled, logging_enabled, is_active, is_preset,
	created_by, created_at, updated_by, updated_at`

func scanPolicy(row rowScanner) (models.Policy, error) {
	var p models.Policy
	var method, rounding int
	err := row.Scan(&p.ID, &p.Name, &p.Description, &method, &p.PowerFactor, &p.MinAllocationPct, &p.MaxAllocationPct,
		&rounding, &p.SafetyChecksEnabled, &p.LoggingEnabled, &p.IsActive, &p.IsPreset,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedBy, &p.UpdatedAt)
	if err != nil {
		return models.Policy{}, err
	}
	p.Method = models.AllocationMethod(method)
	p.RoundingMethod = models.RoundingMethod(rounding)
	return p, nil
}

func (s *PGStore) CreatePolicy(ctx context.Context, p models.Policy) (models.Policy, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	query := `
		INSERT INTO policies (id, name, description, method, power_factor, min_allocation_pct, max_allocation_pct,
			rounding_method, safety_checks_enabled, logging_enabled, is_active, is_preset, created_by, updated_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
		RETURNING ` + policyColumns
	row := s.db.QueryRowContext(ctx, query, p.ID, p.Name, p.Description, int(p.Method), p.PowerFactor,
		p.MinAllocationPct, p.MaxAllocationPct, int(p.RoundingMethod), p.SafetyChecksEnabled, p.LoggingEnabled,
		p.IsActive, p.IsPreset, p.CreatedBy)
	created, err := scanPolicy(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return models.Policy{}, ErrConflict
		}
		return models.Policy{}, fmt.Errorf("insert policy: %w", err)
	}
	return created, nil
}

func (s *PGStore) UpdatePolicy(ctx context.Context, p models.Policy) (models.Policy, error) {
	query := `
		UPDATE policies SET name=$2, description=$3, method=$4, power_factor=$5, min_allocation_pct=$6,
			max_allocation_pct=$7, rounding_method=$8, safety_checks_enabled=$9, logging_enabled=$10,
			is_active=$11, updated_by=$12, updated_at=now()
		WHERE id=$1
		RETURNING ` + policyColumns
	row := s.db.QueryRowContext(ctx, query, p.ID, p.Name, p.Description, int(p.Method), p.PowerFactor,
		p.MinAllocationPct, p.MaxAllocationPct, int(p.RoundingMethod), p.SafetyChecksEnabled, p.LoggingEnabled,
		p.IsActive, p.UpdatedBy)
	updated, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Policy{}, ErrNotFound
		}
		return models.Policy{}, fmt.Errorf("update policy: %w", err)
	}
	return updated, nil
}

func (s *PGStore) UpsertPresetPolicy(ctx context.Context, p models.Policy) error {
	query := `
		INSERT INTO policies (id, name, description, method, power_factor, min_allocation_pct, max_allocation_pct,
			rounding_method, safety_checks_enabled, logging_enabled, is_active, is_preset, created_by, updated_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,TRUE,$12,$12)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, description=EXCLUDED.description,
			method=EXCLUDED.method, power_factor=EXCLUDED.power_factor,
			min_allocation_pct=EXCLUDED.min_allocation_pct, max_allocation_pct=EXCLUDED.max_allocation_pct,
			rounding_method=EXCLUDED.rounding_method, updated_by=EXCLUDED.updated_by, updated_at=now()
		WHERE policies.is_preset
	`
	_, err := s.db.ExecContext(ctx, query, p.ID, p.Name, p.Description, int(p.Method), p.PowerFactor,
		p.MinAllocationPct, p.MaxAllocationPct, int(p.RoundingMethod), p.SafetyChecksEnabled, p.LoggingEnabled,
		p.IsActive, p.CreatedBy)
	if err != nil {
		return fmt.Errorf("upsert preset policy: %w", err)
	}
	return nil
}

func (s *PGStore) GetPolicy(ctx context.Context, id string) (models.Policy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id=$1`, id)
	p, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Policy{}, ErrNotFound
		}
		return models.Policy{}, fmt.Errorf("get policy: %w", err)
	}
	return p, nil
}

func (s *PGStore) ListPolicies(ctx context.Context) ([]models.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY is_preset DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()
	var out []models.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const executionColumns = `run_id, policy_id, status, simulation_mode, products_processed, outlets_updated,
	units_requested, units_allocated, units_unallocated, execution_duration_seconds, error_kind, error_message,
	gate_decision, review_required, warnings, allocations, requested_by, created_at, completed_at`

func scanExecution(row rowScanner) (models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	var status, errorKind string
	var errMsg sql.NullString
	var completed sql.NullTime
	var gateDecision, allocations []byte
	var warnings []string
	err := row.Scan(&rec.RunID, &rec.PolicyID, &status, &rec.SimulationMode, &rec.ProductsProcessed, &rec.OutletsUpdated,
		&rec.UnitsRequested, &rec.UnitsAllocated, &rec.UnitsUnallocated, &rec.ExecutionDurationSeconds, &errorKind, &errMsg,
		&gateDecision, &rec.ReviewRequired, pq.Array(&warnings), &allocations, &rec.RequestedBy, &rec.CreatedAt, &completed)
	if err != nil {
		return models.ExecutionRecord{}, err
	}
	rec.Status = models.ExecutionStatus(status)
	rec.ErrorKind = models.ErrorKind(errorKind)
	if errMsg.Valid {
		msg := errMsg.String
		rec.ErrorMessage = &msg
	}
	if completed.Valid {
		ts := completed.Time
		rec.CompletedAt = &ts
	}
	if len(warnings) > 0 {
		rec.Warnings = warnings
	}
	if len(gateDecision) > 0 && string(gateDecision) != "{}" {
		rec.GateDecision = append(json.RawMessage(nil), gateDecision...)
	}
	if len(allocations) > 0 {
		if err := json.Unmarshal(allocations, &rec.Allocations); err != nil {
			return models.ExecutionRecord{}, fmt.Errorf("decode allocations: %w", err)
		}
		if len(rec.Allocations) == 0 {
			rec.Allocations = nil
		}
	}
	return rec, nil
}

func (s *PGStore) SaveExecution(ctx context.Context, rec models.ExecutionRecord) error {
	allocations, err := marshalAllocations(rec.Allocations)
	if err != nil {
		return fmt.Errorf("encode allocations: %w", err)
	}
	warnings := rec.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	query := `
		INSERT INTO executions (run_id, policy_id, status, simulation_mode, products_processed, outlets_updated,
			units_requested, units_allocated, units_unallocated, execution_duration_seconds, error_kind, error_message,
			gate_decision, review_required, warnings, allocations, requested_by, created_at, completed_at, stream_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (run_id) DO UPDATE SET status=EXCLUDED.status,
			products_processed=EXCLUDED.products_processed, outlets_updated=EXCLUDED.outlets_updated,
			units_requested=EXCLUDED.units_requested, units_allocated=EXCLUDED.units_allocated,
			units_unallocated=EXCLUDED.units_unallocated,
			execution_duration_seconds=EXCLUDED.execution_duration_seconds, error_kind=EXCLUDED.error_kind,
			error_message=EXCLUDED.error_message, gate_decision=EXCLUDED.gate_decision,
			review_required=EXCLUDED.review_required, warnings=EXCLUDED.warnings,
			allocations=EXCLUDED.allocations, completed_at=EXCLUDED.completed_at,
			stream_status=EXCLUDED.stream_status
		WHERE executions.status NOT IN ('completed', 'failed')
	`
	res, err := s.db.ExecContext(ctx, query, rec.RunID, rec.PolicyID, string(rec.Status), rec.SimulationMode,
		rec.ProductsProcessed, rec.OutletsUpdated, rec.UnitsRequested, rec.UnitsAllocated, rec.UnitsUnallocated,
		rec.ExecutionDurationSeconds, string(rec.ErrorKind), rec.ErrorMessage, ensureJSON(rec.GateDecision),
		rec.ReviewRequired, pq.Array(warnings), allocations, rec.RequestedBy, rec.CreatedAt, rec.CompletedAt,
		streamStatusFor(rec.Status))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("save execution: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrTerminalRecord
	}
	return nil
}

func (s *PGStore) GetExecution(ctx context.Context, runID uuid.UUID) (models.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE run_id=$1`, runID)
	rec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ExecutionRecord{}, ErrNotFound
		}
		return models.ExecutionRecord{}, fmt.Errorf("get execution: %w", err)
	}
	return rec, nil
}

func (s *PGStore) RecentExecutions(ctx context.Context, limit int) ([]models.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions ORDER BY created_at DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("recent executions: %w", err)
	}
	defer rows.Close()
	var out []models.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PGStore) TryLock(ctx context.Context, policyID, owner string, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO execution_locks (policy_id, owner, acquired_at, expires_at)
		VALUES ($1, $2, now(), now() + $3 * interval '1 millisecond')
		ON CONFLICT (policy_id) DO UPDATE SET owner=EXCLUDED.owner,
			acquired_at=EXCLUDED.acquired_at, expires_at=EXCLUDED.expires_at
		WHERE execution_locks.expires_at < now()
	`
	res, err := s.db.ExecContext(ctx, query, policyID, owner, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

func (s *PGStore) Unlock(ctx context.Context, policyID, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM execution_locks WHERE policy_id=$1 AND owner=$2`, policyID, owner); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (s *PGStore) GetStock(ctx context.Context, outletID, productID string) (models.StockLevel, error) {
	level := models.StockLevel{OutletID: outletID, ProductID: productID}
	err := s.db.QueryRowContext(ctx, `SELECT quantity, updated_at FROM outlet_stock WHERE outlet_id=$1 AND product_id=$2`,
		outletID, productID).Scan(&level.Quantity, &level.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.StockLevel{}, ErrNotFound
		}
		return models.StockLevel{}, fmt.Errorf("get stock: %w", err)
	}
	return level, nil
}

func (s *PGStore) SetStock(ctx context.Context, level models.StockLevel) error {
	query := `
		INSERT INTO outlet_stock (outlet_id, product_id, quantity, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (outlet_id, product_id) DO UPDATE SET quantity=EXCLUDED.quantity, updated_at=now()
	`
	if _, err := s.db.ExecContext(ctx, query, level.OutletID, level.ProductID, level.Quantity); err != nil {
		return fmt.Errorf("set stock: %w", err)
	}
	return nil
}

func (s *PGStore) CommitAllocations(ctx context.Context, in CommitInput) ([]models.StockMovement, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	movements := make([]models.StockMovement, 0, len(in.Transfers))
	for _, t := range in.Transfers {
		if t.Units <= 0 {
			continue
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE outlet_stock SET quantity = quantity - $1, updated_at = now()
			WHERE outlet_id=$2 AND product_id=$3 AND quantity >= $1
		`, t.Units, t.FromOutletID, t.ProductID)
		if err != nil {
			return nil, fmt.Errorf("decrement %s/%s: %w", t.FromOutletID, t.ProductID, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return nil, fmt.Errorf("%w: %d units of %s at %s", ErrInsufficientStock, t.Units, t.ProductID, t.FromOutletID)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outlet_stock (outlet_id, product_id, quantity, updated_at)
			VALUES ($1,$2,$3,now())
			ON CONFLICT (outlet_id, product_id) DO UPDATE SET quantity = outlet_stock.quantity + EXCLUDED.quantity, updated_at = now()
		`, t.ToOutletID, t.ProductID, t.Units); err != nil {
			return nil, fmt.Errorf("increment %s/%s: %w", t.ToOutletID, t.ProductID, err)
		}
		m := models.StockMovement{
			ID:           uuid.New(),
			RunID:        in.RunID,
			ProductID:    t.ProductID,
			FromOutletID: t.FromOutletID,
			ToOutletID:   t.ToOutletID,
			Units:        t.Units,
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO stock_movements (id, run_id, product_id, from_outlet_id, to_outlet_id, units)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING created_at
		`, m.ID, m.RunID, m.ProductID, m.FromOutletID, m.ToOutletID, m.Units).Scan(&m.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert movement: %w", err)
		}
		movements = append(movements, m)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit allocations: %w", err)
	}
	return movements, nil
}

func (s *PGStore) ListMovements(ctx context.Context, runID uuid.UUID) ([]models.StockMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, product_id, from_outlet_id, to_outlet_id, units, created_at
		FROM stock_movements WHERE run_id=$1 ORDER BY product_id, to_outlet_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	defer rows.Close()
	var out []models.StockMovement
	for rows.Next() {
		var m models.StockMovement
		if err := rows.Scan(&m.ID, &m.RunID, &m.ProductID, &m.FromOutletID, &m.ToOutletID, &m.Units, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGStore) GetKillSwitch(ctx context.Context) (models.KillSwitchState, error) {
	var st models.KillSwitchState
	err := s.db.QueryRowContext(ctx, `SELECT active, reason, updated_by, updated_at FROM safety_flags WHERE name=$1`, killSwitchFlag).
		Scan(&st.Active, &st.Reason, &st.UpdatedBy, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.KillSwitchState{}, nil
		}
		return models.KillSwitchState{}, fmt.Errorf("get kill switch: %w", err)
	}
	return st, nil
}

func (s *PGStore) SetKillSwitch(ctx context.Context, st models.KillSwitchState) error {
	query := `
		INSERT INTO safety_flags (name, active, reason, updated_by, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (name) DO UPDATE SET active=EXCLUDED.active, reason=EXCLUDED.reason,
			updated_by=EXCLUDED.updated_by, updated_at=EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, killSwitchFlag, st.Active, st.Reason, st.UpdatedBy, st.UpdatedAt); err != nil {
		return fmt.Errorf("set kill switch: %w", err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
