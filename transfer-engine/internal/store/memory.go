package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
)

type memLock struct {
	owner   string
	expires time.Time
}

type stockKey struct {
	outlet  string
	product string
}

// MemoryStore keeps everything in process memory. Used for tests and local
// runs without a database.
type MemoryStore struct {
	mu         sync.RWMutex
	policies   map[string]models.Policy
	executions map[uuid.UUID]models.ExecutionRecord
	locks      map[string]memLock
	stock      map[stockKey]models.StockLevel
	movements  []models.StockMovement
	killSwitch models.KillSwitchState
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies:   make(map[string]models.Policy),
		executions: make(map[uuid.UUID]models.ExecutionRecord),
		locks:      make(map[string]memLock),
		stock:      make(map[stockKey]models.StockLevel),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreatePolicy(ctx context.Context, p models.Policy) (models.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, ok := m.policies[p.ID]; ok {
		return models.Policy{}, ErrConflict
	}
	now := m.now()
	p.CreatedAt, p.UpdatedAt = now, now
	p.UpdatedBy = p.CreatedBy
	m.policies[p.ID] = p
	return p, nil
}

func (m *MemoryStore) UpdatePolicy(ctx context.Context, p models.Policy) (models.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.policies[p.ID]
	if !ok {
		return models.Policy{}, ErrNotFound
	}
	p.CreatedAt = existing.CreatedAt
	p.CreatedBy = existing.CreatedBy
	p.IsPreset = existing.IsPreset
	p.UpdatedAt = m.now()
	m.policies[p.ID] = p
	return p, nil
}

func (m *MemoryStore) UpsertPresetPolicy(ctx context.Context, p models.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if existing, ok := m.policies[p.ID]; ok {
		if !existing.IsPreset {
			return nil
		}
		p.CreatedAt = existing.CreatedAt
		p.IsActive = existing.IsActive
	} else {
		p.CreatedAt = now
	}
	p.IsPreset = true
	p.UpdatedAt = now
	p.UpdatedBy = p.CreatedBy
	m.policies[p.ID] = p
	return nil
}

func (m *MemoryStore) GetPolicy(ctx context.Context, id string) (models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return models.Policy{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) ListPolicies(ctx context.Context) ([]models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsPreset != out[j].IsPreset {
			return out[i].IsPreset
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStore) SaveExecution(ctx context.Context, rec models.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[rec.PolicyID]; !ok {
		return ErrNotFound
	}
	if existing, ok := m.executions[rec.RunID]; ok && existing.Status.Terminal() {
		return ErrTerminalRecord
	}
	m.executions[rec.RunID] = rec
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, runID uuid.UUID) (models.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.executions[runID]
	if !ok {
		return models.ExecutionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) RecentExecutions(ctx context.Context, limit int) ([]models.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ExecutionRecord, 0, len(m.executions))
	for _, rec := range m.executions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) TryLock(ctx context.Context, policyID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.locks[policyID]; ok && now.Before(l.expires) {
		return false, nil
	}
	m.locks[policyID] = memLock{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) Unlock(ctx context.Context, policyID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[policyID]; ok && l.owner == owner {
		delete(m.locks, policyID)
	}
	return nil
}

func (m *MemoryStore) GetStock(ctx context.Context, outletID, productID string) (models.StockLevel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	level, ok := m.stock[stockKey{outletID, productID}]
	if !ok {
		return models.StockLevel{}, ErrNotFound
	}
	return level, nil
}

func (m *MemoryStore) SetStock(ctx context.Context, level models.StockLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	level.UpdatedAt = m.now()
	m.stock[stockKey{level.OutletID, level.ProductID}] = level
	return nil
}

func (m *MemoryStore) CommitAllocations(ctx context.Context, in CommitInput) ([]models.StockMovement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Work on a copy so a failed transfer leaves stock untouched.
	staged := make(map[stockKey]int)
	quantity := func(k stockKey) int {
		if q, ok := staged[k]; ok {
			return q
		}
		return m.stock[k].Quantity
	}
	now := m.now()
	var movements []models.StockMovement
	for _, t := range in.Transfers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if t.Units <= 0 {
			continue
		}
		from := stockKey{t.FromOutletID, t.ProductID}
		if quantity(from) < t.Units {
			return nil, ErrInsufficientStock
		}
		to := stockKey{t.ToOutletID, t.ProductID}
		staged[from] = quantity(from) - t.Units
		staged[to] = quantity(to) + t.Units
		movements = append(movements, models.StockMovement{
			ID:           uuid.New(),
			RunID:        in.RunID,
			ProductID:    t.ProductID,
			FromOutletID: t.FromOutletID,
			ToOutletID:   t.ToOutletID,
			Units:        t.Units,
			CreatedAt:    now,
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for k, q := range staged {
		m.stock[k] = models.StockLevel{OutletID: k.outlet, ProductID: k.product, Quantity: q, UpdatedAt: now}
	}
	m.movements = append(m.movements, movements...)
	return movements, nil
}

func (m *MemoryStore) ListMovements(ctx context.Context, runID uuid.UUID) ([]models.StockMovement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.StockMovement
	for _, mv := range m.movements {
		if mv.RunID == runID {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetKillSwitch(ctx context.Context) (models.KillSwitchState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.killSwitch, nil
}

func (m *MemoryStore) SetKillSwitch(ctx context.Context, st models.KillSwitchState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killSwitch = st
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
