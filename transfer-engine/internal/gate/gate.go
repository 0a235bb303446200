package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
)

const (
	RuleAllow            = "gate-allow"
	RuleKillSwitch       = "kill-switch-active"
	RuleWritesDisabled   = "writes-disabled"
	RuleWriteWindow      = "outside-write-window"
	RuleUnavailable      = "gate-unavailable"
	RuleSimulationBypass = "simulation-bypass"
)

// Decision is the gate verdict stored on every execution record.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Rule    string `json:"rule"`
	Reason  string `json:"reason"`
}

func MarshalDecision(decision Decision) json.RawMessage {
	b, _ := json.Marshal(decision)
	return b
}

// Gate answers whether live writes may proceed right now.
type Gate interface {
	CheckWritable(ctx context.Context) (Decision, error)
}

// KillSwitch is the global stop flag. Implementations read the shared flag
// on every call.
type KillSwitch interface {
	IsActive(ctx context.Context) (bool, error)
	State(ctx context.Context) (models.KillSwitchState, error)
	Activate(ctx context.Context, by, reason string) error
	Deactivate(ctx context.Context, by string) error
}

// WriteWindow limits live writes to a range of hours on selected weekdays.
// StartHour == EndHour means all hours; an empty Days means every day. A
// window whose StartHour is after EndHour wraps past midnight.
type WriteWindow struct {
	Location  *time.Location
	StartHour int
	EndHour   int
	Days      []time.Weekday
}

func (w WriteWindow) Allows(t time.Time) bool {
	if w.Location != nil {
		t = t.In(w.Location)
	}
	if len(w.Days) > 0 {
		ok := false
		for _, d := range w.Days {
			if t.Weekday() == d {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if w.StartHour == w.EndHour {
		return true
	}
	h := t.Hour()
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

func (w WriteWindow) String() string {
	loc := "local"
	if w.Location != nil {
		loc = w.Location.String()
	}
	return fmt.Sprintf("%02d:00-%02d:00 %s", w.StartHour, w.EndHour, loc)
}

type Options struct {
	WritesEnabled bool
	Window        WriteWindow
	Now           func() time.Time
}

// SafetyGate combines the kill switch, the static writes flag and the write
// window. Any failure to read the kill switch refuses the write.
type SafetyGate struct {
	killSwitch KillSwitch
	opts       Options
}

func New(killSwitch KillSwitch, opts Options) *SafetyGate {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SafetyGate{killSwitch: killSwitch, opts: opts}
}

func (g *SafetyGate) CheckWritable(ctx context.Context) (Decision, error) {
	if !g.opts.WritesEnabled {
		return Decision{Allowed: false, Rule: RuleWritesDisabled, Reason: "live writes disabled by configuration"}, nil
	}
	if g.killSwitch != nil {
		active, err := g.killSwitch.IsActive(ctx)
		if err != nil {
			return Decision{Allowed: false, Rule: RuleUnavailable, Reason: "kill switch unreadable"}, fmt.Errorf("read kill switch: %w", err)
		}
		if active {
			reason := "kill switch active"
			if st, err := g.killSwitch.State(ctx); err == nil && st.Reason != "" {
				reason = "kill switch active: " + st.Reason
			}
			return Decision{Allowed: false, Rule: RuleKillSwitch, Reason: reason}, nil
		}
	}
	if now := g.opts.Now(); !g.opts.Window.Allows(now) {
		return Decision{
			Allowed: false,
			Rule:    RuleWriteWindow,
			Reason:  fmt.Sprintf("writes allowed %s, now %s", g.opts.Window, now.Format(time.RFC3339)),
		}, nil
	}
	return Decision{Allowed: true, Rule: RuleAllow, Reason: "approved"}, nil
}

// MemoryKillSwitch keeps the flag in process memory. Only suitable for a
// single instance or tests.
type MemoryKillSwitch struct {
	mu    sync.RWMutex
	state models.KillSwitchState
}

func NewMemoryKillSwitch() *MemoryKillSwitch {
	return &MemoryKillSwitch{}
}

func (m *MemoryKillSwitch) IsActive(ctx context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Active, nil
}

func (m *MemoryKillSwitch) State(ctx context.Context) (models.KillSwitchState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, nil
}

func (m *MemoryKillSwitch) Activate(ctx context.Context, by, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = models.KillSwitchState{Active: true, Reason: reason, UpdatedBy: by, UpdatedAt: time.Now().UTC()}
	return nil
}

func (m *MemoryKillSwitch) Deactivate(ctx context.Context, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = models.KillSwitchState{Active: false, UpdatedBy: by, UpdatedAt: time.Now().UTC()}
	return nil
}

// FlagStore is the persistence the StoreKillSwitch needs.
type FlagStore interface {
	GetKillSwitch(ctx context.Context) (models.KillSwitchState, error)
	SetKillSwitch(ctx context.Context, state models.KillSwitchState) error
}

// StoreKillSwitch keeps the flag in the execution store so every instance
// sharing the database sees the same value.
type StoreKillSwitch struct {
	store FlagStore
}

func NewStoreKillSwitch(store FlagStore) *StoreKillSwitch {
	return &StoreKillSwitch{store: store}
}

func (s *StoreKillSwitch) IsActive(ctx context.Context) (bool, error) {
	st, err := s.store.GetKillSwitch(ctx)
	if err != nil {
		return false, err
	}
	return st.Active, nil
}

func (s *StoreKillSwitch) State(ctx context.Context) (models.KillSwitchState, error) {
	return s.store.GetKillSwitch(ctx)
}

func (s *StoreKillSwitch) Activate(ctx context.Context, by, reason string) error {
	return s.store.SetKillSwitch(ctx, models.KillSwitchState{Active: true, Reason: reason, UpdatedBy: by, UpdatedAt: time.Now().UTC()})
}

func (s *StoreKillSwitch) Deactivate(ctx context.Context, by string) error {
	return s.store.SetKillSwitch(ctx, models.KillSwitchState{Active: false, UpdatedBy: by, UpdatedAt: time.Now().UTC()})
}
