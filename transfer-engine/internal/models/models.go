package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type AllocationMethod int

const (
	MethodProportional AllocationMethod = 1
	MethodSoftmax      AllocationMethod = 2
)

func (m AllocationMethod) String() string {
	switch m {
	case MethodProportional:
		return "proportional"
	case MethodSoftmax:
		return "softmax"
	default:
		return "unknown"
	}
}

type RoundingMethod int

const (
	RoundFloor            RoundingMethod = 0
	RoundCeil             RoundingMethod = 1
	RoundHalfUp           RoundingMethod = 2
	RoundLargestRemainder RoundingMethod = 3
)

func (r RoundingMethod) String() string {
	switch r {
	case RoundFloor:
		return "floor"
	case RoundCeil:
		return "ceil"
	case RoundHalfUp:
		return "round_half_up"
	case RoundLargestRemainder:
		return "largest_remainder"
	default:
		return "unknown"
	}
}

// Policy is a validated allocation policy. Values of this type are only
// produced by policy.Validate or loaded back from the store.
type Policy struct {
	ID                  string           `json:"id"`
	Name                string           `json:"name"`
	Description         string           `json:"description,omitempty"`
	Method              AllocationMethod `json:"method"`
	PowerFactor         float64          `json:"powerFactor"`
	MinAllocationPct    float64          `json:"minAllocationPct"`
	MaxAllocationPct    float64          `json:"maxAllocationPct"`
	RoundingMethod      RoundingMethod   `json:"roundingMethod"`
	SafetyChecksEnabled bool             `json:"safetyChecksEnabled"`
	LoggingEnabled      bool             `json:"loggingEnabled"`
	IsActive            bool             `json:"isActive"`
	IsPreset            bool             `json:"isPreset"`
	CreatedBy           string           `json:"createdBy,omitempty"`
	CreatedAt           time.Time        `json:"createdAt"`
	UpdatedBy           string           `json:"updatedBy,omitempty"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}

// Signal is the demand state of one outlet for one product.
type Signal struct {
	OutletID     string  `json:"outletId"`
	ProductID    string  `json:"productId"`
	CurrentStock int     `json:"currentStock"`
	DemandWeight float64 `json:"demandWeight"`
	// Capacity caps the units the outlet may receive. Nil means unbounded,
	// zero excludes the outlet.
	Capacity *int `json:"capacity,omitempty"`
}

type Allocation struct {
	ProductID       string  `json:"productId"`
	OutletID        string  `json:"outletId"`
	AllocatedUnits  int     `json:"allocatedUnits"`
	PriorityScore   float64 `json:"priorityScore"`
	Share           float64 `json:"share"`
	MinUnits        float64 `json:"minUnits"`
	MaxUnits        float64 `json:"maxUnits"`
	Pinned          bool    `json:"pinned,omitempty"`
	CapacityLimited bool    `json:"capacityLimited,omitempty"`
	Excluded        bool    `json:"excluded,omitempty"`
}

// AllocationResult is the candidate allocation for one product. Entries are
// ordered by outlet id.
type AllocationResult struct {
	ProductID      string       `json:"productId"`
	Allocations    []Allocation `json:"allocations"`
	TotalRequested int          `json:"totalRequested"`
	TotalAllocated int          `json:"totalAllocated"`
	Unallocated    int          `json:"unallocated"`
	Converged      bool         `json:"converged"`
	Passes         int          `json:"passes"`
	Warnings       []string     `json:"warnings,omitempty"`
}

// OutletsReceiving counts entries with a positive allocation.
func (r AllocationResult) OutletsReceiving() int {
	n := 0
	for _, a := range r.Allocations {
		if a.AllocatedUnits > 0 {
			n++
		}
	}
	return n
}

type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to ExecutionStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindValidation  ErrorKind = "validation"
	ErrorKindConcurrency ErrorKind = "concurrency"
	ErrorKindGate        ErrorKind = "gate_refused"
	ErrorKindCommit      ErrorKind = "commit"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindInternal    ErrorKind = "internal"
)

type ExecutionRecord struct {
	RunID                    uuid.UUID          `json:"runId"`
	PolicyID                 string             `json:"policyId"`
	Status                   ExecutionStatus    `json:"status"`
	SimulationMode           bool               `json:"simulationMode"`
	ProductsProcessed        int                `json:"productsProcessed"`
	OutletsUpdated           int                `json:"outletsUpdated"`
	UnitsRequested           int                `json:"unitsRequested"`
	UnitsAllocated           int                `json:"unitsAllocated"`
	UnitsUnallocated         int                `json:"unitsUnallocated"`
	ExecutionDurationSeconds float64            `json:"executionDurationSeconds"`
	ErrorKind                ErrorKind          `json:"errorKind,omitempty"`
	ErrorMessage             *string            `json:"errorMessage,omitempty"`
	GateDecision             json.RawMessage    `json:"gateDecision,omitempty"`
	ReviewRequired           bool               `json:"reviewRequired"`
	Warnings                 []string           `json:"warnings,omitempty"`
	Allocations              []AllocationResult `json:"allocations,omitempty"`
	RequestedBy              string             `json:"requestedBy,omitempty"`
	CreatedAt                time.Time          `json:"createdAt"`
	CompletedAt              *time.Time         `json:"completedAt,omitempty"`
}

type StockLevel struct {
	OutletID  string    `json:"outletId"`
	ProductID string    `json:"productId"`
	Quantity  int       `json:"quantity"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type StockMovement struct {
	ID           uuid.UUID `json:"id"`
	RunID        uuid.UUID `json:"runId"`
	ProductID    string    `json:"productId"`
	FromOutletID string    `json:"fromOutletId"`
	ToOutletID   string    `json:"toOutletId"`
	Units        int       `json:"units"`
	CreatedAt    time.Time `json:"createdAt"`
}

type KillSwitchState struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}
