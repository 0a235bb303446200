// Package allocation turns per-outlet demand signals into unit-exact
// allocations. Everything here is pure and deterministic.
package allocation

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
)

// MaxPasses bounds the clamp-and-redistribute loop.
const MaxPasses = 10

const eps = 1e-9

var passLimit = MaxPasses

// SetPassLimit overrides the pass cap and returns a func that restores the
// previous value. It is not safe for use while allocations are running.
func SetPassLimit(n int) (restore func()) {
	prev := passLimit
	passLimit = n
	return func() { passLimit = prev }
}

var (
	ErrInvalidInput  = errors.New("invalid allocation input")
	ErrMixedProducts = errors.New("signals span more than one product")
)

type outlet struct {
	signal   models.Signal
	eligible bool
	weight   float64
	priority float64
	min      float64
	max      float64
	hardCap  int // -1 when unbounded
	share    float64
	pinned   bool
	units    int
	base     int
}

// Allocate distributes totalUnits of one product across the outlets in
// signals according to p. Errors are returned only for malformed input;
// capacity shortfalls and rounding leftovers are reported on the result.
func Allocate(p models.Policy, signals []models.Signal, totalUnits int) (models.AllocationResult, error) {
	if totalUnits < 0 {
		return models.AllocationResult{}, fmt.Errorf("%w: total units %d", ErrInvalidInput, totalUnits)
	}
	outlets, productID, err := prepare(signals)
	if err != nil {
		return models.AllocationResult{}, err
	}
	res := models.AllocationResult{
		ProductID:      productID,
		TotalRequested: totalUnits,
		Converged:      true,
	}

	eligible := 0
	for _, o := range outlets {
		if o.eligible {
			eligible++
		}
	}
	if eligible == 0 {
		res.Unallocated = totalUnits
		if totalUnits > 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("no eligible outlets: %d units unallocated", totalUnits))
		}
		res.Allocations = entries(outlets)
		return res, nil
	}

	weigh(p, outlets)
	target, warnings := bound(p, outlets, float64(totalUnits))
	res.Warnings = append(res.Warnings, warnings...)

	res.Passes, res.Converged = waterFill(outlets, target)
	if !res.Converged {
		res.Warnings = append(res.Warnings, fmt.Sprintf("allocation did not converge within %d passes; review required", passLimit))
	}

	relaxed := round(p.RoundingMethod, outlets, target)
	if relaxed {
		res.Warnings = append(res.Warnings, "percentage bounds relaxed by one unit to place all stock")
	}

	for _, o := range outlets {
		res.TotalAllocated += o.units
	}
	res.Unallocated = totalUnits - res.TotalAllocated
	if res.Unallocated > 0 {
		if target+eps < float64(totalUnits) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("capacity exception: %d units exceed outlet capacity or bounds", res.Unallocated))
		} else {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s rounding left %d units unallocated", p.RoundingMethod, res.Unallocated))
		}
	}
	res.Allocations = entries(outlets)
	return res, nil
}

func prepare(signals []models.Signal) ([]*outlet, string, error) {
	out := make([]*outlet, 0, len(signals))
	seen := make(map[string]struct{}, len(signals))
	productID := ""
	for i, s := range signals {
		if s.OutletID == "" {
			return nil, "", fmt.Errorf("%w: signal %d has no outlet id", ErrInvalidInput, i)
		}
		if math.IsNaN(s.DemandWeight) || math.IsInf(s.DemandWeight, 0) {
			return nil, "", fmt.Errorf("%w: outlet %s demand weight is not finite", ErrInvalidInput, s.OutletID)
		}
		if s.Capacity != nil && *s.Capacity < 0 {
			return nil, "", fmt.Errorf("%w: outlet %s capacity is negative", ErrInvalidInput, s.OutletID)
		}
		if i == 0 {
			productID = s.ProductID
		} else if s.ProductID != productID {
			return nil, "", fmt.Errorf("%w: %q and %q", ErrMixedProducts, productID, s.ProductID)
		}
		if _, dup := seen[s.OutletID]; dup {
			return nil, "", fmt.Errorf("%w: duplicate outlet %s", ErrInvalidInput, s.OutletID)
		}
		seen[s.OutletID] = struct{}{}

		o := &outlet{signal: s, eligible: true, hardCap: -1}
		if s.Capacity != nil {
			o.hardCap = *s.Capacity
			o.eligible = *s.Capacity > 0
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].signal.OutletID < out[j].signal.OutletID })
	return out, productID, nil
}

// weigh sets weight and priority for every eligible outlet.
func weigh(p models.Policy, outlets []*outlet) {
	switch p.Method {
	case models.MethodSoftmax:
		maxLogit := math.Inf(-1)
		for _, o := range outlets {
			if o.eligible {
				maxLogit = math.Max(maxLogit, p.PowerFactor*o.signal.DemandWeight)
			}
		}
		for _, o := range outlets {
			if o.eligible {
				o.weight = math.Exp(p.PowerFactor*o.signal.DemandWeight - maxLogit)
			}
		}
	default:
		for _, o := range outlets {
			if o.eligible {
				o.weight = math.Max(o.signal.DemandWeight, 0)
			}
		}
	}

	maxWeight, sum := 0.0, 0.0
	for _, o := range outlets {
		if o.eligible {
			maxWeight = math.Max(maxWeight, o.weight)
			sum += o.weight
		}
	}
	for _, o := range outlets {
		if o.eligible && maxWeight > 0 {
			o.priority = o.weight / maxWeight
		}
	}
	if sum <= 0 {
		for _, o := range outlets {
			if o.eligible {
				o.weight = 1
			}
		}
	}
}

// bound sets per-outlet min/max units and returns the real-valued total that
// can be placed within them.
func bound(p models.Policy, outlets []*outlet, total float64) (float64, []string) {
	var warnings []string
	minUnits := p.MinAllocationPct * total / 100
	maxUnits := p.MaxAllocationPct * total / 100

	sumMin, sumMax := 0.0, 0.0
	for _, o := range outlets {
		if !o.eligible {
			continue
		}
		o.max = maxUnits
		if o.hardCap >= 0 && float64(o.hardCap) < o.max {
			o.max = float64(o.hardCap)
		}
		o.min = math.Min(minUnits, o.max)
		sumMin += o.min
		sumMax += o.max
	}
	if sumMin > total+eps {
		scale := total / sumMin
		for _, o := range outlets {
			o.min *= scale
		}
		warnings = append(warnings, fmt.Sprintf("minimum allocation floors exceed total; scaled to %.2f%% of configured floor", scale*100))
	}
	return math.Min(total, sumMax), warnings
}

// waterFill spreads target across the eligible outlets in proportion to their
// weights, pinning outlets that fall outside their bounds and redistributing
// the remainder. Each pass pins the side (over max or under min) with the
// larger total violation.
func waterFill(outlets []*outlet, target float64) (int, bool) {
	passes := 0
	for passes < passLimit {
		passes++
		distribute(outlets, target)

		over, under := 0.0, 0.0
		for _, o := range outlets {
			if !o.eligible || o.pinned {
				continue
			}
			if o.share > o.max+eps {
				over += o.share - o.max
			} else if o.share < o.min-eps {
				under += o.min - o.share
			}
		}
		if over == 0 && under == 0 {
			return passes, true
		}
		for _, o := range outlets {
			if !o.eligible || o.pinned {
				continue
			}
			if over >= under && o.share > o.max+eps {
				o.share, o.pinned = o.max, true
			} else if over < under && o.share < o.min-eps {
				o.share, o.pinned = o.min, true
			}
		}
	}
	distribute(outlets, target)
	return passes, false
}

func distribute(outlets []*outlet, target float64) {
	remaining := target
	weights, free := 0.0, 0
	for _, o := range outlets {
		if !o.eligible {
			continue
		}
		if o.pinned {
			remaining -= o.share
			continue
		}
		weights += o.weight
		free++
	}
	if free == 0 {
		return
	}
	if remaining < 0 {
		remaining = 0
	}
	for _, o := range outlets {
		if !o.eligible || o.pinned {
			continue
		}
		if weights > 0 {
			o.share = remaining * o.weight / weights
		} else {
			o.share = remaining / float64(free)
		}
	}
}

func entries(outlets []*outlet) []models.Allocation {
	out := make([]models.Allocation, 0, len(outlets))
	for _, o := range outlets {
		out = append(out, models.Allocation{
			ProductID:       o.signal.ProductID,
			OutletID:        o.signal.OutletID,
			AllocatedUnits:  o.units,
			PriorityScore:   o.priority,
			Share:           o.share,
			MinUnits:        o.min,
			MaxUnits:        o.max,
			Pinned:          o.pinned,
			CapacityLimited: o.hardCap > 0 && o.units >= o.hardCap,
			Excluded:        !o.eligible,
		})
	}
	return out
}
