package allocation

import (
	"math"
	"sort"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
)

// round converts real shares to whole units. It reports whether any outlet
// was pushed past its percentage ceiling to keep the total exact.
func round(method models.RoundingMethod, outlets []*outlet, target float64) bool {
	budget := int(math.Floor(target + eps))
	if method == models.RoundLargestRemainder {
		return largestRemainder(outlets, budget)
	}

	for _, o := range outlets {
		if !o.eligible {
			continue
		}
		switch method {
		case models.RoundCeil:
			o.units = int(math.Ceil(o.share - eps))
		case models.RoundHalfUp:
			o.units = int(math.Floor(o.share + 0.5 + eps))
		default:
			o.units = int(math.Floor(o.share + eps))
		}
		if o.units < 0 {
			o.units = 0
		}
		if o.hardCap >= 0 && o.units > o.hardCap {
			o.units = o.hardCap
		}
	}
	trimExcess(outlets, budget)
	return false
}

// largestRemainder floors every share and hands the leftover units out one at
// a time by descending fractional remainder, ties by outlet id. Outlets still
// under their real-valued maximum are served first.
func largestRemainder(outlets []*outlet, budget int) bool {
	placed := 0
	cands := make([]*outlet, 0, len(outlets))
	for _, o := range outlets {
		if !o.eligible {
			continue
		}
		o.units = int(math.Floor(o.share + eps))
		if o.hardCap >= 0 && o.units > o.hardCap {
			o.units = o.hardCap
		}
		o.base = o.units
		placed += o.units
		cands = append(cands, o)
	}
	if placed > budget {
		trimExcess(outlets, budget)
		return false
	}
	sort.SliceStable(cands, func(i, j int) bool {
		ri := cands[i].share - float64(cands[i].units)
		rj := cands[j].share - float64(cands[j].units)
		if math.Abs(ri-rj) > eps {
			return ri > rj
		}
		return cands[i].signal.OutletID < cands[j].signal.OutletID
	})

	left := budget - placed
	for _, o := range cands {
		if left == 0 {
			return false
		}
		if float64(o.units+1) <= o.max+eps && underCap(o) {
			o.units++
			left--
		}
	}

	// Relaxed rounds go to outlets with the fewest extra units first.
	relaxed := false
	for extra := 0; left > 0; extra++ {
		progress := false
		for _, o := range cands {
			if left == 0 {
				break
			}
			if o.units-o.base <= extra && underCap(o) {
				o.units++
				left--
				progress = true
				relaxed = true
			}
		}
		if !progress && !anyUnderCap(cands) {
			break
		}
	}
	return relaxed
}

func underCap(o *outlet) bool {
	return o.hardCap < 0 || o.units+1 <= o.hardCap
}

func anyUnderCap(cands []*outlet) bool {
	for _, o := range cands {
		if underCap(o) {
			return true
		}
	}
	return false
}

// trimExcess removes units that rounding placed beyond budget, starting with
// the outlets that were rounded up the most.
func trimExcess(outlets []*outlet, budget int) {
	total := 0
	for _, o := range outlets {
		total += o.units
	}
	if total <= budget {
		return
	}
	cands := make([]*outlet, 0, len(outlets))
	for _, o := range outlets {
		if o.eligible && o.units > 0 {
			cands = append(cands, o)
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		ui := float64(cands[i].units) - cands[i].share
		uj := float64(cands[j].units) - cands[j].share
		if math.Abs(ui-uj) > eps {
			return ui > uj
		}
		return cands[i].signal.OutletID > cands[j].signal.OutletID
	})
	for total > budget {
		progress := false
		for _, o := range cands {
			if total == budget {
				break
			}
			if o.units > 0 {
				o.units--
				total--
				progress = true
			}
		}
		if !progress {
			return
		}
	}
}
