// Package policy validates and normalizes allocation policies. Validate is the
// only way to obtain a models.Policy from caller input.
package policy

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
)

const (
	MaxNameLength        = 100
	MaxDescriptionLength = 500

	DefaultMethod           = models.MethodProportional
	DefaultPowerFactor      = 2.0
	DefaultMinAllocationPct = 5.0
	DefaultMaxAllocationPct = 50.0
	DefaultRoundingMethod   = models.RoundFloor
)

var (
	minPowerFactor = decimal.RequireFromString("0.1")
	maxPowerFactor = decimal.RequireFromString("10")
	zero           = decimal.Zero
	hundred        = decimal.NewFromInt(100)
)

// Numeric holds a policy number as it arrived: a JSON number, a quoted string
// or a YAML scalar. The zero value means the field was absent.
type Numeric struct {
	raw string
	set bool
}

func NumberOf(v float64) Numeric {
	return Numeric{raw: strconv.FormatFloat(v, 'f', -1, 64), set: true}
}

func StringOf(s string) Numeric {
	return Numeric{raw: s, set: true}
}

func (n Numeric) IsSet() bool {
	return n.set && strings.TrimSpace(n.raw) != ""
}

func (n Numeric) String() string {
	return n.raw
}

func (n *Numeric) UnmarshalJSON(b []byte) error {
	text := strings.TrimSpace(string(b))
	if text == "null" {
		*n = Numeric{}
		return nil
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = Numeric{raw: s, set: true}
		return nil
	}
	*n = Numeric{raw: text, set: true}
	return nil
}

func (n Numeric) MarshalJSON() ([]byte, error) {
	if !n.IsSet() {
		return []byte("null"), nil
	}
	if _, err := decimal.NewFromString(strings.TrimSpace(n.raw)); err == nil {
		return []byte(strings.TrimSpace(n.raw)), nil
	}
	return json.Marshal(n.raw)
}

func (n *Numeric) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar", node.Line)
	}
	if node.Tag == "!!null" {
		*n = Numeric{}
		return nil
	}
	*n = Numeric{raw: node.Value, set: true}
	return nil
}

// RawPolicy is an unvalidated policy as submitted by a caller or read from a
// preset file.
type RawPolicy struct {
	ID                  string  `json:"id" yaml:"id"`
	Name                string  `json:"name" yaml:"name"`
	Description         string  `json:"description" yaml:"description"`
	Method              Numeric `json:"method" yaml:"method"`
	PowerFactor         Numeric `json:"powerFactor" yaml:"power_factor"`
	MinAllocationPct    Numeric `json:"minAllocationPct" yaml:"min_allocation_pct"`
	MaxAllocationPct    Numeric `json:"maxAllocationPct" yaml:"max_allocation_pct"`
	RoundingMethod      Numeric `json:"roundingMethod" yaml:"rounding_method"`
	SafetyChecksEnabled *bool   `json:"safetyChecksEnabled" yaml:"safety_checks_enabled"`
	LoggingEnabled      *bool   `json:"loggingEnabled" yaml:"logging_enabled"`
	IsActive            *bool   `json:"isActive" yaml:"is_active"`
	CreatedBy           string  `json:"createdBy" yaml:"created_by"`
}

// FromPolicy converts a stored policy back to its raw form so it can be
// validated again before use.
func FromPolicy(p models.Policy) RawPolicy {
	safety, logging, active := p.SafetyChecksEnabled, p.LoggingEnabled, p.IsActive
	return RawPolicy{
		ID:                  p.ID,
		Name:                p.Name,
		Description:         p.Description,
		Method:              NumberOf(float64(p.Method)),
		PowerFactor:         NumberOf(p.PowerFactor),
		MinAllocationPct:    NumberOf(p.MinAllocationPct),
		MaxAllocationPct:    NumberOf(p.MaxAllocationPct),
		RoundingMethod:      NumberOf(float64(p.RoundingMethod)),
		SafetyChecksEnabled: &safety,
		LoggingEnabled:      &logging,
		IsActive:            &active,
		CreatedBy:           p.CreatedBy,
	}
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors collects every violation found in one pass.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Error())
	}
	return "invalid policy: " + strings.Join(parts, "; ")
}

func (v *ValidationErrors) add(field, format string, args ...interface{}) {
	*v = append(*v, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Result is the tagged form of Validate.
type Result struct {
	Valid  bool             `json:"valid"`
	Policy models.Policy    `json:"policy"`
	Errors ValidationErrors `json:"errors,omitempty"`
}

func Check(raw RawPolicy) Result {
	p, err := Validate(raw)
	if err != nil {
		errs, ok := err.(ValidationErrors)
		if !ok {
			errs = ValidationErrors{{Field: "policy", Message: err.Error()}}
		}
		return Result{Errors: errs}
	}
	return Result{Valid: true, Policy: p}
}

// Validate normalizes raw into a policy, applying defaults for absent numeric
// fields. All violations are reported together as ValidationErrors.
func Validate(raw RawPolicy) (models.Policy, error) {
	var errs ValidationErrors

	name := strings.TrimSpace(raw.Name)
	if name == "" {
		errs.add("name", "required")
	} else if len([]rune(name)) > MaxNameLength {
		errs.add("name", "must be at most %d characters", MaxNameLength)
	}
	description := strings.TrimSpace(raw.Description)
	if len([]rune(description)) > MaxDescriptionLength {
		errs.add("description", "must be at most %d characters", MaxDescriptionLength)
	}

	method, ok := parseNumber(&errs, "method", raw.Method, decimal.NewFromInt(int64(DefaultMethod)))
	if ok {
		if !isInteger(method) || (!method.Equal(decimal.NewFromInt(1)) && !method.Equal(decimal.NewFromInt(2))) {
			errs.add("method", "must be 1 (proportional) or 2 (softmax)")
		}
	}
	rounding, ok := parseNumber(&errs, "roundingMethod", raw.RoundingMethod, decimal.NewFromInt(int64(DefaultRoundingMethod)))
	if ok {
		if !isInteger(rounding) || rounding.LessThan(zero) || rounding.GreaterThan(decimal.NewFromInt(3)) {
			errs.add("roundingMethod", "must be one of 0 (floor), 1 (ceil), 2 (round half up), 3 (largest remainder)")
		}
	}
	powerFactor, ok := parseNumber(&errs, "powerFactor", raw.PowerFactor, decimal.NewFromFloat(DefaultPowerFactor))
	if ok && (powerFactor.LessThan(minPowerFactor) || powerFactor.GreaterThan(maxPowerFactor)) {
		errs.add("powerFactor", "must be between %s and %s", minPowerFactor, maxPowerFactor)
	}
	minPct, minOK := parseNumber(&errs, "minAllocationPct", raw.MinAllocationPct, decimal.NewFromFloat(DefaultMinAllocationPct))
	if minOK && (minPct.LessThan(zero) || minPct.GreaterThan(hundred)) {
		errs.add("minAllocationPct", "must be between 0 and 100")
		minOK = false
	}
	maxPct, maxOK := parseNumber(&errs, "maxAllocationPct", raw.MaxAllocationPct, decimal.NewFromFloat(DefaultMaxAllocationPct))
	if maxOK && (maxPct.LessThan(zero) || maxPct.GreaterThan(hundred)) {
		errs.add("maxAllocationPct", "must be between 0 and 100")
		maxOK = false
	}
	if minOK && maxOK && !minPct.LessThan(maxPct) {
		errs.add("minAllocationPct", "must be less than maxAllocationPct")
	}

	if len(errs) > 0 {
		return models.Policy{}, errs
	}

	pf, _ := powerFactor.Float64()
	minF, _ := minPct.Float64()
	maxF, _ := maxPct.Float64()
	return models.Policy{
		ID:                  strings.TrimSpace(raw.ID),
		Name:                name,
		Description:         description,
		Method:              models.AllocationMethod(method.IntPart()),
		PowerFactor:         pf,
		MinAllocationPct:    minF,
		MaxAllocationPct:    maxF,
		RoundingMethod:      models.RoundingMethod(rounding.IntPart()),
		SafetyChecksEnabled: boolOr(raw.SafetyChecksEnabled, true),
		LoggingEnabled:      boolOr(raw.LoggingEnabled, true),
		IsActive:            boolOr(raw.IsActive, true),
		CreatedBy:           strings.TrimSpace(raw.CreatedBy),
	}, nil
}

func parseNumber(errs *ValidationErrors, field string, n Numeric, def decimal.Decimal) (decimal.Decimal, bool) {
	if !n.IsSet() {
		return def, true
	}
	d, err := decimal.NewFromString(strings.TrimSpace(n.raw))
	if err != nil {
		errs.add(field, "must be numeric, got %q", n.raw)
		return decimal.Decimal{}, false
	}
	return d, true
}

func isInteger(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(0))
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// ValidateRequest checks a product/outlet working set before allocation.
func ValidateRequest(signals []models.Signal, totalUnits int) error {
	var errs ValidationErrors
	if totalUnits < 0 {
		errs.add("totalUnits", "must not be negative")
	}
	if len(signals) == 0 {
		errs.add("signals", "at least one outlet signal required")
	}
	seen := make(map[string]struct{}, len(signals))
	for i, s := range signals {
		field := fmt.Sprintf("signals[%d]", i)
		if strings.TrimSpace(s.OutletID) == "" {
			errs.add(field+".outletId", "required")
		}
		if strings.TrimSpace(s.ProductID) == "" {
			errs.add(field+".productId", "required")
		}
		if math.IsNaN(s.DemandWeight) || math.IsInf(s.DemandWeight, 0) {
			errs.add(field+".demandWeight", "must be a finite number")
		} else if s.DemandWeight < 0 {
			errs.add(field+".demandWeight", "must not be negative")
		}
		if s.Capacity != nil && *s.Capacity < 0 {
			errs.add(field+".capacity", "must not be negative")
		}
		key := s.ProductID + "\x00" + s.OutletID
		if _, dup := seen[key]; dup {
			errs.add(field, "duplicate outlet %q for product %q", s.OutletID, s.ProductID)
		}
		seen[key] = struct{}{}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
