package policy

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
)

func fieldsOf(t *testing.T, err error) []string {
	t.Helper()
	errs, ok := err.(ValidationErrors)
	require.True(t, ok, "expected ValidationErrors, got %T", err)
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Field)
	}
	return out
}

func TestValidateAppliesDefaults(t *testing.T) {
	p, err := Validate(RawPolicy{ID: "p1", Name: "  Weekly top-up  "})
	require.NoError(t, err)

	assert.Equal(t, "Weekly top-up", p.Name)
	assert.Equal(t, models.MethodProportional, p.Method)
	assert.Equal(t, 2.0, p.PowerFactor)
	assert.Equal(t, 5.0, p.MinAllocationPct)
	assert.Equal(t, 50.0, p.MaxAllocationPct)
	assert.Equal(t, models.RoundFloor, p.RoundingMethod)
	assert.True(t, p.SafetyChecksEnabled)
	assert.True(t, p.LoggingEnabled)
	assert.True(t, p.IsActive)
}

func TestValidateAcceptsStringNumbers(t *testing.T) {
	var raw RawPolicy
	body := `{"name":"strings","method":"2","powerFactor":"3.5","minAllocationPct":"10.0","maxAllocationPct":60,"roundingMethod":"3"}`
	require.NoError(t, json.Unmarshal([]byte(body), &raw))

	p, err := Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, models.MethodSoftmax, p.Method)
	assert.Equal(t, 3.5, p.PowerFactor)
	assert.Equal(t, 10.0, p.MinAllocationPct)
	assert.Equal(t, 60.0, p.MaxAllocationPct)
	assert.Equal(t, models.RoundLargestRemainder, p.RoundingMethod)
}

func TestValidateNullMeansDefault(t *testing.T) {
	var raw RawPolicy
	require.NoError(t, json.Unmarshal([]byte(`{"name":"n","powerFactor":null}`), &raw))
	p, err := Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, DefaultPowerFactor, p.PowerFactor)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	_, err := Validate(RawPolicy{
		Name:             strings.Repeat("x", MaxNameLength+1),
		Description:      strings.Repeat("d", MaxDescriptionLength+1),
		Method:           NumberOf(3),
		PowerFactor:      StringOf("fast"),
		MinAllocationPct: NumberOf(-1),
		MaxAllocationPct: NumberOf(101),
		RoundingMethod:   NumberOf(1.5),
	})
	require.Error(t, err)
	assert.ElementsMatch(t, []string{
		"name", "description", "method", "roundingMethod", "powerFactor",
		"minAllocationPct", "maxAllocationPct",
	}, fieldsOf(t, err))
}

func TestValidateMinMustBeBelowMax(t *testing.T) {
	_, err := Validate(RawPolicy{Name: "eq", MinAllocationPct: NumberOf(30), MaxAllocationPct: StringOf("30.0")})
	require.Error(t, err)
	assert.Equal(t, []string{"minAllocationPct"}, fieldsOf(t, err))
}

func TestValidatePowerFactorBounds(t *testing.T) {
	cases := []struct {
		value string
		ok    bool
	}{
		{"0.1", true},
		{"10", true},
		{"10.0", true},
		{"0.09", false},
		{"10.01", false},
	}
	for _, tc := range cases {
		_, err := Validate(RawPolicy{Name: "pf", PowerFactor: StringOf(tc.value)})
		if tc.ok {
			assert.NoError(t, err, tc.value)
		} else {
			assert.Error(t, err, tc.value)
		}
	}
}

func TestValidateRequiresName(t *testing.T) {
	res := Check(RawPolicy{Name: "   "})
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "name", res.Errors[0].Field)
}

func TestFromPolicyRoundTrips(t *testing.T) {
	p, err := Validate(RawPolicy{ID: "rt", Name: "rt", Method: NumberOf(2), PowerFactor: NumberOf(0.7), RoundingMethod: NumberOf(3)})
	require.NoError(t, err)
	again, err := Validate(FromPolicy(p))
	require.NoError(t, err)
	assert.Equal(t, p, again)
}

func TestValidateRequest(t *testing.T) {
	cap0 := 0
	neg := -2
	assert.NoError(t, ValidateRequest([]models.Signal{
		{OutletID: "a", ProductID: "sku", DemandWeight: 1},
		{OutletID: "b", ProductID: "sku", DemandWeight: 0, Capacity: &cap0},
	}, 10))

	err := ValidateRequest([]models.Signal{
		{OutletID: "a", ProductID: "sku", DemandWeight: -1},
		{OutletID: "a", ProductID: "sku", DemandWeight: 1, Capacity: &neg},
		{OutletID: "", ProductID: ""},
	}, -1)
	require.Error(t, err)
	assert.ElementsMatch(t, []string{
		"totalUnits",
		"signals[0].demandWeight",
		"signals[1].capacity",
		"signals[1]",
		"signals[2].outletId",
		"signals[2].productId",
	}, fieldsOf(t, err))

	assert.Error(t, ValidateRequest(nil, 5))
}
