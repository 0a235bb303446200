package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/auth"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/gate"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/orchestrator"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/store"
)

type testServer struct {
	store *store.MemoryStore
	ks    *gate.MemoryKillSwitch
	h     http.Handler
}

func newTestServer(t *testing.T, verifier *auth.Verifier) *testServer {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.CreatePolicy(ctx, models.Policy{
		ID:                  "balanced",
		Name:                "Balanced",
		Method:              models.MethodSoftmax,
		PowerFactor:         2,
		MinAllocationPct:    5,
		MaxAllocationPct:    50,
		RoundingMethod:      models.RoundLargestRemainder,
		SafetyChecksEnabled: true,
		LoggingEnabled:      true,
		IsActive:            true,
	})
	require.NoError(t, err)
	require.NoError(t, st.SetStock(ctx, models.StockLevel{OutletID: "warehouse", ProductID: "sku-1", Quantity: 100}))

	ks := gate.NewMemoryKillSwitch()
	orch := orchestrator.New(st, gate.New(ks, gate.Options{WritesEnabled: true}), orchestrator.Config{
		Logger: log.New(io.Discard, "", 0),
	})
	return &testServer{store: st, ks: ks, h: New(orch, st, ks, verifier).Router()}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

func signalsBody() []map[string]interface{} {
	return []map[string]interface{}{
		{"outletId": "o1", "productId": "sku-1", "demandWeight": 1},
		{"outletId": "o2", "productId": "sku-1", "demandWeight": 2},
		{"outletId": "o3", "productId": "sku-1", "demandWeight": 0.5},
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, false, body["killSwitchActive"])
}

func TestSimulateInlineAndStoredPolicy(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/allocate/simulate", map[string]interface{}{
		"policyId":   "balanced",
		"signals":    signalsBody(),
		"totalUnits": 100,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res models.AllocationResult
	decode(t, rec, &res)
	assert.Equal(t, 100, res.TotalAllocated)
	units := map[string]int{}
	for _, a := range res.Allocations {
		units[a.OutletID] = a.AllocatedUnits
	}
	assert.Equal(t, map[string]int{"o1": 37, "o2": 50, "o3": 13}, units)

	rec = ts.do(t, http.MethodPost, "/allocate/simulate", map[string]interface{}{
		"policy":     map[string]interface{}{"name": "inline", "method": "1", "roundingMethod": 3},
		"signals":    signalsBody(),
		"totalUnits": 10,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	level, err := ts.store.GetStock(context.Background(), "warehouse", "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 100, level.Quantity)
	recent, err := ts.store.RecentExecutions(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestSimulateValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/allocate/simulate", map[string]interface{}{
		"policy":     map[string]interface{}{"name": "", "powerFactor": 50},
		"signals":    signalsBody(),
		"totalUnits": 10,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body struct {
		Errors []struct{ Field string } `json:"errors"`
	}
	decode(t, rec, &body)
	fields := []string{}
	for _, e := range body.Errors {
		fields = append(fields, e.Field)
	}
	assert.Contains(t, fields, "name")
	assert.Contains(t, fields, "powerFactor")

	rec = ts.do(t, http.MethodPost, "/allocate/simulate", map[string]interface{}{"signals": signalsBody()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteStatusCodes(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/allocate/execute", map[string]interface{}{
		"policyId":   "balanced",
		"signals":    signalsBody(),
		"totalUnits": 100,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var done models.ExecutionRecord
	decode(t, rec, &done)
	assert.Equal(t, models.StatusCompleted, done.Status)

	rec = ts.do(t, http.MethodGet, "/executions/"+done.RunID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/allocate/execute", map[string]interface{}{
		"policyId":   "missing",
		"signals":    signalsBody(),
		"totalUnits": 1,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/allocate/execute", map[string]interface{}{
		"policyId":   "balanced",
		"totalUnits": -1,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	require.NoError(t, ts.ks.Activate(context.Background(), "ops", "stocktake"))
	rec = ts.do(t, http.MethodPost, "/allocate/execute", map[string]interface{}{
		"policyId":   "balanced",
		"signals":    signalsBody(),
		"totalUnits": 10,
	})
	assert.Equal(t, http.StatusLocked, rec.Code)
	var refused struct {
		Decision gate.Decision          `json:"decision"`
		Record   models.ExecutionRecord `json:"record"`
	}
	decode(t, rec, &refused)
	assert.Equal(t, gate.RuleKillSwitch, refused.Decision.Rule)
	assert.Equal(t, models.StatusFailed, refused.Record.Status)
	assert.Equal(t, models.ErrorKindGate, refused.Record.ErrorKind)

	_, err := ts.store.TryLock(context.Background(), "balanced", "someone-else", time.Minute)
	require.NoError(t, err)
	rec = ts.do(t, http.MethodPost, "/allocate/execute", map[string]interface{}{
		"policyId":       "balanced",
		"signals":        signalsBody(),
		"totalUnits":     10,
		"simulationMode": true,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/executions/recent?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var recent []models.ExecutionRecord
	decode(t, rec, &recent)
	assert.Len(t, recent, 2)

	rec = ts.do(t, http.MethodGet, "/executions/recent?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodGet, "/executions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPolicyCRUD(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/policies", map[string]interface{}{
		"id":               "aggressive",
		"name":             "Aggressive",
		"method":           2,
		"powerFactor":      "3.5",
		"maxAllocationPct": 80,
		"createdBy":        "planner",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created models.Policy
	decode(t, rec, &created)
	assert.Equal(t, 3.5, created.PowerFactor)
	assert.Equal(t, "planner", created.CreatedBy)

	rec = ts.do(t, http.MethodPost, "/policies", map[string]interface{}{"id": "aggressive", "name": "Again"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/policies", map[string]interface{}{"name": "Bad", "minAllocationPct": 60, "maxAllocationPct": 40})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodPut, "/policies/aggressive", map[string]interface{}{"name": "Aggressive v2", "isActive": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated models.Policy
	decode(t, rec, &updated)
	assert.Equal(t, "Aggressive v2", updated.Name)
	assert.False(t, updated.IsActive)

	rec = ts.do(t, http.MethodPut, "/policies/ghost", map[string]interface{}{"name": "Ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/policies", nil)
	var all []models.Policy
	decode(t, rec, &all)
	assert.Len(t, all, 2)

	rec = ts.do(t, http.MethodPost, "/policies/validate", map[string]interface{}{"name": "x", "method": 7})
	var check struct {
		Valid bool `json:"valid"`
	}
	decode(t, rec, &check)
	assert.False(t, check.Valid)
}

func TestKillSwitchRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/safety/kill-switch/activate", map[string]string{"by": "ops"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/safety/kill-switch/activate", map[string]string{"by": "ops", "reason": "stocktake"})
	require.Equal(t, http.StatusOK, rec.Code)
	var st models.KillSwitchState
	decode(t, rec, &st)
	assert.True(t, st.Active)
	assert.Equal(t, "ops", st.UpdatedBy)

	rec = ts.do(t, http.MethodPost, "/safety/kill-switch/deactivate", map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &st)
	assert.False(t, st.Active)
	assert.Equal(t, "anonymous", st.UpdatedBy)
}

func TestHTTPKillSwitchAgainstServer(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.h)
	defer srv.Close()

	client, err := gate.NewHTTPKillSwitch(gate.HTTPKillSwitchConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, client.Activate(ctx, "remote", "audit"))
	active, err := client.IsActive(ctx)
	require.NoError(t, err)
	assert.True(t, active)
	local, err := ts.ks.IsActive(ctx)
	require.NoError(t, err)
	assert.True(t, local)
}

func TestWriteRoutesRequireToken(t *testing.T) {
	v, err := auth.NewVerifier(auth.Config{HMACSecret: "s3cret"})
	require.NoError(t, err)
	ts := newTestServer(t, v)

	rec := ts.do(t, http.MethodPost, "/safety/kill-switch/activate", map[string]string{"reason": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/safety/kill-switch", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "ops-lead",
		"scope": "transfers:write",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	rec = ts.do(t, http.MethodPost, "/allocate/execute", map[string]interface{}{
		"policyId":    "balanced",
		"signals":     signalsBody(),
		"totalUnits":  100,
		"requestedBy": "spoofed",
	}, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var done models.ExecutionRecord
	decode(t, rec, &done)
	assert.Equal(t, "ops-lead", done.RequestedBy)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// deadlineStore records whether GetPolicy saw a request deadline.
type deadlineStore struct {
	*store.MemoryStore
	mu        sync.Mutex
	deadlines []bool
}

func (d *deadlineStore) GetPolicy(ctx context.Context, id string) (models.Policy, error) {
	_, ok := ctx.Deadline()
	d.mu.Lock()
	d.deadlines = append(d.deadlines, ok)
	d.mu.Unlock()
	return d.MemoryStore.GetPolicy(ctx, id)
}

func TestExecuteRouteNotBoundByRequestTimeout(t *testing.T) {
	ts := newTestServer(t, nil)
	ds := &deadlineStore{MemoryStore: ts.store}
	orch := orchestrator.New(ds, gate.New(ts.ks, gate.Options{WritesEnabled: true}), orchestrator.Config{
		Logger: log.New(io.Discard, "", 0),
	})
	ts.h = New(orch, ds, ts.ks, nil).Router()

	rec := ts.do(t, http.MethodGet, "/policies/balanced", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/allocate/execute", map[string]interface{}{
		"policyId":   "balanced",
		"signals":    signalsBody(),
		"totalUnits": 100,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	ds.mu.Lock()
	defer ds.mu.Unlock()
	require.Len(t, ds.deadlines, 2)
	assert.True(t, ds.deadlines[0], "read routes carry the request timeout")
	assert.False(t, ds.deadlines[1], "execute runs under the orchestrator timeout only")
}
