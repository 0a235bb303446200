package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
)

type harness struct {
	dir    string
	dbPath string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	return &harness{dir: dir, dbPath: filepath.Join(dir, "transfer.db")}
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(append([]string{"--store", "sqlite", "--sqlite-path", h.dbPath, "--killswitch-url", ""}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (h *harness) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func decodeData(t *testing.T, out string, v interface{}) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

const signalsJSON = `[
  {"outletId": "o1", "productId": "sku-1", "demandWeight": 1},
  {"outletId": "o2", "productId": "sku-1", "demandWeight": 2},
  {"outletId": "o3", "productId": "sku-1", "demandWeight": 0.5}
]`

func TestInvalidFormat(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "--format", "xml", "policy", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestPolicyValidate(t *testing.T) {
	h := newHarness(t)

	good := h.write(t, "good.yaml", "name: Weekend push\nmethod: 2\npower_factor: 3\nrounding_method: 3\n")
	out, err := h.run(t, "policy", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, `policy "Weekend push" valid`)

	bad := h.write(t, "bad.json", `{"name": "Bad", "minAllocationPct": 60, "maxAllocationPct": 40}`)
	out, err = h.run(t, "--format", "json", "policy", "validate", bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, `"status":"error"`)
	assert.Contains(t, out, "minAllocationPct")

	_, err = h.run(t, "policy", "validate", filepath.Join(h.dir, "missing.yaml"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSeedCreateAndList(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "policy", "seed")
	require.NoError(t, err)

	custom := h.write(t, "custom.json", `{"id": "custom", "name": "Custom", "method": 1, "roundingMethod": 3}`)
	_, err = h.run(t, "policy", "create", custom)
	require.NoError(t, err)
	_, err = h.run(t, "policy", "create", custom)
	assert.Error(t, err)

	out, err := h.run(t, "--format", "json", "policy", "list")
	require.NoError(t, err)
	var policies []models.Policy
	decodeData(t, out, &policies)
	ids := map[string]bool{}
	for _, p := range policies {
		ids[p.ID] = p.IsPreset
	}
	assert.True(t, ids["balanced"])
	isPreset, ok := ids["custom"]
	assert.True(t, ok)
	assert.False(t, isPreset)
}

func TestExecuteAndInspect(t *testing.T) {
	h := newHarness(t)
	signals := h.write(t, "signals.json", signalsJSON)

	_, err := h.run(t, "policy", "seed")
	require.NoError(t, err)
	_, err = h.run(t, "stock", "set", "warehouse", "sku-1", "100")
	require.NoError(t, err)

	out, err := h.run(t, "--format", "json", "execute", "--policy", "balanced", "--signals", signals, "--total", "100", "--by", "ops")
	require.NoError(t, err, out)
	var rec models.ExecutionRecord
	decodeData(t, out, &rec)
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.UnitsAllocated)
	assert.Equal(t, "ops", rec.RequestedBy)

	out, err = h.run(t, "--format", "json", "stock", "get", "warehouse", "sku-1")
	require.NoError(t, err)
	var level models.StockLevel
	decodeData(t, out, &level)
	assert.Equal(t, 0, level.Quantity)

	out, err = h.run(t, "--format", "json", "stock", "movements", rec.RunID.String())
	require.NoError(t, err)
	var moves []models.StockMovement
	decodeData(t, out, &moves)
	assert.Len(t, moves, 3)

	out, err = h.run(t, "executions", "get", rec.RunID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "completed")

	_, err = h.run(t, "killswitch", "activate", "--by", "ops", "--reason", "stocktake")
	require.NoError(t, err)
	out, err = h.run(t, "--format", "json", "killswitch", "status")
	require.NoError(t, err)
	var st models.KillSwitchState
	decodeData(t, out, &st)
	assert.True(t, st.Active)
	assert.Equal(t, "stocktake", st.Reason)

	_, err = h.run(t, "execute", "--policy", "balanced", "--signals", signals, "--total", "10")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	// Simulation runs bypass the gate and leave stock alone.
	out, err = h.run(t, "--format", "json", "execute", "--policy", "balanced", "--signals", signals, "--total", "10", "--simulation")
	require.NoError(t, err, out)

	_, err = h.run(t, "killswitch", "deactivate", "--by", "ops")
	require.NoError(t, err)

	out, err = h.run(t, "--format", "json", "executions", "recent", "--limit", "10")
	require.NoError(t, err)
	var recent []models.ExecutionRecord
	decodeData(t, out, &recent)
	require.Len(t, recent, 3)
	statuses := map[models.ExecutionStatus]int{}
	for _, r := range recent {
		statuses[r.Status]++
	}
	assert.Equal(t, 2, statuses[models.StatusCompleted])
	assert.Equal(t, 1, statuses[models.StatusFailed])
}

func TestSimulateInlinePolicy(t *testing.T) {
	h := newHarness(t)
	signals := h.write(t, "signals.json", signalsJSON)
	pol := h.write(t, "inline.json", `{"name": "Inline", "method": 1, "minAllocationPct": 0, "maxAllocationPct": 100, "roundingMethod": 3}`)

	out, err := h.run(t, "--format", "json", "simulate", "--policy-file", pol, "--signals", signals, "--total", "70")
	require.NoError(t, err, out)
	var res models.AllocationResult
	decodeData(t, out, &res)
	assert.Equal(t, 70, res.TotalAllocated)

	_, err = h.run(t, "simulate", "--signals", signals, "--total", "70")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
