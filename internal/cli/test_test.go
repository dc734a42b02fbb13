package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `
name: apply
description: "never synced server applies local"
products:
  - id: p1
    stock: 10
batches:
  - device: d1
    mutations:
      - id: m1
        product: p1
        delta: 2
        clock: { d1: 1 }
        expect:
          disposition: APPLY_LOCAL
          stock: 8
final_stock:
  p1: 8
`

const failingScenario = `
name: wrong
description: "expects the wrong disposition"
products:
  - id: p1
    stock: 10
batches:
  - device: d1
    mutations:
      - id: m1
        product: p1
        delta: 2
        clock: { d1: 1 }
        expect:
          disposition: MERGE
`

func TestTestCommand_MissingArgs(t *testing.T) {
	_, err := execute(t, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommand_NonExistentDir(t *testing.T) {
	_, err := execute(t, "test", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommand_EmptyDir(t *testing.T) {
	out, err := execute(t, "test", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommand_Passing(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "apply.yaml", passingScenario)

	out, err := execute(t, "test", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ apply")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommand_Failing(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "apply.yaml", passingScenario)
	writeTestFile(t, dir, "wrong.yaml", failingScenario)

	out, err := execute(t, "test", dir, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 1, resp.Data.Failed)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
}

func TestTestCommand_Filter(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "apply.yaml", passingScenario)
	writeTestFile(t, dir, "wrong.yaml", failingScenario)

	out, err := execute(t, "test", dir, "--filter", "app*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommand_GoldenUpdateThenMatch(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "apply.yaml", passingScenario)

	out, err := execute(t, "test", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "golden updated")

	golden := filepath.Join(dir, "golden", "apply.golden")
	data, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"disposition": "APPLY_LOCAL"`)

	_, err = execute(t, "test", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(golden, []byte("{}\n"), 0644))
	out, err = execute(t, "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommand_LoadError(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "broken.yaml", "name: broken\n")

	out, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestTestCommand_RepositoryScenarios(t *testing.T) {
	out, err := execute(t, "test", filepath.Join("..", "harness", "testdata", "scenarios"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ All scenarios passed")
}
