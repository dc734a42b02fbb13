package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/possync/internal/store"
)

const productsYAML = `
products:
  - id: ibuprofen-400
    name: Ibuprofen 400mg
    stock: 10
  - id: oxycodone-5
    stock: 4
    clock: { d2: 1 }
    controlled: true
`

const batchYAML = `
device: d1
mutations:
  - id: sale-1
    product: ibuprofen-400
    delta: 3
    clock: { d1: 1 }
  - id: sale-2
    product: oxycodone-5
    delta: 1
    clock: { d1: 2 }
`

func seededDB(t *testing.T) (dir, db string) {
	t.Helper()
	dir = t.TempDir()
	db = filepath.Join(dir, "possync.db")
	products := writeTestFile(t, dir, "products.yaml", productsYAML)

	out, err := execute(t, "seed", "--db", db, products)
	require.NoError(t, err)
	assert.Contains(t, out, "Seeded 2 product(s)")
	return dir, db
}

func TestSeedCommand_JSON(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "possync.db")
	products := writeTestFile(t, dir, "products.yaml", productsYAML)

	out, err := execute(t, "seed", "--db", db, products, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Data SeedResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 2, resp.Data.Seeded)
	assert.Equal(t, []string{"ibuprofen-400", "oxycodone-5"}, resp.Data.Products)
}

func TestSeedCommand_BadFile(t *testing.T) {
	dir := t.TempDir()
	products := writeTestFile(t, dir, "products.yaml", "products: [{id: p1, stok: 3}]")

	_, err := execute(t, "seed", "--db", filepath.Join(dir, "x.db"), products)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSyncCommand_EndToEnd(t *testing.T) {
	dir, db := seededDB(t)
	batch := writeTestFile(t, dir, "batch.yaml", batchYAML)

	out, err := execute(t, "sync", "--db", db, batch)
	require.NoError(t, err)
	assert.Contains(t, out, "sale-1 ibuprofen-400: APPLY_LOCAL [AFTER] stock=7")
	assert.Contains(t, out, "sale-2 oxycodone-5: MANUAL_INTERVENTION [CONCURRENT] stock=4")
	assert.Contains(t, out, "audit required")
	assert.Contains(t, out, "Applied 1, discarded 0, escalated 1, replayed 0, failed 0")

	// Re-upload replays.
	out, err = execute(t, "sync", "--db", db, batch)
	require.NoError(t, err)
	assert.Contains(t, out, "replayed 2")

	out, err = execute(t, "stock", "--db", db, "--format", "json")
	require.NoError(t, err)
	var stock struct {
		Data StockResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stock))
	require.Len(t, stock.Data.Products, 2)
	assert.Equal(t, int64(7), stock.Data.Products[0].Stock)
	assert.Equal(t, int64(1), stock.Data.Products[0].Clock.Get("d1"))
	assert.Equal(t, int64(4), stock.Data.Products[1].Stock)
	assert.Empty(t, stock.Data.Outcomes)

	out, err = execute(t, "stock", "--db", db, "--product", "ibuprofen-400", "--history")
	require.NoError(t, err)
	assert.Contains(t, out, "ibuprofen-400")
	assert.NotContains(t, out, "oxycodone-5")
	assert.Contains(t, out, "10 -> 7")
}

func TestAuditCommand_ListAndResolve(t *testing.T) {
	dir, db := seededDB(t)
	batch := writeTestFile(t, dir, "batch.yaml", batchYAML)
	_, err := execute(t, "sync", "--db", db, batch)
	require.NoError(t, err)

	out, err := execute(t, "audit", "--db", db, "--status", "pending", "--format", "json")
	require.NoError(t, err)
	var list struct {
		Data AuditResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list.Data.Entries, 1)
	entry := list.Data.Entries[0]
	assert.Equal(t, "sale-2", entry.MutationID)
	assert.True(t, entry.RequiresAudit)
	assert.Equal(t, store.AuditPending, entry.Status)

	out, err = execute(t, "audit", "resolve", "--db", db, entry.ID, "APPROVED")
	require.NoError(t, err)
	assert.Contains(t, out, "APPROVED")

	out, err = execute(t, "audit", "--db", db, "--status", "PENDING")
	require.NoError(t, err)
	assert.Contains(t, out, "No audit entries.")

	_, err = execute(t, "audit", "resolve", "--db", db, entry.ID, "REJECTED")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrAuditResolved)
}

func TestAuditCommand_InvalidStatus(t *testing.T) {
	_, db := seededDB(t)

	_, err := execute(t, "audit", "--db", db, "--status", "LOST")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "audit", "resolve", "--db", db, "some-id", "PENDING")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSyncCommand_FailedMutationExitsOne(t *testing.T) {
	dir, db := seededDB(t)
	batch := writeTestFile(t, dir, "batch.yaml", `
device: d1
mutations:
  - id: sale-9
    product: ghost
    delta: 1
    clock: { d1: 1 }
`)

	out, err := execute(t, "sync", "--db", db, batch)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "PRODUCT_NOT_FOUND")
}

func TestSyncCommand_InvalidBatch(t *testing.T) {
	dir, db := seededDB(t)
	batch := writeTestFile(t, dir, "batch.yaml", `
device: d1
mutations:
  - id: sale-1
    device: d2
    product: ibuprofen-400
    delta: 1
`)

	out, err := execute(t, "sync", "--db", db, batch, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "E_INVALID_BATCH")
}

func TestSyncCommand_BadPolicy(t *testing.T) {
	dir, db := seededDB(t)
	batch := writeTestFile(t, dir, "batch.yaml", batchYAML)
	policy := writeTestFile(t, dir, "bad.cue", "policy: max_apply_attempts: 0\n")

	_, err := execute(t, "sync", "--db", db, "--policy", policy, batch)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load policy")
}
