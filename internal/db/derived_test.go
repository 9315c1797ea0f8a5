package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tzConnectBerlin/que-pasa/internal/michelson"
	"github.com/tzConnectBerlin/que-pasa/internal/rel"
)

// newTestPool spins up a throwaway Postgres container and returns a pool
// connected to it. Skipped under -short since it needs a container runtime.
func newTestPool(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("quepasa"),
		tcpostgres.WithUsername("quepasa"),
		tcpostgres.WithPassword("quepasa"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctr.Terminate(ctx)) })

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

// insertLevelAndTxContext seeds the shared-schema rows a tx_context needs
// (levels, contracts, contract_levels) then the tx_context itself.
func insertLevelAndTxContext(ctx context.Context, t *testing.T, pool *pgxpool.Pool, mainSchema string, txCtxID, level int64) {
	t.Helper()
	_, err := pool.Exec(ctx, `INSERT INTO `+mainSchema+`.levels (level, hash, baked_at)
		VALUES ($1, $2, now()) ON CONFLICT DO NOTHING`, level, "blockhash")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO `+mainSchema+`.contracts (name, address)
		VALUES ('token', 'KT1token') ON CONFLICT DO NOTHING`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO `+mainSchema+`.contract_levels (contract, level)
		VALUES ('token', $1) ON CONFLICT DO NOTHING`, level)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO `+mainSchema+`.tx_contexts
		(id, level, contract, operation_group_number, operation_number, content_number)
		VALUES ($1, $2, 'token', 0, 0, 0)`, txCtxID, level)
	require.NoError(t, err)
}

// TestDerivedTables_UpdateSnapshotTable_KeepsOnlyLatestSnapshot exercises
// spec §4.5's "Update-for-snapshot-tables" across two snapshots of the
// same storage root, checking that _live always holds exactly the most
// recent row (never every historical one) and that _at(...) reproduces
// the value in effect at each level.
func TestDerivedTables_UpdateSnapshotTable_KeepsOnlyLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(ctx, t)

	const mainSchema = "que_pasa"
	require.NoError(t, EnsureSharedSchema(ctx, pool, mainSchema))

	storageType := &michelson.Type{Prim: michelson.PrimNat, Annots: michelson.Annots{Field: "value"}}
	model, _, err := rel.Synth("token", storageType, nil)
	require.NoError(t, err)

	const contractSchema = "token"
	ddl, err := rel.RenderDDL(contractSchema, mainSchema, model)
	require.NoError(t, err)
	require.NoError(t, EnsureContractSchema(ctx, pool, ddl))

	root := model.Storage
	require.Equal(t, "storage", root.Name)
	valueCol := root.Column("value")
	require.NotNil(t, valueCol, "a field-annotated scalar storage type synthesizes a column named after the annotation")

	insertLevelAndTxContext(ctx, t, pool, mainSchema, 1, 100)
	insertLevelAndTxContext(ctx, t, pool, mainSchema, 2, 200)

	_, err = pool.Exec(ctx, `INSERT INTO token.storage (id, tx_context_id, "value") VALUES (101, 1, 1)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO token.storage (id, tx_context_id, "value") VALUES (102, 2, 2)`)
	require.NoError(t, err)

	derived := NewDerivedTables(pool, mainSchema)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, derived.UpdateSnapshotTable(ctx, tx, contractSchema, root, []int64{1}))
	require.NoError(t, tx.Commit(ctx))

	var liveValue int64
	require.NoError(t, pool.QueryRow(ctx, `SELECT "value"::bigint FROM token.storage_live`).Scan(&liveValue))
	require.Equal(t, int64(1), liveValue)

	tx, err = pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, derived.UpdateSnapshotTable(ctx, tx, contractSchema, root, []int64{2}))
	require.NoError(t, tx.Commit(ctx))

	var liveCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM token.storage_live`).Scan(&liveCount))
	require.Equal(t, 1, liveCount, "storage_live must hold exactly one row, not one per historical snapshot")

	require.NoError(t, pool.QueryRow(ctx, `SELECT "value"::bigint FROM token.storage_live`).Scan(&liveValue))
	require.Equal(t, int64(2), liveValue, "storage_live must reflect the latest snapshot")

	var atLevel100 int64
	require.NoError(t, pool.QueryRow(ctx, `SELECT "value"::bigint FROM token.storage_at(100)`).Scan(&atLevel100))
	require.Equal(t, int64(1), atLevel100, "storage_at(100) must reproduce the value in effect at level 100")

	var atLevel200 int64
	require.NoError(t, pool.QueryRow(ctx, `SELECT "value"::bigint FROM token.storage_at(200)`).Scan(&atLevel200))
	require.Equal(t, int64(2), atLevel200, "storage_at(200) must reproduce the value in effect at level 200")
}

// TestDerivedTables_Repopulate_IsIdempotentAcrossSnapshots covers spec
// §8 scenario 5: repopulating from the base tables must reach the same
// state as incremental updates did, keeping only the latest snapshot.
func TestDerivedTables_Repopulate_IsIdempotentAcrossSnapshots(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(ctx, t)

	const mainSchema = "que_pasa"
	require.NoError(t, EnsureSharedSchema(ctx, pool, mainSchema))

	storageType := &michelson.Type{Prim: michelson.PrimNat, Annots: michelson.Annots{Field: "value"}}
	model, _, err := rel.Synth("token", storageType, nil)
	require.NoError(t, err)

	const contractSchema = "token"
	ddl, err := rel.RenderDDL(contractSchema, mainSchema, model)
	require.NoError(t, err)
	require.NoError(t, EnsureContractSchema(ctx, pool, ddl))

	insertLevelAndTxContext(ctx, t, pool, mainSchema, 1, 100)
	insertLevelAndTxContext(ctx, t, pool, mainSchema, 2, 200)
	_, err = pool.Exec(ctx, `INSERT INTO token.storage (id, tx_context_id, "value") VALUES (101, 1, 1)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO token.storage (id, tx_context_id, "value") VALUES (102, 2, 2)`)
	require.NoError(t, err)

	derived := NewDerivedTables(pool, mainSchema)
	require.NoError(t, derived.Repopulate(ctx, contractSchema, model))

	var liveCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM token.storage_live`).Scan(&liveCount))
	require.Equal(t, 1, liveCount, "repopulate must leave storage_live with exactly one row")

	var liveValue int64
	require.NoError(t, pool.QueryRow(ctx, `SELECT "value"::bigint FROM token.storage_live`).Scan(&liveValue))
	require.Equal(t, int64(2), liveValue)

	var orderedCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM token.storage_ordered`).Scan(&orderedCount))
	require.Equal(t, 2, orderedCount, "storage_ordered must keep the full history")
}
