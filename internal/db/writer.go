package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/tzConnectBerlin/que-pasa/internal/bigmap"
	"github.com/tzConnectBerlin/que-pasa/internal/block"
	"github.com/tzConnectBerlin/que-pasa/internal/rel"
	"github.com/tzConnectBerlin/que-pasa/internal/storageproc"
)

// Writer owns the single database connection the executor's writer task
// uses (spec §5 "the writer is serial and owns the DB connection (one
// active transaction at a time)"). Every mutating call here is meant to be
// invoked from that one goroutine; Writer itself does no locking.
type Writer struct {
	pool       *pgxpool.Pool
	mainSchema string
	bigmaps    *storageproc.MemRegistry
	derived    *DerivedTables
}

func NewWriter(pool *pgxpool.Pool, mainSchema string, derived *DerivedTables) *Writer {
	return &Writer{pool: pool, mainSchema: mainSchema, bigmaps: storageproc.NewMemRegistry(), derived: derived}
}

// txIDCursor implements storageproc.IDAllocator against one open
// transaction's view of indexer_state.max_id, incrementing in memory and
// flushing the final value back in ProcessAndCommitLevel. This keeps allocation
// inside the writer's transaction per spec §9 "Monotone IDs".
type txIDCursor struct {
	tx      pgx.Tx
	schema  string
	current int64
}

func (w *Writer) newIDCursor(ctx context.Context, tx pgx.Tx) (*txIDCursor, error) {
	var maxID int64
	err := tx.QueryRow(ctx, fmt.Sprintf("SELECT max_id FROM %s.indexer_state WHERE id = 1 FOR UPDATE", w.mainSchema)).Scan(&maxID)
	if err != nil {
		return nil, errors.Wrap(err, "db: reading indexer_state.max_id")
	}
	return &txIDCursor{tx: tx, schema: w.mainSchema, current: maxID}, nil
}

func (c *txIDCursor) NextTxContextID() int64 {
	c.current++
	return c.current
}

// NextRowID shares the same counter as NextTxContextID: spec §3 draws
// every contract-schema row ID from the same indexer_state.max_id
// allocator as tx_context IDs ("Row IDs are globally unique integers
// drawn from indexer_state.max_id").
func (c *txIDCursor) NextRowID() int64 {
	c.current++
	return c.current
}

// ProcessAndCommitLevel runs StorageProcessor against blk inside a single
// transaction and commits the result: tx_context allocation, the header
// row, every plan insert, and the indexer_state.max_id bump. Allocating
// IDs inside this same transaction (via the txIDCursor bound to tx) is
// what satisfies spec §9's "Monotone IDs: serialize allocation through
// the writer; never fetch-then-increment outside a transaction."
// patchDerived selects between spec §4.5's two live-update modes: during
// Bootstrap the executor skips per-level patching and finalizes with a
// single Repopulate once bootstrap is exhausted (spec §4.6), so callers
// pass false there; during Head tailing every committed level's new rows
// are patched into _live/_ordered immediately, in the same transaction as
// the base inserts (spec §5 "Derived-table patches are issued after the
// base inserts of the same transaction").
func (w *Writer) ProcessAndCommitLevel(
	ctx context.Context,
	header LevelHeader,
	blk *block.Block,
	contracts map[string]*storageproc.Contract,
	hist bigmap.History,
	contractSchemas map[string]string,
	patchDerived bool,
) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "db: beginning level transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	ids, err := w.newIDCursor(ctx, tx)
	if err != nil {
		return err
	}

	plan, err := storageproc.ProcessBlock(blk, contracts, ids, hist, w.bigmaps)
	if err != nil {
		return errors.Wrap(err, "db: running storage processor")
	}

	if err := w.insertLevel(ctx, tx, header); err != nil {
		return err
	}
	if err := w.insertContractLevels(ctx, tx, plan.ContractLevels); err != nil {
		return err
	}
	if err := w.insertTxContexts(ctx, tx, plan.TxContexts); err != nil {
		return err
	}
	if err := w.insertTxs(ctx, tx, plan.Txs); err != nil {
		return err
	}
	if err := w.insertTableRows(ctx, tx, plan.TableInserts, contractSchemas); err != nil {
		return err
	}
	if err := w.insertBigmapOps(ctx, tx, plan.BigmapOps, plan.BigmapMetaActions, contractSchemas); err != nil {
		return err
	}
	if err := w.insertRawBigmapDiffs(ctx, tx, plan.RawBigmapDiffs); err != nil {
		return err
	}
	if err := w.insertContractDeps(ctx, tx, plan.ContractDeps); err != nil {
		return err
	}
	if patchDerived {
		if err := w.patchDerivedTables(ctx, tx, plan, contracts, contractSchemas); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("UPDATE %s.indexer_state SET max_id = $1 WHERE id = 1", w.mainSchema), ids.current); err != nil {
		return errors.Wrap(err, "db: bumping indexer_state.max_id")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "db: committing level transaction")
	}
	return nil
}

// LevelHeader is the levels row for one block (spec §3).
type LevelHeader struct {
	Level    int64
	Hash     string
	PrevHash string
	BakedAt  string // RFC3339; kept as string since pgx maps it fine and callers already have it formatted from the node response
}

func (w *Writer) insertLevel(ctx context.Context, tx pgx.Tx, h LevelHeader) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s.levels (level, hash, prev_hash, baked_at) VALUES ($1, $2, $3, $4)", w.mainSchema),
		h.Level, h.Hash, h.PrevHash, h.BakedAt,
	)
	return errors.Wrap(err, "db: inserting level")
}

func (w *Writer) insertContractLevels(ctx context.Context, tx pgx.Tx, rows []storageproc.ContractLevel) error {
	for _, r := range rows {
		_, err := tx.Exec(ctx,
			fmt.Sprintf("INSERT INTO %s.contract_levels (contract, level, is_origination) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING", w.mainSchema),
			r.Contract, r.Level, r.IsOrigination,
		)
		if err != nil {
			return errors.Wrap(err, "db: inserting contract_levels")
		}
	}
	return nil
}

func (w *Writer) insertTxContexts(ctx context.Context, tx pgx.Tx, rows []storageproc.TxContext) error {
	for _, r := range rows {
		_, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s.tx_contexts
				(id, level, contract, operation_group_number, operation_number, content_number, internal_number)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`, w.mainSchema),
			r.ID, r.Coord.Level, r.Contract, r.Coord.OpGroup, r.Coord.Op, r.Coord.Content, internalOrNull(r.Coord.Internal),
		)
		if err != nil {
			return errors.Wrap(err, "db: inserting tx_contexts")
		}
	}
	return nil
}

func (w *Writer) insertTxs(ctx context.Context, tx pgx.Tx, rows []storageproc.Tx) error {
	for _, r := range rows {
		_, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s.txs
				(tx_context_id, source, destination, entrypoint, fee, gas_used, storage_size, status)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, w.mainSchema),
			r.TxContextID, r.Source, r.Destination, r.Entrypoint, r.Fee, r.GasUsed, r.StorageSize, r.Status,
		)
		if err != nil {
			return errors.Wrap(err, "db: inserting txs")
		}
	}
	return nil
}

// insertTableRows writes every per-contract table row the storage walk
// produced. Column sets vary per table, so unlike the fixed-shape shared
// tables above this builds each INSERT dynamically from the row's Values,
// skipping entries that are not columns of the row's table.
func (w *Writer) insertTableRows(ctx context.Context, tx pgx.Tx, rows []storageproc.TableInsert, schemas map[string]string) error {
	for _, r := range rows {
		schema, ok := schemas[r.Contract]
		if !ok {
			return fmt.Errorf("db: no schema registered for contract %q", r.Contract)
		}
		cols := []string{"id", "tx_context_id"}
		vals := []any{r.ID, r.TxContextID}
		if r.Table.HasParentFK && r.ParentID != nil {
			cols = append(cols, "parent_id")
			vals = append(vals, *r.ParentID)
		}
		if r.ListIdx != nil {
			cols = append(cols, "list_idx")
			vals = append(vals, *r.ListIdx)
		}
		names := make([]string, 0, len(r.Values))
		for name := range r.Values {
			// "<child>.bigmap_id" entries feed the bigmap registry only.
			if r.Table.Column(name) == nil {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			cols = append(cols, name)
			vals = append(vals, r.Values[name])
		}

		placeholders := make([]string, len(vals))
		for i := range vals {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		quotedCols := make([]string, len(cols))
		for i, c := range cols {
			quotedCols[i] = pgx.Identifier{c}.Sanitize()
		}

		stmt := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES (%s)",
			schema, pgx.Identifier{r.Table.Name}.Sanitize(), strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))
		if _, err := tx.Exec(ctx, stmt, vals...); err != nil {
			return errors.Wrapf(err, "db: inserting row into %s.%s", schema, r.Table.Name)
		}
	}
	return nil
}

// insertBigmapOps writes the bigmap_meta_actions audit trail (alloc/copy/
// clear, spec §3) plus one row per normalized update/remove/clear op into
// its contract's bigmap table, built the same dynamic-column way as
// insertTableRows.
func (w *Writer) insertBigmapOps(ctx context.Context, tx pgx.Tx, ops []storageproc.BigmapOp, metaActions []storageproc.BigmapMetaAction, schemas map[string]string) error {
	for _, a := range metaActions {
		_, err := tx.Exec(ctx,
			fmt.Sprintf("INSERT INTO %s.bigmap_meta_actions (bigmap_id, tx_context_id, action) VALUES ($1, $2, $3)", w.mainSchema),
			a.BigmapID, a.TxContextID, a.Action,
		)
		if err != nil {
			return errors.Wrap(err, "db: inserting bigmap_meta_actions")
		}
	}

	for _, op := range ops {
		schema, ok := schemas[op.Contract]
		if !ok || op.Table == nil {
			continue
		}

		cols := []string{"id", "tx_context_id"}
		vals := []any{op.ID, op.TxContextID}
		names := make([]string, 0, len(op.Values))
		for name := range op.Values {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			cols = append(cols, name)
			vals = append(vals, op.Values[name])
		}

		placeholders := make([]string, len(vals))
		for i := range vals {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		quotedCols := make([]string, len(cols))
		for i, c := range cols {
			quotedCols[i] = pgx.Identifier{c}.Sanitize()
		}

		stmt := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES (%s)",
			schema, pgx.Identifier{op.Table.Name}.Sanitize(), strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))
		if _, err := tx.Exec(ctx, stmt, vals...); err != nil {
			return errors.Wrapf(err, "db: inserting bigmap row into %s.%s", schema, op.Table.Name)
		}
	}
	return nil
}

// insertRawBigmapDiffs records every diff the node reported against a
// declared contract verbatim into bigmap_keys, independent of whether it
// resolved to a known table yet: this is the log BigmapDiffsProcessor's
// History interface replays when a later Copy targets one of these
// bigmaps as its source (spec §4.2).
func (w *Writer) insertRawBigmapDiffs(ctx context.Context, tx pgx.Tx, diffs []storageproc.RawBigmapDiff) error {
	for _, d := range diffs {
		var keyJSON, valJSON []byte
		if d.Diff.Key != nil {
			var err error
			keyJSON, err = json.Marshal(d.Diff.Key)
			if err != nil {
				return errors.Wrap(err, "db: marshaling bigmap key")
			}
		}
		if d.Diff.Value != nil {
			var err error
			valJSON, err = json.Marshal(d.Diff.Value)
			if err != nil {
				return errors.Wrap(err, "db: marshaling bigmap value")
			}
		}
		_, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s.bigmap_keys
				(bigmap_id, tx_context_id, action, keyhash, key, value)
				VALUES ($1, $2, $3, $4, $5, $6)`, w.mainSchema),
			d.Diff.BigmapID, d.TxContextID, string(d.Diff.Action), d.Diff.KeyHash, nullJSON(keyJSON), nullJSON(valJSON),
		)
		if err != nil {
			return errors.Wrap(err, "db: inserting bigmap_keys")
		}
	}
	return nil
}

func nullJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func (w *Writer) insertContractDeps(ctx context.Context, tx pgx.Tx, deps []storageproc.ContractDep) error {
	for _, d := range deps {
		_, err := tx.Exec(ctx,
			fmt.Sprintf("INSERT INTO %s.contract_deps (level, src_contract, dest_schema, is_deep_copy) VALUES ($1, $2, $3, $4)", w.mainSchema),
			d.Level, d.SrcContract, d.DestSchema, d.IsDeepCopy,
		)
		if err != nil {
			return errors.Wrap(err, "db: inserting contract_deps")
		}
	}
	return nil
}

// patchDerivedTables implements the Head-mode half of spec §4.5: for every
// contract with new tx_contexts in this level, patch each of its tables'
// _live/_ordered according to its Kind (UpdateSnapshotTable for the
// storage/entry tree, UpdateBigmapTable for bigmap tables).
func (w *Writer) patchDerivedTables(ctx context.Context, tx pgx.Tx, plan *storageproc.Plan, contracts map[string]*storageproc.Contract, schemas map[string]string) error {
	byContract := map[string][]int64{}
	for _, tc := range plan.TxContexts {
		byContract[tc.Contract] = append(byContract[tc.Contract], tc.ID)
	}
	for name, txCtxIDs := range byContract {
		contract, ok := contracts[name]
		if !ok {
			continue
		}
		schema, ok := schemas[name]
		if !ok {
			return fmt.Errorf("db: no schema registered for contract %q", name)
		}
		for _, t := range contract.Model.Tables {
			var err error
			if t.Kind == rel.KindBigMap {
				err = w.derived.UpdateBigmapTable(ctx, tx, schema, t, txCtxIDs)
			} else {
				err = w.derived.UpdateSnapshotTable(ctx, tx, schema, t, txCtxIDs)
			}
			if err != nil {
				return errors.Wrapf(err, "db: patching derived tables for %s.%s", schema, t.Name)
			}
		}
	}
	return nil
}

func internalOrNull(n int) any {
	if n < 0 {
		return nil
	}
	return n
}

// Rollback implements the executor's fork-recovery step (spec §4.6):
// deleting every level above reorgPoint cascades to all dependent rows in
// every schema via ON DELETE CASCADE.
func (w *Writer) Rollback(ctx context.Context, reorgPoint int64) error {
	_, err := w.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s.levels WHERE level > $1", w.mainSchema), reorgPoint)
	return errors.Wrap(err, "db: rolling back levels")
}
