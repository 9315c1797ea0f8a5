package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/tzConnectBerlin/que-pasa/internal/rel"
)

// DerivedTables implements the three maintenance modes of spec §4.5.
type DerivedTables struct {
	pool       *pgxpool.Pool
	mainSchema string
}

func NewDerivedTables(pool *pgxpool.Pool, mainSchema string) *DerivedTables {
	return &DerivedTables{pool: pool, mainSchema: mainSchema}
}

// Repopulate fully rebuilds a contract's _live and _ordered tables from
// its base tables (spec §4.5 "Repopulate"). Used after bootstrap
// exhaustion.
func (d *DerivedTables) Repopulate(ctx context.Context, schema string, m *rel.RelModel) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "db: beginning repopulate transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, t := range m.Tables {
		if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s.%s", schema, ident(t.Name+"_live"))); err != nil {
			return errors.Wrapf(err, "db: clearing %s_live", t.Name)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s.%s", schema, ident(t.Name+"_ordered"))); err != nil {
			return errors.Wrapf(err, "db: clearing %s_ordered", t.Name)
		}
	}

	for _, t := range m.Tables {
		if err := d.repopulateTable(ctx, tx, schema, t); err != nil {
			return err
		}
	}

	return errors.Wrap(tx.Commit(ctx), "db: committing repopulate transaction")
}

func (d *DerivedTables) repopulateTable(ctx context.Context, tx pgx.Tx, schema string, t *rel.Table) error {
	base := ident(t.Name)
	ordered := ident(t.Name + "_ordered")
	live := ident(t.Name + "_live")

	orderCols := "level, operation_group_number, operation_number, content_number, COALESCE(internal_number, -1)"
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s.%[2]s
		SELECT b.*, tc.level, tc.operation_group_number, tc.operation_number, tc.content_number, tc.internal_number,
			DENSE_RANK() OVER (ORDER BY %[4]s) AS ordering
		FROM %[1]s.%[3]s b JOIN %[5]s.tx_contexts tc ON tc.id = b.tx_context_id
		ORDER BY %[4]s`, schema, ordered, base, orderCols, d.mainSchema))
	if err != nil {
		return errors.Wrapf(err, "db: repopulating %s_ordered", t.Name)
	}

	if t.Kind == rel.KindBigMap {
		idxCols := identList(indexColumnNames(t))
		_, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %[1]s.%[2]s
			SELECT b.* FROM %[1]s.%[5]s b WHERE b.id IN (
				SELECT DISTINCT ON (%[4]s) o.id FROM %[1]s.%[3]s o
				WHERE NOT o.deleted
				ORDER BY %[4]s, o.ordering DESC
			)`, schema, live, ordered, idxCols, base))
		if err != nil {
			return errors.Wrapf(err, "db: repopulating %s_live", t.Name)
		}
	} else {
		// Every storage/entry snapshot re-walks the whole subtree (spec
		// §4.4), and row ids are drawn once each from the same
		// ever-increasing indexer_state.max_id sequence as tx_context ids
		// (spec §3) — no id is ever reused across two snapshots of the
		// same path, so "DISTINCT ON (id)" here is a no-op over rows that
		// are already all distinct by id, and would keep every historical
		// snapshot instead of just the latest. The actual "latest" grouping
		// key is the single most recent tx_context: keep every row that
		// belongs to it.
		_, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %[1]s.%[2]s
			SELECT b.* FROM %[1]s.%[4]s b
			WHERE b.tx_context_id = (SELECT MAX(tx_context_id) FROM %[1]s.%[3]s)`,
			schema, live, ordered, base))
		if err != nil {
			return errors.Wrapf(err, "db: repopulating %s_live", t.Name)
		}
	}
	return nil
}

// UpdateSnapshotTable implements spec §4.5's "Update-for-snapshot-tables":
// on new tx_contexts, clear the old rows and insert the latest snapshot's
// rows into _live (snapshot tables carry only the current state), and
// append every new row to _ordered.
func (d *DerivedTables) UpdateSnapshotTable(ctx context.Context, tx pgx.Tx, schema string, t *rel.Table, newTxContextIDs []int64) error {
	live := ident(t.Name + "_live")
	ordered := ident(t.Name + "_ordered")
	base := ident(t.Name)

	// newTxContextIDs can hold more than one snapshot's worth of rows for
	// this table (several operations touching the contract at this level),
	// and row ids are drawn from the same ever-increasing
	// indexer_state.max_id sequence as tx_context ids (spec §3), so an
	// id-based delete against the just-inserted rows can never match an
	// existing _live row: every snapshot gets fresh ids. The whole subtree
	// is rewalked on every snapshot (spec §4.4), so _live must hold exactly
	// the rows of the single most recent tx_context, nothing else.
	var latestTxCtx *int64
	err := tx.QueryRow(ctx, fmt.Sprintf(
		`SELECT MAX(tx_context_id) FROM %[1]s.%[2]s WHERE tx_context_id = ANY($1)`, schema, base),
		newTxContextIDs).Scan(&latestTxCtx)
	if err != nil {
		return errors.Wrapf(err, "db: finding latest tx_context for %s", t.Name)
	}

	if latestTxCtx != nil {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %[1]s.%[2]s`, schema, live)); err != nil {
			return errors.Wrapf(err, "db: clearing %s_live", t.Name)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %[1]s.%[2]s
			SELECT b.* FROM %[1]s.%[3]s b WHERE b.tx_context_id = $1`, schema, live, base), *latestTxCtx); err != nil {
			return errors.Wrapf(err, "db: inserting new %s_live rows", t.Name)
		}
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s.%[2]s
		SELECT b.*, tc.level, tc.operation_group_number, tc.operation_number, tc.content_number, tc.internal_number,
			(SELECT COALESCE(MAX(ordering), 0) FROM %[1]s.%[2]s) +
			DENSE_RANK() OVER (ORDER BY tc.level, tc.operation_group_number, tc.operation_number, tc.content_number, COALESCE(tc.internal_number, -1))
		FROM %[1]s.%[3]s b JOIN %[4]s.tx_contexts tc ON tc.id = b.tx_context_id
		WHERE b.tx_context_id = ANY($1)`, schema, ordered, base, d.mainSchema), newTxContextIDs)
	return errors.Wrapf(err, "db: appending %s_ordered rows", t.Name)
}

// UpdateBigmapTable implements spec §4.5's three-step "Update-for-change-
// tables (bigmaps)" patch.
func (d *DerivedTables) UpdateBigmapTable(ctx context.Context, tx pgx.Tx, schema string, t *rel.Table, newTxContextIDs []int64) error {
	live := ident(t.Name + "_live")
	ordered := ident(t.Name + "_ordered")
	base := ident(t.Name)
	idxCols := indexColumnNames(t)
	idxList := identList(idxCols)

	// Step 1: rows whose bigmap_id was cleared by any tx_context in the batch.
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %[1]s.%[2]s WHERE bigmap_id IN (
			SELECT DISTINCT a.bigmap_id FROM %[3]s.bigmap_meta_actions a
			WHERE a.tx_context_id = ANY($1) AND a.action = 'clear'
		)`, schema, live, d.mainSchema), newTxContextIDs)
	if err != nil {
		return errors.Wrapf(err, "db: clearing %s_live for bigmap clears", t.Name)
	}

	// Step 2: rows whose indices are being overwritten or removed by new
	// rows in the batch.
	_, err = tx.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %[1]s.%[2]s l WHERE (%[4]s) IN (
			SELECT %[4]s FROM %[1]s.%[3]s b WHERE b.tx_context_id = ANY($1)
		)`, schema, live, base, idxList), newTxContextIDs)
	if err != nil {
		return errors.Wrapf(err, "db: clearing overwritten %s_live rows", t.Name)
	}

	// Step 3: insert new non-deleted rows.
	_, err = tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s.%[2]s
		SELECT b.* FROM %[1]s.%[3]s b WHERE b.tx_context_id = ANY($1) AND NOT b.deleted`, schema, live, base), newTxContextIDs)
	if err != nil {
		return errors.Wrapf(err, "db: inserting new %s_live rows", t.Name)
	}

	// _ordered: append new rows, ordering DENSE_RANK'd and offset by the
	// previous maximum ordering (synthetic deleted=true rows for clears are
	// already present as base-table rows per BigmapDiffsProcessor output).
	_, err = tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s.%[2]s
		SELECT b.*, tc.level, tc.operation_group_number, tc.operation_number, tc.content_number, tc.internal_number,
			(SELECT COALESCE(MAX(ordering), 0) FROM %[1]s.%[2]s) +
			DENSE_RANK() OVER (ORDER BY tc.level, tc.operation_group_number, tc.operation_number, tc.content_number, COALESCE(tc.internal_number, -1))
		FROM %[1]s.%[3]s b JOIN %[4]s.tx_contexts tc ON tc.id = b.tx_context_id
		WHERE b.tx_context_id = ANY($1)`, schema, ordered, base, d.mainSchema), newTxContextIDs)
	return errors.Wrapf(err, "db: appending %s_ordered rows", t.Name)
}

func indexColumnNames(t *rel.Table) []string {
	var out []string
	for _, c := range t.IndexColumns() {
		out = append(out, c.Name)
	}
	return out
}

func identList(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += ident(n)
	}
	return out
}

func ident(name string) string { return pgx.Identifier{name}.Sanitize() }
