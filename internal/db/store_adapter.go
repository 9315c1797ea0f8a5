package db

import (
	"context"
	"fmt"

	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/tzConnectBerlin/que-pasa/internal/bigmap"
	"github.com/tzConnectBerlin/que-pasa/internal/block"
	"github.com/tzConnectBerlin/que-pasa/internal/executor"
	"github.com/tzConnectBerlin/que-pasa/internal/rel"
	"github.com/tzConnectBerlin/que-pasa/internal/storageproc"
)

// StoreAdapter implements executor.Store against Writer and
// DerivedTables, closing over the set of declared contracts so the
// executor package itself never needs to know about rel.RelModel or
// per-contract schema naming.
type StoreAdapter struct {
	writer     *Writer
	derived    *DerivedTables
	mainSchema string
	contracts  map[string]*storageproc.Contract
	schemas    map[string]string // contract name -> its own schema name
	hist       bigmap.History

	// headMode mirrors whether contracts.mode has flipped to Head: while
	// false (Bootstrap), ProcessAndCommitLevel skips per-level derived-table
	// patching (spec §4.6 "derived-table updates may be skipped and
	// finalized with a repopulate"); RepopulateAll+SetMode(Head) flips it.
	// Only ever touched from the executor's single writer goroutine.
	headMode bool
}

func NewStoreAdapter(writer *Writer, derived *DerivedTables, mainSchema string, contracts map[string]*storageproc.Contract, schemas map[string]string, hist bigmap.History) *StoreAdapter {
	return &StoreAdapter{writer: writer, derived: derived, mainSchema: mainSchema, contracts: contracts, schemas: schemas, hist: hist}
}

func (s *StoreAdapter) ProcessAndCommitLevel(ctx context.Context, header executor.LevelHeader, blk *block.Block) error {
	return s.writer.ProcessAndCommitLevel(ctx, LevelHeader{
		Level: header.Level, Hash: header.Hash, PrevHash: header.PrevHash, BakedAt: header.BakedAt,
	}, blk, s.contracts, s.hist, s.schemas, s.headMode)
}

func (s *StoreAdapter) Rollback(ctx context.Context, reorgPoint int64) error {
	return s.writer.Rollback(ctx, reorgPoint)
}

func (s *StoreAdapter) StoredTip(ctx context.Context) (int64, string, bool, error) {
	var level int64
	var hash string
	err := s.writer.pool.QueryRow(ctx, fmt.Sprintf("SELECT level, hash FROM %s.levels ORDER BY level DESC LIMIT 1", s.mainSchema)).Scan(&level, &hash)
	if err != nil {
		if isNoRows(err) {
			return 0, "", false, nil
		}
		return 0, "", false, errors.Wrap(err, "db: reading stored tip")
	}
	return level, hash, true, nil
}

func (s *StoreAdapter) HashAt(ctx context.Context, level int64) (string, bool, error) {
	var hash string
	err := s.writer.pool.QueryRow(ctx, fmt.Sprintf("SELECT hash FROM %s.levels WHERE level = $1", s.mainSchema), level).Scan(&hash)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, "db: reading hash at level")
	}
	return hash, true, nil
}

func (s *StoreAdapter) RepopulateAll(ctx context.Context) error {
	for name, c := range s.contracts {
		schema, ok := s.schemas[name]
		if !ok {
			return fmt.Errorf("db: no schema registered for contract %q", name)
		}
		if err := s.derived.Repopulate(ctx, schema, modelFor(c)); err != nil {
			return errors.Wrapf(err, "db: repopulating %s", name)
		}
	}
	return nil
}

func (s *StoreAdapter) SetMode(ctx context.Context, mode executor.Mode) error {
	for name := range s.contracts {
		_, err := s.writer.pool.Exec(ctx, fmt.Sprintf("UPDATE %s.contracts SET mode = $1 WHERE name = $2", s.mainSchema), string(mode), name)
		if err != nil {
			return errors.Wrapf(err, "db: setting mode for %s", name)
		}
	}
	s.headMode = mode == executor.ModeHead
	return nil
}

func modelFor(c *storageproc.Contract) *rel.RelModel { return c.Model }

func isNoRows(err error) bool {
	return stderrors.Is(err, pgx.ErrNoRows)
}
