// Package storageproc implements StorageProcessor (spec §4.4): turning one
// decoded block into the ordered set of row inserts and bigmap
// meta-actions that advance the database by exactly one level.
package storageproc

import (
	"fmt"
	"strings"

	"github.com/tzConnectBerlin/que-pasa/internal/bigmap"
	"github.com/tzConnectBerlin/que-pasa/internal/block"
	"github.com/tzConnectBerlin/que-pasa/internal/michelson"
	"github.com/tzConnectBerlin/que-pasa/internal/rel"
)

// Contract is one declared contract's synthesis result plus its resolved
// on-chain address, as StorageProcessor needs it to recognize relevant
// content. StorageType/ParamType are carried alongside the synthesized
// Model because decoding a raw Micheline value off the wire (internal/tzrpc)
// needs the type AST, not just the derived table shapes.
type Contract struct {
	Name        string
	Address     string
	Model       *rel.RelModel
	StorageType *michelson.Type
	ParamType   *michelson.Type
}

// TxContext is one tx_contexts row: the 5-tuple coordinate plus the
// contract it belongs to.
type TxContext struct {
	ID       int64
	Contract string
	Coord    block.Coord
}

// Tx is one txs row (fee/gas/source/destination/entrypoint metadata),
// carried alongside its TxContext per spec §3 "one per tx_context".
type Tx struct {
	TxContextID int64
	Source      string
	Destination string
	Entrypoint  string
	Fee         int64
	GasUsed     int64
	StorageSize int64
	Status      string
}

// TableInsert is one row destined for a contract-schema table. ParentID is
// non-nil when Table.HasParentFK, carrying the parent row's own ID (spec
// §4.2: "each non-bigmap child holds a foreign key to its parent row").
type TableInsert struct {
	ID          int64
	Contract    string
	Table       *rel.Table
	TxContextID int64
	ParentID    *int64
	ListIdx     *int
	Values      map[string]any
}

// BigmapOp is one normalized per-row effect against a declared bigmap
// table, plus the meta-action bookkeeping spec §4.4 requires recording.
// Values holds the structural bigmap_id/deleted columns plus the
// idx_*/value columns WalkBigmapEntry produced from the op's key/value
// (only the structural ones for a Clear, which carries no key).
type BigmapOp struct {
	ID          int64
	Contract    string
	Table       *rel.Table
	TxContextID int64
	Op          bigmap.Op
	Values      map[string]any
}

// RawBigmapDiff is one unnormalized diff as the node reported it, recorded
// verbatim (spec §4.2's bigmap_keys) so a later Copy targeting this bigmap
// as its source can walk back through it via BigmapHistory without
// re-fetching from the node.
type RawBigmapDiff struct {
	TxContextID int64
	Coord       block.Coord
	Diff        block.BigmapDiff
}

// ContractDep records a cross-contract bigmap copy discovered while
// normalizing diffs (spec §3 contract_deps).
type ContractDep struct {
	Level       int64
	SrcContract string
	DestSchema  string
	IsDeepCopy  bool
}

// BigmapMetaAction is one non-update bigmap action audit row (spec §3
// bigmap_meta_actions): alloc, copy, and clear are recorded here;
// update/remove effects are ordinary per-row BigmapOps instead.
type BigmapMetaAction struct {
	TxContextID int64
	BigmapID    int64
	Action      string
}

// ContractLevel marks a level where a declared contract was active,
// is_origination=true at genesis (spec §3 contract_levels).
type ContractLevel struct {
	Contract      string
	Level         int64
	IsOrigination bool
}

// Plan is the full ordered result of processing one block: the inserts to
// apply, in the order they must be written (spec §4.4/§5: "rows are
// inserted in tx_context lexicographic order").
type Plan struct {
	Level             int64
	TxContexts        []TxContext
	Txs               []Tx
	TableInserts      []TableInsert
	BigmapOps         []BigmapOp
	BigmapMetaActions []BigmapMetaAction
	RawBigmapDiffs    []RawBigmapDiff
	ContractDeps      []ContractDep
	ContractLevels    []ContractLevel
}

// IDAllocator hands out strictly increasing, globally unique IDs,
// serialized through the writer's transaction per spec §9 "Monotone IDs:
// serialize allocation through the writer; never fetch-then-increment
// outside a transaction." Per spec §3, tx_context IDs and every
// contract-schema row ID are drawn from the same `indexer_state.max_id`
// counter, so NextTxContextID and NextRowID share one sequence.
type IDAllocator interface {
	NextTxContextID() int64
	NextRowID() int64
}

// BigmapHistory is consulted once per diff target to resolve copy chains;
// the database implementation (internal/db) reads it from bigmap_keys.
type BigmapHistory = bigmap.History

// BigmapRegistry resolves which synthesized bigmap table a given on-chain
// bigmap_id belongs to, for contracts that declare more than one bigmap.
// ProcessBlock learns the mapping for free every time it walks a storage
// snapshot (a snapshot reports the current bigmap_id of every big_map
// field, not only newly-allocated ones — see WalkValue's "<path>.bigmap_id"
// convention) and calls Observe; it calls Lookup to resolve a diff whose
// tx_context carries no storage snapshot of its own (an update-only
// content). Callers back this with a map that outlives one ProcessBlock
// call, since a bigmap can be diffed in a block that never re-snapshots
// the storage field pointing at it.
type BigmapRegistry interface {
	Lookup(contract string, bigmapID int64) (*rel.Table, bool)
	Observe(contract string, bigmapID int64, table *rel.Table)
}

// NullRegistry is the zero-information BigmapRegistry: every Lookup
// misses, so ProcessBlock falls back to a contract's sole bigmap table
// when it only declares one.
type NullRegistry struct{}

func (NullRegistry) Lookup(string, int64) (*rel.Table, bool) { return nil, false }
func (NullRegistry) Observe(string, int64, *rel.Table)       {}

// MemRegistry is an in-process BigmapRegistry, sufficient for the single
// writer goroutine that owns one Executor run (spec §5 "single writer
// task owns the database connection"). Not safe for concurrent use.
type MemRegistry struct {
	byContract map[string]map[int64]*rel.Table
}

func NewMemRegistry() *MemRegistry {
	return &MemRegistry{byContract: map[string]map[int64]*rel.Table{}}
}

func (r *MemRegistry) Lookup(contract string, bigmapID int64) (*rel.Table, bool) {
	t, ok := r.byContract[contract][bigmapID]
	return t, ok
}

func (r *MemRegistry) Observe(contract string, bigmapID int64, table *rel.Table) {
	m, ok := r.byContract[contract]
	if !ok {
		m = map[int64]*rel.Table{}
		r.byContract[contract] = m
	}
	m[bigmapID] = table
}

// ProcessBlock implements StorageProcessor.process_block (spec §4.4): for
// each operation content and internal operation touching a declared
// contract, allocate a tx_context, walk its post-execution storage
// snapshot against the contract's RelModel, and normalize any big-map
// diffs it carries. registry may be nil, equivalent to NullRegistry{}.
// Content is matched on each Contract's Address, whatever contracts is
// keyed by.
func ProcessBlock(b *block.Block, contracts map[string]*Contract, ids IDAllocator, hist BigmapHistory, registry BigmapRegistry) (*Plan, error) {
	if registry == nil {
		registry = NullRegistry{}
	}
	plan := &Plan{Level: b.Level}
	bmProc := bigmap.NewProcessor(hist)

	byAddress := make(map[string]*Contract, len(contracts))
	for _, c := range contracts {
		byAddress[c.Address] = c
	}

	effects := block.Flatten(b)
	for _, eff := range effects {
		contract, ok := byAddress[eff.Destination]
		if !ok && eff.IsOrigination {
			contract, ok = byAddress[eff.OriginatedAddress]
		}
		if !ok {
			continue
		}

		txCtxID := ids.NextTxContextID()
		plan.TxContexts = append(plan.TxContexts, TxContext{
			ID: txCtxID, Contract: contract.Name, Coord: eff.Coord,
		})
		plan.Txs = append(plan.Txs, Tx{
			TxContextID: txCtxID,
			Source:      eff.Source,
			Destination: eff.Destination,
			Entrypoint:  eff.Entrypoint,
			Status:      eff.Result.Status,
			GasUsed:     eff.Result.ConsumedGas,
			StorageSize: eff.Result.PaidStorage,
		})
		if eff.IsOrigination {
			plan.ContractLevels = append(plan.ContractLevels, ContractLevel{
				Contract: contract.Name, Level: b.Level, IsOrigination: true,
			})
		}

		if eff.Result.Storage != nil {
			rows, err := WalkValue(contract.Model.Storage, eff.Result.Storage, ids.NextRowID)
			if err != nil {
				return nil, fmt.Errorf("storageproc: walking storage for %s at %+v: %w", contract.Name, eff.Coord, err)
			}
			for _, r := range rows {
				plan.TableInserts = append(plan.TableInserts, TableInsert{
					ID: r.ID, Contract: contract.Name, Table: r.Table, TxContextID: txCtxID,
					ParentID: r.ParentID, ListIdx: r.ListIdx, Values: r.Values,
				})
				observeBigmapRefs(registry, contract, r.Values)
			}
		}

		if eff.Parameters != nil && eff.Entrypoint != "" {
			if epTable, ok := contract.Model.Entrypoints[eff.Entrypoint]; ok {
				rows, err := WalkValue(epTable, eff.Parameters, ids.NextRowID)
				if err != nil {
					return nil, fmt.Errorf("storageproc: walking entrypoint %s params for %s at %+v: %w", eff.Entrypoint, contract.Name, eff.Coord, err)
				}
				for _, r := range rows {
					plan.TableInserts = append(plan.TableInserts, TableInsert{
						ID: r.ID, Contract: contract.Name, Table: r.Table, TxContextID: txCtxID,
						ParentID: r.ParentID, ListIdx: r.ListIdx, Values: r.Values,
					})
				}
			}
		}

		for _, diff := range eff.Result.BigmapDiffs {
			plan.RawBigmapDiffs = append(plan.RawBigmapDiffs, RawBigmapDiff{
				TxContextID: txCtxID, Coord: eff.Coord, Diff: diff,
			})

			// alloc/copy are audited directly (spec §3 bigmap_meta_actions);
			// alloc never reaches BigmapDiffsProcessor since it has no prior
			// state to normalize against.
			if diff.Action == block.DiffAlloc {
				plan.BigmapMetaActions = append(plan.BigmapMetaActions, BigmapMetaAction{
					TxContextID: txCtxID, BigmapID: diff.BigmapID, Action: string(block.DiffAlloc),
				})
				if t := resolveBigmapTable(registry, contract, diff.BigmapID); t != nil {
					registry.Observe(contract.Name, diff.BigmapID, t)
				}
				continue
			}
			if diff.Action == block.DiffCopy {
				plan.BigmapMetaActions = append(plan.BigmapMetaActions, BigmapMetaAction{
					TxContextID: txCtxID, BigmapID: diff.BigmapID, Action: string(block.DiffCopy),
				})
			}

			target := diff.BigmapID
			txDiff := bigmap.TxDiff{Coord: eff.Coord, Diff: diff}
			deps, ops, err := bmProc.NormalizeDiffs(target, eff.Coord, []bigmap.TxDiff{txDiff})
			if err != nil {
				return nil, fmt.Errorf("storageproc: normalizing bigmap %d at %+v: %w", target, eff.Coord, err)
			}
			table := resolveBigmapTable(registry, contract, target)
			for _, op := range ops {
				values, err := bigmapOpValues(table, op)
				if err != nil {
					return nil, fmt.Errorf("storageproc: decoding bigmap op for %s at %+v: %w", contract.Name, eff.Coord, err)
				}
				plan.BigmapOps = append(plan.BigmapOps, BigmapOp{
					ID: ids.NextRowID(), Contract: contract.Name, Table: table, TxContextID: txCtxID, Op: op, Values: values,
				})
				if op.Action == block.DiffClear {
					plan.BigmapMetaActions = append(plan.BigmapMetaActions, BigmapMetaAction{
						TxContextID: txCtxID, BigmapID: op.Key.BigmapID, Action: string(block.DiffClear),
					})
				}
			}
			for _, dep := range deps {
				plan.ContractDeps = append(plan.ContractDeps, ContractDep{
					Level: b.Level, SrcContract: contract.Name, DestSchema: fmt.Sprintf("bigmap_%d", dep),
				})
			}
		}
	}

	return plan, nil
}

// observeBigmapRefs scans one walked row's values for the
// "<path>.bigmap_id" entries WalkValue's walkMap produces and teaches the
// registry which table owns each currently-live bigmap_id.
func observeBigmapRefs(registry BigmapRegistry, contract *Contract, values map[string]any) {
	const suffix = ".bigmap_id"
	for k, v := range values {
		if !strings.HasSuffix(k, suffix) {
			continue
		}
		id, ok := v.(int64)
		if !ok {
			continue
		}
		tableName := strings.TrimSuffix(k, suffix)
		for _, t := range contract.Model.Tables {
			if t.Name == tableName {
				registry.Observe(contract.Name, id, t)
				break
			}
		}
	}
}

// resolveBigmapTable looks the target bigmap up in the registry first
// (learned from a storage snapshot, this block's or an earlier one's);
// falls back to the contract's sole bigmap table when it only declares
// one, which resolves the common case even with an empty registry.
func resolveBigmapTable(registry BigmapRegistry, contract *Contract, bigmapID int64) *rel.Table {
	if t, ok := registry.Lookup(contract.Name, bigmapID); ok {
		return t
	}
	tables := contract.Model.BigMapTables()
	if len(tables) == 1 {
		return tables[0]
	}
	return nil
}

// bigmapOpValues decodes op's key/value (if any) against table's column
// layout via WalkBigmapEntry, and sets the structural bigmap_id/deleted
// columns every bigmap row carries (spec §4.2). A Clear carries no key,
// so its idx_* columns are left unset (NULL) — table DDL (rel/synth.go)
// makes a bigmap table's idx_* columns nullable for exactly this case.
func bigmapOpValues(table *rel.Table, op bigmap.Op) (map[string]any, error) {
	if table == nil {
		return nil, nil
	}
	values := map[string]any{
		"bigmap_id": op.Key.BigmapID,
		"deleted":   op.Action == block.DiffClear || op.Action == block.DiffRemove,
	}
	if op.Action == block.DiffClear {
		return values, nil
	}
	decoded, err := WalkBigmapEntry(table, op.Key.Key, op.Key.Value)
	if err != nil {
		return nil, err
	}
	for k, v := range decoded {
		values[k] = v
	}
	return values, nil
}
