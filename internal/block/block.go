// Package block holds the decoded chain data model: a Block's header,
// operation groups, contents, internal operations, storage snapshots and
// big-map diffs (spec §4.3 "Block Model"), shaped after tzstats-go's Op
// but flattened to only what StorageProcessor needs to walk.
package block

import (
	"time"

	"blockwatch.cc/tzgo/tezos"

	"github.com/tzConnectBerlin/que-pasa/internal/michelson"
)

// Block is one decoded Tezos block: header plus its operation groups.
type Block struct {
	Level      int64
	Hash       tezos.BlockHash
	Predecessor tezos.BlockHash
	Timestamp  time.Time
	Groups     []OperationGroup
}

// OperationGroup is one signed operation (a batch of contents sharing a
// signature), numbered by its position within the block (op_grp).
type OperationGroup struct {
	Hash     tezos.OpHash
	Contents []Content
}

// Content is one operation content (op), numbered by its position within
// the group (op). Internal operations triggered by this content are
// numbered by their position within Internal (content/internal).
//
// Source/Destination/OriginatedAddress are plain base58-check strings,
// already validated and stringified by internal/tzrpc's tezos.Address
// decoding at the RPC boundary — every consumer downstream (contract
// lookup maps, tx_context/txs rows) keys off the string form, so the
// typed tezos.Address never needs to cross this package boundary.
type Content struct {
	Kind        string // "transaction", "origination", etc.
	Source      string
	Destination string // empty for non-calls (e.g. originations)
	Entrypoint  string
	Fee         int64
	GasLimit    int64
	StorageLimit int64
	Amount      int64
	Parameters  *michelson.Value // decoded call argument, nil if none
	IsOrigination bool
	OriginatedAddress string // set when IsOrigination

	// Result carries what the protocol's operation_result reports: the
	// post-execution storage snapshot and any big-map diffs, plus whether
	// the content actually touched a declared contract.
	Result Result

	Internal []InternalOperation
}

// InternalOperation is an operation a contract emitted during its own
// execution (e.g. a call to another contract), numbered by position
// within its parent Content (internal_number).
type InternalOperation struct {
	Kind        string
	Source      string
	Destination string
	Entrypoint  string
	Amount      int64
	Parameters  *michelson.Value
	IsOrigination     bool
	OriginatedAddress string

	Result Result
}

// Result is the outcome a content or internal operation produced: the new
// storage value (if it touched a contract's storage) and any big-map
// diffs emitted during execution.
type Result struct {
	Status        string // "applied", "failed", "backtracked", "skipped"
	Storage       *michelson.Value
	BigmapDiffs   []BigmapDiff
	ConsumedGas   int64
	PaidStorage   int64
}

// DiffAction names the big-map protocol actions: alloc, plus the four
// (update, remove, copy, clear) spec §4.3 defines BigmapDiffsProcessor's
// Op variants over.
type DiffAction string

const (
	DiffAlloc  DiffAction = "alloc"
	DiffUpdate DiffAction = "update"
	DiffRemove DiffAction = "remove"
	DiffCopy   DiffAction = "copy"
	DiffClear  DiffAction = "clear"
)

// BigmapDiff is one raw diff entry as the node reports it, prior to
// BigmapDiffsProcessor normalization. BigmapID may be negative: the node
// uses negative placeholders for bigmaps allocated within the same
// operation group, not yet assigned their final on-chain ID.
type BigmapDiff struct {
	Action   DiffAction
	BigmapID int64

	// Update / Remove
	Key      *michelson.Value
	KeyHash  string
	Value    *michelson.Value

	// Alloc
	KeyType   *michelson.Type
	ValueType *michelson.Type

	// Copy
	SourceID int64
}

// Coord is the tx_context 5-tuple identifying a precise side-effect
// coordinate within a block (spec glossary "tx_context").
type Coord struct {
	Level          int64
	OpGroup        int
	Op             int
	Content        int
	Internal       int // -1 when not an internal operation
}

// InternalSentinel is the chosen value for "not internal" in tx_context
// ordering comparisons (spec §9 open question: standardized on -1, not -2).
const InternalSentinel = -1

// Less orders two coordinates lexicographically per spec §4.1/§4.2: the
// same ordering SQL expresses as (level, op_grp, op, content,
// COALESCE(internal,-1)).
func (c Coord) Less(o Coord) bool {
	if c.Level != o.Level {
		return c.Level < o.Level
	}
	if c.OpGroup != o.OpGroup {
		return c.OpGroup < o.OpGroup
	}
	if c.Op != o.Op {
		return c.Op < o.Op
	}
	if c.Content != o.Content {
		return c.Content < o.Content
	}
	return c.Internal < o.Internal
}
