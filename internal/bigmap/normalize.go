// Package bigmap implements BigmapDiffsProcessor (spec §4.3): resolving
// copy/clear/update/remove diff chains emitted by the node into a flat,
// deduplicated sequence of effects against an originally-declared
// contract bigmap. Grounded on the same reverse-alias-walk idiom
// documented in spec §9's design notes; there is no teacher precedent for
// this exact algorithm, so it's written directly against the spec's
// pseudocode using plain indexed slices per §9's "iterate in reverse with
// explicit indices rather than callback chains" guidance.
package bigmap

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tzConnectBerlin/que-pasa/internal/block"
)

// memoCacheSize bounds the normalize_diffs memoization cache (spec §9:
// "memoize by (source, <= until)"); bigmap copies are rare, so a modest
// bound keeps memory flat on long bootstrap runs without ever mattering
// in practice.
const memoCacheSize = 4096

// Op is one normalized effect against a single, stable target bigmap ID.
type Op struct {
	Action block.DiffAction
	Key    *block.BigmapDiff
}

// History supplies every diff emitted by tx_contexts at or before a
// given coordinate, searched when a Copy op requires walking back into
// the source bigmap's own history. The database implementation
// (internal/db) reads it from the bigmap_keys table.
type History interface {
	// DiffsBefore returns, oldest-first, every diff recorded against
	// bigmapID at a tx_context coordinate <= until.
	DiffsBefore(bigmapID int64, until block.Coord) ([]TxDiff, error)
}

// TxDiff pairs a diff with the coordinate it was recorded at.
type TxDiff struct {
	Coord block.Coord
	Diff  block.BigmapDiff
}

// Processor runs normalize_diffs, memoizing (source, until) results per
// spec §9: "if it dominates, memoize by (source, <= until)" since the
// backwards-recursive Copy case is O(tx_contexts x diffs).
type Processor struct {
	hist  History
	cache *lru.Cache[cacheKey, cacheEntry]
}

type cacheKey struct {
	source int64
	until  block.Coord
}

type cacheEntry struct {
	deps []int64
	ops  []Op
}

func NewProcessor(hist History) *Processor {
	c, err := lru.New[cacheKey, cacheEntry](memoCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// memoCacheSize never is.
		panic(err)
	}
	return &Processor{hist: hist, cache: c}
}

// NormalizeDiffs resolves every diff recorded for tx-contexts up to and
// including at, relative to targetBigmap, into (deps, ops): ops replay
// the effect on targetBigmap alone; deps lists every ancestor bigmap ID
// whose allocation contributed to its contents (spec §4.3).
//
// diffs is the ordered (oldest-first) set of diffs recorded at exactly
// the coordinate `at`; earlier tx_contexts are consulted only when a
// Copy is encountered, via p.hist. Only those history walks are memoized:
// the diffs passed here are always resolved afresh, so two calls with the
// same targetBigmap and at but different diffs get their own ops.
func (p *Processor) NormalizeDiffs(targetBigmap int64, at block.Coord, diffs []TxDiff) (deps []int64, ops []Op, err error) {
	return p.normalize(targetBigmap, at, diffs, false)
}

func (p *Processor) normalize(target int64, until block.Coord, diffs []TxDiff, memo bool) ([]int64, []Op, error) {
	key := cacheKey{target, until}
	if memo {
		if cached, ok := p.cache.Get(key); ok {
			return cached.deps, cached.ops, nil
		}
	}

	targets := map[int64]bool{target: true}
	var deps []int64
	var emitted []Op

	// Reverse iteration per spec §4.3 step 2: later diffs are visited
	// first so a Clear can retire an alias before earlier writes to it
	// are considered.
	for i := len(diffs) - 1; i >= 0; i-- {
		d := diffs[i].Diff
		if !targets[d.BigmapID] {
			continue
		}
		switch d.Action {
		case block.DiffUpdate, block.DiffRemove:
			rewritten := d
			rewritten.BigmapID = target
			emitted = append(emitted, Op{Action: d.Action, Key: &rewritten})

		case block.DiffCopy:
			source := d.SourceID
			deps = append(deps, source)
			targets[source] = true

			earlier, err := p.hist.DiffsBefore(source, diffs[i].Coord)
			if err != nil {
				return nil, nil, err
			}
			subDeps, subOps, err := p.normalize(source, diffs[i].Coord, earlier, true)
			if err != nil {
				return nil, nil, err
			}
			deps = append(deps, subDeps...)
			// subOps is already forward-chronological; append in
			// reverse so the final full-reverse at the end restores
			// chronological order, rewriting each op onto target.
			for j := len(subOps) - 1; j >= 0; j-- {
				rewritten := *subOps[j].Key
				rewritten.BigmapID = target
				emitted = append(emitted, Op{Action: subOps[j].Action, Key: &rewritten})
			}

		case block.DiffClear:
			if d.BigmapID == target {
				rewritten := d
				emitted = append(emitted, Op{Action: block.DiffClear, Key: &rewritten})
			} else {
				delete(targets, d.BigmapID)
			}
		}
	}

	// Step 3: restore forward chronological order.
	for i, j := 0, len(emitted)-1; i < j; i, j = i+1, j-1 {
		emitted[i], emitted[j] = emitted[j], emitted[i]
	}

	deps = dedupInt64(deps)
	if memo {
		p.cache.Add(key, cacheEntry{deps: deps, ops: emitted})
	}
	return deps, emitted, nil
}

func dedupInt64(in []int64) []int64 {
	if len(in) == 0 {
		return in
	}
	seen := make(map[int64]bool, len(in))
	out := make([]int64, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
