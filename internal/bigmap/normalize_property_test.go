package bigmap

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/tzConnectBerlin/que-pasa/internal/block"
)

// TestNormalizeDiffs_Property exercises spec §8's property: "for any op
// sequence with N Copys and M Updates, the returned ops are a subsequence
// of rewritten updates against the target; Clear{target} is preserved
// exactly once per occurrence." This generator sticks to Update/Remove/
// Clear directly against a single bigmap (no Copy aliasing), so every
// emitted op must be a rewritten copy of an input op against that bigmap,
// in the same relative order, and every Clear against the target must
// survive untouched.
func TestNormalizeDiffs_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		target := int64(1)
		n := rapid.IntRange(0, 12).Draw(rt, "n")

		var diffs []TxDiff
		wantKeyHashes := []string{}
		wantClears := 0
		for i := 0; i < n; i++ {
			coord := coordAt(int64(100 + i))
			switch rapid.SampledFrom([]string{"update", "remove", "clear"}).Draw(rt, "action") {
			case "update":
				kh := rapid.StringMatching(`[a-z]{1,8}`).Draw(rt, "keyhash")
				diffs = append(diffs, TxDiff{Coord: coord, Diff: block.BigmapDiff{
					Action: block.DiffUpdate, BigmapID: target, KeyHash: kh,
				}})
				wantKeyHashes = append(wantKeyHashes, kh)
			case "remove":
				kh := rapid.StringMatching(`[a-z]{1,8}`).Draw(rt, "keyhash")
				diffs = append(diffs, TxDiff{Coord: coord, Diff: block.BigmapDiff{
					Action: block.DiffRemove, BigmapID: target, KeyHash: kh,
				}})
				wantKeyHashes = append(wantKeyHashes, kh)
			case "clear":
				diffs = append(diffs, TxDiff{Coord: coord, Diff: block.BigmapDiff{
					Action: block.DiffClear, BigmapID: target,
				}})
				wantClears++
			}
		}

		p := NewProcessor(noHistory{})
		at := coordAt(int64(100 + n))
		deps, ops, err := p.NormalizeDiffs(target, at, diffs)
		if err != nil {
			rt.Fatalf("NormalizeDiffs returned error: %v", err)
		}
		if len(deps) != 0 {
			rt.Fatalf("expected no deps without any Copy op, got %v", deps)
		}

		gotClears := 0
		var gotKeyHashes []string
		for _, op := range ops {
			if op.Key.BigmapID != target {
				rt.Fatalf("emitted op not rewritten to target bigmap: %+v", op)
			}
			switch op.Action {
			case block.DiffClear:
				gotClears++
			case block.DiffUpdate, block.DiffRemove:
				gotKeyHashes = append(gotKeyHashes, op.Key.KeyHash)
			}
		}

		if gotClears != wantClears {
			rt.Fatalf("expected %d clears preserved, got %d", wantClears, gotClears)
		}
		if len(gotKeyHashes) != len(wantKeyHashes) {
			rt.Fatalf("expected %d update/remove ops, got %d", len(wantKeyHashes), len(gotKeyHashes))
		}
		for i := range wantKeyHashes {
			if gotKeyHashes[i] != wantKeyHashes[i] {
				rt.Fatalf("update/remove ops out of order: want %v, got %v", wantKeyHashes, gotKeyHashes)
			}
		}
	})
}

// TestNormalizeDiffs_ClearAlwaysSingleOccurrence covers the same property
// when clears and updates interleave with an unrelated bigmap ID mixed in,
// confirming unrelated diffs never leak into the normalized output.
func TestNormalizeDiffs_ClearAlwaysSingleOccurrence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		target := int64(42)
		other := int64(43)
		n := rapid.IntRange(1, 10).Draw(rt, "n")

		var diffs []TxDiff
		wantClears := 0
		for i := 0; i < n; i++ {
			coord := coordAt(int64(200 + i))
			bigmapID := target
			if rapid.Bool().Draw(rt, "unrelated") {
				bigmapID = other
			}
			if bigmapID == target {
				wantClears++
			}
			diffs = append(diffs, TxDiff{Coord: coord, Diff: block.BigmapDiff{
				Action: block.DiffClear, BigmapID: bigmapID,
			}})
		}

		p := NewProcessor(noHistory{})
		at := coordAt(int64(200 + n))
		_, ops, err := p.NormalizeDiffs(target, at, diffs)
		if err != nil {
			rt.Fatalf("NormalizeDiffs returned error: %v", err)
		}
		if len(ops) != wantClears {
			rt.Fatalf("expected %d clears against target, got %d ops", wantClears, len(ops))
		}
		for _, op := range ops {
			if op.Action != block.DiffClear || op.Key.BigmapID != target {
				rt.Fatalf("unexpected op leaked into output: %+v", op)
			}
		}
	})
}
