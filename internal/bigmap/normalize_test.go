package bigmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tzConnectBerlin/que-pasa/internal/block"
)

// noHistory backs tests that never need to walk earlier tx_contexts.
type noHistory struct{}

func (noHistory) DiffsBefore(int64, block.Coord) ([]TxDiff, error) { return nil, nil }

func coordAt(level int64) block.Coord {
	return block.Coord{Level: level, OpGroup: 0, Op: 0, Content: 0, Internal: block.InternalSentinel}
}

func TestNormalizeDiffs_EmptyBigmapClear(t *testing.T) {
	p := NewProcessor(noHistory{})
	at := coordAt(100)
	diffs := []TxDiff{
		{Coord: at, Diff: block.BigmapDiff{Action: block.DiffClear, BigmapID: 0}},
	}

	deps, ops, err := p.NormalizeDiffs(0, at, diffs)
	require.NoError(t, err)
	require.Empty(t, deps)
	require.Len(t, ops, 1)
	require.Equal(t, block.DiffClear, ops[0].Action)
	require.EqualValues(t, 0, ops[0].Key.BigmapID)
}

func TestNormalizeDiffs_UnrelatedTarget(t *testing.T) {
	p := NewProcessor(noHistory{})
	at := coordAt(100)

	deps, ops, err := p.NormalizeDiffs(10, at, nil)
	require.NoError(t, err)
	require.Empty(t, deps)
	require.Empty(t, ops)
}

// copyHistory answers DiffsBefore(5, ...) with tx A's single update,
// modeling scenario 3: "Tx A: Update{5, k=1, v=a}. Tx B: Copy{bigmap:7,
// source:5}; Update{7, k=2, v=b}."
type copyHistory struct {
	txA block.Coord
}

func (h copyHistory) DiffsBefore(bigmapID int64, until block.Coord) ([]TxDiff, error) {
	if bigmapID != 5 {
		return nil, nil
	}
	return []TxDiff{
		{Coord: h.txA, Diff: block.BigmapDiff{Action: block.DiffUpdate, BigmapID: 5, KeyHash: "k=1"}},
	}, nil
}

func TestNormalizeDiffs_CopyThenUpdate(t *testing.T) {
	txA := coordAt(100)
	txB := coordAt(101)
	p := NewProcessor(copyHistory{txA: txA})

	diffsAtB := []TxDiff{
		{Coord: txB, Diff: block.BigmapDiff{Action: block.DiffCopy, BigmapID: 7, SourceID: 5}},
		{Coord: txB, Diff: block.BigmapDiff{Action: block.DiffUpdate, BigmapID: 7, KeyHash: "k=2"}},
	}

	deps, ops, err := p.NormalizeDiffs(7, txB, diffsAtB)
	require.NoError(t, err)
	require.Equal(t, []int64{5}, deps)
	require.Len(t, ops, 2)
	require.Equal(t, "k=1", ops[0].Key.KeyHash)
	require.Equal(t, "k=2", ops[1].Key.KeyHash)
	for _, op := range ops {
		require.EqualValues(t, 7, op.Key.BigmapID)
	}
}

func TestNormalizeDiffs_ClearDropsUnrelatedAlias(t *testing.T) {
	p := NewProcessor(noHistory{})
	at := coordAt(200)

	// A clear on a bigmap that isn't the target, and was never added to
	// the targets set via a Copy, must not be emitted and must not
	// affect anything else.
	diffs := []TxDiff{
		{Coord: at, Diff: block.BigmapDiff{Action: block.DiffClear, BigmapID: 99}},
		{Coord: at, Diff: block.BigmapDiff{Action: block.DiffUpdate, BigmapID: 1, KeyHash: "only"}},
	}

	_, ops, err := p.NormalizeDiffs(1, at, diffs)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, "only", ops[0].Key.KeyHash)
}
