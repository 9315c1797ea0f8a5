package storageproc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tzConnectBerlin/que-pasa/internal/bigmap"
	"github.com/tzConnectBerlin/que-pasa/internal/block"
	"github.com/tzConnectBerlin/que-pasa/internal/michelson"
	"github.com/tzConnectBerlin/que-pasa/internal/rel"
)

type seqAllocator struct{ next int64 }

func (a *seqAllocator) NextTxContextID() int64 {
	a.next++
	return a.next
}

func (a *seqAllocator) NextRowID() int64 {
	a.next++
	return a.next
}

type noHistory struct{}

func (noHistory) DiffsBefore(int64, block.Coord) ([]bigmap.TxDiff, error) { return nil, nil }

func TestProcessBlock_SkipsUnrelatedDestinations(t *testing.T) {
	storageType := &michelson.Type{Prim: michelson.PrimNat}
	model, _, err := rel.Synth("token", storageType, nil)
	require.NoError(t, err)

	contracts := map[string]*Contract{
		"KT1token": {Name: "token", Address: "KT1token", Model: model},
	}

	b := &block.Block{
		Level: 100,
		Groups: []block.OperationGroup{{
			Contents: []block.Content{{
				Kind: "transaction", Destination: "KT1other",
				Result: block.Result{Status: "applied"},
			}},
		}},
	}

	plan, err := ProcessBlock(b, contracts, &seqAllocator{}, noHistory{}, nil)
	require.NoError(t, err)
	require.Empty(t, plan.TxContexts)
	require.Empty(t, plan.Txs)
}

func TestProcessBlock_WalksStorageForDeclaredContract(t *testing.T) {
	storageType := &michelson.Type{Prim: michelson.PrimNat}
	model, _, err := rel.Synth("token", storageType, nil)
	require.NoError(t, err)

	contracts := map[string]*Contract{
		"KT1token": {Name: "token", Address: "KT1token", Model: model},
	}

	one := "1"
	b := &block.Block{
		Level: 100,
		Groups: []block.OperationGroup{{
			Contents: []block.Content{{
				Kind: "transaction", Destination: "KT1token", Entrypoint: "default",
				Result: block.Result{
					Status:  "applied",
					Storage: &michelson.Value{Prim: michelson.PrimNat, Int: &one},
				},
			}},
		}},
	}

	plan, err := ProcessBlock(b, contracts, &seqAllocator{}, noHistory{}, nil)
	require.NoError(t, err)
	require.Len(t, plan.TxContexts, 1)
	require.Equal(t, int64(1), plan.TxContexts[0].ID)
	require.Equal(t, "token", plan.TxContexts[0].Contract)
	require.Len(t, plan.Txs, 1)
	require.Equal(t, "default", plan.Txs[0].Entrypoint)
	require.Len(t, plan.TableInserts, 1)
	require.Equal(t, model.Storage, plan.TableInserts[0].Table)
}

// TestProcessBlock_OrDiscriminatorWithTrailingSibling covers a pair whose
// left arm is a data-bearing `or` and whose right arm is another scalar
// field in the same table: the or's discriminator column must take the
// column at its own position in Synth's append order, not the table's last
// TEXT column, or a following TEXT sibling field would swallow the
// discriminator's value and the root row's enum would read empty.
func TestProcessBlock_OrDiscriminatorWithTrailingSibling(t *testing.T) {
	orType := &michelson.Type{
		Prim: michelson.PrimOr,
		Args: []*michelson.Type{
			{Prim: michelson.PrimNat, Annots: michelson.Annots{Field: "minted"}},
			{Prim: michelson.PrimNat, Annots: michelson.Annots{Field: "burned"}},
		},
		Annots: michelson.Annots{Field: "event"},
	}
	storageType := &michelson.Type{
		Prim: michelson.PrimPair,
		Args: []*michelson.Type{
			orType,
			{Prim: michelson.PrimString, Annots: michelson.Annots{Field: "memo"}},
		},
	}

	model, warnings, err := rel.Synth("events", storageType, nil)
	require.NoError(t, err)
	require.Empty(t, warnings)

	amount := "5"
	memo := "hello"
	storageValue := &michelson.Value{
		Prim: michelson.PrimPair,
		Elems: []*michelson.Value{
			{Prim: michelson.PrimOr, IsLeft: true, Elems: []*michelson.Value{{Prim: michelson.PrimNat, Int: &amount}}},
			{Prim: michelson.PrimString, String: &memo},
		},
	}

	rows, err := WalkValue(model.Storage, storageValue, (&seqAllocator{}).NextRowID)
	require.NoError(t, err)
	require.Len(t, rows, 2, "root row plus the or's 'minted' child row")

	root := rows[0]
	require.Equal(t, "Left", root.Values["event.variant"])
	require.Equal(t, "hello", root.Values["memo"])

	child := rows[1]
	require.Equal(t, root.ID, *child.ParentID)
	require.Equal(t, "5", child.Values["minted"])
}
