package rel

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tzConnectBerlin/que-pasa/internal/michelson"
)

func prim(p michelson.Prim) *michelson.Type { return &michelson.Type{Prim: p} }

func field(name string, t *michelson.Type) *michelson.Type {
	t2 := *t
	t2.Annots.Field = name
	return &t2
}

func pair(a, b *michelson.Type) *michelson.Type {
	return &michelson.Type{Prim: michelson.PrimPair, Args: []*michelson.Type{a, b}}
}

// TestSynth_StorageScalarsAndPairInlining covers spec §4.2's pair-inlining
// and annotation-preferred naming: a pair of two annotated scalars inlines
// both into the same table's columns.
func TestSynth_StorageScalarsAndPairInlining(t *testing.T) {
	storage := pair(field("owner", prim(michelson.PrimAddress)), field("balance", prim(michelson.PrimNat)))

	model, warnings, err := Synth("token", storage, nil)
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Len(t, model.Tables, 1, "pair inlines into a single storage table, no child tables")

	root := model.Storage
	require.Equal(t, "storage", root.Name)
	owner := root.Column("owner")
	require.NotNil(t, owner)
	require.Equal(t, "TEXT", owner.PgType)
	balance := root.Column("balance")
	require.NotNil(t, balance)
	require.Equal(t, "NUMERIC", balance.PgType)
}

// TestSynth_OptionIsNullable covers spec §4.2 "option T: emits a nullable
// version of T".
func TestSynth_OptionIsNullable(t *testing.T) {
	storage := pair(
		field("memo", &michelson.Type{Prim: michelson.PrimOption, Args: []*michelson.Type{prim(michelson.PrimString)}}),
		field("id", prim(michelson.PrimNat)),
	)

	model, _, err := Synth("memos", storage, nil)
	require.NoError(t, err)
	col := model.Storage.Column("memo")
	require.NotNil(t, col)
	require.True(t, col.Nullable)
}

// TestSynth_UnitOrBecomesEnumColumn covers spec §4.2: "or(A, B): if both
// arms are unit, emits a single enum-text column".
func TestSynth_UnitOrBecomesEnumColumn(t *testing.T) {
	storage := field("status", &michelson.Type{
		Prim: michelson.PrimOr,
		Args: []*michelson.Type{
			field("active", prim(michelson.PrimUnit)),
			field("paused", prim(michelson.PrimUnit)),
		},
	})

	model, _, err := Synth("pausable", storage, nil)
	require.NoError(t, err)
	require.Len(t, model.Tables, 1, "unit/unit or collapses to a column, no child table")
	col := model.Storage.Column("status")
	require.NotNil(t, col)
	require.Equal(t, "TEXT", col.PgType)
}

// TestSynth_OrWithDataArmsEmitsChildTables covers spec §4.2: "otherwise,
// emits a child table per non-unit arm plus a discriminator column on the
// parent".
func TestSynth_OrWithDataArmsEmitsChildTables(t *testing.T) {
	storage := field("event", &michelson.Type{
		Prim: michelson.PrimOr,
		Args: []*michelson.Type{
			field("minted", prim(michelson.PrimNat)),
			field("burned", prim(michelson.PrimNat)),
		},
	})

	model, _, err := Synth("events", storage, nil)
	require.NoError(t, err)
	require.Len(t, model.Tables, 3, "root + one child table per data arm")
	require.NotNil(t, model.Storage.Column("variant"))
	require.Len(t, model.Storage.Children, 2)
	for _, child := range model.Storage.Children {
		require.True(t, child.HasParentFK)
	}
}

// TestSynth_BigMapGetsIndexColumnsNoParentFK covers spec §4.2: bigmaps
// carry bigmap_id/deleted/idx_* columns and are never FK-linked to their
// parent.
func TestSynth_BigMapGetsIndexColumnsNoParentFK(t *testing.T) {
	storage := field("ledger", &michelson.Type{
		Prim: michelson.PrimBigMap,
		Args: []*michelson.Type{
			field("owner", prim(michelson.PrimAddress)),
			field("balance", prim(michelson.PrimNat)),
		},
	})

	model, _, err := Synth("fa2", storage, nil)
	require.NoError(t, err)
	bigmaps := model.BigMapTables()
	require.Len(t, bigmaps, 1)
	ledger := bigmaps[0]
	require.False(t, ledger.HasParentFK)
	require.NotNil(t, ledger.Column("bigmap_id"))
	require.NotNil(t, ledger.Column("deleted"))

	idxCols := ledger.IndexColumns()
	require.Len(t, idxCols, 1)
	require.Equal(t, "idx_owner", idxCols[0].Name)
	require.True(t, idxCols[0].Nullable, "bigmap idx_* columns are nullable (Clear carries no key)")
}

// TestSynth_UnsupportedTypeWarnsAndDropsColumn covers the ticket/sapling/
// lambda UnsupportedType failure mode (spec §4.2): warned, no column.
func TestSynth_UnsupportedTypeWarnsAndDropsColumn(t *testing.T) {
	storage := pair(field("meta", prim(michelson.PrimLambda)), field("id", prim(michelson.PrimNat)))

	model, warnings, err := Synth("withlambda", storage, nil)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	require.Nil(t, model.Storage.Column("meta"))
	require.NotNil(t, model.Storage.Column("id"))
}

// TestSynth_EntrypointParameterTable covers spec testable scenario 6: a
// named entrypoint in the parameter `or`-tree produces its own table.
func TestSynth_EntrypointParameterTable(t *testing.T) {
	storage := prim(michelson.PrimUnit)
	params := &michelson.Type{
		Prim: michelson.PrimOr,
		Args: []*michelson.Type{
			field("mint", pair(field("owner", prim(michelson.PrimAddress)), field("amount", prim(michelson.PrimNat)))),
			field("burn", pair(field("token_id", prim(michelson.PrimNat)), field("amount", prim(michelson.PrimNat)))),
		},
	}

	model, _, err := Synth("mintable", storage, params)
	require.NoError(t, err)
	mint, ok := model.Entrypoints["mint"]
	require.True(t, ok)
	require.NotNil(t, mint.Column("owner"))
	require.NotNil(t, mint.Column("amount"))

	burn, ok := model.Entrypoints["burn"]
	require.True(t, ok)
	require.NotNil(t, burn.Column("amount"))
}

// TestSynth_ColumnCollisionGetsNumericSuffix covers spec §4.2: "Name
// collisions are broken by numeric suffixes preserving insertion order".
func TestSynth_ColumnCollisionGetsNumericSuffix(t *testing.T) {
	storage := pair(field("id", prim(michelson.PrimNat)), field("id", prim(michelson.PrimString)))

	model, _, err := Synth("collide", storage, nil)
	require.NoError(t, err)

	var names []string
	for _, c := range model.Storage.Columns {
		names = append(names, c.Name)
	}
	want := []string{"id", "id_2"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("column names mismatch (-want +got):\n%s", diff)
	}
}
