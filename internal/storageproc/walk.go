package storageproc

import (
	"fmt"
	"sort"

	"github.com/tzConnectBerlin/que-pasa/internal/michelson"
	"github.com/tzConnectBerlin/que-pasa/internal/rel"
)

// Row is one value walked out of a storage or parameter snapshot, destined
// for a single synthesized table. Values holds one entry per non-dropped
// column the walk produced for Table, plus one "<child>.bigmap_id" entry
// per big_map field holding its current bigmap id; those entries are not
// columns of Table. ID is pre-allocated at walk time (not
// at write time) so that a child row can carry its parent's ID as its
// parent_id foreign key (spec §4.2 "each non-bigmap child holds a foreign
// key to its parent row").
type Row struct {
	ID       int64
	ParentID *int64
	Table    *rel.Table
	ListIdx  *int
	Values   map[string]any

	nextScalar int // cursor into Table.Columns, advanced as the walk assigns scalar leaves in order
}

// walkState accumulates Rows during one WalkValue call. Mirrors rel.Synth's
// synthState shape: a single recursive descent that mirrors the type walk,
// but over Values instead of Types, guided by the already-synthesized
// Table forest so column names/table assignment match exactly.
type walkState struct {
	rows  []Row
	alloc func() int64
}

// WalkValue walks a decoded storage (or entrypoint parameter) value against
// the Table the same value's type synthesized to, producing one Row per
// table the walk visits (spec §4.4: "for each storage snapshot, walk the
// value AST against the contract's RelModel; for each table along the
// walk, emit one row tied to the tx_context_id"). big_map occurrences
// contribute only a bigmap_id value on the enclosing row — no row is
// emitted for the bigmap table itself, per spec §4.4. alloc hands out the
// globally-unique row ID each visited table gets (spec §3 "Row IDs are
// globally unique integers drawn from indexer_state.max_id"). Rows are
// returned in ID order, which puts every parent before its children.
func WalkValue(root *rel.Table, v *michelson.Value, alloc func() int64) ([]Row, error) {
	s := &walkState{alloc: alloc}
	row := Row{ID: alloc(), Table: root, Values: map[string]any{}}
	if err := s.walk(root, &row, v); err != nil {
		return nil, err
	}
	s.rows = append(s.rows, row)
	// IDs are allocated parent-first during the descent.
	sort.Slice(s.rows, func(i, j int) bool { return s.rows[i].ID < s.rows[j].ID })
	return s.rows, nil
}

// WalkBigmapEntry walks one big_map key/value pair against the synthesized
// bigmap table the same way walkMap walks a plain map element (spec §4.4's
// bigmap branch: key populates the idx_* columns, value populates the rest,
// in the same column-cursor order Synth assigned them). value may be nil for
// a removal, in which case only the idx_* columns are populated. Bigmap
// tables carry no parent_id (spec §4.2 "not linked by FK"), so no
// allocator is needed here — the caller assigns the row's own ID.
func WalkBigmapEntry(table *rel.Table, key, value *michelson.Value) (map[string]any, error) {
	// A bigmap's key/value types never themselves contain a nested
	// list/map/or requiring a child table (Synth already gave those their
	// own child tables off the bigmap table, which this entry-level walk
	// doesn't populate), so alloc is never actually invoked; it's set here
	// only so a future key/value shape that does recurse fails loudly
	// instead of nil-panicking.
	s := &walkState{alloc: func() int64 {
		panic("storageproc: WalkBigmapEntry hit a nested container column; bigmap value child tables are not supported")
	}}
	row := Row{Table: table, Values: map[string]any{}}
	if err := s.walk(table, &row, key); err != nil {
		return nil, err
	}
	if value != nil {
		if err := s.walk(table, &row, value); err != nil {
			return nil, err
		}
	}
	return row.Values, nil
}

func (s *walkState) walk(table *rel.Table, row *Row, v *michelson.Value) error {
	if v == nil {
		return nil
	}
	if michelson.IsUnsupported(v.Prim) {
		return nil
	}

	switch v.Prim {
	case michelson.PrimPair:
		if len(v.Elems) != 2 {
			return fmt.Errorf("storageproc: pair value with %d elems", len(v.Elems))
		}
		if err := s.walk(table, row, v.Elems[0]); err != nil {
			return err
		}
		return s.walk(table, row, v.Elems[1])

	case michelson.PrimOption:
		if v.IsNone || len(v.Elems) == 0 {
			return nil
		}
		return s.walk(table, row, v.Elems[0])

	case michelson.PrimOr:
		return s.walkOr(table, row, v)

	case michelson.PrimList, michelson.PrimSet:
		return s.walkListOrSet(table, row, v)

	case michelson.PrimMap:
		return s.walkMap(table, row, v, false)

	case michelson.PrimBigMap:
		return s.walkMap(table, row, v, true)

	default:
		col := nextScalarColumn(table, row)
		if col == nil {
			return nil
		}
		row.Values[col.Name] = scalarValue(v)
		return nil
	}
}

// nextScalarColumn advances row's column cursor to the next column a
// plain scalar leaf should populate, skipping the structural columns
// (bigmap_id/deleted/list_idx, which are set elsewhere in the walk, never
// from a scalar leaf value). Synth assigns columns in the exact descent
// order a value walk replays, so the next unclaimed column is always the
// match; the or-discriminator column is consumed separately by walkOr via
// takeColumn, in its own correct position in that same sequence, before
// any sibling field following the or reaches this function.
func nextScalarColumn(table *rel.Table, row *Row) *rel.Column {
	for row.nextScalar < len(table.Columns) {
		c := &table.Columns[row.nextScalar]
		row.nextScalar++
		if c.Name == "bigmap_id" || c.Name == "deleted" || c.Name == "list_idx" {
			continue
		}
		return c
	}
	return nil
}

// takeColumn advances row's column cursor by exactly one column, with no
// skipping — used where the caller knows (by construction) that the very
// next column in Synth's append order is the one it wants, e.g. the
// or-discriminator column walkOr consumes before descending into its
// child table.
func takeColumn(table *rel.Table, row *Row) *rel.Column {
	if row.nextScalar >= len(table.Columns) {
		return nil
	}
	c := &table.Columns[row.nextScalar]
	row.nextScalar++
	return c
}

func scalarValue(v *michelson.Value) any {
	switch {
	case v.Int != nil:
		return *v.Int
	case v.String != nil:
		return *v.String
	case v.Bytes != nil:
		return v.Bytes
	case v.Bool != nil:
		return *v.Bool
	default:
		return nil
	}
}

// walkOr handles both the unit-or case (a plain enum column on the same
// table, per rel.Synth's walkOr) and the full-or case (a discriminator
// column plus one child table per non-unit arm). Either shape appends
// exactly one column to table at this point in Synth's descent, so the
// cursor's next column is always that one, regardless of what other
// fields precede or follow it in the same table.
func (s *walkState) walkOr(table *rel.Table, row *Row, v *michelson.Value) error {
	variant := "Left"
	if v.IsRight {
		variant = "Right"
	}
	if col := takeColumn(table, row); col != nil {
		row.Values[col.Name] = variant
	}

	if len(table.Children) == 0 {
		// Unit-or: Synth collapsed this into the single enum column above.
		return nil
	}

	idx := 0
	if v.IsRight {
		idx = 1
	}
	if idx >= len(table.Children) || len(v.Elems) != 1 {
		return nil
	}
	child := table.Children[idx]
	childRow := Row{ID: s.alloc(), ParentID: &row.ID, Table: child, Values: map[string]any{}}
	if err := s.walk(child, &childRow, v.Elems[0]); err != nil {
		return err
	}
	s.rows = append(s.rows, childRow)
	return nil
}

func (s *walkState) walkListOrSet(table *rel.Table, row *Row, v *michelson.Value) error {
	child := findListChild(table)
	if child == nil {
		return nil
	}
	for i, elem := range v.Elems {
		idx := i
		childRow := Row{ID: s.alloc(), ParentID: &row.ID, Table: child, ListIdx: &idx, Values: map[string]any{}}
		if err := s.walk(child, &childRow, elem); err != nil {
			return err
		}
		s.rows = append(s.rows, childRow)
	}
	return nil
}

func findListChild(table *rel.Table) *rel.Table {
	for _, c := range table.Children {
		if c.IsList {
			return c
		}
	}
	if len(table.Children) == 1 {
		return table.Children[0]
	}
	return nil
}

// walkMap handles both plain maps (one row per element, same as a list)
// and big_maps (no rows here at all — its rows come from diffs per spec
// §4.4 — only a bigmap_id value is set on the enclosing row).
func (s *walkState) walkMap(table *rel.Table, row *Row, v *michelson.Value, isBig bool) error {
	child := findMapChild(table, isBig)
	if child == nil {
		return nil
	}
	if isBig {
		id, ok := v.AsBigmapRef()
		if !ok {
			return fmt.Errorf("storageproc: big_map value without an id")
		}
		row.Values[child.Name+".bigmap_id"] = id
		return nil
	}
	for _, elem := range v.Elems {
		childRow := Row{ID: s.alloc(), ParentID: &row.ID, Table: child, Values: map[string]any{}}
		if err := s.walk(child, &childRow, elem.EltKey); err != nil {
			return err
		}
		if err := s.walk(child, &childRow, elem.EltValue); err != nil {
			return err
		}
		s.rows = append(s.rows, childRow)
	}
	return nil
}

func findMapChild(table *rel.Table, isBig bool) *rel.Table {
	wantKind := rel.KindSnapshot
	if isBig {
		wantKind = rel.KindBigMap
	}
	for _, c := range table.Children {
		if c.Kind == wantKind {
			return c
		}
	}
	return nil
}
