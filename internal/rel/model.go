// Package rel synthesizes a relational schema from a Michelson type AST
// (spec §4.2, "Rel"). It never touches the database or the network: it
// produces a Table forest in memory, which internal/db renders to DDL and
// internal/storageproc consults to build insert plans.
package rel

import "github.com/tzConnectBerlin/que-pasa/internal/michelson"

// Kind distinguishes the two physical shapes a synthesized table can take.
// Snapshot tables (the storage root, nested records/lists/sets/maps, and
// entrypoint parameter tables) hold exactly one row per tx_context per
// path and are linked to their parent by foreign key. BigMap tables have
// independent lifetime (spec §4.2 "not linked by FK") and carry their own
// bigmap_id + idx_* index columns instead.
type Kind int

const (
	KindSnapshot Kind = iota
	KindBigMap
)

// Column is one synthesized column.
type Column struct {
	Name       string
	PgType     string
	Nullable   bool
	IsIndexKey bool // part of a map/big_map's idx_* key tuple
}

// Table is one node of the synthesized schema forest.
type Table struct {
	Name        string // full dotted path, used verbatim as the SQL table name
	Path        []string
	Kind        Kind
	Parent      *Table
	HasParentFK bool
	IsList      bool // true for list children: carries a list_idx ordering column
	Columns     []Column
	Children    []*Table
}

// Column looks up a column by name, returning nil if absent.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// IndexColumns returns the idx_* columns identifying a map/big_map row.
func (t *Table) IndexColumns() []Column {
	var out []Column
	for _, c := range t.Columns {
		if c.IsIndexKey {
			out = append(out, c)
		}
	}
	return out
}

// RelModel is the full synthesis result for one declared contract: the
// storage tree plus one tree per entrypoint.
type RelModel struct {
	ContractName string
	Storage      *Table
	Entrypoints  map[string]*Table
	// Tables lists every synthesized table in insertion (synthesis) order;
	// StorageProcessor and the DDL renderer both rely on this order being
	// stable and parent-before-child.
	Tables []*Table
}

// BigMapTables returns every big_map table across storage and all
// entrypoints, in synthesis order.
func (m *RelModel) BigMapTables() []*Table {
	var out []*Table
	for _, t := range m.Tables {
		if t.Kind == KindBigMap {
			out = append(out, t)
		}
	}
	return out
}

// ColumnTypeFor is a thin re-export so callers building values don't need
// to import the michelson package directly just for the type map.
func ColumnTypeFor(p michelson.Prim) (string, bool) { return michelson.ColumnType(p) }
