package rel

import (
	"fmt"

	"github.com/tzConnectBerlin/que-pasa/internal/michelson"
)

// Warning is a non-fatal synthesis note: an unsupported primitive that was
// dropped, or a broken bigmap-copy cycle (the latter is recorded by
// internal/bigmap, not here). Callers typically just log these.
type Warning struct {
	Path   string
	Detail string
}

func (w Warning) String() string { return fmt.Sprintf("%s: %s", w.Path, w.Detail) }

type synthState struct {
	model    *RelModel
	tableReg *nameRegistry
	colRegs  map[*Table]*nameRegistry
	warnings []Warning
}

// Synth performs the recursive walk described in spec §4.2: it converts a
// contract's storage type (and, if given, its parameter type) into a
// RelModel. paramType may be nil for contracts with no entrypoints worth
// indexing separately.
func Synth(contractName string, storageType *michelson.Type, paramType *michelson.Type) (*RelModel, []Warning, error) {
	s := &synthState{
		model:    &RelModel{ContractName: contractName, Entrypoints: map[string]*Table{}},
		tableReg: newNameRegistry(),
	}

	storageRoot := s.newTable([]string{"storage"}, KindSnapshot, nil, false)
	if err := s.walkType(storageRoot, storageType, nil, false); err != nil {
		return nil, s.warnings, err
	}
	s.model.Storage = storageRoot

	if paramType != nil {
		entrypoints, err := paramType.Entrypoints()
		if err != nil {
			return nil, s.warnings, fmt.Errorf("rel: resolving entrypoints: %w", err)
		}
		for _, ep := range entrypoints {
			epName := sanitize(ep.Name)
			root := s.newTable([]string{"entry", epName}, KindSnapshot, nil, false)
			if err := s.walkType(root, ep.Type, nil, false); err != nil {
				return nil, s.warnings, err
			}
			s.model.Entrypoints[ep.Name] = root
		}
	}

	if err := checkIdentifierLengths(s.model); err != nil {
		return nil, s.warnings, err
	}
	return s.model, s.warnings, nil
}

func (s *synthState) newTable(path []string, kind Kind, parent *Table, hasFK bool) *Table {
	name := s.tableReg.unique(pathName(path))
	t := &Table{Name: name, Path: path, Kind: kind, Parent: parent, HasParentFK: hasFK}
	if parent != nil {
		parent.Children = append(parent.Children, t)
	}
	s.model.Tables = append(s.model.Tables, t)
	return t
}

// nodeName is the name a node contributes to its parent's prefix: its own
// annotation if it has one, else a deterministic positional fallback.
func nodeName(t *michelson.Type, position int) string {
	if name, ok := t.Annots.Name(); ok {
		return sanitize(name)
	}
	return fmt.Sprintf("_%d", position)
}

// resolveName is the name a node uses for *itself* (a column, or a child
// table's path suffix): the accumulated pair-prefix if non-empty,
// otherwise its own annotation or a positional fallback. This is how a
// bare, unwrapped scalar or container at the top of a table still gets a
// sensible name.
func resolveName(t *michelson.Type, prefix []string) string {
	if len(prefix) > 0 {
		return pathName(prefix)
	}
	return nodeName(t, 0)
}

func dedupColumn(table *Table, reg *nameRegistry, name string) string {
	_ = table
	return reg.unique(name)
}

// walkType is the recursive descent of spec §4.2's algorithm.
func (s *synthState) walkType(table *Table, t *michelson.Type, prefix []string, nullable bool) error {
	if t == nil {
		return nil
	}
	if michelson.IsUnsupported(t.Prim) {
		s.warnings = append(s.warnings, Warning{
			Path:   resolveName(t, prefix),
			Detail: fmt.Sprintf("unsupported type %q ignored, no columns emitted", t.Prim),
		})
		return nil
	}

	switch t.Prim {
	case michelson.PrimPair:
		left, right := t.Args[0], t.Args[1]
		leftPrefix := append(append([]string{}, prefix...), nodeName(left, 0))
		if err := s.walkType(table, left, leftPrefix, nullable); err != nil {
			return err
		}
		rightPrefix := append(append([]string{}, prefix...), nodeName(right, 1))
		return s.walkType(table, right, rightPrefix, nullable)

	case michelson.PrimOption:
		return s.walkType(table, t.Args[0], prefix, true)

	case michelson.PrimOr:
		return s.walkOr(table, t, prefix, nullable)

	case michelson.PrimList, michelson.PrimSet:
		return s.walkListOrSet(table, t, prefix)

	case michelson.PrimMap:
		return s.walkMap(table, t, prefix, false)

	case michelson.PrimBigMap:
		return s.walkMap(table, t, prefix, true)

	default:
		pgType, ok := michelson.ColumnType(t.Prim)
		if !ok {
			// unit/never: dropped, no column (glossary mapping).
			return nil
		}
		name := resolveName(t, prefix)
		colName := dedupColumn(table, s.colRegistryFor(table), name)
		table.Columns = append(table.Columns, Column{Name: colName, PgType: pgType, Nullable: nullable})
		return nil
	}
}

// colRegistryFor returns the per-table column-name registry, so that "Name
// collisions are broken by numeric suffixes preserving insertion order"
// (spec §4.2) is scoped per table rather than globally.
func (s *synthState) colRegistryFor(table *Table) *nameRegistry {
	if s.colRegs == nil {
		s.colRegs = map[*Table]*nameRegistry{}
	}
	r, ok := s.colRegs[table]
	if !ok {
		r = newNameRegistry()
		s.colRegs[table] = r
	}
	return r
}

func (s *synthState) walkOr(table *Table, t *michelson.Type, prefix []string, nullable bool) error {
	if t.IsUnitOr() {
		name := resolveName(t, prefix)
		colName := dedupColumn(table, s.colRegistryFor(table), name)
		table.Columns = append(table.Columns, Column{Name: colName, PgType: "TEXT", Nullable: true})
		return nil
	}

	discName := dedupColumn(table, s.colRegistryFor(table), resolveName(t, append(append([]string{}, prefix...), "variant")))
	table.Columns = append(table.Columns, Column{Name: discName, PgType: "TEXT", Nullable: nullable})

	for i, arm := range t.Args {
		if arm.Prim == michelson.PrimUnit {
			continue
		}
		childPath := append(append([]string{}, table.Path...), nodeName(arm, i))
		child := s.newTable(childPath, KindSnapshot, table, true)
		if err := s.walkType(child, arm, nil, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *synthState) walkListOrSet(table *Table, t *michelson.Type, prefix []string) error {
	name := resolveName(t, prefix)
	childPath := append(append([]string{}, table.Path...), name)
	child := s.newTable(childPath, KindSnapshot, table, true)
	if t.Prim == michelson.PrimList {
		child.IsList = true
		child.Columns = append(child.Columns, Column{Name: "list_idx", PgType: "INTEGER", Nullable: false})
	}
	return s.walkType(child, t.Args[0], nil, false)
}

func (s *synthState) walkMap(table *Table, t *michelson.Type, prefix []string, isBig bool) error {
	name := resolveName(t, prefix)
	childPath := append(append([]string{}, table.Path...), name)
	kind := KindSnapshot
	hasFK := true
	if isBig {
		kind = KindBigMap
		hasFK = false
	}
	child := s.newTable(childPath, kind, table, hasFK)
	if isBig {
		child.Columns = append(child.Columns,
			Column{Name: "bigmap_id", PgType: "BIGINT", Nullable: false},
			Column{Name: "deleted", PgType: "BOOLEAN", Nullable: false},
		)
	}
	if err := s.walkKey(child, t.Args[0], isBig); err != nil {
		return err
	}
	return s.walkType(child, t.Args[1], nil, false)
}

// walkKey walks a map/big_map key type, then renames every column it
// produced with the idx_ prefix (spec §4.2 "Index columns of keys receive
// the prefix idx_"), marking them as part of the index tuple. A plain
// map's key is always present, so its idx_* columns stay NOT NULL; a
// big_map's idx_* columns are left nullable because a Clear op (spec
// §4.3) targets the whole bigmap and carries no key, and still needs a
// row in the base table for the derived-table maintenance in
// internal/db/derived.go to find and act on.
func (s *synthState) walkKey(table *Table, keyType *michelson.Type, isBig bool) error {
	before := len(table.Columns)
	if err := s.walkType(table, keyType, nil, false); err != nil {
		return err
	}
	for i := before; i < len(table.Columns); i++ {
		table.Columns[i].Name = "idx_" + table.Columns[i].Name
		table.Columns[i].IsIndexKey = true
		table.Columns[i].Nullable = isBig
	}
	return nil
}
