// Package michelson decodes the Michelson type and value ASTs that the rest
// of the indexer works from. It never talks to the network or a database;
// it is pure data plus the handful of helpers (annotation resolution,
// primitive classification) that the schema synthesizer and the storage
// processor both need.
package michelson

import "fmt"

// Prim is a Michelson type primitive. Containers recurse through Args;
// annotation-bearing leaves carry their own name.
type Prim string

const (
	PrimInt       Prim = "int"
	PrimNat       Prim = "nat"
	PrimMutez     Prim = "mutez"
	PrimTimestamp Prim = "timestamp"
	PrimBool      Prim = "bool"
	PrimString    Prim = "string"
	PrimBytes     Prim = "bytes"
	PrimAddress   Prim = "address"
	PrimKey       Prim = "key"
	PrimKeyHash   Prim = "key_hash"
	PrimSignature Prim = "signature"
	PrimChainID   Prim = "chain_id"
	PrimUnit      Prim = "unit"
	PrimNever     Prim = "never"

	PrimPair   Prim = "pair"
	PrimOr     Prim = "or"
	PrimOption Prim = "option"
	PrimList   Prim = "list"
	PrimSet    Prim = "set"
	PrimMap    Prim = "map"
	PrimBigMap Prim = "big_map"

	// Unsupported: recognized but never given columns (see IsUnsupported).
	PrimTicket       Prim = "ticket"
	PrimSaplingState Prim = "sapling_state"
	PrimLambda       Prim = "lambda"
)

var primitives = map[Prim]bool{
	PrimInt: true, PrimNat: true, PrimMutez: true, PrimTimestamp: true,
	PrimBool: true, PrimString: true, PrimBytes: true, PrimAddress: true,
	PrimKey: true, PrimKeyHash: true, PrimSignature: true, PrimChainID: true,
	PrimUnit: true, PrimNever: true,
}

var unsupported = map[Prim]bool{
	PrimTicket: true, PrimSaplingState: true, PrimLambda: true,
}

// IsPrimitive reports whether p is a scalar leaf type with a direct column
// mapping (see ColumnType).
func IsPrimitive(p Prim) bool { return primitives[p] }

// IsUnsupported reports whether p is a recognized-but-unindexed type
// (tickets, sapling states, lambdas). rel.Synth gives these no columns and
// records a rel.Warning for each rather than failing.
func IsUnsupported(p Prim) bool { return unsupported[p] }

// Annots is the pair of annotation stacks Michelson types carry: field
// annotations (%name) used for column/table naming, and type annotations
// (:name) used as a fallback when no field annotation is present.
type Annots struct {
	Field string // e.g. "%owner"  (without the leading %)
	Type  string // e.g. ":token"  (without the leading :)
}

// Name resolves the annotation a synthesizer should prefer: field over type.
func (a Annots) Name() (string, bool) {
	if a.Field != "" {
		return a.Field, true
	}
	if a.Type != "" {
		return a.Type, true
	}
	return "", false
}

// Type is one node of the Michelson type AST. Containers hold their
// sub-types in Args; leaves leave Args empty.
type Type struct {
	Prim   Prim
	Annots Annots
	Args   []*Type
}

// IsUnitOr reports whether this node is `or` with both arms `unit` —
// the case Rel collapses into a single enum-text column (spec §4.2).
func (t *Type) IsUnitOr() bool {
	if t.Prim != PrimOr || len(t.Args) != 2 {
		return false
	}
	return t.Args[0].Prim == PrimUnit && t.Args[1].Prim == PrimUnit
}

// Entrypoints walks a root parameter type's `or` tree and returns one leaf
// per named entrypoint. A Michelson `or` at the parameter root is Tezos'
// encoding of a sum type across entrypoints; each leaf annotated with %name
// is one entrypoint (spec §4.1 "Contract-level polymorphism").
func (t *Type) Entrypoints() ([]Entrypoint, error) {
	var out []Entrypoint
	var walk func(n *Type, path []string) error
	walk = func(n *Type, path []string) error {
		if n.Prim == PrimOr && len(n.Args) == 2 {
			name, named := n.Annots.Name()
			if named {
				out = append(out, Entrypoint{Name: name, Type: n})
				return nil
			}
			if err := walk(n.Args[0], append(path, "0")); err != nil {
				return err
			}
			return walk(n.Args[1], append(path, "1"))
		}
		name, named := n.Annots.Name()
		if !named {
			return fmt.Errorf("entrypoint leaf at %v has no annotation", path)
		}
		out = append(out, Entrypoint{Name: name, Type: n})
		return nil
	}
	if err := walk(t, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// Entrypoint is one leaf of a contract's root parameter `or` tree.
type Entrypoint struct {
	Name string
	Type *Type
}
