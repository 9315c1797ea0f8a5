package michelson

// Value is a decoded Michelson value, shaped to mirror the Type tree it was
// typed against. Only one of the scalar fields is meaningful for a leaf
// value; Elems holds children for pair/or/option/list/set/map nodes.
type Value struct {
	Prim Prim

	// Scalar payloads. Which is populated depends on Prim.
	Int     *string // decimal string, for int/nat/mutez/timestamp
	Bool    *bool
	String  *string // string/address/key/key_hash/signature/chain_id
	Bytes   []byte
	IsNone  bool // for option: true when the value is None
	IsLeft  bool // for or: which arm is populated (Elems[0])
	IsRight bool

	// Elems holds, depending on Prim:
	//   pair    -> exactly 2 children (left, right)
	//   or      -> exactly 1 child (the populated arm)
	//   option  -> 0 or 1 child
	//   list/set -> N children, in order
	//   map     -> N children, each an EltPair
	Elems []*Value

	// EltKey/EltValue are populated when this Value is one element of a
	// map/big_map's association list.
	EltKey   *Value
	EltValue *Value

	// BigmapID is set when Prim == big_map and the value on chain is a bare
	// integer reference to a bigmap allocated elsewhere (the common case
	// after origination). A literal inline map only appears at origination.
	BigmapID *int64
}

// AsBigmapRef returns the bigmap id this value references, if it is one.
func (v *Value) AsBigmapRef() (int64, bool) {
	if v == nil || v.Prim != PrimBigMap || v.BigmapID == nil {
		return 0, false
	}
	return *v.BigmapID, true
}
