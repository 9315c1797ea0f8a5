package michelson

// ColumnType maps a Michelson primitive to its PostgreSQL column type, per
// the glossary's "Michelson primitive mapping". ok is false for unit/never,
// which are dropped rather than given a column, and for any non-primitive.
func ColumnType(p Prim) (pgType string, ok bool) {
	switch p {
	case PrimInt, PrimNat:
		return "NUMERIC", true
	case PrimMutez:
		return "BIGINT", true
	case PrimString, PrimAddress, PrimKeyHash, PrimKey, PrimSignature, PrimChainID:
		return "TEXT", true
	case PrimBytes:
		return "BYTEA", true
	case PrimTimestamp:
		return "TIMESTAMPTZ", true
	case PrimBool:
		return "BOOLEAN", true
	case PrimUnit, PrimNever:
		return "", false
	default:
		return "", false
	}
}
