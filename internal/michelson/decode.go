package michelson

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// rawType mirrors the wire shape of a Michelson type node as the node RPC
// reports it (e.g. contract script "storage"/"parameter" sections):
// {"prim":"pair","args":[...],"annots":["%owner"]}. Type primitive names on
// the wire are already lowercase, matching Prim's constants directly.
type rawType struct {
	Prim   string          `json:"prim"`
	Args   []rawType       `json:"args"`
	Annots []string        `json:"annots"`
}

// ParseType decodes one contract script type section (parameter or
// storage) into a Type tree.
func ParseType(raw json.RawMessage) (*Type, error) {
	var rt rawType
	if err := json.Unmarshal(raw, &rt); err != nil {
		return nil, fmt.Errorf("michelson: parsing type: %w", err)
	}
	return rt.toType(), nil
}

func (rt rawType) toType() *Type {
	t := &Type{Prim: Prim(rt.Prim)}
	for _, a := range rt.Annots {
		if len(a) == 0 {
			continue
		}
		switch a[0] {
		case '%':
			t.Annots.Field = a[1:]
		case ':':
			t.Annots.Type = a[1:]
		}
	}
	for _, arg := range rt.Args {
		t.Args = append(t.Args, arg.toType())
	}
	return t
}

// rawValue mirrors the wire shape of a Michelson value node: a scalar
// ({"int":...}/{"string":...}/{"bytes":...}), a prim application
// ({"prim":"Pair","args":[...]}), or a bare JSON sequence (list/set/map
// elements).
type rawValue struct {
	Int    *string    `json:"int"`
	String *string    `json:"string"`
	Bytes  *string    `json:"bytes"`
	Prim   string     `json:"prim"`
	Args   []json.RawMessage `json:"args"`
}

// DecodeValue decodes one Michelson value against its Type, producing the
// table-walkable Value tree (spec §4.2/§4.4). raw is the node RPC's
// Micheline JSON encoding of the value.
func DecodeValue(t *Type, raw json.RawMessage) (*Value, error) {
	if t == nil {
		return nil, fmt.Errorf("michelson: decode: nil type")
	}
	if IsUnsupported(t.Prim) {
		return &Value{Prim: t.Prim}, nil
	}

	switch t.Prim {
	case PrimPair:
		return decodePair(t, raw)
	case PrimOr:
		return decodeOr(t, raw)
	case PrimOption:
		return decodeOption(t, raw)
	case PrimList, PrimSet:
		return decodeList(t, raw)
	case PrimMap, PrimBigMap:
		return decodeMap(t, raw)
	default:
		return decodeScalar(t, raw)
	}
}

func unmarshalRaw(raw json.RawMessage) (rawValue, bool, error) {
	trimmed := trimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return rawValue{}, true, nil
	}
	var rv rawValue
	if err := json.Unmarshal(raw, &rv); err != nil {
		return rawValue{}, false, fmt.Errorf("michelson: decoding value: %w", err)
	}
	return rv, false, nil
}

func trimSpace(raw json.RawMessage) json.RawMessage {
	i := 0
	for i < len(raw) {
		switch raw[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return raw[i:]
}

func decodeScalar(t *Type, raw json.RawMessage) (*Value, error) {
	rv, isSeq, err := unmarshalRaw(raw)
	if err != nil {
		return nil, err
	}
	if isSeq {
		return nil, fmt.Errorf("michelson: scalar type %s got a sequence", t.Prim)
	}
	v := &Value{Prim: t.Prim}
	switch t.Prim {
	case PrimInt, PrimNat, PrimMutez, PrimTimestamp:
		switch {
		case rv.Int != nil:
			v.Int = rv.Int
		case rv.String != nil:
			// timestamps are sometimes reported as RFC3339 strings
			v.Int = rv.String
		default:
			return nil, fmt.Errorf("michelson: expected int for %s", t.Prim)
		}
	case PrimString, PrimAddress, PrimKey, PrimKeyHash, PrimSignature, PrimChainID:
		if rv.String == nil {
			return nil, fmt.Errorf("michelson: expected string for %s", t.Prim)
		}
		v.String = rv.String
	case PrimBytes:
		if rv.Bytes == nil {
			return nil, fmt.Errorf("michelson: expected bytes")
		}
		b, err := hex.DecodeString(*rv.Bytes)
		if err != nil {
			return nil, fmt.Errorf("michelson: decoding bytes: %w", err)
		}
		v.Bytes = b
	case PrimBool:
		switch rv.Prim {
		case "True":
			b := true
			v.Bool = &b
		case "False":
			b := false
			v.Bool = &b
		default:
			return nil, fmt.Errorf("michelson: expected True/False, got %q", rv.Prim)
		}
	case PrimUnit:
		// no payload
	default:
		return nil, fmt.Errorf("michelson: unsupported scalar prim %s", t.Prim)
	}
	return v, nil
}

func decodePair(t *Type, raw json.RawMessage) (*Value, error) {
	rv, isSeq, err := unmarshalRaw(raw)
	if err != nil {
		return nil, err
	}
	if isSeq || rv.Prim != "Pair" {
		return nil, fmt.Errorf("michelson: expected Pair")
	}
	if len(t.Args) != 2 {
		return nil, fmt.Errorf("michelson: pair type must have 2 args, got %d", len(t.Args))
	}
	args := rv.Args
	if len(args) < 2 {
		return nil, fmt.Errorf("michelson: Pair needs at least 2 args, got %d", len(args))
	}
	left, err := DecodeValue(t.Args[0], args[0])
	if err != nil {
		return nil, err
	}
	var right *Value
	if len(args) == 2 {
		right, err = DecodeValue(t.Args[1], args[1])
	} else {
		// right-comb optimization: {"prim":"Pair","args":[a,b,c,...]} reads
		// as Pair(a, Pair(b, Pair(c, ...))).
		right, err = decodeCombRest(t.Args[1], args[1:])
	}
	if err != nil {
		return nil, err
	}
	return &Value{Prim: PrimPair, Elems: []*Value{left, right}}, nil
}

func decodeCombRest(t *Type, args []json.RawMessage) (*Value, error) {
	if len(args) == 1 {
		return DecodeValue(t, args[0])
	}
	if t.Prim != PrimPair || len(t.Args) != 2 {
		return nil, fmt.Errorf("michelson: comb pair ran out of pair types")
	}
	left, err := DecodeValue(t.Args[0], args[0])
	if err != nil {
		return nil, err
	}
	right, err := decodeCombRest(t.Args[1], args[1:])
	if err != nil {
		return nil, err
	}
	return &Value{Prim: PrimPair, Elems: []*Value{left, right}}, nil
}

func decodeOr(t *Type, raw json.RawMessage) (*Value, error) {
	rv, isSeq, err := unmarshalRaw(raw)
	if err != nil {
		return nil, err
	}
	if isSeq || len(t.Args) != 2 {
		return nil, fmt.Errorf("michelson: expected Left/Right for or type")
	}
	switch rv.Prim {
	case "Left":
		if len(rv.Args) != 1 {
			return nil, fmt.Errorf("michelson: Left needs 1 arg")
		}
		child, err := DecodeValue(t.Args[0], rv.Args[0])
		if err != nil {
			return nil, err
		}
		return &Value{Prim: PrimOr, IsLeft: true, Elems: []*Value{child}}, nil
	case "Right":
		if len(rv.Args) != 1 {
			return nil, fmt.Errorf("michelson: Right needs 1 arg")
		}
		child, err := DecodeValue(t.Args[1], rv.Args[0])
		if err != nil {
			return nil, err
		}
		return &Value{Prim: PrimOr, IsRight: true, Elems: []*Value{child}}, nil
	default:
		return nil, fmt.Errorf("michelson: expected Left/Right, got %q", rv.Prim)
	}
}

func decodeOption(t *Type, raw json.RawMessage) (*Value, error) {
	rv, isSeq, err := unmarshalRaw(raw)
	if err != nil {
		return nil, err
	}
	if isSeq || len(t.Args) != 1 {
		return nil, fmt.Errorf("michelson: expected Some/None for option type")
	}
	switch rv.Prim {
	case "None":
		return &Value{Prim: PrimOption, IsNone: true}, nil
	case "Some":
		if len(rv.Args) != 1 {
			return nil, fmt.Errorf("michelson: Some needs 1 arg")
		}
		child, err := DecodeValue(t.Args[0], rv.Args[0])
		if err != nil {
			return nil, err
		}
		return &Value{Prim: PrimOption, Elems: []*Value{child}}, nil
	default:
		return nil, fmt.Errorf("michelson: expected Some/None, got %q", rv.Prim)
	}
}

func decodeList(t *Type, raw json.RawMessage) (*Value, error) {
	if len(t.Args) != 1 {
		return nil, fmt.Errorf("michelson: list/set type must have 1 arg")
	}
	var elemsRaw []json.RawMessage
	if err := json.Unmarshal(raw, &elemsRaw); err != nil {
		return nil, fmt.Errorf("michelson: decoding list/set sequence: %w", err)
	}
	v := &Value{Prim: t.Prim}
	for _, er := range elemsRaw {
		child, err := DecodeValue(t.Args[0], er)
		if err != nil {
			return nil, err
		}
		v.Elems = append(v.Elems, child)
	}
	return v, nil
}

func decodeMap(t *Type, raw json.RawMessage) (*Value, error) {
	if len(t.Args) != 2 {
		return nil, fmt.Errorf("michelson: map/big_map type must have 2 args")
	}

	// After origination, a big_map only ever appears on chain as a bare
	// integer reference to its allocation; a literal Elt sequence only
	// shows up in an origination's initial storage script.
	if t.Prim == PrimBigMap {
		rv, isSeq, err := unmarshalRaw(raw)
		if err != nil {
			return nil, err
		}
		if !isSeq && rv.Int != nil {
			id, convErr := parseInt64(*rv.Int)
			if convErr != nil {
				return nil, fmt.Errorf("michelson: parsing big_map id: %w", convErr)
			}
			return &Value{Prim: PrimBigMap, BigmapID: &id}, nil
		}
	}

	var eltsRaw []json.RawMessage
	if err := json.Unmarshal(raw, &eltsRaw); err != nil {
		return nil, fmt.Errorf("michelson: decoding map sequence: %w", err)
	}
	v := &Value{Prim: t.Prim}
	for _, er := range eltsRaw {
		var rv rawValue
		if err := json.Unmarshal(er, &rv); err != nil {
			return nil, fmt.Errorf("michelson: decoding Elt: %w", err)
		}
		if rv.Prim != "Elt" || len(rv.Args) != 2 {
			return nil, fmt.Errorf("michelson: expected Elt with 2 args")
		}
		key, err := DecodeValue(t.Args[0], rv.Args[0])
		if err != nil {
			return nil, err
		}
		val, err := DecodeValue(t.Args[1], rv.Args[1])
		if err != nil {
			return nil, err
		}
		elt := &Value{Prim: PrimPair, EltKey: key, EltValue: val}
		v.Elems = append(v.Elems, elt)
	}
	return v, nil
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
