package block

import "github.com/tzConnectBerlin/que-pasa/internal/michelson"

// Effect is one flattened (coordinate, content-or-internal) pair, the
// unit StorageProcessor consumes per spec §4.4: "enumerate operations and
// internal operations in their natural order and assign (op_grp, op,
// content, internal)".
type Effect struct {
	Coord             Coord
	Kind              string
	Source            string
	Destination       string
	Entrypoint        string
	Parameters        *michelson.Value
	IsOrigination     bool
	OriginatedAddress string
	Result            Result
}

// Flatten walks a block's operation groups in chain order and returns one
// Effect per content and per internal operation, each carrying its
// tx_context coordinate. Order matches spec §4.4's "strict chain order"
// guarantee: groups then contents then (content itself, then its
// internal operations in order).
func Flatten(b *Block) []Effect {
	var out []Effect
	for gi, g := range b.Groups {
		for ci, c := range g.Contents {
			coord := Coord{Level: b.Level, OpGroup: gi, Op: ci, Content: 0, Internal: InternalSentinel}
			out = append(out, Effect{
				Coord:             coord,
				Kind:              c.Kind,
				Source:            c.Source,
				Destination:       c.Destination,
				Entrypoint:        c.Entrypoint,
				Parameters:        c.Parameters,
				IsOrigination:     c.IsOrigination,
				OriginatedAddress: c.OriginatedAddress,
				Result:            c.Result,
			})
			for ii, ic := range c.Internal {
				icoord := Coord{Level: b.Level, OpGroup: gi, Op: ci, Content: 0, Internal: ii}
				out = append(out, Effect{
					Coord:             icoord,
					Kind:              ic.Kind,
					Source:            ic.Source,
					Destination:       ic.Destination,
					Entrypoint:        ic.Entrypoint,
					Parameters:        ic.Parameters,
					IsOrigination:     ic.IsOrigination,
					OriginatedAddress: ic.OriginatedAddress,
					Result:            ic.Result,
				})
			}
		}
	}
	return out
}
