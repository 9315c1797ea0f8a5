package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/tzConnectBerlin/que-pasa/internal/bigmap"
	"github.com/tzConnectBerlin/que-pasa/internal/block"
	"github.com/tzConnectBerlin/que-pasa/internal/michelson"
)

// BigmapHistory implements bigmap.History against bigmap_keys, the raw
// diff log insertRawBigmapDiffs writes alongside every resolved bigmap op
// (spec §4.2/§4.3). BigmapDiffsProcessor consults it only when a Copy's
// source bigmap needs its own earlier history replayed.
type BigmapHistory struct {
	pool       *pgxpool.Pool
	mainSchema string
}

func NewBigmapHistory(pool *pgxpool.Pool, mainSchema string) *BigmapHistory {
	return &BigmapHistory{pool: pool, mainSchema: mainSchema}
}

// DiffsBefore returns, oldest-first, every diff recorded against bigmapID
// at a tx_context coordinate <= until.
func (h *BigmapHistory) DiffsBefore(bigmapID int64, until block.Coord) ([]bigmap.TxDiff, error) {
	ctx := context.Background()
	rows, err := h.pool.Query(ctx, fmt.Sprintf(`
		SELECT tc.level, tc.operation_group_number, tc.operation_number,
		       tc.content_number, COALESCE(tc.internal_number, -1),
		       k.action, k.keyhash, k.key, k.value
		FROM %[1]s.bigmap_keys k
		JOIN %[1]s.tx_contexts tc ON tc.id = k.tx_context_id
		WHERE k.bigmap_id = $1
		  AND (tc.level, tc.operation_group_number, tc.operation_number,
		       tc.content_number, COALESCE(tc.internal_number, -1))
		      <= ($2, $3, $4, $5, $6)
		ORDER BY tc.level, tc.operation_group_number, tc.operation_number,
		         tc.content_number, COALESCE(tc.internal_number, -1)
	`, h.mainSchema),
		bigmapID, until.Level, until.OpGroup, until.Op, until.Content, until.Internal,
	)
	if err != nil {
		return nil, errors.Wrap(err, "db: querying bigmap history")
	}
	defer rows.Close()

	var out []bigmap.TxDiff
	for rows.Next() {
		var (
			coord   block.Coord
			action  string
			keyhash string
			keyJSON []byte
			valJSON []byte
		)
		if err := rows.Scan(&coord.Level, &coord.OpGroup, &coord.Op, &coord.Content, &coord.Internal,
			&action, &keyhash, &keyJSON, &valJSON); err != nil {
			return nil, errors.Wrap(err, "db: scanning bigmap history row")
		}

		diff := block.BigmapDiff{
			Action:   block.DiffAction(action),
			BigmapID: bigmapID,
			KeyHash:  keyhash,
		}
		if keyJSON != nil {
			var v michelson.Value
			if err := json.Unmarshal(keyJSON, &v); err != nil {
				return nil, errors.Wrap(err, "db: decoding bigmap history key")
			}
			diff.Key = &v
		}
		if valJSON != nil {
			var v michelson.Value
			if err := json.Unmarshal(valJSON, &v); err != nil {
				return nil, errors.Wrap(err, "db: decoding bigmap history value")
			}
			diff.Value = &v
		}
		out = append(out, bigmap.TxDiff{Coord: coord, Diff: diff})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "db: iterating bigmap history")
	}
	return out, nil
}
