// Package tzrpc is the thin node RPC client the executor drives through
// internal/executor.NodeClient (spec §6 treats the node RPC surface as a
// pluggable concern: "only their contract with the core is specified").
// Grounded on blockwatch-cc-tzgo/examples/rpc's Client.Get(ctx, path, out)
// idiom: one generic JSON GET, reused for every endpoint, rather than a
// hand-rolled method per response shape.
package tzrpc

import "encoding/json"

// blockResponse mirrors GET /chains/main/blocks/{id}.
type blockResponse struct {
	Hash       string            `json:"hash"`
	Header     blockHeader       `json:"header"`
	Operations [][]operationGroup `json:"operations"`
}

type blockHeader struct {
	Level       int64  `json:"level"`
	Predecessor string `json:"predecessor"`
	Timestamp   string `json:"timestamp"`
}

type operationGroup struct {
	Hash     string            `json:"hash"`
	Contents []operationContent `json:"contents"`
}

// operationContent covers the fields used across transaction, origination
// and internal-result content kinds; unused fields are simply left zero
// for kinds that don't carry them.
type operationContent struct {
	Kind         string          `json:"kind"`
	Source       string          `json:"source"`
	Destination  string          `json:"destination"`
	Fee          string          `json:"fee"`
	GasLimit     string          `json:"gas_limit"`
	StorageLimit string          `json:"storage_limit"`
	Amount       string          `json:"amount"`
	Parameters   *parameters     `json:"parameters"`
	Script       *scriptSection  `json:"script"`
	Metadata     contentMetadata `json:"metadata"`
}

type scriptSection struct {
	Code    json.RawMessage `json:"code"`
	Storage json.RawMessage `json:"storage"`
}

type parameters struct {
	Entrypoint string          `json:"entrypoint"`
	Value      json.RawMessage `json:"value"`
}

type contentMetadata struct {
	OperationResult          operationResult    `json:"operation_result"`
	InternalOperationResults []internalOperation `json:"internal_operation_results"`
}

// internalOperation is the shape of one internal_operation_results entry;
// its own "result" carries what contentMetadata.OperationResult carries for
// a top-level content.
type internalOperation struct {
	Kind        string          `json:"kind"`
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Amount      string          `json:"amount"`
	Parameters  *parameters     `json:"parameters"`
	Script      *scriptSection  `json:"script"`
	Result      operationResult `json:"result"`
}

type operationResult struct {
	Status               string          `json:"status"`
	Storage              json.RawMessage `json:"storage"`
	BigMapDiff            []bigMapDiffEntry `json:"big_map_diff"`
	ConsumedGas           string          `json:"consumed_gas"`
	PaidStorageSizeDiff   string          `json:"paid_storage_size_diff"`
	OriginatedContracts   []string        `json:"originated_contracts"`
}

// bigMapDiffEntry mirrors one entry of operation_result.big_map_diff.
// "remove" with no Key/KeyHash means the whole bigmap was deallocated
// (mapped to block.DiffClear); "remove" with a Key means one key was
// deleted (mapped to block.DiffRemove).
type bigMapDiffEntry struct {
	Action          string          `json:"action"`
	BigMap          string          `json:"big_map"`
	SourceBigMap    string          `json:"source_big_map"`
	DestBigMap      string          `json:"destination_big_map"`
	KeyHash         string          `json:"key_hash"`
	Key             json.RawMessage `json:"key"`
	Value           json.RawMessage `json:"value"`
	KeyType         json.RawMessage `json:"key_type"`
	ValueType       json.RawMessage `json:"value_type"`
}
