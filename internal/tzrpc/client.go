package tzrpc

import (
	"context"
	"encoding/json"
	"fmt"

	"blockwatch.cc/tzgo/rpc"

	"github.com/tzConnectBerlin/que-pasa/internal/block"
	"github.com/tzConnectBerlin/que-pasa/internal/michelson"
)

type bigmapTypePair struct {
	key   *michelson.Type
	value *michelson.Type
}

// Client implements internal/executor.NodeClient against a live Tezos node,
// using tzgo's rpc.Client purely as a generic JSON transport (the same
// Client.Get(ctx, path, &out) call used for every endpoint in the retrieved
// rpc examples) and this package's own response structs for the block
// shape the core indexer cares about.
type Client struct {
	rpc         *rpc.Client
	contracts   map[string]ContractTypes
	bigmapTypes map[int64]bigmapTypePair
}

// NewClient dials node at nodeURL. contracts maps a contract's on-chain
// address to the storage/parameter types needed to decode its own calls
// and storage snapshots; operations against undeclared contracts are still
// walked for header/result bookkeeping but never type-decoded.
func NewClient(nodeURL string, contracts map[string]ContractTypes) (*Client, error) {
	c, err := rpc.NewClient(nodeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tzrpc: dialing node %s: %w", nodeURL, err)
	}
	if contracts == nil {
		contracts = map[string]ContractTypes{}
	}
	return &Client{rpc: c, contracts: contracts, bigmapTypes: map[int64]bigmapTypePair{}}, nil
}

// FetchBlock fetches and decodes the block at the given level (decimal) or
// hash (base58), per spec §6's node RPC contract.
func (c *Client) FetchBlock(ctx context.Context, levelOrHash string) (*block.Block, error) {
	var resp blockResponse
	path := fmt.Sprintf("chains/main/blocks/%s", levelOrHash)
	if err := c.rpc.Get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("tzrpc: fetching block %s: %w", levelOrHash, err)
	}
	return c.convertBlock(&resp)
}

// Head fetches and decodes the current chain head.
func (c *Client) Head(ctx context.Context) (*block.Block, error) {
	return c.FetchBlock(ctx, "head")
}

// scriptResponse mirrors GET .../contracts/{address}/script: "code" is the
// Micheline script, a 3-element sequence of {parameter,storage,code}
// sections.
type scriptResponse struct {
	Code []struct {
		Prim string            `json:"prim"`
		Args []json.RawMessage `json:"args"`
	} `json:"code"`
}

// FetchScript resolves address's storage and parameter types from its
// on-chain script (spec §4.1's "storage/parameter type of each declared
// contract, resolved once at startup"), for building the ContractTypes
// NewClient and rel.Synth both need.
func (c *Client) FetchScript(ctx context.Context, address string) (ContractTypes, error) {
	var resp scriptResponse
	path := fmt.Sprintf("chains/main/blocks/head/context/contracts/%s/script", address)
	if err := c.rpc.Get(ctx, path, &resp); err != nil {
		return ContractTypes{}, fmt.Errorf("tzrpc: fetching script for %s: %w", address, err)
	}

	var ct ContractTypes
	for _, section := range resp.Code {
		if len(section.Args) != 1 {
			continue
		}
		switch section.Prim {
		case "storage":
			t, err := michelson.ParseType(section.Args[0])
			if err != nil {
				return ContractTypes{}, fmt.Errorf("tzrpc: parsing storage type for %s: %w", address, err)
			}
			ct.StorageType = t
		case "parameter":
			t, err := michelson.ParseType(section.Args[0])
			if err != nil {
				return ContractTypes{}, fmt.Errorf("tzrpc: parsing parameter type for %s: %w", address, err)
			}
			ct.ParamType = t
		}
	}
	if ct.StorageType == nil {
		return ContractTypes{}, fmt.Errorf("tzrpc: no storage section found in script for %s", address)
	}
	return ct, nil
}

// Contracts exposes the declared-contract type map a Client was built
// with, so callers that resolved it via FetchScript can hand the same
// Client back results without threading a second map around.
func (c *Client) Contracts() map[string]ContractTypes { return c.contracts }

// SetContractTypes registers or replaces a declared contract's resolved
// types after construction, for the common startup sequence of dialing
// the node before any contract's script has been fetched.
func (c *Client) SetContractTypes(address string, ct ContractTypes) {
	c.contracts[address] = ct
}
