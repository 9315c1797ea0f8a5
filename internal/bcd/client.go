// Package bcd implements the Better-Call-Dev "relevant-levels" client
// (spec §4.6 "Fast sync"): for each declared contract, page through BCD's
// operations endpoint and collect the distinct block levels the contract
// was touched at, letting bootstrap skip every level with no relevant
// activity instead of fetching the full range. Built on plain net/http +
// encoding/json (one GET per page of the one endpoint it uses), since BCD,
// like the node, is only specified here by its contract with the core
// (spec §1).
package bcd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/pkg/errors"
)

// Client pages BCD's per-contract operations endpoint to collect relevant
// levels (spec §4.6's Fast Sync source, §6 "{bcd-url}/contract/{network}/
// {address}/operations?last_id=...").
type Client struct {
	httpClient *http.Client
	baseURL    string
	network    string
}

func NewClient(baseURL, network string) *Client {
	return &Client{httpClient: http.DefaultClient, baseURL: baseURL, network: network}
}

type operationsPage struct {
	Operations []struct {
		Level int64 `json:"level"`
	} `json:"operations"`
	LastID string `json:"last_id"`
}

// RelevantLevels returns every distinct block level address was touched at,
// ascending, by paging the operations endpoint via last_id until BCD
// reports no further page.
func (c *Client) RelevantLevels(ctx context.Context, address string) ([]int64, error) {
	seen := map[int64]bool{}
	var levels []int64
	lastID := ""

	for {
		page, err := c.fetchPage(ctx, address, lastID)
		if err != nil {
			return nil, errors.Wrapf(err, "bcd: fetching operations for %s", address)
		}
		if len(page.Operations) == 0 {
			break
		}
		for _, op := range page.Operations {
			if seen[op.Level] {
				continue
			}
			seen[op.Level] = true
			levels = append(levels, op.Level)
		}
		if page.LastID == "" || page.LastID == lastID {
			break
		}
		lastID = page.LastID
	}

	sortInt64s(levels)
	return levels, nil
}

func (c *Client) fetchPage(ctx context.Context, address, lastID string) (*operationsPage, error) {
	u := fmt.Sprintf("%s/contract/%s/%s/operations", c.baseURL, c.network, address)
	if lastID != "" {
		u += "?" + url.Values{"last_id": {lastID}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bcd: unexpected status %d from %s", resp.StatusCode, u)
	}
	var page operationsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, err
	}
	return &page, nil
}

func sortInt64s(s []int64) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}

// MergeLevels merges the per-contract relevant-level lists from Fast Sync
// into one deduplicated, ascending list (spec §4.6 step 1: "merge and
// deduplicate").
func MergeLevels(perContract [][]int64) []int64 {
	seen := map[int64]bool{}
	var out []int64
	for _, levels := range perContract {
		for _, lvl := range levels {
			if seen[lvl] {
				continue
			}
			seen[lvl] = true
			out = append(out, lvl)
		}
	}
	sortInt64s(out)
	return out
}
