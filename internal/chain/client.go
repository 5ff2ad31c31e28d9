package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"

	"fareindexer/internal/model"
)

// MaxSignaturesPerPage is the getSignaturesForAddress page limit.
const MaxSignaturesPerPage = 1000

// SignatureInfo is one getSignaturesForAddress entry.
type SignatureInfo struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	Err       json.RawMessage `json:"err"`
	BlockTime *int64          `json:"blockTime"`
}

// Failed reports whether the transaction failed on-chain.
func (s SignatureInfo) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// Client wraps a JSON-RPC connection to a Solana node.
type Client struct {
	rpcClient  *rpc.Client
	commitment string
}

// NewClient dials rpcURL. Commitment defaults to "confirmed".
func NewClient(ctx context.Context, rpcURL, commitment string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	if commitment == "" {
		commitment = "confirmed"
	}
	return &Client{rpcClient: rpcClient, commitment: commitment}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// GetTransaction fetches a confirmed transaction in jsonParsed encoding. It
// returns nil without error when the node does not have it yet.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*model.Transaction, error) {
	var tx *model.Transaction
	err := c.rpcClient.CallContext(ctx, &tx, "getTransaction", signature, map[string]interface{}{
		"encoding":                       "jsonParsed",
		"commitment":                     c.commitment,
		"maxSupportedTransactionVersion": 0,
	})
	if err != nil {
		return nil, fmt.Errorf("getTransaction %s: %w", signature, err)
	}
	return tx, nil
}

// SignatureQuery pages getSignaturesForAddress. Before and Until are
// exclusive signature bounds; empty means unbounded.
type SignatureQuery struct {
	Limit  int
	Before string
	Until  string
}

// GetSignaturesForAddress returns signatures for address, newest first.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, q SignatureQuery) ([]SignatureInfo, error) {
	limit := q.Limit
	if limit <= 0 || limit > MaxSignaturesPerPage {
		limit = MaxSignaturesPerPage
	}
	opts := map[string]interface{}{
		"limit":      limit,
		"commitment": c.commitment,
	}
	if q.Before != "" {
		opts["before"] = q.Before
	}
	if q.Until != "" {
		opts["until"] = q.Until
	}

	var out []SignatureInfo
	if err := c.rpcClient.CallContext(ctx, &out, "getSignaturesForAddress", address, opts); err != nil {
		return nil, fmt.Errorf("getSignaturesForAddress: %w", err)
	}
	return out, nil
}
