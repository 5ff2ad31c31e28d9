package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type rpcCall struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// rpcNode answers JSON-RPC posts from a method -> result table.
type rpcNode struct {
	mu      sync.Mutex
	results map[string]string
	calls   []rpcCall
}

func (n *rpcNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID json.RawMessage `json:"id"`
		rpcCall
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.calls = append(n.calls, req.rpcCall)
	result, ok := n.results[req.Method]
	n.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32601,"message":"Method not found"}}`))
		return
	}
	w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":` + result + `}`))
}

func (n *rpcNode) lastOptions(t *testing.T) map[string]interface{} {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.calls)
	params := n.calls[len(n.calls)-1].Params
	require.Len(t, params, 2)
	var opts map[string]interface{}
	require.NoError(t, json.Unmarshal(params[1], &opts))
	return opts
}

func startRPC(t *testing.T, n *rpcNode) *Client {
	t.Helper()
	s := httptest.NewServer(n)
	t.Cleanup(s.Close)
	c, err := NewClient(context.Background(), s.URL, "")
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestGetTransaction(t *testing.T) {
	n := &rpcNode{results: map[string]string{
		"getTransaction": `{"slot":250,"blockTime":1700000000,"meta":{"err":null,"logMessages":[]},` +
			`"transaction":{"signatures":["sig1"],"message":{"accountKeys":["Payer"],"instructions":[]}}}`,
	}}
	c := startRPC(t, n)

	tx, err := c.GetTransaction(context.Background(), "sig1")
	require.NoError(t, err)
	require.NotNil(t, tx)
	require.Equal(t, uint64(250), tx.Slot)
	require.Equal(t, "sig1", tx.Signature())

	opts := n.lastOptions(t)
	require.Equal(t, "jsonParsed", opts["encoding"])
	require.Equal(t, "confirmed", opts["commitment"])
	require.Equal(t, float64(0), opts["maxSupportedTransactionVersion"])
}

func TestGetTransactionNotYetAvailable(t *testing.T) {
	c := startRPC(t, &rpcNode{results: map[string]string{"getTransaction": "null"}})

	tx, err := c.GetTransaction(context.Background(), "sig1")
	require.NoError(t, err)
	require.Nil(t, tx)
}

func TestGetTransactionRPCError(t *testing.T) {
	c := startRPC(t, &rpcNode{results: map[string]string{}})

	_, err := c.GetTransaction(context.Background(), "sig1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "getTransaction sig1")
}

func TestGetSignaturesForAddressBounds(t *testing.T) {
	n := &rpcNode{results: map[string]string{
		"getSignaturesForAddress": `[{"signature":"b","slot":11,"err":null,"blockTime":null},` +
			`{"signature":"a","slot":10,"err":{"InstructionError":[0,"Custom"]},"blockTime":1700000000}]`,
	}}
	c := startRPC(t, n)

	sigs, err := c.GetSignaturesForAddress(context.Background(), "prog", SignatureQuery{Limit: 5000, Until: "cursor"})
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	require.Equal(t, "b", sigs[0].Signature)
	require.False(t, sigs[0].Failed())
	require.True(t, sigs[1].Failed())

	opts := n.lastOptions(t)
	require.Equal(t, float64(MaxSignaturesPerPage), opts["limit"])
	require.Equal(t, "cursor", opts["until"])
	_, hasBefore := opts["before"]
	require.False(t, hasBefore)
}
