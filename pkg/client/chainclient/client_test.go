package chainclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
	"github.com/trigg3rX/power-agent-node/pkg/logging"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// fakeNode answers JSON-RPC requests through handle. A nil result with
// a nil error makes it reply 502.
type fakeNode struct {
	calls  int32
	handle func(method string, n int32) (any, *rpcErrorBody)
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n := atomic.AddInt32(&f.calls, 1)
	result, rpcErr := f.handle(req.Method, n)
	if result == nil && rpcErr == nil {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, node *fakeNode) *Client {
	server := httptest.NewServer(node)
	t.Cleanup(server.Close)

	cfg := NewConfig(server.URL, logging.NewNoOpLogger()).
		WithRetry(3, time.Millisecond).
		WithPollInterval(5 * time.Millisecond)
	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestClient_RetriesTransportErrors(t *testing.T) {
	node := &fakeNode{handle: func(method string, n int32) (any, *rpcErrorBody) {
		if n < 3 {
			return nil, nil
		}
		return "0x64", nil
	}}
	client := newTestClient(t, node)

	id, err := client.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), id.Int64())
	assert.Equal(t, int32(3), atomic.LoadInt32(&node.calls))
}

func TestClient_ExhaustedRetriesWrapChainClientError(t *testing.T) {
	node := &fakeNode{handle: func(string, int32) (any, *rpcErrorBody) { return nil, nil }}
	client := newTestClient(t, node)

	_, err := client.BlockNumber(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrChainClient))
	assert.Equal(t, int32(3), atomic.LoadInt32(&node.calls))
}

func TestClient_RPCErrorsAreNotRetried(t *testing.T) {
	node := &fakeNode{handle: func(string, int32) (any, *rpcErrorBody) {
		return nil, &rpcErrorBody{Code: -32000, Message: "header not found"}
	}}
	client := newTestClient(t, node)

	_, err := client.BlockNumber(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "header not found")
	assert.Equal(t, int32(1), atomic.LoadInt32(&node.calls))
}

func TestClient_PollingHeads(t *testing.T) {
	node := &fakeNode{handle: func(method string, n int32) (any, *rpcErrorBody) {
		return map[string]any{
			"number":           fmt.Sprintf("0x%x", 10+n),
			"hash":             fmt.Sprintf("0x%064x", n),
			"parentHash":       fmt.Sprintf("0x%064x", n-1),
			"sha3Uncles":       "0x1dcc4de8dec75d7aab85b567b6ccd41ad312451b948a7413f0a142fd40d49347",
			"miner":            "0x0000000000000000000000000000000000000000",
			"stateRoot":        fmt.Sprintf("0x%064x", 0),
			"transactionsRoot": fmt.Sprintf("0x%064x", 0),
			"receiptsRoot":     fmt.Sprintf("0x%064x", 0),
			"logsBloom":        "0x" + fmt.Sprintf("%0512x", 0),
			"difficulty":       "0x0",
			"gasLimit":         "0x1c9c380",
			"gasUsed":          "0x0",
			"timestamp":        "0x6308d078",
			"extraData":        "0x",
			"mixHash":          fmt.Sprintf("0x%064x", 0),
			"nonce":            "0x0000000000000000",
			"baseFeePerGas":    "0x3b9aca00",
		}, nil
	}}
	client := newTestClient(t, node)

	heads := make(chan *types.Header, 4)
	sub, err := client.SubscribeNewHead(context.Background(), heads)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	first := <-heads
	second := <-heads
	assert.Greater(t, second.Number.Uint64(), first.Number.Uint64())
	assert.Equal(t, int64(1_000_000_000), first.BaseFee.Int64())
}

func TestShouldRetry(t *testing.T) {
	assert.False(t, shouldRetry(ethereum.NotFound, 1))
	assert.False(t, shouldRetry(context.Canceled, 1))
	assert.True(t, shouldRetry(errors.New("connection reset by peer"), 1))
}

func TestIsNonceError(t *testing.T) {
	assert.True(t, IsNonceError(errors.New("nonce too low: next nonce 5, tx nonce 4")))
	assert.True(t, IsNonceError(errors.New("replacement transaction underpriced")))
	assert.True(t, IsNonceError(errors.New("already known")))
	assert.False(t, IsNonceError(errors.New("insufficient funds")))
	assert.False(t, IsNonceError(nil))
}

func TestConfig_Validate(t *testing.T) {
	logger := logging.NewNoOpLogger()
	assert.NoError(t, NewConfig("https://rpc.gnosischain.com", logger).Validate())
	assert.Error(t, NewConfig("rpc.gnosischain.com", logger).Validate())
	assert.Error(t, NewConfig("https://rpc.gnosischain.com", logger).WithWebSocket("https://x.io").Validate())
	assert.Error(t, NewConfig("https://rpc.gnosischain.com", nil).Validate())
	assert.Error(t, NewConfig("https://rpc.gnosischain.com", logger).WithRetry(0, time.Second).Validate())
}
