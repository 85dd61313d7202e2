package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
	"github.com/trigg3rX/power-agent-node/pkg/http"
)

const flashbotsSignatureHeader = "X-Flashbots-Signature"

// RelayClient speaks the bundle relay's JSON-RPC dialect. Requests are
// signed with a reputation key that never holds funds.
type RelayClient struct {
	url    string
	client http.JSONPoster
	signer *Signer
	nextID atomic.Uint64
}

func NewRelayClient(url string, client http.JSONPoster, signer *Signer) *RelayClient {
	return &RelayClient{url: url, client: client, signer: signer}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// CallBundleResult is the relay's simulation summary
type CallBundleResult struct {
	BundleHash string `json:"bundleHash"`
	Results    []struct {
		TxHash string `json:"txHash"`
		Error  string `json:"error,omitempty"`
		Revert string `json:"revert,omitempty"`
	} `json:"results"`
}

// FirstFailure returns the first reverted or errored transaction, if any
func (r *CallBundleResult) FirstFailure() string {
	for _, tx := range r.Results {
		if tx.Error != "" {
			return fmt.Sprintf("%s: %s", tx.TxHash, tx.Error)
		}
		if tx.Revert != "" {
			return fmt.Sprintf("%s: revert %s", tx.TxHash, tx.Revert)
		}
	}
	return ""
}

func (c *RelayClient) call(ctx context.Context, method string, params map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  []interface{}{params},
	})
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", kerrors.ErrRelay, method, err)
	}
	sig, err := c.signer.SignText([]byte(crypto.Keccak256Hash(body).Hex()))
	if err != nil {
		return fmt.Errorf("%w: sign %s: %v", kerrors.ErrRelay, method, err)
	}
	headers := map[string]string{
		flashbotsSignatureHeader: c.signer.Address().Hex() + ":" + sig,
	}

	var resp rpcResponse
	if err := c.client.PostJSON(ctx, c.url, headers, json.RawMessage(body), &resp); err != nil {
		return fmt.Errorf("%w: %s: %w", kerrors.ErrRelay, method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%w: %s: %d %s", kerrors.ErrRelay, method, resp.Error.Code, resp.Error.Message)
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("%w: decode %s result: %v", kerrors.ErrRelay, method, err)
		}
	}
	return nil
}

// CallBundle simulates txs on top of stateBlock as if mined in target
func (c *RelayClient) CallBundle(ctx context.Context, txs []string, target, stateBlock uint64) (*CallBundleResult, error) {
	var res CallBundleResult
	err := c.call(ctx, "eth_callBundle", map[string]interface{}{
		"txs":              txs,
		"blockNumber":      hexutil.EncodeUint64(target),
		"stateBlockNumber": hexutil.EncodeUint64(stateBlock),
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// SendBundle targets exactly one block
func (c *RelayClient) SendBundle(ctx context.Context, txs []string, target uint64) (string, error) {
	var res struct {
		BundleHash string `json:"bundleHash"`
	}
	err := c.call(ctx, "eth_sendBundle", map[string]interface{}{
		"txs":         txs,
		"blockNumber": hexutil.EncodeUint64(target),
	}, &res)
	return res.BundleHash, err
}
