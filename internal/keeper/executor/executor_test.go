package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trigg3rX/power-agent-node/internal/keeper/contracts"
	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
	"github.com/trigg3rX/power-agent-node/pkg/http"
	"github.com/trigg3rX/power-agent-node/pkg/logging"
)

type outcome struct {
	kind    string
	info    contracts.ErrorInfo
	receipt *types.Receipt
}

// recordCallbacks sends each terminal callback to the returned channel
func recordCallbacks(env *TxEnvelope, events *eventLog) <-chan outcome {
	ch := make(chan outcome, 4)
	name := string(env.Tx.Data)
	env.Callbacks = Callbacks{
		OnEstimationFailed: func(info contracts.ErrorInfo) {
			ch <- outcome{kind: "estimation", info: info}
		},
		OnExecutionFailed: func(info contracts.ErrorInfo) {
			ch <- outcome{kind: "failed", info: info}
		},
		OnExecutionSuccess: func(r *types.Receipt) {
			if events != nil {
				events.add("success " + name)
			}
			ch <- outcome{kind: "success", receipt: r}
		},
		OnDropped: func(reason string) {
			ch <- outcome{kind: "dropped", info: contracts.ErrorInfo{Message: reason}}
		},
	}
	return ch
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("no terminal callback")
	}
	return outcome{}
}

func TestPGASuccessAppliesGasMarginAndNonce(t *testing.T) {
	chain := newFakeChain()
	chain.mineAll = true
	e, err := NewPGAExecutor(context.Background(), testParams(t, chain, nil), 1)
	require.NoError(t, err)

	env := envelope(1, "exec", 50_000_000_000)
	ch := recordCallbacks(env, nil)
	e.Push(env)

	o := await(t, ch)
	require.Equal(t, "success", o.kind)
	sent := chain.sentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, uint64(150_000), sent[0].Gas())
	assert.Equal(t, uint64(7), sent[0].Nonce())
	assert.Equal(t, testChainID, sent[0].ChainId())
	assert.Equal(t, sent[0].Hash(), o.receipt.TxHash)

	from, err := types.Sender(types.LatestSignerForChainID(testChainID), sent[0])
	require.NoError(t, err)
	assert.Equal(t, e.Signer.Address(), from)
}

func TestEstimationFailureClassifiesAndDrops(t *testing.T) {
	chain := newFakeChain()
	custom := contracts.Agent.Errors["InactiveJob"]
	chain.estimateErr = fakeDataError{data: hexutil.Encode(custom.ID[:4])}
	e, err := NewPGAExecutor(context.Background(), testParams(t, chain, nil), 1)
	require.NoError(t, err)

	env := envelope(1, "exec", 50_000_000_000)
	ch := recordCallbacks(env, nil)
	e.Push(env)

	o := await(t, ch)
	assert.Equal(t, "estimation", o.kind)
	assert.Equal(t, contracts.RevertCustom, o.info.Kind)
	assert.Equal(t, "InactiveJob", o.info.Name)
	assert.Empty(t, chain.sentTxs())
}

func TestEstimationFailureFallsBackToReplay(t *testing.T) {
	chain := newFakeChain()
	chain.estimateErr = errors.New("gas required exceeds allowance")
	reason, err := abi.Arguments{{Type: mustNewType(t, "string")}}.Pack("too early")
	require.NoError(t, err)
	chain.callErr = fakeDataError{data: append([]byte{0x08, 0xc3, 0x79, 0xa0}, reason...)}

	e, err := NewPGAExecutor(context.Background(), testParams(t, chain, nil), 1)
	require.NoError(t, err)
	env := envelope(1, "exec", 50_000_000_000)
	ch := recordCallbacks(env, nil)
	e.Push(env)

	o := await(t, ch)
	assert.Equal(t, "estimation", o.kind)
	assert.Equal(t, contracts.RevertRequire, o.info.Kind)
	assert.Equal(t, "too early", o.info.Message)
}

func TestCreditGate(t *testing.T) {
	chain := newFakeChain()
	e, err := NewPGAExecutor(context.Background(), testParams(t, chain, nil), 1)
	require.NoError(t, err)

	env := envelope(1, "exec", 50_000_000_000)
	// 150k gas at 50 gwei needs 7.5e15
	env.CreditsAvailable = big.NewInt(7_000_000_000_000_000)
	ch := recordCallbacks(env, nil)
	e.Push(env)

	o := await(t, ch)
	assert.Equal(t, "estimation", o.kind)
	assert.Contains(t, o.info.Message, "exceeds available credits")
	assert.Empty(t, chain.sentTxs())
}

func TestZeroMaxFeeIsDropped(t *testing.T) {
	chain := newFakeChain()
	e, err := NewPGAExecutor(context.Background(), testParams(t, chain, nil), 1)
	require.NoError(t, err)

	env := envelope(1, "exec", 0)
	ch := recordCallbacks(env, nil)
	e.Push(env)
	assert.Equal(t, "dropped", await(t, ch).kind)
	assert.Empty(t, chain.sentTxs())
}

func TestSecondEnvelopeWaitsForFirstTerminalCallback(t *testing.T) {
	chain := newFakeChain()
	chain.mineAll = true
	chain.mineAfter = 2
	events := &eventLog{}
	chain.events = events
	e, err := NewPGAExecutor(context.Background(), testParams(t, chain, nil), 50)
	require.NoError(t, err)

	first := envelope(1, "a", 50_000_000_000)
	second := envelope(2, "b", 50_000_000_000)
	ch1 := recordCallbacks(first, events)
	ch2 := recordCallbacks(second, events)
	e.Push(first)
	e.Push(second)

	assert.Equal(t, "success", await(t, ch1).kind)
	assert.Equal(t, "success", await(t, ch2).kind)
	assert.Equal(t, []string{"send a", "success a", "send b", "success b"}, events.snapshot())
}

func TestNotMinedBumpsWithSameNonce(t *testing.T) {
	chain := newFakeChain()
	e, err := NewPGAExecutor(context.Background(), testParams(t, chain, nil), 1)
	require.NoError(t, err)

	env := envelope(1, "exec", 50_000_000_000)
	ch := recordCallbacks(env, nil)
	var asked int
	env.Callbacks.OnNotMinedInBlock = func(tx *types.Transaction, hash common.Hash) *GasBump {
		asked++
		// the replacement gets mined
		chain.mineAll = true
		return &DefaultGasBump
	}
	e.Push(env)

	o := await(t, ch)
	require.Equal(t, "success", o.kind)
	sent := chain.sentTxs()
	require.Len(t, sent, 2)
	assert.Equal(t, 1, asked)
	assert.Equal(t, sent[0].Nonce(), sent[1].Nonce())
	assert.Equal(t, big.NewInt(60_000_000_000), sent[1].GasFeeCap())
	assert.Equal(t, sent[1].Hash(), o.receipt.TxHash)
}

func TestRevertedReceiptReportsFailure(t *testing.T) {
	chain := newFakeChain()
	chain.mineAll = true
	chain.reverted = true
	e, err := NewPGAExecutor(context.Background(), testParams(t, chain, nil), 1)
	require.NoError(t, err)

	env := envelope(1, "exec", 50_000_000_000)
	ch := recordCallbacks(env, nil)
	e.Push(env)
	assert.Equal(t, "failed", await(t, ch).kind)
}

func TestGasBumpApply(t *testing.T) {
	fee, tip := DefaultGasBump.Apply(big.NewInt(100), big.NewInt(95))
	assert.Equal(t, big.NewInt(120), fee)
	assert.Equal(t, big.NewInt(104), tip)

	fee, tip = GasBump{FeePct: 100, TipPct: 200}.Apply(big.NewInt(10), big.NewInt(8))
	assert.Equal(t, big.NewInt(10), fee)
	assert.Equal(t, big.NewInt(10), tip)
}

func TestParamsValidate(t *testing.T) {
	p := testParams(t, newFakeChain(), nil)
	require.NoError(t, p.Validate())

	broken := p
	broken.Signer = nil
	assert.Error(t, broken.Validate())
	broken = p
	broken.ChainID = big.NewInt(0)
	assert.Error(t, broken.Validate())
	broken = p
	broken.AverageBlockTime = 0
	assert.Error(t, broken.Validate())
}

// relayServer verifies signatures and answers bundle calls
type relayServer struct {
	t        *testing.T
	signer   common.Address
	simError string
	methods  *eventLog
	onSend   func(hash common.Hash)
}

func (s *relayServer) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	body, err := io.ReadAll(r.Body)
	require.NoError(s.t, err)

	header := r.Header.Get(flashbotsSignatureHeader)
	parts := strings.SplitN(header, ":", 2)
	require.Len(s.t, parts, 2)
	sig := common.FromHex(parts[1])
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(crypto.Keccak256Hash(body).Hex())), sig)
	require.NoError(s.t, err)
	assert.Equal(s.t, s.signer, crypto.PubkeyToAddress(*pub))
	assert.Equal(s.t, s.signer.Hex(), parts[0])

	var req rpcRequest
	require.NoError(s.t, json.Unmarshal(body, &req))
	s.methods.add(req.Method)

	params := req.Params[0].(map[string]interface{})
	rawTx := params["txs"].([]interface{})[0].(string)
	var tx types.Transaction
	require.NoError(s.t, tx.UnmarshalBinary(common.FromHex(rawTx)))

	var result string
	switch req.Method {
	case "eth_callBundle":
		if s.simError != "" {
			result = fmt.Sprintf(`{"bundleHash":"0x01","results":[{"txHash":"0x02","revert":%q}]}`, s.simError)
		} else {
			result = `{"bundleHash":"0x01","results":[{"txHash":"0x02"}]}`
		}
	case "eth_sendBundle":
		if s.onSend != nil {
			s.onSend(tx.Hash())
		}
		result = `{"bundleHash":"0x01"}`
	}
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s}`, req.ID, result)
}

func newFlashbots(t *testing.T, chain *fakeChain, srv *relayServer, fatal chan *kerrors.FatalError) *FlashbotsExecutor {
	t.Helper()
	reputation := NewSigner(testKey(t))
	srv.t = t
	srv.signer = reputation.Address()
	srv.methods = &eventLog{}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	client, err := http.NewHTTPClient(nil, logging.NewNoOpLogger())
	require.NoError(t, err)
	e, err := NewFlashbotsExecutor(context.Background(), testParams(t, chain, fatal),
		NewRelayClient(ts.URL, client, reputation), 3)
	require.NoError(t, err)
	return e
}

func TestFlashbotsIncludedAfterRetarget(t *testing.T) {
	chain := newFakeChain()
	chain.blockStep = 1
	sends := 0
	// the bundle transaction is mined on the second target
	srv := &relayServer{onSend: func(hash common.Hash) {
		sends++
		if sends == 2 {
			chain.mu.Lock()
			chain.receiptFor[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash, BlockNumber: big.NewInt(1003)}
			chain.mu.Unlock()
		}
	}}
	e := newFlashbots(t, chain, srv, nil)

	env := envelope(1, "exec", 50_000_000_000)
	ch := recordCallbacks(env, nil)
	e.Push(env)

	o := await(t, ch)
	require.Equal(t, "success", o.kind)
	assert.Equal(t, 2, sends)
	assert.Equal(t, []string{"eth_callBundle", "eth_sendBundle", "eth_callBundle", "eth_sendBundle"}, srv.methods.snapshot())
	// bundles never touch the public mempool
	assert.Empty(t, chain.sentTxs())
}

func TestFlashbotsSimulationRevertAbortsSilently(t *testing.T) {
	chain := newFakeChain()
	srv := &relayServer{simError: "0x"}
	e := newFlashbots(t, chain, srv, nil)

	env := envelope(1, "exec", 50_000_000_000)
	ch := recordCallbacks(env, nil)
	e.Push(env)

	o := await(t, ch)
	assert.Equal(t, "dropped", o.kind)
	assert.Contains(t, o.info.Message, "simulation reverted")
	assert.Equal(t, []string{"eth_callBundle"}, srv.methods.snapshot())
}

func TestFlashbotsNonceTooHighIsFatal(t *testing.T) {
	chain := newFakeChain()
	chain.blockStep = 1
	chain.minedNonce = 8
	fatal := make(chan *kerrors.FatalError, 1)
	e := newFlashbots(t, chain, &relayServer{}, fatal)

	env := envelope(1, "exec", 50_000_000_000)
	ch := recordCallbacks(env, nil)
	e.Push(env)

	select {
	case f := <-fatal:
		assert.True(t, kerrors.IsFatal(f))
		assert.ErrorIs(t, f, kerrors.ErrBundleResolution)
	case <-time.After(3 * time.Second):
		t.Fatal("no fatal report")
	}
	select {
	case o := <-ch:
		t.Fatalf("unexpected callback %s", o.kind)
	default:
	}
}

func TestFlashbotsGivesUpAfterMaxRetargets(t *testing.T) {
	chain := newFakeChain()
	chain.blockStep = 1
	srv := &relayServer{}
	e := newFlashbots(t, chain, srv, nil)

	env := envelope(1, "exec", 50_000_000_000)
	ch := recordCallbacks(env, nil)
	e.Push(env)

	o := await(t, ch)
	assert.Equal(t, "dropped", o.kind)
	assert.Contains(t, o.info.Message, "not included after 3 blocks")
}

func mustNewType(t *testing.T, name string) abi.Type {
	t.Helper()
	typ, err := abi.NewType(name, "", nil)
	require.NoError(t, err)
	return typ
}
