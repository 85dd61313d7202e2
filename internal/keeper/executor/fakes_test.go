package executor

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
	"github.com/trigg3rX/power-agent-node/pkg/logging"
)

var (
	testChainID = big.NewInt(100)
	testAgent   = common.HexToAddress("0x00000000000000000000000000000000000a6e47")
)

type fakeDataError struct{ data interface{} }

func (f fakeDataError) Error() string          { return "execution reverted" }
func (f fakeDataError) ErrorData() interface{} { return f.data }

// fakeChain is a scripted node. minedAfter maps a tx hash to the number
// of receipt lookups that return NotFound first; unknown hashes are never
// mined.
type fakeChain struct {
	mu sync.Mutex

	estimate    uint64
	estimateErr error
	callErr     error
	nonce       uint64
	minedNonce  uint64
	block       uint64
	blockStep   uint64
	sendErr     error

	sent       []*types.Transaction
	mineAll    bool
	mineAfter  int
	lookups    map[common.Hash]int
	receiptFor map[common.Hash]*types.Receipt
	reverted   bool
	events     *eventLog
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		estimate:   100_000,
		nonce:      7,
		minedNonce: 7,
		block:      1000,
		lookups:    make(map[common.Hash]int),
		receiptFor: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return testChainID, nil }
func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.block
	f.block += f.blockStep
	return b, nil
}
func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(int64(f.block))}, nil
}
func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, f.callErr
}
func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.estimate, f.estimateErr
}
func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}
func (f *fakeChain) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.minedNonce, nil
}
func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	if f.events != nil {
		f.events.add("send " + string(tx.Data()))
	}
	if f.mineAll {
		f.mine(tx)
	}
	return nil
}

// mine makes tx's receipt visible after mineAfter lookups. Caller holds mu.
func (f *fakeChain) mine(tx *types.Transaction) {
	status := types.ReceiptStatusSuccessful
	if f.reverted {
		status = types.ReceiptStatusFailed
	}
	f.receiptFor[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(f.block),
		GasUsed:     90_000,
	}
	f.lookups[tx.Hash()] = -f.mineAfter
}

func (f *fakeChain) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receiptFor[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	f.lookups[h]++
	if f.lookups[h] <= 0 {
		return nil, ethereum.NotFound
	}
	return r, nil
}
func (f *fakeChain) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (f *fakeChain) SubscribeNewHead(context.Context, chan<- *types.Header) (ethereum.Subscription, error) {
	return nil, nil
}
func (f *fakeChain) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, nil
}
func (f *fakeChain) Close() {}

func (f *fakeChain) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

// inlineLoop runs callbacks serially, as the network loop would
type inlineLoop struct{ mu sync.Mutex }

func (l *inlineLoop) Exec(_ context.Context, fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func testParams(t *testing.T, chain *fakeChain, fatal chan *kerrors.FatalError) Params {
	t.Helper()
	p := Params{
		Network:          "testnet",
		Agent:            testAgent,
		Client:           chain,
		Loop:             &inlineLoop{},
		Signer:           NewSigner(testKey(t)),
		ChainID:          testChainID,
		AverageBlockTime: 20 * time.Millisecond,
		Logger:           logging.NewNoOpLogger(),
	}
	if fatal != nil {
		p.Fatal = fatal
	}
	return p
}

func envelope(jobKey byte, data string, maxFee int64) *TxEnvelope {
	to := testAgent
	return &TxEnvelope{
		JobKey: common.BytesToHash([]byte{jobKey}),
		Tx: &types.DynamicFeeTx{
			To:        &to,
			Data:      []byte(data),
			GasFeeCap: big.NewInt(maxFee),
			GasTipCap: big.NewInt(1),
		},
		CreditsAvailable: new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
	}
}
