package network

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trigg3rX/power-agent-node/internal/keeper/contracts"
	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
	"github.com/trigg3rX/power-agent-node/pkg/logging"
)

var testAgent = common.HexToAddress("0x00000000000000000000000000000000000a6e47")

type fakeSub struct {
	errCh chan error
}

func (s *fakeSub) Unsubscribe()      {}
func (s *fakeSub) Err() <-chan error { return s.errCh }

// fakeChain answers tryAggregate calls: a resolver whose calldata is a
// single byte listed in trueFor returns (true, "exec-<byte>").
type fakeChain struct {
	mu      sync.Mutex
	heads   chan<- *types.Header
	trueFor map[byte]bool
	calls   int
	sizes   []int
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error)   { return big.NewInt(100), nil }
func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return 0, nil }
func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return testHead(1), nil
}
func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return 0, nil }
func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeChain) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return 0, nil
}
func (f *fakeChain) SendTransaction(context.Context, *types.Transaction) error { return nil }
func (f *fakeChain) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}
func (f *fakeChain) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (f *fakeChain) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return &fakeSub{errCh: make(chan error)}, nil
}
func (f *fakeChain) Close() {}

func (f *fakeChain) SubscribeNewHead(_ context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	f.mu.Lock()
	f.heads = ch
	f.mu.Unlock()
	return &fakeSub{errCh: make(chan error)}, nil
}

func (f *fakeChain) push(h *types.Header) {
	f.mu.Lock()
	ch := f.heads
	f.mu.Unlock()
	ch <- h
}

func (f *fakeChain) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heads != nil
}

func (f *fakeChain) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method := contracts.Multicall2.Methods["tryAggregate"]
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	calls := *abi.ConvertType(args[1], new([]contracts.Multicall2Call)).(*[]contracts.Multicall2Call)

	results := make([]contracts.Multicall2Result, len(calls))
	for i, c := range calls {
		ok := len(c.CallData) == 1 && f.trueFor[c.CallData[0]]
		var payload []byte
		if ok {
			payload = []byte{'e', 'x', 'e', 'c', '-', c.CallData[0]}
		}
		data, err := contracts.EncodeResolverResult(ok, payload)
		if err != nil {
			return nil, err
		}
		results[i] = contracts.Multicall2Result{Success: true, ReturnData: data}
	}

	f.mu.Lock()
	f.calls++
	f.sizes = append(f.sizes, len(calls))
	f.mu.Unlock()
	return method.Outputs.Pack(results)
}

func testHead(number int64) *types.Header {
	return &types.Header{
		Number:  big.NewInt(number),
		Time:    uint64(time.Now().Unix()),
		BaseFee: big.NewInt(7_000_000_000),
		Extra:   []byte{byte(number)},
	}
}

func testKey(i byte, p Purpose) Key {
	return Key{Agent: testAgent, Job: common.BytesToHash([]byte{i + 1}), Purpose: p}
}

func newTestNetwork(t *testing.T, chain *fakeChain, batchSize int) *Network {
	t.Helper()
	n, err := New(Config{
		Name:              "testnet",
		Multicall:         common.HexToAddress("0x000000000000000000000000000000000000ca11"),
		AverageBlockTime:  5 * time.Second,
		MaxBlockDelay:     time.Minute,
		ResolverBatchSize: batchSize,
	}, chain, logging.NewNoOpLogger())
	require.NoError(t, err)
	return n
}

// startNetwork runs the loop until the test ends
func startNetwork(t *testing.T, n *Network, chain *fakeChain) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, chain.subscribed, time.Second, 5*time.Millisecond)
	return ctx
}

type firedLog struct {
	mu    sync.Mutex
	calls map[byte][][]byte
}

func (l *firedLog) record(i byte, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[i] = append(l.calls[i], data)
}

func (l *firedLog) total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		n += len(c)
	}
	return n
}

func TestResolverBatchDispatchesOnlyTrueResults(t *testing.T) {
	chain := &fakeChain{trueFor: map[byte]bool{2: true, 5: true}}
	// three chunks for eight resolvers
	n := newTestNetwork(t, chain, 3)
	ctx := startNetwork(t, n, chain)
	fired := &firedLog{calls: make(map[byte][][]byte)}

	require.NoError(t, n.Exec(ctx, func() {
		for i := byte(0); i < 8; i++ {
			i := i
			key := testKey(i, PurposeResolver)
			err := n.RegisterResolver(key, Resolver{
				Address:  common.BytesToAddress([]byte{0xee, i}),
				Calldata: []byte{i},
			}, func(calldata []byte) {
				n.UnregisterResolver(key)
				fired.record(i, calldata)
			})
			assert.NoError(t, err)
		}
	}))

	head := testHead(100)
	chain.push(head)
	require.Eventually(t, func() bool { return fired.total() == 2 }, time.Second, 5*time.Millisecond)

	fired.mu.Lock()
	assert.Equal(t, [][]byte{[]byte("exec-\x02")}, fired.calls[2])
	assert.Equal(t, [][]byte{[]byte("exec-\x05")}, fired.calls[5])
	fired.mu.Unlock()

	chain.mu.Lock()
	assert.Equal(t, []int{3, 3, 2}, chain.sizes)
	chain.mu.Unlock()

	// the same head again is dropped before any resolver call
	chain.push(head)
	idle := func() bool {
		var busy bool
		_ = n.Exec(ctx, func() { busy = n.batchInFlight || n.pendingHead != nil })
		return !busy
	}
	require.Eventually(t, idle, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, chain.callCount())

	// next block only evaluates the six still registered
	chain.push(testHead(101))
	require.Eventually(t, func() bool { return chain.callCount() == 5 && idle() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, fired.total())

	var stats Stats
	require.NoError(t, n.Exec(ctx, func() { stats = n.Stats() }))
	assert.Equal(t, 6, stats.Resolvers)
	assert.Equal(t, uint64(101), stats.LatestBlock)
	assert.Equal(t, "7000000000", stats.BaseFee)
}

func TestDispatchSkipsStaleGeneration(t *testing.T) {
	n := newTestNetwork(t, &fakeChain{}, 100)
	key := testKey(1, PurposeResolver)
	var calls int
	cb := func([]byte) { calls++ }

	require.NoError(t, n.RegisterResolver(key, Resolver{Calldata: []byte{1}}, cb))
	entries := []batchEntry{{key: key, gen: n.resolvers[key].gen}}
	data, err := contracts.EncodeResolverResult(true, []byte{0xaa})
	require.NoError(t, err)
	outcomes := []batchOutcome{{called: true, success: true, data: data}}

	// re-registered while the batch was in flight
	n.UnregisterResolver(key)
	require.NoError(t, n.RegisterResolver(key, Resolver{Calldata: []byte{1}}, cb))
	n.dispatchResolvers(entries, outcomes)
	assert.Equal(t, 0, calls)

	entries[0].gen = n.resolvers[key].gen
	n.dispatchResolvers(entries, outcomes)
	assert.Equal(t, 1, calls)

	// failed inner call or failed chunk never dispatch
	n.dispatchResolvers(entries, []batchOutcome{{called: true, success: false, data: data}})
	n.dispatchResolvers(entries, []batchOutcome{{called: false}})
	assert.Equal(t, 1, calls)
}

func TestRegisterResolverErrors(t *testing.T) {
	n := newTestNetwork(t, &fakeChain{}, 100)
	key := testKey(0, PurposeResolver)

	require.NoError(t, n.RegisterResolver(key, Resolver{}, func([]byte) {}))
	err := n.RegisterResolver(key, Resolver{}, func([]byte) {})
	assert.ErrorIs(t, err, kerrors.ErrKeyRegistered)

	err = n.RegisterResolver(Key{Agent: testAgent, Purpose: PurposeResolver}, Resolver{}, func([]byte) {})
	assert.ErrorIs(t, err, kerrors.ErrKeyInvalid)
	err = n.RegisterTimeout(Key{Agent: testAgent, Job: common.HexToHash("0x01")}, time.Now(), func() {})
	assert.ErrorIs(t, err, kerrors.ErrKeyInvalid)

	n.UnregisterResolver(key)
	n.UnregisterResolver(key)
	n.UnregisterTimeout(testKey(9, PurposeExecution))
	assert.Empty(t, n.resolvers)
}

func TestTimersReplaceAndUnregister(t *testing.T) {
	chain := &fakeChain{}
	n := newTestNetwork(t, chain, 100)
	ctx := startNetwork(t, n, chain)

	var mu sync.Mutex
	fired := map[string]int{}
	mark := func(name string) func() {
		return func() {
			mu.Lock()
			fired[name]++
			mu.Unlock()
		}
	}

	replaced := testKey(1, PurposeExecution)
	cancelled := testKey(2, PurposeExecution)
	require.NoError(t, n.Exec(ctx, func() {
		now := n.Now()
		assert.NoError(t, n.RegisterTimeout(replaced, now.Add(20*time.Millisecond), mark("first")))
		assert.NoError(t, n.RegisterTimeout(replaced, now.Add(30*time.Millisecond), mark("second")))
		assert.NoError(t, n.RegisterTimeout(cancelled, now.Add(20*time.Millisecond), mark("cancelled")))
		n.UnregisterTimeout(cancelled)
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired["second"] == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, map[string]int{"second": 1}, fired)
	mu.Unlock()

	var timers int
	require.NoError(t, n.Exec(ctx, func() { timers = len(n.timers) }))
	assert.Zero(t, timers)
}

func TestPastDeadlineFiresImmediately(t *testing.T) {
	chain := &fakeChain{}
	n := newTestNetwork(t, chain, 100)
	ctx := startNetwork(t, n, chain)

	done := make(chan struct{})
	require.NoError(t, n.Exec(ctx, func() {
		assert.NoError(t, n.RegisterTimeout(testKey(3, PurposeSlashing), n.Now().Add(-time.Hour), func() { close(done) }))
	}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer in the past did not fire")
	}
}

func TestMarkSeenDeduplicatesAndPrunes(t *testing.T) {
	n := newTestNetwork(t, &fakeChain{}, 100)

	h := testHead(10)
	assert.True(t, n.markSeen(h))
	assert.False(t, n.markSeen(h))

	// same height, different hash is a reorg sibling
	sibling := testHead(10)
	sibling.Extra = []byte("sibling")
	assert.True(t, n.markSeen(sibling))
	assert.Len(t, n.seen[10], 2)

	assert.True(t, n.markSeen(testHead(10+seenBlocksDepth+1)))
	_, kept := n.seen[10]
	assert.False(t, kept)
}

func TestApplyHeadIgnoresOlderBlocks(t *testing.T) {
	n := newTestNetwork(t, &fakeChain{}, 100)
	n.applyHead(testHead(20))
	older := testHead(19)
	older.BaseFee = big.NewInt(1)
	n.applyHead(older)

	assert.Equal(t, uint64(20), n.LatestBlockNumber())
	assert.Equal(t, big.NewInt(7_000_000_000), n.BaseFee())
}

func TestInitReadsChainState(t *testing.T) {
	n := newTestNetwork(t, &fakeChain{}, 100)
	require.NoError(t, n.Init(context.Background()))
	assert.Equal(t, big.NewInt(100), n.ChainID())
	assert.Equal(t, big.NewInt(1_000_000_000), n.PriorityFee())
	assert.Equal(t, uint64(1), n.LatestBlockNumber())
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Name: "x", Multicall: common.HexToAddress("0x01"), AverageBlockTime: 2 * time.Second}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100, cfg.ResolverBatchSize)
	assert.Equal(t, 20*time.Second, cfg.MaxBlockDelay)

	assert.Error(t, (&Config{Multicall: common.HexToAddress("0x01"), AverageBlockTime: time.Second}).Validate())
	assert.Error(t, (&Config{Name: "x", AverageBlockTime: time.Second}).Validate())
	assert.Error(t, (&Config{Name: "x", Multicall: common.HexToAddress("0x01")}).Validate())
}
