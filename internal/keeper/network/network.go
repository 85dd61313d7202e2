// Package network runs one actor per chain. Jobs, agents and registries
// belonging to the chain are only touched from the actor's loop.
package network

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/trigg3rX/power-agent-node/internal/keeper/metrics"
	"github.com/trigg3rX/power-agent-node/pkg/client/chainclient"
	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
	"github.com/trigg3rX/power-agent-node/pkg/logging"
	"github.com/trigg3rX/power-agent-node/pkg/retry"
)

const seenBlocksDepth = 64

type Config struct {
	Name              string
	Multicall         common.Address
	AverageBlockTime  time.Duration
	MaxBlockDelay     time.Duration
	ResolverBatchSize int
}

func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("network name is required")
	}
	if c.Multicall == (common.Address{}) {
		return fmt.Errorf("network %s: multicall address is required", c.Name)
	}
	if c.AverageBlockTime <= 0 {
		return fmt.Errorf("network %s: average block time must be positive", c.Name)
	}
	if c.MaxBlockDelay <= 0 {
		c.MaxBlockDelay = 10 * c.AverageBlockTime
	}
	if c.ResolverBatchSize <= 0 {
		c.ResolverBatchSize = 100
	}
	return nil
}

type timerEntry struct {
	gen   uint64
	at    time.Time
	timer *time.Timer
	fn    func()
}

type resolverEntry struct {
	gen      uint64
	resolver Resolver
	fn       ResolverCallback
}

type Network struct {
	cfg    Config
	client chainclient.ChainClient
	logger logging.Logger
	clock  func() time.Time

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	running chan struct{}

	ctx context.Context

	// loop-owned
	chainID        *big.Int
	latestBlock    uint64
	latestBlockAt  time.Time
	lastHeadSeen   time.Time
	baseFee        *big.Int
	priorityFee    *big.Int
	tipInFlight    bool
	seen           map[uint64]map[common.Hash]struct{}
	timers         map[Key]*timerEntry
	resolvers      map[Key]*resolverEntry
	gen            uint64
	batchInFlight  bool
	pendingHead    *types.Header
	blockListeners []func(*types.Header)
}

func New(cfg Config, client chainclient.ChainClient, logger logging.Logger) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Network{
		cfg:         cfg,
		client:      client,
		logger:      logger.With("network", cfg.Name),
		clock:       time.Now,
		wake:        make(chan struct{}, 1),
		running:     make(chan struct{}),
		ctx:         context.Background(),
		baseFee:     new(big.Int),
		priorityFee: new(big.Int),
		seen:        make(map[uint64]map[common.Hash]struct{}),
		timers:      make(map[Key]*timerEntry),
		resolvers:   make(map[Key]*resolverEntry),
	}, nil
}

func (n *Network) Name() string                    { return n.cfg.Name }
func (n *Network) Client() chainclient.ChainClient { return n.client }
func (n *Network) Logger() logging.Logger          { return n.logger }

// Init reads chain id, head and gas prices. Call before Run.
func (n *Network) Init(ctx context.Context) error {
	chainID, err := n.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("network %s: chain id: %w", n.cfg.Name, err)
	}
	head, err := n.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("network %s: latest header: %w", n.cfg.Name, err)
	}
	tip, err := n.client.SuggestGasTipCap(ctx)
	if err != nil {
		n.logger.Warn("Failed to read priority fee, using zero", "error", err)
		tip = new(big.Int)
	}

	n.chainID = chainID
	n.priorityFee = tip
	n.applyHead(head)
	n.logger.Info("Network initialized", "chain_id", chainID, "block", n.latestBlock, "base_fee", n.baseFee)
	return nil
}

// Post queues fn for the loop. It never blocks and may be called from any
// goroutine, the loop included.
func (n *Network) Post(fn func()) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Exec runs fn on the loop and waits for it. Never call it from the loop.
func (n *Network) Exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	n.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Network) drain() {
	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		n.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// Run owns the loop until ctx is cancelled
func (n *Network) Run(ctx context.Context) error {
	n.ctx = ctx
	close(n.running)

	heads := make(chan *types.Header, 16)
	sub := n.subscribe(ctx, heads)
	if sub == nil {
		return ctx.Err()
	}
	n.lastHeadSeen = n.clock()

	staleCheck := time.NewTicker(n.cfg.MaxBlockDelay)
	defer staleCheck.Stop()
	defer func() {
		sub.Unsubscribe()
		for key := range n.timers {
			n.UnregisterTimeout(key)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.wake:
			n.drain()
		case head := <-heads:
			n.onNewHead(head)
		case err := <-sub.Err():
			n.logger.Warn("Head subscription dropped, resubscribing", "error", err)
			sub.Unsubscribe()
			if sub = n.subscribe(ctx, heads); sub == nil {
				return ctx.Err()
			}
		case <-staleCheck.C:
			if since := n.clock().Sub(n.lastHeadSeen); since > n.cfg.MaxBlockDelay {
				n.logger.Warn("No new block within max delay, resubscribing", "since", since, "block", n.latestBlock)
				sub.Unsubscribe()
				if sub = n.subscribe(ctx, heads); sub == nil {
					return ctx.Err()
				}
				n.lastHeadSeen = n.clock()
			}
		}
	}
}

// subscribe retries until it succeeds or ctx ends
func (n *Network) subscribe(ctx context.Context, heads chan *types.Header) ethereum.Subscription {
	cfg := retry.DefaultRetryConfig()
	cfg.MaxRetries = 1 << 30
	cfg.ShouldRetry = func(error, int) bool { return ctx.Err() == nil }
	sub, err := retry.Retry(ctx, func() (ethereum.Subscription, error) {
		return n.client.SubscribeNewHead(ctx, heads)
	}, cfg, n.logger)
	if err != nil {
		return nil
	}
	return sub
}

// Running is closed once Run has started
func (n *Network) Running() <-chan struct{} { return n.running }

// AddBlockListener registers fn for every new, non-duplicate head. Loop only.
func (n *Network) AddBlockListener(fn func(*types.Header)) {
	n.blockListeners = append(n.blockListeners, fn)
}

func (n *Network) applyHead(head *types.Header) {
	number := head.Number.Uint64()
	if number < n.latestBlock {
		return
	}
	n.latestBlock = number
	n.latestBlockAt = time.Unix(int64(head.Time), 0)
	if head.BaseFee != nil {
		n.baseFee = new(big.Int).Set(head.BaseFee)
	}
	metrics.LatestBlock.WithLabelValues(n.cfg.Name).Set(float64(number))
	metrics.BlockLagSeconds.WithLabelValues(n.cfg.Name).Set(n.clock().Sub(n.latestBlockAt).Seconds())
}

// markSeen reports false when this (number, hash) pair was already handled
func (n *Network) markSeen(head *types.Header) bool {
	number := head.Number.Uint64()
	hashes, ok := n.seen[number]
	if !ok {
		hashes = make(map[common.Hash]struct{})
		n.seen[number] = hashes
	}
	hash := head.Hash()
	if _, dup := hashes[hash]; dup {
		return false
	}
	hashes[hash] = struct{}{}

	if number > seenBlocksDepth {
		for b := range n.seen {
			if b < number-seenBlocksDepth {
				delete(n.seen, b)
			}
		}
	}
	return true
}

func (n *Network) onNewHead(head *types.Header) {
	n.lastHeadSeen = n.clock()
	if !n.markSeen(head) {
		metrics.DuplicateHeadsTotal.WithLabelValues(n.cfg.Name).Inc()
		return
	}
	n.applyHead(head)
	n.refreshPriorityFee()

	for _, fn := range n.blockListeners {
		fn(head)
	}

	if n.batchInFlight {
		n.pendingHead = head
		return
	}
	n.startResolverBatch(head)
}

func (n *Network) refreshPriorityFee() {
	if n.tipInFlight {
		return
	}
	n.tipInFlight = true
	ctx := n.ctx
	go func() {
		tip, err := n.client.SuggestGasTipCap(ctx)
		n.Post(func() {
			n.tipInFlight = false
			if err != nil {
				n.logger.Debug("Failed to refresh priority fee", "error", err)
				return
			}
			n.priorityFee = tip
		})
	}()
}

// Scheduling surface used by jobs. Loop only.

func (n *Network) BaseFee() *big.Int               { return new(big.Int).Set(n.baseFee) }
func (n *Network) PriorityFee() *big.Int           { return new(big.Int).Set(n.priorityFee) }
func (n *Network) AverageBlockTime() time.Duration { return n.cfg.AverageBlockTime }
func (n *Network) Now() time.Time                  { return n.clock() }
func (n *Network) LatestBlockNumber() uint64       { return n.latestBlock }

// ChainID is set by Init and never changes afterwards
func (n *Network) ChainID() *big.Int {
	if n.chainID == nil {
		return nil
	}
	return new(big.Int).Set(n.chainID)
}

// RegisterTimeout arms fn for at, replacing any timer under key
func (n *Network) RegisterTimeout(key Key, at time.Time, fn func()) error {
	if err := key.Validate(); err != nil {
		return err
	}
	n.UnregisterTimeout(key)

	n.gen++
	entry := &timerEntry{gen: n.gen, at: at, fn: fn}
	gen := entry.gen
	delay := at.Sub(n.clock())
	if delay < 0 {
		delay = 0
	}
	entry.timer = time.AfterFunc(delay, func() {
		n.Post(func() { n.fireTimer(key, gen) })
	})
	n.timers[key] = entry
	metrics.RegisteredTimers.WithLabelValues(n.cfg.Name).Set(float64(len(n.timers)))
	return nil
}

// UnregisterTimeout is a no-op for unknown keys
func (n *Network) UnregisterTimeout(key Key) {
	entry, ok := n.timers[key]
	if !ok {
		return
	}
	entry.timer.Stop()
	delete(n.timers, key)
	metrics.RegisteredTimers.WithLabelValues(n.cfg.Name).Set(float64(len(n.timers)))
}

func (n *Network) fireTimer(key Key, gen uint64) {
	entry, ok := n.timers[key]
	if !ok || entry.gen != gen {
		return
	}
	delete(n.timers, key)
	metrics.RegisteredTimers.WithLabelValues(n.cfg.Name).Set(float64(len(n.timers)))
	entry.fn()
}

// RegisterResolver fails if key is already registered
func (n *Network) RegisterResolver(key Key, resolver Resolver, fn ResolverCallback) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if _, ok := n.resolvers[key]; ok {
		return fmt.Errorf("%w: %s", kerrors.ErrKeyRegistered, key)
	}
	n.gen++
	n.resolvers[key] = &resolverEntry{gen: n.gen, resolver: resolver, fn: fn}
	metrics.RegisteredResolvers.WithLabelValues(n.cfg.Name).Set(float64(len(n.resolvers)))
	return nil
}

// UnregisterResolver is a no-op for unknown keys
func (n *Network) UnregisterResolver(key Key) {
	if _, ok := n.resolvers[key]; !ok {
		return
	}
	delete(n.resolvers, key)
	metrics.RegisteredResolvers.WithLabelValues(n.cfg.Name).Set(float64(len(n.resolvers)))
}

// sortedResolverKeys gives batches a stable order
func (n *Network) sortedResolverKeys() []Key {
	keys := make([]Key, 0, len(n.resolvers))
	for k := range n.resolvers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Stats is the network part of the status read model
type Stats struct {
	Name             string `json:"name"`
	ChainID          string `json:"chain_id"`
	LatestBlock      uint64 `json:"latest_block"`
	BaseFee          string `json:"base_fee"`
	PriorityFee      string `json:"priority_fee"`
	Timers           int    `json:"timers"`
	Resolvers        int    `json:"resolvers"`
	ResolverBatching bool   `json:"resolver_batch_in_flight"`
}

// Stats is loop only; use Exec from elsewhere
func (n *Network) Stats() Stats {
	s := Stats{
		Name:             n.cfg.Name,
		LatestBlock:      n.latestBlock,
		BaseFee:          n.baseFee.String(),
		PriorityFee:      n.priorityFee.String(),
		Timers:           len(n.timers),
		Resolvers:        len(n.resolvers),
		ResolverBatching: n.batchInFlight,
	}
	if n.chainID != nil {
		s.ChainID = n.chainID.String()
	}
	return s
}

// FilterLogs is safe from any goroutine
func (n *Network) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return n.client.FilterLogs(ctx, q)
}
