// Package agent tracks every job registered with one agent contract and
// keeps their schedules in line with the contract's events.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/trigg3rX/power-agent-node/internal/keeper/contracts"
	"github.com/trigg3rX/power-agent-node/internal/keeper/datasource"
	"github.com/trigg3rX/power-agent-node/internal/keeper/executor"
	"github.com/trigg3rX/power-agent-node/internal/keeper/job"
	"github.com/trigg3rX/power-agent-node/pkg/client/chainclient"
	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
	"github.com/trigg3rX/power-agent-node/pkg/logging"
)

// Network is the agent's view of its network actor
type Network interface {
	job.Scheduler
	Name() string
	Post(fn func())
	Exec(ctx context.Context, fn func()) error
	Client() chainclient.ChainClient
	LatestBlockNumber() uint64
}

type Config struct {
	Address common.Address
	// KeeperID is looked up from the worker address when zero
	KeeperID     uint64
	Strategy     job.StrategyKind
	KeeperConfig job.KeeperConfig
	// BackfillChunkBlocks bounds a single getLogs range
	BackfillChunkBlocks uint64
}

type Agent struct {
	cfg    Config
	net    Network
	source datasource.Source
	exec   executor.Executor
	worker common.Address
	fatal  kerrors.FatalSink
	logger logging.Logger
	ctx    context.Context

	// loop-owned
	keeperID      uint64
	rdConfig      *contracts.RdConfig
	jobs          map[common.Hash]*job.Job
	ownerBalances map[common.Address]*big.Int
	ownerFetches  map[common.Address]*ownerFetch
	ownerJobs     map[common.Address]map[common.Hash]struct{}
	seen          map[logID]struct{}
	lastApplied   contracts.Position
	ready         bool
	deferred      []types.Log
	resyncing     bool
	resyncAgain   bool
	lastMeta      datasource.Meta
}

func New(cfg Config, net Network, source datasource.Source, exec executor.Executor, worker common.Address, fatal kerrors.FatalSink, logger logging.Logger) (*Agent, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("agent address is required")
	}
	if net == nil || source == nil || exec == nil {
		return nil, fmt.Errorf("agent %s: network, data source and executor are required", cfg.Address.Hex())
	}
	if cfg.Strategy == "" {
		cfg.Strategy = job.StrategyLight
	}
	if cfg.BackfillChunkBlocks == 0 {
		cfg.BackfillChunkBlocks = datasource.DefaultLogChunkBlocks
	}
	return &Agent{
		cfg:           cfg,
		net:           net,
		source:        source,
		exec:          exec,
		worker:        worker,
		fatal:         fatal,
		logger:        logger.With("network", net.Name(), "agent", cfg.Address.Hex()),
		ctx:           context.Background(),
		keeperID:      cfg.KeeperID,
		jobs:          make(map[common.Hash]*job.Job),
		ownerBalances: make(map[common.Address]*big.Int),
		ownerFetches:  make(map[common.Address]*ownerFetch),
		ownerJobs:     make(map[common.Address]map[common.Hash]struct{}),
		seen:          make(map[logID]struct{}),
	}, nil
}

// Start verifies the keeper, loads every job and begins following events.
// It returns once the initial load is applied.
func (a *Agent) Start(ctx context.Context) error {
	a.ctx = ctx
	keeperID, err := a.verifyKeeper(ctx)
	if err != nil {
		return err
	}
	var rd *contracts.RdConfig
	if a.cfg.Strategy == job.StrategyRandao {
		if rd, err = a.readRdConfig(ctx); err != nil {
			return err
		}
	}
	if err := a.net.Exec(ctx, func() {
		a.keeperID = keeperID
		a.rdConfig = rd
	}); err != nil {
		return err
	}

	if err := a.followLogs(ctx); err != nil {
		return err
	}
	if err := a.resyncAndBackfill(ctx); err != nil {
		return fmt.Errorf("agent %s: initial sync: %w", a.cfg.Address.Hex(), err)
	}
	a.logger.Info("Agent started", "keeper_id", keeperID, "strategy", a.cfg.Strategy, "executor", a.exec.Kind())
	return nil
}

func (a *Agent) callAgent(ctx context.Context, data []byte) ([]byte, error) {
	to := a.cfg.Address
	return a.net.Client().CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// verifyKeeper resolves the keeper id for the worker and checks it is
// active and bound to this worker.
func (a *Agent) verifyKeeper(ctx context.Context) (uint64, error) {
	keeperID := a.cfg.KeeperID
	if keeperID == 0 {
		data, err := contracts.PackWorkerKeeperIds(a.worker)
		if err != nil {
			return 0, err
		}
		out, err := a.callAgent(ctx, data)
		if err != nil {
			return 0, fmt.Errorf("agent %s: workerKeeperIds: %w", a.cfg.Address.Hex(), err)
		}
		id, err := contracts.UnpackAgentUint256("workerKeeperIds", out)
		if err != nil {
			return 0, err
		}
		if id.Sign() == 0 || !id.IsUint64() {
			return 0, fmt.Errorf("agent %s: worker %s is not registered as a keeper", a.cfg.Address.Hex(), a.worker.Hex())
		}
		keeperID = id.Uint64()
	}

	data, err := contracts.PackGetKeeper(new(big.Int).SetUint64(keeperID))
	if err != nil {
		return 0, err
	}
	out, err := a.callAgent(ctx, data)
	if err != nil {
		return 0, fmt.Errorf("agent %s: getKeeper(%d): %w", a.cfg.Address.Hex(), keeperID, err)
	}
	info, err := contracts.UnpackGetKeeper(out)
	if err != nil {
		return 0, err
	}
	if info.Worker != a.worker {
		return 0, fmt.Errorf("agent %s: keeper %d worker is %s, not %s", a.cfg.Address.Hex(), keeperID, info.Worker.Hex(), a.worker.Hex())
	}
	if !info.IsActive {
		return 0, fmt.Errorf("agent %s: keeper %d is not active", a.cfg.Address.Hex(), keeperID)
	}
	a.logger.Info("Keeper verified", "keeper_id", keeperID, "worker", a.worker.Hex(), "stake", info.CurrentStake)
	return keeperID, nil
}

func (a *Agent) readRdConfig(ctx context.Context) (*contracts.RdConfig, error) {
	data, err := contracts.PackGetRdConfig()
	if err != nil {
		return nil, err
	}
	out, err := a.callAgent(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("agent %s: getRdConfig: %w", a.cfg.Address.Hex(), err)
	}
	return contracts.UnpackGetRdConfig(out)
}

// job.Host. Everything below runs on the network loop.

func (a *Agent) Address() common.Address                 { return a.cfg.Address }
func (a *Agent) KeeperID() uint64                        { return a.keeperID }
func (a *Agent) KeeperConfig() job.KeeperConfig          { return a.cfg.KeeperConfig }
func (a *Agent) RdConfig() *contracts.RdConfig           { return a.rdConfig }
func (a *Agent) Submit(env *executor.TxEnvelope)         { a.exec.Push(env) }
func (a *Agent) OwnerBalance(o common.Address) *big.Int { return a.ownerBalances[o] }

func (a *Agent) CurrentSlasherID(key common.Hash, cb func(uint64, error)) {
	ctx := a.ctx
	go func() {
		id, err := a.currentSlasherID(ctx, key)
		a.net.Post(func() { cb(id, err) })
	}()
}

func (a *Agent) currentSlasherID(ctx context.Context, key common.Hash) (uint64, error) {
	data, err := contracts.PackGetCurrentSlasherID(key)
	if err != nil {
		return 0, err
	}
	out, err := a.callAgent(ctx, data)
	if err != nil {
		return 0, err
	}
	id, err := contracts.UnpackAgentUint256("getCurrentSlasherId", out)
	if err != nil {
		return 0, err
	}
	return id.Uint64(), nil
}

// OnJobFault resyncs on state inconsistencies; anything else stays faulted
// until the next resync.
func (a *Agent) OnJobFault(key common.Hash, err error) {
	a.logger.Error("Job faulted", "job_key", key.Hex(), "error", err)
	if errors.Is(err, kerrors.ErrStateInconsistency) {
		a.scheduleResync("job fault")
	}
}

var _ job.Host = (*Agent)(nil)
