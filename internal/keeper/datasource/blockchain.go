package datasource

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/trigg3rX/power-agent-node/internal/keeper/contracts"
	"github.com/trigg3rX/power-agent-node/internal/keeper/job"
	"github.com/trigg3rX/power-agent-node/pkg/client/chainclient"
	"github.com/trigg3rX/power-agent-node/pkg/logging"
)

const (
	DefaultLogChunkBlocks = 10_000
	DefaultLensChunkSize  = 100
)

type BlockchainConfig struct {
	Agent          common.Address
	Lens           common.Address
	DeployBlock    uint64
	LogChunkBlocks uint64
	LensChunkSize  int
}

// BlockchainSource replays RegisterJob logs and reads details through the lens
type BlockchainSource struct {
	cfg    BlockchainConfig
	client chainclient.ChainClient
	logger logging.Logger
}

var _ Source = (*BlockchainSource)(nil)

func NewBlockchainSource(cfg BlockchainConfig, client chainclient.ChainClient, logger logging.Logger) (*BlockchainSource, error) {
	if cfg.Agent == (common.Address{}) || cfg.Lens == (common.Address{}) {
		return nil, fmt.Errorf("blockchain source: agent and lens addresses are required")
	}
	if cfg.LogChunkBlocks == 0 {
		cfg.LogChunkBlocks = DefaultLogChunkBlocks
	}
	if cfg.LensChunkSize <= 0 {
		cfg.LensChunkSize = DefaultLensChunkSize
	}
	return &BlockchainSource{
		cfg:    cfg,
		client: client,
		logger: logger.With("source", KindBlockchain),
	}, nil
}

func (s *BlockchainSource) Kind() string { return KindBlockchain }

func (s *BlockchainSource) syncedMeta(ctx context.Context) (Meta, error) {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return Meta{}, err
	}
	return Meta{IsSynced: true, NodeBlockNumber: head, SourceBlockNumber: head}, nil
}

func (s *BlockchainSource) GetBlocksDelay(ctx context.Context) (Meta, error) {
	return s.syncedMeta(ctx)
}

// GetRegisteredJobs scans RegisterJob logs and reads every job through the
// lens at one block, reported as Meta.SourceBlockNumber. The scan runs a
// second, short pass up to a fresh head so the lens reads a recent block.
func (s *BlockchainSource) GetRegisteredJobs(ctx context.Context) ([]*job.Details, Meta, error) {
	first, err := s.syncedMeta(ctx)
	if err != nil {
		return nil, Meta{}, err
	}
	seen := make(map[common.Hash]struct{})
	refs, err := s.registeredRefs(ctx, s.cfg.DeployBlock, first.NodeBlockNumber, seen, nil)
	if err != nil {
		return nil, Meta{}, err
	}
	meta, err := s.syncedMeta(ctx)
	if err != nil {
		return nil, Meta{}, err
	}
	if meta.NodeBlockNumber < first.NodeBlockNumber {
		meta = first
	}
	if meta.NodeBlockNumber > first.NodeBlockNumber {
		refs, err = s.registeredRefs(ctx, first.NodeBlockNumber+1, meta.NodeBlockNumber, seen, refs)
		if err != nil {
			return nil, Meta{}, err
		}
	}
	jobs, err := s.getJobsAt(ctx, refs, blockArg(meta.SourceBlockNumber))
	if err != nil {
		return nil, Meta{}, err
	}
	s.logger.Info("Loaded registered jobs from chain", "jobs", len(jobs), "block", meta.SourceBlockNumber)
	return jobs, meta, nil
}

func (s *BlockchainSource) registeredRefs(ctx context.Context, start, head uint64, seen map[common.Hash]struct{}, refs []JobRef) ([]JobRef, error) {
	topic := []common.Hash{contracts.EventID(contracts.EventRegisterJob)}
	for from := start; from <= head; from += s.cfg.LogChunkBlocks {
		to := from + s.cfg.LogChunkBlocks - 1
		if to > head {
			to = head
		}
		logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{s.cfg.Agent},
			Topics:    [][]common.Hash{topic},
		})
		if err != nil {
			return nil, fmt.Errorf("RegisterJob logs [%d, %d]: %w", from, to, err)
		}
		for _, l := range logs {
			ev, err := contracts.DecodeAgentLog(l)
			if err != nil {
				s.logger.Warn("Skipping undecodable RegisterJob log", "tx_hash", l.TxHash.Hex(), "error", err)
				continue
			}
			key := ev.JobKey()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			refs = append(refs, JobRef{Key: key, Address: ev.Address("jobAddress"), ID: ev.BigInt("jobId")})
		}
	}
	return refs, nil
}

func (s *BlockchainSource) GetJobs(ctx context.Context, refs []JobRef) ([]*job.Details, error) {
	return s.getJobsAt(ctx, refs, nil)
}

// getJobsAt reads refs through the lens at block, or at latest when nil
func (s *BlockchainSource) getJobsAt(ctx context.Context, refs []JobRef, block *big.Int) ([]*job.Details, error) {
	out := make([]*job.Details, 0, len(refs))
	for _, chunk := range chunks(refs, s.cfg.LensChunkSize) {
		keys := make([]common.Hash, len(chunk))
		for i, r := range chunk {
			keys[i] = r.Key
		}
		data, err := contracts.PackGetJobs(s.cfg.Agent, keys)
		if err != nil {
			return nil, err
		}
		lens := s.cfg.Lens
		res, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &lens, Data: data}, block)
		if err != nil {
			return nil, fmt.Errorf("lens getJobs: %w", err)
		}
		rows, err := contracts.UnpackGetJobs(res)
		if err != nil {
			return nil, err
		}
		if len(rows) != len(chunk) {
			return nil, fmt.Errorf("lens getJobs returned %d rows for %d keys", len(rows), len(chunk))
		}
		for i, row := range rows {
			d, err := job.DetailsFromLens(chunk[i].Key, chunk[i].Address, chunk[i].ID, row)
			if err != nil {
				return nil, fmt.Errorf("job %s: %w", chunk[i].Key.Hex(), err)
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// GetOwnersBalances reads balances at block, or at the node head when block
// is zero.
func (s *BlockchainSource) GetOwnersBalances(ctx context.Context, owners []common.Address, block uint64) (map[common.Address]*big.Int, Meta, error) {
	meta, err := s.syncedMeta(ctx)
	if err != nil {
		return nil, Meta{}, err
	}
	if block != 0 {
		meta.SourceBlockNumber = block
	}
	at := blockArg(meta.SourceBlockNumber)
	balances := make(map[common.Address]*big.Int, len(owners))
	for _, chunk := range chunks(owners, s.cfg.LensChunkSize) {
		data, err := contracts.PackGetOwnerBalances(s.cfg.Agent, chunk)
		if err != nil {
			return nil, Meta{}, err
		}
		lens := s.cfg.Lens
		res, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &lens, Data: data}, at)
		if err != nil {
			return nil, Meta{}, fmt.Errorf("lens getOwnerBalances: %w", err)
		}
		values, err := contracts.UnpackGetOwnerBalances(res)
		if err != nil {
			return nil, Meta{}, err
		}
		if len(values) != len(chunk) {
			return nil, Meta{}, fmt.Errorf("lens getOwnerBalances returned %d values for %d owners", len(values), len(chunk))
		}
		for i, owner := range chunk {
			balances[owner] = values[i]
		}
	}
	return balances, meta, nil
}

func blockArg(n uint64) *big.Int {
	return new(big.Int).SetUint64(n)
}
