// Package datasource loads an agent's registered jobs and owner balances,
// either straight from the chain or from an indexer.
package datasource

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/trigg3rX/power-agent-node/internal/keeper/job"
)

const (
	KindBlockchain = "blockchain"
	KindSubgraph   = "subgraph"
)

// Meta tells callers how fresh the returned data is
type Meta struct {
	IsSynced          bool   `json:"is_synced"`
	DiffBlocks        uint64 `json:"diff_blocks"`
	NodeBlockNumber   uint64 `json:"node_block_number"`
	SourceBlockNumber uint64 `json:"source_block_number"`
}

// JobRef is what a RegisterJob log names
type JobRef struct {
	Key     common.Hash
	Address common.Address
	ID      *big.Int
}

type Source interface {
	Kind() string
	// GetRegisteredJobs returns every job as of Meta.SourceBlockNumber
	GetRegisteredJobs(ctx context.Context) ([]*job.Details, Meta, error)
	// GetOwnersBalances reads at block, or at the source head when block is
	// zero; Meta.SourceBlockNumber names the block read
	GetOwnersBalances(ctx context.Context, owners []common.Address, block uint64) (map[common.Address]*big.Int, Meta, error)
	GetBlocksDelay(ctx context.Context) (Meta, error)
	// GetJobs always reads the chain; it serves single-job refreshes
	GetJobs(ctx context.Context, refs []JobRef) ([]*job.Details, error)
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
