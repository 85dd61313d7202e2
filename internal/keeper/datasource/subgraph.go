package datasource

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/trigg3rX/power-agent-node/internal/keeper/job"
	"github.com/trigg3rX/power-agent-node/internal/keeper/metrics"
	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
	"github.com/trigg3rX/power-agent-node/pkg/http"
	"github.com/trigg3rX/power-agent-node/pkg/logging"
)

const (
	DefaultMaxBlocksDelay = 10
	subgraphPageSize      = 1000
)

const metaQuery = `{ _meta { block { number } } }`

const jobsQuery = `query Jobs($block: Int!, $first: Int!, $lastID: ID!) {
  jobs(block: { number: $block }, first: $first, where: { id_gt: $lastID }, orderBy: id, orderDirection: asc) {
    id
    jobAddress
    jobId
    owner { id }
    pendingOwner { id }
    active
    useJobOwnerCredits
    assertResolverSelector
    checkKeeperMinCvpDeposit
    jobSelector
    calldataSource
    lastExecutionAt
    intervalSeconds
    fixedReward
    rewardPct
    maxBaseFeeGwei
    credits
    minKeeperCVP
    preDefinedCalldata
    resolverAddress
    resolverCalldata
    jobNextKeeperId
    jobReservedSlasherId
    jobSlashingPossibleAfter
  }
}`

const ownersQuery = `query Owners($block: Int!, $ids: [ID!]!) {
  jobOwners(block: { number: $block }, where: { id_in: $ids }) { id credits }
}`

type SubgraphConfig struct {
	Network        string
	URL            string
	MaxBlocksDelay uint64
}

// SubgraphSource reads an indexer and falls back to the chain whenever the
// indexer lags the node by more than MaxBlocksDelay.
type SubgraphSource struct {
	cfg      SubgraphConfig
	gql      *graphqlClient
	fallback Source
	logger   logging.Logger
}

var _ Source = (*SubgraphSource)(nil)

func NewSubgraphSource(cfg SubgraphConfig, client http.JSONPoster, fallback Source, logger logging.Logger) (*SubgraphSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("subgraph source: url is required")
	}
	if fallback == nil {
		return nil, fmt.Errorf("subgraph source: fallback source is required")
	}
	if cfg.MaxBlocksDelay == 0 {
		cfg.MaxBlocksDelay = DefaultMaxBlocksDelay
	}
	return &SubgraphSource{
		cfg:      cfg,
		gql:      &graphqlClient{url: cfg.URL, http: client},
		fallback: fallback,
		logger:   logger.With("source", KindSubgraph),
	}, nil
}

func (s *SubgraphSource) Kind() string { return KindSubgraph }

func (s *SubgraphSource) GetBlocksDelay(ctx context.Context) (Meta, error) {
	node, err := s.fallback.GetBlocksDelay(ctx)
	if err != nil {
		return Meta{}, err
	}
	var out struct {
		Meta struct {
			Block struct {
				Number uint64 `json:"number"`
			} `json:"block"`
		} `json:"_meta"`
	}
	if err := s.gql.query(ctx, metaQuery, nil, &out); err != nil {
		return Meta{}, err
	}

	meta := Meta{NodeBlockNumber: node.NodeBlockNumber, SourceBlockNumber: out.Meta.Block.Number}
	if meta.NodeBlockNumber > meta.SourceBlockNumber {
		meta.DiffBlocks = meta.NodeBlockNumber - meta.SourceBlockNumber
	}
	meta.IsSynced = meta.DiffBlocks <= s.cfg.MaxBlocksDelay
	return meta, nil
}

// checkSynced reports the lag, logging and counting a stale indexer
func (s *SubgraphSource) checkSynced(ctx context.Context, read string) (Meta, error) {
	meta, err := s.GetBlocksDelay(ctx)
	if err != nil {
		return Meta{}, err
	}
	if !meta.IsSynced {
		s.logger.Warn("Subgraph is behind the node, reading from chain", "read", read,
			"diff_blocks", meta.DiffBlocks, "node_block", meta.NodeBlockNumber, "subgraph_block", meta.SourceBlockNumber)
		metrics.IndexUnsyncedTotal.WithLabelValues(s.cfg.Network).Inc()
	}
	return meta, nil
}

// GetRegisteredJobs pages every job at the indexer head it just reported,
// so all pages describe one block. A stale indexer hands the read to the
// chain and the chain's block becomes SourceBlockNumber.
func (s *SubgraphSource) GetRegisteredJobs(ctx context.Context) ([]*job.Details, Meta, error) {
	meta, err := s.checkSynced(ctx, "jobs")
	if err != nil {
		return nil, Meta{}, err
	}
	if !meta.IsSynced {
		jobs, chain, err := s.fallback.GetRegisteredJobs(ctx)
		if err != nil {
			return nil, Meta{}, err
		}
		return jobs, fellBack(meta, chain), nil
	}

	var jobs []*job.Details
	lastID := ""
	for {
		var page struct {
			Jobs []subgraphJob `json:"jobs"`
		}
		vars := map[string]interface{}{"block": meta.SourceBlockNumber, "first": subgraphPageSize, "lastID": lastID}
		if err := s.gql.query(ctx, jobsQuery, vars, &page); err != nil {
			return nil, Meta{}, err
		}
		for _, sj := range page.Jobs {
			d, err := sj.details()
			if err != nil {
				return nil, Meta{}, fmt.Errorf("%w: job %s: %w", kerrors.ErrIndexSource, sj.ID, err)
			}
			jobs = append(jobs, d)
		}
		if len(page.Jobs) < subgraphPageSize {
			break
		}
		lastID = page.Jobs[len(page.Jobs)-1].ID
	}
	s.logger.Info("Loaded registered jobs from subgraph", "jobs", len(jobs), "subgraph_block", meta.SourceBlockNumber)
	return jobs, meta, nil
}

// GetOwnersBalances reads at block, or at the indexer head when block is
// zero. A block the indexer has not reached yet is read from the chain.
func (s *SubgraphSource) GetOwnersBalances(ctx context.Context, owners []common.Address, block uint64) (map[common.Address]*big.Int, Meta, error) {
	meta, err := s.checkSynced(ctx, "owners")
	if err != nil {
		return nil, Meta{}, err
	}
	if !meta.IsSynced || block > meta.SourceBlockNumber {
		balances, chain, err := s.fallback.GetOwnersBalances(ctx, owners, block)
		if err != nil {
			return nil, Meta{}, err
		}
		return balances, fellBack(meta, chain), nil
	}
	if block != 0 {
		meta.SourceBlockNumber = block
	}

	balances := make(map[common.Address]*big.Int, len(owners))
	for _, o := range owners {
		balances[o] = new(big.Int)
	}
	for _, chunk := range chunks(owners, subgraphPageSize) {
		ids := make([]string, len(chunk))
		for i, o := range chunk {
			ids[i] = lowerHex(o)
		}
		var out struct {
			JobOwners []struct {
				ID      string `json:"id"`
				Credits string `json:"credits"`
			} `json:"jobOwners"`
		}
		vars := map[string]interface{}{"block": meta.SourceBlockNumber, "ids": ids}
		if err := s.gql.query(ctx, ownersQuery, vars, &out); err != nil {
			return nil, Meta{}, err
		}
		for _, o := range out.JobOwners {
			credits, err := parseBig(o.Credits)
			if err != nil {
				return nil, Meta{}, fmt.Errorf("%w: owner %s credits: %w", kerrors.ErrIndexSource, o.ID, err)
			}
			balances[common.HexToAddress(o.ID)] = credits
		}
	}
	return balances, meta, nil
}

// fellBack keeps the indexer lag but reports the block the chain read used
func fellBack(indexer, chain Meta) Meta {
	indexer.SourceBlockNumber = chain.SourceBlockNumber
	if chain.NodeBlockNumber > indexer.NodeBlockNumber {
		indexer.NodeBlockNumber = chain.NodeBlockNumber
	}
	return indexer
}

func (s *SubgraphSource) GetJobs(ctx context.Context, refs []JobRef) ([]*job.Details, error) {
	return s.fallback.GetJobs(ctx, refs)
}

type subgraphEntity struct {
	ID string `json:"id"`
}

type subgraphJob struct {
	ID                       string          `json:"id"`
	JobAddress               string          `json:"jobAddress"`
	JobID                    string          `json:"jobId"`
	Owner                    subgraphEntity  `json:"owner"`
	PendingOwner             *subgraphEntity `json:"pendingOwner"`
	Active                   bool            `json:"active"`
	UseJobOwnerCredits       bool            `json:"useJobOwnerCredits"`
	AssertResolverSelector   bool            `json:"assertResolverSelector"`
	CheckKeeperMinCvpDeposit bool            `json:"checkKeeperMinCvpDeposit"`
	JobSelector              string          `json:"jobSelector"`
	CalldataSource           string          `json:"calldataSource"`
	LastExecutionAt          string          `json:"lastExecutionAt"`
	IntervalSeconds          string          `json:"intervalSeconds"`
	FixedReward              string          `json:"fixedReward"`
	RewardPct                string          `json:"rewardPct"`
	MaxBaseFeeGwei           string          `json:"maxBaseFeeGwei"`
	Credits                  string          `json:"credits"`
	MinKeeperCVP             string          `json:"minKeeperCVP"`
	PreDefinedCalldata       string          `json:"preDefinedCalldata"`
	ResolverAddress          string          `json:"resolverAddress"`
	ResolverCalldata         string          `json:"resolverCalldata"`
	JobNextKeeperID          string          `json:"jobNextKeeperId"`
	JobReservedSlasherID     string          `json:"jobReservedSlasherId"`
	JobSlashingPossibleAfter string          `json:"jobSlashingPossibleAfter"`
}

func (sj subgraphJob) details() (*job.Details, error) {
	var firstErr error
	u := func(s string, bits int) uint64 {
		if s == "" {
			return 0
		}
		v, err := strconv.ParseUint(s, 10, bits)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return v
	}
	b := func(s string) *big.Int {
		v, err := parseBig(s)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return v
	}

	var flags uint8
	if sj.Active {
		flags |= job.FlagActive
	}
	if sj.UseJobOwnerCredits {
		flags |= job.FlagUseJobOwnerCredits
	}
	if sj.AssertResolverSelector {
		flags |= job.FlagAssertResolverSelector
	}
	if sj.CheckKeeperMinCvpDeposit {
		flags |= job.FlagCheckKeeperMinCvpDeposit
	}

	raw := &job.RawJob{
		LastExecutionAt: uint32(u(sj.LastExecutionAt, 32)),
		IntervalSeconds: uint32(u(sj.IntervalSeconds, 24)),
		CalldataSource:  job.CalldataSource(u(sj.CalldataSource, 8)),
		FixedReward:     uint32(u(sj.FixedReward, 32)),
		RewardPct:       uint16(u(sj.RewardPct, 16)),
		MaxBaseFeeGwei:  uint16(u(sj.MaxBaseFeeGwei, 16)),
		Credits:         b(sj.Credits),
		Config:          job.ParseConfig(flags),
		ConfigByte:      flags,
	}
	copy(raw.Selector[:], common.FromHex(sj.JobSelector))

	d := &job.Details{
		Key:                   common.HexToHash(sj.ID),
		Address:               common.HexToAddress(sj.JobAddress),
		ID:                    b(sj.JobID),
		Owner:                 common.HexToAddress(sj.Owner.ID),
		JobLevelMinKeeperCvp:  b(sj.MinKeeperCVP),
		Raw:                   raw,
		PreDefinedCalldata:    common.FromHex(sj.PreDefinedCalldata),
		Resolver:              job.Resolver{Address: common.HexToAddress(sj.ResolverAddress), Calldata: common.FromHex(sj.ResolverCalldata)},
		AssignedKeeperID:      u(sj.JobNextKeeperID, 64),
		ReservedSlasherID:     u(sj.JobReservedSlasherID, 64),
		SlashingPossibleAfter: u(sj.JobSlashingPossibleAfter, 64),
	}
	if sj.PendingOwner != nil {
		d.PendingTransfer = common.HexToAddress(sj.PendingOwner.ID)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return d, nil
}

func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

// lowerHex matches the subgraph's lowercase entity ids
func lowerHex(a common.Address) string {
	return hexutil.Encode(a.Bytes())
}
