package agent

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/trigg3rX/power-agent-node/internal/keeper/contracts"
	"github.com/trigg3rX/power-agent-node/internal/keeper/datasource"
	"github.com/trigg3rX/power-agent-node/internal/keeper/job"
	"github.com/trigg3rX/power-agent-node/internal/keeper/metrics"
	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
	"github.com/trigg3rX/power-agent-node/pkg/retry"
)

// seenDepth is how many blocks of log ids are kept for dedup
const seenDepth = 256

type logID struct {
	pos    contracts.Position
	txHash common.Hash
}

func (a *Agent) logQuery(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{a.cfg.Address},
		Topics:    contracts.AgentTopics(),
	}
}

// followLogs subscribes to agent logs and posts each to the loop. Logs that
// arrive before the agent is ready are held back and replayed in order.
func (a *Agent) followLogs(ctx context.Context) error {
	logs := make(chan types.Log, 1024)
	sub, err := a.net.Client().SubscribeFilterLogs(ctx, a.logQuery(nil, nil), logs)
	if err != nil {
		return fmt.Errorf("agent %s: subscribe logs: %w", a.cfg.Address.Hex(), err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case l := <-logs:
				a.net.Post(func() { a.onLog(l) })
			case err := <-sub.Err():
				a.logger.Warn("Log subscription dropped, resubscribing", "error", err)
				sub.Unsubscribe()
				cfg := retry.DefaultRetryConfig()
				cfg.MaxRetries = 1 << 30
				cfg.ShouldRetry = func(error, int) bool { return ctx.Err() == nil }
				sub, err = retry.Retry(ctx, func() (ethereum.Subscription, error) {
					return a.net.Client().SubscribeFilterLogs(ctx, a.logQuery(nil, nil), logs)
				}, cfg, a.logger)
				if err != nil {
					return
				}
				// logs emitted while disconnected
				var from uint64
				_ = a.net.Exec(ctx, func() { from = a.lastApplied.Block })
				if from > 0 {
					from--
				}
				if err := a.backfill(ctx, from); err != nil {
					a.logger.Error("Backfill after resubscribe failed, resyncing", "error", err)
					a.net.Post(func() { a.scheduleResync("backfill failed") })
				}
			}
		}
	}()
	return nil
}

func (a *Agent) onLog(l types.Log) {
	if !a.ready {
		a.deferred = append(a.deferred, l)
		return
	}
	a.applyLog(l)
}

// markSeen reports false for a log that was already applied
func (a *Agent) markSeen(l types.Log) bool {
	id := logID{pos: contracts.Position{Block: l.BlockNumber, Index: l.Index}, txHash: l.TxHash}
	if _, dup := a.seen[id]; dup {
		return false
	}
	a.seen[id] = struct{}{}
	if a.lastApplied.Less(id.pos) {
		a.lastApplied = id.pos
	}
	if a.lastApplied.Block > seenDepth {
		floor := a.lastApplied.Block - seenDepth
		for k := range a.seen {
			if k.pos.Block < floor {
				delete(a.seen, k)
			}
		}
	}
	return true
}

// scheduleResync coalesces resync requests raised on the loop
func (a *Agent) scheduleResync(reason string) {
	if a.resyncing {
		a.resyncAgain = true
		return
	}
	a.resyncing = true
	a.logger.Warn("Resyncing agent", "reason", reason)
	ctx := a.ctx
	go func() {
		err := a.resyncAndBackfill(ctx)
		a.net.Post(func() {
			a.resyncing = false
			if err != nil {
				a.logger.Error("Resync failed", "error", err)
				if ctx.Err() == nil {
					a.scheduleResyncLater(reason)
				}
				return
			}
			if a.resyncAgain {
				a.resyncAgain = false
				a.scheduleResync("coalesced")
			}
		})
	}()
}

func (a *Agent) scheduleResyncLater(reason string) {
	delay := a.net.AverageBlockTime() * 10
	time.AfterFunc(delay, func() {
		a.net.Post(func() { a.scheduleResync(reason) })
	})
}

// resyncAndBackfill reloads every job and owner balance as of one snapshot
// block, swaps the new set in, then replays logs emitted after it.
func (a *Agent) resyncAndBackfill(ctx context.Context) error {
	if err := a.net.Exec(ctx, func() { a.ready = false }); err != nil {
		return err
	}

	details, meta, err := a.source.GetRegisteredJobs(ctx)
	if err != nil {
		return err
	}
	snapshot := meta.SourceBlockNumber
	owners := distinctOwners(details)
	balances, balancesMeta, err := a.source.GetOwnersBalances(ctx, owners, snapshot)
	if err != nil {
		return err
	}
	if snapshot != 0 && balancesMeta.SourceBlockNumber != snapshot {
		return fmt.Errorf("%w: owner balances read at block %d, jobs at %d",
			kerrors.ErrStateInconsistency, balancesMeta.SourceBlockNumber, snapshot)
	}
	if !meta.IsSynced {
		a.logger.Warn("Data source is not synced", "diff_blocks", meta.DiffBlocks,
			"node_block", meta.NodeBlockNumber, "source_block", meta.SourceBlockNumber)
	}

	if err := a.net.Exec(ctx, func() { a.swap(details, balances, meta) }); err != nil {
		return err
	}
	if err := a.backfill(ctx, snapshot); err != nil {
		return err
	}
	return a.net.Exec(ctx, a.markReady)
}

// swap replaces the job set. Jobs already tracked keep their object, so a
// transaction in flight stays bound to the job it was built for. Runs on
// the loop.
func (a *Agent) swap(details []*job.Details, balances map[common.Address]*big.Int, meta datasource.Meta) {
	for _, j := range a.jobs {
		j.Unwatch()
	}

	jobs := make(map[common.Hash]*job.Job, len(details))
	ownerJobs := make(map[common.Address]map[common.Hash]struct{})
	for _, d := range details {
		j, tracked := a.jobs[d.Key]
		if tracked {
			j.ApplyFullDetails(d)
		} else {
			j = job.New(*d, a.cfg.Strategy, a, a.net, a.logger)
		}
		jobs[d.Key] = j
		indexOwner(ownerJobs, d.Owner, d.Key)
	}
	if balances == nil {
		balances = make(map[common.Address]*big.Int)
	}
	a.jobs = jobs
	a.ownerJobs = ownerJobs
	a.ownerBalances = balances
	a.ownerFetches = make(map[common.Address]*ownerFetch)
	a.lastMeta = meta

	// logs past the snapshot must be applied again to the new set
	for id := range a.seen {
		if id.pos.Block > meta.SourceBlockNumber {
			delete(a.seen, id)
		}
	}
	a.lastApplied = contracts.Position{Block: meta.SourceBlockNumber}

	for _, j := range a.jobs {
		a.rewatch(j)
	}
	metrics.JobsTracked.WithLabelValues(a.net.Name(), a.cfg.Address.Hex()).Set(float64(len(a.jobs)))
	metrics.ResyncsTotal.WithLabelValues(a.net.Name(), a.cfg.Address.Hex()).Inc()
	a.logger.Info("Jobs loaded", "jobs", len(a.jobs), "owners", len(a.ownerBalances),
		"source", a.source.Kind(), "block", meta.SourceBlockNumber, "synced", meta.IsSynced)
}

// backfill applies logs in (from, head] in chain order
func (a *Agent) backfill(ctx context.Context, from uint64) error {
	head, err := a.net.Client().BlockNumber(ctx)
	if err != nil {
		return err
	}
	for start := from + 1; start <= head; start += a.cfg.BackfillChunkBlocks {
		end := start + a.cfg.BackfillChunkBlocks - 1
		if end > head {
			end = head
		}
		logs, err := a.net.Client().FilterLogs(ctx, a.logQuery(new(big.Int).SetUint64(start), new(big.Int).SetUint64(end)))
		if err != nil {
			return fmt.Errorf("backfill [%d, %d]: %w", start, end, err)
		}
		sortLogs(logs)
		if len(logs) == 0 {
			continue
		}
		if err := a.net.Exec(ctx, func() {
			for _, l := range logs {
				a.applyLog(l)
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

// markReady replays logs held back during the load. Logs at or below the
// snapshot block are already part of it.
func (a *Agent) markReady() {
	a.ready = true
	logs := a.deferred
	a.deferred = nil
	sortLogs(logs)
	for _, l := range logs {
		if l.BlockNumber <= a.lastMeta.SourceBlockNumber && !l.Removed {
			continue
		}
		a.applyLog(l)
	}
}

func (a *Agent) rewatch(j *job.Job) {
	if err := j.Watch(); err != nil {
		a.logger.Warn("Job cannot be scheduled", "job_key", j.Key().Hex(), "error", err)
	}
}

func sortLogs(logs []types.Log) {
	sort.SliceStable(logs, func(i, k int) bool {
		if logs[i].BlockNumber != logs[k].BlockNumber {
			return logs[i].BlockNumber < logs[k].BlockNumber
		}
		return logs[i].Index < logs[k].Index
	})
}

func distinctOwners(details []*job.Details) []common.Address {
	seen := make(map[common.Address]struct{})
	var owners []common.Address
	for _, d := range details {
		if _, ok := seen[d.Owner]; ok {
			continue
		}
		seen[d.Owner] = struct{}{}
		owners = append(owners, d.Owner)
	}
	return owners
}

func indexOwner(idx map[common.Address]map[common.Hash]struct{}, owner common.Address, key common.Hash) {
	set, ok := idx[owner]
	if !ok {
		set = make(map[common.Hash]struct{})
		idx[owner] = set
	}
	set[key] = struct{}{}
}

func unindexOwner(idx map[common.Address]map[common.Hash]struct{}, owner common.Address, key common.Hash) {
	if set, ok := idx[owner]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(idx, owner)
		}
	}
}
