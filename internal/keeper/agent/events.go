package agent

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/trigg3rX/power-agent-node/internal/keeper/contracts"
	"github.com/trigg3rX/power-agent-node/internal/keeper/datasource"
	"github.com/trigg3rX/power-agent-node/internal/keeper/job"
	"github.com/trigg3rX/power-agent-node/internal/keeper/metrics"
	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
)

// applyLog runs on the loop
func (a *Agent) applyLog(l types.Log) {
	if l.Removed {
		a.scheduleResync(fmt.Sprintf("reorg removed log at block %d", l.BlockNumber))
		return
	}
	pos := contracts.Position{Block: l.BlockNumber, Index: l.Index}
	if pos.Less(a.lastApplied) {
		a.logger.Debug("Log delivered out of order", "block", l.BlockNumber, "index", l.Index,
			"last_block", a.lastApplied.Block, "last_index", a.lastApplied.Index)
	}
	if !a.markSeen(l) {
		return
	}

	ev, err := contracts.DecodeAgentLog(l)
	if err != nil {
		a.logger.Warn("Skipping undecodable agent log", "tx_hash", l.TxHash.Hex(), "error", err)
		return
	}
	metrics.EventsAppliedTotal.WithLabelValues(a.net.Name(), a.cfg.Address.Hex(), ev.Name).Inc()
	a.logger.Debug("Applying event", "event", ev.Name, "block", l.BlockNumber, "index", l.Index)

	if err := a.handle(ev); err != nil {
		a.logger.Error("Event left agent state inconsistent", "event", ev.Name, "error", err)
		a.scheduleResync(ev.Name)
	}
}

func (a *Agent) handle(ev *contracts.Event) error {
	switch ev.Name {
	case contracts.EventRegisterJob:
		a.onRegisterJob(ev)
	case contracts.EventSetAgentParams, contracts.EventSetRdConfig:
		a.fatal.Report(kerrors.NewFatal("agent "+a.cfg.Address.Hex(), ev.Name+" changed agent parameters", nil))
	case contracts.EventDepositJobOwnerCredits:
		return a.onOwnerCredits(ev.Address("jobOwner"), ev.BigInt("amount"), true, ev.Log.BlockNumber)
	case contracts.EventWithdrawJobOwnerCredits:
		return a.onOwnerCredits(ev.Address("jobOwner"), ev.BigInt("amount"), false, ev.Log.BlockNumber)
	default:
		j := a.readyJob(ev.JobKey())
		if j == nil {
			return nil
		}
		return a.handleJobEvent(j, ev)
	}
	return nil
}

// readyJob skips unknown jobs and jobs still loading their details
func (a *Agent) readyJob(key common.Hash) *job.Job {
	j, ok := a.jobs[key]
	if !ok || j.IsInitializing() {
		return nil
	}
	return j
}

func (a *Agent) handleJobEvent(j *job.Job, ev *contracts.Event) error {
	switch ev.Name {
	case contracts.EventDepositJobCredits:
		if err := j.ApplyCreditsDelta(ev.BigInt("amount"), true); err != nil {
			return err
		}

	case contracts.EventWithdrawJobCredits:
		if err := j.ApplyCreditsDelta(ev.BigInt("amount"), false); err != nil {
			return err
		}

	case contracts.EventInitiateJobTransfer:
		j.ApplyPendingTransfer(ev.Address("to"))
		return nil

	case contracts.EventAcceptJobTransfer:
		to := ev.Address("to")
		unindexOwner(a.ownerJobs, j.Owner(), j.Key())
		j.ApplyOwnerChange(to)
		indexOwner(a.ownerJobs, to, j.Key())
		a.ensureOwnerBalance(to, ev.Log.BlockNumber)

	case contracts.EventJobUpdate:
		err := j.ApplyJobUpdate(
			uint16(ev.BigInt("maxBaseFeeGwei").Uint64()),
			uint16(ev.BigInt("rewardPct").Uint64()),
			uint32(ev.BigInt("fixedReward").Uint64()),
			ev.BigInt("jobMinCvp"),
			uint32(ev.BigInt("intervalSeconds").Uint64()),
		)
		if err != nil {
			return err
		}

	case contracts.EventSetJobPreDefinedCalldata:
		j.ApplyPreDefinedCalldata(ev.Bytes("preDefinedCalldata"))

	case contracts.EventSetJobResolver:
		j.ApplyResolver(job.Resolver{Address: ev.Address("resolverAddress"), Calldata: ev.Bytes("resolverCalldata")})

	case contracts.EventSetJobConfig:
		// the event lacks credits; the packed word is re-read
		a.refreshRaw(j)
		return nil

	case contracts.EventExecute:
		raw, err := job.DecodeRawJob(job.WordFromHash(ev.Hash("binJobAfter")))
		if err != nil {
			return err
		}
		if _, err := j.ApplyRawPatch(raw); err != nil {
			return err
		}
		if ev.BigInt("keeperId").Uint64() == a.keeperID {
			a.logger.Info("Job executed by this keeper", "job_key", j.Key().Hex(),
				"tx_hash", ev.Log.TxHash.Hex(), "compensation", ev.BigInt("compensation"))
		}
		if j.UsesOwnerCredits() {
			// compensation came out of the owner's balance; this rewatches j
			return a.onOwnerCredits(j.Owner(), ev.BigInt("compensation"), false, ev.Log.BlockNumber)
		}

	case contracts.EventJobKeeperChanged:
		j.ApplyAssignedKeeper(ev.BigInt("keeperTo").Uint64())

	case contracts.EventInitiateKeeperSlashing:
		j.ApplySlashingInitiated(ev.BigInt("slasherKeeperId").Uint64(), ev.BigInt("jobSlashingPossibleAfter").Uint64())

	default:
		return nil
	}
	a.rewatch(j)
	return nil
}

// onRegisterJob inserts a shell and loads its details off the loop
func (a *Agent) onRegisterJob(ev *contracts.Event) {
	key := ev.JobKey()
	if _, exists := a.jobs[key]; exists {
		return
	}
	ref := datasource.JobRef{Key: key, Address: ev.Address("jobAddress"), ID: ev.BigInt("jobId")}
	owner := ev.Address("owner")
	shell := job.Details{Key: key, Address: ref.Address, ID: ref.ID, Owner: owner}
	j := job.New(shell, a.cfg.Strategy, a, a.net, a.logger)
	a.jobs[key] = j
	indexOwner(a.ownerJobs, owner, key)
	a.ensureOwnerBalance(owner, ev.Log.BlockNumber)
	metrics.JobsTracked.WithLabelValues(a.net.Name(), a.cfg.Address.Hex()).Set(float64(len(a.jobs)))

	ctx := a.ctx
	go func() {
		details, err := a.source.GetJobs(ctx, []datasource.JobRef{ref})
		a.net.Post(func() {
			if a.jobs[key] != j {
				return
			}
			if err != nil || len(details) != 1 {
				a.logger.Error("Failed to load registered job", "job_key", key.Hex(), "error", err)
				a.scheduleResync("job load failed")
				return
			}
			j.ApplyFullDetails(details[0])
			a.logger.Info("Job registered", "job_key", key.Hex(), "type", j.Type(), "owner", owner.Hex())
			a.rewatch(j)
		})
	}()
}

// ownerFetch is a balance read in flight for an owner first seen at block.
// Credit changes from later blocks are summed into delta until it lands.
type ownerFetch struct {
	block uint64
	delta *big.Int
}

func (a *Agent) onOwnerCredits(owner common.Address, amount *big.Int, isDeposit bool, block uint64) error {
	if f, pending := a.ownerFetches[owner]; pending {
		if block > f.block {
			if isDeposit {
				f.delta.Add(f.delta, amount)
			} else {
				f.delta.Sub(f.delta, amount)
			}
		}
		a.rewatchOwnerJobs(owner)
		return nil
	}
	balance, tracked := a.ownerBalances[owner]
	if !tracked {
		// a read at this block already includes the change
		a.ensureOwnerBalance(owner, block)
		return nil
	}
	if isDeposit {
		balance.Add(balance, amount)
	} else {
		if balance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: owner %s debit %s exceeds balance %s", kerrors.ErrStateInconsistency, owner.Hex(), amount, balance)
		}
		balance.Sub(balance, amount)
	}
	a.rewatchOwnerJobs(owner)
	return nil
}

// ensureOwnerBalance reads the balance of an owner seen for the first time
// at block. The owner reads as zero until the result is applied.
func (a *Agent) ensureOwnerBalance(owner common.Address, block uint64) {
	if _, tracked := a.ownerBalances[owner]; tracked {
		return
	}
	a.ownerBalances[owner] = new(big.Int)
	f := &ownerFetch{block: block, delta: new(big.Int)}
	a.ownerFetches[owner] = f
	ctx := a.ctx
	go func() {
		balances, _, err := a.source.GetOwnersBalances(ctx, []common.Address{owner}, f.block)
		a.net.Post(func() {
			// a resync replaced the owner set meanwhile
			if a.ownerFetches[owner] != f {
				return
			}
			delete(a.ownerFetches, owner)
			if err != nil {
				a.logger.Error("Failed to read owner balance", "owner", owner.Hex(), "block", f.block, "error", err)
				a.scheduleResync("owner balance read failed")
				return
			}
			balance := new(big.Int).Set(f.delta)
			if b, ok := balances[owner]; ok && b != nil {
				balance.Add(balance, b)
			}
			if balance.Sign() < 0 {
				a.logger.Error("Owner balance below zero after pending changes", "owner", owner.Hex(), "balance", balance)
				a.scheduleResync("owner balance underflow")
				return
			}
			a.ownerBalances[owner].Set(balance)
			a.rewatchOwnerJobs(owner)
		})
	}()
}

func (a *Agent) rewatchOwnerJobs(owner common.Address) {
	for key := range a.ownerJobs[owner] {
		if j := a.readyJob(key); j != nil && j.UsesOwnerCredits() {
			a.rewatch(j)
		}
	}
}

// refreshRaw re-reads the packed job word from the agent
func (a *Agent) refreshRaw(j *job.Job) {
	key := j.Key()
	ctx := a.ctx
	go func() {
		raw, err := a.readRawJob(ctx, key)
		a.net.Post(func() {
			if a.jobs[key] != j {
				return
			}
			if err != nil {
				a.logger.Error("Failed to re-read job word", "job_key", key.Hex(), "error", err)
				a.scheduleResync("job word read failed")
				return
			}
			if _, err := j.ApplyRawPatch(raw); err != nil {
				a.OnJobFault(key, err)
				return
			}
			a.rewatch(j)
		})
	}()
}

func (a *Agent) readRawJob(ctx context.Context, key common.Hash) (*job.RawJob, error) {
	data, err := contracts.PackGetJobRaw(key)
	if err != nil {
		return nil, err
	}
	out, err := a.callAgent(ctx, data)
	if err != nil {
		return nil, err
	}
	word, err := contracts.UnpackAgentUint256("getJobRaw", out)
	if err != nil {
		return nil, err
	}
	return job.DecodeRawJob(job.WordFromBig(word))
}
