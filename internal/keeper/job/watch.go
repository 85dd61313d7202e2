package job

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/trigg3rX/power-agent-node/internal/keeper/contracts"
	"github.com/trigg3rX/power-agent-node/internal/keeper/executor"
	"github.com/trigg3rX/power-agent-node/internal/keeper/network"
	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
)

// Unwatch drops every active registration. Safe to call at any time.
func (j *Job) Unwatch() {
	for p := range j.registered {
		if p == network.PurposeResolver {
			j.sched.UnregisterResolver(j.netKey(p))
		} else {
			j.sched.UnregisterTimeout(j.netKey(p))
		}
		delete(j.registered, p)
	}
	j.nextDueAt = time.Time{}
	if j.state == StateWatching {
		j.state = StateIdle
	}
}

// Watch re-arms the job from scratch for its current state
func (j *Job) Watch() error {
	j.Unwatch()

	switch {
	case j.state == StateFaulted:
		return nil
	case j.details.Raw == nil:
		return fmt.Errorf("%w: watch before details loaded", kerrors.ErrStateInconsistency)
	case j.inFlight:
		j.state = StateExecuting
		return nil
	case j.executedValid && j.executedFor == j.details.Raw.LastExecutionAt:
		// mined, waiting for the Execute event to move lastExecutionAt
		j.state = StateExecuting
		return nil
	}

	if !j.details.Raw.Config.IsActive {
		j.state = StateIdle
		return nil
	}
	if j.availableCredits().Sign() <= 0 {
		j.logger.Debug("Job has no credits, idle", "owner_credits", j.UsesOwnerCredits())
		j.state = StateIdle
		return nil
	}

	if err := strategies[j.strategy].watch(j); err != nil {
		j.fault()
		return err
	}
	return nil
}

func (j *Job) watchDeprecated() error {
	j.logger.Warn("Interval job with resolver calldata is deprecated, not scheduling",
		"interval", j.details.Raw.IntervalSeconds)
	j.state = StateIdle
	return nil
}

func (j *Job) errNoInterval() error {
	return fmt.Errorf("%w: %s job %s has no interval", kerrors.ErrStateInconsistency,
		j.details.Raw.CalldataSource, j.details.Key.Hex())
}

func (j *Job) register(p network.Purpose, at time.Time) error {
	if err := j.sched.RegisterTimeout(j.netKey(p), at, func() { j.onTimer(p) }); err != nil {
		return err
	}
	j.registered[p] = true
	j.nextDueAt = at
	j.state = StateWatching
	return nil
}

func (j *Job) registerResolver(fn network.ResolverCallback) error {
	r := network.Resolver{Address: j.details.Resolver.Address, Calldata: j.details.Resolver.Calldata}
	if err := j.sched.RegisterResolver(j.netKey(network.PurposeResolver), r, fn); err != nil {
		return err
	}
	j.registered[network.PurposeResolver] = true
	j.state = StateWatching
	return nil
}

// onTimer re-runs the due-ness check; the event that fired may be stale
func (j *Job) onTimer(p network.Purpose) {
	delete(j.registered, p)
	if p == network.PurposeSlashing {
		j.onSlashingWindow()
		return
	}
	if err := j.Watch(); err != nil {
		j.host.OnJobFault(j.details.Key, err)
	}
}

// watchUntil executes now when at is within one block, otherwise arms a
// timer one second past at.
func (j *Job) watchUntil(at time.Time, onDue func(dueAt time.Time)) error {
	now := j.sched.Now()
	secondsToCall := at.Sub(now)
	if secondsToCall < 0 {
		secondsToCall = 0
	}
	if secondsToCall < j.sched.AverageBlockTime() {
		j.nextDueAt = at
		onDue(at)
		return nil
	}
	return j.register(network.PurposeExecution, now.Add(secondsToCall+time.Second))
}

func (j *Job) dueAt() time.Time {
	raw := j.details.Raw
	return time.Unix(int64(raw.LastExecutionAt)+int64(raw.IntervalSeconds), 0)
}

// deterministicCalldata is what selector and predefined jobs pass to execute
func (j *Job) deterministicCalldata() []byte {
	if j.details.Raw.CalldataSource == CalldataSourceSelector {
		return append([]byte{}, j.details.Raw.Selector[:]...)
	}
	return nil
}

// retryNextBlock re-checks one block later without going through an event
func (j *Job) retryNextBlock() {
	at := j.sched.Now().Add(j.sched.AverageBlockTime())
	if err := j.register(network.PurposeExecution, at); err != nil {
		j.logger.Error("Failed to arm retry timer", "error", err)
		j.state = StateIdle
	}
}

func (j *Job) execute(calldata []byte, minTimestamp time.Time) {
	keeper := j.host.KeeperConfig()
	maxFee := CalculateMaxFeePerGas(j.details.Raw.MaxBaseFeeGwei, j.sched.BaseFee())
	if maxFee.Sign() == 0 {
		j.logger.Debug("Base fee above job limit, waiting a block",
			"base_fee", j.sched.BaseFee(), "max_base_fee_gwei", j.details.Raw.MaxBaseFeeGwei)
		j.retryNextBlock()
		return
	}

	data, err := contracts.BuildExecuteCalldata(j.details.Address, j.details.ID, uint8(keeper), j.host.KeeperID(), calldata)
	if err != nil {
		j.fault()
		j.host.OnJobFault(j.details.Key, err)
		return
	}
	j.submit(data, maxFee, minTimestamp, "execute")
}

// initiateSlashing asks the agent to reassign the job to this keeper
func (j *Job) initiateSlashing(useResolver bool, calldata []byte) {
	maxFee := CalculateMaxFeePerGas(j.details.Raw.MaxBaseFeeGwei, j.sched.BaseFee())
	if maxFee.Sign() == 0 {
		j.retryNextBlock()
		return
	}
	me := new(big.Int).SetUint64(j.host.KeeperID())
	data, err := contracts.PackInitiateKeeperSlashing(j.details.Address, j.details.ID, me, useResolver, calldata)
	if err != nil {
		j.fault()
		j.host.OnJobFault(j.details.Key, err)
		return
	}
	j.submit(data, maxFee, time.Time{}, "initiateKeeperSlashing")
}

func (j *Job) submit(data []byte, maxFee *big.Int, minTimestamp time.Time, action string) {
	to := j.host.Address()
	raw := j.details.Raw
	env := &executor.TxEnvelope{
		JobKey: j.details.Key,
		Tx: &types.DynamicFeeTx{
			To:        &to,
			Data:      data,
			GasFeeCap: maxFee,
			GasTipCap: PriorityFee(j.sched.PriorityFee(), maxFee),
			Value:     new(big.Int),
		},
		CreditsAvailable:  j.availableCredits(),
		FixedCompensation: new(big.Int).Mul(big.NewInt(int64(raw.FixedReward)), fixedRewardUnit),
		PpmCompensation:   uint32(raw.RewardPct),
		MinTimestamp:      minTimestamp,
		Callbacks:         j.callbacks(action, raw.LastExecutionAt),
	}

	j.inFlight = true
	j.state = StateExecuting
	j.logger.Info("Submitting job transaction", "action", action, "max_fee_per_gas", maxFee)
	j.host.Submit(env)
}

func (j *Job) callbacks(action string, forLastExecution uint32) executor.Callbacks {
	// a late callback for an older execution must not touch newer state
	current := func() bool {
		return j.details.Raw != nil && j.details.Raw.LastExecutionAt == forLastExecution && j.inFlight
	}
	return executor.Callbacks{
		OnEstimationFailed: func(info contracts.ErrorInfo) {
			j.logger.Warn("Gas estimation failed", "action", action, "reason", info.String())
			if current() {
				j.inFlight = false
				j.afterFailure()
			}
		},
		OnExecutionFailed: func(info contracts.ErrorInfo) {
			j.logger.Error("Transaction failed", "action", action, "reason", info.String())
			if current() {
				j.inFlight = false
				j.afterFailure()
			}
		},
		OnExecutionSuccess: func(receipt *types.Receipt) {
			j.logger.Info("Transaction mined", "action", action,
				"tx_hash", receipt.TxHash.Hex(), "block", receipt.BlockNumber, "gas_used", receipt.GasUsed)
			if current() {
				j.inFlight = false
				j.executedFor = forLastExecution
				j.executedValid = action == "execute"
				if !j.executedValid {
					// slashing outcome arrives as an event
					j.state = StateIdle
				}
			}
		},
		OnDropped: func(reason string) {
			j.logger.Info("Transaction dropped before reaching the chain", "action", action, "reason", reason)
			if current() {
				j.inFlight = false
				j.afterFailure()
			}
		},
		OnNotMinedInBlock: func(tx *types.Transaction, hash common.Hash) *executor.GasBump {
			if !current() || j.details.Raw == nil || !j.details.Raw.Config.IsActive {
				return nil
			}
			j.logger.Warn("Transaction not mined, bumping gas", "tx_hash", hash.Hex(), "nonce", tx.Nonce())
			bump := executor.DefaultGasBump
			return &bump
		},
	}
}

// afterFailure: resolver jobs re-arm, interval jobs wait for an event
func (j *Job) afterFailure() {
	if j.details.Raw.CalldataSource == CalldataSourceResolver {
		if err := j.Watch(); err != nil {
			j.host.OnJobFault(j.details.Key, err)
		}
		return
	}
	j.state = StateIdle
}
