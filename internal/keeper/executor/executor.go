// Package executor submits job transactions for one agent, strictly one
// at a time, through either the public mempool or a bundle relay.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/trigg3rX/power-agent-node/internal/keeper/contracts"
	"github.com/trigg3rX/power-agent-node/internal/keeper/metrics"
	"github.com/trigg3rX/power-agent-node/pkg/client/chainclient"
	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
	"github.com/trigg3rX/power-agent-node/pkg/logging"
)

const (
	KindPGA       = "pga"
	KindFlashbots = "flashbots"

	gasLimitMarginPct = 150
)

// Executor is what an agent submits envelopes to
type Executor interface {
	Kind() string
	Push(env *TxEnvelope)
	Depth() int
	Current() (common.Hash, bool)
}

// Dispatcher runs callbacks on the owning network's loop
type Dispatcher interface {
	Exec(ctx context.Context, fn func()) error
}

type Params struct {
	Network          string
	Agent            common.Address
	Client           chainclient.ChainClient
	Loop             Dispatcher
	Signer           *Signer
	ChainID          *big.Int
	AverageBlockTime time.Duration
	Fatal            kerrors.FatalSink
	Logger           logging.Logger
}

func (p *Params) Validate() error {
	switch {
	case p.Client == nil:
		return fmt.Errorf("executor: chain client is required")
	case p.Loop == nil:
		return fmt.Errorf("executor: dispatcher is required")
	case p.Signer == nil:
		return fmt.Errorf("executor: signer is required")
	case p.ChainID == nil || p.ChainID.Sign() <= 0:
		return fmt.Errorf("executor: chain id is required")
	case p.AverageBlockTime <= 0:
		return fmt.Errorf("executor: average block time must be positive")
	case p.Logger == nil:
		return fmt.Errorf("executor: logger is required")
	}
	return nil
}

// base holds the steps shared by both executors
type base struct {
	Params
	queue *Queue
	clock func() time.Time
	kind  string
}

func newBase(ctx context.Context, p Params, kind string, process func(context.Context, *TxEnvelope)) (*base, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.Logger = p.Logger.With("executor", kind, "worker", p.Signer.Address().Hex())
	b := &base{Params: p, clock: time.Now, kind: kind}
	agent := p.Agent.Hex()
	b.queue = NewQueue(ctx, process, func(depth int) {
		metrics.QueueDepth.WithLabelValues(p.Network, agent).Set(float64(depth))
	})
	return b, nil
}

func (b *base) Kind() string                 { return b.kind }
func (b *base) Push(env *TxEnvelope)         { b.queue.Push(env) }
func (b *base) Depth() int                   { return b.queue.Depth() }
func (b *base) Current() (common.Hash, bool) { return b.queue.Current() }
func (b *base) Queue() *Queue                { return b.queue }

func (b *base) countOutcome(outcome string) {
	metrics.TransactionsTotal.WithLabelValues(b.Network, b.Agent.Hex(), outcome).Inc()
}

// deliver blocks until fn ran on the loop, so the next envelope is never
// processed before the previous terminal callback.
func (b *base) deliver(ctx context.Context, fn func()) {
	if err := b.Loop.Exec(ctx, fn); err != nil {
		b.Logger.Debug("Callback not delivered", "error", err)
	}
}

func (b *base) estimationFailed(ctx context.Context, env *TxEnvelope, info contracts.ErrorInfo) {
	b.countOutcome(metrics.OutcomeEstimationFailed)
	b.Logger.Warn("Dropping transaction before broadcast", "job_key", env.JobKey.Hex(), "reason", info.String())
	if cb := env.Callbacks.OnEstimationFailed; cb != nil {
		b.deliver(ctx, func() { cb(info) })
	}
}

func (b *base) dropped(ctx context.Context, env *TxEnvelope, reason string) {
	b.countOutcome(metrics.OutcomeDropped)
	b.Logger.Warn("Transaction dropped", "job_key", env.JobKey.Hex(), "reason", reason)
	if cb := env.Callbacks.OnDropped; cb != nil {
		b.deliver(ctx, func() { cb(reason) })
	}
}

func (b *base) executionFailed(ctx context.Context, env *TxEnvelope, info contracts.ErrorInfo) {
	b.countOutcome(metrics.OutcomeFailed)
	if cb := env.Callbacks.OnExecutionFailed; cb != nil {
		b.deliver(ctx, func() { cb(info) })
	}
}

func (b *base) callMsg(tx *types.DynamicFeeTx) ethereum.CallMsg {
	return ethereum.CallMsg{
		From:      b.Signer.Address(),
		To:        tx.To,
		Gas:       tx.Gas,
		GasFeeCap: tx.GasFeeCap,
		GasTipCap: tx.GasTipCap,
		Value:     tx.Value,
		Data:      tx.Data,
	}
}

// revertReason prefers revert data carried by the estimation error and
// falls back to replaying the call.
func (b *base) revertReason(ctx context.Context, msg ethereum.CallMsg, block *big.Int, err error) contracts.ErrorInfo {
	info := contracts.ClassifyCallError(err)
	if info.Kind != contracts.RevertUnknown {
		return info
	}
	msg.Gas = 0
	if _, callErr := b.Client.CallContract(ctx, msg, block); callErr != nil {
		if replayed := contracts.ClassifyCallError(callErr); replayed.Kind != contracts.RevertUnknown {
			return replayed
		}
	}
	return info
}

func (b *base) waitUntil(ctx context.Context, at time.Time) error {
	d := at.Sub(b.clock())
	if at.IsZero() || d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prepare estimates, gates on credits, assigns the nonce and signs. It
// reports false after delivering the terminal callback itself.
func (b *base) prepare(ctx context.Context, env *TxEnvelope) (*types.Transaction, bool) {
	if err := b.waitUntil(ctx, env.MinTimestamp); err != nil {
		return nil, false
	}

	inner := *env.Tx
	inner.ChainID = b.ChainID
	if inner.Value == nil {
		inner.Value = new(big.Int)
	}
	if inner.GasFeeCap == nil || inner.GasFeeCap.Sign() == 0 {
		b.dropped(ctx, env, "zero max fee per gas")
		return nil, false
	}
	msg := b.callMsg(&inner)

	estimated, err := b.Client.EstimateGas(ctx, msg)
	if err != nil {
		info := b.revertReason(ctx, msg, nil, err)
		b.estimationFailed(ctx, env, info)
		return nil, false
	}
	inner.Gas = estimated * gasLimitMarginPct / 100

	if env.CreditsAvailable != nil {
		worst := new(big.Int).Mul(new(big.Int).SetUint64(inner.Gas), inner.GasFeeCap)
		if worst.Cmp(env.CreditsAvailable) > 0 {
			b.estimationFailed(ctx, env, contracts.ErrorInfo{
				Kind:    contracts.RevertUnknown,
				Message: fmt.Sprintf("worst-case fee %s exceeds available credits %s", worst, env.CreditsAvailable),
			})
			return nil, false
		}
	}

	nonce, err := b.Client.PendingNonceAt(ctx, b.Signer.Address())
	if err != nil {
		b.estimationFailed(ctx, env, contracts.ErrorInfo{Kind: contracts.RevertUnknown, Message: "nonce: " + err.Error()})
		return nil, false
	}
	inner.Nonce = nonce

	signed, err := b.Signer.SignTx(b.ChainID, &inner)
	if err != nil {
		b.estimationFailed(ctx, env, contracts.ErrorInfo{Kind: contracts.RevertUnknown, Message: "sign: " + err.Error()})
		return nil, false
	}
	b.Logger.Debug("Transaction prepared", "job_key", env.JobKey.Hex(), "nonce", nonce, "gas", inner.Gas,
		"max_fee_per_gas", inner.GasFeeCap, "tx_hash", signed.Hash().Hex())
	return signed, true
}

// finish reports a mined receipt
func (b *base) finish(ctx context.Context, env *TxEnvelope, tx *types.Transaction, receipt *types.Receipt) {
	if receipt.Status == types.ReceiptStatusSuccessful {
		b.countOutcome(metrics.OutcomeSuccess)
		b.Logger.Info("Transaction executed", "job_key", env.JobKey.Hex(), "tx_hash", receipt.TxHash.Hex(),
			"block", receipt.BlockNumber, "gas_used", receipt.GasUsed)
		if cb := env.Callbacks.OnExecutionSuccess; cb != nil {
			b.deliver(ctx, func() { cb(receipt) })
		}
		return
	}

	msg := ethereum.CallMsg{
		From: b.Signer.Address(), To: tx.To(), Gas: tx.Gas(),
		GasFeeCap: tx.GasFeeCap(), GasTipCap: tx.GasTipCap(), Value: tx.Value(), Data: tx.Data(),
	}
	info := b.revertReason(ctx, msg, receipt.BlockNumber, fmt.Errorf("reverted in block %s", receipt.BlockNumber))
	b.Logger.Error("Transaction reverted", "job_key", env.JobKey.Hex(), "tx_hash", receipt.TxHash.Hex(), "reason", info.String())
	b.executionFailed(ctx, env, info)
}

func isNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound)
}
