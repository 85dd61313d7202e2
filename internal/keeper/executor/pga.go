package executor

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/trigg3rX/power-agent-node/internal/keeper/contracts"
	"github.com/trigg3rX/power-agent-node/internal/keeper/metrics"
)

const (
	DefaultNotMinedBlocks = 3
	maxNotMinedRounds     = 10
	minReceiptPoll        = 250 * time.Millisecond
)

// PGAExecutor sends to the public mempool and bumps fees with the same
// nonce while the transaction stays unmined.
type PGAExecutor struct {
	*base
	notMinedBlocks int
}

var _ Executor = (*PGAExecutor)(nil)

func NewPGAExecutor(ctx context.Context, p Params, notMinedBlocks int) (*PGAExecutor, error) {
	if notMinedBlocks <= 0 {
		notMinedBlocks = DefaultNotMinedBlocks
	}
	e := &PGAExecutor{notMinedBlocks: notMinedBlocks}
	b, err := newBase(ctx, p, KindPGA, e.process)
	if err != nil {
		return nil, err
	}
	e.base = b
	return e, nil
}

func (e *PGAExecutor) process(ctx context.Context, env *TxEnvelope) {
	tx, ok := e.prepare(ctx, env)
	if !ok {
		return
	}
	window := time.Duration(e.notMinedBlocks) * e.AverageBlockTime

	var sent []common.Hash
	send := true
	for round := 0; ; round++ {
		if send {
			if err := e.Client.SendTransaction(ctx, tx); err != nil {
				if len(sent) == 0 {
					e.Logger.Error("Failed to send transaction", "job_key", env.JobKey.Hex(), "error", err)
					e.executionFailed(ctx, env, contracts.ErrorInfo{Kind: contracts.RevertUnknown, Message: err.Error()})
					return
				}
				// an earlier version may still be mined
				e.Logger.Warn("Replacement rejected", "job_key", env.JobKey.Hex(), "tx_hash", tx.Hash().Hex(), "error", err)
			} else {
				sent = append(sent, tx.Hash())
				e.Logger.Info("Transaction sent", "job_key", env.JobKey.Hex(), "tx_hash", tx.Hash().Hex(), "nonce", tx.Nonce())
			}
			send = false
		}

		receipt, err := e.waitReceipt(ctx, sent, window)
		if err != nil {
			return
		}
		if receipt != nil {
			e.finish(ctx, env, tx, receipt)
			return
		}
		if round >= maxNotMinedRounds {
			e.executionFailed(ctx, env, contracts.ErrorInfo{
				Kind:    contracts.RevertUnknown,
				Message: "not mined after repeated fee bumps",
			})
			return
		}

		var bump *GasBump
		last := tx
		if cb := env.Callbacks.OnNotMinedInBlock; cb != nil {
			e.deliver(ctx, func() { bump = cb(last, last.Hash()) })
		}
		if bump == nil {
			continue
		}
		bumped, err := e.bump(tx, *bump)
		if err != nil {
			e.Logger.Error("Failed to sign bumped transaction", "job_key", env.JobKey.Hex(), "error", err)
			continue
		}
		metrics.GasBumpsTotal.WithLabelValues(e.Network, e.Agent.Hex()).Inc()
		e.Logger.Warn("Resending with bumped fees", "job_key", env.JobKey.Hex(), "nonce", tx.Nonce(),
			"max_fee_per_gas", bumped.GasFeeCap(), "priority_fee", bumped.GasTipCap())
		tx = bumped
		send = true
	}
}

func (e *PGAExecutor) bump(tx *types.Transaction, b GasBump) (*types.Transaction, error) {
	fee, tip := b.Apply(tx.GasFeeCap(), tx.GasTipCap())
	return e.Signer.SignTx(e.ChainID, &types.DynamicFeeTx{
		ChainID:   e.ChainID,
		Nonce:     tx.Nonce(),
		GasTipCap: tip,
		GasFeeCap: fee,
		Gas:       tx.Gas(),
		To:        tx.To(),
		Value:     tx.Value(),
		Data:      tx.Data(),
	})
}

// waitReceipt polls every sent hash until one is mined or window passes.
// A nil receipt with nil error means the window passed.
func (e *PGAExecutor) waitReceipt(ctx context.Context, hashes []common.Hash, window time.Duration) (*types.Receipt, error) {
	interval := e.AverageBlockTime / 4
	if interval < minReceiptPoll {
		interval = minReceiptPoll
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(window)
	defer deadline.Stop()

	for {
		for _, h := range hashes {
			receipt, err := e.Client.TransactionReceipt(ctx, h)
			if err == nil && receipt != nil {
				return receipt, nil
			}
			if err != nil && !isNotFound(err) {
				e.Logger.Debug("Receipt lookup failed", "tx_hash", h.Hex(), "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
		}
	}
}
