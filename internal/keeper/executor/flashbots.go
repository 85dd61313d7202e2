package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
)

const DefaultMaxBundleRetargets = 25

// FlashbotsExecutor submits single-transaction bundles, re-targeting the
// next block until inclusion.
type FlashbotsExecutor struct {
	*base
	relay        *RelayClient
	maxRetargets int
}

var _ Executor = (*FlashbotsExecutor)(nil)

func NewFlashbotsExecutor(ctx context.Context, p Params, relay *RelayClient, maxRetargets int) (*FlashbotsExecutor, error) {
	if relay == nil {
		return nil, fmt.Errorf("executor: relay client is required")
	}
	if maxRetargets <= 0 {
		maxRetargets = DefaultMaxBundleRetargets
	}
	e := &FlashbotsExecutor{relay: relay, maxRetargets: maxRetargets}
	b, err := newBase(ctx, p, KindFlashbots, e.process)
	if err != nil {
		return nil, err
	}
	e.base = b
	return e, nil
}

func (e *FlashbotsExecutor) process(ctx context.Context, env *TxEnvelope) {
	tx, ok := e.prepare(ctx, env)
	if !ok {
		return
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		e.dropped(ctx, env, "encode: "+err.Error())
		return
	}
	txs := []string{hexutil.Encode(raw)}
	logger := e.Logger.With("job_key", env.JobKey.Hex(), "tx_hash", tx.Hash().Hex())

	for attempt := 0; attempt < e.maxRetargets; attempt++ {
		head, err := e.Client.BlockNumber(ctx)
		if err != nil {
			e.dropped(ctx, env, "block number: "+err.Error())
			return
		}
		target := head + 1

		sim, err := e.relay.CallBundle(ctx, txs, target, head)
		if err != nil {
			e.dropped(ctx, env, "simulation: "+err.Error())
			return
		}
		if failure := sim.FirstFailure(); failure != "" {
			e.dropped(ctx, env, "simulation reverted: "+failure)
			return
		}

		bundleHash, err := e.relay.SendBundle(ctx, txs, target)
		if err != nil {
			e.dropped(ctx, env, err.Error())
			return
		}
		logger.Debug("Bundle sent", "bundle_hash", bundleHash, "target_block", target, "attempt", attempt+1)

		if err := e.waitForBlock(ctx, target); err != nil {
			return
		}

		resolved, err := e.resolve(ctx, env, tx)
		if err != nil {
			logger.Error("Bundle resolution failed", "error", err)
			e.Fatal.Report(kerrors.NewFatal("executor", "nonce too high", err))
			return
		}
		if resolved {
			return
		}
		logger.Debug("Bundle not included, retargeting", "target_block", target)
	}
	e.dropped(ctx, env, fmt.Sprintf("not included after %d blocks", e.maxRetargets))
}

// resolve reports true once a terminal callback fired. An error means the
// account nonce moved past the bundle without including it.
func (e *FlashbotsExecutor) resolve(ctx context.Context, env *TxEnvelope, tx *types.Transaction) (bool, error) {
	receipt, err := e.Client.TransactionReceipt(ctx, tx.Hash())
	if err == nil && receipt != nil {
		e.finish(ctx, env, tx, receipt)
		return true, nil
	}
	if err != nil && !isNotFound(err) {
		e.Logger.Debug("Receipt lookup failed", "tx_hash", tx.Hash().Hex(), "error", err)
	}

	nonce, err := e.Client.NonceAt(ctx, e.Signer.Address(), nil)
	if err != nil {
		e.Logger.Debug("Nonce lookup failed", "error", err)
		return false, nil
	}
	if nonce <= tx.Nonce() {
		return false, nil
	}

	// the receipt may just have lagged the nonce
	if receipt, err := e.Client.TransactionReceipt(ctx, tx.Hash()); err == nil && receipt != nil {
		e.finish(ctx, env, tx, receipt)
		return true, nil
	}
	return false, fmt.Errorf("%w: account nonce %d passed bundle nonce %d", kerrors.ErrBundleResolution, nonce, tx.Nonce())
}

func (e *FlashbotsExecutor) waitForBlock(ctx context.Context, target uint64) error {
	interval := e.AverageBlockTime / 2
	if interval < minReceiptPoll {
		interval = minReceiptPoll
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		head, err := e.Client.BlockNumber(ctx)
		if err == nil && head >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
