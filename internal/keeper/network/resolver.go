package network

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/trigg3rX/power-agent-node/internal/keeper/contracts"
	"github.com/trigg3rX/power-agent-node/internal/keeper/metrics"
)

type batchEntry struct {
	key  Key
	gen  uint64
	call contracts.Multicall2Call
}

// batchOutcome is one resolver's result. called is false when the whole
// chunk it belonged to failed.
type batchOutcome struct {
	called  bool
	success bool
	data    []byte
}

func (n *Network) startResolverBatch(head *types.Header) {
	keys := n.sortedResolverKeys()
	if len(keys) == 0 {
		return
	}
	entries := make([]batchEntry, len(keys))
	for i, k := range keys {
		e := n.resolvers[k]
		entries[i] = batchEntry{
			key:  k,
			gen:  e.gen,
			call: contracts.Multicall2Call{Target: e.resolver.Address, CallData: e.resolver.Calldata},
		}
	}
	metrics.ResolverBatchSize.WithLabelValues(n.cfg.Name).Observe(float64(len(entries)))

	n.batchInFlight = true
	ctx := n.ctx
	go func() {
		outcomes := n.callResolvers(ctx, head, entries)
		n.Post(func() {
			n.dispatchResolvers(entries, outcomes)
			n.batchInFlight = false
			if next := n.pendingHead; next != nil {
				n.pendingHead = nil
				n.startResolverBatch(next)
			}
		})
	}()
}

// callResolvers runs off the loop; it only reads its arguments
func (n *Network) callResolvers(ctx context.Context, head *types.Header, entries []batchEntry) []batchOutcome {
	outcomes := make([]batchOutcome, len(entries))
	size := n.cfg.ResolverBatchSize

	for start := 0; start < len(entries); start += size {
		end := start + size
		if end > len(entries) {
			end = len(entries)
		}
		calls := make([]contracts.Multicall2Call, 0, end-start)
		for _, e := range entries[start:end] {
			calls = append(calls, e.call)
		}

		data, err := contracts.PackTryAggregate(calls)
		if err != nil {
			n.logger.Error("Failed to pack resolver batch", "error", err)
			metrics.ResolverBatchErrorsTotal.WithLabelValues(n.cfg.Name).Inc()
			continue
		}
		multicall := n.cfg.Multicall
		out, err := n.client.CallContract(ctx, ethereum.CallMsg{To: &multicall, Data: data}, head.Number)
		if err != nil {
			n.logger.Warn("Resolver multicall failed", "block", head.Number, "size", len(calls), "error", err)
			metrics.ResolverBatchErrorsTotal.WithLabelValues(n.cfg.Name).Inc()
			continue
		}
		results, err := contracts.UnpackTryAggregate(out)
		if err != nil || len(results) != len(calls) {
			n.logger.Warn("Unexpected resolver multicall output", "block", head.Number, "results", len(results), "error", err)
			metrics.ResolverBatchErrorsTotal.WithLabelValues(n.cfg.Name).Inc()
			continue
		}
		for i, r := range results {
			outcomes[start+i] = batchOutcome{called: true, success: r.Success, data: r.ReturnData}
		}
	}
	return outcomes
}

// dispatchResolvers fires callbacks for resolvers that returned true and
// are still registered under the generation that was called.
func (n *Network) dispatchResolvers(entries []batchEntry, outcomes []batchOutcome) {
	for i, e := range entries {
		o := outcomes[i]
		if !o.called || !o.success {
			continue
		}
		ok, calldata, err := contracts.DecodeResolverResult(o.data)
		if err != nil {
			n.logger.Debug("Undecodable resolver result", "key", e.key.String(), "error", err)
			continue
		}
		if !ok {
			continue
		}
		current, registered := n.resolvers[e.key]
		if !registered || current.gen != e.gen {
			continue
		}
		current.fn(calldata)
	}
}
