package executor

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/trigg3rX/power-agent-node/internal/keeper/contracts"
)

// TxEnvelope is a pending execution request. Nonce and Gas are filled in
// by the executor right before signing.
type TxEnvelope struct {
	JobKey            common.Hash
	Tx                *types.DynamicFeeTx
	CreditsAvailable  *big.Int
	FixedCompensation *big.Int
	PpmCompensation   uint32
	// MinTimestamp delays submission until the wall clock reaches it
	MinTimestamp time.Time
	Callbacks    Callbacks
}

// Callbacks run on the owning network's loop, never on the executor's goroutine.
type Callbacks struct {
	OnEstimationFailed func(info contracts.ErrorInfo)
	OnExecutionFailed  func(info contracts.ErrorInfo)
	OnExecutionSuccess func(receipt *types.Receipt)
	// OnNotMinedInBlock returns nil to keep waiting without a bump
	OnNotMinedInBlock func(tx *types.Transaction, hash common.Hash) *GasBump
	// OnDropped releases the job when nothing reached the chain and no
	// revert was observed, e.g. a failed bundle simulation.
	OnDropped func(reason string)
}

// GasBump raises fee caps on resend, in percent of the previous value
type GasBump struct {
	FeePct uint64
	TipPct uint64
}

// DefaultGasBump clears the node's replacement threshold of +10%
var DefaultGasBump = GasBump{FeePct: 120, TipPct: 110}

func (b GasBump) Apply(fee, tip *big.Int) (*big.Int, *big.Int) {
	newFee := new(big.Int).Mul(fee, new(big.Int).SetUint64(b.FeePct))
	newFee.Div(newFee, big.NewInt(100))
	newTip := new(big.Int).Mul(tip, new(big.Int).SetUint64(b.TipPct))
	newTip.Div(newTip, big.NewInt(100))
	if newTip.Cmp(newFee) > 0 {
		newTip.Set(newFee)
	}
	return newFee, newTip
}
