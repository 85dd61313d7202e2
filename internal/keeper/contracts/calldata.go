package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
)

// ExecuteSelector is the agent's fallback-routed execute entrypoint
var ExecuteSelector = [4]byte{0x00, 0x00, 0x00, 0x00}

const maxUint24 = 1<<24 - 1

// BuildExecuteCalldata packs
// 0x00000000 | jobAddress(20) | jobId(3) | cfg(1) | keeperId(3) | calldata.
func BuildExecuteCalldata(jobAddress common.Address, jobID *big.Int, cfg uint8, keeperID uint64, calldata []byte) ([]byte, error) {
	if jobID == nil || jobID.Sign() < 0 || !jobID.IsUint64() || jobID.Uint64() > maxUint24 {
		return nil, fmt.Errorf("%w: job id %v does not fit 24 bits", kerrors.ErrMalformedInput, jobID)
	}
	if keeperID > maxUint24 {
		return nil, fmt.Errorf("%w: keeper id %d does not fit 24 bits", kerrors.ErrMalformedInput, keeperID)
	}

	id := jobID.Uint64()
	out := make([]byte, 0, 4+20+3+1+3+len(calldata))
	out = append(out, ExecuteSelector[:]...)
	out = append(out, jobAddress.Bytes()...)
	out = append(out, byte(id>>16), byte(id>>8), byte(id))
	out = append(out, cfg)
	out = append(out, byte(keeperID>>16), byte(keeperID>>8), byte(keeperID))
	out = append(out, calldata...)
	return out, nil
}
