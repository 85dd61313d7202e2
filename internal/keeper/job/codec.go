package job

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
)

const rawWordLength = 66

// CalldataSource tells how the execute calldata is produced
type CalldataSource uint8

const (
	CalldataSourceSelector CalldataSource = iota
	CalldataSourcePreDefined
	CalldataSourceResolver
)

func (s CalldataSource) String() string {
	switch s {
	case CalldataSourceSelector:
		return "selector"
	case CalldataSourcePreDefined:
		return "predefined"
	case CalldataSourceResolver:
		return "resolver"
	}
	return "unknown(" + strconv.Itoa(int(s)) + ")"
}

// RawJob is the packed on-chain job word
type RawJob struct {
	LastExecutionAt uint32
	IntervalSeconds uint32
	CalldataSource  CalldataSource
	FixedReward     uint32
	RewardPct       uint16
	MaxBaseFeeGwei  uint16
	Credits         *big.Int
	Selector        [4]byte
	Config          Config
	ConfigByte      uint8
}

// DecodeRawJob decodes a 0x-prefixed 32 byte word. Character offsets follow
// the contract's packing:
//
//	[2:10]  lastExecutionAt   [10:16] intervalSeconds  [16:18] calldataSource
//	[18:26] fixedReward       [26:30] rewardPct        [30:34] maxBaseFeeGwei
//	[34:56] credits           [56:64] selector         [64:66] config
func DecodeRawJob(word string) (*RawJob, error) {
	if len(word) != rawWordLength {
		return nil, fmt.Errorf("%w: invalid raw job length: %d (expected %d)", kerrors.ErrMalformedInput, len(word), rawWordLength)
	}
	if !strings.HasPrefix(word, "0x") && !strings.HasPrefix(word, "0X") {
		return nil, fmt.Errorf("%w: raw job must start with 0x", kerrors.ErrMalformedInput)
	}

	field := func(from, to, bits int) (uint64, error) {
		v, err := strconv.ParseUint(word[from:to], 16, bits)
		if err != nil {
			return 0, fmt.Errorf("%w: raw job field [%d:%d]: %v", kerrors.ErrMalformedInput, from, to, err)
		}
		return v, nil
	}

	var (
		raw RawJob
		v   uint64
		err error
	)
	if v, err = field(2, 10, 32); err != nil {
		return nil, err
	}
	raw.LastExecutionAt = uint32(v)
	if v, err = field(10, 16, 32); err != nil {
		return nil, err
	}
	raw.IntervalSeconds = uint32(v)
	if v, err = field(16, 18, 8); err != nil {
		return nil, err
	}
	raw.CalldataSource = CalldataSource(v)
	if v, err = field(18, 26, 32); err != nil {
		return nil, err
	}
	raw.FixedReward = uint32(v)
	if v, err = field(26, 30, 16); err != nil {
		return nil, err
	}
	raw.RewardPct = uint16(v)
	if v, err = field(30, 34, 16); err != nil {
		return nil, err
	}
	raw.MaxBaseFeeGwei = uint16(v)

	credits, ok := new(big.Int).SetString(word[34:56], 16)
	if !ok {
		return nil, fmt.Errorf("%w: raw job credits %q", kerrors.ErrMalformedInput, word[34:56])
	}
	raw.Credits = credits

	selector, err := hex.DecodeString(word[56:64])
	if err != nil {
		return nil, fmt.Errorf("%w: raw job selector: %v", kerrors.ErrMalformedInput, err)
	}
	copy(raw.Selector[:], selector)

	if v, err = field(64, 66, 8); err != nil {
		return nil, err
	}
	raw.ConfigByte = uint8(v)
	raw.Config = ParseConfig(raw.ConfigByte)

	return &raw, nil
}

// WordFromBig renders a uint256 as a raw job word
func WordFromBig(v *big.Int) string {
	if v == nil {
		v = new(big.Int)
	}
	return fmt.Sprintf("0x%064x", v)
}

func WordFromHash(h common.Hash) string {
	return "0x" + hex.EncodeToString(h[:])
}

func (r *RawJob) clone() *RawJob {
	c := *r
	c.Credits = new(big.Int).Set(r.Credits)
	return &c
}
