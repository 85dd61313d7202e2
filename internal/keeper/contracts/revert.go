package contracts

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

type RevertKind string

const (
	RevertRequire RevertKind = "require"
	RevertPanic   RevertKind = "panic"
	RevertCustom  RevertKind = "custom"
	RevertUnknown RevertKind = "unknown"
)

var (
	requireSelector = []byte{0x08, 0xc3, 0x79, 0xa0}
	panicSelector   = []byte{0x4e, 0x48, 0x7b, 0x71}
)

var panicReasons = map[uint64]string{
	0x00: "generic panic",
	0x01: "assert(false)",
	0x11: "arithmetic underflow or overflow",
	0x12: "division or modulo by zero",
	0x21: "enum overflow",
	0x22: "invalid encoded storage byte array accessed",
	0x31: "out-of-bounds array access; popping on an empty array",
	0x32: "out-of-bounds access of an array or bytesN",
	0x41: "out of memory",
	0x51: "uninitialized function",
}

// ErrorInfo describes why a transaction would revert
type ErrorInfo struct {
	Kind     RevertKind
	Message  string
	Name     string
	Selector string
	Args     interface{}
	Data     []byte
}

func (e ErrorInfo) String() string {
	if e.Kind == RevertCustom {
		return fmt.Sprintf("%s %s(%v)", e.Kind, e.Name, e.Args)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ClassifyRevert decodes revert return data
func ClassifyRevert(data []byte) ErrorInfo {
	info := ErrorInfo{Kind: RevertUnknown, Data: data}
	if len(data) < 4 {
		info.Message = "empty revert data"
		return info
	}
	selector := data[:4]
	info.Selector = hexutil.Encode(selector)

	switch {
	case bytes.Equal(selector, requireSelector):
		out, err := revertStringArgs.Unpack(data[4:])
		if err == nil {
			info.Kind = RevertRequire
			info.Message, _ = out[0].(string)
			return info
		}
	case bytes.Equal(selector, panicSelector):
		if len(data) >= 36 {
			code := new(big.Int).SetBytes(data[4:36])
			info.Kind = RevertPanic
			if reason, ok := panicReasons[code.Uint64()]; ok && code.IsUint64() {
				info.Message = fmt.Sprintf("%s (0x%x)", reason, code)
			} else {
				info.Message = fmt.Sprintf("unknown panic code 0x%x", code)
			}
			return info
		}
	default:
		for name, abiErr := range Agent.Errors {
			if !bytes.Equal(abiErr.ID[:4], selector) {
				continue
			}
			info.Kind = RevertCustom
			info.Name = name
			if args, err := abiErr.Unpack(data); err == nil {
				info.Args = args
			}
			return info
		}
	}

	info.Message = "unrecognised revert data " + hexutil.Encode(data)
	return info
}

// ClassifyCallError extracts revert data from an eth_call or
// eth_estimateGas error. Nodes return it through rpc.DataError.
func ClassifyCallError(err error) ErrorInfo {
	if err == nil {
		return ErrorInfo{Kind: RevertUnknown, Message: "no error"}
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		var raw []byte
		switch v := dataErr.ErrorData().(type) {
		case string:
			raw = common.FromHex(v)
		case []byte:
			raw = v
		}
		if len(raw) > 0 {
			return ClassifyRevert(raw)
		}
	}
	return ErrorInfo{Kind: RevertUnknown, Message: err.Error()}
}

var revertStringArgs = abi.Arguments{{Type: mustType("string")}}
