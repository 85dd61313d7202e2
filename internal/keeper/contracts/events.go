package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
)

const (
	EventRegisterJob              = "RegisterJob"
	EventDepositJobCredits        = "DepositJobCredits"
	EventWithdrawJobCredits       = "WithdrawJobCredits"
	EventDepositJobOwnerCredits   = "DepositJobOwnerCredits"
	EventWithdrawJobOwnerCredits  = "WithdrawJobOwnerCredits"
	EventInitiateJobTransfer      = "InitiateJobTransfer"
	EventAcceptJobTransfer        = "AcceptJobTransfer"
	EventJobUpdate                = "JobUpdate"
	EventSetJobPreDefinedCalldata = "SetJobPreDefinedCalldata"
	EventSetJobResolver           = "SetJobResolver"
	EventSetJobConfig             = "SetJobConfig"
	EventExecute                  = "Execute"
	EventSetAgentParams           = "SetAgentParams"
	EventSetRdConfig              = "SetRdConfig"
	EventJobKeeperChanged         = "JobKeeperChanged"
	EventInitiateKeeperSlashing   = "InitiateKeeperSlashing"
)

// Event is a decoded agent log. Args holds both indexed and data fields
// keyed by their ABI names.
type Event struct {
	Name string
	Log  types.Log
	Args map[string]interface{}
}

// AgentTopics returns the topic0 filter matching every agent event
func AgentTopics() [][]common.Hash {
	ids := make([]common.Hash, 0, len(Agent.Events))
	for _, ev := range Agent.Events {
		ids = append(ids, ev.ID)
	}
	return [][]common.Hash{ids}
}

// EventID returns topic0 for an agent event name
func EventID(name string) common.Hash {
	return Agent.Events[name].ID
}

// DecodeAgentLog decodes an agent log into an Event
func DecodeAgentLog(log types.Log) (*Event, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("%w: log without topics", kerrors.ErrMalformedInput)
	}
	ev, err := Agent.EventByID(log.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("%w: unknown event %s", kerrors.ErrMalformedInput, log.Topics[0].Hex())
	}

	args := make(map[string]interface{})
	if len(log.Data) > 0 {
		if err := Agent.UnpackIntoMap(args, ev.Name, log.Data); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", kerrors.ErrMalformedInput, ev.Name, err)
		}
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("%w: %s topics: %v", kerrors.ErrMalformedInput, ev.Name, err)
	}

	return &Event{Name: ev.Name, Log: log, Args: args}, nil
}

func (e *Event) Hash(name string) common.Hash {
	switch v := e.Args[name].(type) {
	case [32]byte:
		return common.Hash(v)
	case common.Hash:
		return v
	}
	return common.Hash{}
}

// JobKey returns the jobKey argument carried by job-level events
func (e *Event) JobKey() common.Hash {
	return e.Hash("jobKey")
}

func (e *Event) Address(name string) common.Address {
	if v, ok := e.Args[name].(common.Address); ok {
		return v
	}
	return common.Address{}
}

// BigInt never returns nil
func (e *Event) BigInt(name string) *big.Int {
	if v, ok := e.Args[name].(*big.Int); ok && v != nil {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (e *Event) Bytes(name string) []byte {
	if v, ok := e.Args[name].([]byte); ok {
		return v
	}
	return nil
}

func (e *Event) Bool(name string) bool {
	v, _ := e.Args[name].(bool)
	return v
}

// Position orders logs within a chain
type Position struct {
	Block uint64
	Index uint
}

func (e *Event) Position() Position {
	return Position{Block: e.Log.BlockNumber, Index: e.Log.Index}
}

func (p Position) Less(o Position) bool {
	if p.Block != o.Block {
		return p.Block < o.Block
	}
	return p.Index < o.Index
}
