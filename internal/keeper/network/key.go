package network

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
)

// Purpose separates the registrations a single job may hold
type Purpose uint8

const (
	PurposeExecution Purpose = iota + 1
	PurposeResolver
	PurposeSlashing
)

func (p Purpose) String() string {
	switch p {
	case PurposeExecution:
		return "execution"
	case PurposeResolver:
		return "resolver"
	case PurposeSlashing:
		return "slashing"
	}
	return fmt.Sprintf("purpose(%d)", uint8(p))
}

// Key identifies a timer or resolver registration
type Key struct {
	Agent   common.Address
	Job     common.Hash
	Purpose Purpose
}

func (k Key) Validate() error {
	if k.Job == (common.Hash{}) {
		return fmt.Errorf("%w: empty job key", kerrors.ErrKeyInvalid)
	}
	if k.Purpose < PurposeExecution || k.Purpose > PurposeSlashing {
		return fmt.Errorf("%w: %s", kerrors.ErrKeyInvalid, k.Purpose)
	}
	return nil
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Agent.Hex(), k.Job.Hex(), k.Purpose)
}

// Resolver is a static call evaluated once per block
type Resolver struct {
	Address  common.Address
	Calldata []byte
}

// ResolverCallback receives the calldata of a resolver that returned true
type ResolverCallback func(calldata []byte)
