package job

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/trigg3rX/power-agent-node/internal/keeper/contracts"
	"github.com/trigg3rX/power-agent-node/internal/keeper/executor"
	"github.com/trigg3rX/power-agent-node/internal/keeper/network"
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateIdle          State = "idle"
	StateWatching      State = "watching"
	StateExecuting     State = "executing"
	// StateFaulted is entered on a state inconsistency; only a resync clears it
	StateFaulted State = "faulted"
)

type Resolver struct {
	Address  common.Address
	Calldata []byte
}

// Details is everything the lens returns for one job
type Details struct {
	Key                  common.Hash
	Address              common.Address
	ID                   *big.Int
	Owner                common.Address
	PendingTransfer      common.Address
	JobLevelMinKeeperCvp *big.Int
	Raw                  *RawJob
	PreDefinedCalldata   []byte
	Resolver             Resolver

	// ordered strategy only
	AssignedKeeperID      uint64
	ReservedSlasherID     uint64
	SlashingPossibleAfter uint64
}

// DetailsFromLens converts a lens row into Details
func DetailsFromLens(key common.Hash, address common.Address, id *big.Int, l contracts.LensJob) (*Details, error) {
	raw, err := DecodeRawJob(WordFromBig(l.RawJob))
	if err != nil {
		return nil, err
	}
	return &Details{
		Key:                   key,
		Address:               address,
		ID:                    id,
		Owner:                 l.Owner,
		PendingTransfer:       l.PendingTransfer,
		JobLevelMinKeeperCvp:  bigOrZero(l.JobLevelMinKeeperCvp),
		Raw:                   raw,
		PreDefinedCalldata:    l.PreDefinedCalldata,
		Resolver:              Resolver{Address: l.ResolverAddress, Calldata: l.ResolverCalldata},
		AssignedKeeperID:      bigOrZero(l.JobNextKeeperId).Uint64(),
		ReservedSlasherID:     bigOrZero(l.JobReservedSlasherId).Uint64(),
		SlashingPossibleAfter: bigOrZero(l.JobSlashingPossibleAfter).Uint64(),
	}, nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// Scheduler is the network's scheduling surface
type Scheduler interface {
	RegisterTimeout(key network.Key, at time.Time, fn func()) error
	UnregisterTimeout(key network.Key)
	RegisterResolver(key network.Key, resolver network.Resolver, fn network.ResolverCallback) error
	UnregisterResolver(key network.Key)
	BaseFee() *big.Int
	PriorityFee() *big.Int
	AverageBlockTime() time.Duration
	Now() time.Time
}

// Host is the owning agent as seen by its jobs
type Host interface {
	Address() common.Address
	KeeperID() uint64
	KeeperConfig() KeeperConfig
	OwnerBalance(owner common.Address) *big.Int
	Submit(env *executor.TxEnvelope)
	// RdConfig is nil for the light strategy
	RdConfig() *contracts.RdConfig
	// CurrentSlasherID resolves asynchronously and calls back on the loop
	CurrentSlasherID(key common.Hash, cb func(slasherID uint64, err error))
	// OnJobFault is told when a job leaves the normal state machine
	OnJobFault(key common.Hash, err error)
}
