package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
)

// LensJob is one element of Lens.getJobs
type LensJob struct {
	Owner                    common.Address
	PendingTransfer          common.Address
	JobLevelMinKeeperCvp     *big.Int
	RawJob                   *big.Int
	PreDefinedCalldata       []byte
	ResolverAddress          common.Address
	ResolverCalldata         []byte
	JobNextKeeperId          *big.Int
	JobReservedSlasherId     *big.Int
	JobSlashingPossibleAfter *big.Int
}

type KeeperInfo struct {
	Admin                   common.Address
	Worker                  common.Address
	IsActive                bool
	CurrentStake            *big.Int
	SlashedStake            *big.Int
	Compensation            *big.Int
	PendingWithdrawalAmount *big.Int
	PendingWithdrawalEndAt  *big.Int
}

// RdConfig mirrors RandaoAgent.RandaoConfig
type RdConfig struct {
	SlashingEpoch                uint8
	Period1                      uint16
	Period2                      uint16
	SlashingFeeFixedCVP          *big.Int
	SlashingFeeBps               uint16
	JobMinCreditsFinney          uint16
	AgentMaxCvpStake             *big.Int
	JobCompensationMultiplierBps uint16
	StakeDivisor                 uint32
	KeeperActivationTimeoutHours uint8
	JobFixedRewardFinney         uint16
}

type Multicall2Call struct {
	Target   common.Address
	CallData []byte
}

type Multicall2Result struct {
	Success    bool
	ReturnData []byte
}

var resolverOutputs = abi.Arguments{
	{Name: "ok", Type: mustType("bool")},
	{Name: "calldata", Type: mustType("bytes")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func unpackOne(a abi.ABI, method string, data []byte) (interface{}, error) {
	out, err := a.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", kerrors.ErrMalformedInput, method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: unpack %s: empty output", kerrors.ErrMalformedInput, method)
	}
	return out[0], nil
}

func PackGetJobRaw(jobKey common.Hash) ([]byte, error) {
	return Agent.Pack("getJobRaw", jobKey)
}

func PackWorkerKeeperIds(worker common.Address) ([]byte, error) {
	return Agent.Pack("workerKeeperIds", worker)
}

func PackGetKeeper(keeperID *big.Int) ([]byte, error) {
	return Agent.Pack("getKeeper", keeperID)
}

func PackGetRdConfig() ([]byte, error) {
	return Agent.Pack("getRdConfig")
}

func PackGetCurrentSlasherID(jobKey common.Hash) ([]byte, error) {
	return Agent.Pack("getCurrentSlasherId", jobKey)
}

func PackInitiateKeeperSlashing(jobAddress common.Address, jobID, slasherKeeperID *big.Int, useResolver bool, jobCalldata []byte) ([]byte, error) {
	if jobCalldata == nil {
		jobCalldata = []byte{}
	}
	return Agent.Pack("initiateKeeperSlashing", jobAddress, jobID, slasherKeeperID, useResolver, jobCalldata)
}

// UnpackAgentUint256 decodes agent views returning a single uint256
func UnpackAgentUint256(method string, data []byte) (*big.Int, error) {
	v, err := unpackOne(Agent, method, data)
	if err != nil {
		return nil, err
	}
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s returned %T", kerrors.ErrMalformedInput, method, v)
	}
	return n, nil
}

func UnpackGetKeeper(data []byte) (*KeeperInfo, error) {
	var info KeeperInfo
	if err := Agent.UnpackIntoInterface(&info, "getKeeper", data); err != nil {
		return nil, fmt.Errorf("%w: unpack getKeeper: %v", kerrors.ErrMalformedInput, err)
	}
	return &info, nil
}

func UnpackGetRdConfig(data []byte) (*RdConfig, error) {
	v, err := unpackOne(Agent, "getRdConfig", data)
	if err != nil {
		return nil, err
	}
	cfg := *abi.ConvertType(v, new(RdConfig)).(*RdConfig)
	return &cfg, nil
}

func PackGetJobs(agent common.Address, jobKeys []common.Hash) ([]byte, error) {
	keys := make([][32]byte, len(jobKeys))
	for i, k := range jobKeys {
		keys[i] = k
	}
	return Lens.Pack("getJobs", agent, keys)
}

func UnpackGetJobs(data []byte) ([]LensJob, error) {
	v, err := unpackOne(Lens, "getJobs", data)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(v, new([]LensJob)).(*[]LensJob), nil
}

func PackGetOwnerBalances(agent common.Address, owners []common.Address) ([]byte, error) {
	return Lens.Pack("getOwnerBalances", agent, owners)
}

func UnpackGetOwnerBalances(data []byte) ([]*big.Int, error) {
	v, err := unpackOne(Lens, "getOwnerBalances", data)
	if err != nil {
		return nil, err
	}
	balances, ok := v.([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: getOwnerBalances returned %T", kerrors.ErrMalformedInput, v)
	}
	return balances, nil
}

// PackTryAggregate always packs requireSuccess=false so one failing
// resolver never fails the batch.
func PackTryAggregate(calls []Multicall2Call) ([]byte, error) {
	return Multicall2.Pack("tryAggregate", false, calls)
}

func UnpackTryAggregate(data []byte) ([]Multicall2Result, error) {
	v, err := unpackOne(Multicall2, "tryAggregate", data)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(v, new([]Multicall2Result)).(*[]Multicall2Result), nil
}

// DecodeResolverResult decodes a resolver's (bool, bytes) return value
func DecodeResolverResult(data []byte) (bool, []byte, error) {
	out, err := resolverOutputs.Unpack(data)
	if err != nil {
		return false, nil, fmt.Errorf("%w: resolver output: %v", kerrors.ErrMalformedInput, err)
	}
	ok, _ := out[0].(bool)
	calldata, _ := out[1].([]byte)
	return ok, calldata, nil
}

// EncodeResolverResult is the inverse of DecodeResolverResult
func EncodeResolverResult(ok bool, calldata []byte) ([]byte, error) {
	if calldata == nil {
		calldata = []byte{}
	}
	return resolverOutputs.Pack(ok, calldata)
}
