// Package contracts holds the ABIs the keeper talks to and the helpers
// that pack calls and decode results, logs and reverts.
package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// AgentABI covers the PowerAgent V2 and RandaoAgent surface the keeper uses.
const AgentABI = `[
{"type":"function","name":"getJobRaw","stateMutability":"view","inputs":[{"name":"jobKey","type":"bytes32"}],"outputs":[{"name":"rawJob","type":"uint256"}]},
{"type":"function","name":"workerKeeperIds","stateMutability":"view","inputs":[{"name":"worker","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getKeeper","stateMutability":"view","inputs":[{"name":"keeperId","type":"uint256"}],"outputs":[
 {"name":"admin","type":"address"},{"name":"worker","type":"address"},{"name":"isActive","type":"bool"},
 {"name":"currentStake","type":"uint256"},{"name":"slashedStake","type":"uint256"},{"name":"compensation","type":"uint256"},
 {"name":"pendingWithdrawalAmount","type":"uint256"},{"name":"pendingWithdrawalEndAt","type":"uint256"}]},
{"type":"function","name":"getRdConfig","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"tuple","components":[
 {"name":"slashingEpoch","type":"uint8"},{"name":"period1","type":"uint16"},{"name":"period2","type":"uint16"},
 {"name":"slashingFeeFixedCVP","type":"uint24"},{"name":"slashingFeeBps","type":"uint16"},{"name":"jobMinCreditsFinney","type":"uint16"},
 {"name":"agentMaxCvpStake","type":"uint40"},{"name":"jobCompensationMultiplierBps","type":"uint16"},{"name":"stakeDivisor","type":"uint32"},
 {"name":"keeperActivationTimeoutHours","type":"uint8"},{"name":"jobFixedRewardFinney","type":"uint16"}]}]},
{"type":"function","name":"getCurrentSlasherId","stateMutability":"view","inputs":[{"name":"jobKey","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"initiateKeeperSlashing","stateMutability":"nonpayable","inputs":[
 {"name":"jobAddress","type":"address"},{"name":"jobId","type":"uint256"},{"name":"slasherKeeperId","type":"uint256"},
 {"name":"useResolver","type":"bool"},{"name":"jobCalldata","type":"bytes"}],"outputs":[]},

{"type":"event","name":"RegisterJob","anonymous":false,"inputs":[
 {"name":"jobKey","type":"bytes32","indexed":true},{"name":"jobAddress","type":"address","indexed":true},
 {"name":"jobId","type":"uint256","indexed":true},{"name":"owner","type":"address","indexed":false},
 {"name":"params","type":"tuple","indexed":false,"components":[
  {"name":"jobAddress","type":"address"},{"name":"jobSelector","type":"bytes4"},{"name":"useJobOwnerCredits","type":"bool"},
  {"name":"assertResolverSelector","type":"bool"},{"name":"maxBaseFeeGwei","type":"uint16"},{"name":"rewardPct","type":"uint16"},
  {"name":"fixedReward","type":"uint32"},{"name":"jobMinCvp","type":"uint256"},{"name":"calldataSource","type":"uint8"},
  {"name":"intervalSeconds","type":"uint24"}]}]},
{"type":"event","name":"DepositJobCredits","anonymous":false,"inputs":[
 {"name":"jobKey","type":"bytes32","indexed":true},{"name":"depositor","type":"address","indexed":true},
 {"name":"amount","type":"uint256","indexed":false},{"name":"fee","type":"uint256","indexed":false}]},
{"type":"event","name":"WithdrawJobCredits","anonymous":false,"inputs":[
 {"name":"jobKey","type":"bytes32","indexed":true},{"name":"owner","type":"address","indexed":true},
 {"name":"to","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
{"type":"event","name":"DepositJobOwnerCredits","anonymous":false,"inputs":[
 {"name":"jobOwner","type":"address","indexed":true},{"name":"depositor","type":"address","indexed":true},
 {"name":"amount","type":"uint256","indexed":false},{"name":"fee","type":"uint256","indexed":false}]},
{"type":"event","name":"WithdrawJobOwnerCredits","anonymous":false,"inputs":[
 {"name":"jobOwner","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},
 {"name":"amount","type":"uint256","indexed":false}]},
{"type":"event","name":"InitiateJobTransfer","anonymous":false,"inputs":[
 {"name":"jobKey","type":"bytes32","indexed":true},{"name":"from","type":"address","indexed":true},
 {"name":"to","type":"address","indexed":true}]},
{"type":"event","name":"AcceptJobTransfer","anonymous":false,"inputs":[
 {"name":"jobKey","type":"bytes32","indexed":true},{"name":"to","type":"address","indexed":true}]},
{"type":"event","name":"JobUpdate","anonymous":false,"inputs":[
 {"name":"jobKey","type":"bytes32","indexed":true},{"name":"maxBaseFeeGwei","type":"uint256","indexed":false},
 {"name":"rewardPct","type":"uint256","indexed":false},{"name":"fixedReward","type":"uint256","indexed":false},
 {"name":"jobMinCvp","type":"uint256","indexed":false},{"name":"intervalSeconds","type":"uint256","indexed":false}]},
{"type":"event","name":"SetJobPreDefinedCalldata","anonymous":false,"inputs":[
 {"name":"jobKey","type":"bytes32","indexed":true},{"name":"preDefinedCalldata","type":"bytes","indexed":false}]},
{"type":"event","name":"SetJobResolver","anonymous":false,"inputs":[
 {"name":"jobKey","type":"bytes32","indexed":true},{"name":"resolverAddress","type":"address","indexed":false},
 {"name":"resolverCalldata","type":"bytes","indexed":false}]},
{"type":"event","name":"SetJobConfig","anonymous":false,"inputs":[
 {"name":"jobKey","type":"bytes32","indexed":true},{"name":"isActive","type":"bool","indexed":false},
 {"name":"useJobOwnerCredits","type":"bool","indexed":false},{"name":"assertResolverSelector","type":"bool","indexed":false},
 {"name":"callResolverBeforeExecute","type":"bool","indexed":false}]},
{"type":"event","name":"Execute","anonymous":false,"inputs":[
 {"name":"jobKey","type":"bytes32","indexed":true},{"name":"job","type":"address","indexed":true},
 {"name":"keeperId","type":"uint256","indexed":true},{"name":"gasUsed","type":"uint256","indexed":false},
 {"name":"baseFee","type":"uint256","indexed":false},{"name":"gasPrice","type":"uint256","indexed":false},
 {"name":"compensation","type":"uint256","indexed":false},{"name":"binJobAfter","type":"bytes32","indexed":false}]},
{"type":"event","name":"SetAgentParams","anonymous":false,"inputs":[
 {"name":"minKeeperCvp","type":"uint256","indexed":false},{"name":"timeoutSeconds","type":"uint256","indexed":false},
 {"name":"feePct","type":"uint256","indexed":false}]},
{"type":"event","name":"SetRdConfig","anonymous":false,"inputs":[{"name":"rdConfig","type":"tuple","indexed":false,"components":[
 {"name":"slashingEpoch","type":"uint8"},{"name":"period1","type":"uint16"},{"name":"period2","type":"uint16"},
 {"name":"slashingFeeFixedCVP","type":"uint24"},{"name":"slashingFeeBps","type":"uint16"},{"name":"jobMinCreditsFinney","type":"uint16"},
 {"name":"agentMaxCvpStake","type":"uint40"},{"name":"jobCompensationMultiplierBps","type":"uint16"},{"name":"stakeDivisor","type":"uint32"},
 {"name":"keeperActivationTimeoutHours","type":"uint8"},{"name":"jobFixedRewardFinney","type":"uint16"}]}]},
{"type":"event","name":"JobKeeperChanged","anonymous":false,"inputs":[
 {"name":"jobKey","type":"bytes32","indexed":true},{"name":"keeperFrom","type":"uint256","indexed":true},
 {"name":"keeperTo","type":"uint256","indexed":true}]},
{"type":"event","name":"InitiateKeeperSlashing","anonymous":false,"inputs":[
 {"name":"jobKey","type":"bytes32","indexed":true},{"name":"jobSlashingPossibleAfter","type":"uint256","indexed":true},
 {"name":"slasherKeeperId","type":"uint256","indexed":true},{"name":"useResolver","type":"bool","indexed":false}]},

{"type":"error","name":"InsufficientJobCredits","inputs":[{"name":"actual","type":"uint256"},{"name":"wanted","type":"uint256"}]},
{"type":"error","name":"InsufficientJobOwnerCredits","inputs":[{"name":"actual","type":"uint256"},{"name":"wanted","type":"uint256"}]},
{"type":"error","name":"InactiveJob","inputs":[{"name":"jobKey","type":"bytes32"}]},
{"type":"error","name":"IntervalNotReached","inputs":[{"name":"lastExecutedAt","type":"uint256"},{"name":"interval","type":"uint256"},{"name":"now","type":"uint256"}]},
{"type":"error","name":"BaseFeeGtGasPrice","inputs":[{"name":"baseFee","type":"uint256"},{"name":"jobMaxBaseFeeGwei","type":"uint256"}]},
{"type":"error","name":"JobCheckResolverReturnedFalse","inputs":[]},
{"type":"error","name":"OnlyNextKeeper","inputs":[{"name":"assignedKeeperId","type":"uint256"},{"name":"lastExecutedAt","type":"uint256"},{"name":"interval","type":"uint256"},{"name":"slashingInterval","type":"uint256"},{"name":"now","type":"uint256"}]},
{"type":"error","name":"TooEarlyForSlashing","inputs":[{"name":"now","type":"uint256"},{"name":"possibleAfter","type":"uint256"}]},
{"type":"error","name":"OnlyReservedSlasher","inputs":[{"name":"reservedSlasherId","type":"uint256"}]},
{"type":"error","name":"KeeperWorkerNotAuthorized","inputs":[]},
{"type":"error","name":"InsufficientKeeperStake","inputs":[]}
]`

// LensABI is the bulk reader deployed next to each agent.
const LensABI = `[
{"type":"function","name":"getJobs","stateMutability":"view","inputs":[
 {"name":"agent","type":"address"},{"name":"jobKeys","type":"bytes32[]"}],
 "outputs":[{"name":"results","type":"tuple[]","components":[
  {"name":"owner","type":"address"},{"name":"pendingTransfer","type":"address"},{"name":"jobLevelMinKeeperCvp","type":"uint256"},
  {"name":"rawJob","type":"uint256"},{"name":"preDefinedCalldata","type":"bytes"},{"name":"resolverAddress","type":"address"},
  {"name":"resolverCalldata","type":"bytes"},{"name":"jobNextKeeperId","type":"uint256"},{"name":"jobReservedSlasherId","type":"uint256"},
  {"name":"jobSlashingPossibleAfter","type":"uint256"}]}]},
{"type":"function","name":"getOwnerBalances","stateMutability":"view","inputs":[
 {"name":"agent","type":"address"},{"name":"owners","type":"address[]"}],
 "outputs":[{"name":"balances","type":"uint256[]"}]}
]`

// Multicall2ABI only carries tryAggregate; partial failure is reported per call.
const Multicall2ABI = `[
{"type":"function","name":"tryAggregate","stateMutability":"nonpayable","inputs":[
 {"name":"requireSuccess","type":"bool"},
 {"name":"calls","type":"tuple[]","components":[{"name":"target","type":"address"},{"name":"callData","type":"bytes"}]}],
 "outputs":[{"name":"returnData","type":"tuple[]","components":[{"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}]}]}
]`

var (
	Agent      = mustParse(AgentABI)
	Lens       = mustParse(LensABI)
	Multicall2 = mustParse(Multicall2ABI)
)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("invalid embedded abi: " + err.Error())
	}
	return parsed
}
