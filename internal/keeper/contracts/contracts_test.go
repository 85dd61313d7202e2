package contracts

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
)

var (
	jobAddress = common.HexToAddress("0x071412e301C2087A4DAA055CF4aFa2683cE1e499")
	jobKey     = common.HexToHash("0x9c8fd4b4cbf2ff4b7a09f7e5a5e8dd2d1b8b6f2f1a3c9e6f0a1b2c3d4e5f6a7b")
)

func TestBuildExecuteCalldata(t *testing.T) {
	data, err := BuildExecuteCalldata(jobAddress, big.NewInt(7), 0x02, 21, []byte{0xde, 0xad})
	require.NoError(t, err)

	assert.Equal(t,
		"0x00000000"+"071412e301c2087a4daa055cf4afa2683ce1e499"+"000007"+"02"+"000015"+"dead",
		hexutil.Encode(data))
}

func TestBuildExecuteCalldata_Overflow(t *testing.T) {
	_, err := BuildExecuteCalldata(jobAddress, big.NewInt(1<<24), 0, 1, nil)
	assert.ErrorIs(t, err, kerrors.ErrMalformedInput)

	_, err = BuildExecuteCalldata(jobAddress, big.NewInt(1), 0, 1<<24, nil)
	assert.ErrorIs(t, err, kerrors.ErrMalformedInput)
}

func TestDecodeAgentLog_DepositJobCredits(t *testing.T) {
	ev := Agent.Events[EventDepositJobCredits]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(5e17), big.NewInt(1e15))
	require.NoError(t, err)
	depositor := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	decoded, err := DecodeAgentLog(types.Log{
		Topics:      []common.Hash{ev.ID, jobKey, common.BytesToHash(depositor.Bytes())},
		Data:        data,
		BlockNumber: 100,
		Index:       3,
	})
	require.NoError(t, err)

	assert.Equal(t, EventDepositJobCredits, decoded.Name)
	assert.Equal(t, jobKey, decoded.JobKey())
	assert.Equal(t, depositor, decoded.Address("depositor"))
	assert.Equal(t, big.NewInt(5e17), decoded.BigInt("amount"))
	assert.Equal(t, Position{Block: 100, Index: 3}, decoded.Position())
}

func TestDecodeAgentLog_ExecuteCarriesBinJobAfter(t *testing.T) {
	ev := Agent.Events[EventExecute]
	binJob := common.HexToHash("0x6308d07800012c0100000000006e000a000000002386f2383cdbcd0000000005")
	data, err := ev.Inputs.NonIndexed().Pack(
		big.NewInt(90000), big.NewInt(1e9), big.NewInt(2e9), big.NewInt(1e15), [32]byte(binJob))
	require.NoError(t, err)

	decoded, err := DecodeAgentLog(types.Log{
		Topics: []common.Hash{ev.ID, jobKey, common.BytesToHash(jobAddress.Bytes()), common.BigToHash(big.NewInt(21))},
		Data:   data,
	})
	require.NoError(t, err)
	assert.Equal(t, binJob, decoded.Hash("binJobAfter"))
	assert.Equal(t, int64(21), decoded.BigInt("keeperId").Int64())
	assert.Equal(t, int64(1e15), decoded.BigInt("compensation").Int64())
}

func TestDecodeAgentLog_Unknown(t *testing.T) {
	_, err := DecodeAgentLog(types.Log{Topics: []common.Hash{crypto.Keccak256Hash([]byte("Nope()"))}})
	assert.ErrorIs(t, err, kerrors.ErrMalformedInput)

	_, err = DecodeAgentLog(types.Log{})
	assert.ErrorIs(t, err, kerrors.ErrMalformedInput)
}

func TestAgentTopics(t *testing.T) {
	topics := AgentTopics()
	require.Len(t, topics, 1)
	assert.Len(t, topics[0], len(Agent.Events))
	assert.Contains(t, topics[0], EventID(EventRegisterJob))
}

func TestTryAggregateRoundTrip(t *testing.T) {
	calls := []Multicall2Call{{Target: jobAddress, CallData: []byte{1, 2, 3, 4}}}
	packed, err := PackTryAggregate(calls)
	require.NoError(t, err)
	assert.Equal(t, Multicall2.Methods["tryAggregate"].ID, packed[:4])

	okResult, err := EncodeResolverResult(true, []byte{0xaa})
	require.NoError(t, err)
	out, err := Multicall2.Methods["tryAggregate"].Outputs.Pack([]Multicall2Result{
		{Success: true, ReturnData: okResult},
		{Success: false, ReturnData: []byte{}},
	})
	require.NoError(t, err)

	results, err := UnpackTryAggregate(out)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)

	ok, calldata, err := DecodeResolverResult(results[0].ReturnData)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{0xaa}, calldata)
}

func TestGetJobsRoundTrip(t *testing.T) {
	packed, err := PackGetJobs(jobAddress, []common.Hash{jobKey})
	require.NoError(t, err)
	assert.Equal(t, Lens.Methods["getJobs"].ID, packed[:4])

	owner := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	out, err := Lens.Methods["getJobs"].Outputs.Pack([]LensJob{{
		Owner:                    owner,
		JobLevelMinKeeperCvp:     big.NewInt(0),
		RawJob:                   big.NewInt(12345),
		PreDefinedCalldata:       []byte{},
		ResolverCalldata:         []byte{0x01},
		JobNextKeeperId:          big.NewInt(3),
		JobReservedSlasherId:     big.NewInt(0),
		JobSlashingPossibleAfter: big.NewInt(0),
	}})
	require.NoError(t, err)

	jobs, err := UnpackGetJobs(out)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, owner, jobs[0].Owner)
	assert.Equal(t, int64(12345), jobs[0].RawJob.Int64())
	assert.Equal(t, int64(3), jobs[0].JobNextKeeperId.Int64())
}

func TestClassifyRevert(t *testing.T) {
	reqData, err := revertStringArgs.Pack("PPAgentV2: insufficient credits")
	require.NoError(t, err)
	info := ClassifyRevert(append(append([]byte{}, requireSelector...), reqData...))
	assert.Equal(t, RevertRequire, info.Kind)
	assert.Equal(t, "PPAgentV2: insufficient credits", info.Message)

	panicData := append(append([]byte{}, panicSelector...), common.LeftPadBytes([]byte{0x11}, 32)...)
	info = ClassifyRevert(panicData)
	assert.Equal(t, RevertPanic, info.Kind)
	assert.Contains(t, info.Message, "overflow")

	custom := Agent.Errors["InactiveJob"]
	args, err := custom.Inputs.Pack([32]byte(jobKey))
	require.NoError(t, err)
	info = ClassifyRevert(append(append([]byte{}, custom.ID[:4]...), args...))
	assert.Equal(t, RevertCustom, info.Kind)
	assert.Equal(t, "InactiveJob", info.Name)

	info = ClassifyRevert(nil)
	assert.Equal(t, RevertUnknown, info.Kind)
	info = ClassifyRevert([]byte{1, 2, 3, 4, 5})
	assert.Equal(t, RevertUnknown, info.Kind)
	assert.Equal(t, "0x01020304", info.Selector)
}

type fakeDataError struct{ data interface{} }

func (f fakeDataError) Error() string          { return "execution reverted" }
func (f fakeDataError) ErrorData() interface{} { return f.data }

func TestClassifyCallError(t *testing.T) {
	custom := Agent.Errors["JobCheckResolverReturnedFalse"]
	info := ClassifyCallError(fakeDataError{data: hexutil.Encode(custom.ID[:4])})
	assert.Equal(t, RevertCustom, info.Kind)
	assert.Equal(t, "JobCheckResolverReturnedFalse", info.Name)

	info = ClassifyCallError(errors.New("connection refused"))
	assert.Equal(t, RevertUnknown, info.Kind)
	assert.Equal(t, "connection refused", info.Message)
}
