package job

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/trigg3rX/power-agent-node/internal/keeper/network"
	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
	"github.com/trigg3rX/power-agent-node/pkg/logging"
)

// fixedRewardUnit converts the packed fixedReward into wei
var fixedRewardUnit = big.NewInt(1_000_000_000_000_000)

// Job is one schedulable unit. Every method must be called from the owning
// network's loop.
type Job struct {
	details  Details
	strategy StrategyKind
	host     Host
	sched    Scheduler
	logger   logging.Logger

	state        State
	initializing bool
	registered   map[network.Purpose]bool
	nextDueAt    time.Time

	// at most one execution per lastExecutionAt value
	inFlight      bool
	executedFor   uint32
	executedValid bool

	// randao: earliest time to ask for the current slasher again
	slashCheckAfter time.Time
}

// New creates a job shell. It stays Uninitialized until ApplyFullDetails.
func New(shell Details, strategy StrategyKind, host Host, sched Scheduler, logger logging.Logger) *Job {
	if _, ok := strategies[strategy]; !ok {
		strategy = StrategyLight
	}
	j := &Job{
		details:      shell,
		strategy:     strategy,
		host:         host,
		sched:        sched,
		state:        StateUninitialized,
		initializing: true,
		registered:   make(map[network.Purpose]bool),
		logger:       logger.With("job_key", shell.Key.Hex()),
	}
	if shell.Raw != nil {
		j.initializing = false
		j.state = StateIdle
	}
	return j
}

func (j *Job) Key() common.Hash        { return j.details.Key }
func (j *Job) Owner() common.Address   { return j.details.Owner }
func (j *Job) Address() common.Address { return j.details.Address }
func (j *Job) State() State            { return j.state }
func (j *Job) IsInitializing() bool    { return j.initializing }
func (j *Job) Strategy() StrategyKind  { return j.strategy }
func (j *Job) NextDueAt() time.Time    { return j.nextDueAt }

// Registered reports whether a registration for p is active
func (j *Job) Registered(p network.Purpose) bool {
	return j.registered[p]
}

// Raw returns a copy of the packed fields, nil before the first load
func (j *Job) Raw() *RawJob {
	if j.details.Raw == nil {
		return nil
	}
	return j.details.Raw.clone()
}

func (j *Job) Credits() *big.Int {
	if j.details.Raw == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(j.details.Raw.Credits)
}

func (j *Job) UsesOwnerCredits() bool {
	return j.details.Raw != nil && j.details.Raw.Config.UseJobOwnerCredits
}

// Type is a label for status output
func (j *Job) Type() string {
	if j.details.Raw == nil {
		return "unknown"
	}
	switch {
	case j.details.Raw.CalldataSource == CalldataSourceResolver && j.details.Raw.IntervalSeconds > 0:
		return "interval-resolver"
	case j.details.Raw.CalldataSource == CalldataSourceResolver:
		return "resolver"
	default:
		return "interval"
	}
}

// ApplyFullDetails replaces every field from a lens read. Watch must follow.
func (j *Job) ApplyFullDetails(d *Details) {
	prev := j.details
	next := *d
	next.Key = prev.Key
	if next.Address == (common.Address{}) {
		next.Address = prev.Address
	}
	if next.ID == nil {
		next.ID = prev.ID
	}
	if next.Raw != nil {
		next.Raw = next.Raw.clone()
	}
	strategies[j.strategy].captureExtra(&next, d)

	j.details = next
	j.initializing = false
	j.resetExecutionMarkers(prev.Raw)
	if j.state == StateUninitialized || j.state == StateFaulted {
		j.state = StateIdle
	}
}

// ApplyRawPatch replaces the packed fields and reports whether the
// schedule has to be rebuilt.
func (j *Job) ApplyRawPatch(raw *RawJob) (bool, error) {
	if j.details.Raw == nil {
		return false, fmt.Errorf("%w: raw patch before details loaded", kerrors.ErrStateInconsistency)
	}
	prev := j.details.Raw
	restart := prev.IntervalSeconds != raw.IntervalSeconds || prev.LastExecutionAt != raw.LastExecutionAt
	j.details.Raw = raw.clone()
	j.resetExecutionMarkers(prev)
	return restart, nil
}

// ApplyCreditsDelta adds or subtracts credits. A withdrawal larger than the
// tracked balance faults the job.
func (j *Job) ApplyCreditsDelta(amount *big.Int, isDeposit bool) error {
	if j.details.Raw == nil {
		return fmt.Errorf("%w: credits delta before details loaded", kerrors.ErrStateInconsistency)
	}
	credits := j.details.Raw.Credits
	if isDeposit {
		credits.Add(credits, amount)
		return nil
	}
	if credits.Cmp(amount) < 0 {
		j.fault()
		return fmt.Errorf("%w: withdrawal %s exceeds job credits %s", kerrors.ErrStateInconsistency, amount, credits)
	}
	credits.Sub(credits, amount)
	return nil
}

// ApplyOwnerChange does not touch the agent's reverse index
func (j *Job) ApplyOwnerChange(newOwner common.Address) {
	j.details.Owner = newOwner
	j.details.PendingTransfer = common.Address{}
}

func (j *Job) ApplyPendingTransfer(to common.Address) {
	j.details.PendingTransfer = to
}

// ApplyJobUpdate applies a JobUpdate event
func (j *Job) ApplyJobUpdate(maxBaseFeeGwei uint16, rewardPct uint16, fixedReward uint32, jobMinCvp *big.Int, intervalSeconds uint32) error {
	if j.details.Raw == nil {
		return fmt.Errorf("%w: job update before details loaded", kerrors.ErrStateInconsistency)
	}
	raw := j.details.Raw
	raw.MaxBaseFeeGwei = maxBaseFeeGwei
	raw.RewardPct = rewardPct
	raw.FixedReward = fixedReward
	raw.IntervalSeconds = intervalSeconds
	j.details.JobLevelMinKeeperCvp = new(big.Int).Set(jobMinCvp)
	return nil
}

func (j *Job) ApplyResolver(r Resolver) {
	j.details.Resolver = r
}

func (j *Job) ApplyPreDefinedCalldata(calldata []byte) {
	j.details.PreDefinedCalldata = calldata
}

// ApplyAssignedKeeper handles JobKeeperChanged
func (j *Job) ApplyAssignedKeeper(keeperID uint64) {
	j.details.AssignedKeeperID = keeperID
	j.details.ReservedSlasherID = 0
	j.details.SlashingPossibleAfter = 0
	j.slashCheckAfter = time.Time{}
}

// ApplySlashingInitiated handles InitiateKeeperSlashing
func (j *Job) ApplySlashingInitiated(slasherID, possibleAfter uint64) {
	j.details.ReservedSlasherID = slasherID
	j.details.SlashingPossibleAfter = possibleAfter
}

func (j *Job) resetExecutionMarkers(prev *RawJob) {
	if prev == nil || j.details.Raw == nil || prev.LastExecutionAt != j.details.Raw.LastExecutionAt {
		j.executedValid = false
		j.inFlight = false
		j.slashCheckAfter = time.Time{}
	}
}

func (j *Job) fault() {
	j.Unwatch()
	j.state = StateFaulted
}

func (j *Job) netKey(p network.Purpose) network.Key {
	return network.Key{Agent: j.host.Address(), Job: j.details.Key, Purpose: p}
}

// availableCredits is the balance that funds this job's execution
func (j *Job) availableCredits() *big.Int {
	if j.UsesOwnerCredits() {
		if b := j.host.OwnerBalance(j.details.Owner); b != nil {
			return new(big.Int).Set(b)
		}
		return new(big.Int)
	}
	return j.Credits()
}

// Status is the job's part of the agent status read model
type Status struct {
	Key       string     `json:"key"`
	Address   string     `json:"address"`
	Owner     string     `json:"owner"`
	Active    bool       `json:"active"`
	Credits   string     `json:"credits"`
	Type      string     `json:"type"`
	State     State      `json:"state"`
	NextDueAt *time.Time `json:"next_due_at,omitempty"`
}

func (j *Job) Status() Status {
	s := Status{
		Key:     j.details.Key.Hex(),
		Address: j.details.Address.Hex(),
		Owner:   j.details.Owner.Hex(),
		Credits: j.Credits().String(),
		Type:    j.Type(),
		State:   j.state,
	}
	if j.details.Raw != nil {
		s.Active = j.details.Raw.Config.IsActive
	}
	if !j.nextDueAt.IsZero() {
		t := j.nextDueAt
		s.NextDueAt = &t
	}
	return s
}
