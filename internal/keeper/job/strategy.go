package job

import (
	"fmt"
	"time"

	"github.com/trigg3rX/power-agent-node/internal/keeper/network"
	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
)

// StrategyKind selects the job variant an agent runs
type StrategyKind string

const (
	// StrategyLight executes any due job
	StrategyLight StrategyKind = "light"
	// StrategyRandao executes only jobs assigned to this keeper and slashes
	// keepers that miss their window
	StrategyRandao StrategyKind = "randao"
)

func ParseStrategy(s string) (StrategyKind, error) {
	switch StrategyKind(s) {
	case StrategyLight, "":
		return StrategyLight, nil
	case StrategyRandao:
		return StrategyRandao, nil
	}
	return "", fmt.Errorf("unknown job strategy %q", s)
}

type strategy struct {
	captureExtra func(dst, src *Details)
	watch        func(j *Job) error
}

// strategies is filled in init: the watch functions reach Watch, which
// reads this table.
var strategies map[StrategyKind]strategy

func init() {
	strategies = map[StrategyKind]strategy{
		StrategyLight: {
			captureExtra: func(dst, _ *Details) {
				dst.AssignedKeeperID = 0
				dst.ReservedSlasherID = 0
				dst.SlashingPossibleAfter = 0
			},
			watch: watchLight,
		},
		StrategyRandao: {
			captureExtra: func(dst, src *Details) {
				dst.AssignedKeeperID = src.AssignedKeeperID
				dst.ReservedSlasherID = src.ReservedSlasherID
				dst.SlashingPossibleAfter = src.SlashingPossibleAfter
			},
			watch: watchRandao,
		},
	}
}

func watchLight(j *Job) error {
	raw := j.details.Raw
	switch {
	case raw.CalldataSource == CalldataSourceResolver && raw.IntervalSeconds > 0:
		return j.watchDeprecated()
	case raw.CalldataSource == CalldataSourceResolver:
		return j.registerResolver(func(calldata []byte) {
			j.Unwatch()
			j.execute(calldata, time.Time{})
		})
	case raw.IntervalSeconds == 0:
		return j.errNoInterval()
	default:
		return j.watchUntil(j.dueAt(), func(dueAt time.Time) {
			j.execute(j.deterministicCalldata(), dueAt)
		})
	}
}

func watchRandao(j *Job) error {
	raw := j.details.Raw
	me := j.host.KeeperID()

	if raw.CalldataSource == CalldataSourceResolver && raw.IntervalSeconds > 0 {
		return j.watchDeprecated()
	}
	if j.details.AssignedKeeperID == 0 {
		j.logger.Debug("No keeper assigned, idle")
		j.state = StateIdle
		return nil
	}
	if j.details.AssignedKeeperID == me {
		return watchLight(j)
	}
	if j.host.RdConfig() == nil {
		return fmt.Errorf("%w: randao job %s watched without rd config", kerrors.ErrStateInconsistency, j.details.Key.Hex())
	}

	if raw.CalldataSource == CalldataSourceResolver {
		return j.registerResolver(func(calldata []byte) {
			j.Unwatch()
			j.onForeignResolverTrue(calldata)
		})
	}
	if raw.IntervalSeconds == 0 {
		return j.errNoInterval()
	}

	if j.details.ReservedSlasherID == me && j.details.SlashingPossibleAfter > 0 {
		at := time.Unix(int64(j.details.SlashingPossibleAfter), 0)
		return j.watchUntil(at, func(dueAt time.Time) {
			j.execute(j.deterministicCalldata(), dueAt)
		})
	}
	return j.watchSlashingWindow()
}

// watchSlashingWindow arms a check for when the assigned keeper has
// missed its window by period1 seconds.
func (j *Job) watchSlashingWindow() error {
	rd := j.host.RdConfig()
	at := j.dueAt().Add(time.Duration(rd.Period1) * time.Second)
	if j.slashCheckAfter.After(at) {
		at = j.slashCheckAfter
	}
	if now := j.sched.Now(); at.Before(now) {
		at = now
	}
	return j.register(network.PurposeSlashing, at)
}

func (j *Job) onSlashingWindow() {
	lastExecution := j.details.Raw.LastExecutionAt
	j.host.CurrentSlasherID(j.details.Key, func(slasherID uint64, err error) {
		if j.details.Raw == nil || j.details.Raw.LastExecutionAt != lastExecution || j.inFlight || len(j.registered) > 0 {
			return
		}
		if err != nil {
			j.logger.Warn("Failed to read current slasher", "error", err)
			j.slashCheckAfter = j.sched.Now().Add(j.sched.AverageBlockTime())
		} else if slasherID == j.host.KeeperID() {
			j.initiateSlashing(false, nil)
			return
		} else {
			j.slashCheckAfter = j.sched.Now().Add(time.Duration(j.host.RdConfig().SlashingEpoch) * time.Second)
		}
		if err := j.Watch(); err != nil {
			j.host.OnJobFault(j.details.Key, err)
		}
	})
}

// onForeignResolverTrue handles a positive resolver for a job assigned to
// another keeper.
func (j *Job) onForeignResolverTrue(calldata []byte) {
	me := j.host.KeeperID()
	if j.details.ReservedSlasherID == me && j.details.SlashingPossibleAfter > 0 {
		at := time.Unix(int64(j.details.SlashingPossibleAfter), 0)
		if !j.sched.Now().Before(at) {
			j.execute(calldata, at)
			return
		}
		if err := j.Watch(); err != nil {
			j.host.OnJobFault(j.details.Key, err)
		}
		return
	}

	lastExecution := j.details.Raw.LastExecutionAt
	j.host.CurrentSlasherID(j.details.Key, func(slasherID uint64, err error) {
		if j.details.Raw == nil || j.details.Raw.LastExecutionAt != lastExecution || j.inFlight || len(j.registered) > 0 {
			return
		}
		if err == nil && slasherID == me {
			j.initiateSlashing(true, calldata)
			return
		}
		if err != nil {
			j.logger.Warn("Failed to read current slasher", "error", err)
		}
		if err := j.Watch(); err != nil {
			j.host.OnJobFault(j.details.Key, err)
		}
	})
}
