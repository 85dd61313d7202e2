package agent

import (
	"context"
	"sort"

	"github.com/trigg3rX/power-agent-node/internal/keeper/datasource"
	"github.com/trigg3rX/power-agent-node/internal/keeper/job"
)

// Status is the agent's read model served by the status API
type Status struct {
	Network       string            `json:"network"`
	Address       string            `json:"address"`
	KeeperID      uint64            `json:"keeper_id"`
	Strategy      job.StrategyKind  `json:"strategy"`
	Executor      string            `json:"executor"`
	Ready         bool              `json:"ready"`
	LatestBlock   uint64            `json:"latest_block"`
	QueueDepth    int               `json:"queue_depth"`
	InFlight      string            `json:"in_flight,omitempty"`
	JobsByType    map[string]int    `json:"jobs_by_type"`
	OwnerBalances map[string]string `json:"owner_balances"`
	Source        SourceStatus      `json:"source"`
	Jobs          []job.Status      `json:"jobs,omitempty"`
}

type SourceStatus struct {
	Kind string `json:"kind"`
	datasource.Meta
}

// Snapshot reads the status on the network loop. Jobs are included only
// when withJobs is set.
func (a *Agent) Snapshot(ctx context.Context, withJobs bool) (Status, error) {
	var s Status
	err := a.net.Exec(ctx, func() { s = a.status(withJobs) })
	return s, err
}

func (a *Agent) status(withJobs bool) Status {
	s := Status{
		Network:       a.net.Name(),
		Address:       a.cfg.Address.Hex(),
		KeeperID:      a.keeperID,
		Strategy:      a.cfg.Strategy,
		Executor:      a.exec.Kind(),
		Ready:         a.ready,
		LatestBlock:   a.net.LatestBlockNumber(),
		QueueDepth:    a.exec.Depth(),
		JobsByType:    make(map[string]int),
		OwnerBalances: make(map[string]string, len(a.ownerBalances)),
		Source:        SourceStatus{Kind: a.source.Kind(), Meta: a.lastMeta},
	}
	if key, ok := a.exec.Current(); ok {
		s.InFlight = key.Hex()
	}
	for owner, b := range a.ownerBalances {
		s.OwnerBalances[owner.Hex()] = b.String()
	}
	for _, j := range a.jobs {
		s.JobsByType[j.Type()]++
		if withJobs {
			s.Jobs = append(s.Jobs, j.Status())
		}
	}
	sort.Slice(s.Jobs, func(i, k int) bool { return s.Jobs[i].Key < s.Jobs[k].Key })
	return s
}
