package executor

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Queue is a FIFO of envelopes keyed by job. A push under a key that is
// still queued replaces the envelope in place. Entries are processed one
// at a time by a single drain goroutine.
type Queue struct {
	ctx     context.Context
	process func(ctx context.Context, env *TxEnvelope)
	onDepth func(depth int)

	mu         sync.Mutex
	order      []common.Hash
	items      map[common.Hash]*TxEnvelope
	draining   bool
	current    common.Hash
	hasCurrent bool
	idle       chan struct{}
}

func NewQueue(ctx context.Context, process func(ctx context.Context, env *TxEnvelope), onDepth func(int)) *Queue {
	if onDepth == nil {
		onDepth = func(int) {}
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		ctx:     ctx,
		process: process,
		onDepth: onDepth,
		items:   make(map[common.Hash]*TxEnvelope),
		idle:    idle,
	}
}

func (q *Queue) Push(env *TxEnvelope) {
	q.mu.Lock()
	if _, queued := q.items[env.JobKey]; !queued {
		q.order = append(q.order, env.JobKey)
	}
	q.items[env.JobKey] = env
	depth := len(q.order)
	start := !q.draining
	if start {
		q.draining = true
		q.idle = make(chan struct{})
	}
	q.mu.Unlock()

	q.onDepth(depth)
	if start {
		go q.drain()
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.order) == 0 || q.ctx.Err() != nil {
			q.draining = false
			q.hasCurrent = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		key := q.order[0]
		q.order = q.order[1:]
		env := q.items[key]
		delete(q.items, key)
		q.current, q.hasCurrent = key, true
		depth := len(q.order)
		q.mu.Unlock()

		q.onDepth(depth)
		q.process(q.ctx, env)
	}
}

// Depth counts queued entries, not the one in flight
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Pending lists queued job keys in submission order
func (q *Queue) Pending() []common.Hash {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]common.Hash(nil), q.order...)
}

func (q *Queue) Current() (common.Hash, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current, q.hasCurrent
}

// Idle is closed whenever no drain goroutine is running
func (q *Queue) Idle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}
