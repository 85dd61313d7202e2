package chainclient

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

// pollSubscription satisfies ethereum.Subscription for the polling fallback
type pollSubscription struct {
	cancel context.CancelFunc
	errCh  chan error
	once   sync.Once
}

func newPollSubscription(ctx context.Context) (context.Context, *pollSubscription) {
	ctx, cancel := context.WithCancel(ctx)
	return ctx, &pollSubscription{cancel: cancel, errCh: make(chan error, 1)}
}

func (s *pollSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		close(s.errCh)
	})
}

func (s *pollSubscription) Err() <-chan error { return s.errCh }

func (s *pollSubscription) fail(err error) {
	s.once.Do(func() {
		s.cancel()
		s.errCh <- err
		close(s.errCh)
	})
}

var _ ethereum.Subscription = (*pollSubscription)(nil)

func pollHeads(parent context.Context, c *Client, ch chan<- *types.Header) ethereum.Subscription {
	ctx, sub := newPollSubscription(parent)
	go func() {
		ticker := time.NewTicker(c.config.PollInterval)
		defer ticker.Stop()
		var last uint64
		for {
			header, err := c.HeaderByNumber(ctx, nil)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				sub.fail(err)
				return
			}
			if n := header.Number.Uint64(); n > last {
				last = n
				select {
				case ch <- header:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return sub
}

func pollLogs(parent context.Context, c *Client, q ethereum.FilterQuery, from uint64, ch chan<- types.Log) ethereum.Subscription {
	ctx, sub := newPollSubscription(parent)
	go func() {
		ticker := time.NewTicker(c.config.PollInterval)
		defer ticker.Stop()
		next := from
		for {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
			head, err := c.BlockNumber(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				sub.fail(err)
				return
			}
			if head < next {
				continue
			}
			rq := q
			rq.FromBlock = new(big.Int).SetUint64(next)
			rq.ToBlock = new(big.Int).SetUint64(head)
			logs, err := c.FilterLogs(ctx, rq)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				sub.fail(err)
				return
			}
			for _, l := range logs {
				select {
				case ch <- l:
				case <-ctx.Done():
					return
				}
			}
			next = head + 1
		}
	}()
	return sub
}
