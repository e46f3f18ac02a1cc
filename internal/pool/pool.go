// Package pool owns the N instance supervisors: parallel start with
// first-failure propagation, strictly reverse-order sequential stop, and
// aggregate health.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"torpool/internal/instance"
)

// Member is the slice of the instance supervisor surface the pool needs.
// *instance.Supervisor implements it; tests substitute fakes.
type Member interface {
	Start(ctx context.Context) error
	Stop(grace time.Duration)
	Health() instance.Health
	Events() <-chan instance.Event
}

// AggregateState summarizes the whole pool.
type AggregateState int

const (
	Healthy AggregateState = iota
	DegradedState
	FailedState
)

func (s AggregateState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case DegradedState:
		return "degraded"
	case FailedState:
		return "failed"
	default:
		return "unknown"
	}
}

// Pool drives a fixed set of members.
type Pool struct {
	members []Member
	grace   time.Duration
	log     zerolog.Logger

	events   chan instance.Event
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New assembles a pool over the given members (index order).
func New(members []Member, grace time.Duration, log zerolog.Logger) *Pool {
	p := &Pool{
		members: members,
		grace:   grace,
		log:     log,
		events:  make(chan instance.Event, 64),
		stopCh:  make(chan struct{}),
	}
	for _, m := range p.members {
		go p.forward(m.Events())
	}
	return p
}

// forward fans a member's events into the pool-wide channel.
func (p *Pool) forward(in <-chan instance.Event) {
	for {
		select {
		case ev := <-in:
			select {
			case p.events <- ev:
			default:
			}
		case <-p.stopCh:
			return
		}
	}
}

// Events delivers merged member health events.
func (p *Pool) Events() <-chan instance.Event {
	return p.events
}

// Start launches every member concurrently and waits until all are Ready
// or one fails. On failure, members already started are stopped in
// reverse index order and the first failure is returned.
func (p *Pool) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range p.members {
		m := m
		g.Go(func() error {
			return m.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		p.log.Warn().Err(err).Msg("pool.start_failed")
		p.Stop()
		return err
	}

	p.log.Info().Int("instances", len(p.members)).Msg("pool.ready")
	return nil
}

// Stop terminates members sequentially in reverse index order. Parallel
// stops would interleave logs and race SIGKILLs on shared data-dir
// parents; sequential reverse is cheap and deterministic.
func (p *Pool) Stop() {
	for i := len(p.members) - 1; i >= 0; i-- {
		p.members[i].Stop(p.grace)
		p.log.Info().Int("index", i).Msg("pool.member_stopped")
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Health returns the aggregate pool state: Healthy iff every member is
// Ready, Failed if any member is Failed or Stopped, Degraded otherwise.
func (p *Pool) Health() AggregateState {
	agg := Healthy
	for _, m := range p.members {
		switch m.Health().State {
		case instance.Failed, instance.Stopped:
			return FailedState
		case instance.Ready:
		default:
			agg = DegradedState
		}
	}
	return agg
}

// Members returns the pool's members in index order.
func (p *Pool) Members() []Member {
	return p.members
}
