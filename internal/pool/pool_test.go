package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"torpool/internal/instance"
	"torpool/pkg/logger"
)

// fakeMember records start/stop calls against a shared ordered trace.
type fakeMember struct {
	index    int
	startErr error
	delay    time.Duration
	state    instance.State

	mu      sync.Mutex
	started bool
	stopped bool

	trace *callTrace
	ev    chan instance.Event
}

type callTrace struct {
	mu    sync.Mutex
	calls []string
}

func (ct *callTrace) add(s string) {
	ct.mu.Lock()
	ct.calls = append(ct.calls, s)
	ct.mu.Unlock()
}

func (ct *callTrace) get() []string {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	out := make([]string, len(ct.calls))
	copy(out, ct.calls)
	return out
}

func newFakeMember(index int, trace *callTrace) *fakeMember {
	return &fakeMember{index: index, state: instance.Ready, trace: trace, ev: make(chan instance.Event, 4)}
}

func (f *fakeMember) Start(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeMember) Stop(grace time.Duration) {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.trace.add("stop-" + string(rune('0'+f.index)))
}

func (f *fakeMember) Health() instance.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return instance.Health{Index: f.index, State: f.state}
}

func (f *fakeMember) Events() <-chan instance.Event { return f.ev }

func newTestPool(members ...*fakeMember) *Pool {
	ms := make([]Member, len(members))
	for i, m := range members {
		ms[i] = m
	}
	return New(ms, time.Second, logger.WithComponent("pool-test"))
}

func TestStartAllReady(t *testing.T) {
	trace := &callTrace{}
	a, b := newFakeMember(0, trace), newFakeMember(1, trace)
	p := newTestPool(a, b)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !a.started || !b.started {
		t.Error("not all members started")
	}
	if p.Health() != Healthy {
		t.Errorf("Health = %v, want Healthy", p.Health())
	}
}

func TestStartFirstFailureStopsAllReverse(t *testing.T) {
	trace := &callTrace{}
	a := newFakeMember(0, trace)
	b := newFakeMember(1, trace)
	c := newFakeMember(2, trace)
	boom := errors.New("bootstrap timed out")
	b.startErr = boom

	p := newTestPool(a, b, c)

	err := p.Start(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Start = %v, want the member failure", err)
	}

	want := []string{"stop-2", "stop-1", "stop-0"}
	got := trace.get()
	if len(got) != len(want) {
		t.Fatalf("stop calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stop order = %v, want %v", got, want)
		}
	}
}

func TestStartCancelPropagates(t *testing.T) {
	trace := &callTrace{}
	a := newFakeMember(0, trace)
	a.delay = 10 * time.Second
	b := newFakeMember(1, trace)
	b.startErr = errors.New("dead on arrival")

	p := newTestPool(a, b)

	start := time.Now()
	err := p.Start(context.Background())
	if err == nil {
		t.Fatal("Start should fail")
	}
	// The slow member must have been cancelled, not waited out.
	if time.Since(start) > 5*time.Second {
		t.Error("failure did not cancel the slow member's start")
	}
}

func TestStopReverseOrder(t *testing.T) {
	trace := &callTrace{}
	members := []*fakeMember{newFakeMember(0, trace), newFakeMember(1, trace), newFakeMember(2, trace)}
	p := newTestPool(members...)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop()

	want := []string{"stop-2", "stop-1", "stop-0"}
	got := trace.get()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stop order = %v, want %v", got, want)
		}
	}
}

func TestAggregateHealth(t *testing.T) {
	trace := &callTrace{}
	a, b := newFakeMember(0, trace), newFakeMember(1, trace)
	p := newTestPool(a, b)

	if p.Health() != Healthy {
		t.Errorf("all ready: Health = %v", p.Health())
	}

	b.mu.Lock()
	b.state = instance.Degraded
	b.mu.Unlock()
	if p.Health() != DegradedState {
		t.Errorf("one degraded: Health = %v", p.Health())
	}

	b.mu.Lock()
	b.state = instance.Failed
	b.mu.Unlock()
	if p.Health() != FailedState {
		t.Errorf("one failed: Health = %v", p.Health())
	}
}

func TestEventsForwarded(t *testing.T) {
	trace := &callTrace{}
	a := newFakeMember(0, trace)
	p := newTestPool(a)

	a.ev <- instance.Event{Index: 0, Kind: instance.EventDegraded}

	select {
	case ev := <-p.Events():
		if ev.Index != 0 || ev.Kind != instance.EventDegraded {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not forwarded")
	}
}
