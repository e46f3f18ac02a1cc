package ports

import (
	"errors"
	"fmt"
	"net"
	"testing"
)

// fakeAllocator returns an Allocator that treats every port in busy as
// occupied and everything else as free.
func fakeAllocator(busy ...int) *Allocator {
	set := make(map[int]bool, len(busy))
	for _, p := range busy {
		set[p] = true
	}
	probe := func(port int) bool { return !set[port] }
	return &Allocator{probeTCP: probe, probeUDP: probe}
}

func TestAllocateHappyPath(t *testing.T) {
	a := fakeAllocator()

	m, err := a.Allocate(Request{
		Instances:        2,
		SocksBasePort:    9000,
		ControlBasePort:  9900,
		LBFrontPort:      16379,
		FilterListenPort: 8119,
		WithDNS:          true,
	})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	want := []Pair{{9000, 9900}, {9001, 9901}}
	for i, p := range m.Instances {
		if p != want[i] {
			t.Errorf("instance %d ports = %+v, want %+v", i, p, want[i])
		}
	}
	if m.DNSPort != 9002 {
		t.Errorf("DNSPort = %d, want 9002", m.DNSPort)
	}
	if m.LBFrontPort != 16379 || m.FilterListenPort != 8119 {
		t.Errorf("front-end ports = %d/%d", m.LBFrontPort, m.FilterListenPort)
	}
}

func TestAllocateSkipsBusyPorts(t *testing.T) {
	a := fakeAllocator(9000, 9901)

	m, err := a.Allocate(Request{
		Instances:       2,
		SocksBasePort:   9000,
		ControlBasePort: 9900,
		LBFrontPort:     16379,
	})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if m.Instances[0].SocksPort != 9001 || m.Instances[1].SocksPort != 9002 {
		t.Errorf("socks ports = %v", m.SocksPorts())
	}
	if m.Instances[0].ControlPort != 9900 || m.Instances[1].ControlPort != 9902 {
		t.Errorf("control ports = %d/%d", m.Instances[0].ControlPort, m.Instances[1].ControlPort)
	}
}

func TestAllocateExplicitPortTaken(t *testing.T) {
	a := fakeAllocator(16379)

	_, err := a.Allocate(Request{
		Instances:       2,
		SocksBasePort:   9000,
		ControlBasePort: 9900,
		LBFrontPort:     16379,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var ept *ExplicitPortTakenError
	if !errors.As(err, &ept) {
		t.Fatalf("expected ExplicitPortTakenError, got %T: %v", err, err)
	}
	if ept.Port != 16379 {
		t.Errorf("Port = %d, want 16379", ept.Port)
	}
}

func TestAllocateExplicitFilterPortTaken(t *testing.T) {
	a := fakeAllocator(8119)

	_, err := a.Allocate(Request{
		Instances:        1,
		SocksBasePort:    9000,
		ControlBasePort:  9900,
		LBFrontPort:      16379,
		FilterListenPort: 8119,
	})
	var ept *ExplicitPortTakenError
	if !errors.As(err, &ept) {
		t.Fatalf("expected ExplicitPortTakenError, got %v", err)
	}
}

func TestAllocateScanExhausted(t *testing.T) {
	busy := make([]int, 0, maxScan)
	for p := 9000; p < 9000+maxScan; p++ {
		busy = append(busy, p)
	}
	a := fakeAllocator(busy...)

	_, err := a.Allocate(Request{
		Instances:       1,
		SocksBasePort:   9000,
		ControlBasePort: 9900,
		LBFrontPort:     16379,
	})
	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
	if ue.Base != 9000 {
		t.Errorf("Base = %d, want 9000", ue.Base)
	}
}

// Port disjointness holds across instance counts and overlapping bases.
func TestAllocateDisjointness(t *testing.T) {
	for _, n := range []int{1, 2, 5, 16} {
		for _, controlBase := range []int{9900, 9001, 9000} {
			t.Run(fmt.Sprintf("n=%d control=%d", n, controlBase), func(t *testing.T) {
				a := fakeAllocator()
				m, err := a.Allocate(Request{
					Instances:        n,
					SocksBasePort:    9000,
					ControlBasePort:  controlBase,
					LBFrontPort:      16379,
					FilterListenPort: 8119,
					WithDNS:          true,
				})
				if err != nil {
					t.Fatalf("Allocate: %v", err)
				}

				seen := make(map[int]bool)
				for _, p := range m.All() {
					if seen[p] {
						t.Fatalf("port %d allocated twice in %+v", p, m)
					}
					seen[p] = true
				}
			})
		}
	}
}

// The real prober must treat a bound loopback port as busy.
func TestRealProbeDetectsBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	if probeTCPFree(port) {
		t.Errorf("probeTCPFree(%d) = true for a bound port", port)
	}
}
