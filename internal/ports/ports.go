// Package ports reserves the TCP/UDP port set for a supervisor run:
// per-instance SOCKS and control ports, the DNS port, the load-balancer
// front-end port, and the HTTP-filter port.
package ports

import (
	"fmt"
	"net"
)

// maxScan bounds how many candidates are probed per base port before the
// allocation is abandoned.
const maxScan = 256

// Pair is the port assignment of a single onion-router instance.
type Pair struct {
	SocksPort   int
	ControlPort int
}

// Map is the complete, collision-free port assignment for one run.
type Map struct {
	Instances        []Pair
	DNSPort          int // UDP, served by instance 0
	LBFrontPort      int
	FilterListenPort int // 0 when the HTTP filter is disabled
}

// SocksPorts returns the SOCKS ports in instance order.
func (m *Map) SocksPorts() []int {
	out := make([]int, len(m.Instances))
	for i, p := range m.Instances {
		out[i] = p.SocksPort
	}
	return out
}

// All returns every allocated port (TCP and UDP) for disjointness checks.
func (m *Map) All() []int {
	out := make([]int, 0, 2*len(m.Instances)+3)
	for _, p := range m.Instances {
		out = append(out, p.SocksPort, p.ControlPort)
	}
	out = append(out, m.DNSPort, m.LBFrontPort)
	if m.FilterListenPort != 0 {
		out = append(out, m.FilterListenPort)
	}
	return out
}

// Request describes the desired allocation.
type Request struct {
	Instances        int
	SocksBasePort    int
	ControlBasePort  int
	LBFrontPort      int // explicit: used as-is, never rebound
	FilterListenPort int // explicit; 0 disables the filter
	WithDNS          bool
}

// ExplicitPortTakenError reports that a caller-pinned port is in use.
type ExplicitPortTakenError struct {
	Port int
}

func (e *ExplicitPortTakenError) Error() string {
	return fmt.Sprintf("explicit port %d is already in use", e.Port)
}

// UnavailableError reports that no clean port set could be found within
// the scan budget.
type UnavailableError struct {
	Base   int
	Wanted int
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("no %d free ports found scanning %d candidates from base %d", e.Wanted, maxScan, e.Base)
}

// Allocator probes candidate ports by binding on loopback. The probe
// functions are replaceable for tests.
type Allocator struct {
	probeTCP func(port int) bool
	probeUDP func(port int) bool
}

// NewAllocator returns an Allocator probing real loopback sockets.
func NewAllocator() *Allocator {
	return &Allocator{probeTCP: probeTCPFree, probeUDP: probeUDPFree}
}

// Allocate produces a collision-free Map for the request, or fails with
// ExplicitPortTakenError / UnavailableError.
func (a *Allocator) Allocate(req Request) (*Map, error) {
	if req.Instances < 1 {
		return nil, fmt.Errorf("instance count %d is not positive", req.Instances)
	}

	taken := make(map[int]bool)

	// Explicit ports first: they are used as-is and never rebound.
	if !a.probeTCP(req.LBFrontPort) {
		return nil, &ExplicitPortTakenError{Port: req.LBFrontPort}
	}
	taken[req.LBFrontPort] = true

	if req.FilterListenPort != 0 {
		if taken[req.FilterListenPort] {
			return nil, &ExplicitPortTakenError{Port: req.FilterListenPort}
		}
		if !a.probeTCP(req.FilterListenPort) {
			return nil, &ExplicitPortTakenError{Port: req.FilterListenPort}
		}
		taken[req.FilterListenPort] = true
	}

	m := &Map{
		LBFrontPort:      req.LBFrontPort,
		FilterListenPort: req.FilterListenPort,
	}

	socks, err := a.scan(req.SocksBasePort, req.Instances, taken, a.probeTCP)
	if err != nil {
		return nil, err
	}
	control, err := a.scan(req.ControlBasePort, req.Instances, taken, a.probeTCP)
	if err != nil {
		return nil, err
	}
	for i := 0; i < req.Instances; i++ {
		m.Instances = append(m.Instances, Pair{SocksPort: socks[i], ControlPort: control[i]})
	}

	if req.WithDNS {
		// The DNS port is UDP; continue scanning above the SOCKS range so
		// the allocation stays in one neighborhood.
		dns, err := a.scan(socks[len(socks)-1]+1, 1, taken, a.probeUDP)
		if err != nil {
			return nil, err
		}
		m.DNSPort = dns[0]
	}

	if err := checkDisjoint(m); err != nil {
		return nil, err
	}
	return m, nil
}

// scan finds count free ports starting at base, skipping ports already
// claimed in taken. Found ports are added to taken.
func (a *Allocator) scan(base, count int, taken map[int]bool, probe func(int) bool) ([]int, error) {
	var found []int
	for candidate := base; candidate < base+maxScan && candidate <= 65535; candidate++ {
		if taken[candidate] {
			continue
		}
		if !probe(candidate) {
			continue
		}
		taken[candidate] = true
		found = append(found, candidate)
		if len(found) == count {
			return found, nil
		}
	}
	return nil, &UnavailableError{Base: base, Wanted: count}
}

// checkDisjoint rejects any pairwise collision in the final map.
func checkDisjoint(m *Map) error {
	seen := make(map[int]bool)
	for _, p := range m.All() {
		if p == 0 {
			continue
		}
		if seen[p] {
			return fmt.Errorf("port %d assigned twice", p)
		}
		seen[p] = true
	}
	return nil
}

func probeTCPFree(port int) bool {
	ln, err := net.Listen("tcp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

func probeUDPFree(port int) bool {
	pc, err := net.ListenPacket("udp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	pc.Close()
	return true
}
