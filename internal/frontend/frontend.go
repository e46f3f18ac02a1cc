// Package frontend runs the proxy front-end: the TCP load balancer over
// the SOCKS backends, and optionally the HTTP filter chained to it.
// Ordering is fixed: LB before filter on start, filter before LB on stop.
package frontend

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"torpool/internal/proc"
)

// ProbeFailedError reports a front-end process whose listen port never
// accepted a connection.
type ProbeFailedError struct {
	Component string
	Port      int
}

func (e *ProbeFailedError) Error() string {
	return fmt.Sprintf("%s did not accept connections on port %d", e.Component, e.Port)
}

// Config assembles a FrontEnd.
type Config struct {
	HAProxyPath string
	HAProxyCfg  string
	LBFrontPort int

	// PrivoxyPath/PrivoxyCfg are empty when the filter is disabled.
	PrivoxyPath      string
	PrivoxyCfg       string
	FilterListenPort int

	LogDir       string
	ProbeTimeout time.Duration
	Grace        time.Duration

	Logger zerolog.Logger

	// Dial is the connect-probe dialer, replaceable in tests. Nil means
	// net.DialTimeout.
	Dial func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// FrontEnd owns the LB and filter child processes.
type FrontEnd struct {
	cfg  Config
	log  zerolog.Logger
	dial func(network, addr string, timeout time.Duration) (net.Conn, error)

	lb     *proc.Child
	filter *proc.Child
}

// New creates a stopped FrontEnd.
func New(cfg Config) *FrontEnd {
	dial := cfg.Dial
	if dial == nil {
		dial = net.DialTimeout
	}
	return &FrontEnd{cfg: cfg, log: cfg.Logger, dial: dial}
}

// FilterEnabled reports whether the HTTP filter is part of this front-end.
func (f *FrontEnd) FilterEnabled() bool {
	return f.cfg.FilterListenPort != 0 && f.cfg.PrivoxyPath != ""
}

// Start brings up the LB, verifies its listen port, then (if configured)
// the filter, verifying its port too. Any failure tears down whatever
// already started before returning.
func (f *FrontEnd) Start(ctx context.Context) error {
	lb, err := proc.Start(proc.Spec{
		Path:    f.cfg.HAProxyPath,
		Args:    []string{"-f", f.cfg.HAProxyCfg},
		LogPath: f.cfg.LogDir + "/haproxy.log",
	})
	if err != nil {
		return fmt.Errorf("start load balancer: %w", err)
	}
	f.lb = lb
	f.log.Info().Int("pid", lb.PID()).Int("port", f.cfg.LBFrontPort).Msg("lb.start")

	if err := f.probe(ctx, "load balancer", f.cfg.LBFrontPort, lb); err != nil {
		f.stopLB()
		return err
	}
	f.log.Info().Int("port", f.cfg.LBFrontPort).Msg("lb.up")

	if !f.FilterEnabled() {
		return nil
	}

	filter, err := proc.Start(proc.Spec{
		Path:    f.cfg.PrivoxyPath,
		Args:    []string{"--no-daemon", f.cfg.PrivoxyCfg},
		LogPath: f.cfg.LogDir + "/privoxy.log",
	})
	if err != nil {
		f.stopLB()
		return fmt.Errorf("start filter: %w", err)
	}
	f.filter = filter
	f.log.Info().Int("pid", filter.PID()).Int("port", f.cfg.FilterListenPort).Msg("filter.start")

	if err := f.probe(ctx, "filter", f.cfg.FilterListenPort, filter); err != nil {
		f.stopFilter()
		f.stopLB()
		return err
	}
	f.log.Info().Int("port", f.cfg.FilterListenPort).Msg("filter.up")

	return nil
}

// Stop tears the front-end down: filter first, then the LB. Idempotent.
func (f *FrontEnd) Stop() {
	f.stopFilter()
	f.stopLB()
}

func (f *FrontEnd) stopFilter() {
	if f.filter == nil {
		return
	}
	f.filter.Stop(f.cfg.Grace)
	f.filter = nil
	f.log.Info().Msg("filter.stop")
}

func (f *FrontEnd) stopLB() {
	if f.lb == nil {
		return
	}
	f.lb.Stop(f.cfg.Grace)
	f.lb = nil
	f.log.Info().Msg("lb.stop")
}

// probe retries a plain connect against the listen port until it accepts,
// the child dies, ctx expires, or five probe timeouts have elapsed (then
// ProbeFailedError).
func (f *FrontEnd) probe(ctx context.Context, component string, port int, child *proc.Child) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	deadline := time.NewTimer(f.cfg.ProbeTimeout * 5)
	defer deadline.Stop()

	for {
		conn, err := f.dial("tcp", addr, f.cfg.ProbeTimeout)
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-child.Wait():
			_, status := child.Exited()
			return fmt.Errorf("%s exited during startup (%s)", component, status)
		case <-deadline.C:
			return &ProbeFailedError{Component: component, Port: port}
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
