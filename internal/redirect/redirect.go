// Package redirect installs and rolls back the transparent-redirection
// rules that steer the host's outbound TCP and DNS traffic into the proxy
// chain. Two capability-equivalent variants exist: iptables NAT on Linux
// and pf on macOS. The host packet-filter tables are owned exclusively by
// this package.
package redirect

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
)

// ErrAlreadyActive is returned by Install when redirection is already in
// place and no successful Restore has happened in between.
var ErrAlreadyActive = errors.New("redirection already active")

// InstallError wraps any failure while installing redirection. By the
// time it is returned, every partial mutation has been rolled back.
type InstallError struct {
	Err error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install redirection: %v", e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// RestoreError reports a failed restore stage. The system is left in the
// safest reachable state (rules flushed, never partially redirected), but
// may require manual inspection.
type RestoreError struct {
	Stage string
	Err   error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore %s: %v", e.Stage, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// Redirector is the capability set every platform variant implements.
// Implementations are not safe for concurrent use; the coordinator
// serializes all calls.
type Redirector interface {
	// Install snapshots the current host state and applies the redirect
	// rules (and, where applicable, the resolver substitution) as one
	// atomic unit.
	Install(ctx context.Context) error

	// Restore reapplies the snapshot. With no snapshot present it is a
	// no-op returning success.
	Restore(ctx context.Context) error

	// Probe verifies the redirect rules are currently in place.
	Probe(ctx context.Context) error

	// Active reports whether Install succeeded without a later Restore.
	Active() bool
}

// Config carries everything a platform variant needs.
type Config struct {
	// Binary paths, resolved by the config package.
	IptablesPath string
	PfctlPath    string
	RoutePath    string

	LBFrontPort int
	DNSPort     int

	// RunID tags every installed rule so teardown can identify them.
	RunID string

	// RulesDir receives the generated pf rule file (macOS).
	RulesDir string

	// ResolvConfPath overrides /etc/resolv.conf (tests).
	ResolvConfPath string

	Runner Runner
	Logger zerolog.Logger
}

// UnsupportedPlatformError reports a host OS without a redirector variant.
type UnsupportedPlatformError struct {
	GOOS string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("transparent redirection is not supported on %s", e.GOOS)
}

// New picks the variant for the host OS.
func New(cfg Config) (Redirector, error) {
	if cfg.Runner == nil {
		cfg.Runner = &execRunner{}
	}
	switch runtime.GOOS {
	case "linux":
		return newLinux(cfg), nil
	case "darwin":
		return newDarwin(cfg), nil
	default:
		return nil, &UnsupportedPlatformError{GOOS: runtime.GOOS}
	}
}
