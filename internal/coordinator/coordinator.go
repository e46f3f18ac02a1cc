// Package coordinator is the supervisor's single public surface: the
// lifecycle state machine that drives port allocation, credential
// derivation, config rendering, the instance pool, the proxy front-end,
// and transparent redirection — with strict ordering and atomic rollback.
package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"torpool/internal/config"
	"torpool/internal/creds"
	"torpool/internal/frontend"
	"torpool/internal/instance"
	"torpool/internal/pool"
	"torpool/internal/ports"
	"torpool/internal/redirect"
	"torpool/internal/render"
	"torpool/pkg/logger"
	"torpool/pkg/torctl"
)

// RunState is the coordinator's lifecycle state.
type RunState int

const (
	StateInit RunState = iota
	StatePortsAllocated
	StateConfigsRendered
	StateInstancesUp
	StateFrontEndUp
	StateRedirectionActive
	StateRunning
	StateDraining
	StateStopped
	StateFailed
)

func (s RunState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePortsAllocated:
		return "ports-allocated"
	case StateConfigsRendered:
		return "configs-rendered"
	case StateInstancesUp:
		return "instances-up"
	case StateFrontEndUp:
		return "front-end-up"
	case StateRedirectionActive:
		return "redirection-active"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Step names the stage at which a run failed.
type Step string

const (
	StepPorts       Step = "allocate-ports"
	StepCredentials Step = "derive-credentials"
	StepRender      Step = "render-configs"
	StepPool        Step = "start-pool"
	StepFrontEnd    Step = "start-front-end"
	StepRedirect    Step = "install-redirect"
	StepHealth      Step = "runtime-health"
	StepTeardown    Step = "teardown"
)

// RunError is the single error type Start and Stop surface. Cause is the
// original trigger; rollback errors are attached, never substituted.
type RunError struct {
	Step         Step
	Cause        error
	RollbackErrs []error
}

func (e *RunError) Error() string {
	if len(e.RollbackErrs) == 0 {
		return fmt.Sprintf("%s: %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("%s: %v (rollback: %d step(s) failed)", e.Step, e.Cause, len(e.RollbackErrs))
}

func (e *RunError) Unwrap() error { return e.Cause }

// RestorePartial reports whether any rollback step failed to restore host
// state, which demands manual inspection (distinct exit code).
func (e *RunError) RestorePartial() bool {
	for _, err := range e.RollbackErrs {
		var re *redirect.RestoreError
		if errors.As(err, &re) {
			return true
		}
	}
	return false
}

// Process exit codes.
const (
	ExitOK           = 0
	ExitPrecondition = 2
	ExitRolledBack   = 3
	ExitPartial      = 4
)

// ExitCode maps an error from Start/Stop to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var runErr *RunError
	if errors.As(err, &runErr) && runErr.RestorePartial() {
		return ExitPartial
	}
	var restoreErr *redirect.RestoreError
	if errors.As(err, &restoreErr) {
		return ExitPartial
	}

	var (
		invalidCfg *config.InvalidConfigError
		missingBin *config.MissingBinaryError
		explicit   *ports.ExplicitPortTakenError
		exhausted  *ports.UnavailableError
		noTmpl     *render.TemplateNotFoundError
	)
	if errors.As(err, &invalidCfg) || errors.As(err, &missingBin) ||
		errors.As(err, &explicit) || errors.As(err, &exhausted) ||
		errors.As(err, &noTmpl) {
		return ExitPrecondition
	}
	return ExitRolledBack
}

// Internal component contracts, narrowed so tests can substitute fakes.

type credentialSet interface {
	Derive(ctx context.Context, torPath string) error
	Hashed() string
	Plaintext() []byte
	Zero()
}

type poolRunner interface {
	Start(ctx context.Context) error
	Stop()
	Health() pool.AggregateState
	Events() <-chan instance.Event
}

type frontEndRunner interface {
	Start(ctx context.Context) error
	Stop()
}

// Coordinator owns the RunState, the credentials, and the redirection
// snapshot for exactly one run.
type Coordinator struct {
	opts config.Options
	bins config.ResolvedBinaries
	log  zerolog.Logger

	runID  string
	runDir string
	events *EventLog

	// mu guards state transitions only; holders never block on I/O.
	mu    sync.Mutex
	state RunState

	credentials credentialSet
	portMap     *ports.Map
	rendered    *render.Config
	instances   poolRunner
	fe          frontEndRunner
	redirector  redirect.Redirector

	done     chan error
	doneOnce sync.Once

	// Factories, replaced by fakes in tests.
	allocatePorts func(ports.Request) (*ports.Map, error)
	newCreds      func() (credentialSet, error)
	renderConfigs func(dir string, in render.Inputs) (*render.Config, error)
	newPool       func(pm *ports.Map, rc *render.Config, cs credentialSet) (poolRunner, error)
	newFrontEnd   func(pm *ports.Map, rc *render.Config) frontEndRunner
	newRedirector func(pm *ports.Map) (redirect.Redirector, error)
}

// New wires a Coordinator over the real components.
func New(opts config.Options, bins config.ResolvedBinaries) *Coordinator {
	c := &Coordinator{
		opts:  opts,
		bins:  bins,
		log:   logger.WithComponent("coordinator"),
		state: StateInit,
		done:  make(chan error, 1),
	}

	c.allocatePorts = func(req ports.Request) (*ports.Map, error) {
		return ports.NewAllocator().Allocate(req)
	}
	c.newCreds = func() (credentialSet, error) {
		return creds.Generate()
	}
	c.renderConfigs = func(dir string, in render.Inputs) (*render.Config, error) {
		r := &render.Renderer{TemplatesDir: opts.TemplatesDir}
		return r.Render(dir, in)
	}
	c.newPool = c.buildPool
	c.newFrontEnd = func(pm *ports.Map, rc *render.Config) frontEndRunner {
		return frontend.New(frontend.Config{
			HAProxyPath:      bins.HAProxy,
			HAProxyCfg:       rc.HAProxyPath,
			LBFrontPort:      pm.LBFrontPort,
			PrivoxyPath:      bins.Privoxy,
			PrivoxyCfg:       rc.PrivoxyPath,
			FilterListenPort: pm.FilterListenPort,
			LogDir:           c.runDir,
			ProbeTimeout:     opts.ProbeTimeout,
			Grace:            opts.Grace,
			Logger:           logger.WithComponent("frontend"),
		})
	}
	c.newRedirector = func(pm *ports.Map) (redirect.Redirector, error) {
		return redirect.New(redirect.Config{
			IptablesPath: bins.Iptables,
			PfctlPath:    bins.Pfctl,
			RoutePath:    bins.Route,
			LBFrontPort:  pm.LBFrontPort,
			DNSPort:      pm.DNSPort,
			RunID:        c.runID,
			RulesDir:     c.runDir,
			Logger:       logger.WithComponent("redirector"),
		})
	}
	return c
}

// buildPool assembles instance supervisors from the rendered configs.
func (c *Coordinator) buildPool(pm *ports.Map, rc *render.Config, cs credentialSet) (poolRunner, error) {
	credential, err := c.childCredential()
	if err != nil {
		return nil, err
	}

	members := make([]pool.Member, len(pm.Instances))
	for i, pair := range pm.Instances {
		spec := instance.Spec{
			Index:       i,
			SocksPort:   pair.SocksPort,
			ControlPort: pair.ControlPort,
			DataDir:     filepath.Join(c.runDir, fmt.Sprintf("data-%d", i)),
			TorrcPath:   rc.TorrcPaths[i],
			LogPath:     filepath.Join(c.runDir, fmt.Sprintf("tor-%d.log", i)),
			Role:        instance.RoleSocks,
		}
		if i == 0 {
			spec.Role = instance.RoleDNS
			spec.DNSPort = pm.DNSPort
		}
		members[i] = instance.New(instance.Config{
			Spec:             spec,
			TorPath:          c.bins.Tor,
			Password:         cs.Plaintext,
			Credential:       credential,
			BootstrapTimeout: c.opts.BootstrapTimeout,
			ProbeTimeout:     c.opts.ProbeTimeout,
			HealthInterval:   c.opts.HealthInterval,
			Grace:            c.opts.Grace,
			Logger:           logger.WithComponent("instance"),
		})
	}
	return pool.New(members, c.opts.Grace, logger.WithComponent("pool")), nil
}

// childCredential resolves the configured user into a syscall credential.
func (c *Coordinator) childCredential() (*syscall.Credential, error) {
	if c.opts.User == "" {
		return nil, nil
	}
	u, err := user.Lookup(c.opts.User)
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", c.opts.User, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse uid %s: %w", u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse gid %s: %w", u.Gid, err)
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// State returns the current run state.
func (c *Coordinator) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RunDir returns the per-run directory (empty before Start).
func (c *Coordinator) RunDir() string {
	return c.runDir
}

// PortMap returns the allocated ports (nil before Start).
func (c *Coordinator) PortMap() *ports.Map {
	return c.portMap
}

// Done delivers the run's terminal outcome once: the error of a failed
// Start or of a run that fails on its own (pool health lost after
// Running), or nil after Stop. Buffered; never closed.
func (c *Coordinator) Done() <-chan error {
	return c.done
}

// transition moves the state machine forward.
func (c *Coordinator) transition(next RunState) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	c.log.Info().Str("from", prev.String()).Str("to", next.String()).Msg("state")
	if c.events != nil {
		c.events.Append("coordinator", "state."+next.String(), "", nil)
	}
}

// Start drives Init through Running. Any stage failure rolls back every
// completed stage in reverse order and returns a RunError; the host is
// left exactly as found.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInit {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("start from state %s", state)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.StartDeadline)
	defer cancel()

	c.runID = newRunID()
	c.runDir = filepath.Join(c.opts.RunDir, c.runID)
	if err := os.MkdirAll(c.runDir, 0700); err != nil {
		return &RunError{Step: StepRender, Cause: fmt.Errorf("create run dir: %w", err)}
	}
	events, err := NewEventLog(filepath.Join(c.runDir, "events.log"))
	if err != nil {
		os.RemoveAll(c.runDir)
		return &RunError{Step: StepRender, Cause: err}
	}
	c.events = events
	c.log.Info().Str("run_id", c.runID).Msg("start")

	// Stage 1: ports. No host mutation yet.
	pm, err := c.allocatePorts(ports.Request{
		Instances:        c.opts.Instances,
		SocksBasePort:    c.opts.SocksBasePort,
		ControlBasePort:  c.opts.ControlBasePort,
		LBFrontPort:      c.opts.LBFrontPort,
		FilterListenPort: c.opts.FilterListenPort,
		WithDNS:          true,
	})
	if err != nil {
		return c.fail(ctx, StepPorts, err)
	}
	c.portMap = pm
	c.transition(StatePortsAllocated)

	// Stage 2: credentials.
	cs, err := c.newCreds()
	if err != nil {
		return c.fail(ctx, StepCredentials, err)
	}
	c.credentials = cs
	if err := cs.Derive(ctx, c.bins.Tor); err != nil {
		return c.fail(ctx, StepCredentials, err)
	}

	// Stage 3: rendered configs.
	dataDirs := make([]string, c.opts.Instances)
	for i := range dataDirs {
		dataDirs[i] = filepath.Join(c.runDir, fmt.Sprintf("data-%d", i))
	}
	rendered, err := c.renderConfigs(filepath.Join(c.runDir, "conf"), render.Inputs{
		Ports:      pm,
		HashedPass: cs.Hashed(),
		DataDirs:   dataDirs,
	})
	if err != nil {
		return c.fail(ctx, StepRender, err)
	}
	c.rendered = rendered
	c.transition(StateConfigsRendered)

	// Stage 4: instance pool.
	p, err := c.newPool(pm, rendered, cs)
	if err != nil {
		return c.fail(ctx, StepPool, err)
	}
	c.instances = p
	if err := p.Start(ctx); err != nil {
		// The pool stops its own members on failure; clear it so rollback
		// does not stop them twice.
		c.instances = nil
		return c.fail(ctx, StepPool, err)
	}
	c.events.Append("pool", "start", "ok", nil)
	c.transition(StateInstancesUp)

	// Stage 5: front-end.
	fe := c.newFrontEnd(pm, rendered)
	c.fe = fe
	if err := fe.Start(ctx); err != nil {
		c.fe = nil
		return c.fail(ctx, StepFrontEnd, err)
	}
	c.events.Append("frontend", "start", "ok", nil)
	c.transition(StateFrontEndUp)

	// Stage 6: transparent redirection.
	if !c.opts.NoRedirect {
		rd, err := c.newRedirector(pm)
		if err != nil {
			return c.fail(ctx, StepRedirect, err)
		}
		c.redirector = rd
		if err := rd.Install(ctx); err != nil {
			return c.fail(ctx, StepRedirect, err)
		}
		c.events.Append("redirector", "install", "ok", nil)
		c.transition(StateRedirectionActive)
	}

	c.transition(StateRunning)
	go c.watchHealth(p)
	return nil
}

// watchHealth drains pool events after Running; a terminal member failure
// initiates an automatic orderly stop.
func (c *Coordinator) watchHealth(p poolRunner) {
	for ev := range p.Events() {
		switch ev.Kind {
		case instance.EventDegraded:
			c.log.Warn().Int("index", ev.Index).Msg("health.degraded")
		case instance.EventRestarted:
			c.log.Info().Int("index", ev.Index).Msg("health.restarted")
		case instance.EventFailed:
			// Claim the drain atomically; a concurrent Stop wins the race
			// and this watcher simply exits.
			c.mu.Lock()
			if c.state != StateRunning {
				c.mu.Unlock()
				return
			}
			c.state = StateDraining
			c.mu.Unlock()
			cause := ev.Err
			if cause == nil {
				cause = fmt.Errorf("instance %d failed", ev.Index)
			}
			c.log.Error().Int("index", ev.Index).Err(cause).Msg("health.lost")

			stopCtx, cancel := context.WithTimeout(context.Background(), c.opts.StopDeadline)
			errs := c.teardown(stopCtx)
			cancel()

			c.transition(StateFailed)
			c.doneOnce.Do(func() {
				c.done <- &RunError{Step: StepHealth, Cause: cause, RollbackErrs: errs}
			})
			return
		}
	}
}

// Stop drains the run: redirection restore, front-end stop, pool stop
// (reverse index), rendered-config removal, credential zeroization.
// Idempotent: stopping an Init or Stopped coordinator is a successful
// no-op.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateInit, StateStopped, StateFailed:
		c.mu.Unlock()
		return nil
	case StateDraining:
		c.mu.Unlock()
		return nil
	}
	c.state = StateDraining
	c.mu.Unlock()
	c.log.Info().Msg("draining")
	if c.events != nil {
		c.events.Append("coordinator", "state.draining", "", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.StopDeadline)
	defer cancel()

	errs := c.teardown(ctx)

	c.transition(StateStopped)
	c.doneOnce.Do(func() { c.done <- nil })

	if len(errs) > 0 {
		return &RunError{Step: StepTeardown, Cause: errs[0], RollbackErrs: errs}
	}
	return nil
}

// fail rolls back a partial start and records the terminal state.
func (c *Coordinator) fail(ctx context.Context, step Step, cause error) error {
	c.log.Error().Str("step", string(step)).Err(cause).Msg("stage_failed")
	if c.events != nil {
		c.events.Append("coordinator", "stage.failed", string(step), cause)
	}

	// Rollback gets its own deadline: the start context may already be
	// expired, and restoration must still run.
	rollbackCtx, cancel := context.WithTimeout(context.Background(), c.opts.StopDeadline)
	defer cancel()
	errs := c.teardown(rollbackCtx)

	c.mu.Lock()
	c.state = StateFailed
	c.mu.Unlock()

	runErr := &RunError{Step: step, Cause: cause, RollbackErrs: errs}
	c.doneOnce.Do(func() { c.done <- runErr })
	return runErr
}

// teardown unwinds whatever was brought up, strictly in reverse start
// order. A failing step is recorded and the next step still runs.
func (c *Coordinator) teardown(ctx context.Context) []error {
	var errs []error

	if c.redirector != nil {
		if err := c.redirector.Restore(ctx); err != nil {
			errs = append(errs, err)
			c.log.Error().Err(err).Msg("rollback.redirector")
			c.events.Append("redirector", "stop", "failed", err)
		} else {
			c.events.Append("redirector", "stop", "ok", nil)
		}
		c.redirector = nil
	}

	if c.fe != nil {
		c.fe.Stop()
		c.events.Append("frontend", "stop", "ok", nil)
		c.fe = nil
	}

	if c.instances != nil {
		c.instances.Stop()
		c.events.Append("pool", "stop", "ok", nil)
		c.instances = nil
	}

	if c.rendered != nil {
		if err := c.rendered.Remove(); err != nil {
			errs = append(errs, fmt.Errorf("remove rendered configs: %w", err))
		} else {
			c.events.Append("configs", "removed", "", nil)
		}
		c.rendered = nil
	}

	if c.credentials != nil {
		c.credentials.Zero()
		c.events.Append("credentials", "zeroized", "", nil)
		c.credentials = nil
	}

	return errs
}

// Rotate requests a fresh identity (SIGNAL NEWNYM) from every instance.
// Only meaningful while Running; the control-port password exists nowhere
// outside this process.
func (c *Coordinator) Rotate(ctx context.Context) error {
	c.mu.Lock()
	running := c.state == StateRunning
	c.mu.Unlock()
	if !running {
		return fmt.Errorf("rotate in state %s", c.State())
	}

	password := c.credentials.Plaintext()
	if password == nil {
		return fmt.Errorf("rotate: credentials unavailable")
	}

	var firstErr error
	for i, pair := range c.portMap.Instances {
		established, err := func() (string, error) {
			conn, err := torctl.Dial(fmt.Sprintf("127.0.0.1:%d", pair.ControlPort), c.opts.ProbeTimeout)
			if err != nil {
				return "", err
			}
			defer conn.Close()
			if err := conn.Authenticate(password); err != nil {
				return "", err
			}
			if err := conn.Signal("NEWNYM"); err != nil {
				return "", err
			}
			// Circuits rebuild asynchronously after NEWNYM; report where
			// this instance stands so the operator can tell a rotation
			// from an outage.
			return conn.GetInfo("status/circuit-established")
		}()
		if err != nil {
			c.log.Warn().Int("index", i).Err(err).Msg("rotate.failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("instance %d: %w", i, err)
			}
			continue
		}
		c.log.Info().Int("index", i).Str("circuit_established", established).Msg("rotate.ok")
	}
	return firstErr
}

// Cleanup removes the run directory. Called after the event log is no
// longer needed; a failed run keeps its directory for inspection.
func (c *Coordinator) Cleanup() {
	if c.events != nil {
		c.events.Close()
	}
	c.mu.Lock()
	stopped := c.state == StateStopped
	c.mu.Unlock()
	if stopped && c.runDir != "" {
		os.RemoveAll(c.runDir)
	}
}

// newRunID produces a unique, sortable run identifier.
func newRunID() string {
	var suffix [3]byte
	rand.Read(suffix[:])
	return fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("20060102-150405"), hex.EncodeToString(suffix[:]))
}
