// Package instance supervises a single onion-router process: spawn,
// bootstrap readiness, periodic health probing, one in-place restart, and
// graceful termination.
package instance

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"torpool/internal/proc"
	"torpool/pkg/torctl"
)

// Role distinguishes the plain SOCKS instances from the one that also
// serves DNS.
type Role int

const (
	RoleSocks Role = iota
	RoleDNS
)

// State is the lifecycle state of an instance.
type State int

const (
	Pending State = iota
	Starting
	Ready
	Degraded
	Terminating
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Terminating:
		return "terminating"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Spec is the immutable description of one instance.
type Spec struct {
	Index       int
	SocksPort   int
	ControlPort int
	DNSPort     int // 0 unless Role is RoleDNS
	DataDir     string
	TorrcPath   string
	LogPath     string
	Role        Role
}

// Health is a point-in-time view of an instance.
type Health struct {
	Index            int
	State            State
	PID              int
	StartedAt        time.Time
	LastProbe        time.Time
	ConsecutiveFails int
	Restarts         int
}

// EventKind classifies health events surfaced to the pool.
type EventKind int

const (
	EventReady EventKind = iota
	EventDegraded
	EventRestarted
	EventCrashed
	EventFailed
)

// Event is a health transition notification.
type Event struct {
	Index int
	Kind  EventKind
	Err   error
}

// SpawnError reports a failed exec of the onion-router binary.
type SpawnError struct {
	Index int
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("instance %d: spawn failed: %v", e.Index, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// BootstrapTimeoutError reports that an instance never became ready.
type BootstrapTimeoutError struct {
	Index   int
	Timeout time.Duration
}

func (e *BootstrapTimeoutError) Error() string {
	return fmt.Sprintf("instance %d: bootstrap did not complete within %v", e.Index, e.Timeout)
}

// CrashError reports an instance child that exited on its own.
type CrashError struct {
	Index    int
	ExitCode int
	Signal   string
}

func (e *CrashError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("instance %d: crashed (signal %s)", e.Index, e.Signal)
	}
	return fmt.Sprintf("instance %d: crashed (exit code %d)", e.Index, e.ExitCode)
}

// DataDirOwnershipError reports a data directory owned by the wrong user.
type DataDirOwnershipError struct {
	Dir      string
	OwnerUID int
	WantUID  int
}

func (e *DataDirOwnershipError) Error() string {
	return fmt.Sprintf("data dir %s owned by uid %d, want uid %d", e.Dir, e.OwnerUID, e.WantUID)
}

// HealthLostError reports an instance that stayed unhealthy after its
// one in-place restart.
type HealthLostError struct {
	Index int
}

func (e *HealthLostError) Error() string {
	return fmt.Sprintf("instance %d: health lost", e.Index)
}

// Config assembles a Supervisor.
type Config struct {
	Spec    Spec
	TorPath string

	// Password yields the control-port plaintext for AUTHENTICATE probes.
	Password func() []byte

	// Credential switches the child to another user (nil = inherit).
	Credential *syscall.Credential

	BootstrapTimeout time.Duration
	ProbeTimeout     time.Duration
	HealthInterval   time.Duration
	Grace            time.Duration

	Logger zerolog.Logger
}

// Supervisor owns one onion-router child process.
type Supervisor struct {
	spec Spec
	cfg  Config
	log  zerolog.Logger

	events chan Event

	mu        sync.Mutex
	state     State
	child     *proc.Child
	restarts  int
	fails     int
	lastProbe time.Time
	probing   bool

	stopOnce sync.Once
	stopCh   chan struct{}

	degradedCh chan struct{}

	// probe is the readiness/health probe, replaceable in tests.
	probe func() error
}

// New creates a Supervisor in the Pending state.
func New(cfg Config) *Supervisor {
	s := &Supervisor{
		spec:       cfg.Spec,
		cfg:        cfg,
		log:        cfg.Logger,
		events:     make(chan Event, 16),
		state:      Pending,
		stopCh:     make(chan struct{}),
		degradedCh: make(chan struct{}, 1),
	}
	s.probe = s.defaultProbe
	return s
}

// Events delivers health transitions to the pool. Never closed.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Health returns a snapshot of the instance state.
func (s *Supervisor) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Health{
		Index:            s.spec.Index,
		State:            s.state,
		LastProbe:        s.lastProbe,
		ConsecutiveFails: s.fails,
		Restarts:         s.restarts,
	}
	if s.child != nil && s.state != Stopped && s.state != Failed && s.state != Pending {
		h.PID = s.child.PID()
		h.StartedAt = s.child.StartedAt()
	}
	return h
}

// Spec returns the immutable instance description.
func (s *Supervisor) Spec() Spec {
	return s.spec
}

// Start spawns the child and blocks until it is Ready, the bootstrap
// deadline passes, or ctx is cancelled. On success the health loop keeps
// running until Stop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Pending {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("instance %d: start from state %s", s.spec.Index, state)
	}
	s.state = Starting
	s.mu.Unlock()

	if err := s.ensureDataDir(); err != nil {
		s.fail(err)
		return err
	}

	child, err := s.spawn()
	if err != nil {
		serr := &SpawnError{Index: s.spec.Index, Err: err}
		s.fail(serr)
		return serr
	}

	s.mu.Lock()
	s.child = child
	s.mu.Unlock()

	s.log.Info().Int("index", s.spec.Index).Int("pid", child.PID()).
		Int("socks_port", s.spec.SocksPort).Int("control_port", s.spec.ControlPort).
		Msg("instance.start")

	if err := s.waitReady(ctx, child); err != nil {
		child.Stop(s.cfg.Grace)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.state = Ready
	s.fails = 0
	s.mu.Unlock()

	s.emit(Event{Index: s.spec.Index, Kind: EventReady})
	s.log.Info().Int("index", s.spec.Index).Msg("instance.ready")

	go s.healthLoop()
	return nil
}

// Stop terminates the child (SIGTERM, grace, SIGKILL) and ends the health
// loop. The data directory is left in place. Idempotent.
func (s *Supervisor) Stop(grace time.Duration) {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	if s.state == Stopped || s.state == Failed || s.state == Pending {
		s.mu.Unlock()
		return
	}
	s.state = Terminating
	child := s.child
	s.mu.Unlock()

	if child != nil {
		status := child.Stop(grace)
		s.log.Info().Int("index", s.spec.Index).Str("status", status.String()).Msg("instance.stop")
	}

	s.mu.Lock()
	s.state = Stopped
	s.mu.Unlock()
}

// ensureDataDir creates the instance data directory 0700 and verifies its
// ownership matches the user the child will run as.
func (s *Supervisor) ensureDataDir() error {
	if err := os.MkdirAll(s.spec.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.Chmod(s.spec.DataDir, 0700); err != nil {
		return fmt.Errorf("chmod data dir: %w", err)
	}

	wantUID := os.Geteuid()
	if s.cfg.Credential != nil {
		wantUID = int(s.cfg.Credential.Uid)
	}

	st, err := os.Stat(s.spec.DataDir)
	if err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	sys, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	owner := int(sys.Uid)
	if owner != wantUID && os.Geteuid() == 0 {
		// Running as root we hand the remnant over instead of failing. Only
		// the directory itself is chowned; its contents keep their owners.
		if err := os.Chown(s.spec.DataDir, wantUID, int(sys.Gid)); err != nil {
			return &DataDirOwnershipError{Dir: s.spec.DataDir, OwnerUID: owner, WantUID: wantUID}
		}
		return nil
	}
	if owner != wantUID {
		return &DataDirOwnershipError{Dir: s.spec.DataDir, OwnerUID: owner, WantUID: wantUID}
	}
	return nil
}

func (s *Supervisor) spawn() (*proc.Child, error) {
	return proc.Start(proc.Spec{
		Path:       s.cfg.TorPath,
		Args:       []string{"-f", s.spec.TorrcPath},
		Dir:        s.spec.DataDir,
		Env:        scrubEnv(os.Environ()),
		LogPath:    s.spec.LogPath,
		Credential: s.cfg.Credential,
	})
}

// waitReady blocks until the bootstrap marker appears in the log, a
// readiness probe succeeds, the child dies, or the deadline passes.
func (s *Supervisor) waitReady(ctx context.Context, child *proc.Child) error {
	var foundCh <-chan struct{}
	tailer, err := NewTailer(s.spec.LogPath, BootstrapMarker)
	if err == nil {
		foundCh = tailer.Found()
		defer tailer.Stop()
	} else {
		s.log.Warn().Int("index", s.spec.Index).Err(err).Msg("instance.tail_unavailable")
	}

	deadline := time.NewTimer(s.cfg.BootstrapTimeout)
	defer deadline.Stop()
	probeTicker := time.NewTicker(2 * time.Second)
	defer probeTicker.Stop()

	for {
		select {
		case <-foundCh:
			return nil
		case <-probeTicker.C:
			if s.probe() == nil {
				return nil
			}
		case <-child.Wait():
			_, status := child.Exited()
			return &CrashError{Index: s.spec.Index, ExitCode: status.Code, Signal: status.Signal}
		case <-deadline.C:
			return &BootstrapTimeoutError{Index: s.spec.Index, Timeout: s.cfg.BootstrapTimeout}
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return fmt.Errorf("instance %d: stopped during bootstrap", s.spec.Index)
		}
	}
}

// healthLoop probes the instance every HealthInterval with at most one
// outstanding probe, and recovers from crashes and degradation with a
// single in-place restart.
func (s *Supervisor) healthLoop() {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		child := s.child
		s.mu.Unlock()

		var waitCh <-chan proc.ExitStatus
		if child != nil {
			waitCh = child.Wait()
		}

		select {
		case <-s.stopCh:
			return

		case <-waitCh:
			_, status := child.Exited()
			s.mu.Lock()
			terminating := s.state == Terminating || s.state == Stopped
			s.mu.Unlock()
			if terminating {
				return
			}
			crash := &CrashError{Index: s.spec.Index, ExitCode: status.Code, Signal: status.Signal}
			s.emit(Event{Index: s.spec.Index, Kind: EventCrashed, Err: crash})
			s.log.Warn().Int("index", s.spec.Index).Str("status", status.String()).Msg("instance.crashed")
			if !s.recover(crash) {
				return
			}

		case <-s.degradedCh:
			if !s.recover(&HealthLostError{Index: s.spec.Index}) {
				return
			}

		case <-ticker.C:
			s.mu.Lock()
			busy := s.probing || s.state != Ready && s.state != Degraded
			if !busy {
				s.probing = true
			}
			s.mu.Unlock()
			if busy {
				continue
			}
			go s.runProbe()
		}
	}
}

// runProbe executes one health probe and records the outcome.
func (s *Supervisor) runProbe() {
	err := s.probe()

	s.mu.Lock()
	s.probing = false
	s.lastProbe = time.Now()
	if err == nil {
		s.fails = 0
		if s.state == Degraded {
			s.state = Ready
		}
		s.mu.Unlock()
		return
	}
	s.fails++
	fails := s.fails
	s.mu.Unlock()

	s.log.Debug().Int("index", s.spec.Index).Int("fails", fails).Err(err).Msg("instance.probe_failed")

	if fails == 2 {
		s.mu.Lock()
		if s.state == Ready {
			s.state = Degraded
		}
		s.mu.Unlock()
		s.emit(Event{Index: s.spec.Index, Kind: EventDegraded})
		s.log.Warn().Int("index", s.spec.Index).Msg("instance.degraded")

		select {
		case s.degradedCh <- struct{}{}:
		default:
		}
	}
}

// recover performs the single allowed in-place restart. Returns false when
// the supervisor has given up (instance Failed, health loop exits).
func (s *Supervisor) recover(cause error) bool {
	select {
	case <-s.stopCh:
		return false
	default:
	}

	s.mu.Lock()
	if s.restarts >= 1 {
		s.state = Failed
		s.mu.Unlock()
		s.emit(Event{Index: s.spec.Index, Kind: EventFailed, Err: cause})
		s.log.Error().Int("index", s.spec.Index).Err(cause).Msg("instance.failed")
		return false
	}
	s.restarts++
	old := s.child
	s.mu.Unlock()

	s.log.Warn().Int("index", s.spec.Index).Err(cause).Msg("instance.restart")

	if old != nil {
		old.Stop(s.cfg.Grace)
	}

	child, err := s.spawn()
	if err != nil {
		s.mu.Lock()
		s.state = Failed
		s.mu.Unlock()
		s.emit(Event{Index: s.spec.Index, Kind: EventFailed, Err: &SpawnError{Index: s.spec.Index, Err: err}})
		return false
	}

	s.mu.Lock()
	s.child = child
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BootstrapTimeout)
	defer cancel()
	if err := s.waitReady(ctx, child); err != nil {
		child.Stop(s.cfg.Grace)
		s.mu.Lock()
		s.state = Failed
		s.mu.Unlock()
		s.emit(Event{Index: s.spec.Index, Kind: EventFailed, Err: err})
		return false
	}

	s.mu.Lock()
	s.state = Ready
	s.fails = 0
	s.mu.Unlock()
	s.emit(Event{Index: s.spec.Index, Kind: EventRestarted})
	s.log.Info().Int("index", s.spec.Index).Msg("instance.restarted")
	return true
}

// defaultProbe checks the SOCKS port with a bare connect and the control
// port with an authenticated exchange; the DNS-role instance additionally
// answers a real query.
func (s *Supervisor) defaultProbe() error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.spec.SocksPort), s.cfg.ProbeTimeout)
	if err != nil {
		return fmt.Errorf("socks probe: %w", err)
	}
	conn.Close()

	ctl, err := torctl.Dial(fmt.Sprintf("127.0.0.1:%d", s.spec.ControlPort), s.cfg.ProbeTimeout)
	if err != nil {
		return fmt.Errorf("control probe: %w", err)
	}
	defer ctl.Close()

	password := s.cfg.Password()
	if password == nil {
		return fmt.Errorf("control probe: password unavailable")
	}
	if err := ctl.Authenticate(password); err != nil {
		return fmt.Errorf("control probe: %w", err)
	}

	if s.spec.Role == RoleDNS && s.spec.DNSPort != 0 {
		if err := s.dnsProbe(); err != nil {
			return fmt.Errorf("dns probe: %w", err)
		}
	}
	return nil
}

// dnsProbe sends one recursive query to the instance's DNSPort. Any
// well-formed response counts as alive; resolution results are not
// interpreted.
func (s *Supervisor) dnsProbe() error {
	client := &dns.Client{Net: "udp", Timeout: s.cfg.ProbeTimeout}
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.RecursionDesired = true
	_, _, err := client.Exchange(msg, fmt.Sprintf("127.0.0.1:%d", s.spec.DNSPort))
	return err
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.state = Failed
	s.mu.Unlock()
	s.emit(Event{Index: s.spec.Index, Kind: EventFailed, Err: err})
}

func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// envAllowlist is the environment passed to onion-router children.
// Everything else is dropped; the child needs nothing more and must not
// inherit proxy or credential variables from the invoking shell.
var envAllowlist = map[string]bool{
	"PATH":   true,
	"HOME":   true,
	"LANG":   true,
	"LC_ALL": true,
	"TERM":   true,
	"TZ":     true,
	"USER":   true,
}

func scrubEnv(env []string) []string {
	scrubbed := make([]string, 0, len(env))
	for _, entry := range env {
		key := entry
		if idx := strings.IndexByte(entry, '='); idx >= 0 {
			key = entry[:idx]
		}
		if envAllowlist[key] {
			scrubbed = append(scrubbed, entry)
		}
	}
	return scrubbed
}
