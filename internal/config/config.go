// Package config defines the supervisor's configuration surface: the
// options struct, YAML file loading, validation, and resolution of the
// external binaries to absolute paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults per the documented option table.
const (
	DefaultInstances        = 2
	DefaultSocksBasePort    = 9000
	DefaultControlBasePort  = 9900
	DefaultLBFrontPort      = 16379
	DefaultFilterListenPort = 8119

	DefaultBootstrapTimeout = 90 * time.Second
	DefaultHealthInterval   = 10 * time.Second
	DefaultGrace            = 10 * time.Second
	DefaultProbeTimeout     = 2 * time.Second
	DefaultStartDeadline    = 180 * time.Second
	DefaultStopDeadline     = 60 * time.Second
)

// Binaries names the external executables the supervisor drives. Values
// may be bare names (resolved against the system binary directories) or
// absolute paths. PATH is never consulted.
type Binaries struct {
	Tor      string `yaml:"tor"`
	HAProxy  string `yaml:"haproxy"`
	Privoxy  string `yaml:"privoxy"`
	Iptables string `yaml:"iptables"`
	Pfctl    string `yaml:"pfctl"`
	Route    string `yaml:"route"`
}

// Options is the single configuration input for a supervisor run.
type Options struct {
	Instances        int    `yaml:"instances"`
	SocksBasePort    int    `yaml:"socksBasePort"`
	ControlBasePort  int    `yaml:"controlBasePort"`
	LBFrontPort      int    `yaml:"lbFrontPort"`
	FilterListenPort int    `yaml:"filterListenPort"` // 0 disables the HTTP filter
	User             string `yaml:"user"`             // effective user for onion-router children

	BootstrapTimeout time.Duration `yaml:"bootstrapTimeout"`
	HealthInterval   time.Duration `yaml:"healthInterval"`
	Grace            time.Duration `yaml:"grace"`
	ProbeTimeout     time.Duration `yaml:"probeTimeout"`
	StartDeadline    time.Duration `yaml:"startDeadline"`
	StopDeadline     time.Duration `yaml:"stopDeadline"`

	TemplatesDir string `yaml:"templatesDir"`
	RunDir       string `yaml:"runDir"`

	Binaries Binaries `yaml:"binaries"`

	// NoRedirect skips the transparent-redirection stage. The proxy chain
	// still comes up; only the host firewall is left alone.
	NoRedirect bool `yaml:"noRedirect"`

	LogLevel string `yaml:"logLevel"`
}

// InvalidConfigError reports a rejected option value.
type InvalidConfigError struct {
	Option string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Option, e.Reason)
}

// MissingBinaryError reports an external binary that could not be resolved
// to an executable file.
type MissingBinaryError struct {
	Name string
	Path string
}

func (e *MissingBinaryError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("missing binary %s: %s is not an executable file", e.Name, e.Path)
	}
	return fmt.Sprintf("missing binary %s: not found in system binary directories", e.Name)
}

// Default returns an Options populated with the documented defaults.
func Default() Options {
	return Options{
		Instances:        DefaultInstances,
		SocksBasePort:    DefaultSocksBasePort,
		ControlBasePort:  DefaultControlBasePort,
		LBFrontPort:      DefaultLBFrontPort,
		FilterListenPort: DefaultFilterListenPort,
		BootstrapTimeout: DefaultBootstrapTimeout,
		HealthInterval:   DefaultHealthInterval,
		Grace:            DefaultGrace,
		ProbeTimeout:     DefaultProbeTimeout,
		StartDeadline:    DefaultStartDeadline,
		StopDeadline:     DefaultStopDeadline,
		Binaries: Binaries{
			Tor:      "tor",
			HAProxy:  "haproxy",
			Privoxy:  "privoxy",
			Iptables: "iptables",
			Pfctl:    "pfctl",
			Route:    "route",
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Options, error) {
	opts := Default()
	if path == "" {
		return opts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse config file: %w", err)
	}
	return opts, nil
}

// rawOptions mirrors Options for YAML decoding. Pointers distinguish
// "absent" from zero (filterListenPort: 0 is meaningful), and durations
// arrive as Go duration strings ("90s").
type rawOptions struct {
	Instances        *int    `yaml:"instances"`
	SocksBasePort    *int    `yaml:"socksBasePort"`
	ControlBasePort  *int    `yaml:"controlBasePort"`
	LBFrontPort      *int    `yaml:"lbFrontPort"`
	FilterListenPort *int    `yaml:"filterListenPort"`
	User             *string `yaml:"user"`

	BootstrapTimeout *string `yaml:"bootstrapTimeout"`
	HealthInterval   *string `yaml:"healthInterval"`
	Grace            *string `yaml:"grace"`
	ProbeTimeout     *string `yaml:"probeTimeout"`
	StartDeadline    *string `yaml:"startDeadline"`
	StopDeadline     *string `yaml:"stopDeadline"`

	TemplatesDir *string   `yaml:"templatesDir"`
	RunDir       *string   `yaml:"runDir"`
	Binaries     *Binaries `yaml:"binaries"`
	NoRedirect   *bool     `yaml:"noRedirect"`
	LogLevel     *string   `yaml:"logLevel"`
}

// UnmarshalYAML overlays file values onto whatever is already in o
// (normally the defaults), leaving absent keys untouched.
func (o *Options) UnmarshalYAML(value *yaml.Node) error {
	var raw rawOptions
	if err := value.Decode(&raw); err != nil {
		return err
	}

	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setStr := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setDur := func(dst *time.Duration, src *string, key string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("option %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	setInt(&o.Instances, raw.Instances)
	setInt(&o.SocksBasePort, raw.SocksBasePort)
	setInt(&o.ControlBasePort, raw.ControlBasePort)
	setInt(&o.LBFrontPort, raw.LBFrontPort)
	setInt(&o.FilterListenPort, raw.FilterListenPort)
	setStr(&o.User, raw.User)
	setStr(&o.TemplatesDir, raw.TemplatesDir)
	setStr(&o.RunDir, raw.RunDir)
	setStr(&o.LogLevel, raw.LogLevel)
	if raw.NoRedirect != nil {
		o.NoRedirect = *raw.NoRedirect
	}
	if raw.Binaries != nil {
		setStr(&o.Binaries.Tor, nonEmpty(raw.Binaries.Tor))
		setStr(&o.Binaries.HAProxy, nonEmpty(raw.Binaries.HAProxy))
		setStr(&o.Binaries.Privoxy, nonEmpty(raw.Binaries.Privoxy))
		setStr(&o.Binaries.Iptables, nonEmpty(raw.Binaries.Iptables))
		setStr(&o.Binaries.Pfctl, nonEmpty(raw.Binaries.Pfctl))
		setStr(&o.Binaries.Route, nonEmpty(raw.Binaries.Route))
	}

	for _, d := range []struct {
		dst *time.Duration
		src *string
		key string
	}{
		{&o.BootstrapTimeout, raw.BootstrapTimeout, "bootstrapTimeout"},
		{&o.HealthInterval, raw.HealthInterval, "healthInterval"},
		{&o.Grace, raw.Grace, "grace"},
		{&o.ProbeTimeout, raw.ProbeTimeout, "probeTimeout"},
		{&o.StartDeadline, raw.StartDeadline, "startDeadline"},
		{&o.StopDeadline, raw.StopDeadline, "stopDeadline"},
	} {
		if err := setDur(d.dst, d.src, d.key); err != nil {
			return err
		}
	}
	return nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Validate checks option values before any host mutation.
func (o *Options) Validate() error {
	if o.Instances < 1 {
		return &InvalidConfigError{Option: "instances", Reason: "must be at least 1"}
	}
	if o.Instances > 64 {
		return &InvalidConfigError{Option: "instances", Reason: "more than 64 instances is not supported"}
	}
	for _, p := range []struct {
		name  string
		value int
	}{
		{"socksBasePort", o.SocksBasePort},
		{"controlBasePort", o.ControlBasePort},
		{"lbFrontPort", o.LBFrontPort},
	} {
		if p.value < 1 || p.value > 65535 {
			return &InvalidConfigError{Option: p.name, Reason: "must be in 1..65535"}
		}
	}
	if o.FilterListenPort < 0 || o.FilterListenPort > 65535 {
		return &InvalidConfigError{Option: "filterListenPort", Reason: "must be in 0..65535 (0 disables the filter)"}
	}
	if o.TemplatesDir == "" {
		return &InvalidConfigError{Option: "templatesDir", Reason: "required"}
	}
	if o.RunDir == "" {
		return &InvalidConfigError{Option: "runDir", Reason: "required"}
	}
	if o.BootstrapTimeout <= 0 {
		return &InvalidConfigError{Option: "bootstrapTimeout", Reason: "must be positive"}
	}
	if o.HealthInterval <= 0 {
		return &InvalidConfigError{Option: "healthInterval", Reason: "must be positive"}
	}
	if o.Grace <= 0 {
		return &InvalidConfigError{Option: "grace", Reason: "must be positive"}
	}
	if st, err := os.Stat(o.TemplatesDir); err != nil || !st.IsDir() {
		return &InvalidConfigError{Option: "templatesDir", Reason: fmt.Sprintf("%s is not a directory", o.TemplatesDir)}
	}
	return nil
}

// systemBinDirs are the directories consulted when a binary is configured
// by bare name. PATH lookup is deliberately not used.
var systemBinDirs = []string{
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/usr/local/sbin",
	"/usr/sbin",
	"/sbin",
}

// ResolvedBinaries holds the absolute paths of every binary required for
// this run. Optional binaries (the filter when disabled, the other
// platform's packet-filter tool) are left empty.
type ResolvedBinaries struct {
	Tor      string
	HAProxy  string
	Privoxy  string
	Iptables string
	Pfctl    string
	Route    string
}

// Resolve locates every binary the run will need and returns their
// absolute paths, failing with MissingBinaryError before any host state
// has been touched.
func (o *Options) Resolve(searchDirs []string) (ResolvedBinaries, error) {
	if searchDirs == nil {
		searchDirs = systemBinDirs
	}

	var rb ResolvedBinaries
	var err error

	if rb.Tor, err = resolveBinary("tor", o.Binaries.Tor, searchDirs); err != nil {
		return rb, err
	}
	if rb.HAProxy, err = resolveBinary("haproxy", o.Binaries.HAProxy, searchDirs); err != nil {
		return rb, err
	}
	if o.FilterListenPort != 0 {
		if rb.Privoxy, err = resolveBinary("privoxy", o.Binaries.Privoxy, searchDirs); err != nil {
			return rb, err
		}
	}

	if !o.NoRedirect {
		switch runtime.GOOS {
		case "linux":
			if rb.Iptables, err = resolveBinary("iptables", o.Binaries.Iptables, searchDirs); err != nil {
				return rb, err
			}
		case "darwin":
			if rb.Pfctl, err = resolveBinary("pfctl", o.Binaries.Pfctl, searchDirs); err != nil {
				return rb, err
			}
			if rb.Route, err = resolveBinary("route", o.Binaries.Route, searchDirs); err != nil {
				return rb, err
			}
		}
	}

	return rb, nil
}

// resolveBinary turns a configured name or path into an absolute path to
// an executable regular file.
func resolveBinary(name, configured string, searchDirs []string) (string, error) {
	if configured == "" {
		configured = name
	}

	if filepath.IsAbs(configured) {
		if err := checkExecutable(configured); err != nil {
			return "", &MissingBinaryError{Name: name, Path: configured}
		}
		return configured, nil
	}

	for _, dir := range searchDirs {
		candidate := filepath.Join(dir, configured)
		if err := checkExecutable(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", &MissingBinaryError{Name: name}
}

func checkExecutable(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	if st.Mode()&0111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}
