package redirect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// publicResolvers is written into resolv.conf while redirection is active,
// so stub resolvers pointed at the old infrastructure cannot leak queries.
const publicResolvers = "nameserver 1.1.1.1\nnameserver 9.9.9.9\n"

// darwinRedirector drives pf. The primary interface is resolved once at
// Install and pinned for the whole run; an interface change while active
// is not handled.
type darwinRedirector struct {
	run      Runner
	pfctl    string
	route    string
	lbPort   int
	dnsPort  int
	rulesDir string
	resolv   string
	log      zerolog.Logger

	active        bool
	snapshotTaken bool
	pfWasEnabled  bool
	resolvBackup  []byte // nil when resolv.conf did not exist
	resolvExisted bool
	iface         string
}

func newDarwin(cfg Config) *darwinRedirector {
	resolv := cfg.ResolvConfPath
	if resolv == "" {
		resolv = "/etc/resolv.conf"
	}
	return &darwinRedirector{
		run:      cfg.Runner,
		pfctl:    cfg.PfctlPath,
		route:    cfg.RoutePath,
		lbPort:   cfg.LBFrontPort,
		dnsPort:  cfg.DNSPort,
		rulesDir: cfg.RulesDir,
		resolv:   resolv,
		log:      cfg.Logger,
	}
}

func (d *darwinRedirector) Install(ctx context.Context) error {
	if d.active {
		return ErrAlreadyActive
	}

	// Snapshot before any mutation: pf enable state and resolver config.
	info, err := d.run.Run(ctx, d.pfctl, "-s", "info")
	if err != nil {
		return &InstallError{Err: fmt.Errorf("read pf status: %w", err)}
	}
	pfWasEnabled := strings.Contains(string(info), "Status: Enabled")

	resolvBackup, resolvErr := os.ReadFile(d.resolv)
	resolvExisted := resolvErr == nil

	iface, err := d.defaultInterface(ctx)
	if err != nil {
		return &InstallError{Err: err}
	}

	rulesPath := filepath.Join(d.rulesDir, "pf.rules")
	if err := os.WriteFile(rulesPath, []byte(d.ruleFile(iface)), 0600); err != nil {
		return &InstallError{Err: fmt.Errorf("write pf rules: %w", err)}
	}

	if _, err := d.run.Run(ctx, d.pfctl, "-f", rulesPath); err != nil {
		return &InstallError{Err: fmt.Errorf("load pf rules: %w", err)}
	}
	if _, err := d.run.Run(ctx, d.pfctl, "-E"); err != nil {
		d.run.Run(ctx, d.pfctl, "-f", "/etc/pf.conf")
		return &InstallError{Err: fmt.Errorf("enable pf: %w", err)}
	}

	// Resolver substitution is part of the same atomic unit: failure here
	// rolls the pf change back before returning.
	if err := writeFileAtomic(d.resolv, []byte(publicResolvers)); err != nil {
		if !pfWasEnabled {
			d.run.Run(ctx, d.pfctl, "-d")
		}
		d.run.Run(ctx, d.pfctl, "-f", "/etc/pf.conf")
		return &InstallError{Err: fmt.Errorf("replace resolv.conf: %w", err)}
	}

	d.pfWasEnabled = pfWasEnabled
	d.resolvBackup = resolvBackup
	d.resolvExisted = resolvExisted
	d.iface = iface
	d.snapshotTaken = true
	d.active = true
	d.log.Info().Str("iface", iface).Int("lb_port", d.lbPort).Msg("redirector.install")
	return nil
}

func (d *darwinRedirector) Restore(ctx context.Context) error {
	if !d.snapshotTaken {
		return nil
	}

	var firstErr error

	// Resolver first: DNS must point somewhere sane even if pf teardown
	// fails.
	if d.resolvExisted {
		if err := writeFileAtomic(d.resolv, d.resolvBackup); err != nil {
			firstErr = &RestoreError{Stage: "resolv.conf", Err: err}
		}
	} else {
		if err := os.Remove(d.resolv); err != nil && !os.IsNotExist(err) {
			firstErr = &RestoreError{Stage: "resolv.conf", Err: err}
		}
	}

	if d.pfWasEnabled {
		if _, err := d.run.Run(ctx, d.pfctl, "-f", "/etc/pf.conf"); err != nil && firstErr == nil {
			firstErr = &RestoreError{Stage: "pf-ruleset", Err: err}
		}
	} else {
		if _, err := d.run.Run(ctx, d.pfctl, "-d"); err != nil && firstErr == nil {
			firstErr = &RestoreError{Stage: "pf-disable", Err: err}
		}
	}

	d.snapshotTaken = false
	d.active = false
	if firstErr == nil {
		d.log.Info().Msg("redirector.restore")
	}
	return firstErr
}

func (d *darwinRedirector) Probe(ctx context.Context) error {
	out, err := d.run.Run(ctx, d.pfctl, "-s", "nat")
	if err != nil {
		return fmt.Errorf("read pf nat rules: %w", err)
	}
	if !strings.Contains(string(out), fmt.Sprintf("port %d", d.lbPort)) {
		return fmt.Errorf("redirect rule for port %d missing", d.lbPort)
	}
	return nil
}

func (d *darwinRedirector) Active() bool {
	return d.active
}

// defaultInterface asks the routing table for the primary interface.
func (d *darwinRedirector) defaultInterface(ctx context.Context) (string, error) {
	out, err := d.run.Run(ctx, d.route, "-n", "get", "default")
	if err != nil {
		return "", fmt.Errorf("resolve default interface: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "interface:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "interface:")), nil
		}
	}
	return "", fmt.Errorf("no default interface in route output")
}

// ruleFile renders the pf rdr rules for the pinned interface.
func (d *darwinRedirector) ruleFile(iface string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# torpool transparent redirection\n")
	if d.dnsPort != 0 {
		fmt.Fprintf(&b, "rdr pass on %s inet proto udp from any to any port 53 -> 127.0.0.1 port %d\n", iface, d.dnsPort)
	}
	fmt.Fprintf(&b, "rdr pass on %s inet proto tcp from any to any -> 127.0.0.1 port %d\n", iface, d.lbPort)
	fmt.Fprintf(&b, "pass out route-to lo0 inet proto tcp from %s to any\n", iface)
	return b.String()
}

// writeFileAtomic replaces path via write-new-then-rename so concurrent
// readers always see a complete file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".torpool.tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
