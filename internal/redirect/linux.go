package redirect

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// linuxRedirector drives the iptables NAT table. Every rule it adds
// carries a sentinel comment so teardown and probing can identify it.
type linuxRedirector struct {
	run      Runner
	iptables string
	lbPort   int
	dnsPort  int
	sentinel string
	log      zerolog.Logger

	active   bool
	snapshot []string // `iptables -t nat -S` output, captured before mutation
}

func newLinux(cfg Config) *linuxRedirector {
	return &linuxRedirector{
		run:      cfg.Runner,
		iptables: cfg.IptablesPath,
		lbPort:   cfg.LBFrontPort,
		dnsPort:  cfg.DNSPort,
		sentinel: "torpool-" + cfg.RunID,
		log:      cfg.Logger,
	}
}

// rfc1918 are the private ranges excluded from redirection, plus loopback.
var rfc1918 = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
}

// ruleSet returns the argument lists (without the leading "-t nat -A
// OUTPUT") for every rule this run installs, in application order.
func (l *linuxRedirector) ruleSet() [][]string {
	var rules [][]string

	rules = append(rules, []string{"-o", "lo", "-j", "RETURN"})
	for _, cidr := range rfc1918 {
		rules = append(rules, []string{"-d", cidr, "-j", "RETURN"})
	}
	if l.dnsPort != 0 {
		rules = append(rules, []string{"-p", "udp", "--dport", "53", "-j", "REDIRECT", "--to-ports", fmt.Sprint(l.dnsPort)})
	}
	rules = append(rules, []string{"-p", "tcp", "--syn", "-j", "REDIRECT", "--to-ports", fmt.Sprint(l.lbPort)})
	return rules
}

func (l *linuxRedirector) tagged(rule []string) []string {
	return append(append([]string{}, rule...), "-m", "comment", "--comment", l.sentinel)
}

func (l *linuxRedirector) Install(ctx context.Context) error {
	if l.active {
		return ErrAlreadyActive
	}

	// Snapshot strictly before any mutation.
	out, err := l.run.Run(ctx, l.iptables, "-t", "nat", "-S")
	if err != nil {
		return &InstallError{Err: fmt.Errorf("snapshot nat table: %w", err)}
	}
	snapshot := strings.Split(strings.TrimRight(string(out), "\n"), "\n")

	var installed [][]string
	for _, rule := range l.ruleSet() {
		args := append([]string{"-t", "nat", "-A", "OUTPUT"}, l.tagged(rule)...)
		if _, err := l.run.Run(ctx, l.iptables, args...); err != nil {
			// Atomic unit: remove everything this call added.
			for i := len(installed) - 1; i >= 0; i-- {
				del := append([]string{"-t", "nat", "-D", "OUTPUT"}, l.tagged(installed[i])...)
				if _, derr := l.run.Run(ctx, l.iptables, del...); derr != nil {
					l.log.Error().Err(derr).Msg("redirector.unwind_failed")
				}
			}
			return &InstallError{Err: fmt.Errorf("append nat rule: %w", err)}
		}
		installed = append(installed, rule)
	}

	l.snapshot = snapshot
	l.active = true
	l.log.Info().Int("rules", len(installed)).Int("lb_port", l.lbPort).Msg("redirector.install")
	return nil
}

func (l *linuxRedirector) Restore(ctx context.Context) error {
	if l.snapshot == nil {
		return nil
	}

	// Flush first: partial redirect rules must never survive, even if the
	// snapshot cannot be replayed afterwards.
	if _, err := l.run.Run(ctx, l.iptables, "-t", "nat", "-F"); err != nil {
		return &RestoreError{Stage: "nat-flush", Err: err}
	}

	for _, line := range l.snapshot {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := splitRule(line)
		switch fields[0] {
		case "-P":
			if _, err := l.run.Run(ctx, l.iptables, append([]string{"-t", "nat"}, fields...)...); err != nil {
				return &RestoreError{Stage: "nat-replay", Err: err}
			}
		case "-N":
			// User chain; may already exist after the flush.
			l.run.Run(ctx, l.iptables, append([]string{"-t", "nat"}, fields...)...)
		case "-A":
			if _, err := l.run.Run(ctx, l.iptables, append([]string{"-t", "nat"}, fields...)...); err != nil {
				return &RestoreError{Stage: "nat-replay", Err: err}
			}
		}
	}

	l.snapshot = nil
	l.active = false
	l.log.Info().Msg("redirector.restore")
	return nil
}

func (l *linuxRedirector) Probe(ctx context.Context) error {
	args := append([]string{"-t", "nat", "-C", "OUTPUT"},
		l.tagged([]string{"-p", "tcp", "--syn", "-j", "REDIRECT", "--to-ports", fmt.Sprint(l.lbPort)})...)
	if _, err := l.run.Run(ctx, l.iptables, args...); err != nil {
		return fmt.Errorf("redirect rule missing: %w", err)
	}
	return nil
}

func (l *linuxRedirector) Active() bool {
	return l.active
}

// splitRule tokenizes one `iptables -S` line, honoring double quotes
// around comment values.
func splitRule(line string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}
