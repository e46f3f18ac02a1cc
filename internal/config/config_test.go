package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func validOptions(t *testing.T) Options {
	t.Helper()
	opts := Default()
	opts.TemplatesDir = t.TempDir()
	opts.RunDir = t.TempDir()
	return opts
}

func TestDefaults(t *testing.T) {
	opts := Default()

	if opts.Instances != 2 {
		t.Errorf("Instances = %d, want 2", opts.Instances)
	}
	if opts.SocksBasePort != 9000 {
		t.Errorf("SocksBasePort = %d, want 9000", opts.SocksBasePort)
	}
	if opts.ControlBasePort != 9900 {
		t.Errorf("ControlBasePort = %d, want 9900", opts.ControlBasePort)
	}
	if opts.LBFrontPort != 16379 {
		t.Errorf("LBFrontPort = %d, want 16379", opts.LBFrontPort)
	}
	if opts.FilterListenPort != 8119 {
		t.Errorf("FilterListenPort = %d, want 8119", opts.FilterListenPort)
	}
	if opts.BootstrapTimeout != 90*time.Second {
		t.Errorf("BootstrapTimeout = %v, want 90s", opts.BootstrapTimeout)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "torpool.yaml")
	content := `
instances: 4
socksBasePort: 9100
filterListenPort: 0
templatesDir: /etc/torpool/templates
runDir: /var/run/torpool
binaries:
  tor: /opt/tor/bin/tor
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	opts, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if opts.Instances != 4 {
		t.Errorf("Instances = %d, want 4", opts.Instances)
	}
	if opts.SocksBasePort != 9100 {
		t.Errorf("SocksBasePort = %d, want 9100", opts.SocksBasePort)
	}
	if opts.FilterListenPort != 0 {
		t.Errorf("FilterListenPort = %d, want 0", opts.FilterListenPort)
	}
	if opts.Binaries.Tor != "/opt/tor/bin/tor" {
		t.Errorf("Binaries.Tor = %q", opts.Binaries.Tor)
	}
	// Untouched options keep their defaults.
	if opts.ControlBasePort != 9900 {
		t.Errorf("ControlBasePort = %d, want default 9900", opts.ControlBasePort)
	}
}

func TestLoadDurations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "torpool.yaml")
	content := `
bootstrapTimeout: 2m
grace: 5s
templatesDir: /etc/torpool/templates
runDir: /var/run/torpool
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	opts, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if opts.BootstrapTimeout != 2*time.Minute {
		t.Errorf("BootstrapTimeout = %v, want 2m", opts.BootstrapTimeout)
	}
	if opts.Grace != 5*time.Second {
		t.Errorf("Grace = %v, want 5s", opts.Grace)
	}
	// Unset durations keep their defaults.
	if opts.HealthInterval != 10*time.Second {
		t.Errorf("HealthInterval = %v, want default 10s", opts.HealthInterval)
	}
}

func TestLoadBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "torpool.yaml")
	if err := os.WriteFile(path, []byte("grace: quickly\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load should reject an unparsable duration")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load should fail for a missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		option string
	}{
		{"zero instances", func(o *Options) { o.Instances = 0 }, "instances"},
		{"too many instances", func(o *Options) { o.Instances = 65 }, "instances"},
		{"bad socks base", func(o *Options) { o.SocksBasePort = 0 }, "socksBasePort"},
		{"bad lb port", func(o *Options) { o.LBFrontPort = 70000 }, "lbFrontPort"},
		{"negative filter port", func(o *Options) { o.FilterListenPort = -1 }, "filterListenPort"},
		{"missing templates dir", func(o *Options) { o.TemplatesDir = "" }, "templatesDir"},
		{"missing run dir", func(o *Options) { o.RunDir = "" }, "runDir"},
		{"zero grace", func(o *Options) { o.Grace = 0 }, "grace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := validOptions(t)
			tt.mutate(&opts)

			err := opts.Validate()
			if err == nil {
				t.Fatal("Validate should have failed")
			}
			var ice *InvalidConfigError
			if !errors.As(err, &ice) {
				t.Fatalf("expected InvalidConfigError, got %T", err)
			}
			if ice.Option != tt.option {
				t.Errorf("Option = %q, want %q", ice.Option, tt.option)
			}
		})
	}

	opts := validOptions(t)
	if err := opts.Validate(); err != nil {
		t.Errorf("valid options rejected: %v", err)
	}
}

func TestResolveBinaries(t *testing.T) {
	binDir := t.TempDir()
	writeScript(t, binDir, "tor")
	writeScript(t, binDir, "haproxy")
	writeScript(t, binDir, "privoxy")
	writeScript(t, binDir, "iptables")
	writeScript(t, binDir, "pfctl")
	writeScript(t, binDir, "route")

	opts := validOptions(t)

	rb, err := opts.Resolve([]string{binDir})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rb.Tor != filepath.Join(binDir, "tor") {
		t.Errorf("Tor = %q", rb.Tor)
	}
	if rb.Privoxy == "" {
		t.Error("Privoxy should be resolved when the filter is enabled")
	}
}

func TestResolveFilterDisabled(t *testing.T) {
	binDir := t.TempDir()
	writeScript(t, binDir, "tor")
	writeScript(t, binDir, "haproxy")
	writeScript(t, binDir, "iptables")
	writeScript(t, binDir, "pfctl")
	writeScript(t, binDir, "route")

	opts := validOptions(t)
	opts.FilterListenPort = 0

	rb, err := opts.Resolve([]string{binDir})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rb.Privoxy != "" {
		t.Errorf("Privoxy = %q, want empty when filter is disabled", rb.Privoxy)
	}
}

func TestResolveMissingBinary(t *testing.T) {
	binDir := t.TempDir()
	writeScript(t, binDir, "haproxy")

	opts := validOptions(t)
	opts.NoRedirect = true

	_, err := opts.Resolve([]string{binDir})
	if err == nil {
		t.Fatal("Resolve should fail when tor is missing")
	}
	var mbe *MissingBinaryError
	if !errors.As(err, &mbe) {
		t.Fatalf("expected MissingBinaryError, got %T", err)
	}
	if mbe.Name != "tor" {
		t.Errorf("Name = %q, want tor", mbe.Name)
	}
}

func TestResolveNotExecutable(t *testing.T) {
	binDir := t.TempDir()
	torPath := filepath.Join(binDir, "tor")
	if err := os.WriteFile(torPath, []byte("not a binary"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	opts := validOptions(t)
	opts.Binaries.Tor = torPath

	_, err := opts.Resolve([]string{binDir})
	var mbe *MissingBinaryError
	if !errors.As(err, &mbe) {
		t.Fatalf("expected MissingBinaryError for non-executable file, got %v", err)
	}
}
