// Package render materializes the per-run configuration files from the
// on-disk templates: one torrc per instance, the load-balancer config,
// and optionally the HTTP-filter config.
//
// Substitution is plain textual token replacement over a fixed placeholder
// set. Any unknown placeholder left in the output is a fatal error.
package render

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"torpool/internal/ports"
)

// Template file names expected under the templates directory.
const (
	TorrcTemplate   = "torrc.tmpl"
	HAProxyTemplate = "haproxy.cfg.tmpl"
	PrivoxyTemplate = "privoxy.cfg.tmpl"
)

// placeholderPattern matches anything that still looks like a placeholder
// after substitution.
var placeholderPattern = regexp.MustCompile(`\{[A-Z][A-Z0-9_]*\}`)

// TemplateNotFoundError reports a missing template file.
type TemplateNotFoundError struct {
	Path string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("template not found: %s", e.Path)
}

// RenderError reports an unknown placeholder surviving substitution.
type RenderError struct {
	File        string
	Placeholder string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: unknown placeholder %s", e.File, e.Placeholder)
}

// Inputs carries the runtime values substituted into the templates.
type Inputs struct {
	Ports      *ports.Map
	HashedPass string
	DataDirs   []string // one per instance, parallel to Ports.Instances
}

// Config is the on-disk result of a render. The directory is removed as a
// unit on teardown.
type Config struct {
	Dir         string
	TorrcPaths  []string
	HAProxyPath string
	PrivoxyPath string // empty when the filter is disabled
}

// Remove deletes the rendered directory tree.
func (c *Config) Remove() error {
	if c == nil || c.Dir == "" {
		return nil
	}
	return os.RemoveAll(c.Dir)
}

// Renderer expands the three templates into a run directory.
type Renderer struct {
	TemplatesDir string
}

// Render writes torrc-<i> for every instance, haproxy.cfg, and (when the
// filter port is set) privoxy.cfg under dir. Files are created 0600, the
// directory 0700.
func (r *Renderer) Render(dir string, in Inputs) (*Config, error) {
	if len(in.DataDirs) != len(in.Ports.Instances) {
		return nil, fmt.Errorf("have %d data dirs for %d instances", len(in.DataDirs), len(in.Ports.Instances))
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create render directory: %w", err)
	}

	cfg := &Config{Dir: dir}
	cleanup := func() { os.RemoveAll(dir) }

	torrcTmpl, err := r.load(TorrcTemplate)
	if err != nil {
		cleanup()
		return nil, err
	}

	for i, pair := range in.Ports.Instances {
		dnsPort := 0
		if i == 0 {
			dnsPort = in.Ports.DNSPort
		}
		content, err := substitute(torrcTmpl, map[string]string{
			"{SOCKS_PORT}":            fmt.Sprint(pair.SocksPort),
			"{CONTROL_PORT}":          fmt.Sprint(pair.ControlPort),
			"{DNS_PORT}":              fmt.Sprint(dnsPort),
			"{CONTROL_PASSWORD_HASH}": in.HashedPass,
			"{DATA_DIR}":              in.DataDirs[i],
		}, TorrcTemplate)
		if err != nil {
			cleanup()
			return nil, err
		}

		path := filepath.Join(dir, fmt.Sprintf("torrc-%d", i))
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			cleanup()
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		cfg.TorrcPaths = append(cfg.TorrcPaths, path)
	}

	haproxyTmpl, err := r.load(HAProxyTemplate)
	if err != nil {
		cleanup()
		return nil, err
	}
	content, err := substitute(haproxyTmpl, map[string]string{
		"{LB_FRONT_PORT}": fmt.Sprint(in.Ports.LBFrontPort),
		"{BACKENDS}":      backendLines(in.Ports.SocksPorts()),
	}, HAProxyTemplate)
	if err != nil {
		cleanup()
		return nil, err
	}
	cfg.HAProxyPath = filepath.Join(dir, "haproxy.cfg")
	if err := os.WriteFile(cfg.HAProxyPath, []byte(content), 0600); err != nil {
		cleanup()
		return nil, fmt.Errorf("write haproxy.cfg: %w", err)
	}

	if in.Ports.FilterListenPort != 0 {
		privoxyTmpl, err := r.load(PrivoxyTemplate)
		if err != nil {
			cleanup()
			return nil, err
		}
		content, err := substitute(privoxyTmpl, map[string]string{
			"{FILTER_LISTEN_PORT}": fmt.Sprint(in.Ports.FilterListenPort),
			"{LB_FRONT_PORT}":      fmt.Sprint(in.Ports.LBFrontPort),
		}, PrivoxyTemplate)
		if err != nil {
			cleanup()
			return nil, err
		}
		cfg.PrivoxyPath = filepath.Join(dir, "privoxy.cfg")
		if err := os.WriteFile(cfg.PrivoxyPath, []byte(content), 0600); err != nil {
			cleanup()
			return nil, fmt.Errorf("write privoxy.cfg: %w", err)
		}
	}

	return cfg, nil
}

func (r *Renderer) load(name string) (string, error) {
	path := filepath.Join(r.TemplatesDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &TemplateNotFoundError{Path: path}
		}
		return "", fmt.Errorf("read template %s: %w", path, err)
	}
	return string(data), nil
}

// substitute applies the replacement map and fails closed on any
// placeholder-shaped token left over.
func substitute(tmpl string, repl map[string]string, file string) (string, error) {
	out := tmpl
	for token, value := range repl {
		out = strings.ReplaceAll(out, token, value)
	}
	if leftover := placeholderPattern.FindString(out); leftover != "" {
		return "", &RenderError{File: file, Placeholder: leftover}
	}
	return out, nil
}

// backendLines expands the SOCKS backend list into haproxy server lines.
func backendLines(socksPorts []int) string {
	lines := make([]string, len(socksPorts))
	for i, port := range socksPorts {
		lines[i] = fmt.Sprintf("    server s%d 127.0.0.1:%d check", i, port)
	}
	return strings.Join(lines, "\n")
}
