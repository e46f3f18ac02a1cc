package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"torpool/internal/config"
	"torpool/internal/coordinator"
	"torpool/pkg/logger"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Bring the proxy chain up and redirect host traffic through it",
	Long: `Starts the instance pool, the load balancer, the optional HTTP
filter, and installs the transparent-redirection rules. Runs until SIGINT
or SIGTERM, then tears everything down in reverse order and restores the
host state. SIGHUP rotates all circuits (new identity).`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().IntP("instances", "n", 0, "number of onion-router instances")
	upCmd.Flags().Int("socks-base-port", 0, "base port for SOCKS allocation")
	upCmd.Flags().Int("control-base-port", 0, "base port for control allocation")
	upCmd.Flags().Int("lb-front-port", 0, "load-balancer front-end port")
	upCmd.Flags().Int("filter-listen-port", -1, "HTTP filter port (0 disables the filter)")
	upCmd.Flags().String("user", "", "effective user for onion-router children")
	upCmd.Flags().String("templates-dir", "", "directory with torrc/haproxy/privoxy templates")
	upCmd.Flags().String("run-dir", "", "root for rendered configs and logs")
	upCmd.Flags().Bool("no-redirect", false, "skip firewall redirection (proxy chain only)")
	upCmd.Flags().Bool("clean-stale", false, "remove leftover run directories from crashed runs")
}

// handleStaleRuns reports run directories left behind by crashed runs and
// removes them when asked to.
func handleStaleRuns(runDir string, clean bool) {
	matches, err := filepath.Glob(filepath.Join(runDir, "run-*"))
	if err != nil || len(matches) == 0 {
		return
	}
	if !clean {
		fmt.Fprintf(os.Stderr, "torpool: %d stale run directories under %s (rerun with --clean-stale to remove)\n",
			len(matches), runDir)
		return
	}
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			fmt.Fprintf(os.Stderr, "torpool: remove %s: %v\n", m, err)
		}
	}
}

func loadOptions(cmd *cobra.Command) (config.Options, error) {
	opts, err := config.Load(cfgFile)
	if err != nil {
		return opts, err
	}

	if n, _ := cmd.Flags().GetInt("instances"); n > 0 {
		opts.Instances = n
	}
	if p, _ := cmd.Flags().GetInt("socks-base-port"); p > 0 {
		opts.SocksBasePort = p
	}
	if p, _ := cmd.Flags().GetInt("control-base-port"); p > 0 {
		opts.ControlBasePort = p
	}
	if p, _ := cmd.Flags().GetInt("lb-front-port"); p > 0 {
		opts.LBFrontPort = p
	}
	if p, _ := cmd.Flags().GetInt("filter-listen-port"); p >= 0 && cmd.Flags().Changed("filter-listen-port") {
		opts.FilterListenPort = p
	}
	if u, _ := cmd.Flags().GetString("user"); u != "" {
		opts.User = u
	}
	if d, _ := cmd.Flags().GetString("templates-dir"); d != "" {
		opts.TemplatesDir = d
	}
	if d, _ := cmd.Flags().GetString("run-dir"); d != "" {
		opts.RunDir = d
	}
	if nr, _ := cmd.Flags().GetBool("no-redirect"); nr {
		opts.NoRedirect = true
	}
	if verbose {
		opts.LogLevel = "debug"
	}
	return opts, nil
}

func runUp(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions(cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "torpool:", err)
		os.Exit(coordinator.ExitPrecondition)
	}

	if err := logger.Init(logger.Config{Level: opts.LogLevel}); err != nil {
		fmt.Fprintln(os.Stderr, "torpool:", err)
		os.Exit(coordinator.ExitPrecondition)
	}
	log := logger.WithComponent("main")

	if err := opts.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "torpool:", err)
		os.Exit(coordinator.ExitPrecondition)
	}

	bins, err := opts.Resolve(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "torpool:", err)
		os.Exit(coordinator.ExitPrecondition)
	}

	if !opts.NoRedirect && os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "torpool: transparent redirection requires root (use --no-redirect to run unprivileged)")
		os.Exit(coordinator.ExitPrecondition)
	}

	log.Info().Str("version", version).Int("instances", opts.Instances).Msg("starting")

	cleanStale, _ := cmd.Flags().GetBool("clean-stale")
	handleStaleRuns(opts.RunDir, cleanStale)

	c := coordinator.New(opts, bins)
	defer c.Cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "torpool:", err)
		printRecoveryHints(err)
		os.Exit(coordinator.ExitCode(err))
	}

	pm := c.PortMap()
	fmt.Printf("torpool up: %d instances, lb 127.0.0.1:%d", opts.Instances, pm.LBFrontPort)
	if pm.FilterListenPort != 0 {
		fmt.Printf(", filter 127.0.0.1:%d", pm.FilterListenPort)
	}
	fmt.Println()
	if !opts.NoRedirect {
		fmt.Println("transparent redirection active; the primary interface is pinned for this run")
		fmt.Println("(an interface change, e.g. Wi-Fi to Ethernet, is not handled while running)")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				log.Info().Msg("rotating circuits")
				if err := c.Rotate(ctx); err != nil {
					log.Warn().Err(err).Msg("rotate incomplete")
				}
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			err := c.Stop(context.Background())
			if err != nil {
				fmt.Fprintln(os.Stderr, "torpool:", err)
				printRecoveryHints(err)
				os.Exit(coordinator.ExitCode(err))
			}
			log.Info().Msg("stopped, host state restored")
			return nil

		case err := <-c.Done():
			if err != nil {
				fmt.Fprintln(os.Stderr, "torpool:", err)
				printRecoveryHints(err)
				os.Exit(coordinator.ExitCode(err))
			}
			return nil
		}
	}
}

// printRecoveryHints tells the operator how to inspect host state after a
// partial restore.
func printRecoveryHints(err error) {
	if coordinator.ExitCode(err) != coordinator.ExitPartial {
		return
	}
	fmt.Fprintln(os.Stderr, "host state may be partially restored; inspect with:")
	fmt.Fprintln(os.Stderr, "  iptables -t nat -S        (Linux)")
	fmt.Fprintln(os.Stderr, "  pfctl -s all              (macOS)")
	fmt.Fprintln(os.Stderr, "  cat /etc/resolv.conf")
}
