package main

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/proxy"

	"torpool/internal/config"
	"torpool/pkg/torctl"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe the proxy chain's listen ports",
	Long: `Read-only health view: connect-probes each configured SOCKS port,
the load-balancer front-end, and the HTTP filter, and verifies each
control port with an unauthenticated PROTOCOLINFO exchange. With
--check-circuit it additionally opens a connection through the balancer
via SOCKS5 to verify the chain end to end.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntP("instances", "n", 0, "number of onion-router instances")
	statusCmd.Flags().Int("socks-base-port", 0, "base port for SOCKS allocation")
	statusCmd.Flags().Int("control-base-port", 0, "base port for control allocation")
	statusCmd.Flags().Int("lb-front-port", 0, "load-balancer front-end port")
	statusCmd.Flags().Int("filter-listen-port", -1, "HTTP filter port (0 disables the filter)")
	statusCmd.Flags().String("check-circuit", "", "dial this host:port through the balancer via SOCKS5")
}

func probePort(port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// probeControl verifies a control port with PROTOCOLINFO, the one
// exchange the controller answers before authentication. The password is
// never persisted, so a separate status process cannot authenticate; this
// still distinguishes a live onion-router controller from an unrelated
// listener.
func probeControl(port int, timeout time.Duration) bool {
	conn, err := torctl.Dial(fmt.Sprintf("127.0.0.1:%d", port), timeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	_, err = conn.ProtocolInfo()
	return err == nil
}

func mark(up bool) string {
	if up {
		return "up"
	}
	return "down"
}

func runStatus(cmd *cobra.Command, args []string) error {
	opts, err := config.Load(cfgFile)
	if err != nil {
		return err
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

	timeout := opts.ProbeTimeout
	allUp := true

	for i := 0; i < opts.Instances; i++ {
		socksUp := probePort(opts.SocksBasePort+i, timeout)
		ctrlUp := probeControl(opts.ControlBasePort+i, timeout)
		allUp = allUp && socksUp && ctrlUp
		fmt.Printf("instance[%d]  socks:%-5d %-5s control:%-5d %s\n",
			i, opts.SocksBasePort+i, mark(socksUp), opts.ControlBasePort+i, mark(ctrlUp))
	}

	lbUp := probePort(opts.LBFrontPort, timeout)
	allUp = allUp && lbUp
	fmt.Printf("balancer     front:%-5d %s\n", opts.LBFrontPort, mark(lbUp))

	if opts.FilterListenPort != 0 {
		filterUp := probePort(opts.FilterListenPort, timeout)
		allUp = allUp && filterUp
		fmt.Printf("filter       listen:%-4d %s\n", opts.FilterListenPort, mark(filterUp))
	}

	if target, _ := cmd.Flags().GetString("check-circuit"); target != "" {
		ok := checkCircuit(opts.LBFrontPort, target, 3*timeout)
		allUp = allUp && ok
		fmt.Printf("circuit      via lb -> %s %s\n", target, mark(ok))
	}

	if !allUp {
		return fmt.Errorf("one or more components are down")
	}
	return nil
}

// checkCircuit opens a TCP connection to target through the balancer's
// SOCKS5 front-end, exercising the whole chain.
func checkCircuit(lbPort int, target string, timeout time.Duration) bool {
	dialer, err := proxy.SOCKS5("tcp", fmt.Sprintf("127.0.0.1:%d", lbPort), nil, &net.Dialer{Timeout: timeout})
	if err != nil {
		return false
	}
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
