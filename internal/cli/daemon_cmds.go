package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mizy/claude-agent-hub/internal/runner"
)

func newDaemonCmd() *cobra.Command {
	var (
		stop          bool
		metricsAddr   string
		sweepInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the supervisor: orphan recovery, schedules, metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			if stop {
				return stopDaemon(a)
			}
			addr := metricsAddr
			if addr == "" && a.cfg.Metrics.Enabled {
				addr = a.cfg.Metrics.Addr
			}
			d := runner.NewDaemon(a.store, a.queue, a.log, runner.DaemonOptions{
				SweepInterval: sweepInterval,
				MetricsAddr:   addr,
			})
			return d.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&stop, "stop", false, "stop a running daemon")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 30*time.Second, "supervision pass interval")
	return cmd
}

func stopDaemon(a *app) error {
	data, err := os.ReadFile(a.layout.DaemonPidFile())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no daemon pidfile found")
		}
		return err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("corrupt daemon pidfile: %w", err)
	}
	if !runner.PIDAlive(pid) {
		os.Remove(a.layout.DaemonPidFile())
		return fmt.Errorf("daemon pid %d is not running; stale pidfile removed", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return err
	}
	fmt.Printf("daemon pid %d signalled\n", pid)
	return nil
}

// newRunnerCmd is the hidden entry point the spawner executes. It is not part
// of the user-facing surface.
func newRunnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "runner",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			return runner.New(a.store, a.exec, a.log).Run(cmd.Context())
		},
	}
}
