package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd, stopCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect to the service and print the connection state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		ctx, cancel := commandContext()
		defer cancel()

		c := newClient(cfg)
		defer c.Close()

		start := time.Now()
		if err := c.Connect(ctx); err != nil {
			return err
		}
		waitCtx, waitCancel := context.WithTimeout(ctx, cfg.Client.ConnectTimeout.Std())
		defer waitCancel()
		c.WaitReady(waitCtx)

		fmt.Fprintf(os.Stdout, "state:       %s\n", c.State())
		fmt.Fprintf(os.Stdout, "grpc target: %s\n", cfg.Client.GRPCTarget)
		fmt.Fprintf(os.Stdout, "http url:    %s\n", cfg.Client.HTTPBaseURL)
		fmt.Fprintf(os.Stdout, "elapsed:     %s\n", time.Since(start).Round(time.Millisecond))
		if pid, err := readPID(); err == nil {
			fmt.Fprintf(os.Stdout, "local daemon: pid %d\n", pid)
		}
		return nil
	},
}

// readPID reads the PID of a local `converge serve` and checks the process
// is alive by sending signal 0.
func readPID() (int, error) {
	cfg := loadConfig()
	data, err := os.ReadFile(filepath.Join(cfg.DataDir, pidFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("no running service (PID file not found)")
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, fmt.Errorf("no running service (process %d not found)", pid)
	}
	return pid, nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a local service started with serve",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := readPID()
		if err != nil {
			return err
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("find process: %w", err)
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("send SIGTERM: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Sent SIGTERM to service (PID %d).\n", pid)
		return nil
	},
}
