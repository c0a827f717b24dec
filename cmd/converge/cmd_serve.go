package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/converge/internal/compaction"
	"github.com/user/converge/internal/config"
	"github.com/user/converge/internal/httpapi"
	"github.com/user/converge/internal/metrics"
	"github.com/user/converge/internal/rpc"
	"github.com/user/converge/internal/service"
	"github.com/user/converge/internal/state"
	"github.com/user/converge/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference context service",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

const pidFile = "converge.pid"

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFile)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func openEntryStore(cfg *config.Config) (types.EntryStore, error) {
	switch cfg.Server.Storage {
	case "sqlite":
		return state.OpenSQLite(filepath.Join(cfg.DataDir, "entries.db"))
	default:
		return state.NewEntryStore(cfg.DataDir), nil
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	entries, err := openEntryStore(cfg)
	if err != nil {
		return fmt.Errorf("open entry store: %w", err)
	}
	defer entries.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc := service.New(entries, state.NewSnapshotStore(cfg.DataDir),
		service.WithMetrics(metrics.NewServerMetrics(reg)),
	)
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCListen)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	grpcSrv := rpc.NewServer(svc, rpc.WithAuthToken(cfg.Server.AuthToken))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return grpcSrv.Serve(grpcLis) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		grpcSrv.Shutdown(shutdownCtx)
		return nil
	})

	if cfg.Server.HTTPListen != "" {
		httpSrv := &http.Server{
			Addr: cfg.Server.HTTPListen,
			Handler: httpapi.NewServer(svc,
				httpapi.WithAuthToken(cfg.Server.AuthToken),
				httpapi.WithGatherer(reg),
			),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http server listening", "addr", cfg.Server.HTTPListen)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Server.CompactionSchedule != "" {
		sched, err := compaction.New(svc, cfg.Server.CompactionSchedule, compaction.WithTimeout(time.Minute))
		if err != nil {
			return err
		}
		if err := sched.Start(gctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	slog.Info("converge service started",
		"data_dir", cfg.DataDir,
		"storage", cfg.Server.Storage,
		"grpc_listen", cfg.Server.GRPCListen,
		"http_listen", cfg.Server.HTTPListen,
		"compaction_schedule", cfg.Server.CompactionSchedule,
		"auth", cfg.Server.AuthToken != "",
		"pid_file", pidPath,
	)

	err = g.Wait()
	slog.Info("shutting down")
	return err
}
