// rmm-bridge-helper is the privileged side of the bridge. It runs as root
// under systemd and hosts the process, task and file services behind the
// Unix socket and, when configured, one remote transport.
//
// Configuration is loaded from /etc/rmm-bridge/config.yaml (or the path
// given by --config); the role is always "helper".
//
// Lifecycle:
//  1. Load configuration and set up the JSON logger
//  2. Open the transaction journal
//  3. Register the activity, activity_task and file_explorer services
//  4. Listen on the helper socket and start the selected remote transport
//  5. Notify systemd that the service is ready and start the watchdog
//  6. Wait for SIGTERM/SIGINT or a failed component
//  7. Notify systemd that the service is stopping
//  8. Coordinated shutdown with timeout
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/doughall/linuxrmm/bridge/internal/activity"
	"github.com/doughall/linuxrmm/bridge/internal/binder"
	"github.com/doughall/linuxrmm/bridge/internal/config"
	"github.com/doughall/linuxrmm/bridge/internal/helper"
	"github.com/doughall/linuxrmm/bridge/internal/host"
	"github.com/doughall/linuxrmm/bridge/internal/httprpc"
	"github.com/doughall/linuxrmm/bridge/internal/journal"
	"github.com/doughall/linuxrmm/bridge/internal/logging"
	"github.com/doughall/linuxrmm/bridge/internal/metrics"
	natsinternal "github.com/doughall/linuxrmm/bridge/internal/nats"
	"github.com/doughall/linuxrmm/bridge/internal/shutdown"
	"github.com/doughall/linuxrmm/bridge/internal/systemd"
	"github.com/doughall/linuxrmm/bridge/internal/version"
	"github.com/doughall/linuxrmm/bridge/internal/websocket"
)

const binaryName = "rmm-bridge-helper"

// How long to wait for graceful shutdown.
const shutdownTimeout = 30 * time.Second

// How long a watchdog health check may take.
const healthCheckTimeout = 5 * time.Second

func main() {
	app := &cli.App{
		Name:    binaryName,
		Usage:   "Privileged process, task and file services for rmm-bridge",
		Version: version.Info(binaryName),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to configuration file",
				Value:   config.DefaultConfigPath,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	configPath := c.String("config")
	cfg, err := config.LoadAs(configPath, config.RoleHelper)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
	}

	logger := logging.SetupLogger(os.Stdout, logging.FormatJSON, cfg.LogLevel)

	logger.Info("helper starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("build_time", version.BuildTime),
		slog.String("config_path", configPath),
		slog.String("transport", cfg.Transport),
		slog.String("socket", cfg.SocketPath),
		slog.String("visibility", cfg.Visibility),
	)

	logger.Info("host platform", slog.Any("host", host.Platform(context.Background())))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	coordinator := shutdown.NewCoordinator(logger)
	failed := make(chan error, 8)

	// The journal is optional: a helper without one still serves.
	observers := []binder.Observer{metrics.Observer{}}
	jrnl, err := openJournal(cfg.JournalPath, logger)
	if err != nil {
		logger.Warn("failed to open journal, transactions will not be recorded",
			slog.String("path", cfg.JournalPath),
			slog.String("error", err.Error()),
		)
	} else {
		observers = append(observers, jrnl)
		coordinator.Register("journal", jrnl)
		serve(runCtx, coordinator, "journal-retention", failed, func(ctx context.Context) error {
			return jrnl.RunRetention(ctx, journal.DefaultRetentionSchedule, journal.DefaultKeep)
		})
	}

	services, err := newServiceManager(cfg.Visibility, observers, logger)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		serve(runCtx, coordinator, "metrics", failed, func(ctx context.Context) error {
			return httprpc.ListenAndServe(ctx, cfg.MetricsAddr, mux, logger)
		})
	}

	ln, err := helper.Listen(cfg.SocketPath)
	if err != nil {
		cancelRun()
		shutdownNow(coordinator, logger)
		return err
	}
	defer os.Remove(cfg.SocketPath)

	socketServer := helper.NewServer(services, cfg.AllowedUIDs, logger)
	serve(runCtx, coordinator, "helper-socket", failed, func(ctx context.Context) error {
		return socketServer.Serve(ctx, ln)
	})

	if err := startRemoteTransport(runCtx, cfg, services, coordinator, failed, logger); err != nil {
		cancelRun()
		shutdownNow(coordinator, logger)
		return err
	}

	systemd.NotifyReady(logger)
	logger.Info("helper ready", slog.Any("services", services.Services()))

	systemd.StartWatchdog(runCtx, logger, func() bool {
		return healthy(runCtx, services)
	})

	var exitErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, starting graceful shutdown")
	case exitErr = <-failed:
		logger.Error("component failed, shutting down", slog.String("error", exitErr.Error()))
	}

	systemd.NotifyStopping(logger)
	cancelRun()

	if err := shutdownNow(coordinator, logger); err != nil && exitErr == nil {
		exitErr = err
	}
	if exitErr != nil {
		return exitErr
	}
	logger.Info("shutdown complete")
	return nil
}

// startRemoteTransport serves the configured remote transport next to the
// helper socket.
func startRemoteTransport(ctx context.Context, cfg *config.Config, services *binder.ServiceManager, coordinator *shutdown.Coordinator, failed chan<- error, logger *slog.Logger) error {
	switch cfg.Transport {
	case config.TransportNATS:
		conn, err := natsinternal.Connect(natsinternal.Config{
			Servers:  cfg.NATSServers,
			NKeySeed: cfg.NATSNKeySeed,
			NodeID:   cfg.NodeID,
		}, binaryName, logger)
		if err != nil {
			return err
		}
		coordinator.Register("nats-conn", conn)
		server := natsinternal.NewServer(conn, cfg.NodeID, services, logger)
		serve(ctx, coordinator, "nats", failed, func(ctx context.Context) error {
			return server.Serve(ctx, services.Services())
		})

	case config.TransportHTTP:
		server, err := httprpc.NewServer(services, cfg.Token, logger)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle(httprpc.TransactPath, metrics.Middleware(server))
		serve(ctx, coordinator, "http", failed, func(ctx context.Context) error {
			return httprpc.ListenAndServe(ctx, cfg.HTTPAddr, mux, logger)
		})

	case config.TransportWebSocket:
		ws, err := websocket.NewServer(services, cfg.Token, logger)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle(websocket.Path, ws)
		serve(ctx, coordinator, "http", failed, func(ctx context.Context) error {
			return httprpc.ListenAndServe(ctx, cfg.HTTPAddr, mux, logger)
		})
		// Hijacked connections outlive the http server; close them first.
		coordinator.Register("websocket", ws)
	}
	return nil
}

// serve runs fn until ctx is cancelled and registers a shutdown step that
// waits for it to return. A failure is reported on failed.
func serve(ctx context.Context, coordinator *shutdown.Coordinator, name string, failed chan<- error, fn func(context.Context) error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			select {
			case failed <- fmt.Errorf("%s: %w", name, err):
			default:
			}
		}
	}()
	coordinator.Register(name, shutdown.Func(func(sctx context.Context) error {
		select {
		case <-done:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	}))
}

func shutdownNow(coordinator *shutdown.Coordinator, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := coordinator.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func openJournal(path string, logger *slog.Logger) (*journal.Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return journal.Open(path, logger)
}

// healthy pings the activity service in-process.
func healthy(ctx context.Context, services *binder.ServiceManager) bool {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	am, err := activity.Bind(ctx, services.Handle(activity.ServiceName))
	if err != nil {
		return false
	}
	return am.Ping(ctx) == nil
}
