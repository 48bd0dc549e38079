// Package systemd integrates the helper with systemd service management.
//
// The helper unit uses Type=notify: READY=1 is sent once the socket is
// listening, so clients started after the helper never see a missing
// socket. With WatchdogSec set, the helper pings the watchdog while its
// health check passes and systemd restarts it otherwise.
//
// Every function is a no-op when not running under systemd.
package systemd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyReady sends sd_notify READY=1 to systemd.
// Returns true if the notification was sent.
func NotifyReady(logger *slog.Logger) bool {
	return notify(logger, daemon.SdNotifyReady, "ready")
}

// NotifyStopping sends sd_notify STOPPING=1 to systemd.
// Returns true if the notification was sent.
func NotifyStopping(logger *slog.Logger) bool {
	return notify(logger, daemon.SdNotifyStopping, "stopping")
}

func notify(logger *slog.Logger, state, name string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("failed to send systemd notification",
			slog.String("state", name),
			slog.String("error", err.Error()),
		)
		return false
	}
	if sent {
		logger.Debug("sent systemd notification", slog.String("state", name))
	}
	return sent
}

// HealthCheckFunc returns true if the service is healthy.
type HealthCheckFunc func() bool

// StartWatchdog pings the systemd watchdog every half WatchdogSec while
// healthCheck passes. It returns false without starting anything when the
// watchdog is not enabled. The goroutine exits when ctx is cancelled.
func StartWatchdog(ctx context.Context, logger *slog.Logger, healthCheck HealthCheckFunc) bool {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Debug("watchdog not enabled", slog.String("error", err.Error()))
		return false
	}
	if interval == 0 {
		return false
	}

	pingInterval := interval / 2
	logger.Info("starting systemd watchdog",
		slog.Duration("watchdog_interval", interval),
		slog.Duration("ping_interval", pingInterval),
	)

	go watchdogLoop(ctx, logger, pingInterval, healthCheck)
	return true
}

func watchdogLoop(ctx context.Context, logger *slog.Logger, interval time.Duration, healthCheck HealthCheckFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !healthCheck() {
				logger.Warn("health check failed, skipping watchdog ping")
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog ping", slog.String("error", err.Error()))
			}
		}
	}
}

// IsRunningUnderSystemd reports whether NOTIFY_SOCKET is set.
func IsRunningUnderSystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
