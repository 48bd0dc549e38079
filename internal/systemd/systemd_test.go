package systemd

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if IsRunningUnderSystemd() {
		t.Error("IsRunningUnderSystemd = true without NOTIFY_SOCKET")
	}
	if NotifyReady(nopLogger()) {
		t.Error("NotifyReady sent without NOTIFY_SOCKET")
	}
	if NotifyStopping(nopLogger()) {
		t.Error("NotifyStopping sent without NOTIFY_SOCKET")
	}
	if StartWatchdog(context.Background(), nopLogger(), func() bool { return true }) {
		t.Error("watchdog started without WATCHDOG_USEC")
	}
}

func TestIsRunningUnderSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "/run/systemd/notify")
	if !IsRunningUnderSystemd() {
		t.Error("IsRunningUnderSystemd = false with NOTIFY_SOCKET set")
	}
}
