// Package host implements the bridge contracts against the local Linux host.
//
// Process data comes from gopsutil v4. The process table is behind the
// ProcessTable interface so the policy code (visibility, kill rules, task
// grouping) can be exercised without a live /proc.
package host

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"github.com/doughall/linuxrmm/bridge/internal/activity"
)

// maxCmdline bounds the command line kept per process.
const maxCmdline = 500

// Errors returned by ProcessTable implementations.
var (
	ErrNoProcess    = errors.New("host: no such process")
	ErrNotPermitted = errors.New("host: operation not permitted")
)

// Snapshot is what the bridge needs to know about one process.
type Snapshot struct {
	PID        int32
	PPID       int32
	UID        int32
	Name       string
	Cmdline    string
	Terminal   string
	Status     []string
	Foreground bool
	// Display is the X11 or Wayland display the process is attached to,
	// taken from its environment when readable.
	Display string
}

// ProcessTable is the source of process data.
type ProcessTable interface {
	Processes(ctx context.Context) ([]Snapshot, error)
	Memory(ctx context.Context, pid int32) (activity.MemoryInfo, error)
	Kill(ctx context.Context, pid int32) error
}

// ProcfsTable reads the process table through gopsutil.
type ProcfsTable struct {
	logger *slog.Logger
}

// NewProcfsTable creates a gopsutil-backed process table.
func NewProcfsTable(logger *slog.Logger) *ProcfsTable {
	return &ProcfsTable{logger: logger}
}

// Processes lists every process that can be inspected.
//
// Processes that cannot be accessed (permission denied, exited while being
// read) are skipped.
func (t *ProcfsTable) Processes(ctx context.Context) ([]Snapshot, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]Snapshot, 0, len(procs))
	for _, p := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		snap, err := t.snapshot(ctx, p)
		if err != nil {
			continue
		}
		result = append(result, snap)
	}

	t.logger.Debug("collected process table", slog.Int("count", len(result)))
	return result, nil
}

func (t *ProcfsTable) snapshot(ctx context.Context, p *process.Process) (Snapshot, error) {
	snap := Snapshot{PID: p.Pid}

	// Name is essential
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return snap, err
	}
	snap.Name = name

	uids, err := p.UidsWithContext(ctx)
	if err != nil || len(uids) == 0 {
		return snap, errors.Join(ErrNotPermitted, err)
	}
	snap.UID = int32(uids[0])

	if ppid, err := p.PpidWithContext(ctx); err == nil {
		snap.PPID = ppid
	}

	if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
		if len(cmdline) > maxCmdline {
			cmdline = cmdline[:maxCmdline] + "..."
		}
		snap.Cmdline = cmdline
	}

	if tty, err := p.TerminalWithContext(ctx); err == nil {
		snap.Terminal = tty
	}

	if status, err := p.StatusWithContext(ctx); err == nil {
		snap.Status = status
	}

	if fg, err := p.ForegroundWithContext(ctx); err == nil {
		snap.Foreground = fg
	}

	// Environment is only readable for our own uid or as root
	if env, err := p.EnvironWithContext(ctx); err == nil {
		snap.Display = displayFromEnv(env)
	}

	return snap, nil
}

// Memory returns the memory summary of pid in KiB. PSS and shared-clean
// figures come from smaps_rollup when readable, otherwise RSS stands in.
func (t *ProcfsTable) Memory(ctx context.Context, pid int32) (activity.MemoryInfo, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return activity.MemoryInfo{}, ErrNoProcess
	}

	var info activity.MemoryInfo
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return activity.MemoryInfo{}, classifyErrno(err)
	}
	info.TotalRss = int64(mem.RSS / 1024)
	info.TotalVms = int64(mem.VMS / 1024)
	info.TotalSwap = int64(mem.Swap / 1024)
	info.TotalPss = info.TotalRss

	maps, err := p.MemoryMapsWithContext(ctx, true)
	if err == nil && maps != nil && len(*maps) > 0 {
		rollup := (*maps)[0]
		info.TotalPss = int64(rollup.Pss)
		info.SharedClean = int64(rollup.SharedClean)
		if rollup.Swap > 0 {
			info.TotalSwap = int64(rollup.Swap)
		}
	} else if err != nil {
		t.logger.Debug("smaps unavailable, using rss",
			slog.Int("pid", int(pid)),
			slog.String("error", err.Error()),
		)
	}

	return info, nil
}

// Kill sends SIGKILL to pid.
func (t *ProcfsTable) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ErrNoProcess
	}
	if err := p.KillWithContext(ctx); err != nil {
		return classifyErrno(err)
	}
	t.logger.Info("killed process", slog.Int("pid", int(pid)))
	return nil
}

func classifyErrno(err error) error {
	switch {
	case errors.Is(err, unix.ESRCH):
		return errors.Join(ErrNoProcess, err)
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return errors.Join(ErrNotPermitted, err)
	default:
		return err
	}
}

func displayFromEnv(env []string) string {
	var wayland string
	for _, kv := range env {
		switch {
		case strings.HasPrefix(kv, "DISPLAY="):
			if v := strings.TrimPrefix(kv, "DISPLAY="); v != "" {
				return v
			}
		case strings.HasPrefix(kv, "WAYLAND_DISPLAY="):
			wayland = strings.TrimPrefix(kv, "WAYLAND_DISPLAY=")
		}
	}
	return wayland
}
