package host

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/doughall/linuxrmm/bridge/internal/activity"
	"github.com/doughall/linuxrmm/bridge/internal/binder"
)

// Visibility policies for per-process data.
const (
	// VisibilityOwner hides other users' processes from non-root callers.
	VisibilityOwner = "owner"
	// VisibilityAll shows every process to every caller.
	VisibilityAll = "all"
)

// AllUsers as a userId stops a package for every user.
const AllUsers int32 = -1

// ActivityService implements activity.Manager on the local host.
type ActivityService struct {
	table      ProcessTable
	visibility string
	selfPID    int32
	logger     *slog.Logger
}

var _ activity.Manager = (*ActivityService)(nil)

// NewActivityService creates the process-management implementation.
// An empty visibility means VisibilityOwner.
func NewActivityService(table ProcessTable, visibility string, logger *slog.Logger) *ActivityService {
	if visibility == "" {
		visibility = VisibilityOwner
	}
	return &ActivityService{
		table:      table,
		visibility: visibility,
		selfPID:    int32(os.Getpid()),
		logger:     logger,
	}
}

// ListRunningProcesses returns every inspectable process except the helper
// itself.
func (s *ActivityService) ListRunningProcesses(ctx context.Context) ([]activity.ProcessInfo, error) {
	snaps, err := s.table.Processes(ctx)
	if err != nil {
		return nil, binder.NewApplicationError(binder.KindInternal, "list processes: %v", err)
	}
	tree := newProcessTree(snaps)

	result := make([]activity.ProcessInfo, 0, len(snaps))
	for _, snap := range snaps {
		if snap.PID == s.selfPID || isKernelThread(snap) {
			continue
		}
		result = append(result, activity.ProcessInfo{
			PID:         snap.PID,
			UID:         snap.UID,
			ProcessName: snap.Name,
			PkgList:     tree.packages(snap),
			Importance:  importanceOf(snap),
		})
	}
	return result, nil
}

// ForceStopPackage kills every process belonging to packageName for userID.
// A process belongs to a package when its name or the base package of its
// task matches. Non-root callers may only stop their own packages.
func (s *ActivityService) ForceStopPackage(ctx context.Context, packageName string, userID int32) error {
	if packageName == "" {
		return binder.NewApplicationError(binder.KindInvalidArgument, "package name is required")
	}
	if caller, ok := binder.CallerFrom(ctx); ok && caller.UID != 0 {
		if userID == AllUsers || userID != caller.UID {
			return binder.NewApplicationError(binder.KindPermissionDenied,
				"uid %d may not stop packages of user %d", caller.UID, userID)
		}
	}

	snaps, err := s.table.Processes(ctx)
	if err != nil {
		return binder.NewApplicationError(binder.KindInternal, "list processes: %v", err)
	}
	tree := newProcessTree(snaps)

	var targets []Snapshot
	for _, snap := range snaps {
		if snap.PID == s.selfPID || snap.PID == 1 || isKernelThread(snap) {
			continue
		}
		if userID != AllUsers && snap.UID != userID {
			continue
		}
		if containsString(tree.packages(snap), packageName) {
			targets = append(targets, snap)
		}
	}
	if len(targets) == 0 {
		return binder.NewApplicationError(binder.KindNotFound, "no running process for package %s (user %d)", packageName, userID)
	}

	var killed int
	var denied []int32
	for _, snap := range targets {
		err := s.table.Kill(ctx, snap.PID)
		switch {
		case err == nil:
			killed++
		case errors.Is(err, ErrNoProcess):
			// exited on its own
		case errors.Is(err, ErrNotPermitted):
			denied = append(denied, snap.PID)
		default:
			return binder.NewApplicationError(binder.KindInternal, "kill %d: %v", snap.PID, err)
		}
	}

	s.logger.Info("force stopped package",
		slog.String("package", packageName),
		slog.Int("user_id", int(userID)),
		slog.Int("killed", killed),
		slog.Int("denied", len(denied)),
	)

	if len(denied) > 0 && killed == 0 {
		return binder.NewApplicationError(binder.KindPermissionDenied,
			"not permitted to stop %s: pids %v", packageName, denied)
	}
	return nil
}

// GetProcessMemoryInfo returns one entry per requested pid, in order. Pids
// that do not exist, or that the caller may not see, get a zero entry.
func (s *ActivityService) GetProcessMemoryInfo(ctx context.Context, pids []int32) ([]activity.MemoryInfo, error) {
	result := make([]activity.MemoryInfo, len(pids))
	if len(pids) == 0 {
		return result, nil
	}

	var owners map[int32]int32
	caller, restricted := s.restrictedCaller(ctx)
	if restricted {
		snaps, err := s.table.Processes(ctx)
		if err != nil {
			return nil, binder.NewApplicationError(binder.KindInternal, "list processes: %v", err)
		}
		owners = make(map[int32]int32, len(snaps))
		for _, snap := range snaps {
			owners[snap.PID] = snap.UID
		}
	}

	for i, pid := range pids {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if restricted {
			uid, ok := owners[pid]
			if !ok || uid != caller.UID {
				continue
			}
		}
		info, err := s.table.Memory(ctx, pid)
		if err != nil {
			s.logger.Debug("memory info unavailable",
				slog.Int("pid", int(pid)),
				slog.String("error", err.Error()),
			)
			continue
		}
		result[i] = info
	}
	return result, nil
}

// restrictedCaller reports whether the visibility policy applies to the
// caller in ctx. In-process calls carry no caller and are trusted.
func (s *ActivityService) restrictedCaller(ctx context.Context) (binder.Caller, bool) {
	if s.visibility == VisibilityAll {
		return binder.Caller{}, false
	}
	caller, ok := binder.CallerFrom(ctx)
	if !ok || caller.UID == 0 {
		return binder.Caller{}, false
	}
	return caller, true
}

func importanceOf(snap Snapshot) int32 {
	for _, st := range snap.Status {
		if st == "zombie" || st == "Z" {
			return activity.ImportanceGone
		}
	}
	switch {
	case snap.Foreground && snap.Terminal != "":
		return activity.ImportanceForeground
	case snap.Display != "":
		return activity.ImportanceVisible
	case snap.Terminal == "" && snap.PPID <= 1:
		return activity.ImportanceService
	default:
		return activity.ImportanceCached
	}
}

// isKernelThread reports whether snap is kthreadd or one of its children.
func isKernelThread(snap Snapshot) bool {
	return snap.PID == 2 || snap.PPID == 2
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
