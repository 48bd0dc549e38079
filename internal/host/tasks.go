package host

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/doughall/linuxrmm/bridge/internal/binder"
	"github.com/doughall/linuxrmm/bridge/internal/parcel"
	"github.com/doughall/linuxrmm/bridge/internal/tasks"
)

// processTree indexes a process table for task grouping. A task is the
// subtree rooted at the topmost ancestor that runs under the same uid and is
// not pid 1.
type processTree struct {
	byPID map[int32]Snapshot
	roots map[int32]int32
}

func newProcessTree(snaps []Snapshot) *processTree {
	t := &processTree{
		byPID: make(map[int32]Snapshot, len(snaps)),
		roots: make(map[int32]int32, len(snaps)),
	}
	for _, s := range snaps {
		t.byPID[s.PID] = s
	}
	return t
}

// root returns the task root of snap.
func (t *processTree) root(snap Snapshot) Snapshot {
	if pid, ok := t.roots[snap.PID]; ok {
		return t.byPID[pid]
	}
	cur := snap
	seen := map[int32]bool{cur.PID: true}
	for {
		parent, ok := t.byPID[cur.PPID]
		if !ok || parent.PID <= 1 || parent.UID != cur.UID || seen[parent.PID] {
			break
		}
		seen[parent.PID] = true
		cur = parent
	}
	t.roots[snap.PID] = cur.PID
	return cur
}

// packages lists the packages a process belongs to: its own name, then the
// base package of its task when that differs.
func (t *processTree) packages(snap Snapshot) []string {
	pkgs := []string{snap.Name}
	if base := t.root(snap).Name; base != snap.Name {
		pkgs = append(pkgs, base)
	}
	return pkgs
}

// TaskService implements tasks.Manager by grouping the process table into
// tasks.
type TaskService struct {
	table  ProcessTable
	logger *slog.Logger
}

var _ tasks.Manager = (*TaskService)(nil)

// NewTaskService creates the task-management implementation.
func NewTaskService(table ProcessTable, logger *slog.Logger) *TaskService {
	return &TaskService{table: table, logger: logger}
}

// QueryTasks returns tasks newest first.
func (s *TaskService) QueryTasks(ctx context.Context, q tasks.Query) ([]tasks.TaskInfo, error) {
	snaps, err := s.table.Processes(ctx)
	if err != nil {
		return nil, binder.NewApplicationError(binder.KindInternal, "list processes: %v", err)
	}
	tree := newProcessTree(snaps)

	type group struct {
		root    Snapshot
		members []Snapshot
	}
	groups := make(map[int32]*group)
	for _, snap := range snaps {
		if snap.PID == 1 || isKernelThread(snap) {
			continue
		}
		root := tree.root(snap)
		g, ok := groups[root.PID]
		if !ok {
			g = &group{root: root}
			groups[root.PID] = g
		}
		g.members = append(g.members, snap)
	}

	result := make([]tasks.TaskInfo, 0, len(groups))
	for _, g := range groups {
		info := tasks.TaskInfo{
			TaskID:        g.root.PID,
			BasePackage:   g.root.Name,
			TopPackage:    g.root.Name,
			NumActivities: int32(len(g.members)),
			DisplayID:     tasks.AnyDisplay,
		}

		var top int32
		for _, m := range g.members {
			if m.PID > top {
				top = m.PID
				info.TopPackage = m.Name
			}
			if m.Display != "" || (m.Foreground && m.Terminal != "") {
				info.IsVisible = true
			}
			if info.DisplayID == tasks.AnyDisplay && m.Display != "" {
				info.DisplayID = displayNumber(m.Display)
			}
		}

		if q.FilterOnlyVisibleRecents && !info.IsVisible {
			continue
		}
		if q.DisplayID != tasks.AnyDisplay && info.DisplayID != q.DisplayID {
			continue
		}
		if q.KeepIntentExtra {
			info.Extras = parcel.Some(g.root.Cmdline)
		}
		result = append(result, info)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].TaskID > result[j].TaskID })
	if q.MaxNum >= 0 && len(result) > int(q.MaxNum) {
		result = result[:q.MaxNum]
	}

	s.logger.Debug("listed tasks",
		slog.Int("count", len(result)),
		slog.Int("display_id", int(q.DisplayID)),
	)
	return result, nil
}

// displayNumber extracts N from an X11 display such as ":N" or "host:N.S".
// Wayland socket names such as "wayland-N" yield N as well; anything else is
// display 0.
func displayNumber(display string) int32 {
	d := display
	if i := strings.LastIndex(d, ":"); i >= 0 {
		d = d[i+1:]
	} else if i := strings.LastIndex(d, "-"); i >= 0 {
		d = d[i+1:]
	}
	if i := strings.Index(d, "."); i >= 0 {
		d = d[:i]
	}
	n, err := strconv.ParseInt(d, 10, 32)
	if err != nil || n < 0 {
		return 0
	}
	return int32(n)
}
