// Package monitor periodically builds a memory snapshot of the processes
// behind the running tasks, largest proportional set size first.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/doughall/linuxrmm/bridge/internal/activity"
	"github.com/doughall/linuxrmm/bridge/internal/metrics"
	"github.com/doughall/linuxrmm/bridge/internal/tasks"
)

// MaxTasks bounds the task query behind a snapshot.
const MaxTasks = 1000

// Entry is one process of a snapshot.
type Entry struct {
	Process activity.ProcessInfo
	Memory  activity.MemoryInfo
}

// Snapshot is the result of one refresh.
type Snapshot struct {
	Time    time.Time
	Entries []Entry
	// SystemTotal and SystemAvailable are in bytes; zero when no system
	// memory source is configured.
	SystemTotal     uint64
	SystemAvailable uint64
}

// TotalPss sums the proportional set size of every entry.
func (s Snapshot) TotalPss() int64 {
	var total int64
	for _, e := range s.Entries {
		total += e.Memory.TotalPss
	}
	return total
}

// SystemMemoryFunc reports total and available system memory in bytes.
type SystemMemoryFunc func(ctx context.Context) (total, available uint64, err error)

// Option configures a Monitor.
type Option func(*Monitor)

// WithAllProcesses includes every process instead of only task processes.
func WithAllProcesses(all bool) Option {
	return func(m *Monitor) { m.all = all }
}

// WithSchedule sets the refresh schedule.
func WithSchedule(expression string) Option {
	return func(m *Monitor) { m.schedule = expression }
}

// WithSystemMemory adds system memory totals to every snapshot.
func WithSystemMemory(f SystemMemoryFunc) Option {
	return func(m *Monitor) { m.systemMemory = f }
}

// Monitor builds snapshots from the activity and task services.
type Monitor struct {
	activity     activity.Manager
	tasks        tasks.Manager
	schedule     string
	all          bool
	systemMemory SystemMemoryFunc
	logger       *slog.Logger
}

// New creates a monitor over the given services.
func New(am activity.Manager, tm tasks.Manager, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		activity: am,
		tasks:    tm,
		schedule: DefaultSchedule,
		logger:   logger.With(slog.String("component", "monitor")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Collect builds one snapshot. Processes are restricted to those running a
// task's base package unless the monitor covers all processes. Memory is
// fetched in a single batched call.
func (m *Monitor) Collect(ctx context.Context) (Snapshot, error) {
	start := time.Now()

	var keep map[string]bool
	if !m.all {
		running, err := tasks.GetTasks(ctx, m.tasks, MaxTasks)
		if err != nil {
			return Snapshot{}, fmt.Errorf("get tasks: %w", err)
		}
		keep = make(map[string]bool, len(running))
		for _, t := range running {
			keep[t.BasePackage] = true
		}
	}

	procs, err := m.activity.ListRunningProcesses(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list processes: %w", err)
	}

	selected := make([]activity.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		if keep == nil || matchesAny(p.PkgList, keep) {
			selected = append(selected, p)
		}
	}

	pids := make([]int32, len(selected))
	for i, p := range selected {
		pids[i] = p.PID
	}

	var mem []activity.MemoryInfo
	if len(pids) > 0 {
		mem, err = m.activity.GetProcessMemoryInfo(ctx, pids)
		if err != nil {
			return Snapshot{}, fmt.Errorf("get memory info: %w", err)
		}
		if len(mem) != len(pids) {
			return Snapshot{}, fmt.Errorf("memory info for %d of %d processes", len(mem), len(pids))
		}
	}

	snap := Snapshot{Time: start, Entries: make([]Entry, len(selected))}
	for i, p := range selected {
		snap.Entries[i] = Entry{Process: p, Memory: mem[i]}
	}
	sort.SliceStable(snap.Entries, func(i, j int) bool {
		a, b := snap.Entries[i], snap.Entries[j]
		if a.Memory.TotalPss != b.Memory.TotalPss {
			return a.Memory.TotalPss > b.Memory.TotalPss
		}
		return a.Process.PID < b.Process.PID
	})

	if m.systemMemory != nil {
		total, avail, err := m.systemMemory(ctx)
		if err != nil {
			m.logger.Warn("failed to read system memory", slog.String("error", err.Error()))
		} else {
			snap.SystemTotal, snap.SystemAvailable = total, avail
		}
	}

	metrics.RecordMonitorSnapshot(len(snap.Entries), snap.TotalPss(), time.Since(start))
	return snap, nil
}

func matchesAny(pkgs []string, set map[string]bool) bool {
	for _, p := range pkgs {
		if set[p] {
			return true
		}
	}
	return false
}

// Run collects a snapshot on every tick of the schedule and hands it to
// handle until ctx is cancelled. A refresh still running when the next one
// is due is skipped. Collection errors are logged.
func (m *Monitor) Run(ctx context.Context, handle func(Snapshot)) error {
	if err := ValidateSchedule(m.schedule); err != nil {
		return fmt.Errorf("invalid monitor schedule %q: %w", m.schedule, err)
	}

	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(m.schedule, func() {
		snap, err := m.Collect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Error("monitor refresh failed", slog.String("error", err.Error()))
			}
			return
		}
		handle(snap)
	}); err != nil {
		return fmt.Errorf("schedule monitor: %w", err)
	}

	m.logger.Info("monitor started", slog.String("schedule", m.schedule))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	m.logger.Info("monitor stopped")
	return nil
}
