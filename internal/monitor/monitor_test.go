package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/doughall/linuxrmm/bridge/internal/activity"
	"github.com/doughall/linuxrmm/bridge/internal/tasks"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeActivity struct {
	procs    []activity.ProcessInfo
	pss      map[int32]int64
	memCalls int
	memErr   error
}

func (f *fakeActivity) ListRunningProcesses(ctx context.Context) ([]activity.ProcessInfo, error) {
	return f.procs, nil
}

func (f *fakeActivity) ForceStopPackage(ctx context.Context, packageName string, userID int32) error {
	return nil
}

func (f *fakeActivity) GetProcessMemoryInfo(ctx context.Context, pids []int32) ([]activity.MemoryInfo, error) {
	f.memCalls++
	if f.memErr != nil {
		return nil, f.memErr
	}
	out := make([]activity.MemoryInfo, len(pids))
	for i, pid := range pids {
		out[i] = activity.MemoryInfo{TotalPss: f.pss[pid]}
	}
	return out, nil
}

type fakeTasks struct {
	tasks []tasks.TaskInfo
	got   tasks.Query
}

func (f *fakeTasks) QueryTasks(ctx context.Context, q tasks.Query) ([]tasks.TaskInfo, error) {
	f.got = q
	return f.tasks, nil
}

func sampleServices() (*fakeActivity, *fakeTasks) {
	am := &fakeActivity{
		procs: []activity.ProcessInfo{
			{PID: 10, ProcessName: "firefox", PkgList: []string{"firefox"}},
			{PID: 11, ProcessName: "Web Content", PkgList: []string{"Web Content", "firefox"}},
			{PID: 20, ProcessName: "sshd", PkgList: []string{"sshd"}},
			{PID: 30, ProcessName: "vim", PkgList: []string{"vim", "bash"}},
		},
		pss: map[int32]int64{10: 500, 11: 900, 20: 50, 30: 500},
	}
	tm := &fakeTasks{tasks: []tasks.TaskInfo{
		{TaskID: 10, BasePackage: "firefox"},
		{TaskID: 29, BasePackage: "bash"},
	}}
	return am, tm
}

func pidsOf(s Snapshot) []int32 {
	pids := make([]int32, len(s.Entries))
	for i, e := range s.Entries {
		pids[i] = e.Process.PID
	}
	return pids
}

func TestCollectFiltersByTaskPackages(t *testing.T) {
	am, tm := sampleServices()
	m := New(am, tm, nopLogger())

	snap, err := m.Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// sshd runs no task; ties on pss are broken by pid
	want := []int32{11, 10, 30}
	got := pidsOf(snap)
	if len(got) != len(want) {
		t.Fatalf("pids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pids = %v, want %v", got, want)
		}
	}
	if snap.TotalPss() != 1900 {
		t.Errorf("TotalPss = %d, want 1900", snap.TotalPss())
	}
	if am.memCalls != 1 {
		t.Errorf("memory fetched in %d calls, want 1", am.memCalls)
	}
	if tm.got.MaxNum != MaxTasks || tm.got.DisplayID != tasks.AnyDisplay {
		t.Errorf("task query = %+v", tm.got)
	}
}

func TestCollectAllProcesses(t *testing.T) {
	am, tm := sampleServices()
	m := New(am, tm, nopLogger(), WithAllProcesses(true))

	snap, err := m.Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Entries) != 4 || snap.Entries[3].Process.PID != 20 {
		t.Errorf("pids = %v", pidsOf(snap))
	}
}

func TestCollectWithoutMatchesSkipsMemoryCall(t *testing.T) {
	am, _ := sampleServices()
	tm := &fakeTasks{}
	m := New(am, tm, nopLogger())

	snap, err := m.Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Entries) != 0 || am.memCalls != 0 {
		t.Errorf("entries = %d, memory calls = %d", len(snap.Entries), am.memCalls)
	}
}

func TestCollectErrors(t *testing.T) {
	am, tm := sampleServices()
	am.memErr = errors.New("helper gone")
	m := New(am, tm, nopLogger())

	if _, err := m.Collect(context.Background()); !errors.Is(err, am.memErr) {
		t.Errorf("err = %v, want wrapped memory error", err)
	}
}

func TestCollectSystemMemory(t *testing.T) {
	am, tm := sampleServices()

	t.Run("reported", func(t *testing.T) {
		m := New(am, tm, nopLogger(), WithSystemMemory(func(ctx context.Context) (uint64, uint64, error) {
			return 8 << 30, 3 << 30, nil
		}))
		snap, err := m.Collect(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if snap.SystemTotal != 8<<30 || snap.SystemAvailable != 3<<30 {
			t.Errorf("system memory = %d/%d", snap.SystemAvailable, snap.SystemTotal)
		}
	})

	t.Run("failure is not fatal", func(t *testing.T) {
		m := New(am, tm, nopLogger(), WithSystemMemory(func(ctx context.Context) (uint64, uint64, error) {
			return 0, 0, errors.New("no meminfo")
		}))
		snap, err := m.Collect(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if snap.SystemTotal != 0 || len(snap.Entries) == 0 {
			t.Errorf("snapshot = %+v", snap)
		}
	})
}

func TestRunDeliversSnapshots(t *testing.T) {
	am, tm := sampleServices()
	m := New(am, tm, nopLogger(), WithSchedule("@every 10ms"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	count := 0
	got := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, func(s Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			count++
			if count == 2 {
				close(got)
			}
		})
	}()

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshots delivered")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestRunRejectsBadSchedule(t *testing.T) {
	am, tm := sampleServices()
	m := New(am, tm, nopLogger(), WithSchedule("every second"))
	if err := m.Run(context.Background(), func(Snapshot) {}); err == nil {
		t.Error("expected schedule error")
	}
}

func TestNextRun(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextRun("@every 5s", start)
	if err != nil {
		t.Fatal(err)
	}
	if !next.Equal(start.Add(5 * time.Second)) {
		t.Errorf("next = %v", next)
	}

	next, err = NextRun("30 2 * * *", start)
	if err != nil {
		t.Fatal(err)
	}
	if !next.Equal(time.Date(2026, 1, 1, 2, 30, 0, 0, time.UTC)) {
		t.Errorf("next = %v", next)
	}
}
