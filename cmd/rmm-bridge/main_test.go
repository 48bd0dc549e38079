package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/doughall/linuxrmm/bridge/internal/activity"
	"github.com/doughall/linuxrmm/bridge/internal/binder"
	"github.com/doughall/linuxrmm/bridge/internal/explorer"
	"github.com/doughall/linuxrmm/bridge/internal/helper"
	"github.com/doughall/linuxrmm/bridge/internal/host"
	"github.com/doughall/linuxrmm/bridge/internal/parcel"
	"github.com/doughall/linuxrmm/bridge/internal/tasks"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeActivity struct {
	mu      sync.Mutex
	stopped []string
}

func (f *fakeActivity) stoppedPackages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

func (f *fakeActivity) ListRunningProcesses(ctx context.Context) ([]activity.ProcessInfo, error) {
	return []activity.ProcessInfo{
		{PID: 10, UID: 1000, ProcessName: "firefox", PkgList: []string{"firefox"}, Importance: activity.ImportanceForeground},
		{PID: 20, UID: 0, ProcessName: "sshd", PkgList: []string{"sshd"}, Importance: activity.ImportanceService},
	}, nil
}

func (f *fakeActivity) ForceStopPackage(ctx context.Context, packageName string, userID int32) error {
	if packageName != "firefox" {
		return binder.NewApplicationError(binder.KindNotFound, "no package %s", packageName)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, fmt.Sprintf("%s/%d", packageName, userID))
	return nil
}

func (f *fakeActivity) GetProcessMemoryInfo(ctx context.Context, pids []int32) ([]activity.MemoryInfo, error) {
	out := make([]activity.MemoryInfo, len(pids))
	for i, pid := range pids {
		if pid == 10 {
			out[i] = activity.MemoryInfo{TotalPss: 2048, TotalRss: 4096}
		}
	}
	return out, nil
}

type fakeTasks struct{}

func (fakeTasks) QueryTasks(ctx context.Context, q tasks.Query) ([]tasks.TaskInfo, error) {
	t := tasks.TaskInfo{TaskID: 10, BasePackage: "firefox", TopPackage: "firefox", NumActivities: 1, IsVisible: true, DisplayID: 0}
	if q.KeepIntentExtra {
		t.Extras = parcel.Some("/usr/bin/firefox")
	}
	return []tasks.TaskInfo{t}, nil
}

// startHelper serves fake services on a temporary socket and returns the
// path of a config file pointing at it.
func startHelper(t *testing.T, am *fakeActivity) string {
	t.Helper()
	dir := t.TempDir()

	sm := binder.NewServiceManager(nopLogger())
	activityStub, err := activity.NewStub(am)
	if err != nil {
		t.Fatal(err)
	}
	tasksStub, err := tasks.NewStub(fakeTasks{})
	if err != nil {
		t.Fatal(err)
	}
	explorerStub, err := explorer.NewStub(host.NewFileService(nopLogger()))
	if err != nil {
		t.Fatal(err)
	}
	for name, stub := range map[string]*binder.Stub{
		activity.ServiceName: activityStub,
		tasks.ServiceName:    tasksStub,
		explorer.ServiceName: explorerStub,
	} {
		if err := sm.Register(name, stub); err != nil {
			t.Fatal(err)
		}
	}

	socketPath := filepath.Join(dir, "helper.sock")
	ln, err := helper.Listen(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		helper.NewServer(sm, nil, nopLogger()).Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	configPath := filepath.Join(dir, "config.yaml")
	body := "transport: unix\nsocket_path: " + socketPath + "\n"
	if err := os.WriteFile(configPath, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return configPath
}

// runCLI runs the app with args after the global --config flag and returns
// stdout and the exit code.
func runCLI(t *testing.T, configPath string, args ...string) (string, int) {
	t.Helper()
	defer slog.SetDefault(slog.Default())

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	app.ExitErrHandler = func(*cli.Context, error) {}

	err := app.Run(append([]string{binaryName, "--config", configPath}, args...))
	if err == nil {
		return out.String(), 0
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		return out.String(), exitCoder.ExitCode()
	}
	return out.String(), exitCode(err)
}

func TestPs(t *testing.T) {
	configPath := startHelper(t, &fakeActivity{})

	out, code := runCLI(t, configPath, "ps")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "PID") || !strings.Contains(lines[1], "firefox") {
		t.Errorf("output:\n%s", out)
	}

	out, code = runCLI(t, configPath, "--format", "json", "ps")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	var procs []processView
	if err := json.Unmarshal([]byte(out), &procs); err != nil {
		t.Fatal(err)
	}
	if len(procs) != 2 || procs[1].Name != "sshd" || procs[1].Importance != activity.ImportanceService {
		t.Errorf("procs = %+v", procs)
	}
}

func TestKill(t *testing.T) {
	am := &fakeActivity{}
	configPath := startHelper(t, am)

	if _, code := runCLI(t, configPath, "kill", "--user", "1000", "firefox"); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if _, code := runCLI(t, configPath, "kill", "firefox"); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	own := fmt.Sprintf("firefox/%d", os.Getuid())
	if stopped := am.stoppedPackages(); len(stopped) != 2 || stopped[0] != "firefox/1000" || stopped[1] != own {
		t.Errorf("stopped = %v, want [firefox/1000 %s]", stopped, own)
	}

	if _, code := runCLI(t, configPath, "kill", "thunderbird"); code != exitApplication {
		t.Errorf("unknown package exit code %d, want %d", code, exitApplication)
	}
	if _, code := runCLI(t, configPath, "kill"); code != exitApplication {
		t.Errorf("missing argument exit code %d, want %d", code, exitApplication)
	}
}

func TestGlobalFlags(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "absent.yaml")

	tests := []struct {
		name string
		args []string
	}{
		{"verbose short", []string{"-V", "version"}},
		{"verbose long", []string{"--verbose", "version"}},
		{"built-in version", []string{"--version"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, code := runCLI(t, configPath, tt.args...)
			if code != 0 {
				t.Fatalf("exit code %d", code)
			}
			if !strings.Contains(out, "rmm-bridge dev") {
				t.Errorf("output = %q", out)
			}
		})
	}
}

func TestMem(t *testing.T) {
	configPath := startHelper(t, &fakeActivity{})

	out, code := runCLI(t, configPath, "--format", "json", "mem", "10", "20")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	var list []memoryView
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].TotalPss != 2048 || list[0].Hidden || !list[1].Hidden {
		t.Errorf("memory = %+v", list)
	}

	if _, code := runCLI(t, configPath, "mem", "ten"); code != exitApplication {
		t.Errorf("bad pid exit code %d", code)
	}
}

func TestTasksWithExtras(t *testing.T) {
	configPath := startHelper(t, &fakeActivity{})

	out, code := runCLI(t, configPath, "--format", "yaml", "tasks", "--extras")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(out, "base_package: firefox") || !strings.Contains(out, "extras: /usr/bin/firefox") {
		t.Errorf("output:\n%s", out)
	}
}

func TestFileCommands(t *testing.T) {
	configPath := startHelper(t, &fakeActivity{})
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("hello bridge"), 0644); err != nil {
		t.Fatal(err)
	}

	out, code := runCLI(t, configPath, "cat", "--offset", "6", path)
	if code != 0 || out != "bridge" {
		t.Errorf("cat = %q, exit code %d", out, code)
	}

	out, code = runCLI(t, configPath, "ls", dir)
	if code != 0 || !strings.Contains(out, "notes.txt") {
		t.Errorf("ls exit code %d, output:\n%s", code, out)
	}

	out, code = runCLI(t, configPath, "--format", "json", "stat", path)
	if code != 0 {
		t.Fatalf("stat exit code %d", code)
	}
	var v fileView
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatal(err)
	}
	if v.Name != "notes.txt" || !v.IsFile || v.Length != 12 {
		t.Errorf("stat = %+v", v)
	}
}

func TestTopOnce(t *testing.T) {
	configPath := startHelper(t, &fakeActivity{})

	out, code := runCLI(t, configPath, "--format", "json", "top", "--once")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	var v snapshotView
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatal(err)
	}
	// sshd runs no task
	if len(v.Processes) != 1 || v.Processes[0].PID != 10 || v.TotalPss != 2048 {
		t.Errorf("snapshot = %+v", v)
	}
}

func TestUnreachableHelperIsTransportError(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	body := "transport: unix\nsocket_path: " + filepath.Join(dir, "absent.sock") + "\n"
	if err := os.WriteFile(configPath, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	if _, code := runCLI(t, configPath, "ps"); code != exitTransport {
		t.Errorf("exit code %d, want %d", code, exitTransport)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"application", binder.NewApplicationError(binder.KindPermissionDenied, "no"), exitApplication},
		{"protocol", &binder.ProtocolError{Reason: binder.ReasonInterfaceMismatch}, exitProtocol},
		{"transport", &binder.TransportError{Op: "dial", Err: io.EOF}, exitTransport},
		{"wrapped transport", fmt.Errorf("list: %w", &binder.TransportError{Op: "read", Err: io.EOF}), exitTransport},
		{"plain", errors.New("boom"), exitApplication},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRendererRejectsUnknownFormat(t *testing.T) {
	if _, err := newRenderer("xml", io.Discard); err == nil {
		t.Error("expected error for xml")
	}
	r, err := newRenderer("table", io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.render(struct{}{}); err == nil {
		t.Error("expected error rendering a non-tabular value as a table")
	}
}

func TestKib(t *testing.T) {
	tests := map[int64]string{
		512:     "512K",
		2048:    "2.0M",
		3 << 20: "3.0G",
	}
	for in, want := range tests {
		if got := kib(in); got != want {
			t.Errorf("kib(%d) = %q, want %q", in, got, want)
		}
	}
}
