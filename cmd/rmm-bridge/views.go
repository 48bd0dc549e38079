package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/doughall/linuxrmm/bridge/internal/activity"
	"github.com/doughall/linuxrmm/bridge/internal/filerecord"
	"github.com/doughall/linuxrmm/bridge/internal/monitor"
	"github.com/doughall/linuxrmm/bridge/internal/tasks"
)

type processView struct {
	PID        int32    `json:"pid" yaml:"pid"`
	UID        int32    `json:"uid" yaml:"uid"`
	Name       string   `json:"name" yaml:"name"`
	Packages   []string `json:"packages" yaml:"packages"`
	Importance int32    `json:"importance" yaml:"importance"`
}

type processList []processView

func newProcessList(infos []activity.ProcessInfo) processList {
	out := make(processList, len(infos))
	for i, p := range infos {
		out[i] = processView{
			PID:        p.PID,
			UID:        p.UID,
			Name:       p.ProcessName,
			Packages:   p.PkgList,
			Importance: p.Importance,
		}
	}
	return out
}

func (l processList) header() []string {
	return []string{"PID", "UID", "IMPORTANCE", "NAME", "PACKAGES"}
}

func (l processList) rows() [][]string {
	rows := make([][]string, len(l))
	for i, p := range l {
		rows[i] = []string{
			itoa(p.PID), itoa(p.UID), itoa(p.Importance), p.Name, strings.Join(p.Packages, ","),
		}
	}
	return rows
}

// memoryView is in KiB. Hidden is set for the zero-filled entries of
// processes the caller may not see.
type memoryView struct {
	PID         int32 `json:"pid" yaml:"pid"`
	TotalPss    int64 `json:"total_pss" yaml:"total_pss"`
	TotalRss    int64 `json:"total_rss" yaml:"total_rss"`
	TotalSwap   int64 `json:"total_swap" yaml:"total_swap"`
	TotalVms    int64 `json:"total_vms" yaml:"total_vms"`
	SharedClean int64 `json:"shared_clean" yaml:"shared_clean"`
	Hidden      bool  `json:"hidden,omitempty" yaml:"hidden,omitempty"`
}

func newMemoryView(pid int32, m activity.MemoryInfo) memoryView {
	return memoryView{
		PID:         pid,
		TotalPss:    m.TotalPss,
		TotalRss:    m.TotalRss,
		TotalSwap:   m.TotalSwap,
		TotalVms:    m.TotalVms,
		SharedClean: m.SharedClean,
		Hidden:      m.IsZero(),
	}
}

type memoryList []memoryView

func (l memoryList) header() []string {
	return []string{"PID", "PSS", "RSS", "SWAP", "VMS", "SHARED_CLEAN"}
}

func (l memoryList) rows() [][]string {
	rows := make([][]string, len(l))
	for i, m := range l {
		if m.Hidden {
			rows[i] = []string{itoa(m.PID), "-", "-", "-", "-", "-"}
			continue
		}
		rows[i] = []string{
			itoa(m.PID), kib(m.TotalPss), kib(m.TotalRss), kib(m.TotalSwap), kib(m.TotalVms), kib(m.SharedClean),
		}
	}
	return rows
}

type taskView struct {
	TaskID        int32   `json:"task_id" yaml:"task_id"`
	BasePackage   string  `json:"base_package" yaml:"base_package"`
	TopPackage    string  `json:"top_package" yaml:"top_package"`
	NumActivities int32   `json:"num_activities" yaml:"num_activities"`
	Visible       bool    `json:"visible" yaml:"visible"`
	DisplayID     int32   `json:"display_id" yaml:"display_id"`
	Extras        *string `json:"extras,omitempty" yaml:"extras,omitempty"`
}

type taskList []taskView

func newTaskList(infos []tasks.TaskInfo) taskList {
	out := make(taskList, len(infos))
	for i, t := range infos {
		out[i] = taskView{
			TaskID:        t.TaskID,
			BasePackage:   t.BasePackage,
			TopPackage:    t.TopPackage,
			NumActivities: t.NumActivities,
			Visible:       t.IsVisible,
			DisplayID:     t.DisplayID,
		}
		if t.Extras.Valid {
			extras := t.Extras.String
			out[i].Extras = &extras
		}
	}
	return out
}

func (l taskList) header() []string {
	return []string{"TASK", "BASE", "TOP", "ACTIVITIES", "VISIBLE", "DISPLAY", "EXTRAS"}
}

func (l taskList) rows() [][]string {
	rows := make([][]string, len(l))
	for i, t := range l {
		extras := ""
		if t.Extras != nil {
			extras = *t.Extras
		}
		rows[i] = []string{
			itoa(t.TaskID), t.BasePackage, t.TopPackage, itoa(t.NumActivities),
			strconv.FormatBool(t.Visible), itoa(t.DisplayID), extras,
		}
	}
	return rows
}

type fileView struct {
	Name         string    `json:"name" yaml:"name"`
	Path         string    `json:"path" yaml:"path"`
	AbsolutePath string    `json:"absolute_path" yaml:"absolute_path"`
	Parent       *string   `json:"parent" yaml:"parent"`
	IsFile       bool      `json:"is_file" yaml:"is_file"`
	IsHidden     bool      `json:"is_hidden" yaml:"is_hidden"`
	Length       int64     `json:"length" yaml:"length"`
	LastModified time.Time `json:"last_modified" yaml:"last_modified"`
}

func newFileView(r filerecord.FileRecord) fileView {
	v := fileView{
		Name:         r.Name,
		Path:         r.Path,
		AbsolutePath: r.AbsolutePath,
		IsFile:       r.IsFile,
		IsHidden:     r.IsHidden,
		Length:       r.Length,
		LastModified: time.UnixMilli(r.LastModified).UTC(),
	}
	if r.Parent.Valid {
		parent := r.Parent.String
		v.Parent = &parent
	}
	return v
}

func (v fileView) kind() string {
	if v.IsFile {
		return "file"
	}
	return "dir"
}

func (v fileView) header() []string {
	return []string{"FIELD", "VALUE"}
}

func (v fileView) rows() [][]string {
	parent := "-"
	if v.Parent != nil {
		parent = *v.Parent
	}
	return [][]string{
		{"name", v.Name},
		{"path", v.Path},
		{"absolute_path", v.AbsolutePath},
		{"parent", parent},
		{"type", v.kind()},
		{"hidden", strconv.FormatBool(v.IsHidden)},
		{"length", strconv.FormatInt(v.Length, 10)},
		{"last_modified", v.LastModified.Format(time.RFC3339)},
	}
}

type fileList []fileView

func newFileList(records []filerecord.FileRecord) fileList {
	out := make(fileList, len(records))
	for i, r := range records {
		out[i] = newFileView(r)
	}
	return out
}

func (l fileList) header() []string {
	return []string{"TYPE", "SIZE", "MODIFIED", "NAME"}
}

func (l fileList) rows() [][]string {
	rows := make([][]string, len(l))
	for i, f := range l {
		rows[i] = []string{f.kind(), strconv.FormatInt(f.Length, 10), f.LastModified.Format(time.DateTime), f.Name}
	}
	return rows
}

// snapshotView is one refresh of the top command. Sizes are in KiB except
// the system totals, which are in bytes.
type snapshotView struct {
	Time            time.Time      `json:"time" yaml:"time"`
	TotalPss        int64          `json:"total_pss" yaml:"total_pss"`
	SystemTotal     uint64         `json:"system_total,omitempty" yaml:"system_total,omitempty"`
	SystemAvailable uint64         `json:"system_available,omitempty" yaml:"system_available,omitempty"`
	Processes       []topEntryView `json:"processes" yaml:"processes"`
}

type topEntryView struct {
	PID      int32      `json:"pid" yaml:"pid"`
	UID      int32      `json:"uid" yaml:"uid"`
	Name     string     `json:"name" yaml:"name"`
	Packages []string   `json:"packages" yaml:"packages"`
	Memory   memoryView `json:"memory" yaml:"memory"`
}

func newSnapshotView(s monitor.Snapshot) snapshotView {
	v := snapshotView{
		Time:            s.Time.UTC(),
		TotalPss:        s.TotalPss(),
		SystemTotal:     s.SystemTotal,
		SystemAvailable: s.SystemAvailable,
		Processes:       make([]topEntryView, len(s.Entries)),
	}
	for i, e := range s.Entries {
		v.Processes[i] = topEntryView{
			PID:      e.Process.PID,
			UID:      e.Process.UID,
			Name:     e.Process.ProcessName,
			Packages: e.Process.PkgList,
			Memory:   newMemoryView(e.Process.PID, e.Memory),
		}
	}
	return v
}

func (v snapshotView) header() []string {
	return []string{"PID", "UID", "PSS", "RSS", "SWAP", "NAME"}
}

func (v snapshotView) rows() [][]string {
	rows := make([][]string, len(v.Processes))
	for i, p := range v.Processes {
		rows[i] = []string{
			itoa(p.PID), itoa(p.UID), kib(p.Memory.TotalPss), kib(p.Memory.TotalRss), kib(p.Memory.TotalSwap), p.Name,
		}
	}
	return rows
}

// summary is the header line printed above each table refresh.
func (v snapshotView) summary() string {
	var b strings.Builder
	b.WriteString(v.Time.Local().Format(time.TimeOnly))
	b.WriteString("  processes: ")
	b.WriteString(strconv.Itoa(len(v.Processes)))
	b.WriteString("  total pss: ")
	b.WriteString(kib(v.TotalPss))
	if v.SystemTotal > 0 {
		b.WriteString("  memory available: ")
		b.WriteString(kib(int64(v.SystemAvailable / 1024)))
		b.WriteString(" / ")
		b.WriteString(kib(int64(v.SystemTotal / 1024)))
	}
	return b.String()
}

func itoa(v int32) string {
	return strconv.FormatInt(int64(v), 10)
}

// kib formats a KiB count with a binary unit suffix.
func kib(v int64) string {
	switch {
	case v >= 1<<20:
		return strconv.FormatFloat(float64(v)/(1<<20), 'f', 1, 64) + "G"
	case v >= 1<<10:
		return strconv.FormatFloat(float64(v)/(1<<10), 'f', 1, 64) + "M"
	default:
		return strconv.FormatInt(v, 10) + "K"
	}
}
