package activity

import (
	"fmt"

	"github.com/doughall/linuxrmm/bridge/internal/parcel"
)

// Importance ranks how much a process matters to the user. Lower is more
// important.
const (
	ImportanceForeground int32 = 100
	ImportanceVisible    int32 = 200
	ImportanceService    int32 = 300
	ImportanceCached     int32 = 400
	ImportanceGone       int32 = 1000
)

// ProcessInfo describes one running process.
type ProcessInfo struct {
	PID         int32
	UID         int32
	ProcessName string
	// PkgList names the packages hosted by the process. On Linux this is the
	// executable name, plus the name of its task root when that differs.
	PkgList    []string
	Importance int32
}

// MemoryInfo is a per-process memory summary in KiB. The zero value is the
// entry returned for processes the caller may not see.
type MemoryInfo struct {
	TotalPss    int64
	TotalRss    int64
	TotalSwap   int64
	TotalVms    int64
	SharedClean int64
}

// IsZero reports whether m is the zero-filled entry.
func (m MemoryInfo) IsZero() bool {
	return m == MemoryInfo{}
}

const (
	processInfoMinSize = 4 + 4 + 4 + 4 + 4
	memoryInfoSize     = 5 * 8
)

func writeProcessInfo(w *parcel.Writer, p ProcessInfo) {
	w.WriteInt32(p.PID)
	w.WriteInt32(p.UID)
	w.WriteString(p.ProcessName)
	w.WriteStringSlice(p.PkgList)
	w.WriteInt32(p.Importance)
}

func readProcessInfo(r *parcel.Reader) (ProcessInfo, error) {
	var p ProcessInfo
	var err error
	if p.PID, err = r.ReadInt32(); err != nil {
		return ProcessInfo{}, fmt.Errorf("process pid: %w", err)
	}
	if p.UID, err = r.ReadInt32(); err != nil {
		return ProcessInfo{}, fmt.Errorf("process uid: %w", err)
	}
	if p.ProcessName, err = r.ReadString(); err != nil {
		return ProcessInfo{}, fmt.Errorf("process name: %w", err)
	}
	if p.PkgList, err = r.ReadStringSlice(); err != nil {
		return ProcessInfo{}, fmt.Errorf("process packages: %w", err)
	}
	if p.Importance, err = r.ReadInt32(); err != nil {
		return ProcessInfo{}, fmt.Errorf("process importance: %w", err)
	}
	return p, nil
}

func writeMemoryInfo(w *parcel.Writer, m MemoryInfo) {
	w.WriteInt64(m.TotalPss)
	w.WriteInt64(m.TotalRss)
	w.WriteInt64(m.TotalSwap)
	w.WriteInt64(m.TotalVms)
	w.WriteInt64(m.SharedClean)
}

func readMemoryInfo(r *parcel.Reader) (MemoryInfo, error) {
	var m MemoryInfo
	for _, f := range []*int64{&m.TotalPss, &m.TotalRss, &m.TotalSwap, &m.TotalVms, &m.SharedClean} {
		v, err := r.ReadInt64()
		if err != nil {
			return MemoryInfo{}, fmt.Errorf("memory info: %w", err)
		}
		*f = v
	}
	return m, nil
}
