package host

import (
	"context"
	"log/slog"
	"runtime"

	hostinfo "github.com/shirou/gopsutil/v4/host"
)

// PlatformInfo identifies the machine the helper serves.
type PlatformInfo struct {
	Hostname        string
	Platform        string
	PlatformVersion string
	KernelVersion   string
	Arch            string
	Virtualization  string
}

// Platform collects PlatformInfo. Fields gopsutil cannot read stay empty;
// Arch is always the binary's architecture.
func Platform(ctx context.Context) PlatformInfo {
	info := PlatformInfo{Arch: runtime.GOARCH}
	hi, err := hostinfo.InfoWithContext(ctx)
	if err != nil {
		return info
	}
	info.Hostname = hi.Hostname
	info.Platform = hi.Platform
	info.PlatformVersion = hi.PlatformVersion
	info.KernelVersion = hi.KernelVersion
	if hi.VirtualizationRole == "guest" {
		info.Virtualization = hi.VirtualizationSystem
	}
	return info
}

// LogValue implements slog.LogValuer.
func (p PlatformInfo) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("hostname", p.Hostname),
		slog.String("platform", p.Platform),
		slog.String("platform_version", p.PlatformVersion),
		slog.String("kernel", p.KernelVersion),
		slog.String("arch", p.Arch),
	}
	if p.Virtualization != "" {
		attrs = append(attrs, slog.String("virtualization", p.Virtualization))
	}
	return slog.GroupValue(attrs...)
}
