// Package activity declares the process-management contract: listing
// running processes, force-stopping a package and reading per-process
// memory. It provides the Stub that serves a Manager and the Proxy that
// calls one remotely; both satisfy Manager.
package activity

import (
	"context"
	"fmt"

	"github.com/doughall/linuxrmm/bridge/internal/binder"
	"github.com/doughall/linuxrmm/bridge/internal/parcel"
)

// ServiceName is the name the helper registers this contract under.
const ServiceName = "activity"

// Ordinals. These are the wire identity of each operation and never change
// within a version.
const (
	CodeListRunningProcesses = binder.FirstCallTransaction + iota
	CodeForceStopPackage
	CodeGetProcessMemoryInfo
)

// Contract is the process-management contract, version 1.
var Contract = binder.MustContract("linuxrmm.bridge.IActivityManager", 1,
	binder.Method{Name: "listRunningProcesses", Code: CodeListRunningProcesses},
	binder.Method{Name: "forceStopPackage", Code: CodeForceStopPackage},
	binder.Method{Name: "getProcessMemoryInfo", Code: CodeGetProcessMemoryInfo},
)

// Manager is the process-management interface.
type Manager interface {
	// ListRunningProcesses returns running processes in no particular order.
	ListRunningProcesses(ctx context.Context) ([]ProcessInfo, error)
	// ForceStopPackage kills every process of packageName owned by userID.
	ForceStopPackage(ctx context.Context, packageName string, userID int32) error
	// GetProcessMemoryInfo returns exactly one entry per pid, in input order.
	// Pids the caller may not see get a zero entry.
	GetProcessMemoryInfo(ctx context.Context, pids []int32) ([]MemoryInfo, error)
}

// NewStub returns the dispatcher serving impl.
func NewStub(impl Manager, opts ...binder.StubOption) (*binder.Stub, error) {
	return binder.NewStub(Contract, map[binder.Code]binder.Decoder{
		CodeListRunningProcesses: func(in *parcel.Reader) (binder.Call, error) {
			return func(ctx context.Context, out *parcel.Writer) error {
				procs, err := impl.ListRunningProcesses(ctx)
				if err != nil {
					return err
				}
				parcel.WriteSlice(out, procs, writeProcessInfo)
				return nil
			}, nil
		},
		CodeForceStopPackage: func(in *parcel.Reader) (binder.Call, error) {
			name, err := in.ReadString()
			if err != nil {
				return nil, fmt.Errorf("packageName: %w", err)
			}
			userID, err := in.ReadInt32()
			if err != nil {
				return nil, fmt.Errorf("userId: %w", err)
			}
			return func(ctx context.Context, out *parcel.Writer) error {
				return impl.ForceStopPackage(ctx, name, userID)
			}, nil
		},
		CodeGetProcessMemoryInfo: func(in *parcel.Reader) (binder.Call, error) {
			pids, err := in.ReadInt32Slice()
			if err != nil {
				return nil, fmt.Errorf("pids: %w", err)
			}
			return func(ctx context.Context, out *parcel.Writer) error {
				infos, err := impl.GetProcessMemoryInfo(ctx, pids)
				if err != nil {
					return err
				}
				if len(infos) != len(pids) {
					return binder.NewApplicationError(binder.KindInternal,
						"getProcessMemoryInfo returned %d entries for %d pids", len(infos), len(pids))
				}
				parcel.WriteSlice(out, infos, writeMemoryInfo)
				return nil
			}, nil
		},
	}, opts...)
}

// Proxy calls a remote Manager.
type Proxy struct {
	remote *binder.Remote
}

var _ Manager = (*Proxy)(nil)

// Bind verifies that h serves this contract and returns a proxy for it.
func Bind(ctx context.Context, h binder.Handle) (*Proxy, error) {
	remote, err := binder.Bind(ctx, h, Contract)
	if err != nil {
		return nil, err
	}
	return &Proxy{remote: remote}, nil
}

func (p *Proxy) ListRunningProcesses(ctx context.Context) ([]ProcessInfo, error) {
	var procs []ProcessInfo
	err := p.remote.Call(ctx, CodeListRunningProcesses, nil, func(in *parcel.Reader) error {
		var err error
		procs, err = parcel.ReadSlice(in, processInfoMinSize, readProcessInfo)
		return err
	})
	if err != nil {
		return nil, err
	}
	return procs, nil
}

func (p *Proxy) ForceStopPackage(ctx context.Context, packageName string, userID int32) error {
	return p.remote.Call(ctx, CodeForceStopPackage, func(w *parcel.Writer) {
		w.WriteString(packageName)
		w.WriteInt32(userID)
	}, nil)
}

func (p *Proxy) GetProcessMemoryInfo(ctx context.Context, pids []int32) ([]MemoryInfo, error) {
	var infos []MemoryInfo
	err := p.remote.Call(ctx, CodeGetProcessMemoryInfo,
		func(w *parcel.Writer) { w.WriteInt32Slice(pids) },
		func(in *parcel.Reader) error {
			var err error
			infos, err = parcel.ReadSlice(in, memoryInfoSize, readMemoryInfo)
			if err != nil {
				return err
			}
			if len(infos) != len(pids) {
				return fmt.Errorf("%d memory entries for %d pids", len(infos), len(pids))
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

// Ping checks that the remote endpoint still answers.
func (p *Proxy) Ping(ctx context.Context) error {
	return p.remote.Ping(ctx)
}
