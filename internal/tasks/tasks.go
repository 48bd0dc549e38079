// Package tasks declares the task-management contract. Its single operation,
// getTasks, takes three optional trailing parameters; omitted parameters are
// always encoded as their defaults, so every variant of the call is the same
// transaction on the wire.
package tasks

import (
	"context"
	"fmt"

	"github.com/doughall/linuxrmm/bridge/internal/binder"
	"github.com/doughall/linuxrmm/bridge/internal/parcel"
)

// ServiceName is the name the helper registers this contract under.
const ServiceName = "activity_task"

// AnyDisplay selects tasks on every display.
const AnyDisplay int32 = -1

// CodeGetTasks is the only ordinal of the contract.
const CodeGetTasks = binder.FirstCallTransaction

// Contract is the task-management contract, version 1.
var Contract = binder.MustContract("linuxrmm.bridge.IActivityTaskManager", 1,
	binder.Method{Name: "getTasks", Code: CodeGetTasks},
)

// TaskInfo describes one task: a group of processes presented to a user as
// one application session.
type TaskInfo struct {
	TaskID        int32
	BasePackage   string
	TopPackage    string
	NumActivities int32
	IsVisible     bool
	DisplayID     int32
	// Extras is the launch command line, present only when the caller asked
	// to keep it.
	Extras parcel.NullString
}

// Query holds the full argument list of getTasks.
type Query struct {
	MaxNum                   int32
	FilterOnlyVisibleRecents bool
	KeepIntentExtra          bool
	DisplayID                int32
}

// Option sets one of the defaulted parameters of getTasks.
type Option func(*Query)

// FilterOnlyVisibleRecents restricts the result to visible tasks.
func FilterOnlyVisibleRecents(v bool) Option {
	return func(q *Query) { q.FilterOnlyVisibleRecents = v }
}

// KeepIntentExtra asks for the launch command line of each task.
func KeepIntentExtra(v bool) Option {
	return func(q *Query) { q.KeepIntentExtra = v }
}

// OnDisplay restricts the result to one display.
func OnDisplay(id int32) Option {
	return func(q *Query) { q.DisplayID = id }
}

// NewQuery applies opts over the defaults.
func NewQuery(maxNum int32, opts ...Option) Query {
	q := Query{MaxNum: maxNum, DisplayID: AnyDisplay}
	for _, opt := range opts {
		opt(&q)
	}
	return q
}

// Manager is the task-management interface. Implementations receive the
// fully defaulted Query.
type Manager interface {
	QueryTasks(ctx context.Context, q Query) ([]TaskInfo, error)
}

// GetTasks calls m with maxNum and the defaulted trailing parameters. It is
// the same call whether m is local or a Proxy.
func GetTasks(ctx context.Context, m Manager, maxNum int32, opts ...Option) ([]TaskInfo, error) {
	return m.QueryTasks(ctx, NewQuery(maxNum, opts...))
}

const taskInfoMinSize = 4 + 4 + 4 + 4 + 1 + 4 + 4

func writeTaskInfo(w *parcel.Writer, t TaskInfo) {
	w.WriteInt32(t.TaskID)
	w.WriteString(t.BasePackage)
	w.WriteString(t.TopPackage)
	w.WriteInt32(t.NumActivities)
	w.WriteBool(t.IsVisible)
	w.WriteInt32(t.DisplayID)
	w.WriteNullString(t.Extras)
}

func readTaskInfo(r *parcel.Reader) (TaskInfo, error) {
	var t TaskInfo
	var err error
	if t.TaskID, err = r.ReadInt32(); err != nil {
		return TaskInfo{}, fmt.Errorf("task id: %w", err)
	}
	if t.BasePackage, err = r.ReadString(); err != nil {
		return TaskInfo{}, fmt.Errorf("task base package: %w", err)
	}
	if t.TopPackage, err = r.ReadString(); err != nil {
		return TaskInfo{}, fmt.Errorf("task top package: %w", err)
	}
	if t.NumActivities, err = r.ReadInt32(); err != nil {
		return TaskInfo{}, fmt.Errorf("task activities: %w", err)
	}
	if t.IsVisible, err = r.ReadBool(); err != nil {
		return TaskInfo{}, fmt.Errorf("task visibility: %w", err)
	}
	if t.DisplayID, err = r.ReadInt32(); err != nil {
		return TaskInfo{}, fmt.Errorf("task display: %w", err)
	}
	if t.Extras, err = r.ReadNullString(); err != nil {
		return TaskInfo{}, fmt.Errorf("task extras: %w", err)
	}
	return t, nil
}

func writeQuery(w *parcel.Writer, q Query) {
	w.WriteInt32(q.MaxNum)
	w.WriteBool(q.FilterOnlyVisibleRecents)
	w.WriteBool(q.KeepIntentExtra)
	w.WriteInt32(q.DisplayID)
}

func readQuery(r *parcel.Reader) (Query, error) {
	var q Query
	var err error
	if q.MaxNum, err = r.ReadInt32(); err != nil {
		return Query{}, fmt.Errorf("maxNum: %w", err)
	}
	if q.FilterOnlyVisibleRecents, err = r.ReadBool(); err != nil {
		return Query{}, fmt.Errorf("filterOnlyVisibleRecents: %w", err)
	}
	if q.KeepIntentExtra, err = r.ReadBool(); err != nil {
		return Query{}, fmt.Errorf("keepIntentExtra: %w", err)
	}
	if q.DisplayID, err = r.ReadInt32(); err != nil {
		return Query{}, fmt.Errorf("displayId: %w", err)
	}
	return q, nil
}

// NewStub returns the dispatcher serving impl.
func NewStub(impl Manager, opts ...binder.StubOption) (*binder.Stub, error) {
	return binder.NewStub(Contract, map[binder.Code]binder.Decoder{
		CodeGetTasks: func(in *parcel.Reader) (binder.Call, error) {
			q, err := readQuery(in)
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, out *parcel.Writer) error {
				if q.MaxNum < 0 {
					return binder.NewApplicationError(binder.KindInvalidArgument, "maxNum must not be negative, got %d", q.MaxNum)
				}
				list, err := impl.QueryTasks(ctx, q)
				if err != nil {
					return err
				}
				if len(list) > int(q.MaxNum) {
					list = list[:q.MaxNum]
				}
				parcel.WriteSlice(out, list, writeTaskInfo)
				return nil
			}, nil
		},
	}, opts...)
}

// Proxy calls a remote task manager.
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

// GetTasks returns at most maxNum tasks. Options override the defaults of
// the trailing parameters.
func (p *Proxy) GetTasks(ctx context.Context, maxNum int32, opts ...Option) ([]TaskInfo, error) {
	return p.QueryTasks(ctx, NewQuery(maxNum, opts...))
}

// QueryTasks performs getTasks with a fully specified argument list.
func (p *Proxy) QueryTasks(ctx context.Context, q Query) ([]TaskInfo, error) {
	var list []TaskInfo
	err := p.remote.Call(ctx, CodeGetTasks,
		func(w *parcel.Writer) { writeQuery(w, q) },
		func(in *parcel.Reader) error {
			var err error
			list, err = parcel.ReadSlice(in, taskInfoMinSize, readTaskInfo)
			return err
		})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// Ping checks that the remote endpoint still answers.
func (p *Proxy) Ping(ctx context.Context) error {
	return p.remote.Ping(ctx)
}
