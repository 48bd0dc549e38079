// Package explorer declares the file-explorer contract, which lets an
// unprivileged caller browse paths only the helper can read. Entries travel
// as filerecord.FileRecord values.
package explorer

import (
	"context"
	"fmt"

	"github.com/doughall/linuxrmm/bridge/internal/binder"
	"github.com/doughall/linuxrmm/bridge/internal/filerecord"
	"github.com/doughall/linuxrmm/bridge/internal/parcel"
)

// ServiceName is the name the helper registers this contract under.
const ServiceName = "file_explorer"

// MaxReadLimit caps the bytes returned by one readFile call.
const MaxReadLimit = 1 << 20

const (
	CodeListFiles = binder.FirstCallTransaction + iota
	CodeStat
	CodeReadFile
)

// Contract is the file-explorer contract, version 1.
var Contract = binder.MustContract("linuxrmm.bridge.IFileExplorerService", filerecord.Version,
	binder.Method{Name: "listFiles", Code: CodeListFiles},
	binder.Method{Name: "stat", Code: CodeStat},
	binder.Method{Name: "readFile", Code: CodeReadFile},
)

// Service is the file-explorer interface.
type Service interface {
	// ListFiles returns the entries of a directory. Unreadable paths and
	// paths that are not directories yield an empty list.
	ListFiles(ctx context.Context, path string) ([]filerecord.FileRecord, error)
	// Stat describes one path. A missing path yields a record with only the
	// path-derived fields set.
	Stat(ctx context.Context, path string) (filerecord.FileRecord, error)
	// ReadFile returns up to limit bytes of a regular file starting at offset.
	ReadFile(ctx context.Context, path string, offset int64, limit int32) ([]byte, error)
}

// NewStub returns the dispatcher serving impl.
func NewStub(impl Service, opts ...binder.StubOption) (*binder.Stub, error) {
	return binder.NewStub(Contract, map[binder.Code]binder.Decoder{
		CodeListFiles: func(in *parcel.Reader) (binder.Call, error) {
			path, err := in.ReadString()
			if err != nil {
				return nil, fmt.Errorf("path: %w", err)
			}
			return func(ctx context.Context, out *parcel.Writer) error {
				list, err := impl.ListFiles(ctx, path)
				if err != nil {
					return err
				}
				if list == nil {
					list = []filerecord.FileRecord{}
				}
				filerecord.WriteList(out, list)
				return nil
			}, nil
		},
		CodeStat: func(in *parcel.Reader) (binder.Call, error) {
			path, err := in.ReadString()
			if err != nil {
				return nil, fmt.Errorf("path: %w", err)
			}
			return func(ctx context.Context, out *parcel.Writer) error {
				rec, err := impl.Stat(ctx, path)
				if err != nil {
					return err
				}
				rec.WriteParcel(out)
				return nil
			}, nil
		},
		CodeReadFile: func(in *parcel.Reader) (binder.Call, error) {
			path, err := in.ReadString()
			if err != nil {
				return nil, fmt.Errorf("path: %w", err)
			}
			offset, err := in.ReadInt64()
			if err != nil {
				return nil, fmt.Errorf("offset: %w", err)
			}
			limit, err := in.ReadInt32()
			if err != nil {
				return nil, fmt.Errorf("limit: %w", err)
			}
			return func(ctx context.Context, out *parcel.Writer) error {
				if offset < 0 || limit < 0 {
					return binder.NewApplicationError(binder.KindInvalidArgument,
						"offset and limit must not be negative (offset %d, limit %d)", offset, limit)
				}
				if limit > MaxReadLimit {
					limit = MaxReadLimit
				}
				data, err := impl.ReadFile(ctx, path, offset, limit)
				if err != nil {
					return err
				}
				if len(data) > int(limit) {
					data = data[:limit]
				}
				if data == nil {
					data = []byte{}
				}
				out.WriteByteArray(data)
				return nil
			}, nil
		},
	}, opts...)
}

// Proxy calls a remote file explorer.
type Proxy struct {
	remote *binder.Remote
}

var _ Service = (*Proxy)(nil)

// Bind verifies that h serves this contract and returns a proxy for it.
func Bind(ctx context.Context, h binder.Handle) (*Proxy, error) {
	remote, err := binder.Bind(ctx, h, Contract)
	if err != nil {
		return nil, err
	}
	return &Proxy{remote: remote}, nil
}

func (p *Proxy) ListFiles(ctx context.Context, path string) ([]filerecord.FileRecord, error) {
	var list []filerecord.FileRecord
	err := p.remote.Call(ctx, CodeListFiles,
		func(w *parcel.Writer) { w.WriteString(path) },
		func(in *parcel.Reader) error {
			var err error
			list, err = filerecord.ReadList(in)
			return err
		})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (p *Proxy) Stat(ctx context.Context, path string) (filerecord.FileRecord, error) {
	var rec filerecord.FileRecord
	err := p.remote.Call(ctx, CodeStat,
		func(w *parcel.Writer) { w.WriteString(path) },
		func(in *parcel.Reader) error {
			var err error
			rec, err = filerecord.Read(in)
			return err
		})
	if err != nil {
		return filerecord.FileRecord{}, err
	}
	return rec, nil
}

func (p *Proxy) ReadFile(ctx context.Context, path string, offset int64, limit int32) ([]byte, error) {
	var data []byte
	err := p.remote.Call(ctx, CodeReadFile,
		func(w *parcel.Writer) {
			w.WriteString(path)
			w.WriteInt64(offset)
			w.WriteInt32(limit)
		},
		func(in *parcel.Reader) error {
			var err error
			data, err = in.ReadByteArray()
			return err
		})
	if err != nil {
		return nil, err
	}
	return data, nil
}
