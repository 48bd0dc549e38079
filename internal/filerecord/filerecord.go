// Package filerecord defines FileRecord, a snapshot of file-system entry
// metadata that crosses the bridge, and its fixed wire encoding.
//
// Encoded field order (never reorder without bumping Version):
//
//	name, path, absolutePath, parent, isFile, isHidden, length, lastModified
//
// parent uses the parcel absent marker when the path has no parent
// component, so "no parent" and "empty parent" stay distinguishable.
package filerecord

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/doughall/linuxrmm/bridge/internal/parcel"
)

// Version identifies the encoded field layout.
const Version = 1

// MinEncodedSize is the smallest possible encoding of a record: four string
// length prefixes, two bools and two int64s.
const MinEncodedSize = 4*4 + 2 + 2*8

// FileRecord is an immutable snapshot of one file-system entry.
type FileRecord struct {
	Name         string
	Path         string
	AbsolutePath string
	Parent       parcel.NullString
	IsFile       bool
	IsHidden     bool
	Length       int64
	LastModified int64 // milliseconds since the Unix epoch
}

// FromPath builds a record for path. Entries that cannot be stat'ed produce
// a record with IsFile false and zero length and modification time.
func FromPath(path string) FileRecord {
	info, err := os.Stat(path)
	if err != nil {
		return FromFileInfo(path, nil)
	}
	return FromFileInfo(path, info)
}

// FromFile builds a record from an open file handle. It yields the same
// record as FromPath(f.Name()) for the same underlying entry.
func FromFile(f *os.File) (FileRecord, error) {
	info, err := f.Stat()
	if err != nil {
		return FileRecord{}, err
	}
	return FromFileInfo(f.Name(), info), nil
}

// FromFileInfo builds a record from path and already-collected metadata.
// A nil info describes an entry that does not exist or cannot be read.
func FromFileInfo(path string, info fs.FileInfo) FileRecord {
	trimmed := normalizeSeparators(path)

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	rec := FileRecord{
		Name:         baseName(trimmed),
		Path:         path,
		AbsolutePath: abs,
		Parent:       parentOf(trimmed),
	}
	rec.IsHidden = strings.HasPrefix(rec.Name, ".")

	if info != nil {
		rec.IsFile = info.Mode().IsRegular()
		if rec.IsFile {
			rec.Length = info.Size()
		}
		rec.LastModified = epochMillis(info.ModTime())
	}
	return rec
}

func epochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// normalizeSeparators collapses runs of '/' and strips a trailing '/' but
// keeps a lone root. "." and ".." elements are left alone.
func normalizeSeparators(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	for i := 0; i < len(p); i++ {
		if p[i] == '/' && i > 0 && p[i-1] == '/' {
			continue
		}
		b.WriteByte(p[i])
	}
	out := b.String()
	if len(out) > 1 {
		out = strings.TrimSuffix(out, "/")
	}
	return out
}

func baseName(p string) string {
	if p == "/" {
		return ""
	}
	return p[strings.LastIndex(p, "/")+1:]
}

func parentOf(p string) parcel.NullString {
	idx := strings.LastIndex(p, "/")
	switch {
	case idx < 0, p == "/":
		return parcel.NullString{}
	case idx == 0:
		return parcel.Some("/")
	default:
		return parcel.Some(p[:idx])
	}
}
