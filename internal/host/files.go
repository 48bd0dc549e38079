package host

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/doughall/linuxrmm/bridge/internal/binder"
	"github.com/doughall/linuxrmm/bridge/internal/explorer"
	"github.com/doughall/linuxrmm/bridge/internal/filerecord"
)

// FileService implements explorer.Service on the local file system.
type FileService struct {
	logger *slog.Logger
}

var _ explorer.Service = (*FileService)(nil)

// NewFileService creates the file-explorer implementation.
func NewFileService(logger *slog.Logger) *FileService {
	return &FileService{logger: logger}
}

// ListFiles returns the entries of path sorted by name. Unreadable paths and
// non-directories yield an empty list.
func (s *FileService) ListFiles(ctx context.Context, path string) ([]filerecord.FileRecord, error) {
	if path == "" {
		return nil, binder.NewApplicationError(binder.KindInvalidArgument, "path is required")
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		s.logger.Debug("directory not listable",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return []filerecord.FileRecord{}, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	records := make([]filerecord.FileRecord, 0, len(entries))
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		child := filepath.Join(path, entry.Name())
		// Follow symlinks so entries describe their targets, as stat does.
		info, _ := os.Stat(child)
		records = append(records, filerecord.FromFileInfo(child, info))
	}
	return records, nil
}

// Stat describes path. A missing entry still yields its path-derived fields.
func (s *FileService) Stat(ctx context.Context, path string) (filerecord.FileRecord, error) {
	if path == "" {
		return filerecord.FileRecord{}, binder.NewApplicationError(binder.KindInvalidArgument, "path is required")
	}
	return filerecord.FromPath(path), nil
}

// ReadFile reads up to limit bytes from offset. Reading past the end yields
// an empty result.
func (s *FileService) ReadFile(ctx context.Context, path string, offset int64, limit int32) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fileError(path, err)
	}
	defer f.Close()

	rec, err := filerecord.FromFile(f)
	if err != nil {
		return nil, fileError(path, err)
	}
	if !rec.IsFile {
		return nil, binder.NewApplicationError(binder.KindNotFound, "%s is not a regular file", path)
	}

	buf := make([]byte, limit)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fileError(path, err)
	}

	s.logger.Debug("read file",
		slog.String("path", path),
		slog.Int64("offset", offset),
		slog.Int("bytes", n),
	)
	return buf[:n], nil
}

func fileError(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return binder.NewApplicationError(binder.KindNotFound, "%s: no such file", path)
	case errors.Is(err, fs.ErrPermission):
		return binder.NewApplicationError(binder.KindPermissionDenied, "%s: permission denied", path)
	default:
		return binder.NewApplicationError(binder.KindInternal, "%s: %v", path, err)
	}
}
