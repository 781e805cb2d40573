package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	fileutil "fiscalsync/internal/file"
)

const (
	archiveDirPerm os.FileMode = 0o750
	// maxEntrySize bounds a single extracted entry; fiscal documents are small.
	maxEntrySize int64 = 64 << 20
)

var (
	ErrUnsafeEntry   = errors.New("archive entry escapes extraction dir")
	ErrEntryTooLarge = errors.New("archive entry too large")
)

// Entry is one file inside an archive, opened lazily.
type Entry struct {
	Name string
	Ext  string
	Size int64
	file *zip.File
}

// Read returns the entry content, bounded by limit bytes when limit > 0.
func (e Entry) Read(limit int64) ([]byte, error) {
	rc, err := e.file.Open()
	if err != nil {
		return nil, fmt.Errorf("open entry %s: %w", e.Name, err)
	}
	defer func() { _ = rc.Close() }()
	var r io.Reader = rc
	if limit > 0 {
		r = io.LimitReader(rc, limit)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", e.Name, err)
	}
	return data, nil
}

// Walk calls fn for every regular file entry in archive order until fn
// returns false.
func Walk(zipPath string, fn func(Entry) bool) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer func() { _ = reader.Close() }()

	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entry := Entry{
			Name: f.Name,
			Ext:  strings.ToLower(path.Ext(f.Name)),
			Size: int64(f.UncompressedSize64), //nolint:gosec // bounded when read
			file: f,
		}
		if !fn(entry) {
			break
		}
	}
	return nil
}

// Extraction describes a zip unpacked into its own directory.
type Extraction struct {
	Dir   string
	Files []string
}

// Cleanup removes the extraction directory. Errors are logged, not returned.
func (x *Extraction) Cleanup() {
	if x == nil || x.Dir == "" {
		return
	}
	if err := fileutil.RemoveTree(x.Dir); err != nil {
		log.Warn().Str("dir", x.Dir).Err(err).Msg("remove extraction dir failed")
	}
}

// Extract unpacks zipPath into a fresh uuid-named subdirectory of tempRoot and
// returns the extracted file paths in archive order. Entries whose names
// would land outside that directory are rejected.
func Extract(ctx context.Context, zipPath, tempRoot string) (*Extraction, error) {
	dest := filepath.Join(tempRoot, uuid.NewString())
	if err := os.MkdirAll(dest, archiveDirPerm); err != nil {
		return nil, fmt.Errorf("ensure dir: %w", err)
	}
	x := &Extraction{Dir: dest}

	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		x.Cleanup()
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer func() { _ = reader.Close() }()

	for _, f := range reader.File {
		if err := ctx.Err(); err != nil {
			x.Cleanup()
			return nil, err //nolint:wrapcheck
		}
		target, err := safeEntryPath(dest, f.Name)
		if err != nil {
			x.Cleanup()
			return nil, err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, archiveDirPerm); err != nil {
				x.Cleanup()
				return nil, fmt.Errorf("ensure dir: %w", err)
			}
			continue
		}
		if f.UncompressedSize64 > uint64(maxEntrySize) {
			x.Cleanup()
			return nil, fmt.Errorf("%s: %w", f.Name, ErrEntryTooLarge)
		}
		if err := extractFile(f, target); err != nil {
			x.Cleanup()
			return nil, err
		}
		x.Files = append(x.Files, target)
	}
	return x, nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()
	return fileutil.CopyAtomic(target, io.LimitReader(rc, maxEntrySize)) //nolint:wrapcheck
}

// safeEntryPath joins name under dest, refusing absolute names and names that
// climb out of dest.
func safeEntryPath(dest, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", name, ErrUnsafeEntry)
	}
	return filepath.Join(dest, cleaned), nil
}
