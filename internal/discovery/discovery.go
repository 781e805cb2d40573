// Package discovery crawls tracked directories and merges the files it finds
// into storage without touching the state of files already tracked.
package discovery

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fiscalsync/internal/storage"
)

const defaultParallelRoots = 4

// Crawler walks directory trees breadth-first and reports files whose
// extension is on the allow-list.
type Crawler struct {
	allowed       map[string]struct{}
	parallelRoots int
}

// NewCrawler builds a crawler for the given extensions. Extensions are
// matched case-insensitively with or without a leading dot.
func NewCrawler(extensions []string) *Crawler {
	allowed := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		allowed[NormalizeExt(ext)] = struct{}{}
	}
	return &Crawler{allowed: allowed, parallelRoots: defaultParallelRoots}
}

// NormalizeExt lowercases ext and makes sure it starts with a dot.
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// Discover crawls every root and returns the matching files tagged with kind.
// Roots are crawled concurrently but results keep root order, and entries of
// a directory keep lexical order. Missing roots are logged and skipped.
func (c *Crawler) Discover(ctx context.Context, kind storage.JobKind, roots []string) ([]storage.WorkItem, error) {
	perRoot := make([][]storage.WorkItem, len(roots))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelRoots)
	for i, root := range roots {
		i, root := i, root
		g.Go(func() error {
			items, err := c.walk(ctx, kind, root)
			if err != nil {
				return err
			}
			perRoot[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err //nolint:wrapcheck
	}

	seen := make(map[string]struct{})
	var out []storage.WorkItem
	for _, items := range perRoot {
		for _, item := range items {
			// nested roots would otherwise report a file twice
			if _, dup := seen[item.Path]; dup {
				continue
			}
			seen[item.Path] = struct{}{}
			out = append(out, item)
		}
	}
	return out, nil
}

// walk visits root with an explicit queue. Symlinked directories are not
// followed, so cycles cannot occur.
func (c *Crawler) walk(ctx context.Context, kind storage.JobKind, root string) ([]storage.WorkItem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		log.Warn().Str("root", absRoot).Err(err).Msg("discovery root unavailable")
		return nil, nil
	}
	if !info.IsDir() {
		log.Warn().Str("root", absRoot).Msg("discovery root is not a directory")
		return nil, nil
	}

	var items []storage.WorkItem
	queue := []string{absRoot}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err //nolint:wrapcheck
		}
		dir := queue[0]
		queue = queue[1:]

		entries, err := os.ReadDir(dir)
		if err != nil {
			log.Warn().Str("dir", dir).Err(err).Msg("read dir failed")
			continue
		}
		for _, entry := range entries {
			p := filepath.Join(dir, entry.Name())
			if entry.Type()&fs.ModeSymlink != 0 {
				continue
			}
			if entry.IsDir() {
				queue = append(queue, p)
				continue
			}
			ext := NormalizeExt(filepath.Ext(entry.Name()))
			if _, ok := c.allowed[ext]; !ok {
				continue
			}
			fi, err := entry.Info()
			if err != nil {
				continue
			}
			items = append(items, storage.WorkItem{
				Path:    p,
				Kind:    kind,
				Ext:     ext,
				Size:    fi.Size(),
				ModTime: fi.ModTime(),
				IsValid: true,
			})
		}
	}
	return items, nil
}

// Merge inserts newly discovered items and returns how many were new.
// Already tracked paths keep their send and validity state.
func Merge(ctx context.Context, repo storage.Repository, items []storage.WorkItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	n, err := repo.InsertNewItems(ctx, items)
	if err != nil {
		return 0, fmt.Errorf("merge discovered files: %w", err)
	}
	return n, nil
}
