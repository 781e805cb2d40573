package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"fiscalsync/internal/archive"
	"fiscalsync/internal/classify"
	"fiscalsync/internal/clock"
	"fiscalsync/internal/discovery"
	fileutil "fiscalsync/internal/file"
	"fiscalsync/internal/storage"
)

// UploadFunc sends the file at path with the given token.
type UploadFunc func(ctx context.Context, token, path string) error

// FileOptions configures a FileStrategy.
type FileOptions struct {
	Kind storage.JobKind
	// Certificates selects the certificate flow: only certificate containers
	// are accepted and archives are not opened.
	Certificates bool
	Extensions   []string
	TempDir      string
	Clock        clock.Clock
}

// FileStrategy uploads files found in the tracked directories of its kind.
type FileStrategy struct {
	opts       FileOptions
	repo       storage.Repository
	crawler    *discovery.Crawler
	classifier *classify.Classifier
	upload     UploadFunc

	// settings are read once per run.
	settings  storage.Settings
	// delivered holds archive entries acknowledged during the current run,
	// so an archive picked up again after a pause skips them.
	delivered map[string]struct{}
}

// NewFileStrategy builds a FileStrategy.
func NewFileStrategy(repo storage.Repository, classifier *classify.Classifier, upload UploadFunc, opts FileOptions) *FileStrategy {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &FileStrategy{
		opts:       opts,
		repo:       repo,
		crawler:    discovery.NewCrawler(opts.Extensions),
		classifier: classifier,
		upload:     upload,
		delivered:  make(map[string]struct{}),
	}
}

func (s *FileStrategy) Label(item storage.WorkItem) string { return filepath.Base(item.Path) }

// Plan crawls the tracked directories, tracks new files and returns the
// working set in discovery order.
func (s *FileStrategy) Plan(ctx context.Context, run *Run) (Plan[storage.WorkItem], error) {
	settings, err := s.repo.Settings(ctx)
	if err != nil {
		return Plan[storage.WorkItem]{}, fmt.Errorf("load settings: %w", err)
	}
	s.settings = settings
	s.delivered = make(map[string]struct{})

	dirs, err := s.repo.ListDirectories(ctx, s.opts.Kind)
	if err != nil {
		return Plan[storage.WorkItem]{}, fmt.Errorf("list directories: %w", err)
	}
	if len(dirs) == 0 {
		return Plan[storage.WorkItem]{EmptyMessage: "no directories configured"}, nil
	}
	roots := make([]string, 0, len(dirs))
	for _, d := range dirs {
		roots = append(roots, d.Path)
	}

	found, err := s.crawler.Discover(ctx, s.opts.Kind, roots)
	if err != nil {
		return Plan[storage.WorkItem]{}, fmt.Errorf("discover: %w", err)
	}
	added, err := discovery.Merge(ctx, s.repo, found)
	if err != nil {
		return Plan[storage.WorkItem]{}, err //nolint:wrapcheck
	}
	items, err := s.repo.ListItems(ctx, storage.ItemFilter{Kind: s.opts.Kind, IncludeSent: settings.IncludeSent})
	if err != nil {
		return Plan[storage.WorkItem]{}, fmt.Errorf("list files: %w", err)
	}
	run.Report(ctx, fmt.Sprintf("%d files found, %d new, %d to process", len(found), added, len(items)))
	return Plan[storage.WorkItem]{Items: items, EmptyMessage: "no files to send"}, nil
}

// Process classifies and uploads one tracked file.
func (s *FileStrategy) Process(ctx context.Context, run *Run, item storage.WorkItem) (Outcome, error) {
	label := s.Label(item)
	if !fileutil.Exists(item.Path) {
		return s.forget(ctx, item)
	}

	res, err := s.classifier.Classify(item.Path, item.Ext, s.opts.Certificates)
	if errors.Is(err, os.ErrNotExist) {
		return s.forget(ctx, item)
	}
	if err != nil {
		run.Report(ctx, fmt.Sprintf("%s: could not be read: %v", label, err))
		return failed(err.Error()), nil
	}
	if !res.Valid {
		item.IsValid = false
		if err := s.repo.UpdateItem(ctx, item); err != nil {
			return Outcome{}, fmt.Errorf("update %s: %w", item.Path, err)
		}
		run.Report(ctx, fmt.Sprintf("%s: invalid, %s", label, res.Reason))
		return invalid(res.Reason), nil
	}

	if item.Ext == ".zip" && !s.opts.Certificates {
		return s.sendArchive(ctx, run, item)
	}

	switch run.Retry(ctx, label, func(ctx context.Context, token string) error {
		return s.upload(ctx, token, item.Path)
	}) {
	case RetryInterrupted:
		return interrupted, nil
	case RetryFailed:
		return failed("upload failed"), nil
	}
	return s.markSent(ctx, item)
}

func (s *FileStrategy) forget(ctx context.Context, item storage.WorkItem) (Outcome, error) {
	s.classifier.Invalidate(item.Path)
	if err := s.repo.DeleteItem(ctx, item.Path); err != nil {
		return Outcome{}, fmt.Errorf("forget %s: %w", item.Path, err)
	}
	return skipped("file no longer exists"), nil
}

func (s *FileStrategy) markSent(ctx context.Context, item storage.WorkItem) (Outcome, error) {
	now := s.opts.Clock.Now().UTC()
	item.WasSent = true
	item.IsValid = true
	item.SentAt = &now
	if err := s.repo.UpdateItem(ctx, item); err != nil {
		return Outcome{}, fmt.Errorf("update %s: %w", item.Path, err)
	}
	if s.settings.DeleteAfterSend {
		if err := os.Remove(item.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("path", item.Path).Err(err).Msg("delete after send failed")
		}
		s.classifier.Invalidate(item.Path)
	}
	return sent(1), nil
}

// sendArchive uploads the valid documents inside a zip. The archive counts as
// one sent file unless every upload failed.
func (s *FileStrategy) sendArchive(ctx context.Context, run *Run, item storage.WorkItem) (Outcome, error) {
	label := s.Label(item)
	x, err := archive.Extract(ctx, item.Path, s.opts.TempDir)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted, nil
		}
		item.IsValid = false
		if uerr := s.repo.UpdateItem(ctx, item); uerr != nil {
			return Outcome{}, fmt.Errorf("update %s: %w", item.Path, uerr)
		}
		run.Report(ctx, fmt.Sprintf("%s: could not be extracted: %v", label, err))
		return invalid(err.Error()), nil
	}
	defer x.Cleanup()

	var ok, bad int
	for _, inner := range breadthFirst(x.Dir, x.Files) {
		ext := strings.ToLower(filepath.Ext(inner))
		if !innerEligible(ext) {
			continue
		}
		data, err := os.ReadFile(inner) //nolint:gosec // inside our extraction dir
		if err != nil {
			return Outcome{}, fmt.Errorf("read extracted %s: %w", inner, err)
		}
		if res := s.classifier.ClassifyContent(ext, data); !res.Valid {
			continue
		}
		key := deliveryKey(item.Path, x.Dir, inner)
		if _, done := s.delivered[key]; done {
			ok++
			continue
		}
		innerLabel := label + "/" + filepath.Base(inner)
		switch run.Retry(ctx, innerLabel, func(ctx context.Context, token string) error {
			return s.upload(ctx, token, inner)
		}) {
		case RetrySent:
			s.delivered[key] = struct{}{}
			ok++
		case RetryFailed:
			bad++
		case RetryInterrupted:
			return interrupted, nil
		}
	}

	switch {
	case ok == 0 && bad > 0:
		return failed("no document inside the archive could be sent"), nil
	case ok == 0:
		item.IsValid = false
		if err := s.repo.UpdateItem(ctx, item); err != nil {
			return Outcome{}, fmt.Errorf("update %s: %w", item.Path, err)
		}
		run.Report(ctx, fmt.Sprintf("%s: invalid, %s", label, classify.ReasonEmptyArchive))
		return invalid(classify.ReasonEmptyArchive), nil
	}
	for i := 0; i < bad; i++ {
		run.RecordError()
	}
	return s.markSent(ctx, item)
}

// deliveryKey names an archive entry independently of the extraction dir.
func deliveryKey(archivePath, dir, inner string) string {
	rel, err := filepath.Rel(dir, inner)
	if err != nil {
		rel = filepath.Base(inner)
	}
	return archivePath + "\x00" + filepath.ToSlash(rel)
}

func innerEligible(ext string) bool {
	switch ext {
	case ".xml", ".pdf", ".txt":
		return true
	}
	return false
}

// breadthFirst orders extracted files by depth below root, keeping archive
// order within a level.
func breadthFirst(root string, files []string) []string {
	out := append([]string(nil), files...)
	depth := func(p string) int {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return 0
		}
		return strings.Count(rel, string(filepath.Separator))
	}
	sort.SliceStable(out, func(i, j int) bool { return depth(out[i]) < depth(out[j]) })
	return out
}
