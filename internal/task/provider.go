package task

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"fiscalsync/internal/classify"
	fileutil "fiscalsync/internal/file"
	"fiscalsync/internal/remote"
	"fiscalsync/internal/storage"
)

const unclassifiedDir = "unclassified"

// ProviderAPI is the document provider as seen by the download job.
type ProviderAPI interface {
	Count(ctx context.Context, token, docType string) (int, error)
	Fetch(ctx context.Context, token, docType string, offset, limit int) ([]remote.ProviderDocument, error)
}

// Batch is one page of provider documents.
type Batch struct {
	DocType string
	Offset  int
	Limit   int
}

// ProviderOptions configures a ProviderStrategy.
type ProviderOptions struct {
	OutputDir string
	BatchSize int
	DocTypes  []string
	Location  *time.Location
}

// ProviderStrategy downloads provider documents and files them under
// <out>/<year>/<month>/<cnpj>/<key>.xml.
type ProviderStrategy struct {
	api  ProviderAPI
	repo storage.Repository
	opts ProviderOptions

	// out is resolved once per run.
	out string
}

// NewProviderStrategy builds a ProviderStrategy.
func NewProviderStrategy(api ProviderAPI, repo storage.Repository, opts ProviderOptions) *ProviderStrategy {
	if opts.BatchSize < 1 {
		opts.BatchSize = 50
	}
	if len(opts.DocTypes) == 0 {
		opts.DocTypes = remote.DocumentTypes
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &ProviderStrategy{api: api, repo: repo, opts: opts}
}

func (s *ProviderStrategy) Label(b Batch) string {
	return fmt.Sprintf("%s %d-%d", b.DocType, b.Offset+1, b.Offset+b.Limit)
}

// Plan counts the documents of every type and splits them into batches.
func (s *ProviderStrategy) Plan(ctx context.Context, run *Run) (Plan[Batch], error) {
	settings, err := s.repo.Settings(ctx)
	if err != nil {
		return Plan[Batch]{}, fmt.Errorf("load settings: %w", err)
	}
	s.out = s.opts.OutputDir
	if settings.ProviderOutputDir != "" {
		s.out = settings.ProviderOutputDir
	}
	if s.out == "" {
		return Plan[Batch]{}, fmt.Errorf("no output directory configured")
	}
	if err := fileutil.EnsureDir(s.out); err != nil {
		return Plan[Batch]{}, err //nolint:wrapcheck
	}

	var batches []Batch
	total, uncounted := 0, 0
	for _, docType := range s.opts.DocTypes {
		var n int
		res := run.Retry(ctx, docType, func(ctx context.Context, token string) error {
			var err error
			n, err = s.api.Count(ctx, token, docType)
			return err //nolint:wrapcheck
		})
		switch res {
		case RetryInterrupted:
			return Plan[Batch]{}, fmt.Errorf("counting %s: %w", docType, ErrInterrupted)
		case RetryFailed:
			uncounted++
			continue
		}
		run.Report(ctx, fmt.Sprintf("%s: %d documents available", docType, n))
		total += n
		for off := 0; off < n; off += s.opts.BatchSize {
			batches = append(batches, Batch{DocType: docType, Offset: off, Limit: min(s.opts.BatchSize, n-off)})
		}
	}
	if uncounted == len(s.opts.DocTypes) {
		return Plan[Batch]{}, errors.New("the provider could not count any document type")
	}
	note := ""
	if uncounted > 0 {
		note = fmt.Sprintf(", %d types could not be counted", uncounted)
		for i := 0; i < uncounted; i++ {
			run.RecordError()
		}
	}
	if run.Params.CountOnly {
		return Plan[Batch]{EmptyMessage: fmt.Sprintf("count finished: %d documents available%s", total, note)}, nil
	}
	return Plan[Batch]{Items: batches, EmptyMessage: "no documents available" + note}, nil
}

// Process fetches one batch and writes the documents not on disk yet.
func (s *ProviderStrategy) Process(ctx context.Context, run *Run, b Batch) (Outcome, error) {
	var docs []remote.ProviderDocument
	switch run.Retry(ctx, s.Label(b), func(ctx context.Context, token string) error {
		var err error
		docs, err = s.api.Fetch(ctx, token, b.DocType, b.Offset, b.Limit)
		return err //nolint:wrapcheck
	}) {
	case RetryInterrupted:
		return interrupted, nil
	case RetryFailed:
		return failed("fetch failed"), nil
	}

	written := 0
	for _, d := range docs {
		if run.Interrupted() {
			return Outcome{Status: OutcomeInterrupted, Sent: written}, nil
		}
		path := s.filingPath(d)
		if fileutil.Exists(path) {
			continue
		}
		if err := fileutil.EnsureDir(filepath.Dir(path)); err != nil {
			return Outcome{}, err //nolint:wrapcheck
		}
		if err := fileutil.WriteFileAtomic(path, d.Content); err != nil {
			return Outcome{}, err //nolint:wrapcheck
		}
		written++
	}
	if written == 0 {
		return skipped("already downloaded"), nil
	}
	return sent(written), nil
}

// filingPath derives where a document is stored. Issue date and company come
// from the XML when it carries an access key, else from the provider key.
func (s *ProviderStrategy) filingPath(d remote.ProviderDocument) string {
	if doc, ok := classify.ParseDocument(d.Content, s.opts.Location); ok {
		issued := doc.IssuedAt.In(s.opts.Location)
		return filepath.Join(s.out,
			fmt.Sprintf("%04d", issued.Year()), fmt.Sprintf("%02d", int(issued.Month())),
			doc.CNPJ, string(doc.Key)+".xml")
	}
	if key := classify.AccessKey(d.Key); key.Valid() && safeName(d.Key) == d.Key {
		return filepath.Join(s.out,
			fmt.Sprintf("%04d", key.Year()), fmt.Sprintf("%02d", key.Month()),
			key.CNPJ(), string(key)+".xml")
	}
	name := safeName(d.Key)
	if name == "" {
		sum := sha256.Sum256(d.Content)
		name = hex.EncodeToString(sum[:12])
	}
	return filepath.Join(s.out, unclassifiedDir, name+".xml")
}

// safeName keeps letters, digits, dash and underscore.
func safeName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return -1
	}, key)
}
