// Package classify decides whether a discovered file is valid and eligible to
// be sent. Results are cached per path and extension until the file changes.
package classify

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"fiscalsync/internal/archive"
	"fiscalsync/internal/clock"
)

const (
	extXML = ".xml"
	extZIP = ".zip"
	extPDF = ".pdf"
	extTXT = ".txt"
	extPFX = ".pfx"

	defaultMaxAgeMonths = 3
	defaultReadLimit    = 32 << 20
)

// Result is the outcome of classifying one file. IsNotaFiscal distinguishes
// a fiscal document that is too old from content that is not fiscal at all.
type Result struct {
	Valid        bool   `json:"valid"`
	IsNotaFiscal bool   `json:"is_nota_fiscal"`
	AccessKey    string `json:"access_key,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

const (
	ReasonTooOld         = "fiscal document older than the allowed window"
	ReasonNotXML         = "content is not xml"
	ReasonEmptyArchive   = "archive has no valid document"
	ReasonCorruptArchive = "archive cannot be opened"
	ReasonBadContent     = "content does not match extension"
	ReasonUnsupported    = "unsupported extension"
	ReasonWrongFlow      = "extension not accepted by this job"
)

type cacheKey struct {
	path string
	ext  string
}

type cacheEntry struct {
	size    int64
	modTime time.Time
	result  *Result
}

// Classifier classifies files by extension. It is safe for concurrent use.
type Classifier struct {
	clock        clock.Clock
	maxAgeMonths int
	readLimit    int64
	sniffers     map[string]Sniffer

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithClock sets the clock used for the age cutoff.
func WithClock(c clock.Clock) Option { return func(cl *Classifier) { cl.clock = c } }

// WithMaxAgeMonths sets how many months back a fiscal document may be issued.
func WithMaxAgeMonths(n int) Option {
	return func(cl *Classifier) {
		if n > 0 {
			cl.maxAgeMonths = n
		}
	}
}

// WithSniffer replaces the content check for ext.
func WithSniffer(ext string, s Sniffer) Option {
	return func(cl *Classifier) { cl.sniffers[ext] = s }
}

// New returns a Classifier with the default sniffers.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		clock:        clock.Real(),
		maxAgeMonths: defaultMaxAgeMonths,
		readLimit:    defaultReadLimit,
		sniffers: map[string]Sniffer{
			extPDF: SnifferFunc(sniffPDF),
			extTXT: SnifferFunc(sniffText),
			extPFX: SnifferFunc(sniffPFX),
		},
		cache: make(map[cacheKey]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify classifies the file at path. certificateFlow restricts accepted
// files to certificates; the document flow rejects certificates. A result
// is served from cache while the file size and modification time are unchanged.
func (c *Classifier) Classify(path, ext string, certificateFlow bool) (*Result, error) {
	if certificateFlow != (ext == extPFX) {
		return &Result{Reason: ReasonWrongFlow}, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	key := cacheKey{path: path, ext: ext}

	c.mu.Lock()
	entry, ok := c.cache[key]
	c.mu.Unlock()
	if ok && entry.size == info.Size() && entry.modTime.Equal(info.ModTime()) {
		return entry.result, nil
	}

	var res *Result
	if ext == extZIP {
		res = c.classifyArchive(path)
	} else {
		data, err := c.readFile(path)
		if err != nil {
			return nil, err
		}
		res = c.ClassifyContent(ext, data)
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{size: info.Size(), modTime: info.ModTime(), result: res}
	c.mu.Unlock()
	return res, nil
}

// Invalidate drops any cached result for path.
func (c *Classifier) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.cache {
		if k.path == path {
			delete(c.cache, k)
		}
	}
}

// ClassifyContent classifies in-memory content of a non-archive file.
func (c *Classifier) ClassifyContent(ext string, data []byte) *Result {
	if ext == extXML {
		return c.classifyXML(data)
	}
	sniffer, ok := c.sniffers[ext]
	if !ok {
		return &Result{Reason: ReasonUnsupported}
	}
	if !sniffer.Sniff(data) {
		return &Result{Reason: ReasonBadContent}
	}
	return &Result{Valid: true}
}

func (c *Classifier) classifyXML(data []byte) *Result {
	if !looksLikeXML(data) {
		return &Result{Reason: ReasonNotXML}
	}
	now := c.clock.Now()
	doc, ok := ParseDocument(data, now.Location())
	if !ok {
		return &Result{Valid: true}
	}
	if c.tooOld(doc, now) {
		return &Result{IsNotaFiscal: true, AccessKey: string(doc.Key), Reason: ReasonTooOld}
	}
	return &Result{Valid: true, IsNotaFiscal: true, AccessKey: string(doc.Key)}
}

// tooOld applies the age window. A date known only to the month is compared
// by months, so a key from exactly maxAgeMonths ago is still accepted.
func (c *Classifier) tooOld(doc Document, now time.Time) bool {
	if doc.MonthOnly {
		months := (now.Year()*12 + int(now.Month())) - (doc.IssuedAt.Year()*12 + int(doc.IssuedAt.Month()))
		return months > c.maxAgeMonths
	}
	return doc.IssuedAt.Before(now.AddDate(0, -c.maxAgeMonths, 0))
}

// classifyArchive returns the result of the first conclusive XML, PDF or TXT
// entry. An archive without one is invalid; it keeps the fiscal flag when a
// too-old document was seen so the operator gets the matching message.
func (c *Classifier) classifyArchive(path string) *Result {
	var (
		found   *Result
		sawOld  *Result
		readErr error
	)
	err := archive.Walk(path, func(e archive.Entry) bool {
		switch e.Ext {
		case extXML, extPDF, extTXT:
		default:
			return true
		}
		data, err := e.Read(c.readLimit)
		if err != nil {
			readErr = err
			return true
		}
		res := c.ClassifyContent(e.Ext, data)
		if res.Valid {
			found = res
			return false
		}
		if res.IsNotaFiscal && sawOld == nil {
			sawOld = res
		}
		return true
	})
	switch {
	case err != nil:
		return &Result{Reason: ReasonCorruptArchive}
	case found != nil:
		return &Result{Valid: true, IsNotaFiscal: found.IsNotaFiscal, AccessKey: found.AccessKey}
	case sawOld != nil:
		return &Result{IsNotaFiscal: true, AccessKey: sawOld.AccessKey, Reason: ReasonTooOld}
	case readErr != nil:
		return &Result{Reason: ReasonCorruptArchive}
	}
	return &Result{Reason: ReasonEmptyArchive}
}

func (c *Classifier) readFile(path string) ([]byte, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from tracked directories
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(io.LimitReader(f, c.readLimit))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
