package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Source names where policy text comes from. Either field may be empty.
type Source struct {
	Dir      string
	SheetURL string
}

// FileEntry describes one supported file in the data directory.
type FileEntry struct {
	Name    string
	Path    string
	Format  DocumentFormat
	Size    int64
	ModTime time.Time
}

type Extractor struct {
	parsers map[DocumentFormat]DocumentParser
	sheets  *SheetFetcher
	logger  *zap.Logger
}

type Option func(*Extractor)

// WithParser replaces the parser used for format.
func WithParser(format DocumentFormat, parser DocumentParser) Option {
	return func(e *Extractor) {
		e.parsers[format] = parser
	}
}

// WithHTTPClient sets the client used to fetch spreadsheet exports.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Extractor) {
		e.sheets = NewSheetFetcher(client)
	}
}

func NewExtractor(logger *zap.Logger, opts ...Option) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Extractor{
		parsers: defaultParsers(),
		sheets:  NewSheetFetcher(nil),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Loaders customise how an extraction pass obtains each source. Nil fields
// fall back to the extractor's own reading and fetching.
type Loaders struct {
	// Listed receives the directory listing before any file is loaded.
	Listed func(entries []FileEntry, err error)
	File   func(ctx context.Context, entry FileEntry) (Document, error)
	Sheet  func(ctx context.Context, sheetURL string) (Document, *SourceError)
}

// Extract runs a full extraction pass over src. Individual source failures
// are collected in the result; they never abort the pass.
func (e *Extractor) Extract(ctx context.Context, src Source) Extraction {
	return e.ExtractWith(ctx, src, Loaders{})
}

// ExtractWith runs an extraction pass using loaders for the per-source work.
func (e *Extractor) ExtractWith(ctx context.Context, src Source, loaders Loaders) Extraction {
	loadFile := loaders.File
	if loadFile == nil {
		loadFile = e.ExtractFile
	}
	loadSheet := loaders.Sheet
	if loadSheet == nil {
		loadSheet = e.FetchSheet
	}

	var result Extraction

	if src.Dir != "" {
		entries, err := e.ListDir(src.Dir)
		if loaders.Listed != nil {
			loaders.Listed(entries, err)
		}
		if err != nil {
			result.Failures = append(result.Failures, e.fileFailure(src.Dir, err))
		}
		for _, entry := range entries {
			doc, err := loadFile(ctx, entry)
			if err != nil {
				doc.Body = ""
				result.Failures = append(result.Failures, e.fileFailure(entry.Name, err))
			}
			result.Documents = append(result.Documents, doc)
		}
	}

	if strings.TrimSpace(src.SheetURL) != "" {
		doc, err := loadSheet(ctx, src.SheetURL)
		if err != nil {
			result.Failures = append(result.Failures, err)
		} else {
			result.Documents = append(result.Documents, doc)
		}
	}

	return result
}

// ListDir returns the supported regular files directly inside dir, sorted by
// name. Subdirectories and unsupported extensions are skipped.
func (e *Extractor) ListDir(dir string) ([]FileEntry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read data directory: %w", err)
	}

	entries := make([]FileEntry, 0, len(dirEntries))
	for _, d := range dirEntries {
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		format := DetectFormat(d.Name())
		if format == FormatUnknown {
			e.logger.Debug("skip unsupported file", zap.String("file", d.Name()))
			continue
		}
		if _, ok := e.parsers[format]; !ok {
			continue
		}
		info, err := d.Info()
		if err != nil {
			e.logger.Warn("stat data file", zap.String("file", d.Name()), zap.Error(err))
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		entries = append(entries, FileEntry{
			Name:    d.Name(),
			Path:    filepath.Join(dir, d.Name()),
			Format:  format,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// ReadFile loads the raw bytes of entry and their SHA-256.
func (e *Extractor) ReadFile(entry FileEntry) (DocumentPayload, string, error) {
	data, err := os.ReadFile(entry.Path)
	if err != nil {
		return DocumentPayload{}, "", fmt.Errorf("read file: %w", err)
	}
	return DocumentPayload{Path: entry.Path, Data: data}, digest(data), nil
}

// Parse converts a payload already read from entry into a Document.
func (e *Extractor) Parse(ctx context.Context, entry FileEntry, payload DocumentPayload, sha string) (Document, error) {
	doc := Document{Name: entry.Name, Path: entry.Path, Format: entry.Format, SHA256: sha}

	parser, ok := e.parsers[entry.Format]
	if !ok {
		return doc, fmt.Errorf("no parser for format %q", entry.Format)
	}

	body, err := parser.Parse(ctx, payload)
	if err != nil {
		return doc, err
	}
	doc.Body = body
	return doc, nil
}

// ExtractFile reads and parses one file. On failure the returned Document
// carries an empty body.
func (e *Extractor) ExtractFile(ctx context.Context, entry FileEntry) (Document, error) {
	payload, sha, err := e.ReadFile(entry)
	if err != nil {
		return Document{Name: entry.Name, Path: entry.Path, Format: entry.Format}, err
	}
	return e.Parse(ctx, entry, payload, sha)
}

// FetchSheet downloads the spreadsheet. Errors are logged and returned as a
// *SourceError of kind KindSheetFetch.
func (e *Extractor) FetchSheet(ctx context.Context, sheetURL string) (Document, *SourceError) {
	doc, err := e.sheets.Fetch(ctx, sheetURL)
	if err != nil {
		e.logger.Warn("spreadsheet fetch failed", zap.String("url", sheetURL), zap.Error(err))
		return Document{}, &SourceError{Kind: KindSheetFetch, Source: SheetSourceName, Err: err}
	}
	return doc, nil
}

func (e *Extractor) fileFailure(source string, err error) *SourceError {
	e.logger.Warn("document extraction failed", zap.String("source", source), zap.Error(err))
	return &SourceError{Kind: KindFileRead, Source: source, Err: err}
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
