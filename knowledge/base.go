// Package knowledge caches extracted policy documents between questions.
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fabfab/policybot/ingestion"
)

// Snapshot is one consistent view of the knowledge base.
type Snapshot struct {
	Extraction     ingestion.Extraction
	Context        string
	BuiltAt        time.Time
	SheetFetchedAt time.Time
}

// SourceNames lists the documents that contributed text to Context.
func (s *Snapshot) SourceNames() []string {
	names := make([]string, 0, len(s.Extraction.Documents))
	for _, doc := range s.Extraction.Documents {
		if strings.TrimSpace(doc.Body) != "" {
			names = append(names, doc.Name)
		}
	}
	return names
}

// SnapshotStore persists parsed bodies by source path and content hash so a
// restarted process can skip parsing unchanged files.
type SnapshotStore interface {
	Lookup(ctx context.Context, path, sha string) (string, bool, error)
	Save(ctx context.Context, docs []ingestion.Document) error
}

// Catalog mirrors the current document set for auditing.
type Catalog interface {
	Sync(ctx context.Context, docs []ingestion.Document) error
}

type cachedFile struct {
	entry ingestion.FileEntry
	doc   ingestion.Document
}

// Base serves snapshots of the configured sources, rebuilding only what
// changed. It is safe for concurrent use; concurrent rebuilds are coalesced.
type Base struct {
	extractor *ingestion.Extractor
	source    ingestion.Source
	sheetTTL  time.Duration
	store     SnapshotStore
	catalog   Catalog
	logger    *zap.Logger

	group   singleflight.Group
	buildMu sync.Mutex

	mu          sync.Mutex
	current     *Snapshot
	fingerprint string
	dirty       bool
	files       map[string]cachedFile
	sheetDoc    *ingestion.Document
	sheetErr    *ingestion.SourceError
}

// buildTimeout bounds one rebuild, which runs detached from the request
// that triggered it.
const buildTimeout = 2 * time.Minute

type Option func(*Base)

// WithSheetTTL bounds how long a fetched spreadsheet is reused. Zero keeps
// it until the next manual refresh.
func WithSheetTTL(ttl time.Duration) Option {
	return func(b *Base) {
		b.sheetTTL = ttl
	}
}

func WithSnapshotStore(store SnapshotStore) Option {
	return func(b *Base) {
		b.store = store
	}
}

func WithCatalog(catalog Catalog) Option {
	return func(b *Base) {
		b.catalog = catalog
	}
}

func NewBase(extractor *ingestion.Extractor, source ingestion.Source, logger *zap.Logger, opts ...Option) *Base {
	if logger == nil {
		logger = zap.NewNop()
	}
	if extractor == nil {
		extractor = ingestion.NewExtractor(logger)
	}

	b := &Base{
		extractor: extractor,
		source:    source,
		logger:    logger,
		files:     make(map[string]cachedFile),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Base) Source() ingestion.Source {
	return b.source
}

// Snapshot returns the cached snapshot when the sources are unchanged and
// rebuilds it otherwise.
func (b *Base) Snapshot(ctx context.Context) (*Snapshot, error) {
	fp := b.dirFingerprint()

	b.mu.Lock()
	current := b.current
	fresh := current != nil && !b.dirty && fp == b.fingerprint && !b.sheetStaleLocked(time.Now())
	b.mu.Unlock()

	if fresh {
		return current, nil
	}
	return b.rebuild(ctx, false)
}

// Refresh forces a full re-extraction, spreadsheet included. Files whose
// content hash is unchanged keep their parsed text.
func (b *Base) Refresh(ctx context.Context) (*Snapshot, error) {
	return b.rebuild(ctx, true)
}

// Invalidate marks the cached snapshot stale.
func (b *Base) Invalidate() {
	b.mu.Lock()
	b.dirty = true
	b.mu.Unlock()
}

func (b *Base) rebuild(ctx context.Context, force bool) (*Snapshot, error) {
	key := "snapshot"
	if force {
		key = "refresh"
	}

	// The build is shared by every waiting caller, so it must not inherit
	// one caller's cancellation.
	ch := b.group.DoChan(key, func() (any, error) {
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), buildTimeout)
		defer cancel()

		b.buildMu.Lock()
		defer b.buildMu.Unlock()
		return b.build(buildCtx, force), nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("build knowledge snapshot: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

func (b *Base) build(ctx context.Context, force bool) *Snapshot {
	b.mu.Lock()
	// An invalidated cache re-verifies every file by content hash, since a
	// rewrite can keep both size and mtime.
	verify := force || b.dirty
	b.dirty = false
	previous := b.files
	previousFP := b.fingerprint
	refetchSheet := force || b.sheetStaleLocked(time.Now())
	sheetDoc, sheetErr := b.sheetDoc, b.sheetErr
	var sheetFetchedAt time.Time
	if b.current != nil {
		sheetFetchedAt = b.current.SheetFetchedAt
	}
	b.mu.Unlock()

	var (
		files        = make(map[string]cachedFile)
		parsed       []ingestion.Document
		fp           string
		sheetChanged bool
	)

	extraction := b.extractor.ExtractWith(ctx, b.source, ingestion.Loaders{
		Listed: func(entries []ingestion.FileEntry, err error) {
			fp = fingerprintOf(entries, err)
		},
		File: func(ctx context.Context, entry ingestion.FileEntry) (ingestion.Document, error) {
			doc, fresh, err := b.loadFile(ctx, entry, previous, verify)
			if err != nil {
				return doc, err
			}
			files[entry.Name] = cachedFile{entry: entry, doc: doc}
			if fresh {
				parsed = append(parsed, doc)
			}
			return doc, nil
		},
		Sheet: func(ctx context.Context, sheetURL string) (ingestion.Document, *ingestion.SourceError) {
			if refetchSheet {
				doc, err := b.extractor.FetchSheet(ctx, sheetURL)
				sheetFetchedAt = time.Now()
				sheetChanged = sheetDoc == nil || err != nil || sheetDoc.SHA256 != doc.SHA256
				if err != nil {
					sheetDoc, sheetErr = nil, err
				} else {
					sheetDoc, sheetErr = &doc, nil
				}
			}
			if sheetErr != nil {
				return ingestion.Document{}, sheetErr
			}
			return *sheetDoc, nil
		},
	})

	snap := &Snapshot{
		Extraction:     extraction,
		Context:        ingestion.KnowledgeContext(extraction.Documents),
		BuiltAt:        time.Now(),
		SheetFetchedAt: sheetFetchedAt,
	}

	b.persist(ctx, parsed)
	if len(parsed) > 0 || sheetChanged || fp != previousFP || len(files) != len(previous) {
		b.syncCatalog(ctx, extraction.Documents)
	}

	b.mu.Lock()
	b.current = snap
	b.files = files
	b.fingerprint = fp
	b.sheetDoc, b.sheetErr = sheetDoc, sheetErr
	b.mu.Unlock()

	b.logger.Info("knowledge snapshot built",
		zap.Int("documents", len(extraction.Documents)),
		zap.Int("failures", len(extraction.Failures)),
		zap.Int("parsed", len(parsed)),
		zap.Int("context_chars", len([]rune(snap.Context))),
		zap.Bool("forced", force))

	return snap
}

// loadFile returns the document for entry, reusing earlier work when the
// file's stat or content hash is unchanged. fresh reports whether the file
// was parsed during this call.
func (b *Base) loadFile(ctx context.Context, entry ingestion.FileEntry, previous map[string]cachedFile, verify bool) (ingestion.Document, bool, error) {
	prev, havePrev := previous[entry.Name]
	if havePrev && !verify && sameStat(prev.entry, entry) {
		return prev.doc, false, nil
	}

	payload, sha, err := b.extractor.ReadFile(entry)
	if err != nil {
		return ingestion.Document{Name: entry.Name, Path: entry.Path, Format: entry.Format}, false, err
	}

	if havePrev && prev.doc.SHA256 == sha {
		return prev.doc, false, nil
	}

	if b.store != nil {
		body, ok, err := b.store.Lookup(ctx, entry.Path, sha)
		if err != nil {
			b.logger.Warn("snapshot store lookup failed", zap.String("file", entry.Name), zap.Error(err))
		} else if ok {
			return ingestion.Document{Name: entry.Name, Path: entry.Path, Format: entry.Format, Body: body, SHA256: sha}, false, nil
		}
	}

	doc, err := b.extractor.Parse(ctx, entry, payload, sha)
	if err != nil {
		return doc, false, err
	}
	return doc, true, nil
}

func (b *Base) persist(ctx context.Context, docs []ingestion.Document) {
	if b.store == nil || len(docs) == 0 {
		return
	}
	if err := b.store.Save(ctx, docs); err != nil {
		b.logger.Warn("persist parsed documents", zap.Error(err))
	}
}

func (b *Base) syncCatalog(ctx context.Context, docs []ingestion.Document) {
	if b.catalog == nil {
		return
	}
	if err := b.catalog.Sync(ctx, docs); err != nil {
		b.logger.Warn("sync document catalog", zap.Error(err))
	}
}

func (b *Base) sheetStaleLocked(now time.Time) bool {
	if strings.TrimSpace(b.source.SheetURL) == "" {
		return false
	}
	// A failed fetch is retried on the next snapshot rather than cached.
	if b.current == nil || b.sheetDoc == nil || b.sheetErr != nil {
		return true
	}
	if b.sheetTTL <= 0 {
		return false
	}
	return now.Sub(b.current.SheetFetchedAt) >= b.sheetTTL
}

func (b *Base) dirFingerprint() string {
	if b.source.Dir == "" {
		return ""
	}
	entries, err := b.extractor.ListDir(b.source.Dir)
	return fingerprintOf(entries, err)
}

func fingerprintOf(entries []ingestion.FileEntry, err error) string {
	if err != nil {
		return "error: " + err.Error()
	}
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s|%d|%d", e.Name, e.Size, e.ModTime.UnixNano()))
	}
	sort.Strings(parts)
	return strings.Join(parts, "\n")
}

func sameStat(a, b ingestion.FileEntry) bool {
	return a.Size == b.Size && a.ModTime.Equal(b.ModTime)
}
