package knowledge_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/fabfab/policybot/ingestion"
	"github.com/fabfab/policybot/knowledge"
)

// countingParser records how often each file is parsed and echoes its bytes.
type countingParser struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCountingParser() *countingParser {
	return &countingParser{calls: map[string]int{}}
}

func (p *countingParser) Parse(_ context.Context, payload ingestion.DocumentPayload) (string, error) {
	p.mu.Lock()
	p.calls[filepath.Base(payload.Path)]++
	p.mu.Unlock()
	return string(payload.Data), nil
}

func (p *countingParser) count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[name]
}

type memoryStore struct {
	mu     sync.Mutex
	bodies map[string]string
	saves  int
}

func (s *memoryStore) Lookup(_ context.Context, path, sha string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.bodies[path+"@"+sha]
	return body, ok, nil
}

func (s *memoryStore) Save(_ context.Context, docs []ingestion.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bodies == nil {
		s.bodies = map[string]string{}
	}
	for _, doc := range docs {
		s.bodies[doc.Path+"@"+doc.SHA256] = doc.Body
	}
	s.saves++
	return nil
}

type recordingCatalog struct {
	mu    sync.Mutex
	syncs [][]string
}

func (c *recordingCatalog) Sync(_ context.Context, docs []ingestion.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(docs))
	for _, d := range docs {
		names = append(names, d.Name)
	}
	c.syncs = append(c.syncs, names)
	return nil
}

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func newBase(t *testing.T, dir string, parser *countingParser, opts ...knowledge.Option) *knowledge.Base {
	t.Helper()
	logger := zaptest.NewLogger(t)
	extractor := ingestion.NewExtractor(logger, ingestion.WithParser(ingestion.FormatText, parser))
	return knowledge.NewBase(extractor, ingestion.Source{Dir: dir}, logger, opts...)
}

func TestSnapshotReusesUnchangedFiles(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeFile(t, filepath.Join(dir, "leave.txt"), "Annual leave: 15 days.", base)
	writeFile(t, filepath.Join(dir, "remote.txt"), "Remote work twice a week.", base)

	parser := newCountingParser()
	kb := newBase(t, dir, parser)

	first, err := kb.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Contains(t, first.Context, "Annual leave: 15 days.")
	assert.Equal(t, []string{"leave.txt", "remote.txt"}, first.SourceNames())

	second, err := kb.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second, "unchanged sources must be served from cache")

	writeFile(t, filepath.Join(dir, "leave.txt"), "Annual leave: 20 days.", base.Add(time.Minute))

	third, err := kb.Snapshot(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Contains(t, third.Context, "Annual leave: 20 days.")
	assert.Equal(t, 2, parser.count("leave.txt"))
	assert.Equal(t, 1, parser.count("remote.txt"))
}

func TestSnapshotSkipsParseWhenOnlyMtimeChanged(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	path := filepath.Join(dir, "leave.txt")
	writeFile(t, path, "Annual leave: 15 days.", base)

	parser := newCountingParser()
	kb := newBase(t, dir, parser)

	_, err := kb.Snapshot(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.Chtimes(path, base.Add(time.Minute), base.Add(time.Minute)))
	snap, err := kb.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Contains(t, snap.Context, "Annual leave: 15 days.")
	assert.Equal(t, 1, parser.count("leave.txt"))
}

func TestSnapshotPicksUpNewAndRemovedFiles(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeFile(t, filepath.Join(dir, "leave.txt"), "Annual leave: 15 days.", base)

	catalog := &recordingCatalog{}
	kb := newBase(t, dir, newCountingParser(), knowledge.WithCatalog(catalog))

	_, err := kb.Snapshot(context.Background())
	require.NoError(t, err)

	writeFile(t, filepath.Join(dir, "dress.txt"), "Dress code is casual.", base)
	snap, err := kb.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"dress.txt", "leave.txt"}, snap.SourceNames())

	require.NoError(t, os.Remove(filepath.Join(dir, "leave.txt")))
	snap, err = kb.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"dress.txt"}, snap.SourceNames())
	assert.NotContains(t, snap.Context, "Annual leave")

	require.Len(t, catalog.syncs, 3)
	assert.Equal(t, []string{"dress.txt"}, catalog.syncs[2])
}

func TestSnapshotStoreAvoidsReparseAfterRestart(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeFile(t, filepath.Join(dir, "leave.txt"), "Annual leave: 15 days.", base)

	store := &memoryStore{}
	firstParser := newCountingParser()
	_, err := newBase(t, dir, firstParser, knowledge.WithSnapshotStore(store)).Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, firstParser.count("leave.txt"))
	assert.Equal(t, 1, store.saves)

	restartedParser := newCountingParser()
	snap, err := newBase(t, dir, restartedParser, knowledge.WithSnapshotStore(store)).Snapshot(context.Background())
	require.NoError(t, err)
	assert.Contains(t, snap.Context, "Annual leave: 15 days.")
	assert.Equal(t, 0, restartedParser.count("leave.txt"))
}

func TestRefreshRefetchesSpreadsheet(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n == 1 {
			_, _ = w.Write([]byte("policy,value\nleave,15\n"))
			return
		}
		_, _ = w.Write([]byte("policy,value\nleave,20\n"))
	}))
	defer srv.Close()

	logger := zaptest.NewLogger(t)
	extractor := ingestion.NewExtractor(logger, ingestion.WithHTTPClient(srv.Client()))
	kb := knowledge.NewBase(extractor, ingestion.Source{SheetURL: srv.URL + "/d/abc"}, logger, knowledge.WithSheetTTL(0))

	snap, err := kb.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Regexp(t, `leave\s+15`, snap.Context)

	snap, err = kb.Snapshot(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load(), "sheet is cached until refresh")

	snap, err = kb.Refresh(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
	assert.Regexp(t, `leave\s+20`, snap.Context)
}

func TestSpreadsheetFailureIsReportedInSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	logger := zaptest.NewLogger(t)
	extractor := ingestion.NewExtractor(logger, ingestion.WithHTTPClient(srv.Client()))
	kb := knowledge.NewBase(extractor, ingestion.Source{SheetURL: srv.URL}, logger)

	snap, err := kb.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Extraction.Failures, 1)
	assert.Equal(t, ingestion.KindSheetFetch, snap.Extraction.Failures[0].Kind)
	assert.Empty(t, snap.Context)
}

func TestConcurrentSnapshotsCoalesce(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "leave.txt"), "Annual leave: 15 days.", time.Now().Add(-time.Hour))

	parser := newCountingParser()
	kb := newBase(t, dir, parser)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := kb.Snapshot(context.Background())
			assert.NoError(t, err)
			assert.Contains(t, snap.Context, "Annual leave")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, parser.count("leave.txt"))
}

func TestWatcherInvalidatesOnChange(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "leave.txt"), "Annual leave: 15 days.", time.Now().Add(-time.Hour))

	var changes atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := knowledge.Watch(ctx, dir, func(string) { changes.Add(1) }, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.png"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("Dress code is casual."), 0o600))

	require.Eventually(t, func() bool { return changes.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, w.Stop())
}

func TestBaseWatchRebuildsAfterEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leave.txt")
	mtime := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeFile(t, path, "Annual leave: 15 days.", mtime)

	kb := newBase(t, dir, newCountingParser())
	first, err := kb.Snapshot(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := kb.Watch(ctx)
	require.NoError(t, err)
	defer w.Stop()

	// Same size and mtime: only the watcher can tell the cache is stale.
	writeFile(t, path, "Annual leave: 16 days.", mtime)

	require.Eventually(t, func() bool {
		snap, err := kb.Snapshot(context.Background())
		return err == nil && snap != first && snap.Context != first.Context
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCancelledCallerDoesNotPoisonSpreadsheet(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("policy,value\nleave,15\n"))
	}))
	defer srv.Close()

	logger := zaptest.NewLogger(t)
	extractor := ingestion.NewExtractor(logger, ingestion.WithHTTPClient(srv.Client()))
	kb := knowledge.NewBase(extractor, ingestion.Source{SheetURL: srv.URL + "/d/abc"}, logger,
		knowledge.WithSheetTTL(10*time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := kb.Snapshot(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	snap, err := kb.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Extraction.Failures)
	assert.Regexp(t, `leave\s+15`, snap.Context)
	assert.EqualValues(t, 1, hits.Load())
}

func TestSpreadsheetFailureIsRetriedOnNextSnapshot(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("policy,value\nleave,15\n"))
	}))
	defer srv.Close()

	logger := zaptest.NewLogger(t)
	extractor := ingestion.NewExtractor(logger, ingestion.WithHTTPClient(srv.Client()))
	kb := knowledge.NewBase(extractor, ingestion.Source{SheetURL: srv.URL + "/d/abc"}, logger,
		knowledge.WithSheetTTL(10*time.Minute))

	snap, err := kb.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Extraction.Failures, 1)

	snap, err = kb.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Extraction.Failures)
	assert.Regexp(t, `leave\s+15`, snap.Context)

	_, err = kb.Snapshot(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load(), "a successful fetch is cached for the TTL")
}

func TestSnapshotHasOneDocumentPerSupportedFile(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Now().Add(-time.Hour)
	writeFile(t, filepath.Join(dir, "a.txt"), "Annual leave: 15 days.", mtime)
	writeFile(t, filepath.Join(dir, "b.txt"), "", mtime)
	writeFile(t, filepath.Join(dir, "c.txt"), "Dress code is casual.", mtime)
	writeFile(t, filepath.Join(dir, "logo.png"), "png", mtime)
	writeFile(t, filepath.Join(dir, "legacy.doc"), "doc", mtime)

	snap, err := newBase(t, dir, newCountingParser()).Snapshot(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Extraction.Documents, 3)
	for _, doc := range snap.Extraction.Documents {
		assert.Equal(t, ingestion.FormatText, doc.Format, doc.Name)
	}
	assert.Equal(t, 2, strings.Count(snap.Context, "[source: "))
}
