package sos

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"health-vault/internal/audit"
	"health-vault/internal/keys"
	"health-vault/internal/records"
	"health-vault/internal/storage"
)

type stubSummarizer struct {
	mu    sync.Mutex
	delay time.Duration
	err   error
	calls int
}

func (s *stubSummarizer) Generate(ctx context.Context, _ records.Snapshot, lang string) (string, error) {
	s.mu.Lock()
	s.calls++
	delay, err := s.delay, s.err
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return "model summary (" + lang + ")", nil
}

func (s *stubSummarizer) Translate(ctx context.Context, text, _ string) (string, error) {
	return text, nil
}

func (s *stubSummarizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type cacheFixture struct {
	mgr   *Manager
	recs  *records.MemStore
	sum   *stubSummarizer
	keys  *keys.Manager
	blobs storage.BlobStore
	audit *audit.Log
}

func testSnapshot() records.Snapshot {
	return records.Snapshot{
		BloodType:   "O-",
		Allergies:   []string{"penicillin"},
		Medications: []string{"metformin"},
		Contacts:    []records.Contact{{Name: "Ana", Relation: "sister", Phone: "+1555"}},
		RecordCount: 4,
	}
}

// newCacheFixture builds a manager over a locked vault: persistence is
// skipped, which keeps the cache memory-only and the tests fast. Tests that
// exercise the encrypted blobs unlock explicitly.
func newCacheFixture(t *testing.T, cfg Config) *cacheFixture {
	t.Helper()
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"en", "es"}
	}
	recs := records.NewMemStore()
	recs.Set(testSnapshot())
	sum := &stubSummarizer{}
	km := keys.NewManager(filepath.Join(t.TempDir(), "vault.hdr"), zerolog.Nop())
	blobs := storage.NewFileBlobStore(t.TempDir())
	log, err := audit.Open(nil, zerolog.Nop())
	require.NoError(t, err)

	m, err := NewManager(cfg, recs, sum, km, blobs, log, zerolog.Nop())
	require.NoError(t, err)
	return &cacheFixture{mgr: m, recs: recs, sum: sum, keys: km, blobs: blobs, audit: log}
}

func TestGetSummaryBeforeGeneration(t *testing.T) {
	f := newCacheFixture(t, Config{})
	_, err := f.mgr.GetSummary("en")
	assert.ErrorIs(t, err, ErrNotYetGenerated)
}

func TestGenerateUsesModel(t *testing.T) {
	f := newCacheFixture(t, Config{})
	require.NoError(t, f.mgr.GenerateSummary(context.Background(), false))

	for _, lang := range []string{"en", "es"} {
		e, err := f.mgr.GetSummary(lang)
		require.NoError(t, err, lang)
		assert.Equal(t, SourceModel, e.Source)
		assert.Equal(t, "model summary ("+lang+")", e.Content)
		assert.Equal(t, Digest(testSnapshot()), e.RecordDigest)
	}
}

func TestSummarizerErrorDegradesToFallback(t *testing.T) {
	f := newCacheFixture(t, Config{Languages: []string{"en"}})
	f.sum.err = errors.New("model unavailable")

	require.NoError(t, f.mgr.GenerateSummary(context.Background(), false),
		"summarizer failure must not fail generation")

	e, err := f.mgr.GetSummary("en")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, e.Source)
	assert.Equal(t, FallbackSummary(testSnapshot(), "en"), e.Content)
	assert.Equal(t, Digest(testSnapshot()), e.RecordDigest, "fallback entry still clears staleness")

	entries := f.audit.Query(time.Time{}, time.Now().Add(time.Second))
	require.Len(t, entries, 1)
	assert.Equal(t, audit.KindGenFail, entries[0].Kind)
}

func TestSummarizerTimeoutDegradesToFallback(t *testing.T) {
	f := newCacheFixture(t, Config{
		Languages:   []string{"en"},
		CallTimeout: 50 * time.Millisecond,
		TotalBudget: 2 * time.Second,
	})
	f.sum.delay = time.Second

	start := time.Now()
	require.NoError(t, f.mgr.GenerateSummary(context.Background(), false))
	assert.Less(t, time.Since(start), time.Second, "call timeout must cut the summarizer off")

	e, err := f.mgr.GetSummary("en")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, e.Source)
}

func TestFreshCacheSkipsRegeneration(t *testing.T) {
	f := newCacheFixture(t, Config{Languages: []string{"en"}})
	require.NoError(t, f.mgr.GenerateSummary(context.Background(), false))
	require.Equal(t, 1, f.sum.callCount())

	// Unchanged records: nothing to do.
	require.NoError(t, f.mgr.GenerateSummary(context.Background(), false))
	assert.Equal(t, 1, f.sum.callCount())

	// force regenerates regardless.
	require.NoError(t, f.mgr.GenerateSummary(context.Background(), true))
	assert.Equal(t, 2, f.sum.callCount())
}

func TestStalenessTracksRecordChanges(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t, Config{Languages: []string{"en"}})

	stale, err := f.mgr.IsCacheStale(ctx)
	require.NoError(t, err)
	assert.True(t, stale, "empty cache is stale")

	require.NoError(t, f.mgr.GenerateSummary(ctx, false))
	stale, err = f.mgr.IsCacheStale(ctx)
	require.NoError(t, err)
	assert.False(t, stale)

	snap := testSnapshot()
	snap.Allergies = append(snap.Allergies, "latex")
	f.recs.Set(snap)

	stale, err = f.mgr.IsCacheStale(ctx)
	require.NoError(t, err)
	assert.True(t, stale)

	require.NoError(t, f.mgr.GenerateSummary(ctx, false))
	e, err := f.mgr.GetSummary("en")
	require.NoError(t, err)
	assert.Equal(t, Digest(snap), e.RecordDigest)
}

func TestRecordsChangedHookRefreshesInBackground(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t, Config{Languages: []string{"en"}})
	f.recs.OnChange(f.mgr.RecordsChanged)
	require.NoError(t, f.mgr.GenerateSummary(ctx, false))

	snap := testSnapshot()
	snap.BloodType = "A+"
	f.recs.Set(snap)

	deadline := time.Now().Add(2 * time.Second)
	for {
		stale, err := f.mgr.IsCacheStale(ctx)
		require.NoError(t, err)
		if !stale {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background refresh never caught up")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReadsDoNotBlockOnRegeneration(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t, Config{
		Languages:   []string{"en"},
		CallTimeout: time.Second,
		TotalBudget: 2 * time.Second,
	})
	require.NoError(t, f.mgr.GenerateSummary(ctx, false))
	old, err := f.mgr.GetSummary("en")
	require.NoError(t, err)

	// Slow regeneration in flight; the read path must not wait for it.
	f.sum.delay = 500 * time.Millisecond
	done := make(chan struct{})
	go func() {
		_ = f.mgr.GenerateSummary(ctx, true)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	e, err := f.mgr.GetSummary("en")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, old.Content, e.Content, "reader sees the previous entry until the new one is published")
	<-done
}

func TestConcurrentGenerationCoalesces(t *testing.T) {
	f := newCacheFixture(t, Config{
		Languages:   []string{"en"},
		CallTimeout: time.Second,
		TotalBudget: 2 * time.Second,
	})
	f.sum.delay = 100 * time.Millisecond

	const triggers = 8
	var wg sync.WaitGroup
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.mgr.GenerateSummary(context.Background(), false)
		}()
	}
	wg.Wait()

	assert.Less(t, f.sum.callCount(), triggers,
		"concurrent triggers for one language must share in-flight work")
	e, err := f.mgr.GetSummary("en")
	require.NoError(t, err)
	assert.Equal(t, Digest(testSnapshot()), e.RecordDigest)
}

func TestPersistedCacheSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t, Config{Languages: []string{"en"}})
	require.NoError(t, f.keys.Create([]byte("correct horse battery")))
	require.NoError(t, f.mgr.GenerateSummary(ctx, false))

	// Fresh manager over the same store: the warm load restores the entry.
	m2, err := NewManager(Config{Languages: []string{"en"}}, f.recs, f.sum, f.keys, f.blobs, f.audit, zerolog.Nop())
	require.NoError(t, err)
	m2.LoadPersisted(ctx)

	e, err := m2.GetSummary("en")
	require.NoError(t, err)
	assert.Equal(t, "model summary (en)", e.Content)
	assert.Equal(t, SourceModel, e.Source)
}

func TestLockedVaultKeepsCacheMemoryOnly(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t, Config{Languages: []string{"en"}})
	require.NoError(t, f.mgr.GenerateSummary(ctx, false))

	// Serving works from memory while locked.
	_, err := f.mgr.GetSummary("en")
	require.NoError(t, err)

	// Nothing hit the disk: the vault key was never available.
	ids, err := f.blobs.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGetStatus(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t, Config{Languages: []string{"en", "es"}})

	st, err := f.mgr.GetStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.IsGenerating)
	assert.Equal(t, 4, st.RecordCount)
	require.Len(t, st.Languages, 2)
	for _, ls := range st.Languages {
		assert.False(t, ls.Present)
		assert.True(t, ls.Stale)
	}

	require.NoError(t, f.mgr.GenerateSummary(ctx, false))
	st, err = f.mgr.GetStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.LastGenerated.IsZero())
	for _, ls := range st.Languages {
		assert.True(t, ls.Present)
		assert.False(t, ls.Stale)
		assert.Equal(t, SourceModel, ls.Source)
	}
}

func TestNewManagerRejectsBadLanguage(t *testing.T) {
	recs := records.NewMemStore()
	km := keys.NewManager(filepath.Join(t.TempDir(), "vault.hdr"), zerolog.Nop())
	log, err := audit.Open(nil, zerolog.Nop())
	require.NoError(t, err)

	_, err = NewManager(Config{Languages: []string{"en", "??"}}, recs, &stubSummarizer{}, km, storage.NewFileBlobStore(t.TempDir()), log, zerolog.Nop())
	assert.Error(t, err)
}
