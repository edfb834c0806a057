package sos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"

	"health-vault/internal/audit"
	"health-vault/internal/keys"
	"health-vault/internal/records"
	"health-vault/internal/storage"
)

// Source tags how a cache entry was produced.
type Source string

const (
	SourceModel    Source = "model"
	SourceFallback Source = "fallback_template"
)

var ErrNotYetGenerated = errors.New("sos: summary not yet generated")

// Entry is one per-language summary. Entries are immutable once published:
// regeneration builds a new Entry aside and swaps the visible pointer, so a
// reader sees either the old entry or the complete new one, never a partial.
type Entry struct {
	Language     string    `json:"language"`
	Content      string    `json:"content"`
	RecordDigest string    `json:"record_digest"`
	GeneratedAt  time.Time `json:"generated_at"`
	Source       Source    `json:"generation_source"`
}

// LanguageStatus is the per-language slice of GetStatus.
type LanguageStatus struct {
	Language    string    `json:"language"`
	Present     bool      `json:"present"`
	Stale       bool      `json:"stale"`
	Source      Source    `json:"generation_source,omitempty"`
	GeneratedAt time.Time `json:"generated_at,omitempty"`
}

type Status struct {
	IsGenerating  bool             `json:"is_generating"`
	LastGenerated time.Time        `json:"last_generated"`
	Languages     []LanguageStatus `json:"languages"`
	RecordCount   int              `json:"record_count"`
}

// Config bounds the regeneration pipeline. CallTimeout caps one summarizer
// call; TotalBudget caps a full refresh across every configured language.
type Config struct {
	Languages      []string
	CallTimeout    time.Duration // default 5s
	TotalBudget    time.Duration // default 10s
	MaxConcurrency int           // parallel summarizer calls, default 4
}

func (c *Config) setDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.TotalBudget <= 0 {
		c.TotalBudget = 10 * time.Second
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
}

// Manager keeps the per-language SOS summary cache consistent with the
// record store without ever putting a regeneration in the emergency read
// path: reads are lock-free map loads, writes publish immutable entries.
type Manager struct {
	cfg        Config
	recs       records.Store
	summarizer Summarizer
	keys       *keys.Manager
	blobs      storage.BlobStore
	audit      *audit.Log
	log        zerolog.Logger

	group    singleflight.Group
	entries  sync.Map // language -> *Entry
	inFlight atomic.Int32

	mu            sync.Mutex
	lastGenerated time.Time
}

func NewManager(cfg Config, recs records.Store, sum Summarizer, km *keys.Manager, blobs storage.BlobStore, auditLog *audit.Log, logger zerolog.Logger) (*Manager, error) {
	cfg.setDefaults()
	if len(cfg.Languages) == 0 {
		return nil, errors.New("sos: no languages configured")
	}
	for _, lang := range cfg.Languages {
		if _, err := language.Parse(lang); err != nil {
			return nil, fmt.Errorf("sos: bad language tag %q: %w", lang, err)
		}
	}
	return &Manager{
		cfg:        cfg,
		recs:       recs,
		summarizer: sum,
		keys:       km,
		blobs:      blobs,
		audit:      auditLog,
		log:        logger.With().Str("component", "sos").Logger(),
	}, nil
}

func blobID(lang string) string { return "sos-" + lang }

// LoadPersisted warms the in-memory cache from the encrypted per-language
// blobs. Requires an unlocked vault; failures are logged and skipped, the
// next regeneration repopulates.
func (m *Manager) LoadPersisted(ctx context.Context) {
	for _, lang := range m.cfg.Languages {
		raw, err := m.blobs.Get(ctx, blobID(lang))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			m.log.Warn().Str("language", lang).Err(err).Msg("cache blob read failed")
			continue
		}
		pt, err := m.keys.DecryptAt(blobID(lang), raw)
		if err != nil {
			m.log.Warn().Str("language", lang).Err(err).Msg("cache blob decrypt failed")
			continue
		}
		var e Entry
		if err := json.Unmarshal(pt, &e); err != nil {
			m.log.Warn().Str("language", lang).Err(err).Msg("cache blob corrupt")
			continue
		}
		m.entries.Store(lang, &e)
	}
}

// GetSummary returns the most recent entry for a language immediately. It
// never waits for an in-progress regeneration; staleness is reported
// out-of-band by GetStatus. This is the latency-critical emergency read.
func (m *Manager) GetSummary(lang string) (*Entry, error) {
	if v, ok := m.entries.Load(lang); ok {
		return v.(*Entry), nil
	}
	return nil, ErrNotYetGenerated
}

// RecordsChanged is the record manager's mutation signal; it kicks a
// background refresh of every stale language.
func (m *Manager) RecordsChanged() {
	go func() {
		if err := m.GenerateSummary(context.Background(), false); err != nil {
			m.log.Error().Err(err).Msg("background regeneration failed")
		}
	}()
}

// GenerateSummary refreshes the cache for every configured language that is
// stale (or all of them with force). Languages regenerate in parallel,
// bounded by MaxConcurrency, under the total budget. Summarizer failures and
// timeouts degrade the affected language to the fallback template — they
// never fail this call and never leave a stale entry unreplaced.
func (m *Manager) GenerateSummary(ctx context.Context, force bool) error {
	snap, err := m.recs.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("sos: record snapshot: %w", err)
	}
	digest := Digest(snap)

	ctx, cancel := context.WithTimeout(ctx, m.cfg.TotalBudget)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrency)
	for _, lang := range m.cfg.Languages {
		lang := lang
		g.Go(func() error {
			// Concurrent triggers for the same language coalesce into the
			// in-flight run instead of issuing a duplicate summarizer call.
			_, _, _ = m.group.Do(lang, func() (any, error) {
				m.regenerate(gctx, lang, snap, digest, force)
				return nil, nil
			})
			// The coalesced run may have used an older snapshot; if our
			// digest is still unserved, run once more with it.
			if e, ok := m.entries.Load(lang); !ok || e.(*Entry).RecordDigest != digest {
				_, _, _ = m.group.Do(lang, func() (any, error) {
					m.regenerate(gctx, lang, snap, digest, force)
					return nil, nil
				})
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) regenerate(ctx context.Context, lang string, snap records.Snapshot, digest string, force bool) {
	if !force {
		if v, ok := m.entries.Load(lang); ok && v.(*Entry).RecordDigest == digest {
			return
		}
	}

	m.inFlight.Add(1)
	defer m.inFlight.Add(-1)

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	content, err := m.summarizer.Generate(callCtx, snap, lang)
	source := SourceModel
	if err != nil {
		// Degraded mode: assemble the summary from structured fields with no
		// AI dependency rather than serving nothing or blocking.
		content = FallbackSummary(snap, lang)
		source = SourceFallback
		m.audit.Record(audit.KindGenFail, lang, false)
		m.log.Warn().Str("language", lang).Err(err).Msg("summarizer unavailable, fallback template used")
	}

	e := &Entry{
		Language:     lang,
		Content:      content,
		RecordDigest: digest,
		GeneratedAt:  time.Now(),
		Source:       source,
	}
	m.entries.Store(lang, e)

	m.mu.Lock()
	m.lastGenerated = e.GeneratedAt
	m.mu.Unlock()

	m.persist(ctx, e)
}

// persist writes the entry as one encrypted blob. Best-effort: with the
// vault locked (pure emergency operation) the entry stays memory-only.
func (m *Manager) persist(ctx context.Context, e *Entry) {
	pt, err := json.Marshal(e)
	if err != nil {
		m.log.Error().Err(err).Msg("cache entry marshal failed")
		return
	}
	raw, err := m.keys.EncryptAt(blobID(e.Language), pt)
	if err != nil {
		if errors.Is(err, keys.ErrLocked) {
			m.log.Debug().Str("language", e.Language).Msg("vault locked, cache entry not persisted")
		} else {
			m.log.Error().Str("language", e.Language).Err(err).Msg("cache entry encrypt failed")
		}
		return
	}
	if err := m.blobs.Put(ctx, blobID(e.Language), raw); err != nil {
		m.log.Error().Str("language", e.Language).Err(err).Msg("cache entry write failed")
	}
}

// IsCacheStale reports whether any configured language is missing or carries
// a digest older than the current records.
func (m *Manager) IsCacheStale(ctx context.Context) (bool, error) {
	snap, err := m.recs.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	digest := Digest(snap)
	for _, lang := range m.cfg.Languages {
		v, ok := m.entries.Load(lang)
		if !ok || v.(*Entry).RecordDigest != digest {
			return true, nil
		}
	}
	return false, nil
}

// GetStatus reports generation progress and per-language freshness
// out-of-band from the read path.
func (m *Manager) GetStatus(ctx context.Context) (Status, error) {
	snap, err := m.recs.Snapshot(ctx)
	if err != nil {
		return Status{}, err
	}
	digest := Digest(snap)

	m.mu.Lock()
	last := m.lastGenerated
	m.mu.Unlock()

	st := Status{
		IsGenerating:  m.inFlight.Load() > 0,
		LastGenerated: last,
		RecordCount:   snap.RecordCount,
	}
	for _, lang := range m.cfg.Languages {
		ls := LanguageStatus{Language: lang}
		if v, ok := m.entries.Load(lang); ok {
			e := v.(*Entry)
			ls.Present = true
			ls.Stale = e.RecordDigest != digest
			ls.Source = e.Source
			ls.GeneratedAt = e.GeneratedAt
		} else {
			ls.Stale = true
		}
		st.Languages = append(st.Languages, ls)
	}
	return st, nil
}

// Languages returns the configured language set.
func (m *Manager) Languages() []string {
	return append([]string(nil), m.cfg.Languages...)
}
