package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind classifies an audit event.
type Kind string

const (
	KindAuth      Kind = "auth"       // normal authentication attempt
	KindEmergency Kind = "emergency"  // emergency access attempt
	KindConfig    Kind = "config"     // emergency mode reconfiguration
	KindGenFail   Kind = "generation" // SOS summary degraded to fallback
	KindRekey     Kind = "rekey"      // master key rotation
)

// Entry is one link in the hash chain. Hash covers PrevHash plus the
// deterministic serialization of (timestamp, kind, method, success); editing
// any historical entry breaks every hash after it.
type Entry struct {
	ID       string `json:"id"`
	TS       int64  `json:"ts"` // unix nanos
	Kind     Kind   `json:"kind"`
	Method   string `json:"method"`
	Success  bool   `json:"success"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

func (e Entry) Time() time.Time { return time.Unix(0, e.TS) }

// hashBody is the hashed subset. All fields are scalars so json.Marshal
// field order is deterministic and the chain is reproducible.
type hashBody struct {
	TS      int64  `json:"ts"`
	Kind    Kind   `json:"kind"`
	Method  string `json:"method"`
	Success bool   `json:"success"`
}

func chainHash(prevHash string, e Entry) string {
	body, _ := json.Marshal(hashBody{TS: e.TS, Kind: e.Kind, Method: e.Method, Success: e.Success})
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// TamperError reports the first entry whose hash no longer matches the chain.
type TamperError struct {
	Index int
}

func (t *TamperError) Error() string {
	return fmt.Sprintf("audit: chain broken at entry %d", t.Index)
}

// Sink persists entries durably. Append must be atomic per entry.
type Sink interface {
	Append(Entry) error
	Load() ([]Entry, error)
}

// Log is the append-only, hash-chained access log. Entries are an
// arena-appended sequence indexed by position; nothing is ever rewritten.
type Log struct {
	mu       sync.Mutex
	entries  []Entry
	lastHash string
	sink     Sink

	writeFailures atomic.Uint64
	log           zerolog.Logger
}

// Open loads the persisted chain from sink and resumes it. A nil sink keeps
// the log memory-only (tests).
func Open(sink Sink, logger zerolog.Logger) (*Log, error) {
	l := &Log{sink: sink, log: logger.With().Str("component", "audit").Logger()}
	if sink == nil {
		return l, nil
	}
	entries, err := sink.Load()
	if err != nil {
		return nil, fmt.Errorf("audit: load chain: %w", err)
	}
	l.entries = entries
	if n := len(entries); n > 0 {
		l.lastHash = entries[n-1].Hash
	}
	return l, nil
}

// Append commits a new entry to the chain. The in-memory tail only advances
// after the sink accepted the entry.
func (l *Log) Append(kind Kind, method string, success bool) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		ID:       uuid.NewString(),
		TS:       time.Now().UnixNano(),
		Kind:     kind,
		Method:   method,
		Success:  success,
		PrevHash: l.lastHash,
	}
	e.Hash = chainHash(l.lastHash, e)

	if l.sink != nil {
		if err := l.sink.Append(e); err != nil {
			return Entry{}, fmt.Errorf("audit: append: %w", err)
		}
	}
	l.entries = append(l.entries, e)
	l.lastHash = e.Hash
	return e, nil
}

// Record is the fire-and-forget form used on hot paths: a sink failure is
// counted and logged but never propagated, so the operation being audited is
// not blocked or failed by its own logging.
func (l *Log) Record(kind Kind, method string, success bool) {
	if _, err := l.Append(kind, method, success); err != nil {
		l.writeFailures.Add(1)
		l.log.Error().Err(err).Str("kind", string(kind)).Msg("audit write failed")
	}
}

// WriteFailures reports how many Record calls could not be persisted. This is
// the observability signal for degraded audit durability.
func (l *Log) WriteFailures() uint64 { return l.writeFailures.Load() }

// Verify walks the whole chain recomputing hashes. Any mismatch means an
// entry was altered, inserted or removed after the fact.
func (l *Log) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := ""
	for i, e := range l.entries {
		if e.PrevHash != prev || chainHash(prev, e) != e.Hash {
			return &TamperError{Index: i}
		}
		prev = e.Hash
	}
	return nil
}

// Query returns the entries with from <= timestamp < until, in chronological
// order. Zero bounds are open-ended.
func (l *Log) Query(from, until time.Time) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, e := range l.entries {
		if !from.IsZero() && e.TS < from.UnixNano() {
			continue
		}
		if !until.IsZero() && e.TS >= until.UnixNano() {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len reports the current chain length.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
