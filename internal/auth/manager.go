package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"health-vault/internal/audit"
	"health-vault/internal/keys"
	"health-vault/internal/storage"
)

var (
	ErrInvalidCredentials    = errors.New("auth: invalid credentials")
	ErrSessionInvalid        = errors.New("auth: session invalid or expired")
	ErrEmergencyAccessDenied = errors.New("auth: emergency access denied")
	ErrNotInitialized        = errors.New("auth: vault password not set up")
)

// emergencyGrantTTL bounds how long a single emergency grant keeps the SOS
// summary readable. Long enough for a responder on scene, short enough that
// a grant cannot be hoarded.
const emergencyGrantTTL = 30 * time.Minute

// BiometricCapability is the injected biometric check. The subsystem makes no
// assumption about the sensor behind it.
type BiometricCapability interface {
	Check() bool
}

// BiometricFunc adapts a plain function to BiometricCapability.
type BiometricFunc func() bool

func (f BiometricFunc) Check() bool { return f() }

// state is the durable cleartext security state. It must stay readable while
// the vault is locked: the emergency path runs exactly when nobody can
// authenticate, and the password/PIN hashes it holds are argon2id-stretched.
type state struct {
	PasswordHash      string         `json:"password_hash"`
	Config            SecurityConfig `json:"config"`
	BiometricFailures int            `json:"biometric_failures"`
}

// Manager owns both access state machines: the normal password/biometric
// session flow issuing full-capability Sessions, and the emergency flow
// issuing SOS-only EmergencySessions.
type Manager struct {
	mu        sync.Mutex
	statePath string
	state     state

	sessions  map[string]*Session
	emergency map[string]*EmergencySession

	ttl       time.Duration
	keys      *keys.Manager
	biometric BiometricCapability
	audit     *audit.Log
	log       zerolog.Logger
	now       func() time.Time
}

func NewManager(statePath string, km *keys.Manager, bio BiometricCapability, auditLog *audit.Log, sessionTTL time.Duration, logger zerolog.Logger) (*Manager, error) {
	m := &Manager{
		statePath: statePath,
		sessions:  map[string]*Session{},
		emergency: map[string]*EmergencySession{},
		ttl:       sessionTTL,
		keys:      km,
		biometric: bio,
		audit:     auditLog,
		log:       logger.With().Str("component", "auth").Logger(),
		now:       time.Now,
	}
	if err := m.loadState(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadState() error {
	b, err := os.ReadFile(m.statePath)
	if os.IsNotExist(err) {
		m.state = state{Config: DefaultSecurityConfig()}
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, &m.state); err != nil {
		return fmt.Errorf("auth: corrupt security state: %w", err)
	}
	return nil
}

// saveState persists under the caller's lock.
func (m *Manager) saveState() error {
	b, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.statePath, b, 0600)
}

// Initialized reports whether a vault password has been set up.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.PasswordHash != ""
}

// Setup establishes the vault password on first run: hashes and stores it,
// and creates the encrypted vault under a key derived from it.
func (m *Manager) Setup(password string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.PasswordHash != "" {
		return nil, errors.New("auth: vault already set up")
	}
	hash, err := HashPassword(DefaultArgon, password)
	if err != nil {
		return nil, err
	}
	pw := []byte(password)
	if err := m.keys.Create(pw); err != nil {
		return nil, err
	}
	m.state.PasswordHash = hash
	if err := m.saveState(); err != nil {
		return nil, err
	}
	m.audit.Record(audit.KindAuth, string(MethodPassword), true)
	return m.issueSession(MethodPassword), nil
}

// Authenticate verifies the vault password and, on success, unlocks the vault
// and issues a full-capability Session. Failures stay in the unauthenticated
// state and are audited.
func (m *Manager) Authenticate(password string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.PasswordHash == "" {
		return nil, ErrNotInitialized
	}
	ok, err := VerifyPassword(password, m.state.PasswordHash)
	if err != nil || !ok {
		// The stored hash can trail the vault header when a password change
		// crashed between the rekey commit and the hash save. The header
		// unwrap is the authoritative verifier: if this password opens the
		// vault, re-adopt it as the stored hash.
		if uerr := m.keys.Unlock([]byte(password)); uerr != nil {
			m.audit.Record(audit.KindAuth, string(MethodPassword), false)
			m.log.Warn().Msg("password authentication failed")
			return nil, ErrInvalidCredentials
		}
		hash, herr := HashPassword(DefaultArgon, password)
		if herr != nil {
			return nil, herr
		}
		m.state.PasswordHash = hash
		if err := m.saveState(); err != nil {
			return nil, err
		}
		m.log.Warn().Msg("stored password hash trailed the vault header, reconciled")
		m.audit.Record(audit.KindAuth, string(MethodPassword), true)
		return m.issueSession(MethodPassword), nil
	}
	if m.keys.Locked() {
		if err := m.keys.Unlock([]byte(password)); err != nil {
			m.audit.Record(audit.KindAuth, string(MethodPassword), false)
			return nil, fmt.Errorf("auth: unlock: %w", err)
		}
	}
	m.audit.Record(audit.KindAuth, string(MethodPassword), true)
	return m.issueSession(MethodPassword), nil
}

// AuthenticateBiometric issues a full Session when the injected biometric
// capability confirms and an unlock token is enrolled for the vault key.
func (m *Manager) AuthenticateBiometric(token []byte) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.biometric == nil || !m.biometric.Check() {
		m.audit.Record(audit.KindAuth, string(MethodBiometric), false)
		return nil, ErrInvalidCredentials
	}
	if m.keys.Locked() {
		if err := m.keys.UnlockWithToken(token); err != nil {
			m.audit.Record(audit.KindAuth, string(MethodBiometric), false)
			return nil, fmt.Errorf("auth: biometric unlock: %w", err)
		}
	}
	m.audit.Record(audit.KindAuth, string(MethodBiometric), true)
	return m.issueSession(MethodBiometric), nil
}

func (m *Manager) issueSession(method AccessMethod) *Session {
	now := m.now()
	s := &Session{
		ID:        uuid.NewString(),
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
		Method:    method,
	}
	m.sessions[s.ID] = s
	return s
}

// IsAuthenticated is a pure check: the session exists, was not logged out,
// and has not passed its expiry. It never extends the session.
func (m *Manager) IsAuthenticated(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	if !m.now().Before(s.ExpiresAt) {
		delete(m.sessions, sessionID)
		return false
	}
	return true
}

// Renew explicitly pushes the session's expiry out by the configured TTL.
func (m *Manager) Renew(sessionID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || !m.now().Before(s.ExpiresAt) {
		return time.Time{}, ErrSessionInvalid
	}
	s.ExpiresAt = m.now().Add(m.ttl)
	return s.ExpiresAt, nil
}

// Logout invalidates the session id immediately, expired or not. When the
// last full session is gone the master key is zeroized.
func (m *Manager) Logout(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
	if len(m.sessions) == 0 {
		m.keys.Zeroize()
	}
}

// ChangePassword verifies the current password, rekeys every stored blob under
// a key derived from the new one, and only then swaps the stored hash. A crash
// mid-rekey is repaired on the next start; the old password stays valid until
// the rekey commits. A crash after the commit but before the hash save leaves
// the stored hash one step behind the header; Authenticate reconciles it on
// the next login with the new password.
func (m *Manager) ChangePassword(ctx context.Context, current, next string, store storage.BlobStore) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.PasswordHash == "" {
		return ErrNotInitialized
	}
	ok, err := VerifyPassword(current, m.state.PasswordHash)
	if err != nil || !ok {
		m.audit.Record(audit.KindRekey, string(MethodPassword), false)
		return ErrInvalidCredentials
	}
	hash, err := HashPassword(DefaultArgon, next)
	if err != nil {
		return err
	}
	if err := m.keys.Rekey(ctx, []byte(next), store); err != nil {
		m.audit.Record(audit.KindRekey, string(MethodPassword), false)
		return fmt.Errorf("auth: rekey: %w", err)
	}
	m.state.PasswordHash = hash
	if err := m.saveState(); err != nil {
		return err
	}
	m.audit.Record(audit.KindRekey, string(MethodPassword), true)
	m.log.Info().Msg("vault password changed")
	return nil
}

// CheckEmergencyAccess evaluates one emergency attempt against the configured
// mode. Every attempt is audited, success or not. Any unexpected internal
// condition resolves to deny — the emergency path fails safe.
//
// The whole check runs under one lock so that the biometric failure counter
// increment and its threshold comparison are atomic: two near-simultaneous
// attempts can never both see count == threshold-1 and miss the bypass.
func (m *Manager) CheckEmergencyAccess(att EmergencyAttempt) (*EmergencySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deny := func(method AccessMethod) (*EmergencySession, error) {
		m.audit.Record(audit.KindEmergency, string(method), false)
		return nil, ErrEmergencyAccessDenied
	}
	grant := func(method AccessMethod) (*EmergencySession, error) {
		now := m.now()
		s := &EmergencySession{
			ID:           uuid.NewString(),
			IssuedAt:     now,
			ExpiresAt:    now.Add(emergencyGrantTTL),
			AccessMethod: method,
		}
		m.pruneEmergency(now)
		m.emergency[s.ID] = s
		m.audit.Record(audit.KindEmergency, string(method), true)
		m.log.Warn().Str("method", string(method)).Msg("emergency access granted")
		return s, nil
	}

	switch m.state.Config.EmergencyMode {
	case AlwaysAccessible:
		return grant(MethodOpen)

	case PinProtected:
		if m.state.Config.EmergencyPINHash == "" {
			return deny(MethodPIN)
		}
		ok, err := VerifyPassword(att.PIN, m.state.Config.EmergencyPINHash)
		if err != nil || !ok {
			return deny(MethodPIN)
		}
		return grant(MethodPIN)

	case BiometricBypass:
		if m.biometric != nil && m.biometric.Check() {
			m.state.BiometricFailures = 0
			m.persistCounter()
			return grant(MethodBiometric)
		}
		m.state.BiometricFailures++
		if m.state.BiometricFailures >= m.state.Config.BiometricFailureThreshold {
			// Repeated scanner failure is read as the incapacitation signal
			// this mode exists for; fall back to open access.
			m.state.BiometricFailures = 0
			m.persistCounter()
			return grant(MethodBiometricBypass)
		}
		m.persistCounter()
		return deny(MethodBiometricBypass)
	}

	return deny(att.Method)
}

// persistCounter saves the durable biometric failure counter, best-effort.
func (m *Manager) persistCounter() {
	if err := m.saveState(); err != nil {
		m.log.Error().Err(err).Msg("failed to persist biometric failure counter")
	}
}

// IsEmergencySession validates an emergency grant by id. Expired grants are
// treated as absent and dropped.
func (m *Manager) IsEmergencySession(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.emergency[id]
	if !ok {
		return false
	}
	if !m.now().Before(s.ExpiresAt) {
		delete(m.emergency, id)
		return false
	}
	return true
}

// pruneEmergency drops expired grants under the caller's lock, keeping the
// map bounded under repeated emergency attempts.
func (m *Manager) pruneEmergency(now time.Time) {
	for id, s := range m.emergency {
		if !now.Before(s.ExpiresAt) {
			delete(m.emergency, id)
		}
	}
}

// ConfigureEmergencyAccess applies a new emergency mode. The candidate config
// is validated as a whole before anything is mutated or persisted; a PIN, when
// given, is hashed with the same argon2id scheme as the vault password. The
// biometric failure window resets on reconfiguration.
func (m *Manager) ConfigureEmergencyAccess(mode EmergencyMode, pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state.Config
	next.EmergencyMode = mode
	if pin != "" {
		hash, err := HashPassword(DefaultArgon, pin)
		if err != nil {
			return err
		}
		next.EmergencyPINHash = hash
	}
	if mode != PinProtected {
		next.EmergencyPINHash = ""
	}
	if err := next.Validate(); err != nil {
		m.audit.Record(audit.KindConfig, string(mode), false)
		return err
	}

	m.state.Config = next
	m.state.BiometricFailures = 0
	if err := m.saveState(); err != nil {
		return err
	}
	m.audit.Record(audit.KindConfig, string(mode), true)
	m.log.Info().Str("mode", string(mode)).Msg("emergency access reconfigured")
	return nil
}

// Config returns a copy of the current security configuration.
func (m *Manager) Config() SecurityConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.state.Config
	cfg.PreferredLanguages = append([]string(nil), cfg.PreferredLanguages...)
	return cfg
}

// BiometricFailures exposes the current counter for status reporting.
func (m *Manager) BiometricFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.BiometricFailures
}
