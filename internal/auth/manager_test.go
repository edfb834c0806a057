package auth

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"health-vault/internal/audit"
	"health-vault/internal/keys"
	"health-vault/internal/storage"
)

type stubBiometric struct {
	mu sync.Mutex
	ok bool
}

func (s *stubBiometric) Check() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ok
}

func (s *stubBiometric) set(ok bool) {
	s.mu.Lock()
	s.ok = ok
	s.mu.Unlock()
}

type authFixture struct {
	mgr   *Manager
	keys  *keys.Manager
	bio   *stubBiometric
	audit *audit.Log
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	dir := t.TempDir()
	km := keys.NewManager(filepath.Join(dir, "vault.hdr"), zerolog.Nop())
	log, err := audit.Open(nil, zerolog.Nop())
	require.NoError(t, err)
	bio := &stubBiometric{}
	m, err := NewManager(filepath.Join(dir, "security.json"), km, bio, log, 15*time.Minute, zerolog.Nop())
	require.NoError(t, err)
	return &authFixture{mgr: m, keys: km, bio: bio, audit: log}
}

func (f *authFixture) setup(t *testing.T, password string) *Session {
	t.Helper()
	sess, err := f.mgr.Setup(password)
	require.NoError(t, err)
	return sess
}

// emergencyEntries returns the audited emergency attempts.
func (f *authFixture) emergencyEntries() []audit.Entry {
	var out []audit.Entry
	for _, e := range f.audit.Query(time.Time{}, time.Now().Add(time.Second)) {
		if e.Kind == audit.KindEmergency {
			out = append(out, e)
		}
	}
	return out
}

func TestSetupAndAuthenticate(t *testing.T) {
	f := newAuthFixture(t)
	require.False(t, f.mgr.Initialized())

	sess := f.setup(t, "correct horse battery")
	require.True(t, f.mgr.Initialized())
	assert.Equal(t, CapabilityFull, sess.Capability())
	assert.True(t, f.mgr.IsAuthenticated(sess.ID))
	assert.False(t, f.keys.Locked())

	_, err := f.mgr.Authenticate("wrong password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	sess2, err := f.mgr.Authenticate("correct horse battery")
	require.NoError(t, err)
	assert.True(t, f.mgr.IsAuthenticated(sess2.ID))
}

func TestAuthenticateUnlocksVaultAfterRestart(t *testing.T) {
	f := newAuthFixture(t)
	f.setup(t, "correct horse battery")
	f.keys.Zeroize()
	require.True(t, f.keys.Locked())

	_, err := f.mgr.Authenticate("correct horse battery")
	require.NoError(t, err)
	assert.False(t, f.keys.Locked())
}

func TestSessionExpiry(t *testing.T) {
	f := newAuthFixture(t)
	sess := f.setup(t, "correct horse battery")

	base := time.Now()
	f.mgr.now = func() time.Time { return base.Add(16 * time.Minute) }
	assert.False(t, f.mgr.IsAuthenticated(sess.ID), "session must expire after TTL")

	_, err := f.mgr.Renew(sess.ID)
	assert.ErrorIs(t, err, ErrSessionInvalid, "expired session must not renew")
}

func TestRenewExtendsSession(t *testing.T) {
	f := newAuthFixture(t)
	sess := f.setup(t, "correct horse battery")

	base := time.Now()
	f.mgr.now = func() time.Time { return base.Add(10 * time.Minute) }
	exp, err := f.mgr.Renew(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, base.Add(25*time.Minute), exp)

	f.mgr.now = func() time.Time { return base.Add(20 * time.Minute) }
	assert.True(t, f.mgr.IsAuthenticated(sess.ID))
}

func TestLogoutIsImmediateAndZeroizesLastKey(t *testing.T) {
	f := newAuthFixture(t)
	sess := f.setup(t, "correct horse battery")

	f.mgr.Logout(sess.ID)
	assert.False(t, f.mgr.IsAuthenticated(sess.ID))
	assert.True(t, f.keys.Locked(), "last logout must drop the master key")
}

func TestBiometricAuthentication(t *testing.T) {
	f := newAuthFixture(t)
	f.setup(t, "correct horse battery")

	token := []byte("device-enclave-released-token-32")
	require.NoError(t, f.keys.EnrollBiometricToken(token))
	f.keys.Zeroize()

	_, err := f.mgr.AuthenticateBiometric(token)
	assert.ErrorIs(t, err, ErrInvalidCredentials, "sensor says no")

	f.bio.set(true)
	sess, err := f.mgr.AuthenticateBiometric(token)
	require.NoError(t, err)
	assert.True(t, f.mgr.IsAuthenticated(sess.ID))
	assert.False(t, f.keys.Locked())
}

func TestEmergencyPinProtected(t *testing.T) {
	f := newAuthFixture(t)
	f.setup(t, "correct horse battery")
	require.NoError(t, f.mgr.ConfigureEmergencyAccess(PinProtected, "4471"))

	_, err := f.mgr.CheckEmergencyAccess(EmergencyAttempt{At: time.Now(), Method: MethodPIN, PIN: "0000"})
	assert.ErrorIs(t, err, ErrEmergencyAccessDenied)

	sess, err := f.mgr.CheckEmergencyAccess(EmergencyAttempt{At: time.Now(), Method: MethodPIN, PIN: "4471"})
	require.NoError(t, err)
	assert.Equal(t, MethodPIN, sess.AccessMethod)
	assert.Equal(t, CapabilitySOSOnly, sess.Capability())
	assert.True(t, f.mgr.IsEmergencySession(sess.ID))
	assert.False(t, f.mgr.IsAuthenticated(sess.ID), "emergency grant must not count as a full session")

	entries := f.emergencyEntries()
	require.Len(t, entries, 2, "each attempt audited exactly once")
	assert.False(t, entries[0].Success)
	assert.True(t, entries[1].Success)
}

func TestEmergencyBiometricBypassThreshold(t *testing.T) {
	f := newAuthFixture(t)
	f.setup(t, "correct horse battery")
	require.NoError(t, f.mgr.ConfigureEmergencyAccess(BiometricBypass, ""))

	att := EmergencyAttempt{At: time.Now(), Method: MethodBiometric}

	// Two consecutive scanner failures deny; the third grants bypass.
	_, err := f.mgr.CheckEmergencyAccess(att)
	assert.ErrorIs(t, err, ErrEmergencyAccessDenied)
	assert.Equal(t, 1, f.mgr.BiometricFailures())

	_, err = f.mgr.CheckEmergencyAccess(att)
	assert.ErrorIs(t, err, ErrEmergencyAccessDenied)
	assert.Equal(t, 2, f.mgr.BiometricFailures())

	sess, err := f.mgr.CheckEmergencyAccess(att)
	require.NoError(t, err)
	assert.Equal(t, MethodBiometricBypass, sess.AccessMethod)
	assert.Equal(t, 0, f.mgr.BiometricFailures(), "counter resets when the bypass fires")
}

func TestEmergencyBiometricSuccessResetsCounter(t *testing.T) {
	f := newAuthFixture(t)
	f.setup(t, "correct horse battery")
	require.NoError(t, f.mgr.ConfigureEmergencyAccess(BiometricBypass, ""))

	att := EmergencyAttempt{At: time.Now(), Method: MethodBiometric}
	_, err := f.mgr.CheckEmergencyAccess(att)
	assert.ErrorIs(t, err, ErrEmergencyAccessDenied)
	assert.Equal(t, 1, f.mgr.BiometricFailures())

	f.bio.set(true)
	sess, err := f.mgr.CheckEmergencyAccess(att)
	require.NoError(t, err)
	assert.Equal(t, MethodBiometric, sess.AccessMethod)
	assert.Equal(t, 0, f.mgr.BiometricFailures())
}

func TestEmergencyCounterSurvivesRestart(t *testing.T) {
	f := newAuthFixture(t)
	f.setup(t, "correct horse battery")
	require.NoError(t, f.mgr.ConfigureEmergencyAccess(BiometricBypass, ""))

	att := EmergencyAttempt{At: time.Now(), Method: MethodBiometric}
	_, _ = f.mgr.CheckEmergencyAccess(att)
	_, _ = f.mgr.CheckEmergencyAccess(att)

	reloaded, err := NewManager(f.mgr.statePath, f.keys, f.bio, f.audit, 15*time.Minute, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.BiometricFailures())

	// Third failure after restart still trips the bypass.
	sess, err := reloaded.CheckEmergencyAccess(att)
	require.NoError(t, err)
	assert.Equal(t, MethodBiometricBypass, sess.AccessMethod)
}

func TestEmergencyBypassThresholdIsAtomic(t *testing.T) {
	f := newAuthFixture(t)
	f.setup(t, "correct horse battery")
	require.NoError(t, f.mgr.ConfigureEmergencyAccess(BiometricBypass, ""))

	const attempts = 30
	var wg sync.WaitGroup
	granted := make(chan AccessMethod, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := f.mgr.CheckEmergencyAccess(EmergencyAttempt{At: time.Now(), Method: MethodBiometric})
			if err == nil {
				granted <- sess.AccessMethod
			}
		}()
	}
	wg.Wait()
	close(granted)

	// With a threshold of 3, exactly every third failed attempt is promoted.
	count := 0
	for m := range granted {
		assert.Equal(t, MethodBiometricBypass, m)
		count++
	}
	assert.Equal(t, attempts/3, count)
}

func TestEmergencyAlwaysAccessible(t *testing.T) {
	f := newAuthFixture(t)
	f.setup(t, "correct horse battery")
	require.NoError(t, f.mgr.ConfigureEmergencyAccess(AlwaysAccessible, ""))

	sess, err := f.mgr.CheckEmergencyAccess(EmergencyAttempt{At: time.Now(), Method: MethodOpen})
	require.NoError(t, err)
	assert.Equal(t, MethodOpen, sess.AccessMethod)

	entries := f.emergencyEntries()
	require.Len(t, entries, 1, "open-door grants are still audited")
	assert.True(t, entries[0].Success)
}

func TestEmergencyFailsSafeOnUnknownMode(t *testing.T) {
	f := newAuthFixture(t)
	f.setup(t, "correct horse battery")
	f.mgr.state.Config.EmergencyMode = EmergencyMode("corrupted")

	_, err := f.mgr.CheckEmergencyAccess(EmergencyAttempt{At: time.Now(), Method: MethodPIN, PIN: "4471"})
	assert.ErrorIs(t, err, ErrEmergencyAccessDenied)
}

func TestConfigureValidatesBeforeApplying(t *testing.T) {
	f := newAuthFixture(t)
	f.setup(t, "correct horse battery")

	// pin_protected without a PIN must be rejected and leave config untouched.
	err := f.mgr.ConfigureEmergencyAccess(PinProtected, "")
	assert.ErrorIs(t, err, ErrConfigValidation)
	assert.Equal(t, BiometricBypass, f.mgr.Config().EmergencyMode)

	err = f.mgr.ConfigureEmergencyAccess(EmergencyMode("nonsense"), "")
	assert.ErrorIs(t, err, ErrConfigValidation)
}

func TestConfigureResetsBiometricCounter(t *testing.T) {
	f := newAuthFixture(t)
	f.setup(t, "correct horse battery")
	require.NoError(t, f.mgr.ConfigureEmergencyAccess(BiometricBypass, ""))

	att := EmergencyAttempt{At: time.Now(), Method: MethodBiometric}
	_, _ = f.mgr.CheckEmergencyAccess(att)
	_, _ = f.mgr.CheckEmergencyAccess(att)
	require.Equal(t, 2, f.mgr.BiometricFailures())

	require.NoError(t, f.mgr.ConfigureEmergencyAccess(PinProtected, "4471"))
	assert.Equal(t, 0, f.mgr.BiometricFailures())
}

func TestChangePasswordRekeysBlobs(t *testing.T) {
	f := newAuthFixture(t)
	f.setup(t, "old password 123")
	store := storage.NewFileBlobStore(t.TempDir())

	raw, err := f.keys.EncryptAt("sos-en", []byte("summary"))
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "sos-en", raw))

	err = f.mgr.ChangePassword(context.Background(), "wrong", "new password 456", store)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, f.mgr.ChangePassword(context.Background(), "old password 123", "new password 456", store))

	_, err = f.mgr.Authenticate("old password 123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	f.keys.Zeroize()
	_, err = f.mgr.Authenticate("new password 456")
	require.NoError(t, err)

	got, err := store.Get(context.Background(), "sos-en")
	require.NoError(t, err)
	pt, err := f.keys.DecryptAt("sos-en", got)
	require.NoError(t, err)
	assert.Equal(t, []byte("summary"), pt)
}

// A crash between the rekey commit and the hash save leaves the stored hash
// one password behind the vault header. The next login with the new password
// must still succeed and re-adopt the hash; the old password stays dead.
func TestAuthenticateRecoversInterruptedPasswordChange(t *testing.T) {
	dir := t.TempDir()
	headerPath := filepath.Join(dir, "vault.hdr")
	statePath := filepath.Join(dir, "security.json")
	store := storage.NewFileBlobStore(filepath.Join(dir, "blobs"))
	auditLog, err := audit.Open(nil, zerolog.Nop())
	require.NoError(t, err)

	km := keys.NewManager(headerPath, zerolog.Nop())
	m, err := NewManager(statePath, km, &stubBiometric{}, auditLog, 15*time.Minute, zerolog.Nop())
	require.NoError(t, err)
	_, err = m.Setup("old password 123")
	require.NoError(t, err)

	raw, err := km.EncryptAt("sos-en", []byte("summary"))
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "sos-en", raw))

	// Rekey commits durably, then the process dies before the hash swap.
	require.NoError(t, km.Rekey(context.Background(), []byte("new password 456"), store))

	km2 := keys.NewManager(headerPath, zerolog.Nop())
	require.NoError(t, km2.Recover(context.Background(), store))
	m2, err := NewManager(statePath, km2, &stubBiometric{}, auditLog, 15*time.Minute, zerolog.Nop())
	require.NoError(t, err)

	_, err = m2.Authenticate("old password 123")
	assert.ErrorIs(t, err, ErrInvalidCredentials, "old password must not survive the rekey")

	sess, err := m2.Authenticate("new password 456")
	require.NoError(t, err, "new password must unlock despite the stale hash")
	assert.True(t, m2.IsAuthenticated(sess.ID))

	got, err := store.Get(context.Background(), "sos-en")
	require.NoError(t, err)
	pt, err := km2.DecryptAt("sos-en", got)
	require.NoError(t, err)
	assert.Equal(t, []byte("summary"), pt)

	// The reconciled hash is durable: a fresh restart verifies the new
	// password against the stored hash alone.
	km3 := keys.NewManager(headerPath, zerolog.Nop())
	m3, err := NewManager(statePath, km3, &stubBiometric{}, auditLog, 15*time.Minute, zerolog.Nop())
	require.NoError(t, err)
	_, err = m3.Authenticate("new password 456")
	require.NoError(t, err)
	_, err = m3.Authenticate("old password 123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestEmergencySessionExpires(t *testing.T) {
	f := newAuthFixture(t)
	f.setup(t, "correct horse battery")
	require.NoError(t, f.mgr.ConfigureEmergencyAccess(PinProtected, "4471"))

	sess, err := f.mgr.CheckEmergencyAccess(EmergencyAttempt{At: time.Now(), Method: MethodPIN, PIN: "4471"})
	require.NoError(t, err)
	assert.True(t, f.mgr.IsEmergencySession(sess.ID))
	assert.True(t, sess.ExpiresAt.After(sess.IssuedAt))

	base := time.Now()
	f.mgr.now = func() time.Time { return base.Add(emergencyGrantTTL + time.Minute) }
	assert.False(t, f.mgr.IsEmergencySession(sess.ID), "grant must lapse after its window")

	// Granting again prunes the lapsed entry instead of accumulating it.
	next, err := f.mgr.CheckEmergencyAccess(EmergencyAttempt{At: time.Now(), Method: MethodPIN, PIN: "4471"})
	require.NoError(t, err)
	f.mgr.mu.Lock()
	assert.Len(t, f.mgr.emergency, 1)
	f.mgr.mu.Unlock()
	assert.True(t, f.mgr.IsEmergencySession(next.ID))
}
