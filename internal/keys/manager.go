package keys

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"

	"health-vault/internal/crypto"
	"health-vault/internal/storage"
)

var (
	ErrLocked            = errors.New("keys: vault is locked")
	ErrVaultExists       = errors.New("keys: vault already exists")
	ErrNoVault           = errors.New("keys: vault not found")
	ErrWrongCredential   = errors.New("keys: credential does not unlock this vault")
	ErrNoBiometricEnroll = errors.New("keys: no biometric unlock token enrolled")
	ErrRekeyInterrupted  = errors.New("keys: rekey interrupted, vault kept on previous key")
)

const (
	headerVersion = 1

	aadKeyWrap = "key-wrap"
	aadBioWrap = "bio-wrap"

	// Rekey staging namespace inside the blob store. Staged copies live under
	// stagePrefix+id until the commit marker lands; the marker carries the new
	// header so an interrupted promote can roll forward.
	stagePrefix   = "rekey."
	commitMarker  = "rekey-commit"
	bioTokenInfo  = "health-vault/bio-unlock/v1"
	blobAADPrefix = "blob:"
)

// Header is the cleartext vault header stored next to the ciphertext. The
// salt and KDF parameters are not secrets; the wrapped master key is sealed
// under the password-derived KEK.
type Header struct {
	Version int       `json:"version"`
	KDF     KDFHeader `json:"kdf"`
	KeyWrap []byte    `json:"key_wrap"`           // AEAD_KEK(master key)
	BioWrap []byte    `json:"bio_wrap,omitempty"` // AEAD_HKDF(token)(master key)
}

type KDFHeader struct {
	Algo string `json:"algo"` // "argon2id"
	M    uint32 `json:"m"`
	T    uint32 `json:"t"`
	P    uint8  `json:"p"`
	Salt []byte `json:"salt"`
}

func (h KDFHeader) params() crypto.KDFParams {
	return crypto.KDFParams{M: h.M, T: h.T, P: h.P, Salt: h.Salt}
}

// Manager owns the master symmetric key for the lifetime of an authenticated
// session. The key lives in a memguard enclave and is opened briefly per
// encrypt/decrypt call; no other component may copy or persist it.
type Manager struct {
	mu      sync.RWMutex
	path    string
	header  Header
	enclave *memguard.Enclave
	log     zerolog.Logger
}

func NewManager(headerPath string, log zerolog.Logger) *Manager {
	return &Manager{path: headerPath, log: log.With().Str("component", "keys").Logger()}
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Create initializes a new vault: fresh salt, freshly generated master key,
// key wrapped under the password-derived KEK. Leaves the vault unlocked.
func (m *Manager) Create(password []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		return ErrVaultExists
	}

	kdf := crypto.DefaultKDF()
	kek, err := crypto.DeriveKey(password, kdf)
	if err != nil {
		return err
	}
	defer crypto.Zero32(&kek)

	master := make([]byte, crypto.KeySize)
	if _, err := rand.Read(master); err != nil {
		return err
	}
	_ = crypto.LockBuffer(master)

	wrap, err := crypto.Seal(kek[:], master, []byte(aadKeyWrap))
	if err != nil {
		crypto.Zero(master)
		return err
	}

	m.header = Header{
		Version: headerVersion,
		KDF:     KDFHeader{Algo: "argon2id", M: kdf.M, T: kdf.T, P: kdf.P, Salt: kdf.Salt},
		KeyWrap: wrap.Encode(),
	}
	if err := writeHeader(m.path, m.header); err != nil {
		crypto.Zero(master)
		return err
	}

	_ = crypto.UnlockBuffer(master)
	m.enclave = memguard.NewEnclave(master) // wipes master
	m.log.Info().Msg("vault created")
	return nil
}

// Unlock derives the KEK from the password and unwraps the master key.
// A wrong password surfaces as ErrWrongCredential via the AEAD tag check.
func (m *Manager) Unlock(password []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := readHeader(m.path)
	if err != nil {
		return err
	}
	kek, err := crypto.DeriveKey(password, h.KDF.params())
	if err != nil {
		return err
	}
	defer crypto.Zero32(&kek)

	wrap, err := crypto.DecodeBlob(h.KeyWrap)
	if err != nil {
		return err
	}
	master, err := crypto.Open(kek[:], wrap, []byte(aadKeyWrap))
	if err != nil {
		return ErrWrongCredential
	}

	m.header = h
	m.enclave = memguard.NewEnclave(master)
	m.log.Info().Msg("vault unlocked")
	return nil
}

// UnlockWithToken unwraps the master key using an enrolled biometric unlock
// token instead of the password.
func (m *Manager) UnlockWithToken(token []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := readHeader(m.path)
	if err != nil {
		return err
	}
	if len(h.BioWrap) == 0 {
		return ErrNoBiometricEnroll
	}
	tk, err := crypto.ExpandToken(token, h.KDF.Salt, bioTokenInfo)
	if err != nil {
		return err
	}
	defer crypto.Zero32(&tk)

	wrap, err := crypto.DecodeBlob(h.BioWrap)
	if err != nil {
		return err
	}
	master, err := crypto.Open(tk[:], wrap, []byte(aadBioWrap))
	if err != nil {
		return ErrWrongCredential
	}

	m.header = h
	m.enclave = memguard.NewEnclave(master)
	m.log.Info().Msg("vault unlocked via biometric token")
	return nil
}

// EnrollBiometricToken wraps the master key under a key expanded from the
// given unlock token, enabling UnlockWithToken. Requires an unlocked vault.
func (m *Manager) EnrollBiometricToken(token []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enclave == nil {
		return ErrLocked
	}
	tk, err := crypto.ExpandToken(token, m.header.KDF.Salt, bioTokenInfo)
	if err != nil {
		return err
	}
	defer crypto.Zero32(&tk)

	lb, err := m.enclave.Open()
	if err != nil {
		return fmt.Errorf("keys: open enclave: %w", err)
	}
	defer lb.Destroy()

	wrap, err := crypto.Seal(tk[:], lb.Bytes(), []byte(aadBioWrap))
	if err != nil {
		return err
	}
	m.header.BioWrap = wrap.Encode()
	return writeHeader(m.path, m.header)
}

func (m *Manager) Locked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enclave == nil
}

// Zeroize drops the master key. The enclave's backing pages are wiped by
// memguard when the reference is destroyed; subsequent crypto calls fail
// with ErrLocked until the vault is unlocked again.
func (m *Manager) Zeroize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enclave = nil
	m.log.Info().Msg("master key zeroized")
}

// withKey runs fn with read-only access to the master key. The key buffer is
// destroyed as soon as fn returns.
func (m *Manager) withKey(fn func(key []byte) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.enclave == nil {
		return ErrLocked
	}
	lb, err := m.enclave.Open()
	if err != nil {
		return fmt.Errorf("keys: open enclave: %w", err)
	}
	defer lb.Destroy()
	return fn(lb.Bytes())
}

// Encrypt seals plaintext under the master key.
func (m *Manager) Encrypt(plaintext, aad []byte) (crypto.Blob, error) {
	var out crypto.Blob
	err := m.withKey(func(key []byte) error {
		var err error
		out, err = crypto.Seal(key, plaintext, aad)
		return err
	})
	return out, err
}

// Decrypt opens a blob sealed under the master key. A tag mismatch is a hard
// integrity failure; no partial plaintext is ever returned.
func (m *Manager) Decrypt(b crypto.Blob, aad []byte) ([]byte, error) {
	var out []byte
	err := m.withKey(func(key []byte) error {
		var err error
		out, err = crypto.Open(key, b, aad)
		return err
	})
	return out, err
}

// EncryptAt seals plaintext bound to a blob-store id and returns the wire
// encoding. Every stored blob uses the same id-derived AAD so a blob copied
// to a different id fails authentication.
func (m *Manager) EncryptAt(id string, plaintext []byte) ([]byte, error) {
	b, err := m.Encrypt(plaintext, []byte(blobAADPrefix+id))
	if err != nil {
		return nil, err
	}
	return b.Encode(), nil
}

// DecryptAt reverses EncryptAt.
func (m *Manager) DecryptAt(id string, raw []byte) ([]byte, error) {
	b, err := crypto.DecodeBlob(raw)
	if err != nil {
		return nil, err
	}
	return m.Decrypt(b, []byte(blobAADPrefix+id))
}

// Rekey migrates every blob in the store to a freshly generated master key
// wrapped under newPassword, as one logically atomic operation:
//
//  1. every blob is re-encrypted into a staged copy (stagePrefix+id),
//  2. a commit marker carrying the new header is written,
//  3. staged copies are promoted over the originals and the header replaced.
//
// Failure before the marker discards the staging area and leaves the vault
// readable under the old key (ErrRekeyInterrupted). Failure after the marker
// is rolled forward by Recover. Biometric enrollment does not survive a
// rekey; the token must be re-enrolled.
func (m *Manager) Rekey(ctx context.Context, newPassword []byte, store storage.BlobStore) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enclave == nil {
		return ErrLocked
	}
	lb, err := m.enclave.Open()
	if err != nil {
		return fmt.Errorf("keys: open enclave: %w", err)
	}
	defer lb.Destroy()
	oldKey := lb.Bytes()

	newKDF := crypto.DefaultKDF()
	newKEK, err := crypto.DeriveKey(newPassword, newKDF)
	if err != nil {
		return err
	}
	defer crypto.Zero32(&newKEK)

	newMaster := make([]byte, crypto.KeySize)
	if _, err := rand.Read(newMaster); err != nil {
		return err
	}
	wrap, err := crypto.Seal(newKEK[:], newMaster, []byte(aadKeyWrap))
	if err != nil {
		crypto.Zero(newMaster)
		return err
	}
	newHeader := Header{
		Version: headerVersion,
		KDF:     KDFHeader{Algo: "argon2id", M: newKDF.M, T: newKDF.T, P: newKDF.P, Salt: newKDF.Salt},
		KeyWrap: wrap.Encode(),
	}

	ids, err := store.List(ctx)
	if err != nil {
		crypto.Zero(newMaster)
		return err
	}

	var staged []string
	abort := func(cause error) error {
		for _, id := range staged {
			_ = store.Delete(ctx, stagePrefix+id)
		}
		crypto.Zero(newMaster)
		m.log.Error().Err(cause).Msg("rekey aborted, rolled back to previous key")
		return fmt.Errorf("%w: %v", ErrRekeyInterrupted, cause)
	}

	for _, id := range ids {
		if strings.HasPrefix(id, stagePrefix) || id == commitMarker {
			continue
		}
		if err := ctx.Err(); err != nil {
			return abort(err)
		}
		raw, err := store.Get(ctx, id)
		if err != nil {
			return abort(fmt.Errorf("read %s: %w", id, err))
		}
		blob, err := crypto.DecodeBlob(raw)
		if err != nil {
			return abort(fmt.Errorf("decode %s: %w", id, err))
		}
		aad := []byte(blobAADPrefix + id)
		pt, err := crypto.Open(oldKey, blob, aad)
		if err != nil {
			return abort(fmt.Errorf("decrypt %s: %w", id, err))
		}
		reblob, err := crypto.Seal(newMaster, pt, aad)
		crypto.Zero(pt)
		if err != nil {
			return abort(fmt.Errorf("re-encrypt %s: %w", id, err))
		}
		if err := store.Put(ctx, stagePrefix+id, reblob.Encode()); err != nil {
			return abort(fmt.Errorf("stage %s: %w", id, err))
		}
		staged = append(staged, id)
	}

	markerBytes, err := json.Marshal(newHeader)
	if err != nil {
		return abort(err)
	}
	if err := store.Put(ctx, commitMarker, markerBytes); err != nil {
		return abort(err)
	}

	// Point of no return: the marker is durable, promote.
	if err := promoteStaged(ctx, store, newHeader, m.path); err != nil {
		crypto.Zero(newMaster)
		return fmt.Errorf("keys: rekey promote (recoverable via marker): %w", err)
	}

	m.header = newHeader
	m.enclave = memguard.NewEnclave(newMaster)
	m.log.Info().Int("blobs", len(staged)).Msg("rekey committed")
	return nil
}

// Recover finishes or unwinds a rekey that a crash interrupted. Called once
// before the vault starts serving. With a commit marker present the staged
// blobs are promoted (roll forward); without one, any staging leftovers are
// discarded (roll back) and the previous key remains authoritative.
func (m *Manager) Recover(ctx context.Context, store storage.BlobStore) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	markerBytes, err := store.Get(ctx, commitMarker)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		ids, err := store.List(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if strings.HasPrefix(id, stagePrefix) {
				_ = store.Delete(ctx, id)
			}
		}
		return nil
	case err != nil:
		return err
	}

	var h Header
	if err := json.Unmarshal(markerBytes, &h); err != nil {
		return fmt.Errorf("keys: corrupt rekey marker: %w", err)
	}
	if err := promoteStaged(ctx, store, h, m.path); err != nil {
		return err
	}
	m.header = h
	m.log.Warn().Msg("interrupted rekey rolled forward from commit marker")
	return nil
}

func promoteStaged(ctx context.Context, store storage.BlobStore, h Header, headerPath string) error {
	ids, err := store.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !strings.HasPrefix(id, stagePrefix) {
			continue
		}
		data, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		target := strings.TrimPrefix(id, stagePrefix)
		if err := store.Put(ctx, target, data); err != nil {
			return err
		}
		if err := store.Delete(ctx, id); err != nil {
			return err
		}
	}
	if err := writeHeader(headerPath, h); err != nil {
		return err
	}
	return store.Delete(ctx, commitMarker)
}

func readHeader(path string) (Header, error) {
	var h Header
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return h, ErrNoVault
	}
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(b, &h); err != nil {
		return h, err
	}
	return h, nil
}

func writeHeader(path string, h Header) error {
	b, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0600)
}
