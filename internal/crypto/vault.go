package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/dataguardlabs/dataguard/internal/domain/errors"
	"github.com/dataguardlabs/dataguard/internal/domain/record"
)

// Supported AEAD suites. Every ciphertext is nonce || sealed bytes with the
// authentication tag appended by the AEAD itself.
const (
	AlgorithmAESGCM           = "aes-256-gcm"
	AlgorithmChaCha20Poly1305 = "chacha20-poly1305"
)

const recordKeySize = 32

// Config is the explicit vault configuration. It is constructed once and
// threaded through every call; the vault keeps no other state.
type Config struct {
	// MasterSecrets maps master key id to the raw configured secret.
	// Wrapping keys are derived from these, the secrets themselves are
	// never used as cipher keys directly.
	MasterSecrets map[string][]byte

	// ActiveMasterKeyID selects the secret used to wrap new record keys.
	// Older ids stay resolvable so rotation never blocks readers.
	ActiveMasterKeyID string

	// Algorithm is the AEAD suite for new seals. Defaults to AES-256-GCM.
	Algorithm string
}

// SealedPayload is the output of a successful Seal.
type SealedPayload struct {
	Ciphertext    []byte
	WrappedKey    []byte
	AlgorithmID   string
	MasterKeyID   string
	IntegrityHash string
}

// Vault seals and opens record payloads with authenticated encryption and
// wraps the per-record key under a master key. Safe for concurrent use; the
// only mutable state is the wrap-key table, which is read-only after New.
type Vault struct {
	wrapKeys  map[string][]byte
	activeID  string
	algorithm string
}

// New derives the wrap-key table from cfg and validates the configuration.
func New(cfg Config) (*Vault, error) {
	if len(cfg.MasterSecrets) == 0 {
		return nil, errors.NewValidationError("MISSING_MASTER_SECRETS",
			"at least one master secret is required")
	}
	if _, ok := cfg.MasterSecrets[cfg.ActiveMasterKeyID]; !ok {
		return nil, errors.NewValidationError("UNKNOWN_ACTIVE_KEY",
			fmt.Sprintf("active master key id %q has no configured secret", cfg.ActiveMasterKeyID))
	}

	algorithm := cfg.Algorithm
	if algorithm == "" {
		algorithm = AlgorithmAESGCM
	}
	if algorithm != AlgorithmAESGCM && algorithm != AlgorithmChaCha20Poly1305 {
		return nil, errors.NewValidationError("UNSUPPORTED_ALGORITHM",
			fmt.Sprintf("unsupported AEAD suite %q", algorithm))
	}

	wrapKeys := make(map[string][]byte, len(cfg.MasterSecrets))
	for id, secret := range cfg.MasterSecrets {
		if len(secret) == 0 {
			return nil, errors.NewValidationError("EMPTY_MASTER_SECRET",
				fmt.Sprintf("master secret %q is empty", id))
		}
		key, err := deriveWrapKey(secret, id)
		if err != nil {
			return nil, errors.NewInternalError("deriving wrap key").WithCause(err)
		}
		wrapKeys[id] = key
	}

	return &Vault{
		wrapKeys:  wrapKeys,
		activeID:  cfg.ActiveMasterKeyID,
		algorithm: algorithm,
	}, nil
}

// deriveWrapKey stretches the configured secret into a 32-byte wrapping key
// bound to the master key id.
func deriveWrapKey(secret []byte, keyID string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte("dataguard/key-wrap/"+keyID))
	key := make([]byte, recordKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ActiveMasterKeyID returns the id new seals are wrapped under.
func (v *Vault) ActiveMasterKeyID() string {
	return v.activeID
}

// Seal encrypts plaintext with a fresh random per-record key and a fresh
// nonce, wraps the record key under the active master key, and computes the
// pre-encryption content hash.
func (v *Vault) Seal(plaintext []byte, classification record.Classification) (*SealedPayload, error) {
	if len(plaintext) == 0 {
		return nil, errors.NewEncryptionError("plaintext must not be empty")
	}
	if !classification.Valid() {
		return nil, errors.NewEncryptionError(
			fmt.Sprintf("unsupported classification %q", classification))
	}

	recordKey := make([]byte, recordKeySize)
	if _, err := rand.Read(recordKey); err != nil {
		return nil, errors.NewEncryptionError("generating record key").WithCause(err)
	}

	aead, err := newAEAD(v.algorithm, recordKey)
	if err != nil {
		return nil, errors.NewEncryptionError("initialising cipher").WithCause(err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.NewEncryptionError("generating nonce").WithCause(err)
	}

	// The classification is bound as associated data so a relabelled
	// ciphertext fails authentication on open.
	ciphertext := aead.Seal(nonce, nonce, plaintext, []byte(classification))

	wrappedKey, err := v.wrapKey(recordKey, v.activeID)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(plaintext)

	return &SealedPayload{
		Ciphertext:    ciphertext,
		WrappedKey:    wrappedKey,
		AlgorithmID:   v.algorithm,
		MasterKeyID:   v.activeID,
		IntegrityHash: hex.EncodeToString(sum[:]),
	}, nil
}

// Open unwraps the record key and authenticates and decrypts the ciphertext.
// Any tag mismatch, wrong key or corruption yields DecryptionError; partial
// plaintext is never returned.
func (v *Vault) Open(ciphertext, wrappedKey []byte, algorithmID, masterKeyID string, classification record.Classification) ([]byte, error) {
	recordKey, err := v.unwrapKey(wrappedKey, masterKeyID)
	if err != nil {
		return nil, err
	}

	aead, err := newAEAD(algorithmID, recordKey)
	if err != nil {
		return nil, errors.NewDecryptionError("unsupported algorithm").WithCause(err)
	}

	if len(ciphertext) <= aead.NonceSize() {
		return nil, errors.NewDecryptionError("ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, sealed, []byte(classification))
	if err != nil {
		return nil, errors.NewDecryptionError("ciphertext failed authentication").WithCause(err)
	}
	return plaintext, nil
}

// RewrapKey re-wraps a record key under the active master key without
// touching the ciphertext. Used during master key rotation; the old master
// key id stays resolvable so rotation never blocks concurrent readers.
func (v *Vault) RewrapKey(wrappedKey []byte, oldMasterKeyID string) ([]byte, string, error) {
	recordKey, err := v.unwrapKey(wrappedKey, oldMasterKeyID)
	if err != nil {
		return nil, "", err
	}
	rewrapped, err := v.wrapKey(recordKey, v.activeID)
	if err != nil {
		return nil, "", err
	}
	return rewrapped, v.activeID, nil
}

// IntegrityHash computes the content hash used for dedup and tamper
// evidence, identical to the one Seal embeds.
func IntegrityHash(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}

// wrapKey encrypts recordKey under the wrap key for masterKeyID. Wrapping
// always uses AES-256-GCM regardless of the payload suite.
func (v *Vault) wrapKey(recordKey []byte, masterKeyID string) ([]byte, error) {
	wrapKey, ok := v.wrapKeys[masterKeyID]
	if !ok {
		return nil, errors.NewEncryptionError(
			fmt.Sprintf("unknown master key id %q", masterKeyID))
	}

	aead, err := newAEAD(AlgorithmAESGCM, wrapKey)
	if err != nil {
		return nil, errors.NewEncryptionError("initialising wrap cipher").WithCause(err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.NewEncryptionError("generating wrap nonce").WithCause(err)
	}
	return aead.Seal(nonce, nonce, recordKey, []byte(masterKeyID)), nil
}

func (v *Vault) unwrapKey(wrappedKey []byte, masterKeyID string) ([]byte, error) {
	wrapKey, ok := v.wrapKeys[masterKeyID]
	if !ok {
		return nil, errors.NewDecryptionError(
			fmt.Sprintf("unknown master key id %q", masterKeyID))
	}

	aead, err := newAEAD(AlgorithmAESGCM, wrapKey)
	if err != nil {
		return nil, errors.NewDecryptionError("initialising wrap cipher").WithCause(err)
	}
	if len(wrappedKey) <= aead.NonceSize() {
		return nil, errors.NewDecryptionError("wrapped key too short")
	}
	nonce, sealed := wrappedKey[:aead.NonceSize()], wrappedKey[aead.NonceSize():]

	recordKey, err := aead.Open(nil, nonce, sealed, []byte(masterKeyID))
	if err != nil {
		return nil, errors.NewDecryptionError("wrapped key failed authentication").WithCause(err)
	}
	return recordKey, nil
}

func newAEAD(algorithmID string, key []byte) (cipher.AEAD, error) {
	switch algorithmID {
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case AlgorithmChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", algorithmID)
	}
}
