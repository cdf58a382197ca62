package crypto_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataguardlabs/dataguard/internal/crypto"
	"github.com/dataguardlabs/dataguard/internal/domain/errors"
	"github.com/dataguardlabs/dataguard/internal/domain/record"
)

func newTestVault(t *testing.T, algorithm string) *crypto.Vault {
	t.Helper()
	v, err := crypto.New(crypto.Config{
		MasterSecrets: map[string][]byte{
			"mk-1": []byte("test-master-secret-one"),
		},
		ActiveMasterKeyID: "mk-1",
		Algorithm:         algorithm,
	})
	require.NoError(t, err)
	return v
}

func TestSealOpenRoundtrip(t *testing.T) {
	tests := []struct {
		name           string
		algorithm      string
		plaintext      []byte
		classification record.Classification
	}{
		{"aes-gcm public", crypto.AlgorithmAESGCM, []byte("hello"), record.ClassificationPublic},
		{"aes-gcm restricted", crypto.AlgorithmAESGCM, bytes.Repeat([]byte{0xAB}, 4096), record.ClassificationRestricted},
		{"chacha confidential", crypto.AlgorithmChaCha20Poly1305, []byte("ssn 123-45-6789"), record.ClassificationConfidential},
		{"single byte", crypto.AlgorithmAESGCM, []byte{0x00}, record.ClassificationInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVault(t, tt.algorithm)

			sealed, err := v.Seal(tt.plaintext, tt.classification)
			require.NoError(t, err)
			assert.Equal(t, tt.algorithm, sealed.AlgorithmID)
			assert.Equal(t, "mk-1", sealed.MasterKeyID)
			assert.Equal(t, crypto.IntegrityHash(tt.plaintext), sealed.IntegrityHash)
			assert.NotContains(t, string(sealed.Ciphertext), string(tt.plaintext))

			opened, err := v.Open(sealed.Ciphertext, sealed.WrappedKey, sealed.AlgorithmID, sealed.MasterKeyID, tt.classification)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, opened)
		})
	}
}

func TestSealFreshNoncePerCall(t *testing.T) {
	v := newTestVault(t, crypto.AlgorithmAESGCM)
	plaintext := []byte("same payload")

	first, err := v.Seal(plaintext, record.ClassificationInternal)
	require.NoError(t, err)
	second, err := v.Seal(plaintext, record.ClassificationInternal)
	require.NoError(t, err)

	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)
	assert.NotEqual(t, first.WrappedKey, second.WrappedKey)
	// The content hash is deterministic even when ciphertexts differ.
	assert.Equal(t, first.IntegrityHash, second.IntegrityHash)
}

func TestSealRejectsInvalidInput(t *testing.T) {
	v := newTestVault(t, crypto.AlgorithmAESGCM)

	_, err := v.Seal(nil, record.ClassificationInternal)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeEncryption))

	_, err = v.Seal([]byte("data"), record.Classification("secretish"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeEncryption))
}

func TestOpenDetectsTampering(t *testing.T) {
	v := newTestVault(t, crypto.AlgorithmAESGCM)
	plaintext := []byte("tamper target payload")

	sealed, err := v.Seal(plaintext, record.ClassificationConfidential)
	require.NoError(t, err)

	// Flipping any single bit of the ciphertext must fail authentication.
	for _, pos := range []int{0, len(sealed.Ciphertext) / 2, len(sealed.Ciphertext) - 1} {
		corrupted := append([]byte(nil), sealed.Ciphertext...)
		corrupted[pos] ^= 0x01

		opened, err := v.Open(corrupted, sealed.WrappedKey, sealed.AlgorithmID, sealed.MasterKeyID, record.ClassificationConfidential)
		require.Error(t, err, "bit flip at %d must fail", pos)
		assert.True(t, errors.IsType(err, errors.ErrorTypeDecryption))
		assert.Nil(t, opened, "no partial plaintext on failure")
	}

	// Same for the wrapped key.
	corruptedKey := append([]byte(nil), sealed.WrappedKey...)
	corruptedKey[len(corruptedKey)-1] ^= 0x80
	opened, err := v.Open(sealed.Ciphertext, corruptedKey, sealed.AlgorithmID, sealed.MasterKeyID, record.ClassificationConfidential)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDecryption))
	assert.Nil(t, opened)
}

func TestOpenRejectsRelabelledClassification(t *testing.T) {
	v := newTestVault(t, crypto.AlgorithmAESGCM)

	sealed, err := v.Seal([]byte("bound to confidential"), record.ClassificationConfidential)
	require.NoError(t, err)

	_, err = v.Open(sealed.Ciphertext, sealed.WrappedKey, sealed.AlgorithmID, sealed.MasterKeyID, record.ClassificationPublic)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDecryption))
}

func TestOpenRejectsTruncatedInputs(t *testing.T) {
	v := newTestVault(t, crypto.AlgorithmAESGCM)

	sealed, err := v.Seal([]byte("short"), record.ClassificationInternal)
	require.NoError(t, err)

	_, err = v.Open(sealed.Ciphertext[:4], sealed.WrappedKey, sealed.AlgorithmID, sealed.MasterKeyID, record.ClassificationInternal)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDecryption))

	_, err = v.Open(sealed.Ciphertext, sealed.WrappedKey[:4], sealed.AlgorithmID, sealed.MasterKeyID, record.ClassificationInternal)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDecryption))
}

func TestRewrapKeyAcrossRotation(t *testing.T) {
	// Seal under mk-1, then bring up a vault with mk-2 active while mk-1
	// stays resolvable, as during rotation.
	old := newTestVault(t, crypto.AlgorithmAESGCM)
	sealed, err := old.Seal([]byte("rotate me"), record.ClassificationInternal)
	require.NoError(t, err)

	rotated, err := crypto.New(crypto.Config{
		MasterSecrets: map[string][]byte{
			"mk-1": []byte("test-master-secret-one"),
			"mk-2": []byte("test-master-secret-two"),
		},
		ActiveMasterKeyID: "mk-2",
	})
	require.NoError(t, err)

	// Old wrapped keys still open during rotation.
	opened, err := rotated.Open(sealed.Ciphertext, sealed.WrappedKey, sealed.AlgorithmID, "mk-1", record.ClassificationInternal)
	require.NoError(t, err)
	assert.Equal(t, []byte("rotate me"), opened)

	rewrapped, newID, err := rotated.RewrapKey(sealed.WrappedKey, "mk-1")
	require.NoError(t, err)
	assert.Equal(t, "mk-2", newID)
	assert.NotEqual(t, sealed.WrappedKey, rewrapped)

	// Ciphertext untouched: the rewrapped key opens it under the new id.
	opened, err = rotated.Open(sealed.Ciphertext, rewrapped, sealed.AlgorithmID, newID, record.ClassificationInternal)
	require.NoError(t, err)
	assert.Equal(t, []byte("rotate me"), opened)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := crypto.New(crypto.Config{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = crypto.New(crypto.Config{
		MasterSecrets:     map[string][]byte{"a": []byte("x")},
		ActiveMasterKeyID: "missing",
	})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = crypto.New(crypto.Config{
		MasterSecrets:     map[string][]byte{"a": []byte("x")},
		ActiveMasterKeyID: "a",
		Algorithm:         "rot13",
	})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
