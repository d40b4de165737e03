package backup

import (
	"bytes"
	"encoding/base64"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerlink/crypto"
	"peerlink/models"
)

var testCodec = Codec{
	KDF: crypto.KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: crypto.AES256KeySize},
	Now: func() time.Time { return time.UnixMilli(1_700_000_000_000) },
}

func testKeys(t *testing.T) (models.KeyPair, models.KeyPair, map[string]models.KeyPair) {
	t.Helper()

	privateKey, publicKey, err := crypto.GenerateEd25519KeyPair()
	require.NoError(t, err)
	preKey, err := crypto.GenerateX25519KeyPair()
	require.NoError(t, err)

	oneTime := make(map[string]models.KeyPair)
	for _, id := range []string{"otk-1", "otk-2"} {
		pair, err := crypto.GenerateX25519KeyPair()
		require.NoError(t, err)
		oneTime[id] = models.KeyPair{Public: pair.Public, Private: pair.Private}
	}

	return models.KeyPair{Public: publicKey, Private: privateKey},
		models.KeyPair{Public: preKey.Public, Private: preKey.Private},
		oneTime
}

func TestBackupRoundTripIsByteExact(t *testing.T) {
	identityKey, preKey, oneTime := testKeys(t)

	bundle, err := testCodec.CreateBackup(identityKey, preKey, oneTime, []byte("correct horse"))
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, bundle.Version)
	assert.Len(t, bundle.Salt, SaltSize)
	assert.Equal(t, int64(1_700_000_000_000), bundle.Timestamp)
	assert.True(t, Validate(bundle))

	restored, err := testCodec.RestoreBackup(bundle, []byte("correct horse"))
	require.NoError(t, err)
	assert.Equal(t, identityKey, restored.IdentityKey)
	assert.Equal(t, preKey, restored.SignedPreKey)
	assert.Equal(t, oneTime, restored.OneTimePreKeys)

	again, err := testCodec.RestoreBackup(bundle, []byte("correct horse"))
	require.NoError(t, err)
	assert.Equal(t, restored, again)
}

func TestRestoreWithWrongPassphraseFails(t *testing.T) {
	identityKey, preKey, oneTime := testKeys(t)
	bundle, err := testCodec.CreateBackup(identityKey, preKey, oneTime, []byte("right"))
	require.NoError(t, err)
	snapshot := append([]byte(nil), bundle.EncryptedPayload...)

	_, err = testCodec.RestoreBackup(bundle, []byte("wrong"))
	require.ErrorIs(t, err, ErrBackup)
	assert.Equal(t, snapshot, bundle.EncryptedPayload, "restore must not mutate the bundle")
}

func TestRestoreCorruptedBundleFailsWithSameError(t *testing.T) {
	identityKey, preKey, oneTime := testKeys(t)
	bundle, err := testCodec.CreateBackup(identityKey, preKey, oneTime, []byte("right"))
	require.NoError(t, err)

	corrupted := *bundle
	corrupted.EncryptedPayload = append([]byte(nil), bundle.EncryptedPayload...)
	corrupted.EncryptedPayload[len(corrupted.EncryptedPayload)-1] ^= 0x01
	_, errCorrupt := testCodec.RestoreBackup(&corrupted, []byte("right"))

	retimed := *bundle
	retimed.Timestamp++
	_, errHeader := testCodec.RestoreBackup(&retimed, []byte("right"))

	_, errWrong := testCodec.RestoreBackup(bundle, []byte("wrong"))

	for _, err := range []error{errCorrupt, errHeader, errWrong} {
		require.ErrorIs(t, err, ErrBackup)
		assert.Equal(t, errWrong.Error(), err.Error())
	}
}

func TestDifferentPassphrasesProduceDifferentCiphertext(t *testing.T) {
	identityKey, preKey, oneTime := testKeys(t)

	a, err := testCodec.CreateBackup(identityKey, preKey, oneTime, []byte("alpha"))
	require.NoError(t, err)
	b, err := testCodec.CreateBackup(identityKey, preKey, oneTime, []byte("bravo"))
	require.NoError(t, err)

	assert.False(t, bytes.Equal(a.EncryptedPayload, b.EncryptedPayload))
	assert.False(t, bytes.Equal(a.Salt, b.Salt))
}

func TestBase64ExportImportPreservesEveryField(t *testing.T) {
	identityKey, preKey, oneTime := testKeys(t)
	bundle, err := testCodec.CreateBackup(identityKey, preKey, oneTime, []byte("pass"))
	require.NoError(t, err)

	text, err := ExportBase64(bundle)
	require.NoError(t, err)
	assert.NotContains(t, text, "\n")

	imported, err := ImportBase64("  " + text + "\n")
	require.NoError(t, err)
	assert.Equal(t, bundle, imported)

	restored, err := testCodec.RestoreBackup(imported, []byte("pass"))
	require.NoError(t, err)
	assert.Equal(t, identityKey, restored.IdentityKey)
}

func TestImportRejectsMalformedText(t *testing.T) {
	identityKey, preKey, oneTime := testKeys(t)
	bundle, err := testCodec.CreateBackup(identityKey, preKey, oneTime, []byte("pass"))
	require.NoError(t, err)
	raw, err := bundle.MarshalBinary()
	require.NoError(t, err)

	cases := map[string]string{
		"not base64": "%%%",
		"empty":      "",
		"bad magic":  encode(append([]byte("XXXX"), raw[4:]...)),
		"truncated":  encode(raw[:len(raw)-1]),
		"trailing":   encode(append(append([]byte(nil), raw...), 0)),
	}
	for name, text := range cases {
		_, err := ImportBase64(text)
		assert.True(t, errors.Is(err, ErrMalformedBundle), "%s: got %v", name, err)
	}
}

func TestValidate(t *testing.T) {
	identityKey, preKey, oneTime := testKeys(t)
	bundle, err := testCodec.CreateBackup(identityKey, preKey, oneTime, []byte("pass"))
	require.NoError(t, err)
	assert.True(t, Validate(bundle))

	mutate := func(fn func(b *Bundle)) *Bundle {
		clone := *bundle
		fn(&clone)
		return &clone
	}
	assert.False(t, Validate(nil))
	assert.False(t, Validate(mutate(func(b *Bundle) { b.Version = 2 })))
	assert.False(t, Validate(mutate(func(b *Bundle) { b.Salt = b.Salt[:16] })))
	assert.False(t, Validate(mutate(func(b *Bundle) { b.EncryptedPayload = nil })))
	assert.False(t, Validate(mutate(func(b *Bundle) { b.Timestamp = 0 })))
}

func TestFileRoundTrip(t *testing.T) {
	identityKey, preKey, oneTime := testKeys(t)
	bundle, err := testCodec.CreateBackup(identityKey, preKey, oneTime, []byte("pass"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys.plkb")
	require.NoError(t, WriteFile(path, bundle))
	loaded, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, bundle, loaded)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func encode(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
