package labelcrypto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/apsi/internal/item"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	key := item.LabelKey{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	label := item.Label("alpha")

	enc, err := Encrypt(label, key, 5, 4)
	require.NoError(t, err)
	require.Len(t, enc, 9)

	dec, err := Decrypt(enc, key, 5, 4)
	require.NoError(t, err)
	require.Equal(t, item.Label("alpha"), dec)
}

func TestEncryptPadsShortLabels(t *testing.T) {
	key := item.LabelKey{}
	label := item.Label("hi")

	enc, err := Encrypt(label, key, 10, 4)
	require.NoError(t, err)

	dec, err := Decrypt(enc, key, 10, 4)
	require.NoError(t, err)
	require.Equal(t, "hi", string(dec[:2]))
	require.Equal(t, make([]byte, 8), []byte(dec[2:]))
}

func TestDifferentKeysYieldDifferentCiphertext(t *testing.T) {
	label := item.Label("same-label")
	k1 := item.LabelKey{1}
	k2 := item.LabelKey{2}

	e1, err := Encrypt(label, k1, 10, 8)
	require.NoError(t, err)
	e2, err := Encrypt(label, k2, 10, 8)
	require.NoError(t, err)

	require.NotEqual(t, e1, e2)
}

func TestDecryptRejectsWrongLength(t *testing.T) {
	key := item.LabelKey{}
	_, err := Decrypt([]byte("short"), key, 10, 8)
	require.Error(t, err)
}

func TestNoncesAreRandom(t *testing.T) {
	key := item.LabelKey{}
	label := item.Label("alpha")

	e1, err := Encrypt(label, key, 5, 8)
	require.NoError(t, err)
	e2, err := Encrypt(label, key, 5, 8)
	require.NoError(t, err)

	require.NotEqual(t, e1[:8], e2[:8], "nonces should differ across calls")
	require.NotEqual(t, e1, e2, "ciphertexts should differ since nonces differ")
}
