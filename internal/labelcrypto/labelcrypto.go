// Package labelcrypto implements label encryption: a per-item one-time pad
// derived from the item's LabelKey via BLAKE2Xb, salted with a fresh
// nonce.
package labelcrypto

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/blake2b"

	"github.com/luxfi/apsi/internal/apsierr"
	"github.com/luxfi/apsi/internal/item"
)

// padPersonalization distinguishes this KDF usage from internal/oprf's
// output-derivation KDF, even though both use BLAKE2Xb.
var padPersonalization = []byte("apsi-label-pad-v1")

// MaxNonceBytes is the upper bound on nonce_byte_count.
const MaxNonceBytes = 16

// Encrypt pads/truncates label to labelByteCount bytes, samples a fresh
// nonceByteCount-byte nonce, derives a one-time pad via BLAKE2Xb keyed by
// key with the nonce as salt, and returns nonce || ciphertext.
func Encrypt(label item.Label, key item.LabelKey, labelByteCount, nonceByteCount int) ([]byte, error) {
	if nonceByteCount < 0 || nonceByteCount > MaxNonceBytes {
		return nil, apsierr.Wrapf(apsierr.ErrInvalidInput, "nonce_byte_count %d out of range", nonceByteCount)
	}
	nonce := make([]byte, nonceByteCount)
	if _, err := rand.Read(nonce); err != nil {
		return nil, apsierr.Wrapf(apsierr.ErrIOFailure, "sample label nonce: %v", err)
	}

	padded := item.PadLabel(label, labelByteCount)
	pad, err := derivePad(key, nonce, labelByteCount)
	if err != nil {
		return nil, err
	}

	out := make([]byte, nonceByteCount+labelByteCount)
	copy(out, nonce)
	for i := 0; i < labelByteCount; i++ {
		out[nonceByteCount+i] = padded[i] ^ pad[i]
	}
	return out, nil
}

// Decrypt inverts Encrypt deterministically from nonce||ciphertext and key.
func Decrypt(encrypted []byte, key item.LabelKey, labelByteCount, nonceByteCount int) (item.Label, error) {
	if len(encrypted) != nonceByteCount+labelByteCount {
		return nil, apsierr.Wrapf(apsierr.ErrInvalidInput,
			"encrypted label length %d != nonce(%d)+label(%d)", len(encrypted), nonceByteCount, labelByteCount)
	}
	nonce := encrypted[:nonceByteCount]
	ciphertext := encrypted[nonceByteCount:]

	pad, err := derivePad(key, nonce, labelByteCount)
	if err != nil {
		return nil, err
	}

	out := make(item.Label, labelByteCount)
	for i := 0; i < labelByteCount; i++ {
		out[i] = ciphertext[i] ^ pad[i]
	}
	return out, nil
}

// derivePad derives labelByteCount bytes of one-time-pad keystream from a
// BLAKE2Xb instance keyed by key, with nonce mixed in as salt/personalization
// input before the stream is read (BLAKE2Xb's Go implementation takes a key
// at construction but not an explicit salt parameter, so the nonce is
// written as additional input before the pad bytes are drawn — this keeps
// the derivation a pure function of (key, nonce)).
func derivePad(key item.LabelKey, nonce []byte, labelByteCount int) ([]byte, error) {
	xof, err := blake2b.NewXOF(uint32(labelByteCount), key[:])
	if err != nil {
		return nil, apsierr.Wrapf(apsierr.ErrInvalidInput, "init label pad kdf: %v", err)
	}
	if _, err := xof.Write(padPersonalization); err != nil {
		return nil, apsierr.Wrapf(apsierr.ErrIOFailure, "write label pad personalization: %v", err)
	}
	if _, err := xof.Write(nonce); err != nil {
		return nil, apsierr.Wrapf(apsierr.ErrIOFailure, "write label pad nonce: %v", err)
	}

	pad := make([]byte, labelByteCount)
	if _, err := io.ReadFull(xof, pad); err != nil {
		return nil, apsierr.Wrapf(apsierr.ErrIOFailure, "read label pad: %v", err)
	}
	return pad, nil
}
