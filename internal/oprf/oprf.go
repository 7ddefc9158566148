// Package oprf implements the elliptic-curve OPRF blinding protocol: the
// Receiver blinds an item, the Sender evaluates it under its long-lived
// key, the Receiver unblinds and derives a HashedItem plus a per-item
// LabelKey.
//
// The curve layer is github.com/cloudflare/circl/group's P-256 instance,
// which exposes a prime-order-group abstraction with constant-time scalar
// multiplication and a strong hash-to-curve (HashToElement), without
// hand-rolling field arithmetic. The 256-bit KDF is BLAKE2Xb
// (golang.org/x/crypto/blake2b's XOF).
package oprf

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/cloudflare/circl/group"
	"golang.org/x/crypto/blake2b"

	"github.com/luxfi/apsi/internal/apsierr"
	"github.com/luxfi/apsi/internal/item"
	"github.com/luxfi/apsi/internal/itemhash"
)

// suite is the prime-order group backing the OPRF. P-256 is >= 256 bits and
// carries a standardized hash-to-curve.
var suite = group.P256

// dst is the hash-to-curve domain separation tag.
var dst = []byte("APSI-OPRF-P256-v1")

// kdfPersonalization distinguishes the OPRF output KDF from any other
// BLAKE2Xb usage in the process (e.g. internal/labelcrypto's pad
// derivation, which uses a different personalization string).
var kdfPersonalization = []byte("apsi-oprf-kdf-v1")

// Key is the Sender's long-lived OPRF key: a uniform scalar k. One key is
// used for the lifetime of a SenderDB; it is not rotated per query.
type Key struct {
	k group.Scalar
}

// GenerateKey samples a fresh, uniform OPRF key.
func GenerateKey() (*Key, error) {
	return &Key{k: suite.RandomScalar(rand.Reader)}, nil
}

// MarshalBinary serializes the key (used by SenderDB persistence).
func (k *Key) MarshalBinary() ([]byte, error) {
	return k.k.MarshalBinary()
}

// UnmarshalBinary restores a key from SenderDB persistence.
func (k *Key) UnmarshalBinary(data []byte) error {
	k.k = suite.NewScalar()
	return k.k.UnmarshalBinary(data)
}

// BlindState is the Receiver's per-item secret held between Blind and
// Finalize: the blinding scalar r, which Finalize inverts to unblind the
// Sender's answer, and a copy of the original raw item bytes.
type BlindState struct {
	r   group.Scalar
	raw []byte
}

// Blind computes Q = r*H(I) for a uniformly sampled blinding scalar r, and
// returns the compressed point to send to the Sender. I is
// itemhash.Hash(raw)'s 128-bit reduction of raw, the same pre-OPRF hash
// internal/senderdb applies before calling EvaluateDirect on the Sender's
// side, so a Receiver's blinded
// query and a Sender's own indexing agree on what "the same item" hashes
// to.
func Blind(raw []byte) (*BlindState, []byte, error) {
	hashed := itemhash.Hash(raw)
	hashedBytes := hashed.Bytes16()
	h := suite.HashToElement(hashedBytes[:], dst)
	r := suite.RandomScalar(rand.Reader)
	q := suite.NewElement()
	q.Mul(h, r)

	wire, err := q.MarshalBinaryCompress()
	if err != nil {
		return nil, nil, apsierr.Wrapf(apsierr.ErrInvalidProtocol, "marshal blinded point: %v", err)
	}
	return &BlindState{r: r, raw: append([]byte(nil), raw...)}, wire, nil
}

// BlindBatch blinds a batch of raw items, returning parallel slices of
// states and length-prefixed wire points, concatenated in the OPRFRequest
// wire format.
func BlindBatch(raws [][]byte) ([]*BlindState, []byte, error) {
	states := make([]*BlindState, len(raws))
	var wire []byte
	for i, raw := range raws {
		st, pt, err := Blind(raw)
		if err != nil {
			return nil, nil, err
		}
		states[i] = st
		wire = appendLengthPrefixed(wire, pt)
	}
	return states, wire, nil
}

// Evaluate computes R = k*Q for each point in a request, run on the Sender.
// requestWire is a length-prefixed concatenation of compressed points,
// self-describing via the length prefixes rather than a fixed point size,
// since P-256 compressed points may vary by one byte across
// implementations.
func Evaluate(key *Key, requestWire []byte) ([]byte, error) {
	points, err := splitLengthPrefixed(requestWire)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, p := range points {
		q := suite.NewElement()
		if err := q.UnmarshalBinary(p); err != nil {
			return nil, apsierr.Wrapf(apsierr.ErrInvalidProtocol, "decode oprf point: %v", err)
		}
		r := suite.NewElement()
		r.Mul(q, key.k)
		wire, err := r.MarshalBinaryCompress()
		if err != nil {
			return nil, apsierr.Wrapf(apsierr.ErrInvalidProtocol, "marshal evaluated point: %v", err)
		}
		out = appendLengthPrefixed(out, wire)
	}
	return out, nil
}

// Finalize unblinds a single evaluated point and derives the HashedItem and
// LabelKey: P = r^-1 * R, then split KDF(P) into two 128-bit halves.
func Finalize(state *BlindState, evaluatedPoint []byte) (item.HashedItem, item.LabelKey, error) {
	r := suite.NewElement()
	if err := r.UnmarshalBinary(evaluatedPoint); err != nil {
		return item.HashedItem{}, item.LabelKey{}, apsierr.Wrapf(apsierr.ErrInvalidProtocol, "decode oprf response point: %v", err)
	}

	rInv := suite.NewScalar()
	rInv.Inv(state.r)

	p := suite.NewElement()
	p.Mul(r, rInv)

	pBytes, err := p.MarshalBinaryCompress()
	if err != nil {
		return item.HashedItem{}, item.LabelKey{}, apsierr.Wrapf(apsierr.ErrInvalidProtocol, "marshal unblinded point: %v", err)
	}

	return deriveOutputs(pBytes)
}

// FinalizeBatch unblinds an entire OPRFResponse against the matching
// BlindStates, in order.
func FinalizeBatch(states []*BlindState, responseWire []byte) ([]item.HashedItem, []item.LabelKey, error) {
	points, err := splitLengthPrefixed(responseWire)
	if err != nil {
		return nil, nil, err
	}
	if len(points) != len(states) {
		return nil, nil, apsierr.Wrapf(apsierr.ErrInvalidProtocol,
			"oprf response has %d points, expected %d", len(points), len(states))
	}
	hashed := make([]item.HashedItem, len(states))
	keys := make([]item.LabelKey, len(states))
	for i, st := range states {
		h, k, err := Finalize(st, points[i])
		if err != nil {
			return nil, nil, err
		}
		hashed[i] = h
		keys[i] = k
	}
	return hashed, keys, nil
}

// EvaluateDirect computes the OPRF output for an item in a single call,
// without a blind/finalize round trip. internal/senderdb uses this to
// index its own items under its own key: a Sender never needs to hide
// which of its items it is hashing from itself, so the blinding step that
// protects a Receiver's query privacy is pure overhead here.
func EvaluateDirect(key *Key, it item.Item) (item.HashedItem, item.LabelKey, error) {
	itBytes := it.Bytes16()
	h := suite.HashToElement(itBytes[:], dst)
	p := suite.NewElement()
	p.Mul(h, key.k)

	pBytes, err := p.MarshalBinaryCompress()
	if err != nil {
		return item.HashedItem{}, item.LabelKey{}, apsierr.Wrapf(apsierr.ErrInvalidProtocol, "marshal evaluated point: %v", err)
	}
	return deriveOutputs(pBytes)
}

// deriveOutputs runs the fixed KDF over the unblinded point's encoding: 256
// bits out of BLAKE2Xb, split into a HashedItem (first 128 bits) and a
// LabelKey (next 128 bits).
func deriveOutputs(pointBytes []byte) (item.HashedItem, item.LabelKey, error) {
	xof, err := blake2b.NewXOF(32, nil)
	if err != nil {
		return item.HashedItem{}, item.LabelKey{}, apsierr.Wrapf(apsierr.ErrInvalidProtocol, "init oprf kdf: %v", err)
	}
	_, _ = xof.Write(kdfPersonalization)
	_, _ = xof.Write(pointBytes)

	var out [32]byte
	if _, err := io.ReadFull(xof, out[:]); err != nil {
		return item.HashedItem{}, item.LabelKey{}, apsierr.Wrapf(apsierr.ErrInvalidProtocol, "read oprf kdf output: %v", err)
	}

	var hashedBytes, keyBytes [16]byte
	copy(hashedBytes[:], out[:16])
	copy(keyBytes[:], out[16:])

	return item.HashedItem{Item: item.FromBytes16(hashedBytes)}, item.LabelKey(keyBytes), nil
}

func appendLengthPrefixed(dst []byte, payload []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, payload...)
	return dst
}

func splitLengthPrefixed(data []byte) ([][]byte, error) {
	var out [][]byte
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, apsierr.Wrap(apsierr.ErrInvalidProtocol, "truncated length-prefixed oprf payload")
		}
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < n {
			return nil, apsierr.Wrap(apsierr.ErrInvalidProtocol, "truncated length-prefixed oprf payload")
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out, nil
}
