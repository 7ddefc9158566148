// Package item implements the PSI data model: felts, Items, HashedItems,
// Labels and LabelKeys, and the algebraization that splits a 128-bit item
// into felts_per_item base-t digits.
//
// Item/HashedItem are carried as github.com/holiman/uint256.Int values: both
// are conceptually 128-bit opaque quantities, and uint256 gives
// allocation-free, fixed-width arithmetic for the bit-slicing algebraization
// below instead of math/big's heap-allocated words.
package item

import (
	"encoding/binary"

	"github.com/holiman/uint256"

	"github.com/luxfi/apsi/internal/apsierr"
)

// Felt is an element of the BFV plaintext field, i.e. a value in
// {0, ..., t-1}.
type Felt uint64

// Item is a 128-bit opaque value produced by hashing an arbitrary byte
// string (see package itemhash). It carries no structure beyond its bits.
type Item struct {
	v uint256.Int
}

// HashedItem is an Item that has passed through the OPRF. All Sender-side
// storage and Receiver-side querying operates on HashedItems.
type HashedItem struct {
	Item
}

// Label is an arbitrary byte string, at most label_byte_count bytes
// (enforced by the caller, e.g. internal/senderdb), associated with a
// HashedItem in a labeled SenderDB.
type Label []byte

// LabelKey is the 128-bit symmetric key derived from the OPRF output and
// bound to exactly one HashedItem.
type LabelKey [16]byte

// FromBytes16 builds an Item from a 16-byte big-endian value (as produced by
// the OPRF KDF or by itemhash).
func FromBytes16(b [16]byte) Item {
	var it Item
	it.v.SetBytes(b[:])
	return it
}

// Bytes16 returns the item's 128 bits as a big-endian array.
func (it Item) Bytes16() [16]byte {
	var out [16]byte
	b := it.v.Bytes32()
	copy(out[:], b[16:])
	return out
}

// Equal reports bitwise equality.
func (it Item) Equal(other Item) bool {
	return it.v.Eq(&other.v)
}

// Less gives Items a total order, used to keep a SenderDB's persisted item
// set sorted.
func (it Item) Less(other Item) bool {
	return it.v.Lt(&other.v)
}

// ToFelts splits the item's ItemBitCount() bits into feltsPerItem base-t
// digits, most-significant bits first. bitsPerFelt is floor(log2 t); the
// caller (internal/params) derives it from PSIParams.
func (it Item) ToFelts(feltsPerItem int, bitsPerFelt int) []Felt {
	out := make([]Felt, feltsPerItem)
	totalBits := feltsPerItem * bitsPerFelt
	full := it.v.Bytes32()
	// The item occupies the low totalBits bits of a big-endian 256-bit value.
	for i := 0; i < feltsPerItem; i++ {
		// Digit i (0 = most significant) occupies bit range
		// [totalBits - (i+1)*bitsPerFelt, totalBits - i*bitsPerFelt).
		hi := totalBits - i*bitsPerFelt
		lo := hi - bitsPerFelt
		out[i] = Felt(extractBits(full, lo, hi))
	}
	return out
}

// FromFelts inverts ToFelts, reconstructing the item's low bits from its
// base-t digits. Digits beyond the 64-bit felt range are truncated by the
// caller's choice of bitsPerFelt (enforced by PSIParams validation).
func FromFelts(felts []Felt, bitsPerFelt int) Item {
	totalBits := len(felts) * bitsPerFelt
	buf := make([]byte, (totalBits+7)/8+1)
	for i, f := range felts {
		hi := totalBits - i*bitsPerFelt
		lo := hi - bitsPerFelt
		setBits(buf, lo, hi, uint64(f))
	}
	var it Item
	it.v.SetBytes(buf)
	return it
}

// extractBits reads the half-open bit range [lo, hi) (bit 0 = LSB of the
// whole 32-byte big-endian buffer) as an unsigned integer.
func extractBits(buf [32]byte, lo, hi int) uint64 {
	var v uint64
	for b := lo; b < hi; b++ {
		byteIdx := 31 - b/8
		bitIdx := uint(b % 8)
		bit := (buf[byteIdx] >> bitIdx) & 1
		v |= uint64(bit) << uint(b-lo)
	}
	return v
}

func setBits(buf []byte, lo, hi int, v uint64) {
	for b := lo; b < hi; b++ {
		byteIdx := len(buf) - 1 - b/8
		if byteIdx < 0 {
			continue
		}
		bitIdx := uint(b % 8)
		bit := byte((v >> uint(b-lo)) & 1)
		buf[byteIdx] |= bit << bitIdx
	}
}

// PadLabel pads or truncates raw to exactly n bytes.
func PadLabel(raw Label, n int) Label {
	out := make(Label, n)
	copy(out, raw)
	return out
}

// PackBytes packs a byte slice into felts using bitsPerGroup-bit grouping;
// UnpackBytes in internal/receiverresult's decode path inverts it. Callers
// pass ItemBitCountPerFelt() as bitsPerGroup so label felts stay below the
// plaintext modulus just like item digits do.
func PackBytes(data []byte, bitsPerGroup int) []Felt {
	totalBits := len(data) * 8
	n := (totalBits + bitsPerGroup - 1) / bitsPerGroup
	felts := make([]Felt, n)
	bitPos := 0
	for i := 0; i < n; i++ {
		var v uint64
		consumed := 0
		for b := 0; b < bitsPerGroup && bitPos < totalBits; b++ {
			byteIdx := bitPos / 8
			bitIdx := uint(7 - bitPos%8)
			bit := (data[byteIdx] >> bitIdx) & 1
			v = (v << 1) | uint64(bit)
			bitPos++
			consumed++
		}
		// Left-align a short final group so UnpackBytes, which reads each
		// felt from its top bit down, sees the bits where it expects them.
		v <<= uint(bitsPerGroup - consumed)
		felts[i] = Felt(v)
	}
	return felts
}

// UnpackBytes inverts PackBytes, given the exact output byte length.
func UnpackBytes(felts []Felt, bitsPerGroup int, outLen int) []byte {
	out := make([]byte, outLen)
	bitPos := 0
	totalBits := outLen * 8
	for _, f := range felts {
		for b := bitsPerGroup - 1; b >= 0 && bitPos < totalBits; b-- {
			bit := byte((uint64(f) >> uint(b)) & 1)
			byteIdx := bitPos / 8
			bitIdx := uint(7 - bitPos%8)
			out[byteIdx] |= bit << bitIdx
			bitPos++
		}
	}
	return out
}

// AsUint64 reinterprets a LabelKey's first 8 bytes for use as a fast map key
// in hot paths that don't need the full 128 bits (e.g. dedup sets); callers
// needing collision resistance should use the full LabelKey instead.
func (k LabelKey) AsUint64() uint64 {
	return binary.BigEndian.Uint64(k[:8])
}

// ValidateLabel checks a label is within byteCount, returning ErrInvalidInput
// otherwise.
func ValidateLabel(l Label, byteCount int) error {
	if len(l) > byteCount {
		return apsierr.Wrapf(apsierr.ErrInvalidInput, "label length %d exceeds label_byte_count %d", len(l), byteCount)
	}
	return nil
}
