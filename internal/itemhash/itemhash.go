// Package itemhash reduces an arbitrary-length byte string to the 128-bit
// Item fed into the OPRF. This pre-OPRF hash is independent of the OPRF's
// own KDF, which is pinned to Blake2Xb; BLAKE3 is used here via
// github.com/zeebo/blake3, keyed with a fixed domain-separation string so
// Item hashing is visibly distinct from the label/OPRF KDF, which uses
// BLAKE2Xb instead (see internal/oprf and internal/labelcrypto).
package itemhash

import (
	"github.com/zeebo/blake3"

	"github.com/luxfi/apsi/internal/item"
)

// domainKey is a fixed 32-byte key: BLAKE3's keyed mode is used purely for
// domain separation from any other BLAKE3 usage in the process, not as a
// secret (the item hash is public by design).
var domainKey = [32]byte{
	'a', 'p', 's', 'i', '-', 'i', 't', 'e', 'm', '-', 'h', 'a', 's', 'h', '-', 'v',
	'1', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Hash reduces raw to a 128-bit item.Item.
func Hash(raw []byte) item.Item {
	h, err := blake3.NewKeyed(domainKey[:])
	if err != nil {
		// domainKey is a fixed, valid 32-byte key; this cannot fail.
		panic(err)
	}
	_, _ = h.Write(raw)
	var digest [16]byte
	copy(digest[:], h.Sum(nil)[:16])
	return item.FromBytes16(digest)
}

// HashAll hashes a batch of byte strings, preserving order.
func HashAll(raws [][]byte) []item.Item {
	out := make([]item.Item, len(raws))
	for i, r := range raws {
		out[i] = Hash(r)
	}
	return out
}
