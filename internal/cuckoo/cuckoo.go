// Package cuckoo implements the cuckoo hash table, the Receiver-side
// structure that places each query item into exactly one of table_size
// slots so a single sender-side polynomial evaluation per bin index can
// cover every query item.
package cuckoo

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/luxfi/apsi/internal/apsierr"
	"github.com/luxfi/apsi/internal/item"
)

// seed is fixed (all-zero) rather than randomized: a fixed seed keeps table
// construction deterministic and reproducible across receiver runs, and the
// cost of an adversarial pathological item set is bounded by MaxProbe
// aborting into CuckooFull rather than looping forever.
var seed = [32]byte{}

// Table is a cuckoo hash table over HashedItems.
// Slot occupancy is tracked by item so relocation can walk the table; the
// caller (internal/receiverquery) is responsible for mapping slots back to
// BinBundle bin indices.
type Table struct {
	tableSize     uint32
	hashFuncCount uint32
	maxProbe      uint32
	slots         []item.HashedItem
	occupied      []bool
}

// New creates an empty table with the given dimensions.
func New(tableSize, hashFuncCount, maxProbe uint32) (*Table, error) {
	if tableSize == 0 {
		return nil, apsierr.Wrap(apsierr.ErrInvalidParams, "cuckoo: table_size must be positive")
	}
	if hashFuncCount == 0 {
		return nil, apsierr.Wrap(apsierr.ErrInvalidParams, "cuckoo: hash_func_count must be positive")
	}
	return &Table{
		tableSize:     tableSize,
		hashFuncCount: hashFuncCount,
		maxProbe:      maxProbe,
		slots:         make([]item.HashedItem, tableSize),
		occupied:      make([]bool, tableSize),
	}, nil
}

// Location computes the funcIdx'th candidate slot for it in a table of the
// given size, via a keyed BLAKE3 hash of the function index and the item's
// bytes reduced mod tableSize. Exported so internal/senderdb can compute
// the same candidate locations a Receiver's cuckoo table would, without
// allocating a full Table of its own.
func Location(tableSize, funcIdx uint32, it item.HashedItem) uint32 {
	h, err := blake3.NewKeyed(seed[:])
	if err != nil {
		// seed is a fixed, valid 32-byte key; this cannot fail.
		panic(err)
	}
	var idxBuf [4]byte
	binary.BigEndian.PutUint32(idxBuf[:], funcIdx)
	h.Write(idxBuf[:])
	b := it.Bytes16()
	h.Write(b[:])
	sum := h.Sum(nil)
	v := binary.BigEndian.Uint64(sum[:8])
	return uint32(v % uint64(tableSize))
}

func (tbl *Table) location(funcIdx uint32, it item.HashedItem) uint32 {
	return Location(tbl.tableSize, funcIdx, it)
}

// Insert places it into the table, cuckoo-evicting as needed, up to
// maxProbe relocations. Returns ErrCuckooFull if the item cannot be
// placed; the caller must not retain a partially inserted table on this
// error.
func (tbl *Table) Insert(it item.HashedItem) (uint32, error) {
	for i := uint32(0); i < tbl.hashFuncCount; i++ {
		slot := tbl.location(i, it)
		if !tbl.occupied[slot] {
			tbl.occupied[slot] = true
			tbl.slots[slot] = it
			return slot, nil
		}
	}

	current := it
	slot := tbl.location(0, current)
	for probe := uint32(0); probe < tbl.maxProbe; probe++ {
		evicted := tbl.slots[slot]
		tbl.slots[slot] = current
		tbl.occupied[slot] = true
		current = evicted

		placed := false
		var nextSlot uint32
		for i := uint32(0); i < tbl.hashFuncCount; i++ {
			candidate := tbl.location(i, current)
			if candidate != slot {
				nextSlot = candidate
				placed = true
				break
			}
		}
		if !placed {
			return 0, apsierr.Wrap(apsierr.ErrCuckooFull, "cuckoo: no alternate slot for evicted item")
		}
		slot = nextSlot
		if !tbl.occupied[slot] {
			tbl.occupied[slot] = true
			tbl.slots[slot] = current
			return slot, nil
		}
	}
	return 0, apsierr.Wrapf(apsierr.ErrCuckooFull, "cuckoo: exceeded max_probe (%d) relocations", tbl.maxProbe)
}

// At returns the item occupying a slot, if any.
func (tbl *Table) At(slot uint32) (item.HashedItem, bool) {
	if slot >= tbl.tableSize || !tbl.occupied[slot] {
		return item.HashedItem{}, false
	}
	return tbl.slots[slot], true
}

// TableSize returns the table's fixed slot count.
func (tbl *Table) TableSize() uint32 { return tbl.tableSize }

// Occupied reports how many slots hold an item.
func (tbl *Table) Occupied() int {
	n := 0
	for _, ok := range tbl.occupied {
		if ok {
			n++
		}
	}
	return n
}

// Locations returns every candidate slot for it, for diagnostics and tests.
func (tbl *Table) Locations(it item.HashedItem) []uint32 {
	out := make([]uint32, tbl.hashFuncCount)
	for i := range out {
		out[i] = tbl.location(uint32(i), it)
	}
	return out
}
