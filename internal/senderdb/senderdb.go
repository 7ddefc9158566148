// Package senderdb implements SenderDB: the Sender's concurrently-readable
// collection of BinBundles, keyed by bundle index, with bulk insert/remove
// operations that regenerate polynomial caches in parallel across a worker
// pool.
package senderdb

import (
	"sort"
	"sync"

	log "github.com/luxfi/log"
	"github.com/luxfi/threshold/pkg/pool"

	"github.com/luxfi/apsi/internal/apsierr"
	"github.com/luxfi/apsi/internal/binbundle"
	"github.com/luxfi/apsi/internal/cuckoo"
	"github.com/luxfi/apsi/internal/item"
	"github.com/luxfi/apsi/internal/itemhash"
	"github.com/luxfi/apsi/internal/labelcrypto"
	"github.com/luxfi/apsi/internal/oprf"
	"github.com/luxfi/apsi/internal/params"
)

// placement records one cuckoo candidate location an item was stored at:
// bundleIdx plus the first of felts_per_item consecutive bin indices, one
// bin per base-t digit of the item's algebraization. An item occupies up to
// hash_func_count placements, one per cuckoo candidate location.
type placement struct {
	bundleIdx uint32
	binIdx    uint32
}

// entry is one logical (item, label) pair tracked outside of the bundle
// structure, so Remove/Save can look items up by HashedItem without
// rescanning every bundle. keyFelts holds the item's felts_per_item base-t
// digits, in the same order they occupy a placement's consecutive bins.
type entry struct {
	placements []placement
	keyFelts   []item.Felt
	labelKey   item.LabelKey
}

// DB is a Sender's item database: an OPRF key, the per-bundle-index slice
// of BinBundles it packs items into, and a reverse index from HashedItem to
// its bundle/bin placement. All exported methods are safe for concurrent
// use; mu guards every field below it.
type DB struct {
	p       *params.PSIParams
	labeled bool

	mu             sync.RWMutex
	oprfKey        *oprf.Key
	stripped       bool
	labelByteCount int // fixed by the first labeled insert; 0 for an unlabeled DB
	nonceByteCount int
	bundles        [][]*binbundle.Bundle // bundles[bundleIdx] = slice of parallel bundles at that index
	index          map[[16]byte]entry
	pool           *pool.Pool
	log            log.Logger
}

// New creates an empty SenderDB. For a labeled database, the label and
// nonce byte counts are fixed by the first labeled InsertItem.
func New(p *params.PSIParams, labeled bool) (*DB, error) {
	key, err := oprf.GenerateKey()
	if err != nil {
		return nil, apsierr.Wrapf(apsierr.ErrIOFailure, "senderdb: generate OPRF key: %v", err)
	}
	return &DB{
		p:       p,
		labeled: labeled,
		oprfKey: key,
		bundles: make([][]*binbundle.Bundle, p.BundleIdxCount()),
		index:   make(map[[16]byte]entry),
		pool:    pool.NewPool(0),
		log:     log.NewTestLogger(log.InfoLevel),
	}, nil
}

// Close releases the worker pool. Callers should defer Close after New.
func (db *DB) Close() {
	db.pool.TearDown()
}

// OPRFKey returns the database's OPRF key, so the Sender can answer OPRF
// requests against the exact key items were hashed with. Returns
// ErrStateViolation once the database has been stripped.
func (db *DB) OPRFKey() (*oprf.Key, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.stripped {
		return nil, apsierr.Wrap(apsierr.ErrStateViolation, "senderdb: database is stripped, no OPRF key available")
	}
	return db.oprfKey, nil
}

// IsLabeled reports whether the database stores labels alongside keys.
func (db *DB) IsLabeled() bool { return db.labeled }

// IsStripped reports whether Strip has been called.
func (db *DB) IsStripped() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.stripped
}

// Params returns the PSIParams this database was built with.
func (db *DB) Params() *params.PSIParams { return db.p }

// ItemCount returns the number of distinct items currently indexed. Once
// stripped, the index is gone and this always returns 0.
func (db *DB) ItemCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.index)
}

// Items returns every indexed HashedItem in ascending order, the form
// Save persists for a non-stripped SenderDB's on-disk item set.
func (db *DB) Items() []item.HashedItem {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]item.HashedItem, 0, len(db.index))
	for k := range db.index {
		out = append(out, item.HashedItem{Item: item.FromBytes16(k)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Item.Less(out[j].Item) })
	return out
}

// Strip discards the OPRF key and the reverse item index, leaving only the
// BinBundles needed to answer queries. A stripped database is distributable
// to a Sender replica that must never learn the plaintext item set or be
// able to mint new OPRF evaluations. Strip is irreversible and idempotent.
func (db *DB) Strip() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.stripped {
		return
	}
	db.oprfKey = nil
	db.index = nil
	db.stripped = true
	db.log.Info("senderdb stripped: OPRF key and item index discarded")
}

// InsertItem places a single raw item (and, for a labeled DB, its
// plaintext label) into the database. The Sender already holds the OPRF
// key, so it evaluates the OPRF on itself directly (EvaluateDirect) rather
// than running the blind/finalize exchange a Receiver goes through; it then
// encrypts the label, algebraizes the result into felts, and inserts at
// every cuckoo candidate location a Receiver's query could place this item.
func (db *DB) InsertItem(raw []byte, label item.Label, labelByteCount, nonceByteCount int) error {
	db.mu.RLock()
	stripped := db.stripped
	oprfKey := db.oprfKey
	db.mu.RUnlock()
	if stripped {
		return apsierr.Wrap(apsierr.ErrStateViolation, "senderdb: cannot insert into a stripped database")
	}
	if db.labeled && labelByteCount <= 0 {
		return apsierr.Wrap(apsierr.ErrInvalidInput, "senderdb: labeled database requires a positive label_byte_count")
	}

	hashed := itemhash.Hash(raw)
	pointBytes, err := senderSideEvaluate(oprfKey, hashed)
	if err != nil {
		return err
	}
	hi, lk := pointBytes.hashedItem, pointBytes.labelKey

	if db.labeled {
		db.mu.Lock()
		if db.labelByteCount == 0 && db.nonceByteCount == 0 {
			db.labelByteCount, db.nonceByteCount = labelByteCount, nonceByteCount
		} else if db.labelByteCount != labelByteCount || db.nonceByteCount != nonceByteCount {
			db.mu.Unlock()
			return apsierr.Wrapf(apsierr.ErrInvalidInput,
				"senderdb: label/nonce byte counts (%d,%d) differ from database's fixed (%d,%d)",
				labelByteCount, nonceByteCount, db.labelByteCount, db.nonceByteCount)
		}
		db.mu.Unlock()
	}

	var encLabel []byte
	if db.labeled {
		encLabel, err = labelcrypto.Encrypt(label, lk, labelByteCount, nonceByteCount)
		if err != nil {
			return err
		}
	}

	feltsPerItem := int(db.p.Item.FeltsPerItem)
	bitsPerFelt := db.p.ItemBitCountPerFelt()
	keyFelts := hi.Item.ToFelts(feltsPerItem, bitsPerFelt)

	var labelFelts []item.Felt
	labelComponentCount := 0
	if db.labeled {
		raw := item.PackBytes(encLabel, bitsPerFelt)
		labelComponentCount = (len(raw) + feltsPerItem - 1) / feltsPerItem
		labelFelts = make([]item.Felt, labelComponentCount*feltsPerItem)
		copy(labelFelts, raw)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	binsPerBundle := db.p.BinsPerBundle()
	tableSize := db.p.Table.TableSize

	// Dispatching into bundles: route the item to each of hash_func_count
	// cuckoo candidate locations. Each location L occupies feltsPerItem
	// consecutive bins starting at cuckoo_idx = L*feltsPerItem, decomposed
	// as bundle_idx = cuckoo_idx/bins_per_bundle, bin_idx =
	// cuckoo_idx%bins_per_bundle — one bin per base-t digit of the item, so
	// the item's matching polynomial is keyed digit-by-digit rather than on
	// a single combined value. The Sender stores the item at every location
	// a Receiver's cuckoo table could place it, since the Sender never
	// learns which one the Receiver actually chose.
	placements := make([]placement, 0, db.p.Table.HashFuncCount)
	seenLoc := make(map[uint32]bool, db.p.Table.HashFuncCount)
	for f := uint32(0); f < db.p.Table.HashFuncCount; f++ {
		loc := cuckoo.Location(tableSize, f, hi)
		if seenLoc[loc] {
			continue
		}
		seenLoc[loc] = true
		cuckooIdx := loc * uint32(feltsPerItem)
		bundleIdx := cuckooIdx / binsPerBundle
		binIdx := cuckooIdx % binsPerBundle

		binIndices := make([]uint32, feltsPerItem)
		var labels [][]item.Felt
		if db.labeled {
			labels = make([][]item.Felt, feltsPerItem)
		}
		for d := 0; d < feltsPerItem; d++ {
			binIndices[d] = binIdx + uint32(d)
			if db.labeled {
				row := make([]item.Felt, labelComponentCount)
				for c := 0; c < labelComponentCount; c++ {
					row[c] = labelFelts[c*feltsPerItem+d]
				}
				labels[d] = row
			}
		}

		if err := db.insertAtBundle(bundleIdx, binIndices, keyFelts, labels, labelComponentCount); err != nil {
			return err
		}
		placements = append(placements, placement{bundleIdx: bundleIdx, binIdx: binIdx})
	}
	if len(placements) == 0 {
		return apsierr.Wrap(apsierr.ErrCuckooFull, "senderdb: item produced no distinct cuckoo locations")
	}
	db.index[hi.Item.Bytes16()] = entry{placements: placements, keyFelts: keyFelts, labelKey: lk}
	return nil
}

// insertAtBundle tries every existing parallel bundle at bundleIdx in
// order — the first whose TryMultiInsert accepts wins; a bundle can reject
// because a target bin is full or because it already holds one of the
// item's digit keys in that bin. If every existing bundle rejects, a fresh
// empty one is appended at that index and the entry placed there.
func (db *DB) insertAtBundle(bundleIdx uint32, binIndices []uint32, keyFelts []item.Felt, labels [][]item.Felt, labelFeltCount int) error {
	for _, b := range db.bundles[bundleIdx] {
		if err := b.TryMultiInsert(binIndices, keyFelts, labels); err == nil {
			return nil
		}
	}
	b, err := binbundle.New(db.p.SEAL.PlainModulus, db.p.BinsPerBundle(), db.p.Table.MaxItemsPerBin, db.labeled, labelFeltCount)
	if err != nil {
		return err
	}
	if err := b.TryMultiInsert(binIndices, keyFelts, labels); err != nil {
		return apsierr.Wrapf(apsierr.ErrInvalidInput, "senderdb: fresh bundle at index %d rejected item: %v", bundleIdx, err)
	}
	db.bundles[bundleIdx] = append(db.bundles[bundleIdx], b)
	return nil
}

// RemoveItem deletes a previously inserted item, identified by its hashed
// form, from every bundle it occupies.
func (db *DB) RemoveItem(raw []byte) error {
	db.mu.RLock()
	stripped := db.stripped
	oprfKey := db.oprfKey
	db.mu.RUnlock()
	if stripped {
		return apsierr.Wrap(apsierr.ErrStateViolation, "senderdb: cannot remove from a stripped database")
	}

	hashed := itemhash.Hash(raw)
	pointBytes, err := senderSideEvaluate(oprfKey, hashed)
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	key := pointBytes.hashedItem.Item.Bytes16()
	e, ok := db.index[key]
	if !ok {
		return apsierr.Wrap(apsierr.ErrInvalidInput, "senderdb: item not present")
	}

	feltsPerItem := len(e.keyFelts)
	for _, pl := range e.placements {
		binIndices := make([]uint32, feltsPerItem)
		for d := 0; d < feltsPerItem; d++ {
			binIndices[d] = pl.binIdx + uint32(d)
		}
		removed := false
		for _, b := range db.bundles[pl.bundleIdx] {
			if err := b.TryMultiRemove(binIndices, e.keyFelts); err == nil {
				removed = true
				break
			}
		}
		if !removed {
			return apsierr.Wrap(apsierr.ErrStateViolation, "senderdb: indexed item missing from its bundle")
		}
	}
	delete(db.index, key)
	return nil
}

// InsertOrAssign inserts a new item, or overwrites the label of an
// already-present one in place: re-inserting a known item under a new
// label must update the stored label, not grow the index or reject the
// call.
func (db *DB) InsertOrAssign(raw []byte, label item.Label, labelByteCount, nonceByteCount int) error {
	db.mu.RLock()
	stripped := db.stripped
	oprfKey := db.oprfKey
	db.mu.RUnlock()
	if stripped {
		return apsierr.Wrap(apsierr.ErrStateViolation, "senderdb: cannot insert into a stripped database")
	}

	hashed := itemhash.Hash(raw)
	pointBytes, err := senderSideEvaluate(oprfKey, hashed)
	if err != nil {
		return err
	}
	hi, lk := pointBytes.hashedItem, pointBytes.labelKey
	key := hi.Item.Bytes16()

	db.mu.RLock()
	existing, present := db.index[key]
	db.mu.RUnlock()
	if !present {
		return db.InsertItem(raw, label, labelByteCount, nonceByteCount)
	}
	if !db.labeled {
		return nil // unlabeled re-insert of a known item is a no-op
	}

	db.mu.RLock()
	fixedLabel, fixedNonce := db.labelByteCount, db.nonceByteCount
	db.mu.RUnlock()
	if fixedLabel != labelByteCount || fixedNonce != nonceByteCount {
		return apsierr.Wrapf(apsierr.ErrInvalidInput,
			"senderdb: label/nonce byte counts (%d,%d) differ from database's fixed (%d,%d)",
			labelByteCount, nonceByteCount, fixedLabel, fixedNonce)
	}

	encLabel, err := labelcrypto.Encrypt(label, lk, labelByteCount, nonceByteCount)
	if err != nil {
		return err
	}
	bitsPerFelt := db.p.ItemBitCountPerFelt()
	feltsPerItem := len(existing.keyFelts)
	packedFelts := item.PackBytes(encLabel, bitsPerFelt)
	labelComponentCount := (len(packedFelts) + feltsPerItem - 1) / feltsPerItem
	labelFelts := make([]item.Felt, labelComponentCount*feltsPerItem)
	copy(labelFelts, packedFelts)

	db.mu.Lock()
	defer db.mu.Unlock()
	for _, pl := range existing.placements {
		binIndices := make([]uint32, feltsPerItem)
		labels := make([][]item.Felt, feltsPerItem)
		for d := 0; d < feltsPerItem; d++ {
			binIndices[d] = pl.binIdx + uint32(d)
			row := make([]item.Felt, labelComponentCount)
			for c := 0; c < labelComponentCount; c++ {
				row[c] = labelFelts[c*feltsPerItem+d]
			}
			labels[d] = row
		}
		overwritten := false
		for _, b := range db.bundles[pl.bundleIdx] {
			if err := b.TryMultiOverwrite(binIndices, existing.keyFelts, labels); err == nil {
				overwritten = true
				break
			}
		}
		if !overwritten {
			return apsierr.Wrap(apsierr.ErrStateViolation, "senderdb: indexed item missing from its bundle")
		}
	}
	db.index[key] = entry{placements: existing.placements, keyFelts: existing.keyFelts, labelKey: lk}
	return nil
}

// RegenAllCaches recomputes every bundle's polynomial cache, parallelized
// across the database's worker pool — the bulk operation run once after a
// batch of inserts/removals, handing independent per-unit work to
// pool.Parallelize rather than spawning one goroutine per item.
func (db *DB) RegenAllCaches() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var flat []*binbundle.Bundle
	for _, bs := range db.bundles {
		flat = append(flat, bs...)
	}
	if len(flat) == 0 {
		return nil
	}

	errs := db.pool.Parallelize(len(flat), func(i int) interface{} {
		return flat[i].RegenCache()
	})
	for _, e := range errs {
		if e != nil {
			if err, ok := e.(error); ok && err != nil {
				db.log.Error("bundle cache regeneration worker failed")
				return err
			}
		}
	}
	return nil
}

// BundlesAt returns the parallel bundle slice stored at a bundle index, for
// internal/sender's query evaluation.
func (db *DB) BundlesAt(bundleIdx uint32) []*binbundle.Bundle {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*binbundle.Bundle, len(db.bundles[bundleIdx]))
	copy(out, db.bundles[bundleIdx])
	return out
}

// Stats aggregates binbundle.Stats across every bundle in the database.
type Stats struct {
	BundleCount  int
	TotalEntries int
	PackingRate  float64
}

// ComputeStats reports occupied capacity as a fraction of total capacity
// across every bin in every bundle.
func (db *DB) ComputeStats() Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var totalEntries, totalCapacity int
	var count int
	for _, bs := range db.bundles {
		for _, b := range bs {
			count++
			s := b.ComputeStats()
			totalEntries += s.TotalEntries
			totalCapacity += s.BinCount * int(db.p.Table.MaxItemsPerBin)
		}
	}
	rate := 0.0
	if totalCapacity > 0 {
		rate = float64(totalEntries) / float64(totalCapacity)
	}
	return Stats{BundleCount: count, TotalEntries: totalEntries, PackingRate: rate}
}

// evaluatedPoint bundles what the Sender derives from its own OPRF key for
// one of its own items, bypassing the blind/finalize wire exchange a
// Receiver would normally go through.
type evaluatedPoint struct {
	hashedItem item.HashedItem
	labelKey   item.LabelKey
}

func senderSideEvaluate(key *oprf.Key, hashed item.Item) (evaluatedPoint, error) {
	hi, lk, err := oprf.EvaluateDirect(key, hashed)
	if err != nil {
		return evaluatedPoint{}, err
	}
	return evaluatedPoint{hashedItem: hi, labelKey: lk}, nil
}
