// Package binbundle implements BinBundle: a fixed-width table of bins, each
// holding up to max_items_per_bin (key, optional label) entries, together
// with the cached matching and interpolation polynomial coefficients the
// sender evaluates against a query's ciphertext powers.
package binbundle

import (
	"sort"

	"github.com/luxfi/apsi/internal/apsierr"
	"github.com/luxfi/apsi/internal/item"
)

// bin is one slot of a bundle: parallel Keys/Labels, Keys[i] paired with
// Labels[i] (Labels is nil for an unlabeled bundle).
type bin struct {
	keys   []item.Felt
	labels [][]item.Felt // len(labels) == len(keys) when labeled
}

func (b *bin) indexOf(k item.Felt) int {
	for i, existing := range b.keys {
		if existing == k {
			return i
		}
	}
	return -1
}

// Bundle holds binCount bins and the batched polynomial cache derived from
// their contents. A Bundle is safe for concurrent reads; callers must
// serialize writes (internal/senderdb owns that discipline with its
// RWMutex).
//
// binCount is a count of bins, not of items: the sender places one digit of
// an item's base-t algebraization per bin, so a bundle holding
// items_per_bundle cuckoo slots has felts_per_item times as many bins as
// items.
type Bundle struct {
	t              uint64
	binCount       uint32
	maxItemsPerBin uint32
	labeled        bool
	labelFeltCount int

	bins []bin

	cacheValid    bool
	matchBatched  [][]item.Felt // matchBatched[degree][bin] = coefficient
	interpBatched [][][]item.Felt // interpBatched[component][degree][bin]
	maxDegree     int
}

// New creates an empty bundle. labelFeltCount is ignored (and must be 0)
// for an unlabeled bundle, and must be > 0 for a labeled one.
func New(t uint64, binCount, maxItemsPerBin uint32, labeled bool, labelFeltCount int) (*Bundle, error) {
	if binCount == 0 {
		return nil, apsierr.Wrap(apsierr.ErrInvalidParams, "binbundle: bin count must be positive")
	}
	if labeled && labelFeltCount <= 0 {
		return nil, apsierr.Wrap(apsierr.ErrInvalidParams, "binbundle: labeled bundle requires positive label_felt_count")
	}
	if !labeled && labelFeltCount != 0 {
		return nil, apsierr.Wrap(apsierr.ErrInvalidParams, "binbundle: unlabeled bundle must have label_felt_count 0")
	}
	return &Bundle{
		t:              t,
		binCount:       binCount,
		maxItemsPerBin: maxItemsPerBin,
		labeled:        labeled,
		labelFeltCount: labelFeltCount,
		bins:           make([]bin, binCount),
	}, nil
}

// Labeled reports whether this bundle stores labels alongside keys.
func (bd *Bundle) Labeled() bool { return bd.labeled }

// BinCount is the fixed bin count of this bundle.
func (bd *Bundle) BinCount() uint32 { return bd.binCount }

// LabelFeltCount returns the number of label felt components stored per
// entry (0 for an unlabeled bundle).
func (bd *Bundle) LabelFeltCount() int { return bd.labelFeltCount }

// CacheValid reports whether the polynomial cache reflects the bundle's
// current contents (false immediately after any mutation, until regen_cache()
// is called again — mirrors SEAL's lazy NTT caching).
func (bd *Bundle) CacheValid() bool { return bd.cacheValid }

// TryMultiInsert attempts to insert every (key, label) pair in items into
// the given binIndices, failing the whole operation if ANY target bin would
// exceed max_items_per_bin or already holds that key: all-or-nothing.
func (bd *Bundle) TryMultiInsert(binIndices []uint32, keys []item.Felt, labels [][]item.Felt) error {
	if err := bd.checkShapes(binIndices, keys, labels); err != nil {
		return err
	}

	for i, bi := range binIndices {
		b := &bd.bins[bi]
		if b.indexOf(keys[i]) >= 0 {
			return apsierr.Wrapf(apsierr.ErrInvalidInput, "binbundle: key already present in bin %d", bi)
		}
		if uint32(len(b.keys)) >= bd.maxItemsPerBin {
			return apsierr.Wrapf(apsierr.ErrCuckooFull, "binbundle: bin %d is full", bi)
		}
	}

	for i, bi := range binIndices {
		b := &bd.bins[bi]
		b.keys = append(b.keys, keys[i])
		if bd.labeled {
			b.labels = append(b.labels, labels[i])
		}
	}
	bd.cacheValid = false
	return nil
}

// TryMultiOverwrite overwrites the label of an already-present key in each
// target bin, failing the whole operation if any key is absent.
func (bd *Bundle) TryMultiOverwrite(binIndices []uint32, keys []item.Felt, labels [][]item.Felt) error {
	if !bd.labeled {
		return apsierr.Wrap(apsierr.ErrStateViolation, "binbundle: overwrite requires a labeled bundle")
	}
	if err := bd.checkShapes(binIndices, keys, labels); err != nil {
		return err
	}

	positions := make([]int, len(binIndices))
	for i, bi := range binIndices {
		pos := bd.bins[bi].indexOf(keys[i])
		if pos < 0 {
			return apsierr.Wrapf(apsierr.ErrInvalidInput, "binbundle: key not present in bin %d", bi)
		}
		positions[i] = pos
	}

	for i, bi := range binIndices {
		bd.bins[bi].labels[positions[i]] = labels[i]
	}
	bd.cacheValid = false
	return nil
}

// TryMultiRemove removes keys from their bins, failing the whole operation
// if any key is absent from its target bin.
func (bd *Bundle) TryMultiRemove(binIndices []uint32, keys []item.Felt) error {
	if err := bd.checkShapes(binIndices, keys, nil); err != nil {
		return err
	}

	positions := make([]int, len(binIndices))
	for i, bi := range binIndices {
		pos := bd.bins[bi].indexOf(keys[i])
		if pos < 0 {
			return apsierr.Wrapf(apsierr.ErrInvalidInput, "binbundle: key not present in bin %d", bi)
		}
		positions[i] = pos
	}

	for i, bi := range binIndices {
		b := &bd.bins[bi]
		pos := positions[i]
		b.keys = append(b.keys[:pos], b.keys[pos+1:]...)
		if bd.labeled {
			b.labels = append(b.labels[:pos], b.labels[pos+1:]...)
		}
	}
	bd.cacheValid = false
	return nil
}

// TryGetMultiLabel looks up the label for key in binIndex, reporting
// whether it was found.
func (bd *Bundle) TryGetMultiLabel(binIndex uint32, key item.Felt) ([]item.Felt, bool) {
	b := &bd.bins[binIndex]
	pos := b.indexOf(key)
	if pos < 0 {
		return nil, false
	}
	if !bd.labeled {
		return nil, true
	}
	return b.labels[pos], true
}

func (bd *Bundle) checkShapes(binIndices []uint32, keys []item.Felt, labels [][]item.Felt) error {
	if len(binIndices) != len(keys) {
		return apsierr.Wrap(apsierr.ErrInvalidInput, "binbundle: bin_indices/keys length mismatch")
	}
	if bd.labeled && labels != nil && len(labels) != len(keys) {
		return apsierr.Wrap(apsierr.ErrInvalidInput, "binbundle: labels length mismatch")
	}
	for _, bi := range binIndices {
		if bi >= bd.binCount {
			return apsierr.Wrapf(apsierr.ErrInvalidInput, "binbundle: bin index %d out of range", bi)
		}
	}
	return nil
}

// BinSize returns the current occupancy of a bin.
func (bd *Bundle) BinSize(binIndex uint32) int {
	return len(bd.bins[binIndex].keys)
}

// RegenCache recomputes the matching polynomial for every bin (and, for a
// labeled bundle, the interpolation polynomial for every label component),
// then transposes per-bin coefficients into the degree-major batched layout
// internal/sender encodes into BFV plaintexts one degree at a time.
func (bd *Bundle) RegenCache() error {
	if bd.cacheValid {
		return nil
	}

	maxDegree := 0
	matchPolys := make([]poly, bd.binCount)
	for i := range bd.bins {
		p := matchingPolynomial(bd.t, bd.bins[i].keys)
		matchPolys[i] = p
		if d := p.degree(); d > maxDegree {
			maxDegree = d
		}
	}

	var interpPolys [][]poly
	if bd.labeled {
		interpPolys = make([][]poly, bd.labelFeltCount)
		for c := 0; c < bd.labelFeltCount; c++ {
			interpPolys[c] = make([]poly, bd.binCount)
			for i := range bd.bins {
				b := &bd.bins[i]
				if len(b.keys) == 0 {
					continue
				}
				ys := make([]item.Felt, len(b.keys))
				for k := range b.keys {
					ys[k] = b.labels[k][c]
				}
				p, err := lagrangeInterpolate(bd.t, b.keys, ys)
				if err != nil {
					return apsierr.Wrapf(apsierr.ErrInvalidInput, "binbundle: interpolation failed for bin %d: %v", i, err)
				}
				interpPolys[c][i] = p
			}
		}
	}

	// Empty bins keep their empty-product polynomial (the constant 1) in
	// the batched rows: a bin that stores nothing must evaluate to a
	// nonzero felt for every query value, or an unoccupied slot would read
	// as a match.
	matchBatched := make([][]item.Felt, maxDegree+1)
	for d := 0; d <= maxDegree; d++ {
		row := make([]item.Felt, bd.binCount)
		for i, p := range matchPolys {
			row[i] = p.coefficient(d)
		}
		matchBatched[d] = row
	}

	var interpBatched [][][]item.Felt
	if bd.labeled {
		interpBatched = make([][][]item.Felt, bd.labelFeltCount)
		for c := 0; c < bd.labelFeltCount; c++ {
			interpBatched[c] = make([][]item.Felt, maxDegree+1)
			for d := 0; d <= maxDegree; d++ {
				row := make([]item.Felt, bd.binCount)
				for i, p := range interpPolys[c] {
					if len(bd.bins[i].keys) == 0 {
						continue
					}
					row[i] = p.coefficient(d)
				}
				interpBatched[c][d] = row
			}
		}
	}

	bd.maxDegree = maxDegree
	bd.matchBatched = matchBatched
	bd.interpBatched = interpBatched
	bd.cacheValid = true
	return nil
}

// MaxDegree returns the highest matching-polynomial degree across all bins
// in the currently valid cache.
func (bd *Bundle) MaxDegree() (int, error) {
	if !bd.cacheValid {
		return 0, apsierr.Wrap(apsierr.ErrStateViolation, "binbundle: cache stale, call RegenCache first")
	}
	return bd.maxDegree, nil
}

// MatchingCoefficients returns the degree-d batched row of the matching
// polynomial cache: one felt per bin, the coefficient of x^d in that bin's
// matching polynomial (0 for degrees beyond that bin's polynomial degree;
// an empty bin's polynomial is the constant 1, so it holds 1 at degree 0 and
// 0 above it).
func (bd *Bundle) MatchingCoefficients(degree int) ([]item.Felt, error) {
	if !bd.cacheValid {
		return nil, apsierr.Wrap(apsierr.ErrStateViolation, "binbundle: cache stale, call RegenCache first")
	}
	if degree < 0 || degree >= len(bd.matchBatched) {
		return make([]item.Felt, bd.binCount), nil
	}
	return bd.matchBatched[degree], nil
}

// InterpolationCoefficients is the labeled-bundle analogue of
// MatchingCoefficients for label felt component c.
func (bd *Bundle) InterpolationCoefficients(component, degree int) ([]item.Felt, error) {
	if !bd.labeled {
		return nil, apsierr.Wrap(apsierr.ErrStateViolation, "binbundle: bundle is not labeled")
	}
	if !bd.cacheValid {
		return nil, apsierr.Wrap(apsierr.ErrStateViolation, "binbundle: cache stale, call RegenCache first")
	}
	if component < 0 || component >= bd.labelFeltCount {
		return nil, apsierr.Wrapf(apsierr.ErrInvalidInput, "binbundle: label component %d out of range", component)
	}
	if degree < 0 || degree >= len(bd.interpBatched[component]) {
		return make([]item.Felt, bd.binCount), nil
	}
	return bd.interpBatched[component][degree], nil
}

// Stats summarizes occupancy across all bins, used by senderdb.DB.ComputeStats.
type Stats struct {
	BinCount      int
	OccupiedBins  int
	TotalEntries  int
	MaxBinSize    int
}

func (bd *Bundle) ComputeStats() Stats {
	s := Stats{BinCount: len(bd.bins)}
	for i := range bd.bins {
		n := len(bd.bins[i].keys)
		s.TotalEntries += n
		if n > 0 {
			s.OccupiedBins++
		}
		if n > s.MaxBinSize {
			s.MaxBinSize = n
		}
	}
	return s
}

// Entry describes one occupied (bin, key, label) triple; used by
// internal/senderdb's Save/Load to serialize and restore a Bundle's raw
// contents without re-running TryMultiInsert's duplicate/overflow checks.
type Entry struct {
	BinIdx uint32
	Key    item.Felt
	Label  []item.Felt
}

// AllEntries returns every occupied (bin, key, label) triple in the bundle,
// in bin-then-insertion order.
func (bd *Bundle) AllEntries() []Entry {
	var out []Entry
	for bi := range bd.bins {
		b := &bd.bins[bi]
		for i, k := range b.keys {
			var lbl []item.Felt
			if bd.labeled {
				lbl = b.labels[i]
			}
			out = append(out, Entry{BinIdx: uint32(bi), Key: k, Label: lbl})
		}
	}
	return out
}

// LoadEntries rebuilds a bundle's bins directly from previously-serialized
// entries, bypassing TryMultiInsert's validation (the caller is restoring
// state that was already validated once, at original insertion time). The
// cache starts stale; call RegenCache afterward.
func LoadEntries(t uint64, binCount, maxItemsPerBin uint32, labeled bool, labelFeltCount int, entries []Entry) (*Bundle, error) {
	bd, err := New(t, binCount, maxItemsPerBin, labeled, labelFeltCount)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.BinIdx >= binCount {
			return nil, apsierr.Wrapf(apsierr.ErrInvalidInput, "binbundle: entry bin index %d out of range", e.BinIdx)
		}
		b := &bd.bins[e.BinIdx]
		b.keys = append(b.keys, e.Key)
		if labeled {
			b.labels = append(b.labels, e.Label)
		}
	}
	return bd, nil
}

// SortedKeys returns every distinct key present in the bundle, across all
// bins, in ascending order — used by Save to produce deterministic output.
func (bd *Bundle) SortedKeys() []item.Felt {
	seen := make(map[item.Felt]bool)
	for i := range bd.bins {
		for _, k := range bd.bins[i].keys {
			seen[k] = true
		}
	}
	out := make([]item.Felt, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
