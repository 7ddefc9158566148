package binbundle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/apsi/internal/item"
)

const testModulus = uint64(65537)

func TestInsertFullAndLookup(t *testing.T) {
	bd, err := New(testModulus, 4, 2, false, 0)
	require.NoError(t, err)

	require.NoError(t, bd.TryMultiInsert([]uint32{0, 1}, []item.Felt{10, 20}, nil))
	require.Equal(t, 1, bd.BinSize(0))

	_, found := bd.TryGetMultiLabel(0, 10)
	require.True(t, found)
	_, found = bd.TryGetMultiLabel(0, 99)
	require.False(t, found)
}

func TestInsertRejectsDuplicateKey(t *testing.T) {
	bd, err := New(testModulus, 4, 2, false, 0)
	require.NoError(t, err)
	require.NoError(t, bd.TryMultiInsert([]uint32{0}, []item.Felt{10}, nil))

	err = bd.TryMultiInsert([]uint32{0}, []item.Felt{10}, nil)
	require.Error(t, err)
}

func TestInsertRejectsOverfullBin(t *testing.T) {
	bd, err := New(testModulus, 4, 1, false, 0)
	require.NoError(t, err)
	require.NoError(t, bd.TryMultiInsert([]uint32{0}, []item.Felt{10}, nil))

	err = bd.TryMultiInsert([]uint32{0}, []item.Felt{20}, nil)
	require.Error(t, err)
	require.True(t, bd.CacheValid() == false)
}

func TestInsertIsAllOrNothing(t *testing.T) {
	bd, err := New(testModulus, 4, 1, false, 0)
	require.NoError(t, err)
	require.NoError(t, bd.TryMultiInsert([]uint32{0}, []item.Felt{10}, nil))

	// Bin 1 has room but bin 0 does not; the whole batch must fail and
	// leave bin 1 untouched.
	err = bd.TryMultiInsert([]uint32{0, 1}, []item.Felt{20, 30}, nil)
	require.Error(t, err)
	require.Equal(t, 0, bd.BinSize(1))
}

func TestRemoveThenReinsert(t *testing.T) {
	bd, err := New(testModulus, 4, 2, false, 0)
	require.NoError(t, err)
	require.NoError(t, bd.TryMultiInsert([]uint32{0}, []item.Felt{10}, nil))
	require.NoError(t, bd.TryMultiRemove([]uint32{0}, []item.Felt{10}))
	require.Equal(t, 0, bd.BinSize(0))

	require.NoError(t, bd.TryMultiInsert([]uint32{0}, []item.Felt{10}, nil))
	require.Equal(t, 1, bd.BinSize(0))
}

func TestRemoveRejectsAbsentKey(t *testing.T) {
	bd, err := New(testModulus, 4, 2, false, 0)
	require.NoError(t, err)
	err = bd.TryMultiRemove([]uint32{0}, []item.Felt{10})
	require.Error(t, err)
}

func TestRegenCacheMatchingPolynomialHasBinKeysAsRoots(t *testing.T) {
	bd, err := New(testModulus, 1, 4, false, 0)
	require.NoError(t, err)
	keys := []item.Felt{7, 11, 13}
	require.NoError(t, bd.TryMultiInsert([]uint32{0, 0, 0}, keys, nil))
	require.NoError(t, bd.RegenCache())

	maxDeg, err := bd.MaxDegree()
	require.NoError(t, err)
	require.Equal(t, 3, maxDeg)

	for _, k := range keys {
		var acc uint64
		power := uint64(1)
		for d := 0; d <= maxDeg; d++ {
			row, err := bd.MatchingCoefficients(d)
			require.NoError(t, err)
			acc = addMod(testModulus, acc, mulMod(testModulus, uint64(row[0]), power))
			power = mulMod(testModulus, power, uint64(k))
		}
		require.Equal(t, uint64(0), acc, "key %d should be a root of the matching polynomial", k)
	}
}

func TestRegenCacheInterpolationPolynomialMatchesLabels(t *testing.T) {
	bd, err := New(testModulus, 1, 4, true, 2)
	require.NoError(t, err)
	keys := []item.Felt{3, 9}
	labels := [][]item.Felt{{100, 200}, {300, 400}}
	require.NoError(t, bd.TryMultiInsert([]uint32{0, 0}, keys, labels))
	require.NoError(t, bd.RegenCache())

	maxDeg, err := bd.MaxDegree()
	require.NoError(t, err)

	for ki, k := range keys {
		for c := 0; c < 2; c++ {
			var acc uint64
			power := uint64(1)
			for d := 0; d <= maxDeg; d++ {
				row, err := bd.InterpolationCoefficients(c, d)
				require.NoError(t, err)
				acc = addMod(testModulus, acc, mulMod(testModulus, uint64(row[0]), power))
				power = mulMod(testModulus, power, uint64(k))
			}
			require.Equal(t, uint64(labels[ki][c]), acc)
		}
	}
}

func TestOverwriteUpdatesLabel(t *testing.T) {
	bd, err := New(testModulus, 2, 2, true, 1)
	require.NoError(t, err)
	require.NoError(t, bd.TryMultiInsert([]uint32{0}, []item.Felt{5}, [][]item.Felt{{42}}))

	require.NoError(t, bd.TryMultiOverwrite([]uint32{0}, []item.Felt{5}, [][]item.Felt{{99}}))
	label, found := bd.TryGetMultiLabel(0, 5)
	require.True(t, found)
	require.Equal(t, item.Felt(99), label[0])
}

func TestComputeStats(t *testing.T) {
	bd, err := New(testModulus, 4, 2, false, 0)
	require.NoError(t, err)
	require.NoError(t, bd.TryMultiInsert([]uint32{0, 1, 1}, []item.Felt{1, 2, 3}, nil))

	stats := bd.ComputeStats()
	require.Equal(t, 4, stats.BinCount)
	require.Equal(t, 2, stats.OccupiedBins)
	require.Equal(t, 3, stats.TotalEntries)
	require.Equal(t, 2, stats.MaxBinSize)
}

func TestSortedKeysDeduplicatesAcrossBins(t *testing.T) {
	bd, err := New(testModulus, 4, 2, false, 0)
	require.NoError(t, err)
	require.NoError(t, bd.TryMultiInsert([]uint32{0, 1}, []item.Felt{5, 3}, nil))

	keys := bd.SortedKeys()
	require.Equal(t, []item.Felt{3, 5}, keys)
}
