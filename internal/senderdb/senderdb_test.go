package senderdb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/apsi/internal/item"
	"github.com/luxfi/apsi/internal/params"
)

func testParams(t *testing.T) *params.PSIParams {
	t.Helper()
	p, err := params.New(params.PSIParams{
		Item:  params.ItemParams{FeltsPerItem: 8},
		Table: params.TableParams{TableSize: 32, MaxItemsPerBin: 16, HashFuncCount: 3, MaxProbe: 100},
		Query: params.QueryParams{QueryPowers: []uint32{1, 2, 4, 8, 16}},
		SEAL: params.SEALParams{
			PolyModulusDegree: 256,
			PlainModulus:      65537,
			CoeffModulusBits:  []int{30, 30, 30},
		},
	})
	require.NoError(t, err)
	return p
}

func TestInsertAndRemoveUnlabeled(t *testing.T) {
	p := testParams(t)
	db, err := New(p, false)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.InsertItem([]byte("hello"), nil, 0, 0))
	require.NoError(t, db.RegenAllCaches())

	stats := db.ComputeStats()
	require.Greater(t, stats.TotalEntries, 0)

	require.NoError(t, db.RemoveItem([]byte("hello")))
	require.NoError(t, db.RegenAllCaches())

	stats = db.ComputeStats()
	require.Equal(t, 0, stats.TotalEntries)
}

func TestRemoveUnknownItemFails(t *testing.T) {
	p := testParams(t)
	db, err := New(p, false)
	require.NoError(t, err)
	defer db.Close()

	err = db.RemoveItem([]byte("never-inserted"))
	require.Error(t, err)
}

func TestInsertLabeledRoundtrip(t *testing.T) {
	p := testParams(t)
	db, err := New(p, true)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.InsertItem([]byte("alpha"), item.Label("hello-label"), 16, 8))
	require.NoError(t, db.RegenAllCaches())

	stats := db.ComputeStats()
	require.Greater(t, stats.TotalEntries, 0)
}

func TestOverwriteViaReinsertAfterRemove(t *testing.T) {
	p := testParams(t)
	db, err := New(p, true)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.InsertItem([]byte("A"), item.Label("old"), 5, 4))
	require.NoError(t, db.RemoveItem([]byte("A")))
	require.NoError(t, db.InsertItem([]byte("A"), item.Label("new"), 5, 4))
	require.NoError(t, db.RegenAllCaches())
}

func TestInsertOrAssignOverwritesLabelInPlace(t *testing.T) {
	p := testParams(t)
	db, err := New(p, true)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.InsertItem([]byte("A"), item.Label("old"), 5, 4))
	require.Equal(t, 1, db.ItemCount())

	require.NoError(t, db.InsertOrAssign([]byte("A"), item.Label("new"), 5, 4))
	require.Equal(t, 1, db.ItemCount())
	require.NoError(t, db.RegenAllCaches())
}

func TestInsertOrAssignInsertsUnknownItem(t *testing.T) {
	p := testParams(t)
	db, err := New(p, true)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.InsertOrAssign([]byte("fresh"), item.Label("label"), 5, 4))
	require.Equal(t, 1, db.ItemCount())
}

func TestStripDropsKeyAndIndex(t *testing.T) {
	p := testParams(t)
	db, err := New(p, false)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.InsertItem([]byte("hello"), nil, 0, 0))
	require.False(t, db.IsStripped())

	db.Strip()
	require.True(t, db.IsStripped())
	require.Equal(t, 0, db.ItemCount())

	_, err = db.OPRFKey()
	require.Error(t, err)

	err = db.InsertItem([]byte("world"), nil, 0, 0)
	require.Error(t, err)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	p := testParams(t)
	db, err := New(p, true)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.InsertItem([]byte("alpha"), item.Label("one"), 8, 4))
	require.NoError(t, db.InsertItem([]byte("beta"), item.Label("two"), 8, 4))
	require.NoError(t, db.RegenAllCaches())

	var buf bytes.Buffer
	require.NoError(t, db.Save(&buf))

	loaded, err := Load(&buf)
	require.NoError(t, err)
	defer loaded.Close()

	require.Equal(t, db.ItemCount(), loaded.ItemCount())
	require.Equal(t, db.IsLabeled(), loaded.IsLabeled())
	require.Equal(t, db.ComputeStats().TotalEntries, loaded.ComputeStats().TotalEntries)
}

func TestSaveLoadRoundtripAfterStrip(t *testing.T) {
	p := testParams(t)
	db, err := New(p, false)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.InsertItem([]byte("alpha"), nil, 0, 0))
	require.NoError(t, db.RegenAllCaches())
	db.Strip()

	var buf bytes.Buffer
	require.NoError(t, db.Save(&buf))

	loaded, err := Load(&buf)
	require.NoError(t, err)
	defer loaded.Close()

	require.True(t, loaded.IsStripped())
	require.Equal(t, db.ComputeStats().TotalEntries, loaded.ComputeStats().TotalEntries)
}

func TestPackingRateIncreasesWithInserts(t *testing.T) {
	p := testParams(t)
	db, err := New(p, false)
	require.NoError(t, err)
	defer db.Close()

	before := db.ComputeStats().PackingRate
	for i := 0; i < 10; i++ {
		require.NoError(t, db.InsertItem([]byte{byte(i), byte(i + 1)}, nil, 0, 0))
	}
	after := db.ComputeStats().PackingRate
	require.GreaterOrEqual(t, after, before)
}
