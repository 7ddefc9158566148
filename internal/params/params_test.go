package params

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func validParams() PSIParams {
	return PSIParams{
		Item:  ItemParams{FeltsPerItem: 8},
		Table: TableParams{TableSize: 512, MaxItemsPerBin: 16, HashFuncCount: 3, MaxProbe: 100},
		Query: QueryParams{QueryPowers: []uint32{1, 2, 3, 4, 5, 6, 8, 11}, PSLowDegree: 0},
		SEAL:  SEALParams{PolyModulusDegree: 4096, PlainModulus: 65537, CoeffModulusBits: []int{48, 30, 30}},
	}
}

func TestNewValid(t *testing.T) {
	p, err := New(validParams())
	require.NoError(t, err)
	require.Equal(t, uint32(512), p.ItemsPerBundle())
	require.Equal(t, uint32(1), p.BundleIdxCount())
}

func TestNewRejectsMissingQueryPowerOne(t *testing.T) {
	p := validParams()
	p.Query.QueryPowers = []uint32{2, 3}
	_, err := New(p)
	require.Error(t, err)
}

func TestNewRejectsZeroQueryPower(t *testing.T) {
	p := validParams()
	p.Query.QueryPowers = []uint32{0, 1}
	_, err := New(p)
	require.Error(t, err)
}

func TestNewRejectsOversizedFeltLayout(t *testing.T) {
	p := validParams()
	p.Table.MaxItemsPerBin = 1 << 20
	_, err := New(p)
	require.Error(t, err)
}

func TestNewRejectsBadTableSize(t *testing.T) {
	p := validParams()
	p.Table.TableSize = 513 // not a multiple of items_per_bundle (512)
	_, err := New(p)
	require.Error(t, err)
}

func TestNewRejectsShortItems(t *testing.T) {
	p := validParams()
	p.Item.FeltsPerItem = 1 // 1 * floor(log2 65537) = 16 < 80
	_, err := New(p)
	require.Error(t, err)
}

func TestJSONRoundtrip(t *testing.T) {
	p, err := New(validParams())
	require.NoError(t, err)

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded PSIParams
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, *p, decoded)
}

func TestJSONRejectsInvalid(t *testing.T) {
	data := []byte(`{"item":{"felts_per_item":0}}`)
	var decoded PSIParams
	require.Error(t, json.Unmarshal(data, &decoded))
}

func TestPSLowDegreeBound(t *testing.T) {
	p := validParams()
	p.Query.PSLowDegree = p.Table.MaxItemsPerBin + 1
	_, err := New(p)
	require.Error(t, err)
}
