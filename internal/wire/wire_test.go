package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/apsi/internal/params"
)

func TestParamsResponseRoundtrip(t *testing.T) {
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

	resp := ParamsResponse{Params: *p}
	data, err := resp.MarshalBinary()
	require.NoError(t, err)

	var decoded ParamsResponse
	require.NoError(t, decoded.UnmarshalBinary(data))
	require.Equal(t, resp.Params, decoded.Params)
}

func TestOPRFRequestRoundtrip(t *testing.T) {
	req := OPRFRequest{Payload: []byte("blinded-points")}
	data, err := req.MarshalBinary()
	require.NoError(t, err)

	var decoded OPRFRequest
	require.NoError(t, decoded.UnmarshalBinary(data))
	require.Equal(t, req.Payload, decoded.Payload)
}

func TestQueryRequestRoundtrip(t *testing.T) {
	req := QueryRequest{
		Compression: CompressionZstd,
		RelinKeys:   []byte("relin-keys"),
		Data: []CiphertextBundle{
			{SourcePower: 1, BundleIdx: 0, Ciphertext: []byte("ct-a")},
			{SourcePower: 2, BundleIdx: 1, Ciphertext: []byte("ct-b")},
		},
	}
	data, err := req.MarshalBinary()
	require.NoError(t, err)

	var decoded QueryRequest
	require.NoError(t, decoded.UnmarshalBinary(data))
	require.Equal(t, req, decoded)
}

func TestQueryResponseRoundtrip(t *testing.T) {
	resp := QueryResponse{PackageCount: 7}
	data, err := resp.MarshalBinary()
	require.NoError(t, err)

	var decoded QueryResponse
	require.NoError(t, decoded.UnmarshalBinary(data))
	require.Equal(t, resp, decoded)
}

func TestResultPartRoundtrip(t *testing.T) {
	rp := ResultPart{
		BundleIdx:    3,
		MatchResult:  []byte("match-ct"),
		LabelResults: [][]byte{[]byte("label-ct-0"), []byte("label-ct-1")},
	}
	data, err := rp.MarshalBinary()
	require.NoError(t, err)

	var decoded ResultPart
	require.NoError(t, decoded.UnmarshalBinary(data))
	require.Equal(t, rp, decoded)
}

func TestUnframeRejectsWrongMessageType(t *testing.T) {
	req := OPRFRequest{Payload: []byte("x")}
	data, err := req.MarshalBinary()
	require.NoError(t, err)

	var decoded QueryRequest
	err = decoded.UnmarshalBinary(data)
	require.Error(t, err)
}

func TestUnframeRejectsUnsupportedVersion(t *testing.T) {
	data := []byte{99, byte(MsgOPRFRequest), 0, 0, 0, 0}
	var decoded OPRFRequest
	err := decoded.UnmarshalBinary(data)
	require.Error(t, err)
}

func TestPeekMsgType(t *testing.T) {
	req := ResultPart{BundleIdx: 1, MatchResult: []byte("m")}
	data, err := req.MarshalBinary()
	require.NoError(t, err)

	mt, err := PeekMsgType(data)
	require.NoError(t, err)
	require.Equal(t, MsgResultPart, mt)
}
