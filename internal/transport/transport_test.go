package transport

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/apsi/internal/params"
	"github.com/luxfi/apsi/internal/wire"
)

type fakeServer struct {
	p *params.PSIParams
}

func (f *fakeServer) Parameters(ctx context.Context) (*params.PSIParams, error) {
	return f.p, nil
}

func (f *fakeServer) EvaluateOPRF(ctx context.Context, payload []byte) ([]byte, error) {
	out := make([]byte, len(payload))
	for i, b := range payload {
		out[i] = b ^ 0xFF
	}
	return out, nil
}

func (f *fakeServer) RunQuery(ctx context.Context, req wire.QueryRequest) ([]wire.ResultPart, error) {
	return []wire.ResultPart{
		{BundleIdx: 0, MatchResult: []byte("match")},
	}, nil
}

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

func TestInMemChannel(t *testing.T) {
	srv := &fakeServer{p: testParams(t)}
	ch := NewInMem(srv)

	p, err := ch.GetParameters(context.Background())
	require.NoError(t, err)
	require.Equal(t, srv.p, p)

	out, err := ch.RequestOPRF(context.Background(), []byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []byte{0xFE, 0xFD, 0xFC}, out)

	parts, err := ch.SendQuery(context.Background(), wire.QueryRequest{})
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, uint32(0), parts[0].BundleIdx)
}

func TestHTTPChannelRoundtrip(t *testing.T) {
	srv := &fakeServer{p: testParams(t)}
	handler, err := NewHTTPHandler(srv)
	require.NoError(t, err)

	ts := httptest.NewServer(handler)
	defer ts.Close()

	ch := NewHTTPChannel(ts.URL, ts.Client())

	p, err := ch.GetParameters(context.Background())
	require.NoError(t, err)
	require.Equal(t, srv.p.SEAL.PlainModulus, p.SEAL.PlainModulus)

	out, err := ch.RequestOPRF(context.Background(), []byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []byte{0xFE, 0xFD, 0xFC}, out)

	parts, err := ch.SendQuery(context.Background(), wire.QueryRequest{})
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, []byte("match"), parts[0].MatchResult)
}
