package oprf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlindEvaluateFinalizeRoundtrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	raw := []byte("receiver-item-1")
	state, wire, err := Blind(raw)
	require.NoError(t, err)
	require.NotEmpty(t, wire)

	response, err := Evaluate(key, wireOf(wire))
	require.NoError(t, err)

	hashed, labelKey, err := Finalize(state, pointOf(response))
	require.NoError(t, err)
	require.NotEqual(t, [16]byte{}, hashed.Bytes16())
	require.NotEqual(t, [16]byte{}, labelKey)
}

func TestOPRFDeterministic(t *testing.T) {
	// Testable property 7: OPRF(I) with fixed key yields an identical
	// HashedItem and LabelKey across independent blind/evaluate runs.
	key, err := GenerateKey()
	require.NoError(t, err)

	raw := []byte("same-item-every-time")

	run := func() (hashedBytes [16]byte, keyBytes [16]byte) {
		state, wire, err := Blind(raw)
		require.NoError(t, err)
		response, err := Evaluate(key, wireOf(wire))
		require.NoError(t, err)
		hashed, labelKey, err := Finalize(state, pointOf(response))
		require.NoError(t, err)
		return hashed.Bytes16(), [16]byte(labelKey)
	}

	h1, k1 := run()
	h2, k2 := run()
	require.Equal(t, h1, h2)
	require.Equal(t, k1, k2)
}

func TestDifferentItemsYieldDifferentHashedItems(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	eval := func(raw []byte) [16]byte {
		state, wire, err := Blind(raw)
		require.NoError(t, err)
		response, err := Evaluate(key, wireOf(wire))
		require.NoError(t, err)
		hashed, _, err := Finalize(state, pointOf(response))
		require.NoError(t, err)
		return hashed.Bytes16()
	}

	require.NotEqual(t, eval([]byte("item-a")), eval([]byte("item-b")))
}

func TestBlindBatchFinalizeBatch(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	raws := [][]byte{[]byte("x"), []byte("y"), []byte("z")}
	states, wire, err := BlindBatch(raws)
	require.NoError(t, err)

	response, err := Evaluate(key, wire)
	require.NoError(t, err)

	hashed, keys, err := FinalizeBatch(states, response)
	require.NoError(t, err)
	require.Len(t, hashed, 3)
	require.Len(t, keys, 3)

	// Cross-check against the single-item path.
	single, wireX, err := Blind(raws[0])
	require.NoError(t, err)
	respX, err := Evaluate(key, wireOf(wireX))
	require.NoError(t, err)
	hX, kX, err := Finalize(single, pointOf(respX))
	require.NoError(t, err)
	require.Equal(t, hX.Bytes16(), hashed[0].Bytes16())
	require.Equal(t, kX, keys[0])
}

func TestEvaluateRejectsMalformedPoint(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	_, err = Evaluate(key, wireOf([]byte("not-a-point")))
	require.Error(t, err)
}

// wireOf/pointOf adapt between Blind's single raw-point wire and
// Evaluate/Finalize's length-prefixed batch wire format, in these
// single-item tests.
func wireOf(singlePointWire []byte) []byte {
	return appendLengthPrefixed(nil, singlePointWire)
}
func pointOf(singlePointResponseWire []byte) []byte {
	points, err := splitLengthPrefixed(singlePointResponseWire)
	if err != nil || len(points) != 1 {
		return nil
	}
	return points[0]
}
