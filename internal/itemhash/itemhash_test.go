package itemhash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashDeterministic(t *testing.T) {
	a := Hash([]byte("some-item"))
	b := Hash([]byte("some-item"))
	require.True(t, a.Equal(b))
}

func TestHashDistinguishesInputs(t *testing.T) {
	a := Hash([]byte("item-a"))
	b := Hash([]byte("item-b"))
	require.False(t, a.Equal(b))
}

func TestHashEmptyInput(t *testing.T) {
	a := Hash(nil)
	b := Hash([]byte{})
	require.True(t, a.Equal(b))
}

func TestHashAllPreservesOrder(t *testing.T) {
	raws := [][]byte{[]byte("x"), []byte("y"), []byte("z")}
	out := HashAll(raws)
	require.Len(t, out, 3)
	for i, r := range raws {
		require.True(t, out[i].Equal(Hash(r)))
	}
}
