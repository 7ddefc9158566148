// Package integration exercises the full Receiver <-> Sender pipeline
// end to end: OPRF exchange, query construction, homomorphic evaluation,
// and result processing.
package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/apsi/internal/cryptoctx"
	"github.com/luxfi/apsi/internal/item"
	"github.com/luxfi/apsi/internal/oprf"
	"github.com/luxfi/apsi/internal/params"
	"github.com/luxfi/apsi/internal/receiverquery"
	"github.com/luxfi/apsi/internal/receiverresult"
	"github.com/luxfi/apsi/internal/sender"
	"github.com/luxfi/apsi/internal/senderdb"
)

func smallParams(t *testing.T) *params.PSIParams {
	t.Helper()
	p, err := params.New(params.PSIParams{
		Item:  params.ItemParams{FeltsPerItem: 8},
		Table: params.TableParams{TableSize: 32, MaxItemsPerBin: 16, HashFuncCount: 3, MaxProbe: 100},
		Query: params.QueryParams{QueryPowers: []uint32{1, 2, 4, 8, 16}},
		SEAL: params.SEALParams{
			PolyModulusDegree: 256,
			PlainModulus:      65537,
			CoeffModulusBits:  []int{54, 54, 59},
		},
	})
	require.NoError(t, err)
	return p
}

// psLowDegreeParams mirrors smallParams but enables Paterson-Stockmeyer
// evaluation, so the two evaluation strategies can be checked against each
// other on the same inputs.
func psLowDegreeParams(t *testing.T) *params.PSIParams {
	t.Helper()
	p, err := params.New(params.PSIParams{
		Item:  params.ItemParams{FeltsPerItem: 8},
		Table: params.TableParams{TableSize: 32, MaxItemsPerBin: 16, HashFuncCount: 3, MaxProbe: 100},
		Query: params.QueryParams{QueryPowers: []uint32{1, 2, 3, 4}, PSLowDegree: 4},
		SEAL: params.SEALParams{
			PolyModulusDegree: 256,
			PlainModulus:      65537,
			CoeffModulusBits:  []int{54, 54, 59},
		},
	})
	require.NoError(t, err)
	return p
}

// harness wires a fresh SenderDB, sender CryptoContext/Evaluator and Receiver
// CryptoContext for one test, along with the raw OPRF exchange a real
// Channel would otherwise carry over the wire.
type harness struct {
	p          *params.PSIParams
	db         *senderdb.DB
	senderCC   *cryptoctx.CryptoContext
	receiverCC *cryptoctx.CryptoContext
	eval       *sender.Evaluator
}

func newHarness(t *testing.T, p *params.PSIParams, labeled bool) *harness {
	t.Helper()
	db, err := senderdb.New(p, labeled)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	senderCC, err := cryptoctx.New(p)
	require.NoError(t, err)

	receiverCC, err := cryptoctx.New(p)
	require.NoError(t, err)
	require.NoError(t, receiverCC.GenKeys())

	eval, err := sender.New(p, senderCC, db)
	require.NoError(t, err)
	t.Cleanup(eval.Close)

	return &harness{p: p, db: db, senderCC: senderCC, receiverCC: receiverCC, eval: eval}
}

// query runs the full OPRF exchange + query construction + evaluation +
// result processing pipeline for a batch of raw query items, returning the
// positive matches.
func (h *harness) query(t *testing.T, raws [][]byte, labelByteCount, nonceByteCount int) []receiverresult.Match {
	t.Helper()

	states, blindWire, err := oprf.BlindBatch(raws)
	require.NoError(t, err)

	oprfKey, err := h.db.OPRFKey()
	var evaluatedWire []byte
	if err == nil {
		evaluatedWire, err = oprf.Evaluate(oprfKey, blindWire)
		require.NoError(t, err)
	} else {
		// Stripped databases no longer carry an OPRF key; tests that reach
		// this branch must have already captured HashedItems/LabelKeys
		// before stripping, via queryHashed.
		t.Fatalf("harness: OPRFKey unavailable and no pre-stripped hashed items supplied: %v", err)
	}

	hashedItems, labelKeys, err := oprf.FinalizeBatch(states, evaluatedWire)
	require.NoError(t, err)

	return h.queryHashed(t, hashedItems, labelKeys, len(raws), labelByteCount, nonceByteCount)
}

func (h *harness) queryHashed(t *testing.T, hashedItems []item.HashedItem, labelKeys []item.LabelKey, itemCount, labelByteCount, nonceByteCount int) []receiverresult.Match {
	t.Helper()
	ctx := context.Background()

	built, err := receiverquery.Build(h.p, h.receiverCC, hashedItems)
	require.NoError(t, err)

	parts, err := h.eval.RunQuery(ctx, built.Request)
	require.NoError(t, err)

	var lkMap map[int]item.LabelKey
	if labelKeys != nil {
		lkMap = make(map[int]item.LabelKey, len(labelKeys))
		for i, lk := range labelKeys {
			lkMap[i] = lk
		}
	}

	matches, err := receiverresult.Process(h.p, h.receiverCC, built.TranslationTbl, parts, lkMap, labelByteCount, nonceByteCount)
	require.NoError(t, err)
	return matches
}

func foundVector(matches []receiverresult.Match, n int) []bool {
	found := make([]bool, n)
	for _, m := range matches {
		found[m.ItemIndex] = true
	}
	return found
}

func TestEmptySenderNonemptyReceiver(t *testing.T) {
	p := smallParams(t)
	h := newHarness(t, p, false)
	require.NoError(t, h.db.RegenAllCaches())

	matches := h.query(t, [][]byte{[]byte("1"), []byte("2"), []byte("3")}, 0, 0)
	require.Empty(t, matches)
}

func TestSingleMatch(t *testing.T) {
	p := smallParams(t)
	h := newHarness(t, p, false)

	require.NoError(t, h.db.InsertItem([]byte("A"), nil, 0, 0))
	require.NoError(t, h.db.InsertItem([]byte("B"), nil, 0, 0))
	require.NoError(t, h.db.InsertItem([]byte("C"), nil, 0, 0))
	require.NoError(t, h.db.RegenAllCaches())

	matches := h.query(t, [][]byte{[]byte("B"), []byte("D")}, 0, 0)
	found := foundVector(matches, 2)
	require.Equal(t, []bool{true, false}, found)
}

func TestLabeledSingleMatch(t *testing.T) {
	p := smallParams(t)
	h := newHarness(t, p, true)

	const labelByteCount, nonceByteCount = 5, 4
	require.NoError(t, h.db.InsertItem([]byte("A"), item.Label("alpha"), labelByteCount, nonceByteCount))
	require.NoError(t, h.db.InsertItem([]byte("B"), item.Label("beta-"), labelByteCount, nonceByteCount))
	require.NoError(t, h.db.RegenAllCaches())

	matches := h.query(t, [][]byte{[]byte("A"), []byte("C")}, labelByteCount, nonceByteCount)
	require.Len(t, matches, 1)
	require.Equal(t, 0, matches[0].ItemIndex)
	require.Equal(t, item.Label("alpha"), matches[0].Label)
}

func TestOverwriteUpdatesLabelInPlace(t *testing.T) {
	p := smallParams(t)
	h := newHarness(t, p, true)

	const labelByteCount, nonceByteCount = 3, 4
	require.NoError(t, h.db.InsertOrAssign([]byte("A"), item.Label("old"), labelByteCount, nonceByteCount))
	require.NoError(t, h.db.InsertOrAssign([]byte("A"), item.Label("new"), labelByteCount, nonceByteCount))
	require.NoError(t, h.db.RegenAllCaches())

	require.Equal(t, 1, h.db.ItemCount())

	matches := h.query(t, [][]byte{[]byte("A")}, labelByteCount, nonceByteCount)
	require.Len(t, matches, 1)
	require.Equal(t, item.Label("new"), matches[0].Label)
}

func TestRemoveDropsExactlyOneItem(t *testing.T) {
	p := smallParams(t)
	h := newHarness(t, p, false)

	for i := 0; i < 20; i++ {
		require.NoError(t, h.db.InsertItem([]byte{byte(i)}, nil, 0, 0))
	}
	require.NoError(t, h.db.RemoveItem([]byte{byte(7)}))
	require.NoError(t, h.db.RegenAllCaches())
	require.Equal(t, 19, h.db.ItemCount())

	raws := make([][]byte, 20)
	for i := 0; i < 20; i++ {
		raws[i] = []byte{byte(i)}
	}
	matches := h.query(t, raws, 0, 0)
	require.Len(t, matches, 19)

	found := foundVector(matches, 20)
	require.False(t, found[7])
	for i, ok := range found {
		if i != 7 {
			require.True(t, ok, "item %d should still be found", i)
		}
	}
}

func TestStrippedDBStillAnswers(t *testing.T) {
	p := smallParams(t)
	h := newHarness(t, p, true)

	const labelByteCount, nonceByteCount = 5, 4
	require.NoError(t, h.db.InsertItem([]byte("A"), item.Label("alpha"), labelByteCount, nonceByteCount))
	require.NoError(t, h.db.RegenAllCaches())

	// Capture the OPRF exchange before stripping: a stripped DB discards its
	// OPRF key, so any HashedItems/LabelKeys a Receiver needs must already be
	// in hand.
	states, blindWire, err := oprf.BlindBatch([][]byte{[]byte("A"), []byte("Z")})
	require.NoError(t, err)
	oprfKey, err := h.db.OPRFKey()
	require.NoError(t, err)
	evaluatedWire, err := oprf.Evaluate(oprfKey, blindWire)
	require.NoError(t, err)
	hashedItems, labelKeys, err := oprf.FinalizeBatch(states, evaluatedWire)
	require.NoError(t, err)

	h.db.Strip()
	require.True(t, h.db.IsStripped())

	_, err = h.db.OPRFKey()
	require.Error(t, err)
	require.Error(t, h.db.InsertOrAssign([]byte("Q"), item.Label("q"), labelByteCount, nonceByteCount))

	matches := h.queryHashed(t, hashedItems, labelKeys, 2, labelByteCount, nonceByteCount)
	require.Len(t, matches, 1)
	require.Equal(t, 0, matches[0].ItemIndex)
	require.Equal(t, item.Label("alpha"), matches[0].Label)
}

func TestPatersonStockmeyerMatchesPlainEvaluation(t *testing.T) {
	p := psLowDegreeParams(t)
	h := newHarness(t, p, false)

	for i := 0; i < 10; i++ {
		require.NoError(t, h.db.InsertItem([]byte{byte(i)}, nil, 0, 0))
	}
	require.NoError(t, h.db.RegenAllCaches())

	raws := make([][]byte, 12)
	for i := range raws {
		raws[i] = []byte{byte(i)}
	}
	matches := h.query(t, raws, 0, 0)
	found := foundVector(matches, len(raws))
	for i, ok := range found {
		require.Equal(t, i < 10, ok, "item %d", i)
	}

	plain := newHarness(t, smallParams(t), false)
	for i := 0; i < 10; i++ {
		require.NoError(t, plain.db.InsertItem([]byte{byte(i)}, nil, 0, 0))
	}
	require.NoError(t, plain.db.RegenAllCaches())
	require.Equal(t, foundVector(plain.query(t, raws, 0, 0), len(raws)), found)
}
