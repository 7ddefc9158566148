// Package sender implements Sender-side query evaluation: for every bundle
// index a query touches, compute the ciphertext powers the PowersDag calls
// for and homomorphically evaluate each BinBundle's cached matching and
// interpolation polynomials against them.
package sender

import (
	"context"

	log "github.com/luxfi/log"
	"github.com/luxfi/threshold/pkg/pool"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bfv"

	"github.com/luxfi/apsi/internal/apsierr"
	"github.com/luxfi/apsi/internal/binbundle"
	"github.com/luxfi/apsi/internal/cryptoctx"
	"github.com/luxfi/apsi/internal/item"
	"github.com/luxfi/apsi/internal/metrics"
	"github.com/luxfi/apsi/internal/oprf"
	"github.com/luxfi/apsi/internal/params"
	"github.com/luxfi/apsi/internal/powersdag"
	"github.com/luxfi/apsi/internal/senderdb"
	"github.com/luxfi/apsi/internal/wire"
)

// Evaluator is the Sender's query-evaluation engine, bound to one SenderDB
// and the CryptoContext describing the FHE instance both parties share. It
// implements internal/transport.Server directly, so it can sit behind
// inmem.InMem or an HTTP listener with no further adaptation.
type Evaluator struct {
	p       *params.PSIParams
	cc      *cryptoctx.CryptoContext
	db      *senderdb.DB
	dag     *powersdag.Dag
	pool    *pool.Pool
	metrics *metrics.Recorder
	log     log.Logger
}

// New builds an Evaluator, configuring the PowersDag from the query powers
// a Receiver is expected to send and the default target powers (every power
// 1..max_items_per_bin, or the Paterson-Stockmeyer target set when
// ps_low_degree > 0).
func New(p *params.PSIParams, cc *cryptoctx.CryptoContext, db *senderdb.DB) (*Evaluator, error) {
	targets := powersdag.DefaultTargetPowers(p.Table.MaxItemsPerBin, p.Query.PSLowDegree)
	dag, err := powersdag.Configure(p.Query.QueryPowers, targets)
	if err != nil {
		return nil, err
	}
	return &Evaluator{p: p, cc: cc, db: db, dag: dag, pool: pool.NewPool(0), log: log.NewTestLogger(log.InfoLevel)}, nil
}

// Close releases the evaluator's worker pool.
func (e *Evaluator) Close() { e.pool.TearDown() }

// SetMetrics attaches a Recorder that RunQuery and its per-bundle
// evaluation will report against. Metrics are entirely optional: an
// Evaluator with no Recorder attached behaves identically, just unobserved.
func (e *Evaluator) SetMetrics(m *metrics.Recorder) { e.metrics = m }

// Parameters implements transport.Server.
func (e *Evaluator) Parameters(ctx context.Context) (*params.PSIParams, error) {
	return e.p, nil
}

// EvaluateOPRF implements transport.Server: evaluate the Receiver's blinded
// points under the database's own OPRF key.
func (e *Evaluator) EvaluateOPRF(ctx context.Context, payload []byte) ([]byte, error) {
	key, err := e.db.OPRFKey()
	if err != nil {
		return nil, err
	}
	return oprf.Evaluate(key, payload)
}

// sourceCiphertexts indexes a QueryRequest's ciphertexts by bundle index
// and then by the source power that produced them.
type sourceCiphertexts map[uint32]map[uint32]*rlwe.Ciphertext

// prepareQuery validates and reshapes an incoming QueryRequest: every
// ciphertext must belong to the active parameter set, and the
// relinearization key must unmarshal.
func (e *Evaluator) prepareQuery(req wire.QueryRequest) (*rlwe.RelinearizationKey, sourceCiphertexts, error) {
	rlk, err := cryptoctx.UnmarshalRelinKeys(req.RelinKeys)
	if err != nil {
		return nil, nil, err
	}

	data := make(sourceCiphertexts)
	for _, cb := range req.Data {
		ct, err := cryptoctx.UnmarshalCiphertext(cb.Ciphertext)
		if err != nil {
			return nil, nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext,
				"sender: bundle %d power %d: %v", cb.BundleIdx, cb.SourcePower, err)
		}
		if !e.cc.ValidCiphertext(ct) {
			return nil, nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext,
				"sender: bundle %d power %d: ciphertext does not match active parameters", cb.BundleIdx, cb.SourcePower)
		}
		byBundle, ok := data[cb.BundleIdx]
		if !ok {
			byBundle = make(map[uint32]*rlwe.Ciphertext)
			data[cb.BundleIdx] = byBundle
		}
		byBundle[cb.SourcePower] = ct
	}
	return rlk, data, nil
}

// RunQuery implements transport.Server: evaluate every touched bundle index
// against every parallel BinBundle stored there, returning one ResultPart
// per (bundle index, parallel bundle) pair stored in the database. A
// bundle index with no stored BinBundles is silently skipped — there is
// nothing for it to match, so no ResultPart is owed.
func (e *Evaluator) RunQuery(ctx context.Context, req wire.QueryRequest) (result []wire.ResultPart, err error) {
	if e.metrics != nil {
		defer func() { e.metrics.ObserveQuery(err) }()
	}

	rlk, data, err := e.prepareQuery(req)
	if err != nil {
		return nil, err
	}
	queryEval := e.cc.EvaluatorForQuery(rlk)

	bundleIdxs := make([]uint32, 0, len(data))
	for bi := range data {
		bundleIdxs = append(bundleIdxs, bi)
	}

	type outcome struct {
		parts []wire.ResultPart
		err   error
	}
	results := e.pool.Parallelize(len(bundleIdxs), func(i int) interface{} {
		bi := bundleIdxs[i]
		bundles := e.db.BundlesAt(bi)
		if len(bundles) == 0 {
			return outcome{}
		}
		// The keyed evaluator's scratch buffers are not safe to share
		// across pool workers; each worker gets its own shallow copy.
		eval := queryEval.ShallowCopy()
		powers, err := e.computePowers(eval, data[bi])
		if err != nil {
			return outcome{err: err}
		}
		parts := make([]wire.ResultPart, 0, len(bundles))
		for _, b := range bundles {
			rp, err := e.evaluateBundle(eval, bi, b, powers)
			if err != nil {
				return outcome{err: err}
			}
			parts = append(parts, rp)
		}
		return outcome{parts: parts}
	})

	var all []wire.ResultPart
	for _, r := range results {
		o, _ := r.(outcome)
		if o.err != nil {
			// A query that fails anywhere fails as a whole, rather than
			// returning a partial result set silently.
			e.log.Error("bundle evaluation worker failed")
			return nil, o.err
		}
		all = append(all, o.parts...)
	}
	return all, nil
}

// computePowers seeds the power map with the query's source ciphertexts and
// walks the PowersDag in topological order, multiplying and relinearizing
// each derived power exactly once.
func (e *Evaluator) computePowers(eval *bfv.Evaluator, sources map[uint32]*rlwe.Ciphertext) (map[uint32]*rlwe.Ciphertext, error) {
	powers := make(map[uint32]*rlwe.Ciphertext, len(sources))
	for p, ct := range sources {
		powers[p] = ct
	}
	for _, node := range e.dag.TopoOrder() {
		a, ok := powers[node.ParentA]
		if !ok {
			return nil, apsierr.Wrapf(apsierr.ErrInvalidProtocol, "sender: query missing power %d needed to derive power %d", node.ParentA, node.Power)
		}
		b, ok := powers[node.ParentB]
		if !ok {
			return nil, apsierr.Wrapf(apsierr.ErrInvalidProtocol, "sender: query missing power %d needed to derive power %d", node.ParentB, node.Power)
		}
		prod, err := eval.MulNew(a, b)
		if err != nil {
			return nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext, "sender: multiply powers %d*%d: %v", node.ParentA, node.ParentB, err)
		}
		if err := eval.Relinearize(prod, prod); err != nil {
			return nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext, "sender: relinearize power %d: %v", node.Power, err)
		}
		powers[node.Power] = prod
	}
	return powers, nil
}

// evaluateBundle evaluates one BinBundle's matching polynomial, and (for a
// labeled database) every label felt component's interpolation polynomial,
// against an already-computed power map.
func (e *Evaluator) evaluateBundle(eval *bfv.Evaluator, bundleIdx uint32, b *binbundle.Bundle, powers map[uint32]*rlwe.Ciphertext) (wire.ResultPart, error) {
	if e.metrics != nil {
		done := e.metrics.BundleEvalTimer()
		defer done()
	}

	maxDegree, err := b.MaxDegree()
	if err != nil {
		return wire.ResultPart{}, err
	}

	matchCt, err := e.evaluatePolynomial(eval, powers, maxDegree, b.MatchingCoefficients)
	if err != nil {
		return wire.ResultPart{}, err
	}
	matchCt, err = e.cc.Compress(eval, matchCt)
	if err != nil {
		return wire.ResultPart{}, err
	}
	matchWire, err := cryptoctx.MarshalCiphertext(matchCt)
	if err != nil {
		return wire.ResultPart{}, err
	}

	var labelWires [][]byte
	if b.Labeled() {
		labelWires = make([][]byte, b.LabelFeltCount())
		for c := 0; c < b.LabelFeltCount(); c++ {
			component := c
			coeffAt := func(d int) ([]item.Felt, error) { return b.InterpolationCoefficients(component, d) }
			labelCt, err := e.evaluatePolynomial(eval, powers, maxDegree, coeffAt)
			if err != nil {
				return wire.ResultPart{}, err
			}
			labelCt, err = e.cc.Compress(eval, labelCt)
			if err != nil {
				return wire.ResultPart{}, err
			}
			lw, err := cryptoctx.MarshalCiphertext(labelCt)
			if err != nil {
				return wire.ResultPart{}, err
			}
			labelWires[c] = lw
		}
	}

	return wire.ResultPart{BundleIdx: bundleIdx, MatchResult: matchWire, LabelResults: labelWires}, nil
}

// evaluatePolynomial dispatches to the plain-sum or Paterson-Stockmeyer
// evaluation strategy depending on the active ps_low_degree.
func (e *Evaluator) evaluatePolynomial(eval *bfv.Evaluator, powers map[uint32]*rlwe.Ciphertext, maxDegree int, coeffAt func(int) ([]item.Felt, error)) (*rlwe.Ciphertext, error) {
	low := int(e.p.Query.PSLowDegree)
	if low == 0 {
		return e.evaluatePlain(eval, powers, maxDegree, coeffAt)
	}
	return e.evaluatePatersonStockmeyer(eval, powers, maxDegree, low, coeffAt)
}

// zeroCiphertextLike multiplies an arbitrary ciphertext power by an
// all-zero plaintext to produce a validly-shaped encryption of zero. The
// Sender never holds a key to freshly encrypt a trivial ciphertext of its
// own, so seeding an accumulator this way is how a degree-0 (constant-only)
// polynomial still ends up added into a real ciphertext.
func (e *Evaluator) zeroCiphertextLike(eval *bfv.Evaluator, anyPower *rlwe.Ciphertext, width int) (*rlwe.Ciphertext, error) {
	zeroPt, err := e.cc.EncodeFelts(make([]item.Felt, width))
	if err != nil {
		return nil, err
	}
	ct, err := eval.MulNew(anyPower, zeroPt)
	if err != nil {
		return nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext, "sender: zero accumulator: %v", err)
	}
	return ct, nil
}

// evaluatePlain computes sum_{d=0}^{maxDegree} coeff[d] * x^d as
// sum_{d=1}^{maxDegree} (coeff[d] * power[d]) + coeff[0], the direct
// evaluation strategy used when ps_low_degree is 0.
func (e *Evaluator) evaluatePlain(eval *bfv.Evaluator, powers map[uint32]*rlwe.Ciphertext, maxDegree int, coeffAt func(int) ([]item.Felt, error)) (*rlwe.Ciphertext, error) {
	coeff0, err := coeffAt(0)
	if err != nil {
		return nil, err
	}
	pt0, err := e.cc.EncodeFelts(coeff0)
	if err != nil {
		return nil, err
	}

	one, ok := powers[1]
	if !ok {
		return nil, apsierr.Wrap(apsierr.ErrInvalidProtocol, "sender: query missing power 1")
	}

	var acc *rlwe.Ciphertext
	for d := 1; d <= maxDegree; d++ {
		coeffs, err := coeffAt(d)
		if err != nil {
			return nil, err
		}
		pt, err := e.cc.EncodeFelts(coeffs)
		if err != nil {
			return nil, err
		}
		pow, ok := powers[uint32(d)]
		if !ok {
			return nil, apsierr.Wrapf(apsierr.ErrInvalidProtocol, "sender: missing ciphertext power %d", d)
		}
		term, err := eval.MulNew(pow, pt)
		if err != nil {
			return nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext, "sender: multiply power %d by coefficient plaintext: %v", d, err)
		}
		if acc == nil {
			acc = term
		} else if err := eval.Add(acc, term, acc); err != nil {
			return nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext, "sender: accumulate degree %d term: %v", d, err)
		}
	}
	if acc == nil {
		acc, err = e.zeroCiphertextLike(eval, one, len(coeff0))
		if err != nil {
			return nil, err
		}
	}
	if err := eval.Add(acc, pt0, acc); err != nil {
		return nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext, "sender: add constant coefficient: %v", err)
	}
	return acc, nil
}

// evaluatePatersonStockmeyer splits the polynomial into blocks of low
// coefficients, evaluates each block with baby-step powers 1..low-1, then
// combines blocks with giant-step powers low, 2*low, ... — the
// Paterson-Stockmeyer strategy, reducing ciphertext-ciphertext
// multiplications from O(max_degree) to O(sqrt(max_degree)).
func (e *Evaluator) evaluatePatersonStockmeyer(eval *bfv.Evaluator, powers map[uint32]*rlwe.Ciphertext, maxDegree, low int, coeffAt func(int) ([]item.Felt, error)) (*rlwe.Ciphertext, error) {
	numBlocks := maxDegree/low + 1

	var acc *rlwe.Ciphertext
	for k := 0; k < numBlocks; k++ {
		block, err := e.evaluateBlock(eval, powers, k*low, low, maxDegree, coeffAt)
		if err != nil {
			return nil, err
		}
		if k == 0 {
			acc = block
			continue
		}
		giant, ok := powers[uint32(k*low)]
		if !ok {
			return nil, apsierr.Wrapf(apsierr.ErrInvalidProtocol, "sender: missing giant-step power %d", k*low)
		}
		term, err := eval.MulNew(giant, block)
		if err != nil {
			return nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext, "sender: multiply giant-step power %d: %v", k*low, err)
		}
		if err := eval.Relinearize(term, term); err != nil {
			return nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext, "sender: relinearize giant-step term %d: %v", k, err)
		}
		if err := eval.Add(acc, term, acc); err != nil {
			return nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext, "sender: accumulate giant-step term %d: %v", k, err)
		}
	}
	return acc, nil
}

// evaluateBlock evaluates sum_{i=0}^{low-1} coeff[base+i] * x^i, the
// baby-step sum for one Paterson-Stockmeyer block.
func (e *Evaluator) evaluateBlock(eval *bfv.Evaluator, powers map[uint32]*rlwe.Ciphertext, base, low, maxDegree int, coeffAt func(int) ([]item.Felt, error)) (*rlwe.Ciphertext, error) {
	coeff0, err := coeffAt(base)
	if err != nil {
		return nil, err
	}
	pt0, err := e.cc.EncodeFelts(coeff0)
	if err != nil {
		return nil, err
	}

	one, ok := powers[1]
	if !ok {
		return nil, apsierr.Wrap(apsierr.ErrInvalidProtocol, "sender: query missing power 1")
	}

	var acc *rlwe.Ciphertext
	for i := 1; i < low; i++ {
		d := base + i
		if d > maxDegree {
			break
		}
		coeffs, err := coeffAt(d)
		if err != nil {
			return nil, err
		}
		pt, err := e.cc.EncodeFelts(coeffs)
		if err != nil {
			return nil, err
		}
		pow, ok := powers[uint32(i)]
		if !ok {
			return nil, apsierr.Wrapf(apsierr.ErrInvalidProtocol, "sender: missing baby-step power %d", i)
		}
		term, err := eval.MulNew(pow, pt)
		if err != nil {
			return nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext, "sender: multiply baby-step power %d: %v", i, err)
		}
		if acc == nil {
			acc = term
		} else if err := eval.Add(acc, term, acc); err != nil {
			return nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext, "sender: accumulate baby-step term %d: %v", i, err)
		}
	}
	if acc == nil {
		var err error
		acc, err = e.zeroCiphertextLike(eval, one, len(coeff0))
		if err != nil {
			return nil, err
		}
	}
	if err := eval.Add(acc, pt0, acc); err != nil {
		return nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext, "sender: add block constant coefficient: %v", err)
	}
	return acc, nil
}
