// Package cryptoctx implements the CryptoContext: the carrier of PSI-wide
// parameters and the shared FHE handles built on top of them. The concrete
// FHE library is github.com/tuneinsight/lattigo/v6's BFV scheme — lattigo
// plays the role of a black-box leveled FHE library the rest of the engine
// is written against.
package cryptoctx

import (
	"math/bits"
	"sync"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bfv"

	"github.com/luxfi/apsi/internal/apsierr"
	"github.com/luxfi/apsi/internal/item"
	"github.com/luxfi/apsi/internal/params"
)

// CryptoContext carries the BFV parameters together with the FHE handles
// built from them. The zero value is not usable; build one with New.
//
// The bare evaluator (no keys) and the encoder are shared; lattigo's
// evaluators and encoders carry scratch buffers that are not safe for
// concurrent use, so concurrent callers go through EvaluatorForQuery (which
// hands out a fresh keyed evaluator per query, shallow-copied per worker)
// and EncodeFelts/DecodeFelts (which serialize on encMu — encoding is cheap
// next to the homomorphic multiplications it feeds).
type CryptoContext struct {
	bfvParams    bfv.Parameters
	plainModBits int
	polyDegree   uint32

	encMu   sync.Mutex
	encoder *bfv.Encoder

	evaluator *bfv.Evaluator

	mu        sync.RWMutex
	sk        *rlwe.SecretKey
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor
	relinKeys *rlwe.RelinearizationKey
	hasSecret bool
	hasRelin  bool
}

// New builds a CryptoContext from validated PSIParams. It allocates the BFV
// parameter set, the batch encoder, and an evaluator with no keys attached;
// SetSecretKey / SetRelinKeys must be called before encryption, decryption,
// or relinearizing multiplications are available.
func New(p *params.PSIParams) (*CryptoContext, error) {
	if len(p.SEAL.CoeffModulusBits) < 2 {
		return nil, apsierr.Wrap(apsierr.ErrInvalidParams, "cryptoctx: coeff_modulus_bits needs at least one Q prime and one P prime")
	}
	lit := bfv.ParametersLiteral{
		LogN:             logOf(p.SEAL.PolyModulusDegree),
		LogQ:             p.SEAL.CoeffModulusBits[:len(p.SEAL.CoeffModulusBits)-1],
		LogP:             p.SEAL.CoeffModulusBits[len(p.SEAL.CoeffModulusBits)-1:],
		PlaintextModulus: p.SEAL.PlainModulus,
	}

	bfvParams, err := bfv.NewParametersFromLiteral(lit)
	if err != nil {
		return nil, apsierr.Wrapf(apsierr.ErrInvalidParams, "build bfv parameters: %v", err)
	}

	return &CryptoContext{
		bfvParams:    bfvParams,
		encoder:      bfv.NewEncoder(bfvParams),
		evaluator:    bfv.NewEvaluator(bfvParams, nil),
		plainModBits: bits.Len64(p.SEAL.PlainModulus),
		polyDegree:   p.SEAL.PolyModulusDegree,
	}, nil
}

func logOf(n uint32) int {
	l := 0
	for (uint32(1) << l) < n {
		l++
	}
	return l
}

// Params returns the underlying BFV parameter set.
func (c *CryptoContext) Params() bfv.Parameters { return c.bfvParams }

// GenKeys generates a fresh secret key and its relinearization key, wiring
// them into the context. Used by the Receiver at initialization and again on
// ResetKeys.
func (c *CryptoContext) GenKeys() error {
	kgen := rlwe.NewKeyGenerator(c.bfvParams)
	sk := kgen.GenSecretKeyNew()
	rlk := kgen.GenRelinearizationKeyNew(sk)
	c.SetSecretKey(sk)
	c.SetRelinKeys(rlk)
	return nil
}

// SetSecretKey enables decryption (and symmetric-key encryption) under sk.
func (c *CryptoContext) SetSecretKey(sk *rlwe.SecretKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sk = sk
	c.encryptor = rlwe.NewEncryptor(c.bfvParams, sk)
	c.decryptor = rlwe.NewDecryptor(c.bfvParams, sk)
	c.hasSecret = true
}

// SetRelinKeys enables relinearization after ciphertext-ciphertext
// multiplication on the context's own evaluator.
func (c *CryptoContext) SetRelinKeys(rlk *rlwe.RelinearizationKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relinKeys = rlk
	c.hasRelin = true
	c.evaluator = c.evaluator.WithKey(rlwe.NewMemEvaluationKeySet(rlk))
}

// HasSecretKey reports whether decryption/symmetric-encryption is possible.
func (c *CryptoContext) HasSecretKey() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasSecret
}

// HasRelinKeys reports whether ciphertext-ciphertext multiplication results
// can be relinearized.
func (c *CryptoContext) HasRelinKeys() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasRelin
}

// NewEncryptor returns a goroutine-private shallow copy of the encryptor,
// following rlwe.Encryptor's ShallowCopy contract (lattigo's internal PRNG
// and scratch buffers are not safe to share across goroutines even though
// the key material is).
func (c *CryptoContext) NewEncryptor() (*rlwe.Encryptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasSecret {
		return nil, apsierr.Wrap(apsierr.ErrStateViolation, "no secret key set")
	}
	return c.encryptor.ShallowCopy(), nil
}

// NewDecryptor returns a goroutine-private shallow copy of the decryptor.
func (c *CryptoContext) NewDecryptor() (*rlwe.Decryptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasSecret {
		return nil, apsierr.Wrap(apsierr.ErrStateViolation, "no secret key set")
	}
	return c.decryptor.ShallowCopy(), nil
}

// RelinearizationKey returns the currently configured relin key, or nil.
func (c *CryptoContext) RelinearizationKey() *rlwe.RelinearizationKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.relinKeys
}

// ValidCiphertext reports whether ct belongs to this context's parameter
// set (correct degree, in-range level) — the check required before a query
// ciphertext is accepted for evaluation.
func (c *CryptoContext) ValidCiphertext(ct *rlwe.Ciphertext) bool {
	if ct == nil {
		return false
	}
	if ct.Degree() > 1 {
		return false
	}
	return ct.Level() <= c.bfvParams.MaxLevel()
}

// EncodeFelts batch-encodes a vector of felts into a fresh plaintext,
// padding with zeros up to poly_modulus_degree slots when shorter. Safe for
// concurrent use.
func (c *CryptoContext) EncodeFelts(felts []item.Felt) (*rlwe.Plaintext, error) {
	n := c.bfvParams.N()
	if len(felts) > n {
		return nil, apsierr.Wrapf(apsierr.ErrInvalidInput, "cryptoctx: %d felts exceeds poly_modulus_degree %d", len(felts), n)
	}
	values := make([]uint64, n)
	for i, f := range felts {
		values[i] = uint64(f)
	}
	pt := bfv.NewPlaintext(c.bfvParams, c.bfvParams.MaxLevel())

	c.encMu.Lock()
	err := c.encoder.Encode(values, pt)
	c.encMu.Unlock()
	if err != nil {
		return nil, apsierr.Wrapf(apsierr.ErrInvalidInput, "cryptoctx: encode felts: %v", err)
	}
	return pt, nil
}

// DecodeFelts inverts EncodeFelts, returning all poly_modulus_degree
// batching slots as felts. Safe for concurrent use.
func (c *CryptoContext) DecodeFelts(pt *rlwe.Plaintext) ([]item.Felt, error) {
	values := make([]uint64, c.bfvParams.N())

	c.encMu.Lock()
	err := c.encoder.Decode(pt, values)
	c.encMu.Unlock()
	if err != nil {
		return nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext, "cryptoctx: decode felts: %v", err)
	}

	felts := make([]item.Felt, len(values))
	for i, v := range values {
		felts[i] = item.Felt(v)
	}
	return felts, nil
}

// EncryptSymmetric encrypts pt under the context's own secret key. Requires
// SetSecretKey to have been called.
func (c *CryptoContext) EncryptSymmetric(pt *rlwe.Plaintext) (*rlwe.Ciphertext, error) {
	enc, err := c.NewEncryptor()
	if err != nil {
		return nil, err
	}
	ct, err := enc.EncryptNew(pt)
	if err != nil {
		return nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext, "cryptoctx: encrypt: %v", err)
	}
	return ct, nil
}

// Decrypt decrypts ct under the context's own secret key. Requires
// SetSecretKey to have been called.
func (c *CryptoContext) Decrypt(ct *rlwe.Ciphertext) (*rlwe.Plaintext, error) {
	dec, err := c.NewDecryptor()
	if err != nil {
		return nil, err
	}
	return dec.DecryptNew(ct), nil
}

// MarshalRelinKeys serializes the currently configured relinearization key,
// the form a Receiver attaches to a QueryRequest.
func (c *CryptoContext) MarshalRelinKeys() ([]byte, error) {
	c.mu.RLock()
	rlk := c.relinKeys
	c.mu.RUnlock()
	if rlk == nil {
		return nil, apsierr.Wrap(apsierr.ErrStateViolation, "cryptoctx: no relin keys to marshal")
	}
	return rlk.MarshalBinary()
}

// UnmarshalRelinKeys decodes a wire-format relinearization key, the form the
// Sender extracts from an incoming QueryRequest.
func UnmarshalRelinKeys(data []byte) (*rlwe.RelinearizationKey, error) {
	rlk := new(rlwe.RelinearizationKey)
	if err := rlk.UnmarshalBinary(data); err != nil {
		return nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext, "cryptoctx: unmarshal relin keys: %v", err)
	}
	return rlk, nil
}

// MarshalCiphertext serializes a ciphertext for the wire.
func MarshalCiphertext(ct *rlwe.Ciphertext) ([]byte, error) {
	return ct.MarshalBinary()
}

// UnmarshalCiphertext decodes a wire-format ciphertext. Callers must still
// run ValidCiphertext against the active context before using the result in
// any evaluation.
func UnmarshalCiphertext(data []byte) (*rlwe.Ciphertext, error) {
	ct := new(rlwe.Ciphertext)
	if err := ct.UnmarshalBinary(data); err != nil {
		return nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext, "cryptoctx: unmarshal ciphertext: %v", err)
	}
	return ct, nil
}

// EvaluatorForQuery returns an evaluator bound to a per-query relin key
// rather than the context's own — the Sender never holds a secret key of its
// own, but it must relinearize using whatever relin key accompanied this
// particular query. Workers sharing one query shallow-copy the result
// before use.
func (c *CryptoContext) EvaluatorForQuery(rlk *rlwe.RelinearizationKey) *bfv.Evaluator {
	return c.evaluator.WithKey(rlwe.NewMemEvaluationKeySet(rlk))
}

// Compress shrinks a freshly-evaluated result ciphertext before it goes on
// the wire: mod-switch down to the chain's last level, then, since that
// level always leaves a single coefficient modulus, mask off the low bits
// of every coefficient that carry no information beyond decryption noise.
// The bit count worth keeping is plainModBits (the plaintext modulus's own
// bit count) plus ceil(log2(polyDegree)), the same margin batching needs
// for exact decoding; everything below that is free to zero out.
func (c *CryptoContext) Compress(eval *bfv.Evaluator, ct *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	out := ct.CopyNew()
	for out.Level() > 0 {
		if err := eval.Rescale(out, out); err != nil {
			return nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext, "cryptoctx: compress: mod-switch to next level: %v", err)
		}
	}

	moduli := c.bfvParams.Q()[:out.Level()+1]
	if len(moduli) != 1 {
		return out, nil
	}
	coeffModBits := bits.Len64(moduli[0])
	keepBits := c.plainModBits + bits.Len64(uint64(c.polyDegree)-1)
	irrelevant := coeffModBits - keepBits
	if irrelevant <= 0 {
		return out, nil
	}
	mask := ^uint64(0) << uint(irrelevant)
	for i := range out.Value {
		coeffs := out.Value[i].Coeffs[0]
		for j := range coeffs {
			coeffs[j] &= mask
		}
	}
	return out, nil
}
