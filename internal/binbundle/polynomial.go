package binbundle

import (
	"math/bits"

	"github.com/luxfi/apsi/internal/apsierr"
	"github.com/luxfi/apsi/internal/item"
)

// poly is a dense polynomial over Z_t, coefficients ordered low-degree
// first (poly[0] is the constant term).
type poly struct {
	t     uint64
	coeff []item.Felt
}

func newPoly(t uint64, degreeCapacity int) poly {
	return poly{t: t, coeff: make([]item.Felt, 0, degreeCapacity+1)}
}

func onePoly(t uint64) poly {
	return poly{t: t, coeff: []item.Felt{1}}
}

func (p poly) degree() int {
	for i := len(p.coeff) - 1; i >= 0; i-- {
		if p.coeff[i] != 0 {
			return i
		}
	}
	return 0
}

func (p poly) coefficient(d int) item.Felt {
	if d < 0 || d >= len(p.coeff) {
		return 0
	}
	return p.coeff[d]
}

func addMod(t, a, b uint64) uint64 {
	s := a + b
	if s >= t {
		s -= t
	}
	return s
}

func subMod(t, a, b uint64) uint64 {
	if a >= b {
		return a - b
	}
	return t - (b - a)
}

func mulMod(t, a, b uint64) uint64 {
	// Full 128-bit product: BFV plaintext moduli routinely exceed 32 bits,
	// so a*b does not fit a uint64.
	hi, lo := bits.Mul64(a, b)
	_, rem := bits.Div64(hi, lo, t)
	return rem
}

// powMod computes base^exp mod t.
func powMod(t, base uint64, exp uint64) uint64 {
	result := uint64(1) % t
	base %= t
	for exp > 0 {
		if exp&1 == 1 {
			result = mulMod(t, result, base)
		}
		base = mulMod(t, base, base)
		exp >>= 1
	}
	return result
}

// invMod computes the modular inverse of a mod prime t via Fermat's little
// theorem (t is required to be prime by PSIParams validation).
func invMod(t, a uint64) (uint64, error) {
	a %= t
	if a == 0 {
		return 0, apsierr.Wrap(apsierr.ErrInvalidInput, "polynomial: modular inverse of 0")
	}
	return powMod(t, a, t-2), nil
}

// mulLinear multiplies p by the monic linear factor (x - root), in place
// semantics (returns a new polynomial; callers reassign).
func mulLinear(p poly, root item.Felt) poly {
	t := p.t
	out := make([]item.Felt, len(p.coeff)+1)
	negRoot := subMod(t, 0, uint64(root))
	for i, c := range p.coeff {
		// out[i]   += c * (-root)
		// out[i+1] += c
		out[i] = item.Felt(addMod(t, uint64(out[i]), mulMod(t, uint64(c), negRoot)))
		out[i+1] = item.Felt(addMod(t, uint64(out[i+1]), uint64(c)))
	}
	return poly{t: t, coeff: out}
}

// matchingPolynomial builds ∏(x - k) over the given keys, the monic
// polynomial whose roots are exactly a bin's occupied keys.
func matchingPolynomial(t uint64, keys []item.Felt) poly {
	p := onePoly(t)
	for _, k := range keys {
		p = mulLinear(p, k)
	}
	return p
}

// lagrangeInterpolate returns the unique polynomial of degree < len(xs)
// passing through each (xs[i], ys[i]) pair, via the standard Lagrange
// formula evaluated symbolically over Z_t. xs must be pairwise distinct.
func lagrangeInterpolate(t uint64, xs, ys []item.Felt) (poly, error) {
	n := len(xs)
	result := poly{t: t, coeff: make([]item.Felt, n)}
	if n == 0 {
		return result, nil
	}

	for i := 0; i < n; i++ {
		// Build the basis polynomial l_i(x) = prod_{j != i} (x - xs[j]) / (xs[i] - xs[j]).
		basis := onePoly(t)
		denom := uint64(1)
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			basis = mulLinear(basis, xs[j])
			denom = mulMod(t, denom, subMod(t, uint64(xs[i]), uint64(xs[j])))
		}
		invDenom, err := invMod(t, denom)
		if err != nil {
			return poly{}, apsierr.Wrap(apsierr.ErrInvalidInput, "interpolation: duplicate x values")
		}
		scale := mulMod(t, uint64(ys[i]), invDenom)
		for d := 0; d <= basis.degree(); d++ {
			term := mulMod(t, uint64(basis.coefficient(d)), scale)
			result.coeff[d] = item.Felt(addMod(t, uint64(result.coeff[d]), term))
		}
	}
	return result, nil
}
