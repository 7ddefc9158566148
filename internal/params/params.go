// Package params implements PSIParams: the immutable, self-validating
// bundle of item/table/query/SEAL parameter groups that binds every other
// component of the engine together.
package params

import (
	"encoding/json"
	"math/big"
	"math/bits"

	"github.com/luxfi/apsi/internal/apsierr"
)

// ItemParams governs item algebraization.
type ItemParams struct {
	// FeltsPerItem is the number of finite-field elements an Item is split
	// into before batching.
	FeltsPerItem uint32 `json:"felts_per_item"`
}

// TableParams governs the cuckoo-hashed sender-side table layout.
type TableParams struct {
	// TableSize is the number of cuckoo-table slots, a positive multiple of
	// ItemsPerBundle.
	TableSize uint32 `json:"table_size"`
	// MaxItemsPerBin is the capacity of a single bin within a BinBundle.
	MaxItemsPerBin uint32 `json:"max_items_per_bin"`
	// HashFuncCount is the number of cuckoo hash functions (candidate
	// locations per item).
	HashFuncCount uint32 `json:"hash_func_count"`
	// MaxProbe bounds cuckoo insertion attempts per item before declaring
	// CuckooFull.
	MaxProbe uint32 `json:"max_probe"`
}

// QueryParams governs the powers requested by a query and their evaluation.
type QueryParams struct {
	// QueryPowers is the set of ciphertext powers the Receiver sends; must
	// contain 1, never 0, and every element <= MaxItemsPerBin.
	QueryPowers []uint32 `json:"query_powers"`
	// PSLowDegree enables Paterson-Stockmeyer evaluation when > 0.
	PSLowDegree uint32 `json:"ps_low_degree"`
}

// SEALParams governs the BFV instance shared by both parties.
type SEALParams struct {
	// PolyModulusDegree is the BFV ring dimension (a power of two).
	PolyModulusDegree uint32 `json:"poly_modulus_degree"`
	// PlainModulus is the BFV plaintext modulus t (must be prime and
	// support batching for PolyModulusDegree).
	PlainModulus uint64 `json:"plain_modulus"`
	// CoeffModulusBits lists the bit-lengths of the RNS coefficient moduli,
	// largest (special) prime last.
	CoeffModulusBits []int `json:"coeff_modulus_bits"`
}

// PSIParams is the complete, validated parameter set. Construct only via
// New; the zero value is not valid.
type PSIParams struct {
	Item  ItemParams  `json:"item"`
	Table TableParams `json:"table"`
	Query QueryParams `json:"query"`
	SEAL  SEALParams  `json:"seal"`
}

// New validates p against every parameter invariant and returns it, or an
// ErrInvalidParams wrapping the first violation found.
func New(p PSIParams) (*PSIParams, error) {
	out := p
	if err := out.validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *PSIParams) validate() error {
	if p.Item.FeltsPerItem == 0 {
		return apsierr.Wrap(apsierr.ErrInvalidParams, "felts_per_item must be positive")
	}
	if p.SEAL.PlainModulus < 2 {
		return apsierr.Wrap(apsierr.ErrInvalidParams, "plain_modulus must be >= 2")
	}
	if !new(big.Int).SetUint64(p.SEAL.PlainModulus).ProbablyPrime(20) {
		return apsierr.Wrap(apsierr.ErrInvalidParams, "plain_modulus must be prime")
	}
	logT := bits.Len64(p.SEAL.PlainModulus) - 1
	if int(p.Item.FeltsPerItem)*logT < 80 {
		return apsierr.Wrapf(apsierr.ErrInvalidParams,
			"felts_per_item*log2(t) = %d < 80", int(p.Item.FeltsPerItem)*logT)
	}
	if p.SEAL.PolyModulusDegree == 0 || (p.SEAL.PolyModulusDegree&(p.SEAL.PolyModulusDegree-1)) != 0 {
		return apsierr.Wrap(apsierr.ErrInvalidParams, "poly_modulus_degree must be a power of two")
	}
	if uint64(p.Item.FeltsPerItem)*uint64(p.Table.MaxItemsPerBin) > uint64(p.SEAL.PolyModulusDegree) {
		return apsierr.Wrap(apsierr.ErrInvalidParams,
			"felts_per_item*max_items_per_bin exceeds poly_modulus_degree")
	}
	itemsPerBundle := p.SEAL.PolyModulusDegree / p.Item.FeltsPerItem
	if itemsPerBundle == 0 {
		return apsierr.Wrap(apsierr.ErrInvalidParams, "items_per_bundle computes to zero")
	}
	if p.Table.TableSize == 0 || p.Table.TableSize%itemsPerBundle != 0 {
		return apsierr.Wrap(apsierr.ErrInvalidParams, "table_size must be a positive multiple of items_per_bundle")
	}
	if p.Table.HashFuncCount == 0 {
		return apsierr.Wrap(apsierr.ErrInvalidParams, "hash_func_count must be positive")
	}
	if p.Table.MaxItemsPerBin == 0 {
		return apsierr.Wrap(apsierr.ErrInvalidParams, "max_items_per_bin must be positive")
	}
	if len(p.Query.QueryPowers) == 0 {
		return apsierr.Wrap(apsierr.ErrInvalidParams, "query_powers must be non-empty")
	}
	seenOne := false
	for _, q := range p.Query.QueryPowers {
		if q == 0 {
			return apsierr.Wrap(apsierr.ErrInvalidParams, "query_powers must not contain 0")
		}
		if q == 1 {
			seenOne = true
		}
		if q > p.Table.MaxItemsPerBin {
			return apsierr.Wrapf(apsierr.ErrInvalidParams, "query power %d exceeds max_items_per_bin", q)
		}
	}
	if !seenOne {
		return apsierr.Wrap(apsierr.ErrInvalidParams, "query_powers must contain 1")
	}
	if p.Query.PSLowDegree > 0 && p.Query.PSLowDegree > p.Table.MaxItemsPerBin {
		return apsierr.Wrap(apsierr.ErrInvalidParams, "ps_low_degree exceeds max_items_per_bin")
	}
	if len(p.SEAL.CoeffModulusBits) == 0 {
		return apsierr.Wrap(apsierr.ErrInvalidParams, "coeff_modulus_bits must be non-empty")
	}
	return nil
}

// ItemBitCountPerFelt is floor(log2(PlainModulus)): the widest bit slice
// whose every value stays strictly below t, so an item's base-t digits are
// valid felts without reduction.
func (p *PSIParams) ItemBitCountPerFelt() int {
	return bits.Len64(p.SEAL.PlainModulus) - 1
}

// ItemBitCount is the total number of bits packed per item across all of
// its felts.
func (p *PSIParams) ItemBitCount() int {
	return p.ItemBitCountPerFelt() * int(p.Item.FeltsPerItem)
}

// ItemsPerBundle is poly_modulus_degree / felts_per_item.
func (p *PSIParams) ItemsPerBundle() uint32 {
	return p.SEAL.PolyModulusDegree / p.Item.FeltsPerItem
}

// BinsPerBundle is the total bin count of a bundle: each of a bundle's
// items_per_bundle cuckoo slots occupies felts_per_item consecutive bins,
// one per base-t digit of the item. This equals poly_modulus_degree when
// felts_per_item divides it; otherwise items_per_bundle floors the division,
// the value is smaller, and the remaining SIMD slots go unused.
func (p *PSIParams) BinsPerBundle() uint32 {
	return p.ItemsPerBundle() * p.Item.FeltsPerItem
}

// BundleIdxCount is table_size / items_per_bundle.
func (p *PSIParams) BundleIdxCount() uint32 {
	return p.Table.TableSize / p.ItemsPerBundle()
}

// MarshalJSON and UnmarshalJSON are the default struct-tag-driven encodings;
// they are declared explicitly here (rather than left implicit) because the
// on-wire schema is a contract other languages/versions may read, and an
// explicit method pins that down even though today it matches the struct
// tags exactly.
func (p PSIParams) MarshalJSON() ([]byte, error) {
	type alias PSIParams
	return json.Marshal(alias(p))
}

func (p *PSIParams) UnmarshalJSON(data []byte) error {
	type alias PSIParams
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return apsierr.Wrapf(apsierr.ErrInvalidParams, "decode params: %v", err)
	}
	*p = PSIParams(a)
	return p.validate()
}
