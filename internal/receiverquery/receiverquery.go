// Package receiverquery implements Receiver query construction: cuckoo-hash
// the query set, algebraize each bundle slice into felts, raise to every
// requested power, batch-encode and encrypt.
package receiverquery

import (
	"math/bits"

	log "github.com/luxfi/log"

	"github.com/luxfi/apsi/internal/apsierr"
	"github.com/luxfi/apsi/internal/cryptoctx"
	"github.com/luxfi/apsi/internal/cuckoo"
	"github.com/luxfi/apsi/internal/item"
	"github.com/luxfi/apsi/internal/params"
	"github.com/luxfi/apsi/internal/wire"
)

var buildLog = log.NewTestLogger(log.InfoLevel)

// IndexTranslationTable maps a cuckoo-table slot back to the index of the
// original query item placed there.
type IndexTranslationTable struct {
	TableIdxToItemIdx map[uint32]int
	ItemCount         int
}

// Built is the output of Build: the wire-ready QueryRequest plus the
// translation table the Receiver needs to interpret results.
type Built struct {
	Request        wire.QueryRequest
	TranslationTbl IndexTranslationTable
}

// Build cuckoo-hashes items into the query table, algebraizes each
// resulting bundle slice into felts, raises every bundle to each requested
// power, and batch-encrypts the result into ciphertexts ready for the wire.
func Build(p *params.PSIParams, cc *cryptoctx.CryptoContext, items []item.HashedItem) (*Built, error) {
	tbl, err := cuckoo.New(p.Table.TableSize, p.Table.HashFuncCount, p.Table.MaxProbe)
	if err != nil {
		return nil, err
	}

	translation := IndexTranslationTable{
		TableIdxToItemIdx: make(map[uint32]int, len(items)),
		ItemCount:         len(items),
	}
	for i, it := range items {
		slot, err := tbl.Insert(it)
		if err != nil {
			// Insert only returns ErrCuckooFull, which here always means
			// hash-exhaustion (the table starts empty and each item is
			// inserted exactly once), so this aborts the whole query.
			buildLog.Error("cuckoo table exhausted while placing query item")
			return nil, apsierr.Wrapf(apsierr.ErrCuckooFull, "receiverquery: failed to place item %d: %v", i, err)
		}
		translation.TableIdxToItemIdx[slot] = i
	}

	itemsPerBundle := p.ItemsPerBundle()
	binsPerBundle := p.BinsPerBundle()
	bundleIdxCount := p.BundleIdxCount()
	feltsPerItem := int(p.Item.FeltsPerItem)
	bitsPerFelt := p.ItemBitCountPerFelt()
	t := p.SEAL.PlainModulus

	var data []wire.CiphertextBundle
	for bundleIdx := uint32(0); bundleIdx < bundleIdxCount; bundleIdx++ {
		// Each cuckoo slot in this bundle's slice algebraizes into
		// feltsPerItem base-t digits occupying feltsPerItem consecutive
		// bins, giving a flat vector of length bins_per_bundle that matches
		// the shape of the BinBundle's own per-degree batched plaintext
		// cache exactly.
		flat := make([]item.Felt, binsPerBundle)
		for itemIdx := uint32(0); itemIdx < itemsPerBundle; itemIdx++ {
			slot := bundleIdx*itemsPerBundle + itemIdx
			hi, ok := tbl.At(slot)
			if !ok {
				continue
			}
			felts := hi.Item.ToFelts(feltsPerItem, bitsPerFelt)
			base := itemIdx * uint32(feltsPerItem)
			for d, f := range felts {
				flat[base+uint32(d)] = f
			}
		}

		for _, power := range p.Query.QueryPowers {
			powered := make([]item.Felt, len(flat))
			for i, f := range flat {
				powered[i] = item.Felt(powMod(t, uint64(f), uint64(power)))
			}

			pt, err := cc.EncodeFelts(powered)
			if err != nil {
				return nil, apsierr.Wrapf(apsierr.ErrInvalidProtocol, "receiverquery: encode bundle %d power %d: %v", bundleIdx, power, err)
			}
			ct, err := cc.EncryptSymmetric(pt)
			if err != nil {
				return nil, err
			}
			ctWire, err := cryptoctx.MarshalCiphertext(ct)
			if err != nil {
				return nil, apsierr.Wrapf(apsierr.ErrInvalidProtocol, "receiverquery: marshal bundle %d power %d ciphertext: %v", bundleIdx, power, err)
			}
			data = append(data, wire.CiphertextBundle{SourcePower: power, BundleIdx: bundleIdx, Ciphertext: ctWire})
		}
	}

	relin, err := cc.MarshalRelinKeys()
	if err != nil {
		return nil, err
	}

	req := wire.QueryRequest{
		Compression: wire.CompressionNone,
		RelinKeys:   relin,
		Data:        data,
	}
	return &Built{Request: req, TranslationTbl: translation}, nil
}

func powMod(t, base, exp uint64) uint64 {
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

func mulMod(t, a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	_, rem := bits.Div64(hi, lo, t)
	return rem
}
