// Package receiverresult implements Receiver-side result processing:
// decrypt every ResultPart, test each cuckoo slot's decoded felts against
// the all-zero match rule, translate matching slots back to original query
// item indices, and decrypt labels for every match.
package receiverresult

import (
	"github.com/luxfi/apsi/internal/apsierr"
	"github.com/luxfi/apsi/internal/cryptoctx"
	"github.com/luxfi/apsi/internal/item"
	"github.com/luxfi/apsi/internal/labelcrypto"
	"github.com/luxfi/apsi/internal/params"
	"github.com/luxfi/apsi/internal/receiverquery"
	"github.com/luxfi/apsi/internal/wire"
)

// Match is one positive intersection result.
type Match struct {
	// ItemIndex indexes the slice of HashedItems originally passed to
	// receiverquery.Build.
	ItemIndex int
	// Label is the decrypted label, present only when the query was run
	// against a labeled SenderDB.
	Label item.Label
}

// Process decrypts parts and returns every positive match. labelKeys maps a
// query item's index to the LabelKey its OPRF Finalize produced; it may be
// nil for an unlabeled query. labelByteCount/nonceByteCount must match the
// values the SenderDB was built with; they are used whenever a ResultPart
// carries label results, and a match in such a part whose item has no entry
// in labelKeys is an ErrStateViolation.
//
// A cuckoo slot matches when all feltsPerItem of its bins decode to zero:
// the Sender keyed each bin's matching polynomial on one base-t digit of an
// item, so the slot's felts_per_item digits are simultaneously a root of
// their bins' polynomials only when every digit of the query item equals
// the corresponding digit of a stored item.
func Process(p *params.PSIParams, cc *cryptoctx.CryptoContext, tbl receiverquery.IndexTranslationTable, parts []wire.ResultPart, labelKeys map[int]item.LabelKey, labelByteCount, nonceByteCount int) ([]Match, error) {
	itemsPerBundle := p.ItemsPerBundle()
	feltsPerItem := int(p.Item.FeltsPerItem)
	bitsPerFelt := p.ItemBitCountPerFelt()
	encLen := nonceByteCount + labelByteCount

	seen := make(map[int]bool)
	var matches []Match

	for _, rp := range parts {
		matchFelts, err := decryptFelts(cc, rp.MatchResult)
		if err != nil {
			return nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext, "receiverresult: bundle %d match result: %v", rp.BundleIdx, err)
		}

		var labelFeltRows [][]item.Felt
		if len(rp.LabelResults) > 0 {
			labelFeltRows = make([][]item.Felt, len(rp.LabelResults))
			for c, lr := range rp.LabelResults {
				felts, err := decryptFelts(cc, lr)
				if err != nil {
					return nil, apsierr.Wrapf(apsierr.ErrInvalidCiphertext, "receiverresult: bundle %d label component %d: %v", rp.BundleIdx, c, err)
				}
				labelFeltRows[c] = felts
			}
		}

		for itemIdxInBundle := uint32(0); itemIdxInBundle < itemsPerBundle; itemIdxInBundle++ {
			base := int(itemIdxInBundle) * feltsPerItem
			if base+feltsPerItem > len(matchFelts) {
				break
			}
			matched := true
			for d := 0; d < feltsPerItem; d++ {
				if matchFelts[base+d] != 0 {
					matched = false
					break
				}
			}
			if !matched {
				continue
			}
			slot := rp.BundleIdx*itemsPerBundle + itemIdxInBundle
			itemIdx, ok := tbl.TableIdxToItemIdx[slot]
			if !ok {
				continue
			}
			if seen[itemIdx] {
				return nil, apsierr.Wrapf(apsierr.ErrInvalidProtocol,
					"receiverresult: duplicate positive match for item %d", itemIdx)
			}
			seen[itemIdx] = true

			m := Match{ItemIndex: itemIdx}
			if labelFeltRows != nil {
				lk, ok := labelKeys[itemIdx]
				if !ok {
					return nil, apsierr.Wrapf(apsierr.ErrStateViolation,
						"receiverresult: no label key recorded for matched item %d", itemIdx)
				}
				// Gather component-major, digit-minor: labelFeltRows[c] holds
				// one felt per bin for label component c, and the item's
				// own felts_per_item digits occupy bins base..base+d.
				rowFelts := make([]item.Felt, len(labelFeltRows)*feltsPerItem)
				for c := range labelFeltRows {
					for d := 0; d < feltsPerItem; d++ {
						rowFelts[c*feltsPerItem+d] = labelFeltRows[c][base+d]
					}
				}
				encBytes := item.UnpackBytes(rowFelts, bitsPerFelt, encLen)
				label, err := labelcrypto.Decrypt(encBytes, lk, labelByteCount, nonceByteCount)
				if err != nil {
					return nil, err
				}
				m.Label = label
			}
			matches = append(matches, m)
		}
	}
	return matches, nil
}

func decryptFelts(cc *cryptoctx.CryptoContext, wireCt []byte) ([]item.Felt, error) {
	ct, err := cryptoctx.UnmarshalCiphertext(wireCt)
	if err != nil {
		return nil, err
	}
	if !cc.ValidCiphertext(ct) {
		return nil, apsierr.Wrap(apsierr.ErrInvalidCiphertext, "receiverresult: ciphertext does not match active parameters")
	}
	pt, err := cc.Decrypt(ct)
	if err != nil {
		return nil, err
	}
	return cc.DecodeFelts(pt)
}
