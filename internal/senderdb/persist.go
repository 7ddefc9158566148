package senderdb

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	log "github.com/luxfi/log"
	"github.com/luxfi/threshold/pkg/pool"

	"github.com/luxfi/apsi/internal/apsierr"
	"github.com/luxfi/apsi/internal/binbundle"
	"github.com/luxfi/apsi/internal/item"
	"github.com/luxfi/apsi/internal/oprf"
	"github.com/luxfi/apsi/internal/params"
)

// dbMagic identifies the on-disk format of Save/Load: header fields
// (is_labeled, is_stripped, label/nonce byte counts), serialized PSIParams,
// the OPRF key and sorted item index unless stripped, then every bundle
// index's BinBundles.
var dbMagic = [8]byte{'A', 'P', 'S', 'I', 'D', 'B', '0', '1'}

// Save writes the database's complete on-disk representation to w.
func (db *DB) Save(w io.Writer) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var buf []byte
	buf = append(buf, dbMagic[:]...)
	buf = append(buf, boolByte(db.labeled), boolByte(db.stripped))
	buf = putU32(buf, uint32(db.labelByteCount))
	buf = putU32(buf, uint32(db.nonceByteCount))

	paramsJSON, err := db.p.MarshalJSON()
	if err != nil {
		return apsierr.Wrapf(apsierr.ErrIOFailure, "senderdb: marshal params: %v", err)
	}
	buf = putBlock(buf, paramsJSON)

	if !db.stripped {
		keyBytes, err := db.oprfKey.MarshalBinary()
		if err != nil {
			return apsierr.Wrapf(apsierr.ErrIOFailure, "senderdb: marshal oprf key: %v", err)
		}
		buf = putBlock(buf, keyBytes)

		keys := make([][16]byte, 0, len(db.index))
		for k := range db.index {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })

		buf = putU32(buf, uint32(len(keys)))
		for _, k := range keys {
			e := db.index[k]
			buf = append(buf, k[:]...)
			buf = putU32(buf, uint32(len(e.keyFelts)))
			for _, f := range e.keyFelts {
				buf = putU64(buf, uint64(f))
			}
			buf = append(buf, e.labelKey[:]...)
			buf = putU32(buf, uint32(len(e.placements)))
			for _, pl := range e.placements {
				buf = putU32(buf, pl.bundleIdx)
				buf = putU32(buf, pl.binIdx)
			}
		}
	}

	buf = putU32(buf, uint32(len(db.bundles)))
	for _, bs := range db.bundles {
		buf = putU32(buf, uint32(len(bs)))
		for _, b := range bs {
			entries := b.AllEntries()
			buf = putU32(buf, uint32(len(entries)))
			for _, e := range entries {
				buf = putU32(buf, e.BinIdx)
				buf = putU64(buf, uint64(e.Key))
				buf = putU32(buf, uint32(len(e.Label)))
				for _, f := range e.Label {
					buf = putU64(buf, uint64(f))
				}
			}
		}
	}

	if _, err := w.Write(buf); err != nil {
		return apsierr.Wrapf(apsierr.ErrIOFailure, "senderdb: write: %v", err)
	}
	return nil
}

// Load rebuilds a database previously written by Save. The resulting DB has
// a fresh worker pool; callers should Close it like any other.
func Load(r io.Reader) (*DB, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apsierr.Wrapf(apsierr.ErrIOFailure, "senderdb: read: %v", err)
	}

	cur := data
	if len(cur) < 8 || !bytes.Equal(cur[:8], dbMagic[:]) {
		return nil, apsierr.Wrap(apsierr.ErrIOFailure, "senderdb: bad magic")
	}
	cur = cur[8:]
	if len(cur) < 2 {
		return nil, apsierr.Wrap(apsierr.ErrIOFailure, "senderdb: truncated header")
	}
	labeled := cur[0] != 0
	stripped := cur[1] != 0
	cur = cur[2:]

	labelByteCount, cur, err := readU32(cur)
	if err != nil {
		return nil, err
	}
	nonceByteCount, cur, err := readU32(cur)
	if err != nil {
		return nil, err
	}

	paramsJSON, cur, err := readBlock(cur)
	if err != nil {
		return nil, err
	}
	var p params.PSIParams
	if err := p.UnmarshalJSON(paramsJSON); err != nil {
		return nil, err
	}

	db := &DB{
		p:              &p,
		labeled:        labeled,
		stripped:       stripped,
		labelByteCount: int(labelByteCount),
		nonceByteCount: int(nonceByteCount),
		bundles:        make([][]*binbundle.Bundle, p.BundleIdxCount()),
		pool:           pool.NewPool(0),
		log:            log.NewTestLogger(log.InfoLevel),
	}

	if !stripped {
		keyBytes, rest, err := readBlock(cur)
		if err != nil {
			return nil, err
		}
		cur = rest

		key := new(oprf.Key)
		if err := key.UnmarshalBinary(keyBytes); err != nil {
			return nil, apsierr.Wrapf(apsierr.ErrIOFailure, "senderdb: unmarshal oprf key: %v", err)
		}
		db.oprfKey = key

		indexCount, rest2, err := readU32(cur)
		if err != nil {
			return nil, err
		}
		cur = rest2

		db.index = make(map[[16]byte]entry, indexCount)
		for i := uint32(0); i < indexCount; i++ {
			if len(cur) < 16 {
				return nil, apsierr.Wrap(apsierr.ErrIOFailure, "senderdb: truncated index entry key")
			}
			var k [16]byte
			copy(k[:], cur[:16])
			cur = cur[16:]

			keyFeltCount, rest3, err := readU32(cur)
			if err != nil {
				return nil, err
			}
			cur = rest3

			keyFelts := make([]item.Felt, keyFeltCount)
			for f := range keyFelts {
				v, restF, err := readU64(cur)
				if err != nil {
					return nil, err
				}
				cur = restF
				keyFelts[f] = item.Felt(v)
			}

			if len(cur) < 16 {
				return nil, apsierr.Wrap(apsierr.ErrIOFailure, "senderdb: truncated index entry label key")
			}
			var lk item.LabelKey
			copy(lk[:], cur[:16])
			cur = cur[16:]

			plCount, rest4, err := readU32(cur)
			if err != nil {
				return nil, err
			}
			cur = rest4

			placements := make([]placement, plCount)
			for j := range placements {
				bi, rest5, err := readU32(cur)
				if err != nil {
					return nil, err
				}
				cur = rest5
				binIdx, rest6, err := readU32(cur)
				if err != nil {
					return nil, err
				}
				cur = rest6
				placements[j] = placement{bundleIdx: bi, binIdx: binIdx}
			}
			db.index[k] = entry{placements: placements, keyFelts: keyFelts, labelKey: lk}
		}
	}

	bitsPerFelt := p.ItemBitCountPerFelt()
	feltsPerItem := int(p.Item.FeltsPerItem)
	defaultLabelFeltCount := 0
	if labeled {
		totalBits := (int(nonceByteCount) + int(labelByteCount)) * 8
		rawFeltCount := (totalBits + bitsPerFelt - 1) / bitsPerFelt
		defaultLabelFeltCount = (rawFeltCount + feltsPerItem - 1) / feltsPerItem
	}

	bundleIdxCount, rest, err := readU32(cur)
	if err != nil {
		return nil, err
	}
	cur = rest

	for bi := uint32(0); bi < bundleIdxCount; bi++ {
		parallelCount, rest2, err := readU32(cur)
		if err != nil {
			return nil, err
		}
		cur = rest2

		bundles := make([]*binbundle.Bundle, parallelCount)
		for j := uint32(0); j < parallelCount; j++ {
			entryCount, rest3, err := readU32(cur)
			if err != nil {
				return nil, err
			}
			cur = rest3

			entries := make([]binbundle.Entry, entryCount)
			maxLabelFeltCount := 0
			for k := uint32(0); k < entryCount; k++ {
				binIdx, rest4, err := readU32(cur)
				if err != nil {
					return nil, err
				}
				cur = rest4

				keyFelt, rest5, err := readU64(cur)
				if err != nil {
					return nil, err
				}
				cur = rest5

				labelFeltCount, rest6, err := readU32(cur)
				if err != nil {
					return nil, err
				}
				cur = rest6

				labelFelts := make([]item.Felt, labelFeltCount)
				for f := range labelFelts {
					v, rest7, err := readU64(cur)
					if err != nil {
						return nil, err
					}
					cur = rest7
					labelFelts[f] = item.Felt(v)
				}
				if int(labelFeltCount) > maxLabelFeltCount {
					maxLabelFeltCount = int(labelFeltCount)
				}
				entries[k] = binbundle.Entry{BinIdx: binIdx, Key: item.Felt(keyFelt), Label: labelFelts}
			}

			feltCount := maxLabelFeltCount
			if feltCount == 0 {
				feltCount = defaultLabelFeltCount
			}
			b, err := binbundle.LoadEntries(p.SEAL.PlainModulus, p.BinsPerBundle(), p.Table.MaxItemsPerBin, labeled, feltCount, entries)
			if err != nil {
				return nil, err
			}
			if err := b.RegenCache(); err != nil {
				return nil, err
			}
			bundles[j] = b
		}
		db.bundles[bi] = bundles
	}

	return db, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func putU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func putU64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func putBlock(dst, payload []byte) []byte {
	dst = putU32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

func readU32(data []byte) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, apsierr.Wrap(apsierr.ErrIOFailure, "senderdb: truncated uint32")
	}
	return binary.BigEndian.Uint32(data[:4]), data[4:], nil
}

func readU64(data []byte) (uint64, []byte, error) {
	if len(data) < 8 {
		return 0, nil, apsierr.Wrap(apsierr.ErrIOFailure, "senderdb: truncated uint64")
	}
	return binary.BigEndian.Uint64(data[:8]), data[8:], nil
}

func readBlock(data []byte) ([]byte, []byte, error) {
	n, rest, err := readU32(data)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(rest)) < n {
		return nil, nil, apsierr.Wrap(apsierr.ErrIOFailure, "senderdb: truncated block")
	}
	return rest[:n], rest[n:], nil
}
