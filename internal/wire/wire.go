// Package wire implements the self-describing, versioned message schemas:
// ParamsRequest/Response, OPRFRequest/Response, QueryRequest/Response and
// ResultPart, each with explicit MarshalBinary/UnmarshalBinary so the
// schema is pinned independent of any particular Go struct layout. Every
// message starts with a version byte, and only version 1 is accepted;
// trailing bytes after a message's known fields are ignored on decode.
package wire

import (
	"encoding/binary"

	"github.com/luxfi/apsi/internal/apsierr"
	"github.com/luxfi/apsi/internal/params"
)

const wireVersion = 1

// MsgType distinguishes wire messages on a shared transport (internal/transport).
type MsgType byte

const (
	MsgParamsRequest  MsgType = 1
	MsgParamsResponse MsgType = 2
	MsgOPRFRequest    MsgType = 3
	MsgOPRFResponse   MsgType = 4
	MsgQueryRequest   MsgType = 5
	MsgQueryResponse  MsgType = 6
	MsgResultPart     MsgType = 7
)

// CompressionMode selects the ciphertext compression applied to a result.
type CompressionMode byte

const (
	CompressionNone CompressionMode = 0
	CompressionZstd CompressionMode = 1
)

// ParamsRequest carries nothing but exists for symmetry and future
// extension (e.g. requesting a specific named parameter set).
type ParamsRequest struct{}

func (ParamsRequest) MarshalBinary() ([]byte, error) {
	return framed(MsgParamsRequest, nil), nil
}

func (r *ParamsRequest) UnmarshalBinary(data []byte) error {
	_, err := unframe(MsgParamsRequest, data)
	return err
}

// ParamsResponse carries the PSIParams a Sender operates with, so a
// Receiver can configure an identical CryptoContext and PowersDag.
type ParamsResponse struct {
	Params params.PSIParams
}

func (r ParamsResponse) MarshalBinary() ([]byte, error) {
	body, err := r.Params.MarshalJSON()
	if err != nil {
		return nil, apsierr.Wrapf(apsierr.ErrInvalidProtocol, "marshal ParamsResponse: %v", err)
	}
	return framed(MsgParamsResponse, body), nil
}

func (r *ParamsResponse) UnmarshalBinary(data []byte) error {
	body, err := unframe(MsgParamsResponse, data)
	if err != nil {
		return err
	}
	if err := r.Params.UnmarshalJSON(body); err != nil {
		return apsierr.Wrapf(apsierr.ErrInvalidProtocol, "decode ParamsResponse: %v", err)
	}
	return nil
}

// OPRFRequest is the length-prefixed batch of blinded points a Receiver
// sends; payload format is owned by internal/oprf.BlindBatch.
type OPRFRequest struct {
	Payload []byte
}

func (r OPRFRequest) MarshalBinary() ([]byte, error) {
	return framed(MsgOPRFRequest, r.Payload), nil
}

func (r *OPRFRequest) UnmarshalBinary(data []byte) error {
	body, err := unframe(MsgOPRFRequest, data)
	if err != nil {
		return err
	}
	r.Payload = body
	return nil
}

// OPRFResponse mirrors OPRFRequest for the evaluated points.
type OPRFResponse struct {
	Payload []byte
}

func (r OPRFResponse) MarshalBinary() ([]byte, error) {
	return framed(MsgOPRFResponse, r.Payload), nil
}

func (r *OPRFResponse) UnmarshalBinary(data []byte) error {
	body, err := unframe(MsgOPRFResponse, data)
	if err != nil {
		return err
	}
	r.Payload = body
	return nil
}

// CiphertextBundle is one ciphertext for one (source_power, bundle_idx)
// pair in a QueryRequest's data map.
type CiphertextBundle struct {
	SourcePower uint32
	BundleIdx   uint32
	Ciphertext  []byte
}

// QueryRequest is the Receiver's query: relinearization keys, compression
// mode, and the map of ciphertexts keyed by (source_power, bundle_idx).
type QueryRequest struct {
	Compression CompressionMode
	RelinKeys   []byte
	Data        []CiphertextBundle
}

func (q QueryRequest) MarshalBinary() ([]byte, error) {
	var body []byte
	body = append(body, byte(q.Compression))
	body = appendBlock(body, q.RelinKeys)

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(q.Data)))
	body = append(body, countBuf[:]...)
	for _, cb := range q.Data {
		var entryHeader [8]byte
		binary.BigEndian.PutUint32(entryHeader[:4], cb.SourcePower)
		binary.BigEndian.PutUint32(entryHeader[4:], cb.BundleIdx)
		body = append(body, entryHeader[:]...)
		body = appendBlock(body, cb.Ciphertext)
	}
	return framed(MsgQueryRequest, body), nil
}

func (q *QueryRequest) UnmarshalBinary(data []byte) error {
	body, err := unframe(MsgQueryRequest, data)
	if err != nil {
		return err
	}
	if len(body) < 1 {
		return apsierr.Wrap(apsierr.ErrInvalidProtocol, "wire: truncated QueryRequest")
	}
	q.Compression = CompressionMode(body[0])
	body = body[1:]

	relin, rest, err := readBlock(body)
	if err != nil {
		return err
	}
	q.RelinKeys = relin
	body = rest

	if len(body) < 4 {
		return apsierr.Wrap(apsierr.ErrInvalidProtocol, "wire: truncated QueryRequest count")
	}
	count := binary.BigEndian.Uint32(body[:4])
	body = body[4:]

	q.Data = make([]CiphertextBundle, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(body) < 8 {
			return apsierr.Wrap(apsierr.ErrInvalidProtocol, "wire: truncated QueryRequest entry header")
		}
		sp := binary.BigEndian.Uint32(body[:4])
		bi := binary.BigEndian.Uint32(body[4:8])
		body = body[8:]
		ct, rest, err := readBlock(body)
		if err != nil {
			return err
		}
		body = rest
		q.Data = append(q.Data, CiphertextBundle{SourcePower: sp, BundleIdx: bi, Ciphertext: ct})
	}
	return nil
}

// QueryResponse is the Sender's immediate acknowledgement of a QueryRequest:
// how many ResultPart messages the caller should expect to receive on the
// result channel. A PackageCount of 0 signals that the query failed before
// producing any result parts.
type QueryResponse struct {
	PackageCount uint32
}

func (r QueryResponse) MarshalBinary() ([]byte, error) {
	var body [4]byte
	binary.BigEndian.PutUint32(body[:], r.PackageCount)
	return framed(MsgQueryResponse, body[:]), nil
}

func (r *QueryResponse) UnmarshalBinary(data []byte) error {
	body, err := unframe(MsgQueryResponse, data)
	if err != nil {
		return err
	}
	if len(body) < 4 {
		return apsierr.Wrap(apsierr.ErrInvalidProtocol, "wire: truncated QueryResponse")
	}
	r.PackageCount = binary.BigEndian.Uint32(body[:4])
	return nil
}

// ResultPart is one Sender-produced evaluation output, per bundle index,
// covering the matching polynomial's ciphertext and (for a labeled
// database) one ciphertext per label felt component.
type ResultPart struct {
	BundleIdx    uint32
	MatchResult  []byte
	LabelResults [][]byte
}

func (r ResultPart) MarshalBinary() ([]byte, error) {
	var body []byte
	var bi [4]byte
	binary.BigEndian.PutUint32(bi[:], r.BundleIdx)
	body = append(body, bi[:]...)
	body = appendBlock(body, r.MatchResult)

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(r.LabelResults)))
	body = append(body, countBuf[:]...)
	for _, lr := range r.LabelResults {
		body = appendBlock(body, lr)
	}
	return framed(MsgResultPart, body), nil
}

func (r *ResultPart) UnmarshalBinary(data []byte) error {
	body, err := unframe(MsgResultPart, data)
	if err != nil {
		return err
	}
	if len(body) < 4 {
		return apsierr.Wrap(apsierr.ErrInvalidProtocol, "wire: truncated ResultPart")
	}
	r.BundleIdx = binary.BigEndian.Uint32(body[:4])
	body = body[4:]

	mr, rest, err := readBlock(body)
	if err != nil {
		return err
	}
	r.MatchResult = mr
	body = rest

	if len(body) < 4 {
		return apsierr.Wrap(apsierr.ErrInvalidProtocol, "wire: truncated ResultPart label count")
	}
	count := binary.BigEndian.Uint32(body[:4])
	body = body[4:]

	r.LabelResults = make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		lr, rest, err := readBlock(body)
		if err != nil {
			return err
		}
		body = rest
		r.LabelResults = append(r.LabelResults, lr)
	}
	return nil
}

// framed prepends a version byte and a message-type byte to body, the
// common envelope every message type on internal/transport shares.
func framed(t MsgType, body []byte) []byte {
	out := make([]byte, 0, len(body)+2)
	out = append(out, byte(wireVersion), byte(t))
	out = append(out, body...)
	return out
}

// unframe validates the envelope and returns the message body.
func unframe(want MsgType, data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, apsierr.Wrap(apsierr.ErrInvalidProtocol, "wire: message shorter than envelope")
	}
	if data[0] != wireVersion {
		return nil, apsierr.Wrapf(apsierr.ErrInvalidProtocol, "wire: unsupported version %d", data[0])
	}
	if MsgType(data[1]) != want {
		return nil, apsierr.Wrapf(apsierr.ErrInvalidProtocol, "wire: expected message type %d, got %d", want, data[1])
	}
	return data[2:], nil
}

func appendBlock(dst, payload []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, payload...)
}

func readBlock(data []byte) (payload []byte, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, apsierr.Wrap(apsierr.ErrInvalidProtocol, "wire: truncated length-prefixed block")
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, nil, apsierr.Wrap(apsierr.ErrInvalidProtocol, "wire: truncated length-prefixed block body")
	}
	return data[:n], data[n:], nil
}

// PeekMsgType reads the message-type byte of a framed message without
// fully decoding it, so internal/transport can dispatch by type.
func PeekMsgType(data []byte) (MsgType, error) {
	if len(data) < 2 {
		return 0, apsierr.Wrap(apsierr.ErrInvalidProtocol, "wire: message shorter than envelope")
	}
	return MsgType(data[1]), nil
}
