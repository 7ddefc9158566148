package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/luxfi/apsi/internal/apsierr"
	"github.com/luxfi/apsi/internal/params"
	"github.com/luxfi/apsi/internal/wire"
)

// rpcService adapts a Server to gorilla/rpc's calling convention: each
// exported method takes (*http.Request, *Args, *Reply) and returns error.
type rpcService struct {
	srv Server
}

type getParametersArgs struct{}

type getParametersReply struct {
	ParamsJSON []byte
}

// GetParameters is the JSON-RPC method name "RPCService.GetParameters".
func (s *rpcService) GetParameters(r *http.Request, args *getParametersArgs, reply *getParametersReply) error {
	p, err := s.srv.Parameters(r.Context())
	if err != nil {
		return err
	}
	body, err := p.MarshalJSON()
	if err != nil {
		return err
	}
	reply.ParamsJSON = body
	return nil
}

type evaluateOPRFArgs struct {
	Payload []byte
}

type evaluateOPRFReply struct {
	Payload []byte
}

func (s *rpcService) EvaluateOPRF(r *http.Request, args *evaluateOPRFArgs, reply *evaluateOPRFReply) error {
	out, err := s.srv.EvaluateOPRF(r.Context(), args.Payload)
	if err != nil {
		return err
	}
	reply.Payload = out
	return nil
}

type runQueryArgs struct {
	QueryWire []byte
}

type runQueryReply struct {
	ResultPartsWire [][]byte
}

func (s *rpcService) RunQuery(r *http.Request, args *runQueryArgs, reply *runQueryReply) error {
	var req wire.QueryRequest
	if err := req.UnmarshalBinary(args.QueryWire); err != nil {
		return err
	}
	parts, err := s.srv.RunQuery(r.Context(), req)
	if err != nil {
		return err
	}
	out := make([][]byte, len(parts))
	for i, p := range parts {
		b, err := p.MarshalBinary()
		if err != nil {
			return err
		}
		out[i] = b
	}
	reply.ResultPartsWire = out
	return nil
}

// NewHTTPHandler builds an http.Handler exposing srv as a JSON-RPC 2.0
// service, registered via gorilla/rpc with the json2 codec.
func NewHTTPHandler(srv Server) (http.Handler, error) {
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(&rpcService{srv: srv}, ""); err != nil {
		return nil, apsierr.Wrapf(apsierr.ErrIOFailure, "transport: register rpc service: %v", err)
	}
	return s, nil
}

// HTTPChannel is a Channel backed by a gorilla/rpc JSON-RPC client talking
// to a server built with NewHTTPHandler.
type HTTPChannel struct {
	endpoint string
	client   *http.Client
}

// NewHTTPChannel builds a Channel against a remote Sender's RPC endpoint.
func NewHTTPChannel(endpoint string, client *http.Client) *HTTPChannel {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPChannel{endpoint: endpoint, client: client}
}

func (c *HTTPChannel) call(ctx context.Context, method string, args, reply interface{}) error {
	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return apsierr.Wrapf(apsierr.ErrIOFailure, "transport: encode rpc request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return apsierr.Wrapf(apsierr.ErrIOFailure, "transport: build rpc request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return apsierr.Wrapf(apsierr.ErrIOFailure, "transport: rpc call %s: %v", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apsierr.Wrapf(apsierr.ErrIOFailure, "transport: rpc call %s: http %d", method, resp.StatusCode)
	}
	return json2.DecodeClientResponse(resp.Body, reply)
}

func (c *HTTPChannel) GetParameters(ctx context.Context) (*params.PSIParams, error) {
	var reply getParametersReply
	if err := c.call(ctx, "RPCService.GetParameters", &getParametersArgs{}, &reply); err != nil {
		return nil, err
	}
	var p params.PSIParams
	if err := json.Unmarshal(reply.ParamsJSON, &p); err != nil {
		return nil, apsierr.Wrapf(apsierr.ErrInvalidProtocol, "transport: decode params: %v", err)
	}
	return &p, nil
}

func (c *HTTPChannel) RequestOPRF(ctx context.Context, payload []byte) ([]byte, error) {
	var reply evaluateOPRFReply
	if err := c.call(ctx, "RPCService.EvaluateOPRF", &evaluateOPRFArgs{Payload: payload}, &reply); err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

func (c *HTTPChannel) SendQuery(ctx context.Context, req wire.QueryRequest) ([]wire.ResultPart, error) {
	qw, err := req.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var reply runQueryReply
	if err := c.call(ctx, "RPCService.RunQuery", &runQueryArgs{QueryWire: qw}, &reply); err != nil {
		return nil, err
	}
	parts := make([]wire.ResultPart, len(reply.ResultPartsWire))
	for i, b := range reply.ResultPartsWire {
		if err := parts[i].UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("transport: decode result part %d: %w", i, err)
		}
	}
	return parts, nil
}
