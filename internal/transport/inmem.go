package transport

import (
	"context"

	"github.com/luxfi/apsi/internal/params"
	"github.com/luxfi/apsi/internal/wire"
)

// InMem is a Channel that calls a Server directly, with no serialization:
// used in tests and single-process deployments where Sender and Receiver
// share an address space.
type InMem struct {
	srv Server
}

// NewInMem wraps srv as a Channel.
func NewInMem(srv Server) *InMem {
	return &InMem{srv: srv}
}

func (c *InMem) GetParameters(ctx context.Context) (*params.PSIParams, error) {
	return c.srv.Parameters(ctx)
}

func (c *InMem) RequestOPRF(ctx context.Context, payload []byte) ([]byte, error) {
	return c.srv.EvaluateOPRF(ctx, payload)
}

func (c *InMem) SendQuery(ctx context.Context, req wire.QueryRequest) ([]wire.ResultPart, error) {
	return c.srv.RunQuery(ctx, req)
}
