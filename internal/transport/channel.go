// Package transport implements the Channel contract: the Receiver-facing
// abstraction over however a Sender is actually reached, with two
// implementations — inmem for single-process use and tests, and httprpc
// for a real network deployment.
package transport

import (
	"context"

	"github.com/luxfi/apsi/internal/params"
	"github.com/luxfi/apsi/internal/wire"
)

// Channel is everything a Receiver needs from a connection to a Sender:
// fetch the active PSIParams, run an OPRF exchange, and submit a query for
// evaluation. Implementations must be safe for concurrent use.
type Channel interface {
	GetParameters(ctx context.Context) (*params.PSIParams, error)
	RequestOPRF(ctx context.Context, payload []byte) ([]byte, error)
	SendQuery(ctx context.Context, req wire.QueryRequest) ([]wire.ResultPart, error)
}

// Server is what a Sender process implements to back a Channel; inmem
// wraps one directly, httprpc exposes one over HTTP.
type Server interface {
	Parameters(ctx context.Context) (*params.PSIParams, error)
	EvaluateOPRF(ctx context.Context, payload []byte) ([]byte, error)
	RunQuery(ctx context.Context, req wire.QueryRequest) ([]wire.ResultPart, error)
}
