// Package frontend is the front-end side of the engine host: it starts or attaches to an engine,
// calls its functions and delivers engine signals to a callback.
package frontend

import (
	"context"

	"github.com/guseggert/enginehost/rpc"
)

// Caller makes remote calls. *rpc.Client implements it.
type Caller interface {
	Call(ctx context.Context, collection, function string, args ...rpc.Value) ([]rpc.Value, error)
	Notify(ctx context.Context, collection, function string, args ...rpc.Value) error
}

// ConnFunc returns the current connection, or nil when there is none.
type ConnFunc func() Caller
