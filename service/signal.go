package service

import (
	"errors"
	"fmt"

	"github.com/guseggert/enginehost/rpc"
)

// ErrMalformedSignal is returned when a Query result has the right length but the wrong value types.
var ErrMalformedSignal = errors.New("malformed signal")

// SignalEvent describes a state change of an output.
// Code is zero on success, otherwise ErrorMessage may explain the failure.
type SignalEvent struct {
	OutputType   string
	Signal       string
	Code         int32
	ErrorMessage string
}

func (e SignalEvent) String() string {
	if e.Code == 0 {
		return fmt.Sprintf("%s:%s", e.OutputType, e.Signal)
	}
	return fmt.Sprintf("%s:%s code=%d %q", e.OutputType, e.Signal, e.Code, e.ErrorMessage)
}

// Values encodes the event as a Query result.
func (e SignalEvent) Values() []rpc.Value {
	return rpc.OkResult(
		rpc.String(e.OutputType),
		rpc.String(e.Signal),
		rpc.Int32(e.Code),
		rpc.String(e.ErrorMessage),
	)
}

// DecodeSignal decodes a Query result. It returns false with a nil error when nothing is pending.
// A non-Ok code is returned as a *rpc.RemoteError.
func DecodeSignal(values []rpc.Value) (SignalEvent, bool, error) {
	if len(values) < 2 {
		return SignalEvent{}, false, nil
	}
	if err := rpc.CheckResult(values, 5); err != nil {
		return SignalEvent{}, false, err
	}
	if !values[1].Is(rpc.TypeString) || !values[2].Is(rpc.TypeString) ||
		!values[3].Is(rpc.TypeInt32) || !values[4].Is(rpc.TypeString) {
		return SignalEvent{}, false, fmt.Errorf("%w: %v", ErrMalformedSignal, values)
	}
	return SignalEvent{
		OutputType:   values[1].Str,
		Signal:       values[2].Str,
		Code:         values[3].AsInt32(),
		ErrorMessage: values[4].Str,
	}, true, nil
}
