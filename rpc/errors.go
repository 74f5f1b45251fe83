package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrNoConnection is returned when a call is attempted without a live connection to the engine.
	ErrNoConnection = errors.New("no connection to engine")
	// ErrAlreadyConnected is returned by Connect on a client that is connected, connecting or closed.
	ErrAlreadyConnected = errors.New("client already connected or closed")
	// ErrClosed is returned for calls that were pending when the connection closed.
	ErrClosed = errors.New("connection closed")
	// ErrShortResponse is returned when a result carries fewer values than the caller requires.
	ErrShortResponse = errors.New("short response")
	// ErrDuplicateHandler is returned when a (collection, function) pair is registered twice.
	ErrDuplicateHandler = errors.New("duplicate handler")
	// ErrServerInitialized is returned when registering after Initialize.
	ErrServerInitialized = errors.New("server already initialized")
)

// TransportInitError means the server channel could not be bound. It is fatal for the engine process.
type TransportInitError struct {
	Path string
	// AlreadyBound is true when another live process holds the channel.
	AlreadyBound bool
	Err          error
}

func (e *TransportInitError) Error() string {
	if e.AlreadyBound {
		return fmt.Sprintf("channel %q already bound: %s", e.Path, e.Err)
	}
	return fmt.Sprintf("binding channel %q: %s", e.Path, e.Err)
}

func (e *TransportInitError) Unwrap() error { return e.Err }

// RemoteError is a non-Ok error code returned by the server.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote error %s", e.Code)
	}
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// CheckResult inspects the error code of result values.
// It returns ErrShortResponse if there are fewer than min values, and a *RemoteError if the code is not Ok.
func CheckResult(values []Value, min int) error {
	if len(values) == 0 {
		return ErrShortResponse
	}
	if code := values[0].AsCode(); code != Ok {
		re := &RemoteError{Code: code}
		if len(values) > 1 && values[1].Is(TypeString) {
			re.Message = values[1].Str
		}
		return re
	}
	if len(values) < min {
		return fmt.Errorf("%w: got %d values, want %d", ErrShortResponse, len(values), min)
	}
	return nil
}
