// Package handshake implements the exit handshake between the engine and the crash handler.
//
// When the engine shuts down because it went idle, it listens on a well-known local channel and waits for the crash
// handler to send one message, which the crash handler does after releasing its own diagnostic resources. Only then
// does the engine tear down its RPC server. The message content is ignored, it is purely a synchronization token.
//
// The channel is a SOCK_SEQPACKET unix socket, so the message boundary is kept and the sender may leave its end open.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	enet "github.com/guseggert/enginehost/internal/net"
)

// network keeps message boundaries, a single Read returns exactly one message.
const network = "unixpacket"

const (
	// DefaultName is the fixed name of the handshake channel.
	DefaultName = "exit-engine-crash-handler"

	// MaxMessageSize is the largest message read from the channel, the rest of a longer message is discarded.
	MaxMessageSize = 512
)

var (
	// ErrOpen is returned by Wait when the channel cannot be opened. Callers proceed with shutdown.
	ErrOpen = errors.New("opening handshake channel")
	// ErrTimeout is returned by Wait when no message arrived in time.
	ErrTimeout = errors.New("timed out waiting for handshake")
	// ErrTooLarge is returned by Send for payloads over MaxMessageSize.
	ErrTooLarge = fmt.Errorf("handshake payload exceeds %d bytes", MaxMessageSize)
)

// DefaultChannel returns the path of the handshake channel used when none is configured.
func DefaultChannel() string {
	return filepath.Join(os.TempDir(), DefaultName+".sock")
}

// Wait opens the channel, accepts a single connection and reads a single message from it.
// It returns as soon as that message arrives, whether or not the sender closes its end. A sender that closes without
// writing completes the handshake with an empty message. A timeout of zero waits until ctx is done.
func Wait(ctx context.Context, channel string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if _, err := enet.RemoveStale(network, channel); err != nil {
		return nil, fmt.Errorf("%w %s: %s", ErrOpen, channel, err)
	}
	listener, err := net.Listen(network, channel)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %s", ErrOpen, channel, err)
	}
	defer listener.Close()

	type result struct {
		msg []byte
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			resultCh <- result{err: err}
			return
		}
		defer conn.Close()
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()
		buf := make([]byte, MaxMessageSize)
		n, err := conn.Read(buf)
		if errors.Is(err, io.EOF) {
			err = nil
		}
		resultCh <- result{msg: buf[:n], err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("reading handshake: %w", res.err)
		}
		return res.msg, nil
	case <-ctx.Done():
		// unblocks Accept, an accepted conn is closed by AfterFunc
		listener.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// Send delivers payload as one message to an engine waiting on channel.
// It retries until the engine is listening or ctx is done.
func Send(ctx context.Context, channel string, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return ErrTooLarge
	}

	dialer := &net.Dialer{}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		conn, err := dialer.DialContext(ctx, network, channel)
		if err == nil {
			defer conn.Close()
			// closing without a write is read as an empty message
			if len(payload) == 0 {
				return nil
			}
			if deadline, ok := ctx.Deadline(); ok {
				conn.SetWriteDeadline(deadline)
			}
			if _, err := conn.Write(payload); err != nil {
				return fmt.Errorf("writing handshake: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("dialing %s: %w", channel, ctx.Err())
		case <-ticker.C:
		}
	}
}
