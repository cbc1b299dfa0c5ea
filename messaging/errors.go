package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRPCTimeout is wrapped by RPCTimeoutError when no correlated reply
	// arrives within the call deadline.
	ErrRPCTimeout = errors.New("messaging: rpc call timed out")

	// ErrClientClosed fails in-flight RPC waits when the client shuts down.
	ErrClientClosed = errors.New("messaging: rpc client closed")

	// ErrLoopNotIdle is returned when Start is called on a loop that already
	// ran.
	ErrLoopNotIdle = errors.New("messaging: dispatch loop already started")
)

// DecodeError reports a malformed payload. The carrying message is
// acknowledged and dropped, never retried.
type DecodeError struct {
	RoutingKey string
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("messaging: decode payload for %s: %v", e.RoutingKey, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RPCTimeoutError reports an RPC call that saw no correlated reply in time.
type RPCTimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *RPCTimeoutError) Error() string {
	return fmt.Sprintf("messaging: rpc call %q timed out after %s", e.Method, e.Timeout)
}

func (e *RPCTimeoutError) Unwrap() error { return ErrRPCTimeout }
