// Package errs collects the sentinel error kinds shared across the stack.
//
// Transport-level errors (Corrupt, TTLExpired, Unroutable, BufferTimeout) are
// recovered locally by the layer that sees them: the packet is dropped and
// the error is logged, never propagated to the application. Connection-level
// errors HandshakeExhausted and ConnectionBroken are returned from the
// connection's cleanup tick to the owning ServicePoint, which removes the
// connection. ConnectionBusy is returned to the caller of the connection's
// Send. FileNotFound is logged and recorded on the connection (its Broken
// accessor); it does not end the connection. CLI errors (InvalidArgument)
// are printed to the console and the loop continues.
package errs

import "errors"

var (
	// ErrCorrupt means a LINK or DNP header could not be parsed.
	ErrCorrupt = errors.New("corrupt packet")

	// ErrTTLExpired means a packet's TTL reached zero before delivery.
	ErrTTLExpired = errors.New("ttl expired")

	// ErrUnreachable means ROUTE has no table entry for a target.
	ErrUnreachable = errors.New("destination unreachable")

	// ErrUnroutable means a link is administratively down or the frame
	// exceeds the neighbor's MTU.
	ErrUnroutable = errors.New("link unroutable")

	// ErrBufferTimeout means a fragment reassembly buffer was reaped before
	// completion.
	ErrBufferTimeout = errors.New("fragment buffer timed out")

	// ErrHandshakeExhausted means a handshake counter exceeded its max
	// before completing.
	ErrHandshakeExhausted = errors.New("handshake exhausted")

	// ErrConnectionBusy means send() was called while the queue was
	// non-empty.
	ErrConnectionBusy = errors.New("connection busy")

	// ErrConnectionBroken means an active connection exceeded its
	// inactivity bound.
	ErrConnectionBroken = errors.New("connection broken")

	// ErrFileNotFound is the application-level file-transfer failure.
	ErrFileNotFound = errors.New("file not found")

	// ErrInvalidArgument marks a malformed topology line or CLI command.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMaxConnections means a ServicePoint already holds max_connections.
	ErrMaxConnections = errors.New("maximum connections reached")
)
