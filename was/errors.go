package was

import "errors"

// Sentinel errors surfaced by the protocol engine and body I/O, per
// the taxonomy in spec.md §7. Callers use errors.Is to test for them;
// wrapped instances carry additional context via fmt.Errorf("...: %w").
var (
	// ErrProtocol marks a malformed packet, an illegally ordered
	// packet, an oversized payload, or an output-length violation.
	ErrProtocol = errors.New("was: protocol error")

	// ErrClosed is returned when the peer stopped the output (STOP)
	// or aborted the request, or when polling a body pipe reported an
	// error.
	ErrClosed = errors.New("was: closed")

	// ErrUsage marks a call made in a forbidden order, e.g. SetHeader
	// after the response has been committed, or Metric before Accept
	// has returned.
	ErrUsage = errors.New("was: usage error")

	// ErrLengthMismatch marks a fatal violation of a declared
	// output length: End() was called having sent a different byte
	// count than SetLength() announced.
	ErrLengthMismatch = errors.New("was: output length mismatch")

	// ErrTerminate is returned internally by accept processing when
	// the control channel reached EOF or STOP before a REQUEST
	// packet arrived; Simple.Accept translates it to ok=false,
	// signalling the host process to exit (spec.md §6).
	ErrTerminate = errors.New("was: terminate")

	// ErrWouldBlock is returned by AcceptNonBlock when no packet is
	// currently buffered on the control channel, mirroring
	// was_simple_accept_non_block's "magic would_block pointer".
	ErrWouldBlock = errors.New("was: would block")
)
