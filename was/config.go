package was

import "github.com/pfirsich/cm4all-libwas/wasproto"

// Config tunes a Simple instance. The zero value is ready to use and
// matches the defaults documented on each field, the same
// zero-value-is-sane convention fasthttp.Server uses for its tunables.
type Config struct {
	// MaxPayloadSize bounds the payload length accepted by the
	// packet codec (spec §4.1). Zero selects
	// wasproto.DefaultMaxPayloadSize (64 KiB).
	MaxPayloadSize int

	// PollChunkSize is the buffer size used for a single non-blocking
	// read attempt on the control channel and for discarding request
	// body bytes in InputClose. Zero selects DefaultPollChunkSize.
	PollChunkSize int

	// Logger receives protocol-error diagnostics (logged when the
	// engine aborts a request) and errors finalizing a previous
	// request; poll timeouts are not logged. Nil selects a logger over
	// the standard library's log package.
	Logger Logger

	// TrustAnnouncedLength, when false (the default), still enforces
	// invariant 3 of spec.md §3 (received+in-flight never exceeds the
	// announced length) but does not treat a LENGTH packet as a
	// guarantee that exactly that many bytes will arrive: End() only
	// fails the request if fewer/more bytes were actually sent on the
	// output side, where the engine is the one making the promise.
	TrustAnnouncedLength bool
}

// DefaultPollChunkSize is the default size of the non-blocking I/O
// staging buffer.
const DefaultPollChunkSize = 32 * 1024

func (c Config) maxPayloadSize() int {
	if c.MaxPayloadSize > 0 {
		return c.MaxPayloadSize
	}
	return wasproto.DefaultMaxPayloadSize
}

func (c Config) pollChunkSize() int {
	if c.PollChunkSize > 0 {
		return c.PollChunkSize
	}
	return DefaultPollChunkSize
}

func (c Config) logger() Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return stdLogger
}
