package was

import (
	"fmt"
	"io"
	"os"

	"github.com/pfirsich/cm4all-libwas/wasproto"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

// bodyIn tracks the non-blocking request-body pipe and its flow
// accounting (spec.md §3 "Body Accounting").
type bodyIn struct {
	f   *os.File
	fd  int
	cfg Config

	received  uint64
	announced uint64
	announcedSet bool
	eof       bool
	ignore    bool
	premature bool
	closing   bool
}

func newBodyIn(f *os.File, cfg Config) (*bodyIn, error) {
	if err := setNonblock(f); err != nil {
		return nil, fmt.Errorf("was: input pipe non-blocking setup: %w", err)
	}
	return &bodyIn{f: f, fd: int(f.Fd()), cfg: cfg}, nil
}

func (b *bodyIn) reset() {
	b.received = 0
	b.announced = 0
	b.announcedSet = false
	b.eof = false
	b.ignore = false
	b.premature = false
	b.closing = false
}

func (b *bodyIn) remaining() int64 {
	if !b.announcedSet {
		return -1
	}
	if b.received >= b.announced {
		return 0
	}
	return int64(b.announced - b.received)
}

// hasBody implements spec.md §4.5's has_body(): an announced non-zero
// length, or an undetermined body the method permits that hasn't
// already been closed off.
func (b *bodyIn) hasBody(m wasproto.Method) bool {
	if b.announcedSet {
		return b.announced > 0
	}
	if b.premature || b.eof {
		return false
	}
	return methodAllowsBody(m)
}

func methodAllowsBody(m wasproto.Method) bool {
	switch m {
	case wasproto.MethodPOST, wasproto.MethodPUT, wasproto.MethodPATCH, wasproto.MethodPROPPATCH:
		return true
	default:
		return false
	}
}

// bodyOut tracks the non-blocking response-body pipe and its flow
// accounting (spec.md §3 "Body Accounting").
type bodyOut struct {
	f   *os.File
	fd  int
	cfg Config

	sent         uint64
	announced    uint64
	announcedSet bool
	begun        bool
	noBody       bool
	stopped      bool
}

func newBodyOut(f *os.File, cfg Config) (*bodyOut, error) {
	if err := setNonblock(f); err != nil {
		return nil, fmt.Errorf("was: output pipe non-blocking setup: %w", err)
	}
	return &bodyOut{f: f, fd: int(f.Fd()), cfg: cfg}, nil
}

func (b *bodyOut) reset() {
	b.sent = 0
	b.announced = 0
	b.announcedSet = false
	b.begun = false
	b.noBody = false
	b.stopped = false
}

// inputPoll implements was_simple_input_poll (spec.md §4.3.5).
func (e *engine) inputPoll(timeoutMs int) (PollResult, error) {
	return e.pollBody(e.in.fd, unix.POLLIN, timeoutMs, func() (PollResult, bool) {
		if e.state == phaseAborted {
			return PollError, true
		}
		if e.in.eof {
			return PollEnd, true
		}
		return 0, false
	})
}

// outputPoll implements was_simple_output_poll (spec.md §4.3.5).
func (e *engine) outputPoll(timeoutMs int) (PollResult, error) {
	return e.pollBody(e.out.fd, unix.POLLOUT, timeoutMs, func() (PollResult, bool) {
		if e.state == phaseAborted {
			return PollError, true
		}
		if e.out.stopped {
			return PollClosed, true
		}
		return 0, false
	})
}

// received records bytes the caller read directly off InputFD (spec.md
// §4.5 "received(n)"). Invariant 3 of spec.md §3 (received+in-flight
// never exceeds the announced length) is enforced regardless of
// Config.TrustAnnouncedLength; only the stronger behavior of treating
// the announced count as a guarantee of exactly that many bytes (and
// so synthesising eof once it's reached, without waiting for the pipe
// to actually close) is gated on the flag.
func (e *engine) received(n uint64) error {
	e.in.received += n
	if !e.in.announcedSet {
		return nil
	}
	if e.in.received > e.in.announced {
		return fmt.Errorf("%w: received bytes exceed announced input length", ErrProtocol)
	}
	if e.cfg.TrustAnnouncedLength && e.in.received == e.in.announced {
		e.in.eof = true
	}
	return nil
}

// sent records bytes the caller wrote directly to OutputFD (spec.md
// §4.5 "sent(n)").
func (e *engine) sent(n uint64) error {
	if e.out.announcedSet && e.out.sent+n > e.out.announced {
		return fmt.Errorf("%w: sent bytes exceed announced length", ErrProtocol)
	}
	e.out.sent += n
	return nil
}

// read implements was_simple_read (spec.md §4.5): a non-blocking read
// loop that waits on InputPoll across EAGAIN.
func (e *engine) read(buf []byte) (int, error) {
	if e.in.eof {
		return 0, nil
	}
	for {
		n, err := unix.Read(e.in.fd, buf)
		if err != nil {
			if isAgain(err) {
				res, perr := e.inputPoll(-1)
				if perr != nil {
					return 0, perr
				}
				if res == PollEnd {
					return 0, nil
				}
				if res == PollError {
					return 0, fmt.Errorf("%w: input poll error", ErrClosed)
				}
				continue
			}
			return 0, fmt.Errorf("was: input read: %w", err)
		}
		if n == 0 {
			e.in.eof = true
			return 0, nil
		}
		if err := e.received(uint64(n)); err != nil {
			return n, err
		}
		return n, nil
	}
}

// inputClose implements was_simple_input_close (spec.md §4.5): tells
// the peer to stop sending body data, then drains and discards
// whatever is already in flight until PREMATURE or pipe EOF confirms
// the peer stopped.
func (e *engine) inputClose() error {
	if e.in.eof {
		return nil
	}
	e.in.ignore = true
	e.in.closing = true
	if err := e.cc.send(wasproto.Packet{Kind: wasproto.STOP}); err != nil {
		return err
	}
	discard := make([]byte, e.cfgPollChunk())
	for !e.in.eof {
		n, err := unix.Read(e.in.fd, discard)
		if err != nil {
			if isAgain(err) {
				res, perr := e.inputPoll(-1)
				if perr != nil {
					return perr
				}
				if res == PollEnd {
					break
				}
				continue
			}
			return fmt.Errorf("was: input close drain: %w", err)
		}
		if n == 0 {
			break
		}
	}
	e.in.eof = true
	return nil
}

func (e *engine) cfgPollChunk() int { return e.cfg.pollChunkSize() }

// write implements was_simple_write (spec.md §4.5): blocks until all
// bytes are written or an error occurs, committing the response on
// first call if it hasn't been already.
func (e *engine) write(buf []byte) error {
	if err := e.ensureWritable(); err != nil {
		return err
	}
	if e.out.announcedSet && e.out.sent+uint64(len(buf)) > e.out.announced {
		return fmt.Errorf("%w: write would exceed announced output length", ErrProtocol)
	}
	for len(buf) > 0 {
		n, err := unix.Write(e.out.fd, buf)
		if err != nil {
			if isAgain(err) {
				res, perr := e.outputPoll(-1)
				if perr != nil {
					return perr
				}
				if res == PollClosed {
					return fmt.Errorf("%w: output closed by peer", ErrClosed)
				}
				if res == PollError {
					return fmt.Errorf("%w: output poll error", ErrClosed)
				}
				continue
			}
			return fmt.Errorf("was: output write: %w", err)
		}
		buf = buf[n:]
		e.out.sent += uint64(n)
	}
	return nil
}

// ensureWritable performs the lazy commit described by spec.md §4.3.2
// ("sent lazily at the first of ... first body write ...").
func (e *engine) ensureWritable() error {
	if e.out.stopped {
		return fmt.Errorf("%w: output closed by peer", ErrClosed)
	}
	return e.commit()
}

// puts implements was_simple_puts: write a string verbatim.
func (e *engine) puts(s string) error {
	return e.write([]byte(s))
}

// printf implements was_simple_printf: format into a pooled staging
// buffer (growing onto the heap past its pooled capacity rather than
// truncating, same as the splice staging buffer) and write the result.
func (e *engine) printf(format string, args ...any) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	fmt.Fprintf(buf, format, args...)
	return e.write(buf.B)
}

const spliceChunk = 64 * 1024

// splice implements was_simple_splice (spec.md §4.5): copies up to
// maxLength bytes from the request body to the response body,
// preferring a kernel zero-copy transfer and falling back to a
// bounded staging buffer.
//
// Grounded on fasthttp's pooled-buffer body-streaming idiom
// (zstd.go/fs.go): the staging buffer is acquired from
// bytebufferpool rather than allocated per call.
func (e *engine) splice(maxLength int) (int, error) {
	if err := e.ensureWritable(); err != nil {
		return 0, err
	}
	if maxLength > spliceChunk {
		maxLength = spliceChunk
	}
	if n, err, ok := e.spliceKernel(maxLength); ok {
		return n, err
	}
	return e.spliceBuffered(maxLength)
}

// spliceKernel attempts a zero-copy splice(2) transfer between the
// two pipe descriptors. ok is false when the kernel primitive isn't
// usable here (e.g. not both ends are pipes), signalling the caller
// to fall back to spliceBuffered.
func (e *engine) spliceKernel(maxLength int) (n int, err error, ok bool) {
	nn, serr := unix.Splice(e.in.fd, nil, e.out.fd, nil, maxLength, 0)
	if serr != nil {
		if isAgain(serr) {
			res, perr := e.inputPoll(-1)
			if perr != nil {
				return 0, perr, true
			}
			if res == PollEnd {
				return 0, nil, true
			}
			return 0, nil, false // retry via the buffered path this round
		}
		if serr == unix.EINVAL || serr == unix.ENOSYS {
			return 0, nil, false
		}
		return 0, fmt.Errorf("was: splice: %w", serr), true
	}
	if nn == 0 {
		e.in.eof = true
		return 0, nil, true
	}
	e.in.received += uint64(nn)
	e.out.sent += uint64(nn)
	return int(nn), nil, true
}

func (e *engine) spliceBuffered(maxLength int) (int, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if cap(buf.B) < maxLength {
		buf.B = make([]byte, maxLength)
	}
	n, err := e.read(buf.B[:maxLength])
	if err != nil || n == 0 {
		return 0, err
	}
	if err := e.write(buf.B[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// spliceAll implements was_simple_splice_all (spec.md §4.5): splices
// the whole request body to the response, optionally declaring the
// output length up front and ending the request once done.
func (e *engine) spliceAll(end bool) error {
	if end && e.in.announcedSet {
		remaining := e.in.announced - e.in.received
		if err := e.setLength(remaining); err != nil {
			return err
		}
	}
	for {
		n, err := e.splice(spliceChunk)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	if end {
		return e.end()
	}
	return nil
}

var _ io.Writer = (*engineWriter)(nil)

// engineWriter adapts engine.write to io.Writer; Simple.BodyWriter
// returns it for wrapping with a CompressWriter.
type engineWriter struct{ e *engine }

func (w engineWriter) Write(p []byte) (int, error) {
	if err := w.e.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
