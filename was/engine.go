package was

import (
	"errors"
	"fmt"

	"github.com/pfirsich/cm4all-libwas/wasproto"
	"golang.org/x/sys/unix"
)

// phase is the protocol engine's state, per the diagram in spec.md
// §4.3.
//
// Grounded on kr-spdy/spdyframing/session.go's handleRead/writeFrame
// dispatch-by-kind switch for the packet-dispatch idiom, and on
// fasthttp's Server.serveConn loop (server.go) for the overall
// accept -> handle -> respond -> loop shape.
type phase int

const (
	phaseIdle phase = iota
	phaseHeaders
	phaseBodyIn
	phaseResponse
	phaseBodyOut
	phaseEndSent
	phaseAborted
)

// engine drives one requestState through the lifecycle of spec.md
// §4.3. It owns the control channel and both body pipes for the
// lifetime of the Simple instance; a new Accept resets the
// per-request pieces in place.
type engine struct {
	cfg Config
	cc  *controlChannel
	req *requestState
	in  *bodyIn
	out *bodyOut

	state phase

	statusCode    uint16
	statusSet     bool
	committed     bool
	lengthPending bool // SetLength was called; LENGTH not yet flushed to the wire
	hadRequest    bool // has Accept ever returned a live request
}

func newEngine(cc *controlChannel, in *bodyIn, out *bodyOut, cfg Config) *engine {
	return &engine{
		cfg:   cfg,
		cc:    cc,
		req:   newRequestState(),
		in:    in,
		out:   out,
		state: phaseIdle,
	}
}

// accept implements spec.md §4.3.1. blocking selects between Accept
// and AcceptNonBlock.
//
// A would-block return from a prior AcceptNonBlock call leaves
// e.state at phaseHeaders with a partially decoded request already
// applied to e.req; such a call is resumed in place below rather than
// being treated as a new accept finalizing some previous request, or
// every idle poll tick would re-finalize (and emit a bogus
// STATUS/NO_DATA/END) and silently drop already-decoded header
// packets.
func (e *engine) accept(blocking bool) (string, error) {
	if e.state != phaseHeaders {
		if err := e.finalizePrevious(); err != nil {
			e.cfg.logger().Printf("was: error finalizing previous request: %v", err)
		}

		e.req.reset()
		e.in.reset()
		e.out.reset()
		e.statusCode = 0
		e.statusSet = false
		e.committed = false
		e.lengthPending = false
		e.state = phaseHeaders
	}

	for {
		pkt, err := e.cc.nextPacket(blocking)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return "", ErrWouldBlock
			}
			if errors.Is(err, ErrTerminate) {
				return "", ErrTerminate
			}
			e.abortOnError(err)
			return "", err
		}

		switch pkt.Kind {
		case wasproto.REQUEST:
			e.state = phaseBodyIn
			e.hadRequest = true
			e.in.announced = e.req.bodyLength
			e.in.announcedSet = e.req.bodyLengthSet
			return e.req.uri, nil
		case wasproto.STOP:
			return "", ErrTerminate
		case wasproto.NOP, wasproto.ABORT, wasproto.PREMATURE, wasproto.NO_DATA:
			// Stray lifecycle packets referring to a request that
			// never started; spec.md §4.3.1 lists them as legal
			// but they carry no header-phase state to apply.
		case wasproto.METHOD:
			m, err := pkt.Method()
			if err != nil {
				e.abortOnError(err)
				return "", err
			}
			e.req.method = m
		case wasproto.URI:
			e.req.uri = pkt.String()
		case wasproto.SCRIPT_NAME:
			e.req.scriptName = pkt.String()
		case wasproto.PATH_INFO:
			e.req.pathInfo = pkt.String()
		case wasproto.QUERY_STRING:
			e.req.queryString = pkt.String()
		case wasproto.REMOTE_HOST:
			e.req.remoteHost = pkt.String()
		case wasproto.HEADER:
			name, value, err := pkt.Pair()
			if err != nil {
				e.abortOnError(err)
				return "", err
			}
			e.req.headers.add(string(name), string(value))
		case wasproto.PARAMETER:
			name, value, err := pkt.Pair()
			if err != nil {
				e.abortOnError(err)
				return "", err
			}
			e.req.params.add(string(name), string(value))
		case wasproto.LENGTH:
			n, err := pkt.Length()
			if err != nil {
				e.abortOnError(err)
				return "", err
			}
			e.req.bodyLength = n
			e.req.bodyLengthSet = true
		case wasproto.DATA:
			if len(pkt.Payload) != 0 {
				// Open question (b), spec.md §9: a conservative
				// implementation treats non-empty DATA as a
				// protocol error.
				err := fmt.Errorf("%w: non-empty DATA payload", ErrProtocol)
				e.abortOnError(err)
				return "", err
			}
		case wasproto.METRIC:
			e.req.wantMetrics = true
		default:
			err := fmt.Errorf("%w: unexpected packet %v during header phase", ErrProtocol, pkt.Kind)
			e.abortOnError(err)
			return "", err
		}
	}
}

// finalizePrevious implicitly ends/aborts whatever request was live
// before a new Accept, discarding any undrained input, per spec.md
// §4.3.1 ("Drains/terminates any prior request").
func (e *engine) finalizePrevious() error {
	switch e.state {
	case phaseIdle, phaseAborted, phaseEndSent:
		return nil
	default:
		e.in.ignore = true
		e.in.eof = true
		return e.end()
	}
}

func (e *engine) abortOnError(cause error) {
	if e.state == phaseAborted {
		return
	}
	e.cfg.logger().Printf("was: aborting request: %v", cause)
	if err := e.cc.send(wasproto.Packet{Kind: wasproto.ABORT}); err != nil {
		e.cfg.logger().Printf("was: failed to send ABORT after %v: %v", cause, err)
	}
	e.state = phaseAborted
	e.in.eof = true
	e.out.stopped = true
}

// setStatus records the response status code. Legal only before the
// response is committed (spec.md §4.3.2).
func (e *engine) setStatus(code uint16) error {
	if e.committed {
		return fmt.Errorf("%w: status already committed", ErrUsage)
	}
	e.statusCode = code
	e.statusSet = true
	return nil
}

// setHeader sends a HEADER packet immediately. Forbidden hop-by-hop
// names and Content-Length are rejected (spec.md §4.3.2).
func (e *engine) setHeader(name, value string) error {
	if e.committed {
		return fmt.Errorf("%w: header set after commit", ErrUsage)
	}
	if isForbiddenResponseHeader(name) {
		return fmt.Errorf("%w: forbidden response header %q", ErrUsage, name)
	}
	return e.cc.send(wasproto.Packet{Kind: wasproto.HEADER, Payload: wasproto.EncodePair([]byte(name), []byte(value))})
}

// copyAllHeaders forwards every request header that isn't forbidden
// on the response side (spec.md §4.3.2).
func (e *engine) copyAllHeaders() error {
	if e.committed {
		return fmt.Errorf("%w: headers copied after commit", ErrUsage)
	}
	var firstErr error
	e.req.headers.VisitAll(func(name, value string) {
		if firstErr != nil || isForbiddenResponseHeader(name) {
			return
		}
		if err := e.cc.send(wasproto.Packet{Kind: wasproto.HEADER, Payload: wasproto.EncodePair([]byte(name), []byte(value))}); err != nil {
			firstErr = err
		}
	})
	return firstErr
}

// setLength declares the response body length (spec.md §4.3.2).
//
// The LENGTH packet itself is queued rather than sent immediately:
// spec.md §8's scenario 2 lists the wire order as STATUS, LENGTH,
// DATA, END even though the application calls set_length() before its
// first body write, so — like STATUS — the announcement is only
// flushed at commit time, right after STATUS and before DATA.
func (e *engine) setLength(n uint64) error {
	if e.committed {
		return fmt.Errorf("%w: length set after commit", ErrUsage)
	}
	e.out.announced = n
	e.out.announcedSet = true
	e.lengthPending = true
	return nil
}

// commit sends STATUS (defaulting to 200), the queued LENGTH
// announcement if any, and then DATA, transitioning to BODY_OUT.
// Idempotent: a second call is a no-op. Shared by OutputBegin
// (explicit, early) and the first body write (implicit, lazy), per
// spec.md §4.3.2's "sent lazily at the first of: output_begin, first
// body write, or end".
func (e *engine) commit() error {
	if e.committed {
		return nil
	}
	code := e.statusCode
	if !e.statusSet {
		code = 200
	}
	if err := e.cc.send(wasproto.Packet{Kind: wasproto.STATUS, Payload: wasproto.EncodeStatus(code)}); err != nil {
		return err
	}
	if e.lengthPending {
		if err := e.cc.send(wasproto.Packet{Kind: wasproto.LENGTH, Payload: wasproto.EncodeLength(e.out.announced)}); err != nil {
			return err
		}
		e.lengthPending = false
	}
	if err := e.cc.send(wasproto.Packet{Kind: wasproto.DATA}); err != nil {
		return err
	}
	e.committed = true
	e.out.begun = true
	e.state = phaseBodyOut
	return nil
}

// outputBegin is the explicit, early form of commit (spec.md §4.3.3).
func (e *engine) outputBegin() error {
	if e.committed {
		return fmt.Errorf("%w: output already begun", ErrUsage)
	}
	return e.commit()
}

// end finalises the request (spec.md §4.3.4). If the response was
// never committed, it synthesises STATUS (204 No Content unless a
// status was set) + NO_DATA. If an announced output length doesn't
// match what was actually sent, ABORT is sent instead of END and
// ErrLengthMismatch is returned.
func (e *engine) end() error {
	if e.state == phaseAborted {
		return nil
	}
	if e.state == phaseEndSent {
		return nil
	}
	if e.out.announcedSet && e.out.sent != e.out.announced {
		_ = e.cc.send(wasproto.Packet{Kind: wasproto.ABORT})
		e.state = phaseAborted
		return ErrLengthMismatch
	}
	if !e.committed {
		code := e.statusCode
		if !e.statusSet {
			code = 204
		}
		if err := e.cc.send(wasproto.Packet{Kind: wasproto.STATUS, Payload: wasproto.EncodeStatus(code)}); err != nil {
			return err
		}
		if e.lengthPending {
			if err := e.cc.send(wasproto.Packet{Kind: wasproto.LENGTH, Payload: wasproto.EncodeLength(e.out.announced)}); err != nil {
				return err
			}
			e.lengthPending = false
		}
		if err := e.cc.send(wasproto.Packet{Kind: wasproto.NO_DATA}); err != nil {
			return err
		}
		e.committed = true
		e.out.noBody = true
	}
	if err := e.cc.send(wasproto.Packet{Kind: wasproto.END}); err != nil {
		return err
	}
	if err := e.cc.flush(true); err != nil {
		return err
	}
	e.state = phaseEndSent
	return nil
}

// abort sends ABORT and drops both body pipes (spec.md §4.3.4).
func (e *engine) abort() error {
	if e.state == phaseAborted {
		return nil
	}
	err := e.cc.send(wasproto.Packet{Kind: wasproto.ABORT})
	e.state = phaseAborted
	e.in.eof = true
	e.out.stopped = true
	return err
}

// metric sends one METRIC packet (spec.md §4.6). Legal at any phase
// prior to End/Abort, and only once a request is live (Open Question
// (c), spec.md §9).
func (e *engine) metric(name string, value float32) error {
	if !e.hadRequest || e.state == phaseIdle {
		return fmt.Errorf("%w: metric before a request is live", ErrUsage)
	}
	if e.state == phaseAborted || e.state == phaseEndSent {
		return fmt.Errorf("%w: metric after end/abort", ErrUsage)
	}
	payload := wasproto.EncodePair([]byte(name), wasproto.EncodeFloat32(value))
	return e.cc.send(wasproto.Packet{Kind: wasproto.METRIC, Payload: payload})
}

// serviceControlNonBlocking drains every currently-buffered control
// packet, applying the asynchronous commands legal during body
// phases (spec.md §4.3.5): STOP, PREMATURE, METRIC, NOP, ABORT.
func (e *engine) serviceControlNonBlocking() error {
	for {
		pkt, err := e.cc.nextPacket(false)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return nil
			}
			if errors.Is(err, ErrTerminate) {
				e.in.eof = true
				e.out.stopped = true
				return err
			}
			e.abortOnError(err)
			return err
		}
		switch pkt.Kind {
		case wasproto.NOP:
		case wasproto.STOP:
			e.out.stopped = true
		case wasproto.PREMATURE:
			e.in.eof = true
			e.in.premature = true
		case wasproto.METRIC:
			e.req.wantMetrics = true
		case wasproto.ABORT:
			e.state = phaseAborted
			e.in.eof = true
			e.out.stopped = true
			return fmt.Errorf("%w: peer aborted request", ErrClosed)
		default:
			err := fmt.Errorf("%w: unexpected packet %v during body phase", ErrProtocol, pkt.Kind)
			e.abortOnError(err)
			return err
		}
	}
}

// pollBody implements input_poll/output_poll's shared shape (spec.md
// §4.3.5/§5): service the control channel, then wait for the body fd
// or the control fd to become ready, then service the control channel
// again before returning.
func (e *engine) pollBody(bodyFd int, bodyEvent int16, timeoutMs int, alreadyDone func() (PollResult, bool)) (PollResult, error) {
	if err := e.serviceControlNonBlocking(); err != nil && !errors.Is(err, ErrTerminate) {
		return PollError, err
	}
	if res, done := alreadyDone(); done {
		return res, nil
	}

	res, err := pollFds([]int{bodyFd, e.cc.fd}, []int16{bodyEvent, unix.POLLIN}, timeoutMs)
	if err != nil {
		return PollError, err
	}
	if res.err[bodyFd] {
		return PollError, fmt.Errorf("%w: body descriptor error", ErrClosed)
	}
	if res.readable[e.cc.fd] || res.writable[e.cc.fd] {
		if err := e.serviceControlNonBlocking(); err != nil && !errors.Is(err, ErrTerminate) {
			return PollError, err
		}
	}
	if res, done := alreadyDone(); done {
		return res, nil
	}
	ready := res.readable[bodyFd] || res.writable[bodyFd]
	if !ready {
		return PollTimeout, nil
	}
	return PollSuccess, nil
}
