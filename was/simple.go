// Package was implements a synchronous, server-side worker library for
// the Web Application Socket (WAS) protocol: one request at a time,
// driven over three preopened descriptors (control, input, output).
//
// Simple is the application-facing type, a close transliteration of
// the was_simple C API in original_source/include/was/simple.h: every
// was_simple_* free function there is a method here, with the
// explicit `struct was_simple *w` receiver replaced by Go's method
// receiver.
package was

import (
	"fmt"
	"os"
)

// Default descriptor numbers for a conventionally launched WAS
// worker (spec.md §6): control=3, input(stdin)=0, output(stdout)=1.
const (
	DefaultControlFD = 3
	DefaultInputFD   = 0
	DefaultOutputFD  = 1
)

// Simple is one worker's view of the WAS protocol: it owns the
// control channel and both body pipes for its entire process
// lifetime, handling one request at a time (spec.md §5).
//
// A Simple must not be used from multiple goroutines concurrently
// without external synchronization.
type Simple struct {
	cfg Config
	eng *engine
}

// New creates a Simple using the conventional descriptor numbers
// (control=3, input=0, output=1), the layout a WAS gateway sets up
// before exec'ing the worker.
func New() (*Simple, error) {
	return NewFDs(DefaultControlFD, DefaultInputFD, DefaultOutputFD)
}

// NewFDs creates a Simple from explicit descriptor numbers, for
// workers launched with a non-default descriptor layout.
func NewFDs(controlFD, inputFD, outputFD int) (*Simple, error) {
	return NewFDsConfig(controlFD, inputFD, outputFD, Config{})
}

// NewFDsConfig is NewFDs with an explicit Config.
func NewFDsConfig(controlFD, inputFD, outputFD int, cfg Config) (*Simple, error) {
	controlFile := os.NewFile(uintptr(controlFD), "was-control")
	inputFile := os.NewFile(uintptr(inputFD), "was-input")
	outputFile := os.NewFile(uintptr(outputFD), "was-output")
	if controlFile == nil || inputFile == nil || outputFile == nil {
		return nil, fmt.Errorf("was: invalid descriptor (control=%d input=%d output=%d)", controlFD, inputFD, outputFD)
	}

	cc, err := newControlChannel(controlFile, cfg)
	if err != nil {
		return nil, err
	}
	in, err := newBodyIn(inputFile, cfg)
	if err != nil {
		cc.close()
		return nil, err
	}
	out, err := newBodyOut(outputFile, cfg)
	if err != nil {
		cc.close()
		in.f.Close()
		return nil, err
	}

	return &Simple{cfg: cfg, eng: newEngine(cc, in, out, cfg)}, nil
}

// Free releases all three descriptors. The Simple must not be used
// afterwards.
func (s *Simple) Free() error {
	var firstErr error
	if err := s.eng.cc.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.eng.in.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.eng.out.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ControlFD returns the control channel's descriptor number, for
// integrating AcceptNonBlock with an external poll/event loop
// (spec.md §6).
func (s *Simple) ControlFD() int { return s.eng.cc.fd }

// InputFD returns the request-body descriptor, in non-blocking mode
// (spec.md §4.5). Call Received after reading from it directly.
func (s *Simple) InputFD() int { return s.eng.in.fd }

// OutputFD returns the response-body descriptor, in non-blocking mode
// (spec.md §4.5). Call Sent after writing to it directly.
func (s *Simple) OutputFD() int { return s.eng.out.fd }

// Accept waits for a request to arrive, cleaning up any previously
// pending request first. It returns the request URI, or ok=false if
// the control channel signalled that this process should terminate or
// a protocol error aborted the request (spec.md §4.3.1).
func (s *Simple) Accept() (uri string, ok bool) {
	u, err := s.eng.accept(true)
	if err != nil {
		return "", false
	}
	return u, true
}

// AcceptNonBlock is like Accept but returns immediately (wouldBlock
// true) if no packet is currently buffered on the control channel,
// letting the caller poll ControlFD() itself (spec.md §4.3.1).
func (s *Simple) AcceptNonBlock() (uri string, wouldBlock bool, ok bool) {
	u, err := s.eng.accept(false)
	switch {
	case err == nil:
		return u, false, true
	case err == ErrWouldBlock:
		return "", true, true
	default:
		return "", false, false
	}
}

// GetMethod returns the current request's HTTP method.
func (s *Simple) GetMethod() string { return s.eng.req.method.String() }

// GetScriptName returns the SCRIPT_NAME attribute.
func (s *Simple) GetScriptName() string { return s.eng.req.scriptName }

// GetPathInfo returns the PATH_INFO attribute.
func (s *Simple) GetPathInfo() string { return s.eng.req.pathInfo }

// GetQueryString returns the query string.
func (s *Simple) GetQueryString() string { return s.eng.req.queryString }

// GetRemoteHost returns the REMOTE_HOST attribute.
func (s *Simple) GetRemoteHost() string { return s.eng.req.remoteHost }

// GetHeader returns one value of a request header, or ok=false if
// absent. If multiple headers share the name, any one of them may be
// returned (spec.md §6); call GetMultiHeader for all of them.
func (s *Simple) GetHeader(name string) (value string, ok bool) {
	return s.eng.req.headers.Get(name)
}

// GetMultiHeader returns an iterator over every request header with
// the given name. It must be released with Close.
func (s *Simple) GetMultiHeader(name string) *Iterator {
	var items []pairKV
	s.eng.req.headers.p.visitAll(func(n, v string) {
		if s.eng.req.headers.p.nameEqual(n, name) {
			items = append(items, pairKV{key: n, value: v})
		}
	})
	return newIterator(s.eng.req, items)
}

// GetHeaderIterator returns an iterator over every request header.
// It must be released with Close.
func (s *Simple) GetHeaderIterator() *Iterator {
	return newIterator(s.eng.req, s.eng.req.headers.p.items)
}

// GetParameter returns the value of a WAS parameter, or ok=false if
// absent.
func (s *Simple) GetParameter(name string) (value string, ok bool) {
	return s.eng.req.params.Get(name)
}

// GetParameterIterator returns an iterator over every request
// parameter. It must be released with Close.
func (s *Simple) GetParameterIterator() *Iterator {
	return newIterator(s.eng.req, s.eng.req.params.p.items)
}

// HasBody reports whether a request body is present (it may still be
// empty).
func (s *Simple) HasBody() bool {
	return s.eng.in.hasBody(s.eng.req.method)
}

// InputPoll waits for request body data, servicing pending control
// channel commands before returning (spec.md §4.3.5).
func (s *Simple) InputPoll(timeoutMs int) PollResult {
	res, _ := s.eng.inputPoll(timeoutMs)
	return res
}

// Received announces that the caller read nbytes directly off
// InputFD.
func (s *Simple) Received(nbytes int) bool {
	return s.eng.received(uint64(nbytes)) == nil
}

// Read reads data from the request body, returning (0, nil) at the
// end of the body (spec.md §4.5).
func (s *Simple) Read(buf []byte) (int, error) {
	return s.eng.read(buf)
}

// InputRemaining returns how much request body data remains to be
// read, or -1 if the total size is unknown.
func (s *Simple) InputRemaining() int64 {
	return s.eng.in.remaining()
}

// InputClose tells the peer to stop sending request body data and
// discards whatever is still pending.
func (s *Simple) InputClose() bool {
	return s.eng.inputClose() == nil
}

// Status sets the response status code (spec.md §4.3.2).
func (s *Simple) Status(code int) bool {
	return s.eng.setStatus(uint16(code)) == nil
}

// SetHeader sets a response header. It must not be used for
// hop-by-hop headers or Content-Length; see SetLength for the latter.
func (s *Simple) SetHeader(name, value string) bool {
	return s.eng.setHeader(name, value) == nil
}

// SetHeaderN is SetHeader restricted to the first nameLen/valueLen
// bytes of name/value, mirroring was_simple_set_header_n's
// non-null-terminated variant.
func (s *Simple) SetHeaderN(name string, nameLen int, value string, valueLen int) bool {
	if nameLen < len(name) {
		name = name[:nameLen]
	}
	if valueLen < len(value) {
		value = value[:valueLen]
	}
	return s.SetHeader(name, value)
}

// CopyAllHeaders copies every request header to the response, except
// the hop-by-hop names and Content-Length that SetHeader rejects.
func (s *Simple) CopyAllHeaders() bool {
	return s.eng.copyAllHeaders() == nil
}

// SetLength declares the response body length.
func (s *Simple) SetLength(length uint64) bool {
	return s.eng.setLength(length) == nil
}

// OutputBegin finalizes the response headers and announces that a
// response body will be sent.
func (s *Simple) OutputBegin() bool {
	return s.eng.outputBegin() == nil
}

// OutputPoll waits for the response body pipe to become writable,
// servicing pending control channel commands before returning.
func (s *Simple) OutputPoll(timeoutMs int) PollResult {
	res, _ := s.eng.outputPoll(timeoutMs)
	return res
}

// Sent announces that the caller wrote nbytes directly to OutputFD.
func (s *Simple) Sent(nbytes int) bool {
	return s.eng.sent(uint64(nbytes)) == nil
}

// Write writes response body data, blocking until it is all written
// or an error occurs.
func (s *Simple) Write(data []byte) bool {
	return s.eng.write(data) == nil
}

// Puts writes a string verbatim to the response body.
func (s *Simple) Puts(str string) bool {
	return s.eng.puts(str) == nil
}

// Printf writes a formatted string to the response body. Formatting
// uses a pooled staging buffer (spec.md §9 "Formatted output"); large
// results grow the buffer onto the heap rather than truncating.
func (s *Simple) Printf(format string, args ...any) bool {
	return s.eng.printf(format, args...) == nil
}

// Splice copies up to maxLength bytes from the request body to the
// response body. It returns the number of bytes copied, 0 at the end
// of the request body, and a non-nil error otherwise.
func (s *Simple) Splice(maxLength int) (int, error) {
	return s.eng.splice(maxLength)
}

// SpliceAll copies all remaining request body data to the response
// body; if end is true it also declares the output length up front
// (when the request body length was announced) and ends the request
// once done.
func (s *Simple) SpliceAll(end bool) bool {
	return s.eng.spliceAll(end) == nil
}

// End marks the end of the current request.
func (s *Simple) End() bool {
	return s.eng.end() == nil
}

// Abort aborts the current request, sending an error condition to the
// gateway.
func (s *Simple) Abort() bool {
	return s.eng.abort() == nil
}

// WantMetrics reports whether the gateway asked for telemetry on the
// current request.
func (s *Simple) WantMetrics() bool {
	return s.eng.req.wantMetrics
}

// Metric sends one METRIC packet.
func (s *Simple) Metric(name string, value float32) bool {
	return s.eng.metric(name, value) == nil
}

// BodyWriter returns an io.Writer view of the response body, for
// wrapping with a CompressWriter.
func (s *Simple) BodyWriter() engineWriter {
	return engineWriter{e: s.eng}
}
