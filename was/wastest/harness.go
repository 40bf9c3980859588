// Package wastest provides an in-process fake WAS gateway for driving
// a was.Simple worker end to end in tests, without a real subprocess.
//
// Grounded on fasthttp's tests/ style of building a fake peer around
// net.Pipe (tests/utils_clientserver.go in the teacher pack), adapted
// to raw descriptors since the control channel here is an arbitrary
// preopened fd rather than a net.Conn.
package wastest

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/pfirsich/cm4all-libwas/wasproto"
	"golang.org/x/sys/unix"
)

// Peer is the gateway side of a fake WAS connection: it can send
// control packets and read/write the body pipes that a was.Simple
// instance on the other end was constructed with.
type Peer struct {
	ControlFD int
	InputFD   int // gateway writes request body bytes here
	OutputFD  int // gateway reads response body bytes here

	// WorkerControlFD/WorkerInputFD/WorkerOutputFD are the
	// descriptor numbers to pass to was.NewFDs for the worker side.
	WorkerControlFD int
	WorkerInputFD   int
	WorkerOutputFD  int
}

// New creates a fresh three-descriptor pair: a bidirectional
// AF_UNIX socketpair for control, and a pipe each for the request and
// response bodies.
func New() (*Peer, error) {
	ctl, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("wastest: socketpair: %w", err)
	}
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("wastest: input pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("wastest: output pipe: %w", err)
	}

	return &Peer{
		ControlFD:       ctl[1],
		InputFD:         dup(inW),
		OutputFD:        dup(outR),
		WorkerControlFD: ctl[0],
		WorkerInputFD:   dup(inR),
		WorkerOutputFD:  dup(outW),
	}, nil
}

// dup hands back an independent descriptor number so the *os.File
// finalizer for f doesn't race a later Close() on the duplicate held
// by the worker side.
func dup(f *os.File) int {
	defer f.Close()
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		panic(fmt.Sprintf("wastest: dup: %v", err))
	}
	return fd
}

// SendPacket writes one control packet to the worker.
func (p *Peer) SendPacket(pkt wasproto.Packet) error {
	buf := wasproto.Encode(nil, pkt)
	return p.writeAll(p.ControlFD, buf)
}

// SendHeader sends a HEADER packet.
func (p *Peer) SendHeader(name, value string) error {
	return p.SendPacket(wasproto.Packet{Kind: wasproto.HEADER, Payload: wasproto.EncodePair([]byte(name), []byte(value))})
}

// SendMethod sends a METHOD packet.
func (p *Peer) SendMethod(m wasproto.Method) error {
	return p.SendPacket(wasproto.Packet{Kind: wasproto.METHOD, Payload: wasproto.EncodeMethod(m)})
}

// SendURI sends a URI packet.
func (p *Peer) SendURI(uri string) error {
	return p.SendPacket(wasproto.Packet{Kind: wasproto.URI, Payload: []byte(uri)})
}

// SendLength sends a LENGTH packet.
func (p *Peer) SendLength(n uint64) error {
	return p.SendPacket(wasproto.Packet{Kind: wasproto.LENGTH, Payload: wasproto.EncodeLength(n)})
}

// SendRequest sends a REQUEST packet.
func (p *Peer) SendRequest() error {
	return p.SendPacket(wasproto.Packet{Kind: wasproto.REQUEST})
}

// SendRawHeader writes a bare 8-byte packet header declaring length
// bytes of payload, without ever writing that payload. It exists to
// drive oversized-frame rejection, which the decoder must catch from
// the header alone rather than waiting for bytes that will never
// arrive.
func (p *Peer) SendRawHeader(kind wasproto.Kind, length uint32) error {
	var hdr [wasproto.HeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(kind))
	binary.LittleEndian.PutUint32(hdr[4:8], length)
	return p.writeAll(p.ControlFD, hdr[:])
}

// RecvPacket blocks until one full control packet has arrived from
// the worker.
func (p *Peer) RecvPacket() (wasproto.Packet, error) {
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		pkt, n, err := wasproto.Decode(buf, wasproto.DefaultMaxPayloadSize)
		if err != nil {
			return wasproto.Packet{}, err
		}
		if n > 0 {
			return pkt, nil
		}
		m, err := unix.Read(p.ControlFD, chunk)
		if err != nil {
			return wasproto.Packet{}, err
		}
		if m == 0 {
			return wasproto.Packet{}, fmt.Errorf("wastest: control EOF")
		}
		buf = append(buf, chunk[:m]...)
	}
}

// WriteBody writes b to the request body pipe.
func (p *Peer) WriteBody(b []byte) error {
	return p.writeAll(p.InputFD, b)
}

// CloseBody closes the gateway's end of the request body pipe,
// signalling EOF to the worker.
func (p *Peer) CloseBody() error {
	return unix.Close(p.InputFD)
}

// ReadBody reads up to len(b) bytes from the response body pipe.
func (p *Peer) ReadBody(b []byte) (int, error) {
	return unix.Read(p.OutputFD, b)
}

// Close releases every descriptor the Peer still owns (the worker
// side is independently owned by the was.Simple under test).
func (p *Peer) Close() {
	unix.Close(p.ControlFD)
	unix.Close(p.InputFD)
	unix.Close(p.OutputFD)
}

func (p *Peer) writeAll(fd int, b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
