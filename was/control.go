package was

import (
	"fmt"
	"os"

	"github.com/pfirsich/cm4all-libwas/wasproto"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

// controlChannel is the buffered, non-blocking control socket
// described in spec.md §4.2: a read buffer and a write buffer over a
// single bidirectional descriptor kept permanently non-blocking.
//
// Grounded on fasthttp's bufio.Reader/bufio.Writer wrapping of
// net.Conn (server.go), adapted to raw non-blocking syscalls (rather
// than relying on the Go runtime's net poller) because the control
// descriptor here is an arbitrary preopened fd, not necessarily one
// net.Conn recognizes. Buffer storage is pooled via bytebufferpool,
// mirroring fasthttp.AcquireByteBuffer/ReleaseByteBuffer.
type controlChannel struct {
	f    *os.File
	fd   int
	cfg  Config
	read *bytebufferpool.ByteBuffer
	// readOff marks how much of read.B has already been consumed by
	// decoded packets; the buffer is compacted once readOff grows
	// large to bound memory.
	readOff int
	write   *bytebufferpool.ByteBuffer
	writeOff int
	eof     bool
}

func newControlChannel(f *os.File, cfg Config) (*controlChannel, error) {
	if err := setNonblock(f); err != nil {
		return nil, fmt.Errorf("was: control channel non-blocking setup: %w", err)
	}
	return &controlChannel{
		f:     f,
		fd:    int(f.Fd()),
		cfg:   cfg,
		read:  bytebufferpool.Get(),
		write: bytebufferpool.Get(),
	}, nil
}

func (c *controlChannel) close() error {
	bytebufferpool.Put(c.read)
	bytebufferpool.Put(c.write)
	return c.f.Close()
}

// fill reads more bytes into the read buffer. If blocking is true and
// the buffer currently holds no undecoded bytes, it polls for
// readiness first (spec §4.2: "fill(blocking?)").
func (c *controlChannel) fill(blocking bool) error {
	if blocking && c.readOff >= len(c.read.B) {
		if _, err := pollFds([]int{c.fd}, []int16{unix.POLLIN}, -1); err != nil {
			return err
		}
	}
	chunk := make([]byte, c.cfg.pollChunkSize())
	n, err := unix.Read(c.fd, chunk)
	if err != nil {
		if isAgain(err) {
			return nil
		}
		return fmt.Errorf("was: control read: %w", err)
	}
	if n == 0 {
		c.eof = true
		return nil
	}
	c.read.B = append(c.read.B, chunk[:n]...)
	return nil
}

// nextPacket decodes one whole packet from the buffer, reading more
// bytes as needed. If blocking is false and no packet is currently
// available, it returns ErrWouldBlock without touching the
// descriptor further than one non-blocking read attempt.
func (c *controlChannel) nextPacket(blocking bool) (wasproto.Packet, error) {
	attempted := false
	for {
		c.compact()
		pkt, n, err := wasproto.Decode(c.read.B[c.readOff:], c.cfg.maxPayloadSize())
		if err != nil {
			return wasproto.Packet{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if n > 0 {
			c.readOff += n
			return pkt, nil
		}
		if c.eof {
			return wasproto.Packet{}, fmt.Errorf("was control channel: %w", ErrTerminate)
		}
		if !blocking && attempted {
			return wasproto.Packet{}, ErrWouldBlock
		}
		if err := c.fill(blocking); err != nil {
			return wasproto.Packet{}, err
		}
		attempted = true
		if c.eof && c.readOff >= len(c.read.B) {
			return wasproto.Packet{}, fmt.Errorf("was control channel: %w", ErrTerminate)
		}
	}
}

func (c *controlChannel) compact() {
	if c.readOff == 0 {
		return
	}
	if c.readOff >= len(c.read.B) {
		c.read.Reset()
		c.readOff = 0
		return
	}
	// Only worth compacting once the consumed prefix is a sizeable
	// chunk, to avoid quadratic shuffling on a steady packet stream.
	if c.readOff > 4096 {
		remaining := len(c.read.B) - c.readOff
		copy(c.read.B, c.read.B[c.readOff:])
		c.read.B = c.read.B[:remaining]
		c.readOff = 0
	}
}

// send appends packet to the write queue and makes a best-effort
// flush; if the descriptor isn't writable right now the bytes stay
// queued for the next flush (spec §4.2: "send(packet)").
func (c *controlChannel) send(p wasproto.Packet) error {
	c.write.B = wasproto.Encode(c.write.B, p)
	return c.flush(false)
}

// flush drains the write queue. If blocking is true it polls for
// writability when the descriptor isn't currently accepting bytes.
func (c *controlChannel) flush(blocking bool) error {
	for c.writeOff < len(c.write.B) {
		n, err := unix.Write(c.fd, c.write.B[c.writeOff:])
		if err != nil {
			if isAgain(err) {
				if !blocking {
					return nil
				}
				if _, perr := pollFds([]int{c.fd}, []int16{unix.POLLOUT}, -1); perr != nil {
					return perr
				}
				continue
			}
			return fmt.Errorf("was: control write: %w", err)
		}
		c.writeOff += n
	}
	c.write.Reset()
	c.writeOff = 0
	return nil
}
