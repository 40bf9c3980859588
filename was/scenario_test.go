package was_test

import (
	"testing"

	"github.com/pfirsich/cm4all-libwas/was"
	"github.com/pfirsich/cm4all-libwas/was/wastest"
	"github.com/pfirsich/cm4all-libwas/wasproto"
)

func newSimple(t *testing.T) (*was.Simple, *wastest.Peer) {
	t.Helper()
	peer, err := wastest.New()
	if err != nil {
		t.Fatalf("wastest.New: %v", err)
	}
	s, err := was.NewFDs(peer.WorkerControlFD, peer.WorkerInputFD, peer.WorkerOutputFD)
	if err != nil {
		t.Fatalf("was.NewFDs: %v", err)
	}
	t.Cleanup(func() {
		s.Free()
		peer.Close()
	})
	return s, peer
}

// Scenario 1: minimal GET -> 204.
func TestScenarioMinimalGet204(t *testing.T) {
	s, peer := newSimple(t)

	if err := peer.SendMethod(wasproto.MethodGET); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendURI("/x"); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendRequest(); err != nil {
		t.Fatal(err)
	}

	uri, ok := s.Accept()
	if !ok || uri != "/x" {
		t.Fatalf("Accept: uri=%q ok=%v", uri, ok)
	}
	if s.GetMethod() != "GET" {
		t.Fatalf("method = %q", s.GetMethod())
	}
	if !s.End() {
		t.Fatal("End failed")
	}

	expectStatus(t, peer, 204)
	expectKind(t, peer, wasproto.NO_DATA)
	expectKind(t, peer, wasproto.END)
}

// Scenario 2: POST with known body length.
func TestScenarioPostKnownLength(t *testing.T) {
	s, peer := newSimple(t)

	if err := peer.SendMethod(wasproto.MethodPOST); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendURI("/u"); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendHeader("Content-Type", "text/plain"); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendLength(11); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendRequest(); err != nil {
		t.Fatal(err)
	}
	if err := peer.WriteBody([]byte("hello world")); err != nil {
		t.Fatal(err)
	}

	uri, ok := s.Accept()
	if !ok || uri != "/u" {
		t.Fatalf("Accept: uri=%q ok=%v", uri, ok)
	}
	if got, ok := s.GetHeader("Content-Type"); !ok || got != "text/plain" {
		t.Fatalf("header: %q %v", got, ok)
	}
	if rem := s.InputRemaining(); rem != 11 {
		t.Fatalf("InputRemaining = %d, want 11", rem)
	}

	buf := make([]byte, 64)
	n, err := s.Read(buf)
	if err != nil || n != 11 || string(buf[:n]) != "hello world" {
		t.Fatalf("Read: n=%d err=%v body=%q", n, err, buf[:n])
	}
	if rem := s.InputRemaining(); rem != 0 {
		t.Fatalf("InputRemaining after read = %d, want 0", rem)
	}

	if !s.Status(200) {
		t.Fatal("Status failed")
	}
	if !s.SetLength(11) {
		t.Fatal("SetLength failed")
	}
	if !s.Write([]byte("HELLO WORLD")) {
		t.Fatal("Write failed")
	}
	if !s.End() {
		t.Fatal("End failed")
	}

	expectStatus(t, peer, 200)
	expectLength(t, peer, 11)
	expectKind(t, peer, wasproto.DATA)
	expectKind(t, peer, wasproto.END)

	out := make([]byte, 11)
	if _, err := readFull(peer, out); err != nil {
		t.Fatalf("response body read: %v", err)
	}
	if string(out) != "HELLO WORLD" {
		t.Fatalf("response body = %q", out)
	}
}

// Scenario 3: early input close.
func TestScenarioEarlyInputClose(t *testing.T) {
	s, peer := newSimple(t)

	if err := peer.SendMethod(wasproto.MethodPOST); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendURI("/big"); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendLength(100); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendRequest(); err != nil {
		t.Fatal(err)
	}
	if err := peer.WriteBody(make([]byte, 3)); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Accept(); !ok {
		t.Fatal("Accept failed")
	}

	buf := make([]byte, 3)
	n, err := s.Read(buf)
	if err != nil || n != 3 {
		t.Fatalf("Read: n=%d err=%v", n, err)
	}

	done := make(chan error, 1)
	go func() {
		if !s.InputClose() {
			done <- errBoom
			return
		}
		done <- nil
	}()

	pkt, err := peer.RecvPacket()
	if err != nil || pkt.Kind != wasproto.STOP {
		t.Fatalf("expected STOP, got %+v err=%v", pkt, err)
	}
	if err := peer.CloseBody(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("InputClose: %v", err)
	}

	n2, err := s.Read(buf)
	if err != nil || n2 != 0 {
		t.Fatalf("read after close: n=%d err=%v", n2, err)
	}
}

// Scenario 6: output length mismatch aborts instead of ending.
func TestScenarioOutputLengthMismatch(t *testing.T) {
	s, peer := newSimple(t)

	if err := peer.SendMethod(wasproto.MethodGET); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendURI("/short"); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendRequest(); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Accept(); !ok {
		t.Fatal("Accept failed")
	}

	if !s.SetLength(10) {
		t.Fatal("SetLength failed")
	}
	if !s.Write([]byte("hello")) {
		t.Fatal("Write failed")
	}
	if s.End() {
		t.Fatal("End should fail on length mismatch")
	}

	expectKind(t, peer, wasproto.STATUS)
	expectKind(t, peer, wasproto.LENGTH)
	expectKind(t, peer, wasproto.DATA)
	expectKind(t, peer, wasproto.ABORT)
}

// Scenario 4: peer stops the output mid-write.
func TestScenarioOutputStoppedDuringWrite(t *testing.T) {
	s, peer := newSimple(t)

	if err := peer.SendMethod(wasproto.MethodGET); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendURI("/big"); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendRequest(); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Accept(); !ok {
		t.Fatal("Accept failed")
	}

	writeDone := make(chan bool, 1)
	go func() {
		// Larger than the default pipe capacity, so the write blocks
		// once nobody is draining the other end.
		buf := make([]byte, 256*1024)
		writeDone <- s.Write(buf)
	}()

	expectStatus(t, peer, 200)
	expectKind(t, peer, wasproto.DATA)

	if err := peer.SendPacket(wasproto.Packet{Kind: wasproto.STOP}); err != nil {
		t.Fatal(err)
	}

	if ok := <-writeDone; ok {
		t.Fatal("Write should fail once the peer stops the output")
	}

	if !s.End() {
		t.Fatal("End should still succeed after a failed write")
	}
	expectKind(t, peer, wasproto.END)
}

// Scenario 5: an oversized frame is rejected without waiting for its
// payload, and the worker aborts the request.
func TestScenarioOversizedFrameAborts(t *testing.T) {
	s, peer := newSimple(t)

	if err := peer.SendMethod(wasproto.MethodGET); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendRawHeader(wasproto.HEADER, wasproto.DefaultMaxPayloadSize+1); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Accept(); ok {
		t.Fatal("Accept should fail on an oversized frame")
	}

	expectKind(t, peer, wasproto.ABORT)
}

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "boom" }

func expectStatus(t *testing.T, peer *wastest.Peer, want uint16) {
	t.Helper()
	pkt, err := peer.RecvPacket()
	if err != nil {
		t.Fatalf("recv status: %v", err)
	}
	if pkt.Kind != wasproto.STATUS {
		t.Fatalf("expected STATUS, got %v", pkt.Kind)
	}
	got, err := pkt.Status()
	if err != nil || got != want {
		t.Fatalf("status = %d (err=%v), want %d", got, err, want)
	}
}

func expectLength(t *testing.T, peer *wastest.Peer, want uint64) {
	t.Helper()
	pkt, err := peer.RecvPacket()
	if err != nil {
		t.Fatalf("recv length: %v", err)
	}
	if pkt.Kind != wasproto.LENGTH {
		t.Fatalf("expected LENGTH, got %v", pkt.Kind)
	}
	got, err := pkt.Length()
	if err != nil || got != want {
		t.Fatalf("length = %d (err=%v), want %d", got, err, want)
	}
}

func expectKind(t *testing.T, peer *wastest.Peer, want wasproto.Kind) {
	t.Helper()
	pkt, err := peer.RecvPacket()
	if err != nil {
		t.Fatalf("recv %v: %v", want, err)
	}
	if pkt.Kind != want {
		t.Fatalf("expected %v, got %v", want, pkt.Kind)
	}
}

func readFull(peer *wastest.Peer, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := peer.ReadBody(buf[total:])
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}
