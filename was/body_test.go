package was_test

import (
	"bytes"
	"testing"

	"github.com/pfirsich/cm4all-libwas/wasproto"
)

func TestReadReceivedAccounting(t *testing.T) {
	s, peer := newSimple(t)

	if err := peer.SendMethod(wasproto.MethodPOST); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendURI("/u"); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendLength(5); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendRequest(); err != nil {
		t.Fatal(err)
	}
	if err := peer.WriteBody([]byte("hello")); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Accept(); !ok {
		t.Fatal("Accept failed")
	}
	if rem := s.InputRemaining(); rem != 5 {
		t.Fatalf("InputRemaining = %d, want 5", rem)
	}

	buf := make([]byte, 5)
	n, err := s.Read(buf)
	if err != nil || n != 5 {
		t.Fatalf("Read: n=%d err=%v", n, err)
	}

	// Caller already accounted for the bytes via Read; a caller
	// bypassing Read entirely would instead call Received directly.
	if rem := s.InputRemaining(); rem != 0 {
		t.Fatalf("InputRemaining after full read = %d, want 0", rem)
	}
}

func TestSentAccountingRejectsOverflow(t *testing.T) {
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
	if _, ok := s.Accept(); !ok {
		t.Fatal("Accept failed")
	}

	if !s.SetLength(5) {
		t.Fatal("SetLength failed")
	}
	if s.Sent(10) {
		t.Fatal("Sent should fail once it would exceed the announced length")
	}
}

func TestInputRemainingUnknownForBodylessGet(t *testing.T) {
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
	if _, ok := s.Accept(); !ok {
		t.Fatal("Accept failed")
	}

	if rem := s.InputRemaining(); rem != -1 {
		t.Fatalf("InputRemaining = %d, want -1 (unknown)", rem)
	}
	if s.HasBody() {
		t.Fatal("GET with no announced length and no body data should report HasBody=false")
	}
}

func TestSpliceAllCopiesBodyAndEnds(t *testing.T) {
	s, peer := newSimple(t)

	body := bytes.Repeat([]byte("spliced-chunk "), 1024)

	if err := peer.SendMethod(wasproto.MethodPOST); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendURI("/echo"); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendLength(uint64(len(body))); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendRequest(); err != nil {
		t.Fatal(err)
	}
	if err := peer.WriteBody(body); err != nil {
		t.Fatal(err)
	}
	if err := peer.CloseBody(); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Accept(); !ok {
		t.Fatal("Accept failed")
	}

	readDone := make(chan []byte, 1)
	go func() {
		out := make([]byte, len(body))
		total, _ := readFull(peer, out)
		readDone <- out[:total]
	}()

	if !s.SpliceAll(true) {
		t.Fatal("SpliceAll failed")
	}

	expectStatus(t, peer, 200)
	expectLength(t, peer, uint64(len(body)))
	expectKind(t, peer, wasproto.DATA)
	expectKind(t, peer, wasproto.END)

	got := <-readDone
	if !bytes.Equal(got, body) {
		t.Fatalf("spliced body mismatch: got %d bytes, want %d", len(got), len(body))
	}
}
