package was_test

import (
	"testing"

	"github.com/pfirsich/cm4all-libwas/wasproto"
)

// A non-blocking accept that would-blocks mid-header-phase must resume
// in place on the next call, neither losing already-decoded fields nor
// finalizing a phantom previous request (which would emit a stray
// STATUS/NO_DATA/END before the real response).
func TestAcceptNonBlockResumesAcrossPolls(t *testing.T) {
	s, peer := newSimple(t)

	if uri, wouldBlock, ok := s.AcceptNonBlock(); !ok || !wouldBlock || uri != "" {
		t.Fatalf("first AcceptNonBlock: uri=%q wouldBlock=%v ok=%v", uri, wouldBlock, ok)
	}
	if _, wouldBlock, ok := s.AcceptNonBlock(); !ok || !wouldBlock {
		t.Fatal("second AcceptNonBlock should still would-block on an empty channel")
	}

	if err := peer.SendMethod(wasproto.MethodPOST); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendURI("/resume"); err != nil {
		t.Fatal(err)
	}

	// METHOD/URI are now decoded but REQUEST hasn't arrived: this must
	// still would-block without discarding what was already applied.
	if _, wouldBlock, ok := s.AcceptNonBlock(); !ok || !wouldBlock {
		t.Fatal("third AcceptNonBlock should would-block pending REQUEST")
	}

	if err := peer.SendHeader("X-Test", "1"); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendRequest(); err != nil {
		t.Fatal(err)
	}

	uri, wouldBlock, ok := s.AcceptNonBlock()
	if !ok || wouldBlock || uri != "/resume" {
		t.Fatalf("final AcceptNonBlock: uri=%q wouldBlock=%v ok=%v", uri, wouldBlock, ok)
	}
	if s.GetMethod() != "POST" {
		t.Fatalf("method = %q, want POST (lost across would-block polls)", s.GetMethod())
	}
	if v, ok := s.GetHeader("X-Test"); !ok || v != "1" {
		t.Fatalf("header lost across would-block polls: %q %v", v, ok)
	}

	if !s.End() {
		t.Fatal("End failed")
	}

	// A wrongly finalized phantom request would have already pushed a
	// STATUS/NO_DATA/END ahead of this one.
	expectStatus(t, peer, 204)
	expectKind(t, peer, wasproto.NO_DATA)
	expectKind(t, peer, wasproto.END)
}

func TestMetricsQueryAndReport(t *testing.T) {
	s, peer := newSimple(t)

	if err := peer.SendMethod(wasproto.MethodGET); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendURI("/m"); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendPacket(wasproto.Packet{Kind: wasproto.METRIC}); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendRequest(); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Accept(); !ok {
		t.Fatal("Accept failed")
	}
	if !s.WantMetrics() {
		t.Fatal("WantMetrics should be true after a METRIC query packet")
	}

	if !s.Metric("latency_ms", 12.5) {
		t.Fatal("Metric failed")
	}
	if !s.End() {
		t.Fatal("End failed")
	}

	pkt, err := peer.RecvPacket()
	if err != nil {
		t.Fatalf("recv metric: %v", err)
	}
	if pkt.Kind != wasproto.METRIC {
		t.Fatalf("expected METRIC, got %v", pkt.Kind)
	}
	name, value, err := pkt.Pair()
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if string(name) != "latency_ms" {
		t.Fatalf("metric name = %q", name)
	}
	f, err := wasproto.Float32(value)
	if err != nil || f != 12.5 {
		t.Fatalf("metric value = %v (err=%v)", f, err)
	}

	expectStatus(t, peer, 204)
	expectKind(t, peer, wasproto.NO_DATA)
	expectKind(t, peer, wasproto.END)
}

// Scenario: peer reports PREMATURE mid-body, before the announced
// length was fully received; reads must stop without the announced
// count itself changing.
func TestPrematureEndsInputEarly(t *testing.T) {
	s, peer := newSimple(t)

	if err := peer.SendMethod(wasproto.MethodPOST); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendURI("/trunc"); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendLength(100); err != nil {
		t.Fatal(err)
	}
	if err := peer.SendRequest(); err != nil {
		t.Fatal(err)
	}
	if err := peer.WriteBody([]byte("abc")); err != nil {
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

	if err := peer.SendPacket(wasproto.Packet{Kind: wasproto.PREMATURE}); err != nil {
		t.Fatal(err)
	}

	n2, err := s.Read(buf)
	if err != nil || n2 != 0 {
		t.Fatalf("read after PREMATURE: n=%d err=%v", n2, err)
	}
	if rem := s.InputRemaining(); rem != 97 {
		t.Fatalf("InputRemaining = %d, want 97 (PREMATURE doesn't rewrite the announced count)", rem)
	}

	if !s.End() {
		t.Fatal("End failed")
	}
}
