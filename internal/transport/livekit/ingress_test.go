package livekit

import "testing"

func TestSeqCounterLoss(t *testing.T) {
	var c seqCounter
	for _, seq := range []uint16{10, 11, 13, 14} {
		c.Observe(seq)
	}
	expected, received := c.Counters()
	if expected != 5 || received != 4 {
		t.Fatalf("expected 5/4, got %d/%d", expected, received)
	}
}

func TestSeqCounterWraparound(t *testing.T) {
	var c seqCounter
	for _, seq := range []uint16{65534, 65535, 0, 1} {
		c.Observe(seq)
	}
	expected, received := c.Counters()
	if expected != 4 || received != 4 {
		t.Fatalf("expected 4/4 across wraparound, got %d/%d", expected, received)
	}
}

func TestSeqCounterIgnoresReordered(t *testing.T) {
	var c seqCounter
	for _, seq := range []uint16{100, 102, 101} {
		c.Observe(seq)
	}
	expected, received := c.Counters()
	if expected != 3 || received != 3 {
		t.Fatalf("expected 3/3, got %d/%d", expected, received)
	}
}

func TestBuildToken(t *testing.T) {
	n := &Negotiator{APIKey: "key", APISecret: "secret-secret-secret-secret-secret", Identity: "user-1", Name: "Candidate"}
	token, err := n.buildToken("room-1")
	if err != nil {
		t.Fatalf("build token: %v", err)
	}
	if token == "" {
		t.Fatalf("expected token")
	}
}
