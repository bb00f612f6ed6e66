package main

import (
	"testing"
	"time"
)

func TestPercentile(t *testing.T) {
	durs := []time.Duration{
		40 * time.Millisecond,
		10 * time.Millisecond,
		30 * time.Millisecond,
		20 * time.Millisecond,
	}
	if got := percentile(durs, 0.50); got != 20*time.Millisecond {
		t.Fatalf("p50 = %v, want 20ms", got)
	}
	if got := percentile(durs, 1.0); got != 40*time.Millisecond {
		t.Fatalf("p100 = %v, want 40ms", got)
	}
	if got := percentile(nil, 0.95); got != 0 {
		t.Fatalf("empty percentile = %v, want 0", got)
	}
}

func TestTonePCMLength(t *testing.T) {
	pcm := tonePCM(200, 16000, 440)
	if len(pcm) != 16000*200/1000*2 {
		t.Fatalf("len = %d, want %d", len(pcm), 16000*200/1000*2)
	}
	allZero := true
	for _, b := range pcm {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatal("tone should not be silence")
	}
}

func TestWSURLForSession(t *testing.T) {
	got, err := wsURLForSession("http://127.0.0.1:8080", "abc")
	if err != nil {
		t.Fatal(err)
	}
	if got != "ws://127.0.0.1:8080/ws/abc" {
		t.Fatalf("url = %s", got)
	}
	if _, err := wsURLForSession("ftp://x", "abc"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}
