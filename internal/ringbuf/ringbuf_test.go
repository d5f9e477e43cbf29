package ringbuf

import (
	"bytes"
	"testing"

	"github.com/mozilla-services/amqp-bridge/internal/stats"
)

func TestDropOldestOverwritesOldestOnFull(t *testing.T) {
	c := stats.New()
	r := New(3, 8, false, c)

	write := func(s string) {
		slot, ok := r.Reserve()
		if !ok {
			t.Fatalf("Reserve() under drop-oldest should never report full")
		}
		n := copy(slot, s)
		r.Commit(n)
	}

	write("a")
	write("b")
	write("c")
	if r.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", r.Count())
	}

	// Buffer full: next write evicts "a" and bumps overruns.
	write("d")
	if got := c.RingOverruns.Load(); got != 1 {
		t.Fatalf("RingOverruns = %d, want 1", got)
	}
	if r.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", r.Count())
	}

	var got []string
	for {
		payload, ok := r.ReserveRead()
		if !ok {
			break
		}
		got = append(got, string(append([]byte(nil), payload...)))
		r.CommitRead()
	}
	want := []string{"b", "c", "d"}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("surviving payload %d = %q, want %q", i, got[i], w)
		}
	}
}

func TestBackpressureReportsFullInsteadOfEvicting(t *testing.T) {
	c := stats.New()
	r := New(2, 8, true, c)

	slot, ok := r.Reserve()
	if !ok {
		t.Fatalf("Reserve() 1 should succeed")
	}
	r.Commit(copy(slot, "a"))

	slot, ok = r.Reserve()
	if !ok {
		t.Fatalf("Reserve() 2 should succeed")
	}
	r.Commit(copy(slot, "b"))

	if _, ok = r.Reserve(); ok {
		t.Fatalf("Reserve() on a full backpressure ring should report full")
	}
	if c.RingOverruns.Load() != 0 {
		t.Fatalf("RingOverruns should remain 0 under backpressure")
	}

	// Draining one slot frees room for the next write.
	payload, ok := r.ReserveRead()
	if !ok || !bytes.Equal(payload, []byte("a")) {
		t.Fatalf("ReserveRead() = %q, %v, want \"a\", true", payload, ok)
	}
	r.CommitRead()

	if _, ok = r.Reserve(); !ok {
		t.Fatalf("Reserve() should succeed after drain")
	}
}

func TestEmptyReadReportsNotOK(t *testing.T) {
	c := stats.New()
	r := New(4, 8, false, c)
	if _, ok := r.ReserveRead(); ok {
		t.Fatalf("ReserveRead() on empty ring should report ok=false")
	}
}

func TestFIFOOrderPreservedUnderNormalOperation(t *testing.T) {
	c := stats.New()
	r := New(8, 8, false, c)

	for i := 0; i < 5; i++ {
		slot, ok := r.Reserve()
		if !ok {
			t.Fatalf("Reserve() %d should succeed", i)
		}
		r.Commit(copy(slot, []byte{byte(i)}))
	}
	for i := 0; i < 5; i++ {
		payload, ok := r.ReserveRead()
		if !ok {
			t.Fatalf("ReserveRead() %d should succeed", i)
		}
		if payload[0] != byte(i) {
			t.Fatalf("payload %d = %d, want %d", i, payload[0], i)
		}
		r.CommitRead()
	}
	if r.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 after draining", r.Count())
	}
}
