package registry

import (
	"testing"
	"time"
)

func TestPutBorrowRemoveZeroes(t *testing.T) {
	r := New(time.Hour)
	defer r.Close()

	var key [32]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	r.Put("sess-1", key)

	got, counter, ok := r.Borrow("sess-1")
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if got != key {
		t.Fatal("borrowed key does not match inserted key")
	}
	if counter != 0 {
		t.Fatalf("expected initial counter 0, got %d", counter)
	}

	r.Remove("sess-1")
	if _, _, ok := r.Borrow("sess-1"); ok {
		t.Fatal("expected entry to be gone after Remove")
	}
}

func TestExpiredEntryNotBorrowable(t *testing.T) {
	r := New(time.Millisecond)
	defer r.Close()

	var key [32]byte
	r.Put("sess-1", key)
	time.Sleep(5 * time.Millisecond)

	if _, _, ok := r.Borrow("sess-1"); ok {
		t.Fatal("expected expired entry to be unborrowable")
	}
}

func TestNextOutboundCounterMonotonic(t *testing.T) {
	r := New(time.Hour)
	defer r.Close()

	var key [32]byte
	r.Put("sess-1", key)

	prev := uint64(0)
	for i := 0; i < 5; i++ {
		c, ok := r.NextOutboundCounter("sess-1")
		if !ok {
			t.Fatal("expected counter increment to succeed")
		}
		if c <= prev {
			t.Fatalf("counter did not increase: prev=%d got=%d", prev, c)
		}
		prev = c
	}
}

func TestDifferentSessionsDoNotContend(t *testing.T) {
	r := New(time.Hour)
	defer r.Close()

	var k1, k2 [32]byte
	k1[0] = 1
	k2[0] = 2
	r.Put("a", k1)
	r.Put("b", k2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			r.Touch("a")
		}
		close(done)
	}()
	for i := 0; i < 1000; i++ {
		r.Touch("b")
	}
	<-done

	if ga, _, ok := r.Borrow("a"); !ok || ga != k1 {
		t.Fatal("session a corrupted by concurrent access to session b")
	}
	if gb, _, ok := r.Borrow("b"); !ok || gb != k2 {
		t.Fatal("session b corrupted by concurrent access to session a")
	}
}
