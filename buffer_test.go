package cachepool

import "testing"

func TestByteBufferFillAndDrain(t *testing.T) {
	b := newByteBuffer(8)
	if !b.hasRemaining() || b.remaining() != 8 {
		t.Fatalf("fresh buffer should offer full capacity, got remaining=%d", b.remaining())
	}

	n := copy(b.writableSlice(), []byte("hello"))
	b.advance(n)
	if b.remaining() != 3 {
		t.Fatalf("expected 3 bytes left to fill, got %d", b.remaining())
	}

	b.flip()
	if b.remaining() != 5 {
		t.Fatalf("after flip expected 5 readable bytes, got %d", b.remaining())
	}
	if got := string(b.readableSlice()); got != "hello" {
		t.Fatalf("readable slice = %q, want %q", got, "hello")
	}

	b.advance(2)
	if got := string(b.readableSlice()); got != "llo" {
		t.Fatalf("after partial consume, readable slice = %q, want %q", got, "llo")
	}
}

func TestByteBufferCompactRetainsUnconsumedTail(t *testing.T) {
	b := newByteBuffer(8)
	n := copy(b.writableSlice(), []byte("abcdef"))
	b.advance(n)
	b.flip()
	b.advance(4) // consume "abcd", leaving "ef"

	b.compact()
	if got := string(b.buf[:b.position]); got != "ef" {
		t.Fatalf("compact should slide unconsumed tail to front, got %q", got)
	}
	if b.remaining() != 8-b.position {
		t.Fatalf("compact should reopen filling mode across the rest of capacity")
	}
}

func TestByteBufferAdvanceNeverPassesLimit(t *testing.T) {
	b := newByteBuffer(4)
	b.advance(100)
	if b.position != b.limit {
		t.Fatalf("advance should clamp to limit, position=%d limit=%d", b.position, b.limit)
	}
}
