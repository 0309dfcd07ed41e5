package cachepool

import "testing"

// fakeOp is a minimal non-combinable Operation used where coalescing
// doesn't matter: it writes n bytes total, one byte per WriteInto call when
// the destination buffer is exactly one byte, and completes after reading a
// single byte back.
type fakeOp struct {
	writeLen int
	written  int
	readDone bool
	state    OpState
}

func (f *fakeOp) Initialize() {
	f.written = 0
	f.readDone = false
	f.state = StateWriting
}

func (f *fakeOp) WriteInto(buf []byte) int {
	remaining := f.writeLen - f.written
	if remaining <= 0 {
		return 0
	}
	n := len(buf)
	if n > remaining {
		n = remaining
	}
	f.written += n
	if f.written == f.writeLen {
		f.state = StateReading
	}
	return n
}

func (f *fakeOp) ReadFrom(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	f.readDone = true
	f.state = StateComplete
	return 1, nil
}

func (f *fakeOp) State() OpState { return f.state }

func TestFillWriteBufferPartialAcrossMultipleCalls(t *testing.T) {
	n := newNode(0, "x", 4) // tiny buffer forces multiple fill passes
	op := &fakeOp{writeLen: 7}
	op.Initialize()
	h := &opHandle{op: op}
	n.write.pushBack(h)

	n.fillWriteBuffer(false)
	if n.writeBuf.remaining() != 4 {
		t.Fatalf("first pass should fill the whole 4-byte buffer, got %d", n.writeBuf.remaining())
	}
	if op.State() != StateWriting {
		t.Fatalf("op should still be writing after only 4 of 7 bytes, got %v", op.State())
	}
	if n.hasReadOp() {
		t.Fatalf("op must not move to readQueue before it finishes writing")
	}

	// pretend the socket accepted all 4 bytes, then refill.
	n.writeBuf.advance(4)
	n.fillWriteBuffer(false)
	if n.writeBuf.remaining() != 3 {
		t.Fatalf("second pass should write the remaining 3 bytes, got %d", n.writeBuf.remaining())
	}
	if op.State() != StateReading {
		t.Fatalf("op should have finished writing, got %v", op.State())
	}
	if !n.hasReadOp() || n.hasWriteOp() {
		t.Fatalf("completed write op should have moved to readQueue")
	}
}

func TestMaybeCoalesceMergesConsecutiveSameKeyRun(t *testing.T) {
	n := newNode(0, "x", 256)

	ops := []*getOp{{key: "k1"}, {key: "k2"}, {key: "k3"}}
	for _, o := range ops {
		o.Initialize()
		n.write.pushBack(&opHandle{op: o})
	}

	lead := n.write.front()
	n.maybeCoalesce(lead)

	if n.write.len() != 1 {
		t.Fatalf("coalescing should leave exactly one entry in writeQueue, got %d", n.write.len())
	}
	merged, ok := lead.op.(*multiGetOp)
	if !ok {
		t.Fatalf("lead op should have been replaced with a *multiGetOp, got %T", lead.op)
	}
	if len(merged.ops) != 3 {
		t.Fatalf("merged group should contain all 3 members, got %d", len(merged.ops))
	}
	if len(lead.group) != 3 {
		t.Fatalf("lead handle should record all 3 original handles for resend, got %d", len(lead.group))
	}
}

func TestMaybeCoalesceStopsAtNonCombinableOp(t *testing.T) {
	n := newNode(0, "x", 256)

	a := &getOp{key: "k1"}
	b := &getOp{key: "k1"}
	other := &fakeOp{writeLen: 3}
	a.Initialize()
	b.Initialize()
	other.Initialize()
	n.write.pushBack(&opHandle{op: a})
	n.write.pushBack(&opHandle{op: b})
	n.write.pushBack(&opHandle{op: other})

	lead := n.write.front()
	n.maybeCoalesce(lead)

	if n.write.len() != 2 {
		t.Fatalf("coalescing must not cross into a non-combinable op, got writeQueue len %d", n.write.len())
	}
}

func TestSetupResendPreservesPendingOperationsReadThenWrite(t *testing.T) {
	n := newNode(0, "x", 256)

	readOp := &fakeOp{writeLen: 3}
	readOp.Initialize()
	readOp.state = StateReading
	n.read.pushBack(&opHandle{op: readOp})

	writeOp := &fakeOp{writeLen: 3}
	writeOp.Initialize()
	n.write.pushBack(&opHandle{op: writeOp})

	n.setupResend()

	if n.hasReadOp() || n.hasWriteOp() {
		t.Fatalf("setupResend must drain both read and write queues")
	}

	var drained opList
	n.in.drainInto(&drained)
	if drained.len() != 2 {
		t.Fatalf("both pending ops should be re-injected into inputQueue, got %d", drained.len())
	}
	if drained.items[0].op != Operation(readOp) {
		t.Fatalf("read-queue operation must come first on resend")
	}
	if drained.items[1].op != Operation(writeOp) {
		t.Fatalf("write-queue operation must come second on resend")
	}
	if readOp.State() != StateWriting {
		t.Fatalf("resent operation must be rewound to StateWriting via Initialize, got %v", readOp.State())
	}
}

func TestPendingOpsCountsAllThreeQueues(t *testing.T) {
	n := newNode(0, "x", 256)
	op := &fakeOp{writeLen: 1}
	op.Initialize()
	if !n.in.push(&opHandle{op: op}) {
		t.Fatal("push into empty input queue should not fail")
	}
	n.write.pushBack(&opHandle{op: &fakeOp{writeLen: 1}})
	n.read.pushBack(&opHandle{op: &fakeOp{writeLen: 1}})

	if got := n.PendingOps(); got != 3 {
		t.Fatalf("PendingOps() = %d, want 3", got)
	}
}
