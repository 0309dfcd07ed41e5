package cachepool

import (
	"sync/atomic"
	"time"
)

// Node is the per-server state container described in spec §3: one per
// configured cache server, created once at construction and persisting for
// the pool's lifetime — only its fd/buffers/queues cycle across reconnects.
//
// The I/O-thread-only fields below are touched only from Pool.HandleIO;
// AddOperation only ever pushes into `in` and reads `reconnectAttempt`,
// both of which tolerate concurrent access from producers (spec §5).
type Node struct {
	id      int
	address string

	// I/O-thread-only state (spec §5 "each node exclusively owns its
	// buffers, channel, and registration, accessed only by I/O thread").
	fd          int
	connected   bool
	curInterest interest

	readBuf  *byteBuffer
	writeBuf *byteBuffer

	write opList
	read  opList

	readOpStartedAt time.Time

	// Cross-thread state.
	in               *inputQueue
	reconnectAttempt int32 // written by I/O thread, read by producers (addOperation)
	protocolErrors   int
}

func newNode(id int, address string, bufSize int) *Node {
	n := &Node{
		id:       id,
		address:  address,
		fd:       -1,
		readBuf:  newByteBuffer(bufSize),
		writeBuf: newByteBuffer(bufSize),
		in:       newInputQueue(),
	}
	// writeBuf is kept in draining mode outside fillWriteBuffer, so its
	// remaining() is toWrite; start it empty rather than full-capacity.
	n.writeBuf.flip()
	return n
}

// healthy reports whether producers should prefer this node (spec §4.G,
// invariant 6): reconnectAttempt == 0 iff the channel is believed healthy.
func (n *Node) healthy() bool {
	return atomic.LoadInt32(&n.reconnectAttempt) == 0
}

func (n *Node) attempt() int {
	return int(atomic.LoadInt32(&n.reconnectAttempt))
}

func (n *Node) setAttempt(v int) {
	atomic.StoreInt32(&n.reconnectAttempt, int32(v))
}

func (n *Node) bumpAttempt() int {
	return int(atomic.AddInt32(&n.reconnectAttempt, 1))
}

func (n *Node) hasReadOp() bool  { return n.read.len() > 0 }
func (n *Node) hasWriteOp() bool { return n.write.len() > 0 }

func (n *Node) currentWriteOp() *opHandle { return n.write.front() }
func (n *Node) currentReadOp() *opHandle  { return n.read.front() }

func (n *Node) removeCurrentReadOp() *opHandle {
	return n.read.popFront()
}

// PendingOps is the total queue depth across input/write/read, the
// diagnostics counter named in SPEC_FULL.md's supplemented-features
// section.
func (n *Node) PendingOps() int {
	return n.in.len() + n.write.len() + n.read.len()
}

// copyInputQueue drains the input MPSC queue into the tail of writeQueue,
// preserving submission order (spec §4.B).
func (n *Node) copyInputQueue() {
	n.in.drainInto(&n.write)
}

// fillWriteBuffer compacts/refills writeBuf from successive write-queue
// operations until the buffer is full or no writable op remains (spec
// §4.B). When optimizeGets is set, a maximal run of consecutive combinable
// operations sharing a CoalesceKey is merged into one wire request before
// any of it is written, and the whole run moves to readQueue together once
// fully written (spec §4.B, testable property 4).
func (n *Node) fillWriteBuffer(optimizeGets bool) {
	buf := n.writeBuf
	buf.compact()

	for buf.remaining() > 0 {
		h := n.write.front()
		if h == nil {
			break
		}

		if optimizeGets && h.group == nil {
			n.maybeCoalesce(h)
		}

		written := h.op.WriteInto(buf.writableSlice())
		invariant(written >= 0, "WriteInto returned negative count")
		buf.advance(written)

		if h.op.State() != StateWriting {
			n.write.popFront()
			n.moveToRead(h)
			continue
		}
		if written == 0 {
			// operation has more to write but made no progress into the
			// remaining buffer space; stop this pass.
			break
		}
	}

	buf.flip()
}

// maybeCoalesce greedily merges h with as many immediately-following
// combinable write-queue entries as share its CoalesceKey, replacing h.op
// with the merged representative and recording the merged members in
// h.group so they move to readQueue together.
func (n *Node) maybeCoalesce(h *opHandle) {
	lead, ok := h.op.(combinable)
	if !ok {
		return
	}
	key := lead.CoalesceKey()
	if key == "" {
		return
	}

	group := Operation(lead)
	members := []*opHandle{h}

	n.write.forEachAfterHead(1, func(next *opHandle) bool {
		nc, ok := next.op.(combinable)
		if !ok || nc.CoalesceKey() != key {
			return false
		}
		group = nc.Combine(group)
		members = append(members, next)
		return true
	})

	if len(members) == 1 {
		return
	}

	n.write.removeAfterHead(len(members) - 1)
	h.op = group
	h.group = members
}

// moveToRead transitions a written operation (or coalesced group) from
// writeQueue to readQueue, preserving FIFO order (spec invariant 2).
func (n *Node) moveToRead(h *opHandle) {
	n.read.pushBack(h)
	if n.read.len() == 1 {
		n.readOpStartedAt = time.Now()
	}
}

// setupResend merges outstanding read and write queues back into the head
// of the input queue, read-first-then-write (spec §9's resolution of the
// source's under-specified ordering), resets buffers, and rewinds every
// affected operation via Initialize so a partially-received op restarts
// cleanly. This realizes the "at-least-once on reconnect" contract (spec
// testable property 5).
func (n *Node) setupResend() {
	pending := make([]*opHandle, 0, n.read.len()+n.write.len())

	for _, h := range n.read.drainAll() {
		pending = append(pending, expandGroup(h)...)
	}
	for _, h := range n.write.drainAll() {
		pending = append(pending, expandGroup(h)...)
	}

	for _, h := range pending {
		h.group = nil
		h.op.Initialize()
	}

	if len(pending) > 0 {
		n.in.pushFront(pending)
	}

	n.readBuf.clear()
	n.writeBuf.clear()
	n.writeBuf.flip() // empty draining mode: toWrite == 0
}

// expandGroup returns the individual member handles of a (possibly
// coalesced) handle, so resend re-injects every original operation rather
// than the transient merged representative.
func expandGroup(h *opHandle) []*opHandle {
	if h.group == nil {
		return []*opHandle{h}
	}
	return h.group
}

// pushFront is used only by setupResend, from the I/O thread, to
// re-inject resent operations ahead of whatever producers have already
// submitted. It is safe despite inputQueue's MPSC contract because it
// acts purely as the single consumer: it drains the existing contents,
// prepends the resend batch, and refills — no producer observes a
// partially-rebuilt queue since Enqueue/Dequeue remain individually
// atomic throughout.
func (q *inputQueue) pushFront(hs []*opHandle) {
	var rest opList
	q.drainInto(&rest)
	merged := append(append([]*opHandle{}, hs...), rest.drainAll()...)
	for _, h := range merged {
		for !q.push(h) {
			// capacity is sized generously (defaultQueueCapacity); spin
			// rather than drop a resend candidate.
		}
	}
}
