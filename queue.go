package cachepool

import (
	"sync/atomic"

	"github.com/hayabusa-cloud/lfq"
)

// defaultQueueCapacity bounds each node's input queue and the pool's node
// handoff queue (the write/read opLists are unbounded). A bounded input
// queue is preferable to an unbounded one here: a node stuck in reconnect
// backoff should apply submission backpressure rather than grow memory
// without limit.
const defaultQueueCapacity = 4096

// opHandle pairs a submitted Operation with the bookkeeping the core needs
// but the Operation interface doesn't expose: a coalescing group pointer,
// non-nil only on the lead op of a coalesced run, so the other members ride
// along through the read queue and resend together.
type opHandle struct {
	op    Operation
	group []*opHandle
}

// inputQueue is the MPSC queue of operations submitted by producer
// goroutines but not yet accepted for writing by the I/O thread. depth is
// an approximate, atomically-maintained count used only for diagnostics
// (Node.PendingOps) — lfq's ring itself doesn't expose a length query.
type inputQueue struct {
	q     *lfq.MPSC[*opHandle]
	depth int32
}

func newInputQueue() *inputQueue {
	return &inputQueue{q: lfq.NewMPSC[*opHandle](defaultQueueCapacity)}
}

func (q *inputQueue) push(h *opHandle) bool {
	if err := q.q.Enqueue(&h); err != nil {
		return false
	}
	atomic.AddInt32(&q.depth, 1)
	return true
}

func (q *inputQueue) drainInto(dst *opList) {
	for {
		h, err := q.q.Dequeue()
		if err != nil {
			return
		}
		atomic.AddInt32(&q.depth, -1)
		dst.pushBack(*h)
	}
}

func (q *inputQueue) len() int {
	return int(atomic.LoadInt32(&q.depth))
}

// opList is a plain FIFO of operation handles, used for the SPSC
// writeQueue/readQueue which are touched only by the I/O thread and so need
// no lock-free machinery beyond what the handoff already provides; a slice
// ring is simpler and faster than routing single-thread traffic through a
// second lfq instance.
type opList struct {
	items []*opHandle
	head  int
}

func (l *opList) pushBack(h *opHandle) {
	l.items = append(l.items, h)
	l.compactIfIdle()
}

func (l *opList) front() *opHandle {
	if l.head >= len(l.items) {
		return nil
	}
	return l.items[l.head]
}

func (l *opList) popFront() *opHandle {
	if l.head >= len(l.items) {
		return nil
	}
	h := l.items[l.head]
	l.items[l.head] = nil
	l.head++
	l.compactIfIdle()
	return h
}

func (l *opList) len() int {
	return len(l.items) - l.head
}

func (l *opList) drainAll() []*opHandle {
	out := append([]*opHandle(nil), l.items[l.head:]...)
	l.items = l.items[:0]
	l.head = 0
	return out
}

// forEachAfterHead visits items starting `skip` positions after the
// current head, stopping at the first call that returns false or at the
// end of the list. Used by Node.maybeCoalesce to scan the run following
// the lead write-queue entry without mutating the list.
func (l *opList) forEachAfterHead(skip int, fn func(h *opHandle) bool) {
	for i := l.head + skip; i < len(l.items); i++ {
		if !fn(l.items[i]) {
			return
		}
	}
}

// removeAfterHead deletes the n items immediately following the current
// head (used by Node.maybeCoalesce once a coalesced run's non-lead members
// have been folded into the lead's group).
func (l *opList) removeAfterHead(n int) {
	if n <= 0 {
		return
	}
	start := l.head + 1
	end := start + n
	if end > len(l.items) {
		end = len(l.items)
	}
	l.items = append(l.items[:start], l.items[end:]...)
}

// compactIfIdle reclaims the dead prefix once it dominates the slice, so a
// long-lived node doesn't retain an ever-growing backing array.
func (l *opList) compactIfIdle() {
	if l.head > 64 && l.head*2 > len(l.items) {
		l.items = append(l.items[:0], l.items[l.head:]...)
		l.head = 0
	}
}
