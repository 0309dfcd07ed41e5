package cachepool

import (
	"sync/atomic"
	"time"

	"github.com/hayabusa-cloud/lfq"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Pool is the single-threaded, non-blocking I/O multiplexer described in
// spec §2: it owns one long-lived connection per configured cache server,
// drives all of them from one event loop via HandleIO, and transparently
// reconnects failed peers with backoff while preserving pending work.
//
// Exactly one goroutine may call HandleIO (the "I/O thread" of spec §5).
// Any number of goroutines may call AddOperation and Shutdown concurrently
// with that loop.
type Pool struct {
	opts  Options
	nodes []*Node

	poll *poller

	// handoff is the MPSC queue of nodes with newly submitted work,
	// draining once per HandleIO iteration (spec §4.C).
	handoff *lfq.MPSC[*Node]

	sched *scheduler

	fdToNode   map[int]*Node
	connectSet map[int]bool // fd -> still awaiting connect completion

	wakeupR, wakeupW int

	emptySelects int

	getOptimization int32 // atomic bool
	shutdownFlag    int32 // atomic bool
}

// New opens a non-blocking socket to each address and registers it with the
// poller; construction never blocks beyond the cost of issuing connect(2)
// (spec §6 construct).
func New(addresses []string, opts Options) (*Pool, error) {
	opts.applyDefaults()

	poll, err := openPoll()
	if err != nil {
		return nil, errors.Wrap(err, "open poller")
	}

	p := &Pool{
		opts:       opts,
		nodes:      make([]*Node, len(addresses)),
		poll:       poll,
		handoff:    lfq.NewMPSC[*Node](defaultQueueCapacity),
		sched:      newScheduler(),
		fdToNode:   make(map[int]*Node, len(addresses)),
		connectSet: make(map[int]bool, len(addresses)),
	}
	if opts.GetOptimization {
		p.getOptimization = 1
	}

	wr, ww, err := openWakeupPipe()
	if err != nil {
		poll.close()
		return nil, errors.Wrap(err, "open wakeup pipe")
	}
	p.wakeupR, p.wakeupW = wr, ww
	if err := p.poll.watch(p.wakeupR); err != nil {
		poll.close()
		return nil, errors.Wrap(err, "watch wakeup pipe")
	}
	if err := p.poll.setInterest(p.wakeupR, interest{read: true}); err != nil {
		poll.close()
		return nil, errors.Wrap(err, "arm wakeup pipe")
	}

	for i, addr := range addresses {
		n := newNode(i, addr, opts.BufferSize)
		p.nodes[i] = n
		if err := p.dial(n); err != nil {
			// construction doesn't fail the whole pool over one dead
			// node at startup; it starts that node's reconnect clock
			// instead, consistent with the rest of the loop's
			// connection-fatal handling (spec §4.F/§7).
			p.opts.Logger.Warn("cachepool: initial dial failed", "node", n.id, "addr", n.address, "err", err)
			n.bumpAttempt()
			p.sched.schedule(n, time.Now(), 0)
		}
	}

	return p, nil
}

func (p *Pool) dial(n *Node) error {
	fd, immediate, err := dialNonBlocking(n.address)
	if err != nil {
		return err
	}
	n.fd = fd
	p.fdToNode[fd] = n
	if err := p.poll.watch(fd); err != nil {
		closeFD(fd)
		n.fd = -1
		delete(p.fdToNode, fd)
		return err
	}

	if immediate {
		n.connected = true
		n.setAttempt(0)
		p.connectSet[fd] = false
		p.recomputeInterest(n)
	} else {
		n.connected = false
		p.connectSet[fd] = true
		n.curInterest = interest{connect: true}
		p.poll.setInterest(fd, n.curInterest)
	}
	return nil
}

// NumConnections returns the configured node count (spec §6).
func (p *Pool) NumConnections() int { return len(p.nodes) }

// AddressOf returns the idx'th node's remote address (spec §6).
func (p *Pool) AddressOf(idx int) string { return p.nodes[idx].address }

// Healthy reports whether the idx'th node is currently believed reachable
// (reconnectAttempt == 0), the per-node diagnostic named in SPEC_FULL.md's
// Options/diagnostics section.
func (p *Pool) Healthy(idx int) bool { return p.nodes[idx].healthy() }

// SetGetOptimization toggles GET coalescing (spec §4.B, §6).
func (p *Pool) SetGetOptimization(on bool) {
	v := int32(0)
	if on {
		v = 1
	}
	atomic.StoreInt32(&p.getOptimization, v)
}

func (p *Pool) getOpt() bool {
	return atomic.LoadInt32(&p.getOptimization) != 0
}

func (p *Pool) isShutdown() bool {
	return atomic.LoadInt32(&p.shutdownFlag) != 0
}

// AddOperation enqueues op at the preferred node, falling back to the next
// healthy node circularly, or to the original preference if every node is
// unhealthy (spec §4.G, testable property: submission is never rejected
// for unavailability).
func (p *Pool) AddOperation(preferredIdx int, op Operation) error {
	if p.isShutdown() {
		return ErrShutdown
	}

	n := len(p.nodes)
	target := preferredIdx
	loops := 0
	pos := preferredIdx
	for loops < 3 {
		idx := pos % n
		if p.nodes[idx].healthy() {
			target = idx
			break
		}
		pos++
		if pos%n == preferredIdx%n {
			loops++
		}
		if loops > 1 {
			target = preferredIdx % n
			break
		}
	}

	op.Initialize()
	h := &opHandle{op: op}
	node := p.nodes[target]
	for !node.in.push(h) {
		// bounded queue, generously sized; a full input queue means the
		// caller is submitting far faster than the loop can drain, so we
		// apply backpressure by spinning rather than dropping work.
	}
	p.notifyHandoff(node)
	return nil
}

func (p *Pool) notifyHandoff(n *Node) {
	for {
		if err := p.handoff.Enqueue(&n); err == nil {
			break
		}
		// duplicates are harmless (spec §4.C); if the handoff queue is
		// momentarily full the loop will see this node again soon via
		// whatever entry is already queued for it, but we still prefer to
		// get our own entry in to minimize latency.
	}
	p.wakeupSelector()
}

func (p *Pool) wakeupSelector() {
	_, err := unix.Write(p.wakeupW, []byte{1})
	_ = err // EAGAIN on a full pipe is fine: a wakeup is already pending
}

// HandleIO runs one iteration of the loop: drains the handoff queue,
// selects with a reconnect-derived timeout, drives per-key I/O, and
// attempts any due reconnects (spec §4.E).
func (p *Pool) HandleIO() error {
	if p.isShutdown() {
		return ErrShutdown
	}

	p.drainHandoff()

	timeout := p.computeTimeout()
	events, err := p.poll.wait(timeout, p.connectSet)
	if err != nil {
		return errors.Wrap(err, "poll wait")
	}

	if len(events) == 0 {
		p.emptySelects++
		if p.emptySelects > p.opts.MaxEmptySelects {
			p.sweep()
			p.emptySelects = 0
		}
	} else {
		p.emptySelects = 0
		for _, ev := range events {
			if ev.fd == p.wakeupR {
				p.drainWakeupPipe()
				continue
			}
			node, ok := p.fdToNode[ev.fd]
			if !ok {
				continue
			}
			p.handleKey(node, ev)
		}
	}

	p.attemptDueReconnects()
	p.checkOperationTimeouts()
	p.checkAllInvariants()
	return nil
}

// checkOperationTimeouts implements SPEC_FULL.md's supplemented per-node
// connection-health sweep: a current read op that has been waiting longer
// than Options.OperationTimeout indicts the *connection*, not the operation:
// the node is queued for reconnect at once, on the same reconnect path a
// fatal protocol error takes (spec §4.E.i), without touching protocolErrors
// or MaxProtocolErrors. Individual Operation cancellation policy stays the caller's
// responsibility; this never touches an Operation directly.
func (p *Pool) checkOperationTimeouts() {
	if p.opts.OperationTimeout <= 0 {
		return
	}
	now := time.Now()
	for _, n := range p.nodes {
		if n.fd < 0 || !n.connected || !n.hasReadOp() {
			continue
		}
		if now.Sub(n.readOpStartedAt) > p.opts.OperationTimeout {
			p.queueReconnect(n, errors.New("cachepool: operation timeout"))
		}
	}
}

func (p *Pool) drainWakeupPipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.wakeupR, buf[:])
		if err != nil || n == 0 {
			return
		}
	}
}

// drainHandoff implements spec §4.E.1.
func (p *Pool) drainHandoff() {
	for {
		n, err := p.handoff.Dequeue()
		if err != nil {
			return
		}
		node := *n
		if node.connected && node.hasWriteOp() {
			p.writePath(node)
		}
		node.copyInputQueue()
		p.recomputeInterest(node)
	}
}

func (p *Pool) computeTimeout() time.Duration {
	deadline, haveReconnect := p.sched.nextDeadline()

	if p.opts.OperationTimeout > 0 {
		if d, ok := p.nextOperationDeadline(); ok && (!haveReconnect || d.Before(deadline)) {
			deadline, haveReconnect = d, true
		}
	}

	if !haveReconnect {
		return -1
	}
	d := time.Until(deadline)
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}

func (p *Pool) nextOperationDeadline() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, n := range p.nodes {
		if n.fd < 0 || !n.connected || !n.hasReadOp() {
			continue
		}
		d := n.readOpStartedAt.Add(p.opts.OperationTimeout)
		if !found || d.Before(earliest) {
			earliest, found = d, true
		}
	}
	return earliest, found
}

// handleKey implements spec §4.E.i.
func (p *Pool) handleKey(node *Node, ev readyEvent) {
	if p.connectSet[node.fd] && ev.connectable {
		if err := finishConnect(node.fd); err != nil {
			p.queueReconnect(node, err)
			return
		}
		node.connected = true
		node.setAttempt(0)
		p.connectSet[node.fd] = false
		node.copyInputQueue()
		p.recomputeInterest(node)
		if node.writeBuf.hasRemaining() || node.hasWriteOp() {
			p.writePath(node)
		}
		return
	}

	if ev.writable {
		p.writePath(node)
		if !node.connected {
			return // reconnected mid-handler; fd is no longer valid
		}
	}
	if ev.readable {
		p.readPath(node)
		if !node.connected {
			return
		}
	}
	p.recomputeInterest(node)
}

// writePath implements spec §4.E.ii.
func (p *Pool) writePath(node *Node) {
	for {
		if node.writeBuf.remaining() == 0 {
			if !node.hasWriteOp() {
				return
			}
			node.fillWriteBuffer(p.getOpt())
			if node.writeBuf.remaining() == 0 {
				return
			}
		}

		n, err := socketWrite(node.fd, node.writeBuf.readableSlice())
		if err != nil {
			if err == errEAGAIN {
				return
			}
			p.queueReconnect(node, err)
			return
		}
		invariant(n >= 0, "write returned negative count")
		node.writeBuf.advance(n)
		if n == 0 {
			return
		}
	}
}

// readPath implements spec §4.E.iii. readBuf starts each call already
// positioned for filling — either freshly cleared (first use, post-reconnect)
// or compacted at the end of the previous round of this same loop — so no
// reset is needed before the first socketRead of a call.
func (p *Pool) readPath(node *Node) {
	for {
		n, err := socketRead(node.fd, node.readBuf.writableSlice())
		if err != nil {
			if err == errEAGAIN {
				return
			}
			p.queueReconnect(node, err)
			return
		}

		node.readBuf.advance(n)
		node.readBuf.flip()

		for node.readBuf.hasRemaining() {
			cur := node.currentReadOp()
			if cur == nil {
				p.queueReconnect(node, errors.New("cachepool: unexpected bytes with no current read op"))
				return
			}

			consumed, perr := cur.op.ReadFrom(node.readBuf.readableSlice())
			invariant(consumed >= 0, "ReadFrom returned negative count")
			node.readBuf.advance(consumed)

			if perr != nil {
				node.protocolErrors++
				p.opts.Logger.Warn("cachepool: protocol error", "node", node.id, "addr", node.address, "err", perr, "count", node.protocolErrors)
				if node.protocolErrors >= p.opts.MaxProtocolErrors {
					p.queueReconnect(node, errProtocolDesync)
					return
				}
				break
			}

			if cur.op.State() == StateComplete {
				node.protocolErrors = 0
				node.removeCurrentReadOp()
				if node.read.len() > 0 {
					node.readOpStartedAt = time.Now()
				}
				continue
			}

			if consumed == 0 {
				break
			}
		}

		if n == 0 {
			return
		}

		// A break above with consumed == 0 means the current read op
		// reported "not enough bytes yet" (spec §4.A); compact (not
		// clear) so that unconsumed tail survives into the buffer
		// region the next socketRead appends to, instead of being
		// overwritten from offset 0. When nothing is left unconsumed
		// this degrades to an ordinary reset, same as clear() would do.
		node.readBuf.compact()
	}
}

// recomputeInterest applies spec §4.E.iv's interest-set rule.
func (p *Pool) recomputeInterest(node *Node) {
	var want interest
	if !node.connected {
		want = interest{connect: true}
	} else {
		want = interest{
			read:  node.hasReadOp(),
			write: node.hasWriteOp() || node.writeBuf.hasRemaining(),
		}
	}
	if !want.equal(node.curInterest) {
		node.curInterest = want
		if node.fd >= 0 {
			p.poll.setInterest(node.fd, want)
		}
	}
}

// checkAllInvariants re-derives each node's interest set from scratch and
// compares it to what's actually registered, the assertion-level
// consistency check spec §4.E.iv calls for on every iteration.
func (p *Pool) checkAllInvariants() {
	for _, n := range p.nodes {
		if n.fd < 0 {
			continue
		}
		var want interest
		if !n.connected {
			want = interest{connect: true}
		} else {
			want = interest{read: n.hasReadOp(), write: n.hasWriteOp() || n.writeBuf.hasRemaining()}
		}
		invariant(want.equal(n.curInterest), "interest set drifted from §4.E.iv rule")
		invariant(n.writeBuf.remaining() >= 0, "toWrite went negative")
	}
}

// sweep is the defensive action taken after EXCESSIVE_EMPTY consecutive
// empty selects (spec §4.E.3): nodes that still believe they have ready
// work are driven directly; idle nodes are reconnected on the theory that
// their registration may be the one silently wedged by the kernel.
func (p *Pool) sweep() {
	for _, n := range p.nodes {
		if n.fd < 0 || !n.connected {
			continue
		}
		if n.hasReadOp() || n.hasWriteOp() {
			p.writePath(n)
			if n.connected {
				p.readPath(n)
			}
		} else {
			p.queueReconnect(n, errors.New("cachepool: defensive sweep after excessive empty selects"))
		}
	}
}

// queueReconnect implements spec §4.F: cancel the registration, close the
// channel, bump reconnectAttempt, schedule with backoff, and resend
// outstanding operations. Idempotent: a node whose channel is already nil
// is left untouched.
func (p *Pool) queueReconnect(n *Node, reason error) {
	if n.fd < 0 {
		return
	}

	p.opts.Logger.Debug("cachepool: queueing reconnect", "node", n.id, "addr", n.address, "reason", reason)

	p.poll.unwatch(n.fd)
	delete(p.fdToNode, n.fd)
	delete(p.connectSet, n.fd)
	closeFD(n.fd)

	n.fd = -1
	n.connected = false
	n.curInterest = interest{}
	n.protocolErrors = 0

	attempt := n.bumpAttempt()
	delay := p.clampDelay(backoffDelay(attempt))

	n.setupResend()

	p.sched.schedule(n, time.Now(), delay)
}

func (p *Pool) clampDelay(d time.Duration) time.Duration {
	if d > p.opts.MaxReconnectDelay {
		return p.opts.MaxReconnectDelay
	}
	return d
}

// attemptDueReconnects implements spec §4.F attemptReconnects.
func (p *Pool) attemptDueReconnects() {
	now := time.Now()
	for _, n := range p.sched.due(now) {
		if err := p.dial(n); err != nil {
			p.opts.Logger.Warn("cachepool: reconnect attempt failed", "node", n.id, "addr", n.address, "err", err)
			attempt := n.bumpAttempt()
			p.sched.schedule(n, now, p.clampDelay(backoffDelay(attempt)))
			continue
		}
		if n.connected {
			n.copyInputQueue()
			p.recomputeInterest(n)
			if n.writeBuf.hasRemaining() || n.hasWriteOp() {
				p.writePath(n)
			}
		}
	}
}

// Shutdown closes every channel and the poller itself; the next HandleIO
// call (and every AddOperation call) fails with ErrShutdown (spec §5, §6,
// §7). Idempotent.
func (p *Pool) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&p.shutdownFlag, 0, 1) {
		return nil
	}

	p.opts.Logger.Info("cachepool: shutdown", "nodes", len(p.nodes))

	for _, n := range p.nodes {
		if n.fd >= 0 {
			p.poll.unwatch(n.fd)
			closeFD(n.fd)
			n.fd = -1
		}
	}
	closeFD(p.wakeupR)
	closeFD(p.wakeupW)
	return p.poll.close()
}
