package cachepool

import (
	"fmt"
	"net"
	"strings"
	"testing"
)

// getOp is a minimal memcached-text-protocol GET used across tests: it
// writes "get <key>\r\n" and parses a standard "VALUE k flags len\r\ndata
// \r\nEND\r\n" response. It implements combinable so the write-path
// coalescing logic in node.go has something real to merge.
type getOp struct {
	key    string
	req    []byte
	reqPos int
	state  OpState
	value  []byte
}

func (g *getOp) Initialize() {
	g.req = []byte("get " + g.key + "\r\n")
	g.reqPos = 0
	g.state = StateWriting
	g.value = nil
}

func (g *getOp) WriteInto(buf []byte) int {
	if g.reqPos >= len(g.req) {
		return 0
	}
	n := copy(buf, g.req[g.reqPos:])
	g.reqPos += n
	if g.reqPos >= len(g.req) {
		g.state = StateReading
	}
	return n
}

func (g *getOp) ReadFrom(buf []byte) (int, error) {
	n, done, err := parseGetBlock(string(buf), func(key string, data []byte) {
		if key == g.key {
			g.value = data
		}
	})
	if err != nil {
		return n, err
	}
	if done {
		g.state = StateComplete
	}
	return n, nil
}

func (g *getOp) State() OpState      { return g.state }
func (g *getOp) CoalesceKey() string { return "get" }

// Combine is called by the core's write path (never by a producer thread)
// once it has decided two operations belong in the same coalesced run; it
// builds the merged wire request itself, since the core never calls
// Initialize on the synthetic group it produces.
func (g *getOp) Combine(group Operation) Operation {
	switch gr := group.(type) {
	case *getOp:
		m := &multiGetOp{ops: []*getOp{gr, g}}
		m.rebuildRequest()
		return m
	case *multiGetOp:
		gr.ops = append(gr.ops, g)
		gr.rebuildRequest()
		return gr
	default:
		return g
	}
}

// multiGetOp is the merged representative a run of coalesced getOps is
// replaced by on the write path; it demultiplexes the combined response
// back onto each original getOp (spec §4.B's "operation abstraction exposes
// a combinable variant").
type multiGetOp struct {
	ops    []*getOp
	req    []byte
	reqPos int
	state  OpState
}

// Initialize is only reached if a *multiGetOp ever ended up resent as a
// whole (it doesn't: node.expandGroup always hands setupResend the original
// individual getOps instead, see node.go). Kept for interface completeness.
func (m *multiGetOp) Initialize() {
	for _, o := range m.ops {
		o.Initialize()
	}
	m.rebuildRequest()
}

func (m *multiGetOp) rebuildRequest() {
	keys := make([]string, len(m.ops))
	for i, o := range m.ops {
		keys[i] = o.key
	}
	m.req = []byte("get " + strings.Join(keys, " ") + "\r\n")
	m.reqPos = 0
	m.state = StateWriting
}

func (m *multiGetOp) WriteInto(buf []byte) int {
	if m.reqPos >= len(m.req) {
		return 0
	}
	n := copy(buf, m.req[m.reqPos:])
	m.reqPos += n
	if m.reqPos >= len(m.req) {
		m.state = StateReading
	}
	return n
}

func (m *multiGetOp) ReadFrom(buf []byte) (int, error) {
	n, done, err := parseGetBlock(string(buf), func(key string, data []byte) {
		for _, o := range m.ops {
			if o.key == key {
				o.value = data
				o.state = StateComplete
			}
		}
	})
	if err != nil {
		return n, err
	}
	if done {
		m.state = StateComplete
	}
	return n, nil
}

func (m *multiGetOp) State() OpState { return m.state }

// parseGetBlock consumes as many complete "VALUE key flags len\r\ndata\r\n"
// records as s holds, stopping at (and consuming) a trailing "END\r\n". It
// reports how many bytes were consumed and whether the terminal END was
// seen; a short buffer is not an error, just "come back with more bytes".
func parseGetBlock(s string, assign func(key string, data []byte)) (consumed int, done bool, err error) {
	for {
		rem := s[consumed:]
		if strings.HasPrefix(rem, "END\r\n") {
			return consumed + len("END\r\n"), true, nil
		}
		idx := strings.Index(rem, "\r\n")
		if idx < 0 {
			return consumed, false, nil
		}
		line := rem[:idx]
		var key string
		var flags, length int
		if n, _ := fmt.Sscanf(line, "VALUE %s %d %d", &key, &flags, &length); n != 3 {
			return consumed, false, fmt.Errorf("malformed VALUE line %q", line)
		}
		dataStart := consumed + idx + 2
		if dataStart+length+2 > len(s) {
			return consumed, false, nil
		}
		assign(key, []byte(s[dataStart:dataStart+length]))
		consumed = dataStart + length + 2
	}
}

// startFixtureServer opens a loopback TCP listener, calls handle once per
// accepted connection in its own goroutine, and cleans up on test exit.
func startFixtureServer(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}
