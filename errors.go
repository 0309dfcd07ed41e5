package cachepool

import "github.com/pkg/errors"

// Sentinel errors, in the style of xenking-redis's package-level
// ErrClosed/errProtocol values compared by identity rather than type.
var (
	// ErrShutdown is returned by HandleIO and AddOperation once Shutdown
	// has been called (spec §5, §7).
	ErrShutdown = errors.New("cachepool: pool is shut down")

	// errProtocolDesync marks a connection as unrecoverable after
	// EXCESSIVE_ERRORS consecutive decode failures (spec §4.E.i, §7).
	errProtocolDesync = errors.New("cachepool: protocol desync")

	// errConnClosed marks an orderly EOF from the peer (a read returning
	// zero bytes), attributable to the connection rather than to an
	// operation. Other read/write failures surface as wrapped syscall errors.
	errConnClosed = errors.New("cachepool: connection closed")
)

// invariant panics with msg if cond is false. Internal invariant violations
// (negative toWrite, interest-set mismatch, negative byte counts from an
// Operation or a socket write) are programmer errors per spec §7 and
// propagate rather than being absorbed by the loop. Bytes arriving with no
// current read op are not checked here: readPath queues a reconnect for them.
func invariant(cond bool, msg string) {
	if !cond {
		panic("cachepool: invariant violated: " + msg)
	}
}
