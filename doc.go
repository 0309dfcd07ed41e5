// Package cachepool implements a single-threaded, non-blocking I/O
// multiplexer for a pool of connections to a fleet of cache servers.
//
// It owns a set of long-lived TCP connections, drives readiness-based reads
// and writes across all of them from one event loop, multiplexes pending
// operations onto per-connection queues, and transparently reconnects
// failed peers with backoff while preserving pending work.
//
// cachepool does not know how to encode or decode any particular wire
// protocol, nor which node a key hashes to — callers supply an Operation
// implementation and a preferred node index per call to AddOperation.
package cachepool
