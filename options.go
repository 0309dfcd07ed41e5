package cachepool

import (
	"log/slog"
	"time"
)

// Options configures a Pool at construction time. It is a plain struct
// rather than a file/flag parser — reading Options from JSON or flags is
// the caller's job (spec §1 keeps configuration parsing external); the
// json tags below only make `json.Unmarshal(data, &opts)` convenient for
// callers who want that, in the field-tag convention used throughout the
// corpus's own Config structs (e.g. kcptun's server.Config).
type Options struct {
	// BufferSize is the fixed capacity of each node's read and write byte
	// buffers.
	BufferSize int `json:"bufferSize"`

	// GetOptimization toggles coalescing of consecutive combinable
	// operations into one multi-key wire request (spec §4.B).
	GetOptimization bool `json:"getOptimization"`

	// MaxEmptySelects is the EXCESSIVE_EMPTY tolerance before the loop
	// defensively sweeps every registration (spec §4.E.3).
	MaxEmptySelects int `json:"maxEmptySelects"`

	// MaxProtocolErrors is EXCESSIVE_ERRORS: consecutive decode failures on
	// one connection before it is queued for reconnect (spec §4.E.i).
	MaxProtocolErrors int `json:"maxProtocolErrors"`

	// MaxReconnectDelay clamps the exponential backoff schedule
	// (spec §4.D).
	MaxReconnectDelay time.Duration `json:"maxReconnectDelay"`

	// OperationTimeout, when non-zero, is a connection-health sweep: if the
	// current read op on a node has been waiting longer than this, the
	// *connection* is queued for reconnect immediately, regardless of
	// MaxProtocolErrors (see SPEC_FULL.md's supplemented per-node timeout sweep).
	// Per-operation cancellation policy stays external; this never fails
	// an individual Operation.
	OperationTimeout time.Duration `json:"operationTimeout"`

	// Logger receives one record per reconnect, protocol error, and
	// shutdown transition. A nil Logger defaults to slog.Default(), never
	// to silence.
	Logger *slog.Logger `json:"-"`
}

// DefaultOptions returns the tuning constants named in spec §6.
func DefaultOptions() Options {
	return Options{
		BufferSize:        64 * 1024,
		GetOptimization:   true,
		MaxEmptySelects:   100,
		MaxProtocolErrors: 1,
		MaxReconnectDelay: maxReconnectDelay,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.MaxEmptySelects <= 0 {
		o.MaxEmptySelects = d.MaxEmptySelects
	}
	if o.MaxProtocolErrors <= 0 {
		o.MaxProtocolErrors = d.MaxProtocolErrors
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = d.MaxReconnectDelay
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
