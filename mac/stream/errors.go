package stream

import "errors"

// Sentinel errors mirroring spec.md §7's error kinds. Per-API numeric
// codes (-1, -2) are returned alongside these from the public Manager
// methods; the sentinels let internal callers distinguish cases
// idiomatically.
var (
	// ErrBufferOverflow is returned by Write when the payload exceeds the
	// negotiated PayloadSize.
	ErrBufferOverflow = errors.New("stream: payload exceeds negotiated size")

	// ErrInvalidFd is returned when a caller references an fd the manager
	// does not recognize.
	ErrInvalidFd = errors.New("stream: invalid descriptor")

	// ErrNotConnected is returned when an operation requires an
	// established/listening endpoint that is not in that state.
	ErrNotConnected = errors.New("stream: not connected")

	// ErrDesync names the DESYNCHRONIZED condition (spec.md §5, §7). No
	// call in this package returns it: callers woken by Manager.Desync get
	// ErrConnectFailed, ErrListenFailed or ErrNotConnected from the state
	// their endpoint moved to.
	ErrDesync = errors.New("stream: desynchronized")

	// ErrConnectFailed mirrors the CONNECT_FAILED terminal state.
	ErrConnectFailed = errors.New("stream: connect failed")

	// ErrListenFailed mirrors the LISTEN_FAILED terminal state.
	ErrListenFailed = errors.New("stream: listen failed")
)
