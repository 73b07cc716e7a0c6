// Package transceiver defines the timed send/receive abstraction of
// spec.md §4.1 and ships SimRadio, an in-memory backend whose timing
// follows the wall clock scaled by SimBus.TimeScale, used by tests (and as
// the reference implementation a real 802.15.4 driver would replace). Grounded on sockatz/common/conn.go's QUICProxyConn, which
// similarly multiplexes timed, deadline-aware I/O over channels rather than
// a raw socket.
package transceiver

import "github.com/fedetft/tdmh-sub002/core/tile"

// Status is the outcome of a Recv call, per spec.md §4.1.
type Status uint8

const (
	StatusOK Status = iota
	StatusTimeout
	StatusTooLong
	StatusCRCFail
	StatusUninitialized
)

// RecvResult carries everything spec.md §4.1 specifies recv must return.
type RecvResult struct {
	Status         Status
	Size           int
	RxTimestamp    tile.NetworkTime
	RSSI           int8
	TimestampValid bool
}

// Transceiver is the timed send/receive abstraction every phase drives.
// All scheduling is absolute network time; implementations must return
// control promptly when a deadline has already passed (spec.md §4.1).
type Transceiver interface {
	// Configure sets the radio's operating parameters. strictTimeout, when
	// false, accepts packets whose preamble began before the deadline even
	// if the body arrives after (spec.md §4.1).
	Configure(freq float64, txPower int8, crc bool, strictTimeout bool) error

	TurnOn() error
	TurnOff() error
	Idle() error

	// SendAt transmits buf so that its first preamble bit goes out at
	// whenAbsNs. Callers must invoke SendAt at least ~500us before
	// whenAbsNs for TX warm-up (spec.md §4.1's contract).
	SendAt(buf []byte, whenAbsNs tile.NetworkTime) error

	// Recv waits for a packet until deadlineAbsNs. A deadline already in
	// the past with no buffered packet returns StatusTimeout without
	// blocking.
	Recv(maxLen int, deadlineAbsNs tile.NetworkTime) ([]byte, RecvResult, error)
}

// TxWarmup is the minimum lead time spec.md §4.1 requires between SendAt
// and the scheduled transmission instant.
const TxWarmup = 500_000 // 500us in ns, as a tile.NetworkTime-compatible int64
