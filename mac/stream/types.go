// Package stream implements the application-facing Stream/Server endpoint
// model and the connect/listen/accept/read/write/close public API of
// spec.md §3/§4.9. It is grounded end to end on stream/stream.go's
// condition-variable-free blocking idiom (a per-endpoint mutex plus small
// buffered signal channels) and on client2/arq.go's timer-driven
// retransmit/timeout bookkeeping, adapted from reliable-byte-stream framing
// to the fixed-size, single-packet-per-period semantics spec.md requires.
package stream

import "fmt"

// NodeID mirrors spec.md §3; zero is reserved for the master.
type NodeID uint16

// ID is spec.md §3's four-tuple identifying a flow end-to-end.
type ID struct {
	SrcNode, DstNode NodeID
	SrcPort, DstPort uint8
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d->%d:%d", id.SrcNode, id.SrcPort, id.DstNode, id.DstPort)
}

// Redundancy mirrors mac/schedule.Redundancy; duplicated here (rather than
// imported) because the stream layer must not depend on the schedule
// package — schedule elements are produced *from* negotiated stream
// parameters, not the reverse.
type Redundancy uint8

const (
	RedundancyNone Redundancy = iota
	RedundancyDouble
	RedundancyTriple
	RedundancyDoubleSpatial
	RedundancyTripleSpatial
)

// Count returns how many transmit/receive opportunities this class grants
// per period (spec.md I4).
func (r Redundancy) Count() int {
	switch r {
	case RedundancyDouble, RedundancyDoubleSpatial:
		return 2
	case RedundancyTriple, RedundancyTripleSpatial:
		return 3
	default:
		return 1
	}
}

// Direction mirrors spec.md §3.
type Direction uint8

const (
	DirectionTX Direction = iota
	DirectionRX
)

// Parameters mirrors spec.md §3's StreamParameters. Period is expressed in
// tiles (an enumerated power-of-two multiple of the tile per spec.md §3);
// the master may revise it downward during negotiation.
type Parameters struct {
	Redundancy  Redundancy
	Period      uint16
	PayloadSize uint16
	Direction   Direction
}

// Status is spec.md §3's StreamStatus finite-state enumeration.
type Status uint8

const (
	StatusUninitialized Status = iota
	StatusConnecting
	StatusConnectFailed
	StatusAcceptWait
	StatusEstablished
	StatusListenWait
	StatusListenFailed
	StatusListen
	StatusRemotelyClosed
	StatusReopened
	StatusCloseWait
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "UNINITIALIZED"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnectFailed:
		return "CONNECT_FAILED"
	case StatusAcceptWait:
		return "ACCEPT_WAIT"
	case StatusEstablished:
		return "ESTABLISHED"
	case StatusListenWait:
		return "LISTEN_WAIT"
	case StatusListenFailed:
		return "LISTEN_FAILED"
	case StatusListen:
		return "LISTEN"
	case StatusRemotelyClosed:
		return "REMOTELY_CLOSED"
	case StatusReopened:
		return "REOPENED"
	case StatusCloseWait:
		return "CLOSE_WAIT"
	default:
		return "UNKNOWN"
	}
}

// SMEKind mirrors spec.md §3.
type SMEKind uint8

const (
	SMEConnect SMEKind = iota
	SMEListen
	SMEClosed
	SMEResend
)

// SME is a Stream-Management Element (spec.md §3): a small record queued
// for the next uplink.
type SME struct {
	Stream ID
	Params Parameters
	Kind   SMEKind
}

// key is the dedup key an SME coalesces on: spec.md I5 says "a later SME
// for the same StreamId+kind coalesces onto the earlier one" while §4.9
// (Stream-level dedup) describes replacement "by streamId" outright; we
// key on StreamId alone so a later SME of any kind for the same stream
// supersedes an earlier one, since a stream can only be pursuing one
// lifecycle transition at a time.
type smeKey ID

func (s SME) key() smeKey { return smeKey(s.Stream) }
