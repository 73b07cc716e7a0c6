package stream

import (
	"sync"
)

// slot holds one fixed-size packet plus an "already consumed this period"
// flag, per spec.md §3 ("two fixed-capacity packet slots").
type slot struct {
	payload  []byte
	occupied bool
	consumed bool
}

// Stream is the application-facing endpoint object of spec.md §3.
// All state transitions are guarded by mu; read/write/connect/accept
// callers block on dedicated signal channels rather than sync.Cond, the
// same pattern stream/stream.go uses for onFlush/onAck/onRead/onWrite.
type Stream struct {
	mu sync.Mutex

	id     ID
	params Parameters
	status Status

	pendingTx slot // awaiting transmission this period
	lastRx    slot // last packet received this period

	txCount uint8
	rxCount uint8
	seqNo   uint64

	smeTimeout  int // tiles remaining before the next periodic SME re-enqueue
	failTimeout int // tiles remaining before CONNECTING/LISTEN_WAIT gives up

	sendCallback    func() []byte
	receiveCallback func([]byte)

	onStatus  chan struct{} // closed+replaced on every status transition
	onRead    chan struct{}
	onWrite   chan struct{}

	// acceptedInto, when non-nil, is the Server this stream will be
	// delivered to via accept() once ESTABLISHED.
	acceptedInto *Server
}

func newStream(id ID, params Parameters, status Status) *Stream {
	return &Stream{
		id:       id,
		params:   params,
		status:   status,
		onStatus: make(chan struct{}),
		onRead:   make(chan struct{}, 1),
		onWrite:  make(chan struct{}, 1),
	}
}

// ID returns the stream's four-tuple.
func (s *Stream) ID() ID {
	return s.id
}

// Status returns the current StreamStatus.
func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Params returns the currently negotiated parameters.
func (s *Stream) Params() Parameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// setStatus installs a new status and wakes every caller blocked on a
// status-dependent wait (connect/listen/accept), mirroring how the teacher
// broadcasts desync through every endpoint's condition variable (spec.md
// §5, §7).
func (s *Stream) setStatus(status Status) {
	s.status = status
	close(s.onStatus)
	s.onStatus = make(chan struct{})
}

func (s *Stream) statusCh() chan struct{} {
	return s.onStatus
}

func (s *Stream) signalRead() {
	select {
	case s.onRead <- struct{}{}:
	default:
	}
}

func (s *Stream) signalWrite() {
	select {
	case s.onWrite <- struct{}{}:
	default:
	}
}

// periodicUpdate decrements the SME/fail timers by one tile, per spec.md
// §4.5/§4.9. It returns an SME to (re-)enqueue, if any, and whether the
// stream gave up (CONNECTING/LISTEN_WAIT -> *_FAILED) this round.
func (s *Stream) periodicUpdate(smeTimeoutReset, failTimeoutMax int) (sme *SME, gaveUp bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusConnecting:
		s.failTimeout--
		if s.failTimeout <= 0 {
			s.setStatus(StatusConnectFailed)
			return nil, true
		}
		s.smeTimeout--
		if s.smeTimeout <= 0 {
			s.smeTimeout = smeTimeoutReset
			return &SME{Stream: s.id, Params: s.params, Kind: SMEConnect}, false
		}
	case StatusListenWait:
		s.failTimeout--
		if s.failTimeout <= 0 {
			s.setStatus(StatusListenFailed)
			return nil, true
		}
		s.smeTimeout--
		if s.smeTimeout <= 0 {
			s.smeTimeout = smeTimeoutReset
			return &SME{Stream: s.id, Params: s.params, Kind: SMEListen}, false
		}
	case StatusCloseWait:
		s.smeTimeout--
		if s.smeTimeout <= 0 {
			s.smeTimeout = smeTimeoutReset
			return &SME{Stream: s.id, Kind: SMEClosed}, false
		}
	}
	return nil, false
}

// Write implements spec.md §4.9's write(): single-packet semantics, the
// payload overwrites any unsent pending packet for the next period. With no
// callback installed, a second call within one period blocks until the
// period boundary (signaled by the data phase draining pendingTx).
func (s *Stream) Write(data []byte) (int, error) {
	s.mu.Lock()
	if len(data) > int(s.params.PayloadSize) {
		s.mu.Unlock()
		return -1, ErrBufferOverflow
	}
	if s.status != StatusEstablished && s.status != StatusReopened {
		s.mu.Unlock()
		return -2, ErrNotConnected
	}
	for s.pendingTx.occupied && !s.pendingTx.consumed {
		statusCh := s.statusCh()
		onWrite := s.onWrite
		s.mu.Unlock()
		select {
		case <-onWrite:
		case <-statusCh:
		}
		s.mu.Lock()
		if s.status != StatusEstablished && s.status != StatusReopened {
			s.mu.Unlock()
			return -2, ErrNotConnected
		}
	}
	s.pendingTx = slot{payload: append([]byte{}, data...), occupied: true, consumed: false}
	s.mu.Unlock()
	return len(data), nil
}

// Read implements spec.md §4.9's read(): returns the last packet received
// in the current period. If that packet was already consumed, it blocks
// until a new packet is delivered or the stream closes; a period boundary
// with no packet received does not wake it.
func (s *Stream) Read() ([]byte, error) {
	s.mu.Lock()
	for !s.lastRx.occupied || s.lastRx.consumed {
		if s.status == StatusRemotelyClosed || s.status == StatusCloseWait {
			s.mu.Unlock()
			return nil, ErrNotConnected
		}
		statusCh := s.statusCh()
		onRead := s.onRead
		s.mu.Unlock()
		select {
		case <-onRead:
		case <-statusCh:
		}
		s.mu.Lock()
	}
	s.lastRx.consumed = true
	out := append([]byte{}, s.lastRx.payload...)
	s.mu.Unlock()
	return out, nil
}

// SetSendCallback installs a callback that SendPacket invokes in place of
// draining pendingTx (spec.md §4.9). It is invoked on every SEND slot, that
// is redundancyCount times per period, not once per period.
func (s *Stream) SetSendCallback(cb func() []byte) {
	s.mu.Lock()
	s.sendCallback = cb
	s.mu.Unlock()
}

// SetReceiveCallback installs a callback invoked once per period with each
// received payload, in place of buffering into lastRx (spec.md §4.9).
func (s *Stream) SetReceiveCallback(cb func([]byte)) {
	s.mu.Lock()
	s.receiveCallback = cb
	s.mu.Unlock()
}

// SendPacket is called by the data phase (spec.md §4.7) to pull the
// stream's pending packet, enforcing per-period redundancy (I4): it
// returns a packet at most redundancyCount times per period, after which
// txCount resets and seqNo increments.
func (s *Stream) SendPacket() (payload []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := uint8(s.params.Redundancy.Count())
	if s.txCount >= limit {
		s.txCount = 0
	}

	if s.sendCallback != nil {
		payload = s.sendCallback()
		ok = payload != nil
	} else if s.pendingTx.occupied {
		payload = s.pendingTx.payload
		ok = true
	}

	if !ok {
		return nil, false
	}

	s.txCount++
	if s.txCount >= limit {
		s.txCount = 0
		s.seqNo++
		if s.sendCallback == nil {
			s.pendingTx.consumed = true
			s.pendingTx.occupied = false
			s.signalWrite()
		}
	}
	return payload, true
}

// ReceivePacket is called by the data phase on a successful Recv, handing
// the packet to the matching stream while enforcing per-period redundancy:
// rxCount resets and seqNo increments once redundancyCount deliveries have
// landed, and the reader surfaces at most one distinct payload per period
// (P4).
func (s *Stream) ReceivePacket(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := uint8(s.params.Redundancy.Count())
	if s.rxCount == 0 {
		s.lastRx = slot{payload: append([]byte{}, payload...), occupied: true, consumed: false}
		if s.receiveCallback != nil {
			cb := s.receiveCallback
			payloadCopy := append([]byte{}, payload...)
			s.mu.Unlock()
			cb(payloadCopy)
			s.mu.Lock()
		} else {
			s.signalRead()
		}
	}
	s.rxCount++
	if s.rxCount >= limit {
		s.rxCount = 0
		s.seqNo++
	}
}

// MissPacket is called by the data phase when an expected RECV slot times
// out or fails CRC/auth.
func (s *Stream) MissPacket() {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := uint8(s.params.Redundancy.Count())
	s.rxCount++
	if s.rxCount >= limit {
		s.rxCount = 0
		s.seqNo++
	}
}

// Close transitions through CLOSE_WAIT per spec.md §4.9; it returns once
// the caller may stop using the stream (the manager retains the object
// until the master confirms removal).
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusUninitialized, StatusCloseWait:
		return ErrNotConnected
	}
	s.setStatus(StatusCloseWait)
	s.smeTimeout = 0 // enqueue CLOSED on the very next periodicUpdate
	return nil
}
