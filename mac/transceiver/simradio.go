package transceiver

import (
	"sync"
	"time"

	"github.com/fedetft/tdmh-sub002/core/log"
	"github.com/fedetft/tdmh-sub002/core/tile"
)

var logger = log.New("mac/transceiver")

// SimBus is a shared in-memory medium connecting every node's SimRadio in a
// test topology. Virtual NetworkTime is derived from real wall-clock time
// scaled by TimeScale, so a multi-tile flood can be exercised in
// milliseconds of real test time while phases still reason in nanoseconds
// of network time.
type SimBus struct {
	mu        sync.Mutex
	start     time.Time
	TimeScale float64 // virtual ns elapsed per real ns; > 1 speeds up time

	radios map[int]*SimRadio
	// DropFn, if set, is consulted per (from, to) delivery to simulate a
	// lossy link; returning true drops the packet.
	DropFn func(from, to int) bool
}

// NewSimBus creates a bus with the given time acceleration factor.
func NewSimBus(timeScale float64) *SimBus {
	if timeScale <= 0 {
		timeScale = 1
	}
	return &SimBus{start: time.Now(), TimeScale: timeScale, radios: make(map[int]*SimRadio)}
}

// Now returns the bus's current virtual NetworkTime.
func (b *SimBus) Now() tile.NetworkTime {
	elapsed := time.Since(b.start)
	return tile.NetworkTime(float64(elapsed.Nanoseconds()) * b.TimeScale)
}

// toReal converts a virtual-time delta to a real time.Duration.
func (b *SimBus) toReal(d tile.NetworkTime) time.Duration {
	return time.Duration(float64(d) / b.TimeScale)
}

// Attach registers a new simulated radio for nodeID and returns it.
func (b *SimBus) Attach(nodeID int) *SimRadio {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := &SimRadio{
		bus:    b,
		nodeID: nodeID,
		mbox:   make(chan delivered, 64),
	}
	b.radios[nodeID] = r
	return r
}

type delivered struct {
	payload   []byte
	rxAt      tile.NetworkTime
	rssi      int8
	fromValid bool
}

// deliverFrom schedules buf for delivery to every other attached radio at
// whenAbsNs, the simulated instant its first preamble bit arrives.
func (b *SimBus) deliverFrom(fromNodeID int, buf []byte, whenAbsNs tile.NetworkTime) {
	b.mu.Lock()
	targets := make([]*SimRadio, 0, len(b.radios))
	for id, r := range b.radios {
		if id == fromNodeID {
			continue
		}
		if b.DropFn != nil && b.DropFn(fromNodeID, id) {
			continue
		}
		targets = append(targets, r)
	}
	b.mu.Unlock()

	delay := b.toReal(whenAbsNs - b.Now())
	if delay < 0 {
		delay = 0
	}
	cp := append([]byte{}, buf...)
	time.AfterFunc(delay, func() {
		for _, r := range targets {
			select {
			case r.mbox <- delivered{payload: cp, rxAt: whenAbsNs, rssi: -40, fromValid: true}:
			default:
				logger.Warningf("node %d: mailbox full, dropping frame from %d", r.nodeID, fromNodeID)
			}
		}
	})
}

// SimRadio is one node's Transceiver bound to a SimBus.
type SimRadio struct {
	bus    *SimBus
	nodeID int
	mbox   chan delivered

	mu            sync.Mutex
	on            bool
	strictTimeout bool
}

var _ Transceiver = (*SimRadio)(nil)

func (r *SimRadio) Configure(freq float64, txPower int8, crc bool, strictTimeout bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strictTimeout = strictTimeout
	return nil
}

func (r *SimRadio) TurnOn() error {
	r.mu.Lock()
	r.on = true
	r.mu.Unlock()
	return nil
}

func (r *SimRadio) TurnOff() error {
	r.mu.Lock()
	r.on = false
	r.mu.Unlock()
	return nil
}

func (r *SimRadio) Idle() error { return nil }

func (r *SimRadio) SendAt(buf []byte, whenAbsNs tile.NetworkTime) error {
	r.bus.deliverFrom(r.nodeID, buf, whenAbsNs)
	return nil
}

func (r *SimRadio) Recv(maxLen int, deadlineAbsNs tile.NetworkTime) ([]byte, RecvResult, error) {
	timeout := r.bus.toReal(deadlineAbsNs - r.bus.Now())
	if timeout <= 0 {
		select {
		case d := <-r.mbox:
			return finishRecv(d, maxLen)
		default:
			return nil, RecvResult{Status: StatusTimeout}, nil
		}
	}
	select {
	case d := <-r.mbox:
		return finishRecv(d, maxLen)
	case <-time.After(timeout):
		return nil, RecvResult{Status: StatusTimeout}, nil
	}
}

func finishRecv(d delivered, maxLen int) ([]byte, RecvResult, error) {
	if len(d.payload) > maxLen {
		return nil, RecvResult{Status: StatusTooLong}, nil
	}
	return d.payload, RecvResult{
		Status:         StatusOK,
		Size:           len(d.payload),
		RxTimestamp:    d.rxAt,
		RSSI:           d.rssi,
		TimestampValid: true,
	}, nil
}
