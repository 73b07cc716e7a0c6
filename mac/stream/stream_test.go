package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testParams() Parameters {
	return Parameters{Redundancy: RedundancyDouble, Period: 4, PayloadSize: 8, Direction: DirectionTX}
}

func TestStreamWriteReadRoundTrip(t *testing.T) {
	id := ID{SrcNode: 1, DstNode: 2, SrcPort: 5, DstPort: 6}
	s := newStream(id, testParams(), StatusEstablished)

	n, err := s.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	payload, ok := s.SendPacket()
	require.True(t, ok)
	require.Equal(t, "hello", string(payload))

	s.ReceivePacket([]byte("world"))
	got, err := s.Read()
	require.NoError(t, err)
	require.Equal(t, "world", string(got))
}

func TestStreamWriteRejectsOversizePayload(t *testing.T) {
	s := newStream(ID{}, testParams(), StatusEstablished)
	_, err := s.Write(make([]byte, 9))
	require.ErrorIs(t, err, ErrBufferOverflow)
}

func TestStreamWriteRejectsWhenNotConnected(t *testing.T) {
	s := newStream(ID{}, testParams(), StatusConnecting)
	_, err := s.Write([]byte("x"))
	require.ErrorIs(t, err, ErrNotConnected)
}

// TestStreamRedundancyGatesDeliveryOncePerPeriod exercises P4: a reader
// sees at most one distinct payload per period even though the data phase
// calls ReceivePacket once per redundant slot.
func TestStreamRedundancyGatesDeliveryOncePerPeriod(t *testing.T) {
	s := newStream(ID{}, Parameters{Redundancy: RedundancyTriple, PayloadSize: 8}, StatusEstablished)

	delivered := 0
	s.SetReceiveCallback(func(p []byte) { delivered++ })

	s.ReceivePacket([]byte("a"))
	s.ReceivePacket([]byte("b"))
	s.ReceivePacket([]byte("c"))
	require.Equal(t, 1, delivered)

	// next period: rxCount wrapped, a new delivery is accepted again.
	s.ReceivePacket([]byte("d"))
	require.Equal(t, 2, delivered)
}

func TestStreamSendPacketRepeatsWithinRedundancyWindow(t *testing.T) {
	s := newStream(ID{}, Parameters{Redundancy: RedundancyDouble, PayloadSize: 8}, StatusEstablished)
	_, err := s.Write([]byte("x"))
	require.NoError(t, err)

	p1, ok1 := s.SendPacket()
	require.True(t, ok1)
	require.Equal(t, "x", string(p1))

	p2, ok2 := s.SendPacket()
	require.True(t, ok2)
	require.Equal(t, "x", string(p2))

	// third call belongs to the next period: pendingTx was consumed, so
	// nothing more to send until Write is called again.
	_, ok3 := s.SendPacket()
	require.False(t, ok3)
}

func TestStreamCloseRejectsDoubleClose(t *testing.T) {
	s := newStream(ID{}, testParams(), StatusEstablished)
	require.NoError(t, s.Close())
	require.Equal(t, StatusCloseWait, s.Status())
	require.ErrorIs(t, s.Close(), ErrNotConnected)
}

func TestStreamPeriodicUpdateGivesUpAfterFailTimeout(t *testing.T) {
	s := newStream(ID{}, testParams(), StatusConnecting)
	s.failTimeout = 1
	s.smeTimeout = 100

	sme, gaveUp := s.periodicUpdate(100, 100)
	require.Nil(t, sme)
	require.True(t, gaveUp)
	require.Equal(t, StatusConnectFailed, s.Status())
}

func TestStreamPeriodicUpdateReenqueuesConnectSME(t *testing.T) {
	s := newStream(ID{SrcNode: 1, DstNode: 2}, testParams(), StatusConnecting)
	s.failTimeout = 100
	s.smeTimeout = 1

	sme, gaveUp := s.periodicUpdate(5, 100)
	require.False(t, gaveUp)
	require.NotNil(t, sme)
	require.Equal(t, SMEConnect, sme.Kind)
	require.Equal(t, 5, s.smeTimeout)
}

func TestStreamReadBlocksUntilDelivery(t *testing.T) {
	s := newStream(ID{}, testParams(), StatusEstablished)

	done := make(chan []byte, 1)
	go func() {
		b, err := s.Read()
		require.NoError(t, err)
		done <- b
	}()

	time.Sleep(10 * time.Millisecond)
	s.ReceivePacket([]byte("late"))

	select {
	case b := <-done:
		require.Equal(t, "late", string(b))
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after ReceivePacket")
	}
}
