package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig(node NodeID) Config {
	return Config{Node: node, SMETimeoutReset: 5, FailTimeoutMax: 10, SMEQueueCapacity: 16}
}

func TestManagerListenThenApplyInfoAccepted(t *testing.T) {
	m := NewManager(testConfig(2))
	type listenResult struct {
		fd  int
		err error
	}
	listened := make(chan listenResult, 1)
	go func() {
		fd, err := m.Listen(6, Parameters{Redundancy: RedundancyDouble, PayloadSize: 8})
		listened <- listenResult{fd: fd, err: err}
	}()

	// Listen blocks until acknowledged, so wait for the server to be
	// registered before answering it.
	fd := 1
	require.Eventually(t, func() bool {
		_, ok := m.serverByFd(fd)
		return ok
	}, time.Second, time.Millisecond)

	smes := m.DrainSMEs(10)
	require.Len(t, smes, 1)
	require.Equal(t, SMEListen, smes[0].Kind)

	peerID := ID{SrcNode: 1, DstNode: 2, SrcPort: 5, DstPort: 6}
	m.ApplyInfo(InfoElement{Kind: InfoAccepted, Stream: peerID})

	res := <-listened
	require.NoError(t, res.err)
	require.Equal(t, 1, res.fd)

	srv := m.servers[fd]
	require.Equal(t, StatusListen, srv.Status())

	acceptFd, err := m.Accept(fd)
	require.NoError(t, err)
	s, ok := m.streamByFd(acceptFd)
	require.True(t, ok)
	require.Equal(t, peerID, s.ID())
	require.Equal(t, StatusEstablished, s.Status())
}

func TestManagerConnectEnqueuesSMEAndDedups(t *testing.T) {
	m := NewManager(testConfig(1))
	params := Parameters{Redundancy: RedundancyNone, PayloadSize: 4}

	done := make(chan struct{})
	go func() {
		fd, err := m.Connect(2, 6, 5, params)
		require.NoError(t, err)
		require.Equal(t, 1, fd)
		close(done)
	}()

	id := ID{SrcNode: 1, DstNode: 2, SrcPort: 5, DstPort: 6}
	var s *Stream
	require.Eventually(t, func() bool {
		var ok bool
		s, ok = m.LookupStream(id)
		return ok
	}, time.Second, time.Millisecond)

	// A second SME for the same stream coalesces onto the queued one.
	m.EnqueueSME(SME{Stream: id, Params: params, Kind: SMEConnect})

	smes := m.DrainSMEs(10)
	require.Len(t, smes, 1)
	require.Equal(t, SMEConnect, smes[0].Kind)
	s.mu.Lock()
	s.setStatus(StatusEstablished)
	s.mu.Unlock()

	<-done
}

func TestManagerApplyScheduleNamesEstablishesAndClosesStreams(t *testing.T) {
	m := NewManager(testConfig(1))
	id := ID{SrcNode: 1, DstNode: 2, SrcPort: 1, DstPort: 2}
	params := Parameters{Redundancy: RedundancyDouble, PayloadSize: 8}

	m.ApplyScheduleNames(map[ID]Parameters{id: params})
	s, ok := m.LookupStream(id)
	require.True(t, ok)
	require.Equal(t, StatusEstablished, s.Status())

	m.ApplyScheduleNames(map[ID]Parameters{})
	require.Equal(t, StatusRemotelyClosed, s.Status())
}

func TestManagerDesyncFailsPendingConnect(t *testing.T) {
	m := NewManager(testConfig(1))
	done := make(chan error, 1)
	go func() {
		_, err := m.Connect(2, 6, 5, Parameters{PayloadSize: 4})
		done <- err
	}()

	id := ID{SrcNode: 1, DstNode: 2, SrcPort: 5, DstPort: 6}
	require.Eventually(t, func() bool {
		_, ok := m.LookupStream(id)
		return ok
	}, time.Second, time.Millisecond)
	m.Desync()

	err := <-done
	require.ErrorIs(t, err, ErrConnectFailed)
}

func TestManagerCloseRejectsUnknownFd(t *testing.T) {
	m := NewManager(testConfig(1))
	require.ErrorIs(t, m.Close(99), ErrInvalidFd)
}
