package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServerAcceptBlocksUntilEnqueued(t *testing.T) {
	srv := newServer(2, 6, testParams())

	done := make(chan *Stream, 1)
	go func() {
		s, err := srv.Accept()
		require.NoError(t, err)
		done <- s
	}()

	peer := newStream(ID{SrcNode: 1, DstNode: 2, SrcPort: 5, DstPort: 6}, testParams(), StatusEstablished)
	time.Sleep(10 * time.Millisecond)
	srv.enqueueAccepted(peer)

	select {
	case got := <-done:
		require.Equal(t, peer.ID(), got.ID())
	case <-time.After(time.Second):
		t.Fatal("Accept did not unblock")
	}
}

func TestServerPeriodicUpdateGivesUpAfterFailTimeout(t *testing.T) {
	srv := newServer(1, 3, testParams())
	srv.failTimeout = 1
	srv.smeTimeout = 100

	sme, gaveUp := srv.periodicUpdate(100)
	require.Nil(t, sme)
	require.True(t, gaveUp)
	require.Equal(t, StatusListenFailed, srv.Status())
}

func TestServerPeriodicUpdateReenqueuesListenSME(t *testing.T) {
	srv := newServer(1, 3, testParams())
	srv.failTimeout = 100
	srv.smeTimeout = 1

	sme, gaveUp := srv.periodicUpdate(7)
	require.False(t, gaveUp)
	require.NotNil(t, sme)
	require.Equal(t, SMEListen, sme.Kind)
	require.Equal(t, 7, srv.smeTimeout)
}

func TestServerCloseRejectsDoubleClose(t *testing.T) {
	srv := newServer(1, 3, testParams())
	require.NoError(t, srv.Close())
	require.ErrorIs(t, srv.Close(), ErrNotConnected)
}
