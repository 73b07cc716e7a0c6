package stream

import "sync"

// Server is the listening-endpoint counterpart of Stream (spec.md §3): it
// owns a FIFO of accepted-but-not-yet-returned Streams and follows the
// analogous LISTEN_WAIT -> LISTEN -> CLOSE_WAIT lifecycle.
type Server struct {
	mu sync.Mutex

	port   uint8
	node   NodeID
	params Parameters
	status Status

	pendingAccept []*Stream

	smeTimeout  int
	failTimeout int

	onStatus chan struct{}
	onAccept chan struct{}
}

func newServer(node NodeID, port uint8, params Parameters) *Server {
	return &Server{
		node: node, port: port, params: params,
		status:   StatusListenWait,
		onStatus: make(chan struct{}),
		onAccept: make(chan struct{}, 1),
	}
}

// Status returns the current status.
func (srv *Server) Status() Status {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.status
}

func (srv *Server) setStatus(status Status) {
	srv.status = status
	close(srv.onStatus)
	srv.onStatus = make(chan struct{})
}

func (srv *Server) statusCh() chan struct{} {
	return srv.onStatus
}

func (srv *Server) signalAccept() {
	select {
	case srv.onAccept <- struct{}{}:
	default:
	}
}

// enqueueAccepted pushes a newly arrived connection onto the FIFO, per
// spec.md §4.9's accept() contract. Called by Manager.ApplyInfo when an
// accepted InfoElement names this server.
func (srv *Server) enqueueAccepted(s *Stream) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.pendingAccept = append(srv.pendingAccept, s)
	srv.signalAccept()
}

// Accept blocks until an inbound connection is ready, then dequeues the
// head of pendingAccept (spec.md §4.9).
func (srv *Server) Accept() (*Stream, error) {
	srv.mu.Lock()
	for len(srv.pendingAccept) == 0 {
		if srv.status == StatusListenFailed || srv.status == StatusCloseWait {
			srv.mu.Unlock()
			return nil, ErrListenFailed
		}
		statusCh := srv.statusCh()
		onAccept := srv.onAccept
		srv.mu.Unlock()
		select {
		case <-onAccept:
		case <-statusCh:
		}
		srv.mu.Lock()
	}
	s := srv.pendingAccept[0]
	srv.pendingAccept = srv.pendingAccept[1:]
	srv.mu.Unlock()
	return s, nil
}

func (srv *Server) periodicUpdate(smeTimeoutReset int) (sme *SME, gaveUp bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.status != StatusListenWait {
		return nil, false
	}
	srv.failTimeout--
	if srv.failTimeout <= 0 {
		srv.setStatus(StatusListenFailed)
		return nil, true
	}
	srv.smeTimeout--
	if srv.smeTimeout <= 0 {
		srv.smeTimeout = smeTimeoutReset
		id := ID{SrcNode: srv.node, SrcPort: srv.port}
		return &SME{Stream: id, Params: srv.params, Kind: SMEListen}, false
	}
	return nil, false
}

// Close transitions the server to CLOSE_WAIT; Manager.Close enqueues the
// CLOSED SME right away. Servers have no periodic SME re-send path once
// closing: periodicUpdate acts only in LISTEN_WAIT.
func (srv *Server) Close() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.status == StatusCloseWait {
		return ErrNotConnected
	}
	srv.setStatus(StatusCloseWait)
	return nil
}
