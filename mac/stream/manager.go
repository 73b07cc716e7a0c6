package stream

import (
	"sync"

	"github.com/fedetft/tdmh-sub002/core/log"
)

var logger = log.New("mac/stream")

// Config bounds the Manager's retry/timeout behavior (spec.md §4.5, §4.9,
// §6).
type Config struct {
	// Node is this node's own NodeID, used to fill in SrcNode on
	// locally-initiated SMEs.
	Node NodeID
	// SMETimeoutReset is the tile count between periodic SME re-enqueues
	// for a stalled open/listen/close (spec.md §4.5).
	SMETimeoutReset int
	// FailTimeoutMax is the tile count after which a CONNECTING/
	// LISTEN_WAIT endpoint gives up (spec.md §4.5, §4.9).
	FailTimeoutMax int
	// SMEQueueCapacity bounds the outbound SME queue (spec.md §5).
	SMEQueueCapacity int
}

type serverKey struct {
	node NodeID
	port uint8
}

// Manager implements spec.md §4.9's public API and owns every Stream and
// Server's lifecycle, SME queueing, and periodic bookkeeping. Grounded on
// stream/stream.go's Stream for the blocking primitives and on
// client2/arq.go's ARQ for the bounded, mutex-guarded outstanding-request
// map shape.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	streams map[int]*Stream
	servers map[int]*Server
	nextFd  int

	byStreamID map[ID]int
	byServer   map[serverKey]int

	smeOrder []smeKey
	smeByKey map[smeKey]*SME
}

// NewManager builds an empty Manager for this node.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:        cfg,
		streams:    make(map[int]*Stream),
		servers:    make(map[int]*Server),
		byStreamID: make(map[ID]int),
		byServer:   make(map[serverKey]int),
		smeByKey:   make(map[smeKey]*SME),
	}
}

func (m *Manager) allocFd() int {
	m.nextFd++
	return m.nextFd
}

// EnqueueSME enqueues sme for the next uplink opportunity, deduplicating by
// StreamId so a later SME for the same stream coalesces onto the earlier
// one (spec.md I5).
func (m *Manager) EnqueueSME(sme SME) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueueSMELocked(sme)
}

func (m *Manager) enqueueSMELocked(sme SME) {
	k := sme.key()
	if _, exists := m.smeByKey[k]; !exists {
		if len(m.smeOrder) >= m.cfg.SMEQueueCapacity && m.cfg.SMEQueueCapacity > 0 {
			// Bounded queue (spec.md §5): drop the oldest rather than grow
			// unbounded; it will be re-enqueued by periodicUpdate.
			oldest := m.smeOrder[0]
			m.smeOrder = m.smeOrder[1:]
			delete(m.smeByKey, oldest)
		}
		m.smeOrder = append(m.smeOrder, k)
	}
	cp := sme
	m.smeByKey[k] = &cp
}

// DrainSMEs removes and returns up to max queued SMEs, in FIFO order, for
// the uplink phase to pack into its outbound packet.
func (m *Manager) DrainSMEs(max int) []SME {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max <= 0 || max > len(m.smeOrder) {
		max = len(m.smeOrder)
	}
	out := make([]SME, 0, max)
	for i := 0; i < max; i++ {
		k := m.smeOrder[i]
		out = append(out, *m.smeByKey[k])
		delete(m.smeByKey, k)
	}
	m.smeOrder = m.smeOrder[max:]
	return out
}

// Connect implements spec.md §4.9's connect(): blocks until the server
// accepts, rejects, or the open times out.
func (m *Manager) Connect(dst NodeID, dstPort uint8, srcPort uint8, params Parameters) (fd int, err error) {
	id := ID{SrcNode: m.cfg.Node, DstNode: dst, SrcPort: srcPort, DstPort: dstPort}

	m.mu.Lock()
	s := newStream(id, params, StatusConnecting)
	s.failTimeout = m.cfg.FailTimeoutMax
	s.smeTimeout = m.cfg.SMETimeoutReset
	fd = m.allocFd()
	m.streams[fd] = s
	m.byStreamID[id] = fd
	m.enqueueSMELocked(SME{Stream: id, Params: params, Kind: SMEConnect})
	m.mu.Unlock()

	for {
		status := s.Status()
		switch status {
		case StatusEstablished:
			return fd, nil
		case StatusConnectFailed:
			return -1, ErrConnectFailed
		}
		s.mu.Lock()
		ch := s.statusCh()
		s.mu.Unlock()
		<-ch
	}
}

// Listen implements spec.md §4.9's listen(): enqueues a LISTEN SME and
// blocks until acknowledged by the master.
func (m *Manager) Listen(port uint8, params Parameters) (fd int, err error) {
	m.mu.Lock()
	srv := newServer(m.cfg.Node, port, params)
	srv.failTimeout = m.cfg.FailTimeoutMax
	srv.smeTimeout = m.cfg.SMETimeoutReset
	fd = m.allocFd()
	m.servers[fd] = srv
	m.byServer[serverKey{node: m.cfg.Node, port: port}] = fd
	id := ID{SrcNode: m.cfg.Node, SrcPort: port}
	m.enqueueSMELocked(SME{Stream: id, Params: params, Kind: SMEListen})
	m.mu.Unlock()

	for {
		status := srv.Status()
		switch status {
		case StatusListen:
			return fd, nil
		case StatusListenFailed:
			return -1, ErrListenFailed
		}
		srv.mu.Lock()
		ch := srv.statusCh()
		srv.mu.Unlock()
		<-ch
	}
}

// Accept implements spec.md §4.9's accept(): blocks until an inbound
// connection is ready, returning a new fd for the accepted Stream.
func (m *Manager) Accept(serverFd int) (streamFd int, err error) {
	m.mu.Lock()
	srv, ok := m.servers[serverFd]
	m.mu.Unlock()
	if !ok {
		return -1, ErrInvalidFd
	}
	s, err := srv.Accept()
	if err != nil {
		return -1, err
	}
	m.mu.Lock()
	streamFd = m.allocFd()
	m.streams[streamFd] = s
	m.byStreamID[s.id] = streamFd
	m.mu.Unlock()
	return streamFd, nil
}

// Write implements spec.md §4.9's write().
func (m *Manager) Write(fd int, data []byte) (int, error) {
	s, ok := m.streamByFd(fd)
	if !ok {
		return -1, ErrInvalidFd
	}
	return s.Write(data)
}

// Read implements spec.md §4.9's read().
func (m *Manager) Read(fd int) ([]byte, error) {
	s, ok := m.streamByFd(fd)
	if !ok {
		return nil, ErrInvalidFd
	}
	return s.Read()
}

// SetSendCallback implements spec.md §4.9's setSendCallback().
func (m *Manager) SetSendCallback(fd int, cb func() []byte) error {
	s, ok := m.streamByFd(fd)
	if !ok {
		return ErrInvalidFd
	}
	s.SetSendCallback(cb)
	return nil
}

// SetReceiveCallback implements spec.md §4.9's setReceiveCallback().
func (m *Manager) SetReceiveCallback(fd int, cb func([]byte)) error {
	s, ok := m.streamByFd(fd)
	if !ok {
		return ErrInvalidFd
	}
	s.SetReceiveCallback(cb)
	return nil
}

// Close implements spec.md §4.9's close().
func (m *Manager) Close(fd int) error {
	if s, ok := m.streamByFd(fd); ok {
		if err := s.Close(); err != nil {
			return err
		}
		m.EnqueueSME(SME{Stream: s.id, Kind: SMEClosed})
		return nil
	}
	if srv, ok := m.serverByFd(fd); ok {
		if err := srv.Close(); err != nil {
			return err
		}
		m.EnqueueSME(SME{Stream: ID{SrcNode: srv.node, SrcPort: srv.port}, Kind: SMEClosed})
		return nil
	}
	return ErrInvalidFd
}

func (m *Manager) streamByFd(fd int) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[fd]
	return s, ok
}

func (m *Manager) serverByFd(fd int) (*Server, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[fd]
	return srv, ok
}

// LookupStream resolves a wire StreamId to the matching local Stream, for
// use by the data phase dispatching SEND/RECV actions (spec.md §4.7).
func (m *Manager) LookupStream(id ID) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fd, ok := m.byStreamID[id]
	if !ok {
		return nil, false
	}
	return m.streams[fd], true
}

// PeriodicUpdate scans every Stream/Server once per uplink opportunity,
// decrementing timers and re-enqueuing SMEs per spec.md §4.5/§4.9.
func (m *Manager) PeriodicUpdate() {
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	servers := make([]*Server, 0, len(m.servers))
	for _, srv := range m.servers {
		servers = append(servers, srv)
	}
	m.mu.Unlock()

	for _, s := range streams {
		sme, _ := s.periodicUpdate(m.cfg.SMETimeoutReset, m.cfg.FailTimeoutMax)
		if sme != nil {
			m.EnqueueSME(*sme)
		}
	}
	for _, srv := range servers {
		sme, _ := srv.periodicUpdate(m.cfg.SMETimeoutReset)
		if sme != nil {
			m.EnqueueSME(*sme)
		}
	}
}

// ApplyInfo applies an InfoElement immediately through the stream manager,
// regardless of schedule state (spec.md §4.6).
func (m *Manager) ApplyInfo(e InfoElement) {
	m.mu.Lock()
	fd, hasStream := m.byStreamID[e.Stream]
	var s *Stream
	if hasStream {
		s = m.streams[fd]
	}
	// An inbound connection names the listening server as its destination;
	// the server's own LISTEN acknowledgment names it as the source.
	srvFd, hasServer := m.byServer[serverKey{node: e.Stream.DstNode, port: e.Stream.DstPort}]
	if !hasServer {
		srvFd, hasServer = m.byServer[serverKey{node: e.Stream.SrcNode, port: e.Stream.SrcPort}]
	}
	var srv *Server
	if hasServer {
		srv = m.servers[srvFd]
	}
	m.mu.Unlock()

	switch e.Kind {
	case InfoAccepted:
		if s != nil {
			s.mu.Lock()
			if s.status == StatusConnecting {
				s.setStatus(StatusEstablished)
			}
			s.mu.Unlock()
		}
		if srv != nil {
			srv.mu.Lock()
			if srv.status == StatusListenWait {
				srv.setStatus(StatusListen)
			}
			srv.mu.Unlock()
			peer := newStream(e.Stream, srv.params, StatusEstablished)
			srv.enqueueAccepted(peer)
		}
	case InfoRejected:
		if s != nil {
			s.mu.Lock()
			if s.status == StatusConnecting {
				s.setStatus(StatusConnectFailed)
			}
			s.mu.Unlock()
		}
		if srv != nil {
			srv.mu.Lock()
			srv.setStatus(StatusListenFailed)
			srv.mu.Unlock()
		}
	case InfoReopened:
		if s != nil {
			s.mu.Lock()
			if s.status == StatusRemotelyClosed {
				s.setStatus(StatusReopened)
			}
			s.mu.Unlock()
		}
	case InfoRemoved:
		if s != nil {
			s.mu.Lock()
			s.setStatus(StatusRemotelyClosed)
			s.mu.Unlock()
			m.mu.Lock()
			delete(m.byStreamID, e.Stream)
			m.mu.Unlock()
		}
	}
}

// ApplyScheduleNames installs/removes Stream objects to satisfy I3 ("A
// Stream object exists on the endpoint node iff the applied schedule names
// it, or its status is one of the transient opening/closing states"): any
// named ID this node doesn't yet track as ESTABLISHED is created/promoted;
// any previously-ESTABLISHED stream absent from names is marked
// REMOTELY_CLOSED.
func (m *Manager) ApplyScheduleNames(names map[ID]Parameters) {
	m.mu.Lock()
	tracked := make(map[ID]*Stream, len(m.byStreamID))
	for id, fd := range m.byStreamID {
		if s, ok := m.streams[fd]; ok {
			tracked[id] = s
		}
	}
	m.mu.Unlock()

	for id, params := range names {
		if s, ok := tracked[id]; ok {
			s.mu.Lock()
			// The master may revise redundancy/period downward during
			// negotiation; payload size and direction were fixed at
			// connect/listen time and are not renegotiated by a schedule.
			s.params.Redundancy = params.Redundancy
			s.params.Period = params.Period
			if s.status != StatusEstablished {
				s.setStatus(StatusEstablished)
			}
			s.mu.Unlock()
			continue
		}
		m.mu.Lock()
		s := newStream(id, params, StatusEstablished)
		fd := m.allocFd()
		m.streams[fd] = s
		m.byStreamID[id] = fd
		m.mu.Unlock()
	}

	for id, s := range tracked {
		if _, stillNamed := names[id]; stillNamed {
			continue
		}
		s.mu.Lock()
		if s.status == StatusEstablished {
			s.setStatus(StatusRemotelyClosed)
		}
		s.mu.Unlock()
	}
}

// Desync broadcasts a desync signal to every blocked caller: all opens
// abort and streams/servers transition per spec.md §7.
func (m *Manager) Desync() {
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	servers := make([]*Server, 0, len(m.servers))
	for _, srv := range m.servers {
		servers = append(servers, srv)
	}
	m.mu.Unlock()

	for _, s := range streams {
		s.mu.Lock()
		switch s.status {
		case StatusConnecting:
			s.setStatus(StatusConnectFailed)
		case StatusEstablished, StatusReopened:
			s.setStatus(StatusRemotelyClosed)
		}
		s.mu.Unlock()
	}
	for _, srv := range servers {
		srv.mu.Lock()
		if srv.status == StatusListenWait {
			srv.setStatus(StatusListenFailed)
		}
		srv.mu.Unlock()
	}
	logger.Warning("desync: all endpoints notified")
}
