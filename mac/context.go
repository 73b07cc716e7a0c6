// Package mac assembles the transceiver, codec, synchronizer, phase, and
// stream-manager packages into the single per-node MAC runtime of spec.md
// §2/§5: one tile scheduler owning every phase object and driving them in
// lockstep with real time on one cooperative thread.
package mac

import (
	"sync"
	"time"

	"github.com/fedetft/tdmh-sub002/core/config"
	"github.com/fedetft/tdmh-sub002/core/crypto/keychain"
	"github.com/fedetft/tdmh-sub002/core/log"
	"github.com/fedetft/tdmh-sub002/core/tile"
	"github.com/fedetft/tdmh-sub002/core/worker"
	"github.com/fedetft/tdmh-sub002/mac/codec"
	"github.com/fedetft/tdmh-sub002/mac/phase"
	"github.com/fedetft/tdmh-sub002/mac/schedule"
	"github.com/fedetft/tdmh-sub002/mac/stream"
	macsync "github.com/fedetft/tdmh-sub002/mac/sync"
	"github.com/fedetft/tdmh-sub002/mac/topology"
	"github.com/fedetft/tdmh-sub002/mac/transceiver"
)

var logger = log.New("mac")

// Status is this node's synchronization state (spec.md §2, §4.3).
type Status uint8

const (
	StatusDesynchronized Status = iota
	StatusInSync
)

func (s Status) String() string {
	if s == StatusInSync {
		return "IN_SYNC"
	}
	return "DESYNCHRONIZED"
}

// TileKind names the four per-tile phase roles spec.md §2 enumerates.
type TileKind uint8

const (
	TileTimesync TileKind = iota
	TileUplink
	TileScheduleDownlink
	TileData
)

const (
	defaultSMETimeoutReset  = 8
	defaultFailTimeoutMax   = 64
	defaultSMEQueueCapacity = 32
)

// PowerManager paces the MAC loop between phases, the scheduler's half of
// spec.md §5's "suspension points ... limited to deepSleepUntil on the power
// manager between phases". WallClockPower is the production implementation;
// a SimBus-backed one can pace tests against virtual time instead.
type PowerManager interface {
	Now() tile.NetworkTime
	SleepUntil(t tile.NetworkTime)
}

// WallClockPower paces the loop against the real clock, anchored at the
// instant it is constructed. No library in the pack offers a virtual-sleep
// primitive narrower than this, so this one component reaches for the
// standard library directly (see DESIGN.md).
type WallClockPower struct {
	start time.Time
}

// NewWallClockPower anchors a new wall-clock power manager at the current
// instant, which becomes NetworkTime zero.
func NewWallClockPower() *WallClockPower {
	return &WallClockPower{start: time.Now()}
}

func (w *WallClockPower) Now() tile.NetworkTime {
	return tile.Duration(time.Since(w.start))
}

func (w *WallClockPower) SleepUntil(t tile.NetworkTime) {
	d := time.Duration(t) - time.Since(w.start)
	if d > 0 {
		time.Sleep(d)
	}
}

// Context owns tile origin, hop count, synchronization status, and every
// phase object, and drives the single MAC thread loop (spec.md §2, §5).
// Grounded on client2/connection.go's worker.Worker-embedding background
// loop, adapted from a PKI-polling client connection to a tile scheduler;
// the narrow ScheduleSink/SyncSink/SMESource/StreamLookup capability traits
// it implements or composes follow DESIGN NOTES §9's guidance to pass
// capability traits into phases rather than give every component a cyclic
// back-reference to Context.
type Context struct {
	worker.Worker

	Cfg    *config.NetworkConfiguration
	Power  PowerManager
	Self   topology.NodeID
	Master bool

	Manager   *stream.Manager
	Keys      *keychain.Chain
	Neighbors *topology.NeighborTable
	// Topology is the master's aggregate mesh view (spec.md §4.5); nil on
	// a non-master node, which has nowhere further to aggregate into.
	Topology *topology.NetworkTopology

	Dist   *phase.ScheduleDistribution
	Data   *phase.Data
	Uplink *phase.Uplink

	masterSync   *phase.MasterTimesync
	hookingSync  *phase.HookingTimesync
	dynamicSync  *phase.DynamicTimesync
	synchronizer *macsync.Synchronizer

	grid  tile.Grid
	clock *tile.VirtualClock

	mu              sync.Mutex
	status          Status
	hop             uint8
	scheduleTiles   uint16
	pendingSchedule *phase.PendingSchedule
}

// NewContext wires every phase and cross-cutting service for one node.
// assigneeOf is the next hop toward the master (0 if this node is a direct
// child of the master); the tree-construction algorithm that discovers it
// for deeper trees is out of scope (spec.md §1).
func NewContext(cfg *config.NetworkConfiguration, radio transceiver.Transceiver, power PowerManager, self topology.NodeID, assigneeOf topology.NodeID, master bool, keys *keychain.Chain) *Context {
	manager := stream.NewManager(stream.Config{
		Node:             stream.NodeID(self),
		SMETimeoutReset:  defaultSMETimeoutReset,
		FailTimeoutMax:   defaultFailTimeoutMax,
		SMEQueueCapacity: defaultSMEQueueCapacity,
	})
	neighbors := topology.New(cfg)
	syncCfg := macsync.DefaultConfig()
	if cfg.MaxMissedTimesyncs > 0 {
		syncCfg.MaxMissedTimesyncs = cfg.MaxMissedTimesyncs
	}
	synchronizer := macsync.New(syncCfg)
	grid := tile.NewGrid(cfg.TileDuration)
	// Ticks are nanoseconds here (NetworkTime's own unit), since this MAC
	// has no separate hardware-tick clock to map from (spec.md §4.3).
	clock := tile.NewVirtualClock(int64(time.Second))

	c := &Context{
		Cfg: cfg, Power: power, Self: self, Master: master,
		Manager: manager, Keys: keys, Neighbors: neighbors,
		synchronizer: synchronizer,
		grid:         grid,
		clock:        clock,
	}

	// Auth implements spec.md §4.2/§4.12's optional authenticate/encrypt
	// pipeline; Seal/Open are pass-throughs whenever their channel's
	// Authenticate* toggle is off, so wiring it in costs nothing by default.
	dataAuth := &codec.AuthCodec{Cfg: cfg, Keys: keys}
	controlAuth := &codec.AuthCodec{Cfg: cfg, Keys: keys}

	c.Data = &phase.Data{Radio: radio, Cfg: cfg, Grid: grid, Self: manager, Auth: dataAuth}
	c.Dist = phase.NewScheduleDistribution(uint16(self), cfg, cfg.PanID, cfg.MaxHops, c, keys)
	c.Dist.Radio = radio
	c.Dist.Master = master
	c.Dist.SMEs = manager
	c.Dist.Auth = controlAuth
	c.Uplink = &phase.Uplink{
		Radio: radio, Cfg: cfg, PanID: cfg.PanID,
		Self: self, AssigneeOf: assigneeOf,
		Neighbors: neighbors, Rotor: phase.NewRotor(cfg.MaxNodes), SMEs: manager,
	}
	if master {
		c.Topology = topology.NewNetworkTopology(cfg)
		c.Uplink.Topology = c.Topology
	}
	c.masterSync = &phase.MasterTimesync{Radio: radio, PanID: cfg.PanID}
	c.hookingSync = &phase.HookingTimesync{Radio: radio, PanID: cfg.PanID, MaxHops: cfg.MaxHops, Sink: c}
	c.dynamicSync = &phase.DynamicTimesync{Radio: radio, PanID: cfg.PanID, MaxHops: cfg.MaxHops, Synchronizer: synchronizer, Sink: c}

	if master {
		c.status = StatusInSync
	}
	return c
}

// SetPendingSchedule installs the next schedule for a master node to
// broadcast, as produced by the (out-of-scope) schedule-search algorithm.
// It is handed to the schedule-distribution phase on the next
// schedule-downlink tile at which no earlier broadcast round is still in
// flight.
func (c *Context) SetPendingSchedule(p *phase.PendingSchedule) {
	c.mu.Lock()
	c.pendingSchedule = p
	c.mu.Unlock()
}

// Status returns the current synchronization status.
func (c *Context) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Hop returns this node's current hop count from the master.
func (c *Context) Hop() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hop
}

// OnSync implements phase.SyncSink: a beacon was received and this node's
// hop/status are updated from it.
func (c *Context) OnSync(hop uint8, measuredFrameStart tile.NetworkTime) {
	c.mu.Lock()
	c.hop = hop
	c.status = StatusInSync
	c.mu.Unlock()
	logger.Debugf("synced: hop=%d measured=%d", hop, measuredFrameStart)
}

// ApplyClockCorrection implements phase.SyncSink: installs the
// synchronizer's latest per-period correction into this node's virtual
// clock (spec.md §4.3), so correctedOrigin reflects it from the next tile.
func (c *Context) ApplyClockCorrection(correction tile.NetworkTime) {
	c.mu.Lock()
	c.clock.Update(c.clock.TheoreticalFrameStart, c.clock.MeasuredFrameStart, int64(correction))
	c.mu.Unlock()
}

// correctedOrigin maps tile idx's uncorrected grid origin through this
// node's virtual clock (spec.md §4.3, I1: "tile boundaries on all
// synchronized nodes agree within the current receiver-window bound"). On
// the master, and before any correction has ever been applied, this is the
// identity transform.
func (c *Context) correctedOrigin(idx tile.Index) tile.NetworkTime {
	raw := c.grid.Origin(idx)
	c.mu.Lock()
	corrected := c.clock.UncorrectedToCorrected(int64(raw))
	c.mu.Unlock()
	return tile.NetworkTime(corrected)
}

// OnDesync implements phase.SyncSink: maxMissedTimesyncs consecutive
// beacons were missed (spec.md §4.3); every blocked stream/server API call
// is woken with a failure status (spec.md §7).
func (c *Context) OnDesync() {
	c.mu.Lock()
	c.status = StatusDesynchronized
	c.hop = 0
	c.clock.Update(0, 0, 0)
	c.mu.Unlock()
	c.synchronizer.Reset()
	c.Manager.Desync()
	logger.Warning("desynchronized")
}

// ApplyInfo implements phase.ScheduleSink by delegating to the stream
// manager (spec.md §4.6: "InfoElements apply immediately ... regardless of
// schedule state").
func (c *Context) ApplyInfo(e stream.InfoElement) {
	c.Manager.ApplyInfo(e)
}

// ApplyScheduleNames implements phase.ScheduleSink by delegating to the
// stream manager (spec.md I3).
func (c *Context) ApplyScheduleNames(names map[stream.ID]stream.Parameters) {
	c.Manager.ApplyScheduleNames(names)
}

// Activate implements phase.ScheduleSink: install the freshly expanded
// schedule on the data phase and adopt its period for this node's own
// tile-kind bookkeeping (spec.md I2).
func (c *Context) Activate(header schedule.Header, explicit []schedule.ExplicitElement) {
	if header.ScheduleTiles > 0 {
		c.mu.Lock()
		c.scheduleTiles = header.ScheduleTiles
		c.mu.Unlock()
	}
	c.Data.SetScheduleTiles(header.ScheduleTiles)
	c.Data.Activate(header, explicit)
}

// tileKind maps a tile index to its phase role. The control-superframe
// bitmask governs only the first controlSuperframeSize tiles of each
// scheduleTiles-tile repetition (tile 0 always timesync, any other
// downlink-bit tile schedule-distribution, any uplink-bit tile uplink);
// the remaining tiles of the repetition are data tiles. spec.md leaves the
// exact interleaving of control and data tiles unspecified beyond "a
// sequence of tiles" with a control-superframe bitmask carving out
// downlink/uplink — this mapping is recorded as a DESIGN.md decision.
func (c *Context) tileKind(idx tile.Index) TileKind {
	period := c.currentScheduleTiles()
	pos := uint16(uint64(idx) % uint64(period))
	if pos >= uint16(c.Cfg.ControlSuperframeSize) {
		return TileData
	}
	if pos == 0 {
		return TileTimesync
	}
	if (c.Cfg.ControlSuperframeBitmask>>pos)&1 == 1 {
		return TileUplink
	}
	return TileScheduleDownlink
}

func (c *Context) currentScheduleTiles() uint16 {
	c.mu.Lock()
	st := c.scheduleTiles
	c.mu.Unlock()
	if st == 0 {
		return uint16(c.Cfg.ControlSuperframeSize)
	}
	return st
}

// Run launches the MAC thread loop in the background.
func (c *Context) Run() {
	c.Go(c.loop)
}

func (c *Context) loop() {
	var idx tile.Index
	for {
		select {
		case <-c.HaltCh():
			return
		default:
		}
		origin := c.correctedOrigin(idx)
		c.Power.SleepUntil(origin)
		c.runTile(idx, origin)
		idx++
	}
}

// runTile executes exactly one phase for tile idx (spec.md §2) and then
// gives the schedule-distribution phase a chance to activate, regardless of
// which phase ran this tile (spec.md I2).
func (c *Context) runTile(idx tile.Index, origin tile.NetworkTime) {
	switch c.tileKind(idx) {
	case TileTimesync:
		c.runTimesync(origin)
	case TileUplink:
		c.Uplink.Execute(origin)
		c.Manager.PeriodicUpdate()
	case TileScheduleDownlink:
		c.mu.Lock()
		if c.Master && c.Dist.Pending == nil && c.pendingSchedule != nil {
			c.Dist.Pending = c.pendingSchedule
			c.pendingSchedule = nil
		}
		c.mu.Unlock()
		c.Dist.Execute(origin)
	case TileData:
		c.Data.Execute(origin)
	}
	c.Dist.TileActivate(idx)
}

func (c *Context) runTimesync(origin tile.NetworkTime) {
	if c.Master {
		c.masterSync.Execute(origin)
		return
	}
	if c.Status() == StatusDesynchronized {
		c.hookingSync.Execute(origin)
		return
	}
	c.mu.Lock()
	c.dynamicSync.Hop = c.hop
	c.mu.Unlock()
	c.dynamicSync.Execute(origin)
}
