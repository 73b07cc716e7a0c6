// Package config declares NetworkConfiguration, the persisted (build/init
// time) options of spec.md §6, loaded from a TOML document.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// NetworkConfiguration mirrors the option table in spec.md §6. It is
// immutable once loaded and shared read-only by every component that needs
// it (transceiver, phases, stream manager, key manager).
type NetworkConfiguration struct {
	// MaxHops bounds flood depth: retransmit counts and tile budgets.
	MaxHops uint8 `toml:"max_hops"`
	// MaxNodes bounds the NodeId range, bitmask widths, and schedule
	// capacity.
	MaxNodes uint16 `toml:"max_nodes"`
	// PanID is the 16-bit value carried in every control header; mismatched
	// packets are dropped.
	PanID uint16 `toml:"pan_id"`

	// TxPower and BaseFrequency are radio configuration constants.
	TxPower       int8    `toml:"tx_power"`
	BaseFrequency float64 `toml:"base_frequency_mhz"`

	// ClockSyncPeriod and TileDuration define the time grid.
	ClockSyncPeriod time.Duration `toml:"clock_sync_period"`
	TileDuration    time.Duration `toml:"tile_duration"`

	// ControlSuperframeBitmask/Size determine which tiles are
	// control-downlink vs control-uplink; bit 0 must be downlink and at
	// least one bit must be uplink (spec.md §2).
	ControlSuperframeBitmask uint32 `toml:"control_superframe_bitmask"`
	ControlSuperframeSize    uint8  `toml:"control_superframe_size"`

	// GuaranteedTopologies and NumUplinkPackets are uplink capacity
	// targets.
	GuaranteedTopologies uint8 `toml:"guaranteed_topologies"`
	NumUplinkPackets     uint8 `toml:"num_uplink_packets"`

	// Neighbor garbage-collection thresholds.
	MaxRoundsUnavailableBecomesDead uint16 `toml:"max_rounds_unavailable_becomes_dead"`
	MaxRoundsWeakLinkBecomesDead    uint16 `toml:"max_rounds_weak_link_becomes_dead"`

	// Edge admission thresholds, in dBm.
	MinNeighborRSSI     int8 `toml:"min_neighbor_rssi"`
	MinWeakNeighborRSSI int8 `toml:"min_weak_neighbor_rssi"`

	// MaxMissedTimesyncs is the desync threshold (spec.md §4.3).
	MaxMissedTimesyncs int `toml:"max_missed_timesyncs"`

	// ChannelSpatialReuse/UseWeakTopologies enable spatial-reuse
	// redundancy classes and the weak-neighbor bitmask.
	ChannelSpatialReuse bool `toml:"channel_spatial_reuse"`
	UseWeakTopologies   bool `toml:"use_weak_topologies"`

	// Crypto behavior. Encryption/auth apply independently to control and
	// data traffic per the DESIGN NOTES (§9) orthogonal-stage model.
	AuthenticateControl bool `toml:"authenticate_control"`
	AuthenticateData    bool `toml:"authenticate_data"`
	EncryptControl      bool `toml:"encrypt_control"`
	EncryptData         bool `toml:"encrypt_data"`

	RekeyingPeriod                      time.Duration `toml:"rekeying_period"`
	MasterChallengeAuthenticationTimeout time.Duration `toml:"master_challenge_authentication_timeout"`

	// TopologySMERatio bounds how many forwarded topology elements one
	// uplink packet may carry, as a fraction of 255 (spec.md §4.5); the
	// remainder waits for the node's next uplink turn. SMEs are not limited
	// by it.
	TopologySMERatio float64 `toml:"topology_sme_ratio"`

	// SlotsPerTile is the number of data sub-slots carved out of one tile.
	SlotsPerTile uint16 `toml:"slots_per_tile"`
	// SlotDuration is the duration of one data sub-slot.
	SlotDuration time.Duration `toml:"slot_duration"`
}

// NeighborBitmaskBytes returns ⌈MaxNodes/8⌉, doubled when weak topologies
// are enabled (spec.md §3, §6).
func (c *NetworkConfiguration) NeighborBitmaskBytes() int {
	b := (int(c.MaxNodes) + 7) / 8
	if c.UseWeakTopologies {
		b *= 2
	}
	return b
}

// LoadFile parses a TOML NetworkConfiguration document and validates it.
func LoadFile(path string) (*NetworkConfiguration, error) {
	var c NetworkConfiguration
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Decode parses a TOML NetworkConfiguration document from a string and
// validates it, for use in tests and embedded configuration.
func Decode(doc string) (*NetworkConfiguration, error) {
	var c NetworkConfiguration
	if _, err := toml.Decode(doc, &c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the invariants spec.md §2 and §6 require of a
// configuration before a Context can be constructed from it. A fatal
// misconfiguration here is reported at initialization, per spec.md §7.
func (c *NetworkConfiguration) Validate() error {
	if c.MaxNodes == 0 {
		return fmt.Errorf("config: max_nodes must be > 0")
	}
	if c.MaxHops == 0 {
		return fmt.Errorf("config: max_hops must be > 0")
	}
	if c.ControlSuperframeSize == 0 {
		return fmt.Errorf("config: control_superframe_size must be > 0")
	}
	if c.ControlSuperframeSize > 32 {
		return fmt.Errorf("config: control_superframe_size must be <= 32")
	}
	mask := c.ControlSuperframeBitmask
	size := uint(c.ControlSuperframeSize)
	if mask&1 != 0 {
		return fmt.Errorf("config: control_superframe_bitmask bit 0 must be downlink (0)")
	}
	hasUplink := false
	for i := uint(0); i < size; i++ {
		if mask&(1<<i) != 0 {
			hasUplink = true
			break
		}
	}
	if !hasUplink {
		return fmt.Errorf("config: control_superframe_bitmask must set at least one uplink bit")
	}
	if c.TileDuration <= 0 {
		return fmt.Errorf("config: tile_duration must be > 0")
	}
	if c.SlotsPerTile == 0 {
		return fmt.Errorf("config: slots_per_tile must be > 0")
	}
	if c.MaxMissedTimesyncs <= 0 {
		return fmt.Errorf("config: max_missed_timesyncs must be > 0")
	}
	return nil
}
