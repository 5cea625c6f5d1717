// Package band implements the regional channel plans of LoRaWAN 1.0.x for
// the device side: join and uplink channel selection, RX1/RX2 parameter
// computation, CFList ingestion and LinkADR channel-mask handling.
package band

import (
	"github.com/pkg/errors"
)

// Name defines a region name.
type Name string

// Supported regions.
const (
	EU868   Name = "EU868"
	EU433   Name = "EU433"
	US915   Name = "US915"
	AU915   Name = "AU915"
	AS923_1 Name = "AS923"
	AS923_2 Name = "AS923-2"
	AS923_3 Name = "AS923-3"
	AS923_4 Name = "AS923-4"
	IN865   Name = "IN865"
	CN470   Name = "CN470"
)

// DR defines a regional data-rate index.
type DR uint8

// DataRate describes the modulation parameters behind a data-rate index.
type DataRate struct {
	SpreadingFactor int
	Bandwidth       int // kHz
	CodingRate      string
}

// RNG is the random source used for channel selection. It is satisfied by
// the radio-layer RNG capability.
type RNG interface {
	Uint32() uint32
}

// LinkADRAck holds the three status bits of a LinkADRAns.
type LinkADRAck struct {
	ChannelMaskAck bool
	DataRateAck    bool
	PowerAck       bool
}

// OK reports whether all three acknowledgement bits are set.
func (a LinkADRAck) OK() bool {
	return a.ChannelMaskAck && a.DataRateAck && a.PowerAck
}

// Snapshot holds the mutable channel-plan state of a Band so that it can be
// persisted with the device-session and restored after a reset.
type Snapshot struct {
	ChannelMask   [12]byte
	ExtraChannels [5]uint32
	DownlinkFreqs [16]uint32
	LastTxChannel uint8
}

// Band is the per-region channel-plan engine. Implementations keep mutable
// state (enabled channels, the last used uplink channel, join progress) and
// are not safe for concurrent use; the MAC layer owns them exclusively.
type Band interface {
	Name() Name

	// JoinChannel selects the channel and data-rate for the next
	// JoinRequest.
	JoinChannel(rng RNG) (freq uint32, dr DR)

	// TxChannel selects an uplink channel for a data frame at the given
	// data-rate. The returned data-rate differs from the requested one only
	// while a fixed-plan region is still acquiring its subband.
	TxChannel(rng RNG, dr DR) (freq uint32, actual DR, err error)

	// RX1Params computes the RX1 frequency and data-rate relative to the
	// last transmitted uplink.
	RX1Params(txDR DR, rx1DROffset uint8) (freq uint32, dr DR)

	// RX2Defaults returns the region RX2 frequency and data-rate.
	RX2Defaults() (freq uint32, dr DR)

	// DataRate resolves a data-rate index to modulation parameters.
	DataRate(dr DR) (DataRate, error)

	// DefaultDataRate returns the data-rate used before ADR configures one.
	DefaultDataRate() DR

	// MaxPayloadSize returns the maximum MACPayload size for a data-rate.
	MaxPayloadSize(dr DR) (int, error)

	// MaxRX1DROffset returns the largest acceptable RX1 data-rate offset.
	MaxRX1DROffset() uint8

	// FrequencyValid reports whether a frequency lies inside the region.
	FrequencyValid(freq uint32) bool

	// IngestCFList applies the 16-byte CFList of a JoinAccept: additional
	// channel frequencies for dynamic plans, a channel mask for fixed plans.
	IngestCFList(cfList []byte) error

	// ApplyLinkADR evaluates a LinkADRReq against the current state. All
	// three acknowledgement bits must be positive for the channel mask to be
	// committed; the data-rate and power themselves are owned by the caller.
	ApplyLinkADR(dr uint8, txPower uint8, chMask uint16, chMaskCntl uint8) LinkADRAck

	// ApplyNewChannel creates, modifies or disables (freq 0) a channel.
	// Returns the channel-frequency-ok and data-rate-range-ok bits.
	ApplyNewChannel(index uint8, freq uint32, minDR, maxDR uint8) (bool, bool)

	// SetDownlinkFrequency moves the RX1 frequency of an uplink channel
	// (DlChannelReq). Returns the uplink-frequency-exists and
	// channel-frequency-ok bits.
	SetDownlinkFrequency(index uint8, freq uint32) (bool, bool)

	// HasFixedChannelPlan reports whether the region uses a fixed channel
	// plan. Fixed plans ignore NewChannelReq and DlChannelReq.
	HasFixedChannelPlan() bool

	// Snapshot and Restore persist the mutable channel-plan state.
	Snapshot() Snapshot
	Restore(Snapshot)
}

// Subband identifies one of the 8-channel subbands of the 125 kHz channels of
// a fixed channel plan (1-based, as operators document them): 1-8 on US915
// and AU915, 1-12 on CN470.
type Subband int

// JoinBiaser is implemented by fixed-plan bands (US915, AU915) and restricts
// join attempts to a preferred subband before falling back to the full hop
// sequence.
type JoinBiaser interface {
	// SetJoinBias biases the join channel selection to the given subband.
	SetJoinBias(sb Subband) error

	// SetJoinBiasAndNoncompliantRetries additionally keeps retrying the
	// subband for the given number of attempts. Values above 1 trade
	// LoRaWAN compliance for faster acquisition on a known-good subband.
	SetJoinBiasAndNoncompliantRetries(sb Subband, retries int) error

	// ClearJoinBias restores the compliant join behavior.
	ClearJoinBias()
}

// GetBand returns a fresh channel-plan engine for the given region.
func GetBand(name Name) (Band, error) {
	switch name {
	case EU868:
		return newEU868(), nil
	case EU433:
		return newEU433(), nil
	case IN865:
		return newIN865(), nil
	case AS923_1, AS923_2, AS923_3, AS923_4:
		return newAS923(name), nil
	case US915:
		return newUS915(), nil
	case AU915:
		return newAU915(), nil
	case CN470:
		return newCN470(), nil
	default:
		return nil, errors.Errorf("band: unknown region %s", name)
	}
}
