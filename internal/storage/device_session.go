// Package storage holds the persistable device state: the session derived
// from a join (or installed through ABP) and the DevNonce counter, which are
// the only values that must survive a reset.
package storage

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-device-stack/internal/band"
	"github.com/brocaar/chirpstack-device-stack/internal/lorawan"
)

// MaxFCntGap is the maximum gap the 16 transmitted frame-counter bits may
// imply before a downlink is rejected.
const MaxFCntGap = 16384

// MACCommandAnswer is a queued device-to-network MAC answer, emitted on the
// next uplink. Sticky answers stay queued until any downlink is admitted.
type MACCommandAnswer struct {
	CID     lorawan.CID
	Payload []byte
	Sticky  bool
}

// DeviceSession holds the state of an activated device.
type DeviceSession struct {
	DevEUI lorawan.EUI64

	DevAddr lorawan.DevAddr
	NwkSKey lorawan.AES128Key
	AppSKey lorawan.AES128Key

	FCntUp   uint32
	FCntDown uint32

	// HasFCntDown is set once the first downlink has been admitted; before
	// that a downlink carrying frame-counter 0 is acceptable.
	HasFCntDown bool

	// Expired is set when FCntUp is exhausted; the session admits no
	// further uplinks.
	Expired bool

	RXDelay      uint8
	RX1DROffset  uint8
	RX2DataRate  uint8
	RX2Frequency uint32

	// DataRate and TXPowerIndex are controlled by LinkADRReq.
	DataRate     uint8
	TXPowerIndex uint8
	NbTrans      uint8

	// AdrAckCnt counts the uplinks sent since the last downlink; it drives
	// the ADRACKReq bit and the data-rate fallback.
	AdrAckCnt uint32

	// AckPending is set when a confirmed downlink awaits its ACK on the
	// next uplink.
	AckPending bool

	// PendingAnswers are the MAC answers for the next uplink, in receipt
	// order.
	PendingAnswers []MACCommandAnswer

	// LastDownlinkMargin is the demodulation margin of the last admitted
	// downlink, reported by DevStatusAns.
	LastDownlinkMargin int8

	// MaxDutyCycle is the aggregated duty-cycle exponent set by
	// DutyCycleReq.
	MaxDutyCycle uint8

	// LinkCheckMargin and LinkCheckGwCnt hold the result of the last
	// LinkCheckAns.
	LinkCheckMargin uint8
	LinkCheckGwCnt  uint8

	// ChannelPlan is the mutable channel-plan state of the region.
	ChannelPlan band.Snapshot
}

// ValidateAndGetFullFCntDown validates the 16 transmitted frame-counter bits
// of a downlink against the session and reconstructs the full 32 bit
// counter. Downlinks that do not advance the counter, or that advance it by
// MaxFCntGap or more, are invalid.
func ValidateAndGetFullFCntDown(s DeviceSession, fCnt uint32) (uint32, bool) {
	if !s.HasFCntDown && fCnt == 0 {
		return 0, true
	}
	gap := uint32(uint16(fCnt) - uint16(s.FCntDown%65536))
	if gap == 0 || gap >= MaxFCntGap {
		return 0, false
	}
	return s.FCntDown + gap, true
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (s DeviceSession) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(deviceSessionGob(s)); err != nil {
		return nil, errors.Wrap(err, "gob encode error")
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (s *DeviceSession) UnmarshalBinary(data []byte) error {
	var g deviceSessionGob
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&g); err != nil {
		return errors.Wrap(err, "gob decode error")
	}
	*s = DeviceSession(g)
	return nil
}

// deviceSessionGob keeps the gob encoding free of the MarshalBinary
// indirection.
type deviceSessionGob DeviceSession
