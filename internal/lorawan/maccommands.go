package lorawan

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// CID defines the MAC-command identifier. The same identifier is used for a
// request and its answer; the direction of the frame disambiguates.
type CID byte

// Supported MAC-command identifiers.
const (
	LinkCheckCID     CID = 0x02
	LinkADRCID       CID = 0x03
	DutyCycleCID     CID = 0x04
	RXParamSetupCID  CID = 0x05
	DevStatusCID     CID = 0x06
	NewChannelCID    CID = 0x07
	RXTimingSetupCID CID = 0x08
	TXParamSetupCID  CID = 0x09
	DLChannelCID     CID = 0x0a
)

// String implements fmt.Stringer.
func (c CID) String() string {
	switch c {
	case LinkCheckCID:
		return "LinkCheck"
	case LinkADRCID:
		return "LinkADR"
	case DutyCycleCID:
		return "DutyCycle"
	case RXParamSetupCID:
		return "RXParamSetup"
	case DevStatusCID:
		return "DevStatus"
	case NewChannelCID:
		return "NewChannel"
	case RXTimingSetupCID:
		return "RXTimingSetup"
	case TXParamSetupCID:
		return "TXParamSetup"
	case DLChannelCID:
		return "DLChannel"
	default:
		return "Unknown"
	}
}

// downlinkPayloadSize holds the payload size of each network-to-device
// MAC command.
var downlinkPayloadSize = map[CID]int{
	LinkCheckCID:     2,
	LinkADRCID:       4,
	DutyCycleCID:     1,
	RXParamSetupCID:  4,
	DevStatusCID:     0,
	NewChannelCID:    5,
	RXTimingSetupCID: 1,
	TXParamSetupCID:  1,
	DLChannelCID:     4,
}

// MACCommand holds a single decoded MAC command. Payload aliases the source
// buffer.
type MACCommand struct {
	CID     CID
	Payload []byte
}

// ParseMACCommands decodes a sequence of network-to-device MAC commands from
// the FOpts field or a port-0 FRMPayload. Parsing stops with an error on the
// first unknown identifier, as the remaining bytes cannot be delimited.
func ParseMACCommands(data []byte) ([]MACCommand, error) {
	var out []MACCommand
	for i := 0; i < len(data); {
		cid := CID(data[i])
		size, ok := downlinkPayloadSize[cid]
		if !ok {
			return out, errors.Errorf("lorawan: unknown mac-command cid %02x", byte(cid))
		}
		if i+1+size > len(data) {
			return out, ErrBufferTooShort
		}
		out = append(out, MACCommand{CID: cid, Payload: data[i+1 : i+1+size]})
		i += 1 + size
	}
	return out, nil
}

// LinkCheckAnsPayload is the network answer to a LinkCheckReq.
type LinkCheckAnsPayload []byte

// Margin returns the demodulation margin in dB of the last received
// LinkCheckReq.
func (p LinkCheckAnsPayload) Margin() uint8 { return p[0] }

// GwCnt returns the number of gateways that received the LinkCheckReq.
func (p LinkCheckAnsPayload) GwCnt() uint8 { return p[1] }

// LinkADRReqPayload carries the ADR data-rate, power and channel-mask
// request.
type LinkADRReqPayload []byte

// DataRate returns the requested data-rate index.
func (p LinkADRReqPayload) DataRate() uint8 { return p[0] >> 4 }

// TXPower returns the requested TX power index.
func (p LinkADRReqPayload) TXPower() uint8 { return p[0] & 0x0f }

// ChMask returns the 16-bit channel mask.
func (p LinkADRReqPayload) ChMask() uint16 { return binary.LittleEndian.Uint16(p[1:3]) }

// ChMaskCntl returns the channel-mask control value.
func (p LinkADRReqPayload) ChMaskCntl() uint8 { return (p[3] >> 4) & 0x07 }

// NbTrans returns the requested number of transmissions, 0 meaning keep the
// current value.
func (p LinkADRReqPayload) NbTrans() uint8 { return p[3] & 0x0f }

// DutyCycleReqPayload carries the aggregated duty-cycle limit.
type DutyCycleReqPayload []byte

// MaxDCycle returns the duty-cycle exponent: the aggregated duty cycle is
// 1/2^MaxDCycle.
func (p DutyCycleReqPayload) MaxDCycle() uint8 { return p[0] & 0x0f }

// RXParamSetupReqPayload carries the RX1 offset, RX2 data-rate and RX2
// frequency.
type RXParamSetupReqPayload []byte

// DLSettings returns the embedded DLSettings byte.
func (p RXParamSetupReqPayload) DLSettings() DLSettings { return DLSettings(p[0]) }

// Frequency returns the RX2 frequency in Hz.
func (p RXParamSetupReqPayload) Frequency() uint32 { return decodeFrequency(p[1:4]) }

// NewChannelReqPayload creates or modifies a channel.
type NewChannelReqPayload []byte

// ChIndex returns the channel index.
func (p NewChannelReqPayload) ChIndex() uint8 { return p[0] }

// Frequency returns the channel frequency in Hz; 0 disables the channel.
func (p NewChannelReqPayload) Frequency() uint32 { return decodeFrequency(p[1:4]) }

// MaxDR returns the maximum data-rate usable on the channel.
func (p NewChannelReqPayload) MaxDR() uint8 { return p[4] >> 4 }

// MinDR returns the minimum data-rate usable on the channel.
func (p NewChannelReqPayload) MinDR() uint8 { return p[4] & 0x0f }

// RXTimingSetupReqPayload carries the RX1 delay.
type RXTimingSetupReqPayload []byte

// Delay returns the RX1 delay in seconds; 0 must be interpreted as 1.
func (p RXTimingSetupReqPayload) Delay() uint8 { return p[0] & 0x0f }

// DLChannelReqPayload moves the RX1 frequency of an uplink channel.
type DLChannelReqPayload []byte

// ChIndex returns the uplink channel index.
func (p DLChannelReqPayload) ChIndex() uint8 { return p[0] }

// Frequency returns the downlink frequency in Hz.
func (p DLChannelReqPayload) Frequency() uint32 { return decodeFrequency(p[1:4]) }

func decodeFrequency(b []byte) uint32 {
	return (uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16) * 100
}
