// Package maccommand implements the device side of the LoRaWAN MAC-command
// exchange: decoding network requests, mutating the session and channel-plan
// state, and queueing the mandated answers for the next uplink.
package maccommand

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-stack/internal/band"
	"github.com/brocaar/chirpstack-device-stack/internal/lorawan"
	"github.com/brocaar/chirpstack-device-stack/internal/storage"
)

// BatteryFunc reports the battery level for DevStatusAns: 0 for external
// power, 1..254 for the charge level, 255 when unknown.
type BatteryFunc func() uint8

// Handle processes the MAC commands of an admitted downlink in receipt
// order. Answers are appended to the session's pending queue; session and
// channel-plan mutations happen immediately.
func Handle(ds *storage.DeviceSession, b band.Band, battery BatteryFunc, commands []lorawan.MACCommand) error {
	for _, cmd := range commands {
		var err error
		switch cmd.CID {
		case lorawan.LinkCheckCID:
			err = handleLinkCheckAns(ds, cmd)
		case lorawan.LinkADRCID:
			err = handleLinkADRReq(ds, b, cmd)
		case lorawan.DutyCycleCID:
			err = handleDutyCycleReq(ds, cmd)
		case lorawan.RXParamSetupCID:
			err = handleRXParamSetupReq(ds, b, cmd)
		case lorawan.DevStatusCID:
			err = handleDevStatusReq(ds, battery)
		case lorawan.NewChannelCID:
			err = handleNewChannelReq(ds, b, cmd)
		case lorawan.RXTimingSetupCID:
			err = handleRXTimingSetupReq(ds, cmd)
		case lorawan.DLChannelCID:
			err = handleDLChannelReq(ds, b, cmd)
		case lorawan.TXParamSetupCID:
			// not required outside AS923 / AU915 dwell-time setups
			log.WithField("cid", cmd.CID).Debug("ignoring tx_param_setup request")
		default:
			err = errors.Errorf("unhandled cid: %s", cmd.CID)
		}
		if err != nil {
			return errors.Wrapf(err, "handle %s error", cmd.CID)
		}
	}
	return nil
}

// queueAnswer appends an answer, keeping receipt order.
func queueAnswer(ds *storage.DeviceSession, a storage.MACCommandAnswer) {
	ds.PendingAnswers = append(ds.PendingAnswers, a)
}

// AnswerBytes serializes the pending answers for the FOpts field or a
// port-0 payload.
func AnswerBytes(ds storage.DeviceSession) []byte {
	var out []byte
	for _, a := range ds.PendingAnswers {
		out = append(out, byte(a.CID))
		out = append(out, a.Payload...)
	}
	return out
}

// PruneAfterUplink drops the answers that were just transmitted. Sticky
// answers stay queued until a downlink implicitly acknowledges them.
func PruneAfterUplink(ds *storage.DeviceSession) {
	var keep []storage.MACCommandAnswer
	for _, a := range ds.PendingAnswers {
		if a.Sticky {
			keep = append(keep, a)
		}
	}
	ds.PendingAnswers = keep
}

// AckSticky drops the sticky answers; any downlink admitted for the session
// acknowledges them implicitly.
func AckSticky(ds *storage.DeviceSession) {
	var keep []storage.MACCommandAnswer
	for _, a := range ds.PendingAnswers {
		if !a.Sticky {
			keep = append(keep, a)
		}
	}
	ds.PendingAnswers = keep
}

// RequestLinkCheck queues a LinkCheckReq on the next uplink. The network
// answer is stored in the session's LinkCheckMargin / LinkCheckGwCnt.
func RequestLinkCheck(ds *storage.DeviceSession) {
	for _, a := range ds.PendingAnswers {
		if a.CID == lorawan.LinkCheckCID {
			return
		}
	}
	queueAnswer(ds, storage.MACCommandAnswer{CID: lorawan.LinkCheckCID})
}
