package maccommand

import (
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-stack/internal/lorawan"
	"github.com/brocaar/chirpstack-device-stack/internal/storage"
)

// handleDevStatusReq answers with the battery level and the demodulation
// margin of the last admitted downlink.
func handleDevStatusReq(ds *storage.DeviceSession, battery BatteryFunc) error {
	level := uint8(255)
	if battery != nil {
		level = battery()
	}

	margin := ds.LastDownlinkMargin
	if margin < -32 {
		margin = -32
	}
	if margin > 31 {
		margin = 31
	}

	log.WithFields(log.Fields{
		"dev_eui": ds.DevEUI,
		"battery": level,
		"margin":  margin,
	}).Info("dev_status request handled")

	queueAnswer(ds, storage.MACCommandAnswer{
		CID:     lorawan.DevStatusCID,
		Payload: []byte{level, byte(margin) & 0x3f},
	})
	return nil
}
