package maccommand

import (
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-stack/internal/lorawan"
	"github.com/brocaar/chirpstack-device-stack/internal/storage"
)

// handleRXTimingSetupReq updates the RX1 delay. The answer is sticky.
func handleRXTimingSetupReq(ds *storage.DeviceSession, cmd lorawan.MACCommand) error {
	if len(cmd.Payload) != 1 {
		return lorawan.ErrBufferTooShort
	}
	delay := lorawan.RXTimingSetupReqPayload(cmd.Payload).Delay()
	if delay == 0 {
		delay = 1
	}
	ds.RXDelay = delay

	log.WithFields(log.Fields{
		"dev_eui": ds.DevEUI,
		"delay":   delay,
	}).Info("rx_timing_setup request handled")

	queueAnswer(ds, storage.MACCommandAnswer{
		CID:    lorawan.RXTimingSetupCID,
		Sticky: true,
	})
	return nil
}
