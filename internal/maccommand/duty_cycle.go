package maccommand

import (
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-stack/internal/lorawan"
	"github.com/brocaar/chirpstack-device-stack/internal/storage"
)

// handleDutyCycleReq stores the aggregated duty-cycle exponent. The actual
// duty-cycle budget is enforced by the transmission scheduler above the
// stack.
func handleDutyCycleReq(ds *storage.DeviceSession, cmd lorawan.MACCommand) error {
	if len(cmd.Payload) != 1 {
		return lorawan.ErrBufferTooShort
	}
	ds.MaxDutyCycle = lorawan.DutyCycleReqPayload(cmd.Payload).MaxDCycle()

	log.WithFields(log.Fields{
		"dev_eui":        ds.DevEUI,
		"max_duty_cycle": ds.MaxDutyCycle,
	}).Info("duty_cycle request handled")

	queueAnswer(ds, storage.MACCommandAnswer{CID: lorawan.DutyCycleCID})
	return nil
}
