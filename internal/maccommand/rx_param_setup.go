package maccommand

import (
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-stack/internal/band"
	"github.com/brocaar/chirpstack-device-stack/internal/lorawan"
	"github.com/brocaar/chirpstack-device-stack/internal/storage"
)

// handleRXParamSetupReq applies the RX1 data-rate offset, RX2 data-rate and
// RX2 frequency. The answer is sticky: it is retransmitted on every uplink
// until a downlink acknowledges it implicitly.
func handleRXParamSetupReq(ds *storage.DeviceSession, b band.Band, cmd lorawan.MACCommand) error {
	if len(cmd.Payload) != 4 {
		return lorawan.ErrBufferTooShort
	}
	req := lorawan.RXParamSetupReqPayload(cmd.Payload)
	dl := req.DLSettings()

	offsetOK := dl.RX1DROffset() <= b.MaxRX1DROffset()
	_, drErr := b.DataRate(band.DR(dl.RX2DataRate()))
	drOK := drErr == nil
	freqOK := b.FrequencyValid(req.Frequency())

	if offsetOK && drOK && freqOK {
		ds.RX1DROffset = dl.RX1DROffset()
		ds.RX2DataRate = dl.RX2DataRate()
		ds.RX2Frequency = req.Frequency()
	}

	log.WithFields(log.Fields{
		"dev_eui":           ds.DevEUI,
		"rx1_dr_offset":     dl.RX1DROffset(),
		"rx2_dr":            dl.RX2DataRate(),
		"rx2_frequency":     req.Frequency(),
		"rx1_dr_offset_ack": offsetOK,
		"rx2_dr_ack":        drOK,
		"channel_ack":       freqOK,
	}).Info("rx_param_setup request handled")

	var status byte
	if freqOK {
		status |= 0x01
	}
	if drOK {
		status |= 0x02
	}
	if offsetOK {
		status |= 0x04
	}
	queueAnswer(ds, storage.MACCommandAnswer{
		CID:     lorawan.RXParamSetupCID,
		Payload: []byte{status},
		Sticky:  true,
	})
	return nil
}
