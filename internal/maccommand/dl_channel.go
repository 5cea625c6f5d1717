package maccommand

import (
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-stack/internal/band"
	"github.com/brocaar/chirpstack-device-stack/internal/lorawan"
	"github.com/brocaar/chirpstack-device-stack/internal/storage"
)

// handleDLChannelReq moves the RX1 frequency of an uplink channel. The
// answer is sticky. Fixed channel plans ignore the request.
func handleDLChannelReq(ds *storage.DeviceSession, b band.Band, cmd lorawan.MACCommand) error {
	if len(cmd.Payload) != 4 {
		return lorawan.ErrBufferTooShort
	}
	if b.HasFixedChannelPlan() {
		log.WithField("dev_eui", ds.DevEUI).Debug("ignoring dl_channel request for fixed channel plan")
		return nil
	}
	req := lorawan.DLChannelReqPayload(cmd.Payload)

	uplinkOK, freqOK := b.SetDownlinkFrequency(req.ChIndex(), req.Frequency())
	if uplinkOK && freqOK {
		ds.ChannelPlan = b.Snapshot()
	}

	log.WithFields(log.Fields{
		"dev_eui":     ds.DevEUI,
		"ch_index":    req.ChIndex(),
		"frequency":   req.Frequency(),
		"uplink_ack":  uplinkOK,
		"channel_ack": freqOK,
	}).Info("dl_channel request handled")

	var status byte
	if freqOK {
		status |= 0x01
	}
	if uplinkOK {
		status |= 0x02
	}
	queueAnswer(ds, storage.MACCommandAnswer{
		CID:     lorawan.DLChannelCID,
		Payload: []byte{status},
		Sticky:  true,
	})
	return nil
}
