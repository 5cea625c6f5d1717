package maccommand

import (
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-stack/internal/band"
	"github.com/brocaar/chirpstack-device-stack/internal/lorawan"
	"github.com/brocaar/chirpstack-device-stack/internal/storage"
)

// handleNewChannelReq creates, modifies or disables a channel. Regions with
// a fixed channel plan ignore the request entirely.
func handleNewChannelReq(ds *storage.DeviceSession, b band.Band, cmd lorawan.MACCommand) error {
	if len(cmd.Payload) != 5 {
		return lorawan.ErrBufferTooShort
	}
	if b.HasFixedChannelPlan() {
		log.WithField("dev_eui", ds.DevEUI).Debug("ignoring new_channel request for fixed channel plan")
		return nil
	}
	req := lorawan.NewChannelReqPayload(cmd.Payload)

	freqOK, drOK := b.ApplyNewChannel(req.ChIndex(), req.Frequency(), req.MinDR(), req.MaxDR())
	if freqOK && drOK {
		ds.ChannelPlan = b.Snapshot()
	}

	log.WithFields(log.Fields{
		"dev_eui":     ds.DevEUI,
		"ch_index":    req.ChIndex(),
		"frequency":   req.Frequency(),
		"min_dr":      req.MinDR(),
		"max_dr":      req.MaxDR(),
		"channel_ack": freqOK,
		"dr_ack":      drOK,
	}).Info("new_channel request handled")

	var status byte
	if freqOK {
		status |= 0x01
	}
	if drOK {
		status |= 0x02
	}
	queueAnswer(ds, storage.MACCommandAnswer{
		CID:     lorawan.NewChannelCID,
		Payload: []byte{status},
	})
	return nil
}
