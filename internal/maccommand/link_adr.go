package maccommand

import (
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-stack/internal/band"
	"github.com/brocaar/chirpstack-device-stack/internal/lorawan"
	"github.com/brocaar/chirpstack-device-stack/internal/storage"
)

// handleLinkADRReq applies a LinkADRReq atomically: the channel mask, the
// data-rate and the TX power must all be acceptable for any of them to take
// effect.
func handleLinkADRReq(ds *storage.DeviceSession, b band.Band, cmd lorawan.MACCommand) error {
	if len(cmd.Payload) != 4 {
		return lorawan.ErrBufferTooShort
	}
	req := lorawan.LinkADRReqPayload(cmd.Payload)

	ack := b.ApplyLinkADR(req.DataRate(), req.TXPower(), req.ChMask(), req.ChMaskCntl())
	if ack.OK() {
		ds.DataRate = req.DataRate()
		ds.TXPowerIndex = req.TXPower()
		if req.NbTrans() > 0 {
			ds.NbTrans = req.NbTrans()
		}
		ds.ChannelPlan = b.Snapshot()
	}

	log.WithFields(log.Fields{
		"dev_eui":          ds.DevEUI,
		"dr":               req.DataRate(),
		"tx_power":         req.TXPower(),
		"ch_mask":          req.ChMask(),
		"ch_mask_cntl":     req.ChMaskCntl(),
		"nb_trans":         req.NbTrans(),
		"channel_mask_ack": ack.ChannelMaskAck,
		"data_rate_ack":    ack.DataRateAck,
		"power_ack":        ack.PowerAck,
	}).Info("link_adr request handled")

	var status byte
	if ack.ChannelMaskAck {
		status |= 0x01
	}
	if ack.DataRateAck {
		status |= 0x02
	}
	if ack.PowerAck {
		status |= 0x04
	}
	queueAnswer(ds, storage.MACCommandAnswer{
		CID:     lorawan.LinkADRCID,
		Payload: []byte{status},
	})
	return nil
}
