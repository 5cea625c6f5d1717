package maccommand

import (
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-stack/internal/lorawan"
	"github.com/brocaar/chirpstack-device-stack/internal/storage"
)

// handleLinkCheckAns stores the connectivity margin reported by the network
// in answer to a LinkCheckReq.
func handleLinkCheckAns(ds *storage.DeviceSession, cmd lorawan.MACCommand) error {
	if len(cmd.Payload) != 2 {
		return lorawan.ErrBufferTooShort
	}
	ans := lorawan.LinkCheckAnsPayload(cmd.Payload)
	ds.LinkCheckMargin = ans.Margin()
	ds.LinkCheckGwCnt = ans.GwCnt()

	log.WithFields(log.Fields{
		"dev_eui": ds.DevEUI,
		"margin":  ans.Margin(),
		"gw_cnt":  ans.GwCnt(),
	}).Info("link_check answer received")
	return nil
}
