package lorawan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMACCommands(t *testing.T) {
	assert := require.New(t)

	data := []byte{
		0x03, 0x32, 0x00, 0xff, 0x01, // LinkADRReq
		0x05, 0x23, 0xd2, 0xad, 0x84, // RXParamSetupReq
		0x06,       // DevStatusReq
		0x08, 0x03, // RXTimingSetupReq
		0x02, 0x0a, 0x02, // LinkCheckAns
	}

	cmds, err := ParseMACCommands(data)
	assert.NoError(err)
	assert.Len(cmds, 5)

	adr := LinkADRReqPayload(cmds[0].Payload)
	assert.Equal(LinkADRCID, cmds[0].CID)
	assert.Equal(uint8(3), adr.DataRate())
	assert.Equal(uint8(2), adr.TXPower())
	assert.Equal(uint16(0xff00), adr.ChMask())
	assert.Equal(uint8(0), adr.ChMaskCntl())
	assert.Equal(uint8(1), adr.NbTrans())

	rx := RXParamSetupReqPayload(cmds[1].Payload)
	assert.Equal(RXParamSetupCID, cmds[1].CID)
	assert.Equal(uint8(2), rx.DLSettings().RX1DROffset())
	assert.Equal(uint8(3), rx.DLSettings().RX2DataRate())
	assert.Equal(uint32(869525000), rx.Frequency())

	assert.Equal(DevStatusCID, cmds[2].CID)

	timing := RXTimingSetupReqPayload(cmds[3].Payload)
	assert.Equal(RXTimingSetupCID, cmds[3].CID)
	assert.Equal(uint8(3), timing.Delay())

	lc := LinkCheckAnsPayload(cmds[4].Payload)
	assert.Equal(LinkCheckCID, cmds[4].CID)
	assert.Equal(uint8(10), lc.Margin())
	assert.Equal(uint8(2), lc.GwCnt())
}

func TestParseMACCommandsNewChannel(t *testing.T) {
	assert := require.New(t)

	cmds, err := ParseMACCommands([]byte{0x07, 0x05, 0x58, 0x6e, 0x84, 0x50})
	assert.NoError(err)
	assert.Len(cmds, 1)

	nc := NewChannelReqPayload(cmds[0].Payload)
	assert.Equal(uint8(5), nc.ChIndex())
	assert.Equal(uint32(867900000), nc.Frequency())
	assert.Equal(uint8(5), nc.MaxDR())
	assert.Equal(uint8(0), nc.MinDR())
}

func TestParseMACCommandsErrors(t *testing.T) {
	t.Run("unknown cid", func(t *testing.T) {
		_, err := ParseMACCommands([]byte{0x80, 0x01})
		require.Error(t, err)
	})

	t.Run("truncated payload", func(t *testing.T) {
		_, err := ParseMACCommands([]byte{0x03, 0x32, 0x00})
		require.Equal(t, ErrBufferTooShort, err)
	})
}
