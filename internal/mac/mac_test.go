package mac

import (
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-device-stack/internal/band"
	"github.com/brocaar/chirpstack-device-stack/internal/lorawan"
	"github.com/brocaar/chirpstack-device-stack/internal/radio"
	"github.com/brocaar/chirpstack-device-stack/internal/storage"
)

func init() {
	log.SetLevel(log.ErrorLevel)
}

type countingRNG struct {
	next uint32
}

func (r *countingRNG) Uint32() uint32 {
	v := r.next
	r.next++
	return v
}

func newTestMac(t *testing.T) *Mac {
	b, err := band.GetBand(band.EU868)
	require.NoError(t, err)
	return New(b, lorawan.DefaultCrypto())
}

func abpCredentials() ABPCredentials {
	return ABPCredentials{
		DevEUI:  lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		DevAddr: lorawan.DevAddr{0x04, 0x03, 0x02, 0x01},
		NwkSKey: lorawan.AES128Key{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2},
		AppSKey: lorawan.AES128Key{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
	}
}

// buildDownlink constructs a valid downlink for the ABP test session.
func buildDownlink(t *testing.T, confirmed bool, fCnt uint32, fPort uint8, data, macCommands []byte) []byte {
	c := abpCredentials()
	builder := lorawan.DataPayloadBuilder{
		Confirmed: confirmed,
		DevAddr:   c.DevAddr,
		FCnt:      fCnt,
		FPort:     fPort,
		HasFPort:  fPort != 0,
	}

	var buf [256]byte
	out, err := builder.Build(buf[:], data, macCommands, lorawan.DefaultCrypto(), c.NwkSKey, c.AppSKey)
	require.NoError(t, err)
	return append([]byte{}, out...)
}

func TestPrepareJoin(t *testing.T) {
	assert := require.New(t)
	m := newTestMac(t)

	var buf radio.Buffer
	_, _, err := m.PrepareJoin(&countingRNG{}, &buf)
	assert.Equal(ErrNoCredentials, err)

	creds := NetworkCredentials{
		DevEUI: lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		AppEUI: lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1},
		AppKey: lorawan.AES128Key{1},
	}
	m.SetCredentials(creds)
	m.SetDevNonce(41)

	txConfig, devNonce, err := m.PrepareJoin(&countingRNG{}, &buf)
	assert.NoError(err)
	assert.Equal(lorawan.DevNonce(42), devNonce)
	assert.Equal(devNonce, m.DevNonce())
	assert.Equal(uint32(868100000), txConfig.Frequency)

	phy, err := lorawan.Parse(buf.Bytes())
	assert.NoError(err)
	jr, err := phy.JoinRequestPayload()
	assert.NoError(err)
	assert.Equal(creds.DevEUI, jr.DevEUI())
	assert.Equal(creds.AppEUI, jr.AppEUI())
	assert.Equal(lorawan.DevNonce(42), jr.DevNonce())
	assert.True(jr.ValidateMIC(lorawan.DefaultCrypto(), creds.AppKey))
}

func TestJoinAcceptFlow(t *testing.T) {
	assert := require.New(t)
	m := newTestMac(t)
	m.SetCredentials(NetworkCredentials{
		DevEUI: lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		AppEUI: lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1},
		AppKey: lorawan.AES128Key{1},
	})

	var buf radio.Buffer
	_, devNonce, err := m.PrepareJoin(&countingRNG{}, &buf)
	assert.NoError(err)

	accept := lorawan.JoinAcceptBuilder{
		AppNonce:   lorawan.AppNonce{1, 2, 3},
		NetID:      lorawan.NetID{4, 5, 6},
		DevAddr:    lorawan.DevAddr{0xaa, 0xbb, 0xcc, 0x01},
		DLSettings: lorawan.NewDLSettings(1, 2),
		RxDelay:    5,
		CFList:     []uint32{867100000, 867300000},
	}
	var acceptBuf [256]byte
	frame, err := accept.Build(acceptBuf[:], lorawan.DefaultCrypto(), lorawan.AES128Key{1})
	assert.NoError(err)

	var downlinks []Downlink
	resp := m.HandleRx(frame, &downlinks, false, 0)
	assert.Equal(ResponseJoinSuccess, resp.Kind)
	assert.True(m.Joined())

	s := m.Session()
	assert.Equal(accept.DevAddr, s.DevAddr)
	assert.Equal(uint8(5), s.RXDelay)
	assert.Equal(uint8(1), s.RX1DROffset)
	assert.Equal(uint8(2), s.RX2DataRate)
	assert.Equal(uint32(869525000), s.RX2Frequency)
	assert.Equal(uint32(0), s.FCntUp)

	expectedNwk, expectedApp, err := lorawan.DeriveSessionKeys(
		lorawan.DefaultCrypto(), lorawan.AES128Key{1},
		accept.AppNonce, accept.NetID, devNonce)
	assert.NoError(err)
	assert.Equal(expectedNwk, s.NwkSKey)
	assert.Equal(expectedApp, s.AppSKey)
}

func TestJoinAcceptInvalidMIC(t *testing.T) {
	assert := require.New(t)
	m := newTestMac(t)
	m.SetCredentials(NetworkCredentials{AppKey: lorawan.AES128Key{1}})

	var buf radio.Buffer
	_, _, err := m.PrepareJoin(&countingRNG{}, &buf)
	assert.NoError(err)

	// built with a different AppKey, so the MIC cannot verify
	accept := lorawan.JoinAcceptBuilder{DevAddr: lorawan.DevAddr{1, 2, 3, 4}}
	var acceptBuf [256]byte
	frame, err := accept.Build(acceptBuf[:], lorawan.DefaultCrypto(), lorawan.AES128Key{9})
	assert.NoError(err)

	var downlinks []Downlink
	resp := m.HandleRx(frame, &downlinks, false, 0)
	assert.Equal(ResponseNoUpdate, resp.Kind)
	assert.False(m.Joined())

	// both windows closed without a valid accept
	resp = m.RX2Complete()
	assert.Equal(ResponseNoJoinAccept, resp.Kind)
}

func TestUplinkExchange(t *testing.T) {
	assert := require.New(t)
	m := newTestMac(t)
	m.InstallABP(abpCredentials())

	var buf radio.Buffer
	txConfig, fCnt, dropped, err := m.PrepareUplink(&countingRNG{}, &buf, 2, []byte("hi"), false)
	assert.NoError(err)
	assert.False(dropped)
	assert.Equal(uint32(0), fCnt)
	assert.True(txConfig.Frequency >= 868100000 && txConfig.Frequency <= 868500000)

	phy, err := lorawan.Parse(buf.Bytes())
	assert.NoError(err)
	assert.Equal(lorawan.UnconfirmedDataUp, phy.MType())
	d, err := phy.DataPayload()
	assert.NoError(err)
	assert.Equal(uint16(0), d.FCnt())
	port, ok := d.FPort()
	assert.True(ok)
	assert.Equal(uint8(2), port)

	m.CommitUplinkTx()

	// no downlink in either window
	resp := m.RX2Complete()
	assert.Equal(ResponseRxComplete, resp.Kind)
	assert.Equal(uint32(1), m.Session().FCntUp)
}

func TestConfirmedUplinkNoAck(t *testing.T) {
	assert := require.New(t)
	m := newTestMac(t)
	m.InstallABP(abpCredentials())

	var buf radio.Buffer
	_, _, _, err := m.PrepareUplink(&countingRNG{}, &buf, 2, []byte("hi"), true)
	assert.NoError(err)
	m.CommitUplinkTx()

	resp := m.RX2Complete()
	assert.Equal(ResponseNoAck, resp.Kind)
	// the counter advances even without an acknowledgement
	assert.Equal(uint32(1), m.Session().FCntUp)
}

func TestDownlinkDemux(t *testing.T) {
	assert := require.New(t)
	m := newTestMac(t)
	m.InstallABP(abpCredentials())

	var buf radio.Buffer
	_, _, _, err := m.PrepareUplink(&countingRNG{}, &buf, 2, []byte("hi"), false)
	assert.NoError(err)
	m.CommitUplinkTx()

	frame := buildDownlink(t, false, 0, 7, []byte("response"), nil)
	var downlinks []Downlink
	resp := m.HandleRx(frame, &downlinks, false, -3)
	assert.Equal(ResponseDownlinkReceived, resp.Kind)
	assert.Equal(uint32(0), resp.FCntDown)

	assert.Len(downlinks, 1)
	assert.Equal(uint8(7), downlinks[0].FPort)
	assert.Equal([]byte("response"), downlinks[0].Data)

	s := m.Session()
	assert.True(s.HasFCntDown)
	assert.Equal(uint32(1), s.FCntUp)
	assert.Equal(int8(-3), s.LastDownlinkMargin)
}

func TestDownlinkReplayDropped(t *testing.T) {
	assert := require.New(t)
	m := newTestMac(t)
	m.InstallABP(abpCredentials())
	m.Session().FCntDown = 10
	m.Session().HasFCntDown = true

	var downlinks []Downlink

	// counter replay
	frame := buildDownlink(t, false, 10, 7, []byte("x"), nil)
	resp := m.HandleRx(frame, &downlinks, false, 0)
	assert.Equal(ResponseNoUpdate, resp.Kind)

	// counter behind
	frame = buildDownlink(t, false, 9, 7, []byte("x"), nil)
	resp = m.HandleRx(frame, &downlinks, false, 0)
	assert.Equal(ResponseNoUpdate, resp.Kind)

	assert.Empty(downlinks)
	assert.Equal(uint32(10), m.Session().FCntDown)
}

func TestDownlinkForeignAddressDropped(t *testing.T) {
	assert := require.New(t)
	m := newTestMac(t)
	m.InstallABP(abpCredentials())

	c := abpCredentials()
	builder := lorawan.DataPayloadBuilder{
		DevAddr:  lorawan.DevAddr{9, 9, 9, 9},
		FCnt:     0,
		FPort:    7,
		HasFPort: true,
	}
	var frameBuf [256]byte
	frame, err := builder.Build(frameBuf[:], []byte("x"), nil, lorawan.DefaultCrypto(), c.NwkSKey, c.AppSKey)
	assert.NoError(err)

	var downlinks []Downlink
	resp := m.HandleRx(frame, &downlinks, false, 0)
	assert.Equal(ResponseNoUpdate, resp.Kind)
}

func TestDownlinkInvalidMICDropped(t *testing.T) {
	assert := require.New(t)
	m := newTestMac(t)
	m.InstallABP(abpCredentials())

	frame := buildDownlink(t, false, 0, 7, []byte("x"), nil)
	frame[len(frame)-1] ^= 0xff

	var downlinks []Downlink
	resp := m.HandleRx(frame, &downlinks, false, 0)
	assert.Equal(ResponseNoUpdate, resp.Kind)
	assert.False(m.Session().HasFCntDown)
}

func TestDownlinkMACCommands(t *testing.T) {
	assert := require.New(t)
	m := newTestMac(t)
	m.InstallABP(abpCredentials())

	// LinkADRReq(DR 3, TXPower 2, ChMask 0x0007, cntl 0, NbTrans 1) in FOpts
	frame := buildDownlink(t, false, 0, 7, []byte("x"), []byte{0x03, 0x32, 0x07, 0x00, 0x01})
	var downlinks []Downlink
	resp := m.HandleRx(frame, &downlinks, false, 0)
	assert.Equal(ResponseDownlinkReceived, resp.Kind)

	s := m.Session()
	assert.Equal(uint8(3), s.DataRate)
	assert.Len(s.PendingAnswers, 1)
	assert.Equal(lorawan.LinkADRCID, s.PendingAnswers[0].CID)
	assert.Equal([]byte{0x07}, s.PendingAnswers[0].Payload)

	// the answer rides in the FOpts of the next uplink
	var buf radio.Buffer
	_, _, _, err := m.PrepareUplink(&countingRNG{}, &buf, 2, []byte("hi"), false)
	assert.NoError(err)
	phy, err := lorawan.Parse(buf.Bytes())
	assert.NoError(err)
	d, err := phy.DataPayload()
	assert.NoError(err)
	assert.Equal([]byte{0x03, 0x07}, d.FOpts())

	m.CommitUplinkTx()
	assert.Empty(s.PendingAnswers)
}

func TestRXCFramesSkipMACEngine(t *testing.T) {
	assert := require.New(t)
	m := newTestMac(t)
	m.InstallABP(abpCredentials())

	frame := buildDownlink(t, false, 0, 7, []byte("x"), []byte{0x03, 0x32, 0x07, 0x00, 0x01})
	var downlinks []Downlink
	resp := m.HandleRx(frame, &downlinks, true, 0)
	assert.Equal(ResponseDownlinkReceived, resp.Kind)

	s := m.Session()
	assert.Empty(s.PendingAnswers)
	// continuous-window frames do not belong to an uplink exchange
	assert.Equal(uint32(0), s.FCntUp)
	assert.Len(downlinks, 1)
}

func TestConfirmedDownlinkSetsAck(t *testing.T) {
	assert := require.New(t)
	m := newTestMac(t)
	m.InstallABP(abpCredentials())

	frame := buildDownlink(t, true, 0, 7, []byte("x"), nil)
	var downlinks []Downlink
	resp := m.HandleRx(frame, &downlinks, false, 0)
	assert.Equal(ResponseDownlinkReceived, resp.Kind)
	assert.True(m.Session().AckPending)

	var buf radio.Buffer
	_, _, _, err := m.PrepareUplink(&countingRNG{}, &buf, 2, nil, false)
	assert.NoError(err)
	phy, err := lorawan.Parse(buf.Bytes())
	assert.NoError(err)
	d, err := phy.DataPayload()
	assert.NoError(err)
	assert.True(d.FCtrl().ACK())

	m.CommitUplinkTx()
	assert.False(m.Session().AckPending)
}

func TestFCntUpExhaustion(t *testing.T) {
	assert := require.New(t)
	m := newTestMac(t)
	m.InstallABP(abpCredentials())
	m.Session().FCntUp = 0xfffffffe

	var buf radio.Buffer
	_, fCnt, _, err := m.PrepareUplink(&countingRNG{}, &buf, 2, []byte("x"), false)
	assert.NoError(err)
	assert.Equal(uint32(0xfffffffe), fCnt)
	m.CommitUplinkTx()
	assert.Equal(ResponseRxComplete, m.RX2Complete().Kind)
	assert.Equal(uint32(0xffffffff), m.Session().FCntUp)

	_, _, _, err = m.PrepareUplink(&countingRNG{}, &buf, 2, []byte("x"), false)
	assert.NoError(err)
	m.CommitUplinkTx()
	assert.Equal(ResponseSessionExpired, m.RX2Complete().Kind)
	assert.True(m.Session().Expired)

	_, _, _, err = m.PrepareUplink(&countingRNG{}, &buf, 2, []byte("x"), false)
	assert.Equal(ErrSessionExpired, err)
}

func TestPayloadTooLarge(t *testing.T) {
	assert := require.New(t)
	m := newTestMac(t)
	m.InstallABP(abpCredentials())
	// EU868 DR0 allows 59 bytes of MACPayload
	assert.NoError(m.SetDataRate(0))

	var buf radio.Buffer
	big := make([]byte, 80)
	_, _, dropped, err := m.PrepareUplink(&countingRNG{}, &buf, 2, big, false)
	assert.NoError(err)
	assert.True(dropped)

	// the frame went out without FPort and payload
	phy, err := lorawan.Parse(buf.Bytes())
	assert.NoError(err)
	d, err := phy.DataPayload()
	assert.NoError(err)
	_, ok := d.FPort()
	assert.False(ok)
}

func TestADRAckRequest(t *testing.T) {
	assert := require.New(t)
	m := newTestMac(t)
	m.InstallABP(abpCredentials())
	s := m.Session()

	var buf radio.Buffer
	parseFCtrl := func() lorawan.FCtrl {
		phy, err := lorawan.Parse(buf.Bytes())
		assert.NoError(err)
		d, err := phy.DataPayload()
		assert.NoError(err)
		return d.FCtrl()
	}

	// below the limit the bit stays clear
	_, _, _, err := m.PrepareUplink(&countingRNG{}, &buf, 2, []byte("x"), false)
	assert.NoError(err)
	assert.True(parseFCtrl().ADR())
	assert.False(parseFCtrl().ADRACKReq())

	m.CommitUplinkTx()
	assert.Equal(uint32(1), s.AdrAckCnt)

	// at the limit the device requests a downlink
	s.AdrAckCnt = 64
	_, _, _, err = m.PrepareUplink(&countingRNG{}, &buf, 2, []byte("x"), false)
	assert.NoError(err)
	assert.True(parseFCtrl().ADRACKReq())
	assert.Equal(uint8(0), s.DataRate)

	// any admitted downlink resets the counter
	frame := buildDownlink(t, false, 0, 7, []byte("y"), nil)
	var downlinks []Downlink
	resp := m.HandleRx(frame, &downlinks, false, 0)
	assert.Equal(ResponseDownlinkReceived, resp.Kind)
	assert.Equal(uint32(0), s.AdrAckCnt)
}

func TestADRAckFallback(t *testing.T) {
	assert := require.New(t)
	m := newTestMac(t)
	m.InstallABP(abpCredentials())
	s := m.Session()
	s.DataRate = 2

	var buf radio.Buffer

	// one delay period past the limit steps the data-rate down
	s.AdrAckCnt = 64 + 32
	_, _, _, err := m.PrepareUplink(&countingRNG{}, &buf, 2, []byte("x"), false)
	assert.NoError(err)
	assert.Equal(uint8(1), s.DataRate)

	// in between nothing changes
	s.AdrAckCnt = 64 + 32 + 1
	_, _, _, err = m.PrepareUplink(&countingRNG{}, &buf, 2, []byte("x"), false)
	assert.NoError(err)
	assert.Equal(uint8(1), s.DataRate)

	// the next period steps again, bottoming out at the lowest data-rate
	s.AdrAckCnt = 64 + 2*32
	_, _, _, err = m.PrepareUplink(&countingRNG{}, &buf, 2, []byte("x"), false)
	assert.NoError(err)
	assert.Equal(uint8(0), s.DataRate)

	s.AdrAckCnt = 64 + 3*32
	_, _, _, err = m.PrepareUplink(&countingRNG{}, &buf, 2, []byte("x"), false)
	assert.NoError(err)
	assert.Equal(uint8(0), s.DataRate)
}

func TestRxWindowConfig(t *testing.T) {
	assert := require.New(t)
	m := newTestMac(t)
	m.InstallABP(abpCredentials())

	var buf radio.Buffer
	_, _, _, err := m.PrepareUplink(&countingRNG{next: 1}, &buf, 2, nil, false)
	assert.NoError(err)

	rx1, err := m.RxWindowConfig(Window1, 8)
	assert.NoError(err)
	assert.Equal(uint32(868300000), rx1.Frequency)
	assert.False(rx1.Mode.Continuous)
	assert.Equal(uint32(8), rx1.Mode.SymbolTimeout)

	rx2, err := m.RxWindowConfig(Window2, 8)
	assert.NoError(err)
	assert.Equal(uint32(869525000), rx2.Frequency)
	assert.Equal(12, rx2.DataRate.SpreadingFactor)

	rxc, err := m.RxWindowConfig(WindowC, 0)
	assert.NoError(err)
	assert.True(rxc.Mode.Continuous)
	assert.Equal(rx2.Frequency, rxc.Frequency)
}

func TestGetRxDelay(t *testing.T) {
	assert := require.New(t)
	m := newTestMac(t)

	assert.Equal(JoinAcceptDelay1, m.GetRxDelay(FrameJoin, Window1))
	assert.Equal(JoinAcceptDelay2, m.GetRxDelay(FrameJoin, Window2))

	m.InstallABP(abpCredentials())
	assert.Equal(time.Second, m.GetRxDelay(FrameData, Window1))
	assert.Equal(2*time.Second, m.GetRxDelay(FrameData, Window2))

	m.Session().RXDelay = 5
	assert.Equal(5*time.Second, m.GetRxDelay(FrameData, Window1))
	assert.Equal(6*time.Second, m.GetRxDelay(FrameData, Window2))
}

func TestSessionRoundTripThroughStore(t *testing.T) {
	assert := require.New(t)
	m := newTestMac(t)
	m.InstallABP(abpCredentials())
	m.Session().FCntUp = 7

	snap := *m.Session()
	b, err := snap.MarshalBinary()
	assert.NoError(err)

	var restored storage.DeviceSession
	assert.NoError(restored.UnmarshalBinary(b))

	m2 := newTestMac(t)
	m2.SetSession(restored)
	assert.True(m2.Joined())
	assert.Equal(uint32(7), m2.Session().FCntUp)
	assert.Equal(snap, *m2.Session())
}
