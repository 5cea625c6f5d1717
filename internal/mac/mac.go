// Package mac implements the LoRaWAN Class A/C MAC layer: the join
// lifecycle, uplink construction, receive-window parameters, downlink demux
// and frame-counter discipline. It is driven by the realizations in the
// device package through the transition table in states.go.
package mac

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-stack/internal/band"
	"github.com/brocaar/chirpstack-device-stack/internal/lorawan"
	"github.com/brocaar/chirpstack-device-stack/internal/maccommand"
	"github.com/brocaar/chirpstack-device-stack/internal/radio"
	"github.com/brocaar/chirpstack-device-stack/internal/storage"
)

// Join-accept windows open at fixed delays after the JoinRequest; data
// windows use the session RXDelay.
const (
	JoinAcceptDelay1 = 5 * time.Second
	JoinAcceptDelay2 = 6 * time.Second
)

// defaultTxPower is used until regional power management is configured by
// the network; power-limit enforcement is out of scope for the stack.
const defaultTxPower int8 = 14

// After adrAckLimit uplinks without any downlink the device sets the
// ADRACKReq bit; every adrAckDelay further silent uplinks it falls back to
// a more robust data-rate (LoRaWAN 1.0.x defaults).
const (
	adrAckLimit = 64
	adrAckDelay = 32
)

// Errors surfaced to the caller.
var (
	ErrNoSession      = errors.New("mac: no active session")
	ErrSessionExpired = errors.New("mac: session expired")
	ErrNoCredentials  = errors.New("mac: no join credentials installed")
)

// Frame distinguishes join and data exchanges.
type Frame int

// Frame kinds.
const (
	FrameJoin Frame = iota
	FrameData
)

// Window identifies a receive window.
type Window int

// Receive windows.
const (
	Window1 Window = iota
	Window2
	WindowC
)

// ResponseKind enumerates the MAC layer outcomes.
type ResponseKind int

// MAC responses.
const (
	ResponseNoUpdate ResponseKind = iota
	ResponseJoinSuccess
	ResponseNoJoinAccept
	ResponseDownlinkReceived
	ResponseNoAck
	ResponseRxComplete
	ResponseSessionExpired
)

// Response is the outcome of handling a received frame or a closed RX2
// window.
type Response struct {
	Kind     ResponseKind
	FCntDown uint32
}

// Downlink holds the application payload of an admitted downlink.
type Downlink struct {
	FPort uint8
	Data  []byte
}

// NetworkCredentials are the OTAA join credentials.
type NetworkCredentials struct {
	DevEUI lorawan.EUI64
	AppEUI lorawan.EUI64
	AppKey lorawan.AES128Key
}

// ABPCredentials activate a device by personalization.
type ABPCredentials struct {
	DevEUI   lorawan.EUI64
	DevAddr  lorawan.DevAddr
	NwkSKey  lorawan.AES128Key
	AppSKey  lorawan.AES128Key
	FCntUp   uint32
	FCntDown uint32
}

// Mac is the MAC-layer state shared by both façade realizations. It owns
// the session and the regional channel plan; the drivers own the radio, the
// timer and the frame buffer.
type Mac struct {
	band    band.Band
	crypto  lorawan.Crypto
	battery maccommand.BatteryFunc

	credentials *NetworkCredentials
	devNonce    lorawan.DevNonce

	session *storage.DeviceSession
	joining bool

	// dataRate applies before a session exists; afterwards the session
	// field is authoritative.
	dataRate band.DR

	// in-flight uplink state
	txDataRate band.DR
	confirmed  bool
}

// New returns a Mac for the given region.
func New(b band.Band, c lorawan.Crypto) *Mac {
	return &Mac{
		band:     b,
		crypto:   c,
		dataRate: b.DefaultDataRate(),
	}
}

// Band returns the regional channel-plan engine.
func (m *Mac) Band() band.Band {
	return m.band
}

// SetBattery installs the battery callback used by DevStatusAns.
func (m *Mac) SetBattery(f maccommand.BatteryFunc) {
	m.battery = f
}

// SetCredentials installs the OTAA join credentials.
func (m *Mac) SetCredentials(c NetworkCredentials) {
	m.credentials = &c
}

// SetDevNonce restores the persisted DevNonce counter.
func (m *Mac) SetDevNonce(n lorawan.DevNonce) {
	m.devNonce = n
}

// DevNonce returns the last used DevNonce.
func (m *Mac) DevNonce() lorawan.DevNonce {
	return m.devNonce
}

// Joined reports whether an active session exists.
func (m *Mac) Joined() bool {
	return m.session != nil
}

// Session returns the active session, or nil.
func (m *Mac) Session() *storage.DeviceSession {
	return m.session
}

// SetSession restores a persisted session, including its channel-plan
// state.
func (m *Mac) SetSession(s storage.DeviceSession) {
	m.session = &s
	m.band.Restore(s.ChannelPlan)
	m.joining = false
}

// InstallABP creates a session from ABP credentials.
func (m *Mac) InstallABP(c ABPCredentials) {
	rx2Freq, rx2DR := m.band.RX2Defaults()
	m.session = &storage.DeviceSession{
		DevEUI:       c.DevEUI,
		DevAddr:      c.DevAddr,
		NwkSKey:      c.NwkSKey,
		AppSKey:      c.AppSKey,
		FCntUp:       c.FCntUp,
		FCntDown:     c.FCntDown,
		HasFCntDown:  c.FCntDown != 0,
		RXDelay:      1,
		RX2DataRate:  uint8(rx2DR),
		RX2Frequency: rx2Freq,
		DataRate:     uint8(m.dataRate),
		NbTrans:      1,
		ChannelPlan:  m.band.Snapshot(),
	}
	m.joining = false
}

// ResetSession drops the active session on caller request.
func (m *Mac) ResetSession() {
	m.session = nil
	m.joining = false
}

// SetDataRate overrides the uplink data-rate.
func (m *Mac) SetDataRate(dr band.DR) error {
	if _, err := m.band.DataRate(dr); err != nil {
		return err
	}
	m.dataRate = dr
	if m.session != nil {
		m.session.DataRate = uint8(dr)
	}
	return nil
}

// DataRate returns the current uplink data-rate.
func (m *Mac) DataRate() band.DR {
	if m.session != nil {
		return band.DR(m.session.DataRate)
	}
	return m.dataRate
}

// PrepareJoin increments the DevNonce, fills buf with the JoinRequest and
// selects the join channel. The returned DevNonce must be persisted before
// the frame goes on air.
func (m *Mac) PrepareJoin(rng radio.RNG, buf *radio.Buffer) (radio.TxConfig, lorawan.DevNonce, error) {
	if m.credentials == nil {
		return radio.TxConfig{}, 0, ErrNoCredentials
	}
	m.devNonce++

	builder := lorawan.JoinRequestBuilder{
		AppEUI:   m.credentials.AppEUI,
		DevEUI:   m.credentials.DevEUI,
		DevNonce: m.devNonce,
	}
	out, err := builder.Build(buf.Raw(), m.crypto, m.credentials.AppKey)
	if err != nil {
		return radio.TxConfig{}, 0, err
	}
	buf.SetLen(len(out))

	freq, dr := m.band.JoinChannel(rng)
	modulation, err := m.band.DataRate(dr)
	if err != nil {
		return radio.TxConfig{}, 0, err
	}

	m.joining = true
	m.txDataRate = dr

	log.WithFields(log.Fields{
		"dev_eui":   m.credentials.DevEUI,
		"dev_nonce": m.devNonce,
		"frequency": freq,
		"dr":        dr,
	}).Info("join-request prepared")

	return radio.TxConfig{
		Frequency: freq,
		DataRate:  modulation,
		Power:     defaultTxPower,
	}, m.devNonce, nil
}

// PrepareUplink fills buf with a data frame carrying the queued MAC answers
// and the application payload, and selects the uplink channel.
//
// When the answers and the payload together exceed the regional maximum the
// payload is dropped, the answers are kept and payloadDropped is returned
// true.
func (m *Mac) PrepareUplink(rng radio.RNG, buf *radio.Buffer, fPort uint8, data []byte, confirmed bool) (radio.TxConfig, uint32, bool, error) {
	s := m.session
	if s == nil {
		return radio.TxConfig{}, 0, false, ErrNoSession
	}
	if s.Expired {
		return radio.TxConfig{}, 0, false, ErrSessionExpired
	}

	adrAckReq := s.AdrAckCnt >= adrAckLimit
	if adrAckReq {
		m.adrFallback()
	}

	freq, dr, err := m.band.TxChannel(rng, band.DR(s.DataRate))
	if err != nil {
		return radio.TxConfig{}, 0, false, err
	}
	modulation, err := m.band.DataRate(dr)
	if err != nil {
		return radio.TxConfig{}, 0, false, err
	}
	maxPayload, err := m.band.MaxPayloadSize(dr)
	if err != nil {
		return radio.TxConfig{}, 0, false, err
	}

	answers := maccommand.AnswerBytes(*s)

	builder := lorawan.DataPayloadBuilder{
		Confirmed: confirmed,
		Uplink:    true,
		DevAddr:   s.DevAddr,
		FCnt:      s.FCntUp,
	}
	builder.FCtrl.SetADR(true)
	builder.FCtrl.SetADRACKReq(adrAckReq)
	builder.FCtrl.SetACK(s.AckPending)

	var payload, macCommands []byte
	var payloadDropped bool
	const fhdrBaseLen = 7

	switch {
	case len(answers) > 15:
		// the answers only fit as a port-0 payload, which cannot coexist
		// with application data
		if fhdrBaseLen+1+len(answers) > maxPayload {
			return radio.TxConfig{}, 0, false, errors.New("mac: queued answers exceed the regional payload size")
		}
		builder.FPort = 0
		builder.HasFPort = true
		macCommands = answers
		payloadDropped = len(data) > 0

	default:
		macCommands = answers
		size := fhdrBaseLen + len(answers) + 1 + len(data)
		if size > maxPayload {
			payloadDropped = true
		} else {
			builder.FPort = fPort
			builder.HasFPort = true
			payload = data
		}
	}

	out, err := builder.Build(buf.Raw(), payload, macCommands, m.crypto, s.NwkSKey, s.AppSKey)
	if err != nil {
		return radio.TxConfig{}, 0, false, err
	}
	buf.SetLen(len(out))

	m.confirmed = confirmed
	m.txDataRate = dr

	log.WithFields(log.Fields{
		"dev_addr":  s.DevAddr,
		"fcnt_up":   s.FCntUp,
		"fport":     fPort,
		"confirmed": confirmed,
		"frequency": freq,
		"dr":        dr,
		"answers":   len(s.PendingAnswers),
	}).Debug("uplink prepared")

	return radio.TxConfig{
		Frequency: freq,
		DataRate:  modulation,
		Power:     defaultTxPower,
	}, s.FCntUp, payloadDropped, nil
}

// adrFallback steps down to a more robust data-rate once the network has
// stayed silent for adrAckDelay uplinks past the ADRACKReq threshold.
func (m *Mac) adrFallback() {
	s := m.session
	if s.AdrAckCnt < adrAckLimit+adrAckDelay || (s.AdrAckCnt-adrAckLimit)%adrAckDelay != 0 {
		return
	}
	next := int(s.DataRate) - 1
	for next >= 0 {
		if _, err := m.band.DataRate(band.DR(next)); err == nil {
			break
		}
		next--
	}
	if next < 0 {
		return
	}
	log.WithFields(log.Fields{
		"dev_addr":    s.DevAddr,
		"adr_ack_cnt": s.AdrAckCnt,
		"dr":          next,
	}).Warning("no downlink since adr_ack_limit, falling back to a lower data-rate")
	s.DataRate = uint8(next)
}

// CommitUplinkTx must be called once the frame is on air: FCntUp advances,
// the transmitted answers leave the queue (sticky ones stay) and the ACK
// bit is spent. A transmission that is cancelled before completing leaves
// the session untouched by not committing.
func (m *Mac) CommitUplinkTx() {
	s := m.session
	if s == nil {
		return
	}
	maccommand.PruneAfterUplink(s)
	s.AckPending = false
	s.AdrAckCnt++

	if s.FCntUp == 0xffffffff {
		s.Expired = true
		log.WithField("dev_addr", s.DevAddr).Warning("uplink frame-counter exhausted, session expired")
		return
	}
	s.FCntUp++
}

// GetRxDelay returns when a window opens, relative to the TX-done
// timestamp.
func (m *Mac) GetRxDelay(frame Frame, window Window) time.Duration {
	if frame == FrameJoin {
		if window == Window1 {
			return JoinAcceptDelay1
		}
		return JoinAcceptDelay2
	}

	delay := time.Second
	if m.session != nil && m.session.RXDelay > 0 {
		delay = time.Duration(m.session.RXDelay) * time.Second
	}
	if window == Window2 {
		delay += time.Second
	}
	return delay
}

// RxWindowConfig computes the radio configuration of a receive window.
func (m *Mac) RxWindowConfig(window Window, symbolTimeout uint32) (radio.RxConfig, error) {
	var freq uint32
	var dr band.DR

	switch {
	case window == Window1:
		var offset uint8
		if m.session != nil {
			offset = m.session.RX1DROffset
		}
		freq, dr = m.band.RX1Params(m.txDataRate, offset)
	case m.session != nil && !m.joining:
		freq = m.session.RX2Frequency
		dr = band.DR(m.session.RX2DataRate)
	default:
		freq, dr = m.band.RX2Defaults()
	}

	modulation, err := m.band.DataRate(dr)
	if err != nil {
		// fall back to the regional default rather than leaving the radio
		// unconfigured
		_, dr = m.band.RX2Defaults()
		if modulation, err = m.band.DataRate(dr); err != nil {
			return radio.RxConfig{}, err
		}
	}

	return radio.RxConfig{
		Frequency: freq,
		DataRate:  modulation,
		Mode: radio.RxMode{
			Continuous:    window == WindowC,
			SymbolTimeout: symbolTimeout,
		},
	}, nil
}

// HandleRx demuxes a received frame. Validation failures are absorbed and
// reported as ResponseNoUpdate so the window stays open. rxc marks frames
// captured in the Class C continuous window; those skip the MAC-command
// engine.
func (m *Mac) HandleRx(frame []byte, downlinks *[]Downlink, rxc bool, snr int8) Response {
	if m.joining {
		return m.handleJoinAccept(frame)
	}
	if m.session != nil {
		return m.handleDataDownlink(frame, downlinks, rxc, snr)
	}
	return Response{Kind: ResponseNoUpdate}
}

func (m *Mac) handleJoinAccept(frame []byte) Response {
	phy, err := lorawan.Parse(frame)
	if err != nil || phy.MType() != lorawan.JoinAcceptType {
		return Response{Kind: ResponseNoUpdate}
	}

	ja, err := lorawan.DecryptJoinAccept(m.crypto, m.credentials.AppKey, frame)
	if err != nil || !ja.ValidateMIC(m.crypto, m.credentials.AppKey) {
		log.Debug("join-accept with invalid mic dropped")
		return Response{Kind: ResponseNoUpdate}
	}

	nwkSKey, appSKey, err := lorawan.DeriveSessionKeys(m.crypto, m.credentials.AppKey, ja.AppNonce(), ja.NetID(), m.devNonce)
	if err != nil {
		return Response{Kind: ResponseNoUpdate}
	}

	if cfList, ok := ja.CFList(); ok {
		if err := m.band.IngestCFList(cfList); err != nil {
			log.WithError(err).Warning("ignoring cflist")
		}
	}

	rxDelay := ja.RxDelay()
	if rxDelay == 0 {
		rxDelay = 1
	}
	rx2Freq, _ := m.band.RX2Defaults()

	m.session = &storage.DeviceSession{
		DevEUI:       m.credentials.DevEUI,
		DevAddr:      ja.DevAddr(),
		NwkSKey:      nwkSKey,
		AppSKey:      appSKey,
		RXDelay:      rxDelay,
		RX1DROffset:  ja.DLSettings().RX1DROffset(),
		RX2DataRate:  ja.DLSettings().RX2DataRate(),
		RX2Frequency: rx2Freq,
		DataRate:     uint8(m.dataRate),
		NbTrans:      1,
		ChannelPlan:  m.band.Snapshot(),
	}
	m.joining = false

	log.WithFields(log.Fields{
		"dev_eui":  m.credentials.DevEUI,
		"dev_addr": m.session.DevAddr,
		"rx_delay": rxDelay,
	}).Info("join accepted")

	return Response{Kind: ResponseJoinSuccess}
}

func (m *Mac) handleDataDownlink(frame []byte, downlinks *[]Downlink, rxc bool, snr int8) Response {
	s := m.session

	phy, err := lorawan.Parse(frame)
	if err != nil {
		return Response{Kind: ResponseNoUpdate}
	}
	if !phy.IsData() {
		return Response{Kind: ResponseNoUpdate}
	}
	d, err := phy.DataPayload()
	if err != nil || d.IsUplink() {
		return Response{Kind: ResponseNoUpdate}
	}
	if d.DevAddr() != s.DevAddr {
		return Response{Kind: ResponseNoUpdate}
	}

	fullFCnt, ok := storage.ValidateAndGetFullFCntDown(*s, uint32(d.FCnt()))
	if !ok {
		log.WithFields(log.Fields{
			"dev_addr": s.DevAddr,
			"fcnt":     d.FCnt(),
		}).Debug("downlink with invalid frame-counter dropped")
		return Response{Kind: ResponseNoUpdate}
	}
	if !d.ValidateMIC(m.crypto, s.NwkSKey, lorawan.DirDownlink, fullFCnt) {
		log.WithField("dev_addr", s.DevAddr).Debug("downlink with invalid mic dropped")
		return Response{Kind: ResponseNoUpdate}
	}

	s.FCntDown = fullFCnt
	s.HasFCntDown = true
	s.LastDownlinkMargin = int8(clampInt(int(snr), -32, 31))
	s.AdrAckCnt = 0

	// any admitted downlink acknowledges the sticky answers implicitly
	maccommand.AckSticky(s)

	payload, err := d.DecryptFRMPayload(m.crypto, s.NwkSKey, s.AppSKey, lorawan.DirDownlink, fullFCnt)
	if err != nil {
		return Response{Kind: ResponseNoUpdate}
	}

	if !rxc {
		if err := m.handleMACCommands(d, payload); err != nil {
			log.WithError(err).Warning("handling mac-commands failed")
		}
	}

	if d.IsConfirmed() {
		s.AckPending = true
	}

	if port, hasPort := d.FPort(); hasPort && port != 0 {
		*downlinks = append(*downlinks, Downlink{
			FPort: port,
			Data:  append([]byte{}, payload...),
		})
	}

	log.WithFields(log.Fields{
		"dev_addr":  s.DevAddr,
		"fcnt_down": fullFCnt,
		"rxc":       rxc,
	}).Info("downlink received")

	return Response{Kind: ResponseDownlinkReceived, FCntDown: fullFCnt}
}

func (m *Mac) handleMACCommands(d lorawan.DataPayload, plaintext []byte) error {
	var raw []byte
	if opts := d.FOpts(); len(opts) > 0 {
		raw = opts
	} else if port, ok := d.FPort(); ok && port == 0 {
		raw = plaintext
	}
	if len(raw) == 0 {
		return nil
	}

	commands, err := lorawan.ParseMACCommands(raw)
	if err != nil {
		log.WithError(err).Debug("partial mac-command parse")
	}
	return maccommand.Handle(m.session, m.band, m.battery, commands)
}

// RX2Complete closes out an exchange in which no window delivered a frame.
func (m *Mac) RX2Complete() Response {
	if m.joining {
		m.joining = false
		return Response{Kind: ResponseNoJoinAccept}
	}
	if m.session == nil {
		return Response{Kind: ResponseNoUpdate}
	}
	if m.session.Expired {
		return Response{Kind: ResponseSessionExpired}
	}
	if m.confirmed {
		return Response{Kind: ResponseNoAck}
	}
	return Response{Kind: ResponseRxComplete}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
