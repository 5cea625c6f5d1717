// Package device exposes the stack façades: an asynchronous Device driven
// by blocking radio and timer capabilities, and a non-blocking Device
// driven by externally fed events. Both realizations replay the same
// transition table from the mac package.
package device

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-stack/internal/band"
	"github.com/brocaar/chirpstack-device-stack/internal/lorawan"
	"github.com/brocaar/chirpstack-device-stack/internal/mac"
	"github.com/brocaar/chirpstack-device-stack/internal/radio"
	"github.com/brocaar/chirpstack-device-stack/internal/storage"
)

// Errors surfaced by the façades.
var (
	ErrBusy       = errors.New("device: an exchange is already in flight")
	ErrNotJoined  = errors.New("device: not joined")
	ErrInvalidRsp = errors.New("device: unexpected mac response")
)

// defaultSymbolTimeout is programmed into the radio for single receive
// windows; the wall-clock deadline closes the window when no preamble was
// detected earlier.
const defaultSymbolTimeout = 8

// JoinResponse is the outcome of a join exchange.
type JoinResponse int

// Join outcomes.
const (
	JoinSuccess JoinResponse = iota
	NoJoinAccept
)

// SendResponseKind enumerates the send outcomes.
type SendResponseKind int

// Send outcomes.
const (
	// RxComplete: both windows closed, no downlink (unconfirmed uplink).
	RxComplete SendResponseKind = iota

	// DownlinkReceived: a downlink was admitted; its payload, if any, is
	// available through TakeDownlink.
	DownlinkReceived

	// NoAck: the confirmed uplink was not acknowledged in either window.
	NoAck

	// SessionExpired: FCntUp is exhausted; a new join is required.
	SessionExpired
)

// SendResponse is the outcome of a send exchange.
type SendResponse struct {
	Kind     SendResponseKind
	FCntDown uint32

	// PayloadDropped is set when the application payload had to make room
	// for queued MAC answers.
	PayloadDropped bool
}

// Config assembles a Device from its capabilities.
type Config struct {
	Band  band.Band
	Radio radio.PhyRxTx
	Timer radio.Timer
	RNG   radio.RNG

	// Crypto defaults to the software implementation.
	Crypto lorawan.Crypto

	// Store persists the session and the DevNonce counter. Optional; when
	// nil nothing survives a restart.
	Store storage.Store
}

// Device is the asynchronous stack façade. It is not safe for concurrent
// use: the caller owns the single control flow, and the operations suspend
// only in radio and timer waits.
type Device struct {
	radio  radio.PhyRxTx
	timer  radio.Timer
	rng    radio.RNG
	store  storage.Store
	mac    *mac.Mac
	buf    radio.Buffer
	downs  []mac.Downlink
	devEUI lorawan.EUI64
	busy   bool
	classC bool
}

// New assembles a Device.
func New(c Config) (*Device, error) {
	if c.Band == nil || c.Radio == nil || c.Timer == nil || c.RNG == nil {
		return nil, errors.New("device: band, radio, timer and rng are required")
	}
	crypto := c.Crypto
	if crypto == nil {
		crypto = lorawan.DefaultCrypto()
	}
	return &Device{
		radio: c.Radio,
		timer: c.Timer,
		rng:   c.RNG,
		store: c.Store,
		mac:   mac.New(c.Band, crypto),
	}, nil
}

// Mac exposes the MAC layer for configuration (credentials, data-rate,
// battery callback).
func (d *Device) Mac() *mac.Mac {
	return d.mac
}

// SetOTAACredentials installs the join credentials and restores the
// persisted DevNonce counter, when a store is configured.
func (d *Device) SetOTAACredentials(ctx context.Context, c mac.NetworkCredentials) error {
	d.mac.SetCredentials(c)
	d.devEUI = c.DevEUI
	if d.store == nil {
		return nil
	}
	nonce, err := d.store.GetDevNonce(ctx, c.DevEUI)
	if err != nil {
		if err == storage.ErrDoesNotExist {
			return nil
		}
		return err
	}
	d.mac.SetDevNonce(nonce)
	return nil
}

// InstallABP activates the device by personalization.
func (d *Device) InstallABP(c mac.ABPCredentials) {
	d.mac.InstallABP(c)
}

// RestoreSession loads a persisted session from the store.
func (d *Device) RestoreSession(ctx context.Context, devEUI lorawan.EUI64) error {
	if d.store == nil {
		return errors.New("device: no store configured")
	}
	s, err := d.store.GetDeviceSession(ctx, devEUI)
	if err != nil {
		return err
	}
	d.mac.SetSession(s)
	return nil
}

// EnableClassC keeps the radio in continuous RX on the RX2 parameters
// whenever no Class A exchange is using it.
func (d *Device) EnableClassC() {
	d.classC = true
}

// DisableClassC returns to pure Class A behavior after the current
// exchange.
func (d *Device) DisableClassC() {
	d.classC = false
}

// Join performs the OTAA join exchange. The incremented DevNonce is
// persisted before the request goes on air.
func (d *Device) Join(ctx context.Context) (JoinResponse, error) {
	if d.busy {
		return NoJoinAccept, ErrBusy
	}
	d.busy = true
	defer func() { d.busy = false }()

	txConfig, devNonce, err := d.mac.PrepareJoin(d.rng, &d.buf)
	if err != nil {
		return NoJoinAccept, err
	}
	if d.store != nil {
		if err := d.store.SaveDevNonce(ctx, d.devEUI, devNonce); err != nil {
			return NoJoinAccept, errors.Wrap(err, "persist dev-nonce error")
		}
	}

	resp, err := d.runExchange(ctx, mac.FrameJoin, txConfig)
	if err != nil {
		return NoJoinAccept, err
	}

	switch resp.Kind {
	case mac.ResponseJoinSuccess:
		if err := d.persistSession(ctx); err != nil {
			return JoinSuccess, err
		}
		return JoinSuccess, nil
	case mac.ResponseNoJoinAccept:
		return NoJoinAccept, nil
	default:
		return NoJoinAccept, ErrInvalidRsp
	}
}

// Send transmits an uplink and listens for a downlink in the RX1/RX2
// windows. Downlink payloads are collected for TakeDownlink.
func (d *Device) Send(ctx context.Context, fPort uint8, data []byte, confirmed bool) (SendResponse, error) {
	if d.busy {
		return SendResponse{}, ErrBusy
	}
	d.busy = true
	defer func() { d.busy = false }()

	txConfig, _, payloadDropped, err := d.mac.PrepareUplink(d.rng, &d.buf, fPort, data, confirmed)
	if err != nil {
		return SendResponse{}, err
	}

	resp, err := d.runExchange(ctx, mac.FrameData, txConfig)
	if err != nil {
		return SendResponse{}, err
	}
	if err := d.persistSession(ctx); err != nil {
		return SendResponse{}, err
	}

	out := SendResponse{PayloadDropped: payloadDropped}
	switch resp.Kind {
	case mac.ResponseDownlinkReceived:
		out.Kind = DownlinkReceived
		out.FCntDown = resp.FCntDown
	case mac.ResponseNoAck:
		out.Kind = NoAck
	case mac.ResponseRxComplete:
		out.Kind = RxComplete
	case mac.ResponseSessionExpired:
		out.Kind = SessionExpired
	default:
		return out, ErrInvalidRsp
	}
	return out, nil
}

// SendRecv sends an uplink and copies the payload of the first received
// downlink into rxBuf, returning the number of copied bytes.
func (d *Device) SendRecv(ctx context.Context, fPort uint8, data []byte, confirmed bool, rxBuf []byte) (SendResponse, int, error) {
	resp, err := d.Send(ctx, fPort, data, confirmed)
	if err != nil {
		return resp, 0, err
	}
	if dl := d.TakeDownlink(); dl != nil {
		n := copy(rxBuf, dl.Data)
		return resp, n, nil
	}
	return resp, 0, nil
}

// TakeDownlink pops the oldest buffered downlink, or nil. Downlinks are
// delivered in arrival order.
func (d *Device) TakeDownlink() *mac.Downlink {
	if len(d.downs) == 0 {
		return nil
	}
	dl := d.downs[0]
	d.downs = d.downs[1:]
	return &dl
}

// RxcListen blocks in the Class C continuous window until a downlink is
// admitted. It is the idle-time counterpart of the RXC overlay inside the
// exchange windows.
func (d *Device) RxcListen(ctx context.Context) (SendResponse, error) {
	if d.busy {
		return SendResponse{}, ErrBusy
	}
	if !d.mac.Joined() {
		return SendResponse{}, ErrNotJoined
	}
	d.busy = true
	defer func() { d.busy = false }()

	cfg, err := d.mac.RxWindowConfig(mac.WindowC, 0)
	if err != nil {
		return SendResponse{}, err
	}
	if err := d.radio.ConfigureRx(cfg); err != nil {
		return SendResponse{}, err
	}

	for {
		res, err := d.radio.Rx(ctx, d.buf.Raw(), time.Time{})
		if err != nil {
			d.safeStandby()
			return SendResponse{}, err
		}
		if res.Timeout {
			continue
		}
		d.buf.SetLen(res.Bytes)
		resp := d.mac.HandleRx(d.buf.Bytes(), &d.downs, true, res.Quality.SNR)
		if resp.Kind == mac.ResponseDownlinkReceived {
			if err := d.persistSession(ctx); err != nil {
				return SendResponse{}, err
			}
			return SendResponse{Kind: DownlinkReceived, FCntDown: resp.FCntDown}, nil
		}
	}
}

// runExchange drives one TX / RX1 / RX2 exchange through the shared
// transition table, performing each action with the blocking capabilities.
func (d *Device) runExchange(ctx context.Context, frame mac.Frame, txConfig radio.TxConfig) (mac.Response, error) {
	timings := d.radio.Timings()

	state := mac.StateIdle
	event := mac.EventTxRequest

	var txDone time.Time
	var window mac.Window
	var windowClose time.Time
	var admitted *mac.Response

	for {
		var action mac.SMAction
		state, action = mac.Step(state, event)

		switch action {
		case mac.ActionStartTx:
			if err := d.radio.ConfigureTx(txConfig); err != nil {
				return mac.Response{}, errors.Wrap(err, "configure tx error")
			}
			ts, err := d.radio.Tx(ctx, d.buf.Bytes())
			if err != nil {
				d.safeStandby()
				return mac.Response{}, errors.Wrap(err, "tx error")
			}
			txDone = ts
			if frame == mac.FrameData {
				d.mac.CommitUplinkTx()
			}
			event = mac.EventTxDone

		case mac.ActionArmRx1Timer, mac.ActionArmRx2Timer:
			window = mac.Window1
			if action == mac.ActionArmRx2Timer {
				window = mac.Window2
			}
			start := txDone.Add(d.mac.GetRxDelay(frame, window) - timings.TxToRx - timings.RxWindowLead)
			if err := d.betweenWindows(ctx, start); err != nil {
				d.safeStandby()
				return mac.Response{}, err
			}
			event = mac.EventTimerFired

		case mac.ActionOpenRx1, mac.ActionOpenRx2:
			cfg, err := d.mac.RxWindowConfig(window, defaultSymbolTimeout)
			if err != nil {
				return mac.Response{}, err
			}
			if err := d.radio.ConfigureRx(cfg); err != nil {
				return mac.Response{}, errors.Wrap(err, "configure rx error")
			}
			windowClose = d.timer.Now().Add(timings.RxWindowLead + timings.RxWindow)
			event = d.listen(ctx, windowClose, &admitted)
			if event == eventAborted {
				d.safeStandby()
				return mac.Response{}, ctx.Err()
			}

		case mac.ActionNone:
			// a stray frame was absorbed; keep listening in the open window
			if state != mac.StateListenRx1 && state != mac.StateListenRx2 {
				return mac.Response{}, errors.Errorf("device: no progress from state %s", state)
			}
			event = d.listen(ctx, windowClose, &admitted)
			if event == eventAborted {
				d.safeStandby()
				return mac.Response{}, ctx.Err()
			}

		case mac.ActionComplete:
			d.windowComplete()
			if admitted != nil {
				return *admitted, nil
			}
			return d.mac.RX2Complete(), nil

		default:
			return mac.Response{}, errors.Errorf("device: event %d invalid in state %s", event, state)
		}
	}
}

// eventAborted marks a context cancellation inside listen.
const eventAborted mac.SMEvent = -1

// listen runs one receive attempt and maps the result onto a transition
// event. An admitted response is stored through admitted.
func (d *Device) listen(ctx context.Context, deadline time.Time, admitted **mac.Response) mac.SMEvent {
	res, err := d.radio.Rx(ctx, d.buf.Raw(), deadline)
	if err != nil {
		if ctx.Err() != nil {
			return eventAborted
		}
		log.WithError(err).Warning("rx error, treating window as closed")
		return mac.EventRxTimeout
	}
	if res.Timeout {
		return mac.EventRxTimeout
	}

	d.buf.SetLen(res.Bytes)
	resp := d.mac.HandleRx(d.buf.Bytes(), &d.downs, false, res.Quality.SNR)
	if resp.Kind == mac.ResponseNoUpdate {
		return mac.EventRxFrameInvalid
	}
	*admitted = &resp
	return mac.EventRxFrameValid
}

// betweenWindows parks the radio until the given instant: asleep for Class
// A, in the RXC continuous window for Class C. Every frame captured while
// waiting is demuxed independently.
func (d *Device) betweenWindows(ctx context.Context, until time.Time) error {
	if !d.classC || !d.mac.Joined() {
		if err := d.radio.Sleep(); err != nil {
			log.WithError(err).Warning("radio sleep error")
		}
		return d.timer.DelayUntil(ctx, until)
	}

	cfg, err := d.mac.RxWindowConfig(mac.WindowC, 0)
	if err != nil {
		return err
	}
	if err := d.radio.ConfigureRx(cfg); err != nil {
		return err
	}
	for {
		if !d.timer.Now().Before(until) {
			return nil
		}
		res, err := d.radio.Rx(ctx, d.buf.Raw(), until)
		if err != nil {
			return err
		}
		if res.Timeout {
			return nil
		}
		d.buf.SetLen(res.Bytes)
		d.mac.HandleRx(d.buf.Bytes(), &d.downs, true, res.Quality.SNR)
	}
}

func (d *Device) persistSession(ctx context.Context) error {
	if d.store == nil || d.mac.Session() == nil {
		return nil
	}
	s := *d.mac.Session()
	s.ChannelPlan = d.mac.Band().Snapshot()
	if err := d.store.SaveDeviceSession(ctx, s); err != nil {
		return errors.Wrap(err, "persist device-session error")
	}
	return nil
}

func (d *Device) safeStandby() {
	if err := d.radio.Standby(); err != nil {
		log.WithError(err).Warning("radio standby error")
	}
}

// windowComplete parks the radio after an exchange: standby for Class A,
// the continuous RXC window for Class C, so frames keep arriving until the
// caller returns through RxcListen or the next send.
func (d *Device) windowComplete() {
	if !d.classC || !d.mac.Joined() {
		d.safeStandby()
		return
	}
	cfg, err := d.mac.RxWindowConfig(mac.WindowC, 0)
	if err != nil {
		d.safeStandby()
		return
	}
	if err := d.radio.ConfigureRx(cfg); err != nil {
		log.WithError(err).Warning("configure rxc error")
	}
}
