package device

import (
	"time"

	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-device-stack/internal/band"
	"github.com/brocaar/chirpstack-device-stack/internal/lorawan"
	"github.com/brocaar/chirpstack-device-stack/internal/mac"
	"github.com/brocaar/chirpstack-device-stack/internal/radio"
)

// Non-blocking façade errors.
var (
	ErrRadioEventWhileIdle = errors.New("device: radio event while idle")
	ErrRequestWhileBusy    = errors.New("device: request while an exchange is in flight")
)

// EventKind enumerates the inputs of the non-blocking façade.
type EventKind int

// Events.
const (
	// EventNewSession starts an OTAA join exchange.
	EventNewSession EventKind = iota

	// EventSendData starts an uplink exchange.
	EventSendData

	// EventRadio passes a radio interrupt through to the non-blocking
	// radio.
	EventRadio

	// EventTimeoutFired reports that the instant requested through
	// Response.Timeout has been reached.
	EventTimeoutFired
)

// Event is an input to HandleEvent.
type Event struct {
	Kind EventKind

	// EventSendData
	FPort     uint8
	Data      []byte
	Confirmed bool

	// EventRadio
	Phy interface{}
}

// NBResponseKind enumerates the outputs of the non-blocking façade.
type NBResponseKind int

// Non-blocking responses.
const (
	NBNoUpdate NBResponseKind = iota
	NBJoinRequestSending
	NBUplinkSending
	NBJoinSuccess
	NBNoJoinAccept
	NBDownlinkReceived
	NBNoAck
	NBRxComplete
	NBSessionExpired
)

// NBResponse is the outcome of one HandleEvent call. A non-nil Timeout
// asks the caller to feed an EventTimeoutFired at that instant; an earlier
// pending timeout is superseded.
type NBResponse struct {
	Kind     NBResponseKind
	FCntDown uint32
	FCntUp   uint32

	// PayloadDropped mirrors SendResponse.PayloadDropped.
	PayloadDropped bool

	Timeout *time.Time
}

// NBConfig assembles a NBDevice.
type NBConfig struct {
	Band  band.Band
	Radio radio.NBPhy
	RNG   radio.RNG

	// Crypto defaults to the software implementation.
	Crypto lorawan.Crypto
}

// NBDevice is the non-blocking stack façade: a synchronous, run-to-
// completion event handler around the same transition table the
// asynchronous Device replays. The caller drives radio interrupts and
// timer expirations back in; HandleEvent never blocks. The receive path is
// not allocation-free: the payload of an admitted downlink is copied into
// the queue that TakeDownlink reads.
type NBDevice struct {
	phy radio.NBPhy
	rng radio.RNG
	mac *mac.Mac
	buf radio.Buffer

	downs []mac.Downlink

	state       mac.SMState
	frame       mac.Frame
	window      mac.Window
	txDone      time.Time
	windowClose time.Time
	classC      bool
}

// NewNB assembles a non-blocking Device.
func NewNB(c NBConfig) (*NBDevice, error) {
	if c.Band == nil || c.Radio == nil || c.RNG == nil {
		return nil, errors.New("device: band, radio and rng are required")
	}
	crypto := c.Crypto
	if crypto == nil {
		crypto = lorawan.DefaultCrypto()
	}
	return &NBDevice{
		phy:   c.Radio,
		rng:   c.RNG,
		mac:   mac.New(c.Band, crypto),
		state: mac.StateIdle,
	}, nil
}

// Mac exposes the MAC layer for configuration.
func (d *NBDevice) Mac() *mac.Mac {
	return d.mac
}

// InstallABP activates the device by personalization.
func (d *NBDevice) InstallABP(c mac.ABPCredentials) {
	d.mac.InstallABP(c)
}

// EnableClassC holds the radio in continuous RX between exchanges.
func (d *NBDevice) EnableClassC() {
	d.classC = true
}

// ReadyToSend reports whether a new exchange can start.
func (d *NBDevice) ReadyToSend() bool {
	return d.state == mac.StateIdle && d.mac.Joined()
}

// State returns the current exchange state.
func (d *NBDevice) State() mac.SMState {
	return d.state
}

// TakeDownlink pops the oldest buffered downlink, or nil.
func (d *NBDevice) TakeDownlink() *mac.Downlink {
	if len(d.downs) == 0 {
		return nil
	}
	dl := d.downs[0]
	d.downs = d.downs[1:]
	return &dl
}

// HandleEvent advances the façade by one event and runs to completion.
func (d *NBDevice) HandleEvent(e Event) (NBResponse, error) {
	switch e.Kind {
	case EventNewSession:
		return d.startExchange(mac.FrameJoin, e)
	case EventSendData:
		return d.startExchange(mac.FrameData, e)
	case EventTimeoutFired:
		return d.step(mac.EventTimerFired, nil)
	case EventRadio:
		return d.handleRadio(e.Phy)
	default:
		return NBResponse{}, errors.Errorf("device: unknown event kind %d", e.Kind)
	}
}

func (d *NBDevice) startExchange(frame mac.Frame, e Event) (NBResponse, error) {
	if d.state != mac.StateIdle {
		return NBResponse{}, ErrRequestWhileBusy
	}

	var txConfig radio.TxConfig
	var fCntUp uint32
	var payloadDropped bool
	var err error

	if frame == mac.FrameJoin {
		txConfig, _, err = d.mac.PrepareJoin(d.rng, &d.buf)
	} else {
		txConfig, fCntUp, payloadDropped, err = d.mac.PrepareUplink(d.rng, &d.buf, e.FPort, e.Data, e.Confirmed)
	}
	if err != nil {
		return NBResponse{}, err
	}
	d.frame = frame

	state, action := mac.Step(d.state, mac.EventTxRequest)
	if action != mac.ActionStartTx {
		return NBResponse{}, errors.New("device: transition table rejected tx request")
	}
	d.state = state

	rsp, err := d.phy.HandleEvent(radio.NBEvent{
		Kind:     radio.NBEventTxRequest,
		TxConfig: txConfig,
		Data:     d.buf.Bytes(),
	})
	if err != nil {
		d.state = mac.StateIdle
		return NBResponse{}, errors.Wrap(err, "radio tx request error")
	}

	switch rsp.Kind {
	case radio.NBResponseTxing:
		out := NBResponse{Kind: NBJoinRequestSending, PayloadDropped: payloadDropped}
		if frame == mac.FrameData {
			out.Kind = NBUplinkSending
			out.FCntUp = fCntUp
		}
		return out, nil
	case radio.NBResponseTxDone:
		// synchronous radios complete the transmission inline
		return d.txDoneAt(rsp.TxDoneAt)
	default:
		return NBResponse{}, errors.New("device: unexpected radio response to tx request")
	}
}

func (d *NBDevice) handleRadio(phyEvent interface{}) (NBResponse, error) {
	rsp, err := d.phy.HandleEvent(radio.NBEvent{Kind: radio.NBEventPhy, Phy: phyEvent})
	if err != nil {
		return NBResponse{}, errors.Wrap(err, "radio event error")
	}

	switch rsp.Kind {
	case radio.NBResponseTxDone:
		if d.state != mac.StateSending {
			return NBResponse{}, ErrRadioEventWhileIdle
		}
		return d.txDoneAt(rsp.TxDoneAt)

	case radio.NBResponseRxDone:
		packet := d.phy.ReceivedPacket()
		d.buf.Reset()
		if err := d.buf.Extend(packet); err != nil {
			return NBResponse{}, err
		}

		if d.state == mac.StateIdle {
			if !d.classC {
				return NBResponse{}, ErrRadioEventWhileIdle
			}
			// continuous-window frame between exchanges
			resp := d.mac.HandleRx(d.buf.Bytes(), &d.downs, true, rsp.Quality.SNR)
			return d.macToNB(resp), nil
		}

		resp := d.mac.HandleRx(d.buf.Bytes(), &d.downs, false, rsp.Quality.SNR)
		if resp.Kind == mac.ResponseNoUpdate {
			return d.step(mac.EventRxFrameInvalid, nil)
		}
		return d.step(mac.EventRxFrameValid, &resp)

	default:
		return NBResponse{Kind: NBNoUpdate}, nil
	}
}

func (d *NBDevice) txDoneAt(ts time.Time) (NBResponse, error) {
	d.txDone = ts
	if d.frame == mac.FrameData {
		d.mac.CommitUplinkTx()
	}
	return d.step(mac.EventTxDone, nil)
}

// step advances the shared transition table and performs the resulting
// action with the non-blocking capabilities.
func (d *NBDevice) step(event mac.SMEvent, admitted *mac.Response) (NBResponse, error) {
	state, action := mac.Step(d.state, event)
	prev := d.state
	d.state = state

	switch action {
	case mac.ActionNone:
		return NBResponse{Kind: NBNoUpdate}, nil

	case mac.ActionArmRx1Timer, mac.ActionArmRx2Timer:
		d.window = mac.Window1
		if action == mac.ActionArmRx2Timer {
			d.window = mac.Window2
		}
		// leaving an open window for the next one
		if prev == mac.StateListenRx1 {
			if _, err := d.phy.HandleEvent(radio.NBEvent{Kind: radio.NBEventCancelRx}); err != nil {
				return NBResponse{}, errors.Wrap(err, "cancel rx error")
			}
		}
		timings := d.phy.Timings()
		open := d.txDone.Add(d.mac.GetRxDelay(d.frame, d.window) - timings.TxToRx - timings.RxWindowLead)
		return NBResponse{Kind: NBNoUpdate, Timeout: &open}, nil

	case mac.ActionOpenRx1, mac.ActionOpenRx2:
		cfg, err := d.mac.RxWindowConfig(d.window, defaultSymbolTimeout)
		if err != nil {
			return NBResponse{}, err
		}
		if _, err := d.phy.HandleEvent(radio.NBEvent{Kind: radio.NBEventRxRequest, RxConfig: cfg}); err != nil {
			return NBResponse{}, errors.Wrap(err, "rx request error")
		}
		timings := d.phy.Timings()
		open := d.txDone.Add(d.mac.GetRxDelay(d.frame, d.window) - timings.TxToRx)
		d.windowClose = open.Add(timings.RxWindow)
		deadline := d.windowClose
		return NBResponse{Kind: NBNoUpdate, Timeout: &deadline}, nil

	case mac.ActionComplete:
		if err := d.enterIdle(); err != nil {
			return NBResponse{}, err
		}
		if admitted != nil {
			return d.macToNB(*admitted), nil
		}
		return d.macToNB(d.mac.RX2Complete()), nil

	default:
		return NBResponse{}, errors.Errorf("device: event %d invalid in state %s", event, prev)
	}
}

// enterIdle parks the radio after an exchange: standby for Class A, the
// continuous RXC window for Class C.
func (d *NBDevice) enterIdle() error {
	if !d.classC || !d.mac.Joined() {
		return d.phy.Standby()
	}
	cfg, err := d.mac.RxWindowConfig(mac.WindowC, 0)
	if err != nil {
		return err
	}
	if _, err := d.phy.HandleEvent(radio.NBEvent{Kind: radio.NBEventRxRequest, RxConfig: cfg}); err != nil {
		return errors.Wrap(err, "rxc request error")
	}
	return nil
}

func (d *NBDevice) macToNB(r mac.Response) NBResponse {
	switch r.Kind {
	case mac.ResponseJoinSuccess:
		return NBResponse{Kind: NBJoinSuccess}
	case mac.ResponseNoJoinAccept:
		return NBResponse{Kind: NBNoJoinAccept}
	case mac.ResponseDownlinkReceived:
		return NBResponse{Kind: NBDownlinkReceived, FCntDown: r.FCntDown}
	case mac.ResponseNoAck:
		return NBResponse{Kind: NBNoAck}
	case mac.ResponseRxComplete:
		return NBResponse{Kind: NBRxComplete}
	case mac.ResponseSessionExpired:
		return NBResponse{Kind: NBSessionExpired}
	default:
		return NBResponse{Kind: NBNoUpdate}
	}
}
