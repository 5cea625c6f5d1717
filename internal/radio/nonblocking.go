package radio

import (
	"time"
)

// NBEventKind enumerates the commands and interrupts handled by a
// non-blocking radio.
type NBEventKind int

// Non-blocking radio events.
const (
	NBEventTxRequest NBEventKind = iota
	NBEventRxRequest
	NBEventCancelRx
	NBEventPhy
)

// NBEvent is a command or pass-through interrupt for a non-blocking radio.
type NBEvent struct {
	Kind NBEventKind

	// TxRequest
	TxConfig TxConfig
	Data     []byte

	// RxRequest
	RxConfig RxConfig

	// Phy carries a radio-specific interrupt payload.
	Phy interface{}
}

// NBResponseKind enumerates non-blocking radio responses.
type NBResponseKind int

// Non-blocking radio responses.
const (
	NBResponseIdle NBResponseKind = iota
	NBResponseTxing
	NBResponseRxing
	NBResponseTxDone
	NBResponseRxDone
)

// NBResponse is the outcome of handling a non-blocking radio event.
type NBResponse struct {
	Kind NBResponseKind

	// TxDoneAt is set with NBResponseTxDone.
	TxDoneAt time.Time

	// Quality is set with NBResponseRxDone.
	Quality RxQuality
}

// NBPhy is the non-blocking radio capability: commands return immediately
// and completion is reported by feeding the radio's interrupts back in as
// NBEventPhy events.
type NBPhy interface {
	HandleEvent(e NBEvent) (NBResponse, error)

	// ReceivedPacket returns the frame behind the last NBResponseRxDone. The
	// slice is only valid until the next radio command.
	ReceivedPacket() []byte

	// Standby aborts any in-flight operation and idles the radio.
	Standby() error

	// Timings returns the board corrections.
	Timings() Timings
}
