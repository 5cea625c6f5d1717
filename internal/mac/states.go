package mac

// The uplink exchange is a fixed sequence: transmit, wait for the RX1
// window, listen, optionally wait for RX2, listen again. Both the
// asynchronous and the non-blocking driver are derived from the same
// transition table below; each supplies its own scheduler. Step is a pure
// function so a trace of events produces the same actions in either
// realization.

// SMState identifies a state of the uplink exchange.
type SMState int

// Exchange states.
const (
	StateIdle SMState = iota
	StateSending
	StateWaitRx1
	StateListenRx1
	StateWaitRx2
	StateListenRx2
)

// String implements fmt.Stringer.
func (s SMState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSending:
		return "Sending"
	case StateWaitRx1:
		return "WaitRx1"
	case StateListenRx1:
		return "ListenRx1"
	case StateWaitRx2:
		return "WaitRx2"
	case StateListenRx2:
		return "ListenRx2"
	default:
		return "Unknown"
	}
}

// SMEvent is an input to the transition table.
type SMEvent int

// Exchange events.
const (
	// EventTxRequest starts an exchange (join or send accepted).
	EventTxRequest SMEvent = iota

	// EventTxDone reports the end of the transmission.
	EventTxDone

	// EventTimerFired reports the wall-clock timer: the window-open instant
	// in the Wait states, the window-close deadline in the Listen states.
	EventTimerFired

	// EventRxFrameValid reports a frame the downlink demux admitted.
	EventRxFrameValid

	// EventRxFrameInvalid reports a frame that was unparseable, carried a
	// foreign address or failed MIC or frame-counter validation. The window
	// stays open.
	EventRxFrameInvalid

	// EventRxTimeout reports the radio's own symbol timeout.
	EventRxTimeout
)

// SMAction is the output of the transition table.
type SMAction int

// Exchange actions.
const (
	ActionNone SMAction = iota
	ActionStartTx
	ActionArmRx1Timer
	ActionOpenRx1
	ActionArmRx2Timer
	ActionOpenRx2

	// ActionComplete ends the exchange: deliver the admitted downlink, or
	// close out the exchange empty-handed when leaving ListenRx2 on a
	// timeout.
	ActionComplete

	// ActionInvalid marks an event that must not occur in the state.
	ActionInvalid
)

// Step advances the exchange by one event.
func Step(s SMState, e SMEvent) (SMState, SMAction) {
	switch s {
	case StateIdle:
		switch e {
		case EventTxRequest:
			return StateSending, ActionStartTx
		case EventTimerFired:
			// tolerate a stale timer
			return StateIdle, ActionNone
		}

	case StateSending:
		switch e {
		case EventTxDone:
			return StateWaitRx1, ActionArmRx1Timer
		case EventTimerFired:
			return StateSending, ActionNone
		}

	case StateWaitRx1:
		if e == EventTimerFired {
			return StateListenRx1, ActionOpenRx1
		}

	case StateListenRx1:
		switch e {
		case EventRxFrameValid:
			return StateIdle, ActionComplete
		case EventRxFrameInvalid:
			return StateListenRx1, ActionNone
		case EventTimerFired, EventRxTimeout:
			return StateWaitRx2, ActionArmRx2Timer
		}

	case StateWaitRx2:
		if e == EventTimerFired {
			return StateListenRx2, ActionOpenRx2
		}

	case StateListenRx2:
		switch e {
		case EventRxFrameValid:
			return StateIdle, ActionComplete
		case EventRxFrameInvalid:
			return StateListenRx2, ActionNone
		case EventTimerFired, EventRxTimeout:
			return StateIdle, ActionComplete
		}
	}
	return s, ActionInvalid
}
