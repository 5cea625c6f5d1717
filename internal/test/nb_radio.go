package test

import (
	"time"

	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-device-stack/internal/radio"
)

// PhyTxDone is the interrupt payload of a completed transmission.
type PhyTxDone struct {
	At time.Time
}

// PhyRxDone is the interrupt payload of a received frame.
type PhyRxDone struct {
	Frame   []byte
	Quality radio.RxQuality
}

// NBRadio is a scripted non-blocking radio: commands return immediately
// and the test feeds the interrupts back through the façade.
type NBRadio struct {
	// Recorded state.
	Transmitted [][]byte
	TxConfigs   []radio.TxConfig
	RxConfigs   []radio.RxConfig
	Cancels     int
	Standbys    int

	// Corrections returned by Timings.
	Corrections radio.Timings

	txing    bool
	rxing    bool
	received []byte
}

// NewNBRadio returns a NBRadio with default timings.
func NewNBRadio() *NBRadio {
	return &NBRadio{
		Corrections: radio.Timings{
			TxToRx:       2 * time.Millisecond,
			RxWindowLead: 5 * time.Millisecond,
			RxWindow:     100 * time.Millisecond,
		},
	}
}

// HandleEvent implements radio.NBPhy.
func (r *NBRadio) HandleEvent(e radio.NBEvent) (radio.NBResponse, error) {
	switch e.Kind {
	case radio.NBEventTxRequest:
		r.TxConfigs = append(r.TxConfigs, e.TxConfig)
		r.Transmitted = append(r.Transmitted, append([]byte{}, e.Data...))
		r.txing = true
		return radio.NBResponse{Kind: radio.NBResponseTxing}, nil

	case radio.NBEventRxRequest:
		r.RxConfigs = append(r.RxConfigs, e.RxConfig)
		r.rxing = true
		return radio.NBResponse{Kind: radio.NBResponseRxing}, nil

	case radio.NBEventCancelRx:
		r.rxing = false
		r.Cancels++
		return radio.NBResponse{Kind: radio.NBResponseIdle}, nil

	case radio.NBEventPhy:
		switch phy := e.Phy.(type) {
		case PhyTxDone:
			if !r.txing {
				return radio.NBResponse{}, errors.New("test: tx-done without transmission")
			}
			r.txing = false
			return radio.NBResponse{Kind: radio.NBResponseTxDone, TxDoneAt: phy.At}, nil
		case PhyRxDone:
			if !r.rxing {
				return radio.NBResponse{}, errors.New("test: rx-done without reception")
			}
			r.received = append(r.received[:0], phy.Frame...)
			return radio.NBResponse{Kind: radio.NBResponseRxDone, Quality: phy.Quality}, nil
		default:
			return radio.NBResponse{}, errors.Errorf("test: unknown phy event %T", e.Phy)
		}

	default:
		return radio.NBResponse{}, errors.Errorf("test: unknown radio event kind %d", e.Kind)
	}
}

// ReceivedPacket implements radio.NBPhy.
func (r *NBRadio) ReceivedPacket() []byte {
	return r.received
}

// Standby implements radio.NBPhy.
func (r *NBRadio) Standby() error {
	r.txing = false
	r.rxing = false
	r.Standbys++
	return nil
}

// Timings implements radio.NBPhy.
func (r *NBRadio) Timings() radio.Timings {
	return r.Corrections
}
