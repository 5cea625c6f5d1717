package test

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-device-stack/internal/radio"
)

// RxOutcome scripts one receive attempt of the radio: either a frame or a
// closed window.
type RxOutcome struct {
	Frame   []byte
	Quality radio.RxQuality
	Timeout bool
}

// WindowTimeout returns an outcome closing the window empty-handed.
func WindowTimeout() RxOutcome {
	return RxOutcome{Timeout: true}
}

// FrameReceived returns an outcome delivering a frame.
func FrameReceived(frame []byte) RxOutcome {
	return RxOutcome{Frame: frame, Quality: radio.RxQuality{RSSI: -70, SNR: 7}}
}

// Radio is a scripted asynchronous radio. Each Rx call consumes the next
// outcome; transmissions are recorded for inspection.
type Radio struct {
	Clock *Timer

	// Script is consumed front to back by Rx.
	Script []RxOutcome

	// Recorded state.
	Transmitted [][]byte
	TxConfigs   []radio.TxConfig
	RxConfigs   []radio.RxConfig
	Standbys    int
	Sleeps      int

	// Corrections returned by Timings.
	Corrections radio.Timings
}

// NewRadio returns a Radio on the given clock with default timings.
func NewRadio(clock *Timer) *Radio {
	return &Radio{
		Clock: clock,
		Corrections: radio.Timings{
			TxToRx:       2 * time.Millisecond,
			RxWindowLead: 5 * time.Millisecond,
			RxWindow:     100 * time.Millisecond,
		},
	}
}

// ConfigureTx implements radio.PhyRxTx.
func (r *Radio) ConfigureTx(c radio.TxConfig) error {
	r.TxConfigs = append(r.TxConfigs, c)
	return nil
}

// Tx implements radio.PhyRxTx. The TX-done timestamp is the current
// virtual time.
func (r *Radio) Tx(ctx context.Context, data []byte) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	r.Transmitted = append(r.Transmitted, append([]byte{}, data...))
	return r.Clock.Now(), nil
}

// ConfigureRx implements radio.PhyRxTx.
func (r *Radio) ConfigureRx(c radio.RxConfig) error {
	r.RxConfigs = append(r.RxConfigs, c)
	return nil
}

// Rx implements radio.PhyRxTx by consuming the script.
func (r *Radio) Rx(ctx context.Context, buf []byte, deadline time.Time) (radio.RxResult, error) {
	if err := ctx.Err(); err != nil {
		return radio.RxResult{}, err
	}
	if len(r.Script) == 0 {
		return radio.RxResult{}, errors.New("test: rx script exhausted")
	}
	outcome := r.Script[0]
	r.Script = r.Script[1:]

	if outcome.Timeout {
		if !deadline.IsZero() {
			_ = r.Clock.DelayUntil(ctx, deadline)
		}
		return radio.RxResult{Timeout: true}, nil
	}
	n := copy(buf, outcome.Frame)
	return radio.RxResult{Bytes: n, Quality: outcome.Quality}, nil
}

// Standby implements radio.PhyRxTx.
func (r *Radio) Standby() error {
	r.Standbys++
	return nil
}

// Sleep implements radio.PhyRxTx.
func (r *Radio) Sleep() error {
	r.Sleeps++
	return nil
}

// Timings implements radio.PhyRxTx.
func (r *Radio) Timings() radio.Timings {
	return r.Corrections
}
