package simulator

import (
	"context"
	"time"

	"github.com/brocaar/chirpstack-device-stack/internal/radio"
)

// VirtualRadio implements the asynchronous radio capability on top of the
// virtual gateway. Every downlink the gateway receives is offered to every
// listening radio; the MAC demux decides what belongs to whom, like real
// RF.
type VirtualRadio struct {
	gw        *Gateway
	downlinks chan []byte
	txConfig  radio.TxConfig
	rxConfig  radio.RxConfig
	listening bool
}

// NewVirtualRadio attaches a fresh radio to the gateway.
func NewVirtualRadio(gw *Gateway) *VirtualRadio {
	return &VirtualRadio{
		gw:        gw,
		downlinks: make(chan []byte, 8),
	}
}

// ConfigureTx implements radio.PhyRxTx.
func (r *VirtualRadio) ConfigureTx(c radio.TxConfig) error {
	r.txConfig = c
	return nil
}

// Tx implements radio.PhyRxTx.
func (r *VirtualRadio) Tx(ctx context.Context, data []byte) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if err := r.gw.PublishUplink(r.txConfig, data); err != nil {
		return time.Time{}, err
	}
	return time.Now(), nil
}

// ConfigureRx implements radio.PhyRxTx.
func (r *VirtualRadio) ConfigureRx(c radio.RxConfig) error {
	r.rxConfig = c
	if !r.listening {
		r.gw.Subscribe(r.downlinks)
		r.listening = true
	}
	return nil
}

// Rx implements radio.PhyRxTx.
func (r *VirtualRadio) Rx(ctx context.Context, buf []byte, deadline time.Time) (radio.RxResult, error) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}

	select {
	case frame := <-r.downlinks:
		n := copy(buf, frame)
		return radio.RxResult{
			Bytes:   n,
			Quality: radio.RxQuality{RSSI: -60, SNR: 8},
		}, nil
	case <-timeout:
		return radio.RxResult{Timeout: true}, nil
	case <-ctx.Done():
		return radio.RxResult{}, ctx.Err()
	}
}

// Standby implements radio.PhyRxTx.
func (r *VirtualRadio) Standby() error {
	r.detach()
	return nil
}

// Sleep implements radio.PhyRxTx.
func (r *VirtualRadio) Sleep() error {
	r.detach()
	return nil
}

func (r *VirtualRadio) detach() {
	if r.listening {
		r.gw.Unsubscribe(r.downlinks)
		r.listening = false
	}
}

// Timings implements radio.PhyRxTx. The virtual link has no turnaround
// cost, only a small scheduling margin.
func (r *VirtualRadio) Timings() radio.Timings {
	return radio.Timings{
		TxToRx:       0,
		RxWindowLead: 20 * time.Millisecond,
		RxWindow:     3 * time.Second,
	}
}
