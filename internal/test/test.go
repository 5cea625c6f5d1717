// Package test provides the shared test doubles: a virtual timer, scripted
// radios for both façade realizations, and network-side frame builders.
package test

import (
	"context"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-device-stack/internal/lorawan"
)

func init() {
	log.SetLevel(log.ErrorLevel)
}

// Timer is a manually advanced clock. DelayUntil jumps straight to the
// requested instant, which makes window timing deterministic.
type Timer struct {
	Current time.Time
}

// NewTimer starts at a fixed, arbitrary epoch.
func NewTimer() *Timer {
	return &Timer{Current: time.Unix(1700000000, 0)}
}

// Now implements radio.Timer.
func (t *Timer) Now() time.Time {
	return t.Current
}

// DelayUntil implements radio.Timer.
func (t *Timer) DelayUntil(ctx context.Context, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if at.After(t.Current) {
		t.Current = at
	}
	return nil
}

// RNG is a deterministic random source.
type RNG struct {
	Next uint32
}

// Uint32 implements radio.RNG.
func (r *RNG) Uint32() uint32 {
	v := r.Next
	r.Next++
	return v
}

// SessionKeys groups the keys of a test session on the network side.
type SessionKeys struct {
	DevAddr lorawan.DevAddr
	NwkSKey lorawan.AES128Key
	AppSKey lorawan.AES128Key
}

// BuildJoinAccept constructs an encrypted JoinAccept the way the network
// would answer a JoinRequest.
func BuildJoinAccept(t *testing.T, appKey lorawan.AES128Key, b lorawan.JoinAcceptBuilder) []byte {
	var buf [256]byte
	out, err := b.Build(buf[:], lorawan.DefaultCrypto(), appKey)
	require.NoError(t, err)
	return append([]byte{}, out...)
}

// BuildDownlink constructs a downlink data frame for the given session.
func BuildDownlink(t *testing.T, keys SessionKeys, confirmed bool, fCnt uint32, fPort uint8, data, macCommands []byte, ack bool) []byte {
	builder := lorawan.DataPayloadBuilder{
		Confirmed: confirmed,
		DevAddr:   keys.DevAddr,
		FCnt:      fCnt,
		FPort:     fPort,
		HasFPort:  fPort != 0 || len(data) > 0 || len(macCommands) > 15,
	}
	builder.FCtrl.SetACK(ack)

	var buf [256]byte
	out, err := builder.Build(buf[:], data, macCommands, lorawan.DefaultCrypto(), keys.NwkSKey, keys.AppSKey)
	require.NoError(t, err)
	return append([]byte{}, out...)
}

// DeriveKeys computes the session keys the device will derive from the
// given join material.
func DeriveKeys(t *testing.T, appKey lorawan.AES128Key, appNonce lorawan.AppNonce, netID lorawan.NetID, devNonce lorawan.DevNonce) (lorawan.AES128Key, lorawan.AES128Key) {
	nwkSKey, appSKey, err := lorawan.DeriveSessionKeys(lorawan.DefaultCrypto(), appKey, appNonce, netID, devNonce)
	require.NoError(t, err)
	return nwkSKey, appSKey
}
