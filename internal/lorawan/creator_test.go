package lorawan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDataPayloadBuilderUplink(t *testing.T) {
	assert := require.New(t)
	c := DefaultCrypto()

	b := DataPayloadBuilder{
		Uplink:   true,
		DevAddr:  DevAddr{0x04, 0x03, 0x02, 0x01},
		FCnt:     1,
		FPort:    1,
		HasFPort: true,
	}
	b.FCtrl.SetADR(true)

	var buf [256]byte
	out, err := b.Build(buf[:], []byte("hello"), nil, c, key(2), key(1))
	assert.NoError(err)
	assert.Equal(dataUpPayload(), out)
}

func TestDataPayloadBuilderDownlink(t *testing.T) {
	assert := require.New(t)
	c := DefaultCrypto()

	b := DataPayloadBuilder{
		Confirmed: true,
		DevAddr:   DevAddr{0x04, 0x03, 0x02, 0x01},
		FCnt:      76543,
		FPort:     42,
		HasFPort:  true,
	}
	b.FCtrl.SetADR(true)

	var buf [256]byte
	out, err := b.Build(buf[:], []byte("hello lora"), nil, c, key(2), key(1))
	assert.NoError(err)
	assert.Equal(dataDownPayload(), out)
}

func TestDataPayloadBuilderMACCommands(t *testing.T) {
	// LinkCheckReq plus LinkADRAns with the channel-mask and power bits set.
	macCommands := []byte{0x02, 0x03, 0x05}

	t.Run("in FOpts", func(t *testing.T) {
		assert := require.New(t)
		b := DataPayloadBuilder{
			Uplink:  true,
			DevAddr: DevAddr{0x04, 0x03, 0x02, 0x01},
		}
		var buf [256]byte
		out, err := b.Build(buf[:], nil, macCommands, DefaultCrypto(), key(1), key(1))
		assert.NoError(err)
		assert.Equal([]byte{
			0x40, 0x04, 0x03, 0x02, 0x01, 0x03, 0x00, 0x00, 0x02, 0x03, 0x05,
			0xd7, 0xfa, 0x0c, 0x6c,
		}, out)
	})

	t.Run("in port-0 payload", func(t *testing.T) {
		assert := require.New(t)
		b := DataPayloadBuilder{
			Uplink:   true,
			DevAddr:  DevAddr{0x04, 0x03, 0x02, 0x01},
			FPort:    0,
			HasFPort: true,
		}
		var buf [256]byte
		out, err := b.Build(buf[:], nil, macCommands, DefaultCrypto(), key(1), key(1))
		assert.NoError(err)
		assert.Equal([]byte{
			0x40, 0x04, 0x03, 0x02, 0x01, 0x00, 0x00, 0x00, 0x00, 0x69, 0x36,
			0x9e, 0xee, 0x6a, 0xa5, 0x08,
		}, out)
	})

	t.Run("port-0 payload and mac-commands conflict", func(t *testing.T) {
		assert := require.New(t)
		b := DataPayloadBuilder{
			Uplink:   true,
			DevAddr:  DevAddr{0x04, 0x03, 0x02, 0x01},
			FPort:    0,
			HasFPort: true,
		}
		var buf [256]byte
		_, err := b.Build(buf[:], []byte("hello"), macCommands, DefaultCrypto(), key(1), key(1))
		assert.Equal(ErrFOptsAndPort0Payload, err)
	})

	t.Run("mac-commands overflow FOpts", func(t *testing.T) {
		assert := require.New(t)
		b := DataPayloadBuilder{
			Uplink:   true,
			DevAddr:  DevAddr{0x04, 0x03, 0x02, 0x01},
			FPort:    1,
			HasFPort: true,
		}
		// 18 bytes of MAC commands do not fit the 15 byte FOpts field.
		long := make([]byte, 18)
		var buf [256]byte
		_, err := b.Build(buf[:], nil, long, DefaultCrypto(), key(1), key(1))
		assert.Equal(ErrMACCommandsOverflow, err)
	})

	t.Run("payload without FPort", func(t *testing.T) {
		assert := require.New(t)
		b := DataPayloadBuilder{
			Uplink:  true,
			DevAddr: DevAddr{0x04, 0x03, 0x02, 0x01},
		}
		var buf [256]byte
		_, err := b.Build(buf[:], []byte("hello"), nil, DefaultCrypto(), key(1), key(1))
		assert.Error(err)
	})
}

func TestBuildParseRoundTrip(t *testing.T) {
	assert := require.New(t)
	c := DefaultCrypto()

	b := DataPayloadBuilder{
		Confirmed: true,
		Uplink:    true,
		DevAddr:   DevAddr{0xaa, 0xbb, 0xcc, 0xdd},
		FCnt:      0x00102030,
		FPort:     10,
		HasFPort:  true,
	}
	b.FCtrl.SetACK(true)

	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	var buf [256]byte
	out, err := b.Build(buf[:], append([]byte{}, payload...), nil, c, key(3), key(4))
	assert.NoError(err)

	phy, err := Parse(out)
	assert.NoError(err)
	assert.Equal(ConfirmedDataUp, phy.MType())
	d, err := phy.DataPayload()
	assert.NoError(err)
	assert.Equal(b.DevAddr, d.DevAddr())
	assert.True(d.FCtrl().ACK())
	assert.Equal(uint16(0x2030), d.FCnt())
	assert.True(d.ValidateMIC(c, key(3), DirUplink, b.FCnt))

	pt, err := d.DecryptFRMPayload(c, key(3), key(4), DirUplink, b.FCnt)
	assert.NoError(err)
	assert.Equal(payload, pt)
}

func TestJoinRequestBuilder(t *testing.T) {
	assert := require.New(t)

	b := JoinRequestBuilder{
		AppEUI:   EUI64{0x04, 0x03, 0x02, 0x01, 0x04, 0x03, 0x02, 0x01},
		DevEUI:   EUI64{0x05, 0x04, 0x03, 0x02, 0x05, 0x04, 0x03, 0x02},
		DevNonce: 0x102d,
	}
	var buf [256]byte
	out, err := b.Build(buf[:], DefaultCrypto(), key(1))
	assert.NoError(err)
	assert.Equal(joinRequestPayload(), out)
}

func TestJoinAcceptBuilder(t *testing.T) {
	assert := require.New(t)
	c := DefaultCrypto()

	b := JoinAcceptBuilder{
		AppNonce:   AppNonce{0xc7, 0x0b, 0x57},
		NetID:      NetID{0x01, 0x11, 0x22},
		DevAddr:    DevAddr{0x80, 0x19, 0x03, 0x02},
		DLSettings: 0,
		RxDelay:    0,
	}
	var buf [256]byte
	out, err := b.Build(buf[:], c, joinAcceptAppKey())
	assert.NoError(err)
	assert.Equal(joinAcceptPayload(), out)
}

func TestJoinAcceptBuilderWithCFList(t *testing.T) {
	assert := require.New(t)
	c := DefaultCrypto()

	b := JoinAcceptBuilder{
		AppNonce:   AppNonce{0x01, 0x01, 0x01},
		NetID:      NetID{0x01, 0x01, 0x01},
		DevAddr:    DevAddr{0x01, 0x01, 0x01, 0x01},
		DLSettings: 2,
		RxDelay:    1,
		CFList:     []uint32{867900000, 867700000},
	}
	var buf [256]byte
	out, err := b.Build(buf[:], c, key(1))
	assert.NoError(err)
	assert.Len(out, 33)

	// The CFList frequencies are encoded as 100 Hz multiples.
	ja, err := DecryptJoinAccept(c, key(1), out)
	assert.NoError(err)
	assert.True(ja.ValidateMIC(c, key(1)))
	assert.Equal(b.AppNonce, ja.AppNonce())
	assert.Equal(b.NetID, ja.NetID())
	assert.Equal(b.DevAddr, ja.DevAddr())
	assert.Equal(DLSettings(2), ja.DLSettings())
	assert.Equal(uint8(1), ja.RxDelay())

	cfList, ok := ja.CFList()
	assert.True(ok)
	assert.Equal([]byte{0x58, 0x6e, 0x84}, cfList[0:3])
	assert.Equal([]byte{0x88, 0x66, 0x84}, cfList[3:6])
	assert.Equal(uint32(867900000), decodeFrequency(cfList[0:3]))
	assert.Equal(uint32(867700000), decodeFrequency(cfList[3:6]))
}
