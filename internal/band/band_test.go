package band

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// seqRNG returns a scripted sequence of values, then counts up.
type seqRNG struct {
	values []uint32
	i      int
}

func (r *seqRNG) Uint32() uint32 {
	if r.i < len(r.values) {
		v := r.values[r.i]
		r.i++
		return v
	}
	r.i++
	return uint32(r.i)
}

func TestGetBand(t *testing.T) {
	for _, name := range []Name{EU868, EU433, US915, AU915, AS923_1, AS923_2, AS923_3, AS923_4, IN865, CN470} {
		t.Run(string(name), func(t *testing.T) {
			assert := require.New(t)
			b, err := GetBand(name)
			assert.NoError(err)
			assert.Equal(name, b.Name())

			dr, err := b.DataRate(b.DefaultDataRate())
			assert.NoError(err)
			assert.NotZero(dr.SpreadingFactor)
			assert.NotZero(dr.Bandwidth)

			freq, _ := b.RX2Defaults()
			assert.True(b.FrequencyValid(freq))
		})
	}

	_, err := GetBand("MOON868")
	require.Error(t, err)
}

func TestEU868(t *testing.T) {
	assert := require.New(t)
	b, err := GetBand(EU868)
	assert.NoError(err)

	t.Run("join channels", func(t *testing.T) {
		seen := map[uint32]bool{}
		for i := 0; i < 32; i++ {
			freq, dr := b.JoinChannel(&seqRNG{values: []uint32{uint32(i)}})
			assert.Equal(DR(0), dr)
			seen[freq] = true
		}
		assert.Equal(map[uint32]bool{868100000: true, 868300000: true, 868500000: true}, seen)
	})

	t.Run("rx1 on the uplink channel", func(t *testing.T) {
		freq, _, err := b.TxChannel(&seqRNG{values: []uint32{1}}, 5)
		assert.NoError(err)
		assert.Equal(uint32(868300000), freq)

		rx1Freq, rx1DR := b.RX1Params(5, 0)
		assert.Equal(freq, rx1Freq)
		assert.Equal(DR(5), rx1DR)

		// the RX1 data-rate shifts down by the offset, clamped at 0
		_, rx1DR = b.RX1Params(5, 2)
		assert.Equal(DR(3), rx1DR)
		_, rx1DR = b.RX1Params(1, 5)
		assert.Equal(DR(0), rx1DR)
	})

	t.Run("rx2 defaults", func(t *testing.T) {
		freq, dr := b.RX2Defaults()
		assert.Equal(uint32(869525000), freq)
		assert.Equal(DR(0), dr)
	})

	t.Run("dr to modulation", func(t *testing.T) {
		dr0, err := b.DataRate(0)
		assert.NoError(err)
		assert.Equal(DataRate{SpreadingFactor: 12, Bandwidth: 125, CodingRate: "4/5"}, dr0)

		dr6, err := b.DataRate(6)
		assert.NoError(err)
		assert.Equal(DataRate{SpreadingFactor: 7, Bandwidth: 250, CodingRate: "4/5"}, dr6)

		_, err = b.DataRate(7)
		assert.Error(err)
	})

	t.Run("cflist adds channels", func(t *testing.T) {
		cfList := make([]byte, 16)
		for i, freq := range []uint32{867100000, 867300000, 867500000, 867700000, 867900000} {
			v := freq / 100
			cfList[i*3] = byte(v)
			cfList[i*3+1] = byte(v >> 8)
			cfList[i*3+2] = byte(v >> 16)
		}
		assert.NoError(b.IngestCFList(cfList))

		seen := map[uint32]bool{}
		for i := 0; i < 256; i++ {
			freq, _, err := b.TxChannel(&seqRNG{values: []uint32{uint32(i)}}, 0)
			assert.NoError(err)
			seen[freq] = true
		}
		assert.Len(seen, 8)
		assert.True(seen[867900000])
	})

	t.Run("snapshot round-trip", func(t *testing.T) {
		snap := b.Snapshot()
		restored, err := GetBand(EU868)
		assert.NoError(err)
		restored.Restore(snap)
		assert.Equal(snap, restored.Snapshot())
	})
}

func TestDynamicLinkADR(t *testing.T) {
	assert := require.New(t)
	b, err := GetBand(EU868)
	assert.NoError(err)

	t.Run("valid request", func(t *testing.T) {
		ack := b.ApplyLinkADR(3, 2, 0x0007, 0)
		assert.True(ack.OK())
	})

	t.Run("mask disabling all channels", func(t *testing.T) {
		ack := b.ApplyLinkADR(3, 2, 0x0000, 0)
		assert.False(ack.ChannelMaskAck)
		assert.True(ack.DataRateAck)
		assert.True(ack.PowerAck)
	})

	t.Run("unsupported data-rate", func(t *testing.T) {
		ack := b.ApplyLinkADR(15, 2, 0x0007, 0)
		assert.False(ack.DataRateAck)
	})

	t.Run("unsupported power", func(t *testing.T) {
		ack := b.ApplyLinkADR(3, 12, 0x0007, 0)
		assert.False(ack.PowerAck)
	})

	t.Run("all channels on", func(t *testing.T) {
		ack := b.ApplyLinkADR(3, 2, 0x0000, 6)
		assert.True(ack.OK())
	})

	t.Run("rfu mask control", func(t *testing.T) {
		ack := b.ApplyLinkADR(3, 2, 0x0007, 3)
		assert.False(ack.ChannelMaskAck)
	})
}

func TestDynamicNewChannel(t *testing.T) {
	assert := require.New(t)
	b, err := GetBand(EU868)
	assert.NoError(err)

	t.Run("join channels are read-only", func(t *testing.T) {
		freqOK, drOK := b.ApplyNewChannel(0, 868100000, 0, 5)
		assert.False(freqOK)
		assert.False(drOK)
	})

	t.Run("create channel", func(t *testing.T) {
		freqOK, drOK := b.ApplyNewChannel(3, 867100000, 0, 5)
		assert.True(freqOK)
		assert.True(drOK)
	})

	t.Run("out-of-band frequency", func(t *testing.T) {
		freqOK, drOK := b.ApplyNewChannel(4, 900000000, 0, 5)
		assert.False(freqOK)
		assert.True(drOK)
	})

	t.Run("invalid dr range", func(t *testing.T) {
		freqOK, drOK := b.ApplyNewChannel(4, 867300000, 5, 2)
		assert.True(freqOK)
		assert.False(drOK)
	})

	t.Run("disable channel", func(t *testing.T) {
		freqOK, drOK := b.ApplyNewChannel(3, 0, 0, 0)
		assert.True(freqOK)
		assert.True(drOK)
	})
}

func TestDynamicDownlinkFrequency(t *testing.T) {
	assert := require.New(t)
	b, err := GetBand(EU868)
	assert.NoError(err)

	uplinkOK, freqOK := b.SetDownlinkFrequency(0, 869525000)
	assert.True(uplinkOK)
	assert.True(freqOK)

	// RX1 now answers on the moved downlink frequency.
	_, _, err = b.TxChannel(&seqRNG{values: []uint32{0}}, 0)
	assert.NoError(err)
	freq, _ := b.RX1Params(0, 0)
	assert.Equal(uint32(869525000), freq)

	uplinkOK, _ = b.SetDownlinkFrequency(7, 869525000)
	assert.False(uplinkOK)
}

func TestUS915(t *testing.T) {
	assert := require.New(t)

	t.Run("uplink channel frequencies", func(t *testing.T) {
		b, _ := GetBand(US915)
		fb := b.(*fixedBand)
		assert.Equal(uint32(902300000), fb.uplinkFrequency(0))
		assert.Equal(uint32(914900000), fb.uplinkFrequency(63))
		assert.Equal(uint32(903000000), fb.uplinkFrequency(64))
		assert.Equal(uint32(914200000), fb.uplinkFrequency(71))
	})

	t.Run("rx1 is 923.3 + 600 kHz * (ch % 8)", func(t *testing.T) {
		b, _ := GetBand(US915)
		// force channel 10 by scripting the rng
		freq, _, err := b.TxChannel(&seqRNG{values: []uint32{10}}, 0)
		assert.NoError(err)
		assert.Equal(uint32(902300000+200000*10), freq)

		rx1Freq, rx1DR := b.RX1Params(0, 0)
		assert.Equal(uint32(923300000+600000*2), rx1Freq)
		assert.Equal(DR(10), rx1DR)

		_, rx1DR = b.RX1Params(3, 1)
		assert.Equal(DR(12), rx1DR)
		_, rx1DR = b.RX1Params(0, 3)
		assert.Equal(DR(8), rx1DR)
	})

	t.Run("rx2 defaults", func(t *testing.T) {
		b, _ := GetBand(US915)
		freq, dr := b.RX2Defaults()
		assert.Equal(uint32(923300000), freq)
		assert.Equal(DR(8), dr)
	})

	t.Run("join bias stays on the subband", func(t *testing.T) {
		b, _ := GetBand(US915)
		biaser, ok := b.(JoinBiaser)
		assert.True(ok)
		assert.NoError(biaser.SetJoinBiasAndNoncompliantRetries(2, 8))

		rng := &seqRNG{}
		for i := 0; i < 8; i++ {
			freq, dr := b.JoinChannel(rng)
			assert.Equal(DR(0), dr)
			assert.True(freq >= 903900000 && freq <= 905300000, "freq %d outside subband 2", freq)
		}
	})

	t.Run("join falls back to the full plan", func(t *testing.T) {
		b, _ := GetBand(US915)
		biaser := b.(JoinBiaser)
		assert.NoError(biaser.SetJoinBias(2))

		rng := &seqRNG{}
		freq, _ := b.JoinChannel(rng)
		assert.True(freq >= 903900000 && freq <= 905300000)

		// after the single compliant attempt, the hop sequence moves 8
		// channels ahead per attempt
		seen := map[uint32]bool{}
		for i := 0; i < 9; i++ {
			freq, _ := b.JoinChannel(rng)
			seen[freq] = true
		}
		assert.True(len(seen) > 1)
	})

	t.Run("500 kHz data-rate uses channels 64-71", func(t *testing.T) {
		b, _ := GetBand(US915)
		freq, dr, err := b.TxChannel(&seqRNG{values: []uint32{3}}, 8+4)
		assert.NoError(err)
		assert.Equal(DR(12), dr)
		assert.True(freq >= 903000000 && freq <= 914200000)
	})

	t.Run("cflist channel mask", func(t *testing.T) {
		b, _ := GetBand(US915)
		cfList := make([]byte, 16)
		cfList[1] = 0xff // channels 8-15
		cfList[15] = 0x01
		assert.NoError(b.IngestCFList(cfList))

		for i := 0; i < 32; i++ {
			freq, _, err := b.TxChannel(&seqRNG{values: []uint32{uint32(i)}}, 0)
			assert.NoError(err)
			assert.True(freq >= 903900000 && freq <= 905300000, "freq %d outside subband 2", freq)
		}
	})
}

func TestFixedLinkADR(t *testing.T) {
	assert := require.New(t)

	t.Run("subband mask", func(t *testing.T) {
		b, _ := GetBand(US915)
		ack := b.ApplyLinkADR(3, 2, 0xff00, 0)
		assert.True(ack.OK())

		// ChMaskCntl 0 rewrites channels 0-15 only: channels 0-7 are off,
		// channels 16-63 keep their previous (enabled) state
		for i := 0; i < 64; i++ {
			freq, _, err := b.TxChannel(&seqRNG{values: []uint32{uint32(i)}}, 0)
			assert.NoError(err)
			assert.True(freq >= 903900000 && freq <= 914900000)
		}
	})

	t.Run("mask without channels for the dr", func(t *testing.T) {
		b, _ := GetBand(US915)
		// enable only 500 kHz channels while requesting a 125 kHz dr
		ack := b.ApplyLinkADR(0, 2, 0x00ff, 7)
		assert.False(ack.ChannelMaskAck)
	})

	t.Run("bank toggle control", func(t *testing.T) {
		b, _ := GetBand(US915)
		ack := b.ApplyLinkADR(0, 2, 0x0002, 5)
		assert.True(ack.OK())
		for i := 0; i < 32; i++ {
			freq, _, err := b.TxChannel(&seqRNG{values: []uint32{uint32(i)}}, 0)
			assert.NoError(err)
			assert.True(freq >= 903900000 && freq <= 905300000)
		}
	})

	t.Run("all 125 kHz on", func(t *testing.T) {
		b, _ := GetBand(US915)
		ack := b.ApplyLinkADR(0, 2, 0x00ff, 6)
		assert.True(ack.OK())
	})
}

func TestCN470(t *testing.T) {
	assert := require.New(t)
	b, err := GetBand(CN470)
	assert.NoError(err)

	freq, _, err := b.TxChannel(&seqRNG{values: []uint32{50}}, 0)
	assert.NoError(err)
	assert.Equal(uint32(470300000+200000*50), freq)

	// downlink channel is ch mod 48
	rx1Freq, rx1DR := b.RX1Params(0, 0)
	assert.Equal(uint32(500300000+200000*2), rx1Freq)
	assert.Equal(DR(0), rx1DR)

	rx2Freq, rx2DR := b.RX2Defaults()
	assert.Equal(uint32(505300000), rx2Freq)
	assert.Equal(DR(0), rx2DR)

	// 96 channel banks make chMaskCntl 5 a regular bank index
	ack := b.ApplyLinkADR(0, 2, 0xffff, 5)
	assert.True(ack.OK())
}

func TestAU915RX1DataRate(t *testing.T) {
	assert := require.New(t)
	b, err := GetBand(AU915)
	assert.NoError(err)

	_, dr := b.RX1Params(0, 0)
	assert.Equal(DR(8), dr)
	_, dr = b.RX1Params(5, 0)
	assert.Equal(DR(13), dr)
	_, dr = b.RX1Params(5, 3)
	assert.Equal(DR(10), dr)
	_, dr = b.RX1Params(0, 5)
	assert.Equal(DR(8), dr)
}

func TestMaxPayloadSize(t *testing.T) {
	assert := require.New(t)

	b, _ := GetBand(US915)
	size, err := b.MaxPayloadSize(0)
	assert.NoError(err)
	assert.Equal(19, size)

	_, err = b.MaxPayloadSize(5)
	assert.Error(err)

	b, _ = GetBand(EU868)
	size, err = b.MaxPayloadSize(5)
	assert.NoError(err)
	assert.Equal(250, size)
}
