package band

import (
	"github.com/pkg/errors"
)

// maxDynamicChannels is the largest number of channels a dynamic plan can
// hold: up to 3 join channels plus the 5 CFList / NewChannelReq slots.
const maxDynamicChannels = 8

type drRange struct {
	min DR
	max DR
}

type dynamicParams struct {
	name             Name
	joinChannels     []uint32
	joinChannelRange drRange
	rx2Freq          uint32
	rx2DR            DR
	defaultDR        DR
	dataRates        []*DataRate
	maxPayload       []int
	maxTxPowerIndex  uint8
	maxRX1DROffset   uint8
	minFreq          uint32
	maxFreq          uint32
}

// dynamicBand implements Band for regions with a dynamic channel plan
// (EU868, EU433, IN865, AS923 groups): a small set of fixed join channels
// which the network extends through the CFList and NewChannelReq.
type dynamicBand struct {
	dynamicParams

	extraChannels     [5]uint32
	extraChannelRange [5]drRange
	downlinkFreqs     [maxDynamicChannels]uint32
	channelMask       [12]byte
	lastTxChannel     uint8
}

func newDynamicBand(p dynamicParams) *dynamicBand {
	b := &dynamicBand{dynamicParams: p}
	for i := range p.joinChannels {
		setChannel(&b.channelMask, i, true)
	}
	return b
}

func (b *dynamicBand) Name() Name                { return b.name }
func (b *dynamicBand) DefaultDataRate() DR       { return b.defaultDR }
func (b *dynamicBand) MaxRX1DROffset() uint8     { return b.maxRX1DROffset }
func (b *dynamicBand) HasFixedChannelPlan() bool { return false }

func (b *dynamicBand) FrequencyValid(freq uint32) bool {
	return freq >= b.minFreq && freq <= b.maxFreq
}

func (b *dynamicBand) DataRate(dr DR) (DataRate, error) {
	if int(dr) >= len(b.dataRates) || b.dataRates[dr] == nil {
		return DataRate{}, errors.Errorf("band: data-rate %d is not defined for %s", dr, b.name)
	}
	return *b.dataRates[dr], nil
}

func (b *dynamicBand) MaxPayloadSize(dr DR) (int, error) {
	if int(dr) >= len(b.maxPayload) || b.dataRates[dr] == nil {
		return 0, errors.Errorf("band: data-rate %d is not defined for %s", dr, b.name)
	}
	return b.maxPayload[dr], nil
}

func (b *dynamicBand) channelCount() int {
	count := len(b.joinChannels)
	for i, freq := range b.extraChannels {
		if freq != 0 {
			count = len(b.joinChannels) + i + 1
		}
	}
	return count
}

func (b *dynamicBand) channelFrequency(channel int) uint32 {
	if channel < len(b.joinChannels) {
		return b.joinChannels[channel]
	}
	return b.extraChannels[channel-len(b.joinChannels)]
}

func (b *dynamicBand) JoinChannel(rng RNG) (uint32, DR) {
	channel := int(rng.Uint32()) % len(b.joinChannels)
	b.lastTxChannel = uint8(channel)
	return b.joinChannels[channel], b.defaultDR
}

func (b *dynamicBand) TxChannel(rng RNG, dr DR) (uint32, DR, error) {
	if _, err := b.DataRate(dr); err != nil {
		return 0, 0, err
	}

	count := b.channelCount()
	for attempt := 0; ; attempt++ {
		if attempt == 128 {
			// The mask disabled every remaining channel; fall back to the
			// join channels, which are always defined.
			for i := range b.joinChannels {
				setChannel(&b.channelMask, i, true)
			}
		}
		channel := int(rng.Uint32()) % count
		if !channelEnabled(&b.channelMask, channel) {
			continue
		}
		freq := b.channelFrequency(channel)
		if freq == 0 {
			continue
		}
		if channel >= len(b.joinChannels) {
			r := b.extraChannelRange[channel-len(b.joinChannels)]
			if dr < r.min || dr > r.max {
				continue
			}
		}
		b.lastTxChannel = uint8(channel)
		return freq, dr, nil
	}
}

func (b *dynamicBand) RX1Params(txDR DR, rx1DROffset uint8) (uint32, DR) {
	freq := b.channelFrequency(int(b.lastTxChannel))
	if override := b.downlinkFreqs[b.lastTxChannel]; override != 0 {
		freq = override
	}

	dr := 0
	if int(txDR) > int(rx1DROffset) {
		dr = int(txDR) - int(rx1DROffset)
	}
	for dr > 0 && (dr >= len(b.dataRates) || b.dataRates[dr] == nil) {
		dr--
	}
	return freq, DR(dr)
}

func (b *dynamicBand) RX2Defaults() (uint32, DR) {
	return b.rx2Freq, b.rx2DR
}

func (b *dynamicBand) IngestCFList(cfList []byte) error {
	if len(cfList) != 16 {
		return errors.New("band: CFList must be 16 bytes")
	}
	if cfList[15] != 0x00 {
		return errors.Errorf("band: CFList type %d is not supported by a dynamic channel plan", cfList[15])
	}
	for i := 0; i < 5; i++ {
		freq := (uint32(cfList[i*3]) | uint32(cfList[i*3+1])<<8 | uint32(cfList[i*3+2])<<16) * 100
		if freq != 0 && !b.FrequencyValid(freq) {
			continue
		}
		b.extraChannels[i] = freq
		b.extraChannelRange[i] = b.joinChannelRange
		setChannel(&b.channelMask, len(b.joinChannels)+i, freq != 0)
	}
	return nil
}

func (b *dynamicBand) ApplyLinkADR(dr uint8, txPower uint8, chMask uint16, chMaskCntl uint8) LinkADRAck {
	var ack LinkADRAck

	mask := b.channelMask
	switch chMaskCntl {
	case 0:
		mask[0] = byte(chMask)
		mask[1] = byte(chMask >> 8)
		ack.ChannelMaskAck = true
	case 6:
		for i := 0; i < b.channelCount(); i++ {
			if b.channelFrequency(i) != 0 {
				setChannel(&mask, i, true)
			}
		}
		ack.ChannelMaskAck = true
	}

	if ack.ChannelMaskAck {
		// the resulting mask must leave at least one defined channel usable
		enabled := false
		for i := 0; i < b.channelCount(); i++ {
			if channelEnabled(&mask, i) && b.channelFrequency(i) != 0 {
				enabled = true
				break
			}
		}
		ack.ChannelMaskAck = enabled
	}

	if _, err := b.DataRate(DR(dr)); err == nil {
		ack.DataRateAck = true
	}
	ack.PowerAck = txPower <= b.maxTxPowerIndex

	if ack.OK() {
		b.channelMask = mask
	}
	return ack
}

func (b *dynamicBand) ApplyNewChannel(index uint8, freq uint32, minDR, maxDR uint8) (bool, bool) {
	if int(index) < len(b.joinChannels) || int(index) >= len(b.joinChannels)+len(b.extraChannels) {
		return false, false
	}
	slot := int(index) - len(b.joinChannels)

	if freq == 0 {
		b.extraChannels[slot] = 0
		setChannel(&b.channelMask, int(index), false)
		return true, true
	}

	freqOK := b.FrequencyValid(freq)
	drOK := minDR <= maxDR && int(maxDR) < len(b.dataRates) &&
		b.dataRates[maxDR] != nil && b.dataRates[minDR] != nil
	if freqOK && drOK {
		b.extraChannels[slot] = freq
		b.extraChannelRange[slot] = drRange{min: DR(minDR), max: DR(maxDR)}
		setChannel(&b.channelMask, int(index), true)
	}
	return freqOK, drOK
}

func (b *dynamicBand) SetDownlinkFrequency(index uint8, freq uint32) (bool, bool) {
	uplinkExists := int(index) < b.channelCount() && b.channelFrequency(int(index)) != 0
	freqOK := b.FrequencyValid(freq)
	if uplinkExists && freqOK {
		b.downlinkFreqs[index] = freq
	}
	return uplinkExists, freqOK
}

func (b *dynamicBand) Snapshot() Snapshot {
	s := Snapshot{
		ChannelMask:   b.channelMask,
		ExtraChannels: b.extraChannels,
		LastTxChannel: b.lastTxChannel,
	}
	copy(s.DownlinkFreqs[:], b.downlinkFreqs[:])
	return s
}

func (b *dynamicBand) Restore(s Snapshot) {
	b.channelMask = s.ChannelMask
	b.extraChannels = s.ExtraChannels
	b.lastTxChannel = s.LastTxChannel
	copy(b.downlinkFreqs[:], s.DownlinkFreqs[:maxDynamicChannels])
	for i := range b.extraChannels {
		if b.extraChannels[i] != 0 {
			b.extraChannelRange[i] = b.joinChannelRange
		}
	}
}

func channelEnabled(mask *[12]byte, channel int) bool {
	return mask[channel>>3]&(1<<(channel&0x07)) != 0
}

func setChannel(mask *[12]byte, channel int, enabled bool) {
	if enabled {
		mask[channel>>3] |= 1 << (channel & 0x07)
	} else {
		mask[channel>>3] &^= 1 << (channel & 0x07)
	}
}
