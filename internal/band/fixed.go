package band

import (
	"github.com/pkg/errors"
)

type fixedParams struct {
	name              Name
	numChannels       int // 125 kHz channels plus optional 500 kHz channels
	num500kChannels   int
	numDownlink       int
	uplinkFrequency   func(channel int) uint32
	downlinkFrequency func(channel int) uint32
	rx2Freq           uint32
	rx2DR             DR
	defaultDR         DR
	join125DR         DR
	join500DR         DR
	rx1DR             func(txDR DR, rx1DROffset uint8) DR
	dataRates         []*DataRate
	maxPayload        []int
	maxTxPowerIndex   uint8
	maxRX1DROffset    uint8
	minFreq           uint32
	maxFreq           uint32
}

// fixedBand implements Band for regions with a fixed channel plan (US915,
// AU915, CN470). All channels are predefined; the network prunes them with
// the CFList channel mask and LinkADRReq. Join attempts hop over the plan,
// optionally biased to a preferred subband.
type fixedBand struct {
	fixedParams

	channelMask   [12]byte
	lastTxChannel uint8
	join          joinState
}

// joinState tracks the join-channel rotation: a retry budget on the
// preferred subband, and the systematic hop over the remaining plan.
type joinState struct {
	preferred   Subband
	maxRetries  int
	numRetries  int
	available   [12]byte
	previous    int
	hasPrevious bool
}

func newFixedBand(p fixedParams) *fixedBand {
	b := &fixedBand{fixedParams: p}
	for i := 0; i < p.numChannels; i++ {
		setChannel(&b.channelMask, i, true)
	}
	b.resetJoinChannels()
	return b
}

func (b *fixedBand) resetJoinChannels() {
	b.join.numRetries = 0
	b.join.hasPrevious = false
	for i := 0; i < b.numChannels; i++ {
		setChannel(&b.join.available, i, true)
	}
}

func (b *fixedBand) Name() Name                { return b.name }
func (b *fixedBand) DefaultDataRate() DR       { return b.defaultDR }
func (b *fixedBand) MaxRX1DROffset() uint8     { return b.maxRX1DROffset }
func (b *fixedBand) HasFixedChannelPlan() bool { return true }

func (b *fixedBand) FrequencyValid(freq uint32) bool {
	return freq >= b.minFreq && freq <= b.maxFreq
}

func (b *fixedBand) DataRate(dr DR) (DataRate, error) {
	if int(dr) >= len(b.dataRates) || b.dataRates[dr] == nil {
		return DataRate{}, errors.Errorf("band: data-rate %d is not defined for %s", dr, b.name)
	}
	return *b.dataRates[dr], nil
}

func (b *fixedBand) MaxPayloadSize(dr DR) (int, error) {
	if int(dr) >= len(b.maxPayload) || b.dataRates[dr] == nil {
		return 0, errors.Errorf("band: data-rate %d is not defined for %s", dr, b.name)
	}
	return b.maxPayload[dr], nil
}

// SetJoinBias implements JoinBiaser. A single biased attempt per rotation is
// the LoRaWAN-compliant behavior.
func (b *fixedBand) SetJoinBias(sb Subband) error {
	return b.SetJoinBiasAndNoncompliantRetries(sb, 1)
}

// SetJoinBiasAndNoncompliantRetries implements JoinBiaser.
func (b *fixedBand) SetJoinBiasAndNoncompliantRetries(sb Subband, retries int) error {
	if sb < 1 || int(sb) > (b.numChannels-b.num500kChannels)/8 {
		return errors.Errorf("band: subband %d is out of range", sb)
	}
	if retries < 1 {
		return errors.New("band: retries must be at least 1")
	}
	b.join.preferred = sb
	b.join.maxRetries = retries
	return nil
}

// ClearJoinBias implements JoinBiaser.
func (b *fixedBand) ClearJoinBias() {
	b.join.preferred = 0
	b.join.maxRetries = 0
}

func (b *fixedBand) joinDR(channel int) DR {
	if channel >= b.numChannels-b.num500kChannels && b.num500kChannels > 0 {
		return b.join500DR
	}
	return b.join125DR
}

func (b *fixedBand) nextJoinChannel(rng RNG) int {
	if b.join.preferred != 0 && b.join.numRetries < b.join.maxRetries {
		b.join.numRetries++
		channel := int(rng.Uint32()&0x07) + (int(b.join.preferred)-1)*8
		if b.join.numRetries == b.join.maxRetries {
			// seed the systematic hop with this attempt so a retry budget
			// of one behaves exactly like the compliant rotation
			b.join.previous = channel
			b.join.hasPrevious = true
			setChannel(&b.join.available, channel, false)
		}
		b.join.previous = channel
		b.join.hasPrevious = true
		return channel
	}

	b.join.numRetries++
	exhausted := true
	for i := 0; i < b.numChannels; i++ {
		if channelEnabled(&b.join.available, i) {
			exhausted = false
			break
		}
	}
	if exhausted {
		for i := 0; i < b.numChannels; i++ {
			setChannel(&b.join.available, i, true)
		}
	}

	channel := -1
	if b.join.hasPrevious {
		next := (b.join.previous + 8) % b.numChannels
		if channelEnabled(&b.join.available, next) {
			channel = next
		}
	}
	if channel < 0 {
		for {
			candidate := int(rng.Uint32()) % b.numChannels
			if channelEnabled(&b.join.available, candidate) {
				channel = candidate
				break
			}
		}
	}
	setChannel(&b.join.available, channel, false)
	b.join.previous = channel
	b.join.hasPrevious = true
	return channel
}

func (b *fixedBand) JoinChannel(rng RNG) (uint32, DR) {
	channel := b.nextJoinChannel(rng)
	b.lastTxChannel = uint8(channel)
	return b.uplinkFrequency(channel), b.joinDR(channel)
}

// biasActive reports whether data frames should keep using the join bias:
// the CFList or a LinkADRReq channel mask has not arrived yet and the retry
// budget is not exhausted.
func (b *fixedBand) biasActive() bool {
	return b.join.preferred != 0 && b.join.numRetries != 0 && b.join.numRetries < b.join.maxRetries
}

// firstDataChannel returns a channel on the subband the join succeeded on,
// clearing the bias. Returns -1 when no bias was set.
func (b *fixedBand) firstDataChannel(rng RNG) int {
	if b.join.preferred == 0 || b.join.numRetries == 0 {
		return -1
	}
	b.ClearJoinBias()
	previous := b.join.previous
	sb := previous % 8
	if previous < b.numChannels-b.num500kChannels || b.num500kChannels == 0 {
		sb = previous / 8
	}
	return int(rng.Uint32()&0x07) + sb*8
}

func (b *fixedBand) TxChannel(rng RNG, dr DR) (uint32, DR, error) {
	if b.biasActive() {
		channel := b.nextJoinChannel(rng)
		b.lastTxChannel = uint8(channel)
		return b.uplinkFrequency(channel), b.joinDR(channel), nil
	}
	if channel := b.firstDataChannel(rng); channel >= 0 {
		b.lastTxChannel = uint8(channel)
		return b.uplinkFrequency(channel), dr, nil
	}

	modulation, err := b.DataRate(dr)
	if err != nil {
		return 0, 0, err
	}

	lo, hi := 0, b.numChannels-b.num500kChannels
	if modulation.Bandwidth == 500 {
		lo, hi = b.numChannels-b.num500kChannels, b.numChannels
		if b.num500kChannels == 0 {
			return 0, 0, errors.Errorf("band: no 500 kHz channels in %s", b.name)
		}
	}

	for attempt := 0; ; attempt++ {
		if attempt == 256 {
			for i := lo; i < hi; i++ {
				setChannel(&b.channelMask, i, true)
			}
		}
		channel := lo + int(rng.Uint32())%(hi-lo)
		if channelEnabled(&b.channelMask, channel) {
			b.lastTxChannel = uint8(channel)
			return b.uplinkFrequency(channel), dr, nil
		}
	}
}

func (b *fixedBand) RX1Params(txDR DR, rx1DROffset uint8) (uint32, DR) {
	channel := int(b.lastTxChannel) % b.numDownlink
	if b.num500kChannels > 0 && int(b.lastTxChannel) >= b.numChannels-b.num500kChannels {
		channel = int(b.lastTxChannel) % 8
	}
	return b.downlinkFrequency(channel), b.rx1DR(txDR, rx1DROffset)
}

func (b *fixedBand) RX2Defaults() (uint32, DR) {
	return b.rx2Freq, b.rx2DR
}

func (b *fixedBand) IngestCFList(cfList []byte) error {
	if len(cfList) != 16 {
		return errors.New("band: CFList must be 16 bytes")
	}
	if cfList[15] != 0x01 {
		return errors.Errorf("band: CFList type %d is not supported by a fixed channel plan", cfList[15])
	}
	var mask [12]byte
	copy(mask[:], cfList[:12])
	b.channelMask = mask
	b.resetJoinChannels()
	b.ClearJoinBias()
	return nil
}

func (b *fixedBand) applyChMask(mask *[12]byte, chMask uint16, chMaskCntl uint8) bool {
	maxCntl := uint8((b.numChannels+15)/16 - 1) // banks of 16 channels
	switch {
	case chMaskCntl <= maxCntl:
		mask[chMaskCntl*2] = byte(chMask)
		mask[chMaskCntl*2+1] = byte(chMask >> 8)
	case chMaskCntl == 5 && b.num500kChannels > 0:
		// each mask bit toggles a bank of 8 channels
		for bank := 0; bank < b.numChannels/8; bank++ {
			v := byte(0x00)
			if chMask&(1<<bank) != 0 {
				v = 0xff
			}
			mask[bank] = v
		}
	case chMaskCntl == 6:
		for i := 0; i < b.numChannels-b.num500kChannels; i++ {
			setChannel(mask, i, true)
		}
		if b.num500kChannels > 0 {
			mask[8] = byte(chMask)
		}
	case chMaskCntl == 7 && b.num500kChannels > 0:
		for i := 0; i < b.numChannels-b.num500kChannels; i++ {
			setChannel(mask, i, false)
		}
		mask[8] = byte(chMask)
	default:
		return false
	}
	return true
}

func (b *fixedBand) ApplyLinkADR(dr uint8, txPower uint8, chMask uint16, chMaskCntl uint8) LinkADRAck {
	var ack LinkADRAck

	mask := b.channelMask
	ack.ChannelMaskAck = b.applyChMask(&mask, chMask, chMaskCntl)

	modulation, err := b.DataRate(DR(dr))
	ack.DataRateAck = err == nil

	if ack.ChannelMaskAck && ack.DataRateAck {
		// the mask must leave a channel usable at the requested data-rate
		lo, hi := 0, b.numChannels-b.num500kChannels
		if modulation.Bandwidth == 500 {
			lo, hi = b.numChannels-b.num500kChannels, b.numChannels
		}
		enabled := false
		for i := lo; i < hi; i++ {
			if channelEnabled(&mask, i) {
				enabled = true
				break
			}
		}
		ack.ChannelMaskAck = enabled
	}

	ack.PowerAck = txPower <= b.maxTxPowerIndex

	if ack.OK() {
		b.channelMask = mask
		b.resetJoinChannels()
		b.ClearJoinBias()
	}
	return ack
}

func (b *fixedBand) ApplyNewChannel(uint8, uint32, uint8, uint8) (bool, bool) {
	// fixed channel plans have a read-only channel set
	return false, false
}

func (b *fixedBand) SetDownlinkFrequency(uint8, uint32) (bool, bool) {
	return false, false
}

func (b *fixedBand) Snapshot() Snapshot {
	return Snapshot{
		ChannelMask:   b.channelMask,
		LastTxChannel: b.lastTxChannel,
	}
}

func (b *fixedBand) Restore(s Snapshot) {
	b.channelMask = s.ChannelMask
	b.lastTxChannel = s.LastTxChannel
	b.resetJoinChannels()
}
