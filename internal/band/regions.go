package band

func loraDR(sf, bw int) *DataRate {
	return &DataRate{SpreadingFactor: sf, Bandwidth: bw, CodingRate: "4/5"}
}

// euDataRates is shared by EU868, EU433, AS923 and (without DR6) CN470.
func euDataRates() []*DataRate {
	return []*DataRate{
		loraDR(12, 125),
		loraDR(11, 125),
		loraDR(10, 125),
		loraDR(9, 125),
		loraDR(8, 125),
		loraDR(7, 125),
		loraDR(7, 250),
	}
}

func newEU868() Band {
	return newDynamicBand(dynamicParams{
		name:             EU868,
		joinChannels:     []uint32{868100000, 868300000, 868500000},
		joinChannelRange: drRange{min: 0, max: 5},
		rx2Freq:          869525000,
		rx2DR:            0,
		defaultDR:        0,
		dataRates:        euDataRates(),
		maxPayload:       []int{59, 59, 59, 123, 250, 250, 250},
		maxTxPowerIndex:  7,
		maxRX1DROffset:   5,
		minFreq:          863000000,
		maxFreq:          870000000,
	})
}

func newEU433() Band {
	return newDynamicBand(dynamicParams{
		name:             EU433,
		joinChannels:     []uint32{433175000, 433375000, 433575000},
		joinChannelRange: drRange{min: 0, max: 5},
		rx2Freq:          434665000,
		rx2DR:            0,
		defaultDR:        0,
		dataRates:        euDataRates(),
		maxPayload:       []int{59, 59, 123, 123, 250, 250, 250},
		maxTxPowerIndex:  5,
		maxRX1DROffset:   5,
		minFreq:          433050000,
		maxFreq:          434790000,
	})
}

func newIN865() Band {
	return newDynamicBand(dynamicParams{
		name:             IN865,
		joinChannels:     []uint32{865062500, 865402500, 865985000},
		joinChannelRange: drRange{min: 0, max: 5},
		rx2Freq:          866550000,
		rx2DR:            2,
		defaultDR:        0,
		dataRates: []*DataRate{
			loraDR(12, 125),
			loraDR(11, 125),
			loraDR(10, 125),
			loraDR(9, 125),
			loraDR(8, 125),
			loraDR(7, 125),
		},
		maxPayload:      []int{59, 59, 59, 123, 250, 250},
		maxTxPowerIndex: 10,
		maxRX1DROffset:  7,
		minFreq:         865000000,
		maxFreq:         867000000,
	})
}

// as923Offset returns the frequency offset of the AS923 group, subtracted
// from the group 1 channel frequencies.
func as923Offset(name Name) uint32 {
	switch name {
	case AS923_2:
		return 1800000
	case AS923_3:
		return 6600000
	case AS923_4:
		return 5900000
	default:
		return 0
	}
}

func newAS923(name Name) Band {
	offset := as923Offset(name)
	return newDynamicBand(dynamicParams{
		name:             name,
		joinChannels:     []uint32{923200000 - offset, 923400000 - offset},
		joinChannelRange: drRange{min: 0, max: 5},
		rx2Freq:          923200000 - offset,
		rx2DR:            2,
		defaultDR:        0,
		dataRates:        euDataRates(),
		maxPayload:       []int{59, 59, 123, 123, 250, 250, 250},
		maxTxPowerIndex:  7,
		maxRX1DROffset:   7,
		minFreq:          902000000,
		maxFreq:          928000000,
	})
}

func newUS915() Band {
	return newFixedBand(fixedParams{
		name:            US915,
		numChannels:     72,
		num500kChannels: 8,
		numDownlink:     8,
		uplinkFrequency: func(channel int) uint32 {
			if channel < 64 {
				return 902300000 + 200000*uint32(channel)
			}
			return 903000000 + 1600000*uint32(channel-64)
		},
		downlinkFrequency: func(channel int) uint32 {
			return 923300000 + 600000*uint32(channel)
		},
		rx2Freq:   923300000,
		rx2DR:     8,
		defaultDR: 0,
		join125DR: 0,
		join500DR: 4,
		rx1DR: func(txDR DR, rx1DROffset uint8) DR {
			base := 10 + int(txDR)
			if base > 13 {
				base = 13
			}
			return clampDR(base-int(rx1DROffset), 8, 13)
		},
		dataRates: []*DataRate{
			loraDR(10, 125),
			loraDR(9, 125),
			loraDR(8, 125),
			loraDR(7, 125),
			loraDR(8, 500),
			nil,
			nil,
			nil,
			loraDR(12, 500),
			loraDR(11, 500),
			loraDR(10, 500),
			loraDR(9, 500),
			loraDR(8, 500),
			loraDR(7, 500),
		},
		maxPayload:      []int{19, 61, 133, 250, 250, 0, 0, 0, 61, 137, 250, 250, 250, 250},
		maxTxPowerIndex: 14,
		maxRX1DROffset:  3,
		minFreq:         902000000,
		maxFreq:         928000000,
	})
}

func newAU915() Band {
	return newFixedBand(fixedParams{
		name:            AU915,
		numChannels:     72,
		num500kChannels: 8,
		numDownlink:     8,
		uplinkFrequency: func(channel int) uint32 {
			if channel < 64 {
				return 915200000 + 200000*uint32(channel)
			}
			return 915900000 + 1600000*uint32(channel-64)
		},
		downlinkFrequency: func(channel int) uint32 {
			return 923300000 + 600000*uint32(channel)
		},
		rx2Freq:   923300000,
		rx2DR:     8,
		defaultDR: 0,
		join125DR: 0,
		join500DR: 6,
		rx1DR: func(txDR DR, rx1DROffset uint8) DR {
			return clampDR(8+int(txDR)-int(rx1DROffset), 8, 13)
		},
		dataRates: []*DataRate{
			loraDR(12, 125),
			loraDR(11, 125),
			loraDR(10, 125),
			loraDR(9, 125),
			loraDR(8, 125),
			loraDR(7, 125),
			loraDR(8, 500),
			nil,
			loraDR(12, 500),
			loraDR(11, 500),
			loraDR(10, 500),
			loraDR(9, 500),
			loraDR(8, 500),
			loraDR(7, 500),
		},
		maxPayload:      []int{59, 59, 59, 123, 250, 250, 250, 0, 61, 137, 250, 250, 250, 250},
		maxTxPowerIndex: 14,
		maxRX1DROffset:  5,
		minFreq:         915000000,
		maxFreq:         928000000,
	})
}

func newCN470() Band {
	return newFixedBand(fixedParams{
		name:            CN470,
		numChannels:     96,
		num500kChannels: 0,
		numDownlink:     48,
		uplinkFrequency: func(channel int) uint32 {
			return 470300000 + 200000*uint32(channel)
		},
		downlinkFrequency: func(channel int) uint32 {
			return 500300000 + 200000*uint32(channel)
		},
		rx2Freq:   505300000,
		rx2DR:     0,
		defaultDR: 0,
		join125DR: 0,
		join500DR: 0,
		rx1DR: func(txDR DR, rx1DROffset uint8) DR {
			return clampDR(int(txDR)-int(rx1DROffset), 0, 5)
		},
		dataRates: []*DataRate{
			loraDR(12, 125),
			loraDR(11, 125),
			loraDR(10, 125),
			loraDR(9, 125),
			loraDR(8, 125),
			loraDR(7, 125),
		},
		maxPayload:      []int{59, 59, 59, 123, 250, 250},
		maxTxPowerIndex: 7,
		maxRX1DROffset:  7,
		minFreq:         470000000,
		maxFreq:         510000000,
	})
}

func clampDR(v, lo, hi int) DR {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return DR(v)
}
