package lorawan

import (
	"encoding/binary"
	"fmt"
	"time"
)

// RegionConfiguration represents region-specific configuration
type RegionConfiguration struct {
	Name            string
	DefaultChannels []Channel
	// DataRates is indexed by DR, RFU entries have a zero SpreadFactor
	DataRates           []DataRate
	MaxUplinkDR         int
	MaxPayloadSizePerDR map[int]int
	RX1DROffsetTable    map[int]map[int]int
	MaxRX1DROffset      int
	DefaultRX2DR        int
	DefaultRX2Freq      uint32

	// ADR bounds
	MinADRDataRate  int
	MaxADRDataRate  int
	MaxTXPowerIndex int
	MaxNbRep        int
	ADRChMask       uint16
	ADRChMaskCntl   uint8

	// CFListFrequencies are announced in the join accept
	CFListFrequencies []uint32

	RX1Delay         time.Duration
	JoinAcceptDelay1 time.Duration
	JoinAcceptDelay2 time.Duration

	cn470Mode CN470Mode
}

// Channel represents a LoRa channel
type Channel struct {
	Frequency uint32
	MinDR     int
	MaxDR     int
}

// DataRate represents a data rate configuration
type DataRate struct {
	SpreadFactor int
	Bandwidth    int
}

// GetRegionConfiguration returns configuration for a region
func GetRegionConfiguration(region string) (*RegionConfiguration, error) {
	var r RegionConfiguration
	switch region {
	case "EU868":
		r = EU868Configuration
	case "US915":
		r = US915Configuration
	case "CN470", "CN470_510":
		r = CN470Configuration
	default:
		return nil, fmt.Errorf("unsupported region %q", region)
	}
	return &r, nil
}

// WithCN470Mode returns a copy of the region using the given CN470 frequency mode
func (r *RegionConfiguration) WithCN470Mode(mode CN470Mode) *RegionConfiguration {
	c := *r
	c.cn470Mode = mode
	if r.Name == "CN470" {
		c.DefaultRX2Freq = cn470RX2Frequency(mode)
	}
	return &c
}

// EU868Configuration for EU 868MHz band
var EU868Configuration = RegionConfiguration{
	Name: "EU868",
	DefaultChannels: []Channel{
		{Frequency: 868100000, MinDR: 0, MaxDR: 5},
		{Frequency: 868300000, MinDR: 0, MaxDR: 5},
		{Frequency: 868500000, MinDR: 0, MaxDR: 5},
	},
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125}, // DR0
		{SpreadFactor: 11, Bandwidth: 125}, // DR1
		{SpreadFactor: 10, Bandwidth: 125}, // DR2
		{SpreadFactor: 9, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 125},  // DR4
		{SpreadFactor: 7, Bandwidth: 125},  // DR5
		{SpreadFactor: 7, Bandwidth: 250},  // DR6
	},
	MaxUplinkDR: 6,
	MaxPayloadSizePerDR: map[int]int{
		0: 51, 1: 51, 2: 51, 3: 115, 4: 242, 5: 242, 6: 242,
	},
	RX1DROffsetTable: map[int]map[int]int{
		0: {0: 0, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		1: {0: 1, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		2: {0: 2, 1: 1, 2: 0, 3: 0, 4: 0, 5: 0},
		3: {0: 3, 1: 2, 2: 1, 3: 0, 4: 0, 5: 0},
		4: {0: 4, 1: 3, 2: 2, 3: 1, 4: 0, 5: 0},
		5: {0: 5, 1: 4, 2: 3, 3: 2, 4: 1, 5: 0},
		6: {0: 6, 1: 5, 2: 4, 3: 3, 4: 2, 5: 1},
	},
	MaxRX1DROffset:    5,
	DefaultRX2DR:      0,
	DefaultRX2Freq:    869525000,
	MinADRDataRate:    0,
	MaxADRDataRate:    5,
	MaxTXPowerIndex:   7,
	MaxNbRep:          3,
	ADRChMask:         0x0007,
	ADRChMaskCntl:     0,
	CFListFrequencies: []uint32{867100000, 867300000, 867500000, 867700000, 867900000},
	RX1Delay:          time.Second,
	JoinAcceptDelay1:  5 * time.Second,
	JoinAcceptDelay2:  6 * time.Second,
}

// US915Configuration for US 915MHz band
var US915Configuration = RegionConfiguration{
	Name: "US915",
	DataRates: []DataRate{
		{SpreadFactor: 10, Bandwidth: 125}, // DR0
		{SpreadFactor: 9, Bandwidth: 125},  // DR1
		{SpreadFactor: 8, Bandwidth: 125},  // DR2
		{SpreadFactor: 7, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 500},  // DR4
		{}, {}, {}, // RFU
		{SpreadFactor: 12, Bandwidth: 500}, // DR8
		{SpreadFactor: 11, Bandwidth: 500}, // DR9
		{SpreadFactor: 10, Bandwidth: 500}, // DR10
		{SpreadFactor: 9, Bandwidth: 500},  // DR11
		{SpreadFactor: 8, Bandwidth: 500},  // DR12
		{SpreadFactor: 7, Bandwidth: 500},  // DR13
	},
	MaxUplinkDR: 4,
	MaxPayloadSizePerDR: map[int]int{
		0: 11, 1: 53, 2: 125, 3: 242, 4: 242,
		8: 53, 9: 129, 10: 242, 11: 242, 12: 242, 13: 242,
	},
	RX1DROffsetTable: map[int]map[int]int{
		0: {0: 10, 1: 9, 2: 8, 3: 8},
		1: {0: 11, 1: 10, 2: 9, 3: 8},
		2: {0: 12, 1: 11, 2: 10, 3: 9},
		3: {0: 13, 1: 12, 2: 11, 3: 10},
		4: {0: 13, 1: 13, 2: 12, 3: 11},
	},
	MaxRX1DROffset:   3,
	DefaultRX2DR:     8,
	DefaultRX2Freq:   923300000,
	MinADRDataRate:   0,
	MaxADRDataRate:   3,
	MaxTXPowerIndex:  10,
	MaxNbRep:         3,
	ADRChMask:        0x00FF,
	ADRChMaskCntl:    7,
	RX1Delay:         time.Second,
	JoinAcceptDelay1: 5 * time.Second,
	JoinAcceptDelay2: 6 * time.Second,
}

// CN470Configuration for China 470-510MHz band
var CN470Configuration = RegionConfiguration{
	Name:            "CN470",
	DefaultChannels: cn470Channels(0, 16),
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125}, // DR0
		{SpreadFactor: 11, Bandwidth: 125}, // DR1
		{SpreadFactor: 10, Bandwidth: 125}, // DR2
		{SpreadFactor: 9, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 125},  // DR4
		{SpreadFactor: 7, Bandwidth: 125},  // DR5
	},
	MaxUplinkDR: 5,
	MaxPayloadSizePerDR: map[int]int{
		0: 51, 1: 51, 2: 51, 3: 115, 4: 222, 5: 222,
	},
	RX1DROffsetTable: map[int]map[int]int{
		0: {0: 0, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		1: {0: 1, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		2: {0: 2, 1: 1, 2: 0, 3: 0, 4: 0, 5: 0},
		3: {0: 3, 1: 2, 2: 1, 3: 0, 4: 0, 5: 0},
		4: {0: 4, 1: 3, 2: 2, 3: 1, 4: 0, 5: 0},
		5: {0: 5, 1: 4, 2: 3, 3: 2, 4: 1, 5: 0},
	},
	MaxRX1DROffset:   5,
	DefaultRX2DR:     0,
	DefaultRX2Freq:   505300000,
	MinADRDataRate:   0,
	MaxADRDataRate:   5,
	MaxTXPowerIndex:  7,
	MaxNbRep:         3,
	ADRChMask:        0x00FF,
	ADRChMaskCntl:    0,
	RX1Delay:         time.Second,
	JoinAcceptDelay1: 5 * time.Second,
	JoinAcceptDelay2: 6 * time.Second,
	cn470Mode:        CN470StandardFDD,
}

// IsValidDataRate reports whether dr is a defined data rate of the region
func (r *RegionConfiguration) IsValidDataRate(dr int) bool {
	return dr >= 0 && dr < len(r.DataRates) && r.DataRates[dr].SpreadFactor != 0
}

// GetRX1DataRateOffset calculates RX1 data rate
func (r *RegionConfiguration) GetRX1DataRateOffset(uplinkDR, rx1DROffset uint8) (uint8, error) {
	if int(rx1DROffset) > r.MaxRX1DROffset {
		return 0, fmt.Errorf("RX1 DR offset %d out of range for %s", rx1DROffset, r.Name)
	}
	if drMap, ok := r.RX1DROffsetTable[int(uplinkDR)]; ok {
		if dr, ok := drMap[int(rx1DROffset)]; ok {
			return uint8(dr), nil
		}
	}
	return 0, fmt.Errorf("no RX1 data rate for uplink DR%d offset %d in %s", uplinkDR, rx1DROffset, r.Name)
}

// RX1Frequency returns the RX1 downlink frequency for an uplink frequency
func (r *RegionConfiguration) RX1Frequency(uplinkFreq uint32) (uint32, error) {
	switch r.Name {
	case "US915":
		var ch int
		switch {
		case uplinkFreq >= 902300000 && uplinkFreq <= 914900000 && (uplinkFreq-902300000)%200000 == 0:
			ch = int(uplinkFreq-902300000) / 200000
		case uplinkFreq >= 903000000 && uplinkFreq <= 914200000 && (uplinkFreq-903000000)%1600000 == 0:
			ch = 64 + int(uplinkFreq-903000000)/1600000
		default:
			return 0, fmt.Errorf("uplink frequency %d Hz out of US915 range", uplinkFreq)
		}
		return 923300000 + uint32(ch%8)*600000, nil
	case "CN470":
		freq := r.GetCN470DownlinkFrequency(uplinkFreq, r.cn470Mode)
		if freq == 0 {
			return 0, fmt.Errorf("uplink frequency %d Hz out of CN470 range", uplinkFreq)
		}
		return freq, nil
	default:
		return uplinkFreq, nil
	}
}

// RequiredSNR returns the demodulation floor in dB for a data rate
func (r *RegionConfiguration) RequiredSNR(dr int) (float64, error) {
	if !r.IsValidDataRate(dr) {
		return 0, fmt.Errorf("unknown data rate DR%d in %s", dr, r.Name)
	}
	sf := r.DataRates[dr].SpreadFactor
	// SF7: -7.5 dB, 2.5 dB lower per spreading factor step
	return -7.5 - 2.5*float64(sf-7), nil
}

// DataRateName returns the LoRa modulation string (e.g. SF12BW125)
func (r *RegionConfiguration) DataRateName(dr int) string {
	if !r.IsValidDataRate(dr) {
		return ""
	}
	d := r.DataRates[dr]
	return fmt.Sprintf("SF%dBW%d", d.SpreadFactor, d.Bandwidth)
}

// DataRateIndex resolves an uplink modulation string to its DR index
func (r *RegionConfiguration) DataRateIndex(name string) (int, error) {
	for dr := 0; dr <= r.MaxUplinkDR && dr < len(r.DataRates); dr++ {
		if r.DataRateName(dr) == name {
			return dr, nil
		}
	}
	return 0, fmt.Errorf("unknown data rate %q in %s", name, r.Name)
}

// MaxPayloadSize returns the maximum MACPayload size for a downlink data rate
func (r *RegionConfiguration) MaxPayloadSize(dr int) int {
	return r.MaxPayloadSizePerDR[dr]
}

// CFList encodes the region's extra channels for the join accept
func (r *RegionConfiguration) CFList() []byte {
	if len(r.CFListFrequencies) == 0 {
		return nil
	}
	cf := make([]byte, 16)
	for i, f := range r.CFListFrequencies {
		if i == 5 {
			break
		}
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], f/100)
		copy(cf[i*3:i*3+3], b[:3])
	}
	// CFListType 0: frequencies
	cf[15] = 0
	return cf
}
