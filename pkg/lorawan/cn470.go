package lorawan

// CN470Mode selects how downlink frequencies are derived from uplinks
type CN470Mode string

const (
	CN470StandardFDD CN470Mode = "STANDARD_FDD" // uplink 470MHz, downlink 500MHz
	CN470CustomFDD   CN470Mode = "CUSTOM_FDD"   // uplink and downlink split inside 470-490MHz
	CN470TDD         CN470Mode = "TDD"          // same frequency in both directions
)

// ParseCN470Mode validates a configured mode
func ParseCN470Mode(s string) (CN470Mode, bool) {
	switch m := CN470Mode(s); m {
	case CN470StandardFDD, CN470CustomFDD, CN470TDD:
		return m, true
	}
	return "", false
}

// GetCN470DownlinkFrequency computes the downlink frequency for the mode, 0 when out of range
func (r *RegionConfiguration) GetCN470DownlinkFrequency(uplinkFreq uint32, mode CN470Mode) uint32 {
	if r.Name != "CN470" {
		return 0
	}

	var downlinkFreq uint32
	switch mode {
	case CN470StandardFDD:
		downlinkFreq = uplinkFreq + GetCN470FrequencyOffset(mode)
	case CN470CustomFDD:
		downlinkFreq = uplinkFreq + GetCN470FrequencyOffset(mode)
	case CN470TDD:
		downlinkFreq = uplinkFreq
	default:
		return 0
	}
	if !ValidateCN470Frequency(downlinkFreq, mode) {
		return 0
	}
	return downlinkFreq
}

// GetCN470ModeForHardware picks a mode from the gateway TX capabilities
func GetCN470ModeForHardware(supportsTX500MHz bool, supportsTX470_490MHz bool) CN470Mode {
	if supportsTX500MHz {
		return CN470StandardFDD
	}
	if supportsTX470_490MHz {
		return CN470CustomFDD
	}
	return CN470TDD
}

// ValidateCN470Frequency checks a frequency against the mode's bands
func ValidateCN470Frequency(freq uint32, mode CN470Mode) bool {
	switch mode {
	case CN470StandardFDD:
		return (freq >= 470000000 && freq <= 490000000) ||
			(freq >= 500000000 && freq <= 510000000)
	case CN470CustomFDD, CN470TDD:
		return freq >= 470000000 && freq <= 490000000
	default:
		return false
	}
}

// GetCN470FrequencyOffset returns the uplink to downlink offset of the mode
func GetCN470FrequencyOffset(mode CN470Mode) uint32 {
	switch mode {
	case CN470StandardFDD:
		return 30000000
	case CN470CustomFDD:
		return 10000000
	default:
		return 0
	}
}

func cn470RX2Frequency(mode CN470Mode) uint32 {
	switch mode {
	case CN470CustomFDD:
		return 480300000
	case CN470TDD:
		return 470300000
	default:
		return 505300000
	}
}

func cn470Channels(first, n int) []Channel {
	channels := make([]Channel, n)
	for i := range channels {
		channels[i] = Channel{
			Frequency: uint32(470300000 + (first+i)*200000),
			MinDR:     0,
			MaxDR:     5,
		}
	}
	return channels
}
