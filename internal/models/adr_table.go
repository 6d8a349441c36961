package models

// ADRHistorySize is the number of uplinks the ADR engine looks back on
const ADRHistorySize = 20

// ADRSample is one ADR-flagged uplink
type ADRSample struct {
	FCnt     uint32  `json:"fCnt"`
	SNR      float64 `json:"snr"`
	DataRate int     `json:"dataRate"`
}

// ADRRecommendation is the last radio configuration sent to the device
type ADRRecommendation struct {
	DataRate int    `json:"dataRate"`
	TxPower  int    `json:"txPower"`
	NbRep    int    `json:"nbRep"`
	FCnt     uint32 `json:"fCnt"`
}

// ADRTable is a fixed size ring of samples. It is a value type, updates
// return a new table so sessions can swap it in on commit.
type ADRTable struct {
	samples [ADRHistorySize]ADRSample
	next    int
	count   int

	Last    ADRRecommendation
	HasLast bool
}

// Add records a sample, a sample for an already recorded counter keeps the best SNR
func (t ADRTable) Add(s ADRSample) ADRTable {
	if t.count > 0 {
		last := (t.next - 1 + ADRHistorySize) % ADRHistorySize
		if t.samples[last].FCnt == s.FCnt {
			if s.SNR > t.samples[last].SNR {
				t.samples[last] = s
			}
			return t
		}
	}

	t.samples[t.next] = s
	t.next = (t.next + 1) % ADRHistorySize
	if t.count < ADRHistorySize {
		t.count++
	}
	return t
}

// Len returns the number of samples
func (t ADRTable) Len() int {
	return t.count
}

// Samples returns the samples oldest first
func (t ADRTable) Samples() []ADRSample {
	out := make([]ADRSample, 0, t.count)
	start := (t.next - t.count + ADRHistorySize) % ADRHistorySize
	for i := 0; i < t.count; i++ {
		out = append(out, t.samples[(start+i)%ADRHistorySize])
	}
	return out
}

// MaxSNR returns the best SNR in the table
func (t ADRTable) MaxSNR() float64 {
	samples := t.Samples()
	if len(samples) == 0 {
		return 0
	}
	best := samples[0].SNR
	for _, s := range samples[1:] {
		if s.SNR > best {
			best = s.SNR
		}
	}
	return best
}

// Clear drops the samples and keeps the last recommendation
func (t ADRTable) Clear() ADRTable {
	return ADRTable{Last: t.Last, HasLast: t.HasLast}
}
