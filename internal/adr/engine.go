package adr

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// Config tunes the margin algorithm
type Config struct {
	// InstallationMargin in dB is kept in reserve on top of the demodulation floor
	InstallationMargin float64
	// StepDB is the margin in dB one data rate or power step is worth
	StepDB float64
	// MinSamples is the history needed before the margin algorithm runs
	MinSamples int
}

// DefaultConfig returns the values of the LoRaWAN reference algorithm
func DefaultConfig() Config {
	return Config{
		InstallationMargin: 5,
		StepDB:             3,
		MinSamples:         models.ADRHistorySize,
	}
}

// Input describes one uplink as seen by the engine
type Input struct {
	FCnt      uint32
	SNR       float64
	DataRate  int
	TxPower   int
	NbRep     int
	ADR       bool
	ADRACKReq bool
}

// Loss bands and the NbRep to use for each current NbRep (1, 2, 3)
var nbRepTable = []struct {
	maxLoss float64
	nbRep   [3]int
}{
	{0.05, [3]int{1, 1, 2}},
	{0.10, [3]int{1, 2, 3}},
	{0.30, [3]int{2, 3, 3}},
	{math.Inf(1), [3]int{3, 3, 3}},
}

// Engine computes ADR recommendations for a region
type Engine struct {
	region *lorawan.RegionConfiguration
	cfg    Config
}

// NewEngine validates the region bounds and creates an engine
func NewEngine(region *lorawan.RegionConfiguration, cfg Config) (*Engine, error) {
	if region == nil {
		return nil, fmt.Errorf("adr: region is required")
	}
	if !region.IsValidDataRate(region.MinADRDataRate) || !region.IsValidDataRate(region.MaxADRDataRate) {
		return nil, fmt.Errorf("adr: %s has an invalid ADR data rate range DR%d..DR%d",
			region.Name, region.MinADRDataRate, region.MaxADRDataRate)
	}
	if region.MinADRDataRate > region.MaxADRDataRate {
		return nil, fmt.Errorf("adr: %s minimum ADR data rate above maximum", region.Name)
	}
	if cfg.StepDB <= 0 {
		cfg.StepDB = 3
	}
	if cfg.MinSamples <= 0 || cfg.MinSamples > models.ADRHistorySize {
		cfg.MinSamples = models.ADRHistorySize
	}
	return &Engine{region: region, cfg: cfg}, nil
}

// Evaluate records the uplink in table and, when the device asked for an
// ADR acknowledgement, returns the settings it should switch to. A nil
// recommendation means nothing is to be sent.
func (e *Engine) Evaluate(table models.ADRTable, in Input) (models.ADRTable, *models.ADRRecommendation) {
	if !in.ADR {
		return table, nil
	}
	table = table.Add(models.ADRSample{FCnt: in.FCnt, SNR: in.SNR, DataRate: in.DataRate})

	if !in.ADRACKReq {
		return table, nil
	}

	var rec models.ADRRecommendation
	if table.Len() < e.cfg.MinSamples {
		if in.FCnt < uint32(e.cfg.MinSamples) {
			return table, nil
		}
		// the counter advanced without enough ADR uplinks arriving, fall back to safe settings
		rec = models.ADRRecommendation{
			DataRate: e.region.MinADRDataRate,
			TxPower:  0,
			NbRep:    e.clampNbRep(in.NbRep),
			FCnt:     in.FCnt,
		}
	} else {
		var ok bool
		rec, ok = e.compute(table, in)
		if !ok {
			return table, nil
		}
	}

	if rec.DataRate == in.DataRate && rec.TxPower == in.TxPower && rec.NbRep == e.clampNbRep(in.NbRep) {
		return table, nil
	}

	table.Last = rec
	table.HasLast = true
	return table, &rec
}

func (e *Engine) compute(table models.ADRTable, in Input) (models.ADRRecommendation, bool) {
	required, err := e.region.RequiredSNR(in.DataRate)
	if err != nil {
		log.Warn().Err(err).Msg("ADR skipped")
		return models.ADRRecommendation{}, false
	}

	margin := table.MaxSNR() - required - e.cfg.InstallationMargin
	steps := int(margin / e.cfg.StepDB)

	dr := min(max(in.DataRate, e.region.MinADRDataRate), e.region.MaxADRDataRate)
	tx := min(max(in.TxPower, 0), e.region.MaxTXPowerIndex)

	for steps > 0 && dr < e.region.MaxADRDataRate {
		dr++
		steps--
	}
	for steps > 0 && tx < e.region.MaxTXPowerIndex {
		tx++
		steps--
	}
	for steps < 0 && tx > 0 {
		tx--
		steps++
	}
	for steps < 0 && dr > e.region.MinADRDataRate {
		dr--
		steps++
	}

	return models.ADRRecommendation{
		DataRate: dr,
		TxPower:  tx,
		NbRep:    e.nbRep(table, in.NbRep),
		FCnt:     in.FCnt,
	}, true
}

func (e *Engine) nbRep(table models.ADRTable, current int) int {
	loss := PacketLoss(table)
	idx := min(max(current, 1), 3) - 1
	for _, band := range nbRepTable {
		if loss < band.maxLoss {
			return e.clampNbRep(band.nbRep[idx])
		}
	}
	return e.clampNbRep(current)
}

func (e *Engine) clampNbRep(n int) int {
	upper := e.region.MaxNbRep
	if upper < 1 {
		upper = 1
	}
	return min(max(n, 1), upper)
}

// PacketLoss returns the share of counters missing between the oldest and
// newest sample of table.
func PacketLoss(table models.ADRTable) float64 {
	samples := table.Samples()
	if len(samples) < 2 {
		return 0
	}
	first, last := samples[0].FCnt, samples[len(samples)-1].FCnt
	if last <= first {
		return 0
	}
	expected := float64(last-first) + 1
	received := float64(len(samples))
	if received >= expected {
		return 0
	}
	return (expected - received) / expected
}

// Command builds the LinkADRReq for a recommendation
func (e *Engine) Command(rec models.ADRRecommendation) lorawan.MACCommand {
	return lorawan.NewLinkADRReq(uint8(rec.DataRate), uint8(rec.TxPower), e.region.ADRChMask, e.region.ADRChMaskCntl, uint8(rec.NbRep))
}
