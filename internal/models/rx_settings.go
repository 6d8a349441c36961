package models

import "github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"

// RXSettings are the receive window parameters a session runs with
type RXSettings struct {
	RX1DROffset     int
	RX2DataRate     int
	RXDelay         int
	PreferredWindow int
}

// ResolveRXSettings applies the desired overrides on top of the region
// defaults. Out of range overrides fall back to the default.
func ResolveRXSettings(d *DesiredProperties, region *lorawan.RegionConfiguration) RXSettings {
	rx := RXSettings{
		RX1DROffset:     0,
		RX2DataRate:     region.DefaultRX2DR,
		RXDelay:         int(region.RX1Delay.Seconds()),
		PreferredWindow: d.Window(),
	}
	if d.RX1DROffset != nil && *d.RX1DROffset >= 0 && *d.RX1DROffset <= region.MaxRX1DROffset {
		rx.RX1DROffset = *d.RX1DROffset
	}
	if d.RX2DataRate != nil && region.IsValidDataRate(*d.RX2DataRate) {
		rx.RX2DataRate = *d.RX2DataRate
	}
	if d.RXDelay != nil && *d.RXDelay >= 1 && *d.RXDelay <= 15 {
		rx.RXDelay = *d.RXDelay
	}
	if rx.RXDelay < 1 {
		rx.RXDelay = 1
	}
	return rx
}
