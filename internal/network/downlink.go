package network

import (
	"context"
	"fmt"
	"time"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// DownlinkSink delivers composed downlinks to the transport
type DownlinkSink interface {
	SendDownlink(ctx context.Context, msg *models.DownlinkMessage) error
}

// dataFrame is the plaintext content of a data downlink
type dataFrame struct {
	confirmed  bool
	ack        bool
	adr        bool
	fPending   bool
	fOpts      []byte
	fPort      *uint8
	frmPayload []byte
}

// encodeDataDownlink encrypts, signs and serializes a data downlink for st
func encodeDataDownlink(st models.SessionState, fCntDown uint32, f dataFrame) ([]byte, error) {
	mtype := lorawan.UnconfirmedDataDown
	if f.confirmed {
		mtype = lorawan.ConfirmedDataDown
	}

	mac := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: st.DevAddr,
			FCtrl: lorawan.FCtrl{
				ADR:      f.adr,
				ACK:      f.ack,
				FPending: f.fPending,
			},
			FCnt:  uint16(fCntDown),
			FOpts: f.fOpts,
		},
		FPort: f.fPort,
	}

	if f.fPort != nil && len(f.frmPayload) > 0 {
		key := st.AppSKey
		if *f.fPort == 0 {
			key = st.NwkSKey
		}
		enc, err := lorawan.EncryptFRMPayload(key, st.DevAddr, fCntDown, false, f.frmPayload)
		if err != nil {
			return nil, fmt.Errorf("encrypt payload: %w", err)
		}
		mac.FRMPayload = enc
	}

	macBytes, err := mac.Marshal(false)
	if err != nil {
		return nil, err
	}

	phy := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: mtype, Major: lorawan.LoRaWAN1_0},
		MACPayload: macBytes,
	}
	if err := phy.SetDownlinkDataMIC(fCntDown, st.NwkSKey); err != nil {
		return nil, fmt.Errorf("set MIC: %w", err)
	}
	return phy.MarshalBinary()
}

// receiveWindows computes RX1 and RX2 for a reply to an uplink received
// with radio. RX1 is nil when the region has no downlink channel for it.
func receiveWindows(region *lorawan.RegionConfiguration, radio models.RadioMetadata, rx1DROffset, rx2DataRate int, rx1Delay time.Duration) (*models.ReceiveWindow, *models.ReceiveWindow) {
	var rx1 *models.ReceiveWindow
	dr, errDR := region.GetRX1DataRateOffset(uint8(radio.DataRate), uint8(rx1DROffset))
	freq, errFreq := region.RX1Frequency(radio.Frequency)
	if errDR == nil && errFreq == nil {
		rx1 = &models.ReceiveWindow{
			DataRate:     int(dr),
			DataRateName: region.DataRateName(int(dr)),
			Frequency:    freq,
			Delay:        rx1Delay,
		}
	}

	rx2 := &models.ReceiveWindow{
		DataRate:     rx2DataRate,
		DataRateName: region.DataRateName(rx2DataRate),
		Frequency:    region.DefaultRX2Freq,
		Delay:        rx1Delay + time.Second,
	}
	return rx1, rx2
}

// windowFor picks the window to use, falling back to RX2 when RX1 is
// unavailable or can no longer be reached after lead time.
func windowFor(preferred int, rx1 *models.ReceiveWindow, arrival, now time.Time, lead time.Duration) int {
	if preferred == models.RX2 || rx1 == nil {
		return models.RX2
	}
	if now.Add(lead).After(arrival.Add(rx1.Delay)) {
		return models.RX2
	}
	return models.RX1
}

// rxDelay converts a session RX delay in seconds to the RX1 delay
func rxDelay(seconds int, region *lorawan.RegionConfiguration) time.Duration {
	if seconds < 1 {
		return region.RX1Delay
	}
	return time.Duration(seconds) * time.Second
}
