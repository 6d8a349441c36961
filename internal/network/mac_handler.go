package network

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/metrics"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// MACResult is what the uplink MAC commands of one frame produced
type MACResult struct {
	Answers   []lorawan.MACCommand
	DevStatus *lorawan.DevStatus
	// ADRAnswered is set when the frame carried a LinkADRAns, ADRAccepted tells its verdict
	ADRAnswered bool
	ADRAccepted bool
}

// MACCommandHandler handles uplink MAC commands
type MACCommandHandler struct {
	region *lorawan.RegionConfiguration
	now    func() time.Time
}

// NewMACCommandHandler creates a handler for the region
func NewMACCommandHandler(region *lorawan.RegionConfiguration) *MACCommandHandler {
	return &MACCommandHandler{region: region, now: time.Now}
}

// HandleUplink processes the commands of one uplink received with radio
func (h *MACCommandHandler) HandleUplink(devEUI lorawan.EUI64, radio models.RadioMetadata, commands []lorawan.MACCommand) MACResult {
	var res MACResult

	for _, cmd := range commands {
		switch cmd.CID {
		case lorawan.LinkCheckReq:
			res.Answers = append(res.Answers, h.handleLinkCheckReq(devEUI, radio))

		case lorawan.LinkADRAns:
			status, err := lorawan.ParseLinkADRAns(cmd.Payload)
			if err != nil {
				log.Warn().Err(err).Str("devEUI", devEUI.String()).Msg("Invalid LinkADRAns")
				continue
			}
			res.ADRAnswered = true
			res.ADRAccepted = status.Accepted()
			if !res.ADRAccepted {
				metrics.ADRRejectionsTotal.Inc()
			}
			log.Debug().
				Str("devEUI", devEUI.String()).
				Bool("powerACK", status.PowerACK).
				Bool("dataRateACK", status.DataRateACK).
				Bool("channelMaskACK", status.ChannelMaskACK).
				Msg("LinkADRAns received")

		case lorawan.DevStatusAns:
			st, err := lorawan.ParseDevStatusAns(cmd.Payload)
			if err != nil {
				log.Warn().Err(err).Str("devEUI", devEUI.String()).Msg("Invalid DevStatusAns")
				continue
			}
			res.DevStatus = &st
			log.Info().
				Str("devEUI", devEUI.String()).
				Uint8("battery", st.Battery).
				Int8("margin", st.Margin).
				Msg("Device status")

		case lorawan.RXParamSetupAns:
			h.handleRXParamSetupAns(devEUI, cmd.Payload)

		case lorawan.NewChannelAns:
			h.handleNewChannelAns(devEUI, cmd.Payload)

		case lorawan.DeviceTimeReq:
			res.Answers = append(res.Answers, lorawan.NewDeviceTimeAns(h.now()))

		default:
			log.Warn().
				Uint8("cid", cmd.CID).
				Str("devEUI", devEUI.String()).
				Msg("Unhandled MAC command")
		}
	}

	return res
}

// handleLinkCheckReq answers with the demodulation margin of the uplink
func (h *MACCommandHandler) handleLinkCheckReq(devEUI lorawan.EUI64, radio models.RadioMetadata) lorawan.MACCommand {
	margin := 0.0
	if required, err := h.region.RequiredSNR(radio.DataRate); err == nil {
		margin = radio.SNR - required
	}

	log.Debug().
		Str("devEUI", devEUI.String()).
		Float64("margin", margin).
		Msg("LinkCheckReq answered")

	return lorawan.NewLinkCheckAns(margin, 1)
}

func (h *MACCommandHandler) handleRXParamSetupAns(devEUI lorawan.EUI64, payload []byte) {
	if len(payload) != 1 {
		return
	}

	status := payload[0]
	log.Debug().
		Str("devEUI", devEUI.String()).
		Bool("rx1DROffsetACK", status&0x04 != 0).
		Bool("rx2DataRateACK", status&0x02 != 0).
		Bool("channelACK", status&0x01 != 0).
		Msg("RXParamSetupAns received")
}

func (h *MACCommandHandler) handleNewChannelAns(devEUI lorawan.EUI64, payload []byte) {
	if len(payload) != 1 {
		return
	}

	status := payload[0]
	log.Debug().
		Str("devEUI", devEUI.String()).
		Bool("dataRateACK", status&0x02 != 0).
		Bool("channelFreqACK", status&0x01 != 0).
		Msg("NewChannelAns received")
}

// collectMACCommands parses FOpts and, for FPort 0, the decrypted payload.
// Decoding stops at the first unknown command.
func collectMACCommands(devEUI lorawan.EUI64, fOpts []byte, fPort *uint8, data []byte) []lorawan.MACCommand {
	var commands []lorawan.MACCommand
	if len(fOpts) > 0 {
		cmds, err := lorawan.ParseMACCommands(true, fOpts)
		if err != nil {
			log.Warn().Err(err).Str("devEUI", devEUI.String()).Msg("Invalid FOpts")
		}
		commands = append(commands, cmds...)
	}
	if fPort != nil && *fPort == 0 && len(data) > 0 {
		cmds, err := lorawan.ParseMACCommands(true, data)
		if err != nil {
			log.Warn().Err(err).Str("devEUI", devEUI.String()).Msg("Invalid MAC payload")
		}
		commands = append(commands, cmds...)
	}
	return commands
}
