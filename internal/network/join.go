package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/directory"
	"github.com/lorawan-server/lorawan-ns-core/internal/metrics"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/crypto"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// JoinProcessor handles OTAA join requests. Nothing becomes visible in the
// cache until the new session is persisted and the join accept handed off.
type JoinProcessor struct {
	d *Dispatcher
}

func newJoinProcessor(d *Dispatcher) *JoinProcessor {
	return &JoinProcessor{d: d}
}

// Process handles one join request
func (j *JoinProcessor) Process(ctx context.Context, req *models.IncomingRequest, phy *lorawan.PHYPayload) models.Outcome {
	out := j.process(ctx, req, phy)

	result := "accepted"
	if out.Status != models.StatusCompleted {
		result = string(out.Reason)
	}
	metrics.JoinsTotal.WithLabelValues(result).Inc()
	return out
}

func (j *JoinProcessor) process(ctx context.Context, req *models.IncomingRequest, phy *lorawan.PHYPayload) models.Outcome {
	d := j.d
	region := d.opts.Region

	var jr lorawan.JoinRequestPayload
	if err := jr.UnmarshalBinary(phy.MACPayload); err != nil {
		return models.Failed(models.ReasonInvalidFrame, err)
	}
	devEUI := jr.DevEUI
	logger := log.With().
		Str("requestID", req.ID.String()).
		Str("devEUI", devEUI.String()).
		Str("joinEUI", jr.JoinEUI.String()).
		Uint16("devNonce", jr.DevNonceValue()).
		Logger()

	arrival := req.Radio.Time
	ctx, cancel := context.WithDeadline(ctx, arrival.Add(region.JoinAcceptDelay2-d.opts.RXLeadTime))
	defer cancel()

	apiFailure := func(err error) models.Outcome {
		if ctx.Err() != nil {
			return models.Failed(models.ReasonReceiveWindowMissed, err)
		}
		return models.Failed(models.ReasonApiCallFailed, err)
	}

	res, err := d.dir.SearchAndLockForJoin(ctx, d.opts.InstanceID, devEUI, jr.JoinEUI, jr.DevNonceValue())
	if err != nil {
		return apiFailure(err)
	}
	if res.IsDevNonceAlreadyUsed {
		return models.Dropped(models.ReasonJoinDevNonceAlreadyUsed)
	}
	info, ok := pickJoinDevice(res.Devices, devEUI)
	if !ok {
		return models.Dropped(models.ReasonUnknownDevice)
	}

	// an uplink of the session being replaced must not commit over the join
	old, rejoin := d.cache.GetByDevEUI(devEUI)
	if rejoin {
		if !old.TryAcquire() {
			return models.Dropped(models.ReasonDeviceBusy)
		}
		defer old.Release()
	}

	twin, err := d.dir.GetTwin(ctx, devEUI)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return models.Dropped(models.ReasonUnknownDevice)
		}
		return apiFailure(err)
	}
	desired := twin.Desired

	if desired.AppKey == nil || desired.AppEUI == nil {
		return models.Failed(models.ReasonConfigurationError,
			fmt.Errorf("device %s has no AppKey or AppEUI configured", devEUI))
	}
	if *desired.AppEUI != jr.JoinEUI {
		return models.Failed(models.ReasonInvalidJoinRequest,
			fmt.Errorf("join EUI %s does not match configured %s", jr.JoinEUI, *desired.AppEUI))
	}
	if ok, err := phy.ValidateUplinkJoinMIC(*desired.AppKey); err != nil || !ok {
		return models.Failed(models.ReasonInvalidMIC, lorawan.ErrInvalidMIC)
	}

	gatewayID := desired.GatewayID
	if gatewayID == "" {
		gatewayID = info.GatewayID
	}
	if gatewayID != "" && gatewayID != d.opts.InstanceID {
		return models.Dropped(models.ReasonHandledByAnotherGateway)
	}
	logger.Debug().Msg("Join request validated")

	st, appNonce, err := j.newSessionState(&desired, jr, gatewayID)
	if err != nil {
		return models.Failed(models.ReasonConfigurationError, err)
	}
	st.LastStation = req.Station
	st.LastRadio = req.Radio
	st.LastSeen = d.now()

	if err := ctx.Err(); err != nil {
		return models.Failed(models.ReasonReceiveWindowMissed, err)
	}
	if err := d.dir.UpdateReportedProperties(ctx, devEUI, models.FullReport(st)); err != nil {
		return apiFailure(fmt.Errorf("persist session: %w", err))
	}

	payload, err := lorawan.EncryptJoinAccept(*desired.AppKey, &lorawan.JoinAcceptPayload{
		JoinNonce: appNonce,
		NetID:     d.opts.NetID,
		DevAddr:   st.DevAddr,
		DLSettings: lorawan.DLSettings{
			RX1DROffset: uint8(st.RX1DROffset),
			RX2DataRate: uint8(st.RX2DataRate),
		},
		RxDelay: uint8(st.RXDelay),
		CFList:  region.CFList(),
	})
	if err != nil {
		return models.Failed(models.ReasonDownlinkHandoffFailed, err)
	}

	// the device applies DLSettings only after the join accept
	rx1, rx2 := receiveWindows(region, req.Radio, 0, region.DefaultRX2DR, region.JoinAcceptDelay1)
	window := windowFor(st.PreferredWindow, rx1, arrival, d.now(), d.opts.RXLeadTime)

	dl := &models.DownlinkMessage{
		ID:              uuid.New(),
		DevEUI:          devEUI,
		DevAddr:         st.DevAddr,
		Station:         req.Station,
		Payload:         payload,
		RX1:             rx1,
		RX2:             rx2,
		PreferredWindow: window,
		Tmst:            req.Radio.Tmst,
		Context:         req.Radio.Context,
		Antenna:         req.Radio.Antenna,
	}
	if err := d.sink.SendDownlink(ctx, dl); err != nil {
		j.restoreReported(ctx, logger, devEUI, twin.Reported)
		if ctx.Err() != nil {
			return models.Failed(models.ReasonReceiveWindowMissed, err)
		}
		return models.Failed(models.ReasonDownlinkHandoffFailed, err)
	}
	metrics.DownlinksTotal.WithLabelValues("join", windowLabel(window)).Inc()

	if rejoin {
		old.Retire()
	}
	d.cache.AdoptJoinedSession(models.NewDeviceSession(devEUI, desired, st))
	d.concentrator.Forget(devEUI)

	logger.Info().
		Str("devAddr", st.DevAddr.String()).
		Int("window", window).
		Msg("Device joined")

	ev := &models.JoinEvent{
		ID:      req.ID,
		DevEUI:  devEUI,
		DevAddr: st.DevAddr,
		AppEUI:  jr.JoinEUI,
		Station: req.Station,
		Time:    arrival,
	}
	if err := d.telemetry.PublishJoin(context.WithoutCancel(ctx), ev); err != nil {
		logger.Warn().Err(err).Msg("Failed to publish join")
	}

	return models.Completed(dl)
}

// restoreReported writes back the reported document read before the join,
// so the directory keeps describing the session the device still uses. A
// first join has no previous document to restore.
func (j *JoinProcessor) restoreReported(ctx context.Context, logger zerolog.Logger, devEUI lorawan.EUI64, prev models.ReportedProperties) {
	if prev.IsEmpty() {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.d.opts.FlushTimeout)
	defer cancel()
	if err := j.d.dir.UpdateReportedProperties(rctx, devEUI, prev); err != nil {
		logger.Warn().Err(err).Msg("Failed to restore reported properties after join hand-off failure")
	}
}

// newSessionState derives the keys and address of a fresh session
func (j *JoinProcessor) newSessionState(desired *models.DesiredProperties, jr lorawan.JoinRequestPayload, gatewayID string) (models.SessionState, [3]byte, error) {
	d := j.d
	var appNonce [3]byte

	nonce, err := crypto.GenerateRandomBytes(len(appNonce))
	if err != nil {
		return models.SessionState{}, appNonce, fmt.Errorf("app nonce: %w", err)
	}
	copy(appNonce[:], nonce)

	nwkAddr, err := crypto.RandomUint32()
	if err != nil {
		return models.SessionState{}, appNonce, fmt.Errorf("device address: %w", err)
	}

	nwkSKey, appSKey, err := lorawan.DeriveSessionKeys10(*desired.AppKey, appNonce, d.opts.NetID, jr.DevNonce)
	if err != nil {
		return models.SessionState{}, appNonce, fmt.Errorf("derive session keys: %w", err)
	}

	rx := models.ResolveRXSettings(desired, d.opts.Region)
	return models.SessionState{
		DevAddr:         lorawan.NewDevAddr(d.opts.NetID, nwkAddr),
		NwkSKey:         nwkSKey,
		AppSKey:         appSKey,
		NetID:           d.opts.NetID,
		DevNonce:        jr.DevNonceValue(),
		DataRate:        d.opts.Region.MinADRDataRate,
		TxPower:         0,
		NbRep:           1,
		RX1DROffset:     rx.RX1DROffset,
		RX2DataRate:     rx.RX2DataRate,
		RXDelay:         rx.RXDelay,
		PreferredWindow: rx.PreferredWindow,
		GatewayID:       gatewayID,
		IsOurDevice:     true,
	}, appNonce, nil
}

func pickJoinDevice(devices []directory.DeviceInfo, devEUI lorawan.EUI64) (directory.DeviceInfo, bool) {
	for _, info := range devices {
		if info.DevEUI == devEUI {
			return info, true
		}
	}
	return directory.DeviceInfo{}, false
}
