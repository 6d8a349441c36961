package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/adr"
	"github.com/lorawan-server/lorawan-ns-core/internal/dedup"
	"github.com/lorawan-server/lorawan-ns-core/internal/devicecache"
	"github.com/lorawan-server/lorawan-ns-core/internal/directory"
	"github.com/lorawan-server/lorawan-ns-core/internal/fcnt"
	"github.com/lorawan-server/lorawan-ns-core/internal/metrics"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// Options configures a Dispatcher
type Options struct {
	InstanceID string
	NetID      lorawan.NetID
	Region     *lorawan.RegionConfiguration

	// RXLeadTime is how long before a receive window opens the downlink must reach the transport
	RXLeadTime       time.Duration
	FCntSaveInterval uint32
	MaxFCntGap       uint32
	C2DQueueSize     int
	FlushTimeout     time.Duration
	Workers          int
	ADR              adr.Config
	// DefaultDedup applies to devices whose twin does not choose a mode
	DefaultDedup models.DedupMode
}

func (o *Options) setDefaults() {
	if o.RXLeadTime <= 0 {
		o.RXLeadTime = 100 * time.Millisecond
	}
	if o.FCntSaveInterval == 0 {
		o.FCntSaveInterval = 10
	}
	if o.MaxFCntGap == 0 {
		o.MaxFCntGap = 16384
	}
	if o.C2DQueueSize <= 0 {
		o.C2DQueueSize = 16
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 5 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 64
	}
	if o.ADR == (adr.Config{}) {
		o.ADR = adr.DefaultConfig()
	}
}

// Deps are the collaborators of a Dispatcher. Telemetry and Pool are optional.
type Deps struct {
	Directory    directory.Client
	Cache        *devicecache.Cache
	Concentrator *dedup.ConcentratorDeduplication
	Sink         DownlinkSink
	Telemetry    Telemetry
	Pool         pond.Pool
}

// Dispatcher routes uplinks through validation, deduplication, ADR and
// downlink composition. Requests run independently on a worker pool.
type Dispatcher struct {
	opts Options

	dir          directory.Client
	cache        *devicecache.Cache
	concentrator *dedup.ConcentratorDeduplication
	gatewayDedup *dedup.GatewayDeduplication
	counters     *fcnt.Provider
	adr          *adr.Engine
	mac          *MACCommandHandler
	join         *JoinProcessor
	sink         DownlinkSink
	telemetry    Telemetry

	pool     pond.Pool
	ownsPool bool
	now      func() time.Time
}

// NewDispatcher wires a dispatcher
func NewDispatcher(opts Options, deps Deps) (*Dispatcher, error) {
	if opts.Region == nil {
		return nil, errors.New("dispatcher: region is required")
	}
	if deps.Directory == nil || deps.Cache == nil || deps.Sink == nil {
		return nil, errors.New("dispatcher: directory, cache and sink are required")
	}
	opts.setDefaults()

	engine, err := adr.NewEngine(opts.Region, opts.ADR)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		opts:         opts,
		dir:          deps.Directory,
		cache:        deps.Cache,
		concentrator: deps.Concentrator,
		gatewayDedup: dedup.NewGatewayDeduplication(deps.Directory, opts.InstanceID),
		counters:     fcnt.NewProvider(deps.Directory, opts.InstanceID),
		adr:          engine,
		mac:          NewMACCommandHandler(opts.Region),
		sink:         deps.Sink,
		telemetry:    deps.Telemetry,
		pool:         deps.Pool,
		now:          time.Now,
	}
	if d.concentrator == nil {
		d.concentrator = dedup.NewConcentratorDeduplication(dedup.DefaultWindow)
	}
	if d.telemetry == nil {
		d.telemetry = discardTelemetry{}
	}
	if d.pool == nil {
		d.pool = pond.NewPool(opts.Workers, pond.WithQueueSize(pond.Unbounded), pond.WithNonBlocking(true))
		d.ownsPool = true
	}
	d.join = newJoinProcessor(d)

	return d, nil
}

// Dispatch processes req asynchronously, completion is signalled on req
func (d *Dispatcher) Dispatch(req *models.IncomingRequest) {
	d.pool.Submit(func() {
		d.Process(context.Background(), req)
	})
}

// Close waits for in-flight requests when the dispatcher created its own pool
func (d *Dispatcher) Close() {
	if d.ownsPool {
		d.pool.StopAndWait()
	}
}

// Concentrator returns the concentrator deduplication in use
func (d *Dispatcher) Concentrator() *dedup.ConcentratorDeduplication {
	return d.concentrator
}

// Process runs one request to completion and completes it
func (d *Dispatcher) Process(ctx context.Context, req *models.IncomingRequest) models.Outcome {
	logger := log.With().
		Str("requestID", req.ID.String()).
		Str("station", req.Station).
		Logger()

	mtype := "Invalid"
	var out models.Outcome

	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(req.Payload); err != nil {
		out = models.Failed(models.ReasonInvalidFrame, err)
	} else {
		mtype = phy.MHDR.MType.String()
		logger.Debug().Str("mtype", mtype).Msg("Request classified")

		switch {
		case phy.MHDR.MType == lorawan.JoinRequest:
			out = d.join.Process(ctx, req, &phy)
		case phy.MHDR.MType.IsUplinkData():
			out = d.processData(ctx, logger, req, &phy)
		default:
			out = models.Failed(models.ReasonInvalidFrame,
				fmt.Errorf("%w: unexpected message type %s", lorawan.ErrInvalidFrame, mtype))
		}
	}

	req.Complete(out)

	metrics.UplinksTotal.WithLabelValues(mtype, out.Status.String(), string(out.Reason)).Inc()
	metrics.ProcessingDurationSeconds.WithLabelValues(mtype).Observe(d.now().Sub(req.Radio.Time).Seconds())

	ev := logger.Debug()
	if out.Status == models.StatusFailed {
		ev = logger.Warn().Err(out.Err)
	}
	ev.Str("mtype", mtype).
		Str("status", out.Status.String()).
		Str("reason", string(out.Reason)).
		Bool("downlink", out.Downlink != nil).
		Msg("Request completed")

	return out
}

type counterVerdict int

const (
	counterAccept counterVerdict = iota
	counterRetransmission
	counterReset
	counterReject
)

// classifyCounter checks the full uplink counter against the session
func (d *Dispatcher) classifyCounter(desired *models.DesiredProperties, st models.SessionState, full uint32, confirmed bool) counterVerdict {
	switch {
	case !st.HasUplink:
		return counterAccept
	case full > st.FCntUp && full-st.FCntUp <= d.opts.MaxFCntGap:
		return counterAccept
	case full == st.FCntUp && confirmed:
		return counterRetransmission
	case full <= 1 && desired.IsABP() && desired.RelaxMode():
		return counterReset
	}
	return counterReject
}

// uplinkUpdate is the uplink side of a session commit
type uplinkUpdate struct {
	fCnt        uint32
	counted     bool
	reset       bool
	table       models.ADRTable
	adrAccepted bool
	station     string
	radio       models.RadioMetadata
	seen        time.Time

	sentFCntDown *uint32
}

func (u uplinkUpdate) apply(s *models.SessionState) {
	if u.counted {
		s.FCntUp = u.fCnt
		s.HasUplink = true
	}
	if u.reset {
		s.FCntDown = 0
		s.LastFlushedUp = 0
	}
	s.DataRate = u.radio.DataRate
	if u.adrAccepted && s.ADR.HasLast {
		s.DataRate = s.ADR.Last.DataRate
		s.TxPower = s.ADR.Last.TxPower
		s.NbRep = s.ADR.Last.NbRep
	}
	s.ADR = u.table
	s.LastStation = u.station
	s.LastRadio = u.radio
	s.LastSeen = u.seen
	if u.sentFCntDown != nil {
		s.FCntDown = *u.sentFCntDown
	}
}

func (d *Dispatcher) processData(ctx context.Context, logger zerolog.Logger, req *models.IncomingRequest, phy *lorawan.PHYPayload) models.Outcome {
	region := d.opts.Region

	mac, err := phy.DecodeMACPayload()
	if err != nil {
		return models.Failed(models.ReasonInvalidFrame, err)
	}
	addr := mac.FHDR.DevAddr
	fCnt16 := mac.FHDR.FCnt
	confirmed := phy.MHDR.MType == lorawan.ConfirmedDataUp
	arrival := req.Radio.Time

	parent := ctx
	ctx, cancel := context.WithDeadline(parent, d.deadline(arrival, region.RX1Delay))
	defer cancel()

	var full uint32
	trial := func(key lorawan.AES128Key, last uint32) bool {
		counters := []uint32{lorawan.GetFullFCnt(last, fCnt16)}
		if fCnt16 <= 1 && counters[0] != uint32(fCnt16) {
			counters = append(counters, uint32(fCnt16))
		}
		for _, c := range counters {
			if ok, err := phy.ValidateUplinkDataMIC(c, key); err == nil && ok {
				full = c
				return true
			}
		}
		return false
	}

	session, err := d.cache.Resolve(ctx, addr, trial)
	if err != nil {
		switch {
		case errors.Is(err, devicecache.ErrNoCandidates):
			return models.Dropped(models.ReasonUnknownDevice)
		case errors.Is(err, devicecache.ErrMICMismatch):
			return models.Failed(models.ReasonInvalidMIC, err)
		case ctx.Err() != nil:
			return models.Failed(models.ReasonReceiveWindowMissed, err)
		}
		return models.Failed(models.ReasonApiCallFailed, err)
	}

	devEUI := session.DevEUI
	logger = logger.With().Str("devEUI", devEUI.String()).Uint32("fCnt", full).Logger()
	logger.Debug().Msg("Session resolved")

	st := session.State()
	if st.GatewayID != "" && st.GatewayID != d.opts.InstanceID {
		return models.Dropped(models.ReasonHandledByAnotherGateway)
	}

	rx1Delay := rxDelay(st.RXDelay, region)
	if rx1Delay > region.RX1Delay {
		ctx, cancel = context.WithDeadline(parent, d.deadline(arrival, rx1Delay))
		defer cancel()
	}

	verdict := d.classifyCounter(&session.Desired, st, full, confirmed)
	if verdict == counterReset {
		d.concentrator.Forget(devEUI)
	}
	if d.concentrator.IsDuplicate(req.Station, full, devEUI) {
		return models.Dropped(models.ReasonConcentratorDuplicate)
	}
	if verdict == counterReject {
		return models.Failed(models.ReasonInvalidFrameCounter,
			fmt.Errorf("frame counter %d not above %d", full, st.FCntUp))
	}

	if !session.TryAcquire() {
		return models.Dropped(models.ReasonDeviceBusy)
	}
	defer session.Release()

	// a rejoin replaced the session after it was resolved
	if session.Retired() {
		return models.Dropped(models.ReasonUnknownDevice)
	}

	// another request may have committed since the snapshot
	st = session.State()
	if verdict = d.classifyCounter(&session.Desired, st, full, confirmed); verdict == counterReject {
		return models.Failed(models.ReasonInvalidFrameCounter,
			fmt.Errorf("frame counter %d not above %d", full, st.FCntUp))
	}

	retransmission := verdict == counterRetransmission
	reset := verdict == counterReset
	if reset {
		logger.Info().Uint32("lastFCnt", st.FCntUp).Msg("ABP device reset, counters restarted")
	}

	duplicateMarked := false
	if !retransmission {
		res, err := d.gatewayDedup.Resolve(ctx, session.Desired.DedupModeOr(d.opts.DefaultDedup), devEUI, full, st.FCntDown)
		if err != nil {
			if ctx.Err() != nil {
				return models.Failed(models.ReasonReceiveWindowMissed, err)
			}
			return models.Failed(models.ReasonApiCallFailed, err)
		}
		if !res.CanProcess {
			return models.Dropped(models.ReasonGatewayDuplicate)
		}
		duplicateMarked = res.IsDuplicate
	}
	logger.Debug().Bool("duplicateMarked", duplicateMarked).Msg("Uplink deduplicated")

	var data []byte
	if mac.FPort != nil && len(mac.FRMPayload) > 0 {
		key := st.AppSKey
		if *mac.FPort == 0 {
			key = st.NwkSKey
		}
		data, err = lorawan.EncryptFRMPayload(key, addr, full, true, mac.FRMPayload)
		if err != nil {
			return models.Failed(models.ReasonInvalidFrame, err)
		}
	}

	history := st.ADR
	if reset {
		history = history.Clear()
	}

	up := uplinkUpdate{
		fCnt:    full,
		counted: !retransmission,
		reset:   reset,
		table:   history,
		station: req.Station,
		radio:   req.Radio,
		seen:    d.now(),
	}

	var macRes MACResult
	var rec *models.ADRRecommendation
	if !retransmission {
		macRes = d.mac.HandleUplink(devEUI, req.Radio, collectMACCommands(devEUI, mac.FHDR.FOpts, mac.FPort, data))
		up.adrAccepted = macRes.ADRAnswered && macRes.ADRAccepted

		up.table, rec = d.adr.Evaluate(history, adr.Input{
			FCnt:      full,
			SNR:       req.Radio.SNR,
			DataRate:  req.Radio.DataRate,
			TxPower:   st.TxPower,
			NbRep:     st.NbRep,
			ADR:       mac.FHDR.FCtrl.ADR,
			ADRACKReq: mac.FHDR.FCtrl.ADRACKReq,
		})
		if rec != nil {
			metrics.ADRChangesTotal.Inc()
			logger.Info().
				Int("dataRate", rec.DataRate).
				Int("txPower", rec.TxPower).
				Int("nbRep", rec.NbRep).
				Msg("ADR change requested")
		}
	}
	logger.Debug().Bool("adr", rec != nil).Msg("ADR evaluated")

	// on failure the ADR samples are kept but no new recommendation is recorded
	failed := up
	failed.table.Last, failed.table.HasLast = st.ADR.Last, st.ADR.HasLast

	forceFlush := reset || rec != nil || up.adrAccepted || fcnt.StrategyFor(st) == fcnt.MultiGateway
	finish := func(u uplinkUpdate, out models.Outcome, publish bool) models.Outcome {
		session.Commit(u.apply)
		d.flush(ctx, session, forceFlush)
		if publish && !retransmission {
			d.publishUplink(ctx, session, req, mac, full, data, confirmed, macRes.DevStatus, duplicateMarked)
		}
		out.DuplicateMarked = duplicateMarked
		return out
	}

	c2d, queued, hasC2D := session.PeekC2D()

	answers := macRes.Answers
	if rec != nil {
		answers = append(answers, d.adr.Command(*rec))
	}
	needDownlink := confirmed || len(answers) > 0 || mac.FHDR.FCtrl.ADRACKReq || hasC2D
	if !needDownlink {
		return finish(up, models.Completed(nil), true)
	}

	if ctx.Err() != nil {
		return finish(failed, models.Failed(models.ReasonReceiveWindowMissed, ctx.Err()), true)
	}

	rx1, rx2 := receiveWindows(region, req.Radio, st.RX1DROffset, st.RX2DataRate, rx1Delay)
	window := windowFor(st.PreferredWindow, rx1, arrival, d.now(), d.opts.RXLeadTime)
	dr := rx2.DataRate
	if window == models.RX1 {
		dr = rx1.DataRate
	}

	frame, sentC2D, err := d.composeFrame(dr, answers, c2d, queued, hasC2D)
	if err != nil {
		return finish(failed, models.Failed(models.ReasonDownlinkHandoffFailed, err), true)
	}
	frame.ack = confirmed
	frame.adr = mac.FHDR.FCtrl.ADR

	counterState := st
	if reset {
		counterState.FCntDown = 0
	}
	next, err := d.counters.Next(ctx, devEUI, counterState)
	if err != nil {
		if ctx.Err() != nil {
			return finish(failed, models.Failed(models.ReasonReceiveWindowMissed, err), true)
		}
		return models.Failed(models.ReasonApiCallFailed, err)
	}
	logger.Debug().Uint32("fCntDown", next).Msg("Downlink counter reserved")

	payload, err := encodeDataDownlink(st, next, frame)
	if err != nil {
		return finish(failed, models.Failed(models.ReasonDownlinkHandoffFailed, err), true)
	}

	dl := &models.DownlinkMessage{
		ID:              uuid.New(),
		DevEUI:          devEUI,
		DevAddr:         st.DevAddr,
		Station:         req.Station,
		Payload:         payload,
		FCntDown:        next,
		RX1:             rx1,
		RX2:             rx2,
		PreferredWindow: window,
		Tmst:            req.Radio.Tmst,
		Context:         req.Radio.Context,
		Antenna:         req.Radio.Antenna,
	}
	logger.Debug().Int("window", window).Int("size", len(payload)).Msg("Downlink composed")

	if err := d.sink.SendDownlink(ctx, dl); err != nil {
		reason := models.ReasonDownlinkHandoffFailed
		if ctx.Err() != nil {
			reason = models.ReasonReceiveWindowMissed
		}
		return finish(failed, models.Failed(reason, err), true)
	}
	metrics.DownlinksTotal.WithLabelValues(downlinkKind(sentC2D), windowLabel(window)).Inc()

	out := finish(withDownlinkCounter(up, next), models.Completed(dl), true)
	if sentC2D {
		session.RemoveC2D(c2d.ID)
	}
	return out
}

// withDownlinkCounter makes the commit also record the counter of a sent downlink
func withDownlinkCounter(u uplinkUpdate, fCntDown uint32) uplinkUpdate {
	u.sentFCntDown = &fCntDown
	return u
}

// composeFrame lays out MAC answers and a pending cloud-to-device message.
// Answers over the FOpts limit move to FPort 0 and defer the message; a
// message that does not fit the window data rate stays queued.
func (d *Dispatcher) composeFrame(dr int, answers []lorawan.MACCommand, c2d models.CloudToDeviceMessage, queued int, hasC2D bool) (dataFrame, bool, error) {
	var f dataFrame
	macBytes, err := lorawan.EncodeMACCommands(answers)
	if err != nil {
		return f, false, err
	}

	if len(macBytes) > lorawan.MaxFOptsLen {
		port := uint8(0)
		f.fPort = &port
		f.frmPayload = macBytes
		f.fPending = hasC2D
		if !fitsDataRate(d.opts.Region, dr, f) {
			return f, false, fmt.Errorf("MAC answers of %d bytes exceed DR%d", len(macBytes), dr)
		}
		return f, false, nil
	}
	f.fOpts = macBytes

	if !hasC2D {
		return f, false, nil
	}

	withMsg := f
	port := c2d.FPort
	withMsg.fPort = &port
	withMsg.frmPayload = c2d.Payload
	withMsg.confirmed = c2d.Confirmed
	withMsg.fPending = queued > 1
	if fitsDataRate(d.opts.Region, dr, withMsg) {
		return withMsg, true, nil
	}

	f.fPending = true
	return f, false, nil
}

// fitsDataRate reports whether the MACPayload of f fits the region limit for dr
func fitsDataRate(region *lorawan.RegionConfiguration, dr int, f dataFrame) bool {
	limit := region.MaxPayloadSize(dr)
	if limit == 0 {
		return true
	}
	size := 7 + len(f.fOpts)
	if f.fPort != nil {
		size += 1 + len(f.frmPayload)
	}
	return size <= limit
}

// deadline is the last moment a downlink can still reach RX2
func (d *Dispatcher) deadline(arrival time.Time, rx1Delay time.Duration) time.Time {
	return arrival.Add(rx1Delay + time.Second - d.opts.RXLeadTime)
}

// flush persists the pending reported delta. Unless forced it waits until
// the uplink counter advanced by the save interval. Failures keep the
// session dirty so the next request retries.
func (d *Dispatcher) flush(ctx context.Context, session *models.DeviceSession, force bool) {
	if !session.Dirty() {
		return
	}
	delta, snap := session.PendingDelta()
	if delta.IsEmpty() {
		return
	}
	if !force && snap.FCntUp-snap.LastFlushedUp < d.opts.FCntSaveInterval {
		return
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.FlushTimeout)
	defer cancel()

	if err := d.dir.UpdateReportedProperties(fctx, session.DevEUI, delta); err != nil {
		log.Warn().
			Err(err).
			Str("devEUI", session.DevEUI.String()).
			Msg("Failed to flush reported properties")
		return
	}
	session.MarkFlushed(snap)
}

func (d *Dispatcher) publishUplink(ctx context.Context, session *models.DeviceSession, req *models.IncomingRequest, mac *lorawan.MACPayload, full uint32, data []byte, confirmed bool, devStatus *lorawan.DevStatus, duplicateMarked bool) {
	ev := &models.UplinkEvent{
		ID:              req.ID,
		DevEUI:          session.DevEUI,
		DevAddr:         mac.FHDR.DevAddr,
		AppEUI:          session.Desired.AppEUI,
		Station:         req.Station,
		FCnt:            full,
		FPort:           mac.FPort,
		Confirmed:       confirmed,
		ADR:             mac.FHDR.FCtrl.ADR,
		DataRate:        req.Radio.DataRate,
		Frequency:       req.Radio.Frequency,
		RSSI:            req.Radio.RSSI,
		SNR:             req.Radio.SNR,
		DuplicateMarked: duplicateMarked,
		DevStatus:       devStatus,
		ReceivedAt:      req.Radio.Time,
	}
	if mac.FPort != nil && *mac.FPort > 0 {
		ev.Data = data
		ev.Object = decodeSensor(session.Desired.SensorDecoder, *mac.FPort, data)
	}

	if err := d.telemetry.PublishUplink(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn().
			Err(err).
			Str("devEUI", session.DevEUI.String()).
			Msg("Failed to publish uplink")
	}
}

func downlinkKind(c2d bool) string {
	if c2d {
		return "c2d"
	}
	return "data"
}

func windowLabel(window int) string {
	if window == models.RX1 {
		return "rx1"
	}
	return "rx2"
}
