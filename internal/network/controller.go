package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/directory"
	"github.com/lorawan-server/lorawan-ns-core/internal/fcnt"
	"github.com/lorawan-server/lorawan-ns-core/internal/metrics"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// ControlStatus is the result class of a control operation
type ControlStatus int

const (
	ControlSucceeded ControlStatus = iota
	ControlNotFound
	ControlBadRequest
)

func (s ControlStatus) String() string {
	switch s {
	case ControlSucceeded:
		return "Succeeded"
	case ControlNotFound:
		return "NotFound"
	default:
		return "BadRequest"
	}
}

func (s ControlStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ControlStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Succeeded":
		*s = ControlSucceeded
	case "NotFound":
		*s = ControlNotFound
	case "BadRequest":
		*s = ControlBadRequest
	default:
		return fmt.Errorf("unknown control status %q", text)
	}
	return nil
}

// ControlResult is returned by control operations
type ControlResult struct {
	Status  ControlStatus `json:"status"`
	Message string        `json:"message,omitempty"`
}

func succeeded(format string, args ...any) ControlResult {
	return ControlResult{Status: ControlSucceeded, Message: fmt.Sprintf(format, args...)}
}

func notFound(devEUI lorawan.EUI64) ControlResult {
	return ControlResult{Status: ControlNotFound, Message: fmt.Sprintf("device %s not found", devEUI)}
}

func badRequest(format string, args ...any) ControlResult {
	return ControlResult{Status: ControlBadRequest, Message: fmt.Sprintf(format, args...)}
}

// CloudToDeviceRequest is an application downlink submitted by an operator
type CloudToDeviceRequest struct {
	FPort     uint8
	Payload   []byte
	Confirmed bool
}

// Controller exposes the operator control operations of a dispatcher
type Controller struct {
	d *Dispatcher
}

// NewController creates a controller for d
func NewController(d *Dispatcher) *Controller {
	return &Controller{d: d}
}

// ResetCache drops every cached session and concentrator entry. The directory is not touched.
func (c *Controller) ResetCache() ControlResult {
	n := c.d.cache.Len()
	c.d.cache.Reset()
	c.d.concentrator.Reset()

	log.Info().Int("sessions", n).Msg("Device cache reset")
	return succeeded("%d sessions dropped", n)
}

// CloseConnection flushes the pending state of a cached device and evicts it
func (c *Controller) CloseConnection(ctx context.Context, devEUI lorawan.EUI64) ControlResult {
	session, ok := c.d.cache.GetByDevEUI(devEUI)
	if !ok {
		return notFound(devEUI)
	}

	c.d.flush(ctx, session, true)
	if session.Dirty() {
		log.Warn().Str("devEUI", devEUI.String()).Msg("Closing device with unflushed state")
	}

	c.d.cache.Remove(devEUI)
	c.d.concentrator.Forget(devEUI)

	log.Info().Str("devEUI", devEUI.String()).Msg("Device connection closed")
	return succeeded("device %s closed", devEUI)
}

// SendCloudToDevice queues a downlink for a class A device, class C devices
// seen before get it right away on RX2. The error is set for directory or
// transport failures.
func (c *Controller) SendCloudToDevice(ctx context.Context, devEUI lorawan.EUI64, req CloudToDeviceRequest) (ControlResult, error) {
	if req.FPort < 1 || req.FPort > 223 {
		return badRequest("fPort %d outside 1..223", req.FPort), nil
	}
	if limit := c.maxPayload(); len(req.Payload) > limit {
		return badRequest("payload of %d bytes exceeds %d", len(req.Payload), limit), nil
	}

	session, ok := c.d.cache.GetByDevEUI(devEUI)
	if !ok {
		var err error
		session, err = c.d.cache.LoadByDevEUI(ctx, devEUI)
		if errors.Is(err, directory.ErrNotFound) {
			return notFound(devEUI), nil
		}
		if err != nil {
			return ControlResult{}, err
		}
	}

	msg := models.CloudToDeviceMessage{
		ID:        uuid.New(),
		FPort:     req.FPort,
		Payload:   req.Payload,
		Confirmed: req.Confirmed,
	}

	if session.Desired.ClassType == models.ClassC && session.State().LastStation != "" && session.TryAcquire() {
		defer session.Release()
		dl, err := c.sendImmediate(ctx, session, msg)
		if err != nil {
			return ControlResult{}, err
		}
		if dl == nil {
			return badRequest("payload does not fit the RX2 data rate"), nil
		}
		return succeeded("sent as %s with fCntDown %d", dl.ID, dl.FCntDown), nil
	}

	if !session.EnqueueC2D(msg, c.d.opts.C2DQueueSize) {
		return badRequest("downlink queue of device %s is full", devEUI), nil
	}
	log.Debug().
		Str("devEUI", devEUI.String()).
		Str("id", msg.ID.String()).
		Msg("Cloud to device message queued")
	return succeeded("queued as %s", msg.ID), nil
}

// sendImmediate transmits msg on RX2 through the station that heard the
// device last. It returns nil when the payload does not fit.
func (c *Controller) sendImmediate(ctx context.Context, session *models.DeviceSession, msg models.CloudToDeviceMessage) (*models.DownlinkMessage, error) {
	d := c.d
	region := d.opts.Region
	st := session.State()

	port := msg.FPort
	frame := dataFrame{
		confirmed:  msg.Confirmed,
		fPort:      &port,
		frmPayload: msg.Payload,
	}
	if !fitsDataRate(region, st.RX2DataRate, frame) {
		return nil, nil
	}

	next, err := d.counters.Next(ctx, session.DevEUI, st)
	if err != nil {
		return nil, err
	}
	payload, err := encodeDataDownlink(st, next, frame)
	if err != nil {
		return nil, err
	}

	dl := &models.DownlinkMessage{
		ID:       msg.ID,
		DevEUI:   session.DevEUI,
		DevAddr:  st.DevAddr,
		Station:  st.LastStation,
		Payload:  payload,
		FCntDown: next,
		RX2: &models.ReceiveWindow{
			DataRate:     st.RX2DataRate,
			DataRateName: region.DataRateName(st.RX2DataRate),
			Frequency:    region.DefaultRX2Freq,
		},
		PreferredWindow: models.RX2,
		Context:         st.LastRadio.Context,
		Antenna:         st.LastRadio.Antenna,
		Immediate:       true,
	}
	if err := d.sink.SendDownlink(ctx, dl); err != nil {
		return nil, fmt.Errorf("hand off downlink: %w", err)
	}
	metrics.DownlinksTotal.WithLabelValues("c2d", windowLabel(models.RX2)).Inc()

	session.Commit(func(s *models.SessionState) {
		s.FCntDown = next
	})
	d.flush(ctx, session, fcnt.StrategyFor(st) == fcnt.MultiGateway)
	return dl, nil
}

// maxPayload is the largest application payload any downlink data rate carries
func (c *Controller) maxPayload() int {
	limit := 0
	for _, size := range c.d.opts.Region.MaxPayloadSizePerDR {
		if size > limit {
			limit = size
		}
	}
	// FHDR without options and FPort
	return limit - 8
}
