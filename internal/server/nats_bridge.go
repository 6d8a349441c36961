package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/internal/network"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

const (
	subjectGatewayRX   = "gateway.*.rx"
	subjectDeviceTX    = "ns.device.*.tx"
	subjectControlRoot = "ns.control."
)

// Conn is the part of *nats.Conn the bridge uses
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Ingress accepts decoded uplinks
type Ingress interface {
	Dispatch(req *models.IncomingRequest)
}

// Control runs operator commands
type Control interface {
	ResetCache() network.ControlResult
	CloseConnection(ctx context.Context, devEUI lorawan.EUI64) network.ControlResult
	SendCloudToDevice(ctx context.Context, devEUI lorawan.EUI64, req network.CloudToDeviceRequest) (network.ControlResult, error)
}

// BridgeOptions configures a NATSBridge
type BridgeOptions struct {
	// TxPower is the EIRP in dBm written into every txpk
	TxPower        int
	ControlTimeout time.Duration
}

// NATSBridge connects the dispatcher to the packet forwarders. Uplinks arrive
// as rxpk JSON on gateway.<id>.rx, downlinks leave as txpk JSON on
// gateway.<id>.tx. It also serves control requests.
type NATSBridge struct {
	conn   Conn
	region *lorawan.RegionConfiguration
	opts   BridgeOptions

	mu   sync.Mutex
	subs []*nats.Subscription

	ingress Ingress
	control Control
}

// NewNATSBridge creates a bridge. It publishes downlinks right away, uplinks
// are consumed once Start is called.
func NewNATSBridge(conn Conn, region *lorawan.RegionConfiguration, opts BridgeOptions) *NATSBridge {
	if opts.TxPower == 0 {
		opts.TxPower = 14
	}
	if opts.ControlTimeout <= 0 {
		opts.ControlTimeout = 5 * time.Second
	}
	return &NATSBridge{
		conn:   conn,
		region: region,
		opts:   opts,
	}
}

// Start subscribes and blocks until ctx is done
func (b *NATSBridge) Start(ctx context.Context, ingress Ingress, control Control) error {
	b.ingress = ingress
	b.control = control

	handlers := map[string]nats.MsgHandler{
		subjectGatewayRX:         b.handleGatewayRX,
		subjectDeviceTX:          b.handleDeviceTX,
		subjectControlRoot + "*": b.handleControl,
	}
	for subject, handler := range handlers {
		sub, err := b.conn.Subscribe(subject, handler)
		if err != nil {
			b.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
	}

	log.Info().
		Int("subscriptions", len(handlers)).
		Msg("NATS bridge started")

	<-ctx.Done()
	b.unsubscribe()
	return nil
}

func (b *NATSBridge) unsubscribe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Debug().Err(err).Str("subject", sub.Subject).Msg("Unsubscribe failed")
		}
	}
	b.subs = nil
}

type rxpk struct {
	Time string  `json:"time,omitempty"`
	Tmst uint32  `json:"tmst"`
	Chan int     `json:"chan"`
	RFCh int     `json:"rfch"`
	Freq float64 `json:"freq"`
	Stat int     `json:"stat"`
	Modu string  `json:"modu"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr"`
	RSSI float64 `json:"rssi"`
	LSNR float64 `json:"lsnr"`
	Size int     `json:"size"`
	Data string  `json:"data"`
	Ant  int     `json:"ant,omitempty"`
}

type rxMessage struct {
	GatewayID string          `json:"gatewayID"`
	RXPK      rxpk            `json:"rxpk"`
	Context   json.RawMessage `json:"context,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type txpk struct {
	Imme bool    `json:"imme"`
	Tmst *uint32 `json:"tmst,omitempty"`
	RFCh int     `json:"rfch"`
	Powe int     `json:"powe"`
	Ant  int     `json:"ant"`
	Freq float64 `json:"freq"`
	Modu string  `json:"modu"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr"`
	IPol bool    `json:"ipol"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

type txMessage struct {
	ID        string          `json:"id"`
	GatewayID string          `json:"gatewayID"`
	DevEUI    string          `json:"devEUI"`
	TXPK      txpk            `json:"txpk"`
	Context   json.RawMessage `json:"context,omitempty"`
}

var errCRC = errors.New("rxpk failed CRC check")

func (b *NATSBridge) handleGatewayRX(msg *nats.Msg) {
	req, err := decodeRX(b.region, msg.Subject, msg.Data)
	if err != nil {
		log.Warn().
			Err(err).
			Str("subject", msg.Subject).
			Msg("Dropping gateway uplink")
		return
	}

	log.Debug().
		Str("requestID", req.ID.String()).
		Str("station", req.Station).
		Int("dr", req.Radio.DataRate).
		Uint32("frequency", req.Radio.Frequency).
		Msg("Gateway uplink received")
	b.ingress.Dispatch(req)
}

// decodeRX turns one gateway.<id>.rx message into a request
func decodeRX(region *lorawan.RegionConfiguration, subject string, data []byte) (*models.IncomingRequest, error) {
	var rx rxMessage
	if err := json.Unmarshal(data, &rx); err != nil {
		return nil, fmt.Errorf("decode rx message: %w", err)
	}
	if rx.RXPK.Stat < 0 {
		return nil, errCRC
	}

	station := rx.GatewayID
	if station == "" {
		station = subjectToken(subject, 1)
	}
	if station == "" {
		return nil, errors.New("rx message has no gateway id")
	}

	payload, err := base64.StdEncoding.DecodeString(rx.RXPK.Data)
	if err != nil {
		return nil, fmt.Errorf("decode rxpk data: %w", err)
	}
	if len(payload) == 0 {
		return nil, errors.New("empty rxpk data")
	}

	dr, err := region.DataRateIndex(rx.RXPK.Datr)
	if err != nil {
		return nil, err
	}

	radio := models.RadioMetadata{
		DataRate:  dr,
		Frequency: uint32(math.Round(rx.RXPK.Freq * 1e6)),
		SNR:       rx.RXPK.LSNR,
		RSSI:      rx.RXPK.RSSI,
		Tmst:      rx.RXPK.Tmst,
		Channel:   rx.RXPK.Chan,
		RFChain:   rx.RXPK.RFCh,
		Antenna:   rx.RXPK.Ant,
		Context:   rx.Context,
	}
	return models.NewIncomingRequest(station, payload, radio), nil
}

// SendDownlink publishes dl as txpk to the station it is addressed to
func (b *NATSBridge) SendDownlink(ctx context.Context, dl *models.DownlinkMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := encodeTX(dl, b.opts.TxPower)
	if err != nil {
		return err
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal txpk: %w", err)
	}

	subject := fmt.Sprintf("gateway.%s.tx", dl.Station)
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	log.Debug().
		Str("subject", subject).
		Str("devEUI", dl.DevEUI.String()).
		Uint32("fCntDown", dl.FCntDown).
		Str("datr", tx.TXPK.Datr).
		Float64("freq", tx.TXPK.Freq).
		Msg("Downlink published")
	return nil
}

// encodeTX builds the txpk for the preferred window of dl
func encodeTX(dl *models.DownlinkMessage, txPower int) (txMessage, error) {
	if dl.Station == "" {
		return txMessage{}, errors.New("downlink has no station")
	}
	window := dl.Window()
	if window == nil {
		return txMessage{}, errors.New("downlink has no receive window")
	}

	pk := txpk{
		Imme: dl.Immediate,
		RFCh: 0,
		Powe: txPower,
		Ant:  dl.Antenna,
		Freq: float64(window.Frequency) / 1e6,
		Modu: "LORA",
		Datr: window.DataRateName,
		Codr: "4/5",
		IPol: true,
		Size: len(dl.Payload),
		Data: base64.StdEncoding.EncodeToString(dl.Payload),
	}
	if !dl.Immediate {
		// concentrator counter in microseconds, wraps with uint32
		tmst := dl.Tmst + uint32(window.Delay/time.Microsecond)
		pk.Tmst = &tmst
	}

	return txMessage{
		ID:        dl.ID.String(),
		GatewayID: dl.Station,
		DevEUI:    dl.DevEUI.String(),
		TXPK:      pk,
		Context:   dl.Context,
	}, nil
}

type downlinkRequest struct {
	DevEUI    *lorawan.EUI64 `json:"devEUI,omitempty"`
	FPort     uint8          `json:"fPort"`
	Data      []byte         `json:"data"`
	Confirmed bool           `json:"confirmed"`
}

// controlReply carries the control status, or "Error" when the operation
// could not complete
type controlReply struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func resultReply(res network.ControlResult) controlReply {
	return controlReply{Status: res.Status.String(), Message: res.Message}
}

func badRequestReply(format string, args ...any) controlReply {
	return resultReply(network.ControlResult{Status: network.ControlBadRequest, Message: fmt.Sprintf(format, args...)})
}

// handleDeviceTX queues application downlinks published on ns.device.<devEUI>.tx
func (b *NATSBridge) handleDeviceTX(msg *nats.Msg) {
	devEUI, err := lorawan.ParseEUI64(subjectToken(msg.Subject, 2))
	if err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("Invalid downlink subject")
		return
	}
	reply := b.sendDownlink(devEUI, msg.Data)
	if msg.Reply != "" {
		b.reply(msg.Reply, reply)
	}
}

// handleControl serves ns.control.reset, ns.control.close and ns.control.downlink
func (b *NATSBridge) handleControl(msg *nats.Msg) {
	op := strings.TrimPrefix(msg.Subject, subjectControlRoot)

	var reply controlReply
	switch op {
	case "reset":
		reply = resultReply(b.control.ResetCache())
	case "close":
		var req downlinkRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.DevEUI == nil {
			reply = badRequestReply("devEUI is required")
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.ControlTimeout)
		reply = resultReply(b.control.CloseConnection(ctx, *req.DevEUI))
		cancel()
	case "downlink":
		var req downlinkRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.DevEUI == nil {
			reply = badRequestReply("devEUI is required")
			break
		}
		reply = b.sendDownlink(*req.DevEUI, msg.Data)
	default:
		reply = badRequestReply("unknown operation %q", op)
	}

	log.Info().
		Str("op", op).
		Str("status", reply.Status).
		Str("message", reply.Message).
		Msg("Control request handled")

	if msg.Reply != "" {
		b.reply(msg.Reply, reply)
	}
}

func (b *NATSBridge) sendDownlink(devEUI lorawan.EUI64, data []byte) controlReply {
	var req downlinkRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return badRequestReply("invalid downlink request: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.ControlTimeout)
	defer cancel()

	res, err := b.control.SendCloudToDevice(ctx, devEUI, network.CloudToDeviceRequest{
		FPort:     req.FPort,
		Payload:   req.Data,
		Confirmed: req.Confirmed,
	})
	if err != nil {
		log.Error().Err(err).Str("devEUI", devEUI.String()).Msg("Cloud to device send failed")
		return controlReply{Status: "Error", Message: err.Error()}
	}
	return resultReply(res)
}

func (b *NATSBridge) reply(subject string, reply controlReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal control reply")
		return
	}
	if err := b.conn.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to publish control reply")
	}
}

func subjectToken(subject string, i int) string {
	parts := strings.Split(subject, ".")
	if i < len(parts) {
		return parts[i]
	}
	return ""
}
