package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// DefaultTopicPattern is used when MQTTConfig.TopicPattern is empty
const DefaultTopicPattern = "lorawan/{app_eui}/devices/{dev_eui}/{event}"

var errPublishTimeout = errors.New("mqtt publish timed out")

// MQTTConfig configures the MQTT sink
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// TopicPattern supports {app_eui}, {dev_eui}, {dev_addr} and {event}
	TopicPattern   string
	QoS            byte
	PublishTimeout time.Duration
}

// MQTTPublisher publishes events to an MQTT broker
type MQTTPublisher struct {
	client mqtt.Client
	cfg    MQTTConfig
}

// NewMQTTPublisher connects to the broker
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.BrokerURL).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect %s: timed out", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.BrokerURL, err)
	}
	return newMQTTPublisher(client, cfg), nil
}

func newMQTTPublisher(client mqtt.Client, cfg MQTTConfig) *MQTTPublisher {
	if cfg.TopicPattern == "" {
		cfg.TopicPattern = DefaultTopicPattern
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &MQTTPublisher{client: client, cfg: cfg}
}

func (p *MQTTPublisher) PublishUplink(ctx context.Context, ev *models.UplinkEvent) error {
	return p.publish(ctx, p.topic(ev.AppEUI, ev.DevEUI, ev.DevAddr, "up"), ev)
}

func (p *MQTTPublisher) PublishJoin(ctx context.Context, ev *models.JoinEvent) error {
	appEUI := ev.AppEUI
	return p.publish(ctx, p.topic(&appEUI, ev.DevEUI, ev.DevAddr, "join"), ev)
}

func (p *MQTTPublisher) topic(appEUI *lorawan.EUI64, devEUI lorawan.EUI64, devAddr lorawan.DevAddr, event string) string {
	app := "unknown"
	if appEUI != nil {
		app = appEUI.String()
	}
	r := strings.NewReplacer(
		"{app_eui}", app,
		"{dev_eui}", devEUI.String(),
		"{dev_addr}", devAddr.String(),
		"{event}", event,
	)
	return r.Replace(p.cfg.TopicPattern)
}

func (p *MQTTPublisher) publish(ctx context.Context, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	timeout := p.cfg.PublishTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}

	token := p.client.Publish(topic, p.cfg.QoS, false, data)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%s: %w", topic, errPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	log.Debug().
		Str("topic", topic).
		Int("size", len(data)).
		Msg("Event published to MQTT")
	return nil
}

// Close disconnects from the broker
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
