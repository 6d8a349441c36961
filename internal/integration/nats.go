package integration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// NATSConn is the publishing side of *nats.Conn
type NATSConn interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher publishes events on application.<appEUI>.device.<devEUI>.<event>
type NATSPublisher struct {
	conn NATSConn
}

func NewNATSPublisher(conn NATSConn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

func (p *NATSPublisher) PublishUplink(ctx context.Context, ev *models.UplinkEvent) error {
	return p.publish(ctx, applicationSubject(ev.AppEUI, ev.DevEUI, "rx"), ev)
}

func (p *NATSPublisher) PublishJoin(ctx context.Context, ev *models.JoinEvent) error {
	appEUI := ev.AppEUI
	return p.publish(ctx, applicationSubject(&appEUI, ev.DevEUI, "join"), ev)
}

func (p *NATSPublisher) publish(ctx context.Context, subject string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	log.Debug().
		Str("subject", subject).
		Int("size", len(data)).
		Msg("Event published to NATS")
	return nil
}

func applicationSubject(appEUI *lorawan.EUI64, devEUI lorawan.EUI64, event string) string {
	app := "unknown"
	if appEUI != nil {
		app = appEUI.String()
	}
	return fmt.Sprintf("application.%s.device.%s.%s", app, devEUI, event)
}
