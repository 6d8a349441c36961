package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
)

// FrameLog records uplink and join telemetry in the database
type FrameLog struct {
	store *PostgresStore
}

// NewFrameLog creates a frame log on store
func NewFrameLog(store *PostgresStore) *FrameLog {
	return &FrameLog{store: store}
}

// PublishUplink creates an uplink frame record
func (f *FrameLog) PublishUplink(ctx context.Context, evt *models.UplinkEvent) error {
	id := evt.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	receivedAt := evt.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	query := `
		INSERT INTO uplink_frames (
			id, dev_eui, dev_addr, station, f_cnt, f_port, dr, frequency,
			rssi, snr, adr, confirmed, dup_marked, data, object, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	var fPort interface{}
	if evt.FPort != nil {
		fPort = int(*evt.FPort)
	}

	_, err := f.store.getDB().ExecContext(ctx, query,
		id, evt.DevEUI[:], evt.DevAddr[:], evt.Station, int64(evt.FCnt), fPort,
		evt.DataRate, int64(evt.Frequency), evt.RSSI, evt.SNR, evt.ADR,
		evt.Confirmed, evt.DuplicateMarked, evt.Data, evt.Object, receivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert uplink frame: %w", err)
	}
	return nil
}

// PublishJoin creates a join event record
func (f *FrameLog) PublishJoin(ctx context.Context, evt *models.JoinEvent) error {
	_, err := f.store.getDB().ExecContext(ctx, `
		INSERT INTO join_events (id, dev_eui, dev_addr, app_eui, station, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		evt.ID, evt.DevEUI[:], evt.DevAddr[:], evt.AppEUI[:], evt.Station, evt.Time,
	)
	if err != nil {
		return fmt.Errorf("insert join event: %w", err)
	}
	return nil
}
