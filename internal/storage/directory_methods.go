package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lorawan-server/lorawan-ns-core/internal/directory"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

var _ directory.Client = (*PostgresStore)(nil)

// ========== Device Directory Methods ==========

func (s *PostgresStore) scanTwin(row interface{ Scan(...interface{}) error }) (*models.Twin, error) {
	var (
		devEUI            []byte
		desired, reported string
	)
	if err := row.Scan(&devEUI, &desired, &reported); err != nil {
		return nil, err
	}

	twin := &models.Twin{}
	copy(twin.DevEUI[:], devEUI)
	if err := s.codec.decode(desired, &twin.Desired); err != nil {
		return nil, err
	}
	if err := s.codec.decode(reported, &twin.Reported); err != nil {
		return nil, err
	}
	return twin, nil
}

// SearchBySessionAddress lists the devices using devAddr
func (s *PostgresStore) SearchBySessionAddress(ctx context.Context, devAddr lorawan.DevAddr) ([]directory.DeviceInfo, error) {
	rows, err := s.getDB().QueryContext(ctx,
		"SELECT dev_eui, desired, reported FROM devices WHERE dev_addr = $1",
		devAddr[:],
	)
	if err != nil {
		return nil, fmt.Errorf("search devAddr %s: %w", devAddr, err)
	}
	defer rows.Close()

	var devices []directory.DeviceInfo
	for rows.Next() {
		twin, err := s.scanTwin(rows)
		if err != nil {
			return nil, err
		}
		if info, ok := deviceInfo(twin); ok && info.DevAddr == devAddr {
			devices = append(devices, info)
		}
	}
	return devices, rows.Err()
}

// SearchAndLockForJoin claims devNonce, a nonce can be claimed once per device
func (s *PostgresStore) SearchAndLockForJoin(ctx context.Context, instanceID string, devEUI, appEUI lorawan.EUI64, devNonce uint16) (*directory.JoinSearchResult, error) {
	res := &directory.JoinSearchResult{}

	err := s.withTx(ctx, func(tx *PostgresStore) error {
		twin, err := tx.scanTwin(tx.getDB().QueryRowContext(ctx,
			"SELECT dev_eui, desired, reported FROM devices WHERE dev_eui = $1 FOR UPDATE",
			devEUI[:],
		))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		result, err := tx.getDB().ExecContext(ctx, `
			INSERT INTO join_nonces (dev_eui, dev_nonce, gateway_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (dev_eui, dev_nonce) DO NOTHING`,
			devEUI[:], int(devNonce), instanceID,
		)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			res.IsDevNonceAlreadyUsed = true
			return nil
		}

		res.Devices = []directory.DeviceInfo{{DevEUI: twin.DevEUI, GatewayID: twin.Desired.GatewayID}}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("join search %s: %w", devEUI, err)
	}
	return res, nil
}

// GetTwin loads the device twin
func (s *PostgresStore) GetTwin(ctx context.Context, devEUI lorawan.EUI64) (*models.Twin, error) {
	twin, err := s.scanTwin(s.getDB().QueryRowContext(ctx,
		"SELECT dev_eui, desired, reported FROM devices WHERE dev_eui = $1",
		devEUI[:],
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get twin %s: %w", devEUI, err)
	}
	return twin, nil
}

// UpdateReportedProperties merges delta into the stored reported document
func (s *PostgresStore) UpdateReportedProperties(ctx context.Context, devEUI lorawan.EUI64, delta models.ReportedProperties) error {
	err := s.withTx(ctx, func(tx *PostgresStore) error {
		twin, err := tx.scanTwin(tx.getDB().QueryRowContext(ctx,
			"SELECT dev_eui, desired, reported FROM devices WHERE dev_eui = $1 FOR UPDATE",
			devEUI[:],
		))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		twin.Reported.Merge(delta)
		reported, err := tx.codec.encode(twin.Reported)
		if err != nil {
			return err
		}

		var devAddr []byte
		if twin.Reported.DevAddr != nil {
			devAddr = twin.Reported.DevAddr[:]
		} else if twin.Desired.DevAddr != nil {
			devAddr = twin.Desired.DevAddr[:]
		}
		var fCntDown int64
		if delta.FCntDown != nil {
			fCntDown = int64(*delta.FCntDown)
		}

		_, err = tx.getDB().ExecContext(ctx, `
			UPDATE devices SET
				reported = $2,
				dev_addr = $3,
				f_cnt_down = GREATEST(f_cnt_down, $4),
				updated_at = NOW()
			WHERE dev_eui = $1`,
			devEUI[:], reported, devAddr, fCntDown,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("update reported %s: %w", devEUI, err)
	}
	return nil
}

// NextFCntDown reserves max(stored, current) + delta
func (s *PostgresStore) NextFCntDown(ctx context.Context, devEUI lorawan.EUI64, current, delta uint32, instanceID string) (uint32, error) {
	if delta == 0 {
		delta = 1
	}
	var next int64
	err := s.getDB().QueryRowContext(ctx, `
		UPDATE devices SET
			f_cnt_down = GREATEST(f_cnt_down, $2) + $3,
			updated_at = NOW()
		WHERE dev_eui = $1
		RETURNING f_cnt_down`,
		devEUI[:], int64(current), int64(delta),
	).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("next fcnt down %s: %w", devEUI, err)
	}
	return uint32(next), nil
}

// CheckDuplicateMessage claims the uplink for instanceID and reports the first
// claimer. Claims are scoped to the device's current session address, so a
// rejoined device restarting at counter 0 never collides with the old session.
func (s *PostgresStore) CheckDuplicateMessage(ctx context.Context, devEUI lorawan.EUI64, fCntUp uint32, instanceID string, fCntDown uint32) (*directory.DuplicateResult, error) {
	var owner string
	err := s.getDB().QueryRowContext(ctx, `
		INSERT INTO uplink_claims (dev_eui, dev_addr, f_cnt_up, gateway_id, f_cnt_down)
		VALUES ($1, COALESCE((SELECT dev_addr FROM devices WHERE dev_eui = $1), ''::bytea), $2, $3, $4)
		ON CONFLICT (dev_eui, dev_addr, f_cnt_up) DO UPDATE SET dev_eui = EXCLUDED.dev_eui
		RETURNING gateway_id`,
		devEUI[:], int64(fCntUp), instanceID, int64(fCntDown),
	).Scan(&owner)
	if err != nil {
		return nil, fmt.Errorf("duplicate check %s: %w", devEUI, err)
	}
	return &directory.DuplicateResult{IsDuplicate: owner != instanceID, GatewayID: owner}, nil
}
