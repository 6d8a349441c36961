package directory

import (
	"context"
	"errors"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// ErrNotFound is returned when the directory has no record for a device
var ErrNotFound = errors.New("device not found")

// DeviceInfo is a directory search hit
type DeviceInfo struct {
	DevEUI    lorawan.EUI64     `json:"devEUI"`
	DevAddr   lorawan.DevAddr   `json:"devAddr"`
	NwkSKey   lorawan.AES128Key `json:"nwkSKey"`
	GatewayID string            `json:"gatewayID,omitempty"`
}

// JoinSearchResult is the answer to SearchAndLockForJoin
type JoinSearchResult struct {
	Devices               []DeviceInfo `json:"devices"`
	IsDevNonceAlreadyUsed bool         `json:"isDevNonceAlreadyUsed"`
}

// DuplicateResult is the answer to CheckDuplicateMessage
type DuplicateResult struct {
	IsDuplicate bool `json:"isDuplicate"`
	// GatewayID is the instance that accepted the message first
	GatewayID string `json:"gatewayID,omitempty"`
}

// Client is the backend device directory
type Client interface {
	SearchBySessionAddress(ctx context.Context, devAddr lorawan.DevAddr) ([]DeviceInfo, error)
	// SearchAndLockForJoin atomically claims devNonce for the device
	SearchAndLockForJoin(ctx context.Context, instanceID string, devEUI, appEUI lorawan.EUI64, devNonce uint16) (*JoinSearchResult, error)
	GetTwin(ctx context.Context, devEUI lorawan.EUI64) (*models.Twin, error)
	UpdateReportedProperties(ctx context.Context, devEUI lorawan.EUI64, delta models.ReportedProperties) error
	// NextFCntDown reserves a downlink counter strictly above current and every earlier reservation
	NextFCntDown(ctx context.Context, devEUI lorawan.EUI64, current, delta uint32, instanceID string) (uint32, error)
	CheckDuplicateMessage(ctx context.Context, devEUI lorawan.EUI64, fCntUp uint32, instanceID string, fCntDown uint32) (*DuplicateResult, error)
}
