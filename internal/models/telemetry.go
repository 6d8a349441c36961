package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// UplinkEvent is forwarded to integrations for every accepted uplink
type UplinkEvent struct {
	ID        uuid.UUID       `json:"id"`
	DevEUI    lorawan.EUI64   `json:"devEUI"`
	DevAddr   lorawan.DevAddr `json:"devAddr"`
	AppEUI    *lorawan.EUI64  `json:"appEUI,omitempty"`
	Station   string          `json:"station"`
	FCnt      uint32          `json:"fCnt"`
	FPort     *uint8          `json:"fPort,omitempty"`
	Data      []byte          `json:"data,omitempty"`
	Object    Variables       `json:"object,omitempty"`
	Confirmed bool            `json:"confirmed"`
	ADR       bool            `json:"adr"`

	DataRate  int     `json:"dr"`
	Frequency uint32  `json:"frequency"`
	RSSI      float64 `json:"rssi"`
	SNR       float64 `json:"snr"`

	// DuplicateMarked is set when another instance already accepted the uplink
	DuplicateMarked bool               `json:"dupMarked,omitempty"`
	DevStatus       *lorawan.DevStatus `json:"devStatus,omitempty"`
	ReceivedAt      time.Time          `json:"receivedAt"`
}

// JoinEvent is forwarded to integrations after a successful join
type JoinEvent struct {
	ID      uuid.UUID       `json:"id"`
	DevEUI  lorawan.EUI64   `json:"devEUI"`
	DevAddr lorawan.DevAddr `json:"devAddr"`
	AppEUI  lorawan.EUI64   `json:"appEUI"`
	Station string          `json:"station"`
	Time    time.Time       `json:"time"`
}
