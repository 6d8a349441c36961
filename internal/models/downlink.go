package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// ReceiveWindow holds the transmit parameters of one receive window
type ReceiveWindow struct {
	DataRate     int           `json:"dataRate"`
	DataRateName string        `json:"datr"`
	Frequency    uint32        `json:"frequency"`
	Delay        time.Duration `json:"delay"`
}

// DownlinkMessage is a frame ready for the transport
type DownlinkMessage struct {
	ID       uuid.UUID       `json:"id"`
	DevEUI   lorawan.EUI64   `json:"devEUI"`
	DevAddr  lorawan.DevAddr `json:"devAddr"`
	Station  string          `json:"station"`
	Payload  []byte          `json:"payload"`
	FCntDown uint32          `json:"fCntDown"`

	RX1             *ReceiveWindow `json:"rx1,omitempty"`
	RX2             *ReceiveWindow `json:"rx2,omitempty"`
	PreferredWindow int            `json:"preferredWindow"`

	// Tmst is the concentrator timestamp of the uplink the windows are relative to
	Tmst      uint32          `json:"tmst"`
	Context   json.RawMessage `json:"context,omitempty"`
	Antenna   int             `json:"antenna"`
	Priority  int             `json:"priority"`
	Immediate bool            `json:"immediate"`
}

// Window returns the window the transport should try first
func (d *DownlinkMessage) Window() *ReceiveWindow {
	if d.PreferredWindow == RX1 && d.RX1 != nil {
		return d.RX1
	}
	if d.RX2 != nil {
		return d.RX2
	}
	return d.RX1
}
