package models

import (
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// DesiredProperties is the operator controlled part of a device twin.
// Sessions hold it as an immutable snapshot.
type DesiredProperties struct {
	AppEUI  *lorawan.EUI64     `json:"appEUI,omitempty"`
	AppKey  *lorawan.AES128Key `json:"appKey,omitempty"`
	NwkSKey *lorawan.AES128Key `json:"nwkSKey,omitempty"`
	AppSKey *lorawan.AES128Key `json:"appSKey,omitempty"`
	DevAddr *lorawan.DevAddr   `json:"devAddr,omitempty"`

	// GatewayID pins the device to one network server instance
	GatewayID     string `json:"gatewayID,omitempty"`
	SensorDecoder string `json:"sensorDecoder,omitempty"`

	RX1DROffset     *int `json:"rx1DROffset,omitempty"`
	RX2DataRate     *int `json:"rx2DataRate,omitempty"`
	RXDelay         *int `json:"rxDelay,omitempty"`
	PreferredWindow int  `json:"preferredWindow,omitempty"`

	Deduplication *DedupMode `json:"deduplication,omitempty"`
	ClassType     ClassType  `json:"classType,omitempty"`
	ABPRelaxMode  *bool      `json:"abpRelaxMode,omitempty"`
}

// IsABP reports whether the device is provisioned with session keys
func (d *DesiredProperties) IsABP() bool {
	return d.NwkSKey != nil && d.AppSKey != nil && d.DevAddr != nil
}

// RelaxMode reports whether ABP counter resets are accepted, enabled unless disabled explicitly
func (d *DesiredProperties) RelaxMode() bool {
	return d.ABPRelaxMode == nil || *d.ABPRelaxMode
}

// DedupModeOr returns the deduplication mode of the device, def when unset
func (d *DesiredProperties) DedupModeOr(def DedupMode) DedupMode {
	if d.Deduplication == nil {
		return def
	}
	return *d.Deduplication
}

// Window returns the preferred receive window
func (d *DesiredProperties) Window() int {
	if d.PreferredWindow == RX2 {
		return RX2
	}
	return RX1
}

// ReportedProperties is the state the network server writes back.
// Only non-nil fields are written, so the same type serves as update delta.
type ReportedProperties struct {
	DevAddr  *lorawan.DevAddr   `json:"devAddr,omitempty"`
	NwkSKey  *lorawan.AES128Key `json:"nwkSKey,omitempty"`
	AppSKey  *lorawan.AES128Key `json:"appSKey,omitempty"`
	NetID    *lorawan.NetID     `json:"netID,omitempty"`
	DevNonce *uint16            `json:"devNonce,omitempty"`

	FCntUp   *uint32 `json:"fCntUp,omitempty"`
	FCntDown *uint32 `json:"fCntDown,omitempty"`

	DataRate *int `json:"dataRate,omitempty"`
	TxPower  *int `json:"txPower,omitempty"`
	NbRep    *int `json:"nbRep,omitempty"`

	RX1DROffset     *int    `json:"rx1DROffset,omitempty"`
	RX2DataRate     *int    `json:"rx2DataRate,omitempty"`
	RXDelay         *int    `json:"rxDelay,omitempty"`
	PreferredWindow *int    `json:"preferredWindow,omitempty"`
	LastStation     *string `json:"lastProcessingStation,omitempty"`
}

// IsEmpty reports whether the delta carries no field
func (r ReportedProperties) IsEmpty() bool {
	return r == ReportedProperties{}
}

// Merge copies every field set in delta
func (r *ReportedProperties) Merge(delta ReportedProperties) {
	merge(&r.DevAddr, delta.DevAddr)
	merge(&r.NwkSKey, delta.NwkSKey)
	merge(&r.AppSKey, delta.AppSKey)
	merge(&r.NetID, delta.NetID)
	merge(&r.DevNonce, delta.DevNonce)
	merge(&r.FCntUp, delta.FCntUp)
	merge(&r.FCntDown, delta.FCntDown)
	merge(&r.DataRate, delta.DataRate)
	merge(&r.TxPower, delta.TxPower)
	merge(&r.NbRep, delta.NbRep)
	merge(&r.RX1DROffset, delta.RX1DROffset)
	merge(&r.RX2DataRate, delta.RX2DataRate)
	merge(&r.RXDelay, delta.RXDelay)
	merge(&r.PreferredWindow, delta.PreferredWindow)
	merge(&r.LastStation, delta.LastStation)
}

func merge[T any](dst **T, src *T) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

// Twin is the directory's per device configuration document
type Twin struct {
	DevEUI   lorawan.EUI64      `json:"devEUI"`
	Desired  DesiredProperties  `json:"desired"`
	Reported ReportedProperties `json:"reported"`
}
