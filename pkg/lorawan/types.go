package lorawan

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// EUI64 represents an 8-byte Extended Unique Identifier
type EUI64 [8]byte

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// MarshalText implements encoding.TextMarshaler
func (e EUI64) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (e *EUI64) UnmarshalText(text []byte) error {
	return decodeHexInto(e[:], string(text), "EUI64")
}

// ParseEUI64 parses a hex EUI, dashes and colons are ignored
func ParseEUI64(s string) (EUI64, error) {
	var e EUI64
	err := e.UnmarshalText([]byte(s))
	return e, err
}

// DevAddr represents a 4-byte device address.
// The array holds the address in the big-endian order it is printed in,
// the wire format is little-endian.
type DevAddr [4]byte

// String returns hex string representation
func (d DevAddr) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalText implements encoding.TextMarshaler
func (d DevAddr) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *DevAddr) UnmarshalText(text []byte) error {
	return decodeHexInto(d[:], string(text), "DevAddr")
}

// ParseDevAddr parses a hex device address
func ParseDevAddr(s string) (DevAddr, error) {
	var d DevAddr
	err := d.UnmarshalText([]byte(s))
	return d, err
}

// Uint32 returns the address as an integer
func (d DevAddr) Uint32() uint32 {
	return binary.BigEndian.Uint32(d[:])
}

// NwkID returns the 7 bit network identifier encoded in the address
func (d DevAddr) NwkID() byte {
	return d[0] >> 1
}

// NewDevAddr builds an address from the NwkID of netID and the low 25 bits of nwkAddr
func NewDevAddr(netID NetID, nwkAddr uint32) DevAddr {
	var d DevAddr
	v := uint32(netID.NwkID())<<25 | nwkAddr&0x01FFFFFF
	binary.BigEndian.PutUint32(d[:], v)
	return d
}

// NetID is the 3 byte network identifier
type NetID [3]byte

// String returns hex string representation
func (n NetID) String() string {
	return hex.EncodeToString(n[:])
}

// MarshalText implements encoding.TextMarshaler
func (n NetID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (n *NetID) UnmarshalText(text []byte) error {
	return decodeHexInto(n[:], string(text), "NetID")
}

// ParseNetID parses a hex NetID
func ParseNetID(s string) (NetID, error) {
	var n NetID
	err := n.UnmarshalText([]byte(s))
	return n, err
}

// NwkID returns the 7 LSB of the NetID
func (n NetID) NwkID() byte {
	return n[2] & 0x7F
}

// AES128Key represents a 128-bit AES key
type AES128Key [16]byte

// String returns hex string representation
func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}

// MarshalText implements encoding.TextMarshaler
func (k AES128Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *AES128Key) UnmarshalText(text []byte) error {
	return decodeHexInto(k[:], string(text), "AES128Key")
}

// ParseAES128Key parses a hex key
func ParseAES128Key(s string) (AES128Key, error) {
	var k AES128Key
	err := k.UnmarshalText([]byte(s))
	return k, err
}

// IsZero reports whether the key is unset
func (k AES128Key) IsZero() bool {
	return k == AES128Key{}
}

func decodeHexInto(dst []byte, s, name string) error {
	s = strings.NewReplacer("-", "", ":", "").Replace(strings.TrimSpace(s))
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("invalid %s length: expected %d bytes, got %d", name, len(dst), len(b))
	}
	copy(dst, b)
	return nil
}

// MType represents the message type
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RFU
	Proprietary
)

// String returns the message type name
func (m MType) String() string {
	switch m {
	case JoinRequest:
		return "JoinRequest"
	case JoinAccept:
		return "JoinAccept"
	case UnconfirmedDataUp:
		return "UnconfirmedDataUp"
	case UnconfirmedDataDown:
		return "UnconfirmedDataDown"
	case ConfirmedDataUp:
		return "ConfirmedDataUp"
	case ConfirmedDataDown:
		return "ConfirmedDataDown"
	case Proprietary:
		return "Proprietary"
	default:
		return "RFU"
	}
}

// IsUplinkData reports whether the type carries uplink application data
func (m MType) IsUplinkData() bool {
	return m == UnconfirmedDataUp || m == ConfirmedDataUp
}

// Major represents the LoRaWAN major version
type Major byte

const (
	LoRaWAN1_0 Major = 0
)

// PHYPayload represents the physical payload
type PHYPayload struct {
	MHDR       MHDR
	MACPayload []byte
	MIC        [4]byte
}

// MHDR represents the MAC header
type MHDR struct {
	MType MType
	Major Major
}

// Byte returns the encoded header
func (h MHDR) Byte() byte {
	return byte(h.MType<<5) | byte(h.Major)
}

// MACPayload represents the MAC payload
type MACPayload struct {
	FHDR       FHDR
	FPort      *uint8
	FRMPayload []byte
}

// FHDR represents the frame header
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint16
	FOpts   []byte
}

// FCtrl represents the frame control byte
type FCtrl struct {
	ADR       bool
	ADRACKReq bool
	ACK       bool
	ClassB    bool
	FPending  bool
}

// JoinRequestPayload represents join request
type JoinRequestPayload struct {
	JoinEUI  EUI64
	DevEUI   EUI64
	DevNonce [2]byte
}

// DevNonceValue returns the nonce as transmitted (little-endian)
func (j JoinRequestPayload) DevNonceValue() uint16 {
	return binary.LittleEndian.Uint16(j.DevNonce[:])
}

// JoinAcceptPayload represents join accept
type JoinAcceptPayload struct {
	JoinNonce  [3]byte
	NetID      NetID
	DevAddr    DevAddr
	DLSettings DLSettings
	RxDelay    uint8
	CFList     []byte
}

// DLSettings represents downlink settings
type DLSettings struct {
	RX1DROffset uint8
	RX2DataRate uint8
}
