package lorawan

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// MACCommand represents a MAC command
type MACCommand struct {
	CID     byte
	Payload []byte
}

// MAC command identifiers
const (
	LinkCheckReq     byte = 0x02
	LinkCheckAns     byte = 0x02
	LinkADRReq       byte = 0x03
	LinkADRAns       byte = 0x03
	DutyCycleReq     byte = 0x04
	DutyCycleAns     byte = 0x04
	RXParamSetupReq  byte = 0x05
	RXParamSetupAns  byte = 0x05
	DevStatusReq     byte = 0x06
	DevStatusAns     byte = 0x06
	NewChannelReq    byte = 0x07
	NewChannelAns    byte = 0x07
	RXTimingSetupReq byte = 0x08
	RXTimingSetupAns byte = 0x08
	TxParamSetupReq  byte = 0x09
	TxParamSetupAns  byte = 0x09
	DlChannelReq     byte = 0x0A
	DlChannelAns     byte = 0x0A
	DeviceTimeReq    byte = 0x0D
	DeviceTimeAns    byte = 0x0D
)

// ParseMACCommands parses MAC commands from bytes
func ParseMACCommands(uplink bool, data []byte) ([]MACCommand, error) {
	var commands []MACCommand

	for i := 0; i < len(data); {
		cmd := MACCommand{CID: data[i]}
		i++

		payloadLen := getMACCommandPayloadLength(uplink, cmd.CID)
		if payloadLen < 0 {
			return commands, fmt.Errorf("unknown MAC command: %02x", cmd.CID)
		}

		if i+payloadLen > len(data) {
			return commands, fmt.Errorf("insufficient data for MAC command %02x", cmd.CID)
		}

		cmd.Payload = data[i : i+payloadLen]
		i += payloadLen

		commands = append(commands, cmd)
	}

	return commands, nil
}

// getMACCommandPayloadLength returns the payload length for a MAC command
func getMACCommandPayloadLength(uplink bool, cid byte) int {
	if uplink {
		switch cid {
		case LinkCheckReq, DutyCycleAns, RXTimingSetupAns, TxParamSetupAns, DeviceTimeReq:
			return 0
		case LinkADRAns, RXParamSetupAns, NewChannelAns, DlChannelAns:
			return 1
		case DevStatusAns:
			return 2
		default:
			return -1
		}
	}

	switch cid {
	case DevStatusReq:
		return 0
	case DutyCycleReq, RXTimingSetupReq, TxParamSetupReq:
		return 1
	case LinkCheckAns:
		return 2
	case LinkADRReq, RXParamSetupReq, DlChannelReq:
		return 4
	case NewChannelReq, DeviceTimeAns:
		return 5
	default:
		return -1
	}
}

// EncodeMACCommands encodes MAC commands to bytes
func EncodeMACCommands(commands []MACCommand) ([]byte, error) {
	var data []byte

	for _, cmd := range commands {
		if l := getMACCommandPayloadLength(false, cmd.CID); l >= 0 && l != len(cmd.Payload) {
			return nil, fmt.Errorf("MAC command %02x: expected %d payload bytes, got %d", cmd.CID, l, len(cmd.Payload))
		}
		data = append(data, cmd.CID)
		data = append(data, cmd.Payload...)
	}

	return data, nil
}

// NewLinkCheckAns answers a LinkCheckReq
func NewLinkCheckAns(margin float64, gwCnt int) MACCommand {
	m := math.Max(0, math.Min(254, math.Floor(margin)))
	return MACCommand{CID: LinkCheckAns, Payload: []byte{byte(m), byte(min(gwCnt, 255))}}
}

// NewLinkADRReq builds a LinkADRReq
func NewLinkADRReq(dataRate, txPower uint8, chMask uint16, chMaskCntl, nbRep uint8) MACCommand {
	p := make([]byte, 4)
	p[0] = (dataRate&0x0F)<<4 | txPower&0x0F
	binary.LittleEndian.PutUint16(p[1:3], chMask)
	p[3] = (chMaskCntl&0x07)<<4 | nbRep&0x0F
	return MACCommand{CID: LinkADRReq, Payload: p}
}

// LinkADRAnsStatus is the decoded LinkADRAns status byte
type LinkADRAnsStatus struct {
	PowerACK       bool
	DataRateACK    bool
	ChannelMaskACK bool
}

// Accepted reports whether the device applied the whole request
func (s LinkADRAnsStatus) Accepted() bool {
	return s.PowerACK && s.DataRateACK && s.ChannelMaskACK
}

// ParseLinkADRAns decodes a LinkADRAns payload
func ParseLinkADRAns(payload []byte) (LinkADRAnsStatus, error) {
	if len(payload) != 1 {
		return LinkADRAnsStatus{}, fmt.Errorf("invalid LinkADRAns length %d", len(payload))
	}
	return LinkADRAnsStatus{
		PowerACK:       payload[0]&0x04 != 0,
		DataRateACK:    payload[0]&0x02 != 0,
		ChannelMaskACK: payload[0]&0x01 != 0,
	}, nil
}

// DevStatus is the decoded DevStatusAns payload
type DevStatus struct {
	Battery uint8
	Margin  int8
}

// ParseDevStatusAns decodes a DevStatusAns payload
func ParseDevStatusAns(payload []byte) (DevStatus, error) {
	if len(payload) != 2 {
		return DevStatus{}, fmt.Errorf("invalid DevStatusAns length %d", len(payload))
	}
	margin := int8(payload[1]<<2) >> 2 // 6 bit signed
	return DevStatus{Battery: payload[0], Margin: margin}, nil
}

var gpsEpoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// gpsLeapSeconds is the GPS-UTC offset since 2017-01-01
const gpsLeapSeconds = 18

// NewDeviceTimeAns answers a DeviceTimeReq with t as GPS time
func NewDeviceTimeAns(t time.Time) MACCommand {
	d := t.Sub(gpsEpoch) + gpsLeapSeconds*time.Second
	secs := uint32(d / time.Second)
	frac := byte((d % time.Second) * 256 / time.Second)

	p := make([]byte, 5)
	binary.LittleEndian.PutUint32(p[0:4], secs)
	p[4] = frac
	return MACCommand{CID: DeviceTimeAns, Payload: p}
}
