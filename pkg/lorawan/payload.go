package lorawan

import (
	"crypto/aes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInvalidFrame is returned for payloads that cannot be decoded
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrInvalidMIC is returned when a message integrity check fails
	ErrInvalidMIC = errors.New("invalid MIC")
)

// MaxFOptsLen is the size limit of the FOpts field
const MaxFOptsLen = 15

// SetUplinkDataMIC calculates and sets the LoRaWAN 1.0 uplink MIC for the given full counter
func (p *PHYPayload) SetUplinkDataMIC(fCntUp uint32, nwkSKey AES128Key) error {
	mic, err := p.dataMIC(0x00, fCntUp, nwkSKey)
	if err != nil {
		return err
	}
	p.MIC = mic
	return nil
}

// SetDownlinkDataMIC calculates and sets the downlink MIC
func (p *PHYPayload) SetDownlinkDataMIC(fCntDown uint32, nwkSKey AES128Key) error {
	mic, err := p.dataMIC(0x01, fCntDown, nwkSKey)
	if err != nil {
		return err
	}
	p.MIC = mic
	return nil
}

// ValidateUplinkDataMIC validates the uplink MIC for the given full counter
func (p *PHYPayload) ValidateUplinkDataMIC(fCntUp uint32, nwkSKey AES128Key) (bool, error) {
	mic, err := p.dataMIC(0x00, fCntUp, nwkSKey)
	if err != nil {
		return false, err
	}
	return mic == p.MIC, nil
}

func (p *PHYPayload) dataMIC(dir byte, fCnt uint32, key AES128Key) ([4]byte, error) {
	if len(p.MACPayload) < 7 {
		return [4]byte{}, fmt.Errorf("%w: MACPayload too short", ErrInvalidFrame)
	}

	// B0 block
	b0 := make([]byte, 16, 16+1+len(p.MACPayload))
	b0[0] = 0x49
	b0[5] = dir
	// DevAddr is already in wire order inside the MACPayload
	copy(b0[6:10], p.MACPayload[0:4])
	binary.LittleEndian.PutUint32(b0[10:14], fCnt)
	b0[15] = byte(1 + len(p.MACPayload))

	msg := append(b0, p.MHDR.Byte())
	msg = append(msg, p.MACPayload...)

	mic, err := CalculateMIC(key[:], msg)
	if err != nil {
		return mic, fmt.Errorf("calculate MIC: %w", err)
	}
	return mic, nil
}

// ValidateUplinkJoinMIC validates JOIN REQUEST MIC
func (p *PHYPayload) ValidateUplinkJoinMIC(appKey AES128Key) (bool, error) {
	// MIC = aes128_cmac(AppKey, MHDR | JoinEUI | DevEUI | DevNonce)
	expected, err := CalculateMIC(appKey[:], p.headerAndPayload())
	if err != nil {
		return false, fmt.Errorf("calculate JOIN REQUEST MIC: %w", err)
	}
	return expected == p.MIC, nil
}

// SetUplinkJoinMIC sets the JOIN REQUEST MIC
func (p *PHYPayload) SetUplinkJoinMIC(appKey AES128Key) error {
	mic, err := CalculateMIC(appKey[:], p.headerAndPayload())
	if err != nil {
		return fmt.Errorf("calculate JOIN REQUEST MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

func (p *PHYPayload) headerAndPayload() []byte {
	data := make([]byte, 0, 1+len(p.MACPayload))
	data = append(data, p.MHDR.Byte())
	return append(data, p.MACPayload...)
}

// UnmarshalBinary unmarshals PHYPayload from binary
func (p *PHYPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("%w: PHYPayload too short: %d bytes", ErrInvalidFrame, len(data))
	}

	p.MHDR.MType = MType((data[0] >> 5) & 0x07)
	p.MHDR.Major = Major(data[0] & 0x03)
	if p.MHDR.Major != LoRaWAN1_0 {
		return fmt.Errorf("%w: unsupported major version %d", ErrInvalidFrame, p.MHDR.Major)
	}

	p.MACPayload = make([]byte, len(data)-5)
	copy(p.MACPayload, data[1:len(data)-4])
	copy(p.MIC[:], data[len(data)-4:])

	return nil
}

// MarshalBinary marshals PHYPayload to binary
func (p *PHYPayload) MarshalBinary() ([]byte, error) {
	data := p.headerAndPayload()

	// an encrypted JOIN ACCEPT already carries its MIC inside the MACPayload
	if p.MHDR.MType != JoinAccept {
		data = append(data, p.MIC[:]...)
	}

	return data, nil
}

// DecodeMACPayload decodes the MACPayload of a data frame
func (p *PHYPayload) DecodeMACPayload() (*MACPayload, error) {
	var uplink bool
	switch p.MHDR.MType {
	case UnconfirmedDataUp, ConfirmedDataUp:
		uplink = true
	case UnconfirmedDataDown, ConfirmedDataDown:
	default:
		return nil, fmt.Errorf("%w: %s has no MACPayload", ErrInvalidFrame, p.MHDR.MType)
	}

	mac := &MACPayload{}
	if err := mac.Unmarshal(p.MACPayload, uplink); err != nil {
		return nil, err
	}
	return mac, nil
}

// GetFullFCnt gets full frame counter from 16-bit value
func GetFullFCnt(fCntUp uint32, fCnt uint16) uint32 {
	upperBits := fCntUp & 0xFFFF0000

	// Check for rollover
	if uint16(fCntUp) > fCnt && (uint16(fCntUp)-fCnt) > 0x8000 {
		upperBits += 0x10000
	}

	return upperBits | uint32(fCnt)
}

// EncryptFRMPayload encrypts/decrypts FRM payload
func EncryptFRMPayload(key AES128Key, devAddr DevAddr, fCnt uint32, uplink bool, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}

	k := (len(payload) + 15) / 16

	// Ai blocks
	ai := make([]byte, 16)
	ai[0] = 0x01
	if !uplink {
		ai[5] = 0x01
	}
	putDevAddr(ai[6:10], devAddr)
	binary.LittleEndian.PutUint32(ai[10:14], fCnt)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	s := make([]byte, 16*k)
	for i := 0; i < k; i++ {
		ai[15] = byte(i + 1)
		block.Encrypt(s[i*16:(i+1)*16], ai)
	}

	encrypted := make([]byte, len(payload))
	for i := range payload {
		encrypted[i] = payload[i] ^ s[i]
	}

	return encrypted, nil
}

// Marshal marshals MACPayload
func (m *MACPayload) Marshal(isUplink bool) ([]byte, error) {
	if len(m.FHDR.FOpts) > MaxFOptsLen {
		return nil, fmt.Errorf("%w: FOpts exceed %d bytes", ErrInvalidFrame, MaxFOptsLen)
	}
	if m.FPort == nil && len(m.FRMPayload) > 0 {
		return nil, fmt.Errorf("%w: FRMPayload without FPort", ErrInvalidFrame)
	}

	data := make([]byte, 4, 8+len(m.FHDR.FOpts)+len(m.FRMPayload))
	putDevAddr(data[0:4], m.FHDR.DevAddr)

	fctrl := byte(0)
	if m.FHDR.FCtrl.ADR {
		fctrl |= 0x80
	}
	if isUplink {
		if m.FHDR.FCtrl.ADRACKReq {
			fctrl |= 0x40
		}
		if m.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if m.FHDR.FCtrl.ClassB {
			fctrl |= 0x10
		}
	} else {
		if m.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if m.FHDR.FCtrl.FPending {
			fctrl |= 0x10
		}
	}
	fctrl |= byte(len(m.FHDR.FOpts)) & 0x0F
	data = append(data, fctrl)

	data = append(data, byte(m.FHDR.FCnt), byte(m.FHDR.FCnt>>8))
	data = append(data, m.FHDR.FOpts...)

	// FRMPayload only present if FPort is present
	if m.FPort != nil {
		data = append(data, *m.FPort)
		data = append(data, m.FRMPayload...)
	}

	return data, nil
}

// Unmarshal unmarshals MACPayload
func (m *MACPayload) Unmarshal(data []byte, isUplink bool) error {
	if len(data) < 7 {
		return fmt.Errorf("%w: MACPayload too short: %d bytes", ErrInvalidFrame, len(data))
	}

	pos := 0

	m.FHDR.DevAddr = getDevAddr(data[pos : pos+4])
	pos += 4

	fctrl := data[pos]
	m.FHDR.FCtrl = FCtrl{ADR: fctrl&0x80 != 0}
	if isUplink {
		m.FHDR.FCtrl.ADRACKReq = fctrl&0x40 != 0
		m.FHDR.FCtrl.ACK = fctrl&0x20 != 0
		m.FHDR.FCtrl.ClassB = fctrl&0x10 != 0
	} else {
		m.FHDR.FCtrl.ACK = fctrl&0x20 != 0
		m.FHDR.FCtrl.FPending = fctrl&0x10 != 0
	}
	foptsLen := int(fctrl & 0x0F)
	pos++

	m.FHDR.FCnt = binary.LittleEndian.Uint16(data[pos : pos+2])
	pos += 2

	m.FHDR.FOpts = nil
	if foptsLen > 0 {
		if pos+foptsLen > len(data) {
			return fmt.Errorf("%w: invalid FOpts length", ErrInvalidFrame)
		}
		m.FHDR.FOpts = data[pos : pos+foptsLen]
		pos += foptsLen
	}

	m.FPort = nil
	m.FRMPayload = nil
	if pos < len(data) {
		fport := data[pos]
		m.FPort = &fport
		pos++

		if pos < len(data) {
			m.FRMPayload = data[pos:]
		}
		if fport == 0 && foptsLen > 0 {
			return fmt.Errorf("%w: MAC commands in both FOpts and FRMPayload", ErrInvalidFrame)
		}
	}

	return nil
}

// UnmarshalBinary decodes a join request MACPayload
func (j *JoinRequestPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 18 {
		return fmt.Errorf("%w: invalid JoinRequest length: expected 18, got %d", ErrInvalidFrame, len(data))
	}

	copyReversed(j.JoinEUI[:], data[0:8])
	copyReversed(j.DevEUI[:], data[8:16])
	copy(j.DevNonce[:], data[16:18])

	return nil
}

// MarshalBinary encodes a join request MACPayload
func (j *JoinRequestPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 18)
	copyReversed(data[0:8], j.JoinEUI[:])
	copyReversed(data[8:16], j.DevEUI[:])
	copy(data[16:18], j.DevNonce[:])
	return data, nil
}

// MarshalBinary encodes a join accept MACPayload
func (j *JoinAcceptPayload) MarshalBinary() ([]byte, error) {
	if len(j.CFList) != 0 && len(j.CFList) != 16 {
		return nil, fmt.Errorf("%w: CFList must be 16 bytes", ErrInvalidFrame)
	}

	data := make([]byte, 12+len(j.CFList))
	copy(data[0:3], j.JoinNonce[:])
	copyReversed(data[3:6], j.NetID[:])
	putDevAddr(data[6:10], j.DevAddr)
	data[10] = (j.DLSettings.RX1DROffset&0x07)<<4 | j.DLSettings.RX2DataRate&0x0F
	data[11] = j.RxDelay
	copy(data[12:], j.CFList)

	return data, nil
}

// UnmarshalBinary decodes a join accept MACPayload
func (j *JoinAcceptPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 12 && len(data) != 28 {
		return fmt.Errorf("%w: invalid JoinAccept length %d", ErrInvalidFrame, len(data))
	}

	copy(j.JoinNonce[:], data[0:3])
	copyReversed(j.NetID[:], data[3:6])
	j.DevAddr = getDevAddr(data[6:10])
	j.DLSettings.RX1DROffset = (data[10] >> 4) & 0x07
	j.DLSettings.RX2DataRate = data[10] & 0x0F
	j.RxDelay = data[11]

	j.CFList = nil
	if len(data) > 12 {
		j.CFList = make([]byte, len(data)-12)
		copy(j.CFList, data[12:])
	}

	return nil
}

// CalculateMIC returns the first four bytes of the AES-CMAC of data
func CalculateMIC(key []byte, data []byte) ([4]byte, error) {
	var mic [4]byte
	hash, err := aesCMAC(key, data)
	if err != nil {
		return mic, err
	}
	copy(mic[:], hash[0:4])
	return mic, nil
}

// SetJoinAcceptMIC sets the MIC for Join Accept message
func (p *PHYPayload) SetJoinAcceptMIC(key AES128Key) error {
	// MIC = aes128_cmac(AppKey, MHDR | JoinAccept)
	mic, err := CalculateMIC(key[:], p.headerAndPayload())
	if err != nil {
		return fmt.Errorf("calculate JOIN ACCEPT MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// EncryptJoinAcceptPayload encrypts MACPayload | MIC in place.
// The join accept is encrypted with the AES decrypt operation so the
// device only needs the encrypt primitive.
func (p *PHYPayload) EncryptJoinAcceptPayload(key AES128Key) error {
	plaintext := make([]byte, len(p.MACPayload)+4)
	copy(plaintext, p.MACPayload)
	copy(plaintext[len(p.MACPayload):], p.MIC[:])

	ciphertext, err := aesECBDecrypt(key[:], plaintext)
	if err != nil {
		return fmt.Errorf("encrypt JOIN ACCEPT: %w", err)
	}

	p.MACPayload = ciphertext
	return nil
}

func aesECBDecrypt(key []byte, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid data length for AES ECB: %d", len(data))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}

	return out, nil
}

func putDevAddr(dst []byte, addr DevAddr) {
	copyReversed(dst, addr[:])
}

func getDevAddr(src []byte) DevAddr {
	var addr DevAddr
	copyReversed(addr[:], src)
	return addr
}

func copyReversed(dst, src []byte) {
	for i := range src {
		dst[len(src)-1-i] = src[i]
	}
}
