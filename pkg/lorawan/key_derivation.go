package lorawan

import (
	"crypto/aes"
	"fmt"
)

// DeriveSessionKeys10 derives session keys according to LoRaWAN 1.0.x
func DeriveSessionKeys10(appKey AES128Key, appNonce [3]byte, netID NetID, devNonce [2]byte) (nwkSKey, appSKey AES128Key, err error) {
	block, err := aes.NewCipher(appKey[:])
	if err != nil {
		return nwkSKey, appSKey, err
	}

	// 0x01 | AppNonce | NetID | DevNonce | pad16 for the NwkSKey, 0x02 for the AppSKey
	msg := make([]byte, 16)
	copy(msg[1:4], appNonce[:])
	copyReversed(msg[4:7], netID[:])
	copy(msg[7:9], devNonce[:])

	msg[0] = 0x01
	block.Encrypt(nwkSKey[:], msg)
	msg[0] = 0x02
	block.Encrypt(appSKey[:], msg)

	return nwkSKey, appSKey, nil
}

// EncryptJoinAccept builds the encrypted join accept PHYPayload
func EncryptJoinAccept(appKey AES128Key, ja *JoinAcceptPayload) ([]byte, error) {
	mac, err := ja.MarshalBinary()
	if err != nil {
		return nil, err
	}

	phy := PHYPayload{
		MHDR:       MHDR{MType: JoinAccept, Major: LoRaWAN1_0},
		MACPayload: mac,
	}
	if err := phy.SetJoinAcceptMIC(appKey); err != nil {
		return nil, err
	}
	if err := phy.EncryptJoinAcceptPayload(appKey); err != nil {
		return nil, err
	}
	return phy.MarshalBinary()
}

// DecryptJoinAccept reverses EncryptJoinAccept the way a device does and checks the MIC
func DecryptJoinAccept(appKey AES128Key, data []byte) (*JoinAcceptPayload, error) {
	if len(data) != 17 && len(data) != 33 {
		return nil, fmt.Errorf("%w: invalid join accept length %d", ErrInvalidFrame, len(data))
	}

	block, err := aes.NewCipher(appKey[:])
	if err != nil {
		return nil, err
	}

	plain := make([]byte, len(data)-1)
	for i := 1; i < len(data); i += aes.BlockSize {
		block.Encrypt(plain[i-1:i-1+aes.BlockSize], data[i:i+aes.BlockSize])
	}

	phy := PHYPayload{
		MHDR:       MHDR{MType: JoinAccept, Major: LoRaWAN1_0},
		MACPayload: plain[:len(plain)-4],
	}
	var received [4]byte
	copy(received[:], plain[len(plain)-4:])
	if err := phy.SetJoinAcceptMIC(appKey); err != nil {
		return nil, err
	}
	if phy.MIC != received {
		return nil, ErrInvalidMIC
	}

	ja := &JoinAcceptPayload{}
	if err := ja.UnmarshalBinary(phy.MACPayload); err != nil {
		return nil, err
	}
	return ja, nil
}
