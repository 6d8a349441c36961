package lorawan

import (
	"crypto/aes"
	"crypto/cipher"
)

// aesCMAC implements AES-CMAC according to RFC 4493
func aesCMAC(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	k1, k2 := generateSubkeys(block)

	n := (len(data) + aes.BlockSize - 1) / aes.BlockSize
	complete := n > 0 && len(data)%aes.BlockSize == 0
	if n == 0 {
		n = 1
	}

	// last block, xor'ed with K1 when complete, padded and xor'ed with K2 otherwise
	last := make([]byte, aes.BlockSize)
	tail := data[(n-1)*aes.BlockSize:]
	copy(last, tail)
	if complete {
		xorBlock(last, k1)
	} else {
		last[len(tail)] = 0x80
		xorBlock(last, k2)
	}

	x := make([]byte, aes.BlockSize)
	y := make([]byte, aes.BlockSize)
	for i := 0; i < n-1; i++ {
		copy(y, data[i*aes.BlockSize:(i+1)*aes.BlockSize])
		xorBlock(y, x)
		block.Encrypt(x, y)
	}

	xorBlock(last, x)
	block.Encrypt(x, last)

	return x, nil
}

// generateSubkeys generates K1 and K2 for AES-CMAC
func generateSubkeys(block cipher.Block) (k1, k2 []byte) {
	const rb = 0x87

	k0 := make([]byte, aes.BlockSize)
	block.Encrypt(k0, make([]byte, aes.BlockSize))

	k1 = leftShift(k0)
	if k0[0]&0x80 != 0 {
		k1[15] ^= rb
	}

	k2 = leftShift(k1)
	if k1[0]&0x80 != 0 {
		k2[15] ^= rb
	}

	return k1, k2
}

// leftShift performs a one bit left shift on a byte slice
func leftShift(b []byte) []byte {
	result := make([]byte, len(b))
	overflow := byte(0)

	for i := len(b) - 1; i >= 0; i-- {
		result[i] = b[i]<<1 | overflow
		overflow = (b[i] & 0x80) >> 7
	}

	return result
}

func xorBlock(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}
