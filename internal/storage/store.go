package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lorawan-server/lorawan-ns-core/internal/directory"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/crypto"
)

// Common errors
var (
	ErrNotFound    = directory.ErrNotFound
	ErrInvalidData = errors.New("invalid data")
)

// documentCodec serializes twin documents, sealing them when a key encryption key is set
type documentCodec struct {
	kek []byte
}

func (c documentCodec) encode(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if len(c.kek) == 0 {
		return string(b), nil
	}
	return crypto.SealString(c.kek, string(b))
}

func (c documentCodec) decode(s string, v interface{}) error {
	if len(c.kek) > 0 {
		plain, err := crypto.OpenString(c.kek, s)
		if err != nil {
			return fmt.Errorf("%w: open document: %v", ErrInvalidData, err)
		}
		s = plain
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return nil
}

// deviceInfo derives the search hit from the twin documents
func deviceInfo(twin *models.Twin) (directory.DeviceInfo, bool) {
	info := directory.DeviceInfo{DevEUI: twin.DevEUI, GatewayID: twin.Desired.GatewayID}
	switch {
	case twin.Reported.DevAddr != nil && twin.Reported.NwkSKey != nil:
		info.DevAddr = *twin.Reported.DevAddr
		info.NwkSKey = *twin.Reported.NwkSKey
	case twin.Desired.IsABP():
		info.DevAddr = *twin.Desired.DevAddr
		info.NwkSKey = *twin.Desired.NwkSKey
	default:
		return info, false
	}
	return info, true
}
