package network

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
)

// SensorDecoder turns an application payload into telemetry fields
type SensorDecoder func(fPort uint8, payload []byte) models.Variables

// Decoders keyed by the name configured in the device twin
var sensorDecoders = map[string]SensorDecoder{
	"DecoderValueSensor": decodeValueSensor,
	"DecoderHexSensor":   decodeHexSensor,
}

// decodeSensor runs the named decoder. Unknown names and empty payloads decode to nil.
func decodeSensor(name string, fPort uint8, payload []byte) models.Variables {
	if name == "" || len(payload) == 0 {
		return nil
	}
	dec, ok := sensorDecoders[name]
	if !ok {
		return nil
	}
	return dec(fPort, payload)
}

// decodeValueSensor reads the payload as an ASCII number, falling back to the raw text
func decodeValueSensor(fPort uint8, payload []byte) models.Variables {
	text := strings.TrimSpace(string(payload))
	out := models.Variables{"fPort": fPort}
	if v, err := strconv.ParseFloat(text, 64); err == nil {
		out["value"] = v
	} else {
		out["value"] = text
	}
	return out
}

func decodeHexSensor(fPort uint8, payload []byte) models.Variables {
	return models.Variables{
		"fPort": fPort,
		"value": strings.ToUpper(hex.EncodeToString(payload)),
	}
}
