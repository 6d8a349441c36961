package models

import "fmt"

// DedupMode selects how uplinks already accepted by another instance are treated
type DedupMode int

const (
	// DedupNone skips the cross instance check
	DedupNone DedupMode = iota
	// DedupDrop stops processing of duplicates
	DedupDrop
	// DedupMark processes duplicates and flags them in telemetry
	DedupMark
)

func (m DedupMode) String() string {
	switch m {
	case DedupDrop:
		return "Drop"
	case DedupMark:
		return "Mark"
	default:
		return "None"
	}
}

// ParseDedupMode parses a configured mode, the empty string is None
func ParseDedupMode(s string) (DedupMode, error) {
	switch s {
	case "", "None", "none":
		return DedupNone, nil
	case "Drop", "drop":
		return DedupDrop, nil
	case "Mark", "mark":
		return DedupMark, nil
	}
	return DedupNone, fmt.Errorf("unknown deduplication mode %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (m DedupMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *DedupMode) UnmarshalText(text []byte) error {
	v, err := ParseDedupMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ClassType is the LoRaWAN device class
type ClassType string

const (
	ClassA ClassType = "A"
	ClassC ClassType = "C"
)

// Receive windows
const (
	RX1 = 1
	RX2 = 2
)
