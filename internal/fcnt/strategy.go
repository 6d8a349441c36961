package fcnt

import (
	"context"
	"errors"
	"fmt"

	"github.com/lorawan-server/lorawan-ns-core/internal/directory"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// ErrReservationFailed is returned when the directory could not reserve a downlink counter
var ErrReservationFailed = errors.New("downlink counter reservation failed")

// Strategy selects how downlink counters are advanced
type Strategy int

const (
	// SingleGateway advances the counter locally, the device is pinned to this instance
	SingleGateway Strategy = iota
	// MultiGateway reserves every counter through the directory
	MultiGateway
)

func (s Strategy) String() string {
	if s == SingleGateway {
		return "SingleGateway"
	}
	return "MultiGateway"
}

// StrategyFor returns the strategy of a session with the given pinned instance
func StrategyFor(st models.SessionState) Strategy {
	if st.GatewayID != "" {
		return SingleGateway
	}
	return MultiGateway
}

// Provider hands out downlink counters
type Provider struct {
	dir        directory.Client
	instanceID string
}

// NewProvider creates a provider for this instance
func NewProvider(dir directory.Client, instanceID string) *Provider {
	return &Provider{dir: dir, instanceID: instanceID}
}

// Next returns the counter to use for the next downlink after st. The
// session is not changed, the caller commits the value once the downlink
// was handed off.
func (p *Provider) Next(ctx context.Context, devEUI lorawan.EUI64, st models.SessionState) (uint32, error) {
	if StrategyFor(st) == SingleGateway {
		return st.FCntDown + 1, nil
	}

	next, err := p.dir.NextFCntDown(ctx, devEUI, st.FCntDown, 1, p.instanceID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrReservationFailed, err)
	}
	if next == 0 {
		return 0, fmt.Errorf("%w: directory returned 0", ErrReservationFailed)
	}
	return next, nil
}
