package directorytest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lorawan-server/lorawan-ns-core/internal/directory"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// Memory is an in-memory directory with the same atomicity guarantees as the real backends
type Memory struct {
	mu      sync.Mutex
	twins   map[lorawan.EUI64]*models.Twin
	nonces  map[string]bool
	fcnt    map[lorawan.EUI64]uint32
	uplinks map[string]string

	// Failure injection, returned by the matching call when set
	UpdateErr error
	FCntErr   error
	DedupErr  error
	SearchErr error

	SearchCalls atomic.Int32
	TwinCalls   atomic.Int32
	UpdateCalls atomic.Int32
	FCntCalls   atomic.Int32
	DedupCalls  atomic.Int32
}

var _ directory.Client = (*Memory)(nil)

// NewMemory creates an empty directory
func NewMemory() *Memory {
	return &Memory{
		twins:   make(map[lorawan.EUI64]*models.Twin),
		nonces:  make(map[string]bool),
		fcnt:    make(map[lorawan.EUI64]uint32),
		uplinks: make(map[string]string),
	}
}

// AddDevice registers a twin
func (m *Memory) AddDevice(twin models.Twin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := twin
	m.twins[twin.DevEUI] = &t
}

// Reported returns a copy of the reported properties
func (m *Memory) Reported(devEUI lorawan.EUI64) models.ReportedProperties {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.twins[devEUI]; ok {
		return t.Reported
	}
	return models.ReportedProperties{}
}

func (m *Memory) info(t *models.Twin) (directory.DeviceInfo, bool) {
	info := directory.DeviceInfo{DevEUI: t.DevEUI, GatewayID: t.Desired.GatewayID}
	switch {
	case t.Reported.DevAddr != nil && t.Reported.NwkSKey != nil:
		info.DevAddr = *t.Reported.DevAddr
		info.NwkSKey = *t.Reported.NwkSKey
	case t.Desired.IsABP():
		info.DevAddr = *t.Desired.DevAddr
		info.NwkSKey = *t.Desired.NwkSKey
	default:
		return info, false
	}
	return info, true
}

func (m *Memory) SearchBySessionAddress(ctx context.Context, devAddr lorawan.DevAddr) ([]directory.DeviceInfo, error) {
	m.SearchCalls.Add(1)
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []directory.DeviceInfo
	for _, t := range m.twins {
		if info, ok := m.info(t); ok && info.DevAddr == devAddr {
			out = append(out, info)
		}
	}
	return out, nil
}

func (m *Memory) SearchAndLockForJoin(ctx context.Context, instanceID string, devEUI, appEUI lorawan.EUI64, devNonce uint16) (*directory.JoinSearchResult, error) {
	m.SearchCalls.Add(1)
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.twins[devEUI]
	if !ok {
		return &directory.JoinSearchResult{}, nil
	}
	key := fmt.Sprintf("%s:%d", devEUI, devNonce)
	if m.nonces[key] {
		return &directory.JoinSearchResult{IsDevNonceAlreadyUsed: true}, nil
	}
	m.nonces[key] = true

	info := directory.DeviceInfo{DevEUI: devEUI, GatewayID: t.Desired.GatewayID}
	return &directory.JoinSearchResult{Devices: []directory.DeviceInfo{info}}, nil
}

func (m *Memory) GetTwin(ctx context.Context, devEUI lorawan.EUI64) (*models.Twin, error) {
	m.TwinCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.twins[devEUI]
	if !ok {
		return nil, directory.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) UpdateReportedProperties(ctx context.Context, devEUI lorawan.EUI64, delta models.ReportedProperties) error {
	m.UpdateCalls.Add(1)
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.twins[devEUI]
	if !ok {
		return directory.ErrNotFound
	}
	t.Reported.Merge(delta)
	return nil
}

func (m *Memory) NextFCntDown(ctx context.Context, devEUI lorawan.EUI64, current, delta uint32, instanceID string) (uint32, error) {
	m.FCntCalls.Add(1)
	if m.FCntErr != nil {
		return 0, m.FCntErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := max(m.fcnt[devEUI], current) + delta
	m.fcnt[devEUI] = next
	return next, nil
}

func (m *Memory) CheckDuplicateMessage(ctx context.Context, devEUI lorawan.EUI64, fCntUp uint32, instanceID string, fCntDown uint32) (*directory.DuplicateResult, error) {
	m.DedupCalls.Add(1)
	if m.DedupErr != nil {
		return nil, m.DedupErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.claimKey(devEUI, fCntUp)
	owner, ok := m.uplinks[key]
	if !ok {
		m.uplinks[key] = instanceID
		owner = instanceID
	}
	return &directory.DuplicateResult{IsDuplicate: owner != instanceID, GatewayID: owner}, nil
}

// ClaimUplink marks an uplink as accepted by another instance
func (m *Memory) ClaimUplink(devEUI lorawan.EUI64, fCntUp uint32, instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uplinks[m.claimKey(devEUI, fCntUp)] = instanceID
}

// claimKey scopes an uplink claim to the device's current session address
func (m *Memory) claimKey(devEUI lorawan.EUI64, fCntUp uint32) string {
	var addr lorawan.DevAddr
	if t, ok := m.twins[devEUI]; ok {
		if info, ok := m.info(t); ok {
			addr = info.DevAddr
		}
	}
	return fmt.Sprintf("%s:%s:%d", devEUI, addr, fCntUp)
}
