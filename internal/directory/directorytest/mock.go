// Package directorytest provides directory clients for tests.
package directorytest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/lorawan-server/lorawan-ns-core/internal/directory"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// MockClient is a testify mock of directory.Client
type MockClient struct {
	mock.Mock
}

var _ directory.Client = (*MockClient)(nil)

func (m *MockClient) SearchBySessionAddress(ctx context.Context, devAddr lorawan.DevAddr) ([]directory.DeviceInfo, error) {
	args := m.Called(ctx, devAddr)
	devices, _ := args.Get(0).([]directory.DeviceInfo)
	return devices, args.Error(1)
}

func (m *MockClient) SearchAndLockForJoin(ctx context.Context, instanceID string, devEUI, appEUI lorawan.EUI64, devNonce uint16) (*directory.JoinSearchResult, error) {
	args := m.Called(ctx, instanceID, devEUI, appEUI, devNonce)
	res, _ := args.Get(0).(*directory.JoinSearchResult)
	return res, args.Error(1)
}

func (m *MockClient) GetTwin(ctx context.Context, devEUI lorawan.EUI64) (*models.Twin, error) {
	args := m.Called(ctx, devEUI)
	twin, _ := args.Get(0).(*models.Twin)
	return twin, args.Error(1)
}

func (m *MockClient) UpdateReportedProperties(ctx context.Context, devEUI lorawan.EUI64, delta models.ReportedProperties) error {
	args := m.Called(ctx, devEUI, delta)
	return args.Error(0)
}

func (m *MockClient) NextFCntDown(ctx context.Context, devEUI lorawan.EUI64, current, delta uint32, instanceID string) (uint32, error) {
	args := m.Called(ctx, devEUI, current, delta, instanceID)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *MockClient) CheckDuplicateMessage(ctx context.Context, devEUI lorawan.EUI64, fCntUp uint32, instanceID string, fCntDown uint32) (*directory.DuplicateResult, error) {
	args := m.Called(ctx, devEUI, fCntUp, instanceID, fCntDown)
	res, _ := args.Get(0).(*directory.DuplicateResult)
	return res, args.Error(1)
}
