package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-ns-core/internal/directory"
	"github.com/lorawan-server/lorawan-ns-core/internal/directory/directorytest"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

var devEUI = lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

func TestConcentratorRatchetSameStation(t *testing.T) {
	c := NewConcentratorDeduplication(time.Minute)

	assert.False(t, c.IsDuplicate("stationA", 1, devEUI))
	assert.True(t, c.IsDuplicate("stationA", 0, devEUI))
	assert.False(t, c.IsDuplicate("stationA", 1, devEUI))
	assert.False(t, c.IsDuplicate("stationA", 2, devEUI))
}

func TestConcentratorRatchetOtherStation(t *testing.T) {
	tests := []struct {
		name string
		fCnt uint32
		want bool
	}{
		{"lower counter", 0, true},
		{"same counter", 1, true},
		{"higher counter", 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConcentratorDeduplication(time.Minute)
			require.False(t, c.IsDuplicate("stationA", 1, devEUI))
			assert.Equal(t, tt.want, c.IsDuplicate("stationB", tt.fCnt, devEUI))
		})
	}
}

func TestConcentratorHigherCounterTransfersOwnership(t *testing.T) {
	c := NewConcentratorDeduplication(time.Minute)
	require.False(t, c.IsDuplicate("stationA", 1, devEUI))
	require.False(t, c.IsDuplicate("stationB", 2, devEUI))

	assert.True(t, c.IsDuplicate("stationA", 2, devEUI))
	assert.False(t, c.IsDuplicate("stationB", 2, devEUI))
}

func TestConcentratorDevicesAreIndependent(t *testing.T) {
	c := NewConcentratorDeduplication(time.Minute)
	other := lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}

	require.False(t, c.IsDuplicate("stationA", 10, devEUI))
	assert.False(t, c.IsDuplicate("stationB", 1, other))
	assert.Equal(t, 2, c.Len())
}

func TestConcentratorEntriesExpire(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewConcentratorDeduplication(time.Minute)
	c.now = func() time.Time { return now }

	require.False(t, c.IsDuplicate("stationA", 5, devEUI))
	require.True(t, c.IsDuplicate("stationB", 5, devEUI))

	now = now.Add(2 * time.Minute)
	assert.False(t, c.IsDuplicate("stationB", 5, devEUI))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Len())
}

func TestConcentratorResetAndForget(t *testing.T) {
	c := NewConcentratorDeduplication(0)
	require.False(t, c.IsDuplicate("stationA", 5, devEUI))

	c.Forget(devEUI)
	assert.False(t, c.IsDuplicate("stationB", 0, devEUI))

	c.Reset()
	assert.Equal(t, 0, c.Len())
}

func TestConcentratorRunStopsWithContext(t *testing.T) {
	c := NewConcentratorDeduplication(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGatewayDeduplication(t *testing.T) {
	tests := []struct {
		name      string
		mode      models.DedupMode
		claimedBy string
		want      Result
	}{
		{"none skips the backend", models.DedupNone, "ns-2", Result{CanProcess: true}},
		{"drop fresh uplink", models.DedupDrop, "", Result{CanProcess: true}},
		{"drop duplicate", models.DedupDrop, "ns-2", Result{IsDuplicate: true, CanProcess: false}},
		{"mark fresh uplink", models.DedupMark, "", Result{CanProcess: true}},
		{"mark duplicate", models.DedupMark, "ns-2", Result{IsDuplicate: true, CanProcess: true}},
		{"own earlier claim", models.DedupDrop, "ns-1", Result{CanProcess: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := directorytest.NewMemory()
			if tt.claimedBy != "" {
				dir.ClaimUplink(devEUI, 7, tt.claimedBy)
			}
			g := NewGatewayDeduplication(dir, "ns-1")

			got, err := g.Resolve(context.Background(), tt.mode, devEUI, 7, 3)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			if tt.mode == models.DedupNone {
				assert.Zero(t, dir.DedupCalls.Load())
			} else {
				assert.Equal(t, int32(1), dir.DedupCalls.Load())
			}
		})
	}
}

func TestGatewayDeduplicationBackendFailure(t *testing.T) {
	boom := errors.New("timeout")
	dir := new(directorytest.MockClient)
	dir.On("CheckDuplicateMessage", mock.Anything, devEUI, uint32(7), "ns-1", uint32(3)).
		Return((*directory.DuplicateResult)(nil), boom)

	g := NewGatewayDeduplication(dir, "ns-1")
	_, err := g.Resolve(context.Background(), models.DedupDrop, devEUI, 7, 3)
	assert.ErrorIs(t, err, boom)
	dir.AssertExpectations(t)
}
