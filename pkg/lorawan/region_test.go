package lorawan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRegionConfiguration(t *testing.T) {
	r, err := GetRegionConfiguration("EU868")
	require.NoError(t, err)
	assert.Equal(t, "EU868", r.Name)

	// returned configurations are copies
	r.MaxADRDataRate = 0
	assert.Equal(t, 5, EU868Configuration.MaxADRDataRate)

	_, err = GetRegionConfiguration("AS923")
	assert.Error(t, err)
}

func TestRequiredSNR(t *testing.T) {
	r := &EU868Configuration

	snr, err := r.RequiredSNR(0)
	require.NoError(t, err)
	assert.Equal(t, -20.0, snr)

	snr, err = r.RequiredSNR(5)
	require.NoError(t, err)
	assert.Equal(t, -7.5, snr)

	_, err = US915Configuration.RequiredSNR(6)
	assert.Error(t, err)
}

func TestRX1(t *testing.T) {
	us := &US915Configuration

	dr, err := us.GetRX1DataRateOffset(0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint8(10), dr)

	_, err = us.GetRX1DataRateOffset(0, 4)
	assert.Error(t, err)

	for uplink, want := range map[uint32]uint32{
		902300000: 923300000,
		902500000: 923900000,
		903000000: 923300000,
		904600000: 923900000,
	} {
		freq, err := us.RX1Frequency(uplink)
		require.NoError(t, err)
		assert.Equal(t, want, freq, "uplink %d", uplink)
	}

	eu := &EU868Configuration
	freq, err := eu.RX1Frequency(868300000)
	require.NoError(t, err)
	assert.Equal(t, uint32(868300000), freq)

	cn := CN470Configuration.WithCN470Mode(CN470CustomFDD)
	freq, err = cn.RX1Frequency(470300000)
	require.NoError(t, err)
	assert.Equal(t, uint32(480300000), freq)
	assert.Equal(t, uint32(480300000), cn.DefaultRX2Freq)

	_, err = cn.RX1Frequency(485000000)
	assert.Error(t, err)
}

func TestDataRateNames(t *testing.T) {
	eu := &EU868Configuration
	assert.Equal(t, "SF12BW125", eu.DataRateName(0))

	dr, err := eu.DataRateIndex("SF7BW125")
	require.NoError(t, err)
	assert.Equal(t, 5, dr)

	dr, err = US915Configuration.DataRateIndex("SF8BW500")
	require.NoError(t, err)
	assert.Equal(t, 4, dr)
}

func TestCFList(t *testing.T) {
	cf := EU868Configuration.CFList()
	require.Len(t, cf, 16)
	assert.Equal(t, []byte{0x18, 0x4f, 0x84}, cf[0:3])
	assert.Nil(t, US915Configuration.CFList())
}
