package network

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

func newTestMACHandler(t *testing.T) *MACCommandHandler {
	t.Helper()
	region, err := lorawan.GetRegionConfiguration("EU868")
	require.NoError(t, err)
	return NewMACCommandHandler(region)
}

func TestHandleLinkCheckReq(t *testing.T) {
	h := newTestMACHandler(t)

	tests := []struct {
		name   string
		radio  models.RadioMetadata
		margin byte
	}{
		{name: "SF7", radio: models.RadioMetadata{DataRate: 5, SNR: 2.5}, margin: 10},
		{name: "SF12", radio: models.RadioMetadata{DataRate: 0, SNR: -10}, margin: 10},
		{name: "below floor", radio: models.RadioMetadata{DataRate: 5, SNR: -12}, margin: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.HandleUplink(devA.eui, tt.radio, []lorawan.MACCommand{{CID: lorawan.LinkCheckReq}})
			require.Len(t, res.Answers, 1)
			assert.Equal(t, lorawan.LinkCheckAns, res.Answers[0].CID)
			assert.Equal(t, []byte{tt.margin, 1}, res.Answers[0].Payload)
		})
	}
}

func TestHandleLinkADRAns(t *testing.T) {
	h := newTestMACHandler(t)

	res := h.HandleUplink(devA.eui, models.RadioMetadata{}, []lorawan.MACCommand{{CID: lorawan.LinkADRAns, Payload: []byte{0x07}}})
	assert.True(t, res.ADRAnswered)
	assert.True(t, res.ADRAccepted)
	assert.Empty(t, res.Answers)

	res = h.HandleUplink(devA.eui, models.RadioMetadata{}, []lorawan.MACCommand{{CID: lorawan.LinkADRAns, Payload: []byte{0x05}}})
	assert.True(t, res.ADRAnswered)
	assert.False(t, res.ADRAccepted)

	res = h.HandleUplink(devA.eui, models.RadioMetadata{}, []lorawan.MACCommand{{CID: lorawan.LinkADRAns}})
	assert.False(t, res.ADRAnswered)
}

func TestHandleDeviceTimeReq(t *testing.T) {
	h := newTestMACHandler(t)
	h.now = func() time.Time { return time.Date(1980, time.January, 6, 0, 0, 10, 500*int(time.Millisecond), time.UTC) }

	res := h.HandleUplink(devA.eui, models.RadioMetadata{}, []lorawan.MACCommand{{CID: lorawan.DeviceTimeReq}})
	require.Len(t, res.Answers, 1)
	ans := res.Answers[0]
	assert.Equal(t, lorawan.DeviceTimeAns, ans.CID)
	require.Len(t, ans.Payload, 5)
	assert.Equal(t, uint32(10+18), binary.LittleEndian.Uint32(ans.Payload[:4]))
	assert.Equal(t, byte(128), ans.Payload[4])
}

func TestHandleMixedCommands(t *testing.T) {
	h := newTestMACHandler(t)

	cmds := collectMACCommands(devA.eui, []byte{
		lorawan.DevStatusAns, 0xff, 0x3f,
		lorawan.RXParamSetupAns, 0x07,
		lorawan.LinkCheckReq,
	}, nil, nil)
	require.Len(t, cmds, 3)

	res := h.HandleUplink(devA.eui, models.RadioMetadata{DataRate: 5, SNR: 0}, cmds)
	require.NotNil(t, res.DevStatus)
	assert.Equal(t, uint8(0xff), res.DevStatus.Battery)
	assert.Equal(t, int8(-1), res.DevStatus.Margin)
	require.Len(t, res.Answers, 1)
	assert.Equal(t, lorawan.LinkCheckAns, res.Answers[0].CID)
}

func TestCollectMACCommands(t *testing.T) {
	zero := uint8(0)
	app := uint8(1)

	cmds := collectMACCommands(devA.eui, nil, &zero, []byte{lorawan.LinkCheckReq, lorawan.DeviceTimeReq})
	assert.Len(t, cmds, 2)

	// application payloads never carry commands
	cmds = collectMACCommands(devA.eui, nil, &app, []byte{lorawan.LinkCheckReq})
	assert.Empty(t, cmds)

	// parsing stops at the first unknown command
	cmds = collectMACCommands(devA.eui, []byte{lorawan.LinkCheckReq, 0x7f, lorawan.LinkCheckReq}, nil, nil)
	assert.Len(t, cmds, 1)
}

func TestComposeFrame(t *testing.T) {
	h := newHarness(t, nil)
	msg := models.CloudToDeviceMessage{FPort: 4, Payload: []byte{1, 2, 3}}
	linkCheck := lorawan.NewLinkCheckAns(10, 1)

	f, sent, err := h.d.composeFrame(5, []lorawan.MACCommand{linkCheck}, msg, 1, true)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, []byte{lorawan.LinkCheckAns, 10, 1}, f.fOpts)
	require.NotNil(t, f.fPort)
	assert.Equal(t, uint8(4), *f.fPort)
	assert.False(t, f.fPending)

	// six LinkCheckAns exceed FOpts and move to FPort 0
	answers := make([]lorawan.MACCommand, 6)
	for i := range answers {
		answers[i] = linkCheck
	}
	f, sent, err = h.d.composeFrame(5, answers, msg, 1, true)
	require.NoError(t, err)
	assert.False(t, sent)
	require.NotNil(t, f.fPort)
	assert.Equal(t, uint8(0), *f.fPort)
	assert.Len(t, f.frmPayload, 18)
	assert.Empty(t, f.fOpts)
	assert.True(t, f.fPending)

	f, sent, err = h.d.composeFrame(5, nil, models.CloudToDeviceMessage{}, 0, false)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Nil(t, f.fPort)
	assert.False(t, f.fPending)
}

func TestWindowFor(t *testing.T) {
	arrival := time.Now()
	rx1 := &models.ReceiveWindow{Delay: time.Second}
	lead := 100 * time.Millisecond

	assert.Equal(t, models.RX1, windowFor(models.RX1, rx1, arrival, arrival.Add(500*time.Millisecond), lead))
	assert.Equal(t, models.RX2, windowFor(models.RX1, rx1, arrival, arrival.Add(950*time.Millisecond), lead))
	assert.Equal(t, models.RX2, windowFor(models.RX2, rx1, arrival, arrival, lead))
	assert.Equal(t, models.RX2, windowFor(models.RX1, nil, arrival, arrival, lead))
}

func TestReceiveWindowsWithOffset(t *testing.T) {
	region, err := lorawan.GetRegionConfiguration("EU868")
	require.NoError(t, err)

	rx1, rx2 := receiveWindows(region, models.RadioMetadata{DataRate: 5, Frequency: 868300000}, 2, 3, 2*time.Second)
	require.NotNil(t, rx1)
	assert.Equal(t, 3, rx1.DataRate)
	assert.Equal(t, uint32(868300000), rx1.Frequency)
	assert.Equal(t, 2*time.Second, rx1.Delay)
	assert.Equal(t, 3, rx2.DataRate)
	assert.Equal(t, "SF9BW125", rx2.DataRateName)
	assert.Equal(t, 3*time.Second, rx2.Delay)
}

func TestDecodeSensor(t *testing.T) {
	assert.Nil(t, decodeSensor("", 1, []byte("1")))
	assert.Nil(t, decodeSensor("Unknown", 1, []byte("1")))
	assert.Nil(t, decodeSensor("DecoderValueSensor", 1, nil))

	v := decodeSensor("DecoderValueSensor", 3, []byte(" 42 "))
	assert.Equal(t, 42.0, v["value"])
	assert.Equal(t, uint8(3), v["fPort"])

	v = decodeSensor("DecoderValueSensor", 3, []byte("open"))
	assert.Equal(t, "open", v["value"])

	v = decodeSensor("DecoderHexSensor", 9, []byte{0xab, 0x01})
	assert.Equal(t, "AB01", v["value"])
}
