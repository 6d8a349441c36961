package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-ns-core/internal/directory"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

var (
	otaaEUI    = lorawan.EUI64{0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x77, 0x01}
	otaaAppEUI = lorawan.EUI64{0x70, 0xb3, 0xd5, 0x7e, 0xd0, 0x00, 0x12, 0x34}
	otaaAppKey = lorawan.AES128Key{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
)

func otaaTwin() models.Twin {
	appEUI, appKey := otaaAppEUI, otaaAppKey
	return models.Twin{
		DevEUI:  otaaEUI,
		Desired: models.DesiredProperties{AppEUI: &appEUI, AppKey: &appKey},
	}
}

func joinRequest(t *testing.T, appEUI lorawan.EUI64, nonce uint16, key lorawan.AES128Key) []byte {
	t.Helper()
	jr := lorawan.JoinRequestPayload{
		JoinEUI:  appEUI,
		DevEUI:   otaaEUI,
		DevNonce: [2]byte{byte(nonce), byte(nonce >> 8)},
	}
	mac, err := jr.MarshalBinary()
	require.NoError(t, err)

	phy := lorawan.PHYPayload{MHDR: lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWAN1_0}, MACPayload: mac}
	require.NoError(t, phy.SetUplinkJoinMIC(key))
	raw, err := phy.MarshalBinary()
	require.NoError(t, err)
	return raw
}

// joinDevice runs a successful join and returns the device as it sees its new session
func joinDevice(t *testing.T, h *harness, nonce uint16) testDevice {
	t.Helper()
	out := h.process(request("gw-1", joinRequest(t, otaaAppEUI, nonce, otaaAppKey)))
	require.Equal(t, models.StatusCompleted, out.Status, out.Err)
	require.NotNil(t, out.Downlink)

	ja, err := lorawan.DecryptJoinAccept(otaaAppKey, out.Downlink.Payload)
	require.NoError(t, err)
	nwkSKey, appSKey, err := lorawan.DeriveSessionKeys10(otaaAppKey, ja.JoinNonce, ja.NetID, [2]byte{byte(nonce), byte(nonce >> 8)})
	require.NoError(t, err)

	return testDevice{eui: otaaEUI, addr: ja.DevAddr, nwkSKey: nwkSKey, appSKey: appSKey}
}

func TestJoinAccepted(t *testing.T) {
	h := newHarness(t, nil)
	h.dir.AddDevice(otaaTwin())

	out := h.process(request("gw-1", joinRequest(t, otaaAppEUI, 0x0102, otaaAppKey)))
	require.Equal(t, models.StatusCompleted, out.Status, out.Err)
	dl := out.Downlink
	require.NotNil(t, dl)

	assert.Equal(t, models.RX1, dl.PreferredWindow)
	assert.Equal(t, 5*time.Second, dl.RX1.Delay)
	assert.Equal(t, uint32(868100000), dl.RX1.Frequency)
	assert.Equal(t, 6*time.Second, dl.RX2.Delay)
	assert.Equal(t, 0, dl.RX2.DataRate)
	assert.Equal(t, uint32(0), dl.FCntDown)

	ja, err := lorawan.DecryptJoinAccept(otaaAppKey, dl.Payload)
	require.NoError(t, err)
	assert.Equal(t, testNetID, ja.NetID)
	assert.Equal(t, testNetID.NwkID(), ja.DevAddr.NwkID())
	assert.Equal(t, uint8(1), ja.RxDelay)
	assert.Len(t, ja.CFList, 16)
	assert.Equal(t, ja.DevAddr, dl.DevAddr)

	nwkSKey, appSKey, err := lorawan.DeriveSessionKeys10(otaaAppKey, ja.JoinNonce, testNetID, [2]byte{0x02, 0x01})
	require.NoError(t, err)

	st := h.state(t, otaaEUI)
	assert.Equal(t, ja.DevAddr, st.DevAddr)
	assert.Equal(t, nwkSKey, st.NwkSKey)
	assert.Equal(t, appSKey, st.AppSKey)
	assert.Equal(t, uint16(0x0102), st.DevNonce)
	assert.False(t, st.HasUplink)
	assert.Equal(t, uint32(0), st.FCntDown)
	assert.True(t, st.IsOurDevice)

	rep := h.dir.Reported(otaaEUI)
	require.NotNil(t, rep.DevAddr)
	assert.Equal(t, ja.DevAddr, *rep.DevAddr)
	require.NotNil(t, rep.FCntUp)
	assert.Equal(t, uint32(0), *rep.FCntUp)

	joins := h.tel.joinEvents()
	require.Len(t, joins, 1)
	assert.Equal(t, otaaAppEUI, joins[0].AppEUI)
	assert.Equal(t, ja.DevAddr, joins[0].DevAddr)
}

func TestJoinedDeviceSendsData(t *testing.T) {
	h := newHarness(t, nil)
	h.dir.AddDevice(otaaTwin())
	dev := joinDevice(t, h, 1)

	out := h.process(request("gw-1", dev.uplink(t, frame{fCnt: 0, confirmed: true, fPort: port(3), payload: []byte("ok")})))
	require.Equal(t, models.StatusCompleted, out.Status, out.Err)
	decodeDownlink(t, dev, out.Downlink)
	assert.Equal(t, uint32(1), out.Downlink.FCntDown)

	evs := h.tel.uplinkEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, []byte("ok"), evs[0].Data)
	require.NotNil(t, evs[0].AppEUI)
	assert.Equal(t, otaaAppEUI, *evs[0].AppEUI)
}

func TestRejoinReplacesSession(t *testing.T) {
	h := newHarness(t, nil)
	h.dir.AddDevice(otaaTwin())

	first := joinDevice(t, h, 1)
	for i := uint32(0); i < 5; i++ {
		out := h.process(request("gw-1", first.uplink(t, frame{fCnt: i})))
		require.Equal(t, models.StatusCompleted, out.Status, out.Err)
	}

	second := joinDevice(t, h, 2)
	// the reloaded session must not carry the old counter
	h.ctrl.ResetCache()
	out := h.process(request("gw-1", second.uplink(t, frame{fCnt: 0})))
	require.Equal(t, models.StatusCompleted, out.Status, out.Err)

	st := h.state(t, otaaEUI)
	assert.Equal(t, second.addr, st.DevAddr)
	assert.Equal(t, uint32(0), st.FCntUp)

	if first.addr != second.addr {
		out = h.process(request("gw-1", first.uplink(t, frame{fCnt: 6})))
		assert.NotEqual(t, models.StatusCompleted, out.Status)
	}
}

func TestRejoinWaitsForInFlightUplink(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.FCntSaveInterval = 1 })
	h.dir.AddDevice(otaaTwin())

	first := joinDevice(t, h, 1)
	out := h.process(request("gw-1", first.uplink(t, frame{fCnt: 0})))
	require.Equal(t, models.StatusCompleted, out.Status, out.Err)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.sink.hold = func() {
		close(entered)
		<-release
	}

	raw := first.uplink(t, frame{fCnt: 1, confirmed: true})
	done := make(chan models.Outcome, 1)
	go func() {
		done <- h.process(request("gw-1", raw))
	}()
	<-entered

	out = h.process(request("gw-1", joinRequest(t, otaaAppEUI, 2, otaaAppKey)))
	assert.Equal(t, models.StatusDropped, out.Status)
	assert.Equal(t, models.ReasonDeviceBusy, out.Reason)

	close(release)
	out = <-done
	require.Equal(t, models.StatusCompleted, out.Status, out.Err)
	h.sink.hold = nil

	rep := h.dir.Reported(otaaEUI)
	require.NotNil(t, rep.FCntUp)
	assert.Equal(t, uint32(1), *rep.FCntUp)

	second := joinDevice(t, h, 3)
	rep = h.dir.Reported(otaaEUI)
	require.NotNil(t, rep.FCntUp)
	assert.Equal(t, uint32(0), *rep.FCntUp)
	require.NotNil(t, rep.DevAddr)
	assert.Equal(t, second.addr, *rep.DevAddr)

	h.ctrl.ResetCache()
	out = h.process(request("gw-1", second.uplink(t, frame{fCnt: 0})))
	require.Equal(t, models.StatusCompleted, out.Status, out.Err)
	assert.Equal(t, uint32(0), h.state(t, otaaEUI).FCntUp)
}

func TestRejoinRetiresOldSession(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.FCntSaveInterval = 1 })
	h.dir.AddDevice(otaaTwin())

	first := joinDevice(t, h, 1)
	for i := uint32(0); i < 3; i++ {
		out := h.process(request("gw-1", first.uplink(t, frame{fCnt: i})))
		require.Equal(t, models.StatusCompleted, out.Status, out.Err)
	}
	old, ok := h.cache.GetByDevEUI(otaaEUI)
	require.True(t, ok)

	second := joinDevice(t, h, 2)
	assert.True(t, old.Retired())

	current, ok := h.cache.GetByDevEUI(otaaEUI)
	require.True(t, ok)
	assert.NotSame(t, old, current)
	assert.False(t, current.Retired())

	// a late commit of the replaced session never reaches the directory
	calls := h.dir.UpdateCalls.Load()
	old.Commit(func(st *models.SessionState) {
		st.FCntUp = 40
		st.HasUplink = true
	})
	h.d.flush(context.Background(), old, true)
	assert.Equal(t, calls, h.dir.UpdateCalls.Load())

	rep := h.dir.Reported(otaaEUI)
	require.NotNil(t, rep.FCntUp)
	assert.Equal(t, uint32(0), *rep.FCntUp)
	require.NotNil(t, rep.DevAddr)
	assert.Equal(t, second.addr, *rep.DevAddr)
}

func TestRejoinStartsFreshUplinkClaims(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.DefaultDedup = models.DedupDrop })
	h.dir.AddDevice(otaaTwin())

	joinDevice(t, h, 1)
	h.dir.ClaimUplink(otaaEUI, 0, "ns-2")

	second := joinDevice(t, h, 2)
	out := h.process(request("gw-1", second.uplink(t, frame{fCnt: 0})))
	require.Equal(t, models.StatusCompleted, out.Status, out.Err)
	assert.False(t, out.DuplicateMarked)
}

func TestJoinRejections(t *testing.T) {
	wrongKey := lorawan.AES128Key{0x01}

	cases := []struct {
		name   string
		twin   func() models.Twin
		raw    func(t *testing.T) []byte
		status models.Status
		reason models.FailureReason
	}{
		{
			name:   "unknown device",
			twin:   nil,
			raw:    func(t *testing.T) []byte { return joinRequest(t, otaaAppEUI, 1, otaaAppKey) },
			status: models.StatusDropped,
			reason: models.ReasonUnknownDevice,
		},
		{
			name:   "wrong app key",
			twin:   otaaTwin,
			raw:    func(t *testing.T) []byte { return joinRequest(t, otaaAppEUI, 1, wrongKey) },
			status: models.StatusFailed,
			reason: models.ReasonInvalidMIC,
		},
		{
			name:   "join EUI mismatch",
			twin:   otaaTwin,
			raw:    func(t *testing.T) []byte { return joinRequest(t, lorawan.EUI64{0x01}, 1, otaaAppKey) },
			status: models.StatusFailed,
			reason: models.ReasonInvalidJoinRequest,
		},
		{
			name: "missing app key",
			twin: func() models.Twin {
				tw := otaaTwin()
				tw.Desired.AppKey = nil
				return tw
			},
			raw:    func(t *testing.T) []byte { return joinRequest(t, otaaAppEUI, 1, otaaAppKey) },
			status: models.StatusFailed,
			reason: models.ReasonConfigurationError,
		},
		{
			name: "pinned to another instance",
			twin: func() models.Twin {
				tw := otaaTwin()
				tw.Desired.GatewayID = "ns-2"
				return tw
			},
			raw:    func(t *testing.T) []byte { return joinRequest(t, otaaAppEUI, 1, otaaAppKey) },
			status: models.StatusDropped,
			reason: models.ReasonHandledByAnotherGateway,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			if tc.twin != nil {
				h.dir.AddDevice(tc.twin())
			}

			out := h.process(request("gw-1", tc.raw(t)))
			assert.Equal(t, tc.status, out.Status)
			assert.Equal(t, tc.reason, out.Reason)
			assert.Empty(t, h.sink.messages())
			assert.Empty(t, h.tel.joinEvents())
			_, cached := h.cache.GetByDevEUI(otaaEUI)
			assert.False(t, cached)
		})
	}
}

func TestJoinDevNonceReuse(t *testing.T) {
	h := newHarness(t, nil)
	h.dir.AddDevice(otaaTwin())
	joinDevice(t, h, 7)

	out := h.process(request("gw-2", joinRequest(t, otaaAppEUI, 7, otaaAppKey)))
	assert.Equal(t, models.StatusDropped, out.Status)
	assert.Equal(t, models.ReasonJoinDevNonceAlreadyUsed, out.Reason)
	assert.Len(t, h.sink.messages(), 1)
}

func TestConcurrentJoinsWithSameDevNonce(t *testing.T) {
	h := newHarness(t, nil)
	h.dir.AddDevice(otaaTwin())

	const n = 8
	raw := joinRequest(t, otaaAppEUI, 7, otaaAppKey)

	var wg sync.WaitGroup
	outs := make([]models.Outcome, n)
	start := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			outs[i] = h.process(request("gw-1", raw))
		}(i)
	}
	close(start)
	wg.Wait()

	completed, reused := 0, 0
	for _, out := range outs {
		switch {
		case out.Status == models.StatusCompleted:
			completed++
		case out.Status == models.StatusDropped && out.Reason == models.ReasonJoinDevNonceAlreadyUsed:
			reused++
		default:
			t.Errorf("unexpected outcome %s %s: %v", out.Status, out.Reason, out.Err)
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, n-1, reused)
	assert.Len(t, h.sink.messages(), 1)
	assert.Len(t, h.tel.joinEvents(), 1)
}

func TestPickJoinDevice(t *testing.T) {
	other := directory.DeviceInfo{DevEUI: lorawan.EUI64{0x01}, GatewayID: "ns-2"}
	own := directory.DeviceInfo{DevEUI: otaaEUI, GatewayID: "ns-1"}

	info, ok := pickJoinDevice([]directory.DeviceInfo{other, own}, otaaEUI)
	require.True(t, ok)
	assert.Equal(t, own, info)

	_, ok = pickJoinDevice([]directory.DeviceInfo{other}, otaaEUI)
	assert.False(t, ok)

	_, ok = pickJoinDevice(nil, otaaEUI)
	assert.False(t, ok)
}

func TestJoinFailuresLeaveCacheUntouched(t *testing.T) {
	t.Run("persist", func(t *testing.T) {
		h := newHarness(t, nil)
		h.dir.AddDevice(otaaTwin())
		h.dir.UpdateErr = errors.New("unavailable")

		out := h.process(request("gw-1", joinRequest(t, otaaAppEUI, 1, otaaAppKey)))
		assert.Equal(t, models.ReasonApiCallFailed, out.Reason)
		assert.Empty(t, h.sink.messages())
		_, cached := h.cache.GetByDevEUI(otaaEUI)
		assert.False(t, cached)
	})

	t.Run("handoff", func(t *testing.T) {
		h := newHarness(t, nil)
		h.dir.AddDevice(otaaTwin())
		h.sink.err = errors.New("transport closed")

		out := h.process(request("gw-1", joinRequest(t, otaaAppEUI, 1, otaaAppKey)))
		assert.Equal(t, models.ReasonDownlinkHandoffFailed, out.Reason)
		_, cached := h.cache.GetByDevEUI(otaaEUI)
		assert.False(t, cached)
		assert.Empty(t, h.tel.joinEvents())
	})

	t.Run("handoff on rejoin", func(t *testing.T) {
		h := newHarness(t, nil)
		h.dir.AddDevice(otaaTwin())
		first := joinDevice(t, h, 1)
		before := h.dir.Reported(otaaEUI)

		h.sink.err = errors.New("transport closed")
		out := h.process(request("gw-1", joinRequest(t, otaaAppEUI, 2, otaaAppKey)))
		assert.Equal(t, models.ReasonDownlinkHandoffFailed, out.Reason)
		assert.Equal(t, before, h.dir.Reported(otaaEUI))

		// the device still talks on its previous session, also after a reload
		h.sink.err = nil
		h.ctrl.ResetCache()
		out = h.process(request("gw-1", first.uplink(t, frame{fCnt: 0})))
		require.Equal(t, models.StatusCompleted, out.Status, out.Err)
		assert.Equal(t, first.addr, h.state(t, otaaEUI).DevAddr)
	})

	t.Run("too late", func(t *testing.T) {
		h := newHarness(t, nil)
		h.dir.AddDevice(otaaTwin())

		req := request("gw-1", joinRequest(t, otaaAppEUI, 1, otaaAppKey))
		req.Radio.Time = time.Now().Add(-7 * time.Second)

		out := h.process(req)
		assert.Equal(t, models.ReasonReceiveWindowMissed, out.Reason)
		assert.Equal(t, int32(0), h.dir.UpdateCalls.Load())
		assert.Empty(t, h.sink.messages())
	})
}

func TestJoinFallsBackToRX2(t *testing.T) {
	h := newHarness(t, nil)
	h.dir.AddDevice(otaaTwin())

	req := request("gw-1", joinRequest(t, otaaAppEUI, 1, otaaAppKey))
	req.Radio.Time = time.Now().Add(-5 * time.Second)

	out := h.process(req)
	require.Equal(t, models.StatusCompleted, out.Status, out.Err)
	assert.Equal(t, models.RX2, out.Downlink.PreferredWindow)
	assert.Equal(t, uint32(869525000), out.Downlink.Window().Frequency)
}
