package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/internal/network"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu       sync.Mutex
	handlers map[string]nats.MsgHandler
	out      []published
	err      error
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string]nats.MsgHandler)}
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.out = append(c.out, published{subject: subj, data: data})
	return nil
}

func (c *fakeConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[subj] = cb
	return &nats.Subscription{Subject: subj}, nil
}

func (c *fakeConn) deliver(t *testing.T, pattern string, msg *nats.Msg) {
	t.Helper()
	c.mu.Lock()
	h, ok := c.handlers[pattern]
	c.mu.Unlock()
	require.True(t, ok, "no subscription for %s", pattern)
	h(msg)
}

func (c *fakeConn) published() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.out...)
}

type fakeIngress struct {
	mu   sync.Mutex
	reqs []*models.IncomingRequest
}

func (f *fakeIngress) Dispatch(req *models.IncomingRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
}

func (f *fakeIngress) requests() []*models.IncomingRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.IncomingRequest(nil), f.reqs...)
}

type fakeControl struct {
	resets  int
	closed  []lorawan.EUI64
	sent    []network.CloudToDeviceRequest
	result  network.ControlResult
	sendErr error
}

func (f *fakeControl) ResetCache() network.ControlResult {
	f.resets++
	return network.ControlResult{Status: network.ControlSucceeded, Message: "0 sessions dropped"}
}

func (f *fakeControl) CloseConnection(_ context.Context, devEUI lorawan.EUI64) network.ControlResult {
	f.closed = append(f.closed, devEUI)
	return f.result
}

func (f *fakeControl) SendCloudToDevice(_ context.Context, _ lorawan.EUI64, req network.CloudToDeviceRequest) (network.ControlResult, error) {
	f.sent = append(f.sent, req)
	return f.result, f.sendErr
}

func startBridge(t *testing.T) (*NATSBridge, *fakeConn, *fakeIngress, *fakeControl) {
	t.Helper()
	region, err := lorawan.GetRegionConfiguration("EU868")
	require.NoError(t, err)

	conn := newFakeConn()
	ingress := &fakeIngress{}
	control := &fakeControl{}
	b := NewNATSBridge(conn, region, BridgeOptions{TxPower: 16})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Start(ctx, ingress, control) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.handlers) == 3
	}, time.Second, 5*time.Millisecond)
	return b, conn, ingress, control
}

const rxJSON = `{
	"gatewayID": "aa555a0000000101",
	"rxpk": {"tmst": 3512348611, "chan": 2, "rfch": 0, "freq": 868.5, "stat": 1,
		"modu": "LORA", "datr": "SF7BW125", "codr": "4/5", "rssi": -35, "lsnr": 5.1,
		"size": 4, "data": "AQIDBA=="},
	"context": "Y3R4",
	"timestamp": 1700000000
}`

func TestBridgeDispatchesUplink(t *testing.T) {
	_, conn, ingress, _ := startBridge(t)

	conn.deliver(t, subjectGatewayRX, &nats.Msg{Subject: "gateway.aa555a0000000101.rx", Data: []byte(rxJSON)})

	reqs := ingress.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, "aa555a0000000101", req.Station)
	assert.Equal(t, []byte{1, 2, 3, 4}, req.Payload)
	assert.Equal(t, 5, req.Radio.DataRate)
	assert.Equal(t, uint32(868500000), req.Radio.Frequency)
	assert.Equal(t, uint32(3512348611), req.Radio.Tmst)
	assert.Equal(t, 2, req.Radio.Channel)
	assert.InDelta(t, 5.1, req.Radio.SNR, 1e-9)
	assert.Equal(t, -35.0, req.Radio.RSSI)
	assert.JSONEq(t, `"Y3R4"`, string(req.Radio.Context))
	assert.False(t, req.Radio.Time.IsZero())
}

func TestDecodeRXRejects(t *testing.T) {
	region, err := lorawan.GetRegionConfiguration("EU868")
	require.NoError(t, err)

	cases := map[string]string{
		"bad json":      `{`,
		"crc error":     `{"gatewayID":"gw","rxpk":{"stat":-1,"datr":"SF7BW125","data":"AQ=="}}`,
		"bad base64":    `{"gatewayID":"gw","rxpk":{"stat":1,"datr":"SF7BW125","data":"%%"}}`,
		"empty payload": `{"gatewayID":"gw","rxpk":{"stat":1,"datr":"SF7BW125","data":""}}`,
		"unknown datr":  `{"gatewayID":"gw","rxpk":{"stat":1,"datr":"SF5BW500","data":"AQ=="}}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeRX(region, "gateway.gw.rx", []byte(data))
			assert.Error(t, err)
		})
	}

	_, err = decodeRX(region, "gateway.gw.rx", []byte(cases["crc error"]))
	assert.ErrorIs(t, err, errCRC)
}

func TestDecodeRXTakesStationFromSubject(t *testing.T) {
	region, err := lorawan.GetRegionConfiguration("EU868")
	require.NoError(t, err)

	req, err := decodeRX(region, "gateway.gw-7.rx", []byte(`{"rxpk":{"stat":1,"datr":"SF12BW125","freq":868.1,"data":"QA=="}}`))
	require.NoError(t, err)
	assert.Equal(t, "gw-7", req.Station)
	assert.Equal(t, 0, req.Radio.DataRate)
	assert.Equal(t, uint32(868100000), req.Radio.Frequency)
}

func testDownlink() *models.DownlinkMessage {
	return &models.DownlinkMessage{
		ID:       uuid.New(),
		DevEUI:   lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		Station:  "gw-1",
		Payload:  []byte{0x60, 0x01, 0x02},
		FCntDown: 4,
		RX1: &models.ReceiveWindow{
			DataRate:     5,
			DataRateName: "SF7BW125",
			Frequency:    868100000,
			Delay:        time.Second,
		},
		RX2: &models.ReceiveWindow{
			DataRate:     0,
			DataRateName: "SF12BW125",
			Frequency:    869525000,
			Delay:        2 * time.Second,
		},
		PreferredWindow: models.RX1,
		Tmst:            1000000,
		Context:         json.RawMessage(`"Y3R4"`),
	}
}

func TestSendDownlinkPublishesTxpk(t *testing.T) {
	b, conn, _, _ := startBridge(t)

	require.NoError(t, b.SendDownlink(context.Background(), testDownlink()))

	out := conn.published()
	require.Len(t, out, 1)
	assert.Equal(t, "gateway.gw-1.tx", out[0].subject)

	var tx txMessage
	require.NoError(t, json.Unmarshal(out[0].data, &tx))
	assert.Equal(t, "gw-1", tx.GatewayID)
	assert.Equal(t, "0102030405060708", tx.DevEUI)
	assert.False(t, tx.TXPK.Imme)
	require.NotNil(t, tx.TXPK.Tmst)
	assert.Equal(t, uint32(2000000), *tx.TXPK.Tmst)
	assert.Equal(t, 868.1, tx.TXPK.Freq)
	assert.Equal(t, "SF7BW125", tx.TXPK.Datr)
	assert.Equal(t, "4/5", tx.TXPK.Codr)
	assert.Equal(t, "LORA", tx.TXPK.Modu)
	assert.True(t, tx.TXPK.IPol)
	assert.Equal(t, 16, tx.TXPK.Powe)
	assert.Equal(t, 3, tx.TXPK.Size)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x60, 0x01, 0x02}), tx.TXPK.Data)
	assert.JSONEq(t, `"Y3R4"`, string(tx.Context))
}

func TestEncodeTX(t *testing.T) {
	t.Run("rx2", func(t *testing.T) {
		dl := testDownlink()
		dl.PreferredWindow = models.RX2
		tx, err := encodeTX(dl, 14)
		require.NoError(t, err)
		assert.Equal(t, 869.525, tx.TXPK.Freq)
		assert.Equal(t, "SF12BW125", tx.TXPK.Datr)
		assert.Equal(t, uint32(3000000), *tx.TXPK.Tmst)
	})

	t.Run("immediate", func(t *testing.T) {
		dl := testDownlink()
		dl.RX1 = nil
		dl.PreferredWindow = models.RX2
		dl.Immediate = true
		tx, err := encodeTX(dl, 14)
		require.NoError(t, err)
		assert.True(t, tx.TXPK.Imme)
		assert.Nil(t, tx.TXPK.Tmst)
	})

	t.Run("counter wraps", func(t *testing.T) {
		dl := testDownlink()
		dl.Tmst = 0xffffffff - 500000
		tx, err := encodeTX(dl, 14)
		require.NoError(t, err)
		assert.Equal(t, uint32(499999), *tx.TXPK.Tmst)
	})

	t.Run("no station", func(t *testing.T) {
		dl := testDownlink()
		dl.Station = ""
		_, err := encodeTX(dl, 14)
		assert.Error(t, err)
	})
}

func TestSendDownlinkErrors(t *testing.T) {
	b, conn, _, _ := startBridge(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.SendDownlink(ctx, testDownlink()), context.Canceled)

	conn.mu.Lock()
	conn.err = nats.ErrConnectionClosed
	conn.mu.Unlock()
	assert.ErrorIs(t, b.SendDownlink(context.Background(), testDownlink()), nats.ErrConnectionClosed)
}

func decodeReply(t *testing.T, conn *fakeConn, subject string) controlReply {
	t.Helper()
	for _, p := range conn.published() {
		if p.subject == subject {
			var r controlReply
			require.NoError(t, json.Unmarshal(p.data, &r))
			return r
		}
	}
	t.Fatalf("no reply on %s", subject)
	return controlReply{}
}

func TestControlOverNATS(t *testing.T) {
	_, conn, _, control := startBridge(t)
	pattern := subjectControlRoot + "*"

	conn.deliver(t, pattern, &nats.Msg{Subject: "ns.control.reset", Reply: "_INBOX.1"})
	assert.Equal(t, 1, control.resets)
	assert.Equal(t, "Succeeded", decodeReply(t, conn, "_INBOX.1").Status)

	control.result = network.ControlResult{Status: network.ControlNotFound, Message: "device not found"}
	conn.deliver(t, pattern, &nats.Msg{Subject: "ns.control.close", Reply: "_INBOX.2", Data: []byte(`{"devEUI":"0102030405060708"}`)})
	require.Len(t, control.closed, 1)
	assert.Equal(t, lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}, control.closed[0])
	assert.Equal(t, "NotFound", decodeReply(t, conn, "_INBOX.2").Status)

	conn.deliver(t, pattern, &nats.Msg{Subject: "ns.control.close", Reply: "_INBOX.3", Data: []byte(`{}`)})
	assert.Equal(t, "BadRequest", decodeReply(t, conn, "_INBOX.3").Status)

	conn.deliver(t, pattern, &nats.Msg{Subject: "ns.control.reboot", Reply: "_INBOX.4"})
	assert.Equal(t, "BadRequest", decodeReply(t, conn, "_INBOX.4").Status)

	control.result = network.ControlResult{Status: network.ControlSucceeded}
	conn.deliver(t, pattern, &nats.Msg{
		Subject: "ns.control.downlink",
		Reply:   "_INBOX.5",
		Data:    []byte(`{"devEUI":"0102030405060708","fPort":5,"data":"AQI=","confirmed":true}`),
	})
	require.Len(t, control.sent, 1)
	assert.Equal(t, network.CloudToDeviceRequest{FPort: 5, Payload: []byte{1, 2}, Confirmed: true}, control.sent[0])
	assert.Equal(t, "Succeeded", decodeReply(t, conn, "_INBOX.5").Status)

	control.sendErr = errors.New("directory unavailable")
	conn.deliver(t, pattern, &nats.Msg{
		Subject: "ns.control.downlink",
		Reply:   "_INBOX.6",
		Data:    []byte(`{"devEUI":"0102030405060708","fPort":5,"data":"AQI="}`),
	})
	r := decodeReply(t, conn, "_INBOX.6")
	assert.Equal(t, "Error", r.Status)
	assert.Equal(t, "directory unavailable", r.Message)
}

func TestDeviceTXSubject(t *testing.T) {
	_, conn, _, control := startBridge(t)

	conn.deliver(t, subjectDeviceTX, &nats.Msg{Subject: "ns.device.0102030405060708.tx", Data: []byte(`{"fPort":2,"data":"qg=="}`)})
	require.Len(t, control.sent, 1)
	assert.Equal(t, uint8(2), control.sent[0].FPort)
	assert.Equal(t, []byte{0xaa}, control.sent[0].Payload)
	assert.Empty(t, conn.published())

	conn.deliver(t, subjectDeviceTX, &nats.Msg{Subject: "ns.device.zz.tx", Data: []byte(`{}`)})
	assert.Len(t, control.sent, 1)
}
