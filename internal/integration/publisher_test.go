package integration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

var (
	testDevEUI = lorawan.EUI64{0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x01, 0x02}
	testAppEUI = lorawan.EUI64{0x70, 0xb3, 0xd5, 0x7e, 0xd0, 0x00, 0x00, 0x01}
)

func uplinkEvent() *models.UplinkEvent {
	appEUI := testAppEUI
	port := uint8(2)
	return &models.UplinkEvent{
		ID:         uuid.New(),
		DevEUI:     testDevEUI,
		DevAddr:    lorawan.DevAddr{0x26, 0x01, 0x1b, 0xda},
		AppEUI:     &appEUI,
		Station:    "gw-1",
		FCnt:       7,
		FPort:      &port,
		Data:       []byte{0x01},
		ReceivedAt: time.Now(),
	}
}

func joinEvent() *models.JoinEvent {
	return &models.JoinEvent{
		ID:      uuid.New(),
		DevEUI:  testDevEUI,
		DevAddr: lorawan.DevAddr{0x26, 0x01, 0x1b, 0xda},
		AppEUI:  testAppEUI,
		Station: "gw-1",
		Time:    time.Now(),
	}
}

type natsRecorder struct {
	mu       sync.Mutex
	subjects []string
	data     [][]byte
	err      error
}

func (r *natsRecorder) Publish(subj string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.subjects = append(r.subjects, subj)
	r.data = append(r.data, data)
	return nil
}

func TestNATSPublisherSubjects(t *testing.T) {
	rec := &natsRecorder{}
	p := NewNATSPublisher(rec)

	require.NoError(t, p.PublishUplink(context.Background(), uplinkEvent()))
	require.NoError(t, p.PublishJoin(context.Background(), joinEvent()))

	ev := uplinkEvent()
	ev.AppEUI = nil
	require.NoError(t, p.PublishUplink(context.Background(), ev))

	assert.Equal(t, []string{
		"application.70b3d57ed0000001.device.0080000000000102.rx",
		"application.70b3d57ed0000001.device.0080000000000102.join",
		"application.unknown.device.0080000000000102.rx",
	}, rec.subjects)

	var decoded models.UplinkEvent
	require.NoError(t, json.Unmarshal(rec.data[0], &decoded))
	assert.Equal(t, uint32(7), decoded.FCnt)
	assert.Equal(t, testDevEUI, decoded.DevEUI)
}

func TestNATSPublisherErrors(t *testing.T) {
	rec := &natsRecorder{err: errors.New("connection closed")}
	p := NewNATSPublisher(rec)
	assert.Error(t, p.PublishUplink(context.Background(), uplinkEvent()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewNATSPublisher(&natsRecorder{}).PublishJoin(ctx, joinEvent()), context.Canceled)
}

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool { return !t.timeout }

func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }

func (t *fakeToken) Error() error { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMQTTClient struct {
	mqtt.Client

	mu     sync.Mutex
	topics []string
	qos    []byte
	token  *fakeToken
}

func (c *fakeMQTTClient) Publish(topic string, qos byte, _ bool, _ interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.qos = append(c.qos, qos)
	if c.token != nil {
		return c.token
	}
	return &fakeToken{}
}

func TestMQTTPublisherTopics(t *testing.T) {
	client := &fakeMQTTClient{}
	p := newMQTTPublisher(client, MQTTConfig{QoS: 1})

	require.NoError(t, p.PublishUplink(context.Background(), uplinkEvent()))
	require.NoError(t, p.PublishJoin(context.Background(), joinEvent()))

	assert.Equal(t, []string{
		"lorawan/70b3d57ed0000001/devices/0080000000000102/up",
		"lorawan/70b3d57ed0000001/devices/0080000000000102/join",
	}, client.topics)
	assert.Equal(t, []byte{1, 1}, client.qos)

	custom := newMQTTPublisher(client, MQTTConfig{TopicPattern: "nodes/{dev_addr}/{event}"})
	require.NoError(t, custom.PublishUplink(context.Background(), uplinkEvent()))
	assert.Equal(t, "nodes/26011bda/up", client.topics[2])
}

func TestMQTTPublisherFailures(t *testing.T) {
	client := &fakeMQTTClient{token: &fakeToken{timeout: true}}
	p := newMQTTPublisher(client, MQTTConfig{PublishTimeout: time.Millisecond})
	assert.ErrorIs(t, p.PublishUplink(context.Background(), uplinkEvent()), errPublishTimeout)

	client.token = &fakeToken{err: errors.New("not connected")}
	assert.EqualError(t, p.PublishJoin(context.Background(), joinEvent()),
		"publish lorawan/70b3d57ed0000001/devices/0080000000000102/join: not connected")
}

func TestHTTPPublisher(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
		bodies [][]byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		body, _ := io.ReadAll(r.Body)

		mu.Lock()
		events = append(events, r.URL.Query().Get("event"))
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewHTTPPublisher(HTTPConfig{Endpoint: srv.URL + "/hook", Headers: map[string]string{"X-Api-Key": "secret"}})
	require.NoError(t, p.PublishUplink(context.Background(), uplinkEvent()))
	require.NoError(t, p.PublishJoin(context.Background(), joinEvent()))

	assert.Equal(t, []string{"up", "join"}, events)
	var ev models.JoinEvent
	require.NoError(t, json.Unmarshal(bodies[1], &ev))
	assert.Equal(t, testAppEUI, ev.AppEUI)
}

func TestHTTPPublisherStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPPublisher(HTTPConfig{Endpoint: srv.URL}).PublishUplink(context.Background(), uplinkEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

type countingPublisher struct {
	uplinks atomic.Int32
	joins   atomic.Int32
	err     error
}

func (c *countingPublisher) PublishUplink(context.Context, *models.UplinkEvent) error {
	c.uplinks.Add(1)
	return c.err
}

func (c *countingPublisher) PublishJoin(context.Context, *models.JoinEvent) error {
	c.joins.Add(1)
	return c.err
}

func TestMultiPublisherFansOut(t *testing.T) {
	a, b := &countingPublisher{}, &countingPublisher{}
	m := NewMultiPublisher(nil, 2, Sink{Name: "a", Publisher: a}, Sink{Name: "b", Publisher: b})
	defer m.Close()

	assert.Equal(t, []string{"a", "b"}, m.Sinks())
	require.NoError(t, m.PublishUplink(context.Background(), uplinkEvent()))
	require.NoError(t, m.PublishJoin(context.Background(), joinEvent()))

	assert.Equal(t, int32(1), a.uplinks.Load())
	assert.Equal(t, int32(1), b.uplinks.Load())
	assert.Equal(t, int32(1), a.joins.Load())
	assert.Equal(t, int32(1), b.joins.Load())
}

func TestMultiPublisherIsolatesFailures(t *testing.T) {
	sentinel := errors.New("broker down")
	healthy, broken := &countingPublisher{}, &countingPublisher{err: sentinel}
	m := NewMultiPublisher(nil, 4, Sink{Name: "healthy", Publisher: healthy}, Sink{Name: "broken", Publisher: broken})
	defer m.Close()

	err := m.PublishUplink(context.Background(), uplinkEvent())
	require.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, int32(1), healthy.uplinks.Load())
}

func TestMultiPublisherWithoutSinks(t *testing.T) {
	m := NewMultiPublisher(nil, 1)
	defer m.Close()
	assert.NoError(t, m.PublishUplink(context.Background(), uplinkEvent()))
}
