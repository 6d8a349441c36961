// Package integration forwards accepted uplinks and joins to application
// backends.
package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/metrics"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
)

// Publisher delivers telemetry to one backend
type Publisher interface {
	PublishUplink(ctx context.Context, ev *models.UplinkEvent) error
	PublishJoin(ctx context.Context, ev *models.JoinEvent) error
}

// Sink is a named publisher, the name labels metrics and logs
type Sink struct {
	Name      string
	Publisher Publisher
}

// MultiPublisher fans every event out to all sinks in parallel. A failing
// sink does not stop the others.
type MultiPublisher struct {
	sinks []Sink
	pool  pond.Pool
}

// NewMultiPublisher runs the fan-out on a subpool of pool limited to
// workers concurrent publishes. A nil pool gets a private one.
func NewMultiPublisher(pool pond.Pool, workers int, sinks ...Sink) *MultiPublisher {
	if workers <= 0 {
		workers = 8
	}
	var sub pond.Pool
	if pool != nil {
		sub = pool.NewSubpool(workers)
	} else {
		sub = pond.NewPool(workers)
	}
	return &MultiPublisher{sinks: sinks, pool: sub}
}

// Sinks returns the configured sink names
func (m *MultiPublisher) Sinks() []string {
	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.Name
	}
	return names
}

func (m *MultiPublisher) PublishUplink(ctx context.Context, ev *models.UplinkEvent) error {
	return m.fanOut("uplink", func(p Publisher) error { return p.PublishUplink(ctx, ev) })
}

func (m *MultiPublisher) PublishJoin(ctx context.Context, ev *models.JoinEvent) error {
	return m.fanOut("join", func(p Publisher) error { return p.PublishJoin(ctx, ev) })
}

func (m *MultiPublisher) fanOut(kind string, publish func(Publisher) error) error {
	if len(m.sinks) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	group := m.pool.NewGroup()
	for _, sink := range m.sinks {
		group.Submit(func() {
			if err := publish(sink.Publisher); err != nil {
				metrics.TelemetryErrorsTotal.WithLabelValues(sink.Name).Inc()
				log.Warn().
					Err(err).
					Str("sink", sink.Name).
					Str("event", kind).
					Msg("Telemetry publish failed")

				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", sink.Name, err))
				mu.Unlock()
			}
		})
	}
	_ = group.Wait()

	return errors.Join(errs...)
}

// Close stops the fan-out pool after the queued publishes ran
func (m *MultiPublisher) Close() {
	m.pool.StopAndWait()
}
