package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
)

// HTTPConfig configures the webhook sink
type HTTPConfig struct {
	Endpoint string
	Headers  map[string]string
	Timeout  time.Duration
}

// HTTPPublisher posts events as JSON to a webhook. The event kind is sent in
// the event query parameter.
type HTTPPublisher struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPPublisher(cfg HTTPConfig) *HTTPPublisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPPublisher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *HTTPPublisher) PublishUplink(ctx context.Context, ev *models.UplinkEvent) error {
	return p.post(ctx, "up", ev)
}

func (p *HTTPPublisher) PublishJoin(ctx context.Context, ev *models.JoinEvent) error {
	return p.post(ctx, "join", ev)
}

func (p *HTTPPublisher) post(ctx context.Context, event string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	q := req.URL.Query()
	q.Set("event", event)
	req.URL.RawQuery = q.Encode()

	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", p.cfg.Endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("post %s: status %d", p.cfg.Endpoint, resp.StatusCode)
	}

	log.Debug().
		Str("endpoint", p.cfg.Endpoint).
		Str("event", event).
		Msg("Event forwarded to HTTP")
	return nil
}
