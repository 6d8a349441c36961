package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/metrics"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// HTTPClient talks to the directory's function API
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient creates a directory client
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type nextFCntDownRequest struct {
	FCntDown  uint32 `json:"fCntDown"`
	Delta     uint32 `json:"delta"`
	GatewayID string `json:"gatewayID"`
}

type nextFCntDownResponse struct {
	FCntDown uint32 `json:"fCntDown"`
}

type duplicateCheckRequest struct {
	FCntUp    uint32 `json:"fCntUp"`
	FCntDown  uint32 `json:"fCntDown"`
	GatewayID string `json:"gatewayID"`
}

// SearchBySessionAddress lists the devices using devAddr
func (c *HTTPClient) SearchBySessionAddress(ctx context.Context, devAddr lorawan.DevAddr) ([]DeviceInfo, error) {
	q := url.Values{"devAddr": {devAddr.String()}}

	var devices []DeviceInfo
	if err := c.do(ctx, "search", http.MethodGet, "/api/devices/search?"+q.Encode(), nil, &devices); err != nil {
		return nil, fmt.Errorf("search devAddr %s: %w", devAddr, err)
	}
	return devices, nil
}

// SearchAndLockForJoin looks up a joining device and locks its nonce
func (c *HTTPClient) SearchAndLockForJoin(ctx context.Context, instanceID string, devEUI, appEUI lorawan.EUI64, devNonce uint16) (*JoinSearchResult, error) {
	q := url.Values{
		"devEUI":    {devEUI.String()},
		"appEUI":    {appEUI.String()},
		"devNonce":  {strconv.Itoa(int(devNonce))},
		"gatewayID": {instanceID},
	}

	var res JoinSearchResult
	if err := c.do(ctx, "join", http.MethodPost, "/api/devices/join?"+q.Encode(), nil, &res); err != nil {
		return nil, fmt.Errorf("join search %s: %w", devEUI, err)
	}
	return &res, nil
}

// GetTwin loads the device twin
func (c *HTTPClient) GetTwin(ctx context.Context, devEUI lorawan.EUI64) (*models.Twin, error) {
	var twin models.Twin
	if err := c.do(ctx, "twin", http.MethodGet, "/api/devices/"+devEUI.String()+"/twin", nil, &twin); err != nil {
		return nil, fmt.Errorf("get twin %s: %w", devEUI, err)
	}
	twin.DevEUI = devEUI
	return &twin, nil
}

// UpdateReportedProperties patches the reported section of the twin
func (c *HTTPClient) UpdateReportedProperties(ctx context.Context, devEUI lorawan.EUI64, delta models.ReportedProperties) error {
	if err := c.do(ctx, "update", http.MethodPatch, "/api/devices/"+devEUI.String()+"/twin/reported", delta, nil); err != nil {
		return fmt.Errorf("update reported %s: %w", devEUI, err)
	}
	return nil
}

// NextFCntDown reserves a downlink counter
func (c *HTTPClient) NextFCntDown(ctx context.Context, devEUI lorawan.EUI64, current, delta uint32, instanceID string) (uint32, error) {
	var res nextFCntDownResponse
	req := nextFCntDownRequest{FCntDown: current, Delta: delta, GatewayID: instanceID}
	if err := c.do(ctx, "fcntdown", http.MethodPost, "/api/devices/"+devEUI.String()+"/fcntdown", req, &res); err != nil {
		return 0, fmt.Errorf("next fcnt down %s: %w", devEUI, err)
	}
	return res.FCntDown, nil
}

// CheckDuplicateMessage asks whether another instance accepted the uplink
func (c *HTTPClient) CheckDuplicateMessage(ctx context.Context, devEUI lorawan.EUI64, fCntUp uint32, instanceID string, fCntDown uint32) (*DuplicateResult, error) {
	var res DuplicateResult
	req := duplicateCheckRequest{FCntUp: fCntUp, FCntDown: fCntDown, GatewayID: instanceID}
	if err := c.do(ctx, "duplicate", http.MethodPost, "/api/devices/"+devEUI.String()+"/duplicate", req, &res); err != nil {
		return nil, fmt.Errorf("duplicate check %s: %w", devEUI, err)
	}
	return &res, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body, out any) (err error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-functions-key", c.apiKey)
	}

	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.DirectoryCallDurationSeconds.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Directory call")

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("directory returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
