package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

func TestHTTPClientSearchBySessionAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/devices/search", r.URL.Path)
		assert.Equal(t, "260b1bda", r.URL.Query().Get("devAddr"))
		assert.Equal(t, "key", r.Header.Get("x-functions-key"))
		_, _ = w.Write([]byte(`[{"devEUI":"0102030405060708","devAddr":"260b1bda","nwkSKey":"000102030405060708090a0b0c0d0e0f","gatewayID":"ns-1"}]`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key", time.Second)
	devices, err := c.SearchBySessionAddress(context.Background(), lorawan.DevAddr{0x26, 0x0b, 0x1b, 0xda})
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}, devices[0].DevEUI)
	assert.Equal(t, "ns-1", devices[0].GatewayID)
	assert.Equal(t, byte(0x0f), devices[0].NwkSKey[15])
}

func TestHTTPClientNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	_, err := c.GetTwin(context.Background(), lorawan.EUI64{1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	_, err := c.NextFCntDown(context.Background(), lorawan.EUI64{1}, 1, 1, "ns-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestHTTPClientUpdateReportedSendsDeltaOnly(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	fcnt := uint32(12)
	c := NewHTTPClient(srv.URL, "", time.Second)
	err := c.UpdateReportedProperties(context.Background(), lorawan.EUI64{1}, models.ReportedProperties{FCntUp: &fcnt})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"fCntUp": float64(12)}, got)
}

func TestHTTPClientReservationAndDuplicate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/devices/0100000000000000/fcntdown":
			var req nextFCntDownRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			_ = json.NewEncoder(w).Encode(nextFCntDownResponse{FCntDown: req.FCntDown + req.Delta})
		case "/api/devices/0100000000000000/duplicate":
			_ = json.NewEncoder(w).Encode(DuplicateResult{IsDuplicate: true, GatewayID: "ns-2"})
		case "/api/devices/join":
			assert.Equal(t, "513", r.URL.Query().Get("devNonce"))
			_ = json.NewEncoder(w).Encode(JoinSearchResult{IsDevNonceAlreadyUsed: true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewHTTPClient(srv.URL, "", time.Second)

	next, err := c.NextFCntDown(ctx, lorawan.EUI64{1}, 10, 1, "ns-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(11), next)

	dup, err := c.CheckDuplicateMessage(ctx, lorawan.EUI64{1}, 3, "ns-1", 0)
	require.NoError(t, err)
	assert.True(t, dup.IsDuplicate)

	join, err := c.SearchAndLockForJoin(ctx, "ns-1", lorawan.EUI64{2}, lorawan.EUI64{3}, 513)
	require.NoError(t, err)
	assert.True(t, join.IsDevNonceAlreadyUsed)
}
