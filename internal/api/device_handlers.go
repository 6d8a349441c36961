package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/network"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// HandleResetCache drops every cached session
func (s *RESTServer) HandleResetCache(w http.ResponseWriter, r *http.Request) {
	res := s.control.ResetCache()
	log.Info().Str("operator", operator(r)).Msg("Cache reset requested")
	s.respondControl(w, res)
}

// HandleCloseConnection flushes and evicts one device
func (s *RESTServer) HandleCloseConnection(w http.ResponseWriter, r *http.Request) {
	devEUI, ok := s.devEUIParam(w, r)
	if !ok {
		return
	}

	res := s.control.CloseConnection(r.Context(), devEUI)
	log.Info().
		Str("operator", operator(r)).
		Str("devEUI", devEUI.String()).
		Stringer("status", res.Status).
		Msg("Close connection requested")
	s.respondControl(w, res)
}

// HandleSendDownlink submits a cloud to device message
func (s *RESTServer) HandleSendDownlink(w http.ResponseWriter, r *http.Request) {
	devEUI, ok := s.devEUIParam(w, r)
	if !ok {
		return
	}

	var req struct {
		FPort     uint8  `json:"fPort" validate:"min=1,max=223"`
		Data      string `json:"data" validate:"required,hex"` // hex encoded
		Confirmed bool   `json:"confirmed"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := hex.DecodeString(req.Data)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid hex data")
		return
	}

	res, err := s.control.SendCloudToDevice(r.Context(), devEUI, network.CloudToDeviceRequest{
		FPort:     req.FPort,
		Payload:   data,
		Confirmed: req.Confirmed,
	})
	if err != nil {
		log.Error().Err(err).Str("devEUI", devEUI.String()).Msg("Failed to send downlink")
		s.respondError(w, http.StatusInternalServerError, "failed to send downlink")
		return
	}

	log.Info().
		Str("operator", operator(r)).
		Str("devEUI", devEUI.String()).
		Uint8("fPort", req.FPort).
		Stringer("status", res.Status).
		Msg("Downlink requested")
	s.respondControl(w, res)
}

func (s *RESTServer) devEUIParam(w http.ResponseWriter, r *http.Request) (lorawan.EUI64, bool) {
	devEUI, err := lorawan.ParseEUI64(chi.URLParam(r, "dev_eui"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid dev_eui")
		return lorawan.EUI64{}, false
	}
	return devEUI, true
}
