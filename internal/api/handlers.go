package api

import (
	"errors"
	"net/http"

	"github.com/pobradovic08/zigbee-beacon/internal/model"
)

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if err := s.source.Health(); err != nil {
		model.WriteText(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	model.WriteText(w, http.StatusOK, "OK")
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	result, err := s.source.Stats(r.Context())
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.log.Error().Err(err).Str("request_id", RequestID(r.Context())).Msg("failed to compute stats")
		}
		model.WriteError(w, status, err.Error())
		return
	}
	model.WriteJSON(w, http.StatusOK, result)
}

// statusFor maps a Source error to an HTTP status. Missing data and an
// unreachable upstream are reported as 503; anything else is a 500.
func statusFor(err error) int {
	var (
		notConnected *model.NotConnectedError
		fetchErr     *model.FetchError
	)
	switch {
	case errors.Is(err, model.ErrNoData),
		errors.As(err, &notConnected),
		errors.As(err, &fetchErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
