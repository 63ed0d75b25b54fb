package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/phuaky/pong-rank/internal/domain"
	"github.com/phuaky/pong-rank/internal/service"
)

type envelope struct {
	Success       bool   `json:"success"`
	Data          any    `json:"data,omitempty"`
	Error         string `json:"error,omitempty"`
	Kind          string `json:"kind,omitempty"`
	State         string `json:"state,omitempty"`
	Indeterminate bool   `json:"indeterminate,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// writeError maps the error kind to a status code. Workflow failures also
// report the last state reached so the caller knows what may be durable.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.Kind(err)
	status := statusFor(kind)

	body := envelope{
		Error:         err.Error(),
		Kind:          kind,
		Indeterminate: domain.IsIndeterminate(err),
	}
	var wfErr *service.WorkflowError
	if errors.As(err, &wfErr) {
		body.State = string(wfErr.State)
	}

	log := zerolog.Ctx(r.Context())
	event := log.Warn()
	switch {
	case status >= http.StatusInternalServerError:
		event = log.Error()
	case domain.IsClientError(err):
		event = log.Info()
	}
	event.Err(err).Str("kind", kind).Int("status", status).Str("path", r.URL.Path).Msg("request failed")

	writeJSON(w, status, body)
}

func statusFor(kind string) int {
	switch kind {
	case "invalid_input", "invalid_match_shape", "malformed_identifier":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "already_registered", "match_exists":
		return http.StatusConflict
	case "unknown_participant":
		return http.StatusUnprocessableEntity
	case "ledger_write_failed":
		return http.StatusBadGateway
	case "metadata_write_failed", "store_unavailable":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
