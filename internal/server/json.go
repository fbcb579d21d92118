package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	recall "github.com/recall-proxy/recall/internal"
)

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, recall.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, recall.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, recall.ErrUpstreamUnavailable), errors.Is(err, recall.ErrUpstreamProtocol):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorKind labels upstream failures for metrics with bounded cardinality.
func errorKind(err error) string {
	switch {
	case errors.Is(err, recall.ErrUpstreamUnavailable):
		return "unavailable"
	case errors.Is(err, recall.ErrUpstreamProtocol):
		return "protocol"
	default:
		return "other"
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
