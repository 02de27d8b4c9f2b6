package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/veriflow/logocheck/pkg/log"
	"github.com/veriflow/logocheck/pkg/session"
	"github.com/veriflow/logocheck/pkg/storage"
	"github.com/veriflow/logocheck/pkg/tracker"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Debug().Err(err).Msg("response encode failed")
	}
}

// errorBody is the uniform error envelope
type errorBody struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

// writeMappedError translates component errors onto HTTP statuses
func writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "batch not found")
	case errors.Is(err, tracker.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, session.ErrForbidden):
		writeError(w, http.StatusForbidden, "invalid csrf token")
	default:
		log.WithComponent("api").Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
