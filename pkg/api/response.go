package api

import (
	"encoding/json"
	"net/http"

	"github.com/shoalstore/shoal/pkg/errors"
)

// errorBody is the client-visible error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are gone; nothing more to do.
		_ = err
	}
}

func writeJSONError(w http.ResponseWriter, api *errors.APIError) {
	writeJSON(w, api.StatusCode, errorBody{
		Code:    string(api.Code),
		Message: api.Message,
	})
}
