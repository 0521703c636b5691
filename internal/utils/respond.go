package utils

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

type failure struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError classifies err and writes the {success:false,message} body.
// Server-side failures are logged with their cause.
func WriteError(w http.ResponseWriter, log *zap.Logger, err error) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError && log != nil {
		log.Error("request failed", zap.Error(err))
	}
	WriteJSON(w, status, failure{Success: false, Message: PublicMessage(err)})
}

// DecodeJSON reads a JSON body into v, reporting malformed input as a ValidationError.
func DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return Validation("Invalid request body")
	}
	return nil
}
