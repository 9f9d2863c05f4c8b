package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	pkgerrors "bloodbridge/pkg/errors"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError centralizes domain error translation to HTTP responses so every
// handler emits the same JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	code := pkgerrors.CodeOf(err)
	message := "internal error"
	var e *pkgerrors.Error
	if errors.As(err, &e) {
		message = e.Message
	}
	writeJSON(w, pkgerrors.ToHTTPStatus(code), map[string]string{
		"error":   string(code),
		"message": message,
	})
}
