package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ctflabs/instancer/internal/repository"
	"github.com/ctflabs/instancer/internal/service/instance"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeInstanceError maps lifecycle errors to HTTP responses.
func writeInstanceError(w http.ResponseWriter, err error) {
	var capErr *repository.CapacityError
	if errors.As(err, &capErr) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":  "instance capacity exceeded",
			"active": capErr.Active,
			"max":    capErr.Max,
		})
		return
	}
	switch {
	case errors.Is(err, repository.ErrDuplicateActiveInstance):
		writeError(w, http.StatusConflict, "an active instance for this challenge already exists")
	case errors.Is(err, instance.ErrUnknownTemplate):
		writeError(w, http.StatusUnprocessableEntity, "unknown challenge template")
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "instance not found")
	default:
		var provErr *instance.ProvisionError
		if errors.As(err, &provErr) {
			writeError(w, http.StatusBadGateway, "instance provisioning failed")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
