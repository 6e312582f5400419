package kernel

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
)

type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps domain errors to HTTP statuses. Server faults are logged
// and answered with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		structural *domain.StructuralError
		unknown    *domain.UnknownTargetError
		dispatch   *domain.DispatchError
		tooLarge   *http.MaxBytesError
	)

	switch {
	case errors.As(err, &structural):
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "Invalid FHIR Bundle format: " + structural.Reason})
	case errors.As(err, &unknown):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Detail: "Unknown target diagnosis '" + unknown.Target + "'. No models registered.",
		})
	case errors.As(err, &tooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Detail: "request body too large"})
	case errors.Is(err, domain.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: err.Error()})
	case errors.Is(err, domain.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Detail: "Job not found"})
	case errors.Is(err, domain.ErrCorruptManifest):
		logServerError(r, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "Internal Registry Error: Model Manifest is corrupt."})
	case errors.As(err, &dispatch):
		logServerError(r, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "Job could not be dispatched"})
	default:
		logServerError(r, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "internal error"})
	}
}

func logServerError(r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "request failed",
		"request_id", RequestID(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
}
