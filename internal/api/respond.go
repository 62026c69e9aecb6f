package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/pipeline"
	"github.com/carepath/report-pipeline/internal/store"
)

// maxBody caps request bodies.
const maxBody = 1 << 20

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"error": code, "message": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}

func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// respondErr maps pipeline and store errors to HTTP statuses. Stage
// outcomes that did not succeed are returned as the outcome body.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var oe *pipeline.OutcomeError
	switch {
	case errors.As(err, &oe):
		status := http.StatusUnprocessableEntity
		if pipeline.IsPrecondition(err) {
			status = http.StatusConflict
		}
		respondJSON(w, status, oe.Outcome)
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, pipeline.ErrUnknownStage):
		respondError(w, http.StatusBadRequest, "unknown_stage", err.Error())
	case errors.Is(err, pipeline.ErrJobFailed), errors.Is(err, pipeline.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	case pipeline.IsPrecondition(err):
		respondError(w, http.StatusConflict, string(pipeline.CodeOf(err)), err.Error())
	default:
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
