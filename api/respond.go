package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"service-matching/models"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusFor(kind models.Kind) int {
	switch kind {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindUnauthorized:
		return http.StatusUnauthorized
	case models.KindForbidden:
		return http.StatusForbidden
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConflict, models.KindAlreadyAccepted, models.KindIneligible:
		return http.StatusConflict
	case models.KindInvalidTransition:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps typed domain errors onto status codes. Anything untyped is
// logged and reported as an internal error without leaking its text.
func writeError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	var domainErr *models.Error
	if !errors.As(err, &domainErr) {
		log.Error("Unhandled error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal server error"})
		return
	}
	writeJSON(w, statusFor(domainErr.Kind), errorBody{Error: string(domainErr.Kind), Message: domainErr.Message})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return models.Validation("invalid request payload: %v", err)
	}
	return nil
}
