package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	logger "github.com/sirupsen/logrus"

	"tradeengine/src/model"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.WithError(err).Error("failed to encode response")
	}
}

// respondErr maps domain sentinels onto HTTP statuses and logs anything
// unexpected.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrIllegalTransition),
		errors.Is(err, model.ErrTerminalState),
		errors.Is(err, model.ErrIllegalStatus),
		errors.Is(err, model.ErrVersionConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, model.ErrSessionInactive),
		errors.Is(err, model.ErrSessionExpired),
		errors.Is(err, model.ErrBudgetExceeded),
		errors.Is(err, model.ErrAllowlist),
		errors.Is(err, model.ErrActionNotAllowed):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, model.ErrRateLimited):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	default:
		logger.WithError(err).Error("request failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
