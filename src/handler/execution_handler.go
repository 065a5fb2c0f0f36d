package handler

import (
	"context"
	"net/http"
	"strconv"

	"tradeengine/src/model"
)

type executionReader interface {
	FindByID(ctx context.Context, id uint) (*model.ExecutionRecord, error)
	ListByOwner(ctx context.Context, ownerType model.OwnerType, ownerID uint, limit int) ([]model.ExecutionRecord, error)
}

// GetExecutionHandler returns an execution record with its steps, state
// history and agent decisions.
func GetExecutionHandler(repo executionReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(r)
		if !ok {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}

		rec, err := repo.FindByID(r.Context(), id)
		if err != nil {
			respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// ListExecutionsByOwnerHandler returns the newest records of one strategy
// or relationship.
func ListExecutionsByOwnerHandler(repo executionReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerType := model.OwnerType(r.URL.Query().Get("ownerType"))
		switch ownerType {
		case model.OwnerTypeDcaStrategy, model.OwnerTypeCopyRelationship:
		default:
			http.Error(w, "invalid ownerType", http.StatusBadRequest)
			return
		}

		ownerID, err := strconv.ParseUint(r.URL.Query().Get("ownerId"), 10, 64)
		if err != nil || ownerID == 0 {
			http.Error(w, "invalid ownerId", http.StatusBadRequest)
			return
		}

		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, perr := strconv.Atoi(raw)
			if perr != nil || parsed <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = parsed
		}

		recs, err := repo.ListByOwner(r.Context(), ownerType, uint(ownerID), limit)
		if err != nil {
			respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, recs)
	}
}
