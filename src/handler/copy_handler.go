package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	logger "github.com/sirupsen/logrus"

	"tradeengine/src/model"
)

type copyService interface {
	Upsert(ctx context.Context, rel *model.CopyRelationship) (*model.CopyRelationship, error)
	SetPaused(ctx context.Context, id uint, paused bool) (*model.CopyRelationship, error)
	Deactivate(ctx context.Context, id uint) (*model.CopyRelationship, error)
	HandleSignal(ctx context.Context, sig model.TradeSignal) (int, error)
}

type copyReader interface {
	FindRelationshipByID(ctx context.Context, id uint) (*model.CopyRelationship, error)
	ListExecutions(ctx context.Context, relationshipID uint, limit int) ([]model.CopyExecution, error)
}

// UpsertRelationshipHandler creates or reconfigures a follower→leader
// link.
func UpsertRelationshipHandler(svc copyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rel model.CopyRelationship
		if err := json.NewDecoder(r.Body).Decode(&rel); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}

		saved, err := svc.Upsert(r.Context(), &rel)
		if err != nil {
			respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

// GetRelationshipHandler returns a relationship by id.
func GetRelationshipHandler(repo copyReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(r)
		if !ok {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}

		rel, err := repo.FindRelationshipByID(r.Context(), id)
		if err != nil {
			respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rel)
	}
}

// PauseRelationshipHandler toggles matching on or off for a relationship.
func PauseRelationshipHandler(svc copyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(r)
		if !ok {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}

		var req struct {
			Paused bool `json:"paused"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}

		rel, err := svc.SetPaused(r.Context(), id, req.Paused)
		if err != nil {
			respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rel)
	}
}

// DeactivateRelationshipHandler retires a relationship.
func DeactivateRelationshipHandler(svc copyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(r)
		if !ok {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}

		rel, err := svc.Deactivate(r.Context(), id)
		if err != nil {
			respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rel)
	}
}

// ListCopyExecutionsHandler returns the newest replicated trades of a
// relationship.
func ListCopyExecutionsHandler(repo copyReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(r)
		if !ok {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}

		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = parsed
		}

		execs, err := repo.ListExecutions(r.Context(), id, limit)
		if err != nil {
			respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, execs)
	}
}

// IngestSignalHandler accepts a leader trade signal over HTTP. The
// websocket ingester is the primary path; this endpoint serves replays
// and integrations that cannot stream.
func IngestSignalHandler(svc copyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sig model.TradeSignal
		if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if sig.LeaderAddress == "" || sig.TxHash == "" {
			http.Error(w, "leader_address and tx_hash are required", http.StatusBadRequest)
			return
		}

		evaluated, err := svc.HandleSignal(r.Context(), sig)
		if err != nil {
			respondErr(w, err)
			return
		}

		logger.WithFields(map[string]interface{}{
			"leader":    sig.LeaderAddress,
			"evaluated": evaluated,
		}).Info("signal ingested")
		writeJSON(w, http.StatusOK, map[string]int{"evaluated": evaluated})
	}
}
