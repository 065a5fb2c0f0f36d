package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"tradeengine/src/model"
)

type approvalManager interface {
	Approve(ctx context.Context, id uint, approver string) (*model.ExecutionRecord, error)
	Reject(ctx context.Context, id uint, reason string) (*model.ExecutionRecord, error)
}

type approvedSubmitter interface {
	SubmitApproved(ctx context.Context, recordID uint) error
	RejectPending(ctx context.Context, recordID uint, reason string) error
}

func recordIDParam(r *http.Request) (uint, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// ApproveHandler approves an awaiting execution and resumes its
// submission.
func ApproveHandler(mgr approvalManager, submitter approvedSubmitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(r)
		if !ok {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}

		var req struct {
			Approver string `json:"approver"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Approver == "" {
			http.Error(w, "approver is required", http.StatusBadRequest)
			return
		}

		rec, err := mgr.Approve(r.Context(), id, req.Approver)
		if err != nil {
			respondErr(w, err)
			return
		}

		if rec.OwnerType == model.OwnerTypeCopyRelationship {
			if err := submitter.SubmitApproved(r.Context(), id); err != nil {
				logger.WithError(err).WithField("record_id", id).
					Error("approved trade submission failed")
			}
		}

		writeJSON(w, http.StatusOK, rec)
	}
}

// RejectHandler rejects an awaiting execution with a reason.
func RejectHandler(mgr approvalManager, submitter approvedSubmitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(r)
		if !ok {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}

		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
			http.Error(w, "reason is required", http.StatusBadRequest)
			return
		}

		rec, err := mgr.Reject(r.Context(), id, req.Reason)
		if err != nil {
			respondErr(w, err)
			return
		}

		if rec.OwnerType == model.OwnerTypeCopyRelationship {
			if err := submitter.RejectPending(r.Context(), id, req.Reason); err != nil {
				logger.WithError(err).WithField("record_id", id).
					Error("failed to resolve rejected trade")
			}
		}

		writeJSON(w, http.StatusOK, rec)
	}
}
