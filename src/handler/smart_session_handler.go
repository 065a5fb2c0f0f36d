package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradeengine/src/model"
	"tradeengine/src/utils"
)

type smartSessionService interface {
	CreateSmart(ctx context.Context, wallet string, limitUsd decimal.Decimal, actions model.StringList, expiresAt time.Time) (*model.SmartSession, error)
	ReserveSmart(ctx context.Context, id uint, action string, valueUsd decimal.Decimal) (*model.SmartSession, error)
	RevokeSmart(ctx context.Context, id uint, reason string) error
}

type smartSessionReader interface {
	FindSmartByID(ctx context.Context, id uint) (*model.SmartSession, error)
}

type createSmartSessionRequest struct {
	WalletAddress    string           `json:"wallet_address"`
	SpendingLimitUsd string           `json:"spending_limit_usd"`
	AllowedActions   model.StringList `json:"allowed_actions"`
	ExpiresAt        time.Time        `json:"expires_at"`
}

// CreateSmartSessionHandler mints a flattened-limit grant.
func CreateSmartSessionHandler(svc smartSessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSmartSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if req.WalletAddress == "" {
			http.Error(w, "wallet_address is required", http.StatusBadRequest)
			return
		}

		limit, err := utils.ParsePositiveDecimal(req.SpendingLimitUsd)
		if err != nil {
			http.Error(w, "spending_limit_usd: "+err.Error(), http.StatusBadRequest)
			return
		}

		s, err := svc.CreateSmart(r.Context(), req.WalletAddress, limit, req.AllowedActions, req.ExpiresAt)
		if err != nil {
			respondErr(w, err)
			return
		}

		logger.WithFields(map[string]interface{}{
			"smart_session_id": s.ID,
			"wallet":           s.WalletAddress,
		}).Info("smart session created")
		writeJSON(w, http.StatusCreated, s)
	}
}

// GetSmartSessionHandler returns a smart session.
func GetSmartSessionHandler(repo smartSessionReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(r)
		if !ok {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}

		s, err := repo.FindSmartByID(r.Context(), id)
		if err != nil {
			respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

// ReserveSmartSessionHandler spends against a smart session's aggregate
// limit on behalf of an external caller.
func ReserveSmartSessionHandler(svc smartSessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(r)
		if !ok {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}

		var req struct {
			Action   string `json:"action"`
			ValueUsd string `json:"value_usd"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		value, err := utils.ParsePositiveDecimal(req.ValueUsd)
		if err != nil {
			http.Error(w, "value_usd: "+err.Error(), http.StatusBadRequest)
			return
		}

		s, err := svc.ReserveSmart(r.Context(), id, req.Action, value)
		if err != nil {
			respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

// RevokeSmartSessionHandler permanently kills a smart session.
func RevokeSmartSessionHandler(svc smartSessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(r)
		if !ok {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}

		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}

		if err := svc.RevokeSmart(r.Context(), id, req.Reason); err != nil {
			respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	}
}
