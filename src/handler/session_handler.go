package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradeengine/src/model"
	"tradeengine/src/security"
	"tradeengine/src/session"
	"tradeengine/src/utils"
)

type sessionService interface {
	Create(ctx context.Context, params session.CreateParams) (*model.SessionKey, error)
	Revoke(ctx context.Context, id uint, reason string) error
	Extend(ctx context.Context, id uint, days int) (*model.SessionKey, error)
}

type sessionReader interface {
	FindByID(ctx context.Context, id uint) (*model.SessionKey, error)
}

type createSessionRequest struct {
	WalletAddress    string           `json:"wallet_address"`
	AgentID          string           `json:"agent_id"`
	Permissions      model.StringList `json:"permissions"`
	MaxValuePerTxUsd string           `json:"max_value_per_tx_usd"`
	MaxTotalValueUsd string           `json:"max_total_value_usd"`
	MaxTransactions  *int             `json:"max_transactions,omitempty"`
	AllowedChains    model.StringList `json:"allowed_chains"`
	AllowedContracts model.StringList `json:"allowed_contracts"`
	AllowedTokens    model.StringList `json:"allowed_tokens"`
	ExpiresAt        time.Time        `json:"expires_at"`
	SignerMaterial   string           `json:"signer_material,omitempty"`
}

// CreateSessionHandler mints a scoped spending grant.
func CreateSessionHandler(svc sessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if req.WalletAddress == "" {
			http.Error(w, "wallet_address is required", http.StatusBadRequest)
			return
		}

		perTx, err := utils.ParsePositiveDecimal(req.MaxValuePerTxUsd)
		if err != nil {
			http.Error(w, "max_value_per_tx_usd: "+err.Error(), http.StatusBadRequest)
			return
		}
		total, err := utils.ParsePositiveDecimal(req.MaxTotalValueUsd)
		if err != nil {
			http.Error(w, "max_total_value_usd: "+err.Error(), http.StatusBadRequest)
			return
		}

		var sealed []byte
		if req.SignerMaterial != "" {
			sealed, err = security.SealSigner([]byte(req.SignerMaterial))
			if err != nil {
				logger.WithError(err).Error("failed to seal signer material")
				http.Error(w, "failed to seal signer material", http.StatusInternalServerError)
				return
			}
		}

		key, err := svc.Create(r.Context(), session.CreateParams{
			WalletAddress:    req.WalletAddress,
			AgentID:          req.AgentID,
			Permissions:      req.Permissions,
			MaxValuePerTxUsd: perTx,
			MaxTotalValueUsd: total,
			MaxTransactions:  req.MaxTransactions,
			AllowedChains:    req.AllowedChains,
			AllowedContracts: req.AllowedContracts,
			AllowedTokens:    req.AllowedTokens,
			ExpiresAt:        req.ExpiresAt,
			SealedSigner:     sealed,
		})
		if err != nil {
			respondErr(w, err)
			return
		}

		logger.WithFields(map[string]interface{}{
			"session_id": key.ID,
			"wallet":     key.WalletAddress,
		}).Info("session key created")
		writeJSON(w, http.StatusCreated, key)
	}
}

// GetSessionHandler returns a grant with its recent usage log.
func GetSessionHandler(repo sessionReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(r)
		if !ok {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}

		key, err := repo.FindByID(r.Context(), id)
		if err != nil {
			respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, key)
	}
}

// RevokeSessionHandler permanently kills a grant.
func RevokeSessionHandler(svc sessionService) http.HandlerFunc {
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

		if err := svc.Revoke(r.Context(), id, req.Reason); err != nil {
			respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	}
}

// ExtendSessionHandler pushes a grant's expiry out by a number of days.
func ExtendSessionHandler(svc sessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(r)
		if !ok {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}

		var req struct {
			Days int `json:"days"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}

		key, err := svc.Extend(r.Context(), id, req.Days)
		if err != nil {
			respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, key)
	}
}
