package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradeengine/src/copytrade"
	"tradeengine/src/dca"
	"tradeengine/src/model"
)

type dcaCallbacks interface {
	MarkSubmitted(ctx context.Context, clientRef, txHash string) error
	MarkConfirmed(ctx context.Context, clientRef string, fill dca.FillReport) error
	MarkFailed(ctx context.Context, clientRef, errMsg string, recoverable bool) error
}

type copyCallbacks interface {
	MarkSubmitted(ctx context.Context, clientRef, txHash string) error
	OnFill(ctx context.Context, clientRef string, fill copytrade.FillReport) error
	OnFailed(ctx context.Context, clientRef, errMsg string, recoverable bool) error
}

type submittedRequest struct {
	ClientRef string `json:"client_ref"`
	TxHash    string `json:"tx_hash"`
}

type confirmedRequest struct {
	ClientRef      string          `json:"client_ref"`
	TxHash         string          `json:"tx_hash"`
	SpentUsd       decimal.Decimal `json:"spent_usd"`
	TokensAcquired decimal.Decimal `json:"tokens_acquired"`
	GasPaidUsd     decimal.Decimal `json:"gas_paid_usd"`
	ExpectedOut    decimal.Decimal `json:"expected_out"`
}

type failedRequest struct {
	ClientRef   string `json:"client_ref"`
	Error       string `json:"error"`
	Recoverable bool   `json:"recoverable"`
}

// SubmittedCallbackHandler records a transaction hash for a pending swap.
// The client reference decides whether a DCA tick or a copy trade owns the
// submission.
func SubmittedCallbackHandler(dcaCb dcaCallbacks, copyCb copyCallbacks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submittedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientRef == "" {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}

		err := dcaCb.MarkSubmitted(r.Context(), req.ClientRef, req.TxHash)
		if errors.Is(err, model.ErrNotFound) {
			err = copyCb.MarkSubmitted(r.Context(), req.ClientRef, req.TxHash)
		}
		if err != nil {
			respondErr(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ConfirmedCallbackHandler resolves a pending swap with its fill actuals.
func ConfirmedCallbackHandler(dcaCb dcaCallbacks, copyCb copyCallbacks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req confirmedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientRef == "" {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}

		err := dcaCb.MarkConfirmed(r.Context(), req.ClientRef, dca.FillReport{
			TxHash:         req.TxHash,
			SpentUsd:       req.SpentUsd,
			TokensAcquired: req.TokensAcquired,
			GasPaidUsd:     req.GasPaidUsd,
		})
		if errors.Is(err, model.ErrNotFound) {
			err = copyCb.OnFill(r.Context(), req.ClientRef, copytrade.FillReport{
				TxHash:         req.TxHash,
				SpentUsd:       req.SpentUsd,
				TokensAcquired: req.TokensAcquired,
				GasPaidUsd:     req.GasPaidUsd,
				ExpectedOut:    req.ExpectedOut,
			})
		}
		if err != nil {
			respondErr(w, err)
			return
		}

		logger.WithField("client_ref", req.ClientRef).Info("fill confirmed")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// FailedCallbackHandler resolves a pending swap as failed.
func FailedCallbackHandler(dcaCb dcaCallbacks, copyCb copyCallbacks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req failedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientRef == "" {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}

		err := dcaCb.MarkFailed(r.Context(), req.ClientRef, req.Error, req.Recoverable)
		if errors.Is(err, model.ErrNotFound) {
			err = copyCb.OnFailed(r.Context(), req.ClientRef, req.Error, req.Recoverable)
		}
		if err != nil {
			respondErr(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
