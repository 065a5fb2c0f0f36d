package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"tradeengine/src/dca"
	"tradeengine/src/model"
	"tradeengine/src/repository"
	"tradeengine/src/utils"
)

type dcaService interface {
	Create(ctx context.Context, strat *model.DcaStrategy) error
	Activate(ctx context.Context, id uint) (*model.DcaStrategy, error)
	AttachSession(ctx context.Context, id, sessionKeyID uint) (*model.DcaStrategy, error)
	Pause(ctx context.Context, id uint) (*model.DcaStrategy, error)
	Resume(ctx context.Context, id uint) (*model.DcaStrategy, error)
	Stop(ctx context.Context, id uint) (*model.DcaStrategy, error)
	UpdateConfig(ctx context.Context, id uint, upd dca.ConfigUpdate) (*model.DcaStrategy, error)
}

type dcaReader interface {
	FindByID(ctx context.Context, id uint) (*model.DcaStrategy, error)
	ListExecutions(ctx context.Context, strategyID uint, limit int) ([]model.DcaExecution, error)
}

type createStrategyRequest struct {
	UserID                uint               `json:"user_id"`
	WalletAddress         string             `json:"wallet_address"`
	SessionKeyID          *uint              `json:"session_key_id,omitempty"`
	Name                  string             `json:"name"`
	ChainID               string             `json:"chain_id"`
	FromToken             string             `json:"from_token"`
	ToToken               string             `json:"to_token"`
	AmountPerExecutionUsd string             `json:"amount_per_execution_usd"`
	Frequency             model.DcaFrequency `json:"frequency"`
	IntervalMinutes       int                `json:"interval_minutes"`
	MaxSlippageBps        int                `json:"max_slippage_bps"`
	MaxGasUsd             string             `json:"max_gas_usd,omitempty"`
	SkipIfGasAboveUsd     string             `json:"skip_if_gas_above_usd,omitempty"`
	PauseIfPriceAboveUsd  string             `json:"pause_if_price_above_usd,omitempty"`
	PauseIfPriceBelowUsd  string             `json:"pause_if_price_below_usd,omitempty"`
	MaxTotalSpendUsd      string             `json:"max_total_spend_usd,omitempty"`
	MaxExecutions         *int               `json:"max_executions,omitempty"`
	EndDate               *time.Time         `json:"end_date,omitempty"`
}

// CreateStrategyHandler persists a new strategy in draft.
func CreateStrategyHandler(svc dcaService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createStrategyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if req.WalletAddress == "" || req.ChainID == "" || req.FromToken == "" || req.ToToken == "" {
			http.Error(w, "wallet_address, chain_id, from_token and to_token are required", http.StatusBadRequest)
			return
		}

		amount, err := utils.ParsePositiveDecimal(req.AmountPerExecutionUsd)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		strat := &model.DcaStrategy{
			UserID:                req.UserID,
			WalletAddress:         req.WalletAddress,
			SessionKeyID:          req.SessionKeyID,
			Name:                  req.Name,
			ChainID:               req.ChainID,
			FromToken:             req.FromToken,
			ToToken:               req.ToToken,
			AmountPerExecutionUsd: amount,
			Frequency:             req.Frequency,
			IntervalMinutes:       req.IntervalMinutes,
			MaxSlippageBps:        req.MaxSlippageBps,
			MaxExecutions:         req.MaxExecutions,
			EndDate:               req.EndDate,
		}
		if strat.Frequency == "" {
			strat.Frequency = model.DcaFrequencyDaily
		}

		optional := []struct {
			raw string
			dst func(d *model.DcaStrategy, v string) error
		}{
			{req.MaxGasUsd, func(d *model.DcaStrategy, v string) error {
				val, err := utils.ParseDecimal(v)
				d.MaxGasUsd = val
				return err
			}},
			{req.SkipIfGasAboveUsd, func(d *model.DcaStrategy, v string) error {
				val, err := utils.ParseDecimal(v)
				d.SkipIfGasAboveUsd = val
				return err
			}},
			{req.PauseIfPriceAboveUsd, func(d *model.DcaStrategy, v string) error {
				val, err := utils.ParseDecimal(v)
				d.PauseIfPriceAboveUsd = &val
				return err
			}},
			{req.PauseIfPriceBelowUsd, func(d *model.DcaStrategy, v string) error {
				val, err := utils.ParseDecimal(v)
				d.PauseIfPriceBelowUsd = &val
				return err
			}},
			{req.MaxTotalSpendUsd, func(d *model.DcaStrategy, v string) error {
				val, err := utils.ParseDecimal(v)
				d.MaxTotalSpendUsd = &val
				return err
			}},
		}
		for _, field := range optional {
			if field.raw == "" {
				continue
			}
			if err := field.dst(strat, field.raw); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		if err := svc.Create(r.Context(), strat); err != nil {
			respondErr(w, err)
			return
		}

		logger.WithFields(map[string]interface{}{
			"strategy_id": strat.ID,
			"pair":        strat.FromToken + "/" + strat.ToToken,
		}).Info("strategy created")
		writeJSON(w, http.StatusCreated, strat)
	}
}

// GetStrategyHandler returns a strategy by id.
func GetStrategyHandler(repo dcaReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(r)
		if !ok {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}

		strat, err := repo.FindByID(r.Context(), id)
		if err != nil {
			respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, strat)
	}
}

// ListStrategyExecutionsHandler returns the newest ticks of a strategy.
func ListStrategyExecutionsHandler(repo dcaReader) http.HandlerFunc {
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

// StrategyLifecycleHandler dispatches activate/pause/resume/stop by the
// action URL parameter.
func StrategyLifecycleHandler(svc dcaService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(r)
		if !ok {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}

		var (
			strat *model.DcaStrategy
			err   error
		)
		switch action := chi.URLParam(r, "action"); action {
		case "activate":
			strat, err = svc.Activate(r.Context(), id)
		case "pause":
			strat, err = svc.Pause(r.Context(), id)
		case "resume":
			strat, err = svc.Resume(r.Context(), id)
		case "stop":
			strat, err = svc.Stop(r.Context(), id)
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
			return
		}
		if err != nil {
			respondErr(w, err)
			return
		}

		writeJSON(w, http.StatusOK, strat)
	}
}

// AttachSessionHandler binds a spending grant to a strategy.
func AttachSessionHandler(svc dcaService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(r)
		if !ok {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}

		var req struct {
			SessionKeyID uint `json:"session_key_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionKeyID == 0 {
			http.Error(w, "session_key_id is required", http.StatusBadRequest)
			return
		}

		strat, err := svc.AttachSession(r.Context(), id, req.SessionKeyID)
		if err != nil {
			respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, strat)
	}
}

// UpdateStrategyHandler edits a draft or paused strategy.
func UpdateStrategyHandler(svc dcaService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := recordIDParam(r)
		if !ok {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}

		var upd dca.ConfigUpdate
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}

		strat, err := svc.UpdateConfig(r.Context(), id, upd)
		if err != nil {
			respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, strat)
	}
}

// compile-time wiring check
var _ dcaReader = (*repository.DcaRepository)(nil)
