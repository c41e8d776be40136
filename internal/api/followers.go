package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"copytrade/internal/copytrading"
	"copytrade/internal/models"
	"copytrade/internal/storage"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

type SaveFollowerRequest struct {
	ID              int                  `json:"id,omitempty"`
	UserID          int                  `json:"user_id"`
	MasterAccountID int                  `json:"master_account_id"`
	Name            string               `json:"name"`
	APIKey          string               `json:"api_key,omitempty"`
	APISecret       string               `json:"api_secret,omitempty"`
	CopyMode        models.CopyMode      `json:"copy_mode"`
	FixedLot        decimal.Decimal      `json:"fixed_lot"`
	Multiplier      decimal.Decimal      `json:"multiplier"`
	Percentage      decimal.Decimal      `json:"percentage"`
	MinLotSize      decimal.Decimal      `json:"min_lot_size"`
	MaxLotSize      decimal.Decimal      `json:"max_lot_size"`
	AccountStatus   models.AccountStatus `json:"account_status"`
}

type FollowerResponse struct {
	models.Follower
	Breaker *copytrading.BreakerState `json:"breaker,omitempty"`
}

// HandleListFollowers возвращает followers (всех или одного master)
func (h *Handler) HandleListFollowers(w http.ResponseWriter, r *http.Request) {
	masterID, err := queryInt(r.URL.Query().Get("master_account_id"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid master_account_id")
		return
	}

	followers, err := h.store.ListFollowers(r.Context(), masterID)
	if err != nil {
		h.logger.Error("Failed to list followers", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to list followers")
		return
	}

	breakers := h.breaker.Snapshot()

	response := make([]FollowerResponse, 0, len(followers))
	for _, f := range followers {
		resp := FollowerResponse{Follower: f}
		if st, ok := breakers[f.ID]; ok {
			resp.Breaker = &st
		}
		response = append(response, resp)
	}

	h.respondSuccess(w, "", response)
}

// HandleGetFollower возвращает follower по ID
func (h *Handler) HandleGetFollower(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid follower ID")
		return
	}

	f, err := h.store.GetFollower(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "Follower not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to get follower", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to get follower")
		return
	}

	resp := FollowerResponse{Follower: f}
	if st, ok := h.breaker.Snapshot()[f.ID]; ok {
		resp.Breaker = &st
	}

	h.respondSuccess(w, "", resp)
}

// HandleSaveFollower создает или обновляет конфигурацию follower.
// При обновлении пустые api_key/api_secret оставляют прежние значения.
func (h *Handler) HandleSaveFollower(w http.ResponseWriter, r *http.Request) {
	var req SaveFollowerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	f := models.Follower{
		ID:              req.ID,
		UserID:          req.UserID,
		MasterAccountID: req.MasterAccountID,
		Name:            req.Name,
		APIKey:          req.APIKey,
		APISecret:       req.APISecret,
		CopyMode:        req.CopyMode,
		FixedLot:        req.FixedLot,
		Multiplier:      req.Multiplier,
		Percentage:      req.Percentage,
		MinLotSize:      req.MinLotSize,
		MaxLotSize:      req.MaxLotSize,
		AccountStatus:   req.AccountStatus,
	}
	if f.AccountStatus == "" {
		f.AccountStatus = models.AccountActive
	}

	ctx := r.Context()

	if f.ID != 0 {
		existing, err := h.store.GetFollower(ctx, f.ID)
		if errors.Is(err, storage.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "Follower not found")
			return
		}
		if err != nil {
			h.logger.Error("Failed to get follower", "error", err)
			h.respondError(w, http.StatusInternalServerError, "Failed to get follower")
			return
		}
		if f.APIKey == "" {
			f.APIKey = existing.APIKey
		}
		if f.APISecret == "" {
			f.APISecret = existing.APISecret
		}
	}

	if err := validateFollower(f); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.store.GetBrokerAccount(ctx, f.MasterAccountID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.respondError(w, http.StatusBadRequest, "Master account not found")
			return
		}
		h.logger.Error("Failed to get master account", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to save follower")
		return
	}

	id, err := h.store.SaveFollower(ctx, f)
	if err != nil {
		h.logger.Error("Failed to save follower", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to save follower")
		return
	}
	f.ID = id

	h.logger.Info("Follower saved",
		"follower_id", id,
		"master_id", f.MasterAccountID,
		"copy_mode", f.CopyMode,
		"status", f.AccountStatus)

	h.respondSuccess(w, "Follower saved", f)
}

func validateFollower(f models.Follower) error {
	switch {
	case f.Name == "":
		return errors.New("name is required")
	case f.MasterAccountID == 0:
		return errors.New("master_account_id is required")
	case f.APIKey == "" || f.APISecret == "":
		return errors.New("api_key and api_secret are required")
	case !f.CopyMode.Valid():
		return fmt.Errorf("unknown copy_mode %q", f.CopyMode)
	case f.AccountStatus != models.AccountActive && f.AccountStatus != models.AccountInactive:
		return fmt.Errorf("unknown account_status %q", f.AccountStatus)
	case f.MinLotSize.IsNegative() || f.MaxLotSize.IsNegative():
		return errors.New("lot limits must not be negative")
	case f.MaxLotSize.IsPositive() && f.MaxLotSize.LessThan(f.MinLotSize):
		return errors.New("max_lot_size must not be less than min_lot_size")
	}

	switch f.CopyMode {
	case models.CopyModeFixedLot:
		if !f.FixedLot.IsPositive() {
			return errors.New("fixed_lot must be positive")
		}
	case models.CopyModeMultiplier:
		if !f.Multiplier.IsPositive() {
			return errors.New("multiplier must be positive")
		}
	case models.CopyModePercentageBalance:
		if !f.Percentage.IsPositive() || f.Percentage.GreaterThan(decimal.NewFromInt(100)) {
			return errors.New("percentage must be in (0, 100]")
		}
	}

	return nil
}
