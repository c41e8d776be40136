package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"copytrade/internal/copytrading"
	"copytrade/internal/models"
	"copytrade/internal/storage"
)

type SaveMasterRequest struct {
	ID        int    `json:"id,omitempty"`
	UserID    int    `json:"user_id"`
	Name      string `json:"name"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	Active    bool   `json:"active"`
	Verified  bool   `json:"verified"`
}

type MasterResponse struct {
	models.BrokerAccount
	Session *copytrading.SessionInfo `json:"session,omitempty"`
}

// HandleListMasters возвращает master аккаунты и состояние их циклов опроса
func (h *Handler) HandleListMasters(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.ListBrokerAccounts(r.Context(), false)
	if err != nil {
		h.logger.Error("Failed to list master accounts", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to list master accounts")
		return
	}

	sessions := make(map[int]copytrading.SessionInfo)
	for _, s := range h.engine.Sessions() {
		sessions[s.MasterID] = s
	}

	response := make([]MasterResponse, 0, len(accounts))
	for _, acc := range accounts {
		resp := MasterResponse{BrokerAccount: acc}
		if s, ok := sessions[acc.ID]; ok {
			resp.Session = &s
		}
		response = append(response, resp)
	}

	h.respondSuccess(w, "", response)
}

// HandleSaveMaster регистрирует или обновляет master аккаунт.
// Опрос начнётся при следующем обновлении списка master аккаунтов.
func (h *Handler) HandleSaveMaster(w http.ResponseWriter, r *http.Request) {
	var req SaveMasterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name == "" || req.APIKey == "" || req.APISecret == "" {
		h.respondError(w, http.StatusBadRequest, "name, api_key and api_secret are required")
		return
	}

	acc := models.BrokerAccount{
		ID:        req.ID,
		UserID:    req.UserID,
		Name:      req.Name,
		APIKey:    req.APIKey,
		APISecret: req.APISecret,
		Active:    req.Active,
		Verified:  req.Verified,
	}

	id, err := h.store.SaveBrokerAccount(r.Context(), acc)
	if errors.Is(err, storage.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "Master account not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to save master account", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to save master account")
		return
	}
	acc.ID = id

	h.logger.Info("Master account saved", "master_id", id, "active", acc.Active, "verified", acc.Verified)

	h.respondSuccess(w, "Master account saved", acc)
}
