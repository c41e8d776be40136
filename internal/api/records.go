package api

import (
	"errors"
	"net/http"
	"strconv"

	"copytrade/internal/models"
	"copytrade/internal/storage"

	"github.com/gorilla/mux"
)

type RecordResponse struct {
	Record models.CopyTradeRecord `json:"record"`
	Sync   *models.SyncStatus     `json:"sync,omitempty"`
}

// HandleListRecords возвращает записи ledger по фильтру
func (h *Handler) HandleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter models.RecordFilter
	var err error

	if filter.FollowerID, err = queryInt(q.Get("follower_id")); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid follower_id")
		return
	}
	if filter.MasterAccountID, err = queryInt(q.Get("master_account_id")); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid master_account_id")
		return
	}
	if filter.Limit, err = queryInt(q.Get("limit")); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	if filter.Offset, err = queryInt(q.Get("offset")); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	switch status := models.RecordStatus(q.Get("status")); status {
	case "", models.StatusPending, models.StatusExecuted, models.StatusFailed:
		filter.Status = status
	default:
		h.respondError(w, http.StatusBadRequest, "Invalid status")
		return
	}

	records, err := h.store.ListRecords(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list records", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to list records")
		return
	}

	if records == nil {
		records = []models.CopyTradeRecord{}
	}

	h.respondSuccess(w, "", records)
}

// HandleGetRecord возвращает запись и состояние её сверки
func (h *Handler) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid record ID")
		return
	}

	rec, err := h.store.GetRecord(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "Record not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to get record", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to get record")
		return
	}

	resp := RecordResponse{Record: rec}

	sync, err := h.store.GetSyncStatus(r.Context(), id)
	switch {
	case err == nil:
		resp.Sync = &sync
	case !errors.Is(err, storage.ErrNotFound):
		h.logger.Warn("Failed to get sync status", "record_id", id, "error", err)
	}

	h.respondSuccess(w, "", resp)
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid number")
	}

	return n, nil
}
