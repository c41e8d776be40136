package api

import (
	"net/http"

	apimw "copytrade/internal/api/middleware"
	"copytrade/internal/middleware"

	"github.com/gorilla/mux"
)

// SetupRouter настраивает роутинг для API
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	// Применяем CORS middleware ко всем маршрутам
	r.Use(middleware.CORS)

	// Публичные маршруты
	r.HandleFunc("/health", h.HandleHealth).Methods("GET")

	// Защищенные маршруты
	api := r.PathPrefix("/api").Subrouter()
	api.Use(apimw.AuthMiddleware(h.authService))

	// Ledger
	api.HandleFunc("/records", h.HandleListRecords).Methods("GET")
	api.HandleFunc("/records/{id:[0-9]+}", h.HandleGetRecord).Methods("GET")

	// Followers
	api.HandleFunc("/followers", h.HandleListFollowers).Methods("GET")
	api.HandleFunc("/followers", h.HandleSaveFollower).Methods("POST", "OPTIONS")
	api.HandleFunc("/followers/{id:[0-9]+}", h.HandleGetFollower).Methods("GET")

	// Masters
	api.HandleFunc("/masters", h.HandleListMasters).Methods("GET")
	api.HandleFunc("/masters", h.HandleSaveMaster).Methods("POST", "OPTIONS")

	// Live outcomes
	api.HandleFunc("/stream", h.hub.ServeWS).Methods("GET")

	return r
}

// HandleHealth возвращает статус здоровья сервиса
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	h.respondSuccess(w, "OK", map[string]any{
		"status":  "healthy",
		"dry_run": h.engine.IsDryRun(),
	})
}
