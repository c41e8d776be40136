package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"copytrade/internal/api/auth"
	"copytrade/internal/copytrading"
	"copytrade/internal/models"
)

// Store - операции хранилища, нужные API
type Store interface {
	Ping(ctx context.Context) error
	ListRecords(ctx context.Context, filter models.RecordFilter) ([]models.CopyTradeRecord, error)
	GetRecord(ctx context.Context, id int64) (models.CopyTradeRecord, error)
	GetSyncStatus(ctx context.Context, recordID int64) (models.SyncStatus, error)
	ListFollowers(ctx context.Context, masterID int) ([]models.Follower, error)
	GetFollower(ctx context.Context, id int) (models.Follower, error)
	SaveFollower(ctx context.Context, f models.Follower) (int, error)
	ListBrokerAccounts(ctx context.Context, onlyActive bool) ([]models.BrokerAccount, error)
	GetBrokerAccount(ctx context.Context, id int) (models.BrokerAccount, error)
	SaveBrokerAccount(ctx context.Context, acc models.BrokerAccount) (int, error)
}

// Engine - состояние движка копирования
type Engine interface {
	Sessions() []copytrading.SessionInfo
	IsDryRun() bool
}

// BreakerSource - состояние circuit breaker followers
type BreakerSource interface {
	Snapshot() map[int]copytrading.BreakerState
}

// Handler обрабатывает API запросы
type Handler struct {
	store       Store
	engine      Engine
	breaker     BreakerSource
	authService *auth.Service
	hub         *Hub
	logger      *slog.Logger
}

func New(
	store Store,
	engine Engine,
	breaker BreakerSource,
	authService *auth.Service,
	hub *Hub,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		store:       store,
		engine:      engine,
		breaker:     breaker,
		authService: authService,
		hub:         hub,
		logger:      logger,
	}
}

// Helper функции для JSON ответов

type ErrorResponse struct {
	Error string `json:"error"`
}

type SuccessResponse struct {
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to write response", slog.Any("error", err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, statusCode int, message string) {
	h.respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func (h *Handler) respondSuccess(w http.ResponseWriter, message string, data any) {
	h.respondJSON(w, http.StatusOK, SuccessResponse{
		Message: message,
		Data:    data,
	})
}
