package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BrokerAccount - master аккаунт на бирже. Движок только читает его.
type BrokerAccount struct {
	ID        int       `json:"id"`
	UserID    int       `json:"user_id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"-"`
	APISecret string    `json:"-"`
	Active    bool      `json:"active"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
}

// CopyMode - правило расчёта объёма для follower
type CopyMode string

const (
	CopyModeFixedLot          CopyMode = "fixed_lot"
	CopyModeMultiplier        CopyMode = "multiplier"
	CopyModePercentageBalance CopyMode = "percentage_balance"
)

// Valid проверяет что режим известен
func (m CopyMode) Valid() bool {
	switch m {
	case CopyModeFixedLot, CopyModeMultiplier, CopyModePercentageBalance:
		return true
	}

	return false
}

// AccountStatus - статус follower
type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountInactive AccountStatus = "inactive"
)

// Follower - аккаунт, повторяющий сделки master аккаунта
type Follower struct {
	ID              int             `json:"id"`
	UserID          int             `json:"user_id"`
	MasterAccountID int             `json:"master_account_id"`
	Name            string          `json:"name"`
	APIKey          string          `json:"-"`
	APISecret       string          `json:"-"`
	CopyMode        CopyMode        `json:"copy_mode"`
	FixedLot        decimal.Decimal `json:"fixed_lot"`
	Multiplier      decimal.Decimal `json:"multiplier"`
	Percentage      decimal.Decimal `json:"percentage"`
	MinLotSize      decimal.Decimal `json:"min_lot_size"`
	MaxLotSize      decimal.Decimal `json:"max_lot_size"` // 0 - без ограничения
	AccountStatus   AccountStatus   `json:"account_status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// PositionSnapshot - последнее известное состояние позиции master аккаунта
type PositionSnapshot struct {
	Symbol     string          `json:"symbol"`
	Size       decimal.Decimal `json:"size"` // со знаком
	EntryPrice decimal.Decimal `json:"entry_price"`
	UpdatedAt  int64           `json:"updated_at"` // ms
}

// Snapshot - позиции master аккаунта по инструментам
type Snapshot map[string]PositionSnapshot

// MasterSnapshot - сохранённое состояние master: позиции и начало опроса, в котором они сняты.
// TakenAt задаёт окно fills следующего цикла и хранится вместе с позициями.
type MasterSnapshot struct {
	Positions Snapshot `json:"positions"`
	TakenAt   int64    `json:"taken_at"` // ms, 0 - неизвестно
}

// Direction - тип изменения позиции
type Direction string

const (
	DirectionOpen     Direction = "open"
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
	DirectionClose    Direction = "close"
)

// TradeEvent - изменение позиции master аккаунта
type TradeEvent struct {
	MasterTradeID   string          `json:"master_trade_id"`
	MasterAccountID int             `json:"master_account_id"`
	Symbol          string          `json:"symbol"`
	Direction       Direction       `json:"direction"`
	Delta           decimal.Decimal `json:"delta"` // new - old, со знаком
	PrevSize        decimal.Decimal `json:"prev_size"`
	NewSize         decimal.Decimal `json:"new_size"`
	ReferencePrice  decimal.Decimal `json:"reference_price"`
	DetectedAt      time.Time       `json:"detected_at"`
}

// RecordStatus - статус записи копирования
type RecordStatus string

const (
	StatusPending  RecordStatus = "pending"
	StatusExecuted RecordStatus = "executed"
	StatusFailed   RecordStatus = "failed"
)

// Причины неуспеха (failed) записи
const (
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonBelowMinimum        = "below_minimum"
	ReasonSchemaError         = "schema_error"
	ReasonNetworkError        = "network_error"
	ReasonCircuitOpen         = "circuit_open"
	ReasonLostBeforeSubmit    = "lost_before_submit"
	ReasonOrderRejected       = "order_rejected"
	ReasonInternalError       = "internal_error"
	ReasonNotFound            = "not_found"
	ReasonAlreadyFlat         = "already_flat" // executed без ордера: у follower нет позиции
	ReasonAuthPrefix          = "auth_"
)

// CopyTradeRecord - запись в ledger; уникальна по (MasterTradeID, FollowerID)
type CopyTradeRecord struct {
	ID              int64           `json:"id"`
	MasterTradeID   string          `json:"master_trade_id"`
	MasterAccountID int             `json:"master_account_id"`
	FollowerID      int             `json:"follower_id"`
	Symbol          string          `json:"symbol"`
	Direction       Direction       `json:"direction"`
	OriginalSide    string          `json:"original_side"`
	OriginalSize    decimal.Decimal `json:"original_size"`
	OriginalPrice   decimal.Decimal `json:"original_price"`
	CopiedSide      string          `json:"copied_side,omitempty"`
	CopiedSize      decimal.Decimal `json:"copied_size"`
	CopiedPrice     decimal.Decimal `json:"copied_price"`
	ClientOrderID   string          `json:"client_order_id"`
	FollowerOrderID string          `json:"follower_order_id,omitempty"`
	Status          RecordStatus    `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// SyncStatus - состояние сверки pending записи с биржей
type SyncStatus struct {
	RecordID      int64     `json:"record_id"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	Attempts      int       `json:"attempts"`
	Error         string    `json:"error,omitempty"`
}

// RecordFilter - фильтр для выборки записей
type RecordFilter struct {
	FollowerID      int
	MasterAccountID int
	Status          RecordStatus
	Limit           int
	Offset          int
}

// Instrument - параметры торгового инструмента
type Instrument struct {
	Symbol       string          `json:"symbol"`
	ContractSize decimal.Decimal `json:"contract_size"`
	LotStep      decimal.Decimal `json:"lot_step"`
	MinSize      decimal.Decimal `json:"min_size"`
	MarginRate   decimal.Decimal `json:"margin_rate"`
}

// DefaultInstrument - параметры для инструментов без явной настройки
func DefaultInstrument(symbol string) Instrument {
	return Instrument{
		Symbol:       symbol,
		ContractSize: decimal.NewFromInt(1),
		LotStep:      decimal.New(1, -3),
		MinSize:      decimal.Zero,
		MarginRate:   decimal.NewFromInt(1),
	}
}
