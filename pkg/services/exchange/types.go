package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side - направление ордера
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite возвращает противоположное направление
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}

	return SideBuy
}

// OrderStatus - статус ордера на бирже
type OrderStatus string

const (
	OrderNew             OrderStatus = "new"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderRejected        OrderStatus = "rejected"
)

// IsRejected возвращает true если ордер не исполнен и уже не будет
func (s OrderStatus) IsRejected() bool {
	return s == OrderCanceled || s == OrderRejected
}

// Position - открытая позиция (size со знаком: >0 long, <0 short)
type Position struct {
	Symbol     string          `json:"symbol"`
	Market     string          `json:"market"` // "futures" | "spot"
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	UpdatedAt  int64           `json:"updated_at"` // ms
}

// Fill - исполнение сделки
type Fill struct {
	FillID  string          `json:"fill_id"`
	OrderID string          `json:"order_id"`
	Symbol  string          `json:"symbol"`
	Side    Side            `json:"side"`
	Size    decimal.Decimal `json:"size"`
	Price   decimal.Decimal `json:"price"`
	Time    int64           `json:"time"` // ms
}

// Balance - баланс аккаунта
type Balance struct {
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Equity    decimal.Decimal `json:"equity"`
}

// OrderRequest - запрос на рыночный ордер
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          string          `json:"type"`
	Size          decimal.Decimal `json:"size"`
	ClientOrderID string          `json:"client_order_id"`
	ReduceOnly    bool            `json:"reduce_only"`
}

// Order - ордер на бирже
type Order struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Status        OrderStatus     `json:"status"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
}

type serverTime struct {
	ServerTime int64 `json:"server_time"` // seconds
}

func (t serverTime) Time() time.Time {
	return time.Unix(t.ServerTime, 0)
}
