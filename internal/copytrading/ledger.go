package copytrading

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"copytrade/internal/models"
	"copytrade/pkg/services/exchange"

	"github.com/google/uuid"
)

// пространство имён для client order id (uuid v5)
var clientOrderNamespace = uuid.MustParse("6f1c2a4e-8d3b-5e7f-9a1b-2c3d4e5f6a7b")

// ClientOrderID - детерминированный id ордера для пары (событие, follower).
// Повтор запроса с тем же id биржа отклоняет как duplicate.
func ClientOrderID(masterTradeID string, followerID int) string {
	return uuid.NewSHA1(clientOrderNamespace, []byte(masterTradeID+"|"+strconv.Itoa(followerID))).String()
}

// Ledger - идемпотентный журнал копирования поверх RecordStore
type Ledger struct {
	store RecordStore
}

func NewLedger(store RecordStore) *Ledger {
	return &Ledger{store: store}
}

// NewRecord строит pending запись для follower
func NewRecord(ev models.TradeEvent, f models.Follower) models.CopyTradeRecord {
	side := exchange.SideBuy
	if ev.Delta.IsNegative() {
		side = exchange.SideSell
	}

	return models.CopyTradeRecord{
		MasterTradeID:   ev.MasterTradeID,
		MasterAccountID: ev.MasterAccountID,
		FollowerID:      f.ID,
		Symbol:          ev.Symbol,
		Direction:       ev.Direction,
		OriginalSide:    string(side),
		OriginalSize:    ev.Delta.Abs(),
		OriginalPrice:   ev.ReferencePrice,
		ClientOrderID:   ClientOrderID(ev.MasterTradeID, f.ID),
		Status:          models.StatusPending,
	}
}

// Reserve занимает ключ (master_trade_id, follower_id).
// false - запись уже есть, событие для follower обработано ранее.
func (l *Ledger) Reserve(ctx context.Context, rec *models.CopyTradeRecord) (bool, error) {
	ok, err := l.store.ReserveRecord(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("reserve %s/%d: %w", rec.MasterTradeID, rec.FollowerID, err)
	}

	return ok, nil
}

// Claim продлевает pending запись перед обращением к бирже,
// чтобы reconciler не считал её зависшей, пока она ждёт слот.
func (l *Ledger) Claim(ctx context.Context, rec models.CopyTradeRecord) error {
	if err := l.store.ClaimRecord(ctx, rec.ID); err != nil {
		return fmt.Errorf("claim %s/%d: %w", rec.MasterTradeID, rec.FollowerID, err)
	}

	return nil
}

// Complete сохраняет терминальный статус записи
func (l *Ledger) Complete(ctx context.Context, rec models.CopyTradeRecord) error {
	return l.store.CompleteRecord(ctx, rec)
}

// Executed помечает запись исполненной
func Executed(rec models.CopyTradeRecord, side exchange.Side, order exchange.Order) models.CopyTradeRecord {
	rec.Status = models.StatusExecuted
	rec.Reason = ""
	rec.CopiedSide = string(side)
	rec.FollowerOrderID = order.OrderID
	if order.FilledSize.IsPositive() {
		rec.CopiedSize = order.FilledSize
	}
	if order.AvgPrice.IsPositive() {
		rec.CopiedPrice = order.AvgPrice
	}

	return rec
}

// Failed помечает запись неуспешной
func Failed(rec models.CopyTradeRecord, reason string) models.CopyTradeRecord {
	rec.Status = models.StatusFailed
	rec.Reason = reason

	return rec
}

// FailureReason переводит ошибку биржи в причину failed записи
func FailureReason(err error) string {
	exErr, ok := exchange.AsError(err)
	if !ok {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return models.ReasonNetworkError
		}
		return models.ReasonInternalError
	}

	switch exErr.Kind {
	case exchange.KindAuth:
		return models.ReasonAuthPrefix + string(exErr.AuthReason)
	case exchange.KindInsufficientBalance:
		return models.ReasonInsufficientBalance
	case exchange.KindSchema:
		return models.ReasonSchemaError
	case exchange.KindTransient:
		return models.ReasonNetworkError
	case exchange.KindNotFound:
		return models.ReasonNotFound
	default:
		return models.ReasonInternalError
	}
}
