package copytrading

import (
	"context"
	"log/slog"

	"copytrade/internal/models"
	"copytrade/pkg/services/exchange"

	"github.com/shopspring/decimal"
)

// mirrorClose закрывает позицию follower по символу целиком.
// Объём берётся из живой позиции follower, а не из объёма master.
func (d *Dispatcher) mirrorClose(ctx context.Context, client Exchange, j job, logger *slog.Logger) models.CopyTradeRecord {
	ev, rec := j.event, j.record

	live, err := d.livePosition(ctx, client, ev.Symbol)
	if err != nil {
		if exchange.IsNotFound(err) {
			logger.Info("Follower position not found, nothing to close")
			return executedNoop(rec)
		}
		return Failed(rec, FailureReason(err))
	}

	if live.IsZero() {
		logger.Info("Follower already flat")
		return executedNoop(rec)
	}

	side := exchange.SideSell
	if live.IsNegative() {
		side = exchange.SideBuy
	}

	rec.CopiedSide = string(side)
	rec.CopiedSize = live.Abs()
	rec.CopiedPrice = ev.ReferencePrice

	return d.submit(ctx, client, rec, exchange.OrderRequest{
		Symbol:        ev.Symbol,
		Side:          side,
		Size:          live.Abs(),
		ClientOrderID: rec.ClientOrderID,
		ReduceOnly:    true,
	}, logger)
}

// livePosition - суммарная позиция follower по символу (со знаком)
func (d *Dispatcher) livePosition(ctx context.Context, client Exchange, symbol string) (decimal.Decimal, error) {
	var positions []exchange.Position
	err := d.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		positions, err = client.GetPositions(ctx, symbol)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, p := range positions {
		if p.Symbol == symbol {
			total = total.Add(p.Size)
		}
	}

	return total, nil
}

// executedNoop - событие обработано, ордер не нужен
func executedNoop(rec models.CopyTradeRecord) models.CopyTradeRecord {
	rec.Status = models.StatusExecuted
	rec.Reason = models.ReasonAlreadyFlat
	rec.CopiedSize = decimal.Zero

	return rec
}
