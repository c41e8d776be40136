package copytrading

import (
	"copytrade/internal/models"
	"copytrade/pkg/services/exchange"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// SizingInput - всё, что нужно для расчёта объёма follower
type SizingInput struct {
	Event            models.TradeEvent
	Follower         models.Follower
	Instrument       models.Instrument
	AvailableBalance decimal.Decimal
	FollowerPosition decimal.Decimal // живая позиция follower (со знаком), нужна для decrease
}

// SizingResult - объём ордера или причина пропуска
type SizingResult struct {
	Side       exchange.Side
	Size       decimal.Decimal
	ReduceOnly bool
	Skip       bool
	Reason     string
}

func skip(reason string) SizingResult {
	return SizingResult{Skip: true, Reason: reason}
}

// Size считает объём ордера follower для open/increase/decrease.
// Чистая функция; close обрабатывается отдельно по живой позиции follower.
func Size(in SizingInput) SizingResult {
	ev, f, inst := in.Event, in.Follower, in.Instrument

	if ev.Delta.IsZero() {
		return skip(models.ReasonBelowMinimum)
	}

	side := exchange.SideBuy
	if ev.Delta.IsNegative() {
		side = exchange.SideSell
	}
	decrease := ev.Direction == models.DirectionDecrease

	var raw decimal.Decimal
	switch f.CopyMode {
	case models.CopyModeFixedLot:
		raw = f.FixedLot
	case models.CopyModeMultiplier:
		raw = ev.Delta.Abs().Mul(f.Multiplier)
	case models.CopyModePercentageBalance:
		if decrease {
			// follower сокращает свою позицию на ту же долю, что и master
			if ev.PrevSize.IsZero() {
				return skip(models.ReasonBelowMinimum)
			}
			raw = in.FollowerPosition.Abs().Mul(ev.Delta.Abs()).Div(ev.PrevSize.Abs())
			break
		}

		if !ev.ReferencePrice.IsPositive() || !inst.ContractSize.IsPositive() {
			return skip(models.ReasonBelowMinimum)
		}
		raw = f.Percentage.Div(hundred).Mul(in.AvailableBalance).Div(ev.ReferencePrice).Div(inst.ContractSize)
	default:
		return skip(models.ReasonBelowMinimum)
	}

	if !raw.IsPositive() {
		return skip(models.ReasonBelowMinimum)
	}

	size := clamp(raw, f.MinLotSize, f.MaxLotSize)

	if decrease && size.GreaterThan(in.FollowerPosition.Abs()) {
		size = in.FollowerPosition.Abs()
	}

	size = floorToStep(size, inst.LotStep)

	minIncrement := decimal.Max(inst.LotStep, inst.MinSize)
	if size.IsZero() || size.LessThan(minIncrement) {
		return skip(models.ReasonBelowMinimum)
	}

	if decrease {
		return SizingResult{Side: side, Size: size, ReduceOnly: true}
	}

	// open/increase: пропуск, только если не хватает маржи даже на минимальный шаг.
	// Объём не уменьшается: остальное решает биржа (insufficient_margin).
	marginPerUnit := inst.ContractSize.Mul(ev.ReferencePrice).Mul(inst.MarginRate)
	if marginPerUnit.IsPositive() && in.AvailableBalance.LessThan(minIncrement.Mul(marginPerUnit)) {
		return skip(models.ReasonInsufficientBalance)
	}

	return SizingResult{Side: side, Size: size}
}

// clamp ограничивает объём [min, max]; max == 0 - без верхней границы
func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if lo.IsPositive() && v.LessThan(lo) {
		v = lo
	}

	if hi.IsPositive() && v.GreaterThan(hi) {
		v = hi
	}

	return v
}

func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}

	return v.Div(step).Floor().Mul(step)
}
