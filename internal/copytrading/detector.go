package copytrading

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"copytrade/internal/models"
	"copytrade/pkg/services/exchange"

	"github.com/shopspring/decimal"
)

const (
	// окно fills, если время предыдущего снимка неизвестно
	fillLookback = time.Minute
	// перекрытие окна fills с предыдущим опросом
	fillOverlap = 5 * time.Second
)

// HandoffFunc принимает события цикла. Ошибка означает, что события не переданы
// и снимок перезаписывать нельзя.
type HandoffFunc func(ctx context.Context, events []models.TradeEvent) error

// Detector опрашивает master аккаунт и превращает изменения позиций в TradeEvent.
// Один Detector - один master; Poll не вызывается конкурентно.
type Detector struct {
	master models.BrokerAccount
	client Exchange
	store  SnapshotStore
	logger *slog.Logger
	now    func() time.Time
}

func NewDetector(master models.BrokerAccount, client Exchange, store SnapshotStore, logger *slog.Logger) *Detector {
	return &Detector{
		master: master,
		client: client,
		store:  store,
		logger: logger.With(slog.Int("master_id", master.ID)),
		now:    time.Now,
	}
}

// Poll выполняет один цикл: опрос биржи, diff со снимком, передача событий, сохранение снимка.
// Снимок перезаписывается только после успешной передачи всех событий.
//
// Окно fills считается от времени сохранённого снимка, а не от состояния процесса:
// после рестарта пересчитанный diff видит те же fills и получает те же ключи.
func (d *Detector) Poll(ctx context.Context, handoff HandoffFunc) ([]models.TradeEvent, error) {
	prev, found, err := d.store.Load(ctx, d.master.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	pollStart := d.now()

	positions, err := d.client.GetPositions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get master positions: %w", err)
	}

	since := pollStart.Add(-fillLookback)
	if prev.TakenAt != 0 {
		since = time.UnixMilli(prev.TakenAt).Add(-fillOverlap)
	}

	fills, err := d.client.GetFills(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get master fills: %w", err)
	}

	current := models.MasterSnapshot{
		Positions: buildSnapshot(positions),
		TakenAt:   pollStart.UnixMilli(),
	}

	if !found {
		// первый цикл без сохранённого снимка: текущие позиции - база, не новые сделки
		if err := d.store.Save(ctx, d.master.ID, current); err != nil {
			return nil, fmt.Errorf("failed to save baseline snapshot: %w", err)
		}

		d.logger.Info("📸 Baseline snapshot saved", slog.Int("positions", len(current.Positions)))

		return nil, nil
	}

	events, unkeyed := diff(d.master.ID, prev, current.Positions, latestFills(fills), d.now())
	if len(unkeyed) > 0 {
		d.logger.Warn("⚠️  Position changes without fill or update time, keyed by snapshot time",
			slog.Any("symbols", unkeyed))
	}

	if len(events) > 0 {
		if err := handoff(ctx, events); err != nil {
			return nil, fmt.Errorf("failed to hand off %d events: %w", len(events), err)
		}
	}

	if err := d.store.Save(ctx, d.master.ID, current); err != nil {
		// события уже в ledger; повторный diff будет отброшен как дубликат
		return events, fmt.Errorf("failed to save snapshot: %w", err)
	}

	return events, nil
}

// buildSnapshot строит снимок из позиций биржи; нулевые позиции пропускаются.
func buildSnapshot(positions []exchange.Position) models.Snapshot {
	snap := make(models.Snapshot, len(positions))
	for _, p := range positions {
		cur, ok := snap[p.Symbol]
		if !ok {
			snap[p.Symbol] = models.PositionSnapshot{
				Symbol:     p.Symbol,
				Size:       p.Size,
				EntryPrice: p.EntryPrice,
				UpdatedAt:  p.UpdatedAt,
			}
			continue
		}

		// несколько записей по одному символу (futures + spot) складываются
		cur.Size = cur.Size.Add(p.Size)
		cur.UpdatedAt = max(cur.UpdatedAt, p.UpdatedAt)
		if cur.EntryPrice.IsZero() {
			cur.EntryPrice = p.EntryPrice
		}
		snap[p.Symbol] = cur
	}

	for symbol, pos := range snap {
		if pos.Size.IsZero() {
			delete(snap, symbol)
		}
	}

	return snap
}

// latestFills - самое свежее исполнение по каждому символу
func latestFills(fills []exchange.Fill) map[string]exchange.Fill {
	out := make(map[string]exchange.Fill)
	for _, f := range fills {
		cur, ok := out[f.Symbol]
		if !ok || f.Time > cur.Time || (f.Time == cur.Time && f.FillID > cur.FillID) {
			out[f.Symbol] = f
		}
	}

	return out
}

// Diff сравнивает снимки и возвращает события, упорядоченные по символу.
// Переворот позиции - это close, затем open.
func Diff(masterID int, prev models.MasterSnapshot, current models.Snapshot, fills map[string]exchange.Fill, detectedAt time.Time) []models.TradeEvent {
	events, _ := diff(masterID, prev, current, fills, detectedAt)
	return events
}

// diff дополнительно возвращает символы, ключ которых построен по времени снимка
func diff(masterID int, prev models.MasterSnapshot, current models.Snapshot, fills map[string]exchange.Fill, detectedAt time.Time) ([]models.TradeEvent, []string) {
	symbols := make([]string, 0, len(prev.Positions)+len(current))
	for s := range prev.Positions {
		symbols = append(symbols, s)
	}
	for s := range current {
		if _, ok := prev.Positions[s]; !ok {
			symbols = append(symbols, s)
		}
	}
	slices.Sort(symbols)

	// ключ без fill и времени позиции: время предыдущего снимка, оно одинаково при пересчёте
	fallback := prev.TakenAt
	if fallback == 0 {
		fallback = detectedAt.UnixMilli()
	}

	var (
		events  []models.TradeEvent
		unkeyed []string
	)
	for _, symbol := range symbols {
		old, cur := prev.Positions[symbol], current[symbol]
		oldSize, newSize := old.Size, cur.Size
		if oldSize.Equal(newSize) {
			continue
		}

		fill, hasFill := fills[symbol]
		if hasFill && fill.Time <= old.UpdatedAt {
			// fill уже учтён в предыдущем снимке
			hasFill = false
		}
		ref, keyed := changeRef(fill, hasFill, old, cur)
		if !keyed {
			ref = "p" + strconv.FormatInt(fallback, 10)
			unkeyed = append(unkeyed, symbol)
		}
		price := referencePrice(fill, hasFill, old, cur)

		event := func(dir models.Direction, from, to decimal.Decimal) models.TradeEvent {
			return models.TradeEvent{
				MasterTradeID:   MasterTradeID(masterID, symbol, dir, ref),
				MasterAccountID: masterID,
				Symbol:          symbol,
				Direction:       dir,
				Delta:           to.Sub(from),
				PrevSize:        from,
				NewSize:         to,
				ReferencePrice:  price,
				DetectedAt:      detectedAt,
			}
		}

		switch {
		case oldSize.IsZero():
			events = append(events, event(models.DirectionOpen, decimal.Zero, newSize))
		case newSize.IsZero():
			events = append(events, event(models.DirectionClose, oldSize, decimal.Zero))
		case oldSize.Sign() != newSize.Sign():
			events = append(events,
				event(models.DirectionClose, oldSize, decimal.Zero),
				event(models.DirectionOpen, decimal.Zero, newSize))
		case newSize.Abs().GreaterThan(oldSize.Abs()):
			events = append(events, event(models.DirectionIncrease, oldSize, newSize))
		default:
			events = append(events, event(models.DirectionDecrease, oldSize, newSize))
		}
	}

	return events, unkeyed
}

// changeRef - идентификатор изменения на бирже: id fill, иначе время изменения позиции.
// Для закрытой позиции берётся время из предыдущего снимка. false - биржа не дала ни того, ни другого.
func changeRef(fill exchange.Fill, hasFill bool, old, cur models.PositionSnapshot) (string, bool) {
	switch {
	case hasFill && fill.FillID != "":
		return fill.FillID, true
	case cur.UpdatedAt != 0:
		return strconv.FormatInt(cur.UpdatedAt, 10), true
	case cur.Size.IsZero() && old.UpdatedAt != 0:
		return strconv.FormatInt(old.UpdatedAt, 10), true
	default:
		return "", false
	}
}

func referencePrice(fill exchange.Fill, hasFill bool, old, cur models.PositionSnapshot) decimal.Decimal {
	switch {
	case hasFill && fill.Price.IsPositive():
		return fill.Price
	case cur.EntryPrice.IsPositive():
		return cur.EntryPrice
	default:
		return old.EntryPrice
	}
}

// MasterTradeID - детерминированный ключ события: повторный опрос того же изменения даёт тот же ключ
func MasterTradeID(masterID int, symbol string, dir models.Direction, ref string) string {
	return fmt.Sprintf("m%d:%s:%s:%s", masterID, symbol, dir, ref)
}
