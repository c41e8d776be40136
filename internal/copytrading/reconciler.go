package copytrading

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"copytrade/internal/models"
	"copytrade/pkg/services/exchange"
)

const reconcileBatch = 100

// InFlightChecker сообщает, исполняется ли запись прямо сейчас
type InFlightChecker interface {
	InFlight(recordID int64) bool
}

// Reconciler разбирает зависшие pending записи, сверяясь с биржей по client order id
type Reconciler struct {
	records   RecordStore
	followers FollowerStore
	ledger    *Ledger
	connect   ClientFactory
	inflight  InFlightChecker
	sink      OutcomeSink
	logger    *slog.Logger
	now       func() time.Time

	interval       time.Duration
	pendingTimeout time.Duration
}

func NewReconciler(
	records RecordStore,
	followers FollowerStore,
	connect ClientFactory,
	inflight InFlightChecker,
	sink OutcomeSink,
	interval, pendingTimeout time.Duration,
	logger *slog.Logger,
) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	if pendingTimeout <= 0 {
		pendingTimeout = 2 * time.Minute
	}

	if sink == nil {
		sink = Sinks(nil)
	}

	return &Reconciler{
		records:        records,
		followers:      followers,
		ledger:         NewLedger(records),
		connect:        connect,
		inflight:       inflight,
		sink:           sink,
		logger:         logger.With(slog.String("component", "reconciler")),
		now:            time.Now,
		interval:       interval,
		pendingTimeout: pendingTimeout,
	}
}

// Run сверяет записи каждые interval до отмены ctx
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				r.logger.Error("Reconcile failed", slog.Any("error", err))
			}
		}
	}
}

// ReconcileOnce обрабатывает одну пачку зависших записей; возвращает число разобранных
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	olderThan := r.now().Add(-r.pendingTimeout)

	stale, err := r.records.ListStalePending(ctx, olderThan, reconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale records: %w", err)
	}

	resolved := 0
	for _, rec := range stale {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}

		if r.inflight != nil && r.inflight.InFlight(rec.ID) {
			continue
		}

		// другой экземпляр мог забрать запись между выборкой и сверкой
		claimed, err := r.records.ClaimStale(ctx, rec.ID, olderThan)
		if err != nil {
			r.logger.Error("Failed to claim record", slog.Int64("record_id", rec.ID), slog.Any("error", err))
			continue
		}
		if !claimed {
			continue
		}

		ok, err := r.reconcile(ctx, rec)
		if err != nil {
			r.logger.Error("Failed to reconcile record", slog.Int64("record_id", rec.ID), slog.Any("error", err))
			continue
		}
		if ok {
			resolved++
		}
	}

	if resolved > 0 {
		r.logger.Info("🔄 Pending records reconciled", slog.Int("resolved", resolved), slog.Int("stale", len(stale)))
	}

	return resolved, nil
}

// reconcile - true, если запись переведена в терминальный статус
func (r *Reconciler) reconcile(ctx context.Context, rec models.CopyTradeRecord) (bool, error) {
	logger := r.logger.With(slog.Int64("record_id", rec.ID), slog.String("client_order_id", rec.ClientOrderID))

	f, err := r.followers.GetFollower(ctx, rec.FollowerID)
	if err != nil {
		return false, r.touch(ctx, rec.ID, fmt.Errorf("failed to get follower %d: %w", rec.FollowerID, err))
	}

	client := r.connect(f.Name, followerCreds(f))

	order, err := client.GetOrder(ctx, rec.ClientOrderID)
	switch {
	case exchange.IsNotFound(err):
		rec = Failed(rec, models.ReasonLostBeforeSubmit)
	case err != nil:
		logger.Warn("Order lookup failed, record stays pending", slog.Any("error", err))
		return false, r.touch(ctx, rec.ID, err)
	case order.Status.IsRejected():
		rec.FollowerOrderID = order.OrderID
		rec = Failed(rec, models.ReasonOrderRejected)
	default:
		side := exchange.Side(rec.CopiedSide)
		if side == "" {
			side = exchange.Side(rec.OriginalSide)
		}
		rec = Executed(rec, side, order)
	}

	if err := r.records.TouchSync(ctx, rec.ID, ""); err != nil {
		logger.Warn("Failed to update sync status", slog.Any("error", err))
	}

	if err := r.ledger.Complete(ctx, rec); err != nil {
		return false, err
	}

	logger.Info("Record reconciled", slog.String("status", string(rec.Status)), slog.String("reason", rec.Reason))
	r.sink.Publish(ctx, rec)

	return true, nil
}

func (r *Reconciler) touch(ctx context.Context, recordID int64, cause error) error {
	if err := r.records.TouchSync(ctx, recordID, cause.Error()); err != nil {
		return fmt.Errorf("%w (sync status: %v)", cause, err)
	}

	return cause
}
