package copytrading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"copytrade/internal/models"
	"copytrade/pkg/services/exchange"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DispatcherConfig - параметры рассылки ордеров
type DispatcherConfig struct {
	MaxParallelOrders int
	JobTimeout        time.Duration
	Retry             RetryPolicy
	DryRun            bool
}

// Dispatcher раздаёт события master всем активным followers.
// Резервирование записей синхронное, исполнение - асинхронное.
type Dispatcher struct {
	followers   FollowerStore
	ledger      *Ledger
	connect     ClientFactory
	instruments InstrumentSource
	breaker     *Breaker
	sink        OutcomeSink
	logger      *slog.Logger

	retry      RetryPolicy
	dryRun     bool
	jobTimeout time.Duration
	sem        *semaphore.Weighted

	mu       sync.Mutex
	tails    map[int]chan struct{} // последняя задача follower, сохраняет порядок событий
	inflight map[int64]struct{}
	wg       sync.WaitGroup
}

func NewDispatcher(
	followers FollowerStore,
	ledger *Ledger,
	connect ClientFactory,
	instruments InstrumentSource,
	breaker *Breaker,
	sink OutcomeSink,
	cfg DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.MaxParallelOrders <= 0 {
		cfg.MaxParallelOrders = 16
	}

	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}

	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	if sink == nil {
		sink = Sinks(nil)
	}

	return &Dispatcher{
		followers:   followers,
		ledger:      ledger,
		connect:     connect,
		instruments: instruments,
		breaker:     breaker,
		sink:        sink,
		logger:      logger,
		retry:       cfg.Retry,
		dryRun:      cfg.DryRun,
		jobTimeout:  cfg.JobTimeout,
		sem:         semaphore.NewWeighted(int64(cfg.MaxParallelOrders)),
		tails:       make(map[int]chan struct{}),
		inflight:    make(map[int64]struct{}),
	}
}

type job struct {
	event    models.TradeEvent
	follower models.Follower
	record   models.CopyTradeRecord
}

// Dispatch резервирует записи для всех пар (событие, follower) и запускает исполнение.
// Возврат без ошибки означает, что все события зафиксированы в ledger.
// Если резервирование прервалось, уже зарезервированные задачи всё равно запускаются.
func (d *Dispatcher) Dispatch(ctx context.Context, events []models.TradeEvent) error {
	followersByMaster := make(map[int][]models.Follower)
	perFollower := make(map[int][]job)
	var order []int

	reserveErr := func() error {
		for _, ev := range events {
			followers, ok := followersByMaster[ev.MasterAccountID]
			if !ok {
				var err error
				followers, err = d.followers.ListActiveFollowers(ctx, ev.MasterAccountID)
				if err != nil {
					return fmt.Errorf("failed to list followers of master %d: %w", ev.MasterAccountID, err)
				}
				followersByMaster[ev.MasterAccountID] = followers
			}

			for _, f := range followers {
				rec := NewRecord(ev, f)

				if !d.breaker.Allow(f.ID) {
					rec = Failed(rec, models.ReasonCircuitOpen)
					reserved, err := d.ledger.Reserve(ctx, &rec)
					if err != nil {
						return err
					}
					if reserved {
						d.logger.Warn("⛔ Follower skipped, circuit open",
							slog.Int("follower_id", f.ID),
							slog.String("master_trade_id", ev.MasterTradeID))
						d.sink.Publish(ctx, rec)
					}
					continue
				}

				reserved, err := d.ledger.Reserve(ctx, &rec)
				if err != nil {
					return err
				}
				if !reserved {
					d.logger.Debug("Event already processed for follower",
						slog.Int("follower_id", f.ID),
						slog.String("master_trade_id", ev.MasterTradeID))
					continue
				}

				if _, ok := perFollower[f.ID]; !ok {
					order = append(order, f.ID)
				}
				perFollower[f.ID] = append(perFollower[f.ID], job{event: ev, follower: f, record: rec})
			}
		}

		return nil
	}()

	if len(order) > 0 {
		d.launch(context.WithoutCancel(ctx), order, perFollower)
	}

	return reserveErr
}

// launch запускает задачи: followers параллельно, события одного follower - по очереди
func (d *Dispatcher) launch(ctx context.Context, order []int, perFollower map[int][]job) {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		result ExecutionResult
	)

	d.mu.Lock()
	for _, followerID := range order {
		for _, j := range perFollower[followerID] {
			d.inflight[j.record.ID] = struct{}{}
		}
	}
	d.mu.Unlock()

	for _, followerID := range order {
		jobs := perFollower[followerID]
		prev, done := d.chain(followerID)

		g.Go(func() error {
			defer d.release(followerID, done)

			if prev != nil {
				<-prev
			}

			var errs error
			for _, j := range jobs {
				res, err := d.run(ctx, j)
				errs = errors.Join(errs, err)

				mu.Lock()
				result.Add(res)
				mu.Unlock()
			}

			return errs
		})
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if err := g.Wait(); err != nil {
			d.logger.Error("Failed to persist copy trade outcome", slog.Any("error", err))
		}

		d.logResult(result)
	}()
}

// chain ставит задачу follower в очередь за предыдущей
func (d *Dispatcher) chain(followerID int) (prev <-chan struct{}, done chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	done = make(chan struct{})
	if tail, ok := d.tails[followerID]; ok {
		prev = tail
	}
	d.tails[followerID] = done

	return prev, done
}

func (d *Dispatcher) release(followerID int, done chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	close(done)
	if d.tails[followerID] == done {
		delete(d.tails, followerID)
	}
}

// InFlight - запись ещё исполняется этим процессом
func (d *Dispatcher) InFlight(recordID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.inflight[recordID]
	return ok
}

// Wait дожидается завершения всех запущенных задач
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// run исполняет одну задачу и сохраняет терминальный статус записи
func (d *Dispatcher) run(ctx context.Context, j job) (AccountResult, error) {
	defer d.untrack(j.record.ID)

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return AccountResult{AccountID: j.follower.ID, AccountName: j.follower.Name, Error: err.Error()}, err
	}
	defer d.sem.Release(1)

	start := time.Now()
	logger := d.logger.With(
		slog.Int("follower_id", j.follower.ID),
		slog.String("master_trade_id", j.event.MasterTradeID),
		slog.String("symbol", j.event.Symbol),
		slog.String("direction", string(j.event.Direction)),
	)

	// запись могла ждать слот дольше pending timeout: продлеваем до обращения к бирже
	if err := d.ledger.Claim(ctx, j.record); err != nil {
		logger.Warn("Record not claimed, skipping", slog.Int64("record_id", j.record.ID), slog.Any("error", err))
		return AccountResult{AccountID: j.follower.ID, AccountName: j.follower.Name, MasterTradeID: j.event.MasterTradeID, Error: err.Error()}, err
	}

	jobCtx, cancel := context.WithTimeout(ctx, d.jobTimeout)
	client := d.connect(j.follower.Name, followerCreds(j.follower))

	var rec models.CopyTradeRecord
	if j.event.Direction == models.DirectionClose {
		rec = d.mirrorClose(jobCtx, client, j, logger)
	} else {
		rec = d.replicate(jobCtx, client, j, logger)
	}
	cancel()

	d.updateBreaker(j.follower, rec, logger)

	res := AccountResult{
		AccountID:     j.follower.ID,
		AccountName:   j.follower.Name,
		MasterTradeID: rec.MasterTradeID,
		Success:       rec.Status == models.StatusExecuted,
		OrderID:       rec.FollowerOrderID,
		LatencyMs:     time.Since(start).Milliseconds(),
	}
	if !res.Success {
		res.Error = rec.Reason
	}

	if err := d.ledger.Complete(ctx, rec); err != nil {
		logger.Error("Failed to complete copy trade record",
			slog.Int64("record_id", rec.ID),
			slog.String("status", string(rec.Status)),
			slog.Any("error", err))
		return res, fmt.Errorf("complete record %d: %w", rec.ID, err)
	}

	if rec.Status == models.StatusExecuted {
		logger.Info("✅ Copy trade executed",
			slog.String("side", rec.CopiedSide),
			slog.String("size", rec.CopiedSize.String()),
			slog.String("order_id", rec.FollowerOrderID))
	} else {
		logger.Warn("❌ Copy trade failed", slog.String("reason", rec.Reason))
	}

	d.sink.Publish(ctx, rec)

	return res, nil
}

func (d *Dispatcher) untrack(recordID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.inflight, recordID)
}

// replicate - open/increase/decrease: расчёт объёма и рыночный ордер
func (d *Dispatcher) replicate(ctx context.Context, client Exchange, j job, logger *slog.Logger) models.CopyTradeRecord {
	ev, rec := j.event, j.record
	in := SizingInput{
		Event:      ev,
		Follower:   j.follower,
		Instrument: d.instruments.Get(ev.Symbol),
	}

	if ev.Direction == models.DirectionDecrease {
		live, err := d.livePosition(ctx, client, ev.Symbol)
		if err != nil && !exchange.IsNotFound(err) {
			return Failed(rec, FailureReason(err))
		}
		if live.IsZero() {
			logger.Info("Follower has no position to reduce")
			return executedNoop(rec)
		}
		in.FollowerPosition = live
	} else {
		var balance exchange.Balance
		err := d.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			balance, err = client.GetBalance(ctx)
			return err
		})
		if err != nil {
			return Failed(rec, FailureReason(err))
		}
		in.AvailableBalance = balance.Available
	}

	sized := Size(in)
	if sized.Skip {
		logger.Info("Copy trade skipped by sizing", slog.String("reason", sized.Reason))
		return Failed(rec, sized.Reason)
	}

	rec.CopiedSide = string(sized.Side)
	rec.CopiedSize = sized.Size
	rec.CopiedPrice = ev.ReferencePrice

	return d.submit(ctx, client, rec, exchange.OrderRequest{
		Symbol:        ev.Symbol,
		Side:          sized.Side,
		Size:          sized.Size,
		ClientOrderID: rec.ClientOrderID,
		ReduceOnly:    sized.ReduceOnly,
	}, logger)
}

// submit отправляет рыночный ордер. Duplicate означает, что ордер уже принят
// биржей ранее: его состояние берётся по client order id.
func (d *Dispatcher) submit(ctx context.Context, client Exchange, rec models.CopyTradeRecord, req exchange.OrderRequest, logger *slog.Logger) models.CopyTradeRecord {
	if d.dryRun {
		logger.Info("[DRY RUN] Order not sent",
			slog.String("side", string(req.Side)),
			slog.String("size", req.Size.String()),
			slog.Bool("reduce_only", req.ReduceOnly))
		return Executed(rec, req.Side, exchange.Order{OrderID: "dry-run", ClientOrderID: req.ClientOrderID})
	}

	var order exchange.Order
	err := d.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		order, err = client.PlaceMarketOrder(ctx, req)
		return err
	})

	if exchange.IsDuplicate(err) {
		logger.Info("Order already accepted, fetching state", slog.String("client_order_id", req.ClientOrderID))
		err = d.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			order, err = client.GetOrder(ctx, req.ClientOrderID)
			return err
		})
	}

	if err != nil {
		return Failed(rec, FailureReason(err))
	}

	if order.Status.IsRejected() {
		rec.FollowerOrderID = order.OrderID
		return Failed(rec, models.ReasonOrderRejected)
	}

	return Executed(rec, req.Side, order)
}

func (d *Dispatcher) updateBreaker(f models.Follower, rec models.CopyTradeRecord, logger *slog.Logger) {
	switch {
	case rec.Status == models.StatusExecuted:
		d.breaker.RecordSuccess(f.ID)
	case isAuthReason(rec.Reason):
		if d.breaker.RecordAuthFailure(f.ID) {
			logger.Error("🔌 Circuit opened for follower", slog.String("reason", rec.Reason))
		}
	}
}

// logResult логирует сводку по пачке задач
func (d *Dispatcher) logResult(result ExecutionResult) {
	attrs := []any{
		slog.Int("total", result.TotalCount),
		slog.Int("success", result.SuccessCount),
		slog.Int("failed", result.FailedCount),
	}

	switch {
	case result.IsFullSuccess():
		d.logger.Info("📊 Dispatch completed", attrs...)
	case result.IsPartialSuccess():
		d.logger.Warn("📊 Dispatch partially completed", attrs...)
	default:
		d.logger.Error("📊 Dispatch failed", attrs...)
	}
}

func isAuthReason(reason string) bool {
	return strings.HasPrefix(reason, models.ReasonAuthPrefix)
}
