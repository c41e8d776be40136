package copytrading

import (
	"context"
	"errors"
	"testing"
	"time"

	"copytrade/internal/models"
	"copytrade/pkg/services/exchange"
)

type dispatchEnv struct {
	accounts  fleet
	followers *fakeFollowers
	records   *memRecords
	breaker   *Breaker
	sink      *recordingSink
	disp      *Dispatcher
}

func newDispatchEnv(t *testing.T, dryRun bool, followers ...models.Follower) *dispatchEnv {
	t.Helper()

	env := &dispatchEnv{
		accounts:  fleet{},
		followers: &fakeFollowers{followers: followers},
		records:   newMemRecords(),
		breaker:   NewBreaker(2, 0),
		sink:      &recordingSink{},
	}
	for _, f := range followers {
		env.accounts[f.Name] = newFakeExchange()
	}

	env.disp = NewDispatcher(
		env.followers,
		NewLedger(env.records),
		env.accounts.factory,
		testInstruments{},
		env.breaker,
		env.sink,
		DispatcherConfig{MaxParallelOrders: 4, Retry: noSleepRetry(), DryRun: dryRun},
		discardLogger(),
	)

	return env
}

func (env *dispatchEnv) dispatch(t *testing.T, events ...models.TradeEvent) {
	t.Helper()

	if err := env.disp.Dispatch(context.Background(), events); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	env.disp.Wait()
}

func openEvent(masterID int, symbol, size, price string) models.TradeEvent {
	return models.TradeEvent{
		MasterTradeID:   MasterTradeID(masterID, symbol, models.DirectionOpen, "f-"+symbol),
		MasterAccountID: masterID,
		Symbol:          symbol,
		Direction:       models.DirectionOpen,
		Delta:           dec(size),
		NewSize:         dec(size),
		ReferencePrice:  dec(price),
	}
}

func TestDispatchIsIdempotent(t *testing.T) {
	f := follower(1, 10, "f1", models.CopyModeFixedLot)
	f.FixedLot = dec("1")
	env := newDispatchEnv(t, false, f)
	env.accounts["f1"].balance = exchange.Balance{Available: dec("1000")}

	ev := openEvent(10, "ETH-PERP", "2", "100")
	env.dispatch(t, ev)
	env.dispatch(t, ev)

	if n := len(env.accounts["f1"].placedOrders()); n != 1 {
		t.Fatalf("orders placed = %d, want 1", n)
	}
	if n := len(env.records.all()); n != 1 {
		t.Fatalf("records = %d, want 1", n)
	}

	rec, _ := env.records.get(ev.MasterTradeID, 1)
	if rec.Status != models.StatusExecuted || rec.ClientOrderID != ClientOrderID(ev.MasterTradeID, 1) {
		t.Fatalf("record = %+v", rec)
	}
	if len(env.sink.published()) != 1 {
		t.Errorf("published = %d, want 1", len(env.sink.published()))
	}
}

func TestDispatchClosesFollowerLivePosition(t *testing.T) {
	f := follower(1, 10, "f1", models.CopyModeMultiplier)
	f.Multiplier = dec("0.1")
	env := newDispatchEnv(t, false, f)
	acc := env.accounts["f1"]
	acc.positions = []exchange.Position{{Symbol: "BTC-PERP", Size: dec("7")}}

	ev := models.TradeEvent{
		MasterTradeID:   "m10:BTC-PERP:close:x",
		MasterAccountID: 10,
		Symbol:          "BTC-PERP",
		Direction:       models.DirectionClose,
		Delta:           dec("-10"),
		PrevSize:        dec("10"),
		ReferencePrice:  dec("51000"),
	}
	env.dispatch(t, ev)

	orders := acc.placedOrders()
	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders))
	}
	if o := orders[0]; o.Side != exchange.SideSell || !o.Size.Equal(dec("7")) || !o.ReduceOnly {
		t.Fatalf("close order = %+v, want reduce-only sell 7", o)
	}

	rec, _ := env.records.get(ev.MasterTradeID, 1)
	if rec.Status != models.StatusExecuted || !rec.CopiedSize.Equal(dec("7")) {
		t.Fatalf("record = %+v", rec)
	}
}

func TestDispatchCloseWithoutPositionIsNoop(t *testing.T) {
	f := follower(1, 10, "f1", models.CopyModeFixedLot)
	env := newDispatchEnv(t, false, f)
	env.accounts["f1"].positionsErr = &exchange.Error{Kind: exchange.KindNotFound}

	ev := models.TradeEvent{
		MasterTradeID:   "m10:BTC-PERP:close:y",
		MasterAccountID: 10,
		Symbol:          "BTC-PERP",
		Direction:       models.DirectionClose,
		Delta:           dec("-1"),
	}
	env.dispatch(t, ev)

	if n := len(env.accounts["f1"].placedOrders()); n != 0 {
		t.Fatalf("orders = %d, want 0", n)
	}

	rec, _ := env.records.get(ev.MasterTradeID, 1)
	if rec.Status != models.StatusExecuted || !rec.CopiedSize.IsZero() {
		t.Fatalf("record = %+v", rec)
	}
}

func TestDispatchDuplicateOrderResolvedByLookup(t *testing.T) {
	f := follower(1, 10, "f1", models.CopyModeFixedLot)
	f.FixedLot = dec("1")
	env := newDispatchEnv(t, false, f)
	acc := env.accounts["f1"]
	acc.balance = exchange.Balance{Available: dec("1000")}

	ev := openEvent(10, "ETH-PERP", "1", "100")
	clientID := ClientOrderID(ev.MasterTradeID, 1)
	// ордер уже принят биржей до перезапуска
	acc.orders[clientID] = exchange.Order{OrderID: "prior", ClientOrderID: clientID, Status: exchange.OrderFilled, FilledSize: dec("1")}

	env.dispatch(t, ev)

	rec, _ := env.records.get(ev.MasterTradeID, 1)
	if rec.Status != models.StatusExecuted || rec.FollowerOrderID != "prior" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestDispatchFailureReasons(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(acc *fakeExchange)
		wantReason string
	}{
		{
			name: "auth",
			setup: func(acc *fakeExchange) {
				acc.placeErrs = []error{&exchange.Error{Kind: exchange.KindAuth, AuthReason: exchange.AuthBadSignature}}
			},
			wantReason: "auth_bad_signature",
		},
		{
			name: "transient after retries",
			setup: func(acc *fakeExchange) {
				tr := &exchange.Error{Kind: exchange.KindTransient}
				acc.placeErrs = []error{tr, tr, tr, tr}
			},
			wantReason: models.ReasonNetworkError,
		},
		{
			name: "schema",
			setup: func(acc *fakeExchange) {
				acc.placeErrs = []error{&exchange.Error{Kind: exchange.KindSchema, Field: "size"}}
			},
			wantReason: models.ReasonSchemaError,
		},
		{
			name: "exchange reports insufficient balance",
			setup: func(acc *fakeExchange) {
				acc.placeErrs = []error{&exchange.Error{Kind: exchange.KindInsufficientBalance}}
			},
			wantReason: models.ReasonInsufficientBalance,
		},
		{
			name: "balance unavailable",
			setup: func(acc *fakeExchange) {
				acc.balanceErr = errors.New("boom")
			},
			wantReason: models.ReasonInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := follower(1, 10, "f1", models.CopyModeFixedLot)
			f.FixedLot = dec("1")
			env := newDispatchEnv(t, false, f)
			acc := env.accounts["f1"]
			acc.balance = exchange.Balance{Available: dec("1000")}
			tt.setup(acc)

			ev := openEvent(10, "ETH-PERP", "1", "100")
			env.dispatch(t, ev)

			rec, _ := env.records.get(ev.MasterTradeID, 1)
			if rec.Status != models.StatusFailed || rec.Reason != tt.wantReason {
				t.Fatalf("record = %s/%s, want failed/%s", rec.Status, rec.Reason, tt.wantReason)
			}
		})
	}
}

func TestDispatchOpensBreakerOnAuthErrors(t *testing.T) {
	f := follower(1, 10, "f1", models.CopyModeFixedLot)
	f.FixedLot = dec("1")
	env := newDispatchEnv(t, false, f)
	acc := env.accounts["f1"]
	acc.balanceErr = &exchange.Error{Kind: exchange.KindAuth, AuthReason: exchange.AuthBadKey}

	env.dispatch(t, openEvent(10, "A-PERP", "1", "1"))
	env.dispatch(t, openEvent(10, "B-PERP", "1", "1"))

	ev := openEvent(10, "C-PERP", "1", "1")
	env.dispatch(t, ev)

	rec, _ := env.records.get(ev.MasterTradeID, 1)
	if rec.Status != models.StatusFailed || rec.Reason != models.ReasonCircuitOpen {
		t.Fatalf("record = %s/%s, want failed/circuit_open", rec.Status, rec.Reason)
	}
	if n := len(env.sink.published()); n != 3 {
		t.Errorf("published = %d, want 3", n)
	}
}

func TestDispatchKeepsFollowerOrder(t *testing.T) {
	f := follower(1, 10, "f1", models.CopyModeMultiplier)
	f.Multiplier = dec("1")
	env := newDispatchEnv(t, false, f)
	acc := env.accounts["f1"]
	acc.balance = exchange.Balance{Available: dec("1000000")}
	acc.positions = []exchange.Position{{Symbol: "BTC-PERP", Size: dec("5")}}

	closeEv := models.TradeEvent{
		MasterTradeID: "m10:BTC-PERP:close:z", MasterAccountID: 10, Symbol: "BTC-PERP",
		Direction: models.DirectionClose, Delta: dec("-5"), PrevSize: dec("5"), ReferencePrice: dec("100"),
	}
	openEv := models.TradeEvent{
		MasterTradeID: "m10:BTC-PERP:open:z", MasterAccountID: 10, Symbol: "BTC-PERP",
		Direction: models.DirectionOpen, Delta: dec("-3"), NewSize: dec("-3"), ReferencePrice: dec("100"),
	}
	env.dispatch(t, closeEv, openEv)

	orders := acc.placedOrders()
	if len(orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(orders))
	}
	if !orders[0].ReduceOnly || orders[0].Side != exchange.SideSell || !orders[0].Size.Equal(dec("5")) {
		t.Errorf("first order = %+v, want close", orders[0])
	}
	if orders[1].ReduceOnly || orders[1].Side != exchange.SideSell || !orders[1].Size.Equal(dec("3")) {
		t.Errorf("second order = %+v, want open short", orders[1])
	}
}

func TestDispatchDryRun(t *testing.T) {
	f := follower(1, 10, "f1", models.CopyModeFixedLot)
	f.FixedLot = dec("1")
	env := newDispatchEnv(t, true, f)
	env.accounts["f1"].balance = exchange.Balance{Available: dec("1000")}

	ev := openEvent(10, "ETH-PERP", "1", "100")
	env.dispatch(t, ev)

	if n := len(env.accounts["f1"].placedOrders()); n != 0 {
		t.Fatalf("dry run placed %d orders", n)
	}

	rec, _ := env.records.get(ev.MasterTradeID, 1)
	if rec.Status != models.StatusExecuted || rec.FollowerOrderID != "dry-run" || !rec.CopiedSize.Equal(dec("1")) {
		t.Fatalf("record = %+v", rec)
	}
}

func TestDispatchFollowersError(t *testing.T) {
	env := newDispatchEnv(t, false)
	env.followers.err = errors.New("db down")

	if err := env.disp.Dispatch(context.Background(), []models.TradeEvent{openEvent(10, "X", "1", "1")}); err == nil {
		t.Fatal("expected error")
	}
}

// Запись ждала слот дольше pending timeout: перед ордером она продлевается
func TestDispatchClaimsRecordWhenSlotFrees(t *testing.T) {
	f := follower(1, 10, "f1", models.CopyModeFixedLot)
	f.FixedLot = dec("1")
	env := newDispatchEnv(t, false, f)
	env.accounts["f1"].balance = exchange.Balance{Available: dec("1000")}

	ctx := context.Background()
	reserved := time.Now().Add(-10 * time.Minute)
	env.records.now = func() time.Time { return reserved }

	if err := env.disp.sem.Acquire(ctx, 4); err != nil {
		t.Fatal(err)
	}

	ev := openEvent(10, "ETH-PERP", "2", "100")
	if err := env.disp.Dispatch(ctx, []models.TradeEvent{ev}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	rec, _ := env.records.get(ev.MasterTradeID, 1)
	stale, _ := env.records.ListStalePending(ctx, time.Now().Add(-2*time.Minute), 10)
	if len(stale) != 1 {
		t.Fatalf("queued record must look stale before claim, got %d", len(stale))
	}

	env.records.mu.Lock()
	env.records.now = time.Now
	env.records.mu.Unlock()

	env.disp.sem.Release(4)
	env.disp.Wait()

	env.records.mu.Lock()
	claims := env.records.claims[rec.ID]
	env.records.mu.Unlock()
	if claims != 1 {
		t.Errorf("claims = %d, want 1", claims)
	}

	rec, _ = env.records.get(ev.MasterTradeID, 1)
	if rec.Status != models.StatusExecuted {
		t.Errorf("status = %s", rec.Status)
	}
}

// Запись завершил другой процесс, пока задача ждала слот: ордер не отправляется
func TestDispatchSkipsRecordResolvedElsewhere(t *testing.T) {
	f := follower(1, 10, "f1", models.CopyModeFixedLot)
	f.FixedLot = dec("1")
	env := newDispatchEnv(t, false, f)
	env.accounts["f1"].balance = exchange.Balance{Available: dec("1000")}

	ctx := context.Background()
	if err := env.disp.sem.Acquire(ctx, 4); err != nil {
		t.Fatal(err)
	}

	ev := openEvent(10, "ETH-PERP", "2", "100")
	if err := env.disp.Dispatch(ctx, []models.TradeEvent{ev}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	rec, _ := env.records.get(ev.MasterTradeID, 1)
	if err := env.records.CompleteRecord(ctx, Failed(rec, models.ReasonLostBeforeSubmit)); err != nil {
		t.Fatal(err)
	}

	env.disp.sem.Release(4)
	env.disp.Wait()

	if n := len(env.accounts["f1"].placedOrders()); n != 0 {
		t.Errorf("orders placed = %d, want 0", n)
	}
	if n := len(env.sink.published()); n != 0 {
		t.Errorf("published = %d, want 0", n)
	}

	rec, _ = env.records.get(ev.MasterTradeID, 1)
	if rec.Reason != models.ReasonLostBeforeSubmit {
		t.Errorf("record = %s/%s", rec.Status, rec.Reason)
	}
}
