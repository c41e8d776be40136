package copytrading

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"copytrade/internal/models"
	"copytrade/pkg/services/exchange"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleepRetry() RetryPolicy {
	p := DefaultRetryPolicy()
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

// fakeExchange - аккаунт на бирже в памяти
type fakeExchange struct {
	mu sync.Mutex

	positions []exchange.Position
	fills     []exchange.Fill
	balance   exchange.Balance
	fillPrice decimal.Decimal

	orders map[string]exchange.Order
	placed []exchange.OrderRequest

	placeErrs    []error // ошибки PlaceMarketOrder по очереди
	balanceErr   error
	positionsErr error
	fillsErr     error
	getOrderErr  error
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{orders: make(map[string]exchange.Order)}
}

func (f *fakeExchange) GetPositions(_ context.Context, symbol string) ([]exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.positionsErr != nil {
		return nil, f.positionsErr
	}

	var out []exchange.Position
	for _, p := range f.positions {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, p)
		}
	}

	return out, nil
}

func (f *fakeExchange) GetFills(_ context.Context, since time.Time) ([]exchange.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fillsErr != nil {
		return nil, f.fillsErr
	}

	var out []exchange.Fill
	for _, fill := range f.fills {
		if fill.Time >= since.UnixMilli() {
			out = append(out, fill)
		}
	}

	return out, nil
}

func (f *fakeExchange) GetBalance(context.Context) (exchange.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.balance, f.balanceErr
}

func (f *fakeExchange) PlaceMarketOrder(_ context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return exchange.Order{}, err
		}
	}

	if _, ok := f.orders[req.ClientOrderID]; ok {
		return exchange.Order{}, &exchange.Error{Kind: exchange.KindDuplicate, Code: "duplicate_client_order_id"}
	}

	f.placed = append(f.placed, req)
	order := exchange.Order{
		OrderID:       "o-" + strconv.Itoa(len(f.placed)),
		ClientOrderID: req.ClientOrderID,
		Status:        exchange.OrderFilled,
		FilledSize:    req.Size,
		AvgPrice:      f.fillPrice,
	}
	f.orders[req.ClientOrderID] = order

	return order, nil
}

func (f *fakeExchange) GetOrder(_ context.Context, clientOrderID string) (exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.getOrderErr != nil {
		return exchange.Order{}, f.getOrderErr
	}

	order, ok := f.orders[clientOrderID]
	if !ok {
		return exchange.Order{}, &exchange.Error{Kind: exchange.KindNotFound, Code: "order_not_found"}
	}

	return order, nil
}

func (f *fakeExchange) placedOrders() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]exchange.OrderRequest(nil), f.placed...)
}

// fleet - аккаунты по имени
type fleet map[string]*fakeExchange

func (fl fleet) factory(name string, _ exchange.Credentials) Exchange {
	acc, ok := fl[name]
	if !ok {
		panic("unknown account " + name)
	}
	return acc
}

type fakeFollowers struct {
	mu        sync.Mutex
	followers []models.Follower
	err       error
}

func (s *fakeFollowers) ListActiveFollowers(_ context.Context, masterID int) ([]models.Follower, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	var out []models.Follower
	for _, f := range s.followers {
		if f.MasterAccountID == masterID && f.AccountStatus == models.AccountActive {
			out = append(out, f)
		}
	}

	return out, nil
}

func (s *fakeFollowers) GetFollower(_ context.Context, id int) (models.Follower, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.followers {
		if f.ID == id {
			return f, nil
		}
	}

	return models.Follower{}, fmt.Errorf("follower %d not found", id)
}

// memRecords - RecordStore с той же уникальностью, что у storage
type memRecords struct {
	mu      sync.Mutex
	nextID  int64
	byID    map[int64]models.CopyTradeRecord
	keys    map[string]int64
	syncs   map[int64]string
	touches map[int64]int
	claims  map[int64]int
	now     func() time.Time
}

func newMemRecords() *memRecords {
	return &memRecords{
		byID:    make(map[int64]models.CopyTradeRecord),
		keys:    make(map[string]int64),
		syncs:   make(map[int64]string),
		touches: make(map[int64]int),
		claims:  make(map[int64]int),
		now:     time.Now,
	}
}

func (m *memRecords) ReserveRecord(_ context.Context, rec *models.CopyTradeRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rec.MasterTradeID + "|" + strconv.Itoa(rec.FollowerID)
	if _, ok := m.keys[key]; ok {
		return false, nil
	}

	m.nextID++
	rec.ID = m.nextID
	rec.CreatedAt = m.now()
	rec.UpdatedAt = rec.CreatedAt
	m.byID[rec.ID] = *rec
	m.keys[key] = rec.ID

	return true, nil
}

func (m *memRecords) CompleteRecord(_ context.Context, rec models.CopyTradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.byID[rec.ID]
	if !ok || cur.Status != models.StatusPending {
		return fmt.Errorf("record %d is not pending", rec.ID)
	}

	rec.CreatedAt = cur.CreatedAt
	rec.UpdatedAt = m.now()
	m.byID[rec.ID] = rec

	return nil
}

func (m *memRecords) ClaimRecord(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byID[id]
	if !ok || rec.Status != models.StatusPending {
		return fmt.Errorf("record %d is not pending", id)
	}

	rec.UpdatedAt = m.now()
	m.byID[id] = rec
	m.claims[id]++

	return nil
}

func (m *memRecords) ClaimStale(_ context.Context, id int64, olderThan time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byID[id]
	if !ok || rec.Status != models.StatusPending || !rec.UpdatedAt.Before(olderThan) {
		return false, nil
	}

	rec.UpdatedAt = m.now()
	m.byID[id] = rec

	return true, nil
}

func (m *memRecords) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]models.CopyTradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.CopyTradeRecord
	for id := int64(1); id <= m.nextID && len(out) < limit; id++ {
		rec, ok := m.byID[id]
		if ok && rec.Status == models.StatusPending && rec.UpdatedAt.Before(olderThan) {
			out = append(out, rec)
		}
	}

	return out, nil
}

func (m *memRecords) TouchSync(_ context.Context, recordID int64, syncErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.syncs[recordID] = syncErr
	m.touches[recordID]++

	return nil
}

func (m *memRecords) all() []models.CopyTradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.CopyTradeRecord, 0, len(m.byID))
	for id := int64(1); id <= m.nextID; id++ {
		out = append(out, m.byID[id])
	}

	return out
}

func (m *memRecords) get(masterTradeID string, followerID int) (models.CopyTradeRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.keys[masterTradeID+"|"+strconv.Itoa(followerID)]
	if !ok {
		return models.CopyTradeRecord{}, false
	}

	return m.byID[id], true
}

type testInstruments map[string]models.Instrument

func (t testInstruments) Get(symbol string) models.Instrument {
	if inst, ok := t[symbol]; ok {
		return inst
	}
	return models.DefaultInstrument(symbol)
}

type recordingSink struct {
	mu      sync.Mutex
	records []models.CopyTradeRecord
}

func (s *recordingSink) Publish(_ context.Context, rec models.CopyTradeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
}

func (s *recordingSink) published() []models.CopyTradeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.CopyTradeRecord(nil), s.records...)
}

func follower(id, masterID int, name string, mode models.CopyMode) models.Follower {
	return models.Follower{
		ID:              id,
		MasterAccountID: masterID,
		Name:            name,
		APIKey:          name + "-key",
		APISecret:       name + "-secret",
		CopyMode:        mode,
		AccountStatus:   models.AccountActive,
	}
}
