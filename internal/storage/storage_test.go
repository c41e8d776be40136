package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"copytrade/internal/models"

	"github.com/shopspring/decimal"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(DriverSQLite, ":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func seedMaster(t *testing.T, s *Storage) int {
	t.Helper()

	id, err := s.SaveBrokerAccount(context.Background(), models.BrokerAccount{
		UserID: 1, Name: "master", APIKey: "k", APISecret: "s", Active: true, Verified: true,
	})
	if err != nil {
		t.Fatalf("SaveBrokerAccount: %v", err)
	}

	return id
}

func TestRebind(t *testing.T) {
	s := &Storage{driver: DriverPostgres}
	got := s.rebind("SELECT * FROM t WHERE a = ? AND b = ? LIMIT ?")
	want := "SELECT * FROM t WHERE a = $1 AND b = $2 LIMIT $3"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	s.driver = DriverSQLite
	if q := "a = ?"; s.rebind(q) != q {
		t.Error("sqlite queries must stay unchanged")
	}
}

func TestNewUnsupportedDriver(t *testing.T) {
	if _, err := New("mysql", "", slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error")
	}
}

func TestBrokerAccounts(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	activeID := seedMaster(t, s)
	_, err := s.SaveBrokerAccount(ctx, models.BrokerAccount{UserID: 2, Name: "unverified", APIKey: "k2", APISecret: "s2", Active: true})
	if err != nil {
		t.Fatal(err)
	}

	all, err := s.ListBrokerAccounts(ctx, false)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListBrokerAccounts(all) = %d, %v", len(all), err)
	}

	active, err := s.ListBrokerAccounts(ctx, true)
	if err != nil || len(active) != 1 || active[0].ID != activeID {
		t.Fatalf("ListBrokerAccounts(active) = %+v, %v", active, err)
	}

	acc, err := s.GetBrokerAccount(ctx, activeID)
	if err != nil {
		t.Fatal(err)
	}
	acc.Active = false
	if _, err := s.SaveBrokerAccount(ctx, acc); err != nil {
		t.Fatal(err)
	}

	acc, _ = s.GetBrokerAccount(ctx, activeID)
	if acc.Active {
		t.Error("account must be inactive after update")
	}

	if _, err := s.GetBrokerAccount(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFollowers(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	masterID := seedMaster(t, s)

	f := models.Follower{
		UserID:          5,
		MasterAccountID: masterID,
		Name:            "f1",
		APIKey:          "fk",
		APISecret:       "fs",
		CopyMode:        models.CopyModeMultiplier,
		Multiplier:      decimal.RequireFromString("0.1"),
		MinLotSize:      decimal.RequireFromString("0.01"),
		AccountStatus:   models.AccountActive,
	}

	id, err := s.SaveFollower(ctx, f)
	if err != nil {
		t.Fatalf("SaveFollower: %v", err)
	}

	f.Name = "f2"
	f.AccountStatus = models.AccountInactive
	if _, err := s.SaveFollower(ctx, f); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetFollower(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Multiplier.Equal(decimal.RequireFromString("0.1")) || got.CopyMode != models.CopyModeMultiplier {
		t.Errorf("follower = %+v", got)
	}

	active, err := s.ListActiveFollowers(ctx, masterID)
	if err != nil || len(active) != 1 || active[0].ID != id {
		t.Fatalf("ListActiveFollowers = %+v, %v", active, err)
	}

	all, err := s.ListFollowers(ctx, 0)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListFollowers = %d, %v", len(all), err)
	}

	f.ID = 12345
	if _, err := s.SaveFollower(ctx, f); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func newRecord(masterTradeID string, followerID int) models.CopyTradeRecord {
	return models.CopyTradeRecord{
		MasterTradeID:   masterTradeID,
		MasterAccountID: 1,
		FollowerID:      followerID,
		Symbol:          "BTC-PERP",
		Direction:       models.DirectionOpen,
		OriginalSide:    "buy",
		OriginalSize:    decimal.NewFromInt(10),
		OriginalPrice:   decimal.NewFromInt(50000),
		ClientOrderID:   "cid",
		Status:          models.StatusPending,
	}
}

func TestReserveRecordIsIdempotent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	rec := newRecord("m1:BTC-PERP:open:1", 7)
	ok, err := s.ReserveRecord(ctx, &rec)
	if err != nil || !ok {
		t.Fatalf("first reserve = %v, %v", ok, err)
	}
	if rec.ID == 0 {
		t.Error("record id must be set")
	}

	dup := newRecord("m1:BTC-PERP:open:1", 7)
	ok, err = s.ReserveRecord(ctx, &dup)
	if err != nil || ok {
		t.Fatalf("duplicate reserve = %v, %v", ok, err)
	}

	// failed записи тоже занимают ключ
	rec.Status = models.StatusFailed
	rec.Reason = models.ReasonNetworkError
	if err := s.CompleteRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	ok, _ = s.ReserveRecord(ctx, &dup)
	if ok {
		t.Error("failed record must still block the key")
	}

	other := newRecord("m1:BTC-PERP:open:1", 8)
	if ok, _ := s.ReserveRecord(ctx, &other); !ok {
		t.Error("another follower must get its own record")
	}
}

func TestReserveRecordConcurrent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	reserved := 0

	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := newRecord("m1:ETH-PERP:close:9", 3)
			ok, err := s.ReserveRecord(ctx, &rec)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if ok {
				mu.Lock()
				reserved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if reserved != 1 {
		t.Errorf("reserved %d times, want exactly 1", reserved)
	}
}

func TestCompleteRecord(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	rec := newRecord("m1:BTC-PERP:open:2", 1)
	if _, err := s.ReserveRecord(ctx, &rec); err != nil {
		t.Fatal(err)
	}

	rec.Status = models.StatusExecuted
	rec.CopiedSide = "buy"
	rec.CopiedSize = decimal.NewFromInt(1)
	rec.CopiedPrice = decimal.NewFromInt(50010)
	rec.FollowerOrderID = "o-1"
	if err := s.CompleteRecord(ctx, rec); err != nil {
		t.Fatalf("CompleteRecord: %v", err)
	}

	got, err := s.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusExecuted || got.FollowerOrderID != "o-1" || !got.CopiedSize.Equal(decimal.NewFromInt(1)) {
		t.Errorf("record = %+v", got)
	}

	rec.Status = models.StatusFailed
	if err := s.CompleteRecord(ctx, rec); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}

	rec.Status = models.StatusPending
	if err := s.CompleteRecord(ctx, rec); err == nil {
		t.Error("pending is not a terminal status")
	}

	byKey, err := s.GetRecordByKey(ctx, "m1:BTC-PERP:open:2", 1)
	if err != nil || byKey.ID != rec.ID {
		t.Errorf("GetRecordByKey = %+v, %v", byKey, err)
	}
}

func TestListRecordsAndStale(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	old := newRecord("a", 1)
	s.ReserveRecord(ctx, &old)

	s.now = func() time.Time { return base.Add(5 * time.Minute) }
	fresh := newRecord("b", 1)
	s.ReserveRecord(ctx, &fresh)
	other := newRecord("c", 2)
	s.ReserveRecord(ctx, &other)

	stale, err := s.ListStalePending(ctx, base.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Errorf("stale = %+v", stale)
	}

	list, err := s.ListRecords(ctx, models.RecordFilter{FollowerID: 1})
	if err != nil || len(list) != 2 {
		t.Fatalf("ListRecords = %d, %v", len(list), err)
	}
	if list[0].ID != fresh.ID {
		t.Error("records must be ordered newest first")
	}

	list, _ = s.ListRecords(ctx, models.RecordFilter{Status: models.StatusExecuted})
	if len(list) != 0 {
		t.Errorf("expected no executed records, got %d", len(list))
	}
}

func TestClaimRecord(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	rec := newRecord("m1:BTC-PERP:open:7", 1)
	s.ReserveRecord(ctx, &rec)

	// запись долго ждала слота, затем забрана исполнителем
	s.now = func() time.Time { return base.Add(5 * time.Minute) }
	if err := s.ClaimRecord(ctx, rec.ID); err != nil {
		t.Fatalf("ClaimRecord: %v", err)
	}

	stale, err := s.ListStalePending(ctx, base.Add(3*time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Errorf("claimed record must not be stale: %+v", stale)
	}

	// второй сверяющий процесс не забирает уже забранную запись
	ok, err := s.ClaimStale(ctx, rec.ID, base.Add(3*time.Minute))
	if err != nil || ok {
		t.Errorf("ClaimStale fresh = %v, %v", ok, err)
	}

	s.now = func() time.Time { return base.Add(10 * time.Minute) }
	ok, err = s.ClaimStale(ctx, rec.ID, base.Add(8*time.Minute))
	if err != nil || !ok {
		t.Fatalf("ClaimStale stale = %v, %v", ok, err)
	}
	if ok, _ := s.ClaimStale(ctx, rec.ID, base.Add(8*time.Minute)); ok {
		t.Error("record must be claimed once")
	}

	rec.Status = models.StatusExecuted
	if err := s.CompleteRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.ClaimRecord(ctx, rec.ID); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
}

func TestSyncStatus(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	rec := newRecord("sync", 1)
	s.ReserveRecord(ctx, &rec)

	if _, err := s.GetSyncStatus(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.TouchSync(ctx, rec.ID, "timeout"); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchSync(ctx, rec.ID, ""); err != nil {
		t.Fatal(err)
	}

	st, err := s.GetSyncStatus(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Attempts != 2 || st.Error != "" || st.LastCheckedAt.IsZero() {
		t.Errorf("sync status = %+v", st)
	}
}
