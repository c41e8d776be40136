package copytrading

import (
	"context"
	"sync"
	"testing"
	"time"

	"copytrade/internal/models"
	"copytrade/pkg/services/exchange"
)

type fakeMasters struct {
	mu       sync.Mutex
	accounts []models.BrokerAccount
}

func (m *fakeMasters) ListBrokerAccounts(context.Context, bool) ([]models.BrokerAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]models.BrokerAccount(nil), m.accounts...), nil
}

func (m *fakeMasters) set(accounts ...models.BrokerAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accounts = accounts
}

func newTestManager(t *testing.T, masters *fakeMasters, accounts fleet) *Manager {
	t.Helper()

	disp := NewDispatcher(&fakeFollowers{}, NewLedger(newMemRecords()), accounts.factory, testInstruments{},
		NewBreaker(0, 0), nil, DispatcherConfig{Retry: noSleepRetry()}, discardLogger())

	return NewManager(masters, NewMemorySnapshotStore(), accounts.factory, disp, nil,
		ManagerConfig{PollInterval: 10 * time.Millisecond, RefreshInterval: time.Hour}, discardLogger())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManagerRefresh(t *testing.T) {
	accounts := fleet{"m1": newFakeExchange(), "m2": newFakeExchange()}
	masters := &fakeMasters{}
	masters.set(
		models.BrokerAccount{ID: 1, Name: "m1", APIKey: "k1"},
		models.BrokerAccount{ID: 2, Name: "m2", APIKey: "k2"},
	)

	m := newTestManager(t, masters, accounts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	sessions := m.Sessions()
	if len(sessions) != 2 || sessions[0].MasterID != 1 || sessions[1].MasterID != 2 {
		t.Fatalf("sessions = %+v", sessions)
	}

	waitFor(t, func() bool {
		for _, s := range m.Sessions() {
			if s.LastPollAt.IsZero() {
				return false
			}
		}
		return true
	})

	// master 2 деактивирован
	masters.set(models.BrokerAccount{ID: 1, Name: "m1", APIKey: "k1"})
	if err := m.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if sessions := m.Sessions(); len(sessions) != 1 || sessions[0].MasterID != 1 {
		t.Fatalf("sessions after refresh = %+v", sessions)
	}

	if err := m.StopSession(1); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if err := m.StopSession(1); err == nil {
		t.Fatal("expected error for stopped session")
	}
}

// slowMaster держит опрос до отмены сессии и завершает его с задержкой
type slowMaster struct {
	*fakeExchange

	mu        sync.Mutex
	calls     int
	active    int
	maxActive int
}

func (s *slowMaster) GetPositions(ctx context.Context, _ string) ([]exchange.Position, error) {
	s.mu.Lock()
	s.calls++
	s.active++
	s.maxActive = max(s.maxActive, s.active)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	<-ctx.Done()
	time.Sleep(30 * time.Millisecond)

	return nil, ctx.Err()
}

func (s *slowMaster) stats() (calls, active, maxActive int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls, s.active, s.maxActive
}

func TestManagerRestartWaitsForOldSession(t *testing.T) {
	master := &slowMaster{fakeExchange: newFakeExchange()}
	masters := &fakeMasters{}
	masters.set(models.BrokerAccount{ID: 1, Name: "m1", APIKey: "k1"})

	connect := func(string, exchange.Credentials) Exchange { return master }
	disp := NewDispatcher(&fakeFollowers{}, NewLedger(newMemRecords()), connect, testInstruments{},
		NewBreaker(0, 0), nil, DispatcherConfig{Retry: noSleepRetry()}, discardLogger())
	m := NewManager(masters, NewMemorySnapshotStore(), connect, disp, nil,
		ManagerConfig{PollInterval: 10 * time.Millisecond, RefreshInterval: time.Hour}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	waitFor(t, func() bool {
		_, active, _ := master.stats()
		return active == 1
	})

	// смена ключей перезапускает сессию
	masters.set(models.BrokerAccount{ID: 1, Name: "m1", APIKey: "k2"})
	if err := m.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	waitFor(t, func() bool {
		calls, _, _ := master.stats()
		return calls >= 2
	})

	if _, _, maxActive := master.stats(); maxActive != 1 {
		t.Errorf("concurrent polls of one master = %d, want 1", maxActive)
	}

	if err := m.StopSession(1); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
}

func TestManagerRunStopsOnCancel(t *testing.T) {
	accounts := fleet{"m1": newFakeExchange()}
	accounts["m1"].positionsErr = &exchange.Error{Kind: exchange.KindTransient, Message: "down"}
	masters := &fakeMasters{}
	masters.set(models.BrokerAccount{ID: 1, Name: "m1"})

	m := newTestManager(t, masters, accounts)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitFor(t, func() bool {
		s := m.Sessions()
		return len(s) == 1 && s[0].LastError != ""
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	if len(m.Sessions()) != 0 {
		t.Error("sessions must be stopped")
	}
}

func TestMemorySnapshotStore(t *testing.T) {
	s := NewMemorySnapshotStore()
	ctx := context.Background()

	if _, found, _ := s.Load(ctx, 1); found {
		t.Fatal("empty store must report not found")
	}

	snap := models.MasterSnapshot{Positions: models.Snapshot{"BTC-PERP": {Symbol: "BTC-PERP", Size: dec("1")}}, TakenAt: 42}
	if err := s.Save(ctx, 1, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	delete(snap.Positions, "BTC-PERP")

	got, found, err := s.Load(ctx, 1)
	if err != nil || !found || len(got.Positions) != 1 || got.TakenAt != 42 {
		t.Fatalf("Load = %+v %v %v", got, found, err)
	}

	if err := s.Save(ctx, 2, models.MasterSnapshot{}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got, found, _ := s.Load(ctx, 2); !found || len(got.Positions) != 0 {
		t.Fatal("empty snapshot must be found")
	}
}
