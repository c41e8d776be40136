package copytrading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"copytrade/internal/models"
)

// Session - цикл опроса одного master аккаунта
type Session struct {
	master   models.BrokerAccount
	detector *Detector
	cancel   context.CancelFunc
	done     chan struct{}

	mu         sync.RWMutex
	active     bool
	lastPollAt time.Time
	lastError  string
	events     int
}

// SessionInfo - состояние сессии для API
type SessionInfo struct {
	MasterID   int       `json:"master_id"`
	Name       string    `json:"name"`
	Active     bool      `json:"active"`
	LastPollAt time.Time `json:"last_poll_at,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
	Events     int       `json:"events"`
}

func (s *Session) isActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *Session) info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SessionInfo{
		MasterID:   s.master.ID,
		Name:       s.master.Name,
		Active:     s.active,
		LastPollAt: s.lastPollAt,
		LastError:  s.lastError,
		Events:     s.events,
	}
}

// run опрашивает master до отмены ctx; следующий опрос не начинается, пока не закончен текущий
func (s *Session) run(ctx context.Context, interval time.Duration, handoff HandoffFunc, logger *slog.Logger) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.poll(ctx, handoff, logger)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) poll(ctx context.Context, handoff HandoffFunc, logger *slog.Logger) {
	events, err := s.detector.Poll(ctx, handoff)

	s.mu.Lock()
	s.lastPollAt = time.Now()
	s.events += len(events)
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()

	switch {
	case err != nil && ctx.Err() == nil:
		logger.Warn("Poll failed", slog.Any("error", err))
	case len(events) > 0:
		logger.Info("📈 Master trades detected", slog.Int("events", len(events)))
	}
}

func (s *Session) stop() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.cancel()
}

// ManagerConfig - интервалы опроса
type ManagerConfig struct {
	PollInterval    time.Duration
	RefreshInterval time.Duration
}

// Manager держит по одной сессии на каждый активный master и завершает их при остановке
type Manager struct {
	masters    MasterStore
	snapshots  SnapshotStore
	connect    ClientFactory
	dispatcher *Dispatcher
	reconciler *Reconciler
	logger     *slog.Logger

	pollInterval    time.Duration
	refreshInterval time.Duration

	refreshMu sync.Mutex // один Refresh за раз: старая сессия master завершается до запуска новой
	mu        sync.Mutex
	sessions  map[int]*Session
	wg        sync.WaitGroup
}

func NewManager(
	masters MasterStore,
	snapshots SnapshotStore,
	connect ClientFactory,
	dispatcher *Dispatcher,
	reconciler *Reconciler,
	cfg ManagerConfig,
	logger *slog.Logger,
) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}

	return &Manager{
		masters:         masters,
		snapshots:       snapshots,
		connect:         connect,
		dispatcher:      dispatcher,
		reconciler:      reconciler,
		logger:          logger,
		pollInterval:    cfg.PollInterval,
		refreshInterval: cfg.RefreshInterval,
		sessions:        make(map[int]*Session),
	}
}

// Run запускает сессии и reconciler; блокируется до отмены ctx.
// При выходе дожидается сессий и уже запущенных ордеров.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Refresh(ctx); err != nil {
		m.logger.Error("Failed to load master accounts", slog.Any("error", err))
	}

	if m.reconciler != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.reconciler.Run(ctx)
		}()
	}

	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.StopAllSessions()
			m.wg.Wait()
			m.dispatcher.Wait()

			m.logger.Info("Copy trading manager stopped")
			return nil
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				m.logger.Error("Failed to refresh master accounts", slog.Any("error", err))
			}
		}
	}
}

// Refresh сверяет сессии со списком активных master аккаунтов
func (m *Manager) Refresh(ctx context.Context) error {
	masters, err := m.masters.ListBrokerAccounts(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list master accounts: %w", err)
	}

	want := make(map[int]models.BrokerAccount, len(masters))
	for _, acc := range masters {
		want[acc.ID] = acc
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	var stopped []*Session

	m.mu.Lock()
	for id, session := range m.sessions {
		acc, ok := want[id]
		if ok && acc.APIKey == session.master.APIKey && acc.APISecret == session.master.APISecret && session.isActive() {
			continue
		}

		m.stopSession(id, session)
		stopped = append(stopped, session)
	}
	m.mu.Unlock()

	// новая сессия того же master не должна опрашивать параллельно со старой
	for _, session := range stopped {
		select {
		case <-session.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, acc := range want {
		if _, ok := m.sessions[id]; !ok && ctx.Err() == nil {
			m.startSession(ctx, acc)
		}
	}

	return nil
}

func (m *Manager) startSession(ctx context.Context, acc models.BrokerAccount) {
	sessCtx, cancel := context.WithCancel(ctx)
	logger := m.logger.With(slog.Int("master_id", acc.ID), slog.String("master", acc.Name))

	session := &Session{
		master:   acc,
		detector: NewDetector(acc, m.connect(acc.Name, masterCreds(acc)), m.snapshots, m.logger),
		cancel:   cancel,
		done:     make(chan struct{}),
		active:   true,
	}
	m.sessions[acc.ID] = session

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		session.run(sessCtx, m.pollInterval, m.dispatcher.Dispatch, logger)
	}()

	logger.Info("Copy trading session started", slog.Bool("dry_run", m.dispatcher.dryRun))
}

func (m *Manager) stopSession(id int, session *Session) {
	session.stop()
	delete(m.sessions, id)

	m.logger.Info("Copy trading session stopped", slog.Int("master_id", id))
}

// StopSession останавливает опрос master и ждёт завершения текущего цикла
func (m *Manager) StopSession(masterID int) error {
	m.mu.Lock()
	session, ok := m.sessions[masterID]
	if !ok {
		m.mu.Unlock()
		return errors.New("session not found")
	}
	m.stopSession(masterID, session)
	m.mu.Unlock()

	<-session.done
	return nil
}

func (m *Manager) StopAllSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, session := range m.sessions {
		m.stopSession(id, session)
	}
}

// Sessions возвращает состояние всех сессий по возрастанию master id
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SessionInfo, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, session.info())
	}
	slices.SortFunc(out, func(a, b SessionInfo) int { return a.MasterID - b.MasterID })

	return out
}

func (m *Manager) IsDryRun() bool {
	return m.dispatcher.dryRun
}
