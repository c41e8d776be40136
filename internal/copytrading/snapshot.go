package copytrading

import (
	"context"
	"maps"
	"sync"

	"copytrade/internal/models"
)

// SnapshotStore хранит последнее известное состояние позиций master аккаунтов.
// found == false означает, что снимка ещё не было (первый цикл).
type SnapshotStore interface {
	Load(ctx context.Context, masterID int) (snap models.MasterSnapshot, found bool, err error)
	Save(ctx context.Context, masterID int, snap models.MasterSnapshot) error
}

// MemorySnapshotStore - снимки в памяти процесса
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[int]models.MasterSnapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[int]models.MasterSnapshot)}
}

func (s *MemorySnapshotStore) Load(_ context.Context, masterID int) (models.MasterSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snaps[masterID]
	if !ok {
		return models.MasterSnapshot{}, false, nil
	}

	snap.Positions = maps.Clone(snap.Positions)

	return snap, true, nil
}

func (s *MemorySnapshotStore) Save(_ context.Context, masterID int, snap models.MasterSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Positions == nil {
		snap.Positions = models.Snapshot{}
	}
	snap.Positions = maps.Clone(snap.Positions)
	s.snaps[masterID] = snap

	return nil
}
