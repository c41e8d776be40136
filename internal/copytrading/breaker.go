package copytrading

import (
	"sync"
	"time"
)

// Breaker временно исключает follower из рассылки после серии auth ошибок
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu    sync.Mutex
	state map[int]*breakerState
}

type breakerState struct {
	failures  int
	openUntil time.Time
}

// BreakerState - состояние breaker follower для API
type BreakerState struct {
	Failures  int       `json:"failures"`
	OpenUntil time.Time `json:"open_until,omitzero"`
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}

	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}

	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     make(map[int]*breakerState),
	}
}

// Allow возвращает false пока breaker follower открыт.
// После cool-down follower получает одну пробную попытку.
func (b *Breaker) Allow(followerID int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.state[followerID]
	if !ok || st.openUntil.IsZero() {
		return true
	}

	if b.now().Before(st.openUntil) {
		return false
	}

	// half-open: следующая auth ошибка сразу откроет снова
	st.openUntil = time.Time{}
	st.failures = b.threshold - 1

	return true
}

// RecordAuthFailure учитывает auth ошибку; true - breaker только что открылся
func (b *Breaker) RecordAuthFailure(followerID int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.state[followerID]
	if !ok {
		st = &breakerState{}
		b.state[followerID] = st
	}

	st.failures++
	if st.failures >= b.threshold && st.openUntil.IsZero() {
		st.openUntil = b.now().Add(b.cooldown)
		return true
	}

	return false
}

// RecordSuccess сбрасывает счётчик
func (b *Breaker) RecordSuccess(followerID int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.state, followerID)
}

// Snapshot возвращает состояние всех follower с ошибками
func (b *Breaker) Snapshot() map[int]BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[int]BreakerState, len(b.state))
	for id, st := range b.state {
		out[id] = BreakerState{Failures: st.failures, OpenUntil: st.openUntil}
	}

	return out
}
