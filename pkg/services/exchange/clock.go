package exchange

import (
	"context"
	"strconv"
	"sync"
	"time"
)

const defaultClockRefresh = time.Minute

// Clock хранит смещение между локальным временем и временем биржи.
// Смещение обновляется лениво, не чаще чем раз в refresh, и сразу после Invalidate.
type Clock struct {
	fetch   func(ctx context.Context) (time.Time, error)
	now     func() time.Time
	refresh time.Duration

	mu       sync.Mutex
	offset   time.Duration
	syncedAt time.Time
}

func NewClock(fetch func(ctx context.Context) (time.Time, error), refresh time.Duration) *Clock {
	if refresh <= 0 {
		refresh = defaultClockRefresh
	}

	return &Clock{
		fetch:   fetch,
		now:     time.Now,
		refresh: refresh,
	}
}

// Now возвращает оценку текущего времени биржи.
// Если биржа недоступна, используется последнее известное смещение и возвращается ошибка.
func (c *Clock) Now(ctx context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	local := c.now()
	if c.fetch == nil || (!c.syncedAt.IsZero() && local.Sub(c.syncedAt) < c.refresh) {
		return local.Add(c.offset), nil
	}

	before := c.now()
	server, err := c.fetch(ctx)
	if err != nil {
		return local.Add(c.offset), err
	}
	after := c.now()

	// середина запроса - лучшая оценка момента, когда сервер считал время
	mid := before.Add(after.Sub(before) / 2)
	c.offset = server.Sub(mid)
	c.syncedAt = after

	return after.Add(c.offset), nil
}

// Timestamp - время биржи в секундах, строкой для подписи.
func (c *Clock) Timestamp(ctx context.Context) (string, error) {
	t, err := c.Now(ctx)
	return strconv.FormatInt(t.Unix(), 10), err
}

// Invalidate заставляет следующий вызов Now заново синхронизироваться.
func (c *Clock) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.syncedAt = time.Time{}
}

// Offset возвращает текущее смещение.
func (c *Clock) Offset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.offset
}
