package copytrading

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"copytrade/internal/models"

	redis "github.com/redis/go-redis/v9"
)

// служебное поле: время снимка (ms). Его наличие отличает пустой снимок
// (master без позиций) от отсутствующего.
const snapshotTakenAtField = "_taken_at"

// RedisSnapshotStore хранит снимки в Redis (hash на master аккаунт),
// чтобы после рестарта пересчитать тот же diff.
type RedisSnapshotStore struct {
	client *redis.Client
	prefix string
}

func NewRedisSnapshotStore(client *redis.Client, prefix string) *RedisSnapshotStore {
	if prefix == "" {
		prefix = "copytrade:snapshot:"
	}

	return &RedisSnapshotStore{client: client, prefix: prefix}
}

func (s *RedisSnapshotStore) key(masterID int) string {
	return s.prefix + strconv.Itoa(masterID)
}

func (s *RedisSnapshotStore) Load(ctx context.Context, masterID int) (models.MasterSnapshot, bool, error) {
	key := s.key(masterID)

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return models.MasterSnapshot{}, false, fmt.Errorf("redis HGETALL %s: %w", key, err)
	}

	rawTakenAt, ok := fields[snapshotTakenAtField]
	if !ok {
		return models.MasterSnapshot{}, false, nil
	}

	takenAt, err := strconv.ParseInt(rawTakenAt, 10, 64)
	if err != nil {
		return models.MasterSnapshot{}, false, fmt.Errorf("decode snapshot time %s: %w", key, err)
	}

	snap := models.MasterSnapshot{
		Positions: make(models.Snapshot, len(fields)-1),
		TakenAt:   takenAt,
	}
	for symbol, raw := range fields {
		if symbol == snapshotTakenAtField {
			continue
		}

		var pos models.PositionSnapshot
		if err := json.Unmarshal([]byte(raw), &pos); err != nil {
			return models.MasterSnapshot{}, false, fmt.Errorf("decode snapshot %s/%s: %w", key, symbol, err)
		}
		snap.Positions[symbol] = pos
	}

	return snap, true, nil
}

// Save заменяет снимок целиком (DEL + HSET в одной транзакции)
func (s *RedisSnapshotStore) Save(ctx context.Context, masterID int, snap models.MasterSnapshot) error {
	key := s.key(masterID)

	values := make([]any, 0, 2*len(snap.Positions)+2)
	values = append(values, snapshotTakenAtField, strconv.FormatInt(snap.TakenAt, 10))
	for symbol, pos := range snap.Positions {
		raw, err := json.Marshal(pos)
		if err != nil {
			return fmt.Errorf("encode snapshot %s/%s: %w", key, symbol, err)
		}
		values = append(values, symbol, string(raw))
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, values...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis HSET %s: %w", key, err)
	}

	return nil
}

func (s *RedisSnapshotStore) Close() error {
	return s.client.Close()
}
