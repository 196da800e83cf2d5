package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "digestbot/pkg/logx"
)

// redisStore keeps runs in one hash (<prefix>:runs, field = slot id, value =
// JSON row) and seen fingerprints as plain keys with a native TTL.
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		addr = "localhost:6379"
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "digestbot"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// A failed ping is not fatal: Redis may come up after us, and reads
	// degrade to "never run" until it does.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("redis ping failed", logx.String("addr", addr), logx.Err(err))
	}
	return &redisStore{client: client, prefix: prefix, log: log}, nil
}

func (s *redisStore) runsKey() string { return s.prefix + ":runs" }

func (s *redisStore) seenKey(hash string) string { return s.prefix + ":seen:" + hash }

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) GetRun(ctx context.Context, slotID string) (RunRow, bool, error) {
	raw, err := s.client.HGet(ctx, s.runsKey(), slotID).Result()
	if errors.Is(err, redis.Nil) {
		return RunRow{}, false, nil
	}
	if err != nil {
		return RunRow{}, false, err
	}
	var row RunRow
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return RunRow{}, false, fmt.Errorf("decode run %s: %w", slotID, err)
	}
	return row, true, nil
}

func (s *redisStore) PutRun(ctx context.Context, row RunRow) error {
	if strings.TrimSpace(row.SlotID) == "" {
		return errors.New("slot id required")
	}
	b, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.runsKey(), row.SlotID, b).Err()
}

func (s *redisStore) ListRuns(ctx context.Context) ([]RunRow, error) {
	all, err := s.client.HGetAll(ctx, s.runsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]RunRow, 0, len(all))
	for id, raw := range all {
		var row RunRow
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			s.log.Warn("skipping unreadable run row", logx.String("slot", id), logx.Err(err))
			continue
		}
		out = append(out, row)
	}
	sortRuns(out)
	return out, nil
}

func (s *redisStore) PutSeen(ctx context.Context, hash string, at time.Time, ttl time.Duration) error {
	if strings.TrimSpace(hash) == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return s.client.Set(ctx, s.seenKey(hash), at.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetSeen(ctx context.Context, hash string) (time.Time, bool, error) {
	ms, err := s.client.Get(ctx, s.seenKey(hash)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
