package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"atmoslofi/internal/mix"

	"github.com/redis/go-redis/v9"
)

const userKeyPrefix = "atmoslofi:users:"

// Redis keeps identity-scoped data in per-user hashes.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis { return &Redis{rdb: rdb} }

// Dial parses a redis:// URL and checks the connection.
func Dial(ctx context.Context, rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

// ForUser scopes the store to one identity.
func (r *Redis) ForUser(userID string) Store { //nolint:ireturn
	return &userStore{rdb: r.rdb, userID: userID}
}

func historyKey(userID string) string { return userKeyPrefix + userID + ":history" }
func presetsKey(userID string) string { return userKeyPrefix + userID + ":presets" }

// historyOrderKey scores each task id by its write time in microseconds,
// which a float64 score holds exactly.
func historyOrderKey(userID string) string { return historyKey(userID) + ":order" }

type userStore struct {
	rdb    *redis.Client
	userID string
}

// History returns entries newest first, in write order.
func (s *userStore) History(ctx context.Context) ([]HistoryEntry, error) {
	ids, err := s.rdb.ZRevRange(ctx, historyOrderKey(s.userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history order: %w", err)
	}
	if len(ids) == 0 {
		return []HistoryEntry{}, nil
	}
	values, err := s.rdb.HMGet(ctx, historyKey(s.userID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	list := make([]HistoryEntry, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var e HistoryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		list = append(list, e)
	}
	return list, nil
}

// SaveHistory upserts by task id and trims to the newest entries. The entry
// being written always scores highest, so the trim never drops it.
func (s *userStore) SaveHistory(ctx context.Context, e HistoryEntry) error {
	if e.TaskID == "" {
		return ErrEmptyTaskID
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	key, order := historyKey(s.userID), historyOrderKey(s.userID)

	tx := s.rdb.TxPipeline()
	tx.HSet(ctx, key, e.TaskID, payload)
	tx.ZAdd(ctx, order, redis.Z{Score: float64(time.Now().UnixMicro()), Member: e.TaskID})
	stale := tx.ZRange(ctx, order, 0, -int64(MaxHistory)-1)
	tx.ZRemRangeByRank(ctx, order, 0, -int64(MaxHistory)-1)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	if ids := stale.Val(); len(ids) > 0 {
		if err := s.rdb.HDel(ctx, key, ids...).Err(); err != nil {
			return fmt.Errorf("trim history: %w", err)
		}
	}
	return nil
}

func (s *userStore) DeleteHistory(ctx context.Context, taskID string) error {
	tx := s.rdb.TxPipeline()
	n := tx.HDel(ctx, historyKey(s.userID), taskID)
	tx.ZRem(ctx, historyOrderKey(s.userID), taskID)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("delete %s: %w", taskID, err)
	}
	if n.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *userStore) Presets(ctx context.Context) ([]mix.CustomPreset, error) {
	values, err := s.rdb.HVals(ctx, presetsKey(s.userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presets: %w", err)
	}
	list := make([]mix.CustomPreset, 0, len(values))
	for _, v := range values {
		var p mix.CustomPreset
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			continue
		}
		list = append(list, p)
	}
	sortPresets(list)
	return list, nil
}

func (s *userStore) SavePreset(ctx context.Context, p mix.CustomPreset) error {
	if p.ID == "" {
		return ErrEmptyPresetID
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode preset: %w", err)
	}
	if err := s.rdb.HSet(ctx, presetsKey(s.userID), p.ID, payload).Err(); err != nil {
		return fmt.Errorf("save preset: %w", err)
	}
	return nil
}

func (s *userStore) DeletePreset(ctx context.Context, id string) error {
	return s.del(ctx, presetsKey(s.userID), id)
}

func (s *userStore) del(ctx context.Context, key, field string) error {
	n, err := s.rdb.HDel(ctx, key, field).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete %s: %w", field, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
