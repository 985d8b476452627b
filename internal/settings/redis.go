// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// OpenRedisStore connects using a redis:// URL.
func OpenRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts)), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) GetLanguage(ctx context.Context, meetingID string) (LanguageSetting, error) {
	var setting LanguageSetting
	if err := s.get(ctx, meetingID, &setting); err != nil {
		return LanguageSetting{}, err
	}
	return setting, nil
}

func (s *RedisStore) SaveLanguage(ctx context.Context, setting LanguageSetting) error {
	return s.set(ctx, setting.MeetingID, setting)
}

func (s *RedisStore) GetRecord(ctx context.Context, meetingID string) (RecordSetting, error) {
	var setting RecordSetting
	if err := s.get(ctx, recordKey(meetingID), &setting); err != nil {
		return RecordSetting{}, err
	}
	return setting, nil
}

func (s *RedisStore) SaveRecord(ctx context.Context, setting RecordSetting) error {
	return s.set(ctx, recordKey(setting.MeetingID), setting)
}

func (s *RedisStore) get(ctx context.Context, key string, v any) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) || (err == nil && len(data) == 0) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) set(ctx context.Context, key string, v any) error {
	if key == "" || key == recordKey("") {
		return fmt.Errorf("meeting id is required")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}
