// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package settings

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestResolveDefaultsWhenMissing(t *testing.T) {
	store, _ := newTestStore(t)

	got := NewResolver(store).Resolve(context.Background(), "M1")

	assert.Equal(t, "vi", got.Language.SourceLanguage)
	assert.Equal(t, "en", got.Language.TargetLanguage)
	assert.Equal(t, "M1", got.Language.MeetingID)
	assert.False(t, got.RecordingEnabled)
}

func TestResolveStoredSettings(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveLanguage(ctx, LanguageSetting{MeetingID: "M2", SourceLanguage: "fr", TargetLanguage: "de"}))
	require.NoError(t, store.SaveRecord(ctx, RecordSetting{MeetingID: "M2", Record: true}))

	got := NewResolver(store).Resolve(ctx, "M2")

	assert.Equal(t, "fr", got.Language.SourceLanguage)
	assert.Equal(t, "de", got.Language.TargetLanguage)
	assert.True(t, got.RecordingEnabled)
}

func TestResolveDefaultsWhenStoreUnavailable(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	got := NewResolver(store).Resolve(context.Background(), "M3")

	assert.Equal(t, DefaultLanguageSetting("M3"), got.Language)
}

func TestResolveReadsThrough(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	r := NewResolver(store)

	assert.Equal(t, "vi", r.Resolve(ctx, "M4").Language.SourceLanguage)

	require.NoError(t, store.SaveLanguage(ctx, LanguageSetting{MeetingID: "M4", SourceLanguage: "ja", TargetLanguage: "en"}))
	assert.Equal(t, "ja", r.Resolve(ctx, "M4").Language.SourceLanguage)
}

func TestRecordKeyLayout(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveRecord(ctx, RecordSetting{MeetingID: "M5", Record: true, UserID: "u1"}))
	assert.True(t, mr.Exists("M5_record"))

	_, err := store.GetLanguage(ctx, "M5")
	assert.ErrorIs(t, err, ErrNotFound)

	rec, err := store.GetRecord(ctx, "M5")
	require.NoError(t, err)
	assert.Equal(t, RecordSetting{MeetingID: "M5", Record: true, UserID: "u1"}, rec)
}

func TestSaveRequiresMeetingID(t *testing.T) {
	store, _ := newTestStore(t)
	assert.Error(t, store.SaveLanguage(context.Background(), LanguageSetting{}))
	assert.Error(t, store.SaveRecord(context.Background(), RecordSetting{}))
}
