package usecase

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bzcogs/aiuser-telegram-bot/internal/model"
	in_memory "github.com/bzcogs/aiuser-telegram-bot/internal/storage/in-memory"
	"github.com/stretchr/testify/require"
)

func newRatingFixture() (*RatingUsecase, *in_memory.ChatConfigStorage) {
	storage := in_memory.NewChatConfigStorage()
	return NewRatingUsecase(RatingUsecaseDeps{Storage: storage}), storage
}

func recordAt(chatID int64, rating string, age time.Duration) model.RatingRecord {
	return model.RatingRecord{
		UserID:    42,
		ChatID:    chatID,
		Model:     "fast",
		Endpoint:  model.EndpointOpenAI,
		Rating:    rating,
		Timestamp: time.Now().Add(-age).Format(time.RFC3339),
	}
}

func TestRating_EmptyStats(t *testing.T) {
	r, _ := newRatingFixture()
	stats := r.GetStats(context.Background(), 1, "", "")
	require.Equal(t, model.RatingStats{}, stats)
}

func TestRating_StatsCountOnlyThumbs(t *testing.T) {
	r, _ := newRatingFixture()
	ctx := context.Background()

	r.LogRating(ctx, RatingKey(10, 1, "👍"), recordAt(1, model.RatingPositive, 0))
	r.LogRating(ctx, RatingKey(10, 2, "👍"), recordAt(1, model.RatingPositive, 0))
	r.LogRating(ctx, RatingKey(10, 3, "👎"), recordAt(1, model.RatingNegative, 0))
	r.LogRating(ctx, RatingKey(10, 4, "🤣"), recordAt(1, model.RatingFunny, 0))

	stats := r.GetStats(ctx, 1, "", "")
	require.Equal(t, 2, stats.Positive)
	require.Equal(t, 1, stats.Negative)
	require.Equal(t, 3, stats.Total)
}

func TestRating_StatsModelFilter(t *testing.T) {
	r, _ := newRatingFixture()
	ctx := context.Background()

	other := recordAt(1, model.RatingPositive, 0)
	other.Model = "smart"
	r.LogRating(ctx, RatingKey(10, 1, "👍"), recordAt(1, model.RatingPositive, 0))
	r.LogRating(ctx, RatingKey(11, 1, "👍"), other)

	stats := r.GetStats(ctx, 1, "fast", "")
	require.Equal(t, model.RatingStats{Positive: 1, Total: 1}, stats)
}

func TestRating_SameKeyOverwrites(t *testing.T) {
	r, _ := newRatingFixture()
	ctx := context.Background()

	key := RatingKey(10, 1, "👍")
	r.LogRating(ctx, key, recordAt(1, model.RatingPositive, 0))
	r.LogRating(ctx, key, recordAt(1, model.RatingPositive, 0))

	stats := r.GetStats(ctx, 1, "", "")
	require.Equal(t, model.RatingStats{Positive: 1, Total: 1}, stats)
}

func TestRating_MalformedRecordTolerated(t *testing.T) {
	r, storage := newRatingFixture()
	ctx := context.Background()

	require.NoError(t, storage.SetRatings(ctx, 1, map[string]json.RawMessage{
		"broken": json.RawMessage(`"not an object"`),
	}))
	r.LogRating(ctx, RatingKey(10, 1, "👍"), recordAt(1, model.RatingPositive, 0))

	stats := r.GetStats(ctx, 1, "", "")
	require.Equal(t, model.RatingStats{Positive: 1, Total: 1}, stats)
}

func TestRating_CleanupRemovesOnlyOldRecords(t *testing.T) {
	r, _ := newRatingFixture()
	ctx := context.Background()

	r.LogRating(ctx, "old", recordAt(1, model.RatingPositive, 40*24*time.Hour))
	r.LogRating(ctx, "fresh", recordAt(1, model.RatingNegative, time.Hour))

	kept, removed, err := r.CleanupOlderThan(ctx, 1, 30)
	require.NoError(t, err)
	require.Equal(t, 1, kept)
	require.Equal(t, 1, removed)

	_, found := r.GetRating(ctx, 1, "old")
	require.False(t, found)
	_, found = r.GetRating(ctx, 1, "fresh")
	require.True(t, found)
}

func TestRating_CleanupKeepsUnparsableTimestamps(t *testing.T) {
	r, _ := newRatingFixture()
	ctx := context.Background()

	garbled := recordAt(1, model.RatingPositive, 0)
	garbled.Timestamp = "yesterday-ish"
	r.LogRating(ctx, "garbled", garbled)

	kept, removed, err := r.CleanupOlderThan(ctx, 1, 30)
	require.NoError(t, err)
	require.Equal(t, 1, kept)
	require.Zero(t, removed)

	_, found := r.GetRating(ctx, 1, "garbled")
	require.True(t, found)
}
