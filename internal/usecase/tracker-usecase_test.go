package usecase

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bzcogs/aiuser-telegram-bot/internal/model"
	"github.com/stretchr/testify/require"
)

const testBotID int64 = 999

func newTrackerFixture() (*TrackerUsecase, *RatingUsecase) {
	rating, _ := newRatingFixture()
	tracker := NewTrackerUsecase(
		testBotID, time.Hour, TrackerUsecaseDeps{
			Rating: rating,
		},
	)
	return tracker, rating
}

func trackedFixture(chatID int64, messageID int) model.TrackedMessage {
	return model.TrackedMessage{
		ChatID:    chatID,
		MessageID: messageID,
		Model:     "fast",
		Endpoint:  model.EndpointOpenAI,
		Content:   "tracked response",
	}
}

func TestTracker_ReactionOnTrackedMessageLogsRating(t *testing.T) {
	tracker, rating := newTrackerFixture()
	ctx := context.Background()

	tracker.Track(trackedFixture(1, 10))
	tracker.OnReaction(ctx, 1, 10, 42, "👍")

	record, found := rating.GetRating(ctx, 1, RatingKey(10, 42, "👍"))
	require.True(t, found)
	require.Equal(t, model.RatingPositive, record.Rating)
	require.Equal(t, "fast", record.Model)
	require.Equal(t, "tracked response", record.ResponseContent)
	require.Equal(t, int64(42), record.UserID)
}

func TestTracker_UntrackedMessageIgnored(t *testing.T) {
	tracker, rating := newTrackerFixture()
	ctx := context.Background()

	tracker.OnReaction(ctx, 1, 10, 42, "👍")

	_, found := rating.GetRating(ctx, 1, RatingKey(10, 42, "👍"))
	require.False(t, found)
}

func TestTracker_BotOwnReactionIgnored(t *testing.T) {
	tracker, rating := newTrackerFixture()
	ctx := context.Background()

	tracker.Track(trackedFixture(1, 10))
	tracker.OnReaction(ctx, 1, 10, testBotID, "👍")

	_, found := rating.GetRating(ctx, 1, RatingKey(10, testBotID, "👍"))
	require.False(t, found)
}

func TestTracker_UnknownEmojiIgnored(t *testing.T) {
	tracker, rating := newTrackerFixture()
	ctx := context.Background()

	tracker.Track(trackedFixture(1, 10))
	tracker.OnReaction(ctx, 1, 10, 42, "🎃")

	_, found := rating.GetRating(ctx, 1, RatingKey(10, 42, "🎃"))
	require.False(t, found)
}

func TestTracker_ReTrackOverwritesModelInfo(t *testing.T) {
	tracker, rating := newTrackerFixture()
	ctx := context.Background()

	tracker.Track(trackedFixture(1, 10))
	regenerated := trackedFixture(1, 10)
	regenerated.Model = "smart"
	regenerated.Content = "regenerated response"
	tracker.Track(regenerated)

	tracker.OnReaction(ctx, 1, 10, 42, "👍")

	record, found := rating.GetRating(ctx, 1, RatingKey(10, 42, "👍"))
	require.True(t, found)
	require.Equal(t, "smart", record.Model)
	require.Equal(t, "regenerated response", record.ResponseContent)
}

func TestTracker_ContentTruncatedAtCap(t *testing.T) {
	tracker, rating := newTrackerFixture()
	ctx := context.Background()

	long := trackedFixture(1, 10)
	for len(long.Content) <= model.MaxRatedContentLen {
		long.Content += long.Content
	}
	tracker.Track(long)
	tracker.OnReaction(ctx, 1, 10, 42, "👍")

	record, found := rating.GetRating(ctx, 1, RatingKey(10, 42, "👍"))
	require.True(t, found)
	require.Len(t, record.ResponseContent, model.MaxRatedContentLen)
}

func TestTracker_TruncationKeepsContentValidUTF8(t *testing.T) {
	tracker, rating := newTrackerFixture()
	ctx := context.Background()

	long := trackedFixture(1, 10)
	long.Content = strings.Repeat("🙂", model.MaxRatedContentLen)
	tracker.Track(long)
	tracker.OnReaction(ctx, 1, 10, 42, "👍")

	record, found := rating.GetRating(ctx, 1, RatingKey(10, 42, "👍"))
	require.True(t, found)
	require.True(t, utf8.ValidString(record.ResponseContent))
	require.LessOrEqual(t, len(record.ResponseContent), model.MaxRatedContentLen)
}
