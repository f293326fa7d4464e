package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/bzcogs/aiuser-telegram-bot/internal/model"
	cache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

type TrackerUsecaseDeps struct {
	Rating *RatingUsecase
}

// TrackerUsecase maps reactions on tracked response messages to ledger
// entries. Tracked messages live in a TTL cache, reactions on evicted
// messages are ignored.
type TrackerUsecase struct {
	TrackerUsecaseDeps
	botID   int64
	tracked *cache.Cache
}

func NewTrackerUsecase(botID int64, trackTTL time.Duration, deps TrackerUsecaseDeps) *TrackerUsecase {
	return &TrackerUsecase{
		TrackerUsecaseDeps: deps,
		botID:              botID,
		tracked:            cache.New(trackTTL, trackTTL/2),
	}
}

func trackedKey(chatID int64, messageID int) string {
	return fmt.Sprintf("%d_%d", chatID, messageID)
}

// Track registers a delivered response for reaction capture. Re-tracking the
// same message (after a regeneration) overwrites the stored model info.
func (t *TrackerUsecase) Track(msg model.TrackedMessage) {
	msg.Content = truncateUTF8(msg.Content, model.MaxRatedContentLen)
	t.tracked.SetDefault(trackedKey(msg.ChatID, msg.MessageID), msg)
	logrus.WithFields(logrus.Fields{
		"chat_id":    msg.ChatID,
		"message_id": msg.MessageID,
		"model":      msg.Model,
	}).Debug("tracking message for reactions")
}

func (t *TrackerUsecase) IsTracked(chatID int64, messageID int) bool {
	_, ok := t.tracked.Get(trackedKey(chatID, messageID))
	return ok
}

// OnReaction logs a rating for a reaction on a tracked message. Reactions
// from the bot itself and emojis outside the sentiment vocabulary are
// ignored.
func (t *TrackerUsecase) OnReaction(ctx context.Context, chatID int64, messageID int, userID int64, emoji string) {
	if userID == t.botID {
		return
	}
	entry, ok := t.tracked.Get(trackedKey(chatID, messageID))
	if !ok {
		return
	}
	sentiment, ok := model.SentimentForEmoji(emoji)
	if !ok {
		return
	}
	msg := entry.(model.TrackedMessage)

	t.Rating.LogRating(ctx, RatingKey(messageID, userID, emoji), model.RatingRecord{
		UserID:          userID,
		ChatID:          chatID,
		Model:           msg.Model,
		Endpoint:        msg.Endpoint,
		Rating:          sentiment,
		Timestamp:       time.Now().Format(time.RFC3339),
		ResponseContent: msg.Content,
	})
}
