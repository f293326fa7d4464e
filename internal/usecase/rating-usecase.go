package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bzcogs/aiuser-telegram-bot/internal/model"
	"github.com/sirupsen/logrus"
)

type RatingStorage interface {
	GetRatings(ctx context.Context, chatID int64) (map[string]json.RawMessage, error)
	SetRatings(ctx context.Context, chatID int64, ratings map[string]json.RawMessage) error
	ListRatedChats(ctx context.Context) ([]int64, error)
}

type RatingUsecaseDeps struct {
	Storage RatingStorage
}

// RatingUsecase is the rating ledger: per-message sentiment records keyed by
// messageID_userID_emoji, plus aggregation and age-based cleanup.
type RatingUsecase struct {
	RatingUsecaseDeps
}

func NewRatingUsecase(deps RatingUsecaseDeps) *RatingUsecase {
	return &RatingUsecase{
		RatingUsecaseDeps: deps,
	}
}

// RatingKey builds the composite ledger key. The same actor may log several
// distinct-emoji reactions on one message; repeating the identical reaction
// overwrites one record.
func RatingKey(messageID int, userID int64, emoji string) string {
	return fmt.Sprintf("%d_%d_%s", messageID, userID, emoji)
}

// LogRating stores a record under the composite key. A failed write is logged
// and swallowed: rating capture must never break the interaction that
// triggered it.
func (r *RatingUsecase) LogRating(ctx context.Context, key string, record model.RatingRecord) {
	ratings, err := r.Storage.GetRatings(ctx, record.ChatID)
	if err != nil {
		logrus.WithError(err).Error("failed to load ratings")
		return
	}
	raw, err := json.Marshal(record)
	if err != nil {
		logrus.WithError(err).Error("failed to marshal rating record")
		return
	}
	ratings[key] = raw
	if err = r.Storage.SetRatings(ctx, record.ChatID, ratings); err != nil {
		logrus.WithError(err).Error("failed to save ratings")
		return
	}
	logrus.WithFields(logrus.Fields{
		"key":    key,
		"rating": record.Rating,
		"model":  record.Model,
	}).Info("logged response rating")
}

func (r *RatingUsecase) GetRating(ctx context.Context, chatID int64, key string) (model.RatingRecord, bool) {
	ratings, err := r.Storage.GetRatings(ctx, chatID)
	if err != nil {
		logrus.WithError(err).Error("failed to load ratings")
		return model.RatingRecord{}, false
	}
	raw, ok := ratings[key]
	if !ok {
		return model.RatingRecord{}, false
	}
	var record model.RatingRecord
	if err = json.Unmarshal(raw, &record); err != nil {
		return model.RatingRecord{}, false
	}
	return record, true
}

// GetStats aggregates positive/negative counts, optionally filtered by model
// and endpoint. Entries that do not decode as records are excluded, never
// fatal.
func (r *RatingUsecase) GetStats(ctx context.Context, chatID int64, modelFilter, endpointFilter string) model.RatingStats {
	var stats model.RatingStats
	ratings, err := r.Storage.GetRatings(ctx, chatID)
	if err != nil {
		logrus.WithError(err).Error("failed to load ratings")
		return stats
	}
	for _, raw := range ratings {
		var record model.RatingRecord
		if err = json.Unmarshal(raw, &record); err != nil {
			continue
		}
		if modelFilter != "" && record.Model != modelFilter {
			continue
		}
		if endpointFilter != "" && record.Endpoint != endpointFilter {
			continue
		}
		// only approve/disapprove feed the quality aggregate, the softer
		// sentiments stay query-able per record
		switch record.Rating {
		case model.RatingPositive:
			stats.Positive++
			stats.Total++
		case model.RatingNegative:
			stats.Negative++
			stats.Total++
		}
	}
	return stats
}

// CleanupOlderThan removes records strictly older than the cutoff. Records
// whose timestamp cannot be parsed are kept: ambiguous data is never silently
// destroyed.
func (r *RatingUsecase) CleanupOlderThan(ctx context.Context, chatID int64, days int) (kept, removed int, err error) {
	ratings, err := r.Storage.GetRatings(ctx, chatID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load ratings: %w", err)
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	cleaned := make(map[string]json.RawMessage, len(ratings))
	for key, raw := range ratings {
		var record model.RatingRecord
		if err := json.Unmarshal(raw, &record); err != nil || record.Timestamp == "" {
			cleaned[key] = raw
			continue
		}
		loggedAt, err := record.ParseTimestamp()
		if err != nil {
			cleaned[key] = raw
			continue
		}
		if loggedAt.Before(cutoff) {
			continue
		}
		cleaned[key] = raw
	}

	if err = r.Storage.SetRatings(ctx, chatID, cleaned); err != nil {
		return 0, 0, fmt.Errorf("failed to save ratings: %w", err)
	}
	kept = len(cleaned)
	removed = len(ratings) - kept
	logrus.WithFields(logrus.Fields{
		"chat_id": chatID,
		"kept":    kept,
		"removed": removed,
	}).Info("cleaned up old ratings")
	return kept, removed, nil
}

// CleanupAll runs the retention cleanup for every chat that stored ratings.
func (r *RatingUsecase) CleanupAll(ctx context.Context, days int) error {
	chatIDs, err := r.Storage.ListRatedChats(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rated chats: %w", err)
	}
	for _, chatID := range chatIDs {
		if _, _, err := r.CleanupOlderThan(ctx, chatID, days); err != nil {
			logrus.WithField("chat_id", chatID).WithError(err).Error("failed to cleanup ratings")
		}
	}
	return nil
}
