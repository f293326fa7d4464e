package model

import (
	"strings"
	"time"
)

const (
	RatingPositive   = "positive"
	RatingNegative   = "negative"
	RatingLove       = "love"
	RatingFunny      = "funny"
	RatingSurprising = "surprising"
	RatingSad        = "sad"
	RatingAngry      = "angry"
	RatingThoughtful = "thoughtful"
	RatingAccurate   = "accurate"
	RatingConfused   = "confused"
)

// SentimentByEmoji is the fixed reaction vocabulary. Only reactions listed
// here produce rating records; everything else is ignored.
var SentimentByEmoji = map[string]string{
	"👍": RatingPositive,
	"👎": RatingNegative,
	"❤": RatingLove,
	"🤣": RatingFunny,
	"🤯": RatingSurprising,
	"😢": RatingSad,
	"😡": RatingAngry,
	"🤔": RatingThoughtful,
	"💯": RatingAccurate,
	"🤨": RatingConfused,
}

// SentimentForEmoji normalizes the optional emoji variation selector before
// the lookup, Telegram clients are inconsistent about sending it.
func SentimentForEmoji(emoji string) (string, bool) {
	sentiment, ok := SentimentByEmoji[strings.TrimSuffix(emoji, "️")]
	return sentiment, ok
}

// MaxRatedContentLen bounds the response excerpt stored with a rating.
const MaxRatedContentLen = 500

type RatingRecord struct {
	UserID          int64  `json:"user_id"`
	ChatID          int64  `json:"chat_id"`
	Model           string `json:"model"`
	Endpoint        string `json:"endpoint"`
	Rating          string `json:"rating"`
	Timestamp       string `json:"timestamp"`
	ResponseContent string `json:"response_content,omitempty"`
}

// ParseTimestamp accepts RFC 3339 and the bare ISO-8601 form without a zone.
func (r RatingRecord) ParseTimestamp() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, r.Timestamp)
	if err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05", r.Timestamp)
}

type RatingStats struct {
	Positive int
	Negative int
	Total    int
}
